package model

import (
	"time"

	"github.com/ivachkou/secbrief/backend/internal/domain/enums"
)

// Entitlement is one verified (or webhook-reported) store transaction.
// Records are never hard-deleted; refunds and revocations flip IsActive off.
type Entitlement struct {
	TransactionID         string                   `json:"transaction_id"`
	OriginalTransactionID string                   `json:"original_transaction_id"`
	UserID                *int64                   `json:"user_id"`
	ProductID             string                   `json:"product_id"`
	Kind                  enums.ProductKind        `json:"kind"`
	PurchaseDate          time.Time                `json:"purchase_date"`
	OriginalPurchaseDate  time.Time                `json:"original_purchase_date"`
	ExpiresDate           *time.Time               `json:"expires_date"`
	IsActive              bool                     `json:"is_active"`
	Environment           enums.Environment        `json:"environment"`
	LastNotificationType  enums.NotificationType   `json:"last_notification_type"`
	LastNotificationDate  time.Time                `json:"last_notification_date"`
	ReceiptData           string                   `json:"receipt_data,omitempty"`
	VerificationStatus    string                   `json:"verification_status"`
	RevocationReason      enums.DeactivationReason `json:"revocation_reason,omitempty"`
	CreatedAt             time.Time                `json:"created_at"`
	UpdatedAt             time.Time                `json:"updated_at"`
}

// QualifiesAt reports whether the record grants ad-free access at the given
// instant: active, and either non-expiring or not yet expired.
func (e Entitlement) QualifiesAt(at time.Time) bool {
	if !e.IsActive {
		return false
	}
	return e.ExpiresDate == nil || e.ExpiresDate.After(at)
}
