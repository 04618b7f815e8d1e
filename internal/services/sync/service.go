package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ivachkou/secbrief/backend/internal/domain/enums"
	"github.com/ivachkou/secbrief/backend/internal/domain/model"
	"github.com/ivachkou/secbrief/backend/internal/services/entitlements"
	"github.com/ivachkou/secbrief/backend/internal/services/verifier"
)

var ErrValidation = entitlements.ErrValidation

const verificationStatusReceipt = "receipt"

// ReceiptVerifier is the store-side receipt check from services/verifier.
type ReceiptVerifier interface {
	Verify(ctx context.Context, receiptData string) verifier.Result
}

// EntitlementStore is the slice of the entitlement service restore needs.
type EntitlementStore interface {
	Status(ctx context.Context, userID int64) (model.UserStatus, error)
	Upsert(ctx context.Context, rec model.Entitlement) (model.Entitlement, error)
	Attach(ctx context.Context, originalTransactionID string, userID int64) error
	Recompute(ctx context.Context, userID int64) (model.UserStatus, error)
}

// Service reconciles a client's local receipt with the server-side
// entitlement records. The server is authoritative: restore only ever adds
// evidence, it never weakens a status the server already granted.
type Service struct {
	verifier     ReceiptVerifier
	entitlements EntitlementStore
	logger       *zap.Logger
}

type Result struct {
	Status model.UserStatus
	// AlreadyEntitled is set when the server status sufficed and the
	// receipt was not submitted for verification.
	AlreadyEntitled bool
	Verified        bool
	Restored        int
	FailureReason   string
}

func NewService(v ReceiptVerifier, ents EntitlementStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		verifier:     v,
		entitlements: ents,
		logger:       logger,
	}
}

// Restore answers "is this user ad-free, and if not, does their receipt prove
// they should be". The server status is consulted first; a receipt is only
// verified when the server does not already grant the entitlement. An invalid
// receipt is not an error: the caller gets the current status back.
func (s *Service) Restore(ctx context.Context, userID int64, receiptData string) (Result, error) {
	if s.entitlements == nil {
		return Result{}, fmt.Errorf("entitlement store is nil")
	}
	if userID <= 0 {
		return Result{}, ErrValidation
	}

	status, err := s.entitlements.Status(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("load user status: %w", err)
	}
	if status.IsAdFree {
		return Result{Status: status, AlreadyEntitled: true}, nil
	}

	if s.verifier == nil {
		return Result{}, fmt.Errorf("receipt verifier is nil")
	}

	res := s.verifier.Verify(ctx, receiptData)
	if !res.Valid {
		s.logger.Info("restore receipt rejected",
			zap.Int64("user_id", userID),
			zap.String("reason", res.FailureReason),
		)
		return Result{Status: status, FailureReason: res.FailureReason}, nil
	}

	restored := 0
	originals := map[string]struct{}{}
	for _, tx := range res.Transactions {
		rec := recordFromTransaction(tx, userID, res.Environment)
		// Keep the blob so the expiry sweep can re-verify without the client.
		rec.ReceiptData = receiptData
		if _, err := s.entitlements.Upsert(ctx, rec); err != nil {
			return Result{}, fmt.Errorf("restore transaction %s: %w", tx.TransactionID, err)
		}
		restored++
		if tx.OriginalTransactionID != "" {
			originals[tx.OriginalTransactionID] = struct{}{}
		}
	}

	// Bind any webhook-created records from the same subscription chains
	// that arrived before the user was known.
	for original := range originals {
		if err := s.entitlements.Attach(ctx, original, userID); err != nil {
			return Result{}, fmt.Errorf("attach chain %s: %w", original, err)
		}
	}

	status, err = s.entitlements.Recompute(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("recompute user status: %w", err)
	}

	return Result{Status: status, Verified: true, Restored: restored}, nil
}

func recordFromTransaction(tx verifier.Transaction, userID int64, env enums.Environment) model.Entitlement {
	rec := model.Entitlement{
		TransactionID:         tx.TransactionID,
		OriginalTransactionID: tx.OriginalTransactionID,
		UserID:                &userID,
		ProductID:             tx.ProductID,
		Kind:                  tx.Kind,
		PurchaseDate:          tx.PurchaseDate,
		OriginalPurchaseDate:  tx.OriginalPurchaseDate,
		ExpiresDate:           tx.ExpiresDate,
		IsActive:              !tx.Expired,
		Environment:           env,
		// Purchase time, not verification time: a replayed receipt must
		// never outrank a refund or revocation webhook that came later.
		LastNotificationDate: tx.PurchaseDate,
		VerificationStatus:   verificationStatusReceipt,
	}
	if rec.OriginalTransactionID == "" {
		rec.OriginalTransactionID = rec.TransactionID
	}
	if tx.CancellationDate != nil {
		rec.RevocationReason = enums.DeactivationReasonRefund
		rec.LastNotificationDate = *tx.CancellationDate
	} else if tx.Expired {
		rec.RevocationReason = enums.DeactivationReasonExpired
	}
	return rec
}
