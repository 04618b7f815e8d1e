package model

import (
	"time"

	"github.com/ivachkou/secbrief/backend/internal/domain/enums"
)

// UserStatus is the derived ad-free flag per user. It is a cache over the
// user's entitlement records, recomputed on every mutation, never toggled
// directly.
type UserStatus struct {
	UserID      int64             `json:"user_id"`
	IsAdFree    bool              `json:"is_ad_free"`
	ProductType enums.ProductKind `json:"product_type,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
