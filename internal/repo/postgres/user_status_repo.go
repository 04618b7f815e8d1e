package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ivachkou/secbrief/backend/internal/domain/enums"
	"github.com/ivachkou/secbrief/backend/internal/domain/model"
)

type UserStatusRepo struct {
	pool *pgxpool.Pool
}

func NewUserStatusRepo(pool *pgxpool.Pool) *UserStatusRepo {
	return &UserStatusRepo{pool: pool}
}

// Get returns the persisted derived status. Users with no row simply are not
// ad-free; that is a valid answer, not an error.
func (r *UserStatusRepo) Get(ctx context.Context, userID int64) (model.UserStatus, error) {
	if userID <= 0 {
		return model.UserStatus{}, fmt.Errorf("invalid user id")
	}
	if r.pool == nil {
		return model.UserStatus{UserID: userID}, nil
	}

	var (
		status      model.UserStatus
		productType *string
	)
	err := r.pool.QueryRow(ctx, `
SELECT user_id, is_ad_free, product_type, expires_at, updated_at
FROM user_status
WHERE user_id = $1
LIMIT 1
`, userID).Scan(
		&status.UserID,
		&status.IsAdFree,
		&productType,
		&status.ExpiresAt,
		&status.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.UserStatus{UserID: userID}, nil
		}
		return model.UserStatus{}, fmt.Errorf("get user status: %w", err)
	}

	if productType != nil {
		status.ProductType = enums.ProductKind(*productType)
	}
	return status, nil
}

// Recompute re-derives the ad-free flag from a fresh scan of the user's
// qualifying entitlement records and persists it. The row lock serializes
// concurrent recomputations for the same user; this is the only code path
// that writes derived fields.
func (r *UserStatusRepo) Recompute(ctx context.Context, userID int64, at time.Time) (model.UserStatus, error) {
	if r.pool == nil {
		return model.UserStatus{}, fmt.Errorf("postgres pool is nil")
	}
	if userID <= 0 {
		return model.UserStatus{}, fmt.Errorf("invalid user id")
	}
	at = at.UTC()

	var status model.UserStatus
	err := WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO user_status (user_id, is_ad_free, updated_at)
VALUES ($1, FALSE, NOW())
ON CONFLICT (user_id) DO NOTHING
`, userID); err != nil {
			return fmt.Errorf("ensure user status row: %w", err)
		}

		var locked int64
		if err := tx.QueryRow(ctx, `
SELECT user_id FROM user_status WHERE user_id = $1 FOR UPDATE
`, userID).Scan(&locked); err != nil {
			return fmt.Errorf("lock user status row: %w", err)
		}

		rows, err := tx.Query(ctx, `
SELECT product_kind, expires_date
FROM entitlements
WHERE user_id = $1
  AND is_active
  AND (expires_date IS NULL OR expires_date > $2)
`, userID, at)
		if err != nil {
			return fmt.Errorf("scan qualifying entitlements: %w", err)
		}

		derived, err := deriveStatus(rows, userID, at)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
UPDATE user_status
SET
	is_ad_free = $2,
	product_type = $3,
	expires_at = $4,
	updated_at = NOW()
WHERE user_id = $1
`, userID, derived.IsAdFree, nullableKind(derived.ProductType), derived.ExpiresAt); err != nil {
			return fmt.Errorf("persist derived status: %w", err)
		}

		status = derived
		return nil
	})
	if err != nil {
		return model.UserStatus{}, err
	}

	return status, nil
}

// deriveStatus applies the precedence rule: lifetime beats subscription; among
// subscriptions the furthest expiry wins.
func deriveStatus(rows pgx.Rows, userID int64, at time.Time) (model.UserStatus, error) {
	defer rows.Close()

	status := model.UserStatus{UserID: userID, UpdatedAt: at}
	for rows.Next() {
		var (
			kind    string
			expires *time.Time
		)
		if err := rows.Scan(&kind, &expires); err != nil {
			return model.UserStatus{}, fmt.Errorf("scan qualifying entitlement: %w", err)
		}

		status.IsAdFree = true
		if enums.ProductKind(kind) == enums.ProductKindLifetime {
			status.ProductType = enums.ProductKindLifetime
			status.ExpiresAt = nil
			continue
		}
		if status.ProductType == enums.ProductKindLifetime {
			continue
		}
		status.ProductType = enums.ProductKindSubscription
		if expires != nil && (status.ExpiresAt == nil || expires.After(*status.ExpiresAt)) {
			status.ExpiresAt = expires
		}
	}
	if err := rows.Err(); err != nil {
		return model.UserStatus{}, fmt.Errorf("iterate qualifying entitlements: %w", err)
	}

	return status, nil
}

func nullableKind(kind enums.ProductKind) *string {
	if kind == "" {
		return nil
	}
	value := string(kind)
	return &value
}
