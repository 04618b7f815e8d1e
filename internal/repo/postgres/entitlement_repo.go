package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ivachkou/secbrief/backend/internal/domain/enums"
	"github.com/ivachkou/secbrief/backend/internal/domain/model"
)

var (
	ErrEntitlementNotFound = errors.New("entitlement not found")
	ErrEnvironmentMismatch = errors.New("transaction belongs to a different store environment")
)

const entitlementColumns = `
transaction_id, original_transaction_id, user_id, product_id, product_kind,
purchase_date, original_purchase_date, expires_date, is_active, environment,
last_notification_type, last_notification_date, receipt_data,
verification_status, revocation_reason, created_at, updated_at`

type EntitlementRepo struct {
	pool *pgxpool.Pool
}

func NewEntitlementRepo(pool *pgxpool.Pool) *EntitlementRepo {
	return &EntitlementRepo{pool: pool}
}

// Upsert inserts or updates the record keyed by transaction_id. Conflicting
// writes resolve by last_notification_date, not arrival order: an event older
// than what the row already reflects leaves the row untouched and returns
// changed=false. A transaction id seen under a different store environment is
// rejected.
func (r *EntitlementRepo) Upsert(ctx context.Context, rec model.Entitlement) (model.Entitlement, bool, error) {
	if r.pool == nil {
		return model.Entitlement{}, false, fmt.Errorf("postgres pool is nil")
	}
	if strings.TrimSpace(rec.TransactionID) == "" || strings.TrimSpace(rec.ProductID) == "" {
		return model.Entitlement{}, false, fmt.Errorf("invalid entitlement upsert payload")
	}

	row := r.pool.QueryRow(ctx, `
INSERT INTO entitlements (
	transaction_id,
	original_transaction_id,
	user_id,
	product_id,
	product_kind,
	purchase_date,
	original_purchase_date,
	expires_date,
	is_active,
	environment,
	last_notification_type,
	last_notification_date,
	receipt_data,
	verification_status,
	revocation_reason,
	created_at,
	updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
ON CONFLICT (transaction_id) DO UPDATE SET
	original_transaction_id = EXCLUDED.original_transaction_id,
	user_id = COALESCE(EXCLUDED.user_id, entitlements.user_id),
	product_id = EXCLUDED.product_id,
	product_kind = EXCLUDED.product_kind,
	purchase_date = EXCLUDED.purchase_date,
	original_purchase_date = EXCLUDED.original_purchase_date,
	expires_date = EXCLUDED.expires_date,
	is_active = EXCLUDED.is_active,
	last_notification_type = EXCLUDED.last_notification_type,
	last_notification_date = EXCLUDED.last_notification_date,
	receipt_data = CASE
		WHEN EXCLUDED.receipt_data <> '' THEN EXCLUDED.receipt_data
		ELSE entitlements.receipt_data
	END,
	verification_status = EXCLUDED.verification_status,
	revocation_reason = EXCLUDED.revocation_reason,
	updated_at = NOW()
WHERE entitlements.last_notification_date <= EXCLUDED.last_notification_date
  AND entitlements.environment = EXCLUDED.environment
RETURNING `+entitlementColumns,
		rec.TransactionID,
		rec.OriginalTransactionID,
		rec.UserID,
		strings.TrimSpace(rec.ProductID),
		string(rec.Kind),
		rec.PurchaseDate,
		rec.OriginalPurchaseDate,
		rec.ExpiresDate,
		rec.IsActive,
		string(rec.Environment),
		string(rec.LastNotificationType),
		rec.LastNotificationDate,
		rec.ReceiptData,
		rec.VerificationStatus,
		nullableReason(rec.RevocationReason),
	)

	stored, err := scanEntitlement(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Entitlement{}, false, fmt.Errorf("upsert entitlement: %w", err)
	}

	// Guarded update skipped: either the event is stale or the environments
	// disagree. Fetch the row to tell the two apart.
	existing, findErr := r.FindByTransactionID(ctx, rec.TransactionID)
	if findErr != nil {
		return model.Entitlement{}, false, findErr
	}
	if existing.Environment != rec.Environment {
		return model.Entitlement{}, false, ErrEnvironmentMismatch
	}
	return existing, false, nil
}

// Deactivate flips the record off unless a newer event already touched it.
// Returns the owning user id if one is bound.
func (r *EntitlementRepo) Deactivate(
	ctx context.Context,
	transactionID string,
	reason enums.DeactivationReason,
	notificationType enums.NotificationType,
	eventTime time.Time,
) (*int64, bool, error) {
	if r.pool == nil {
		return nil, false, fmt.Errorf("postgres pool is nil")
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, false, fmt.Errorf("invalid transaction id")
	}

	var userID *int64
	err := r.pool.QueryRow(ctx, `
UPDATE entitlements
SET
	is_active = FALSE,
	revocation_reason = $2,
	last_notification_type = $3,
	last_notification_date = $4,
	updated_at = NOW()
WHERE transaction_id = $1
  AND last_notification_date <= $4
RETURNING user_id
`, transactionID, string(reason), string(notificationType), eventTime).Scan(&userID)
	if err == nil {
		return userID, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("deactivate entitlement: %w", err)
	}

	existing, findErr := r.FindByTransactionID(ctx, transactionID)
	if findErr != nil {
		return nil, false, findErr
	}
	return existing.UserID, false, nil
}

// UpdateNotificationMeta refreshes the audit fields without changing the
// entitlement itself (renewal-status toggles and the like).
func (r *EntitlementRepo) UpdateNotificationMeta(
	ctx context.Context,
	transactionID string,
	notificationType enums.NotificationType,
	eventTime time.Time,
) (bool, error) {
	if r.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return false, fmt.Errorf("invalid transaction id")
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE entitlements
SET
	last_notification_type = $2,
	last_notification_date = $3,
	updated_at = NOW()
WHERE transaction_id = $1
  AND last_notification_date <= $3
`, transactionID, string(notificationType), eventTime)
	if err != nil {
		return false, fmt.Errorf("update notification meta: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// AttachUser binds ownerless records of one subscription chain to a user.
// Webhook notifications can precede the client-side purchase that reveals who
// the transaction belongs to; original_transaction_id is the join key.
func (r *EntitlementRepo) AttachUser(ctx context.Context, originalTransactionID string, userID int64) (int64, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}
	originalTransactionID = strings.TrimSpace(originalTransactionID)
	if originalTransactionID == "" || userID <= 0 {
		return 0, fmt.Errorf("invalid attach payload")
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE entitlements
SET user_id = $2, updated_at = NOW()
WHERE original_transaction_id = $1
  AND user_id IS NULL
`, originalTransactionID, userID)
	if err != nil {
		return 0, fmt.Errorf("attach user to entitlements: %w", err)
	}

	return tag.RowsAffected(), nil
}

func (r *EntitlementRepo) FindByTransactionID(ctx context.Context, transactionID string) (model.Entitlement, error) {
	if r.pool == nil {
		return model.Entitlement{}, fmt.Errorf("postgres pool is nil")
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return model.Entitlement{}, fmt.Errorf("invalid transaction id")
	}

	rec, err := scanEntitlement(r.pool.QueryRow(ctx, `
SELECT `+entitlementColumns+`
FROM entitlements
WHERE transaction_id = $1
LIMIT 1
`, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Entitlement{}, ErrEntitlementNotFound
		}
		return model.Entitlement{}, fmt.Errorf("find entitlement by transaction id: %w", err)
	}

	return rec, nil
}

func (r *EntitlementRepo) FindByOriginalTransactionID(ctx context.Context, originalTransactionID string) ([]model.Entitlement, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	originalTransactionID = strings.TrimSpace(originalTransactionID)
	if originalTransactionID == "" {
		return nil, fmt.Errorf("invalid original transaction id")
	}

	rows, err := r.pool.Query(ctx, `
SELECT `+entitlementColumns+`
FROM entitlements
WHERE original_transaction_id = $1
ORDER BY purchase_date DESC
`, originalTransactionID)
	if err != nil {
		return nil, fmt.Errorf("find entitlements by original transaction id: %w", err)
	}
	defer rows.Close()

	return collectEntitlements(rows)
}

// ListActiveByUser returns the user's records that qualify for ad-free access
// at the given instant.
func (r *EntitlementRepo) ListActiveByUser(ctx context.Context, userID int64, at time.Time) ([]model.Entitlement, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if userID <= 0 {
		return nil, fmt.Errorf("invalid user id")
	}

	rows, err := r.pool.Query(ctx, `
SELECT `+entitlementColumns+`
FROM entitlements
WHERE user_id = $1
  AND is_active
  AND (expires_date IS NULL OR expires_date > $2)
ORDER BY purchase_date DESC
`, userID, at.UTC())
	if err != nil {
		return nil, fmt.Errorf("list active entitlements: %w", err)
	}
	defer rows.Close()

	return collectEntitlements(rows)
}

// ListExpiredUnresolved finds active subscription records whose expiry passed
// before the cutoff without a terminal notification arriving. The reverify job
// re-checks them against the store.
func (r *EntitlementRepo) ListExpiredUnresolved(ctx context.Context, cutoff time.Time, limit int) ([]model.Entitlement, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
SELECT `+entitlementColumns+`
FROM entitlements
WHERE is_active
  AND product_kind = $1
  AND expires_date IS NOT NULL
  AND expires_date <= $2
ORDER BY expires_date ASC
LIMIT $3
`, string(enums.ProductKindSubscription), cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired unresolved entitlements: %w", err)
	}
	defer rows.Close()

	return collectEntitlements(rows)
}

func scanEntitlement(row pgx.Row) (model.Entitlement, error) {
	var (
		rec    model.Entitlement
		kind   string
		env    string
		ntype  string
		reason *string
	)
	if err := row.Scan(
		&rec.TransactionID,
		&rec.OriginalTransactionID,
		&rec.UserID,
		&rec.ProductID,
		&kind,
		&rec.PurchaseDate,
		&rec.OriginalPurchaseDate,
		&rec.ExpiresDate,
		&rec.IsActive,
		&env,
		&ntype,
		&rec.LastNotificationDate,
		&rec.ReceiptData,
		&rec.VerificationStatus,
		&reason,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return model.Entitlement{}, err
	}

	rec.Kind = enums.ProductKind(kind)
	rec.Environment = enums.Environment(env)
	rec.LastNotificationType = enums.NotificationType(ntype)
	if reason != nil {
		rec.RevocationReason = enums.DeactivationReason(*reason)
	}
	return rec, nil
}

func collectEntitlements(rows pgx.Rows) ([]model.Entitlement, error) {
	var records []model.Entitlement
	for rows.Next() {
		rec, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entitlement row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entitlement rows: %w", err)
	}
	return records, nil
}

func nullableReason(reason enums.DeactivationReason) *string {
	if reason == "" {
		return nil
	}
	value := string(reason)
	return &value
}
