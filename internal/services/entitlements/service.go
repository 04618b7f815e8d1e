package entitlements

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ivachkou/secbrief/backend/internal/domain/enums"
	"github.com/ivachkou/secbrief/backend/internal/domain/model"
	pgrepo "github.com/ivachkou/secbrief/backend/internal/repo/postgres"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = pgrepo.ErrEntitlementNotFound
)

type RecordStore interface {
	Upsert(ctx context.Context, rec model.Entitlement) (model.Entitlement, bool, error)
	Deactivate(ctx context.Context, transactionID string, reason enums.DeactivationReason, notificationType enums.NotificationType, eventTime time.Time) (*int64, bool, error)
	UpdateNotificationMeta(ctx context.Context, transactionID string, notificationType enums.NotificationType, eventTime time.Time) (bool, error)
	AttachUser(ctx context.Context, originalTransactionID string, userID int64) (int64, error)
	FindByTransactionID(ctx context.Context, transactionID string) (model.Entitlement, error)
	ListActiveByUser(ctx context.Context, userID int64, at time.Time) ([]model.Entitlement, error)
}

type StatusStore interface {
	Get(ctx context.Context, userID int64) (model.UserStatus, error)
	Recompute(ctx context.Context, userID int64, at time.Time) (model.UserStatus, error)
}

type StatusCache interface {
	Get(ctx context.Context, userID int64) (model.UserStatus, error)
	Set(ctx context.Context, status model.UserStatus) error
}

// Service owns entitlement state. Derived ad-free status is only ever written
// by recompute after a fresh record scan; nothing here toggles the flag
// directly.
type Service struct {
	records RecordStore
	status  StatusStore
	cache   StatusCache
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(records RecordStore, status StatusStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		records: records,
		status:  status,
		logger:  logger,
		now:     time.Now,
	}
}

// AttachCache enables the write-through status cache. The cache is a read
// accelerator only; any cache failure falls back to the store.
func (s *Service) AttachCache(cache StatusCache) {
	s.cache = cache
}

// Status answers "is this user ad-free". No authenticated user is a valid
// non-error outcome handled by the caller; here userID must be set.
func (s *Service) Status(ctx context.Context, userID int64) (model.UserStatus, error) {
	if userID <= 0 {
		return model.UserStatus{}, ErrValidation
	}
	if s.status == nil {
		return model.UserStatus{}, fmt.Errorf("status store is nil")
	}

	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, userID); err == nil {
			return s.freshen(ctx, cached), nil
		}
	}

	status, err := s.status.Get(ctx, userID)
	if err != nil {
		return model.UserStatus{}, err
	}

	s.cacheStatus(ctx, status)
	return s.freshen(ctx, status), nil
}

// freshen guards against a derived row outliving its own expiry. A
// subscription lapses the moment expires_at passes, whether or not the store
// has told us yet; serving the stored row as-is would keep the user ad-free
// until the next notification or sweep. A recompute repairs the row and the
// cache; if it fails the answer is still clamped to not-ad-free.
func (s *Service) freshen(ctx context.Context, status model.UserStatus) model.UserStatus {
	if !status.IsAdFree || status.ExpiresAt == nil || status.ExpiresAt.After(s.now().UTC()) {
		return status
	}

	recomputed, err := s.Recompute(ctx, status.UserID)
	if err == nil {
		return recomputed
	}
	s.logger.Warn("recompute of lapsed status failed", zap.Int64("user_id", status.UserID), zap.Error(err))

	status.IsAdFree = false
	return status
}

// Upsert records a transaction and recomputes the owner's derived status when
// the owner is known. Webhook-created records may not have one yet.
func (s *Service) Upsert(ctx context.Context, rec model.Entitlement) (model.Entitlement, error) {
	if s.records == nil {
		return model.Entitlement{}, fmt.Errorf("record store is nil")
	}
	if rec.TransactionID == "" || rec.ProductID == "" {
		return model.Entitlement{}, ErrValidation
	}
	if rec.LastNotificationDate.IsZero() {
		rec.LastNotificationDate = s.now().UTC()
	}

	stored, changed, err := s.records.Upsert(ctx, rec)
	if err != nil {
		return model.Entitlement{}, err
	}

	if changed && stored.UserID != nil {
		if _, err := s.Recompute(ctx, *stored.UserID); err != nil {
			return model.Entitlement{}, err
		}
	}

	return stored, nil
}

// Deactivate flips a record off (refund, revocation, expiry) and recomputes
// the owner's status. Records are kept for audit; nothing is deleted.
func (s *Service) Deactivate(
	ctx context.Context,
	transactionID string,
	reason enums.DeactivationReason,
	notificationType enums.NotificationType,
	eventTime time.Time,
) error {
	if s.records == nil {
		return fmt.Errorf("record store is nil")
	}
	if transactionID == "" {
		return ErrValidation
	}
	if eventTime.IsZero() {
		eventTime = s.now().UTC()
	}

	userID, changed, err := s.records.Deactivate(ctx, transactionID, reason, notificationType, eventTime)
	if err != nil {
		return err
	}

	if changed && userID != nil {
		if _, err := s.Recompute(ctx, *userID); err != nil {
			return err
		}
	}

	return nil
}

// TouchNotification updates audit fields only; the entitlement itself does
// not change and no recompute runs.
func (s *Service) TouchNotification(ctx context.Context, transactionID string, notificationType enums.NotificationType, eventTime time.Time) error {
	if s.records == nil {
		return fmt.Errorf("record store is nil")
	}
	if transactionID == "" {
		return ErrValidation
	}

	if _, err := s.records.UpdateNotificationMeta(ctx, transactionID, notificationType, eventTime); err != nil {
		return err
	}
	return nil
}

// Attach binds ownerless records of a subscription chain to the user and
// refreshes their derived status.
func (s *Service) Attach(ctx context.Context, originalTransactionID string, userID int64) error {
	if s.records == nil {
		return fmt.Errorf("record store is nil")
	}
	if originalTransactionID == "" || userID <= 0 {
		return ErrValidation
	}

	bound, err := s.records.AttachUser(ctx, originalTransactionID, userID)
	if err != nil {
		return err
	}
	if bound == 0 {
		return nil
	}

	_, err = s.Recompute(ctx, userID)
	return err
}

// ActiveRecords lists the user's currently qualifying entitlement records.
func (s *Service) ActiveRecords(ctx context.Context, userID int64) ([]model.Entitlement, error) {
	if userID <= 0 {
		return nil, ErrValidation
	}
	if s.records == nil {
		return nil, fmt.Errorf("record store is nil")
	}

	return s.records.ListActiveByUser(ctx, userID, s.now().UTC())
}

// Recompute re-derives and persists the user's ad-free flag from a fresh scan
// of active records, then refreshes the cache. This is the single sanctioned
// writer of derived status.
func (s *Service) Recompute(ctx context.Context, userID int64) (model.UserStatus, error) {
	if userID <= 0 {
		return model.UserStatus{}, ErrValidation
	}
	if s.status == nil {
		return model.UserStatus{}, fmt.Errorf("status store is nil")
	}

	status, err := s.status.Recompute(ctx, userID, s.now().UTC())
	if err != nil {
		return model.UserStatus{}, err
	}

	s.cacheStatus(ctx, status)
	return status, nil
}

func (s *Service) cacheStatus(ctx context.Context, status model.UserStatus) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, status); err != nil {
		s.logger.Debug("status cache write failed", zap.Int64("user_id", status.UserID), zap.Error(err))
	}
}
