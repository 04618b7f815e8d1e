package reverify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ivachkou/secbrief/backend/internal/domain/enums"
	"github.com/ivachkou/secbrief/backend/internal/domain/model"
	"github.com/ivachkou/secbrief/backend/internal/services/verifier"
)

type RecordSource interface {
	ListExpiredUnresolved(ctx context.Context, cutoff time.Time, limit int) ([]model.Entitlement, error)
}

type ReceiptVerifier interface {
	Verify(ctx context.Context, receiptData string) verifier.Result
}

type EntitlementSink interface {
	Upsert(ctx context.Context, rec model.Entitlement) (model.Entitlement, error)
	Deactivate(ctx context.Context, transactionID string, reason enums.DeactivationReason, notificationType enums.NotificationType, eventTime time.Time) error
}

// Job sweeps subscription records that look expired but were never resolved
// by a server notification; it is the safety net for webhooks that went
// missing.
// Each sweep re-verifies the stored receipt: a renewal the webhook never told
// us about extends the record, anything else finally expires it.
type Job struct {
	records   RecordSource
	verifier  ReceiptVerifier
	sink      EntitlementSink
	grace     time.Duration
	batchSize int
	now       func() time.Time
	logger    *zap.Logger
}

func New(
	records RecordSource,
	v ReceiptVerifier,
	sink EntitlementSink,
	grace time.Duration,
	batchSize int,
	logger *zap.Logger,
) *Job {
	if grace <= 0 {
		grace = 24 * time.Hour
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Job{
		records:   records,
		verifier:  v,
		sink:      sink,
		grace:     grace,
		batchSize: batchSize,
		now:       time.Now,
		logger:    logger,
	}
}

func (j *Job) Run(ctx context.Context) error {
	if j.records == nil || j.sink == nil {
		return nil
	}

	now := j.now().UTC()
	cutoff := now.Add(-j.grace)
	stale, err := j.records.ListExpiredUnresolved(ctx, cutoff, j.batchSize)
	if err != nil {
		return fmt.Errorf("list unresolved expirations: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	extended, expired := 0, 0
	for _, rec := range stale {
		renewed, err := j.resolve(ctx, rec, now)
		if err != nil {
			return err
		}
		if renewed {
			extended++
		} else {
			expired++
		}
	}

	j.logger.Info("expired entitlement sweep completed",
		zap.Int("checked", len(stale)),
		zap.Int("extended", extended),
		zap.Int("expired", expired),
	)
	return nil
}

func (j *Job) resolve(ctx context.Context, rec model.Entitlement, now time.Time) (bool, error) {
	if j.verifier != nil && rec.ReceiptData != "" {
		res := j.verifier.Verify(ctx, rec.ReceiptData)
		if res.Valid {
			if tx, ok := latestRenewal(res.Transactions, rec, now); ok {
				updated := rec
				updated.TransactionID = tx.TransactionID
				updated.ExpiresDate = tx.ExpiresDate
				updated.PurchaseDate = tx.PurchaseDate
				updated.IsActive = true
				updated.RevocationReason = ""
				updated.LastNotificationDate = now
				if _, err := j.sink.Upsert(ctx, updated); err != nil {
					return false, fmt.Errorf("extend entitlement %s: %w", rec.TransactionID, err)
				}
				return true, nil
			}
		}
	}

	err := j.sink.Deactivate(ctx, rec.TransactionID, enums.DeactivationReasonExpired, enums.NotificationExpired, now)
	if err != nil {
		return false, fmt.Errorf("expire entitlement %s: %w", rec.TransactionID, err)
	}
	return false, nil
}

// latestRenewal finds a transaction in the same chain that is still unexpired.
func latestRenewal(transactions []verifier.Transaction, rec model.Entitlement, now time.Time) (verifier.Transaction, bool) {
	var best verifier.Transaction
	found := false
	for _, tx := range transactions {
		if tx.OriginalTransactionID != rec.OriginalTransactionID {
			continue
		}
		if tx.Expired || tx.ExpiresDate == nil || !tx.ExpiresDate.After(now) {
			continue
		}
		if !found || tx.ExpiresDate.After(*best.ExpiresDate) {
			best = tx
			found = true
		}
	}
	return best, found
}
