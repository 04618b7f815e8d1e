package entitlements

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ivachkou/secbrief/backend/internal/domain/enums"
	"github.com/ivachkou/secbrief/backend/internal/domain/model"
)

type recordStoreStub struct {
	records map[string]model.Entitlement
}

func newRecordStoreStub() *recordStoreStub {
	return &recordStoreStub{records: make(map[string]model.Entitlement)}
}

func (s *recordStoreStub) Upsert(_ context.Context, rec model.Entitlement) (model.Entitlement, bool, error) {
	existing, ok := s.records[rec.TransactionID]
	if ok {
		if existing.Environment != rec.Environment {
			return model.Entitlement{}, false, errors.New("environment mismatch")
		}
		if existing.LastNotificationDate.After(rec.LastNotificationDate) {
			return existing, false, nil
		}
		if rec.UserID == nil {
			rec.UserID = existing.UserID
		}
	}
	s.records[rec.TransactionID] = rec
	return rec, true, nil
}

func (s *recordStoreStub) Deactivate(_ context.Context, transactionID string, reason enums.DeactivationReason, notificationType enums.NotificationType, eventTime time.Time) (*int64, bool, error) {
	rec, ok := s.records[transactionID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if rec.LastNotificationDate.After(eventTime) {
		return rec.UserID, false, nil
	}
	rec.IsActive = false
	rec.RevocationReason = reason
	rec.LastNotificationType = notificationType
	rec.LastNotificationDate = eventTime
	s.records[transactionID] = rec
	return rec.UserID, true, nil
}

func (s *recordStoreStub) UpdateNotificationMeta(_ context.Context, transactionID string, notificationType enums.NotificationType, eventTime time.Time) (bool, error) {
	rec, ok := s.records[transactionID]
	if !ok {
		return false, ErrNotFound
	}
	if rec.LastNotificationDate.After(eventTime) {
		return false, nil
	}
	rec.LastNotificationType = notificationType
	rec.LastNotificationDate = eventTime
	s.records[transactionID] = rec
	return true, nil
}

func (s *recordStoreStub) AttachUser(_ context.Context, originalTransactionID string, userID int64) (int64, error) {
	var bound int64
	for id, rec := range s.records {
		if rec.OriginalTransactionID == originalTransactionID && rec.UserID == nil {
			rec.UserID = &userID
			s.records[id] = rec
			bound++
		}
	}
	return bound, nil
}

func (s *recordStoreStub) FindByTransactionID(_ context.Context, transactionID string) (model.Entitlement, error) {
	rec, ok := s.records[transactionID]
	if !ok {
		return model.Entitlement{}, ErrNotFound
	}
	return rec, nil
}

func (s *recordStoreStub) ListActiveByUser(_ context.Context, userID int64, at time.Time) ([]model.Entitlement, error) {
	var active []model.Entitlement
	for _, rec := range s.records {
		if rec.UserID != nil && *rec.UserID == userID && rec.QualifiesAt(at) {
			active = append(active, rec)
		}
	}
	return active, nil
}

type statusStoreStub struct {
	records  *recordStoreStub
	statuses map[int64]model.UserStatus
	getCalls int
}

func newStatusStoreStub(records *recordStoreStub) *statusStoreStub {
	return &statusStoreStub{
		records:  records,
		statuses: make(map[int64]model.UserStatus),
	}
}

func (s *statusStoreStub) Get(_ context.Context, userID int64) (model.UserStatus, error) {
	s.getCalls++
	status, ok := s.statuses[userID]
	if !ok {
		return model.UserStatus{UserID: userID}, nil
	}
	return status, nil
}

func (s *statusStoreStub) Recompute(ctx context.Context, userID int64, at time.Time) (model.UserStatus, error) {
	active, _ := s.records.ListActiveByUser(ctx, userID, at)

	status := model.UserStatus{UserID: userID, UpdatedAt: at}
	for _, rec := range active {
		status.IsAdFree = true
		if rec.Kind == enums.ProductKindLifetime {
			status.ProductType = enums.ProductKindLifetime
			status.ExpiresAt = nil
			continue
		}
		if status.ProductType == enums.ProductKindLifetime {
			continue
		}
		status.ProductType = enums.ProductKindSubscription
		if rec.ExpiresDate != nil && (status.ExpiresAt == nil || rec.ExpiresDate.After(*status.ExpiresAt)) {
			status.ExpiresAt = rec.ExpiresDate
		}
	}

	s.statuses[userID] = status
	return status, nil
}

type cacheStub struct {
	entries map[int64]model.UserStatus
}

func newCacheStub() *cacheStub {
	return &cacheStub{entries: make(map[int64]model.UserStatus)}
}

func (c *cacheStub) Get(_ context.Context, userID int64) (model.UserStatus, error) {
	status, ok := c.entries[userID]
	if !ok {
		return model.UserStatus{}, errors.New("miss")
	}
	return status, nil
}

func (c *cacheStub) Set(_ context.Context, status model.UserStatus) error {
	c.entries[status.UserID] = status
	return nil
}

func userIDPtr(id int64) *int64 { return &id }

func lifetimeRecord(txID string, userID int64, at time.Time) model.Entitlement {
	return model.Entitlement{
		TransactionID:         txID,
		OriginalTransactionID: txID,
		UserID:                userIDPtr(userID),
		ProductID:             "com.example.adfree.lifetime",
		Kind:                  enums.ProductKindLifetime,
		PurchaseDate:          at,
		OriginalPurchaseDate:  at,
		IsActive:              true,
		Environment:           enums.EnvironmentProduction,
		LastNotificationDate:  at,
	}
}

func subscriptionRecord(txID string, userID int64, purchased time.Time, expires *time.Time, active bool) model.Entitlement {
	return model.Entitlement{
		TransactionID:         txID,
		OriginalTransactionID: "orig-" + txID,
		UserID:                userIDPtr(userID),
		ProductID:             "com.example.adfree.monthly",
		Kind:                  enums.ProductKindSubscription,
		PurchaseDate:          purchased,
		OriginalPurchaseDate:  purchased,
		ExpiresDate:           expires,
		IsActive:              active,
		Environment:           enums.EnvironmentProduction,
		LastNotificationDate:  purchased,
	}
}

func TestUpsertLifetimeMakesUserAdFree(t *testing.T) {
	records := newRecordStoreStub()
	statuses := newStatusStoreStub(records)
	svc := NewService(records, statuses, nil)

	now := time.Now().UTC()
	if _, err := svc.Upsert(context.Background(), lifetimeRecord("tx-1", 42, now)); err != nil {
		t.Fatalf("upsert lifetime record: %v", err)
	}

	status, err := svc.Status(context.Background(), 42)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.IsAdFree || status.ProductType != enums.ProductKindLifetime {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.ExpiresAt != nil {
		t.Fatalf("lifetime status must not expire: %v", status.ExpiresAt)
	}
}

func TestRecomputePrefersLifetimeOverSubscription(t *testing.T) {
	records := newRecordStoreStub()
	statuses := newStatusStoreStub(records)
	svc := NewService(records, statuses, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	pastExpiry := now.Add(-24 * time.Hour)
	if _, err := svc.Upsert(ctx, subscriptionRecord("tx-sub", 7, now.Add(-40*24*time.Hour), &pastExpiry, true)); err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}
	if _, err := svc.Upsert(ctx, lifetimeRecord("tx-life", 7, now)); err != nil {
		t.Fatalf("upsert lifetime: %v", err)
	}

	status, err := svc.Recompute(ctx, 7)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if !status.IsAdFree || status.ProductType != enums.ProductKindLifetime {
		t.Fatalf("expected lifetime ad-free status, got %+v", status)
	}
}

func TestDeactivateLastRecordClearsAdFree(t *testing.T) {
	records := newRecordStoreStub()
	statuses := newStatusStoreStub(records)
	svc := NewService(records, statuses, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	future := now.Add(30 * 24 * time.Hour)
	if _, err := svc.Upsert(ctx, subscriptionRecord("tx-sub", 9, now, &future, true)); err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}

	status, _ := svc.Status(ctx, 9)
	if !status.IsAdFree {
		t.Fatalf("expected ad-free before refund, got %+v", status)
	}

	if err := svc.Deactivate(ctx, "tx-sub", enums.DeactivationReasonRefund, enums.NotificationRefund, now.Add(time.Hour)); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	status, err := svc.Status(ctx, 9)
	if err != nil {
		t.Fatalf("status after refund: %v", err)
	}
	if status.IsAdFree {
		t.Fatalf("expected not ad-free after refund, got %+v", status)
	}
}

func TestStatusReadsThroughCache(t *testing.T) {
	records := newRecordStoreStub()
	statuses := newStatusStoreStub(records)
	cache := newCacheStub()
	svc := NewService(records, statuses, nil)
	svc.AttachCache(cache)
	ctx := context.Background()

	now := time.Now().UTC()
	if _, err := svc.Upsert(ctx, lifetimeRecord("tx-1", 11, now)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Recompute inside Upsert wrote through to the cache; subsequent reads
	// must not hit the status store.
	before := statuses.getCalls
	status, err := svc.Status(ctx, 11)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.IsAdFree {
		t.Fatalf("unexpected status: %+v", status)
	}
	if statuses.getCalls != before {
		t.Fatalf("expected cached read, store Get called %d times", statuses.getCalls-before)
	}
}

func TestAttachBindsWebhookRecordsAndRecomputes(t *testing.T) {
	records := newRecordStoreStub()
	statuses := newStatusStoreStub(records)
	svc := NewService(records, statuses, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	future := now.Add(30 * 24 * time.Hour)
	orphan := subscriptionRecord("tx-orphan", 0, now, &future, true)
	orphan.UserID = nil
	orphan.OriginalTransactionID = "orig-chain"
	if _, err := svc.Upsert(ctx, orphan); err != nil {
		t.Fatalf("upsert orphan record: %v", err)
	}

	if err := svc.Attach(ctx, "orig-chain", 21); err != nil {
		t.Fatalf("attach: %v", err)
	}

	status, err := svc.Status(ctx, 21)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.IsAdFree || status.ProductType != enums.ProductKindSubscription {
		t.Fatalf("expected subscription ad-free status, got %+v", status)
	}
}

func TestStatusClampsLapsedSubscriptionFromStore(t *testing.T) {
	records := newRecordStoreStub()
	statuses := newStatusStoreStub(records)
	svc := NewService(records, statuses, nil)
	ctx := context.Background()

	// The stored row says ad-free, but its own expiry has passed and no
	// terminal notification has arrived to correct it.
	lapsed := time.Now().UTC().Add(-time.Hour)
	statuses.statuses[5] = model.UserStatus{
		UserID:      5,
		IsAdFree:    true,
		ProductType: enums.ProductKindSubscription,
		ExpiresAt:   &lapsed,
	}

	status, err := svc.Status(ctx, 5)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.IsAdFree {
		t.Fatalf("lapsed subscription must not read as ad-free: %+v", status)
	}

	// The read repaired the stored row, not just the answer.
	if stored := statuses.statuses[5]; stored.IsAdFree {
		t.Fatalf("expected stored row to be recomputed, got %+v", stored)
	}
}

func TestStatusClampsLapsedSubscriptionFromCache(t *testing.T) {
	records := newRecordStoreStub()
	statuses := newStatusStoreStub(records)
	cache := newCacheStub()
	svc := NewService(records, statuses, nil)
	svc.AttachCache(cache)
	ctx := context.Background()

	lapsed := time.Now().UTC().Add(-time.Minute)
	cache.entries[13] = model.UserStatus{
		UserID:      13,
		IsAdFree:    true,
		ProductType: enums.ProductKindSubscription,
		ExpiresAt:   &lapsed,
	}

	status, err := svc.Status(ctx, 13)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.IsAdFree {
		t.Fatalf("lapsed cached status must not read as ad-free: %+v", status)
	}
	if cached := cache.entries[13]; cached.IsAdFree {
		t.Fatalf("expected cache entry to be overwritten, got %+v", cached)
	}
}

func TestStatusRejectsInvalidUser(t *testing.T) {
	svc := NewService(newRecordStoreStub(), newStatusStoreStub(newRecordStoreStub()), nil)

	if _, err := svc.Status(context.Background(), 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
