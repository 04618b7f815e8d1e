package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ivachkou/secbrief/backend/internal/domain/enums"
	"github.com/ivachkou/secbrief/backend/internal/domain/model"
	"github.com/ivachkou/secbrief/backend/internal/domain/rules"
	pgrepo "github.com/ivachkou/secbrief/backend/internal/repo/postgres"
)

var ErrMalformed = errors.New("malformed notification")

const verificationStatusWebhook = "webhook"

// EntitlementWriter is the slice of the entitlement service the ingestor
// needs. Every mutation is keyed by transaction id and timestamp-guarded, so
// replays and out-of-order deliveries are harmless.
type EntitlementWriter interface {
	Upsert(ctx context.Context, rec model.Entitlement) (model.Entitlement, error)
	Deactivate(ctx context.Context, transactionID string, reason enums.DeactivationReason, notificationType enums.NotificationType, eventTime time.Time) error
	TouchNotification(ctx context.Context, transactionID string, notificationType enums.NotificationType, eventTime time.Time) error
}

type AuditLog interface {
	Insert(ctx context.Context, entry pgrepo.AuditEntry) (uuid.UUID, error)
}

type PayloadDecoder interface {
	Decode(raw string) (TransactionPayload, error)
}

type Config struct {
	BundleID string
}

// Service ingests asynchronous server-to-server notifications from the store.
// The notification type selects the transition; the signed transaction payload
// is never trusted before its signature checks out.
type Service struct {
	decoder      PayloadDecoder
	entitlements EntitlementWriter
	audit        AuditLog
	catalog      *rules.Catalog
	cfg          Config
	logger       *zap.Logger
	now          func() time.Time
}

type envelope struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	Data             struct {
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
	} `json:"data"`
}

type Outcome struct {
	Type          enums.NotificationType
	Subtype       string
	TransactionID string
	Applied       bool
}

func NewService(
	decoder PayloadDecoder,
	entitlements EntitlementWriter,
	audit AuditLog,
	catalog *rules.Catalog,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		decoder:      decoder,
		entitlements: entitlements,
		audit:        audit,
		catalog:      catalog,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
	}
}

// Process handles one inbound notification body. Malformed input and bad
// signatures return ErrMalformed/ErrInvalidSignature (the handler answers
// 4xx, no redelivery); storage failures return other errors (5xx, the
// platform retries). Everything else succeeds, including duplicates, unknown
// products, and test pings.
func (s *Service) Process(ctx context.Context, body []byte) (Outcome, error) {
	if s.entitlements == nil || s.decoder == nil {
		return Outcome{}, fmt.Errorf("notification dependencies are not configured")
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ntype := enums.ParseNotificationType(env.NotificationType)
	if ntype == "" {
		return Outcome{}, fmt.Errorf("%w: missing notification type", ErrMalformed)
	}

	outcome := Outcome{Type: ntype, Subtype: env.Subtype}

	if ntype == enums.NotificationTest {
		s.recordAudit(ctx, env, TransactionPayload{})
		s.logger.Info("test notification received")
		return outcome, nil
	}

	payload, err := s.decoder.Decode(env.Data.SignedTransactionInfo)
	if err != nil {
		// Reject without touching storage: an unauthenticated payload
		// must never drive a mutation.
		return Outcome{}, err
	}
	if s.cfg.BundleID != "" && payload.BundleID != "" && payload.BundleID != s.cfg.BundleID {
		return Outcome{}, fmt.Errorf("%w: bundle id mismatch", ErrMalformed)
	}
	if strings.TrimSpace(payload.TransactionID) == "" {
		return Outcome{}, fmt.Errorf("%w: missing transaction id", ErrMalformed)
	}
	outcome.TransactionID = payload.TransactionID

	s.recordAudit(ctx, env, payload)

	kind, known := s.kindOf(payload.ProductID)
	if !known {
		s.logger.Warn("notification for unrecognized product",
			zap.String("product_id", payload.ProductID),
			zap.String("notification_type", string(ntype)),
		)
		return outcome, nil
	}

	eventTime := s.eventTime(payload)

	switch ntype {
	case enums.NotificationSubscribed, enums.NotificationDidRenew, enums.NotificationRenewalExtended:
		rec := s.buildRecord(payload, kind, ntype, eventTime)
		if _, err := s.entitlements.Upsert(ctx, rec); err != nil {
			return Outcome{}, wrapApplyError(ntype, err)
		}
		outcome.Applied = true

	case enums.NotificationDidFailToRenew, enums.NotificationExpired, enums.NotificationGracePeriodExpired:
		if err := s.deactivate(ctx, payload, kind, enums.DeactivationReasonExpired, ntype, eventTime); err != nil {
			return Outcome{}, err
		}
		outcome.Applied = true

	case enums.NotificationRefund:
		if err := s.deactivate(ctx, payload, kind, enums.DeactivationReasonRefund, ntype, eventTime); err != nil {
			return Outcome{}, err
		}
		outcome.Applied = true

	case enums.NotificationRevoke:
		if err := s.deactivate(ctx, payload, kind, enums.DeactivationReasonRevoke, ntype, eventTime); err != nil {
			return Outcome{}, err
		}
		outcome.Applied = true

	case enums.NotificationDidChangeRenewalStatus:
		err := s.entitlements.TouchNotification(ctx, payload.TransactionID, ntype, eventTime)
		if err != nil && !errors.Is(err, pgrepo.ErrEntitlementNotFound) {
			return Outcome{}, fmt.Errorf("touch notification meta: %w", err)
		}

	default:
		s.logger.Info("unhandled notification type ignored",
			zap.String("notification_type", string(ntype)),
			zap.String("subtype", env.Subtype),
		)
	}

	return outcome, nil
}

// deactivate flips the referenced record off. A deactivation for a
// transaction never seen before still creates an (inactive) record so the
// history survives, per the record lifecycle.
func (s *Service) deactivate(
	ctx context.Context,
	payload TransactionPayload,
	kind enums.ProductKind,
	reason enums.DeactivationReason,
	ntype enums.NotificationType,
	eventTime time.Time,
) error {
	err := s.entitlements.Deactivate(ctx, payload.TransactionID, reason, ntype, eventTime)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgrepo.ErrEntitlementNotFound) {
		return wrapApplyError(ntype, err)
	}

	rec := s.buildRecord(payload, kind, ntype, eventTime)
	rec.IsActive = false
	rec.RevocationReason = reason
	if _, err := s.entitlements.Upsert(ctx, rec); err != nil {
		return wrapApplyError(ntype, err)
	}
	return nil
}

// wrapApplyError keeps retriable storage failures retriable while turning a
// store environment mismatch into a permanent rejection: the same transaction
// id can never flip environments, so redelivering that notification would
// fail forever.
func wrapApplyError(ntype enums.NotificationType, err error) error {
	if errors.Is(err, pgrepo.ErrEnvironmentMismatch) {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return fmt.Errorf("apply %s notification: %w", ntype, err)
}

func (s *Service) buildRecord(payload TransactionPayload, kind enums.ProductKind, ntype enums.NotificationType, eventTime time.Time) model.Entitlement {
	environment, ok := enums.ParseEnvironment(payload.Environment)
	if !ok {
		environment = enums.EnvironmentProduction
	}

	rec := model.Entitlement{
		TransactionID:         strings.TrimSpace(payload.TransactionID),
		OriginalTransactionID: strings.TrimSpace(payload.OriginalTransactionID),
		ProductID:             strings.TrimSpace(payload.ProductID),
		Kind:                  kind,
		IsActive:              true,
		Environment:           environment,
		LastNotificationType:  ntype,
		LastNotificationDate:  eventTime,
		VerificationStatus:    verificationStatusWebhook,
	}
	if rec.OriginalTransactionID == "" {
		rec.OriginalTransactionID = rec.TransactionID
	}

	rec.PurchaseDate = msToTime(payload.PurchaseDateMS, eventTime)
	rec.PurchaseDate = rec.PurchaseDate.UTC()
	rec.OriginalPurchaseDate = msToTime(payload.OriginalPurchaseMS, rec.PurchaseDate)
	if kind == enums.ProductKindSubscription && payload.ExpiresDateMS > 0 {
		expires := time.UnixMilli(payload.ExpiresDateMS).UTC()
		rec.ExpiresDate = &expires
	}

	return rec
}

func (s *Service) kindOf(productID string) (enums.ProductKind, bool) {
	if s.catalog == nil {
		return "", false
	}
	return s.catalog.KindOf(productID)
}

func (s *Service) eventTime(payload TransactionPayload) time.Time {
	if payload.SignedDateMS > 0 {
		return time.UnixMilli(payload.SignedDateMS).UTC()
	}
	return s.now().UTC()
}

// recordAudit appends the notification to the audit log. The log is
// best-effort: a failed insert is logged and ignored so audit problems never
// block entitlement processing.
func (s *Service) recordAudit(ctx context.Context, env envelope, payload TransactionPayload) {
	if s.audit == nil {
		return
	}

	entry := pgrepo.AuditEntry{
		NotificationType:      env.NotificationType,
		Subtype:               env.Subtype,
		TransactionID:         payload.TransactionID,
		OriginalTransactionID: payload.OriginalTransactionID,
		Environment:           firstNonEmpty(payload.Environment, env.Data.Environment),
		Payload: map[string]any{
			"product_id": payload.ProductID,
			"bundle_id":  payload.BundleID,
		},
		ReceivedAt: s.now().UTC(),
	}
	if _, err := s.audit.Insert(ctx, entry); err != nil {
		s.logger.Warn("notification audit insert failed", zap.Error(err))
	}
}

func msToTime(ms int64, fallback time.Time) time.Time {
	if ms <= 0 {
		return fallback
	}
	return time.UnixMilli(ms).UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
