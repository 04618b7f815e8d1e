package gate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ivachkou/secbrief/backend/internal/domain/enums"
	"github.com/ivachkou/secbrief/backend/internal/domain/model"
	"github.com/ivachkou/secbrief/backend/internal/domain/rules"
	"github.com/ivachkou/secbrief/backend/internal/services/entitlements"
)

var ErrValidation = entitlements.ErrValidation

// Deny reasons surfaced to the client so it can explain a disabled buy
// button instead of letting the purchase fail at the store.
const (
	ReasonLifetimeOwned    = "lifetime_already_owned"
	ReasonAlreadyActive    = "product_already_active"
	ReasonLifetimeCoversIt = "lifetime_covers_subscriptions"
)

type RecordSource interface {
	ActiveRecords(ctx context.Context, userID int64) ([]model.Entitlement, error)
}

// Service decides whether a purchase attempt should even be offered to the
// store. Denials here are advisory: the reconciliation path stays correct if
// a client ignores them, this just avoids charging users for something they
// already have.
type Service struct {
	records RecordSource
	catalog *rules.Catalog
	logger  *zap.Logger
}

type Decision struct {
	Allowed bool
	Reason  string
}

func NewService(records RecordSource, catalog *rules.Catalog, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		records: records,
		catalog: catalog,
		logger:  logger,
	}
}

func (s *Service) Authorize(ctx context.Context, userID int64, productID string) (Decision, error) {
	if s.records == nil || s.catalog == nil {
		return Decision{}, fmt.Errorf("gate dependencies are not configured")
	}
	if userID <= 0 {
		return Decision{}, ErrValidation
	}

	productID = strings.TrimSpace(productID)
	requestedKind, known := s.catalog.KindOf(productID)
	if !known {
		return Decision{}, fmt.Errorf("%w: unknown product %q", ErrValidation, productID)
	}

	active, err := s.records.ActiveRecords(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("load active records: %w", err)
	}

	for _, rec := range active {
		if rec.Kind == enums.ProductKindLifetime {
			if requestedKind == enums.ProductKindLifetime {
				return s.deny(userID, productID, ReasonLifetimeOwned), nil
			}
			return s.deny(userID, productID, ReasonLifetimeCoversIt), nil
		}
		if rec.ProductID == productID {
			return s.deny(userID, productID, ReasonAlreadyActive), nil
		}
	}

	return Decision{Allowed: true}, nil
}

func (s *Service) deny(userID int64, productID, reason string) Decision {
	s.logger.Info("purchase denied",
		zap.Int64("user_id", userID),
		zap.String("product_id", productID),
		zap.String("reason", reason),
	)
	return Decision{Reason: reason}
}
