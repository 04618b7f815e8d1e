package apiapp

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	authsvc "github.com/ivachkou/secbrief/backend/internal/services/auth"
	entsvc "github.com/ivachkou/secbrief/backend/internal/services/entitlements"
	gatesvc "github.com/ivachkou/secbrief/backend/internal/services/gate"
	notifsvc "github.com/ivachkou/secbrief/backend/internal/services/notifications"
	syncsvc "github.com/ivachkou/secbrief/backend/internal/services/sync"
	"github.com/ivachkou/secbrief/backend/internal/transport/http/handlers"
)

type Dependencies struct {
	EntitlementService  *entsvc.Service
	SyncService         *syncsvc.Service
	GateService         *gatesvc.Service
	NotificationService *notifsvc.Service
	JWTManager          *authsvc.JWTManager
	Logger              *zap.Logger
}

func RegisterRoutes(r chi.Router, deps Dependencies) {
	healthHandler := handlers.NewHealthHandler()
	entitlementHandler := handlers.NewEntitlementHandler(deps.EntitlementService, deps.SyncService, deps.GateService)
	webhookHandler := handlers.NewWebhookHandler(deps.NotificationService, deps.Logger)

	authMW := AuthMiddleware(deps.JWTManager, deps.Logger)
	optionalAuthMW := OptionalAuthMiddleware(deps.JWTManager)

	r.Get("/healthz", healthHandler.Get)

	r.Route("/v1", func(r chi.Router) {
		r.With(optionalAuthMW).Get("/entitlements", entitlementHandler.Status)
		r.With(authMW).Post("/purchase/restore", entitlementHandler.Restore)
		r.With(authMW).Post("/purchase/authorize", entitlementHandler.Authorize)
		r.Post("/appstore/notifications", webhookHandler.Handle)
	})
}
