package apiapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ivachkou/secbrief/backend/internal/config"
	"github.com/ivachkou/secbrief/backend/internal/domain/enums"
	"github.com/ivachkou/secbrief/backend/internal/domain/rules"
	"github.com/ivachkou/secbrief/backend/internal/infra/httpclient"
	"github.com/ivachkou/secbrief/backend/internal/jobs/reverify"
	pgrepo "github.com/ivachkou/secbrief/backend/internal/repo/postgres"
	redrepo "github.com/ivachkou/secbrief/backend/internal/repo/redis"
	authsvc "github.com/ivachkou/secbrief/backend/internal/services/auth"
	entsvc "github.com/ivachkou/secbrief/backend/internal/services/entitlements"
	gatesvc "github.com/ivachkou/secbrief/backend/internal/services/gate"
	notifsvc "github.com/ivachkou/secbrief/backend/internal/services/notifications"
	syncsvc "github.com/ivachkou/secbrief/backend/internal/services/sync"
	verifiersvc "github.com/ivachkou/secbrief/backend/internal/services/verifier"
)

type App struct {
	cfg         config.Config
	logger      *zap.Logger
	server      *http.Server
	postgres    *pgxpool.Pool
	redis       *goredis.Client
	httpRouter  http.Handler
	reverifyJob *reverify.Job
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	r := chi.NewRouter()
	ApplyMiddlewares(r, log)

	var pool *pgxpool.Pool
	if p, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN); err != nil {
		log.Warn("postgres init failed, continuing in degraded mode", zap.Error(err))
	} else {
		pool = p
	}

	redisClient := redrepo.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)

	entitlementRepo := pgrepo.NewEntitlementRepo(pool)
	statusRepo := pgrepo.NewUserStatusRepo(pool)
	auditRepo := pgrepo.NewAuditRepo(pool)
	statusCache := redrepo.NewStatusCache(redisClient, cfg.Cache.StatusTTL)

	catalog := rules.NewCatalog(cfg.Products.Lifetime, cfg.Products.Subscriptions)
	jwtManager := authsvc.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTAccessTTL)

	entitlementService := entsvc.NewService(entitlementRepo, statusRepo, log)
	entitlementService.AttachCache(statusCache)

	verifyClient := httpclient.NewRetrying(
		cfg.AppStore.RequestTimeout,
		cfg.AppStore.RetryCount,
		cfg.AppStore.RetryBaseDelay,
	)
	storeEnv, _ := enums.ParseEnvironment(cfg.AppStore.Environment)
	verifierService := verifiersvc.NewService(verifyClient, verifiersvc.Config{
		Environment:   storeEnv,
		ProductionURL: cfg.AppStore.VerifyURL,
		SandboxURL:    cfg.AppStore.SandboxVerifyURL,
		SharedSecret:  cfg.AppStore.SharedSecret,
	}, catalog, log)

	roots, err := notifsvc.LoadRoots(cfg.AppStore.RootCertPath)
	if err != nil {
		// No roots means every signed payload is rejected. Webhooks go
		// dark but the rest of the API keeps serving.
		log.Warn("store root certificates unavailable, notifications will be rejected", zap.Error(err))
	}
	notificationService := notifsvc.NewService(
		notifsvc.NewSignedPayloadVerifier(roots),
		entitlementService,
		auditRepo,
		catalog,
		notifsvc.Config{BundleID: cfg.AppStore.BundleID},
		log,
	)

	syncService := syncsvc.NewService(verifierService, entitlementService, log)
	gateService := gatesvc.NewService(entitlementService, catalog, log)
	reverifyJob := reverify.New(
		entitlementRepo,
		verifierService,
		entitlementService,
		cfg.Reverify.Grace,
		cfg.Reverify.BatchSize,
		log,
	)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	RegisterRoutes(r, Dependencies{
		EntitlementService:  entitlementService,
		SyncService:         syncService,
		GateService:         gateService,
		NotificationService: notificationService,
		JWTManager:          jwtManager,
		Logger:              log,
	})

	return &App{
		cfg:         cfg,
		logger:      log,
		server:      server,
		postgres:    pool,
		redis:       redisClient,
		httpRouter:  r,
		reverifyJob: reverifyJob,
	}, nil
}

func (a *App) Run() error {
	a.logger.Info("api server started", zap.String("addr", a.cfg.HTTP.Addr))
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// RunReverifyLoop sweeps unresolved expirations until the context ends.
func (a *App) RunReverifyLoop(ctx context.Context) error {
	if a.reverifyJob == nil {
		return nil
	}

	interval := a.cfg.Reverify.Interval
	if interval <= 0 {
		interval = 6 * time.Hour
	}

	if err := a.reverifyJob.Run(ctx); err != nil {
		a.logger.Error("entitlement sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.reverifyJob.Run(ctx); err != nil {
				a.logger.Error("entitlement sweep failed", zap.Error(err))
			}
		}
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error

	if err := a.server.Shutdown(ctx); err != nil {
		shutdownErr = err
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}

	return shutdownErr
}

func (a *App) Handler() http.Handler {
	return a.httpRouter
}
