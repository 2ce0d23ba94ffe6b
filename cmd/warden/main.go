package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/warden/pkg/accounts"
	"github.com/platinummonkey/warden/pkg/admin"
	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/capture"
	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/middleware"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/sessions"
	"github.com/platinummonkey/warden/pkg/storage/postgres"
	"github.com/platinummonkey/warden/pkg/suspension"
)

// maxRequestBody bounds JSON request bodies
const maxRequestBody = 1 << 20

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("warden stopped")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := observability.ShutdownOTel(shutdownCtx, providers, logger); err != nil {
			logger.WithError(err).Warn("failed to shut down telemetry")
		}
	}()

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	dialect := audit.Dialect(cfg.Database.Driver)

	redisClient, err := postgres.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// Host accounts and change capture
	accountStore, err := accounts.NewStore(db, dialect)
	if err != nil {
		return err
	}
	accountSvc := accounts.NewService(accountStore,
		accounts.WithAttributePrefix(cfg.Accounts.AttributePrefix),
		accounts.WithBcryptCost(cfg.Accounts.BcryptCost),
		accounts.WithLogger(logger),
	)

	history, err := audit.NewDBStore(db, audit.WithDialect(dialect), audit.WithMetrics(metrics))
	if err != nil {
		return err
	}
	recorder := audit.NewRecorder(history, logger, metrics)

	engine := capture.NewEngine(accountSvc, recorder, capture.NewRegistry(accountSvc.RoleKey()),
		capture.WithLogger(logger),
		capture.WithMetrics(metrics),
	)
	accountSvc.Subscribe(engine)

	// Authentication and suspension
	sessionStore := sessions.NewRedisStore(redisClient, cfg.Redis.SessionTTL)
	credentials, err := auth.NewCredentialStore(db, dialect)
	if err != nil {
		return err
	}
	controller := suspension.NewController(accountSvc, accountSvc, sessionStore, recorder, suspension.Options{
		Message:          cfg.Suspension.Message,
		ProtectedUserIDs: cfg.Suspension.ProtectedUserIDs,
		Logger:           logger,
		Metrics:          metrics,
	})
	authenticator := auth.NewAuthenticator(accountSvc, sessionStore, credentials, controller)

	health := observability.NewHealthChecker(cfg.Observability.OTelServiceVersion).
		Register("database", true, observability.DatabaseCheck(db)).
		Register("redis", false, observability.RedisCheck(redisClient))

	var archiver *audit.Archiver
	if cfg.Archive.Enabled {
		bucket, err := postgres.NewS3Client(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		archiver = audit.NewArchiver(history, bucket, cfg.Archive.Prefix)
		health.Register("archive", false, bucket.HealthCheck)
	}

	adminSvc := admin.NewService(accountStore, recorder, controller, admin.Config{
		Sessions: sessionStore,
		Archiver: archiver,
		NameCache: admin.NameCacheConfig{
			MaxEntries: cfg.Accounts.ActorCacheSize,
			TTL:        cfg.Accounts.ActorCacheTTL,
		},
		Logger:  logger,
		Metrics: metrics,
	})

	var loginThrottle func(http.Handler) http.Handler
	if cfg.Redis.LoginRateLimit > 0 {
		limiter := middleware.NewRateLimiter(redisClient, &middleware.RateLimitConfig{
			RequestsPerWindow: cfg.Redis.LoginRateLimit,
			WindowDuration:    cfg.Redis.LoginRateWindow,
		}, "warden:login")
		loginThrottle = middleware.NewRateLimitMiddleware(limiter, logger).Handler
	}

	// API router
	router := mux.NewRouter()
	if metrics != nil {
		router.Use(metrics.HTTPMiddleware)
	}
	accounts.NewHandlers(accountSvc, authenticator, sessionStore, loginThrottle, logger).RegisterRoutes(router)
	admin.NewHandlers(adminSvc, logger).RegisterRoutes(router)

	handler := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		httputil.MaxBytesMiddleware(maxRequestBody),
		middleware.NewAuthMiddleware(authenticator, true).Handler,
		capture.Middleware(engine),
	)(router)

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(handler, "warden-api"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	// Health and metrics
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, health)
	if metrics != nil {
		healthMux.Handle("/metrics", observability.Handler(registry))
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}

	scheduler, err := newScheduler(cfg.Jobs, &jobs{
		accounts:    accountStore,
		history:     history,
		credentials: credentials,
		metrics:     metrics,
		logger:      logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("API server listening on %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Infof("Health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	if cfg.ConfigFile != "" {
		g.Go(func() error {
			return watchConfigFile(gctx, cfg.ConfigFile, controller, logger)
		})
	}

	scheduler.Start()

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		<-scheduler.Stop().Done()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("api server shutdown failed")
		}
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("health server shutdown failed")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("warden stopped")
	return nil
}
