package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/accounts"
	"github.com/platinummonkey/warden/pkg/admin"
	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/capture"
	"github.com/platinummonkey/warden/pkg/cli"
	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/sessions"
	"github.com/platinummonkey/warden/pkg/storage/postgres"
	"github.com/platinummonkey/warden/pkg/suspension"
)

func main() {
	logger := setupLogger(os.Getenv("WARDEN_CLI_LOG_LEVEL"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand(cli.NewApp(bootstrap, logger, os.Stdout))
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.WarnLevel
	}
	logger.SetLevel(level)

	return logger
}

// bootstrap wires the services the commands need. Redis is optional; without
// it locks and renames leave existing sessions to expire on their own.
func bootstrap(ctx context.Context) (*cli.Deps, func() error, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stderr)

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	closers := []func() error{db.Close}
	release := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*cli.Deps, func() error, error) {
		_ = release()
		return nil, nil, err
	}

	dialect := audit.Dialect(cfg.Database.Driver)
	accountStore, err := accounts.NewStore(db, dialect)
	if err != nil {
		return fail(err)
	}
	accountSvc := accounts.NewService(accountStore,
		accounts.WithAttributePrefix(cfg.Accounts.AttributePrefix),
		accounts.WithBcryptCost(cfg.Accounts.BcryptCost),
		accounts.WithLogger(logger),
	)

	history, err := audit.NewDBStore(db, audit.WithDialect(dialect))
	if err != nil {
		return fail(err)
	}
	recorder := audit.NewRecorder(history, logger, nil)

	engine := capture.NewEngine(accountSvc, recorder, capture.NewRegistry(accountSvc.RoleKey()),
		capture.WithLogger(logger),
	)
	accountSvc.Subscribe(engine)

	var sessionStore suspension.SessionInvalidator
	if cfg.Redis.URL != "" {
		var client *redis.Client
		client, err = postgres.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, client.Close)
		sessionStore = sessions.NewRedisStore(client, cfg.Redis.SessionTTL)
	}

	controller := suspension.NewController(accountSvc, accountSvc, sessionStore, recorder, suspension.Options{
		Message:          cfg.Suspension.Message,
		ProtectedUserIDs: cfg.Suspension.ProtectedUserIDs,
		Logger:           logger,
	})

	var archiver *audit.Archiver
	if cfg.Archive.Enabled {
		bucket, err := postgres.NewS3Client(ctx, cfg.Archive)
		if err != nil {
			return fail(err)
		}
		archiver = audit.NewArchiver(history, bucket, cfg.Archive.Prefix)
	}

	adminSvc := admin.NewService(accountStore, recorder, controller, admin.Config{
		Sessions: sessionStore,
		Archiver: archiver,
		Logger:   logger,
	})

	return &cli.Deps{Admin: adminSvc, Engine: engine}, release, nil
}
