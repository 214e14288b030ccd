package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/ollyhq/backend/internal/auth"
	"github.com/ollyhq/backend/internal/authz"
	"github.com/ollyhq/backend/internal/config"
	"github.com/ollyhq/backend/internal/dashboard"
	"github.com/ollyhq/backend/internal/database"
	"github.com/ollyhq/backend/internal/exchange"
	"github.com/ollyhq/backend/internal/ledger"
	"github.com/ollyhq/backend/internal/middleware"
	"github.com/ollyhq/backend/internal/registry"
	"github.com/ollyhq/backend/internal/repository"
	"github.com/ollyhq/backend/internal/router"
	"github.com/ollyhq/backend/internal/sublicense"
	"github.com/ollyhq/backend/internal/validate"
	"github.com/ollyhq/backend/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running and DATABASE_URL is correct", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := database.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	validator, err := validate.New()
	if err != nil {
		slog.Error("Failed to compile request schemas", "error", err)
		os.Exit(1)
	}

	// Notifications: enqueue func is set after the River client is created (breaks init cycle)
	var enqueueMu sync.Mutex
	var enqueueFn worker.EnqueueFunc
	notifier := worker.NewNotifier(func(ctx context.Context, args worker.NotifyArgs) error {
		enqueueMu.Lock()
		fn := enqueueFn
		enqueueMu.Unlock()
		if fn == nil {
			return errors.New("job queue not started")
		}
		return fn(ctx, args)
	}, logger)

	// Repositories
	accountRepo := repository.NewAccountRepo(pool)
	apiKeyRepo := repository.NewAPIKeyRepo(pool)
	owners := authz.NewRepository(pool)

	// Services
	authSvc := auth.NewService(accountRepo, cfg.JWTSecret, cfg.SessionTTL, cfg.AdminEmails...)
	ledgerSvc := ledger.NewService(ledger.NewRepository(pool), cfg.CreditsStartingBalance)
	registrySvc := registry.NewService(registry.NewRepository(pool), ledgerSvc, notifier, logger)
	subLicenseSvc := sublicense.NewService(sublicense.NewRepository(pool), owners, notifier, logger)

	var tokens exchange.TokenStore = exchange.NewPostgresStore(pool)
	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		slog.Error("Invalid Redis configuration", "error", err)
		os.Exit(1)
	}
	if redisOpts != nil {
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("Cannot reach Redis", "error", err)
			os.Exit(1)
		}
		tokens = exchange.NewRedisStore(rdb)
		slog.Info("Temporary tokens stored in Redis")
	}
	exchangeSvc := exchange.NewService(exchange.Config{
		Tokens:   tokens,
		Dir:      exchange.NewRepository(pool),
		Owners:   owners,
		APIKeys:  apiKeyRepo,
		Seats:    subLicenseSvc,
		Sessions: authSvc,
		TTL:      cfg.TokenTTL,
		Log:      logger,
	})

	// Background jobs
	var mailer worker.Mailer = worker.NewLogMailer(logger)
	if cfg.MailWebhookURL != "" {
		mailer = worker.NewHTTPMailer(cfg.MailWebhookURL)
	}
	workers := river.NewWorkers()
	river.AddWorker(workers, worker.NewNotifyWorker(mailer))
	river.AddWorker(workers, worker.NewSweepWorker(registrySvc, exchangeSvc, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{worker.PeriodicSweep(cfg.SweepInterval)},
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	enqueueMu.Lock()
	enqueueFn = func(ctx context.Context, args worker.NotifyArgs) error {
		_, err := riverClient.Insert(ctx, args, nil)
		return err
	}
	enqueueMu.Unlock()

	// HTTP
	api := router.New(router.Handlers{
		Auth:       auth.NewHandler(authSvc, validator, logger),
		Registry:   registry.NewHandler(registrySvc, validator, logger),
		SubLicense: sublicense.NewHandler(subLicenseSvc, validator, logger),
		Exchange:   exchange.NewHandler(exchangeSvc, validator, logger),
		Dashboard:  dashboard.NewHandler(accountRepo, ledgerSvc, registrySvc, subLicenseSvc, apiKeyRepo, validator, logger),
	}, middleware.Authenticate(authSvc, apiKeyRepo))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(api)

	if err := riverClient.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River shutdown failed", "error", err)
	}
}
