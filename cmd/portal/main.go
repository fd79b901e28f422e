package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/freelancehq/portal/internal/app"
	"github.com/freelancehq/portal/internal/billing"
	"github.com/freelancehq/portal/internal/clients"
	"github.com/freelancehq/portal/internal/notify"
	"github.com/freelancehq/portal/internal/observability"
	"github.com/freelancehq/portal/internal/platform/cache"
	"github.com/freelancehq/portal/internal/platform/db"
	"github.com/freelancehq/portal/internal/shared"
	"github.com/freelancehq/portal/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Default().Warn("load .env", slog.Any("error", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if err := db.Migrate(ctx, dbpool); err != nil {
		logger.Error("migrate schema", slog.Any("error", err))
		os.Exit(1)
	}

	// The portal keeps serving uncached reads when Redis is down.
	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Warn("redis unavailable, invoice cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	idempotencyStore := shared.NewIdempotencyStore()

	dispatcher := notify.NewDispatcher(notify.NewRepository(dbpool), metrics, logger)

	clientService := clients.NewService(clients.NewRepository(dbpool), dispatcher)

	billingService := billing.NewService(
		billing.NewRepository(dbpool, idempotencyStore),
		clientService,
		dispatcher,
		billing.ServiceConfig{
			DefaultCurrency: cfg.DefaultCurrency,
			DefaultDueDays:  cfg.DueDays,
			PortalBaseURL:   cfg.PortalBaseURL,
		},
		logger,
	)
	billingService.SetMetrics(metrics)
	billingService.SetCache(billing.NewRedisCache(redisClient, cfg.InvoiceCacheTTL, logger))

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	queue := jobs.NewClient(redisOpts)
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue close", slog.Any("error", err))
		}
	}()
	billingService.SetMailer(jobs.NewInvoiceMailer(queue, logger))

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		BillingHandler: billing.NewHandler(logger, billingService),
		ClientHandler:  clients.NewHandler(logger, clientService),
		NotifyHandler:  notify.NewHandler(logger, dispatcher),
		JobHandler:     jobs.NewHandler(inspector, logger),
		Database:       dbpool,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
