package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/freelancehq/portal/internal/app"
	"github.com/freelancehq/portal/internal/billing"
	"github.com/freelancehq/portal/internal/clients"
	jobmetrics "github.com/freelancehq/portal/internal/jobs"
	"github.com/freelancehq/portal/internal/mail"
	"github.com/freelancehq/portal/internal/notify"
	"github.com/freelancehq/portal/internal/platform/db"
	"github.com/freelancehq/portal/internal/shared"
	"github.com/freelancehq/portal/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := jobmetrics.NewMetrics(nil)
	idempotencyStore := shared.NewIdempotencyStore()

	dispatcher := notify.NewDispatcher(notify.NewRepository(pool), nil, logger)
	billingService := billing.NewService(
		billing.NewRepository(pool, idempotencyStore),
		clients.NewService(clients.NewRepository(pool), dispatcher),
		dispatcher,
		billing.ServiceConfig{
			DefaultCurrency: cfg.DefaultCurrency,
			DefaultDueDays:  cfg.DueDays,
			PortalBaseURL:   cfg.PortalBaseURL,
		},
		logger,
	)

	sender := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
	if !sender.Configured() {
		logger.Warn("smtp relay not configured, invoice emails will be retried until it is")
	}

	emailJob := jobs.NewInvoiceEmailJob(sender, logger, metrics)
	reconcileJob := jobs.NewReconcileJob(billingService, logger, metrics)
	cleanupJob := jobs.NewCleanupJob(jobs.NewIdempotencyCleaner(idempotencyStore, pool), logger, metrics)

	reconcileTask, err := jobs.NewReconcileTask(time.Now().UTC())
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeSendInvoiceEmail, Handler: emailJob.Handle},
			{Type: jobs.TaskReconcileInvoices, Handler: reconcileJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReconcileCron, Task: reconcileTask},
			{Spec: "30 3 * * *", Task: cleanupTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
