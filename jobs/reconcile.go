package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/freelancehq/portal/internal/jobs"
	"github.com/freelancehq/portal/internal/platform/db"
	"github.com/freelancehq/portal/internal/shared"
)

const (
	// TaskReconcileInvoices re-derives totals and status of open invoices.
	TaskReconcileInvoices = "billing:reconcile"
	// TaskIdempotencyCleanup removes expired payment idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return jobmetrics.NewMetrics(nil)
}

// ReconcilePayload carries scheduling metadata.
type ReconcilePayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewReconcileTask constructs the reconciliation task.
func NewReconcileTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ReconcilePayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileInvoices, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// Reconciler re-derives every open invoice and reports how many changed.
type Reconciler interface {
	ReconcileOpen(ctx context.Context) (int, error)
}

// ReconcileJob repairs invoices whose stored totals or status drifted from
// their items and payments.
type ReconcileJob struct {
	Reconciler Reconciler
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewReconcileJob wires dependencies for the reconcile handler.
func NewReconcileJob(r Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileJob{Reconciler: r, Logger: logger, Metrics: metrics}
}

// Handle processes TaskReconcileInvoices tasks.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Reconciler == nil {
		return errors.New("reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("reconcile payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	metrics := metricsOrDefault(j.Metrics)
	tracker := metrics.Track(TaskReconcileInvoices)
	defer func() { err = tracker.End(err) }()

	changed, err := j.Reconciler.ReconcileOpen(ctx)
	metrics.AddItems(TaskReconcileInvoices, changed)
	if err != nil {
		j.Logger.ErrorContext(ctx, "reconcile invoices", slog.Int("changed", changed), slog.Any("error", err))
		return err
	}
	j.Logger.InfoContext(ctx, "reconciled invoices", slog.Int("changed", changed))
	return nil
}

// CleanupPayload configures how old keys must be before removal.
type CleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	if retention <= 0 {
		return nil, errors.New("jobs: retention must be positive")
	}
	body, err := json.Marshal(CleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

// KeyCleaner removes idempotency keys older than a retention window.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

type idempotencyCleaner struct {
	store *shared.IdempotencyStore
	db    db.DBTX
}

// NewIdempotencyCleaner binds the idempotency store to a connection.
func NewIdempotencyCleaner(store *shared.IdempotencyStore, q db.DBTX) KeyCleaner {
	return idempotencyCleaner{store: store, db: q}
}

func (c idempotencyCleaner) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return c.store.Cleanup(ctx, c.db, olderThan)
}

// CleanupJob purges expired idempotency keys.
type CleanupJob struct {
	Cleaner KeyCleaner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCleanupJob wires the cleanup handler.
func NewCleanupJob(cleaner KeyCleaner, logger *slog.Logger, metrics *jobmetrics.Metrics) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{Cleaner: cleaner, Logger: logger, Metrics: metrics}
}

// Handle processes TaskIdempotencyCleanup tasks.
func (j *CleanupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	var payload CleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.Retention <= 0 {
		return fmt.Errorf("cleanup payload invalid: %w", asynq.SkipRetry)
	}

	metrics := metricsOrDefault(j.Metrics)
	tracker := metrics.Track(TaskIdempotencyCleanup)
	defer func() { err = tracker.End(err) }()

	removed, err := j.Cleaner.Cleanup(ctx, payload.Retention)
	if err != nil {
		j.Logger.ErrorContext(ctx, "idempotency cleanup", slog.Any("error", err))
		return err
	}
	metrics.AddItems(TaskIdempotencyCleanup, int(removed))
	j.Logger.InfoContext(ctx, "idempotency keys removed", slog.Int64("removed", removed), slog.Duration("retention", payload.Retention))
	return nil
}
