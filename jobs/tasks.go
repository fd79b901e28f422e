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
	"github.com/freelancehq/portal/internal/mail"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueMail carries outgoing invoice emails.
	QueueMail = "mail"
	// TaskTypeSendInvoiceEmail delivers an invoice summary email.
	TaskTypeSendInvoiceEmail = "invoice:send_email"

	emailMaxRetry = 5
)

// NewSendInvoiceEmailTask constructs an Asynq task for an invoice email.
func NewSendInvoiceEmailTask(e mail.InvoiceEmail) (*asynq.Task, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendInvoiceEmail, data,
		asynq.Queue(QueueMail),
		asynq.MaxRetry(emailMaxRetry),
		asynq.Timeout(time.Minute),
	), nil
}

// Enqueuer is the part of asynq.Client the mailer needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// InvoiceMailer queues invoice emails for the worker. A queued email counts
// as accepted.
type InvoiceMailer struct {
	queue  Enqueuer
	logger *slog.Logger
}

// NewInvoiceMailer constructs the queue-backed mailer.
func NewInvoiceMailer(queue Enqueuer, logger *slog.Logger) *InvoiceMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvoiceMailer{queue: queue, logger: logger}
}

// SendInvoiceEmail enqueues the email and reports whether it was accepted.
func (m *InvoiceMailer) SendInvoiceEmail(ctx context.Context, e mail.InvoiceEmail) (bool, error) {
	if m == nil || m.queue == nil {
		return false, errors.New("jobs: invoice mailer not configured")
	}
	task, err := NewSendInvoiceEmailTask(e)
	if err != nil {
		return false, err
	}
	info, err := m.queue.EnqueueContext(ctx, task)
	if err != nil {
		return false, fmt.Errorf("jobs: enqueue invoice email: %w", err)
	}
	m.logger.InfoContext(ctx, "invoice email queued",
		slog.String("invoice_number", e.InvoiceNumber),
		slog.String("task_id", info.ID),
		slog.String("queue", info.Queue))
	return true, nil
}

// InvoiceSender delivers a rendered invoice email.
type InvoiceSender interface {
	SendInvoiceEmail(ctx context.Context, e mail.InvoiceEmail) (bool, error)
}

// InvoiceEmailJob delivers queued invoice emails.
type InvoiceEmailJob struct {
	Sender  InvoiceSender
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewInvoiceEmailJob wires the delivery handler.
func NewInvoiceEmailJob(sender InvoiceSender, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvoiceEmailJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvoiceEmailJob{Sender: sender, Logger: logger, Metrics: metrics}
}

// Handle processes TaskTypeSendInvoiceEmail tasks.
func (j *InvoiceEmailJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	var payload mail.InvoiceEmail
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invoice email payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := metricsOrDefault(j.Metrics).Track(TaskTypeSendInvoiceEmail)
	defer func() { err = tracker.End(err) }()

	ok, err := j.Sender.SendInvoiceEmail(ctx, payload)
	if err != nil {
		j.Logger.WarnContext(ctx, "invoice email delivery failed",
			slog.String("invoice_number", payload.InvoiceNumber), slog.Any("error", err))
		return err
	}
	if !ok {
		return fmt.Errorf("invoice email %s not accepted by relay", payload.InvoiceNumber)
	}
	j.Logger.InfoContext(ctx, "invoice email delivered",
		slog.String("invoice_number", payload.InvoiceNumber), slog.String("to", payload.To))
	return nil
}
