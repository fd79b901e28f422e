package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/freelancehq/portal/internal/observability"
)

const dispatchTimeout = 5 * time.Second

// Dispatcher records the side effects of committed mutations. Failures are
// logged and counted but never returned: the mutation they describe has
// already been committed.
type Dispatcher struct {
	store   Store
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(store Store, metrics *observability.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, metrics: metrics, logger: logger}
}

// Dispatch writes the activity log entry and, when present, the client
// notification. The caller's cancellation does not abort the writes.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	if d == nil || d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	defer cancel()

	if err := d.store.InsertActivity(ctx, ev.Activity); err != nil {
		d.failed(ctx, "activity_log", ev, err)
	}
	if ev.Notification == nil {
		return
	}
	if _, err := d.store.InsertNotification(ctx, *ev.Notification); err != nil {
		d.failed(ctx, "notification", ev, err)
	}
}

func (d *Dispatcher) failed(ctx context.Context, effect string, ev Event, err error) {
	d.metrics.SideEffectFailed(effect)
	d.logger.WarnContext(ctx, "side effect failed",
		slog.String("effect", effect),
		slog.String("entity_type", ev.Activity.EntityType),
		slog.String("entity_id", ev.Activity.EntityID),
		slog.String("action", ev.Activity.Action),
		slog.Any("error", err),
	)
}

// Notifications lists a client's notifications, newest first.
func (d *Dispatcher) Notifications(ctx context.Context, clientID int64, unreadOnly bool, limit int) ([]Notification, error) {
	return d.store.ListNotifications(ctx, clientID, unreadOnly, limit)
}

// MarkRead flags a notification as read.
func (d *Dispatcher) MarkRead(ctx context.Context, id int64) error {
	return d.store.MarkRead(ctx, id)
}
