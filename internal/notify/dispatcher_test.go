package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/freelancehq/portal/internal/observability"
)

type memoryStore struct {
	mu            sync.Mutex
	activities    []Activity
	notifications []Notification
	activityErr   error
	notifyErr     error
}

func (m *memoryStore) InsertActivity(_ context.Context, a Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activityErr != nil {
		return m.activityErr
	}
	m.activities = append(m.activities, a)
	return nil
}

func (m *memoryStore) InsertNotification(_ context.Context, n Notification) (Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notifyErr != nil {
		return Notification{}, m.notifyErr
	}
	n.ID = int64(len(m.notifications) + 1)
	m.notifications = append(m.notifications, n)
	return n, nil
}

func (m *memoryStore) ListNotifications(_ context.Context, clientID int64, unreadOnly bool, _ int) ([]Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Notification
	for _, n := range m.notifications {
		if n.ClientID == clientID && (!unreadOnly || !n.IsRead) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memoryStore) MarkRead(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.notifications {
		if m.notifications[i].ID == id {
			m.notifications[i].IsRead = true
			return nil
		}
	}
	return ErrNotificationNotFound
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchWritesActivityAndNotification(t *testing.T) {
	store := &memoryStore{}
	d := NewDispatcher(store, nil, quietLogger())

	d.Dispatch(context.Background(), Event{
		Activity:     Activity{EntityType: "invoice", EntityID: "7", Action: "invoice.created"},
		Notification: &Notification{ClientID: 3, Type: TypeInvoice, Title: "New invoice"},
	})

	require.Len(t, store.activities, 1)
	require.Len(t, store.notifications, 1)
	require.Equal(t, int64(3), store.notifications[0].ClientID)
}

func TestDispatchSwallowsFailuresAndCountsThem(t *testing.T) {
	store := &memoryStore{activityErr: errors.New("db down"), notifyErr: errors.New("db down")}
	metrics := observability.NewMetrics()
	d := NewDispatcher(store, metrics, quietLogger())

	require.NotPanics(t, func() {
		d.Dispatch(context.Background(), Event{
			Activity:     Activity{EntityType: "invoice", EntityID: "7", Action: "invoice.created"},
			Notification: &Notification{ClientID: 3, Type: TypeInvoice},
		})
	})

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	require.True(t, strings.Contains(body, `portal_side_effect_failures_total{effect="activity_log"} 1`), body)
	require.True(t, strings.Contains(body, `portal_side_effect_failures_total{effect="notification"} 1`), body)
}

func TestDispatchSurvivesCancelledContext(t *testing.T) {
	store := &memoryStore{}
	d := NewDispatcher(store, nil, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d.Dispatch(ctx, Event{Activity: Activity{EntityType: "payment", EntityID: "1", Action: "payment.recorded"}})
	require.Len(t, store.activities, 1)
}

func TestNilDispatcherIsNoop(t *testing.T) {
	var d *Dispatcher
	require.NotPanics(t, func() {
		d.Dispatch(context.Background(), Event{})
	})
}

func TestMarkReadAndList(t *testing.T) {
	store := &memoryStore{}
	d := NewDispatcher(store, nil, quietLogger())
	d.Dispatch(context.Background(), Event{
		Activity:     Activity{EntityType: "invoice", EntityID: "1", Action: "invoice.sent"},
		Notification: &Notification{ClientID: 9, Type: TypeInvoice, Title: "Invoice sent"},
	})

	unread, err := d.Notifications(context.Background(), 9, true, 10)
	require.NoError(t, err)
	require.Len(t, unread, 1)

	require.NoError(t, d.MarkRead(context.Background(), unread[0].ID))
	unread, err = d.Notifications(context.Background(), 9, true, 10)
	require.NoError(t, err)
	require.Empty(t, unread)

	require.ErrorIs(t, d.MarkRead(context.Background(), 99), ErrNotificationNotFound)
}
