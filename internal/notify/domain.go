package notify

import (
	"time"

	"github.com/freelancehq/portal/internal/shared"
)

// Activity is an audit trail entry for a mutation.
type Activity struct {
	ID         int64          `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Notification is a client-facing message shown in the portal.
type Notification struct {
	ID        int64     `json:"id"`
	ClientID  int64     `json:"client_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// Event bundles the side effects of one committed mutation. Notification
// is optional.
type Event struct {
	Activity     Activity
	Notification *Notification
}

// Notification types.
const (
	TypeInvoice = "invoice"
	TypePayment = "payment"
)

var ErrNotificationNotFound = shared.NotFoundf("notification not found")
