package notify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/freelancehq/portal/internal/platform/db"
)

// Store persists activity logs and notifications.
type Store interface {
	InsertActivity(ctx context.Context, a Activity) error
	InsertNotification(ctx context.Context, n Notification) (Notification, error)
	ListNotifications(ctx context.Context, clientID int64, unreadOnly bool, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, id int64) error
}

type repository struct {
	db db.DBTX
}

// NewRepository constructs the PostgreSQL store.
func NewRepository(pool *pgxpool.Pool) Store {
	return &repository{db: pool}
}

func (r *repository) InsertActivity(ctx context.Context, a Activity) error {
	if a.Action == "" || a.EntityType == "" || a.EntityID == "" {
		return errors.New("notify: activity requires action/entity_type/entity_id")
	}
	meta := a.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO activity_logs (entity_id, entity_type, action, metadata, created_at) VALUES ($1, $2, $3, $4, NOW())`,
		a.EntityID, a.EntityType, a.Action, metaJSON)
	return err
}

func (r *repository) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	const query = `
		INSERT INTO notifications (client_id, type, title, message, link, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, NOW())
		RETURNING id, created_at`
	err := r.db.QueryRow(ctx, query, n.ClientID, n.Type, n.Title, n.Message, n.Link).Scan(&n.ID, &n.CreatedAt)
	return n, err
}

func (r *repository) ListNotifications(ctx context.Context, clientID int64, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT id, client_id, type, title, message, link, is_read, created_at FROM notifications WHERE client_id = $1`
	if unreadOnly {
		query += ` AND NOT is_read`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $2`
	rows, err := r.db.Query(ctx, query, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.ClientID, &n.Type, &n.Title, &n.Message, &n.Link, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *repository) MarkRead(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}
