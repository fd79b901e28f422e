package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/freelancehq/portal/internal/platform/db"
)

// IdempotencyStore persists processed keys. Every method takes the
// connection to run on so keys can be claimed inside the caller's
// transaction.
type IdempotencyStore struct{}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{}
}

// ErrIdempotencyConflict indicates a duplicate key.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

// Lookup returns the reference recorded for key, or ErrNotFound.
func (s *IdempotencyStore) Lookup(ctx context.Context, q db.DBTX, key, module string) (string, error) {
	var ref string
	err := q.QueryRow(ctx, `SELECT ref_id FROM idempotency_keys WHERE key = $1 AND module = $2`, key, module).Scan(&ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return ref, err
}

// CheckAndInsert ensures key uniqueness per module and records ref.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, q db.DBTX, key, module, ref string) error {
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	_, err := q.Exec(ctx, `INSERT INTO idempotency_keys (key, module, ref_id, created_at) VALUES ($1, $2, $3, $4)`, key, module, ref, time.Now())
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return ErrIdempotencyConflict
		}
		return err
	}
	return nil
}

// Cleanup removes entries older than retention and reports how many were removed.
func (s *IdempotencyStore) Cleanup(ctx context.Context, q db.DBTX, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	tag, err := q.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
