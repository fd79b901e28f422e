package billing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	detailKeyPrefix = "billing:invoice:"
	genKeyPrefix    = "billing:invoice:gen:"

	// genTTL outlives any fill; an expired generation only causes a skipped write.
	genTTL      = 24 * time.Hour
	fillTimeout = 10 * time.Second
)

// DetailCache caches invoice detail reads.
type DetailCache interface {
	Fetch(ctx context.Context, id int64, load func(context.Context) (*InvoiceDetail, error)) (*InvoiceDetail, error)
	Invalidate(ctx context.Context, id int64)
}

// RedisCache stores invoice details as JSON in Redis. Concurrent misses for
// the same invoice share one load. Each invoice carries a generation counter
// bumped by Invalidate; a fill only writes when the generation it read before
// loading is still current. Redis failures degrade to uncached reads.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewRedisCache instantiates the cache. A nil client disables caching.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func detailKey(id int64) string {
	return detailKeyPrefix + strconv.FormatInt(id, 10)
}

func genKey(id int64) string {
	return genKeyPrefix + strconv.FormatInt(id, 10)
}

// Fetch returns the cached detail or populates it using load.
func (c *RedisCache) Fetch(ctx context.Context, id int64, load func(context.Context) (*InvoiceDetail, error)) (*InvoiceDetail, error) {
	if c == nil || c.client == nil {
		return load(ctx)
	}
	key := detailKey(id)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var detail InvoiceDetail
		if err := json.Unmarshal(payload, &detail); err == nil {
			return &detail, nil
		}
		c.logger.Warn("billing cache entry unreadable", slog.String("key", key))
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("billing cache read failed", slog.String("key", key), slog.Any("error", err))
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// Waiters coalesced onto this fill must not inherit the first caller's cancellation.
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fillTimeout)
		defer cancel()

		gen, genErr := c.generation(fillCtx, id)
		detail, err := load(fillCtx)
		if err != nil {
			return nil, err
		}
		if genErr != nil {
			c.logger.Warn("billing cache generation read failed", slog.String("key", key), slog.Any("error", genErr))
			return detail, nil
		}
		c.store(fillCtx, id, gen, detail)
		return detail, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		detail := *res.Val.(*InvoiceDetail)
		return &detail, nil
	}
}

// generation returns the current generation of an invoice, "" before the
// first invalidation.
func (c *RedisCache) generation(ctx context.Context, id int64) (string, error) {
	gen, err := c.client.Get(ctx, genKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return gen, err
}

// store writes detail unless the invoice was invalidated since gen was read.
func (c *RedisCache) store(ctx context.Context, id int64, gen string, detail *InvoiceDetail) {
	key, gk := detailKey(id), genKey(id)
	raw, err := json.Marshal(detail)
	if err != nil {
		return
	}
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, gk).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, c.ttl)
			return nil
		})
		return err
	}, gk)
	switch {
	case err == nil:
	case errors.Is(err, errStaleFill), errors.Is(err, redis.TxFailedErr):
		c.logger.Debug("billing cache fill discarded after invalidation", slog.String("key", key))
	default:
		c.logger.Warn("billing cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}

var errStaleFill = errors.New("billing: cache fill is stale")

// Invalidate drops the cached detail of an invoice and advances its
// generation so fills that started earlier are not written back.
func (c *RedisCache) Invalidate(ctx context.Context, id int64) {
	if c == nil || c.client == nil {
		return
	}
	key, gk := detailKey(id), genKey(id)
	c.group.Forget(key)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, gk)
		pipe.Expire(ctx, gk, genTTL)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		c.logger.Warn("billing cache invalidation failed", slog.String("key", key), slog.Any("error", err))
	}
}
