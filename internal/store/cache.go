package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flexstake/flexstake-backend/internal/metrics"
	"github.com/flexstake/flexstake-backend/pkg/kv"
	memkv "github.com/flexstake/flexstake-backend/pkg/kv/memory"
	rediskv "github.com/flexstake/flexstake-backend/pkg/kv/redis"
)

// Cache is the read-path cache and pub/sub fan-out for pool state. Data
// operations go through a kv.Store so Redis and the in-memory backend are
// interchangeable; the raw Redis client is kept for pub/sub only, and the
// in-process hub replaces it when Redis is unreachable.
type Cache struct {
	kvStore   kv.Store
	client    *redis.Client // non-nil in Redis mode, pub/sub only
	pubsubHub *PubSubHub    // non-nil in memory mode

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewCache(addr string, logger *zap.SugaredLogger, metrics *metrics.Metrics) (*Cache, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rstore, err := rediskv.New(ctx, addr)
	if err != nil {
		if logger != nil {
			logger.Warnw("Redis unavailable; using in-memory cache with local pubsub", "error", err)
		}
		return &Cache{
			kvStore:   memkv.New(30 * time.Second),
			pubsubHub: NewPubSubHub(),
			logger:    logger,
			metrics:   metrics,
		}, nil
	}

	return &Cache{
		kvStore: rstore,
		client:  rstore.Client(),
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Cache keys and channels
const (
	KeyPoolSnapshot    = "fsk:pool:snapshot"
	KeyPoolAPR         = "fsk:pool:apr"
	KeyAccountPosition = "fsk:account:position"
	KeyRecentEvents    = "fsk:events:recent"

	ChannelEvents = "fsk:events"

	// RecentEventsLimit bounds the recent-events ring.
	RecentEventsLimit = 256
)

func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.kvStore.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			if c.metrics != nil {
				c.metrics.RecordCacheMiss(ctx, key)
			}
			return ErrCacheMiss
		}
		if c.logger != nil {
			c.logger.Errorw("Cache get error", "key", key, "error", err)
		}
		return fmt.Errorf("cache get error: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RecordCacheHit(ctx, key)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache unmarshal error: %w", err)
	}
	return nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}
	if err := c.kvStore.Set(ctx, key, data, ttl); err != nil {
		if c.logger != nil {
			c.logger.Errorw("Cache set error", "key", key, "error", err)
		}
		return fmt.Errorf("cache set error: %w", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := c.kvStore.Del(ctx, keys...); err != nil {
		if c.logger != nil {
			c.logger.Errorw("Cache delete error", "keys", keys, "error", err)
		}
		return fmt.Errorf("cache delete error: %w", err)
	}
	return nil
}

// Specialized cache methods

func (c *Cache) GetPoolSnapshot(ctx context.Context, dest interface{}) error {
	return c.Get(ctx, KeyPoolSnapshot, dest)
}

func (c *Cache) SetPoolSnapshot(ctx context.Context, value interface{}) error {
	return c.Set(ctx, KeyPoolSnapshot, value, 3*time.Second)
}

func (c *Cache) GetPoolAPR(ctx context.Context, dest interface{}) error {
	return c.Get(ctx, KeyPoolAPR, dest)
}

func (c *Cache) SetPoolAPR(ctx context.Context, value interface{}) error {
	return c.Set(ctx, KeyPoolAPR, value, 5*time.Second)
}

func (c *Cache) GetAccountPosition(ctx context.Context, address string, dest interface{}) error {
	return c.Get(ctx, fmt.Sprintf("%s:%s", KeyAccountPosition, address), dest)
}

func (c *Cache) SetAccountPosition(ctx context.Context, address string, value interface{}) error {
	return c.Set(ctx, fmt.Sprintf("%s:%s", KeyAccountPosition, address), value, 10*time.Second)
}

// InvalidateAccount drops the cached position after a mutating operation
// so the next read reflects the new ledger state immediately.
func (c *Cache) InvalidateAccount(ctx context.Context, address string) error {
	return c.Delete(ctx, fmt.Sprintf("%s:%s", KeyAccountPosition, address))
}

// PushEvent appends a serialized event to the recent-events ring and trims
// it to RecentEventsLimit.
func (c *Cache) PushEvent(ctx context.Context, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("event marshal error: %w", err)
	}
	if _, err := c.kvStore.LPush(ctx, KeyRecentEvents, data); err != nil {
		return fmt.Errorf("event push error: %w", err)
	}
	return c.kvStore.LTrim(ctx, KeyRecentEvents, 0, RecentEventsLimit-1)
}

// RecentEvents returns up to limit raw event payloads, most recent first.
func (c *Cache) RecentEvents(ctx context.Context, limit int64) ([][]byte, error) {
	if limit <= 0 || limit > RecentEventsLimit {
		limit = RecentEventsLimit
	}
	return c.kvStore.LRange(ctx, KeyRecentEvents, 0, limit-1)
}

// Pub/Sub methods for real-time updates

func (c *Cache) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("pubsub marshal error: %w", err)
	}

	if c.client != nil {
		if err := c.client.Publish(ctx, channel, data).Err(); err != nil {
			if c.logger != nil {
				c.logger.Errorw("Publish error", "channel", channel, "error", err)
			}
			return fmt.Errorf("pubsub publish error: %w", err)
		}
		return nil
	}

	if c.pubsubHub != nil {
		c.pubsubHub.Publish(channel, string(data))
	}
	return nil
}

// Subscribe returns a Redis subscription, or nil when running in-memory;
// callers fall back to SubscribeInMemory then.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	if c.client != nil {
		return c.client.Subscribe(ctx, channels...)
	}
	return nil
}

// SubscribeInMemory subscribes through the in-process pub/sub hub.
func (c *Cache) SubscribeInMemory(ctx context.Context, channels ...string) *Subscription {
	if c.pubsubHub != nil {
		return c.pubsubHub.Subscribe(ctx, channels...)
	}
	return nil
}

// IsInMemoryMode reports whether the cache runs without Redis.
func (c *Cache) IsInMemoryMode() bool {
	return c.client == nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.kvStore.Ping(ctx)
}

func (c *Cache) Close() error {
	return c.kvStore.Close()
}

var ErrCacheMiss = errors.New("cache miss")
