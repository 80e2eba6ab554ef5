// Redis-backed cache for the latest state snapshot. Dashboards and other
// read-heavy consumers hit the cache instead of the store. When Redis is
// unavailable the cache falls back to an in-memory copy so reads keep
// working without interruption.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trading-core/internal/state"
)

const (
	// SnapshotKey holds the serialized latest snapshot
	SnapshotKey = "trading:state:snapshot"

	// SnapshotTTL bounds staleness if the writer dies without cleanup
	SnapshotTTL = 5 * time.Minute
)

// RedisStateCache stores the latest state snapshot in Redis with an
// in-memory fallback when Redis is unavailable.
type RedisStateCache struct {
	client         *redis.Client
	logger         zerolog.Logger
	mu             sync.RWMutex
	fallback       *state.Snapshot
	redisAvailable atomic.Bool
}

// NewRedisStateCache creates a new snapshot cache. If client is nil the
// cache operates in memory-only mode.
func NewRedisStateCache(client *redis.Client, logger zerolog.Logger) *RedisStateCache {
	cache := &RedisStateCache{
		client: client,
		logger: logger.With().Str("component", "redis_state_cache").Logger(),
	}

	// Check initial Redis availability
	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			cache.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory cache")
			cache.redisAvailable.Store(false)
		} else {
			cache.logger.Info().Msg("Redis connected")
			cache.redisAvailable.Store(true)
		}
	} else {
		cache.logger.Info().Msg("No Redis client provided, using in-memory cache only")
		cache.redisAvailable.Store(false)
	}

	return cache
}

// SaveSnapshot writes the snapshot to Redis and the in-memory fallback.
// A Redis failure is logged, not returned: the fallback copy is already
// updated and reads keep working.
func (c *RedisStateCache) SaveSnapshot(ctx context.Context, snap state.Snapshot) error {
	// Always update the fallback first
	c.mu.Lock()
	snapCopy := snap
	c.fallback = &snapCopy
	c.mu.Unlock()

	if c.client == nil || !c.redisAvailable.Load() {
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := c.client.Set(ctx, SnapshotKey, data, SnapshotTTL).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to write snapshot to Redis, using in-memory cache")
		c.redisAvailable.Store(false)
	}
	return nil
}

// LoadSnapshot returns the latest cached snapshot. Returns nil when no
// snapshot has been cached yet (not an error).
func (c *RedisStateCache) LoadSnapshot(ctx context.Context) (*state.Snapshot, error) {
	if c.client != nil && c.redisAvailable.Load() {
		data, err := c.client.Get(ctx, SnapshotKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return c.fallbackSnapshot(), nil
			}
			c.logger.Warn().Err(err).Msg("Redis read error, using in-memory cache")
			c.redisAvailable.Store(false)
			return c.fallbackSnapshot(), nil
		}

		var snap state.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		return &snap, nil
	}

	return c.fallbackSnapshot(), nil
}

// IsRedisAvailable reports whether Redis is currently reachable.
func (c *RedisStateCache) IsRedisAvailable() bool {
	return c.redisAvailable.Load()
}

// CheckConnection pings Redis and updates availability. A recovered
// connection is resynced from the fallback copy.
func (c *RedisStateCache) CheckConnection(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("no Redis client configured")
	}

	if err := c.client.Ping(ctx).Err(); err != nil {
		c.redisAvailable.Store(false)
		return fmt.Errorf("redis ping failed: %w", err)
	}

	wasUnavailable := !c.redisAvailable.Load()
	c.redisAvailable.Store(true)

	if wasUnavailable {
		c.logger.Info().Msg("Redis connection recovered")
		c.mu.RLock()
		snap := c.fallback
		c.mu.RUnlock()
		if snap != nil {
			if err := c.SaveSnapshot(ctx, *snap); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to resync snapshot after recovery")
			}
		}
	}
	return nil
}

func (c *RedisStateCache) fallbackSnapshot() *state.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fallback == nil {
		return nil
	}
	snapCopy := *c.fallback
	return &snapCopy
}

// NewRedisClient builds a Redis client from connection settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}
