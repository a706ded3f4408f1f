package directory

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/luvvix/dm-core/internal/metrics"
)

const (
	// PairPrefix is the Redis key prefix for cached pair lookups:
	//
	//	dm:pair:<user_low>:<user_high> -> conversation id
	PairPrefix = "dm:pair:"

	// PairTTL bounds how long a cached pair lives. Conversations are never
	// deleted, so the TTL only limits memory.
	PairTTL = 24 * time.Hour
)

// RedisCache is a PairCache backed by Redis. Errors are logged and treated
// as misses so a Redis outage only costs a database round-trip.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a pair cache using the provided Redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, ttl: PairTTL}
}

func pairKey(low, high string) string {
	return PairPrefix + low + ":" + high
}

// Get returns the cached conversation id for a canonical pair.
func (c *RedisCache) Get(ctx context.Context, low, high string) (string, bool) {
	id, err := c.client.Get(ctx, pairKey(low, high)).Result()
	if errors.Is(err, redis.Nil) {
		metrics.DirectoryCache.WithLabelValues("miss").Inc()
		return "", false
	}
	if err != nil {
		metrics.DirectoryCache.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("directory: cache get failed (falling through)")
		return "", false
	}
	metrics.DirectoryCache.WithLabelValues("hit").Inc()
	return id, true
}

// Set stores the conversation id for a canonical pair.
func (c *RedisCache) Set(ctx context.Context, low, high, conversationID string) {
	if err := c.client.Set(ctx, pairKey(low, high), conversationID, c.ttl).Err(); err != nil {
		metrics.DirectoryCache.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("directory: cache set failed")
	}
}
