package ledger

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Redis is a ledger backed by Redis string keys without expiry.
type Redis struct {
	redis *redis.Client
}

// NewRedis creates a Redis-backed ledger.
func NewRedis(redisClient *redis.Client) *Redis {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Redis{
		redis: redisClient,
	}
}

// IsMarked implements Ledger.
func (r *Redis) IsMarked(ctx context.Context, id string) (bool, error) {
	err := r.redis.Get(ctx, Key(id)).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			LookupsTotal.WithLabelValues("redis", "miss").Inc()
			return false, nil
		}
		ErrorsTotal.WithLabelValues("get").Inc()
		return false, wrap("redis get", err)
	}

	LookupsTotal.WithLabelValues("redis", "hit").Inc()
	return true, nil
}

// Mark implements Ledger.
func (r *Redis) Mark(ctx context.Context, id string) error {
	if err := r.redis.Set(ctx, Key(id), MarkValue, 0).Err(); err != nil {
		ErrorsTotal.WithLabelValues("set").Inc()
		return wrap("redis set", err)
	}

	MarksTotal.WithLabelValues("redis").Inc()
	return nil
}

// Ping checks connectivity before the pipeline starts.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return wrap("redis ping", err)
	}
	return nil
}
