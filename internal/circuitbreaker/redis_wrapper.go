package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisService = "run-store"

// RedisWrapper wraps the commands the run store needs with a circuit breaker.
// redis.Nil is a normal miss and never trips the breaker.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, settings Settings, logger *zap.Logger) *RedisWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	config := settings.Merge(RedisSettings()).ToConfig()
	// misses and lost optimistic transactions are answers, not outages
	config.IsFailure = func(err error) bool {
		return !errors.Is(err, redis.Nil) && !errors.Is(err, redis.TxFailedErr)
	}
	cb := NewCircuitBreaker("redis", config, logger)
	GlobalMetricsCollector.Register(redisService, cb)

	return &RedisWrapper{client: client, cb: cb, logger: logger}
}

func (rw *RedisWrapper) run(ctx context.Context, fn func() error) error {
	err := rw.cb.Execute(ctx, fn)
	GlobalMetricsCollector.RecordRequest("redis", redisService, rw.cb.State(),
		err == nil || errors.Is(err, redis.Nil) || errors.Is(err, redis.TxFailedErr))
	return err
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.run(ctx, func() error {
		return rw.client.Ping(ctx).Err()
	})
}

// Get returns the raw value at key; a miss yields redis.Nil
func (rw *RedisWrapper) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := rw.run(ctx, func() error {
		var err error
		val, err = rw.client.Get(ctx, key).Bytes()
		return err
	})
	return val, err
}

// Set wraps Redis Set with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return rw.run(ctx, func() error {
		return rw.client.Set(ctx, key, value, expiration).Err()
	})
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := rw.run(ctx, func() error {
		var err error
		n, err = rw.client.Del(ctx, keys...).Result()
		return err
	})
	return n, err
}

// ZAdd wraps Redis ZAdd with circuit breaker
func (rw *RedisWrapper) ZAdd(ctx context.Context, key string, members ...redis.Z) error {
	return rw.run(ctx, func() error {
		return rw.client.ZAdd(ctx, key, members...).Err()
	})
}

// ZRem wraps Redis ZRem with circuit breaker
func (rw *RedisWrapper) ZRem(ctx context.Context, key string, members ...interface{}) error {
	return rw.run(ctx, func() error {
		return rw.client.ZRem(ctx, key, members...).Err()
	})
}

// ZRangeByScore wraps Redis ZRangeByScore with circuit breaker
func (rw *RedisWrapper) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) ([]string, error) {
	var out []string
	err := rw.run(ctx, func() error {
		var err error
		out, err = rw.client.ZRangeByScore(ctx, key, opt).Result()
		return err
	})
	return out, err
}

// TxPipelined runs fn in a MULTI/EXEC block through the breaker
func (rw *RedisWrapper) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	return rw.run(ctx, func() error {
		_, err := rw.client.TxPipelined(ctx, fn)
		return err
	})
}

// Watch runs fn as an optimistic transaction over keys through the breaker.
// A write to keys by another client makes it return redis.TxFailedErr.
func (rw *RedisWrapper) Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	return rw.run(ctx, func() error {
		return rw.client.Watch(ctx, fn, keys...)
	})
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
