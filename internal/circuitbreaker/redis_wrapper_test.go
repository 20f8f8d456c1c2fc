package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRedisWrapper_NormalOperations(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	wrapper := NewRedisWrapper(client, Settings{}, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, wrapper.Ping(ctx))
	require.NoError(t, wrapper.Set(ctx, "run:1", "payload", time.Minute))

	val, err := wrapper.Get(ctx, "run:1")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(val))

	_, err = wrapper.Get(ctx, "run:missing")
	assert.ErrorIs(t, err, redis.Nil)

	require.NoError(t, wrapper.ZAdd(ctx, "idx", redis.Z{Score: 10, Member: "a"}, redis.Z{Score: 20, Member: "b"}))
	members, err := wrapper.ZRangeByScore(ctx, "idx", &redis.ZRangeBy{Min: "-inf", Max: "15"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)

	require.NoError(t, wrapper.ZRem(ctx, "idx", "a"))
	n, err := wrapper.Del(ctx, "run:1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, wrapper.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, "k", "v", 0)
		p.ZAdd(ctx, "idx", redis.Z{Score: 1, Member: "k"})
		return nil
	}))
	assert.True(t, s.Exists("k"))
	assert.False(t, wrapper.IsCircuitBreakerOpen())
}

func TestRedisWrapper_CircuitBreakerTriggering(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	defer client.Close()

	wrapper := NewRedisWrapper(client, Settings{FailureThreshold: 2, Timeout: time.Minute}, zaptest.NewLogger(t))
	ctx := context.Background()

	s.Close()
	for i := 0; i < 2; i++ {
		assert.Error(t, wrapper.Ping(ctx))
	}
	assert.True(t, wrapper.IsCircuitBreakerOpen())

	_, err := wrapper.Get(ctx, "any")
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}

func TestRedisWrapper_RedisNilHandling(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	wrapper := NewRedisWrapper(client, Settings{FailureThreshold: 1}, zaptest.NewLogger(t))
	for i := 0; i < 10; i++ {
		_, err := wrapper.Get(context.Background(), "nonexistent")
		assert.ErrorIs(t, err, redis.Nil)
	}
	assert.False(t, wrapper.IsCircuitBreakerOpen())
}
