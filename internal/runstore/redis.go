package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/miridih-ejkim/mmiai/internal/circuitbreaker"
	"github.com/miridih-ejkim/mmiai/internal/metrics"
	"github.com/miridih-ejkim/mmiai/internal/state"
)

const (
	runKeyPrefix      = "router:run:"
	suspendedIndexKey = "router:runs:suspended"
)

// RedisStore keeps each run as JSON under its own key with a TTL, plus a
// sorted set of suspended run ids scored by suspension time
type RedisStore struct {
	client *circuitbreaker.RedisWrapper
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore creates a Redis-backed run store
func NewRedisStore(client *circuitbreaker.RedisWrapper, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

func (s *RedisStore) runKey(id string) string {
	return runKeyPrefix + id
}

// Save writes run and keeps the suspended index in step with its status
func (s *RedisStore) Save(ctx context.Context, run *state.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.runKey(run.ID), data, s.ttl)
		if run.Status == state.RunStatusSuspended {
			pipe.ZAdd(ctx, suspendedIndexKey, redis.Z{
				Score:  float64(run.SuspendedSince.Unix()),
				Member: run.ID,
			})
		} else {
			pipe.ZRem(ctx, suspendedIndexKey, run.ID)
		}
		return nil
	})
	metrics.RecordStoreOp("redis", "save", err)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// Get loads a run by id
func (s *RedisStore) Get(ctx context.Context, id string) (*state.Run, error) {
	data, err := s.client.Get(ctx, s.runKey(id))
	if errors.Is(err, redis.Nil) {
		metrics.RecordStoreOp("redis", "get", nil)
		return nil, ErrRunNotFound
	}
	metrics.RecordStoreOp("redis", "get", err)
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}

	var run state.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", id, err)
	}
	return &run, nil
}

// Claim flips a suspended run to running inside WATCH/MULTI on the run key,
// so a concurrent claim or save aborts the transaction
func (s *RedisStore) Claim(ctx context.Context, id string, step state.StepRef) (*state.Run, error) {
	key := s.runKey(id)
	var claimed *state.Run
	var rejected error

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			rejected = ErrRunNotFound
			return nil
		}
		if err != nil {
			return err
		}
		var run state.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return fmt.Errorf("failed to unmarshal run %s: %w", id, err)
		}
		if err := claimable(&run, step); err != nil {
			rejected = err
			return nil
		}

		running := run.Clone()
		running.Resumed(time.Now())
		next, err := json.Marshal(running)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, s.ttl)
			pipe.ZRem(ctx, suspendedIndexKey, id)
			return nil
		})
		if err != nil {
			return err
		}
		claimed = &run
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		metrics.RecordStoreOp("redis", "claim", nil)
		return nil, fmt.Errorf("%w: %s was claimed concurrently", ErrRunNotSuspended, id)
	}
	metrics.RecordStoreOp("redis", "claim", err)
	if err != nil {
		return nil, fmt.Errorf("failed to claim run %s: %w", id, err)
	}
	if rejected != nil {
		return nil, rejected
	}
	return claimed, nil
}

// Delete removes a run and its index entry
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.runKey(id))
		pipe.ZRem(ctx, suspendedIndexKey, id)
		return nil
	})
	metrics.RecordStoreOp("redis", "delete", err)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	return nil
}

// ListSuspendedBefore reads the suspended index up to t
func (s *RedisStore) ListSuspendedBefore(ctx context.Context, t time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, suspendedIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(t.Unix(), 10),
	})
	metrics.RecordStoreOp("redis", "list_suspended", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list suspended runs: %w", err)
	}
	return ids, nil
}
