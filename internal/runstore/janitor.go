package runstore

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/miridih-ejkim/mmiai/internal/metrics"
)

// Janitor evicts runs that stayed suspended longer than maxAge
type Janitor struct {
	store    Store
	archive  Archiver
	maxAge   time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewJanitor creates a Janitor. archive may be nil.
func NewJanitor(store Store, archive Archiver, maxAge, interval time.Duration, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		store:    store,
		archive:  archive,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Start runs EvictStale every interval until ctx is cancelled
func (j *Janitor) Start(ctx context.Context) {
	if j.interval <= 0 || j.maxAge <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := j.EvictStale(ctx); err != nil {
					j.logger.Warn("Stale run eviction failed", zap.Error(err))
				} else if n > 0 {
					j.logger.Info("Evicted stale suspended runs", zap.Int("count", n))
				}
			}
		}
	}()
}

// EvictStale deletes runs suspended before now-maxAge and returns how many
// were evicted
func (j *Janitor) EvictStale(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.maxAge)
	ids, err := j.store.ListSuspendedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	evicted := 0
	for _, id := range ids {
		// a run claimed by a resume after listing is skipped
		run, err := j.store.Claim(ctx, id, "")
		switch {
		case errors.Is(err, ErrRunNotSuspended):
			continue
		case errors.Is(err, ErrRunNotFound):
			run = nil
		case err != nil:
			j.logger.Warn("Failed to claim stale run", zap.String("run_id", id), zap.Error(err))
			continue
		}
		if run != nil && j.archive != nil {
			if err := j.archive.Record(ctx, run, OutcomeExpired); err != nil {
				j.logger.Warn("Failed to archive stale run", zap.String("run_id", id), zap.Error(err))
			}
		}
		if err := j.store.Delete(ctx, id); err != nil {
			j.logger.Warn("Failed to delete stale run", zap.String("run_id", id), zap.Error(err))
			continue
		}
		evicted++
		metrics.StaleRunsEvicted.Inc()
	}
	return evicted, nil
}
