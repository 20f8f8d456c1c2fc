package runstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/miridih-ejkim/mmiai/internal/state"
)

type recordingArchive struct {
	mu       sync.Mutex
	outcomes map[string]string
}

func (a *recordingArchive) Record(ctx context.Context, run *state.Run, outcome string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outcomes == nil {
		a.outcomes = map[string]string{}
	}
	a.outcomes[run.ID] = outcome
	return nil
}

func TestJanitorEvictStale(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(0)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, suspendedRun("stale", now.Add(-48*time.Hour))))
	require.NoError(t, store.Save(ctx, suspendedRun("fresh", now.Add(-time.Hour))))
	require.NoError(t, store.Save(ctx, state.NewRun("active", "u1", "m", now.Add(-72*time.Hour))))

	archive := &recordingArchive{}
	j := NewJanitor(store, archive, 24*time.Hour, time.Minute, zaptest.NewLogger(t))
	j.now = func() time.Time { return now }

	n, err := j.EvictStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, "stale")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = store.Get(ctx, "fresh")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "active")
	assert.NoError(t, err)
	assert.Equal(t, map[string]string{"stale": OutcomeExpired}, archive.outcomes)
}

func TestJanitorRedisIndexCleanup(t *testing.T) {
	store, mr := newRedisStore(t, time.Hour)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Save(ctx, suspendedRun("gone", now.Add(-48*time.Hour))))
	// the run key expired but its index entry remains
	mr.Del(runKeyPrefix + "gone")

	j := NewJanitor(store, nil, 24*time.Hour, time.Minute, zaptest.NewLogger(t))
	n, err := j.EvictStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := store.ListSuspendedBefore(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// claimingStore claims every listed run before the janitor gets to it
type claimingStore struct {
	*MemoryStore
}

func (s claimingStore) ListSuspendedBefore(ctx context.Context, t time.Time) ([]string, error) {
	ids, err := s.MemoryStore.ListSuspendedBefore(ctx, t)
	for _, id := range ids {
		if _, err := s.MemoryStore.Claim(ctx, id, ""); err != nil {
			return nil, err
		}
	}
	return ids, err
}

func TestJanitorSkipsRunClaimedAfterListing(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	mem := NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, mem.Save(ctx, suspendedRun("stale", now.Add(-48*time.Hour))))

	archive := &recordingArchive{}
	j := NewJanitor(claimingStore{mem}, archive, 24*time.Hour, time.Minute, zaptest.NewLogger(t))
	j.now = func() time.Time { return now }

	n, err := j.EvictStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, archive.outcomes)

	run, err := mem.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusRunning, run.Status)
}
