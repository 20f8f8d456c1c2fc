package runstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/miridih-ejkim/mmiai/internal/state"
)

type memoryEntry struct {
	run       *state.Run
	expiresAt time.Time
}

// MemoryStore is an in-process Store used when no Redis address is configured
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]memoryEntry
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryStore creates an in-memory store. ttl <= 0 disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{runs: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

// WithClock replaces the expiry clock
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Save(ctx context.Context, run *state.Run) error {
	var expires time.Time
	if s.ttl > 0 {
		expires = s.now().Add(s.ttl)
	}
	s.mu.Lock()
	s.runs[run.ID] = memoryEntry{run: run.Clone(), expiresAt: expires}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*state.Run, error) {
	s.mu.RLock()
	e, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok || s.expired(e) {
		return nil, ErrRunNotFound
	}
	return e.run.Clone(), nil
}

func (s *MemoryStore) Claim(ctx context.Context, id string, step state.StepRef) (*state.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[id]
	if !ok || s.expired(e) {
		return nil, ErrRunNotFound
	}
	if err := claimable(e.run, step); err != nil {
		return nil, err
	}
	original := e.run.Clone()
	running := e.run.Clone()
	running.Resumed(s.now())
	e.run = running
	s.runs[id] = e
	return original, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.runs, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListSuspendedBefore(ctx context.Context, t time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, e := range s.runs {
		if s.expired(e) {
			delete(s.runs, id)
			continue
		}
		if e.run.Status == state.RunStatusSuspended && !e.run.SuspendedSince.After(t) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && s.now().After(e.expiresAt)
}
