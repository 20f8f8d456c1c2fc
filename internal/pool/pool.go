// Package pool lazily builds, shares and evicts handles to external tool backends.
package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/miridih-ejkim/mmiai/internal/circuitbreaker"
	"github.com/miridih-ejkim/mmiai/internal/config"
	"github.com/miridih-ejkim/mmiai/internal/metrics"
)

// Tool describes one operation a backend exposes
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// Handle is a live connection to a tool backend
type Handle interface {
	ServiceID() string
	Tools() []Tool
	Call(ctx context.Context, name string, args map[string]interface{}) (string, error)
	Close() error
}

// Factory builds a Handle for a configured service
type Factory func(ctx context.Context, svc config.ServiceConfig) (Handle, error)

var errPoolClosed = errors.New("pool is shut down")

type entry struct {
	handle   Handle
	lastUsed time.Time
	inUse    int
}

// Option configures a Manager
type Option func(*Manager)

// WithClock injects the clock used for idle accounting
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIdleTTL sets how long an unused handle stays cached
func WithIdleTTL(d time.Duration) Option {
	return func(m *Manager) { m.idleTTL = d }
}

// WithSweepInterval sets the background eviction period
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithBuildTimeout bounds a single factory call
func WithBuildTimeout(d time.Duration) Option {
	return func(m *Manager) { m.buildTimeout = d }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithBreakerSettings configures the per-service build breaker
func WithBreakerSettings(s circuitbreaker.Settings) Option {
	return func(m *Manager) { m.breaker = s }
}

// Manager is the connection pool. The cache is keyed by service id; concurrent
// acquires of an uncached key share one build, and entries in use are never evicted.
type Manager struct {
	services  map[string]config.ServiceConfig
	factories map[string]Factory

	mu       sync.Mutex
	entries  map[string]*entry
	breakers map[string]*circuitbreaker.CircuitBreaker
	closed   bool
	group    singleflight.Group

	now           func() time.Time
	idleTTL       time.Duration
	sweepInterval time.Duration
	buildTimeout  time.Duration
	breaker       circuitbreaker.Settings
	logger        *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewManager creates a pool over services, building handles with the factory
// registered for each service kind.
func NewManager(services []config.ServiceConfig, factories map[string]Factory, opts ...Option) *Manager {
	m := &Manager{
		services:      make(map[string]config.ServiceConfig, len(services)),
		factories:     factories,
		entries:       make(map[string]*entry),
		breakers:      make(map[string]*circuitbreaker.CircuitBreaker),
		now:           time.Now,
		idleTTL:       5 * time.Minute,
		sweepInterval: time.Minute,
		buildTimeout:  15 * time.Second,
		logger:        zap.NewNop(),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	for _, svc := range services {
		m.services[svc.ID] = svc
		cfg := m.breaker.Merge(circuitbreaker.ServiceSettings()).ToConfig()
		cfg.Now = m.now
		cb := circuitbreaker.NewCircuitBreaker(svc.ID, cfg, m.logger)
		circuitbreaker.GlobalMetricsCollector.Register("pool", cb)
		m.breakers[svc.ID] = cb
	}
	return m
}

// Acquire returns a lease on the handle for serviceID, building it on first use.
// It never fails: nil means the service is unavailable and the caller should
// proceed without tools. Callers must Release the lease.
func (m *Manager) Acquire(ctx context.Context, serviceID string) *Lease {
	if lease := m.fromCache(serviceID); lease != nil {
		metrics.PoolAcquires.WithLabelValues(serviceID, "hit").Inc()
		return lease
	}

	svc, ok := m.services[serviceID]
	if !ok {
		m.logger.Warn("Unknown tool service", zap.String("service_id", serviceID))
		metrics.PoolAcquires.WithLabelValues(serviceID, "unavailable").Inc()
		return nil
	}
	cb := m.breakers[serviceID]
	if !cb.Allow() {
		m.logger.Debug("Service breaker open, skipping build", zap.String("service_id", serviceID))
		metrics.PoolAcquires.WithLabelValues(serviceID, "unavailable").Inc()
		return nil
	}

	v, err, _ := m.group.Do(serviceID, func() (interface{}, error) {
		return m.build(ctx, svc, cb)
	})
	if errors.Is(err, errPoolClosed) {
		return nil
	}
	if err != nil {
		m.logger.Warn("Failed to build tool handle",
			zap.String("service_id", serviceID),
			zap.Error(err),
		)
		metrics.PoolAcquires.WithLabelValues(serviceID, "build_error").Inc()
		return nil
	}

	e := v.(*entry)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.entries[serviceID] != e {
		metrics.PoolAcquires.WithLabelValues(serviceID, "unavailable").Inc()
		return nil
	}
	e.inUse++
	e.lastUsed = m.now()
	metrics.PoolAcquires.WithLabelValues(serviceID, "miss").Inc()
	return &Lease{Handle: e.handle, m: m, serviceID: serviceID, e: e}
}

// fromCache hands out a cached entry, dropping it first if it outlived the idle TTL
func (m *Manager) fromCache(serviceID string) *Lease {
	var stale Handle

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	e, ok := m.entries[serviceID]
	if ok && e.inUse == 0 && m.now().Sub(e.lastUsed) > m.idleTTL {
		delete(m.entries, serviceID)
		stale = e.handle
		ok = false
	}
	if ok {
		e.inUse++
		e.lastUsed = m.now()
		lease := &Lease{Handle: e.handle, m: m, serviceID: serviceID, e: e}
		m.mu.Unlock()
		return lease
	}
	size := len(m.entries)
	m.mu.Unlock()

	if stale != nil {
		metrics.PoolSize.Set(float64(size))
		m.closeHandle(serviceID, stale, "idle")
	}
	return nil
}

func (m *Manager) build(ctx context.Context, svc config.ServiceConfig, cb *circuitbreaker.CircuitBreaker) (*entry, error) {
	// a concurrent build may have finished between the cache check and Do
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errPoolClosed
	}
	if e, ok := m.entries[svc.ID]; ok {
		m.mu.Unlock()
		return e, nil
	}
	m.mu.Unlock()

	factory, ok := m.factories[svc.Kind]
	if !ok {
		return nil, errors.New("no factory for service kind " + svc.Kind)
	}

	// the build is shared by every waiter, so one caller's cancellation must not abort it
	buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.buildTimeout)
	defer cancel()

	var h Handle
	err := cb.Execute(buildCtx, func() error {
		var err error
		h, err = factory(buildCtx, svc)
		return err
	})
	if err != nil {
		metrics.PoolBuilds.WithLabelValues(svc.ID, "error").Inc()
		return nil, err
	}
	metrics.PoolBuilds.WithLabelValues(svc.ID, "ok").Inc()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = h.Close()
		return nil, errPoolClosed
	}
	e := &entry{handle: h, lastUsed: m.now()}
	m.entries[svc.ID] = e
	size := len(m.entries)
	m.mu.Unlock()

	metrics.PoolSize.Set(float64(size))
	m.logger.Info("Tool handle built",
		zap.String("service_id", svc.ID),
		zap.Int("tools", len(h.Tools())),
	)
	return e, nil
}

func (m *Manager) release(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.inUse > 0 {
		e.inUse--
	}
	e.lastUsed = m.now()
}

// Sweep evicts entries idle longer than the TTL and returns how many it removed.
// Entries with outstanding leases are skipped.
func (m *Manager) Sweep() int {
	type victim struct {
		id     string
		handle Handle
	}
	var victims []victim

	m.mu.Lock()
	now := m.now()
	for id, e := range m.entries {
		if e.inUse == 0 && now.Sub(e.lastUsed) > m.idleTTL {
			victims = append(victims, victim{id, e.handle})
			delete(m.entries, id)
		}
	}
	size := len(m.entries)
	m.mu.Unlock()

	metrics.PoolSize.Set(float64(size))
	for _, v := range victims {
		m.closeHandle(v.id, v.handle, "idle")
	}
	if len(victims) > 0 {
		m.logger.Debug("Pool sweep evicted idle handles", zap.Int("evicted", len(victims)))
	}
	return len(victims)
}

// Start launches the background sweep loop
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(m.sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-m.stopCh:
					return
				case <-ticker.C:
					m.Sweep()
				}
			}
		}()
	})
}

// Shutdown stops the sweep loop and closes every cached handle
func (m *Manager) Shutdown() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	m.closed = true
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	metrics.PoolSize.Set(0)
	var errs []error
	for id, e := range entries {
		if err := m.closeHandle(id, e.handle, "shutdown"); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Info("Connection pool shut down", zap.Int("closed", len(entries)))
	return errors.Join(errs...)
}

func (m *Manager) closeHandle(serviceID string, h Handle, reason string) error {
	metrics.PoolEvictions.WithLabelValues(serviceID, reason).Inc()
	err := h.Close()
	if err != nil {
		m.logger.Warn("Error closing tool handle",
			zap.String("service_id", serviceID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
	return err
}

// Len returns the number of cached handles
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Services returns the configured service ids, sorted
func (m *Manager) Services() []string {
	out := make([]string, 0, len(m.services))
	for id := range m.services {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Lease is a Handle checked out of the pool
type Lease struct {
	Handle
	m         *Manager
	serviceID string
	e         *entry
	once      sync.Once
}

// Release returns the lease to the pool; it is safe to call more than once
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() { l.m.release(l.e) })
}
