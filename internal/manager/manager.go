// Package manager owns one connection pool per configured bucket.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/joao-brasil/connpool/internal/backend"
	"github.com/joao-brasil/connpool/internal/config"
	"github.com/joao-brasil/connpool/internal/metrics"
	"github.com/joao-brasil/connpool/pkg/bucket"
	"github.com/joao-brasil/connpool/pkg/pool"
)

// FactoryFunc builds the connection factory for a bucket.
type FactoryFunc func(b *bucket.Bucket) pool.Factory[backend.Handle]

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger used by the manager and its pools.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithFactory overrides how connections are created (tests, load generation).
func WithFactory(f FactoryFunc) Option {
	return func(m *Manager) { m.factory = f }
}

// WithObserver sets the pool observer. Defaults to the Prometheus observer.
func WithObserver(o pool.Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithSessionReset makes Use reset session state before a connection goes
// back to its pool. A failed reset discards the connection.
func WithSessionReset() Option {
	return func(m *Manager) { m.resetSession = true }
}

// sessionResetter is implemented by handles that can clear session state.
type sessionResetter interface {
	ResetSession(ctx context.Context) error
}

// Manager manages connection pools for all configured buckets.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*pool.Pool[backend.Handle] // keyed by bucket ID

	log          *zap.Logger
	factory      FactoryFunc
	observer     pool.Observer
	resetSession bool
}

// New creates a Manager with one lazily populated pool per bucket.
func New(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		pools:    make(map[string]*pool.Pool[backend.Handle], len(cfg.Buckets)),
		log:      zap.NewNop(),
		factory:  backend.Factory,
		observer: metrics.Observer{},
	}
	for _, opt := range opts {
		opt(m)
	}

	for i := range cfg.Buckets {
		b := &cfg.Buckets[i]
		po := b.PoolOptions()
		po.Logger = m.log
		po.Observer = m.observer

		p := pool.New[backend.Handle](po)
		p.Configure(m.factory(b), backend.Close)
		m.pools[b.ID] = p
	}

	m.log.Named("manager").Info("manager initialized", zap.Int("pools", len(m.pools)))
	return m
}

// Use runs fn with a connection from the bucket's pool.
func (m *Manager) Use(ctx context.Context, bucketID string, fn func(ctx context.Context, h backend.Handle) error) error {
	p, ok := m.Pool(bucketID)
	if !ok {
		return fmt.Errorf("unknown bucket: %s", bucketID)
	}

	return p.Use(ctx, func(ctx context.Context, h backend.Handle) error {
		if err := fn(ctx, h); err != nil {
			return err
		}
		if m.resetSession {
			if r, ok := h.(sessionResetter); ok {
				if err := r.ResetSession(ctx); err != nil {
					return fmt.Errorf("resetting session for bucket %s: %w", bucketID, err)
				}
			}
		}
		return nil
	})
}

// Pool returns the pool for a given bucket ID.
func (m *Manager) Pool(bucketID string) (*pool.Pool[backend.Handle], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[bucketID]
	return p, ok
}

// Buckets returns the managed bucket IDs in sorted order.
func (m *Manager) Buckets() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.pools))
	for id := range m.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns pool statistics for all buckets, sorted by bucket ID.
func (m *Manager) Stats() []pool.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]pool.Stats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Reap reaps every pool and returns the total number of connections closed.
func (m *Manager) Reap() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, p := range m.pools {
		n += p.Reap()
	}
	return n
}

// WarmUp fills every pool up to its bucket's min_idle and returns how many
// connections were created.
func (m *Manager) WarmUp(ctx context.Context) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, p := range m.pools {
		n += p.WarmUp(ctx)
	}
	if n > 0 {
		m.log.Named("manager").Info("pools warmed", zap.Int("created", n))
	}
	return n
}

// Sweep pings every idle connection of a bucket and discards the ones that
// fail, returning how many were discarded.
func (m *Manager) Sweep(ctx context.Context, bucketID string) (int, error) {
	p, ok := m.Pool(bucketID)
	if !ok {
		return 0, fmt.Errorf("unknown bucket: %s", bucketID)
	}
	return p.Sweep(ctx, func(ctx context.Context, h backend.Handle) error {
		return h.Ping(ctx)
	}), nil
}

// Disconnect drains every pool; the pools stay usable.
func (m *Manager) Disconnect() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.pools {
		p.Disconnect()
	}
}

// Close shuts down all pools. Later calls to Use fail with an unknown bucket error.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for id, p := range m.pools {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing pool %s: %w", id, err)
		}
	}
	m.pools = nil

	m.log.Named("manager").Info("manager closed")
	return firstErr
}
