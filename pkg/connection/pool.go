// Package connection provides a thread-safe pool of transaction managers.
// A manager owns its resource connection exclusively while a transaction is
// open, so concurrent callers each need their own; the pool bounds how many
// exist per source and reuses them across borrowers.
package connection

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lunoradb/txcore/core/resource"
	"github.com/lunoradb/txcore/core/txn"
)

// Factory opens a fresh resource connection for the named source.
type Factory func(source string) (resource.Resource, error)

// PooledManager is a transaction manager borrowed from a pool. Callers use
// it like any *txn.Manager and hand it back with Release when done.
type PooledManager struct {
	*txn.Manager
	pool *sourcePool
}

// Release returns the manager to its pool. A manager still inside a
// transaction is rolled back first so the next borrower starts clean; if
// that rollback fails the manager is discarded instead of reused.
func (m *PooledManager) Release(ctx context.Context) error {
	if m.pool == nil {
		return fmt.Errorf("manager is already released or discarded")
	}
	for m.Manager.Active() {
		if err := m.Manager.Rollback(ctx); err != nil {
			m.pool.discard()
			m.pool = nil
			return fmt.Errorf("rolling back before release: %w", err)
		}
	}
	m.pool.put(m.Manager)
	m.pool = nil
	return nil
}

// Discard drops the manager without returning it to the pool, freeing its
// slot for a replacement. Use it when the underlying connection went bad.
func (m *PooledManager) Discard() {
	if m.pool == nil {
		return
	}
	m.pool.discard()
	m.pool = nil
}

// sourcePool manages the managers for a single source.
type sourcePool struct {
	mu       sync.Mutex
	managers chan *txn.Manager
	factory  func() (*txn.Manager, error)
	maxSize  int
	numMade  int // managers currently accounted for, borrowed or idle
	source   string
}

// PoolManager manages multiple sourcePools, one per source name. Managers
// are single-owner while borrowed: a caller that needs parallel
// transactions borrows one manager per goroutine.
type PoolManager struct {
	mu      sync.RWMutex
	pools   map[string]*sourcePool
	factory Factory
	logger  *zap.Logger
	maxSize int // max managers per source
}

// NewPoolManager creates a new manager pool. maxSize is the maximum number
// of live managers per source.
func NewPoolManager(maxSize int, factory Factory, logger *zap.Logger) *PoolManager {
	if maxSize <= 0 {
		maxSize = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PoolManager{
		pools:   make(map[string]*sourcePool),
		factory: factory,
		logger:  logger,
		maxSize: maxSize,
	}
}

// Get borrows a manager for the named source, creating the pool on first
// use. When the source is at capacity and every manager is borrowed, Get
// blocks until one is released.
func (m *PoolManager) Get(source string) (*PooledManager, error) {
	m.mu.RLock()
	pool, ok := m.pools[source]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		// Double-check after acquiring write lock
		pool, ok = m.pools[source]
		if !ok {
			logger := m.logger.With(zap.String("source", source))
			pool = &sourcePool{
				managers: make(chan *txn.Manager, m.maxSize),
				factory: func() (*txn.Manager, error) {
					res, err := m.factory(source)
					if err != nil {
						return nil, err
					}
					return txn.NewManager(res, logger), nil
				},
				maxSize: m.maxSize,
				source:  source,
			}
			m.pools[source] = pool
		}
		m.mu.Unlock()
	}

	mgr, err := pool.get()
	if err != nil {
		return nil, err
	}
	return &PooledManager{Manager: mgr, pool: pool}, nil
}

// Stats reports how many managers exist for the source and how many of
// them sit idle in the pool.
func (m *PoolManager) Stats(source string) (made, idle int) {
	m.mu.RLock()
	pool, ok := m.pools[source]
	m.mu.RUnlock()
	if !ok {
		return 0, 0
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return pool.numMade, len(pool.managers)
}

// Close drops every idle manager and forgets the pools. Managers still
// borrowed stay valid; releasing them afterwards parks them in the
// abandoned pool, which the garbage collector reclaims.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pool := range m.pools {
		pool.drain()
	}
	m.pools = make(map[string]*sourcePool)
}

// get retrieves a manager from a specific source's pool.
func (p *sourcePool) get() (*txn.Manager, error) {
	// Try to get an idle manager first
	select {
	case mgr := <-p.managers:
		return mgr, nil
	default:
		p.mu.Lock()
		if p.numMade < p.maxSize {
			defer p.mu.Unlock()
			mgr, err := p.factory()
			if err != nil {
				return nil, err
			}
			p.numMade++
			return mgr, nil
		}
		p.mu.Unlock()
		// Pool is at capacity, block and wait for a release
		return <-p.managers, nil
	}
}

// put returns a manager to the pool.
func (p *sourcePool) put(mgr *txn.Manager) {
	if mgr == nil {
		return
	}
	select {
	case p.managers <- mgr:
	default:
		// Capacity accounting drifted; drop the manager.
		p.discard()
	}
}

// discard frees one slot so a replacement manager can be made.
func (p *sourcePool) discard() {
	p.mu.Lock()
	p.numMade--
	p.mu.Unlock()
}

// drain empties the idle managers of a specific source's pool.
func (p *sourcePool) drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		select {
		case <-p.managers:
			p.numMade--
		default:
			return
		}
	}
}
