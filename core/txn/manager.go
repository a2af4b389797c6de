// Package txn owns one logical, possibly nested, transaction against a
// single resource. The outermost begin opens a real transaction; every
// nested begin pushes a named savepoint, so an inner rollback rewinds its
// own level without aborting the outer work.
package txn

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lunoradb/txcore/core/isolation"
	"github.com/lunoradb/txcore/core/resource"
	"github.com/lunoradb/txcore/internal/metrics"
)

// OutcomeFunc observes a transaction outcome. Returned errors (and panics)
// are logged and never propagated: an observer must not corrupt the
// transaction's own result.
type OutcomeFunc func() error

// TxOptions configures the outermost transaction.
type TxOptions struct {
	Isolation isolation.Level
	ReadOnly  bool
}

type savepoint struct {
	name  string
	level int
}

// Manager drives the nested transaction state machine for one resource.
// Level 0 means inactive; level 1 is the real transaction; levels above 1
// each hold exactly one savepoint.
//
// A Manager is bound to a single logical call stack. It is not safe for
// concurrent use; callers needing parallelism use one Manager (and one
// resource connection) per goroutine.
type Manager struct {
	res    resource.Resource
	logger *zap.Logger
	inst   *metrics.Instruments

	level      int
	isoLevel   isolation.Level
	readOnly   bool
	savepoints []savepoint
	onCommit   []OutcomeFunc
	onRollback []OutcomeFunc
}

func NewManager(res resource.Resource, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{res: res, logger: logger, inst: metrics.Default()}
}

// Begin opens the outermost transaction, or pushes a savepoint when one is
// already open.
func (m *Manager) Begin(ctx context.Context) error {
	return m.BeginTx(ctx, nil)
}

// BeginTx is Begin with explicit isolation and read-only settings. Both only
// take effect at the outermost level; a nested begin requesting a different
// configuration fails with ErrConfiguration.
func (m *Manager) BeginTx(ctx context.Context, opts *TxOptions) error {
	if m.level == 0 {
		var ropts resource.TxOptions
		if opts != nil {
			ropts.Isolation = opts.Isolation.SQLLevel()
			ropts.ReadOnly = opts.ReadOnly
		}
		if err := m.res.Begin(ctx, ropts); err != nil {
			return fmt.Errorf("txn: begin: %w", err)
		}
		if opts != nil {
			m.isoLevel = opts.Isolation
			m.readOnly = opts.ReadOnly
		}
		m.level = 1
		m.inst.TransactionsStarted.Add(ctx, 1)
		m.logger.Debug("transaction started",
			zap.String("driver", m.res.DriverName()),
			zap.Stringer("isolation", m.isoLevel),
			zap.Bool("read_only", m.readOnly),
		)
		return nil
	}

	if opts != nil {
		if opts.Isolation != isolation.LevelUnset && opts.Isolation != m.isoLevel {
			return fmt.Errorf("%w: requested %s inside a %s transaction",
				ErrConfiguration, opts.Isolation, m.isoLevel)
		}
		if opts.ReadOnly != m.readOnly {
			return fmt.Errorf("%w: read-only mode mismatch", ErrConfiguration)
		}
	}
	sp := savepoint{name: savepointName(m.level + 1), level: m.level + 1}
	if err := m.res.Exec(ctx, "SAVEPOINT "+sp.name); err != nil {
		return fmt.Errorf("txn: creating savepoint %s: %w", sp.name, err)
	}
	m.savepoints = append(m.savepoints, sp)
	m.level++
	m.inst.SavepointsCreated.Add(ctx, 1)
	m.logger.Debug("savepoint created", zap.String("savepoint", sp.name), zap.Int("level", m.level))
	return nil
}

// Commit closes the current nesting level. At the outermost level it issues
// the real commit, runs the onCommit callbacks in registration order, and
// resets the manager; at nested levels it releases the top savepoint.
func (m *Manager) Commit(ctx context.Context) error {
	switch {
	case m.level == 0:
		return ErrNoActiveTransaction
	case m.level == 1:
		if err := m.res.Commit(ctx); err != nil {
			return fmt.Errorf("txn: commit: %w", err)
		}
		m.inst.TransactionsCommitted.Add(ctx, 1)
		m.logger.Debug("transaction committed")
		callbacks := m.onCommit
		m.reset()
		m.runCallbacks(callbacks, "commit")
		return nil
	default:
		sp := m.savepoints[len(m.savepoints)-1]
		if err := m.res.Exec(ctx, "RELEASE SAVEPOINT "+sp.name); err != nil {
			return fmt.Errorf("txn: releasing savepoint %s: %w", sp.name, err)
		}
		m.savepoints = m.savepoints[:len(m.savepoints)-1]
		m.level--
		return nil
	}
}

// Rollback rewinds the current nesting level. At the outermost level it
// issues the real rollback, runs the onRollback callbacks, and resets the
// manager. At nested levels it rolls back to the top savepoint and releases
// it; the transaction stays open at the reduced level.
func (m *Manager) Rollback(ctx context.Context) error {
	switch {
	case m.level == 0:
		return ErrNoActiveTransaction
	case m.level == 1:
		if err := m.res.Rollback(ctx); err != nil {
			return fmt.Errorf("txn: rollback: %w", err)
		}
		m.inst.TransactionsRolledBack.Add(ctx, 1)
		m.logger.Debug("transaction rolled back")
		callbacks := m.onRollback
		m.reset()
		m.runCallbacks(callbacks, "rollback")
		return nil
	default:
		sp := m.savepoints[len(m.savepoints)-1]
		if err := m.res.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp.name); err != nil {
			return fmt.Errorf("txn: rolling back to savepoint %s: %w", sp.name, err)
		}
		if err := m.res.Exec(ctx, "RELEASE SAVEPOINT "+sp.name); err != nil {
			return fmt.Errorf("txn: releasing savepoint %s: %w", sp.name, err)
		}
		m.savepoints = m.savepoints[:len(m.savepoints)-1]
		m.level--
		m.inst.SavepointsRolledBack.Add(ctx, 1)
		m.logger.Debug("rolled back to savepoint", zap.String("savepoint", sp.name), zap.Int("level", m.level))
		return nil
	}
}

// RunInTransaction begins, runs fn, and commits on success. On error the
// unit of work is rolled back and fn's error is returned unchanged.
func (m *Manager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.RunInTransactionTx(ctx, nil, fn)
}

// RunInTransactionTx is RunInTransaction with explicit transaction options.
// If fn returns with the nesting level unbalanced, the manager unwinds fn's
// levels and reports ErrMisnestedTransaction rather than committing the
// wrong level.
func (m *Manager) RunInTransactionTx(ctx context.Context, opts *TxOptions, fn func(ctx context.Context) error) error {
	if err := m.BeginTx(ctx, opts); err != nil {
		return err
	}
	entry := m.level
	if err := fn(ctx); err != nil {
		m.unwind(ctx, entry, err)
		return err
	}
	if m.level != entry {
		err := fmt.Errorf("%w: level %d at begin, %d after operation", ErrMisnestedTransaction, entry, m.level)
		m.unwind(ctx, entry, err)
		return err
	}
	return m.Commit(ctx)
}

// OnCommit registers f to run after the outermost commit succeeds. The
// queue is discarded when the transaction ends, whatever the outcome.
func (m *Manager) OnCommit(f OutcomeFunc) error {
	if m.level == 0 {
		return ErrNoActiveTransaction
	}
	m.onCommit = append(m.onCommit, f)
	return nil
}

// OnRollback registers f to run after the outermost rollback completes.
func (m *Manager) OnRollback(f OutcomeFunc) error {
	if m.level == 0 {
		return ErrNoActiveTransaction
	}
	m.onRollback = append(m.onRollback, f)
	return nil
}

// Level returns the current nesting depth; 0 means no open transaction.
func (m *Manager) Level() int { return m.level }

// Active reports whether a transaction is open at any level.
func (m *Manager) Active() bool { return m.level > 0 }

// ReadOnly reports the mode the open transaction was begun with.
func (m *Manager) ReadOnly() bool { return m.readOnly }

// IsolationLevel returns the level the open transaction was begun with, or
// LevelUnset.
func (m *Manager) IsolationLevel() isolation.Level { return m.isoLevel }

// Resource exposes the managed connection so collaborators (locking
// helpers, coordinators) can issue statements inside the transaction.
func (m *Manager) Resource() resource.Resource { return m.res }

// unwind rolls back every level the wrapped operation owned, tolerating
// extra levels it left open. Levels it prematurely closed cannot be
// restored; that is surfaced by the caller, never repaired here.
func (m *Manager) unwind(ctx context.Context, entry int, cause error) {
	if m.level < entry {
		m.logger.Warn("transaction closed below its entry level",
			zap.Int("entry_level", entry),
			zap.Int("level", m.level),
			zap.NamedError("cause", cause),
		)
		return
	}
	for m.level >= entry {
		if err := m.Rollback(ctx); err != nil {
			m.logger.Error("rollback during unwind failed",
				zap.Int("level", m.level),
				zap.Error(err),
				zap.NamedError("cause", cause),
			)
			return
		}
	}
}

func (m *Manager) reset() {
	m.level = 0
	m.isoLevel = isolation.LevelUnset
	m.readOnly = false
	m.savepoints = nil
	m.onCommit = nil
	m.onRollback = nil
}

// runCallbacks executes outcome observers registered on the finished
// transaction. Failures are logged and swallowed. The manager is already
// reset, so a callback opening a new transaction sees a clean state.
func (m *Manager) runCallbacks(fns []OutcomeFunc, outcome string) {
	for i, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("transaction callback panicked",
						zap.String("outcome", outcome),
						zap.Int("index", i),
						zap.Any("panic", r),
					)
				}
			}()
			if err := fn(); err != nil {
				m.logger.Error("transaction callback failed",
					zap.String("outcome", outcome),
					zap.Int("index", i),
					zap.Error(err),
				)
			}
		}()
	}
}

// savepointName builds a name unique within the transaction: the level it
// guards plus a random token, kept identifier-safe for every dialect.
func savepointName(level int) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("sp%d_%s", level, token)
}
