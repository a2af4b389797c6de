package connection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lunoradb/txcore/core/resource"
	"github.com/lunoradb/txcore/core/resource/resourcetest"
)

// --- Test Helpers ---

// countingFactory hands out fakes and counts how many it made per source.
func countingFactory(made *atomic.Int32) Factory {
	return func(source string) (resource.Resource, error) {
		made.Add(1)
		return resourcetest.New(resource.DriverSQLite), nil
	}
}

func TestGetReusesReleasedManager(t *testing.T) {
	var made atomic.Int32
	pm := NewPoolManager(2, countingFactory(&made), zap.NewNop())

	first, err := pm.Get("primary")
	require.NoError(t, err)
	kept := first.Manager
	require.NoError(t, first.Release(context.Background()))

	second, err := pm.Get("primary")
	require.NoError(t, err)
	require.Same(t, kept, second.Manager)
	require.EqualValues(t, 1, made.Load())
}

func TestReleaseRollsBackOpenTransaction(t *testing.T) {
	f := resourcetest.New(resource.DriverPostgres)
	pm := NewPoolManager(1, func(string) (resource.Resource, error) { return f, nil }, zap.NewNop())

	borrowed, err := pm.Get("primary")
	require.NoError(t, err)
	require.NoError(t, borrowed.Begin(context.Background()))
	require.NoError(t, borrowed.Begin(context.Background())) // nested level

	require.NoError(t, borrowed.Release(context.Background()))
	require.False(t, f.InTransaction())

	stmts := f.Statements()
	require.Equal(t, "ROLLBACK", stmts[len(stmts)-1])

	next, err := pm.Get("primary")
	require.NoError(t, err)
	require.False(t, next.Active())
}

func TestGetBlocksUntilRelease(t *testing.T) {
	var made atomic.Int32
	pm := NewPoolManager(1, countingFactory(&made), zap.NewNop())

	first, err := pm.Get("primary")
	require.NoError(t, err)

	go func() {
		_ = first.Release(context.Background())
	}()

	second, err := pm.Get("primary")
	require.NoError(t, err)
	require.NotNil(t, second)
	require.EqualValues(t, 1, made.Load())
}

func TestSourcesAreIsolated(t *testing.T) {
	var made atomic.Int32
	pm := NewPoolManager(1, countingFactory(&made), zap.NewNop())

	a, err := pm.Get("ledger")
	require.NoError(t, err)
	b, err := pm.Get("inventory")
	require.NoError(t, err)

	require.NotSame(t, a.Manager, b.Manager)
	require.EqualValues(t, 2, made.Load())

	madeA, idleA := pm.Stats("ledger")
	require.Equal(t, 1, madeA)
	require.Equal(t, 0, idleA)
}

func TestFactoryErrorPropagates(t *testing.T) {
	errDial := errors.New("source unreachable")
	pm := NewPoolManager(1, func(string) (resource.Resource, error) { return nil, errDial }, zap.NewNop())

	_, err := pm.Get("primary")
	require.ErrorIs(t, err, errDial)

	made, idle := pm.Stats("primary")
	require.Zero(t, made)
	require.Zero(t, idle)
}

func TestDoubleReleaseFails(t *testing.T) {
	var made atomic.Int32
	pm := NewPoolManager(1, countingFactory(&made), zap.NewNop())

	borrowed, err := pm.Get("primary")
	require.NoError(t, err)
	require.NoError(t, borrowed.Release(context.Background()))
	require.Error(t, borrowed.Release(context.Background()))
}

func TestDiscardFreesSlot(t *testing.T) {
	var made atomic.Int32
	pm := NewPoolManager(1, countingFactory(&made), zap.NewNop())

	first, err := pm.Get("primary")
	require.NoError(t, err)
	first.Discard()

	second, err := pm.Get("primary")
	require.NoError(t, err)
	require.NotSame(t, first.Manager, second.Manager)
	require.EqualValues(t, 2, made.Load())
}

func TestCloseDrainsIdleManagers(t *testing.T) {
	var made atomic.Int32
	pm := NewPoolManager(2, countingFactory(&made), zap.NewNop())

	borrowed, err := pm.Get("primary")
	require.NoError(t, err)
	require.NoError(t, borrowed.Release(context.Background()))

	pm.Close()
	madeN, idle := pm.Stats("primary")
	require.Zero(t, madeN)
	require.Zero(t, idle)

	// the pool rebuilds lazily after Close
	next, err := pm.Get("primary")
	require.NoError(t, err)
	require.NotNil(t, next)
	require.EqualValues(t, 2, made.Load())
}
