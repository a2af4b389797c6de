package txn

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lunoradb/txcore/core/isolation"
	"github.com/lunoradb/txcore/core/resource"
	"github.com/lunoradb/txcore/core/resource/resourcetest"
)

// --- Test Helpers ---

func setupManager(t *testing.T) (*Manager, *resourcetest.Fake) {
	t.Helper()
	f := resourcetest.New(resource.DriverPostgres)
	return NewManager(f, zap.NewNop()), f
}

// requireStatementPrefixes asserts the fake saw exactly the given statements,
// comparing by prefix so random savepoint tokens don't matter.
func requireStatementPrefixes(t *testing.T, f *resourcetest.Fake, prefixes ...string) {
	t.Helper()
	stmts := f.Statements()
	require.Len(t, stmts, len(prefixes))
	for i, p := range prefixes {
		require.Truef(t, strings.HasPrefix(stmts[i], p),
			"statement %d = %q, want prefix %q", i, stmts[i], p)
	}
}

// --- Test Cases ---

// TestNestingInvariant verifies that n matched begin/commit pairs issue
// exactly one real COMMIT and n-1 savepoint releases, releases first.
func TestNestingInvariant(t *testing.T) {
	m, f := setupManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Begin(ctx))
	}
	require.Equal(t, 3, m.Level())

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Commit(ctx))
	}
	require.Equal(t, 0, m.Level())
	require.False(t, m.Active())

	requireStatementPrefixes(t, f,
		"BEGIN",
		"SAVEPOINT sp2_",
		"SAVEPOINT sp3_",
		"RELEASE SAVEPOINT sp3_",
		"RELEASE SAVEPOINT sp2_",
		"COMMIT",
	)
}

// TestInnerRollbackKeepsOuterOpen is the begin(); begin(); rollback();
// commit() scenario: the inner rollback rewinds to its savepoint and the
// outer commit still issues a real COMMIT.
func TestInnerRollbackKeepsOuterOpen(t *testing.T) {
	m, f := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.Begin(ctx))
	require.NoError(t, m.Begin(ctx))
	require.Equal(t, 2, m.Level())

	require.NoError(t, m.Rollback(ctx))
	require.Equal(t, 1, m.Level())
	require.True(t, m.Active())

	require.NoError(t, m.Commit(ctx))
	require.Equal(t, 0, m.Level())

	requireStatementPrefixes(t, f,
		"BEGIN",
		"SAVEPOINT sp2_",
		"ROLLBACK TO SAVEPOINT sp2_",
		"RELEASE SAVEPOINT sp2_",
		"COMMIT",
	)
}

// TestCommitWithoutTransaction surfaces the programmer error instead of
// silently doing nothing.
func TestCommitWithoutTransaction(t *testing.T) {
	m, f := setupManager(t)

	require.ErrorIs(t, m.Commit(context.Background()), ErrNoActiveTransaction)
	require.ErrorIs(t, m.Rollback(context.Background()), ErrNoActiveTransaction)
	require.Empty(t, f.Statements())
}

// TestSavepointNamesUnique checks nested levels get distinct, level-tagged
// savepoint names.
func TestSavepointNamesUnique(t *testing.T) {
	m, f := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.Begin(ctx))
	require.NoError(t, m.Begin(ctx))
	require.NoError(t, m.Begin(ctx))

	stmts := f.Statements()
	sp2 := strings.TrimPrefix(stmts[1], "SAVEPOINT ")
	sp3 := strings.TrimPrefix(stmts[2], "SAVEPOINT ")
	require.True(t, strings.HasPrefix(sp2, "sp2_"))
	require.True(t, strings.HasPrefix(sp3, "sp3_"))
	require.NotEqual(t, sp2, sp3)
}

// TestBeginTxAppliesOptions verifies isolation and read-only mode reach the
// resource at BEGIN time, before any statement.
func TestBeginTxAppliesOptions(t *testing.T) {
	m, f := setupManager(t)

	opts := &TxOptions{Isolation: isolation.Serializable, ReadOnly: true}
	require.NoError(t, m.BeginTx(context.Background(), opts))

	got := f.LastBeginOptions()
	require.Equal(t, isolation.Serializable.SQLLevel(), got.Isolation)
	require.True(t, got.ReadOnly)
	require.True(t, m.ReadOnly())
	require.Equal(t, isolation.Serializable, m.IsolationLevel())
}

// TestNestedConfigurationChangeRejected: isolation and read-only mode are
// fixed at the outermost begin.
func TestNestedConfigurationChangeRejected(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.BeginTx(ctx, &TxOptions{Isolation: isolation.Serializable}))

	err := m.BeginTx(ctx, &TxOptions{Isolation: isolation.ReadCommitted})
	require.ErrorIs(t, err, ErrConfiguration)
	require.Equal(t, 1, m.Level())

	// Same configuration is a no-op request and nests fine.
	require.NoError(t, m.BeginTx(ctx, &TxOptions{Isolation: isolation.Serializable}))
	require.Equal(t, 2, m.Level())

	err = m.BeginTx(ctx, &TxOptions{Isolation: isolation.Serializable, ReadOnly: true})
	require.ErrorIs(t, err, ErrConfiguration)
}

// TestOnCommitCallbacks checks ordering, the non-propagation guarantee, and
// that rollback observers stay silent on commit.
func TestOnCommitCallbacks(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	var order []string
	require.NoError(t, m.Begin(ctx))
	require.NoError(t, m.OnCommit(func() error { order = append(order, "first"); return nil }))
	require.NoError(t, m.OnCommit(func() error { order = append(order, "second"); return errors.New("observer broke") }))
	require.NoError(t, m.OnCommit(func() error { order = append(order, "third"); return nil }))
	require.NoError(t, m.OnRollback(func() error { order = append(order, "rollback"); return nil }))

	require.NoError(t, m.Commit(ctx))
	require.Equal(t, []string{"first", "second", "third"}, order)
}

// TestOnRollbackCallbacks checks the rollback side, including surviving a
// panicking observer.
func TestOnRollbackCallbacks(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	var order []string
	require.NoError(t, m.Begin(ctx))
	require.NoError(t, m.OnCommit(func() error { order = append(order, "commit"); return nil }))
	require.NoError(t, m.OnRollback(func() error { panic("observer panicked") }))
	require.NoError(t, m.OnRollback(func() error { order = append(order, "rollback"); return nil }))

	require.NoError(t, m.Rollback(ctx))
	require.Equal(t, []string{"rollback"}, order)
}

// TestCallbackRegistrationRequiresTransaction: registering outside a
// transaction is an error, and queues do not leak across transactions.
func TestCallbackRegistrationRequiresTransaction(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	require.ErrorIs(t, m.OnCommit(func() error { return nil }), ErrNoActiveTransaction)
	require.ErrorIs(t, m.OnRollback(func() error { return nil }), ErrNoActiveTransaction)

	calls := 0
	require.NoError(t, m.Begin(ctx))
	require.NoError(t, m.OnCommit(func() error { calls++; return nil }))
	require.NoError(t, m.Commit(ctx))
	require.Equal(t, 1, calls)

	// A fresh transaction must not replay the old queue.
	require.NoError(t, m.Begin(ctx))
	require.NoError(t, m.Commit(ctx))
	require.Equal(t, 1, calls)
}

// TestCallbacksOnlyFireAtOutermostLevel: releasing a savepoint is not an
// outcome.
func TestCallbacksOnlyFireAtOutermostLevel(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	calls := 0
	require.NoError(t, m.Begin(ctx))
	require.NoError(t, m.Begin(ctx))
	require.NoError(t, m.OnCommit(func() error { calls++; return nil }))

	require.NoError(t, m.Commit(ctx))
	require.Equal(t, 0, calls)

	require.NoError(t, m.Commit(ctx))
	require.Equal(t, 1, calls)
}

// TestRunInTransactionSuccess commits and passes the context through.
func TestRunInTransactionSuccess(t *testing.T) {
	m, f := setupManager(t)

	ran := false
	err := m.RunInTransaction(context.Background(), func(ctx context.Context) error {
		ran = true
		require.Equal(t, 1, m.Level())
		return nil
	})

	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, 0, m.Level())
	requireStatementPrefixes(t, f, "BEGIN", "COMMIT")
}

// TestRunInTransactionRollsBackAndPreservesError: the operation's error
// comes back unchanged, with the work rolled back.
func TestRunInTransactionRollsBackAndPreservesError(t *testing.T) {
	m, f := setupManager(t)
	boom := errors.New("business rule violated")

	err := m.RunInTransaction(context.Background(), func(ctx context.Context) error {
		return boom
	})

	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, m.Level())
	requireStatementPrefixes(t, f, "BEGIN", "ROLLBACK")
}

// TestRunInTransactionNests: inside an open transaction the wrapper works at
// savepoint level and an inner failure leaves the outer transaction open.
func TestRunInTransactionNests(t *testing.T) {
	m, f := setupManager(t)
	ctx := context.Background()
	boom := errors.New("inner failure")

	require.NoError(t, m.Begin(ctx))

	err := m.RunInTransaction(ctx, func(ctx context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, m.Level())

	require.NoError(t, m.Commit(ctx))
	requireStatementPrefixes(t, f,
		"BEGIN",
		"SAVEPOINT sp2_",
		"ROLLBACK TO SAVEPOINT sp2_",
		"RELEASE SAVEPOINT sp2_",
		"COMMIT",
	)
}

// TestRunInTransactionDetectsLeakedLevel: an operation that begins without
// committing is misnested; the wrapper unwinds instead of committing the
// wrong level.
func TestRunInTransactionDetectsLeakedLevel(t *testing.T) {
	m, f := setupManager(t)

	err := m.RunInTransaction(context.Background(), func(ctx context.Context) error {
		return m.Begin(ctx)
	})

	require.ErrorIs(t, err, ErrMisnestedTransaction)
	require.Equal(t, 0, m.Level())
	requireStatementPrefixes(t, f,
		"BEGIN",
		"SAVEPOINT sp2_",
		"ROLLBACK TO SAVEPOINT sp2_",
		"RELEASE SAVEPOINT sp2_",
		"ROLLBACK",
	)
}

// TestRunInTransactionDetectsStolenLevel: an operation that commits the
// wrapper's own level is misnested.
func TestRunInTransactionDetectsStolenLevel(t *testing.T) {
	m, _ := setupManager(t)

	err := m.RunInTransaction(context.Background(), func(ctx context.Context) error {
		return m.Commit(ctx)
	})

	require.ErrorIs(t, err, ErrMisnestedTransaction)
	require.Equal(t, 0, m.Level())
}

// TestRunInTransactionTxRejectsNestedConfigChange propagates the begin
// error without running the operation.
func TestRunInTransactionTxRejectsNestedConfigChange(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.BeginTx(ctx, &TxOptions{Isolation: isolation.RepeatableRead}))

	ran := false
	err := m.RunInTransactionTx(ctx, &TxOptions{Isolation: isolation.Serializable}, func(ctx context.Context) error {
		ran = true
		return nil
	})

	require.ErrorIs(t, err, ErrConfiguration)
	require.False(t, ran)
	require.Equal(t, 1, m.Level())
}

// TestStateResetAfterOutcome: a finished manager is reusable from scratch.
func TestStateResetAfterOutcome(t *testing.T) {
	m, f := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.BeginTx(ctx, &TxOptions{Isolation: isolation.Serializable, ReadOnly: true}))
	require.NoError(t, m.Rollback(ctx))

	require.Equal(t, 0, m.Level())
	require.False(t, m.ReadOnly())
	require.Equal(t, isolation.LevelUnset, m.IsolationLevel())
	require.False(t, f.InTransaction())

	require.NoError(t, m.Begin(ctx))
	require.False(t, m.ReadOnly())
	require.NoError(t, m.Commit(ctx))
}
