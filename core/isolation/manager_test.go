package isolation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lunoradb/txcore/core/resource"
	"github.com/lunoradb/txcore/core/resource/resourcetest"
)

// TestCurrentMySQL probes @@transaction_isolation and normalizes mysql's
// dashed spelling.
func TestCurrentMySQL(t *testing.T) {
	f := resourcetest.New(resource.DriverMySQL)
	f.QueueRow("REPEATABLE-READ")
	m := NewManager(zap.NewNop())

	level, err := m.Current(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, RepeatableRead, level)
	require.Equal(t, []string{"SELECT @@transaction_isolation"}, f.Statements())
}

// TestCurrentPostgres probes SHOW transaction_isolation.
func TestCurrentPostgres(t *testing.T) {
	f := resourcetest.New(resource.DriverPostgres)
	f.QueueRow("read committed")
	m := NewManager(zap.NewNop())

	level, err := m.Current(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, ReadCommitted, level)
	require.Equal(t, []string{"SHOW transaction_isolation"}, f.Statements())
}

// TestCurrentSQLite maps the read_uncommitted pragma onto the two levels
// sqlite actually offers.
func TestCurrentSQLite(t *testing.T) {
	f := resourcetest.New(resource.DriverSQLite)
	m := NewManager(zap.NewNop())

	f.QueueRow(0)
	level, err := m.Current(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, Serializable, level)

	f.QueueRow(1)
	level, err = m.Current(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, ReadUncommitted, level)
}

// TestCurrentUnknownDriver surfaces ErrUnknownDriver instead of guessing.
func TestCurrentUnknownDriver(t *testing.T) {
	f := resourcetest.New("oracle")
	m := NewManager(zap.NewNop())

	_, err := m.Current(context.Background(), f)
	require.ErrorIs(t, err, ErrUnknownDriver)
}

// TestSetIssuesDialectStatement pins the session-level SET statement per
// driver.
func TestSetIssuesDialectStatement(t *testing.T) {
	m := NewManager(zap.NewNop())
	ctx := context.Background()

	mysql := resourcetest.New(resource.DriverMySQL)
	require.NoError(t, m.Set(ctx, mysql, Serializable))
	require.Equal(t, []string{"SET SESSION TRANSACTION ISOLATION LEVEL SERIALIZABLE"}, mysql.Statements())

	pg := resourcetest.New(resource.DriverPostgres)
	require.NoError(t, m.Set(ctx, pg, RepeatableRead))
	require.Equal(t, []string{"SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL REPEATABLE READ"}, pg.Statements())

	lite := resourcetest.New(resource.DriverSQLite)
	require.NoError(t, m.Set(ctx, lite, ReadUncommitted))
	require.NoError(t, m.Set(ctx, lite, Serializable))
	require.Equal(t, []string{"PRAGMA read_uncommitted = 1", "PRAGMA read_uncommitted = 0"}, lite.Statements())
}

// TestSetUnsupportedLevel verifies sqlite rejects the levels it cannot
// provide with a typed error naming both sides.
func TestSetUnsupportedLevel(t *testing.T) {
	m := NewManager(zap.NewNop())
	f := resourcetest.New(resource.DriverSQLite)

	err := m.Set(context.Background(), f, RepeatableRead)

	var uerr *UnsupportedLevelError
	require.ErrorAs(t, err, &uerr)
	require.Equal(t, resource.DriverSQLite, uerr.Driver)
	require.Equal(t, RepeatableRead, uerr.Level)
	require.Empty(t, f.Statements())
}
