package dtc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lunoradb/txcore/core/resource"
	"github.com/lunoradb/txcore/core/resource/resourcetest"
)

// TestRecoverPendingFiltersByStaleness: postgres entries younger than the
// window are ignored, older ones reported.
func TestRecoverPendingFiltersByStaleness(t *testing.T) {
	coord := New(Config{
		CoordinatorID:     "rec",
		RecoveryProbeRate: 1000,
		StalenessWindow:   time.Minute,
	}, zap.NewNop(), nil)

	pg := resourcetest.New(resource.DriverPostgres)
	require.NoError(t, coord.AddParticipant("ledger", pg))

	stale := time.Now().Add(-10 * time.Minute)
	fresh := time.Now().Add(-5 * time.Second)
	pg.QueueQuery(
		[]any{"gtx-stale", stale},
		[]any{"gtx-fresh", fresh},
	)

	pending, err := coord.RecoverPendingTransactions(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "gtx-stale", pending[0].GlobalID)
	require.Equal(t, "ledger", pending[0].Participant)
	require.Equal(t, stale, pending[0].PreparedAt)
	require.Equal(t, []string{"SELECT gid, prepared FROM pg_prepared_xacts"}, pg.Statements())
}

// TestRecoverPendingMySQLReportsAll: XA RECOVER has no timestamps, so every
// entry is reported with a zero PreparedAt.
func TestRecoverPendingMySQLReportsAll(t *testing.T) {
	coord := New(Config{RecoveryProbeRate: 1000}, zap.NewNop(), nil)

	my := resourcetest.New(resource.DriverMySQL)
	require.NoError(t, coord.AddParticipant("orders", my))
	my.QueueQuery(
		[]any{int64(1), int64(9), int64(0), "txcore-17-abc"},
	)

	pending, err := coord.RecoverPendingTransactions(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "txcore-17-abc", pending[0].GlobalID)
	require.True(t, pending[0].PreparedAt.IsZero())
	require.Equal(t, []string{"XA RECOVER"}, my.Statements())
}

// TestRecoverPendingSkipsUnknownDrivers and keeps sweeping after a probe
// failure.
func TestRecoverPendingSkipsUnknownDrivers(t *testing.T) {
	coord := New(Config{RecoveryProbeRate: 1000, StalenessWindow: time.Minute}, zap.NewNop(), nil)

	lite := resourcetest.New(resource.DriverSQLite)
	broken := resourcetest.New(resource.DriverPostgres)
	broken.FailOnContains("pg_prepared_xacts", errors.New("permission denied"))
	pg := resourcetest.New(resource.DriverPostgres)
	pg.QueueQuery([]any{"gtx-1", time.Now().Add(-time.Hour)})

	require.NoError(t, coord.AddParticipant("cache", lite))
	require.NoError(t, coord.AddParticipant("broken", broken))
	require.NoError(t, coord.AddParticipant("ledger", pg))

	pending, err := coord.RecoverPendingTransactions(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "ledger", pending[0].Participant)
	require.Empty(t, lite.Statements())
}

// TestRecoverPendingHonorsContext: a canceled context stops the rate-limited
// sweep.
func TestRecoverPendingHonorsContext(t *testing.T) {
	coord := New(Config{RecoveryProbeRate: 1000}, zap.NewNop(), nil)
	require.NoError(t, coord.AddParticipant("p1", resourcetest.New(resource.DriverPostgres)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := coord.RecoverPendingTransactions(ctx)
	require.Error(t, err)
}
