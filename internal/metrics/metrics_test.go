package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

// TestNewCreatesAllInstruments verifies every counter is registered and
// usable against a bare meter.
func TestNewCreatesAllInstruments(t *testing.T) {
	inst, err := New(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	require.NotNil(t, inst.TransactionsStarted)
	require.NotNil(t, inst.TransactionsCommitted)
	require.NotNil(t, inst.TransactionsRolledBack)
	require.NotNil(t, inst.SavepointsCreated)
	require.NotNil(t, inst.SavepointsRolledBack)
	require.NotNil(t, inst.ConflictRetries)
	require.NotNil(t, inst.RetriesExhausted)
	require.NotNil(t, inst.GlobalCommitted)
	require.NotNil(t, inst.GlobalAborted)
	require.NotNil(t, inst.CircuitOpens)
}

// TestDefaultIsSingleton checks the process-wide instruments are built once.
func TestDefaultIsSingleton(t *testing.T) {
	require.Same(t, Default(), Default())
}
