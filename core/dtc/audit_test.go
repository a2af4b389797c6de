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

func testEvent() Event {
	return Event{
		ID:          "ev-1",
		GlobalID:    "test-1-abcd1234",
		Coordinator: "test",
		Participant: "p1",
		Kind:        EventPrepared,
		Phase:       PhasePreparing,
		At:          time.Now(),
	}
}

// TestSQLAuditSinkWritesRow pins the insert shape: one row, all eight
// columns bound.
func TestSQLAuditSinkWritesRow(t *testing.T) {
	f := resourcetest.New(resource.DriverMySQL)
	sink := NewSQLAuditSink(f, "", zap.NewNop())

	require.NoError(t, sink.Record(context.Background(), testEvent()))

	calls := f.Calls()
	require.Len(t, calls, 1)
	require.Contains(t, calls[0].Query, "INSERT INTO dtc_audit_log")
	require.Len(t, calls[0].Args, 8)
	require.Equal(t, "ev-1", calls[0].Args[0])
	require.Equal(t, "prepared", calls[0].Args[4])
	require.Equal(t, "PREPARING", calls[0].Args[5])
}

// TestSQLAuditSinkRetriesTransientFailures: a persistently failing write is
// retried with backoff and eventually surfaced.
func TestSQLAuditSinkRetriesTransientFailures(t *testing.T) {
	f := resourcetest.New(resource.DriverMySQL)
	f.FailOnContains("INSERT", errors.New("table is locked"))

	sink := NewSQLAuditSink(f, "audit_events", zap.NewNop())
	sink.maxRetries = 2
	sink.initialInterval = time.Millisecond

	err := sink.Record(context.Background(), testEvent())
	require.Error(t, err)
	require.Len(t, f.Calls(), 3)
}

// TestSQLAuditSinkRecoversMidway: the retry loop succeeds once the failure
// clears.
func TestSQLAuditSinkRecoversMidway(t *testing.T) {
	f := resourcetest.New(resource.DriverMySQL)
	f.FailOnContainsN("INSERT", errors.New("table is locked"), 2)

	sink := NewSQLAuditSink(f, "audit_events", zap.NewNop())
	sink.maxRetries = 5
	sink.initialInterval = time.Millisecond

	require.NoError(t, sink.Record(context.Background(), testEvent()))
	require.Len(t, f.Calls(), 3)
}

// TestNopSink.
func TestNopSink(t *testing.T) {
	require.NoError(t, NopSink{}.Record(context.Background(), Event{}))
}
