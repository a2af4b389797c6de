package dtc

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lunoradb/txcore/core/resource"
)

// EventKind names an audit trail entry.
type EventKind string

const (
	EventBegin        EventKind = "begin"
	EventPrepared     EventKind = "prepared"
	EventCommitted    EventKind = "committed"
	EventCommitFailed EventKind = "commit_failed"
	EventAborted      EventKind = "aborted"
)

// Event is one audit record for a global transaction. Participant is empty
// for global-scope events.
type Event struct {
	ID          string
	GlobalID    string
	Coordinator string
	Participant string
	Kind        EventKind
	Phase       Phase
	Detail      string
	At          time.Time
}

// AuditSink receives the two-phase commit audit trail. Sinks must never
// fail the transaction they observe; the coordinator logs and drops Record
// errors.
type AuditSink interface {
	Record(ctx context.Context, ev Event) error
}

// NopSink discards events. It is the default sink.
type NopSink struct{}

func (NopSink) Record(context.Context, Event) error { return nil }

// SQLAuditSink appends events to an audit table. It owns its resource
// connection (never one enlisted in a transaction) and retries transient
// write failures with capped exponential backoff before giving up.
type SQLAuditSink struct {
	res    resource.Resource
	table  string
	logger *zap.Logger

	maxRetries      uint64
	initialInterval time.Duration
}

// NewSQLAuditSink writes events to table (default "dtc_audit_log") over res.
func NewSQLAuditSink(res resource.Resource, table string, logger *zap.Logger) *SQLAuditSink {
	if table == "" {
		table = "dtc_audit_log"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLAuditSink{
		res:             res,
		table:           table,
		logger:          logger,
		maxRetries:      3,
		initialInterval: 50 * time.Millisecond,
	}
}

func (s *SQLAuditSink) Record(ctx context.Context, ev Event) error {
	insert := fmt.Sprintf(
		"INSERT INTO %s (event_id, global_id, coordinator_id, participant, kind, phase, detail, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		s.table,
	)
	write := func() error {
		return s.res.Exec(ctx, insert,
			ev.ID, ev.GlobalID, ev.Coordinator, ev.Participant,
			string(ev.Kind), ev.Phase.String(), ev.Detail, ev.At,
		)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initialInterval
	if err := backoff.Retry(write, backoff.WithContext(backoff.WithMaxRetries(bo, s.maxRetries), ctx)); err != nil {
		return fmt.Errorf("dtc: audit write to %s: %w", s.table, err)
	}
	return nil
}
