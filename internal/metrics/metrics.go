// Package metrics creates the OpenTelemetry instruments shared by the
// transaction core packages.
package metrics

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Instruments holds the counters for transaction lifecycle events.
type Instruments struct {
	TransactionsStarted    metric.Int64Counter
	TransactionsCommitted  metric.Int64Counter
	TransactionsRolledBack metric.Int64Counter
	SavepointsCreated      metric.Int64Counter
	SavepointsRolledBack   metric.Int64Counter
	ConflictRetries        metric.Int64Counter
	RetriesExhausted       metric.Int64Counter
	GlobalCommitted        metric.Int64Counter
	GlobalAborted          metric.Int64Counter
	CircuitOpens           metric.Int64Counter
}

// New creates and registers all the core's metric instruments on meter.
func New(meter metric.Meter) (*Instruments, error) {
	inst := &Instruments{}
	var err error

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&inst.TransactionsStarted, "txcore.txn.started_total", "Total real transactions begun."},
		{&inst.TransactionsCommitted, "txcore.txn.committed_total", "Total real transactions committed."},
		{&inst.TransactionsRolledBack, "txcore.txn.rolled_back_total", "Total real transactions rolled back."},
		{&inst.SavepointsCreated, "txcore.txn.savepoints_total", "Total savepoints created for nested begins."},
		{&inst.SavepointsRolledBack, "txcore.txn.savepoint_rollbacks_total", "Total rollbacks to a savepoint."},
		{&inst.ConflictRetries, "txcore.retry.conflicts_total", "Total operations retried after a concurrency conflict."},
		{&inst.RetriesExhausted, "txcore.retry.exhausted_total", "Total conflict retry loops that gave up."},
		{&inst.GlobalCommitted, "txcore.dtc.committed_total", "Total global transactions committed."},
		{&inst.GlobalAborted, "txcore.dtc.aborted_total", "Total global transactions aborted."},
		{&inst.CircuitOpens, "txcore.patterns.circuit_opened_total", "Total circuit breaker trips."},
	}
	for _, c := range counters {
		*c.target, err = meter.Int64Counter(
			c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit("1"),
		)
		if err != nil {
			return nil, err
		}
	}
	return inst, nil
}

var (
	defaultOnce sync.Once
	defaultInst *Instruments
)

// Default returns process-wide instruments bound to the global meter
// provider. The binding happens on first use, so telemetry should be
// initialized before the first Manager or Coordinator is constructed;
// otherwise the instruments stay on the no-op provider.
func Default() *Instruments {
	defaultOnce.Do(func() {
		inst, err := New(otel.GetMeterProvider().Meter("txcore"))
		if err != nil {
			otel.Handle(err)
			inst, _ = New(noop.NewMeterProvider().Meter("txcore"))
		}
		defaultInst = inst
	})
	return defaultInst
}
