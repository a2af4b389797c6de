// Package dtc coordinates all-or-nothing commits across independently
// transactional resources using classic two-phase commit. Each participant
// gets its own local transaction manager; the coordinator sequences
// begin/prepare/commit in enlistment order and aborts in reverse order, so
// failure scenarios replay deterministically.
package dtc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lunoradb/txcore/core/resource"
	"github.com/lunoradb/txcore/core/txn"
	"github.com/lunoradb/txcore/internal/metrics"
)

// Phase tracks a global transaction through the protocol. Phases only move
// forward, except that a failure forces ABORTING from any non-terminal
// phase.
type Phase int

const (
	PhaseActive Phase = iota
	PhasePreparing
	PhasePrepared
	PhaseCommitting
	PhaseCommitted
	PhaseAborting
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "ACTIVE"
	case PhasePreparing:
		return "PREPARING"
	case PhasePrepared:
		return "PREPARED"
	case PhaseCommitting:
		return "COMMITTING"
	case PhaseCommitted:
		return "COMMITTED"
	case PhaseAborting:
		return "ABORTING"
	case PhaseAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("PHASE(%d)", int(p))
	}
}

// State is a participant's position in the protocol.
type State int

const (
	StateActive State = iota
	StatePrepared
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StatePrepared:
		return "PREPARED"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Participant is one enlisted resource inside a global transaction.
type Participant struct {
	Name               string
	LocalTransactionID string
	State              State

	res resource.Resource
	mgr *txn.Manager
}

// GlobalTransaction records one two-phase commit run. It is created per
// distributed unit of work and discarded after reaching a terminal phase.
type GlobalTransaction struct {
	ID        string
	Phase     Phase
	StartedAt time.Time

	participants []*Participant
}

// Participants returns the participants in enlistment order.
func (g *GlobalTransaction) Participants() []*Participant {
	out := make([]*Participant, len(g.participants))
	copy(out, g.participants)
	return out
}

// Participant returns the named participant, or nil.
func (g *GlobalTransaction) Participant(name string) *Participant {
	for _, p := range g.participants {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Operation is one participant's share of a distributed unit of work. It
// runs inside that participant's open local transaction.
type Operation func(ctx context.Context, res resource.Resource) (any, error)

// Config configures a Coordinator. Zero values take the defaults.
type Config struct {
	// CoordinatorID prefixes every global transaction id.
	CoordinatorID string `yaml:"coordinator_id"`
	// RecoveryProbeRate bounds recovery-sweep probes per second.
	RecoveryProbeRate float64 `yaml:"recovery_probe_rate"`
	// StalenessWindow is how old a prepared transaction must be before the
	// recovery sweep reports it.
	StalenessWindow time.Duration `yaml:"staleness_window"`
}

func (c *Config) setDefaults() {
	if c.CoordinatorID == "" {
		c.CoordinatorID = "txcore"
	}
	if c.RecoveryProbeRate <= 0 {
		c.RecoveryProbeRate = 5
	}
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = 5 * time.Minute
	}
}

// Coordinator runs two-phase commits over its enlisted participants. Like
// the local manager it assumes a single logical caller; enlist everything
// up front, then Run per unit of work.
type Coordinator struct {
	cfg     Config
	logger  *zap.Logger
	inst    *metrics.Instruments
	audit   AuditSink
	limiter *rate.Limiter

	names     []string
	resources map[string]resource.Resource
}

// New builds a Coordinator. A nil sink discards audit events; a nil logger
// is replaced with a no-op one.
func New(cfg Config, logger *zap.Logger, sink AuditSink) *Coordinator {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Coordinator{
		cfg:       cfg,
		logger:    logger.With(zap.String("coordinator", cfg.CoordinatorID)),
		inst:      metrics.Default(),
		audit:     sink,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RecoveryProbeRate), 1),
		resources: map[string]resource.Resource{},
	}
}

// AddParticipant enlists res under name. Enlistment order is commit order;
// abort runs in reverse.
func (c *Coordinator) AddParticipant(name string, res resource.Resource) error {
	if _, ok := c.resources[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateParticipant, name)
	}
	c.names = append(c.names, name)
	c.resources[name] = res
	return nil
}

// ParticipantNames returns the enlisted names in enlistment order.
func (c *Coordinator) ParticipantNames() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Run executes one distributed unit of work: begin a local transaction per
// participant, run its operation, and when every participant prepared,
// commit them all in enlistment order. Any failure before the commit phase
// aborts every begun participant in reverse enlistment order and returns a
// DistributedTransactionError wrapping the cause.
//
// ops must supply exactly one Operation per enlisted participant; the
// mapping is validated before anything begins.
//
// The returned GlobalTransaction reports the final phase and per-participant
// states, on success and on failure alike.
func (c *Coordinator) Run(ctx context.Context, ops map[string]Operation) (map[string]any, *GlobalTransaction, error) {
	if len(c.names) == 0 {
		return nil, nil, ErrNoParticipants
	}
	if err := c.validateOps(ops); err != nil {
		return nil, nil, err
	}

	gtx := c.newGlobalTransaction()
	c.logger.Info("global transaction started",
		zap.String("global_id", gtx.ID),
		zap.Int("participants", len(gtx.participants)),
	)
	c.record(ctx, gtx, EventBegin, "", nil)

	results := make(map[string]any, len(gtx.participants))

	// Phase 1: open each local transaction and run its operation.
	gtx.Phase = PhasePreparing
	for _, p := range gtx.participants {
		if err := p.mgr.Begin(ctx); err != nil {
			return nil, gtx, c.abort(ctx, gtx, fmt.Errorf("begin on %s: %w", p.Name, err))
		}
		p.LocalTransactionID = uuid.NewString()

		out, err := ops[p.Name](ctx, p.res)
		if err != nil {
			return nil, gtx, c.abort(ctx, gtx, fmt.Errorf("operation on %s: %w", p.Name, err))
		}
		if !p.res.InTransaction() {
			return nil, gtx, c.abort(ctx, gtx, &TransactionLostError{Participant: p.Name})
		}
		p.State = StatePrepared
		results[p.Name] = out
		c.record(ctx, gtx, EventPrepared, p.Name, nil)
		c.logger.Debug("participant prepared",
			zap.String("global_id", gtx.ID),
			zap.String("participant", p.Name),
			zap.String("local_txn_id", p.LocalTransactionID),
		)
	}
	gtx.Phase = PhasePrepared

	// Phase 2: commit in enlistment order. A failure here is the classic
	// 2PC caveat: the failed participant stays PREPARED for the recovery
	// sweep while the remaining ones are still committed.
	gtx.Phase = PhaseCommitting
	var failed []string
	var commitErr error
	for _, p := range gtx.participants {
		if err := p.mgr.Commit(ctx); err != nil {
			failed = append(failed, p.Name)
			if commitErr == nil {
				commitErr = err
			}
			c.record(ctx, gtx, EventCommitFailed, p.Name, err)
			c.logger.Error("participant commit failed; left prepared",
				zap.String("global_id", gtx.ID),
				zap.String("participant", p.Name),
				zap.Error(err),
			)
			continue
		}
		p.State = StateCommitted
		c.record(ctx, gtx, EventCommitted, p.Name, nil)
	}
	if len(failed) > 0 {
		gtx.Phase = PhaseAborted
		c.inst.GlobalAborted.Add(ctx, 1)
		derr := &DistributedTransactionError{GlobalID: gtx.ID, Phase: PhaseCommitting, Participants: failed, Err: commitErr}
		c.record(ctx, gtx, EventAborted, "", derr)
		return results, gtx, derr
	}

	gtx.Phase = PhaseCommitted
	c.inst.GlobalCommitted.Add(ctx, 1)
	c.record(ctx, gtx, EventCommitted, "", nil)
	c.logger.Info("global transaction committed", zap.String("global_id", gtx.ID))
	return results, gtx, nil
}

// abort rolls back every begun participant in reverse enlistment order,
// marks all participants aborted, and wraps cause for the caller.
func (c *Coordinator) abort(ctx context.Context, gtx *GlobalTransaction, cause error) error {
	gtx.Phase = PhaseAborting
	for i := len(gtx.participants) - 1; i >= 0; i-- {
		p := gtx.participants[i]
		if p.mgr.Active() {
			if err := p.mgr.Rollback(ctx); err != nil {
				c.logger.Error("rollback failed during abort",
					zap.String("global_id", gtx.ID),
					zap.String("participant", p.Name),
					zap.Error(err),
				)
			}
		}
		p.State = StateAborted
	}
	gtx.Phase = PhaseAborted
	c.inst.GlobalAborted.Add(ctx, 1)
	c.record(ctx, gtx, EventAborted, "", cause)
	c.logger.Warn("global transaction aborted",
		zap.String("global_id", gtx.ID),
		zap.Error(cause),
	)
	return &DistributedTransactionError{
		GlobalID:     gtx.ID,
		Phase:        PhaseAborting,
		Participants: c.ParticipantNames(),
		Err:          cause,
	}
}

func (c *Coordinator) validateOps(ops map[string]Operation) error {
	for _, name := range c.names {
		if op, ok := ops[name]; !ok || op == nil {
			return fmt.Errorf("dtc: no operation for participant %s", name)
		}
	}
	for name := range ops {
		if _, ok := c.resources[name]; !ok {
			return fmt.Errorf("dtc: operation for unknown participant %s", name)
		}
	}
	return nil
}

func (c *Coordinator) newGlobalTransaction() *GlobalTransaction {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	now := time.Now()
	g := &GlobalTransaction{
		ID:        fmt.Sprintf("%s-%d-%s", c.cfg.CoordinatorID, now.UnixMilli(), suffix),
		Phase:     PhaseActive,
		StartedAt: now,
	}
	for _, name := range c.names {
		res := c.resources[name]
		g.participants = append(g.participants, &Participant{
			Name: name,
			res:  res,
			mgr:  txn.NewManager(res, c.logger.With(zap.String("participant", name))),
		})
	}
	return g
}

// record sends an audit event, logging and dropping sink failures: the
// audit trail must never change a transaction's outcome.
func (c *Coordinator) record(ctx context.Context, gtx *GlobalTransaction, kind EventKind, participant string, cause error) {
	ev := Event{
		ID:          uuid.NewString(),
		GlobalID:    gtx.ID,
		Coordinator: c.cfg.CoordinatorID,
		Participant: participant,
		Kind:        kind,
		Phase:       gtx.Phase,
		At:          time.Now(),
	}
	if cause != nil {
		ev.Detail = cause.Error()
	}
	if err := c.audit.Record(ctx, ev); err != nil {
		c.logger.Warn("audit event dropped",
			zap.String("global_id", gtx.ID),
			zap.String("event_kind", string(kind)),
			zap.Error(err),
		)
	}
}
