package patterns

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lunoradb/txcore/internal/metrics"
)

// ErrCircuitOpen rejects calls while a circuit is cooling down.
var ErrCircuitOpen = errors.New("patterns: circuit open")

// CircuitState is the lifecycle of a named circuit.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("CircuitState(%d)", int(s))
	}
}

// CircuitConfig tunes every circuit in a registry.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

func (c *CircuitConfig) setDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
}

type circuit struct {
	state       CircuitState
	failures    int
	lastFailure time.Time
	probing     bool
}

// CircuitRegistry tracks named circuits, created lazily on first use. A
// registry is owned by the caller's composition root and handed to whatever
// needs fail-fast protection; there is no process-wide instance. Safe for
// concurrent use.
type CircuitRegistry struct {
	cfg    CircuitConfig
	logger *zap.Logger
	inst   *metrics.Instruments
	now    func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

func NewCircuitRegistry(cfg CircuitConfig, logger *zap.Logger) *CircuitRegistry {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitRegistry{
		cfg:      cfg,
		logger:   logger,
		inst:     metrics.Default(),
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
}

// Do runs op through the named circuit. While the circuit is open, calls
// fail immediately with ErrCircuitOpen and op is never invoked. Once the
// cooldown elapses, a single trial call probes the operation; its outcome
// decides whether the circuit closes again or re-opens.
func (r *CircuitRegistry) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	if err := r.admit(name); err != nil {
		return err
	}
	err := op(ctx)
	r.observe(ctx, name, err)
	return err
}

// State reports the recorded state of the named circuit. An open circuit
// stays OPEN until a call after the cooldown moves it to HALF_OPEN; the
// clock alone never transitions state.
func (r *CircuitRegistry) State(name string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[name]
	if !ok {
		return CircuitClosed
	}
	return c.state
}

func (r *CircuitRegistry) admit(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.get(name)
	switch c.state {
	case CircuitOpen:
		if r.now().Sub(c.lastFailure) < r.cfg.Cooldown {
			return fmt.Errorf("%w: %s", ErrCircuitOpen, name)
		}
		c.state = CircuitHalfOpen
		c.probing = true
		r.logger.Info("circuit half-open, probing", zap.String("circuit", name))
		return nil
	case CircuitHalfOpen:
		if c.probing {
			return fmt.Errorf("%w: %s (probe in flight)", ErrCircuitOpen, name)
		}
		c.probing = true
		return nil
	default:
		return nil
	}
}

func (r *CircuitRegistry) observe(ctx context.Context, name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.get(name)
	if err == nil {
		if c.state != CircuitClosed {
			r.logger.Info("circuit closed", zap.String("circuit", name))
		}
		c.state = CircuitClosed
		c.failures = 0
		c.probing = false
		return
	}
	c.lastFailure = r.now()
	if c.state == CircuitHalfOpen {
		c.state = CircuitOpen
		c.probing = false
		r.inst.CircuitOpens.Add(ctx, 1)
		r.logger.Warn("circuit reopened after failed probe",
			zap.String("circuit", name),
			zap.Error(err),
		)
		return
	}
	c.failures++
	if c.state == CircuitClosed && c.failures >= r.cfg.FailureThreshold {
		c.state = CircuitOpen
		r.inst.CircuitOpens.Add(ctx, 1)
		r.logger.Warn("circuit opened",
			zap.String("circuit", name),
			zap.Int("failures", c.failures),
			zap.Error(err),
		)
	}
}

// get must be called with the lock held.
func (r *CircuitRegistry) get(name string) *circuit {
	c, ok := r.circuits[name]
	if !ok {
		c = &circuit{state: CircuitClosed}
		r.circuits[name] = c
	}
	return c
}
