package deadlock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lunoradb/txcore/core/resource"
	"github.com/lunoradb/txcore/core/txn"
	"github.com/lunoradb/txcore/internal/metrics"
)

// Policy bounds the retry loop. The zero value takes the defaults.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt, so an
	// always-failing operation runs MaxRetries+1 times.
	MaxRetries int `yaml:"max_retries"`
	// BaseDelay is the pre-jitter backoff for the first retry; attempt n
	// waits BaseDelay * 2^n.
	BaseDelay time.Duration `yaml:"base_delay"`
}

// DefaultPolicy returns the standard 3 retries / 100ms base.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond}
}

func (p *Policy) setDefaults() {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
}

// Delay returns the pre-jitter backoff for a 0-based attempt:
// BaseDelay * 2^attempt. Pure and monotonic.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseDelay
	}
	if attempt > 32 {
		attempt = 32
	}
	return p.BaseDelay << uint(attempt)
}

// Handler retries conflict-classified failures with exponential backoff and
// at most 10% one-sided jitter. Any other failure is returned immediately
// and unchanged, so callers keep errors.Is/As diagnostics.
type Handler struct {
	policy     Policy
	classifier *Classifier
	logger     *zap.Logger
	inst       *metrics.Instruments

	mu  sync.Mutex
	rng *rand.Rand

	// sleep is swapped out by tests to observe delays without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewHandler builds a Handler. A nil classifier uses the built-in
// signatures; a nil logger is replaced with a no-op one.
func NewHandler(policy Policy, classifier *Classifier, logger *zap.Logger) *Handler {
	policy.setDefaults()
	if classifier == nil {
		classifier = NewClassifier(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		policy:     policy,
		classifier: classifier,
		logger:     logger,
		inst:       metrics.Default(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	h.sleep = sleepBackoff
	return h
}

// Policy returns the handler's effective retry policy.
func (h *Handler) Policy() Policy { return h.policy }

// IsConflict exposes the handler's classifier decision.
func (h *Handler) IsConflict(err error) bool { return h.classifier.IsConflict(err) }

// WithRetry runs op up to MaxRetries+1 times. The operation must be
// idempotent or transactionally isolated: a failed attempt may have
// partially executed before the conflict surfaced. On a context
// cancellation during backoff the original conflict error is returned, not
// ctx.Err().
func (h *Handler) WithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		kind := h.classifier.Classify(err)
		if kind == KindNone {
			return err
		}
		if attempt == h.policy.MaxRetries {
			h.inst.RetriesExhausted.Add(ctx, 1)
			h.logger.Warn("conflict retries exhausted",
				zap.Int("attempts", attempt+1),
				zap.Stringer("kind", kind),
				zap.Error(err),
			)
			return err
		}
		delay := h.jittered(h.policy.Delay(attempt))
		h.inst.ConflictRetries.Add(ctx, 1)
		h.logger.Debug("retrying after conflict",
			zap.Int("attempt", attempt),
			zap.Stringer("kind", kind),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if sleepErr := h.sleep(ctx, delay); sleepErr != nil {
			h.logger.Warn("backoff interrupted", zap.Error(sleepErr))
			return err
		}
	}
}

// TransactionalWithRetry composes WithRetry with RunInTransaction so every
// attempt redoes the unit of work in a fresh transaction. A rolled-back
// transaction is never reused.
func (h *Handler) TransactionalWithRetry(ctx context.Context, mgr *txn.Manager, fn func(ctx context.Context) error) error {
	return h.WithRetry(ctx, func(ctx context.Context) error {
		return mgr.RunInTransaction(ctx, fn)
	})
}

// ConfigureLockTimeout applies a session-level lock-wait ceiling. Best
// effort: drivers without a dialect and failed statements are logged and
// ignored rather than failing the caller.
func (h *Handler) ConfigureLockTimeout(ctx context.Context, res resource.Resource, d time.Duration) {
	var stmt string
	switch res.DriverName() {
	case resource.DriverMySQL:
		stmt = fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", int(d.Seconds()))
	case resource.DriverPostgres:
		stmt = fmt.Sprintf("SET lock_timeout = %d", d.Milliseconds())
	case resource.DriverSQLite:
		stmt = fmt.Sprintf("PRAGMA busy_timeout = %d", d.Milliseconds())
	default:
		h.logger.Warn("lock timeout not configurable", zap.String("driver", res.DriverName()))
		return
	}
	if err := res.Exec(ctx, stmt); err != nil {
		h.logger.Warn("configuring lock timeout failed",
			zap.String("driver", res.DriverName()),
			zap.Error(err),
		)
	}
}

// jittered adds uniform(0, d/10) on top of the deterministic delay so
// colliding transactions do not retry in lockstep.
func (h *Handler) jittered(d time.Duration) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return d + time.Duration(h.rng.Int63n(int64(d)/10+1))
}

func sleepBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WithRetryValue is WithRetry for operations that produce a value.
func WithRetryValue[T any](ctx context.Context, h *Handler, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := h.WithRetry(ctx, func(ctx context.Context) error {
		v, opErr := op(ctx)
		if opErr != nil {
			return opErr
		}
		out = v
		return nil
	})
	return out, err
}
