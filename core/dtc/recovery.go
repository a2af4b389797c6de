package dtc

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lunoradb/txcore/core/resource"
)

// PendingTransaction is a prepared transaction the recovery sweep found on
// a participant. PreparedAt is zero when the engine does not expose it.
type PendingTransaction struct {
	Participant string
	GlobalID    string
	PreparedAt  time.Time
}

// RecoverPendingTransactions sweeps every participant for locally-known
// prepared transactions older than the staleness window. The sweep is
// diagnostic: it reports what it finds and resolves nothing, leaving the
// commit-or-abort decision to an operator. Probes are rate limited so a
// recovery job cannot hammer production databases.
func (c *Coordinator) RecoverPendingTransactions(ctx context.Context) ([]PendingTransaction, error) {
	var found []PendingTransaction
	for _, name := range c.names {
		if err := c.limiter.Wait(ctx); err != nil {
			return found, err
		}
		pending, err := c.probePending(ctx, name, c.resources[name])
		if err != nil {
			c.logger.Warn("recovery probe failed",
				zap.String("participant", name),
				zap.Error(err),
			)
			continue
		}
		found = append(found, pending...)
	}
	if len(found) > 0 {
		c.logger.Warn("recovery sweep found pending transactions", zap.Int("count", len(found)))
	}
	return found, nil
}

func (c *Coordinator) probePending(ctx context.Context, name string, res resource.Resource) ([]PendingTransaction, error) {
	switch res.DriverName() {
	case resource.DriverPostgres:
		return c.probePostgres(ctx, name, res)
	case resource.DriverMySQL:
		return c.probeMySQL(ctx, name, res)
	default:
		c.logger.Debug("recovery probe has no dialect for driver",
			zap.String("participant", name),
			zap.String("driver", res.DriverName()),
		)
		return nil, nil
	}
}

func (c *Coordinator) probePostgres(ctx context.Context, name string, res resource.Resource) ([]PendingTransaction, error) {
	rows, err := res.Query(ctx, "SELECT gid, prepared FROM pg_prepared_xacts")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingTransaction
	for rows.Next() {
		var gid string
		var prepared time.Time
		if err := rows.Scan(&gid, &prepared); err != nil {
			return nil, err
		}
		if time.Since(prepared) < c.cfg.StalenessWindow {
			continue
		}
		out = append(out, PendingTransaction{Participant: name, GlobalID: gid, PreparedAt: prepared})
	}
	return out, rows.Err()
}

// probeMySQL lists XA RECOVER output. mysql exposes no prepare timestamp,
// so every entry is reported regardless of the staleness window.
func (c *Coordinator) probeMySQL(ctx context.Context, name string, res resource.Resource) ([]PendingTransaction, error) {
	rows, err := res.Query(ctx, "XA RECOVER")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingTransaction
	for rows.Next() {
		var formatID, gtridLen, bqualLen int64
		var data string
		if err := rows.Scan(&formatID, &gtridLen, &bqualLen, &data); err != nil {
			return nil, err
		}
		out = append(out, PendingTransaction{Participant: name, GlobalID: data})
	}
	return out, rows.Err()
}
