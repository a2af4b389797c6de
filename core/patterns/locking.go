package patterns

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lunoradb/txcore/core/resource"
	"github.com/lunoradb/txcore/core/txn"
)

// OptimisticLockError reports a version check that found the row modified
// since the caller read it.
type OptimisticLockError struct {
	Table    string
	ID       any
	Expected int64
	Actual   int64
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("patterns: optimistic lock on %s id=%v: expected version %d, found %d",
		e.Table, e.ID, e.Expected, e.Actual)
}

// UpdateWithVersion writes data to the row of table whose id column matches
// id, guarded by an optimistic version check. Inside a transaction it takes
// a locking read of the row's version column; a mismatch against
// expectedVersion fails with *OptimisticLockError, otherwise the row is
// updated with version = expectedVersion + 1. Generated column order is
// deterministic, so statement caches and tests see stable SQL.
func UpdateWithVersion(ctx context.Context, mgr *txn.Manager, table string, id any, data map[string]any, expectedVersion int64) error {
	if len(data) == 0 {
		return errors.New("patterns: no columns to update")
	}
	res := mgr.Resource()
	driver := res.DriverName()
	return mgr.RunInTransaction(ctx, func(ctx context.Context) error {
		read := rebind(driver, "SELECT version FROM "+table+" WHERE id = ?"+lockClause(driver))
		var actual int64
		if err := res.QueryRow(ctx, read, id).Scan(&actual); err != nil {
			return fmt.Errorf("patterns: reading %s version: %w", table, err)
		}
		if actual != expectedVersion {
			return &OptimisticLockError{Table: table, ID: id, Expected: expectedVersion, Actual: actual}
		}

		columns := make([]string, 0, len(data))
		for col := range data {
			columns = append(columns, col)
		}
		sort.Strings(columns)

		var b strings.Builder
		args := make([]any, 0, len(columns)+3)
		b.WriteString("UPDATE " + table + " SET ")
		for _, col := range columns {
			b.WriteString(col + " = ?, ")
			args = append(args, data[col])
		}
		b.WriteString("version = ? WHERE id = ? AND version = ?")
		args = append(args, expectedVersion+1, id, expectedVersion)

		if err := res.Exec(ctx, rebind(driver, b.String()), args...); err != nil {
			return fmt.Errorf("patterns: updating %s: %w", table, err)
		}
		return nil
	})
}

// WithLock opens a transaction, takes row locks on ids in table with a
// locking read, then runs op against the transactional resource. Commit and
// rollback follow the usual RunInTransaction rules.
func WithLock(ctx context.Context, mgr *txn.Manager, table string, ids []any, op func(ctx context.Context, res resource.Resource) error) error {
	if len(ids) == 0 {
		return errors.New("patterns: withLock requires at least one id")
	}
	res := mgr.Resource()
	driver := res.DriverName()
	return mgr.RunInTransaction(ctx, func(ctx context.Context) error {
		query := rebind(driver, "SELECT id FROM "+table+" WHERE id IN ("+placeholders(len(ids))+")"+lockClause(driver))
		rows, err := res.Query(ctx, query, ids...)
		if err != nil {
			return fmt.Errorf("patterns: locking rows in %s: %w", table, err)
		}
		for rows.Next() {
			// drained for the side effect: the read exists only to take locks
		}
		err = rows.Err()
		if cerr := rows.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("patterns: locking rows in %s: %w", table, err)
		}
		return op(ctx, res)
	})
}

// lockClause returns the dialect's locking-read suffix. SQLite has no
// FOR UPDATE; its single-writer lock already serializes row access.
func lockClause(driver string) string {
	if driver == resource.DriverSQLite {
		return ""
	}
	return " FOR UPDATE"
}

// rebind translates ? placeholders into the $N form postgres expects.
func rebind(driver, query string) string {
	if driver != resource.DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
