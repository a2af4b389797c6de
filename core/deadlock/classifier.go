package deadlock

import (
	"errors"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/lunoradb/txcore/core/resource"
)

// Classifier decides whether an error is a transient concurrency conflict.
type Classifier struct {
	table *SignatureTable
}

// NewClassifier builds a classifier over table; nil means the built-in
// signatures.
func NewClassifier(table *SignatureTable) *Classifier {
	if table == nil {
		table = DefaultSignatures()
	}
	return &Classifier{table: table}
}

// Classify returns the conflict family of err. The structured (driver,
// code) signature is checked first; when the code is absent or unmapped the
// message substring heuristic decides.
func (c *Classifier) Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	if driver, code, ok := errorCode(err); ok {
		if kind, found := c.table.lookupCode(driver, code); found {
			return kind
		}
	}
	if kind, found := c.table.lookupMessage(err.Error()); found {
		return kind
	}
	return KindNone
}

// IsConflict reports whether err should be retried as a concurrency
// conflict.
func (c *Classifier) IsConflict(err error) bool {
	return c.Classify(err) != KindNone
}

// errorCode digs the structured (driver, code) pair out of err: the core's
// own *resource.Error first, then the native driver error types.
func errorCode(err error) (driver, code string, ok bool) {
	var rerr *resource.Error
	if errors.As(err, &rerr) && rerr.Code != "" {
		return rerr.Driver, rerr.Code, true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return resource.DriverMySQL, strconv.Itoa(int(myErr.Number)), true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return resource.DriverPostgres, string(pqErr.Code), true
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return resource.DriverSQLite, strconv.Itoa(int(liteErr.Code)), true
	}
	return "", "", false
}
