// Package resource defines the transactional resource boundary the
// transaction core operates against: a single database connection that can
// begin, commit, and roll back transactions, execute statements, and report
// failures with structured driver error codes.
package resource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Driver names shared by the adapters, the isolation dialects, and the
// conflict signature tables.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

var (
	// ErrAlreadyInTransaction is returned by Begin when a transaction is
	// already open on the connection.
	ErrAlreadyInTransaction = errors.New("resource: transaction already open")
	// ErrNoTransaction is returned by Commit/Rollback when no transaction
	// is open on the connection.
	ErrNoTransaction = errors.New("resource: no open transaction")
)

// TxOptions carries the settings applied when a real transaction is opened.
// They must be in effect before the first statement executes; engines reject
// changing them mid-transaction.
type TxOptions struct {
	// Isolation uses database/sql levels so adapters can hand the value
	// straight to the driver. sql.LevelDefault leaves the session default.
	Isolation sql.IsolationLevel
	// ReadOnly requests a read-only transaction where the engine supports it.
	ReadOnly bool
}

// Row is the result of a single-row query.
type Row interface {
	Scan(dest ...any) error
}

// Rows iterates a multi-row result set. Callers must Close it.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// Resource is one transactional connection. A Resource is exclusively owned
// by the component driving it while a transaction is open; it is not safe
// for concurrent use.
type Resource interface {
	// DriverName identifies the backing engine ("mysql", "postgres", ...).
	DriverName() string
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
	// Begin opens the one real transaction on this connection.
	Begin(ctx context.Context, opts TxOptions) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	InTransaction() bool
}

// Error is the structured failure every adapter surfaces on statement
// failure: the driver it came from, the engine's error code, and the raw
// message. Code and Driver feed the conflict classifier; the wrapped cause
// keeps errors.Is/As working against native driver types.
type Error struct {
	Driver  string
	Code    string
	Message string

	cause error
}

// WrapError builds an Error around a native driver error.
func WrapError(driver, code, message string, cause error) *Error {
	return &Error{Driver: driver, Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s error %s: %s", e.Driver, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Driver, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }
