package txn

import "errors"

var (
	// ErrNoActiveTransaction is returned by Commit, Rollback, and callback
	// registration when no transaction is open. Always a programmer error.
	ErrNoActiveTransaction = errors.New("txn: no active transaction")

	// ErrConfiguration is returned when a nested begin requests an isolation
	// level or read-only mode different from the open transaction's. Both are
	// fixed at the outermost begin; engines reject changing them once a
	// statement has executed.
	ErrConfiguration = errors.New("txn: isolation and read-only mode are fixed at the outermost begin")

	// ErrMisnestedTransaction is returned by RunInTransaction when the
	// wrapped operation leaves the nesting level unbalanced.
	ErrMisnestedTransaction = errors.New("txn: unbalanced transaction nesting")
)
