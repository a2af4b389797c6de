package resource

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// SQLResource adapts a database/sql handle to the Resource interface. While
// a transaction is open every statement is routed to the live *sql.Tx, so
// the connection-affinity the transaction core assumes holds even over a
// pooled *sql.DB.
type SQLResource struct {
	db     *sql.DB
	driver string
	tx     *sql.Tx
}

// NewSQLResource wraps db. driverName must be one of the Driver constants
// for error normalization and dialect selection to engage; other names are
// accepted but classified only by message heuristics.
func NewSQLResource(db *sql.DB, driverName string) *SQLResource {
	return &SQLResource{db: db, driver: driverName}
}

func (r *SQLResource) DriverName() string { return r.driver }

func (r *SQLResource) InTransaction() bool { return r.tx != nil }

func (r *SQLResource) Exec(ctx context.Context, query string, args ...any) error {
	var err error
	if r.tx != nil {
		_, err = r.tx.ExecContext(ctx, query, args...)
	} else {
		_, err = r.db.ExecContext(ctx, query, args...)
	}
	return r.normalize(err)
}

func (r *SQLResource) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	var rows *sql.Rows
	var err error
	if r.tx != nil {
		rows, err = r.tx.QueryContext(ctx, query, args...)
	} else {
		rows, err = r.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, r.normalize(err)
	}
	return rows, nil
}

func (r *SQLResource) QueryRow(ctx context.Context, query string, args ...any) Row {
	if r.tx != nil {
		return r.tx.QueryRowContext(ctx, query, args...)
	}
	return r.db.QueryRowContext(ctx, query, args...)
}

func (r *SQLResource) Begin(ctx context.Context, opts TxOptions) error {
	if r.tx != nil {
		return ErrAlreadyInTransaction
	}
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: opts.Isolation, ReadOnly: opts.ReadOnly})
	if err != nil {
		return r.normalize(err)
	}
	r.tx = tx
	return nil
}

func (r *SQLResource) Commit(ctx context.Context) error {
	if r.tx == nil {
		return ErrNoTransaction
	}
	err := r.tx.Commit()
	r.tx = nil
	return r.normalize(err)
}

func (r *SQLResource) Rollback(ctx context.Context) error {
	if r.tx == nil {
		return ErrNoTransaction
	}
	err := r.tx.Rollback()
	r.tx = nil
	return r.normalize(err)
}

// normalize converts native driver errors into *Error so callers see one
// structured (driver, code, message) shape regardless of engine. Errors
// from unrecognized drivers pass through untouched.
func (r *SQLResource) normalize(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return WrapError(DriverMySQL, strconv.Itoa(int(myErr.Number)), myErr.Message, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return WrapError(DriverPostgres, string(pqErr.Code), pqErr.Message, err)
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return WrapError(DriverSQLite, strconv.Itoa(int(liteErr.Code)), liteErr.Error(), err)
	}
	return err
}
