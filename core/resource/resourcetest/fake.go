// Package resourcetest provides a scripted in-memory Resource for exercising
// transaction flows without a database. The fake records every statement and
// transaction verb in order, can be told to fail specific calls, and serves
// queued query results.
package resourcetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lunoradb/txcore/core/resource"
)

// Journal collects entries from several fakes into one ordered stream, so
// tests can assert cross-resource ordering (commit order across two-phase
// commit participants, for example). Entries look like "p1:COMMIT" or
// "p2:SAVEPOINT sp2_0a1b2c3d".
type Journal struct {
	mu      sync.Mutex
	entries []string
}

func NewJournal() *Journal { return &Journal{} }

func (j *Journal) add(label, entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, label+":"+entry)
}

// Entries returns a copy of everything recorded so far.
func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}

// Filter returns the entries containing substr, preserving order.
func (j *Journal) Filter(substr string) []string {
	var out []string
	for _, e := range j.Entries() {
		if strings.Contains(e, substr) {
			out = append(out, e)
		}
	}
	return out
}

// Call is one recorded operation against the fake.
type Call struct {
	// Verb is BEGIN, COMMIT, ROLLBACK, EXEC, QUERY, or QUERY_ROW.
	Verb  string
	Query string
	Args  []any
}

type failRule struct {
	substr    string
	err       error
	remaining int // negative means fail every match
}

// Fake implements resource.Resource in memory.
type Fake struct {
	mu      sync.Mutex
	driver  string
	label   string
	journal *Journal

	inTx      bool
	lastBegin resource.TxOptions
	calls     []Call

	beginErr    error
	commitErr   error
	rollbackErr error
	failRules   []failRule

	queuedRows    [][]any
	queuedResults [][][]any
}

// New builds a fake reporting driver as its DriverName.
func New(driver string) *Fake {
	if driver == "" {
		driver = "fake"
	}
	return &Fake{driver: driver}
}

// NewWithJournal builds a fake that also mirrors its calls into j under
// label.
func NewWithJournal(driver, label string, j *Journal) *Fake {
	f := New(driver)
	f.label = label
	f.journal = j
	return f
}

var _ resource.Resource = (*Fake)(nil)

func (f *Fake) DriverName() string { return f.driver }

func (f *Fake) InTransaction() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inTx
}

func (f *Fake) Begin(ctx context.Context, opts resource.TxOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inTx {
		return resource.ErrAlreadyInTransaction
	}
	f.record(Call{Verb: "BEGIN"})
	if f.beginErr != nil {
		return f.beginErr
	}
	f.inTx = true
	f.lastBegin = opts
	return nil
}

func (f *Fake) Commit(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.inTx {
		return resource.ErrNoTransaction
	}
	f.record(Call{Verb: "COMMIT"})
	if f.commitErr != nil {
		return f.commitErr
	}
	f.inTx = false
	return nil
}

func (f *Fake) Rollback(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.inTx {
		return resource.ErrNoTransaction
	}
	f.record(Call{Verb: "ROLLBACK"})
	if f.rollbackErr != nil {
		return f.rollbackErr
	}
	f.inTx = false
	return nil
}

func (f *Fake) Exec(ctx context.Context, query string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Verb: "EXEC", Query: query, Args: args})
	return f.matchFailure(query)
}

func (f *Fake) Query(ctx context.Context, query string, args ...any) (resource.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Verb: "QUERY", Query: query, Args: args})
	if err := f.matchFailure(query); err != nil {
		return nil, err
	}
	if len(f.queuedResults) == 0 {
		return &fakeRows{}, nil
	}
	rows := f.queuedResults[0]
	f.queuedResults = f.queuedResults[1:]
	return &fakeRows{rows: rows}, nil
}

func (f *Fake) QueryRow(ctx context.Context, query string, args ...any) resource.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Verb: "QUERY_ROW", Query: query, Args: args})
	if err := f.matchFailure(query); err != nil {
		return &fakeRow{err: err}
	}
	if len(f.queuedRows) == 0 {
		return &fakeRow{err: fmt.Errorf("resourcetest: no queued row for %q", query)}
	}
	vals := f.queuedRows[0]
	f.queuedRows = f.queuedRows[1:]
	return &fakeRow{vals: vals}
}

// FailBegin makes every subsequent Begin fail with err.
func (f *Fake) FailBegin(err error) { f.mu.Lock(); defer f.mu.Unlock(); f.beginErr = err }

// FailCommit makes every subsequent Commit fail with err, leaving the
// transaction open.
func (f *Fake) FailCommit(err error) { f.mu.Lock(); defer f.mu.Unlock(); f.commitErr = err }

// FailRollback makes every subsequent Rollback fail with err.
func (f *Fake) FailRollback(err error) { f.mu.Lock(); defer f.mu.Unlock(); f.rollbackErr = err }

// FailOnContains makes any Exec/Query/QueryRow whose statement contains
// substr fail with err.
func (f *Fake) FailOnContains(substr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRules = append(f.failRules, failRule{substr: substr, err: err, remaining: -1})
}

// FailOnContainsN is FailOnContains limited to the first n matching calls;
// later matches succeed.
func (f *Fake) FailOnContainsN(substr string, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRules = append(f.failRules, failRule{substr: substr, err: err, remaining: n})
}

// ClearFailures removes all injected failures.
func (f *Fake) ClearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beginErr, f.commitErr, f.rollbackErr, f.failRules = nil, nil, nil, nil
}

// QueueRow scripts the result of the next QueryRow call.
func (f *Fake) QueueRow(vals ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queuedRows = append(f.queuedRows, vals)
}

// QueueQuery scripts the result set of the next Query call.
func (f *Fake) QueueQuery(rows ...[]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queuedResults = append(f.queuedResults, rows)
}

// Statements returns the recorded operations as display strings: statement
// text for EXEC/QUERY/QUERY_ROW, the bare verb for transaction operations.
func (f *Fake) Statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.display())
	}
	return out
}

// Calls returns a copy of every recorded call including arguments.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// LastBeginOptions returns the TxOptions passed to the most recent Begin.
func (f *Fake) LastBeginOptions() resource.TxOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBegin
}

func (c Call) display() string {
	if c.Query != "" {
		return c.Query
	}
	return c.Verb
}

// record appends the call and mirrors it into the journal. Callers hold
// f.mu.
func (f *Fake) record(c Call) {
	f.calls = append(f.calls, c)
	if f.journal != nil {
		f.journal.add(f.label, c.display())
	}
}

func (f *Fake) matchFailure(query string) error {
	for i := range f.failRules {
		rule := &f.failRules[i]
		if rule.remaining == 0 || !strings.Contains(query, rule.substr) {
			continue
		}
		if rule.remaining > 0 {
			rule.remaining--
		}
		return rule.err
	}
	return nil
}

type fakeRow struct {
	vals []any
	err  error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(dest, r.vals)
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return fmt.Errorf("resourcetest: Scan called without Next")
	}
	return scanInto(dest, r.rows[r.idx-1])
}

func (r *fakeRows) Close() error { return nil }
func (r *fakeRows) Err() error   { return nil }

// scanInto copies scripted values into scan destinations, supporting the
// destination types the core's probes and patterns actually use.
func scanInto(dest, vals []any) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("resourcetest: scan wants %d destinations, got %d", len(vals), len(dest))
	}
	for i, src := range vals {
		if err := assign(dest[i], src); err != nil {
			return fmt.Errorf("resourcetest: column %d: %w", i, err)
		}
	}
	return nil
}

func assign(dest, src any) error {
	switch d := dest.(type) {
	case *string:
		s, ok := src.(string)
		if !ok {
			return fmt.Errorf("cannot scan %T into *string", src)
		}
		*d = s
	case *int:
		switch s := src.(type) {
		case int:
			*d = s
		case int64:
			*d = int(s)
		default:
			return fmt.Errorf("cannot scan %T into *int", src)
		}
	case *int64:
		switch s := src.(type) {
		case int64:
			*d = s
		case int:
			*d = int64(s)
		default:
			return fmt.Errorf("cannot scan %T into *int64", src)
		}
	case *bool:
		b, ok := src.(bool)
		if !ok {
			return fmt.Errorf("cannot scan %T into *bool", src)
		}
		*d = b
	case *time.Time:
		ts, ok := src.(time.Time)
		if !ok {
			return fmt.Errorf("cannot scan %T into *time.Time", src)
		}
		*d = ts
	case *any:
		*d = src
	default:
		return fmt.Errorf("unsupported scan destination %T", dest)
	}
	return nil
}
