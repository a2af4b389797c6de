// Package isolation normalizes transaction isolation levels across backing
// engines: a shared level vocabulary, driver-specific probes and setters,
// and a policy hint mapping operation kinds to levels.
package isolation

import (
	"database/sql"
	"fmt"
	"strings"
)

// Level is the shared isolation-level vocabulary. The zero value LevelUnset
// means "leave the engine's session default in place".
type Level int

const (
	LevelUnset Level = iota
	ReadUncommitted
	ReadCommitted
	RepeatableRead
	Serializable
)

// String renders the level in standard SQL spelling, usable directly in SET
// TRANSACTION statements.
func (l Level) String() string {
	switch l {
	case ReadUncommitted:
		return "READ UNCOMMITTED"
	case ReadCommitted:
		return "READ COMMITTED"
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	case LevelUnset:
		return "UNSET"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel accepts the spellings engines report: mysql's dashed
// "REPEATABLE-READ", postgres's lowercase "repeatable read", and the
// standard form.
func ParseLevel(s string) (Level, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", " "))
	switch norm {
	case "READ UNCOMMITTED":
		return ReadUncommitted, nil
	case "READ COMMITTED":
		return ReadCommitted, nil
	case "REPEATABLE READ":
		return RepeatableRead, nil
	case "SERIALIZABLE":
		return Serializable, nil
	}
	return LevelUnset, fmt.Errorf("isolation: unrecognized level %q", s)
}

// SQLLevel maps the level onto database/sql for adapters that hand
// transaction options to a driver.
func (l Level) SQLLevel() sql.IsolationLevel {
	switch l {
	case ReadUncommitted:
		return sql.LevelReadUncommitted
	case ReadCommitted:
		return sql.LevelReadCommitted
	case RepeatableRead:
		return sql.LevelRepeatableRead
	case Serializable:
		return sql.LevelSerializable
	default:
		return sql.LevelDefault
	}
}

// OperationKind names an operation's consistency profile for Recommend.
type OperationKind string

const (
	OpReadOnlyReport       OperationKind = "read_only_report"
	OpFinancialTransaction OperationKind = "financial_transaction"
	OpBulkOperation        OperationKind = "bulk_operation"
	OpCriticalUpdate       OperationKind = "critical_update"
)

// Recommend maps an operation profile to an isolation level. It is a policy
// hint for callers; nothing applies it automatically.
func Recommend(kind OperationKind) Level {
	switch kind {
	case OpFinancialTransaction:
		return Serializable
	case OpCriticalUpdate:
		return RepeatableRead
	case OpReadOnlyReport, OpBulkOperation:
		return ReadCommitted
	default:
		return ReadCommitted
	}
}
