package isolation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lunoradb/txcore/core/resource"
)

// ErrUnknownDriver is returned when no dialect exists for the resource's
// driver.
var ErrUnknownDriver = errors.New("isolation: unknown driver")

// UnsupportedLevelError reports a level the engine cannot provide.
type UnsupportedLevelError struct {
	Driver string
	Level  Level
}

func (e *UnsupportedLevelError) Error() string {
	return fmt.Sprintf("isolation: %s does not support %s", e.Driver, e.Level)
}

// Manager reads and sets session isolation levels through per-driver
// dialects.
type Manager struct {
	logger *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger}
}

// Current probes the resource for its session isolation level and
// normalizes the engine's spelling. sqlite has no SQL-standard levels; its
// read_uncommitted pragma distinguishes READ UNCOMMITTED from its default
// SERIALIZABLE behavior.
func (m *Manager) Current(ctx context.Context, res resource.Resource) (Level, error) {
	switch res.DriverName() {
	case resource.DriverMySQL:
		var raw string
		if err := res.QueryRow(ctx, "SELECT @@transaction_isolation").Scan(&raw); err != nil {
			return LevelUnset, fmt.Errorf("isolation: reading mysql level: %w", err)
		}
		return ParseLevel(raw)
	case resource.DriverPostgres:
		var raw string
		if err := res.QueryRow(ctx, "SHOW transaction_isolation").Scan(&raw); err != nil {
			return LevelUnset, fmt.Errorf("isolation: reading postgres level: %w", err)
		}
		return ParseLevel(raw)
	case resource.DriverSQLite:
		var readUncommitted int
		if err := res.QueryRow(ctx, "PRAGMA read_uncommitted").Scan(&readUncommitted); err != nil {
			return LevelUnset, fmt.Errorf("isolation: reading sqlite level: %w", err)
		}
		if readUncommitted != 0 {
			return ReadUncommitted, nil
		}
		return Serializable, nil
	default:
		return LevelUnset, fmt.Errorf("%w: %s", ErrUnknownDriver, res.DriverName())
	}
}

// Set applies level as the session default. It must run outside an open
// transaction; engines with partial support reject the levels they lack
// with UnsupportedLevelError.
func (m *Manager) Set(ctx context.Context, res resource.Resource, level Level) error {
	if level == LevelUnset {
		return &UnsupportedLevelError{Driver: res.DriverName(), Level: level}
	}
	var stmt string
	switch res.DriverName() {
	case resource.DriverMySQL:
		stmt = fmt.Sprintf("SET SESSION TRANSACTION ISOLATION LEVEL %s", level)
	case resource.DriverPostgres:
		stmt = fmt.Sprintf("SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL %s", level)
	case resource.DriverSQLite:
		switch level {
		case ReadUncommitted:
			stmt = "PRAGMA read_uncommitted = 1"
		case Serializable:
			stmt = "PRAGMA read_uncommitted = 0"
		default:
			return &UnsupportedLevelError{Driver: res.DriverName(), Level: level}
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownDriver, res.DriverName())
	}
	if err := res.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("isolation: setting %s on %s: %w", level, res.DriverName(), err)
	}
	m.logger.Debug("session isolation level set",
		zap.String("driver", res.DriverName()),
		zap.Stringer("level", level),
	)
	return nil
}
