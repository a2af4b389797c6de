// Package deadlock classifies transient concurrency-conflict errors and
// retries operations with bounded exponential backoff. Classification is
// data-driven: structured (driver, code) signatures are authoritative, with
// message substrings as the heuristic fallback for errors that carry no
// code.
package deadlock

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/lunoradb/txcore/core/resource"
)

// Kind is the conflict family an error belongs to. KindNone means the error
// is not a concurrency conflict and must not be retried.
type Kind int

const (
	KindNone Kind = iota
	KindDeadlock
	KindLockTimeout
	KindSerialization
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDeadlock:
		return "deadlock"
	case KindLockTimeout:
		return "lock_timeout"
	case KindSerialization:
		return "serialization"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func parseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return KindNone, nil
	case "deadlock":
		return KindDeadlock, nil
	case "lock_timeout":
		return KindLockTimeout, nil
	case "serialization":
		return KindSerialization, nil
	}
	return KindNone, fmt.Errorf("deadlock: unknown conflict kind %q", s)
}

type signatureKey struct {
	driver string
	code   string
}

type substringRule struct {
	fragment string
	kind     Kind
}

// SignatureTable maps driver error codes to conflict kinds and carries the
// ordered substring fallbacks. Tables are versioned so operators can tell
// which overlay a process runs with.
type SignatureTable struct {
	version    string
	codes      map[signatureKey]Kind
	substrings []substringRule
}

// DefaultSignatures returns the built-in table covering mysql, postgres,
// and sqlite.
func DefaultSignatures() *SignatureTable {
	t := &SignatureTable{version: "builtin", codes: map[signatureKey]Kind{}}

	// mysql: ER_LOCK_DEADLOCK, ER_LOCK_WAIT_TIMEOUT.
	t.putCode(resource.DriverMySQL, "1213", KindDeadlock)
	t.putCode(resource.DriverMySQL, "1205", KindLockTimeout)

	// postgres: deadlock_detected, serialization_failure, lock_not_available.
	t.putCode(resource.DriverPostgres, "40P01", KindDeadlock)
	t.putCode(resource.DriverPostgres, "40001", KindSerialization)
	t.putCode(resource.DriverPostgres, "55P03", KindLockTimeout)

	// sqlite: SQLITE_BUSY, SQLITE_LOCKED.
	t.putCode(resource.DriverSQLite, "5", KindLockTimeout)
	t.putCode(resource.DriverSQLite, "6", KindLockTimeout)

	t.substrings = []substringRule{
		{"deadlock", KindDeadlock},
		{"lock wait timeout", KindLockTimeout},
		{"lock timeout", KindLockTimeout},
		{"could not serialize", KindSerialization},
		{"serialization failure", KindSerialization},
		{"database is locked", KindLockTimeout},
		{"database table is locked", KindLockTimeout},
	}
	return t
}

// LoadSignatures reads a TOML overlay and merges it over the built-in
// table. Overlay codes override built-ins (a "none" kind neutralizes an
// entry); overlay substrings are matched before the built-in ones.
func LoadSignatures(path string) (*SignatureTable, error) {
	t := DefaultSignatures()
	if err := t.mergeFile(path); err != nil {
		return nil, err
	}
	return t, nil
}

// Version identifies the loaded overlay, or "builtin".
func (t *SignatureTable) Version() string { return t.version }

func (t *SignatureTable) putCode(driver, code string, kind Kind) {
	t.codes[signatureKey{driver: driver, code: code}] = kind
}

func (t *SignatureTable) lookupCode(driver, code string) (Kind, bool) {
	kind, ok := t.codes[signatureKey{driver: driver, code: code}]
	return kind, ok
}

func (t *SignatureTable) lookupMessage(msg string) (Kind, bool) {
	lower := strings.ToLower(msg)
	for _, rule := range t.substrings {
		if strings.Contains(lower, rule.fragment) {
			return rule.kind, true
		}
	}
	return KindNone, false
}

type signatureFile struct {
	Version    string `toml:"version"`
	Signatures []struct {
		Driver string `toml:"driver"`
		Code   string `toml:"code"`
		Kind   string `toml:"kind"`
	} `toml:"signature"`
	Substrings []struct {
		Fragment string `toml:"fragment"`
		Kind     string `toml:"kind"`
	} `toml:"substring"`
}

func (t *SignatureTable) mergeFile(path string) error {
	var file signatureFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return fmt.Errorf("deadlock: loading signatures from %s: %w", path, err)
	}
	if file.Version != "" {
		t.version = file.Version
	}
	for _, sig := range file.Signatures {
		kind, err := parseKind(sig.Kind)
		if err != nil {
			return err
		}
		if sig.Driver == "" || sig.Code == "" {
			return fmt.Errorf("deadlock: signature entry needs driver and code (got driver=%q code=%q)", sig.Driver, sig.Code)
		}
		t.putCode(sig.Driver, sig.Code, kind)
	}
	var overlay []substringRule
	for _, sub := range file.Substrings {
		kind, err := parseKind(sub.Kind)
		if err != nil {
			return err
		}
		if sub.Fragment == "" {
			return fmt.Errorf("deadlock: substring entry needs a fragment")
		}
		overlay = append(overlay, substringRule{fragment: strings.ToLower(sub.Fragment), kind: kind})
	}
	t.substrings = append(overlay, t.substrings...)
	return nil
}
