package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/lunoradb/txcore/core/deadlock"
	"github.com/lunoradb/txcore/core/patterns"
	"github.com/lunoradb/txcore/core/resource"
	"github.com/lunoradb/txcore/core/txn"
	"github.com/lunoradb/txcore/pkg/logger"

	_ "github.com/mattn/go-sqlite3"
)

const smokeDriver = "sqlite3"

// openDB opens a sqlite database pinned to a single connection so session
// state and the transaction always land on the same conn.
func openDB(dsn string) (*sql.DB, *resource.SQLResource) {
	db, err := sql.Open(smokeDriver, dsn)
	if err != nil {
		log.Fatalf("Failed to open database %s: %v", dsn, err)
	}
	db.SetMaxOpenConns(1)
	return db, resource.NewSQLResource(db, smokeDriver)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	ctx := context.Background()

	zlog, err := logger.New(logger.Config{Level: "info", Format: "console"})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	fmt.Println("\n--- Scenario 1: Nested Transactions and Savepoints ---")
	scenarioNesting(ctx, zlog)

	fmt.Println("\n--- Scenario 2: Optimistic and Pessimistic Locking ---")
	scenarioLocking(ctx, zlog)

	fmt.Println("\n--- Scenario 3: Conflict Retry Under Real Contention ---")
	scenarioContention(ctx, zlog)

	fmt.Println("\n--- Scenario 4: Saga Compensation and Circuit Breaker ---")
	scenarioPatterns(ctx, zlog)

	fmt.Println("\n--- Smoke test complete. ---")
}

func scenarioNesting(ctx context.Context, zlog *zap.Logger) {
	db, res := openDB(":memory:")
	defer db.Close()

	if err := res.Exec(ctx, "CREATE TABLE accounts (id INTEGER PRIMARY KEY, owner TEXT, balance INTEGER, version INTEGER)"); err != nil {
		log.Fatalf("Failed to create accounts table: %v", err)
	}

	mgr := txn.NewManager(res, zlog)
	if err := mgr.Begin(ctx); err != nil {
		log.Fatalf("Failed to begin outer transaction: %v", err)
	}
	if err := res.Exec(ctx, "INSERT INTO accounts (id, owner, balance, version) VALUES (1, 'ana', 100, 1)"); err != nil {
		log.Fatalf("Failed to insert in outer transaction: %v", err)
	}
	fmt.Printf("Outer transaction open, level=%d\n", mgr.Level())

	if err := mgr.Begin(ctx); err != nil {
		log.Fatalf("Failed to begin nested level: %v", err)
	}
	if err := res.Exec(ctx, "INSERT INTO accounts (id, owner, balance, version) VALUES (2, 'bob', 50, 1)"); err != nil {
		log.Fatalf("Failed to insert in nested level: %v", err)
	}
	fmt.Printf("Nested level open, level=%d\n", mgr.Level())
	if err := mgr.Rollback(ctx); err != nil {
		log.Fatalf("Failed to roll back nested level: %v", err)
	}
	fmt.Printf("Nested level rolled back, level=%d (outer still open)\n", mgr.Level())

	if err := mgr.Begin(ctx); err != nil {
		log.Fatalf("Failed to begin second nested level: %v", err)
	}
	if err := res.Exec(ctx, "INSERT INTO accounts (id, owner, balance, version) VALUES (3, 'cara', 75, 1)"); err != nil {
		log.Fatalf("Failed to insert in second nested level: %v", err)
	}
	if err := mgr.Commit(ctx); err != nil {
		log.Fatalf("Failed to release nested level: %v", err)
	}
	if err := mgr.Commit(ctx); err != nil {
		log.Fatalf("Failed to commit outer transaction: %v", err)
	}
	fmt.Printf("Outer transaction committed, level=%d\n", mgr.Level())

	var count int64
	if err := res.QueryRow(ctx, "SELECT COUNT(*) FROM accounts").Scan(&count); err != nil {
		log.Fatalf("Failed to count accounts: %v", err)
	}
	if count != 2 {
		log.Fatalf("Expected 2 accounts after commit, found %d", count)
	}
	fmt.Printf("Rows after commit: %d (the rolled-back insert is gone)\n", count)
}

func scenarioLocking(ctx context.Context, zlog *zap.Logger) {
	db, res := openDB(":memory:")
	defer db.Close()

	if err := res.Exec(ctx, "CREATE TABLE accounts (id INTEGER PRIMARY KEY, owner TEXT, balance INTEGER, version INTEGER)"); err != nil {
		log.Fatalf("Failed to create accounts table: %v", err)
	}
	if err := res.Exec(ctx, "INSERT INTO accounts (id, owner, balance, version) VALUES (1, 'ana', 100, 1), (2, 'bob', 50, 1)"); err != nil {
		log.Fatalf("Failed to seed accounts: %v", err)
	}

	mgr := txn.NewManager(res, zlog)

	if err := patterns.UpdateWithVersion(ctx, mgr, "accounts", 1, map[string]any{"balance": 120}, 1); err != nil {
		log.Fatalf("Failed to apply optimistic update: %v", err)
	}
	fmt.Println("Optimistic update with matching version applied.")

	err := patterns.UpdateWithVersion(ctx, mgr, "accounts", 1, map[string]any{"balance": 999}, 1)
	var lockErr *patterns.OptimisticLockError
	if !errors.As(err, &lockErr) {
		log.Fatalf("Expected an optimistic lock failure, got: %v", err)
	}
	fmt.Printf("Stale update rejected: %v\n", lockErr)

	err = patterns.WithLock(ctx, mgr, "accounts", []any{1, 2}, func(ctx context.Context, res resource.Resource) error {
		return res.Exec(ctx, "UPDATE accounts SET balance = balance + 10 WHERE id IN (1, 2)")
	})
	if err != nil {
		log.Fatalf("Failed to apply pessimistic update: %v", err)
	}

	var balance int64
	if err := res.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = 1").Scan(&balance); err != nil {
		log.Fatalf("Failed to read balance: %v", err)
	}
	if balance != 130 {
		log.Fatalf("Expected balance 130 after both updates, found %d", balance)
	}
	fmt.Printf("Pessimistic bulk update applied under row locks, balance=%d\n", balance)
}

func scenarioContention(ctx context.Context, zlog *zap.Logger) {
	dir, err := os.MkdirTemp("", "txcore-smoke-*")
	if err != nil {
		log.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "contended.db")

	holderDB, holder := openDB(path)
	defer holderDB.Close()
	if err := holder.Exec(ctx, "CREATE TABLE counters (id INTEGER PRIMARY KEY, hits INTEGER)"); err != nil {
		log.Fatalf("Failed to create counters table: %v", err)
	}
	if err := holder.Exec(ctx, "INSERT INTO counters (id, hits) VALUES (1, 0)"); err != nil {
		log.Fatalf("Failed to seed counter: %v", err)
	}

	writerDB, writer := openDB(path)
	defer writerDB.Close()

	holderMgr := txn.NewManager(holder, zlog)
	if err := holderMgr.Begin(ctx); err != nil {
		log.Fatalf("Failed to begin holder transaction: %v", err)
	}
	if err := holder.Exec(ctx, "UPDATE counters SET hits = hits + 1 WHERE id = 1"); err != nil {
		log.Fatalf("Failed to take the write lock: %v", err)
	}
	fmt.Println("Holder transaction keeps the write lock...")

	released := make(chan struct{})
	go func() {
		defer close(released)
		time.Sleep(250 * time.Millisecond)
		if err := holderMgr.Commit(ctx); err != nil {
			log.Printf("Holder commit failed: %v", err)
		}
	}()

	handler := deadlock.NewHandler(deadlock.Policy{MaxRetries: 6, BaseDelay: 40 * time.Millisecond}, nil, zlog)
	writerMgr := txn.NewManager(writer, zlog)

	attempts := 0
	err = handler.TransactionalWithRetry(ctx, writerMgr, func(ctx context.Context) error {
		attempts++
		return writer.Exec(ctx, "UPDATE counters SET hits = hits + 1 WHERE id = 1")
	})
	<-released
	if err != nil {
		log.Fatalf("Writer never got the lock after %d attempts: %v", attempts, err)
	}
	fmt.Printf("Writer succeeded after %d attempt(s).\n", attempts)

	var hits int64
	if err := writer.QueryRow(ctx, "SELECT hits FROM counters WHERE id = 1").Scan(&hits); err != nil {
		log.Fatalf("Failed to read counter: %v", err)
	}
	if hits != 2 {
		log.Fatalf("Expected 2 hits after both writers, found %d", hits)
	}
	fmt.Printf("Final counter value: %d\n", hits)
}

func scenarioPatterns(ctx context.Context, zlog *zap.Logger) {
	var trail []string
	record := func(entry string) func(context.Context) error {
		return func(context.Context) error {
			trail = append(trail, entry)
			return nil
		}
	}

	errCharge := errors.New("card declined")
	steps := []patterns.SagaStep{
		{Name: "reserve-stock", Run: record("run:reserve"), Compensate: record("comp:reserve")},
		{Name: "charge-card", Run: func(context.Context) error { return errCharge }, Compensate: record("comp:charge")},
		{Name: "ship-order", Run: record("run:ship"), Compensate: record("comp:ship")},
	}
	err := patterns.RunSaga(ctx, zlog, steps)
	if !errors.Is(err, errCharge) {
		log.Fatalf("Expected the saga to surface the charge failure, got: %v", err)
	}
	fmt.Printf("Saga failed as scripted: %v\n", err)
	fmt.Printf("Compensation trail: %v\n", trail)

	registry := patterns.NewCircuitRegistry(patterns.CircuitConfig{FailureThreshold: 3, Cooldown: 500 * time.Millisecond}, zlog)
	flaky := errors.New("payment gateway unavailable")
	for i := 0; i < 3; i++ {
		registry.Do(ctx, "payments", func(context.Context) error { return flaky })
	}
	fmt.Printf("Circuit state after 3 failures: %s\n", registry.State("payments"))

	err = registry.Do(ctx, "payments", func(context.Context) error { return nil })
	if !errors.Is(err, patterns.ErrCircuitOpen) {
		log.Fatalf("Expected a fail-fast rejection, got: %v", err)
	}
	fmt.Printf("Fail-fast call while open: %v\n", err)

	time.Sleep(600 * time.Millisecond)
	if err := registry.Do(ctx, "payments", func(context.Context) error { return nil }); err != nil {
		log.Fatalf("Probe after cooldown failed: %v", err)
	}
	fmt.Printf("Circuit closed again after probe: %s\n", registry.State("payments"))
}
