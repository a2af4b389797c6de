package main

import (
	"context"
	"database/sql"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/lunoradb/txcore/core/deadlock"
	"github.com/lunoradb/txcore/core/resource"
	"github.com/lunoradb/txcore/core/txn"
	"github.com/lunoradb/txcore/pkg/logger"

	_ "github.com/mattn/go-sqlite3"
)

const (
	flatTransactions   = 2000
	nestedTransactions = 500
	nestingDepth       = 4
	retriedOperations  = 2000
)

func main() {
	ctx := context.Background()
	zlogger, _ := logger.New(logger.Config{Level: "error"})

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	res := resource.NewSQLResource(db, "sqlite3")

	if err := res.Exec(ctx, "CREATE TABLE entries (id INTEGER PRIMARY KEY AUTOINCREMENT, payload TEXT)"); err != nil {
		log.Fatalf("failed to create table: %v", err)
	}

	mgr := txn.NewManager(res, zlogger)

	flat(ctx, mgr, res)
	nested(ctx, mgr, res)
	retried(ctx, mgr, res, zlogger)
}

// flat measures plain single-level transactions.
func flat(ctx context.Context, mgr *txn.Manager, res *resource.SQLResource) {
	start := time.Now()
	for i := 0; i < flatTransactions; i++ {
		err := mgr.RunInTransaction(ctx, func(ctx context.Context) error {
			return res.Exec(ctx, "INSERT INTO entries (payload) VALUES ('flat')")
		})
		if err != nil {
			log.Fatalf("flat transaction %d failed: %v", i, err)
		}
	}
	elapsed := time.Since(start)
	log.Printf("flat: %d transactions in %s (%.0f tx/s)",
		flatTransactions, elapsed.Round(time.Millisecond), float64(flatTransactions)/elapsed.Seconds())
}

// nested measures savepoint churn: every transaction opens nestingDepth
// levels and releases them all.
func nested(ctx context.Context, mgr *txn.Manager, res *resource.SQLResource) {
	start := time.Now()
	for i := 0; i < nestedTransactions; i++ {
		for level := 0; level < nestingDepth; level++ {
			if err := mgr.Begin(ctx); err != nil {
				log.Fatalf("nested begin at level %d failed: %v", level, err)
			}
		}
		if err := res.Exec(ctx, "INSERT INTO entries (payload) VALUES ('nested')"); err != nil {
			log.Fatalf("nested insert failed: %v", err)
		}
		for level := nestingDepth; level > 0; level-- {
			if err := mgr.Commit(ctx); err != nil {
				log.Fatalf("nested commit at level %d failed: %v", level, err)
			}
		}
	}
	elapsed := time.Since(start)
	total := nestedTransactions * nestingDepth
	log.Printf("nested: %d transactions at depth %d in %s (%.0f savepoint ops/s)",
		nestedTransactions, nestingDepth, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
}

// retried measures the retry wrapper's overhead on a conflict-free workload.
func retried(ctx context.Context, mgr *txn.Manager, res *resource.SQLResource, zlogger *zap.Logger) {
	handler := deadlock.NewHandler(deadlock.DefaultPolicy(), nil, zlogger)
	start := time.Now()
	for i := 0; i < retriedOperations; i++ {
		err := handler.TransactionalWithRetry(ctx, mgr, func(ctx context.Context) error {
			return res.Exec(ctx, "INSERT INTO entries (payload) VALUES ('retried')")
		})
		if err != nil {
			log.Fatalf("retried transaction %d failed: %v", i, err)
		}
	}
	elapsed := time.Since(start)
	log.Printf("retried: %d conflict-free transactions in %s (%.0f tx/s, retry wrapper included)",
		retriedOperations, elapsed.Round(time.Millisecond), float64(retriedOperations)/elapsed.Seconds())
}
