package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"path/filepath"

	"github.com/lunoradb/txcore/core/dtc"
	"github.com/lunoradb/txcore/core/resource"
	"github.com/lunoradb/txcore/pkg/logger"

	_ "github.com/mattn/go-sqlite3"
)

// Drives the two-phase commit coordinator end to end against three real
// sqlite databases: a committed purchase, a scripted abort, the audit trail
// both leave behind, and a recovery sweep.

func openDB(path string) (*sql.DB, *resource.SQLResource) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		log.Fatalf("❌ Failed to open %s: %v", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, resource.NewSQLResource(db, "sqlite3")
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	ctx := context.Background()

	zlog, err := logger.New(logger.Config{Level: "info", Format: "console"})
	if err != nil {
		log.Fatalf("❌ Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	dir, err := os.MkdirTemp("", "txcore-e2e-*")
	if err != nil {
		log.Fatalf("❌ Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	ledgerDB, ledger := openDB(filepath.Join(dir, "ledger.db"))
	defer ledgerDB.Close()
	inventoryDB, inventory := openDB(filepath.Join(dir, "inventory.db"))
	defer inventoryDB.Close()
	auditDB, audit := openDB(filepath.Join(dir, "audit.db"))
	defer auditDB.Close()

	if err := ledger.Exec(ctx, "CREATE TABLE accounts (id INTEGER PRIMARY KEY, owner TEXT, balance INTEGER)"); err != nil {
		log.Fatalf("❌ Failed to create accounts table: %v", err)
	}
	if err := ledger.Exec(ctx, "INSERT INTO accounts (id, owner, balance) VALUES (1, 'ana', 100)"); err != nil {
		log.Fatalf("❌ Failed to seed accounts: %v", err)
	}
	if err := inventory.Exec(ctx, "CREATE TABLE stock (sku TEXT PRIMARY KEY, units INTEGER)"); err != nil {
		log.Fatalf("❌ Failed to create stock table: %v", err)
	}
	if err := inventory.Exec(ctx, "INSERT INTO stock (sku, units) VALUES ('gadget', 3)"); err != nil {
		log.Fatalf("❌ Failed to seed stock: %v", err)
	}
	if err := audit.Exec(ctx, "CREATE TABLE dtc_audit_log (event_id TEXT PRIMARY KEY, global_id TEXT, coordinator_id TEXT, participant TEXT, kind TEXT, phase TEXT, detail TEXT, recorded_at TIMESTAMP)"); err != nil {
		log.Fatalf("❌ Failed to create audit table: %v", err)
	}

	sink := dtc.NewSQLAuditSink(audit, "dtc_audit_log", zlog)
	coord := dtc.New(dtc.Config{CoordinatorID: "e2e"}, zlog, sink)
	if err := coord.AddParticipant("ledger", ledger); err != nil {
		log.Fatalf("❌ Failed to enlist ledger: %v", err)
	}
	if err := coord.AddParticipant("inventory", inventory); err != nil {
		log.Fatalf("❌ Failed to enlist inventory: %v", err)
	}

	// --- Scenario 1: a purchase commits on both databases ---
	log.Println("🚀 COORDINATOR: Running a purchase across ledger and inventory...")
	results, gtx, err := coord.Run(ctx, map[string]dtc.Operation{
		"ledger": func(ctx context.Context, res resource.Resource) (any, error) {
			if err := res.Exec(ctx, "UPDATE accounts SET balance = balance - 30 WHERE id = 1"); err != nil {
				return nil, err
			}
			return "debited 30", nil
		},
		"inventory": func(ctx context.Context, res resource.Resource) (any, error) {
			if err := res.Exec(ctx, "UPDATE stock SET units = units - 1 WHERE sku = 'gadget'"); err != nil {
				return nil, err
			}
			var left int64
			if err := res.QueryRow(ctx, "SELECT units FROM stock WHERE sku = 'gadget'").Scan(&left); err != nil {
				return nil, err
			}
			return left, nil
		},
	})
	if err != nil {
		log.Fatalf("❌ Purchase failed: %v", err)
	}
	log.Printf("✅ COORDINATOR: Global transaction %s reached %s", gtx.ID, gtx.Phase)
	for _, p := range gtx.Participants() {
		log.Printf("   participant %s: state=%s result=%v", p.Name, p.State, results[p.Name])
	}

	var balance, units int64
	if err := ledger.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = 1").Scan(&balance); err != nil {
		log.Fatalf("❌ Failed to read balance: %v", err)
	}
	if err := inventory.QueryRow(ctx, "SELECT units FROM stock WHERE sku = 'gadget'").Scan(&units); err != nil {
		log.Fatalf("❌ Failed to read stock: %v", err)
	}
	if balance != 70 || units != 2 {
		log.Fatalf("❌ Expected balance=70 units=2 after commit, found balance=%d units=%d", balance, units)
	}

	// --- Scenario 2: a stock check fails and both databases roll back ---
	errNoStock := errors.New("insufficient stock")
	log.Println("🚀 COORDINATOR: Running a purchase that must abort...")
	_, gtx, err = coord.Run(ctx, map[string]dtc.Operation{
		"ledger": func(ctx context.Context, res resource.Resource) (any, error) {
			if err := res.Exec(ctx, "UPDATE accounts SET balance = balance - 90 WHERE id = 1"); err != nil {
				return nil, err
			}
			return "debited 90", nil
		},
		"inventory": func(ctx context.Context, res resource.Resource) (any, error) {
			var left int64
			if err := res.QueryRow(ctx, "SELECT units FROM stock WHERE sku = 'gadget'").Scan(&left); err != nil {
				return nil, err
			}
			if left < 5 {
				return nil, errNoStock
			}
			if err := res.Exec(ctx, "UPDATE stock SET units = units - 5 WHERE sku = 'gadget'"); err != nil {
				return nil, err
			}
			return left - 5, nil
		},
	})
	if err == nil {
		log.Fatalf("❌ Expected the purchase to abort")
	}
	var derr *dtc.DistributedTransactionError
	if !errors.As(err, &derr) || !errors.Is(err, errNoStock) {
		log.Fatalf("❌ Expected a distributed transaction error wrapping the stock check, got: %v", err)
	}
	log.Printf("✅ COORDINATOR: Aborted as scripted: phase=%s cause=%v", gtx.Phase, derr.Err)

	if err := ledger.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = 1").Scan(&balance); err != nil {
		log.Fatalf("❌ Failed to re-read balance: %v", err)
	}
	if err := inventory.QueryRow(ctx, "SELECT units FROM stock WHERE sku = 'gadget'").Scan(&units); err != nil {
		log.Fatalf("❌ Failed to re-read stock: %v", err)
	}
	if balance != 70 || units != 2 {
		log.Fatalf("❌ Abort leaked state: balance=%d units=%d", balance, units)
	}

	// --- Scenario 3: the audit trail recorded both outcomes ---
	rows, err := audit.Query(ctx, "SELECT kind, participant, phase, global_id FROM dtc_audit_log ORDER BY rowid")
	if err != nil {
		log.Fatalf("❌ Failed to read audit trail: %v", err)
	}
	total := 0
	for rows.Next() {
		var kind, participant, phase, globalID string
		if err := rows.Scan(&kind, &participant, &phase, &globalID); err != nil {
			rows.Close()
			log.Fatalf("❌ Failed to scan audit row: %v", err)
		}
		if participant == "" {
			participant = "<global>"
		}
		log.Printf("   audit: %-13s %-10s phase=%-10s %s", kind, participant, phase, globalID)
		total++
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		log.Fatalf("❌ Failed while reading audit trail: %v", err)
	}
	rows.Close()
	// 6 events on the commit path, 3 on the abort path.
	if total != 9 {
		log.Fatalf("❌ Expected 9 audit events, found %d", total)
	}
	log.Printf("✅ COORDINATOR: Audit trail holds %d events.", total)

	// --- Scenario 4: the recovery sweep is quiet when nothing is prepared ---
	pending, err := coord.RecoverPendingTransactions(ctx)
	if err != nil {
		log.Fatalf("❌ Recovery sweep failed: %v", err)
	}
	if len(pending) != 0 {
		log.Fatalf("❌ Recovery sweep reported %d pending transactions on a clean system", len(pending))
	}
	log.Println("✅ COORDINATOR: Recovery sweep found no pending transactions.")

	log.Println("✅ E2E: All scenarios passed.")
}
