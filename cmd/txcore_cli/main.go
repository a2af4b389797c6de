package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/lunoradb/txcore/config"
	"github.com/lunoradb/txcore/core/deadlock"
	"github.com/lunoradb/txcore/core/dtc"
	"github.com/lunoradb/txcore/core/isolation"
	"github.com/lunoradb/txcore/core/resource"
	"github.com/lunoradb/txcore/core/txn"
	"github.com/lunoradb/txcore/pkg/logger"
	"github.com/lunoradb/txcore/pkg/telemetry"
)

var (
	driverName = flag.String("driver", "sqlite3", "Database driver: mysql, postgres or sqlite3")
	dsn        = flag.String("dsn", ":memory:", "Data source name of the target database")
	configPath = flag.String("config", "", "Optional YAML configuration file")
)

// session bundles the pieces the console commands operate on.
type session struct {
	res     *resource.SQLResource
	mgr     *txn.Manager
	iso     *isolation.Manager
	handler *deadlock.Handler
	coord   *dtc.Coordinator
}

// processCommand handles a single console command. It returns true when the
// console should exit.
func processCommand(ctx context.Context, s *session, args []string) bool {
	command := strings.ToLower(args[0])

	switch command {
	case "begin":
		opts := &txn.TxOptions{}
		for _, arg := range args[1:] {
			if strings.EqualFold(arg, "readonly") {
				opts.ReadOnly = true
				continue
			}
			level, err := isolation.ParseLevel(arg)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				return false
			}
			opts.Isolation = level
		}
		if err := s.mgr.BeginTx(ctx, opts); err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		fmt.Printf("Transaction open at level %d.\n", s.mgr.Level())
	case "commit":
		if err := s.mgr.Commit(ctx); err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		fmt.Printf("Committed. Level is now %d.\n", s.mgr.Level())
	case "rollback":
		if err := s.mgr.Rollback(ctx); err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		fmt.Printf("Rolled back. Level is now %d.\n", s.mgr.Level())
	case "status":
		fmt.Printf("driver=%s level=%d active=%t isolation=%s read_only=%t\n",
			s.res.DriverName(), s.mgr.Level(), s.mgr.Active(), s.mgr.IsolationLevel(), s.mgr.ReadOnly())
	case "exec":
		if len(args) < 2 {
			fmt.Println("Error: exec requires a SQL statement.")
			return false
		}
		if err := s.res.Exec(ctx, strings.Join(args[1:], " ")); err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		fmt.Println("OK")
	case "retry":
		if len(args) < 2 {
			fmt.Println("Error: retry requires a SQL statement.")
			return false
		}
		stmt := strings.Join(args[1:], " ")
		err := s.handler.WithRetry(ctx, func(ctx context.Context) error {
			return s.res.Exec(ctx, stmt)
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		fmt.Println("OK")
	case "query":
		if len(args) < 2 {
			fmt.Println("Error: query requires a SQL statement.")
			return false
		}
		rows, err := s.res.Query(ctx, strings.Join(args[1:], " "))
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		count := 0
		for rows.Next() {
			var v any
			if err := rows.Scan(&v); err != nil {
				fmt.Printf("Error: %v\n", err)
				break
			}
			fmt.Printf("  %v\n", v)
			count++
		}
		if err := rows.Err(); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
		rows.Close()
		fmt.Printf("(%d rows, first column only)\n", count)
	case "isolation":
		if len(args) == 1 {
			level, err := s.iso.Current(ctx, s.res)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				return false
			}
			fmt.Printf("Current isolation level: %s\n", level)
			return false
		}
		level, err := isolation.ParseLevel(strings.Join(args[1:], " "))
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		if err := s.iso.Set(ctx, s.res, level); err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		fmt.Printf("Session isolation level set to %s.\n", level)
	case "timeout":
		if len(args) < 2 {
			fmt.Println("Error: timeout requires a number of seconds.")
			return false
		}
		secs, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		s.handler.ConfigureLockTimeout(ctx, s.res, time.Duration(secs)*time.Second)
		fmt.Println("Lock timeout configured (best effort).")
	case "pending":
		pending, err := s.coord.RecoverPendingTransactions(ctx)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		if len(pending) == 0 {
			fmt.Println("No pending prepared transactions.")
			return false
		}
		for _, p := range pending {
			when := "unknown"
			if !p.PreparedAt.IsZero() {
				when = p.PreparedAt.Format(time.RFC3339)
			}
			fmt.Printf("  participant=%s gid=%s prepared_at=%s\n", p.Participant, p.GlobalID, when)
		}
	case "help":
		fmt.Println("Commands:")
		fmt.Println("  begin [isolation level] [readonly]  open a transaction, or a savepoint when nested")
		fmt.Println("  commit                              commit the current level")
		fmt.Println("  rollback                            roll back the current level")
		fmt.Println("  status                              show driver, nesting level and transaction mode")
		fmt.Println("  exec <sql>                          run a statement")
		fmt.Println("  retry <sql>                         run a statement with conflict retry")
		fmt.Println("  query <sql>                         run a query, printing the first column of each row")
		fmt.Println("  isolation [level]                   show or set the session isolation level")
		fmt.Println("  timeout <seconds>                   configure the session lock-wait timeout")
		fmt.Println("  pending                             list prepared transactions awaiting resolution")
		fmt.Println("  help")
		fmt.Println("  exit / quit")
	case "exit", "quit":
		return true
	default:
		fmt.Println("Error: Unknown command. Type 'help' for a list of commands.")
	}
	return false
}

func main() {
	flag.Parse()
	ctx := context.Background()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	zlog, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	_, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer telShutdown(ctx)

	db, err := sql.Open(*driverName, *dsn)
	if err != nil {
		log.Fatalf("Failed to open %s database: %v", *driverName, err)
	}
	defer db.Close()
	// Session commands (SET SESSION, PRAGMA) and the transaction itself
	// must observe the same connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Failed to reach database: %v", err)
	}

	table := deadlock.DefaultSignatures()
	if cfg.SignaturesFile != "" {
		if table, err = deadlock.LoadSignatures(cfg.SignaturesFile); err != nil {
			log.Fatalf("Failed to load conflict signatures: %v", err)
		}
	}

	res := resource.NewSQLResource(db, *driverName)
	coord := dtc.New(cfg.Coordinator.Coordinator(), zlog, nil)
	if err := coord.AddParticipant("primary", res); err != nil {
		log.Fatalf("Failed to register participant: %v", err)
	}

	sess := &session{
		res:     res,
		mgr:     txn.NewManager(res, zlog),
		iso:     isolation.NewManager(zlog),
		handler: deadlock.NewHandler(cfg.Retry.Policy(), deadlock.NewClassifier(table), zlog),
		coord:   coord,
	}

	rl, err := readline.New("txcore> ")
	if err != nil {
		log.Fatalf("Failed to initialize console: %v", err)
	}
	defer rl.Close()

	fmt.Printf("txcore console on %s (%s). Type 'help' for commands, 'exit' to leave.\n", *driverName, *dsn)
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}

		args := strings.Fields(strings.TrimSpace(line))
		if len(args) == 0 {
			continue
		}
		if processCommand(ctx, sess, args) {
			break
		}
	}

	if sess.mgr.Active() {
		fmt.Println("Rolling back open transaction.")
	}
	for sess.mgr.Active() {
		if err := sess.mgr.Rollback(ctx); err != nil {
			zlog.Error("rollback on exit failed", zap.Error(err))
			break
		}
	}
}
