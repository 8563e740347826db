package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lib/pq"

	"github.com/amirphl/loop-trader/internal/balance"
	"github.com/amirphl/loop-trader/internal/config"
	"github.com/amirphl/loop-trader/internal/db"
	"github.com/amirphl/loop-trader/internal/engine"
	"github.com/amirphl/loop-trader/internal/exchange"
	"github.com/amirphl/loop-trader/internal/executor"
	"github.com/amirphl/loop-trader/internal/notifier"
	"github.com/amirphl/loop-trader/internal/profit"
	"github.com/amirphl/loop-trader/internal/state"
	"github.com/amirphl/loop-trader/internal/utils"
)

func main() {
	// Load configuration
	cfg := config.MustLoadConfig()
	log.Println("Starting Loop Trader in mode:", cfg.Mode)

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Initialize storage: Postgres when configured, in-memory otherwise
	var storage db.Storage
	if cfg.DBConnStr != "" {
		if cfg.RunMigration {
			if err := runMigrations(ctx, cfg.DBConnStr); err != nil {
				log.Fatalf("Failed to run migrations: %v", err)
			}
		}
		pg, err := db.Open(cfg.DBConnStr)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		pg.GetDB().SetMaxOpenConns(cfg.DBMaxOpen)
		pg.GetDB().SetMaxIdleConns(cfg.DBMaxIdle)
		storage = pg
		log.Println("Connected to Postgres")
	} else {
		storage = db.NewMemory()
		log.Println("No DB configured, journaling in memory only")
	}

	// Set up notification system
	var notif notifier.Notifier
	if cfg.TelegramToken != "" {
		notif = notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChat)
	}

	fee, err := cfg.WallexFeeDec()
	if err != nil {
		log.Fatalf("Invalid wallex fee: %v", err)
	}
	safetyMargin, err := cfg.SafetyMarginDec()
	if err != nil {
		log.Fatalf("Invalid safety margin: %v", err)
	}
	feeEpsilon, err := cfg.FeeEpsilonDec()
	if err != nil {
		log.Fatalf("Invalid fee epsilon: %v", err)
	}

	// Market data always comes from the exchange; in dry-run mode only
	// the order flow is mocked.
	wallexGw := exchange.NewWallexGateway(cfg.WallexAPIKey, fee, notif)

	var gateway exchange.Gateway = wallexGw
	if cfg.Mode == "dry-run" {
		mock := exchange.NewMockGateway(wallexGw.Name())
		funds, err := cfg.FundsDec()
		if err != nil {
			log.Fatalf("Invalid funds: %v", err)
		}
		for asset, total := range funds {
			mock.SetBalance(exchange.Balance{Asset: asset, Available: total, Total: total})
		}
		gateway = mock
		log.Printf("Dry run: mocked order flow with %d seeded balances", len(funds))
	}

	catalog := exchange.NewCatalog(wallexGw)
	for _, vl := range cfg.VirtualLinks {
		catalog.AddVirtualLink(vl.Symbol, vl.FromExchange, vl.ToExchange)
		log.Printf("Virtual link: %s %s -> %s", vl.Symbol, vl.FromExchange, vl.ToExchange)
	}

	balances := balance.NewManager()
	go drainBalanceEvents(ctx, balances)

	flags := state.NewFlags()
	evaluator := profit.NewEvaluator(profit.Config{
		SafetyMargin: safetyMargin,
		FeeEpsilon:   feeEpsilon,
		Workers:      cfg.EvalWorkers,
	}, balances)
	exec := executor.New(gateway, balances, flags, notif)

	engine.Run(ctx, cfg, engine.Deps{
		Catalog:   catalog,
		Gateway:   gateway,
		Balances:  balances,
		Evaluator: evaluator,
		Executor:  exec,
		Flags:     flags,
		Storage:   storage,
		Notifier:  notif,
	})

	// Allow some time for cleanup
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	<-shutdownCtx.Done()
	log.Println("Shutdown complete")
}

// drainBalanceEvents writes balance mutations to the file log. The
// manager drops events on a slow consumer, so this can lag safely.
func drainBalanceEvents(ctx context.Context, balances *balance.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-balances.Events():
			utils.GetLogger().Printf("Balance | %s total=%s held=%s", ev.Fund, ev.Total, ev.Held)
		}
	}
}

// runMigrations creates the database if it doesn't exist and runs the schema.sql script
func runMigrations(ctx context.Context, connStr string) error {
	log.Println("Running database migrations...")

	// Parse connection string to extract database name
	u, err := url.Parse(connStr)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}

	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name not found in connection string")
	}

	// Create a connection string to the postgres database to create our database
	baseConnStr := fmt.Sprintf("postgres://%s:%s@%s/postgres%s",
		u.User.Username(),
		func() string {
			p, _ := u.User.Password()
			return p
		}(),
		u.Host,
		func() string {
			if u.RawQuery != "" {
				return "?" + u.RawQuery
			}
			return ""
		}())

	// Connect to the postgres database
	baseDB, err := sql.Open("postgres", baseConnStr)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer baseDB.Close()

	// Check if our database exists
	var exists bool
	err = baseDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}

	// Create the database if it doesn't exist
	if !exists {
		log.Printf("Creating database %s...", dbName)
		_, err = baseDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName)))
		if err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	// Connect to our database
	appDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer appDB.Close()

	// Read the schema.sql file
	schemaSQL, err := os.ReadFile("scripts/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}

	// Execute the schema.sql script
	_, err = appDB.ExecContext(ctx, string(schemaSQL))
	if err != nil {
		return fmt.Errorf("failed to execute schema.sql: %w", err)
	}

	log.Println("Database migrations completed successfully")
	return nil
}
