/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty points server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env, environment config and command-line overrides
  2. Open the ledger store (sqlite, postgres or memory)
  3. Load the program file (action table, exchange rate, tiers, commissions)
  4. Build the engines around one ledger with a TTL balance cache
  5. Optionally connect the Neo4j referral graph and S3 ledger exports
  6. Start the audit scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides SERVER_PORT)
  -db      SQLite database path (overrides SQLITE_PATH)
           Use ":memory:" for in-memory database
  -env     Path to a .env file (default: .env)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SERVER_SHUTDOWN_TIMEOUT)
  3. Stop the audit scheduler
  4. Close the graph driver and the database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/loyalty.db"

  # Run against Postgres
  STORE_DRIVER=postgres DATABASE_URL=postgres://... ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - factory/program.go: Program file format
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/audit"
	"github.com/warp/loyalty-engine/cache"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/graph"
	"github.com/warp/loyalty-engine/logging"
	"github.com/warp/loyalty-engine/points"
	"github.com/warp/loyalty-engine/points/store"
	"github.com/warp/loyalty-engine/redemption"
	"github.com/warp/loyalty-engine/referral"
	"github.com/warp/loyalty-engine/rewards"
	"github.com/warp/loyalty-engine/store/postgres"
	"github.com/warp/loyalty-engine/store/sqlite"
	"github.com/warp/loyalty-engine/topup"
)

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides SERVER_PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides SQLITE_PATH)")
	envFile := flag.String("env", ".env", "Path to a .env file")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	if *dbPath != "" {
		cfg.Store.SQLitePath = *dbPath
	}

	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// Initialize store
	ledgerStore, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	if c, ok := ledgerStore.(io.Closer); ok {
		defer c.Close()
	}
	logger.Info("ledger store ready", "driver", cfg.Store.Driver)

	// Program
	settings, err := factory.NewProgramFactory().LoadFile(cfg.Program.File)
	if err != nil {
		return fmt.Errorf("load program: %w", err)
	}
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
		settings.Location = loc
	}

	// Engines
	balances := cache.NewTTL[points.OwnerID, points.Balance](cfg.Cache.BalanceTTL)
	ledger := points.NewLedger(ledgerStore, points.WithBalanceCache(balances))
	awards := rewards.NewEngine(ledger, settings.Program,
		rewards.WithLocation(settings.Location), rewards.WithLogger(logger))

	refOpts := []referral.Option{referral.WithLogger(logger)}
	if cfg.Graph.Enabled() {
		client, err := graph.NewNeo4jClient(ctx, graph.Options{
			URI:            cfg.Graph.URI,
			Database:       cfg.Graph.Database,
			Username:       cfg.Graph.Username,
			Password:       cfg.Graph.Password,
			MaxConnections: cfg.Graph.MaxConnections,
		})
		if err != nil {
			return fmt.Errorf("connect referral graph: %w", err)
		}
		defer client.Close(context.Background())
		refOpts = append(refOpts, referral.WithGraph(referral.NewNeo4jGraph(client)))
		logger.Info("referral graph connected", "uri", cfg.Graph.URI)
	}
	referrals := referral.NewEngine(ledger, awards,
		referral.NewCodes(ledgerStore, ledger.Clock()), settings.Referral, refOpts...)

	verifier := audit.NewVerifier(ledger, cfg.Audit.Repair, logger)
	var exporter *audit.Exporter
	if cfg.Audit.ExportEnabled() {
		putter, err := audit.NewS3Putter(ctx, audit.S3Options{
			Region:          cfg.Audit.S3Region,
			Bucket:          cfg.Audit.S3Bucket,
			Endpoint:        cfg.Audit.S3Endpoint,
			AccessKeyID:     cfg.Audit.S3KeyID,
			SecretAccessKey: cfg.Audit.S3Secret,
		})
		if err != nil {
			return fmt.Errorf("configure ledger export: %w", err)
		}
		exporter = audit.NewExporter(ledger, putter, cfg.Audit.S3Prefix, logger)
	}

	scheduler := audit.NewScheduler(verifier, exporter, cfg.Audit.Interval, logger)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start audit scheduler: %w", err)
	}
	defer scheduler.Stop()

	handler := &api.Handler{
		Ledger:           ledger,
		Awards:           awards,
		Redemption:       redemption.NewEngine(ledger, settings.Redemption, logger),
		Referrals:        referrals,
		TopUps:           topup.NewGateway(ledger, settings.TopUpTiers, logger),
		Verifier:         verifier,
		Exporter:         exporter,
		Flags:            cache.NewFlags(cache.ParseFlags(cfg.Cache.FeatureFlags), cfg.Cache.FlagsTTL, logger),
		BalanceCache:     balances,
		WebhookSecrets:   cfg.Webhook.Secrets(),
		WebhookTolerance: cfg.Webhook.Tolerance,
		Log:              logger,
	}
	if len(handler.WebhookSecrets) == 0 {
		logger.Warn("PAYMENT_WEBHOOK_SECRET not set; payment webhooks are disabled")
	}

	// Create router
	router := api.NewRouter(handler, api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer),
		api.RouterOptions{AllowedOrigins: cfg.HTTP.AllowedOrigins()})

	// Create server
	server := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(cfg config.StoreConfig) (points.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.New(cfg.SQLitePath)
	case "postgres":
		return postgres.New(cfg.DatabaseURL)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
