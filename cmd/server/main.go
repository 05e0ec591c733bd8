/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the sales performance engine server. Handles
  configuration, dependency injection, scheduled synchronization and
  graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load YAML configuration
  2. Build the zap logger
  3. Open the SQLite store (auto-migrates)
  4. Wire source -> normalizer -> reconciliation -> orchestrator
  5. Wire rules -> ledger -> renewals -> snapshot builder
  6. Start the cron sync scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -config  Path to the YAML configuration file (optional; built-in
           defaults apply when omitted)
  -port    HTTP server port override
  -db      SQLite database path override (":memory:" for in-memory)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sync scheduler (waits for an in-flight run)
  2. Stop accepting new connections, drain active requests (30s)
  3. Close the database
  4. Exit

SEE ALSO:
  - config/config.go: Configuration shape and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meridian/sales-engine/api"
	"github.com/meridian/sales-engine/config"
	"github.com/meridian/sales-engine/contract"
	"github.com/meridian/sales-engine/ingest"
	"github.com/meridian/sales-engine/ledger"
	"github.com/meridian/sales-engine/logging"
	"github.com/meridian/sales-engine/reconcile"
	"github.com/meridian/sales-engine/renewal"
	"github.com/meridian/sales-engine/rules"
	"github.com/meridian/sales-engine/snapshot"
	"github.com/meridian/sales-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port override")
	dbPath := flag.String("db", "", "SQLite database path override")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *port != 0 {
		cfg.Server.Addr = fmt.Sprintf(":%d", *port)
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}

	logger, err := logging.New()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		logger.Fatal("opening database", zap.Error(err))
	}
	defer store.Close()

	// Ingestion side: external source -> normalizer -> reconciliation.
	source := ingest.NewHTTPSource(
		cfg.Source.BaseURL, cfg.Source.Username, cfg.Source.Password,
		ingest.DefaultRetryConfig(), ingest.DefaultBreakerConfig(), logger)
	normalizer := contract.NewNormalizer(cfg.Fields, cfg.Source.Name)
	reconciler := reconcile.NewEngine(store, store.Raws(), store.Customers(), logger)
	orch := ingest.NewOrchestrator(source, cfg.Source.Name, normalizer, reconciler,
		store.Runs(), ingest.Options{
			PageSize:     cfg.Ingest.PageSize,
			BatchSize:    cfg.Ingest.BatchSize,
			Concurrency:  cfg.Ingest.Concurrency,
			LookbackDays: cfg.Ingest.LookbackDays,
		}, logger)

	// Computation side: rules -> ledger -> renewals -> snapshots.
	resolver := rules.NewResolver(store.Rules(), logger)
	matcher := renewal.NewMatcher(store.Actions(), cfg.Renewal.GraceDays, logger)
	engine := ledger.NewEngine(store, store.Entries(), store.Locks(), resolver, matcher,
		ledger.EngineOptions{
			Statuses:     cfg.Statuses,
			LockedMonths: cfg.LockedMonths,
		}, logger)
	builder := snapshot.NewBuilder(store, engine, store.Curve(), store.Snapshots(),
		store.Runs(), store.Audit(), cfg.Statuses, logger)

	handler := api.NewHandler(api.HandlerDeps{
		Contracts: store,
		Customers: store.Customers(),
		Rules:     resolver,
		Engine:    engine,
		Entries:   store.Entries(),
		Locks:     store.Locks(),
		Matcher:   matcher,
		Actions:   store.Actions(),
		Orch:      orch,
		Runs:      store.Runs(),
		Builder:   builder,
		Snaps:     store.Snapshots(),
		Logger:    logger,
	})

	scheduler := api.NewSyncScheduler(orch, logger)
	if err := scheduler.Start(cfg.Ingest.Schedule); err != nil {
		logger.Fatal("starting sync scheduler", zap.Error(err))
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
