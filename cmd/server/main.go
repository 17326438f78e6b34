/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loan ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (flags over environment)
  2. Set up logging
  3. Open the SQLite store (migrates and upgrades legacy loans)
  4. Build the ledger with metrics observer
  5. Start the accrual scheduler
  6. Serve HTTP until SIGINT/SIGTERM

COMMAND-LINE FLAGS (environment fallback):
  -port               HTTP server port (PORT, default 8080)
  -db                 SQLite database path (DB_PATH, default loans.db)
                      Use ":memory:" for in-memory database
  -log-level          debug | info | warn | error (LOG_LEVEL)
  -sweep-interval     Scheduler interval (SWEEP_INTERVAL, default 24h)
  -sweep-concurrency  Loans accrued in parallel (SWEEP_CONCURRENCY, default 4)
  -overpayment        reject | discard (OVERPAYMENT_POLICY)
  -scheduler          Run the scheduler (SCHEDULER_ENABLED, default true)
  -shutdown-timeout   Graceful shutdown timeout (default 30s)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete
  3. Stop the scheduler (waits for an in-flight sweep)
  4. Close database connection

EXAMPLES:
  ./server -db="./data/loans.db"
  SWEEP_INTERVAL=1h ./server -port=3000

SEE ALSO:
  - config.go: Configuration loading and validation
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/warp/loan-ledger/api"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/logging"
	"github.com/warp/loan-ledger/metrics"
	"github.com/warp/loan-ledger/store/sqlite"
)

func main() {
	cfg, err := LoadConfig(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.Setup(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(reg)

	l := ledger.New(store,
		ledger.WithLogger(logger),
		ledger.WithObserver(collector),
		ledger.WithOverpaymentPolicy(cfg.OverpaymentPolicy),
		ledger.WithSweepConcurrency(cfg.SweepConcurrency),
	)

	// Finish derived updates a previous process left pending
	if res, err := l.Outbox.DrainOutbox(ctx, 0); err != nil {
		logger.Warn("startup outbox drain failed", "error", err)
	} else if res.Completed > 0 || res.Failed > 0 {
		logger.Info("startup outbox drained", "completed", res.Completed, "failed", res.Failed)
	}

	handler := api.NewHandler(l, logger)
	handler.Scheduler.CheckInterval = cfg.SweepInterval
	handler.Scheduler.Enabled = cfg.SchedulerEnabled
	handler.Scheduler.Start()
	defer handler.Scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, collector.Handler()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", server.Addr,
			"db", cfg.DBPath,
			"overpayment", cfg.OverpaymentPolicy,
			"scheduler", cfg.SchedulerEnabled,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
