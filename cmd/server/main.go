/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the LP inventory ledger server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load config (file + env)
  2. Configure logging
  3. Initialize SQLite store
  4. Create ledger engine and genealogy tracer
  5. Configure HTTP router, start expiry sweeper
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Config file path (optional; lp-engine.yaml is found automatically)
  -addr    HTTP listen address (overrides config)
  -db      SQLite database path (overrides config)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the expiry sweeper
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/lp.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on a different address
  ./server -addr=":3000"

ENVIRONMENT:
  LP_HTTP_ADDR, LP_DB_PATH, LP_LOG_LEVEL, LP_METRICS_ENABLED,
  LP_SWEEPER_ENABLED (see config package).

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/plateflow/lp-engine/api"
	"github.com/plateflow/lp-engine/config"
	"github.com/plateflow/lp-engine/ledger"
	"github.com/plateflow/lp-engine/metrics"
	"github.com/plateflow/lp-engine/store/sqlite"
)

func main() {
	configFile := flag.String("config", "", "config file path")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	}

	// Store
	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	// Metrics
	var reg *prometheus.Registry
	var rec *metrics.Recorder
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		rec = metrics.NewRecorder(reg)
	}

	// Engine and tracer
	engine := ledger.NewEngine(store,
		ledger.WithLogger(log),
		ledger.WithMetrics(rec),
	)
	tracer := ledger.NewTracer(store)

	// HTTP layer
	handler := api.NewHandler(engine, tracer, log)
	var gatherer prometheus.Gatherer
	if reg != nil {
		gatherer = reg
	}
	router := api.NewRouter(handler, gatherer)

	// Expiry sweeper
	sweeper := api.NewExpirySweeper(engine, ledger.OrgID(cfg.Sweeper.Org), log)
	sweeper.Enabled = cfg.Sweeper.Enabled
	if cfg.Sweeper.Interval > 0 {
		sweeper.CheckInterval = cfg.Sweeper.Interval
	}
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}

	log.Info("server stopped")
}
