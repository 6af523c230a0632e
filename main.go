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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"workout-ingest/internal/auth"
	"workout-ingest/internal/config"
	"workout-ingest/internal/database"
	"workout-ingest/internal/fitfile"
	"workout-ingest/internal/handlers"
	"workout-ingest/internal/history"
	"workout-ingest/internal/metrics"
	"workout-ingest/internal/serviceapi"
	"workout-ingest/internal/supervisor"
	"workout-ingest/internal/tokens"
	"workout-ingest/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Set up logger
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting workout-ingest server",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"database", cfg.Database.Path,
		"log_level", cfg.LogLevel,
		"services", cfg.EnabledServices())

	// Open database
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	logger.Info("Database opened successfully")

	providers := serviceapi.NewRegistry(cfg)
	tokenManager := tokens.NewManager(db, providers)
	importer := history.NewImporter(db, tokenManager, providers, cfg.Queue)
	processor := worker.NewProcessor(db, tokenManager, providers, fitfile.NewDecoder(), cfg.Queue)
	queueWorker := worker.NewWorker(db, processor, cfg.EnabledServices(), cfg.Queue)
	verifier := auth.NewVerifier(cfg.Auth)

	router := handlers.NewRouter(cfg, handlers.Dependencies{
		Authenticator: verifier.Middleware,
		Importer:      importer,
		Tokens:        tokenManager,
		Queue:         db,
		Processor:     processor,
		Health:        db,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	tree := supervisor.NewTree(logger, supervisor.DefaultTreeConfig())
	tree.AddAPIService(supervisor.NewServerService("http-server", server, 10*time.Second))
	tree.AddBackgroundService(queueWorker)
	logger.Info("HTTP server listening", "addr", addr)

	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())

		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port)
		metricsServer := &http.Server{
			Addr:    metricsAddr,
			Handler: metricsMux,
		}

		tree.AddAPIService(supervisor.NewServerService("metrics-server", metricsServer, 10*time.Second))
		tree.AddBackgroundService(metrics.NewQueueDepthCollector(db, 15*time.Second))
		logger.Info("Metrics server listening", "addr", metricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Supervisor stopped with error", "error", err)
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logger.Warn("Services did not stop in time", "services", len(report))
	}

	logger.Info("Server stopped")
}
