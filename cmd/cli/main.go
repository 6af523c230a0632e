package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"workout-ingest/internal/auth"
	"workout-ingest/internal/config"
	"workout-ingest/internal/database"
	"workout-ingest/internal/fitfile"
	"workout-ingest/internal/history"
	"workout-ingest/internal/serviceapi"
	"workout-ingest/internal/tokens"
	"workout-ingest/internal/worker"
)

// app holds the components shared by every command
type app struct {
	cfg       *config.Config
	db        *database.DB
	tokens    *tokens.Manager
	importer  *history.Importer
	processor *worker.Processor
	worker    *worker.Worker
	verifier  *auth.Verifier
}

func main() {
	// Disable structured logging for CLI
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors
	})))

	a := &app{}
	root := &cobra.Command{
		Use:           "cli",
		Short:         "workout-ingest queue and import administration",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	root.AddCommand(
		a.sweepCmd(),
		a.enqueueCmd(),
		a.processCmd(),
		a.importCmd(),
		a.statsCmd(),
		a.deadCmd(),
		a.eventsCmd(),
		a.tokenCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		a.close()
		stop()
		os.Exit(1)
	}
}

func (a *app) open() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	providers := serviceapi.NewRegistry(cfg)
	a.cfg = cfg
	a.db = db
	a.tokens = tokens.NewManager(db, providers)
	a.importer = history.NewImporter(db, a.tokens, providers, cfg.Queue)
	a.processor = worker.NewProcessor(db, a.tokens, providers, fitfile.NewDecoder(), cfg.Queue)
	a.worker = worker.NewWorker(db, a.processor, cfg.EnabledServices(), cfg.Queue)
	a.verifier = auth.NewVerifier(cfg.Auth)
	return nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}
