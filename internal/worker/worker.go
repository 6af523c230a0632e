package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"workout-ingest/internal/config"
	"workout-ingest/internal/metrics"
)

// SweepResult counts the outcomes of one sweep
type SweepResult struct {
	ID             string
	Claimed        int
	Outcomes       map[Outcome]int
	BudgetExceeded bool
}

// Worker drains due queue items on a fixed interval
type Worker struct {
	store     Store
	processor *Processor
	services  []string
	cfg       config.QueueConfig
	logger    *slog.Logger
}

// NewWorker creates a new queue worker for the given services
func NewWorker(store Store, processor *Processor, services []string, cfg config.QueueConfig) *Worker {
	return &Worker{
		store:     store,
		processor: processor,
		services:  services,
		cfg:       cfg,
		logger:    slog.Default(),
	}
}

// Serve runs a sweep every interval until ctx is done. It implements
// suture.Service.
func (w *Worker) Serve(ctx context.Context) error {
	w.logger.Info("Starting queue worker", "interval", w.cfg.SweepInterval, "services", w.services)

	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping queue worker")
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

func (w *Worker) String() string {
	return "queue-worker"
}

// Sweep processes up to SweepLimit due items per service. Items left over
// when the sweep budget runs out wait for the next sweep.
func (w *Worker) Sweep(ctx context.Context) *SweepResult {
	start := time.Now()
	result := &SweepResult{
		ID:       uuid.NewString(),
		Outcomes: make(map[Outcome]int),
	}
	logger := w.logger.With("sweep_id", result.ID)

	metrics.WorkerActive.Set(1)
	defer metrics.WorkerActive.Set(0)

	ctx, cancel := context.WithTimeout(ctx, w.cfg.SweepBudget)
	defer cancel()

	failed := false
	for _, service := range w.services {
		items, err := w.store.ClaimDue(ctx, service, w.cfg.SweepLimit, w.cfg.RetryCountMax, w.cfg.ClaimLease)
		if err != nil {
			logger.Error("Failed to claim due queue items", "service", service, "error", err)
			failed = true
			continue
		}

		result.Claimed += len(items)
		logger.Info("Claimed due queue items", "service", service, "count", len(items))

		for n, item := range items {
			if ctx.Err() != nil {
				result.BudgetExceeded = true
				break
			}

			outcome, err := w.processor.ProcessQueueItem(ctx, item)
			if err != nil {
				logger.Error("Failed to process queue item", "service", service, "queue_item_id", item.ID, "error", err)
			}
			result.Outcomes[outcome]++
			logger.Info("Parsed queue item", "service", service, "n", n+1, "total", len(items), "outcome", outcome)
		}

		if result.BudgetExceeded {
			break
		}
	}

	duration := time.Since(start)
	metrics.SweepDuration.Observe(duration.Seconds())

	outcome := metrics.OutcomeCompleted
	switch {
	case result.BudgetExceeded:
		outcome = metrics.OutcomeBudgetExceeded
		logger.Warn("Sweep budget exceeded, remaining items wait for the next sweep", "budget", w.cfg.SweepBudget)
	case failed:
		outcome = metrics.OutcomeError
	case result.Claimed == 0:
		outcome = metrics.OutcomeIdle
	}
	metrics.SweepRunsTotal.WithLabelValues(outcome).Inc()

	logger.Info("Sweep finished",
		"claimed", result.Claimed,
		"processed", result.Outcomes[OutcomeProcessed],
		"duration_ms", duration.Milliseconds())
	return result
}
