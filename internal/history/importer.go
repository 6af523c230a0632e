// Package history fans a user's third-party workout history out into queue items.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"workout-ingest/internal/config"
	"workout-ingest/internal/database"
	"workout-ingest/internal/metrics"
	"workout-ingest/internal/serviceapi"
)

// ImportNotAllowedError is returned while the user's import cooldown is running
type ImportNotAllowedError struct {
	NextAllowed time.Time
}

func (e *ImportNotAllowedError) Error() string {
	return fmt.Sprintf("history import not allowed until %s", e.NextAllowed.UTC().Format(time.RFC3339))
}

// Store persists import batches and throttling state
type Store interface {
	GetUserServiceMeta(ctx context.Context, userID, serviceName string) (*database.UserServiceMeta, error)
	CommitImportBatch(ctx context.Context, serviceName string, workouts []database.WorkoutRef, meta *database.UserServiceMeta) error
}

// TokenSource resolves usable service tokens
type TokenSource interface {
	GetTokens(ctx context.Context, userID, serviceName string) ([]*database.ServiceToken, error)
	GetTokenData(ctx context.Context, token *database.ServiceToken, forceRefresh bool) (*database.ServiceToken, error)
}

// Result summarises one import
type Result struct {
	Workouts      int
	Batches       int
	FailedBatches int
}

// Importer lists workouts from third-party services and enqueues them
type Importer struct {
	store            Store
	tokens           TokenSource
	providers        *serviceapi.Registry
	batchSize        int
	window           time.Duration
	activitiesPerDay int
	logger           *slog.Logger
	now              func() time.Time
}

// NewImporter creates a new history importer
func NewImporter(store Store, tokenSource TokenSource, providers *serviceapi.Registry, cfg config.QueueConfig) *Importer {
	return &Importer{
		store:            store,
		tokens:           tokenSource,
		providers:        providers,
		batchSize:        cfg.ImportBatchSize,
		window:           cfg.ImportWindow,
		activitiesPerDay: cfg.ActivitiesPerDay,
		logger:           slog.Default(),
		now:              time.Now,
	}
}

// NextAllowedImport returns when the user may import again. Users that never
// imported anything are not throttled.
func (i *Importer) NextAllowedImport(meta *database.UserServiceMeta) (time.Time, bool) {
	if meta.DidLastHistoryImport == nil || meta.ProcessedActivitiesCount == 0 {
		return time.Time{}, false
	}
	days := float64(meta.ProcessedActivitiesCount) / float64(i.activitiesPerDay)
	return meta.DidLastHistoryImport.Add(time.Duration(days * float64(24*time.Hour))), true
}

func (i *Importer) checkCooldown(ctx context.Context, userID, serviceName string) error {
	meta, err := i.store.GetUserServiceMeta(ctx, userID, serviceName)
	if err != nil {
		return err
	}
	next, throttled := i.NextAllowedImport(meta)
	if throttled && i.now().Before(next) {
		metrics.HistoryImportsTotal.WithLabelValues(serviceName, metrics.ResultBlocked).Inc()
		return &ImportNotAllowedError{NextAllowed: next}
	}
	return nil
}

// AddHistoryToQueue enqueues every workout of the user's tokens that started
// within [start, end]
func (i *Importer) AddHistoryToQueue(ctx context.Context, userID, serviceName string, start, end time.Time) (*Result, error) {
	if err := i.checkCooldown(ctx, userID, serviceName); err != nil {
		return nil, err
	}

	run := &importRun{startedAt: i.now()}
	if err := i.addHistory(ctx, run, userID, serviceName, start, end); err != nil {
		metrics.HistoryImportsTotal.WithLabelValues(serviceName, metrics.ResultFailure).Inc()
		return nil, err
	}

	metrics.HistoryImportsTotal.WithLabelValues(serviceName, metrics.ResultSuccess).Inc()
	return &run.result, nil
}

// ImportHistory splits [start, end] into windows and imports them in order,
// stopping at the first window that fails
func (i *Importer) ImportHistory(ctx context.Context, userID, serviceName string, start, end time.Time) (*Result, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("end date %s is before start date %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	if err := i.checkCooldown(ctx, userID, serviceName); err != nil {
		return nil, err
	}

	run := &importRun{startedAt: i.now()}
	for _, w := range SplitRange(start, end, i.window) {
		i.logger.Info("Importing history window", "user_id", userID, "service", serviceName, "start", w.Start, "end", w.End)
		if err := i.addHistory(ctx, run, userID, serviceName, w.Start, w.End); err != nil {
			metrics.HistoryImportsTotal.WithLabelValues(serviceName, metrics.ResultFailure).Inc()
			return &run.result, fmt.Errorf("failed to import window %s - %s: %w", w.Start.Format(time.DateOnly), w.End.Format(time.DateOnly), err)
		}
	}

	metrics.HistoryImportsTotal.WithLabelValues(serviceName, metrics.ResultSuccess).Inc()
	return &run.result, nil
}

// importRun carries the running total across batches and windows of one import
type importRun struct {
	startedAt time.Time
	result    Result
}

func (i *Importer) addHistory(ctx context.Context, run *importRun, userID, serviceName string, start, end time.Time) error {
	provider, err := i.providers.Get(serviceName)
	if err != nil {
		return err
	}

	serviceTokens, err := i.tokens.GetTokens(ctx, userID, serviceName)
	if err != nil {
		return fmt.Errorf("failed to get tokens: %w", err)
	}

	for _, stored := range serviceTokens {
		token, err := i.tokens.GetTokenData(ctx, stored, false)
		if err != nil {
			i.logger.Error("Skipping token", "user_id", userID, "service", serviceName, "user_name", stored.UserName, "error", err)
			continue
		}

		workouts, err := provider.ListWorkouts(ctx, token.AccessToken, token.UserName, start, end)
		if err != nil {
			return fmt.Errorf("failed to list workouts for %s: %w", token.UserName, err)
		}

		refs := filterRange(workouts, token.UserName, start, end)
		if len(refs) == 0 {
			i.logger.Info("No workouts found", "user_id", userID, "service", serviceName, "user_name", token.UserName, "start", start, "end", end)
			continue
		}

		metrics.HistoryImportWorkouts.WithLabelValues(serviceName).Observe(float64(len(refs)))
		i.commitBatches(ctx, run, userID, serviceName, refs)
	}

	return nil
}

func (i *Importer) commitBatches(ctx context.Context, run *importRun, userID, serviceName string, refs []database.WorkoutRef) {
	for _, batch := range chunk(refs, i.batchSize) {
		startedAt := run.startedAt
		meta := &database.UserServiceMeta{
			UserID:                   userID,
			ServiceName:              serviceName,
			DidLastHistoryImport:     &startedAt,
			ProcessedActivitiesCount: run.result.Workouts + len(batch),
		}

		if err := i.store.CommitImportBatch(ctx, serviceName, batch, meta); err != nil {
			i.logger.Error("Failed to commit import batch", "user_id", userID, "service", serviceName, "batch_size", len(batch), "error", err)
			metrics.HistoryImportBatchesTotal.WithLabelValues(serviceName, metrics.ResultFailure).Inc()
			run.result.FailedBatches++
			continue
		}

		run.result.Workouts += len(batch)
		run.result.Batches++
		metrics.HistoryImportBatchesTotal.WithLabelValues(serviceName, metrics.ResultSuccess).Inc()
		metrics.QueueEnqueueTotal.WithLabelValues(serviceName, metrics.SourceHistory).Add(float64(len(batch)))
		i.logger.Info("Committed import batch", "user_id", userID, "service", serviceName, "batch_size", len(batch), "total", run.result.Workouts)
	}
}

// filterRange keeps workouts that started within [start, end]; upstream
// listings are inclusive by day and may overshoot
func filterRange(workouts []serviceapi.WorkoutSummary, userName string, start, end time.Time) []database.WorkoutRef {
	var refs []database.WorkoutRef
	for _, w := range workouts {
		if w.StartTime.Before(start) || w.StartTime.After(end) {
			continue
		}
		refs = append(refs, database.WorkoutRef{UserName: userName, WorkoutID: w.ID})
	}
	return refs
}

func chunk(refs []database.WorkoutRef, size int) [][]database.WorkoutRef {
	var batches [][]database.WorkoutRef
	for size < len(refs) {
		refs, batches = refs[size:], append(batches, refs[:size:size])
	}
	if len(refs) > 0 {
		batches = append(batches, refs)
	}
	return batches
}
