package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"workout-ingest/internal/config"
	"workout-ingest/internal/database"
	"workout-ingest/internal/fitfile"
	"workout-ingest/internal/ids"
	"workout-ingest/internal/metrics"
	"workout-ingest/internal/model"
	"workout-ingest/internal/serviceapi"
)

const errNoTokens = "No tokens found"

// Outcome is the result of one processing attempt
type Outcome string

const (
	OutcomeProcessed Outcome = metrics.ResultProcessed
	OutcomePartial   Outcome = metrics.ResultPartial
	OutcomeRetry     Outcome = metrics.ResultRetry
	OutcomeDead      Outcome = metrics.ResultDead
	OutcomeSkipped   Outcome = metrics.ResultSkipped
	OutcomeConflict  Outcome = metrics.ResultConflict
)

// Store is the queue and event storage used by the processor
type Store interface {
	GetQueueItem(ctx context.Context, serviceName, id string) (*database.QueueItem, error)
	ClaimDue(ctx context.Context, serviceName string, limit, maxRetry int, lease time.Duration) ([]*database.QueueItem, error)
	ClaimQueueItem(ctx context.Context, item *database.QueueItem, lease time.Duration) error
	RecordFailure(ctx context.Context, item *database.QueueItem, increment, maxRetry int, errMsg string) error
	MarkProcessed(ctx context.Context, item *database.QueueItem) error
	ReleaseClaim(ctx context.Context, item *database.QueueItem) error
	GetTokenSubtasks(ctx context.Context, serviceName, itemID string) (map[string]*database.TokenSubtask, error)
	CompleteTokenSubtask(ctx context.Context, serviceName, itemID string, token *database.ServiceToken) error
	FailTokenSubtask(ctx context.Context, serviceName, itemID string, token *database.ServiceToken, errMsg string) error
	WriteActivities(ctx context.Context, userID, eventID string, writes []database.ActivityWrite, meta *model.MetaData) error
	WriteEvent(ctx context.Context, userID string, event *model.Event) error
}

// TokenSource resolves usable service tokens
type TokenSource interface {
	GetTokensByUserName(ctx context.Context, serviceName, userName string) ([]*database.ServiceToken, error)
	GetTokenData(ctx context.Context, token *database.ServiceToken, forceRefresh bool) (*database.ServiceToken, error)
}

// Processor downloads, decodes and stores the workout behind a queue item
type Processor struct {
	store     Store
	tokens    TokenSource
	providers *serviceapi.Registry
	decoder   fitfile.Decoder
	cfg       config.QueueConfig
	logger    *slog.Logger
}

// NewProcessor creates a new queue item processor
func NewProcessor(store Store, tokenSource TokenSource, providers *serviceapi.Registry, decoder fitfile.Decoder, cfg config.QueueConfig) *Processor {
	return &Processor{
		store:     store,
		tokens:    tokenSource,
		providers: providers,
		decoder:   decoder,
		cfg:       cfg,
		logger:    slog.Default(),
	}
}

// tokenFailure describes why a token's share of an item failed and how much
// it costs the item's retry budget
type tokenFailure struct {
	increment int
	reason    string
	err       error
}

func (f *tokenFailure) Error() string {
	return f.err.Error()
}

func (f *tokenFailure) Unwrap() error {
	return f.err
}

// ProcessQueueItem makes one attempt at the item. The item is reloaded and
// claimed first, so processed or dead items and items claimed by another
// worker are left alone. Work failures are recorded on the item; only storage
// errors that prevent bookkeeping are returned.
func (p *Processor) ProcessQueueItem(ctx context.Context, item *database.QueueItem) (Outcome, error) {
	start := time.Now()
	outcome, err := p.processQueueItem(ctx, item)

	metrics.QueueAttemptsTotal.WithLabelValues(item.ServiceName, string(outcome)).Inc()
	metrics.QueueProcessingDuration.WithLabelValues(item.ServiceName, string(outcome)).Observe(time.Since(start).Seconds())
	return outcome, err
}

func (p *Processor) processQueueItem(ctx context.Context, item *database.QueueItem) (Outcome, error) {
	logger := p.logger.With("service", item.ServiceName, "queue_item_id", item.ID, "workout_id", item.WorkoutID)

	current, err := p.store.GetQueueItem(ctx, item.ServiceName, item.ID)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("failed to reload queue item: %w", err)
	}
	if current.State != database.QueueStatePending {
		logger.Debug("Queue item is no longer pending", "state", current.State)
		return OutcomeSkipped, nil
	}

	if err := p.store.ClaimQueueItem(ctx, current, p.cfg.ClaimLease); err != nil {
		if errors.Is(err, database.ErrVersionConflict) {
			logger.Info("Queue item claimed by another worker")
			return OutcomeConflict, nil
		}
		return OutcomeSkipped, err
	}
	defer p.release(logger, current)

	provider, err := p.providers.Get(current.ServiceName)
	if err != nil {
		return p.fail(ctx, logger, current, 1, metrics.ReasonDownload, err.Error())
	}

	serviceTokens, err := p.tokens.GetTokensByUserName(ctx, current.ServiceName, current.UserName)
	if err != nil {
		return OutcomeRetry, fmt.Errorf("failed to get tokens: %w", err)
	}
	if len(serviceTokens) == 0 {
		logger.Warn("No tokens found for queue item", "user_name", current.UserName)
		return p.fail(ctx, logger, current, 1, metrics.ReasonNoTokens, errNoTokens)
	}

	subtasks, err := p.store.GetTokenSubtasks(ctx, current.ServiceName, current.ID)
	if err != nil {
		return OutcomeRetry, err
	}

	completed := 0
	for _, token := range serviceTokens {
		if current.State != database.QueueStatePending {
			break
		}

		key := database.TokenKey(token)
		if s, ok := subtasks[key]; ok && s.Done {
			completed++
			continue
		}

		tokenLogger := logger.With("user_id", token.UserID, "user_name", token.UserName)
		err := p.processToken(ctx, provider, current, token)
		if err == nil {
			if err := p.store.CompleteTokenSubtask(ctx, current.ServiceName, current.ID, token); err != nil {
				tokenLogger.Error("Failed to record completed token", "error", err)
				continue
			}
			completed++
			continue
		}

		var failure *tokenFailure
		if !errors.As(err, &failure) {
			failure = &tokenFailure{increment: 1, reason: metrics.ReasonDownload, err: err}
		}
		tokenLogger.Error("Failed to process token", "reason", failure.reason, "error", failure.err)

		if err := p.store.FailTokenSubtask(ctx, current.ServiceName, current.ID, token, failure.err.Error()); err != nil {
			tokenLogger.Error("Failed to record token failure", "error", err)
		}
		if failure.increment > 0 {
			outcome, err := p.fail(ctx, tokenLogger, current, failure.increment, failure.reason, failure.err.Error())
			if err != nil || outcome == OutcomeConflict {
				return outcome, err
			}
		}
	}

	if completed < len(serviceTokens) {
		switch {
		case current.State == database.QueueStateDead:
			return OutcomeDead, nil
		case completed > 0:
			logger.Info("Queue item partially processed", "completed_tokens", completed, "tokens", len(serviceTokens))
			return OutcomePartial, nil
		default:
			return OutcomeRetry, nil
		}
	}

	if err := p.store.MarkProcessed(ctx, current); err != nil {
		if errors.Is(err, database.ErrVersionConflict) {
			logger.Warn("Queue item changed while processing")
			return OutcomeConflict, nil
		}
		return OutcomeRetry, err
	}

	metrics.QueueItemAge.WithLabelValues(current.ServiceName).Observe(time.Since(current.CreatedAt).Seconds())
	logger.Info("Queue item processed", "tokens", len(serviceTokens))
	return OutcomeProcessed, nil
}

// processToken imports the workout for one stored token
func (p *Processor) processToken(ctx context.Context, provider serviceapi.Provider, item *database.QueueItem, stored *database.ServiceToken) error {
	token, err := p.tokens.GetTokenData(ctx, stored, false)
	if err != nil {
		// The token is skipped this pass; it costs no retries
		return &tokenFailure{increment: 0, reason: metrics.ReasonTokenRefresh, err: err}
	}

	data, err := provider.DownloadWorkout(ctx, token.AccessToken, token.UserName, item.WorkoutID)
	if err != nil {
		if serviceapi.IsHardFailure(err) {
			return &tokenFailure{increment: p.cfg.HardFailureIncrement, reason: metrics.ReasonHardFailure, err: err}
		}
		return &tokenFailure{increment: 1, reason: metrics.ReasonDownload, err: err}
	}

	event, err := p.decoder.Decode(data)
	if err != nil {
		return &tokenFailure{increment: 1, reason: metrics.ReasonDecode, err: err}
	}
	AssignIDs(event, item.ServiceName, item.WorkoutID)

	meta := &model.MetaData{
		ServiceName:      item.ServiceName,
		ServiceWorkoutID: item.WorkoutID,
		ServiceUserName:  token.UserName,
		Date:             time.Now(),
	}
	if err := p.persist(ctx, token.UserID, event, meta); err != nil {
		return &tokenFailure{increment: 1, reason: metrics.ReasonPersist, err: err}
	}

	metrics.EventsPersistedTotal.WithLabelValues(item.ServiceName).Inc()
	return nil
}

// AssignIDs gives the event and its activities their deterministic IDs and
// labels the event with its start time
func AssignIDs(event *model.Event, serviceName, workoutID string) {
	event.ID = ids.GenerateIDFromParts(serviceName, workoutID)
	event.Name = event.StartDate.UTC().Format(time.RFC3339)
	for i, activity := range event.Activities {
		activity.ID = ids.GenerateIDFromParts(event.ID, strconv.Itoa(i))
	}
}

// persist writes the activities, their streams and the provenance record,
// then the event itself. A failed event write leaves the activities in place.
func (p *Processor) persist(ctx context.Context, userID string, event *model.Event, meta *model.MetaData) error {
	writes := make([]database.ActivityWrite, len(event.Activities))

	g, _ := errgroup.WithContext(ctx)
	for i, activity := range event.Activities {
		writes[i] = database.ActivityWrite{
			Activity: activity,
			Streams:  make([]database.CompressedStream, len(activity.Streams)),
		}
		for j, stream := range activity.Streams {
			g.Go(func() error {
				compressed, err := database.CompressStream(stream)
				if err != nil {
					return err
				}
				writes[i].Streams[j] = compressed
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := p.store.WriteActivities(ctx, userID, event.ID, writes, meta); err != nil {
		return err
	}
	return p.store.WriteEvent(ctx, userID, event)
}

// fail charges increment retries to the item and appends msg to its error log
func (p *Processor) fail(ctx context.Context, logger *slog.Logger, item *database.QueueItem, increment int, reason, msg string) (Outcome, error) {
	if err := p.store.RecordFailure(ctx, item, increment, p.cfg.RetryCountMax, msg); err != nil {
		if errors.Is(err, database.ErrVersionConflict) {
			logger.Warn("Queue item changed before failure could be recorded")
			return OutcomeConflict, nil
		}
		logger.Error("Failed to record queue item failure", "error", err)
		return OutcomeRetry, err
	}

	metrics.QueueRetryIncrementTotal.WithLabelValues(item.ServiceName, reason).Add(float64(increment))

	if item.State == database.QueueStateDead {
		logger.Warn("Queue item exceeded max retries",
			"retry_count", item.RetryCount,
			"total_retry_count", item.TotalRetryCount)
		return OutcomeDead, nil
	}

	logger.Info("Queue item released for retry",
		"retry_count", item.RetryCount,
		"increment", increment,
		"next_eligible_at", item.NextEligibleAt)
	return OutcomeRetry, nil
}

// release drops the claim unless MarkProcessed already did
func (p *Processor) release(logger *slog.Logger, item *database.QueueItem) {
	if item.ClaimedAt == nil {
		return
	}
	// The attempt may have been cancelled; the release must still happen
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.store.ReleaseClaim(ctx, item); err != nil {
		logger.Error("Failed to release queue item claim", "error", err)
	}
}
