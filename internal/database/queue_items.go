package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"workout-ingest/internal/ids"
	"workout-ingest/internal/metrics"
)

// QueueState is the lifecycle tag of a queue item
type QueueState string

const (
	QueueStatePending   QueueState = "pending"
	QueueStateProcessed QueueState = "processed"
	QueueStateDead      QueueState = "dead"
)

// Backoff applied after each failed attempt, indexed by retry count
var backoffMinutes = []int{1, 5, 15, 30, 60, 120, 240}

// QueueItem is one (third-party user, workout) pair awaiting download and parse
type QueueItem struct {
	ServiceName string
	ID          string
	UserName    string
	WorkoutID   string

	State           QueueState
	RetryCount      int
	TotalRetryCount int
	LastError       *string
	NextEligibleAt  *time.Time
	ClaimedAt       *time.Time
	Version         int64

	ProcessedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// QueueItemError is one entry of a queue item's append-only error log
type QueueItemError struct {
	Message      string
	AtRetryCount int
	CreatedAt    time.Time
}

// QueueItemID derives the deterministic key of a (userName, workoutID) pair
func QueueItemID(userName, workoutID string) string {
	return ids.GenerateIDFromParts(userName, workoutID)
}

const queueItemColumns = `
	service_name, id, user_name, workout_id, state, retry_count, total_retry_count,
	last_error, next_eligible_at, claimed_at, version, processed_at, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (*QueueItem, error) {
	var item QueueItem
	var nextEligibleAt, claimedAt, processedAt *int64
	var createdAt, updatedAt int64

	err := row.Scan(
		&item.ServiceName, &item.ID, &item.UserName, &item.WorkoutID, &item.State,
		&item.RetryCount, &item.TotalRetryCount, &item.LastError,
		&nextEligibleAt, &claimedAt, &item.Version, &processedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.NextEligibleAt = timePtr(nextEligibleAt)
	item.ClaimedAt = timePtr(claimedAt)
	item.ProcessedAt = timePtr(processedAt)
	item.CreatedAt = fromMillis(createdAt)
	item.UpdatedAt = fromMillis(updatedAt)
	return &item, nil
}

// EnqueueQueueItem creates or overwrites the queue item for a workout.
// Re-enqueuing resets the retry state and sub-tasks; the lifetime retry total
// and the error log are kept.
func (db *DB) EnqueueQueueItem(ctx context.Context, serviceName, userName, workoutID string) (*QueueItem, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpEnqueueQueueItem))
	defer timer.ObserveDuration()

	var item *QueueItem
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		item, err = enqueueTx(ctx, tx, serviceName, userName, workoutID, time.Now())
		return err
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpEnqueueQueueItem).Inc()
		return nil, err
	}

	return item, nil
}

func enqueueTx(ctx context.Context, tx *sql.Tx, serviceName, userName, workoutID string, now time.Time) (*QueueItem, error) {
	id := QueueItemID(userName, workoutID)

	row := tx.QueryRowContext(ctx, `
		INSERT INTO queue_items (
			service_name, id, user_name, workout_id, state, retry_count, total_retry_count,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, 'pending', 0, 0, 1, ?, ?)
		ON CONFLICT(service_name, id) DO UPDATE SET
			user_name = excluded.user_name,
			workout_id = excluded.workout_id,
			state = 'pending',
			retry_count = 0,
			last_error = NULL,
			next_eligible_at = NULL,
			claimed_at = NULL,
			processed_at = NULL,
			version = queue_items.version + 1,
			updated_at = excluded.updated_at
		RETURNING `+queueItemColumns,
		serviceName, id, userName, workoutID, toMillis(now), toMillis(now))

	item, err := scanQueueItem(row)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue queue item: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM queue_item_tokens WHERE service_name = ? AND queue_item_id = ?
	`, serviceName, id); err != nil {
		return nil, fmt.Errorf("failed to reset queue item sub-tasks: %w", err)
	}

	return item, nil
}

// GetQueueItem loads a queue item, returning ErrNotFound if it does not exist
func (db *DB) GetQueueItem(ctx context.Context, serviceName, id string) (*QueueItem, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetQueueItem))
	defer timer.ObserveDuration()

	row := db.conn.QueryRowContext(ctx, `
		SELECT `+queueItemColumns+`
		FROM queue_items
		WHERE service_name = ? AND id = ?
	`, serviceName, id)

	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetQueueItem).Inc()
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return item, nil
}

// ClaimDue returns up to limit items that are ready for an attempt:
// - state is pending and retry_count is below maxRetry
// - next_eligible_at is NULL or in the past
// - claimed_at is NULL or older than the claim lease
// Each returned item must still be claimed with ClaimQueueItem before work starts.
func (db *DB) ClaimDue(ctx context.Context, serviceName string, limit, maxRetry int, lease time.Duration) ([]*QueueItem, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpClaimDue))
	defer timer.ObserveDuration()

	now := time.Now()
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+queueItemColumns+`
		FROM queue_items
		WHERE service_name = ?
		  AND state = 'pending'
		  AND retry_count < ?
		  AND (next_eligible_at IS NULL OR next_eligible_at <= ?)
		  AND (claimed_at IS NULL OR claimed_at < ?)
		ORDER BY updated_at ASC
		LIMIT ?
	`, serviceName, maxRetry, toMillis(now), toMillis(now.Add(-lease)), limit)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpClaimDue).Inc()
		return nil, fmt.Errorf("failed to query due queue items: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}

	return items, nil
}

// ClaimQueueItem takes the claim lease on a pending item with a
// compare-and-swap on its version. It returns ErrVersionConflict if another
// worker changed or claimed the item first.
func (db *DB) ClaimQueueItem(ctx context.Context, item *QueueItem, lease time.Duration) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpClaimQueueItem))
	defer timer.ObserveDuration()

	now := time.Now()
	var version int64
	err := db.conn.QueryRowContext(ctx, `
		UPDATE queue_items
		SET claimed_at = ?, version = version + 1, updated_at = ?
		WHERE service_name = ? AND id = ? AND version = ?
		  AND state = 'pending'
		  AND (claimed_at IS NULL OR claimed_at < ?)
		RETURNING version
	`, toMillis(now), toMillis(now), item.ServiceName, item.ID, item.Version,
		toMillis(now.Add(-lease))).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return ErrVersionConflict
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpClaimQueueItem).Inc()
		return fmt.Errorf("failed to claim queue item: %w", err)
	}

	item.Version = version
	item.ClaimedAt = &now
	return nil
}

// RecordFailure adds increment to the item's retry counters, appends errMsg to
// its error log and schedules the next attempt. Once retry_count reaches
// maxRetry the item is tagged dead. The claim is kept; call ReleaseClaim when
// the attempt is over.
func (db *DB) RecordFailure(ctx context.Context, item *QueueItem, increment, maxRetry int, errMsg string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpRecordFailure))
	defer timer.ObserveDuration()

	now := time.Now()
	retryCount := item.RetryCount + increment
	totalRetryCount := item.TotalRetryCount + increment

	state := QueueStatePending
	if retryCount >= maxRetry {
		state = QueueStateDead
	}

	backoffIdx := retryCount - 1
	if backoffIdx < 0 {
		backoffIdx = 0
	}
	if backoffIdx >= len(backoffMinutes) {
		backoffIdx = len(backoffMinutes) - 1
	}
	nextEligibleAt := now.Add(time.Duration(backoffMinutes[backoffIdx]) * time.Minute)

	var version int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE queue_items
			SET retry_count = ?,
			    total_retry_count = ?,
			    last_error = ?,
			    next_eligible_at = ?,
			    state = ?,
			    version = version + 1,
			    updated_at = ?
			WHERE service_name = ? AND id = ? AND version = ? AND state = 'pending'
			RETURNING version
		`, retryCount, totalRetryCount, errMsg, toMillis(nextEligibleAt), state, toMillis(now),
			item.ServiceName, item.ID, item.Version).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrVersionConflict
		}
		if err != nil {
			return fmt.Errorf("failed to update retry count: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_item_errors (service_name, queue_item_id, message, at_retry_count, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, item.ServiceName, item.ID, errMsg, totalRetryCount, toMillis(now)); err != nil {
			return fmt.Errorf("failed to append queue item error: %w", err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrVersionConflict) {
			metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpRecordFailure).Inc()
		}
		return err
	}

	item.RetryCount = retryCount
	item.TotalRetryCount = totalRetryCount
	item.LastError = &errMsg
	item.NextEligibleAt = &nextEligibleAt
	item.State = state
	item.Version = version
	item.UpdatedAt = now
	return nil
}

// MarkProcessed tags the item processed, which is terminal, and drops its claim
func (db *DB) MarkProcessed(ctx context.Context, item *QueueItem) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpMarkProcessed))
	defer timer.ObserveDuration()

	now := time.Now()
	var version int64
	err := db.conn.QueryRowContext(ctx, `
		UPDATE queue_items
		SET state = 'processed',
		    processed_at = ?,
		    claimed_at = NULL,
		    version = version + 1,
		    updated_at = ?
		WHERE service_name = ? AND id = ? AND version = ? AND state = 'pending'
		RETURNING version
	`, toMillis(now), toMillis(now), item.ServiceName, item.ID, item.Version).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return ErrVersionConflict
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpMarkProcessed).Inc()
		return fmt.Errorf("failed to mark queue item processed: %w", err)
	}

	item.State = QueueStateProcessed
	item.ProcessedAt = &now
	item.ClaimedAt = nil
	item.Version = version
	item.UpdatedAt = now
	return nil
}

// ReleaseClaim drops the claim lease so the item is visible to later sweeps
func (db *DB) ReleaseClaim(ctx context.Context, item *QueueItem) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpReleaseClaim))
	defer timer.ObserveDuration()

	var version int64
	err := db.conn.QueryRowContext(ctx, `
		UPDATE queue_items
		SET claimed_at = NULL, version = version + 1
		WHERE service_name = ? AND id = ? AND version = ?
		RETURNING version
	`, item.ServiceName, item.ID, item.Version).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return ErrVersionConflict
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpReleaseClaim).Inc()
		return fmt.Errorf("failed to release queue item claim: %w", err)
	}

	item.ClaimedAt = nil
	item.Version = version
	return nil
}

// GetQueueItemErrors returns the error log of an item, oldest first
func (db *DB) GetQueueItemErrors(ctx context.Context, serviceName, id string) ([]QueueItemError, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT message, at_retry_count, created_at
		FROM queue_item_errors
		WHERE service_name = ? AND queue_item_id = ?
		ORDER BY id ASC
	`, serviceName, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue item errors: %w", err)
	}
	defer rows.Close()

	var errs []QueueItemError
	for rows.Next() {
		var e QueueItemError
		var createdAt int64
		if err := rows.Scan(&e.Message, &e.AtRetryCount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue item error: %w", err)
		}
		e.CreatedAt = fromMillis(createdAt)
		errs = append(errs, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue item errors: %w", err)
	}
	return errs, nil
}

// ListQueueItemsByState returns the most recently updated items in a state
func (db *DB) ListQueueItemsByState(ctx context.Context, serviceName string, state QueueState, limit int) ([]*QueueItem, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListQueueItemsByState))
	defer timer.ObserveDuration()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+queueItemColumns+`
		FROM queue_items
		WHERE service_name = ? AND state = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, serviceName, state, limit)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListQueueItemsByState).Inc()
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}
	return items, nil
}

// QueueDepths counts queue items per service and state
func (db *DB) QueueDepths(ctx context.Context) ([]metrics.QueueDepth, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpQueueDepths))
	defer timer.ObserveDuration()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT service_name, state, COUNT(*)
		FROM queue_items
		GROUP BY service_name, state
		ORDER BY service_name, state
	`)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpQueueDepths).Inc()
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	var depths []metrics.QueueDepth
	for rows.Next() {
		var d metrics.QueueDepth
		if err := rows.Scan(&d.Service, &d.State, &d.Count); err != nil {
			return nil, fmt.Errorf("failed to scan queue depth: %w", err)
		}
		depths = append(depths, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue depths: %w", err)
	}
	return depths, nil
}
