package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"workout-ingest/internal/metrics"
)

// WorkoutRef names a third-party workout to enqueue
type WorkoutRef struct {
	UserName  string
	WorkoutID string
}

// CommitImportBatch enqueues every workout of the batch and merges meta into
// the user's throttling state, all in one transaction
func (db *DB) CommitImportBatch(ctx context.Context, serviceName string, workouts []WorkoutRef, meta *UserServiceMeta) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpCommitImportBatch))
	defer timer.ObserveDuration()

	now := time.Now()
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, w := range workouts {
			if _, err := enqueueTx(ctx, tx, serviceName, w.UserName, w.WorkoutID, now); err != nil {
				return err
			}
		}
		return upsertUserServiceMetaTx(ctx, tx, meta, now)
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpCommitImportBatch).Inc()
		return err
	}

	return nil
}
