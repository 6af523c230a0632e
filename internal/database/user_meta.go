package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"workout-ingest/internal/metrics"
)

// UserServiceMeta holds the history import throttling state of a user
type UserServiceMeta struct {
	UserID                   string
	ServiceName              string
	DidLastHistoryImport     *time.Time
	ProcessedActivitiesCount int
}

// GetUserServiceMeta returns the stored meta, or an empty one for users that
// never imported
func (db *DB) GetUserServiceMeta(ctx context.Context, userID, serviceName string) (*UserServiceMeta, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetUserServiceMeta))
	defer timer.ObserveDuration()

	meta := &UserServiceMeta{UserID: userID, ServiceName: serviceName}
	var didLast *int64

	err := db.conn.QueryRowContext(ctx, `
		SELECT did_last_history_import, processed_activities_count
		FROM user_service_meta
		WHERE user_id = ? AND service_name = ?
	`, userID, serviceName).Scan(&didLast, &meta.ProcessedActivitiesCount)

	if errors.Is(err, sql.ErrNoRows) {
		return meta, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetUserServiceMeta).Inc()
		return nil, fmt.Errorf("failed to get user service meta: %w", err)
	}

	meta.DidLastHistoryImport = timePtr(didLast)
	return meta, nil
}

// upsertUserServiceMetaTx merges the meta into the stored row
func upsertUserServiceMetaTx(ctx context.Context, tx *sql.Tx, meta *UserServiceMeta, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_service_meta (
			user_id, service_name, did_last_history_import, processed_activities_count, updated_at
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, service_name) DO UPDATE SET
			did_last_history_import = COALESCE(excluded.did_last_history_import, user_service_meta.did_last_history_import),
			processed_activities_count = excluded.processed_activities_count,
			updated_at = excluded.updated_at
	`, meta.UserID, meta.ServiceName, nullableMillis(meta.DidLastHistoryImport),
		meta.ProcessedActivitiesCount, toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to upsert user service meta: %w", err)
	}
	return nil
}
