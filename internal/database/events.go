package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"workout-ingest/internal/metrics"
	"workout-ingest/internal/model"
)

// CompressedStream is a stream whose samples are already gzip encoded
type CompressedStream struct {
	Type string
	Data []byte
}

// ActivityWrite is one activity document together with its streams
type ActivityWrite struct {
	Activity *model.Activity
	Streams  []CompressedStream
}

// WriteActivities stores the activities of an event, their streams and the
// event's provenance record in one transaction. Existing documents with the
// same ids are overwritten.
func (db *DB) WriteActivities(ctx context.Context, userID, eventID string, writes []ActivityWrite, meta *model.MetaData) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpWriteActivities))
	defer timer.ObserveDuration()

	now := toMillis(time.Now())
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, w := range writes {
			doc, err := json.Marshal(w.Activity)
			if err != nil {
				return fmt.Errorf("failed to marshal activity %s: %w", w.Activity.ID, err)
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO activities (user_id, event_id, activity_id, activity_type, start_date, document, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(user_id, event_id, activity_id) DO UPDATE SET
					activity_type = excluded.activity_type,
					start_date = excluded.start_date,
					document = excluded.document,
					updated_at = excluded.updated_at
			`, userID, eventID, w.Activity.ID, w.Activity.Type, toMillis(w.Activity.StartDate), string(doc), now); err != nil {
				return fmt.Errorf("failed to write activity %s: %w", w.Activity.ID, err)
			}

			for _, s := range w.Streams {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO streams (user_id, event_id, activity_id, stream_type, data, updated_at)
					VALUES (?, ?, ?, ?, ?, ?)
					ON CONFLICT(user_id, event_id, activity_id, stream_type) DO UPDATE SET
						data = excluded.data,
						updated_at = excluded.updated_at
				`, userID, eventID, w.Activity.ID, s.Type, s.Data, now); err != nil {
					return fmt.Errorf("failed to write stream %s of activity %s: %w", s.Type, w.Activity.ID, err)
				}
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO event_meta_data (user_id, event_id, service_name, service_workout_id, service_user_name, date)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, event_id, service_name) DO UPDATE SET
				service_workout_id = excluded.service_workout_id,
				service_user_name = excluded.service_user_name,
				date = excluded.date
		`, userID, eventID, meta.ServiceName, meta.ServiceWorkoutID, meta.ServiceUserName, toMillis(meta.Date)); err != nil {
			return fmt.Errorf("failed to write event meta data: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpWriteActivities).Inc()
		return err
	}

	return nil
}

// WriteEvent stores the parent event document
func (db *DB) WriteEvent(ctx context.Context, userID string, event *model.Event) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpWriteEvent))
	defer timer.ObserveDuration()

	doc, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO events (user_id, event_id, name, start_date, end_date, document, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, event_id) DO UPDATE SET
			name = excluded.name,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			document = excluded.document,
			updated_at = excluded.updated_at
	`, userID, event.ID, event.Name, toMillis(event.StartDate), toMillis(event.EndDate), string(doc),
		toMillis(time.Now()))
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpWriteEvent).Inc()
		return fmt.Errorf("failed to write event %s: %w", event.ID, err)
	}

	return nil
}

// GetEvent loads an event with its activities. Stream payloads are not loaded.
func (db *DB) GetEvent(ctx context.Context, userID, eventID string) (*model.Event, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetEvent))
	defer timer.ObserveDuration()

	var doc string
	err := db.conn.QueryRowContext(ctx, `
		SELECT document FROM events WHERE user_id = ? AND event_id = ?
	`, userID, eventID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetEvent).Inc()
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	var event model.Event
	if err := json.Unmarshal([]byte(doc), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event %s: %w", eventID, err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT document FROM activities
		WHERE user_id = ? AND event_id = ?
		ORDER BY start_date ASC, activity_id ASC
	`, userID, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var activityDoc string
		if err := rows.Scan(&activityDoc); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		var activity model.Activity
		if err := json.Unmarshal([]byte(activityDoc), &activity); err != nil {
			return nil, fmt.Errorf("failed to unmarshal activity: %w", err)
		}
		event.Activities = append(event.Activities, &activity)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activities: %w", err)
	}

	return &event, nil
}

// GetStream returns the decompressed samples of one stream
func (db *DB) GetStream(ctx context.Context, userID, eventID, activityID, streamType string) (*model.Stream, error) {
	var data []byte
	err := db.conn.QueryRowContext(ctx, `
		SELECT data FROM streams
		WHERE user_id = ? AND event_id = ? AND activity_id = ? AND stream_type = ?
	`, userID, eventID, activityID, streamType).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}

	return DecompressStream(streamType, data)
}

// GetEventMetaData returns the provenance record an event was written with
func (db *DB) GetEventMetaData(ctx context.Context, userID, eventID, serviceName string) (*model.MetaData, error) {
	var meta model.MetaData
	var date int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT service_name, service_workout_id, service_user_name, date
		FROM event_meta_data
		WHERE user_id = ? AND event_id = ? AND service_name = ?
	`, userID, eventID, serviceName).Scan(&meta.ServiceName, &meta.ServiceWorkoutID, &meta.ServiceUserName, &date)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event meta data: %w", err)
	}

	meta.Date = fromMillis(date)
	return &meta, nil
}

// CountEvents returns how many events a user has stored
func (db *DB) CountEvents(ctx context.Context, userID string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE user_id = ?`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}
