package database

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"workout-ingest/internal/metrics"
)

// TokenSubtask tracks the work of one stored token on one queue item
type TokenSubtask struct {
	UserID    string
	TokenID   string
	Done      bool
	Attempts  int
	LastError *string
	UpdatedAt time.Time
}

// Key identifies the token a sub-task belongs to
func (s *TokenSubtask) Key() string {
	return s.UserID + "/" + s.TokenID
}

// TokenKey identifies a stored token in sub-task lookups
func TokenKey(t *ServiceToken) string {
	return t.UserID + "/" + t.TokenID
}

// GetTokenSubtasks returns the sub-tasks of an item keyed by TokenKey
func (db *DB) GetTokenSubtasks(ctx context.Context, serviceName, itemID string) (map[string]*TokenSubtask, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpTokenSubtask))
	defer timer.ObserveDuration()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT user_id, token_id, status, attempts, last_error, updated_at
		FROM queue_item_tokens
		WHERE service_name = ? AND queue_item_id = ?
	`, serviceName, itemID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpTokenSubtask).Inc()
		return nil, fmt.Errorf("failed to query token sub-tasks: %w", err)
	}
	defer rows.Close()

	subtasks := make(map[string]*TokenSubtask)
	for rows.Next() {
		var s TokenSubtask
		var status string
		var updatedAt int64
		if err := rows.Scan(&s.UserID, &s.TokenID, &status, &s.Attempts, &s.LastError, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan token sub-task: %w", err)
		}
		s.Done = status == "done"
		s.UpdatedAt = fromMillis(updatedAt)
		subtasks[s.Key()] = &s
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating token sub-tasks: %w", err)
	}
	return subtasks, nil
}

// CompleteTokenSubtask records that a token's share of the item is persisted
func (db *DB) CompleteTokenSubtask(ctx context.Context, serviceName, itemID string, token *ServiceToken) error {
	return db.upsertTokenSubtask(ctx, serviceName, itemID, token, "done", nil)
}

// FailTokenSubtask records a failed attempt for a token's share of the item
func (db *DB) FailTokenSubtask(ctx context.Context, serviceName, itemID string, token *ServiceToken, errMsg string) error {
	return db.upsertTokenSubtask(ctx, serviceName, itemID, token, "pending", &errMsg)
}

func (db *DB) upsertTokenSubtask(ctx context.Context, serviceName, itemID string, token *ServiceToken, status string, errMsg *string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpTokenSubtask))
	defer timer.ObserveDuration()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO queue_item_tokens (
			service_name, queue_item_id, user_id, token_id, status, attempts, last_error, updated_at
		) VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(service_name, queue_item_id, user_id, token_id) DO UPDATE SET
			status = excluded.status,
			attempts = queue_item_tokens.attempts + 1,
			last_error = COALESCE(excluded.last_error, queue_item_tokens.last_error),
			updated_at = excluded.updated_at
	`, serviceName, itemID, token.UserID, token.TokenID, status, errMsg, toMillis(time.Now()))

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpTokenSubtask).Inc()
		return fmt.Errorf("failed to upsert token sub-task: %w", err)
	}
	return nil
}
