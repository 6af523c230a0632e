package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"workout-ingest/internal/metrics"
)

// ServiceToken is an OAuth credential for one (user, fitness service) pairing
type ServiceToken struct {
	UserID      string
	ServiceName string
	TokenID     string

	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	Scope        string
	// UserName is the third-party account identity
	UserName string

	DateCreated   time.Time
	DateRefreshed time.Time
}

// Expired reports whether the access token must be refreshed before use
func (t *ServiceToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

const tokenColumns = `
	user_id, service_name, token_id, access_token, refresh_token, token_type,
	expires_at, scope, user_name, date_created, date_refreshed
`

// UpsertServiceToken creates or replaces a stored token
func (db *DB) UpsertServiceToken(ctx context.Context, t *ServiceToken) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertToken))
	defer timer.ObserveDuration()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO service_tokens (`+tokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, service_name, token_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expires_at = excluded.expires_at,
			scope = excluded.scope,
			user_name = excluded.user_name,
			date_refreshed = excluded.date_refreshed
	`, t.UserID, t.ServiceName, t.TokenID, t.AccessToken, t.RefreshToken, t.TokenType,
		toMillis(t.ExpiresAt), t.Scope, t.UserName, toMillis(t.DateCreated), toMillis(t.DateRefreshed))

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertToken).Inc()
		return fmt.Errorf("failed to upsert service token: %w", err)
	}
	return nil
}

// GetServiceTokens returns every token a user holds for a service
func (db *DB) GetServiceTokens(ctx context.Context, userID, serviceName string) ([]*ServiceToken, error) {
	return db.queryTokens(ctx, `
		SELECT `+tokenColumns+`
		FROM service_tokens
		WHERE user_id = ? AND service_name = ?
		ORDER BY token_id
	`, userID, serviceName)
}

// GetServiceTokensByUserName returns the tokens of every internal user linked
// to the given third-party identity
func (db *DB) GetServiceTokensByUserName(ctx context.Context, serviceName, userName string) ([]*ServiceToken, error) {
	return db.queryTokens(ctx, `
		SELECT `+tokenColumns+`
		FROM service_tokens
		WHERE service_name = ? AND user_name = ?
		ORDER BY user_id, token_id
	`, serviceName, userName)
}

func (db *DB) queryTokens(ctx context.Context, query string, args ...any) ([]*ServiceToken, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetTokens))
	defer timer.ObserveDuration()

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetTokens).Inc()
		return nil, fmt.Errorf("failed to query service tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*ServiceToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating service tokens: %w", err)
	}

	return tokens, nil
}

func scanToken(rows *sql.Rows) (*ServiceToken, error) {
	var t ServiceToken
	var expiresAt, created, refreshed int64

	err := rows.Scan(
		&t.UserID, &t.ServiceName, &t.TokenID, &t.AccessToken, &t.RefreshToken, &t.TokenType,
		&expiresAt, &t.Scope, &t.UserName, &created, &refreshed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan service token: %w", err)
	}

	t.ExpiresAt = fromMillis(expiresAt)
	t.DateCreated = fromMillis(created)
	t.DateRefreshed = fromMillis(refreshed)
	return &t, nil
}

// DeleteServiceTokensByUserName removes the tokens of every internal user
// linked to the given third-party identity
func (db *DB) DeleteServiceTokensByUserName(ctx context.Context, serviceName, userName string) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteTokens))
	defer timer.ObserveDuration()

	result, err := db.conn.ExecContext(ctx, `
		DELETE FROM service_tokens
		WHERE service_name = ? AND user_name = ?
	`, serviceName, userName)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteTokens).Inc()
		return 0, fmt.Errorf("failed to delete service tokens: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}
