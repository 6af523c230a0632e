package tokens

import (
	"context"
	"errors"
	"fmt"

	"workout-ingest/internal/metrics"
)

var (
	// ErrDeauthorize means the third-party revocation call failed
	ErrDeauthorize = errors.New("could not deauthorize")
	// ErrDeleteToken means revoked tokens could not be removed from storage
	ErrDeleteToken = errors.New("could not delete token")
)

// Deauthorize revokes every token the user holds for the service and deletes
// all stored tokens, of any user, that share the revoked third-party identity.
// The first failure aborts; tokens handled before it stay revoked.
func (m *Manager) Deauthorize(ctx context.Context, userID, serviceName string) error {
	provider, err := m.providers.Get(serviceName)
	if err != nil {
		return err
	}

	tokens, err := m.store.GetServiceTokens(ctx, userID, serviceName)
	if err != nil {
		return fmt.Errorf("failed to load tokens: %w", err)
	}

	for _, token := range tokens {
		refreshed, err := m.GetTokenData(ctx, token, true)
		if err != nil {
			m.logger.Error("Skipping token that could not be refreshed", "user_id", userID, "service", serviceName, "user_name", token.UserName, "error", err)
			continue
		}

		if err := provider.Deauthorize(ctx, refreshed.AccessToken); err != nil {
			m.logger.Error("Failed to deauthorize token", "user_id", userID, "service", serviceName, "user_name", token.UserName, "error", err)
			return fmt.Errorf("%w: %w", ErrDeauthorize, err)
		}

		deleted, err := m.store.DeleteServiceTokensByUserName(ctx, serviceName, token.UserName)
		if err != nil {
			m.logger.Error("Failed to delete tokens", "service", serviceName, "user_name", token.UserName, "error", err)
			return fmt.Errorf("%w: %w", ErrDeleteToken, err)
		}

		metrics.TokensDeletedTotal.WithLabelValues(serviceName).Add(float64(deleted))
		m.logger.Info("Deauthorized and deleted tokens", "user_id", userID, "service", serviceName, "user_name", token.UserName, "deleted", deleted)
	}

	return nil
}
