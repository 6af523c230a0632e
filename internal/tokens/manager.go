// Package tokens manages stored third-party OAuth credentials.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"workout-ingest/internal/database"
	"workout-ingest/internal/metrics"
	"workout-ingest/internal/serviceapi"
)

// Used when a token response carries no expiry
const defaultTokenLifetime = time.Hour

// Store persists service tokens
type Store interface {
	UpsertServiceToken(ctx context.Context, t *database.ServiceToken) error
	GetServiceTokens(ctx context.Context, userID, serviceName string) ([]*database.ServiceToken, error)
	GetServiceTokensByUserName(ctx context.Context, serviceName, userName string) ([]*database.ServiceToken, error)
	DeleteServiceTokensByUserName(ctx context.Context, serviceName, userName string) (int64, error)
}

// TokenRefreshError means a stored token could not be made usable. Callers
// skip the token rather than failing the whole operation.
type TokenRefreshError struct {
	UserID      string
	ServiceName string
	UserName    string
	Err         error
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("failed to refresh %s token of user %s (%s): %v", e.ServiceName, e.UserID, e.UserName, e.Err)
}

func (e *TokenRefreshError) Unwrap() error {
	return e.Err
}

// IsTokenRefreshError reports whether err is a *TokenRefreshError
func IsTokenRefreshError(err error) bool {
	var refreshErr *TokenRefreshError
	return errors.As(err, &refreshErr)
}

// Manager refreshes, exchanges and revokes service tokens
type Manager struct {
	store     Store
	providers *serviceapi.Registry
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a new token manager
func NewManager(store Store, providers *serviceapi.Registry) *Manager {
	return &Manager{
		store:     store,
		providers: providers,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// GetTokens returns the tokens a user holds for a service
func (m *Manager) GetTokens(ctx context.Context, userID, serviceName string) ([]*database.ServiceToken, error) {
	return m.store.GetServiceTokens(ctx, userID, serviceName)
}

// GetTokensByUserName returns every token linked to a third-party identity
func (m *Manager) GetTokensByUserName(ctx context.Context, serviceName, userName string) ([]*database.ServiceToken, error) {
	return m.store.GetServiceTokensByUserName(ctx, serviceName, userName)
}

// GetTokenData returns a usable token. An unexpired token is returned as is
// unless forceRefresh is set; otherwise the refresh token is exchanged and the
// new credentials are persisted.
func (m *Manager) GetTokenData(ctx context.Context, token *database.ServiceToken, forceRefresh bool) (*database.ServiceToken, error) {
	now := m.now()
	if !forceRefresh && !token.Expired(now) {
		return token, nil
	}

	refreshErr := func(err error) error {
		metrics.TokenRefreshesTotal.WithLabelValues(token.ServiceName, metrics.ResultFailure).Inc()
		return &TokenRefreshError{
			UserID:      token.UserID,
			ServiceName: token.ServiceName,
			UserName:    token.UserName,
			Err:         err,
		}
	}

	if token.RefreshToken == "" {
		return nil, refreshErr(errors.New("no refresh token stored"))
	}

	provider, err := m.providers.Get(token.ServiceName)
	if err != nil {
		return nil, refreshErr(err)
	}

	m.logger.Info("Refreshing token", "user_id", token.UserID, "service", token.ServiceName, "user_name", token.UserName, "forced", forceRefresh)

	fresh, err := refreshOAuthToken(ctx, provider, token)
	if err != nil {
		return nil, refreshErr(err)
	}

	refreshed := *token
	applyOAuthToken(&refreshed, fresh, now)
	refreshed.DateRefreshed = now

	if err := m.store.UpsertServiceToken(ctx, &refreshed); err != nil {
		return nil, refreshErr(fmt.Errorf("failed to persist refreshed token: %w", err))
	}

	metrics.TokenRefreshesTotal.WithLabelValues(token.ServiceName, metrics.ResultSuccess).Inc()
	return &refreshed, nil
}

func refreshOAuthToken(ctx context.Context, provider serviceapi.Provider, token *database.ServiceToken) (*oauth2.Token, error) {
	if refresher, ok := provider.(serviceapi.TokenRefresher); ok {
		return refresher.RefreshToken(ctx, token.RefreshToken)
	}

	// A past, non-zero expiry makes the token source refresh immediately
	stale := &oauth2.Token{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       time.Unix(1, 0),
	}

	httpCtx := context.WithValue(ctx, oauth2.HTTPClient, provider.HTTPClient())
	start := time.Now()
	fresh, err := provider.OAuth2Config(true).TokenSource(httpCtx, stale).Token()
	status := "200"
	if err != nil {
		status = "error"
	}
	metrics.APIRequestsTotal.WithLabelValues(token.ServiceName, metrics.OpRefreshToken, status).Inc()
	metrics.APIRequestDuration.WithLabelValues(token.ServiceName, metrics.OpRefreshToken, status).Observe(time.Since(start).Seconds())
	return fresh, err
}

// ExchangeCode trades an OAuth authorization code for a token and stores it
// for the user
func (m *Manager) ExchangeCode(ctx context.Context, userID, serviceName, code, redirectURI string) (*database.ServiceToken, error) {
	provider, err := m.providers.Get(serviceName)
	if err != nil {
		return nil, err
	}

	cfg := provider.OAuth2Config(false)
	cfg.RedirectURL = redirectURI

	httpCtx := context.WithValue(ctx, oauth2.HTTPClient, provider.HTTPClient())
	start := time.Now()
	tok, err := cfg.Exchange(httpCtx, code)
	status := "200"
	if err != nil {
		status = "error"
	}
	metrics.APIRequestsTotal.WithLabelValues(serviceName, metrics.OpExchangeCode, status).Inc()
	metrics.APIRequestDuration.WithLabelValues(serviceName, metrics.OpExchangeCode, status).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	userName := provider.UserNameFromToken(tok)
	if userName == "" {
		return nil, fmt.Errorf("token response for %s carries no user identity", serviceName)
	}

	now := m.now()
	token := &database.ServiceToken{
		UserID:        userID,
		ServiceName:   serviceName,
		TokenID:       userName,
		UserName:      userName,
		DateCreated:   now,
		DateRefreshed: now,
	}
	applyOAuthToken(token, tok, now)

	if err := m.store.UpsertServiceToken(ctx, token); err != nil {
		return nil, err
	}

	m.logger.Info("Stored service token", "user_id", userID, "service", serviceName, "user_name", userName)
	return token, nil
}

func applyOAuthToken(dst *database.ServiceToken, tok *oauth2.Token, now time.Time) {
	// COROS refreshes extend the current access token without returning it
	if tok.AccessToken != "" {
		dst.AccessToken = tok.AccessToken
	}
	// Providers that do not rotate refresh tokens omit them from the response
	if tok.RefreshToken != "" {
		dst.RefreshToken = tok.RefreshToken
	}
	if tok.TokenType != "" {
		dst.TokenType = tok.TokenType
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		dst.Scope = scope
	}

	dst.ExpiresAt = tok.Expiry
	if dst.ExpiresAt.IsZero() {
		dst.ExpiresAt = now.Add(defaultTokenLifetime)
	}
}
