// Package serviceapi talks to the third-party fitness services workouts are
// imported from.
package serviceapi

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"golang.org/x/oauth2"

	"workout-ingest/internal/config"
)

// WorkoutSummary is one entry of a service's workout listing
type WorkoutSummary struct {
	ID        string
	StartTime time.Time
}

// Provider is a third-party fitness service
type Provider interface {
	Name() string
	// OAuth2Config returns the client configuration used for code exchange
	// or, when refresh is true, for refresh-token grants
	OAuth2Config(refresh bool) *oauth2.Config
	// UserNameFromToken extracts the third-party identity from a token response
	UserNameFromToken(tok *oauth2.Token) string
	ListWorkouts(ctx context.Context, accessToken, userName string, start, end time.Time) ([]WorkoutSummary, error)
	DownloadWorkout(ctx context.Context, accessToken, userName, workoutID string) ([]byte, error)
	Deauthorize(ctx context.Context, accessToken string) error
	HTTPClient() *http.Client
}

// TokenRefresher is implemented by providers whose refresh grant does not
// answer with a standard OAuth token response. The returned token may carry
// an empty access token, meaning the current one stays valid.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Registry resolves providers by service name
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a provider for every enabled service
func NewRegistry(cfg *config.Config) *Registry {
	var providers []Provider
	if cfg.Suunto.Enabled {
		providers = append(providers, NewSuunto(cfg.Suunto, cfg.API))
	}
	if cfg.COROS.Enabled {
		providers = append(providers, NewCOROS(cfg.COROS, cfg.API))
	}
	return NewRegistryFromProviders(providers...)
}

// NewRegistryFromProviders builds a registry from explicit providers
func NewRegistryFromProviders(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider for a service name
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return p, nil
}

// Names returns the registered service names in a stable order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
