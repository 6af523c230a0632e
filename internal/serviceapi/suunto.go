package serviceapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"workout-ingest/internal/config"
	"workout-ingest/internal/metrics"
)

const suuntoSubscriptionHeader = "Ocp-Apim-Subscription-Key"

// Suunto is the Suunto app cloud API
type Suunto struct {
	cfg    config.SuuntoConfig
	client *Client
}

func NewSuunto(cfg config.SuuntoConfig, api config.APIConfig) *Suunto {
	return &Suunto{
		cfg:    cfg,
		client: NewClient(config.ServiceSuunto, api),
	}
}

func (s *Suunto) Name() string {
	return config.ServiceSuunto
}

func (s *Suunto) HTTPClient() *http.Client {
	return s.client.HTTPClient()
}

func (s *Suunto) OAuth2Config(bool) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		Scopes:       []string{"workout"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   s.cfg.OAuthBaseURL + "/oauth/authorize",
			TokenURL:  s.cfg.OAuthBaseURL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

func (s *Suunto) UserNameFromToken(tok *oauth2.Token) string {
	userName, _ := tok.Extra("user").(string)
	return userName
}

type suuntoWorkoutList struct {
	Error   *string `json:"error"`
	Payload []struct {
		WorkoutKey string `json:"workoutKey"`
		StartTime  int64  `json:"startTime"`
	} `json:"payload"`
}

// ListWorkouts lists the workouts that started within [start, end]
func (s *Suunto) ListWorkouts(ctx context.Context, accessToken, _ string, start, end time.Time) ([]WorkoutSummary, error) {
	params := url.Values{
		"since": {strconv.FormatInt(start.UnixMilli(), 10)},
		"until": {strconv.FormatInt(end.UnixMilli(), 10)},
		"limit": {"1000000"},
	}
	reqURL := s.cfg.APIBaseURL + "/v2/workouts?" + params.Encode()

	body, err := s.client.Do(ctx, metrics.OpListWorkouts, s.authorizedRequest(http.MethodGet, reqURL, accessToken, true))
	if err != nil {
		return nil, fmt.Errorf("failed to list workouts: %w", err)
	}

	var list suuntoWorkoutList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workouts: %w", err)
	}
	if list.Error != nil && *list.Error != "" {
		return nil, fmt.Errorf("failed to list workouts: %s", *list.Error)
	}

	workouts := make([]WorkoutSummary, 0, len(list.Payload))
	for _, w := range list.Payload {
		workouts = append(workouts, WorkoutSummary{
			ID:        w.WorkoutKey,
			StartTime: time.UnixMilli(w.StartTime),
		})
	}
	return workouts, nil
}

// DownloadWorkout fetches the FIT export of a workout
func (s *Suunto) DownloadWorkout(ctx context.Context, accessToken, _ string, workoutID string) ([]byte, error) {
	reqURL := s.cfg.APIBaseURL + "/v2/workout/exportFit/" + url.PathEscape(workoutID)

	body, err := s.client.Do(ctx, metrics.OpDownloadWorkout, s.authorizedRequest(http.MethodGet, reqURL, accessToken, true))
	if err != nil {
		return nil, fmt.Errorf("failed to download workout %s: %w", workoutID, err)
	}
	return body, nil
}

// Deauthorize revokes the application's access to the account
func (s *Suunto) Deauthorize(ctx context.Context, accessToken string) error {
	reqURL := s.cfg.OAuthBaseURL + "/oauth/deauthorize?" + url.Values{"client_id": {s.cfg.ClientID}}.Encode()

	if _, err := s.client.Do(ctx, metrics.OpDeauthorize, s.authorizedRequest(http.MethodGet, reqURL, accessToken, false)); err != nil {
		return fmt.Errorf("failed to deauthorize: %w", err)
	}
	return nil
}

func (s *Suunto) authorizedRequest(method, reqURL, accessToken string, subscription bool) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		if subscription {
			req.Header.Set(suuntoSubscriptionHeader, s.cfg.SubscriptionKey)
		}
		return req, nil
	}
}
