package serviceapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"workout-ingest/internal/config"
	"workout-ingest/internal/metrics"
)

const (
	corosResultOK   = "0000"
	corosDateLayout = "20060102"

	// A successful refresh extends the current access token by this much
	corosTokenLifetime = 30 * 24 * time.Hour
)

// COROS is the COROS open API
type COROS struct {
	cfg    config.COROSConfig
	client *Client
}

func NewCOROS(cfg config.COROSConfig, api config.APIConfig) *COROS {
	return &COROS{
		cfg:    cfg,
		client: NewClient(config.ServiceCOROS, api),
	}
}

func (c *COROS) Name() string {
	return config.ServiceCOROS
}

func (c *COROS) HTTPClient() *http.Client {
	return c.client.HTTPClient()
}

// OAuth2Config returns the code exchange or refresh configuration. COROS
// serves the two grants from different paths.
func (c *COROS) OAuth2Config(refresh bool) *oauth2.Config {
	tokenPath := "/oauth2/accesstoken"
	if refresh {
		tokenPath = "/oauth2/refresh-token"
	}
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.cfg.BaseURL + "/oauth2/authorize",
			TokenURL:  c.cfg.BaseURL + tokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (c *COROS) UserNameFromToken(tok *oauth2.Token) string {
	openID, _ := tok.Extra("openId").(string)
	return openID
}

type corosResponse struct {
	Result  string `json:"result"`
	Message string `json:"message"`
}

func (r corosResponse) err() error {
	if r.Result != corosResultOK {
		return fmt.Errorf("COROS result %s: %s", r.Result, r.Message)
	}
	return nil
}

// RefreshToken extends the validity of the current access token. COROS
// answers the refresh grant with a bare result code and no new credentials.
func (c *COROS) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}.Encode()
	reqURL := c.cfg.BaseURL + "/oauth2/refresh-token"

	body, err := c.client.Do(ctx, metrics.OpRefreshToken, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	var resp corosResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh response: %w", err)
	}
	if err := resp.err(); err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	return &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(corosTokenLifetime),
	}, nil
}

type corosWorkoutList struct {
	corosResponse
	Data []struct {
		LabelID   string `json:"labelId"`
		StartTime int64  `json:"startTime"`
		FitURL    string `json:"fitUrl"`
	} `json:"data"`
}

type corosFitDetail struct {
	corosResponse
	Data struct {
		FileURL string `json:"fileUrl"`
	} `json:"data"`
}

// ListWorkouts lists workouts by day. The API only accepts whole dates, so
// callers filter the result to the exact range.
func (c *COROS) ListWorkouts(ctx context.Context, accessToken, userName string, start, end time.Time) ([]WorkoutSummary, error) {
	params := url.Values{
		"token":     {accessToken},
		"openId":    {userName},
		"startDate": {start.UTC().Format(corosDateLayout)},
		"endDate":   {end.UTC().Format(corosDateLayout)},
	}
	reqURL := c.cfg.BaseURL + "/v2/coros/sport/list?" + params.Encode()

	body, err := c.client.Do(ctx, metrics.OpListWorkouts, plainRequest(http.MethodGet, reqURL))
	if err != nil {
		return nil, fmt.Errorf("failed to list workouts: %w", err)
	}

	var list corosWorkoutList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workouts: %w", err)
	}
	if err := list.err(); err != nil {
		return nil, fmt.Errorf("failed to list workouts: %w", err)
	}

	workouts := make([]WorkoutSummary, 0, len(list.Data))
	for _, w := range list.Data {
		workouts = append(workouts, WorkoutSummary{
			ID:        w.LabelID,
			StartTime: time.Unix(w.StartTime, 0),
		})
	}
	return workouts, nil
}

// DownloadWorkout resolves the FIT file location of a workout and fetches it
func (c *COROS) DownloadWorkout(ctx context.Context, accessToken, userName, workoutID string) ([]byte, error) {
	params := url.Values{
		"token":   {accessToken},
		"openId":  {userName},
		"labelId": {workoutID},
	}
	detailURL := c.cfg.BaseURL + "/v2/coros/sport/detail/fit?" + params.Encode()

	body, err := c.client.Do(ctx, metrics.OpDownloadWorkout, plainRequest(http.MethodGet, detailURL))
	if err != nil {
		return nil, fmt.Errorf("failed to get workout %s: %w", workoutID, err)
	}

	var detail corosFitDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workout detail: %w", err)
	}
	if err := detail.err(); err != nil {
		return nil, fmt.Errorf("failed to get workout %s: %w", workoutID, err)
	}
	if detail.Data.FileURL == "" {
		return nil, fmt.Errorf("workout %s has no FIT file", workoutID)
	}

	fit, err := c.client.Do(ctx, metrics.OpDownloadWorkout, plainRequest(http.MethodGet, detail.Data.FileURL))
	if err != nil {
		return nil, fmt.Errorf("failed to download workout %s: %w", workoutID, err)
	}
	return fit, nil
}

// Deauthorize revokes the access token
func (c *COROS) Deauthorize(ctx context.Context, accessToken string) error {
	reqURL := c.cfg.BaseURL + "/oauth2/deauthorize?" + url.Values{"token": {accessToken}}.Encode()

	body, err := c.client.Do(ctx, metrics.OpDeauthorize, plainRequest(http.MethodPost, reqURL))
	if err != nil {
		return fmt.Errorf("failed to deauthorize: %w", err)
	}

	var resp corosResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to unmarshal deauthorize response: %w", err)
	}
	if err := resp.err(); err != nil {
		return fmt.Errorf("failed to deauthorize: %w", err)
	}
	return nil
}

func plainRequest(method, reqURL string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, method, reqURL, nil)
	}
}
