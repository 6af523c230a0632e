package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"workout-ingest/internal/auth"
	"workout-ingest/internal/config"
	"workout-ingest/internal/database"
	"workout-ingest/internal/history"
	"workout-ingest/internal/tokens"
	"workout-ingest/internal/worker"
)

const testOrigin = "https://app.example"

type fakeImporter struct {
	calls      int
	userID     string
	service    string
	start, end time.Time
	err        error
}

func (f *fakeImporter) ImportHistory(ctx context.Context, userID, serviceName string, start, end time.Time) (*history.Result, error) {
	f.calls++
	f.userID, f.service, f.start, f.end = userID, serviceName, start, end
	if f.err != nil {
		return nil, f.err
	}
	return &history.Result{Workouts: 3, Batches: 1}, nil
}

type fakeTokens struct {
	code, redirectURI string
	exchangeErr       error
	deauthorized      []string
	deauthorizeErr    error
}

func (f *fakeTokens) ExchangeCode(ctx context.Context, userID, serviceName, code, redirectURI string) (*database.ServiceToken, error) {
	f.code, f.redirectURI = code, redirectURI
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &database.ServiceToken{UserID: userID, ServiceName: serviceName, UserName: "athlete"}, nil
}

func (f *fakeTokens) Deauthorize(ctx context.Context, userID, serviceName string) error {
	f.deauthorized = append(f.deauthorized, userID)
	return f.deauthorizeErr
}

type fakeQueue struct {
	items []*database.QueueItem
	err   error
}

func (f *fakeQueue) EnqueueQueueItem(ctx context.Context, serviceName, userName, workoutID string) (*database.QueueItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	item := &database.QueueItem{
		ServiceName: serviceName,
		ID:          database.QueueItemID(userName, workoutID),
		UserName:    userName,
		WorkoutID:   workoutID,
		State:       database.QueueStatePending,
	}
	f.items = append(f.items, item)
	return item, nil
}

type fakeProcessor struct {
	processed []string
	err       error
}

func (f *fakeProcessor) ProcessQueueItem(ctx context.Context, item *database.QueueItem) (worker.Outcome, error) {
	f.processed = append(f.processed, item.ID)
	if f.err != nil {
		return "", f.err
	}
	return worker.OutcomeProcessed, nil
}

type fakeHealth struct{ err error }

func (f *fakeHealth) Health(ctx context.Context) error { return f.err }

type testServer struct {
	handler   http.Handler
	verifier  *auth.Verifier
	importer  *fakeImporter
	tokens    *fakeTokens
	queue     *fakeQueue
	processor *fakeProcessor
	health    *fakeHealth
}

func setupRouterTest(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{RateLimitRequests: 1000, RateLimitWindow: time.Minute},
		Auth:   config.AuthConfig{JWTSecret: "test-secret"},
		CORS:   config.CORSConfig{AllowedOrigins: []string{testOrigin}},
		Suunto: config.SuuntoConfig{Enabled: true, ClientID: "client", ClientSecret: "secret"},
	}

	s := &testServer{
		verifier:  auth.NewVerifier(cfg.Auth),
		importer:  &fakeImporter{},
		tokens:    &fakeTokens{},
		queue:     &fakeQueue{},
		processor: &fakeProcessor{},
		health:    &fakeHealth{},
	}
	s.handler = NewRouter(cfg, Dependencies{
		Authenticator: s.verifier.Middleware,
		Importer:      s.importer,
		Tokens:        s.tokens,
		Queue:         s.queue,
		Processor:     s.processor,
		Health:        s.health,
	})
	return s
}

func (s *testServer) browserRequest(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	token, err := s.verifier.Sign("user-1", time.Hour)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := setupRouterTest(t)

	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("Expected 200 OK, got %d %q", w.Code, w.Body.String())
	}

	s.health.err = errors.New("disk gone")
	w = httptest.NewRecorder()
	s.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestHistory_Success(t *testing.T) {
	s := setupRouterTest(t)

	w := s.browserRequest(t, "/suuntoApp/history",
		`{"startDate":"2024-01-01T00:00:00Z","endDate":"2024-03-01"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"result":"History items added to queue"`) {
		t.Errorf("Unexpected body %s", w.Body.String())
	}
	if w.Header().Get("Access-Control-Allow-Origin") != testOrigin {
		t.Errorf("Expected CORS header for %s, got %q", testOrigin, w.Header().Get("Access-Control-Allow-Origin"))
	}
	if s.importer.userID != "user-1" || s.importer.service != "suuntoApp" {
		t.Errorf("Unexpected import call for %s/%s", s.importer.userID, s.importer.service)
	}
	if !s.importer.start.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) ||
		!s.importer.end.Equal(time.Date(2024, 3, 1, 23, 59, 59, int(999*time.Millisecond), time.UTC)) {
		t.Errorf("Unexpected range %v - %v", s.importer.start, s.importer.end)
	}
}

func TestHistory_EndDateBounds(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "same plain date covers the whole day",
			body:      `{"startDate":"2024-03-01","endDate":"2024-03-01"}`,
			wantStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC).Add(-time.Millisecond),
		},
		{
			name:      "timestamp end is exact",
			body:      `{"startDate":"2024-03-01","endDate":"2024-03-01T12:00:00Z"}`,
			wantStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupRouterTest(t)

			w := s.browserRequest(t, "/suuntoApp/history", tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
			}
			if !s.importer.start.Equal(tt.wantStart) || !s.importer.end.Equal(tt.wantEnd) {
				t.Errorf("Expected range %v - %v, got %v - %v", tt.wantStart, tt.wantEnd, s.importer.start, s.importer.end)
			}
		})
	}
}

func TestHistory_Rejections(t *testing.T) {
	s := setupRouterTest(t)

	// Missing bearer token
	req := httptest.NewRequest(http.MethodPost, "/suuntoApp/history", strings.NewReader(`{}`))
	req.Header.Set("Origin", testOrigin)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without token, got %d", w.Code)
	}

	// Disallowed origin
	req = httptest.NewRequest(http.MethodPost, "/suuntoApp/history", strings.NewReader(`{}`))
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for disallowed origin, got %d", w.Code)
	}

	// Wrong method
	req = httptest.NewRequest(http.MethodGet, "/suuntoApp/history", nil)
	req.Header.Set("Origin", testOrigin)
	w = httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for GET, got %d", w.Code)
	}

	// Unknown service
	w = s.browserRequest(t, "/garmin/history", `{"startDate":"2024-01-01","endDate":"2024-02-01"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown service, got %d", w.Code)
	}

	// Missing end date
	w = s.browserRequest(t, "/suuntoApp/history", `{"startDate":"2024-01-01"}`)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 for missing end date, got %d", w.Code)
	}

	if s.importer.calls != 0 {
		t.Errorf("Expected no imports, got %d", s.importer.calls)
	}
}

func TestHistory_NotAllowed(t *testing.T) {
	s := setupRouterTest(t)
	next := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)
	s.importer.err = &history.ImportNotAllowedError{NextAllowed: next}

	w := s.browserRequest(t, "/suuntoApp/history", `{"startDate":"2024-01-01","endDate":"2024-02-01"}`)

	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "History import cannot happen before 2024-05-03T10:00:00Z") {
		t.Errorf("Unexpected body %q", w.Body.String())
	}
}

func TestPreflight(t *testing.T) {
	s := setupRouterTest(t)

	req := httptest.NewRequest(http.MethodOptions, "/suuntoApp/deauthorize", nil)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != testOrigin {
		t.Errorf("Expected allow origin header, got %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
	if len(s.tokens.deauthorized) != 0 {
		t.Error("Expected preflight to have no side effects")
	}
}

func TestDeauthorize(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantResult string
	}{
		{"success", nil, http.StatusOK, "Deauthorized"},
		{"revocation fails", fmt.Errorf("%w: %w", tokens.ErrDeauthorize, errors.New("boom")), http.StatusInternalServerError, "Could not deauthorize"},
		{"delete fails", fmt.Errorf("%w: %w", tokens.ErrDeleteToken, errors.New("boom")), http.StatusInternalServerError, "Could not delete token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupRouterTest(t)
			s.tokens.deauthorizeErr = tt.err

			w := s.browserRequest(t, "/suuntoApp/deauthorize", "")

			if w.Code != tt.wantStatus {
				t.Errorf("Expected %d, got %d", tt.wantStatus, w.Code)
			}
			if !strings.Contains(w.Body.String(), fmt.Sprintf(`"result":%q`, tt.wantResult)) {
				t.Errorf("Expected result %q, got %s", tt.wantResult, w.Body.String())
			}
			if len(s.tokens.deauthorized) != 1 || s.tokens.deauthorized[0] != "user-1" {
				t.Errorf("Expected one deauthorize for user-1, got %v", s.tokens.deauthorized)
			}
		})
	}
}

func TestToken(t *testing.T) {
	s := setupRouterTest(t)

	w := s.browserRequest(t, "/suuntoApp/token", `{"code":"abc","redirectUri":"https://app.example/callback"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if s.tokens.code != "abc" || s.tokens.redirectURI != "https://app.example/callback" {
		t.Errorf("Unexpected exchange %q %q", s.tokens.code, s.tokens.redirectURI)
	}

	w = s.browserRequest(t, "/suuntoApp/token", `{"code":"abc"}`)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 for missing redirectUri, got %d", w.Code)
	}

	s.tokens.exchangeErr = errors.New("invalid_grant")
	w = s.browserRequest(t, "/suuntoApp/token", `{"code":"abc","redirectUri":"https://app.example/callback"}`)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 for failed exchange, got %d", w.Code)
	}
}

func TestInsert_Unauthorized(t *testing.T) {
	s := setupRouterTest(t)

	req := httptest.NewRequest(http.MethodGet, "/suuntoApp/insert?username=athlete&workoutid=w1", nil)
	req.SetBasicAuth("client", "wrong")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/suuntoApp/insert?username=athlete&workoutid=w1", nil)
	w = httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without credentials, got %d", w.Code)
	}

	if len(s.queue.items) != 0 {
		t.Errorf("Expected nothing enqueued, got %d", len(s.queue.items))
	}
}

func TestInsert_Params(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		target      string
		contentType string
		body        string
	}{
		{"query", http.MethodGet, "/suuntoApp/insert?username=athlete&workoutid=w1", "", ""},
		{"json", http.MethodPost, "/suuntoApp/insert", "application/json", `{"username":"athlete","workoutid":"w1"}`},
		{"form", http.MethodPost, "/suuntoApp/insert", "application/x-www-form-urlencoded",
			url.Values{"username": {"athlete"}, "workoutid": {"w1"}}.Encode()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupRouterTest(t)

			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			req.SetBasicAuth("client", "secret")
			w := httptest.NewRecorder()
			s.handler.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", w.Code)
			}
			if w.Body.Len() != 0 {
				t.Errorf("Expected empty body, got %q", w.Body.String())
			}
			if len(s.queue.items) != 1 {
				t.Fatalf("Expected one enqueued item, got %d", len(s.queue.items))
			}
			item := s.queue.items[0]
			if item.UserName != "athlete" || item.WorkoutID != "w1" || item.ServiceName != "suuntoApp" {
				t.Errorf("Unexpected item %+v", item)
			}
			if len(s.processor.processed) != 1 || s.processor.processed[0] != item.ID {
				t.Errorf("Expected item to be processed synchronously, got %v", s.processor.processed)
			}
		})
	}
}

func TestInsert_Failures(t *testing.T) {
	s := setupRouterTest(t)

	send := func(target string) int {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.SetBasicAuth("client", "secret")
		w := httptest.NewRecorder()
		s.handler.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("/suuntoApp/insert?username=athlete"); code != http.StatusInternalServerError {
		t.Errorf("Expected 500 for missing workoutid, got %d", code)
	}

	s.processor.err = errors.New("store unavailable")
	if code := send("/suuntoApp/insert?username=athlete&workoutid=w1"); code != http.StatusInternalServerError {
		t.Errorf("Expected 500 when processing fails, got %d", code)
	}

	s.queue.err = errors.New("store unavailable")
	if code := send("/suuntoApp/insert?username=athlete&workoutid=w2"); code != http.StatusInternalServerError {
		t.Errorf("Expected 500 when enqueue fails, got %d", code)
	}
	if len(s.processor.processed) != 1 {
		t.Errorf("Expected only the enqueued item to be processed, got %v", s.processor.processed)
	}
}
