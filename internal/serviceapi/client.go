package serviceapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"workout-ingest/internal/config"
	"workout-ingest/internal/metrics"
)

const (
	maxDelay        = 5 * time.Minute
	maxResponseSize = 64 << 20 // FIT exports are small, this only guards against runaway bodies
)

// Client performs third-party API calls for one service with retries, a
// circuit breaker and client-side rate limiting
type Client struct {
	service      string
	httpClient   *http.Client
	breaker      *gobreaker.CircuitBreaker[[]byte]
	limiter      *rate.Limiter
	maxRetries   int
	initialDelay time.Duration
	logger       *slog.Logger
}

// NewClient creates a client for the named service
func NewClient(service string, cfg config.APIConfig) *Client {
	logger := slog.Default().With("service", service)

	settings := gobreaker.Settings{
		Name:        service,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Client errors mean the service answered; only transport failures and
		// 5xx count against it
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			status := StatusCode(err)
			return status >= 400 && status < 500
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	}

	return &Client{
		service:      service,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		breaker:      gobreaker.NewCircuitBreaker[[]byte](settings),
		limiter:      rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		maxRetries:   cfg.MaxRetries,
		initialDelay: cfg.RetryInitialDelay,
		logger:       logger,
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// HTTPClient returns the underlying client, used for OAuth token calls
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Do sends the request built by newRequest and returns the response body.
// Transport errors, 429 and 502-504 responses are retried with exponential
// backoff; other non-2xx responses are returned as *HTTPError.
func (c *Client) Do(ctx context.Context, operation string, newRequest func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	var lastErr error
	delay := c.initialDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Info("Retrying request", "operation", operation, "attempt", attempt, "delay_ms", delay.Milliseconds())
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		body, err := c.breaker.Execute(func() ([]byte, error) {
			return c.doOnce(ctx, operation, newRequest)
		})
		if err == nil {
			return body, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s API unavailable: %w", c.service, err)
		}
		if !retryable(ctx, err) {
			return nil, err
		}

		lastErr = err
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
			delay = httpErr.RetryAfter
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) doOnce(ctx context.Context, operation string, newRequest func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	req, err := newRequest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(c.service, operation, "error").Inc()
		metrics.APIRequestDuration.WithLabelValues(c.service, operation, "error").Observe(duration.Seconds())
		c.logger.Error("Request failed", "operation", operation, "error", err, "duration_ms", duration.Milliseconds())
		return nil, fmt.Errorf("%s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	statusStr := strconv.Itoa(resp.StatusCode)
	metrics.APIRequestsTotal.WithLabelValues(c.service, operation, statusStr).Inc()
	metrics.APIRequestDuration.WithLabelValues(c.service, operation, statusStr).Observe(duration.Seconds())
	c.logger.Info("service_api_request", "operation", operation, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header),
		}
	}

	return body, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch StatusCode(err) {
	case 0:
		return true
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// parseRetryAfter extracts retry delay from Retry-After header
func parseRetryAfter(headers http.Header) time.Duration {
	retryAfter := headers.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	seconds, err := strconv.Atoi(retryAfter)
	if err != nil {
		return 0
	}

	return time.Duration(seconds) * time.Second
}
