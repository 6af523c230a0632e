package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"workout-ingest/internal/auth"
	"workout-ingest/internal/history"
)

// HistoryImporter queues a user's past workouts
type HistoryImporter interface {
	ImportHistory(ctx context.Context, userID, serviceName string, start, end time.Time) (*history.Result, error)
}

type historyRequest struct {
	StartDate string `json:"startDate" validate:"required"`
	EndDate   string `json:"endDate" validate:"required"`
}

// HistoryHandler serves POST /{service}/history
type HistoryHandler struct {
	importer HistoryImporter
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHistoryHandler creates a new history import handler
func NewHistoryHandler(importer HistoryImporter) *HistoryHandler {
	return &HistoryHandler{
		importer: importer,
		validate: validator.New(),
		logger:   slog.Default(),
	}
}

func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	serviceName := chi.URLParam(r, "service")
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusForbidden)
		return
	}

	var req historyRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.logger.Warn("Invalid history request body", "user_id", userID, "error", err)
		http.Error(w, "No start and/or end date", http.StatusInternalServerError)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, "No start and/or end date", http.StatusInternalServerError)
		return
	}

	start, err := parseDate(req.StartDate, false)
	if err != nil {
		http.Error(w, "Invalid start date", http.StatusInternalServerError)
		return
	}
	end, err := parseDate(req.EndDate, true)
	if err != nil {
		http.Error(w, "Invalid end date", http.StatusInternalServerError)
		return
	}
	if end.Before(start) {
		http.Error(w, "End date is before start date", http.StatusInternalServerError)
		return
	}

	result, err := h.importer.ImportHistory(r.Context(), userID, serviceName, start, end)
	if err != nil {
		var notAllowed *history.ImportNotAllowedError
		if errors.As(err, &notAllowed) {
			h.logger.Warn("History import blocked", "user_id", userID, "service", serviceName,
				"next_allowed", notAllowed.NextAllowed)
			http.Error(w, fmt.Sprintf("History import cannot happen before %s",
				notAllowed.NextAllowed.UTC().Format(time.RFC3339)), http.StatusForbidden)
			return
		}
		h.logger.Error("History import failed", "user_id", userID, "service", serviceName, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.logger.Info("History items added to queue",
		"user_id", userID,
		"service", serviceName,
		"workouts", result.Workouts,
		"batches", result.Batches,
		"failed_batches", result.FailedBatches)

	writeResult(w, http.StatusOK, "History items added to queue")
}

// parseDate accepts RFC 3339 timestamps and plain dates. A plain date used as
// an end bound covers the whole day.
func parseDate(s string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	if endOfDay {
		return history.EndOfDay(t), nil
	}
	return t, nil
}
