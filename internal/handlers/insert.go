package handlers

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"workout-ingest/internal/database"
	"workout-ingest/internal/metrics"
	"workout-ingest/internal/worker"
)

// CredentialSource resolves the client credentials a service signs insert
// notifications with
type CredentialSource interface {
	ClientCredentials(serviceName string) (string, string, error)
}

// QueueStore enqueues workouts for processing
type QueueStore interface {
	EnqueueQueueItem(ctx context.Context, serviceName, userName, workoutID string) (*database.QueueItem, error)
}

// QueueProcessor processes a single queue item
type QueueProcessor interface {
	ProcessQueueItem(ctx context.Context, item *database.QueueItem) (worker.Outcome, error)
}

// InsertHandler serves {service}/insert, the push notification a service
// sends when a new workout is available
type InsertHandler struct {
	credentials CredentialSource
	queue       QueueStore
	processor   QueueProcessor
	logger      *slog.Logger
}

// NewInsertHandler creates a new insert handler
func NewInsertHandler(credentials CredentialSource, queue QueueStore, processor QueueProcessor) *InsertHandler {
	return &InsertHandler{
		credentials: credentials,
		queue:       queue,
		processor:   processor,
		logger:      slog.Default(),
	}
}

type insertParams struct {
	UserName  string `json:"username"`
	WorkoutID string `json:"workoutid"`
}

func (h *InsertHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	serviceName := chi.URLParam(r, "service")

	if !h.authorized(r, serviceName) {
		h.logger.Warn("Rejected insert with invalid credentials", "service", serviceName, "remote_addr", r.RemoteAddr)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	params := h.params(w, r)
	if params.UserName == "" || params.WorkoutID == "" {
		h.logger.Error("Insert is missing username or workoutid", "service", serviceName,
			"user_name", params.UserName, "workout_id", params.WorkoutID)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	logger := h.logger.With("service", serviceName, "user_name", params.UserName, "workout_id", params.WorkoutID)
	logger.Info("Inserting to queue")

	item, err := h.queue.EnqueueQueueItem(r.Context(), serviceName, params.UserName, params.WorkoutID)
	if err != nil {
		logger.Error("Failed to enqueue workout", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	metrics.QueueEnqueueTotal.WithLabelValues(serviceName, metrics.SourceInsert).Inc()

	outcome, err := h.processor.ProcessQueueItem(r.Context(), item)
	if err != nil {
		logger.Error("Failed to process inserted workout", "queue_item_id", item.ID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	logger.Info("Inserted workout processed", "queue_item_id", item.ID, "outcome", outcome)
	w.WriteHeader(http.StatusOK)
}

func (h *InsertHandler) authorized(r *http.Request, serviceName string) bool {
	clientID, clientSecret, err := h.credentials.ClientCredentials(serviceName)
	if err != nil || clientID == "" {
		return false
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(clientID)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(clientSecret)) == 1
	return userOK && passOK
}

// params reads username and workoutid from the query string, falling back to
// a form or JSON body
func (h *InsertHandler) params(w http.ResponseWriter, r *http.Request) insertParams {
	q := r.URL.Query()
	p := insertParams{UserName: q.Get("username"), WorkoutID: q.Get("workoutid")}
	if p.UserName != "" && p.WorkoutID != "" {
		return p
	}

	var body insertParams
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		if r.Body != nil {
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
				h.logger.Warn("Failed to decode insert body", "error", err)
			}
		}
	case "application/x-www-form-urlencoded", "multipart/form-data":
		body.UserName = r.PostFormValue("username")
		body.WorkoutID = r.PostFormValue("workoutid")
	}

	if p.UserName == "" {
		p.UserName = body.UserName
	}
	if p.WorkoutID == "" {
		p.WorkoutID = body.WorkoutID
	}
	return p
}
