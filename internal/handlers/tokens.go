package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"workout-ingest/internal/auth"
	"workout-ingest/internal/database"
	"workout-ingest/internal/tokens"
)

// TokenService links and unlinks service accounts
type TokenService interface {
	ExchangeCode(ctx context.Context, userID, serviceName, code, redirectURI string) (*database.ServiceToken, error)
	Deauthorize(ctx context.Context, userID, serviceName string) error
}

type tokenRequest struct {
	Code        string `json:"code" validate:"required"`
	RedirectURI string `json:"redirectUri" validate:"required,url"`
}

// TokenHandler serves the token exchange and deauthorization endpoints
type TokenHandler struct {
	tokens   TokenService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewTokenHandler creates a new token handler
func NewTokenHandler(tokenService TokenService) *TokenHandler {
	return &TokenHandler{
		tokens:   tokenService,
		validate: validator.New(),
		logger:   slog.Default(),
	}
}

// HandleToken exchanges an authorization code for a stored service token
func (h *TokenHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	serviceName := chi.URLParam(r, "service")
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusForbidden)
		return
	}

	var req tokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, "Bad Request", http.StatusInternalServerError)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.logger.Warn("Missing code or redirectUri", "user_id", userID, "error", err)
		http.Error(w, "Bad Request", http.StatusInternalServerError)
		return
	}

	token, err := h.tokens.ExchangeCode(r.Context(), userID, serviceName, req.Code, req.RedirectURI)
	if err != nil {
		h.logger.Error("Authorization code exchange failed", "user_id", userID, "service", serviceName, "error", err)
		http.Error(w, "Authorization code flow error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Service account linked", "user_id", userID, "service", serviceName, "user_name", token.UserName)
	writeResult(w, http.StatusOK, "Authorized")
}

// HandleDeauthorize revokes and deletes every token of the caller for a service
func (h *TokenHandler) HandleDeauthorize(w http.ResponseWriter, r *http.Request) {
	serviceName := chi.URLParam(r, "service")
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusForbidden)
		return
	}

	if err := h.tokens.Deauthorize(r.Context(), userID, serviceName); err != nil {
		h.logger.Error("Deauthorization failed", "user_id", userID, "service", serviceName, "error", err)
		switch {
		case errors.Is(err, tokens.ErrDeleteToken):
			writeResult(w, http.StatusInternalServerError, "Could not delete token")
		default:
			writeResult(w, http.StatusInternalServerError, "Could not deauthorize")
		}
		return
	}

	writeResult(w, http.StatusOK, "Deauthorized")
}
