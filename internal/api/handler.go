// Package api provides the account-level HTTP handlers and the JSON helpers
// shared by every handler.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/walt/internal/config"
	"github.com/ashureev/walt/internal/domain"
	"github.com/ashureev/walt/internal/identity"
	"github.com/go-chi/chi/v5"
)

// UserLookup finds a user by ID. It returns nil, nil when absent.
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
}

// SessionResetter discards a biography session.
type SessionResetter interface {
	ResetSession(ctx context.Context, key domain.SessionKey) error
}

// SessionCloser drops live connections bound to a session.
type SessionCloser interface {
	CloseSession(key domain.SessionKey)
}

// Handler serves /api/me, /api/config and /api/reset.
type Handler struct {
	users    UserLookup
	resetter SessionResetter
	closer   SessionCloser
	cfg      *config.Config
	logger   *slog.Logger
}

// NewHandler creates a handler. closer may be nil.
func NewHandler(users UserLookup, resetter SessionResetter, closer SessionCloser, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		users:    users,
		resetter: resetter,
		closer:   closer,
		cfg:      cfg,
		logger:   logger,
	}
}

// RegisterRoutes registers the account routes. They expect the identity middleware.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Post("/reset", h.Reset)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// GetMe returns the current visitor and the session the request is bound to.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.users.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"user_id":     user.UserID,
		"username":    user.Username,
		"session_id":  identity.SessionIDFromContext(r.Context()),
		"idle_for":    int64(user.IdleFor(time.Now()).Seconds()),
		"session_ttl": int64(h.cfg.SessionTTL.Seconds()),
	})
}

// GetConfig returns the settings the frontend needs.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"provider":        h.cfg.LLM.Provider,
		"model":           h.cfg.LLM.Model,
		"verify_facts":    h.cfg.Turn.VerifyFacts,
		"session_ttl":     int64(h.cfg.SessionTTL.Seconds()),
		"max_upload_size": h.cfg.MaxRequestBodySize,
	})
}

// Reset discards the current session and closes its live connection.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	key := domain.SessionKey{
		UserID:    identity.UserIDFromContext(r.Context()),
		SessionID: identity.SessionIDFromContext(r.Context()),
	}
	if key.UserID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if h.closer != nil {
		h.closer.CloseSession(key)
	}
	if err := h.resetter.ResetSession(r.Context(), key); err != nil {
		h.logger.Error("failed to reset session", "user_id", key.UserID, "session_id", key.SessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to reset session")
		return
	}

	h.logger.Info("session reset", "user_id", key.UserID, "session_id", key.SessionID)
	JSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
