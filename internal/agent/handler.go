package agent

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/walt/internal/api"
	"github.com/ashureev/walt/internal/domain"
	"github.com/ashureev/walt/internal/identity"
	"github.com/ashureev/walt/internal/render"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	defaultMaxRequestBodySize = 1 << 20
	defaultCheckpointFileName = "sessionStory.txt"
	biographyFileName         = "Full_biography.txt"
	channelHTTP               = "walt_http"
)

var unsafeFileName = regexp.MustCompile(`[^A-Za-z0-9._ -]`)

// HandlerConfig tunes the HTTP surface.
type HandlerConfig struct {
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	MaxRequestBodySize int64
}

// Handler serves the biographer's HTTP API under /api/walt.
type Handler struct {
	svc         *Service
	rateLimiter *RateLimiter
	renderer    *render.Renderer
	log         ConversationLogger
	maxBody     int64
	logger      *slog.Logger
}

// NewHandler creates a handler. A nil conversation logger disables conversation logging.
func NewHandler(svc *Service, cfg HandlerConfig, conversationLogger ConversationLogger, logger *slog.Logger) *Handler {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RateLimitRequests <= 0 {
		cfg.RateLimitRequests = 20
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	return &Handler{
		svc:         svc,
		rateLimiter: NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		renderer:    render.New(),
		log:         conversationLogger,
		maxBody:     cfg.MaxRequestBodySize,
		logger:      logger,
	}
}

// RegisterRoutes registers the biographer routes. They expect the identity middleware.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/walt", func(r chi.Router) {
		r.Get("/outline", h.HandleOutline)
		r.Post("/checkpoint/download", h.HandleCheckpointDownload)

		r.Group(func(r chi.Router) {
			r.Use(h.rateLimit)
			r.Post("/new", h.HandleNew)
			r.Post("/continue", h.HandleContinue)
			r.Post("/analyze", h.HandleAnalyze)
			r.Post("/checkpoint", h.HandleCheckpoint)
			r.Post("/craft", h.HandleCraft)
		})
	})
}

// RateLimiter returns the per-user limiter guarding model-backed operations,
// so other channels can share its budget.
func (h *Handler) RateLimiter() *RateLimiter { return h.rateLimiter }

// Close stops background work and flushes the conversation log.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
	if err := h.log.Close(); err != nil {
		h.logger.Warn("failed to close conversation logger", "error", err)
	}
}

// HandleNew handles POST /api/walt/new.
func (h *Handler) HandleNew(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	reply, err := h.svc.StartNew(r.Context(), key)
	if err != nil {
		h.writeOutlineError(w, r, key, "start_new", err, reply.Outline)
		return
	}
	h.logAssistant(r, key, "welcome_message", reply.Message)
	api.JSON(w, http.StatusOK, map[string]any{
		"initial_message":   reply.Message,
		"biography_outline": reply.Outline,
	})
}

// HandleContinue handles POST /api/walt/continue with form field checkpoint_data.
func (h *Handler) HandleContinue(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	blob, ok := h.formValue(w, r, "checkpoint_data")
	if !ok {
		return
	}

	reply, err := h.svc.ContinueFromCheckpoint(r.Context(), key, blob)
	if err != nil {
		h.writeOutlineError(w, r, key, "continue_from_checkpoint", err, reply.Outline)
		return
	}
	h.logAssistant(r, key, "welcome_back_message", reply.Message)
	api.JSON(w, http.StatusOK, map[string]any{
		"initial_message":   reply.Message,
		"biography_outline": reply.Outline,
	})
}

// HandleAnalyze handles POST /api/walt/analyze with form field user_query.
func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	text, ok := h.formValue(w, r, "user_query")
	if !ok {
		return
	}

	h.log.Log(ConversationLogEvent{
		UserID:     key.UserID,
		SessionID:  key.SessionID,
		Channel:    channelHTTP,
		Direction:  "outbound",
		EventType:  "turn_user_message",
		ContentRaw: text,
		Meta:       map[string]any{"request_id": chiMiddleware.GetReqID(r.Context())},
	})

	reply, err := h.svc.SubmitTurn(r.Context(), key, text)
	if err != nil {
		h.writeError(w, r, key, "submit_turn", err, nil)
		return
	}
	h.logAssistant(r, key, "turn_assistant_message", reply.Message)

	body := map[string]any{
		"response":          reply.Message,
		"biography_outline": reply.Outline,
	}
	if reply.Verification != "" {
		body["verification"] = reply.Verification
	}
	api.JSON(w, http.StatusOK, body)
}

// HandleCheckpoint handles POST /api/walt/checkpoint.
func (h *Handler) HandleCheckpoint(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	data, err := h.svc.CreateCheckpoint(r.Context(), key)
	if err != nil {
		h.writeError(w, r, key, "create_checkpoint", err, nil)
		return
	}
	h.logger.Info("checkpoint created", "user_id", key.UserID, "session_id", key.SessionID, "bytes", len(data))
	api.JSON(w, http.StatusOK, map[string]string{"checkpoint_data": data})
}

type downloadRequest struct {
	CheckpointData   string `json:"checkpoint_data"`
	FileDownloadName string `json:"file_download_name"`
}

// HandleCheckpointDownload handles POST /api/walt/checkpoint/download and
// returns the posted text as a plain-text attachment.
func (h *Handler) HandleCheckpointDownload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CheckpointData == "" {
		api.Error(w, http.StatusBadRequest, "checkpoint_data is required")
		return
	}

	name := downloadFileName(req.FileDownloadName)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(req.CheckpointData)); err != nil {
		h.logger.Warn("failed to write checkpoint download", "error", err)
	}
}

// HandleCraft handles POST /api/walt/craft.
func (h *Handler) HandleCraft(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	bio, err := h.svc.CraftBiography(r.Context(), key)
	if err != nil {
		h.writeError(w, r, key, "craft_biography", err, nil)
		return
	}

	rendered, err := h.renderer.Markdown(bio.Text)
	if err != nil {
		h.logger.Error("failed to render biography", "user_id", key.UserID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to render biography")
		return
	}
	h.logAssistant(r, key, "biography_draft", bio.Text)
	api.JSON(w, http.StatusOK, map[string]string{
		"api_response":       rendered,
		"biography":          bio.Text,
		"file_download_name": biographyFileName,
	})
}

// HandleOutline handles GET /api/walt/outline.
func (h *Handler) HandleOutline(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	outline, err := h.svc.Outline(r.Context(), key)
	if err != nil {
		h.writeError(w, r, key, "outline", err, nil)
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{"biography_outline": outline})
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := identity.UserIDFromContext(r.Context())
		if userID == "" {
			api.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !h.rateLimiter.Allow(userID) {
			api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// formValue reads one url-encoded or multipart field, writing the error response itself.
func (h *Handler) formValue(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	err := r.ParseMultipartForm(h.maxBody)
	if errors.Is(err, http.ErrNotMultipart) {
		err = r.ParseForm()
	}
	if r.MultipartForm != nil {
		defer func() {
			if rmErr := r.MultipartForm.RemoveAll(); rmErr != nil {
				h.logger.Debug("failed to remove multipart files", "error", rmErr)
			}
		}()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return "", false
		}
		api.Error(w, http.StatusBadRequest, "invalid form body")
		return "", false
	}
	return r.PostFormValue(name), true
}

func (h *Handler) writeOutlineError(w http.ResponseWriter, r *http.Request, key domain.SessionKey, op string, err error, outline []domain.OutlineEntry) {
	if outline == nil {
		outline = domain.DefaultOutline()
	}
	h.writeError(w, r, key, op, err, outline)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, key domain.SessionKey, op string, err error, outline []domain.OutlineEntry) {
	status := StatusCode(err)
	attrs := []any{
		"op", op,
		"user_id", key.UserID,
		"session_id", key.SessionID,
		"status", status,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"error", err,
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("walt operation failed", attrs...)
	} else {
		h.logger.Warn("walt operation rejected", attrs...)
	}

	body := map[string]any{"error": PublicMessage(err)}
	if kind := ErrorKind(err); kind != "" {
		body["error_kind"] = kind
	}
	if outline != nil {
		body["biography_outline"] = outline
	}
	api.JSON(w, status, body)
}

func (h *Handler) logAssistant(r *http.Request, key domain.SessionKey, eventType, content string) {
	h.log.Log(ConversationLogEvent{
		UserID:     key.UserID,
		SessionID:  key.SessionID,
		Channel:    channelHTTP,
		Direction:  "inbound",
		EventType:  eventType,
		ContentRaw: content,
		Meta:       map[string]any{"request_id": chiMiddleware.GetReqID(r.Context())},
	})
}

func sessionKey(r *http.Request) domain.SessionKey {
	return domain.SessionKey{
		UserID:    identity.UserIDFromContext(r.Context()),
		SessionID: identity.SessionIDFromContext(r.Context()),
	}
}

func downloadFileName(name string) string {
	name = strings.TrimSpace(path.Base(strings.ReplaceAll(name, `\`, "/")))
	name = unsafeFileName.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == "/" || strings.Trim(name, "._ ") == "" {
		return defaultCheckpointFileName
	}
	return name
}
