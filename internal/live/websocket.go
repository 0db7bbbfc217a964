package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/walt/internal/agent"
	"github.com/ashureev/walt/internal/domain"
	"github.com/ashureev/walt/internal/identity"
	"github.com/coder/websocket"
)

const (
	channelWS    = "walt_ws"
	writeTimeout = 10 * time.Second
	// readLimit bounds one inbound frame.
	readLimit = 64 << 10
)

// Interviewer runs interview turns. *agent.Service satisfies it.
type Interviewer interface {
	SubmitTurn(ctx context.Context, key domain.SessionKey, text string) (agent.Reply, error)
}

// LastSeenUpdater records user activity.
type LastSeenUpdater interface {
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// Limiter admits turns per user. *agent.RateLimiter satisfies it.
type Limiter interface {
	Allow(key string) bool
}

// Config tunes the WebSocket handler.
type Config struct {
	// AllowedOrigins are matched against the Origin header. "*" allows any.
	AllowedOrigins []string
	// IsDev skips origin checks.
	IsDev bool
	// Limiter is shared with the HTTP routes so both channels draw on one
	// budget. Nil admits every turn.
	Limiter Limiter
}

// Handler serves GET /ws/interview.
type Handler struct {
	interviewer Interviewer
	users       LastSeenUpdater
	registry    *Registry
	convLog     agent.ConversationLogger
	cfg         Config
	logger      *slog.Logger
}

// NewHandler creates a handler. users and convLog may be nil.
func NewHandler(interviewer Interviewer, users LastSeenUpdater, registry *Registry, convLog agent.ConversationLogger, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		interviewer: interviewer,
		users:       users,
		registry:    registry,
		convLog:     convLog,
		cfg:         cfg,
		logger:      logger,
	}
}

// frame is one JSON message in either direction.
type frame struct {
	Type             string                `json:"type"`
	Text             string                `json:"text,omitempty"`
	Response         string                `json:"response,omitempty"`
	BiographyOutline []domain.OutlineEntry `json:"biography_outline,omitempty"`
	Verification     string                `json:"verification,omitempty"`
	Error            string                `json:"error,omitempty"`
	ErrorKind        string                `json:"error_kind,omitempty"`
}

// ServeHTTP upgrades the request and runs the read loop until the client leaves.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := domain.SessionKey{
		UserID:    identity.UserIDFromContext(r.Context()),
		SessionID: identity.SessionIDFromContext(r.Context()),
	}
	if key.UserID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		h.logger.Warn("failed to accept websocket", "user_id", key.UserID, "error", err)
		return
	}
	ws.SetReadLimit(readLimit)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "user_id", key.UserID, "error", closeErr)
		}
	}()

	h.registry.Register(key, ws)
	defer h.registry.Unregister(key, ws)

	h.readLoop(r.Context(), ws, key)
	h.logger.Info("live session ended", "user_id", key.UserID, "session_id", key.SessionID)
}

func (h *Handler) acceptOptions() *websocket.AcceptOptions {
	if h.cfg.IsDev {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	var patterns []string
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
		patterns = append(patterns, hostOf(o))
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, key domain.SessionKey) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("websocket closed", "user_id", key.UserID)
			} else {
				h.logger.Warn("websocket read error", "user_id", key.UserID, "error", err)
			}
			return
		}

		var in frame
		if err := json.Unmarshal(data, &in); err != nil {
			h.write(ctx, ws, key, frame{Type: "error", Error: "invalid frame"})
			continue
		}

		switch in.Type {
		case "ping":
			h.write(ctx, ws, key, frame{Type: "pong"})
		case "turn":
			h.turn(ctx, ws, key, in.Text)
		default:
			h.write(ctx, ws, key, frame{Type: "error", Error: "unknown frame type"})
		}

		h.touch(key.UserID)
	}
}

func (h *Handler) turn(ctx context.Context, ws *websocket.Conn, key domain.SessionKey, text string) {
	if h.cfg.Limiter != nil && !h.cfg.Limiter.Allow(key.UserID) {
		h.logger.Warn("live turn rate limited", "user_id", key.UserID, "session_id", key.SessionID)
		h.write(ctx, ws, key, frame{Type: "error", Error: "rate limit exceeded"})
		return
	}
	h.logEvent(key, "outbound", "turn_user_message", text)

	reply, err := h.interviewer.SubmitTurn(ctx, key, text)
	if err != nil {
		h.logger.Warn("live turn failed",
			"user_id", key.UserID,
			"session_id", key.SessionID,
			"status", agent.StatusCode(err),
			"error", err,
		)
		h.write(ctx, ws, key, frame{
			Type:      "error",
			Error:     agent.PublicMessage(err),
			ErrorKind: agent.ErrorKind(err),
		})
		return
	}

	h.logEvent(key, "inbound", "turn_assistant_message", reply.Message)
	h.write(ctx, ws, key, frame{
		Type:             "response",
		Response:         reply.Message,
		BiographyOutline: reply.Outline,
		Verification:     reply.Verification,
	})
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, key domain.SessionKey, f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("failed to encode frame", "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		h.logger.Debug("websocket write error", "user_id", key.UserID, "error", err)
	}
}

// touch updates last seen asynchronously.
func (h *Handler) touch(userID string) {
	if h.users == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.users.UpdateLastSeen(ctx, userID, time.Now()); err != nil {
			h.logger.Warn("failed to update last seen", "user_id", userID, "error", err)
		}
	}()
}

func (h *Handler) logEvent(key domain.SessionKey, direction, eventType, content string) {
	if h.convLog == nil {
		return
	}
	h.convLog.Log(agent.ConversationLogEvent{
		UserID:     key.UserID,
		SessionID:  key.SessionID,
		Channel:    channelWS,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
	})
}

// hostOf strips the scheme from an origin so it can be used as a pattern.
func hostOf(origin string) string {
	origin = strings.TrimPrefix(origin, "https://")
	return strings.TrimPrefix(origin, "http://")
}
