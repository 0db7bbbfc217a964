package live

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/walt/internal/agent"
	"github.com/ashureev/walt/internal/completion"
	"github.com/ashureev/walt/internal/domain"
	"github.com/ashureev/walt/internal/identity"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInterviewer struct {
	mu    sync.Mutex
	turns []string
	err   error
}

func (f *fakeInterviewer) SubmitTurn(_ context.Context, key domain.SessionKey, text string) (agent.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, key.SessionID+"|"+text)
	if f.err != nil {
		return agent.Reply{}, f.err
	}
	return agent.Reply{Message: "You said: " + text, Outline: domain.DefaultOutline()}, nil
}

func newTestServer(t *testing.T, interviewer Interviewer) (*httptest.Server, *Registry) {
	t.Helper()
	return newTestServerWithConfig(t, interviewer, Config{IsDev: true})
}

func newTestServerWithConfig(t *testing.T, interviewer Interviewer, cfg Config) (*httptest.Server, *Registry) {
	t.Helper()
	registry := NewRegistry()
	h := NewHandler(interviewer, nil, registry, nil, cfg, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := identity.NewContext(r.Context(), "anon_test", r.URL.Query().Get(identity.SessionQueryParam))
		h.ServeHTTP(w, r.WithContext(ctx))
	}))
	t.Cleanup(srv.Close)
	return srv, registry
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/interview?session_id=" + sessionID
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, out string) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(out)))
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var in frame
	require.NoError(t, json.Unmarshal(data, &in))
	return in
}

func TestLivePingPong(t *testing.T) {
	srv, _ := newTestServer(t, &fakeInterviewer{})
	conn := dial(t, srv, "tab-1")

	assert.Equal(t, "pong", roundTrip(t, conn, `{"type":"ping"}`).Type)
}

func TestLiveTurn(t *testing.T) {
	interviewer := &fakeInterviewer{}
	srv, _ := newTestServer(t, interviewer)
	conn := dial(t, srv, "tab-1")

	got := roundTrip(t, conn, `{"type":"turn","text":"I'm Sam"}`)
	assert.Equal(t, "response", got.Type)
	assert.Equal(t, "You said: I'm Sam", got.Response)
	assert.Len(t, got.BiographyOutline, domain.OutlineLength)
	assert.Equal(t, []string{"tab-1|I'm Sam"}, interviewer.turns)
}

func TestLiveTurnError(t *testing.T) {
	upstream := &completion.Error{Kind: completion.ErrRateLimit, Provider: "fake"}
	interviewer := &fakeInterviewer{err: fmt.Errorf("turn: %w: %w", agent.ErrUpstream, upstream)}
	srv, _ := newTestServer(t, interviewer)
	conn := dial(t, srv, "tab-1")

	got := roundTrip(t, conn, `{"type":"turn","text":"hello"}`)
	assert.Equal(t, "error", got.Type)
	assert.Equal(t, "rate_limit", got.ErrorKind)
	assert.NotEmpty(t, got.Error)
}

func TestLiveTurnRateLimited(t *testing.T) {
	limiter := agent.NewRateLimiter(1, time.Minute)
	t.Cleanup(limiter.Stop)
	interviewer := &fakeInterviewer{}
	srv, _ := newTestServerWithConfig(t, interviewer, Config{IsDev: true, Limiter: limiter})
	conn := dial(t, srv, "tab-1")

	assert.Equal(t, "response", roundTrip(t, conn, `{"type":"turn","text":"I'm Sam"}`).Type)

	got := roundTrip(t, conn, `{"type":"turn","text":"again"}`)
	assert.Equal(t, "error", got.Type)
	assert.Equal(t, "rate limit exceeded", got.Error)
	assert.Equal(t, "pong", roundTrip(t, conn, `{"type":"ping"}`).Type)

	interviewer.mu.Lock()
	defer interviewer.mu.Unlock()
	assert.Equal(t, []string{"tab-1|I'm Sam"}, interviewer.turns)
}

func TestLiveRejectsBadFrames(t *testing.T) {
	srv, _ := newTestServer(t, &fakeInterviewer{})
	conn := dial(t, srv, "tab-1")

	assert.Equal(t, "invalid frame", roundTrip(t, conn, `not json`).Error)
	assert.Equal(t, "unknown frame type", roundTrip(t, conn, `{"type":"resize"}`).Error)
}

func TestLiveNewConnectionReplacesOld(t *testing.T) {
	srv, registry := newTestServer(t, &fakeInterviewer{})
	first := dial(t, srv, "tab-1")
	roundTrip(t, first, `{"type":"ping"}`)

	second := dial(t, srv, "tab-1")
	roundTrip(t, second, `{"type":"ping"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := first.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	key := domain.SessionKey{UserID: "anon_test", SessionID: "tab-1"}
	assert.NotNil(t, registry.Active(key))
	assert.Equal(t, 1, registry.Len())
}

func TestRegistryCloseSession(t *testing.T) {
	srv, registry := newTestServer(t, &fakeInterviewer{})
	conn := dial(t, srv, "tab-1")
	roundTrip(t, conn, `{"type":"ping"}`)

	key := domain.SessionKey{UserID: "anon_test", SessionID: "tab-1"}
	registry.CloseSession(key)
	registry.CloseSession(key)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	assert.Nil(t, registry.Active(key))
}

func TestLiveRequiresIdentity(t *testing.T) {
	h := NewHandler(&fakeInterviewer{}, nil, NewRegistry(), nil, Config{}, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/interview", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "localhost:5173", hostOf("http://localhost:5173"))
	assert.Equal(t, "walt.example", hostOf("https://walt.example"))
	assert.Equal(t, "walt.example", hostOf("walt.example"))
}
