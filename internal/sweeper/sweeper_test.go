package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/walt/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStore struct {
	mu      sync.Mutex
	expired []domain.SessionKey
	listErr error
	sweeps  int
	lastTTL time.Duration
	swept   chan struct{}
}

func (f *fakeStore) ListExpiredBiographySessions(_ context.Context, ttl time.Duration) ([]domain.SessionKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTTL = ttl
	return f.expired, f.listErr
}

func (f *fakeStore) CleanupExpiredSessions(context.Context, time.Duration) (int64, error) {
	f.mu.Lock()
	n := int64(len(f.expired))
	f.expired = nil
	f.sweeps++
	f.mu.Unlock()
	if f.swept != nil {
		select {
		case f.swept <- struct{}{}:
		default:
		}
	}
	return n, nil
}

type fakeCloser struct {
	closed []domain.SessionKey
}

func (f *fakeCloser) CloseSession(key domain.SessionKey) { f.closed = append(f.closed, key) }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSweepClosesAndDeletes(t *testing.T) {
	keys := []domain.SessionKey{{UserID: "anon_a", SessionID: "tab-1"}, {UserID: "anon_b", SessionID: "default"}}
	store := &fakeStore{expired: keys}
	closer := &fakeCloser{}

	n, err := New(store, closer, time.Hour, time.Minute, quietLogger()).Sweep(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, keys, closer.closed)
	assert.Equal(t, time.Hour, store.lastTTL)
}

func TestSweepNothingExpired(t *testing.T) {
	store := &fakeStore{}
	n, err := New(store, nil, time.Hour, 0, quietLogger()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, store.sweeps)
}

func TestSweepListError(t *testing.T) {
	store := &fakeStore{listErr: errors.New("database is locked")}
	_, err := New(store, &fakeCloser{}, time.Hour, 0, quietLogger()).Sweep(context.Background())
	require.Error(t, err)
	assert.Zero(t, store.sweeps)
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	store := &fakeStore{
		expired: []domain.SessionKey{{UserID: "anon_a", SessionID: "tab-1"}},
		swept:   make(chan struct{}, 1),
	}
	s := New(store, nil, time.Hour, 10*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-store.swept:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper never ran")
	}
	cancel()
	assert.NoError(t, <-done)
}
