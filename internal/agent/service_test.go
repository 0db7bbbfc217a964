package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/walt/internal/completion"
	"github.com/ashureev/walt/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, llm completion.Client, repo SessionRepository) *Service {
	t.Helper()
	svc := NewService(newTestManager(t, llm), repo, testLogger())
	svc.now = func() time.Time { return time.Unix(1_800_000_000, 0) }
	return svc
}

func TestServiceSavesOnSuccess(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	svc := newTestService(t, newFakeLLM(answer("Hello!"), answer("Nice to meet you.")), repo)
	ctx := context.Background()

	_, err := svc.StartNew(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.saveCount())

	_, err = svc.SubmitTurn(ctx, testKey, "I'm Sam")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.saveCount())

	stored, ok := repo.get(testKey)
	require.True(t, ok)
	assert.Equal(t, 4, stored.Transcript.Len())
	assert.Equal(t, time.Unix(1_800_000_000, 0), stored.UpdatedAt)
}

func TestServiceDoesNotSaveOnFailure(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	svc := newTestService(t, newFakeLLM(answer("Hello!"), fail(completion.ErrService)), repo)
	ctx := context.Background()

	_, err := svc.StartNew(ctx, testKey)
	require.NoError(t, err)

	_, err = svc.SubmitTurn(ctx, testKey, "I'm Sam")
	require.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, 1, repo.saveCount())

	stored, _ := repo.get(testKey)
	assert.Equal(t, 2, stored.Transcript.Len())
}

func TestServiceViewsDoNotSave(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	svc := newTestService(t, newFakeLLM(answer("Hello!"), answer("Summary."), answer("# Bio")), repo)
	ctx := context.Background()

	_, err := svc.StartNew(ctx, testKey)
	require.NoError(t, err)

	blob, err := svc.CreateCheckpoint(ctx, testKey)
	require.NoError(t, err)
	assert.Contains(t, blob, "assistant: Hello!")

	bio, err := svc.CraftBiography(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, "# Bio", bio.Text)

	assert.Equal(t, 1, repo.saveCount())
}

func TestServiceOutline(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	svc := newTestService(t, newFakeLLM(), repo)

	outline, err := svc.Outline(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultOutline(), outline)
	assert.Zero(t, repo.saveCount())

	repo.getErr = errors.New("disk I/O error")
	_, err = svc.Outline(context.Background(), testKey)
	require.Error(t, err)
	assert.Equal(t, 500, StatusCode(err))
}

func TestServiceResetSession(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	svc := newTestService(t, newFakeLLM(), repo)
	ctx := context.Background()

	_, err := svc.StartNew(ctx, testKey)
	require.NoError(t, err)
	require.NoError(t, svc.ResetSession(ctx, testKey))

	_, ok := repo.get(testKey)
	assert.False(t, ok)
	require.NoError(t, svc.ResetSession(ctx, testKey))
}

func TestServiceSessionsAreIsolated(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	svc := newTestService(t, newFakeLLM(), repo)
	ctx := context.Background()
	other := domain.SessionKey{UserID: testKey.UserID, SessionID: "tab-2"}

	_, err := svc.StartNew(ctx, testKey)
	require.NoError(t, err)
	_, err = svc.SubmitTurn(ctx, other, "I'm Alex")
	require.NoError(t, err)

	a, _ := repo.get(testKey)
	b, _ := repo.get(other)
	assert.Equal(t, 2, a.Transcript.Len())
	assert.Equal(t, 4, b.Transcript.Len())
}

// blockingLLM holds every call until release is closed.
type blockingLLM struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingLLM) Complete(ctx context.Context, _ completion.Request) (string, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return "ok", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestServiceSerializesPerSession(t *testing.T) {
	t.Parallel()

	llm := &blockingLLM{entered: make(chan struct{}, 4), release: make(chan struct{})}
	repo := newMemRepo()
	svc := newTestService(t, llm, repo)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := svc.SubmitTurn(context.Background(), testKey, "first")
		assert.NoError(t, err)
	}()
	<-llm.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := svc.SubmitTurn(ctx, testKey, "second")
	require.ErrorIs(t, err, ErrSessionBusy)
	assert.Equal(t, 409, StatusCode(err))

	close(llm.release)
	wg.Wait()

	stored, _ := repo.get(testKey)
	assert.Equal(t, 4, stored.Transcript.Len())
	assert.Zero(t, svc.locks.size())
}
