package agent

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ashureev/walt/internal/completion"
	"github.com/ashureev/walt/internal/domain"
	"github.com/ashureev/walt/internal/prompt"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLLM answers from a script. An entry with a non-nil err fails that call.
type fakeLLM struct {
	mu       sync.Mutex
	script   []fakeAnswer
	fallback string
	calls    []completion.Request
}

type fakeAnswer struct {
	text string
	err  error
}

func newFakeLLM(answers ...fakeAnswer) *fakeLLM {
	return &fakeLLM{script: answers, fallback: "Tell me more."}
}

func answer(text string) fakeAnswer { return fakeAnswer{text: text} }

func fail(kind error) fakeAnswer {
	return fakeAnswer{err: &completion.Error{Kind: kind, Provider: "fake"}}
}

func (f *fakeLLM) Complete(_ context.Context, req completion.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.script) == 0 {
		return f.fallback, nil
	}
	a := f.script[0]
	f.script = f.script[1:]
	return a.text, a.err
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLLM) call(i int) completion.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// promptsWithout hides some prompts from the embedded defaults.
type promptsWithout struct {
	lib    *prompt.Library
	hidden map[string]bool
}

func (p promptsWithout) Get(name string) (prompt.Prompt, error) {
	if p.hidden[name] {
		return prompt.Prompt{}, prompt.ErrMissingPrompt
	}
	return p.lib.Get(name)
}

func defaultPrompts(t *testing.T, hidden ...string) PromptSource {
	t.Helper()
	lib, err := prompt.Load(prompt.Defaults())
	if err != nil {
		t.Fatalf("load default prompts: %v", err)
	}
	h := make(map[string]bool, len(hidden))
	for _, name := range hidden {
		h[name] = true
	}
	return promptsWithout{lib: lib, hidden: h}
}

func mustPrompt(t *testing.T, name string) prompt.Prompt {
	t.Helper()
	p, err := defaultPrompts(t).Get(name)
	if err != nil {
		t.Fatalf("prompt %s: %v", name, err)
	}
	return p
}

// memRepo is an in-memory SessionRepository.
type memRepo struct {
	mu       sync.Mutex
	sessions map[domain.SessionKey]domain.BiographySession
	saves    int
	getErr   error
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[domain.SessionKey]domain.BiographySession)}
}

func (r *memRepo) GetBiographySession(_ context.Context, key domain.SessionKey) (*domain.BiographySession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	s, ok := r.sessions[key]
	if !ok {
		return nil, nil
	}
	s.Outline = s.OutlineCopy()
	return &s, nil
}

func (r *memRepo) UpsertBiographySession(_ context.Context, s *domain.BiographySession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	cp := *s
	cp.Outline = s.OutlineCopy()
	r.sessions[s.Key] = cp
	return nil
}

func (r *memRepo) DeleteBiographySession(_ context.Context, key domain.SessionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key)
	return nil
}

func (r *memRepo) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

func (r *memRepo) get(key domain.SessionKey) (domain.BiographySession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}
