// Package completion adapts third-party language-model APIs to a single
// synchronous chat-completion call.
package completion

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/walt/internal/domain"
)

// Request is one completion call.
type Request struct {
	Messages        []domain.Message
	MaxOutputTokens int
	Temperature     float64
}

// Client returns a single text completion for an ordered message list.
// Each call is attempted exactly once.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Func adapts a plain function to Client.
type Func func(ctx context.Context, req Request) (string, error)

// Complete calls f.
func (f Func) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Error kinds. Use errors.Is against these.
var (
	ErrAuthentication = errors.New("authentication error")
	ErrRateLimit      = errors.New("rate limit error")
	ErrConnection     = errors.New("connection error")
	ErrService        = errors.New("service error")
)

// Error is a classified failure from a completion provider.
type Error struct {
	Kind     error
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Transient reports whether the failure may succeed if tried later.
func (e *Error) Transient() bool {
	return e.Kind == ErrRateLimit || e.Kind == ErrConnection
}

// KindName returns a short machine-readable name for the kind of err,
// or "service" when err is not classified.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrRateLimit):
		return "rate_limit"
	case errors.Is(err, ErrConnection):
		return "connection"
	default:
		return "service"
	}
}

// kindForStatus maps an HTTP status from a provider to an error kind.
func kindForStatus(status int) error {
	switch {
	case status == 401 || status == 403:
		return ErrAuthentication
	case status == 429:
		return ErrRateLimit
	case status == 408 || status == 504:
		return ErrConnection
	default:
		return ErrService
	}
}

var errEmptyCompletion = errors.New("no completion returned")
