package agent

import (
	"errors"
	"net/http"

	"github.com/ashureev/walt/internal/completion"
)

// Operation errors. Callers match them with errors.Is.
var (
	// ErrInvalidInput means a required field was empty. Nothing was changed.
	ErrInvalidInput = errors.New("invalid input")
	// ErrMissingConfiguration means a prompt the operation needs is unavailable.
	ErrMissingConfiguration = errors.New("missing configuration")
	// ErrUpstream means the completion service failed. It wraps the *completion.Error.
	ErrUpstream = errors.New("completion service failed")
	// ErrSessionBusy means another request holds the session and ctx ended first.
	ErrSessionBusy = errors.New("session busy")
)

// StatusCode maps an operation error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrMissingConfiguration):
		return http.StatusInternalServerError
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, ErrSessionBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ErrorKind names the completion failure class behind err, or "" when err
// is not an upstream failure.
func ErrorKind(err error) string {
	if !errors.Is(err, ErrUpstream) {
		return ""
	}
	return completion.KindName(err)
}

// PublicMessage returns text safe to show an end user.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return err.Error()
	case errors.Is(err, ErrMissingConfiguration):
		return "the biographer is not configured correctly"
	case errors.Is(err, ErrUpstream):
		switch {
		case errors.Is(err, completion.ErrRateLimit):
			return "the biographer is busy, please try again shortly"
		case errors.Is(err, completion.ErrAuthentication):
			return "the biographer could not authenticate with its language model"
		case errors.Is(err, completion.ErrConnection):
			return "the biographer could not reach its language model"
		default:
			return "the biographer's language model returned an error"
		}
	case errors.Is(err, ErrSessionBusy):
		return "another request for this session is still running"
	default:
		return "internal error"
	}
}
