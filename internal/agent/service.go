// Package agent implements Walt, the biographer: the interview operations,
// their persistence per session and the HTTP surface that exposes them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/walt/internal/domain"
)

// SessionRepository persists biography sessions. store.Repository satisfies it.
type SessionRepository interface {
	GetBiographySession(ctx context.Context, key domain.SessionKey) (*domain.BiographySession, error)
	UpsertBiographySession(ctx context.Context, session *domain.BiographySession) error
	DeleteBiographySession(ctx context.Context, key domain.SessionKey) error
}

// Service loads a session, runs one Manager operation on it under a
// per-session lock and saves it when the operation succeeded.
type Service struct {
	manager *Manager
	repo    SessionRepository
	locks   *keyLock
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a service.
func NewService(manager *Manager, repo SessionRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		manager: manager,
		repo:    repo,
		locks:   newKeyLock(),
		logger:  logger,
		now:     time.Now,
	}
}

// StartNew begins a fresh biography in the session.
func (s *Service) StartNew(ctx context.Context, key domain.SessionKey) (Reply, error) {
	return s.mutate(ctx, key, func(sess *domain.BiographySession) (Reply, error) {
		return s.manager.StartNew(ctx, sess)
	})
}

// ContinueFromCheckpoint replaces the session with one restored from blob.
func (s *Service) ContinueFromCheckpoint(ctx context.Context, key domain.SessionKey, blob string) (Reply, error) {
	return s.mutate(ctx, key, func(sess *domain.BiographySession) (Reply, error) {
		return s.manager.ContinueFromCheckpoint(ctx, sess, blob)
	})
}

// SubmitTurn sends one user message in the session.
func (s *Service) SubmitTurn(ctx context.Context, key domain.SessionKey, text string) (Reply, error) {
	return s.mutate(ctx, key, func(sess *domain.BiographySession) (Reply, error) {
		return s.manager.SubmitTurn(ctx, sess, text)
	})
}

// CreateCheckpoint renders the session as a checkpoint. The session is not saved.
func (s *Service) CreateCheckpoint(ctx context.Context, key domain.SessionKey) (string, error) {
	var out string
	err := s.view(ctx, key, func(sess *domain.BiographySession) error {
		out = s.manager.CreateCheckpoint(ctx, sess)
		return nil
	})
	return out, err
}

// CraftBiography drafts a biography from the session. The session is not saved.
func (s *Service) CraftBiography(ctx context.Context, key domain.SessionKey) (Biography, error) {
	var out Biography
	err := s.view(ctx, key, func(sess *domain.BiographySession) error {
		var err error
		out, err = s.manager.CraftBiography(ctx, sess)
		return err
	})
	return out, err
}

// Outline returns the session's outline, or the default one for a new session.
func (s *Service) Outline(ctx context.Context, key domain.SessionKey) ([]domain.OutlineEntry, error) {
	sess, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return outlineOrDefault(sess), nil
}

// ResetSession discards the session.
func (s *Service) ResetSession(ctx context.Context, key domain.SessionKey) error {
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.repo.DeleteBiographySession(ctx, key); err != nil {
		return fmt.Errorf("reset session %s: %w", key, err)
	}
	s.logger.Info("biography session reset", "user_id", key.UserID, "session_id", key.SessionID)
	return nil
}

func (s *Service) mutate(ctx context.Context, key domain.SessionKey, op func(*domain.BiographySession) (Reply, error)) (Reply, error) {
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return Reply{}, err
	}
	defer unlock()

	sess, err := s.load(ctx, key)
	if err != nil {
		return Reply{}, err
	}

	reply, err := op(sess)
	if err != nil {
		return reply, err
	}

	sess.UpdatedAt = s.now()
	if err := s.repo.UpsertBiographySession(ctx, sess); err != nil {
		return Reply{}, fmt.Errorf("save session %s: %w", key, err)
	}
	return reply, nil
}

func (s *Service) view(ctx context.Context, key domain.SessionKey, op func(*domain.BiographySession) error) error {
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	return op(sess)
}

func (s *Service) lock(ctx context.Context, key domain.SessionKey) (func(), error) {
	unlock, err := s.locks.Lock(ctx, key.String())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %w", ErrSessionBusy, err)
		}
		return nil, err
	}
	return unlock, nil
}

func (s *Service) load(ctx context.Context, key domain.SessionKey) (*domain.BiographySession, error) {
	sess, err := s.repo.GetBiographySession(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}
	if sess == nil {
		return domain.NewBiographySession(key, s.now()), nil
	}
	return sess, nil
}
