// Package sweeper removes biography sessions that have been idle too long.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/walt/internal/domain"
)

const defaultInterval = 5 * time.Minute

// Store is the part of the repository the sweeper needs.
type Store interface {
	ListExpiredBiographySessions(ctx context.Context, ttl time.Duration) ([]domain.SessionKey, error)
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)
}

// SessionCloser drops live connections of a session.
type SessionCloser interface {
	CloseSession(key domain.SessionKey)
}

// Sweeper periodically deletes sessions not updated within a TTL.
type Sweeper struct {
	store    Store
	closer   SessionCloser
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// New creates a sweeper. closer may be nil; a non-positive interval uses five minutes.
func New(store Store, closer SessionCloser, ttl, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		closer:   closer,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps on every tick until ctx is done. It always returns nil so it
// can run in an errgroup without ending its siblings.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("session sweeper started", "interval", s.interval, "ttl", s.ttl)

	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("session sweep failed", "error", err)
			}
		case <-ctx.Done():
			s.logger.Info("session sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep closes live connections of expired sessions, then deletes them.
// It returns the number of deleted sessions.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	expired, err := s.store.ListExpiredBiographySessions(ctx, s.ttl)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	if s.closer != nil {
		for _, key := range expired {
			s.closer.CloseSession(key)
		}
	}

	deleted, err := s.store.CleanupExpiredSessions(ctx, s.ttl)
	if err != nil {
		return 0, err
	}
	s.logger.Info("expired sessions swept", "found", len(expired), "deleted", deleted)
	return deleted, nil
}
