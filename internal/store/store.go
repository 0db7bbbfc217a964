// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/walt/internal/domain"
)

// Repository defines the interface for persisting users and biography sessions.
type Repository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetBiographySession loads a session. It returns nil, nil when absent.
	GetBiographySession(ctx context.Context, key domain.SessionKey) (*domain.BiographySession, error)

	// UpsertBiographySession creates or replaces a session.
	UpsertBiographySession(ctx context.Context, session *domain.BiographySession) error

	// DeleteBiographySession removes a session. Deleting a missing session is not an error.
	DeleteBiographySession(ctx context.Context, key domain.SessionKey) error

	// ListExpiredBiographySessions returns sessions not updated within ttl.
	ListExpiredBiographySessions(ctx context.Context, ttl time.Duration) ([]domain.SessionKey, error)

	// CleanupExpiredSessions removes sessions not updated within ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
