package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/walt/internal/domain"
	"github.com/ashureev/walt/internal/shared"
	_ "modernc.org/sqlite"
)

var _ Repository = (*SQLiteStore)(nil)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	sessionMu  sync.Mutex // serializes session writes to avoid SQLITE_BUSY
	maxRetries int
	baseDelay  time.Duration
	now        func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithRetry sets how often writes are retried on lock contention.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(s *SQLiteStore) {
		if maxRetries > 0 {
			s.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			s.baseDelay = baseDelay
		}
	}
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets readers proceed while a session is being written.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{
		db:         db,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_last_seen ON users(last_seen_at);

	CREATE TABLE IF NOT EXISTS biography_sessions (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		transcript_json TEXT NOT NULL,
		outline_json TEXT NOT NULL,
		narrative TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_biography_sessions_updated ON biography_sessions(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), s.now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// GetBiographySession loads a session by key.
func (s *SQLiteStore) GetBiographySession(ctx context.Context, key domain.SessionKey) (*domain.BiographySession, error) {
	query := `
		SELECT transcript_json, outline_json, narrative, created_at, updated_at
		FROM biography_sessions WHERE user_id = ? AND session_id = ?`

	var transcriptJSON, outlineJSON string
	var createdAt, updatedAt int64
	session := &domain.BiographySession{Key: key}

	err := s.db.QueryRowContext(ctx, query, key.UserID, key.SessionID).Scan(
		&transcriptJSON, &outlineJSON, &session.Narrative, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan biography session: %w", err)
	}

	if err := json.Unmarshal([]byte(transcriptJSON), &session.Transcript); err != nil {
		return nil, fmt.Errorf("decode transcript for %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(outlineJSON), &session.Outline); err != nil {
		return nil, fmt.Errorf("decode outline for %s: %w", key, err)
	}
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return session, nil
}

// UpsertBiographySession creates or replaces a session. A zero UpdatedAt is
// stamped with the current time.
func (s *SQLiteStore) UpsertBiographySession(ctx context.Context, session *domain.BiographySession) error {
	transcriptJSON, err := json.Marshal(session.Transcript)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	outline := session.Outline
	if outline == nil {
		outline = []domain.OutlineEntry{}
	}
	outlineJSON, err := json.Marshal(outline)
	if err != nil {
		return fmt.Errorf("encode outline: %w", err)
	}

	now := s.now()
	createdAt, updatedAt := session.CreatedAt, session.UpdatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = now
	}

	query := `
		INSERT INTO biography_sessions (
			user_id, session_id, transcript_json, outline_json, narrative, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, session_id) DO UPDATE SET
			transcript_json = excluded.transcript_json,
			outline_json = excluded.outline_json,
			narrative = excluded.narrative,
			updated_at = excluded.updated_at`

	return s.retry(ctx, "upsert biography session", session.Key, func() error {
		s.sessionMu.Lock()
		defer s.sessionMu.Unlock()

		_, err := s.db.ExecContext(ctx, query,
			session.Key.UserID, session.Key.SessionID,
			string(transcriptJSON), string(outlineJSON), session.Narrative,
			createdAt.Unix(), updatedAt.Unix(),
		)
		return err
	})
}

// DeleteBiographySession removes a session, retrying on SQLITE_BUSY.
func (s *SQLiteStore) DeleteBiographySession(ctx context.Context, key domain.SessionKey) error {
	return s.retry(ctx, "delete biography session", key, func() error {
		s.sessionMu.Lock()
		defer s.sessionMu.Unlock()

		_, err := s.db.ExecContext(ctx,
			`DELETE FROM biography_sessions WHERE user_id = ? AND session_id = ?`,
			key.UserID, key.SessionID,
		)
		return err
	})
}

// ListExpiredBiographySessions returns keys of sessions idle longer than ttl.
func (s *SQLiteStore) ListExpiredBiographySessions(ctx context.Context, ttl time.Duration) ([]domain.SessionKey, error) {
	threshold := s.now().Add(-ttl).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, session_id FROM biography_sessions WHERE updated_at < ? ORDER BY updated_at`,
		threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired sessions rows", "error", closeErr)
		}
	}()

	var keys []domain.SessionKey
	for rows.Next() {
		var key domain.SessionKey
		if err := rows.Scan(&key.UserID, &key.SessionID); err != nil {
			return nil, fmt.Errorf("scan expired session row: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	return keys, nil
}

// CleanupExpiredSessions removes sessions idle longer than ttl.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := s.now().Add(-ttl).Unix()

	var affected int64
	err := s.retry(ctx, "cleanup expired sessions", domain.SessionKey{}, func() error {
		s.sessionMu.Lock()
		defer s.sessionMu.Unlock()

		result, err := s.db.ExecContext(ctx, `DELETE FROM biography_sessions WHERE updated_at < ?`, threshold)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// retry runs fn, backing off exponentially while SQLite reports lock contention.
func (s *SQLiteStore) retry(ctx context.Context, op string, key domain.SessionKey, fn func() error) error {
	var err error
	for i := 0; i < s.maxRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == s.maxRetries-1 {
			break
		}

		delay := s.baseDelay * time.Duration(1<<i)
		slog.Debug("sqlite write busy, retrying",
			"op", op,
			"session", key.String(),
			"attempt", i+1,
			"delay", delay)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
