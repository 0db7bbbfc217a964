package domain

import (
	"time"
)

// SessionKey addresses one biography session of one user.
type SessionKey struct {
	UserID    string
	SessionID string
}

func (k SessionKey) String() string {
	return k.UserID + ":" + k.SessionID
}

// BiographySession is the live aggregate for one ongoing interview.
type BiographySession struct {
	Key        SessionKey
	Transcript Transcript
	Outline    []OutlineEntry
	// Narrative is the summary carried over from a restored checkpoint.
	Narrative string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewBiographySession returns an uninitialized session for key.
func NewBiographySession(key SessionKey, now time.Time) *BiographySession {
	return &BiographySession{
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsLive reports whether the session has a transcript to continue.
func (s *BiographySession) IsLive() bool {
	return !s.Transcript.IsEmpty()
}

// OutlineCopy returns a copy of the outline so callers cannot alias session state.
func (s *BiographySession) OutlineCopy() []OutlineEntry {
	if s.Outline == nil {
		return nil
	}
	out := make([]OutlineEntry, len(s.Outline))
	copy(out, s.Outline)
	return out
}
