// Package store is the hub's durable storage gateway.
//
// Storage falls into two categories:
//   - Durable rows: sessions and participants in PostgreSQL, the record
//     that outlives actor restarts and feeds the cleanup worker.
//   - Live state: participant sets and location fixes, owned by session
//     actors and never written here.
//
// The gateway is deliberately thin. It translates rows into typed
// records and sentinel errors; session policy stays with the callers.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by gateway operations.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExpired      = errors.New("session expired")
	ErrSessionEnded        = errors.New("session ended")
	ErrSessionFull         = errors.New("session at capacity")
	ErrDuplicateUser       = errors.New("user already in session")
	ErrDuplicateName       = errors.New("display name already taken")
	ErrParticipantNotFound = errors.New("participant not found")
)

// SessionRecord is a durable session row.
type SessionRecord struct {
	ID           string
	Name         string
	CreatorID    string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
	IsActive     bool
}

// Expired reports whether the session's deadline has passed.
func (s *SessionRecord) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Live returns nil when the session can accept traffic, otherwise the
// sentinel explaining why it cannot.
func (s *SessionRecord) Live(now time.Time) error {
	if !s.IsActive {
		return ErrSessionEnded
	}
	if s.Expired(now) {
		return ErrSessionExpired
	}
	return nil
}

// ParticipantRecord is a durable participant row.
type ParticipantRecord struct {
	ID          int64
	SessionID   string
	UserID      string
	DisplayName string
	AvatarColor string
	JoinedAt    time.Time
	LastSeen    time.Time
	IsActive    bool
}

// ParticipantRef identifies a participant within a session.
type ParticipantRef struct {
	SessionID string
	UserID    string
}

// CreateSessionParams are the caller-supplied fields of a new session.
type CreateSessionParams struct {
	ID        string
	Name      string
	CreatorID string
	ExpiresAt time.Time
}

// CreateParticipantParams are the caller-supplied fields of a new participant.
type CreateParticipantParams struct {
	SessionID   string
	UserID      string
	DisplayName string
	AvatarColor string
}

// SessionSummary is a session row joined with its live participant count.
type SessionSummary struct {
	SessionRecord
	ParticipantCount int
}

// Stats summarizes table counts for the stats endpoint.
type Stats struct {
	ActiveSessions     int64
	TotalSessions      int64
	ActiveParticipants int64
	TotalParticipants  int64
}

// Store is the durable gateway the hub talks to.
//
// Implementation: PostgreSQL for production, in-memory fakes for tests.
type Store interface {
	// CreateSession inserts a new active session row.
	CreateSession(ctx context.Context, p CreateSessionParams) (*SessionRecord, error)

	// GetSession fetches a session row regardless of its state.
	// Returns ErrSessionNotFound when no row exists.
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)

	// EndSession marks a session and all its participants inactive.
	// Returns ErrSessionEnded when the session was already ended.
	EndSession(ctx context.Context, sessionID string) error

	// TouchSession bumps the session's last_activity timestamp.
	TouchSession(ctx context.Context, sessionID string) error

	// ListActiveSessions returns every active session with its live
	// participant count, newest first.
	ListActiveSessions(ctx context.Context) ([]*SessionSummary, error)

	// CreateParticipant inserts a participant, enforcing capacity and
	// the per-session uniqueness of user IDs and display names.
	CreateParticipant(ctx context.Context, p CreateParticipantParams) (*ParticipantRecord, error)

	// GetParticipant fetches one active participant row. Returns
	// ErrParticipantNotFound when no active row matches.
	GetParticipant(ctx context.Context, sessionID, userID string) (*ParticipantRecord, error)

	// ListParticipants returns the active participants of a session in
	// join order.
	ListParticipants(ctx context.Context, sessionID string) ([]*ParticipantRecord, error)

	// MarkParticipantInactive retires a participant row. Returns
	// ErrParticipantNotFound when no active row matched.
	MarkParticipantInactive(ctx context.Context, sessionID, userID string) error

	// TouchParticipant bumps the participant's last_seen timestamp.
	TouchParticipant(ctx context.Context, sessionID, userID string) error

	// CountActiveParticipants returns the active participant count.
	CountActiveParticipants(ctx context.Context, sessionID string) (int, error)

	// ListExpiredSessions returns IDs of active sessions that are past
	// their deadline or idle beyond the inactivity window.
	ListExpiredSessions(ctx context.Context, inactivity time.Duration) ([]string, error)

	// ListInactiveParticipants returns active participants whose
	// last_seen is before the cutoff.
	ListInactiveParticipants(ctx context.Context, cutoff time.Time) ([]ParticipantRef, error)

	// Stats returns table counts.
	Stats(ctx context.Context) (*Stats, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}
