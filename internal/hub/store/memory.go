package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and local development.
// It enforces the same capacity and uniqueness rules as the PostgreSQL
// gateway so callers exercise identical error paths.
type MemoryStore struct {
	mu              sync.Mutex
	maxParticipants int
	nextID          int64
	sessions        map[string]*SessionRecord
	participants    []*ParticipantRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(maxParticipants int) *MemoryStore {
	return &MemoryStore{
		maxParticipants: maxParticipants,
		sessions:        make(map[string]*SessionRecord),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, p CreateSessionParams) (*SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[p.ID]; ok {
		return nil, fmt.Errorf("session %s already exists", p.ID)
	}
	now := time.Now()
	rec := &SessionRecord{
		ID:           p.ID,
		Name:         p.Name,
		CreatorID:    p.CreatorID,
		CreatedAt:    now,
		ExpiresAt:    p.ExpiresAt,
		LastActivity: now,
		IsActive:     true,
	}
	m.sessions[p.ID] = rec
	out := *rec
	return &out, nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := *rec
	return &out, nil
}

func (m *MemoryStore) EndSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if !rec.IsActive {
		return ErrSessionEnded
	}
	rec.IsActive = false
	for _, p := range m.participants {
		if p.SessionID == sessionID {
			p.IsActive = false
		}
	}
	return nil
}

func (m *MemoryStore) TouchSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.sessions[sessionID]; ok {
		rec.LastActivity = time.Now()
	}
	return nil
}

func (m *MemoryStore) ListActiveSessions(_ context.Context) ([]*SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*SessionSummary
	for _, rec := range m.sessions {
		if !rec.IsActive {
			continue
		}
		sum := &SessionSummary{SessionRecord: *rec}
		for _, p := range m.participants {
			if p.SessionID == rec.ID && p.IsActive {
				sum.ParticipantCount++
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateParticipant(_ context.Context, p CreateParticipantParams) (*ParticipantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Capacity outranks duplicates, matching the gateway's check order.
	count := 0
	var dupUser, dupName bool
	for _, existing := range m.participants {
		if existing.SessionID != p.SessionID || !existing.IsActive {
			continue
		}
		count++
		if existing.UserID == p.UserID {
			dupUser = true
		}
		if existing.DisplayName == p.DisplayName {
			dupName = true
		}
	}
	if count >= m.maxParticipants {
		return nil, ErrSessionFull
	}
	if dupUser {
		return nil, ErrDuplicateUser
	}
	if dupName {
		return nil, ErrDuplicateName
	}

	m.nextID++
	now := time.Now()
	rec := &ParticipantRecord{
		ID:          m.nextID,
		SessionID:   p.SessionID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		AvatarColor: p.AvatarColor,
		JoinedAt:    now,
		LastSeen:    now,
		IsActive:    true,
	}
	m.participants = append(m.participants, rec)
	out := *rec
	return &out, nil
}

func (m *MemoryStore) GetParticipant(_ context.Context, sessionID, userID string) (*ParticipantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.participants {
		if p.SessionID == sessionID && p.UserID == userID && p.IsActive {
			out := *p
			return &out, nil
		}
	}
	return nil, ErrParticipantNotFound
}

func (m *MemoryStore) ListParticipants(_ context.Context, sessionID string) ([]*ParticipantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*ParticipantRecord
	for _, p := range m.participants {
		if p.SessionID == sessionID && p.IsActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkParticipantInactive(_ context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.participants {
		if p.SessionID == sessionID && p.UserID == userID && p.IsActive {
			p.IsActive = false
			return nil
		}
	}
	return ErrParticipantNotFound
}

func (m *MemoryStore) TouchParticipant(_ context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.participants {
		if p.SessionID == sessionID && p.UserID == userID {
			p.LastSeen = time.Now()
		}
	}
	return nil
}

func (m *MemoryStore) CountActiveParticipants(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, p := range m.participants {
		if p.SessionID == sessionID && p.IsActive {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ListExpiredSessions(_ context.Context, inactivity time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-inactivity)
	var ids []string
	for id, rec := range m.sessions {
		if !rec.IsActive {
			continue
		}
		if rec.Expired(now) {
			ids = append(ids, id)
			continue
		}
		if rec.LastActivity.Before(cutoff) && !m.hasFreshParticipant(id, cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// hasFreshParticipant reports whether any active participant of the
// session was seen after the cutoff. Callers must hold the lock.
func (m *MemoryStore) hasFreshParticipant(sessionID string, cutoff time.Time) bool {
	for _, p := range m.participants {
		if p.SessionID == sessionID && p.IsActive && p.LastSeen.After(cutoff) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ListInactiveParticipants(_ context.Context, cutoff time.Time) ([]ParticipantRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var refs []ParticipantRef
	for _, p := range m.participants {
		if p.IsActive && p.LastSeen.Before(cutoff) {
			refs = append(refs, ParticipantRef{SessionID: p.SessionID, UserID: p.UserID})
		}
	}
	return refs, nil
}

func (m *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st Stats
	for _, rec := range m.sessions {
		st.TotalSessions++
		if rec.IsActive {
			st.ActiveSessions++
		}
	}
	for _, p := range m.participants {
		st.TotalParticipants++
		if p.IsActive {
			st.ActiveParticipants++
		}
	}
	return &st, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
