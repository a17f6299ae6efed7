package events

import (
	"time"

	"github.com/google/uuid"
)

// Builder constructs lifecycle events with consistent defaults.
type Builder struct {
	nodeID string
}

// NewBuilder creates an event builder with global defaults.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID}
}

// newBase creates a BaseEvent with common fields populated.
func (b *Builder) newBase(eventType EventType, sessionID string) BaseEvent {
	return BaseEvent{
		EventID:     uuid.New().String(),
		EventType:   eventType,
		EventTime:   time.Now().UTC(),
		SessionUUID: sessionID,
		NodeID:      b.nodeID,
	}
}

// SessionCreated constructs a SessionCreatedEvent.
func (b *Builder) SessionCreated(sessionID, name string, expiresAt time.Time) *SessionCreatedEvent {
	return &SessionCreatedEvent{
		BaseEvent: b.newBase(SessionCreated, sessionID),
		Name:      name,
		ExpiresAt: expiresAt,
	}
}

// SessionStarted constructs a SessionStartedEvent.
func (b *Builder) SessionStarted(sessionID string) *SessionStartedEvent {
	return &SessionStartedEvent{
		BaseEvent: b.newBase(SessionStarted, sessionID),
	}
}

// SessionEnded constructs a SessionEndedEvent. participants is the size
// of the live set at the moment of termination.
func (b *Builder) SessionEnded(sessionID string, reason EndReason, participants int) *SessionEndedEvent {
	return &SessionEndedEvent{
		BaseEvent:    b.newBase(SessionEnded, sessionID),
		Reason:       reason,
		Participants: participants,
	}
}

// ParticipantJoined constructs a ParticipantJoinedEvent.
func (b *Builder) ParticipantJoined(sessionID, userID, displayName, avatarColor string) *ParticipantJoinedEvent {
	return &ParticipantJoinedEvent{
		BaseEvent:   b.newBase(ParticipantJoined, sessionID),
		UserID:      userID,
		DisplayName: displayName,
		AvatarColor: avatarColor,
	}
}

// ParticipantLeft constructs a ParticipantLeftEvent.
func (b *Builder) ParticipantLeft(sessionID, userID string) *ParticipantLeftEvent {
	return &ParticipantLeftEvent{
		BaseEvent: b.newBase(ParticipantLeft, sessionID),
		UserID:    userID,
	}
}
