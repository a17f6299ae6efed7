// Package events defines the session lifecycle events the hub emits for
// external consumers (analytics, audit, dashboards) and the publishers
// that carry them. Location updates never leave the hub through here;
// only lifecycle transitions do.
package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	SessionCreated    EventType = "session.created"
	SessionStarted    EventType = "session.started"
	SessionEnded      EventType = "session.ended"
	ParticipantJoined EventType = "session.participant_joined"
	ParticipantLeft   EventType = "session.participant_left"
)

// EndReason mirrors the reasons carried by the terminal broadcast.
type EndReason string

const (
	EndReasonExpired EndReason = "expired"
	EndReasonCreator EndReason = "ended_by_creator"
	EndReasonEmpty   EndReason = "empty"
	EndReasonRestart EndReason = "restart"
)

// Event is the interface all lifecycle events implement.
type Event interface {
	// Type returns the event type.
	Type() EventType
	// Subject returns the NATS subject this event publishes to.
	Subject() string
	// Timestamp returns when the event occurred.
	Timestamp() time.Time
	// SessionID returns the session the event belongs to.
	SessionID() string
}

// BaseEvent carries the fields shared by every lifecycle event.
type BaseEvent struct {
	EventID     string    `json:"event_id"`
	EventType   EventType `json:"event_type"`
	EventTime   time.Time `json:"event_time"`
	SessionUUID string    `json:"session_id"`
	NodeID      string    `json:"node_id,omitempty"`
}

func (e *BaseEvent) Type() EventType {
	return e.EventType
}

func (e *BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

func (e *BaseEvent) SessionID() string {
	return e.SessionUUID
}

func (e *BaseEvent) Subject() string {
	return SubjectForEventType(e.EventType, e.SessionUUID)
}

// ID returns the unique event ID, used for publish deduplication.
func (e *BaseEvent) ID() string {
	return e.EventID
}

// SessionCreatedEvent fires when a session row is created over REST.
type SessionCreatedEvent struct {
	BaseEvent
	Name      string    `json:"name,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionStartedEvent fires when a session's actor spawns.
type SessionStartedEvent struct {
	BaseEvent
}

// SessionEndedEvent fires when a session terminates for any reason.
type SessionEndedEvent struct {
	BaseEvent
	Reason       EndReason `json:"reason"`
	Participants int       `json:"participant_count"`
}

// ParticipantJoinedEvent fires when a participant is admitted.
type ParticipantJoinedEvent struct {
	BaseEvent
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarColor string `json:"avatar_color,omitempty"`
}

// ParticipantLeftEvent fires when a participant leaves or is removed.
type ParticipantLeftEvent struct {
	BaseEvent
	UserID string `json:"user_id"`
}

// MarshalEvent serializes an event for the wire.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
