package events

import "fmt"

// Subject naming conventions for NATS.
//
// Hierarchy:
//   waypoint.sessions.<session_id>.<event_suffix>  - Per-session lifecycle events
//
// Wildcard subscriptions:
//   waypoint.sessions.>                            - All session events
//   waypoint.sessions.*.ended                      - All session.ended events
//   waypoint.sessions.<session_id>.*               - All events for one session

const (
	// SubjectPrefix is the root of all waypoint subjects
	SubjectPrefix = "waypoint"

	// Session event subjects
	SubjectSessions                 = SubjectPrefix + ".sessions"
	SubjectSessionCreated           = "created"
	SubjectSessionStarted           = "started"
	SubjectSessionEnded             = "ended"
	SubjectSessionParticipantJoined = "participant_joined"
	SubjectSessionParticipantLeft   = "participant_left"

	// StreamName is the JetStream stream capturing all session events
	StreamName = "WAYPOINT_SESSIONS"
)

// SessionSubject builds a subject for a specific session event.
// Example: SessionSubject("abc-123", "ended") => "waypoint.sessions.abc-123.ended"
func SessionSubject(sessionID string, eventSuffix string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectSessions, sessionID, eventSuffix)
}

// Subject patterns for common consumer configurations
var (
	// PatternAllSessions matches all session events
	PatternAllSessions = SubjectSessions + ".>"

	// PatternSessionEnded matches all session.ended events (for analytics)
	PatternSessionEnded = SubjectSessions + ".*.ended"

	// PatternParticipantJoined matches all participant_joined events
	PatternParticipantJoined = SubjectSessions + ".*.participant_joined"
)

// SubjectForEventType builds the full subject for an event of the given
// type belonging to the given session.
func SubjectForEventType(t EventType, sessionID string) string {
	return SessionSubject(sessionID, subjectSuffix(t))
}

// subjectSuffix returns the subject leaf used for a given event type.
func subjectSuffix(t EventType) string {
	switch t {
	case SessionCreated:
		return SubjectSessionCreated
	case SessionStarted:
		return SubjectSessionStarted
	case SessionEnded:
		return SubjectSessionEnded
	case ParticipantJoined:
		return SubjectSessionParticipantJoined
	case ParticipantLeft:
		return SubjectSessionParticipantLeft
	default:
		return "unknown"
	}
}
