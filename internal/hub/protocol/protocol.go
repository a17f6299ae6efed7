// Package protocol defines the websocket wire format shared by the hub
// and its clients. Every frame is a JSON envelope {"type": ..., "data": ...}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Message types carried in the envelope.
const (
	// Client to server
	TypeLocationUpdate = "location_update"
	TypePing           = "ping"

	// Server to client
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypeSessionEnded      = "session_ended"
	TypePong              = "pong"
	TypeError             = "error"
)

// Error codes sent in error frames.
const (
	CodeBadFrame        = "BAD_FRAME"
	CodeInvalidType     = "INVALID_TYPE"
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotParticipant  = "NOT_PARTICIPANT"
	CodeInternal        = "INTERNAL"
)

var errEmptyType = errors.New("missing message type")

// Envelope is the outer frame. Data stays raw until the type is known.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses a raw frame into an envelope. A frame that is not a
// JSON object, or carries no type, is malformed.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errEmptyType
	}
	return env, nil
}

// Encode builds a wire frame from a type and its payload.
func Encode(msgType string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		raw = b
	}
	frame, err := json.Marshal(Envelope{Type: msgType, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", msgType, err)
	}
	return frame, nil
}

// LocationUpdate is the client-sent position fix. The timestamp is the
// client's wall clock and is treated as an opaque string.
type LocationUpdate struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp string  `json:"timestamp"`
}

// Validate checks coordinate ranges. Accuracy has no upper bound but
// must be a nonnegative finite number.
func (l *LocationUpdate) Validate() error {
	if math.IsNaN(l.Lat) || math.IsInf(l.Lat, 0) || l.Lat < -90 || l.Lat > 90 {
		return fmt.Errorf("lat must be between -90 and 90, got %v", l.Lat)
	}
	if math.IsNaN(l.Lng) || math.IsInf(l.Lng, 0) || l.Lng < -180 || l.Lng > 180 {
		return fmt.Errorf("lng must be between -180 and 180, got %v", l.Lng)
	}
	if math.IsNaN(l.Accuracy) || math.IsInf(l.Accuracy, 0) || l.Accuracy < 0 {
		return fmt.Errorf("accuracy must be a nonnegative number, got %v", l.Accuracy)
	}
	return nil
}

// LocationBroadcast is the server-relayed position fix. Seq is a
// per-session monotonic counter stamped by the session owner.
type LocationBroadcast struct {
	UserID    string  `json:"user_id"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp string  `json:"timestamp"`
	Seq       uint64  `json:"seq"`
}

// ParticipantJoined announces a new session member.
type ParticipantJoined struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarColor string `json:"avatar_color"`
	Seq         uint64 `json:"seq"`
}

// ParticipantLeft is the final event a departed member produces.
type ParticipantLeft struct {
	UserID string `json:"user_id"`
	Seq    uint64 `json:"seq"`
}

// SessionEnded is the terminal broadcast. After it, the topic is dead.
type SessionEnded struct {
	Reason string `json:"reason"`
	Seq    uint64 `json:"seq"`
}

// ErrorFrame reports a per-connection failure without closing the socket.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodeError is a shorthand for the common error frame.
func EncodeError(code, message string) ([]byte, error) {
	return Encode(TypeError, ErrorFrame{Code: code, Message: message})
}
