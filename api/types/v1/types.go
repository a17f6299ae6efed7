// Package types defines shared API types for the hub server and UI.
package types

// HealthResponse is the response from /health
type HealthResponse struct {
	Status   string `json:"status"`
	Uptime   int64  `json:"uptime"`
	Database string `json:"database"`
	Redis    string `json:"redis,omitempty"`
}

// StatsResponse is the response from /stats
type StatsResponse struct {
	ActiveSessions    int   `json:"active_sessions"`
	TotalParticipants int   `json:"total_participants"`
	Connections       int   `json:"connections"`
	EventsPublished   int64 `json:"events_published"`
	EventsDropped     int64 `json:"events_dropped"`
	Uptime            int64 `json:"uptime"`
}

// Session is the public view of a live or stored session.
type Session struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	CreatedAt        string `json:"created_at"`
	ExpiresAt        string `json:"expires_at"`
	ParticipantCount int    `json:"participant_count"`
	IsActive         bool   `json:"is_active"`
	State            string `json:"state,omitempty"`
}

// Participant is the public view of a session member.
type Participant struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarColor string `json:"avatar_color"`
	JoinedAt    string `json:"joined_at"`
	LastSeen    string `json:"last_seen"`
	IsActive    bool   `json:"is_active"`
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	Name             string `json:"name,omitempty"`
	ExpiresInMinutes int    `json:"expires_in_minutes,omitempty"`
}

// CreateSessionResponse is the 201 body of POST /sessions.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	JoinLink  string `json:"join_link"`
	ExpiresAt string `json:"expires_at"`
}

// JoinSessionRequest is the body of POST /sessions/{id}/join.
type JoinSessionRequest struct {
	DisplayName string `json:"display_name"`
	AvatarColor string `json:"avatar_color,omitempty"`
}

// JoinSessionResponse is the 201 body of POST /sessions/{id}/join. The
// token authenticates the follow-up websocket connection.
type JoinSessionResponse struct {
	UserID         string `json:"user_id"`
	WebsocketToken string `json:"websocket_token"`
	WebsocketURL   string `json:"websocket_url"`
}

// SessionsResponse is the response from GET /sessions.
type SessionsResponse struct {
	Sessions []Session `json:"sessions"`
}

// ParticipantsResponse is the response from GET /sessions/{id}/participants.
type ParticipantsResponse struct {
	Participants []Participant `json:"participants"`
}

// DeleteResponse is the body of DELETE endpoints.
type DeleteResponse struct {
	Success bool `json:"success"`
}

// ErrorBody is the error payload shared by all non-2xx responses.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps ErrorBody the way clients receive it.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
