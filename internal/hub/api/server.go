// Package api exposes the hub's HTTP surface: session CRUD, join, the
// participant listing, health and stats, plus the websocket mount.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	types "github.com/sebas/waypoint/api/types/v1"
	"github.com/sebas/waypoint/internal/hub/events"
	"github.com/sebas/waypoint/internal/hub/identity"
	"github.com/sebas/waypoint/internal/hub/presence"
	"github.com/sebas/waypoint/internal/hub/session"
	"github.com/sebas/waypoint/internal/hub/store"
)

// Session lifetime bounds for POST /sessions, and the cap on websocket
// token validity.
const (
	defaultSessionTTL = 24 * time.Hour
	maxSessionTTL     = 7 * 24 * time.Hour
	maxTokenTTL       = 24 * time.Hour
)

// TokenIssuer mints websocket tokens for joined participants.
// Implemented by auth.JWTManager.
type TokenIssuer interface {
	Issue(sessionID, userID, displayName string, ttl time.Duration) (string, error)
}

// WSHandler serves websocket upgrades and reports connection stats.
// Implemented by ws.Handler.
type WSHandler interface {
	http.Handler
	ConnectionCount() int
}

// EventStats reports publisher counters. Implemented by events.NATSPublisher.
type EventStats interface {
	Stats() (published, errors, dropped int64)
}

// Config carries the server address and the public URLs baked into
// join links and websocket URLs.
type Config struct {
	Addr            string
	BaseURL         string
	WSBaseURL       string
	RedisConfigured bool
}

// Server is the hub's HTTP front end.
type Server struct {
	cfg        Config
	httpServer *http.Server
	store      store.Store
	sup        *session.Supervisor
	presence   presence.Tracker
	tokens     TokenIssuer
	publisher  events.Publisher
	builder    *events.Builder
	ws         WSHandler
	startTime  time.Time
}

// NewServer wires the routes. The websocket handler is mounted at /ws
// on the same listener so one port serves the whole hub.
func NewServer(cfg Config, st store.Store, sup *session.Supervisor, tracker presence.Tracker, tokens TokenIssuer, pub events.Publisher, builder *events.Builder, wsHandler WSHandler) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		sup:       sup,
		presence:  tracker,
		tokens:    tokens,
		publisher: pub,
		builder:   builder,
		ws:        wsHandler,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	// Health and stats
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)

	// Sessions
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSessionSubtree)

	// Live traffic
	mux.Handle("/ws", wsHandler)

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("[API] Starting HTTP server", "addr", s.cfg.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[API] Server error", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- Sessions ---

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateSession(w, r)
	case http.MethodGet:
		s.handleListSessions(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

// handleSessionSubtree routes everything under /sessions/{id}:
//
//	GET    /sessions/{id}
//	DELETE /sessions/{id}
//	POST   /sessions/{id}/join
//	GET    /sessions/{id}/participants
//	DELETE /sessions/{id}/participants/{user_id}
func (s *Server) handleSessionSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(path, "/")
	sessionID := parts[0]
	if sessionID == "" {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "session id required")
		return
	}

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			s.handleGetSession(w, r, sessionID)
		case http.MethodDelete:
			s.handleEndSession(w, r, sessionID)
		default:
			s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		}
	case len(parts) == 2 && parts[1] == "join":
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		s.handleJoinSession(w, r, sessionID)
	case len(parts) == 2 && parts[1] == "participants":
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		s.handleListParticipants(w, r, sessionID)
	case len(parts) == 3 && parts[1] == "participants" && parts[2] != "":
		if r.Method != http.MethodDelete {
			s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		s.handleRemoveParticipant(w, r, sessionID, parts[2])
	default:
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	// Every field is optional, so an empty body is a valid request.
	var req types.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed JSON body")
		return
	}

	name := identity.SanitizeSessionName(req.Name)
	if name == "" {
		name = identity.RandomSessionName()
	}

	ttl := defaultSessionTTL
	if req.ExpiresInMinutes != 0 {
		if req.ExpiresInMinutes < 0 {
			s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "expires_in_minutes must be positive")
			return
		}
		ttl = time.Duration(req.ExpiresInMinutes) * time.Minute
		if ttl > maxSessionTTL {
			s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "expires_in_minutes exceeds the 7 day maximum")
			return
		}
	}

	rec, err := s.store.CreateSession(r.Context(), store.CreateSessionParams{
		ID:        uuid.New().String(),
		Name:      name,
		CreatorID: uuid.New().String(),
		ExpiresAt: time.Now().Add(ttl),
	})
	if err != nil {
		slog.Error("[API] Failed to create session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "could not create session")
		return
	}

	s.publisher.PublishAsync(s.builder.SessionCreated(rec.ID, rec.Name, rec.ExpiresAt))
	slog.Info("[API] Session created", "session_id", rec.ID, "name", rec.Name, "expires_at", rec.ExpiresAt)

	s.writeJSON(w, http.StatusCreated, types.CreateSessionResponse{
		SessionID: rec.ID,
		Name:      rec.Name,
		JoinLink:  s.cfg.BaseURL + "/join/" + rec.ID,
		ExpiresAt: rec.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sums, err := s.store.ListActiveSessions(r.Context())
	if err != nil {
		slog.Error("[API] Failed to list sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "could not list sessions")
		return
	}

	now := time.Now()
	out := types.SessionsResponse{Sessions: make([]types.Session, 0, len(sums))}
	for _, sum := range sums {
		out.Sessions = append(out.Sessions, sessionView(&sum.SessionRecord, sum.ParticipantCount, now))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	rec, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
			return
		}
		slog.Error("[API] Failed to load session", "session_id", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "could not load session")
		return
	}

	count, err := s.store.CountActiveParticipants(r.Context(), sessionID)
	if err != nil {
		slog.Error("[API] Failed to count participants", "session_id", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "could not load session")
		return
	}

	view := sessionView(rec, count, time.Now())
	if actor, ok := s.sup.Lookup(sessionID); ok {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		if snap, err := actor.Snapshot(ctx); err == nil {
			view.State = snap.State.String()
		}
		cancel()
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleJoinSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req types.JoinSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed JSON body")
		return
	}

	rec, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
			return
		}
		slog.Error("[API] Failed to load session", "session_id", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "could not load session")
		return
	}
	if liveErr := rec.Live(time.Now()); liveErr != nil {
		if errors.Is(liveErr, store.ErrSessionExpired) {
			s.writeError(w, http.StatusGone, "SESSION_EXPIRED", "session has expired")
		} else {
			s.writeError(w, http.StatusGone, "SESSION_ENDED", "session has ended")
		}
		return
	}

	name := identity.SanitizeDisplayName(req.DisplayName)
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "display_name is required")
		return
	}
	color := req.AvatarColor
	if color == "" {
		color = identity.RandomAvatarColor()
	} else if !identity.ValidHexColor(color) {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "avatar_color must be a #RRGGBB color")
		return
	}

	userID := uuid.New().String()
	part, err := s.store.CreateParticipant(r.Context(), store.CreateParticipantParams{
		SessionID:   sessionID,
		UserID:      userID,
		DisplayName: name,
		AvatarColor: color,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateName):
			s.writeError(w, http.StatusConflict, "DUPLICATE_NAME", "display name already taken in this session")
		case errors.Is(err, store.ErrSessionFull):
			s.writeError(w, http.StatusUnprocessableEntity, "SESSION_FULL", "session is at capacity")
		default:
			slog.Error("[API] Failed to create participant", "session_id", sessionID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "INTERNAL", "could not join session")
		}
		return
	}

	// Joining counts as session activity.
	if err := s.store.TouchSession(r.Context(), sessionID); err != nil {
		slog.Debug("[API] Failed to touch session", "session_id", sessionID, "error", err)
	}

	ttl := time.Until(rec.ExpiresAt)
	if ttl > maxTokenTTL {
		ttl = maxTokenTTL
	}
	token, err := s.tokens.Issue(sessionID, userID, part.DisplayName, ttl)
	if err != nil {
		slog.Error("[API] Failed to issue token", "session_id", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "could not issue token")
		return
	}

	slog.Info("[API] Participant joined", "session_id", sessionID, "user_id", userID, "display_name", part.DisplayName)
	s.writeJSON(w, http.StatusCreated, types.JoinSessionResponse{
		UserID:         userID,
		WebsocketToken: token,
		WebsocketURL:   s.cfg.WSBaseURL + "/ws?token=" + url.QueryEscape(token),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	err := s.store.EndSession(r.Context(), sessionID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrSessionEnded):
		// Already ended: idempotent success, but still reap a live actor.
	case errors.Is(err, store.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
		return
	default:
		slog.Error("[API] Failed to end session", "session_id", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "could not end session")
		return
	}

	if actor, ok := s.sup.Lookup(sessionID); ok {
		if terr := actor.Terminate(r.Context(), session.ReasonEndedByCreator); terr != nil && !errors.Is(terr, session.ErrTerminated) {
			slog.Warn("[API] Failed to stop session owner", "session_id", sessionID, "error", terr)
		}
	} else if err == nil {
		// No actor to announce the end, so emit the domain event here.
		s.publisher.PublishAsync(s.builder.SessionEnded(sessionID, events.EndReasonCreator, 0))
	}

	slog.Info("[API] Session ended", "session_id", sessionID)
	s.writeJSON(w, http.StatusOK, types.DeleteResponse{Success: true})
}

// --- Participants ---

func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request, sessionID string) {
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
			return
		}
		slog.Error("[API] Failed to load session", "session_id", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "could not load session")
		return
	}

	parts, err := s.store.ListParticipants(r.Context(), sessionID)
	if err != nil {
		slog.Error("[API] Failed to list participants", "session_id", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "could not list participants")
		return
	}

	out := types.ParticipantsResponse{Participants: make([]types.Participant, 0, len(parts))}
	for _, p := range parts {
		out.Participants = append(out.Participants, types.Participant{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			AvatarColor: p.AvatarColor,
			JoinedAt:    p.JoinedAt.UTC().Format(time.RFC3339),
			LastSeen:    p.LastSeen.UTC().Format(time.RFC3339),
			IsActive:    p.IsActive,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRemoveParticipant(w http.ResponseWriter, r *http.Request, sessionID, userID string) {
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
			return
		}
		slog.Error("[API] Failed to load session", "session_id", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "could not load session")
		return
	}

	err := s.store.MarkParticipantInactive(r.Context(), sessionID, userID)
	switch {
	case err == nil, errors.Is(err, store.ErrParticipantNotFound):
		// Removing an absent participant is a success; the row state is
		// what the caller asked for.
	default:
		slog.Error("[API] Failed to remove participant", "session_id", sessionID, "user_id", userID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "could not remove participant")
		return
	}

	if actor, ok := s.sup.Lookup(sessionID); ok {
		lerr := actor.Leave(r.Context(), userID)
		if lerr != nil && !errors.Is(lerr, session.ErrTerminated) && !errors.Is(lerr, session.ErrParticipantNotFound) {
			slog.Warn("[API] Failed to remove participant from live session", "session_id", sessionID, "user_id", userID, "error", lerr)
		}
	}

	s.writeJSON(w, http.StatusOK, types.DeleteResponse{Success: true})
}

// --- Health & Stats ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{
		Status: "ok",
		Uptime: int64(time.Since(s.startTime).Seconds()),
	}
	status := http.StatusOK

	resp.Database = "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		resp.Database = "unreachable"
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	if s.cfg.RedisConfigured {
		resp.Redis = "ok"
		if err := s.presence.Ping(r.Context()); err != nil {
			resp.Redis = "unreachable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		slog.Error("[API] Failed to load stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "could not load stats")
		return
	}

	resp := types.StatsResponse{
		ActiveSessions:    int(st.ActiveSessions),
		TotalParticipants: int(st.ActiveParticipants),
		Connections:       s.ws.ConnectionCount(),
		Uptime:            int64(time.Since(s.startTime).Seconds()),
	}
	if reporter, ok := s.publisher.(EventStats); ok {
		published, _, dropped := reporter.Stats()
		resp.EventsPublished = published
		resp.EventsDropped = dropped
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// --- Helpers ---

func sessionView(rec *store.SessionRecord, count int, now time.Time) types.Session {
	return types.Session{
		ID:               rec.ID,
		Name:             rec.Name,
		CreatedAt:        rec.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:        rec.ExpiresAt.UTC().Format(time.RFC3339),
		ParticipantCount: count,
		IsActive:         rec.Live(now) == nil,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, types.ErrorResponse{
		Error: types.ErrorBody{Code: code, Message: message},
	})
}
