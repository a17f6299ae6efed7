package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	types "github.com/sebas/waypoint/api/types/v1"
	"github.com/sebas/waypoint/internal/hub/auth"
	"github.com/sebas/waypoint/internal/hub/bus"
	"github.com/sebas/waypoint/internal/hub/events"
	"github.com/sebas/waypoint/internal/hub/identity"
	"github.com/sebas/waypoint/internal/hub/presence"
	"github.com/sebas/waypoint/internal/hub/protocol"
	"github.com/sebas/waypoint/internal/hub/registry"
	"github.com/sebas/waypoint/internal/hub/session"
	"github.com/sebas/waypoint/internal/hub/store"
)

// stubWS stands in for the websocket handler; the API only mounts it
// and reads its connection count.
type stubWS struct{ count int }

func (s *stubWS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotImplemented)
}

func (s *stubWS) ConnectionCount() int { return s.count }

type apiEnv struct {
	store  *store.MemoryStore
	bus    *bus.Bus
	sup    *session.Supervisor
	jwt    *auth.JWTManager
	events *events.ChannelPublisher
	srv    *Server
	ts     *httptest.Server
}

func newAPIEnv(t *testing.T, maxParticipants int) *apiEnv {
	t.Helper()

	st := store.NewMemoryStore(maxParticipants)
	b := bus.New(32)
	sup := session.NewSupervisor(session.SupervisorConfig{
		Store:    st,
		Registry: registry.New[*session.Actor](),
		Bus:      b,
		Actor: session.Options{
			Tick:       time.Hour,
			EmptyGrace: time.Hour,
		},
	})
	jm := auth.NewJWTManager("api-test-secret")
	pub := events.NewChannelPublisher(64)

	srv := NewServer(Config{
		Addr:      "127.0.0.1:0",
		BaseURL:   "http://hub.test",
		WSBaseURL: "ws://hub.test",
	}, st, sup, presence.NewNoopTracker(), jm, pub, events.NewBuilder("test-node"), &stubWS{count: 3})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sup.Shutdown(ctx)
	})
	return &apiEnv{store: st, bus: b, sup: sup, jwt: jm, events: pub, srv: srv, ts: ts}
}

func (e *apiEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(e.ts.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *apiEnv) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func wantError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d", resp.StatusCode, status)
	}
	var body types.ErrorResponse
	decodeBody(t, resp, &body)
	if body.Error.Code != code {
		t.Fatalf("error code = %s, want %s", body.Error.Code, code)
	}
}

// createSession drives the real endpoint and returns the session ID.
func (e *apiEnv) createSession(t *testing.T, name string) string {
	t.Helper()
	resp := e.postJSON(t, "/sessions", types.CreateSessionRequest{Name: name})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var out types.CreateSessionResponse
	decodeBody(t, resp, &out)
	return out.SessionID
}

func (e *apiEnv) join(t *testing.T, sessionID, displayName string) types.JoinSessionResponse {
	t.Helper()
	resp := e.postJSON(t, "/sessions/"+sessionID+"/join", types.JoinSessionRequest{DisplayName: displayName})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("join status = %d, want 201", resp.StatusCode)
	}
	var out types.JoinSessionResponse
	decodeBody(t, resp, &out)
	return out
}

func nextEvent(t *testing.T, pub *events.ChannelPublisher) events.Event {
	t.Helper()
	select {
	case ev := <-pub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestCreateSessionDefaults(t *testing.T) {
	env := newAPIEnv(t, 50)

	resp := env.postJSON(t, "/sessions", types.CreateSessionRequest{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var out types.CreateSessionResponse
	decodeBody(t, resp, &out)

	if out.SessionID == "" {
		t.Fatal("empty session_id")
	}
	if out.Name == "" {
		t.Error("expected a generated name")
	}
	wantLink := "http://hub.test/join/" + out.SessionID
	if out.JoinLink != wantLink {
		t.Errorf("join_link = %s, want %s", out.JoinLink, wantLink)
	}

	expiresAt, err := time.Parse(time.RFC3339, out.ExpiresAt)
	if err != nil {
		t.Fatalf("parse expires_at: %v", err)
	}
	until := time.Until(expiresAt)
	if until < 23*time.Hour || until > 25*time.Hour {
		t.Errorf("default expiry %v from now, want about 24h", until)
	}

	ev := nextEvent(t, env.events)
	if ev.Type() != events.SessionCreated {
		t.Errorf("event type = %s, want %s", ev.Type(), events.SessionCreated)
	}
	if ev.SessionID() != out.SessionID {
		t.Errorf("event session = %s, want %s", ev.SessionID(), out.SessionID)
	}
}

func TestCreateSessionWithNameAndExpiry(t *testing.T) {
	env := newAPIEnv(t, 50)

	resp := env.postJSON(t, "/sessions", types.CreateSessionRequest{
		Name:             "  Road Trip  ",
		ExpiresInMinutes: 60,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var out types.CreateSessionResponse
	decodeBody(t, resp, &out)

	if out.Name != "Road Trip" {
		t.Errorf("name = %q, want %q", out.Name, "Road Trip")
	}
	expiresAt, err := time.Parse(time.RFC3339, out.ExpiresAt)
	if err != nil {
		t.Fatalf("parse expires_at: %v", err)
	}
	if until := time.Until(expiresAt); until < 55*time.Minute || until > 65*time.Minute {
		t.Errorf("expiry %v from now, want about 1h", until)
	}
}

func TestCreateSessionRejectsBadExpiry(t *testing.T) {
	env := newAPIEnv(t, 50)

	resp := env.postJSON(t, "/sessions", types.CreateSessionRequest{ExpiresInMinutes: 11000})
	wantError(t, resp, http.StatusBadRequest, "VALIDATION_ERROR")

	resp = env.postJSON(t, "/sessions", types.CreateSessionRequest{ExpiresInMinutes: -5})
	wantError(t, resp, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestGetSession(t *testing.T) {
	env := newAPIEnv(t, 50)
	id := env.createSession(t, "Hiking")
	env.join(t, id, "Alice")

	resp := env.do(t, http.MethodGet, "/sessions/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out types.Session
	decodeBody(t, resp, &out)
	if out.ID != id || out.Name != "Hiking" {
		t.Fatalf("session = %+v", out)
	}
	if out.ParticipantCount != 1 {
		t.Errorf("participant_count = %d, want 1", out.ParticipantCount)
	}
	if !out.IsActive {
		t.Error("is_active = false, want true")
	}

	resp = env.do(t, http.MethodGet, "/sessions/nope")
	wantError(t, resp, http.StatusNotFound, "SESSION_NOT_FOUND")
}

func TestGetSessionReportsEndedState(t *testing.T) {
	env := newAPIEnv(t, 50)
	id := env.createSession(t, "Over")
	if err := env.store.EndSession(context.Background(), id); err != nil {
		t.Fatalf("end session: %v", err)
	}

	resp := env.do(t, http.MethodGet, "/sessions/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out types.Session
	decodeBody(t, resp, &out)
	if out.IsActive {
		t.Error("is_active = true for ended session")
	}
}

func TestJoinSession(t *testing.T) {
	env := newAPIEnv(t, 50)
	id := env.createSession(t, "Trip")

	resp := env.postJSON(t, "/sessions/"+id+"/join", types.JoinSessionRequest{
		DisplayName: "Alice",
		AvatarColor: "#FF5733",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var out types.JoinSessionResponse
	decodeBody(t, resp, &out)

	if out.UserID == "" {
		t.Fatal("empty user_id")
	}
	if !strings.HasPrefix(out.WebsocketURL, "ws://hub.test/ws?token=") {
		t.Errorf("websocket_url = %s", out.WebsocketURL)
	}

	claims, err := env.jwt.ValidateToken(out.WebsocketToken)
	if err != nil {
		t.Fatalf("validate issued token: %v", err)
	}
	if claims.SessionID != id || claims.UserID != out.UserID {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.DisplayName != "Alice" {
		t.Errorf("claim display_name = %s, want Alice", claims.DisplayName)
	}

	part, err := env.store.GetParticipant(context.Background(), id, out.UserID)
	if err != nil {
		t.Fatalf("participant row: %v", err)
	}
	if part.AvatarColor != "#FF5733" {
		t.Errorf("avatar_color = %s, want #FF5733", part.AvatarColor)
	}
}

func TestJoinDefaultsAvatarColor(t *testing.T) {
	env := newAPIEnv(t, 50)
	id := env.createSession(t, "Trip")

	out := env.join(t, id, "Alice")
	part, err := env.store.GetParticipant(context.Background(), id, out.UserID)
	if err != nil {
		t.Fatalf("participant row: %v", err)
	}
	if !identity.ValidHexColor(part.AvatarColor) {
		t.Errorf("default avatar color %q is not #RRGGBB", part.AvatarColor)
	}
}

func TestJoinRejections(t *testing.T) {
	env := newAPIEnv(t, 1)
	id := env.createSession(t, "Tiny")
	env.join(t, id, "Alice")

	t.Run("missing display name", func(t *testing.T) {
		resp := env.postJSON(t, "/sessions/"+id+"/join", types.JoinSessionRequest{DisplayName: "   "})
		wantError(t, resp, http.StatusBadRequest, "VALIDATION_ERROR")
	})
	t.Run("bad avatar color", func(t *testing.T) {
		resp := env.postJSON(t, "/sessions/"+id+"/join", types.JoinSessionRequest{DisplayName: "Bob", AvatarColor: "red"})
		wantError(t, resp, http.StatusBadRequest, "VALIDATION_ERROR")
	})
	t.Run("duplicate name", func(t *testing.T) {
		resp := env.postJSON(t, "/sessions/"+id+"/join", types.JoinSessionRequest{DisplayName: "Alice"})
		wantError(t, resp, http.StatusConflict, "DUPLICATE_NAME")
	})
	t.Run("session full", func(t *testing.T) {
		resp := env.postJSON(t, "/sessions/"+id+"/join", types.JoinSessionRequest{DisplayName: "Bob"})
		wantError(t, resp, http.StatusUnprocessableEntity, "SESSION_FULL")
	})
	t.Run("unknown session", func(t *testing.T) {
		resp := env.postJSON(t, "/sessions/nope/join", types.JoinSessionRequest{DisplayName: "Bob"})
		wantError(t, resp, http.StatusNotFound, "SESSION_NOT_FOUND")
	})
	t.Run("ended session", func(t *testing.T) {
		ended := env.createSession(t, "Done")
		if err := env.store.EndSession(context.Background(), ended); err != nil {
			t.Fatalf("end session: %v", err)
		}
		resp := env.postJSON(t, "/sessions/"+ended+"/join", types.JoinSessionRequest{DisplayName: "Bob"})
		wantError(t, resp, http.StatusGone, "SESSION_ENDED")
	})
	t.Run("expired session", func(t *testing.T) {
		_, err := env.store.CreateSession(context.Background(), store.CreateSessionParams{
			ID:        "sess-expired",
			Name:      "Old",
			CreatorID: "creator",
			ExpiresAt: time.Now().Add(-time.Minute),
		})
		if err != nil {
			t.Fatalf("create session: %v", err)
		}
		resp := env.postJSON(t, "/sessions/sess-expired/join", types.JoinSessionRequest{DisplayName: "Bob"})
		wantError(t, resp, http.StatusGone, "SESSION_EXPIRED")
	})
}

func TestListSessions(t *testing.T) {
	env := newAPIEnv(t, 50)
	first := env.createSession(t, "First")
	time.Sleep(5 * time.Millisecond)
	second := env.createSession(t, "Second")
	env.join(t, first, "Alice")

	ended := env.createSession(t, "Ended")
	if err := env.store.EndSession(context.Background(), ended); err != nil {
		t.Fatalf("end session: %v", err)
	}

	resp := env.do(t, http.MethodGet, "/sessions")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out types.SessionsResponse
	decodeBody(t, resp, &out)

	if len(out.Sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(out.Sessions))
	}
	for _, sess := range out.Sessions {
		if sess.ID == ended {
			t.Fatal("ended session listed as active")
		}
		switch sess.ID {
		case first:
			if sess.ParticipantCount != 1 {
				t.Errorf("first session count = %d, want 1", sess.ParticipantCount)
			}
		case second:
			if sess.ParticipantCount != 0 {
				t.Errorf("second session count = %d, want 0", sess.ParticipantCount)
			}
		}
	}
}

func TestListParticipants(t *testing.T) {
	env := newAPIEnv(t, 50)
	id := env.createSession(t, "Trip")
	alice := env.join(t, id, "Alice")
	env.join(t, id, "Bob")

	resp := env.do(t, http.MethodGet, "/sessions/"+id+"/participants")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out types.ParticipantsResponse
	decodeBody(t, resp, &out)

	if len(out.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(out.Participants))
	}
	if out.Participants[0].UserID != alice.UserID || out.Participants[0].DisplayName != "Alice" {
		t.Fatalf("first participant = %+v, want Alice in join order", out.Participants[0])
	}
	for _, p := range out.Participants {
		if !p.IsActive {
			t.Errorf("participant %s inactive", p.UserID)
		}
		if _, err := time.Parse(time.RFC3339, p.LastSeen); err != nil {
			t.Errorf("last_seen %q not RFC3339: %v", p.LastSeen, err)
		}
	}

	resp = env.do(t, http.MethodGet, "/sessions/nope/participants")
	wantError(t, resp, http.StatusNotFound, "SESSION_NOT_FOUND")
}

func TestRemoveParticipant(t *testing.T) {
	env := newAPIEnv(t, 50)
	id := env.createSession(t, "Trip")
	alice := env.join(t, id, "Alice")

	// A live actor hears about the removal.
	ctx := context.Background()
	actor, err := env.sup.GetOrStart(ctx, id)
	if err != nil {
		t.Fatalf("start actor: %v", err)
	}
	if err := actor.Join(ctx, alice.UserID, "Alice", "#FF5733"); err != nil {
		t.Fatalf("actor join: %v", err)
	}
	sub := env.bus.Subscribe(session.Topic(id))
	defer env.bus.Unsubscribe(sub)

	resp := env.do(t, http.MethodDelete, "/sessions/"+id+"/participants/"+alice.UserID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out types.DeleteResponse
	decodeBody(t, resp, &out)
	if !out.Success {
		t.Fatal("success = false")
	}

	if _, err := env.store.GetParticipant(ctx, id, alice.UserID); err == nil {
		t.Error("participant row still active")
	}

	select {
	case raw := <-sub.C():
		env2, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if env2.Type != protocol.TypeParticipantLeft {
			t.Fatalf("frame type = %s, want %s", env2.Type, protocol.TypeParticipantLeft)
		}
	case <-time.After(time.Second):
		t.Fatal("no participant_left broadcast")
	}

	// Removing again is a no-op success.
	resp = env.do(t, http.MethodDelete, "/sessions/"+id+"/participants/"+alice.UserID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.do(t, http.MethodDelete, "/sessions/nope/participants/"+alice.UserID)
	wantError(t, resp, http.StatusNotFound, "SESSION_NOT_FOUND")
}

func TestEndSession(t *testing.T) {
	env := newAPIEnv(t, 50)
	id := env.createSession(t, "Trip")
	nextEvent(t, env.events) // session.created

	resp := env.do(t, http.MethodDelete, "/sessions/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out types.DeleteResponse
	decodeBody(t, resp, &out)
	if !out.Success {
		t.Fatal("success = false")
	}

	rec, err := env.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.IsActive {
		t.Error("session row still active")
	}

	// With no actor running the API itself emits the ended event.
	ev := nextEvent(t, env.events)
	if ev.Type() != events.SessionEnded {
		t.Errorf("event type = %s, want %s", ev.Type(), events.SessionEnded)
	}

	// Ending again is idempotent.
	resp = env.do(t, http.MethodDelete, "/sessions/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.do(t, http.MethodDelete, "/sessions/nope")
	wantError(t, resp, http.StatusNotFound, "SESSION_NOT_FOUND")
}

func TestEndSessionStopsLiveActor(t *testing.T) {
	env := newAPIEnv(t, 50)
	id := env.createSession(t, "Trip")

	ctx := context.Background()
	actor, err := env.sup.GetOrStart(ctx, id)
	if err != nil {
		t.Fatalf("start actor: %v", err)
	}
	if err := actor.Join(ctx, "user-a", "Alice", "#FF5733"); err != nil {
		t.Fatalf("actor join: %v", err)
	}
	sub := env.bus.Subscribe(session.Topic(id))
	defer env.bus.Unsubscribe(sub)

	resp := env.do(t, http.MethodDelete, "/sessions/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	select {
	case raw := <-sub.C():
		env2, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if env2.Type != protocol.TypeSessionEnded {
			t.Fatalf("frame type = %s, want %s", env2.Type, protocol.TypeSessionEnded)
		}
		var ended protocol.SessionEnded
		if err := json.Unmarshal(env2.Data, &ended); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if ended.Reason != "ended_by_creator" {
			t.Fatalf("reason = %s, want ended_by_creator", ended.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("no session_ended broadcast")
	}

	select {
	case <-actor.Done():
	case <-time.After(time.Second):
		t.Fatal("actor still running")
	}
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t, 50)

	resp := env.do(t, http.MethodGet, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out types.HealthResponse
	decodeBody(t, resp, &out)
	if out.Status != "ok" || out.Database != "ok" {
		t.Fatalf("health = %+v", out)
	}
	if out.Redis != "" {
		t.Errorf("redis reported as %q with no redis configured", out.Redis)
	}
}

func TestStats(t *testing.T) {
	env := newAPIEnv(t, 50)
	first := env.createSession(t, "First")
	second := env.createSession(t, "Second")
	env.join(t, first, "Alice")
	env.join(t, first, "Bob")
	env.join(t, second, "Cara")

	resp := env.do(t, http.MethodGet, "/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out types.StatsResponse
	decodeBody(t, resp, &out)

	if out.ActiveSessions != 2 {
		t.Errorf("active_sessions = %d, want 2", out.ActiveSessions)
	}
	if out.TotalParticipants != 3 {
		t.Errorf("total_participants = %d, want 3", out.TotalParticipants)
	}
	if out.Connections != 3 {
		t.Errorf("connections = %d, want 3 from the websocket handler", out.Connections)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newAPIEnv(t, 50)
	id := env.createSession(t, "Trip")

	resp := env.do(t, http.MethodPut, "/sessions")
	wantError(t, resp, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED")

	resp = env.do(t, http.MethodPatch, "/sessions/"+id)
	wantError(t, resp, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED")

	resp = env.do(t, http.MethodGet, "/sessions/"+id+"/join")
	wantError(t, resp, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED")
}
