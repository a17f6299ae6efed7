package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sebas/waypoint/internal/hub/bus"
	"github.com/sebas/waypoint/internal/hub/protocol"
	"github.com/sebas/waypoint/internal/hub/registry"
	"github.com/sebas/waypoint/internal/hub/session"
	"github.com/sebas/waypoint/internal/hub/store"
)

type cleanupEnv struct {
	store  *store.MemoryStore
	bus    *bus.Bus
	sup    *session.Supervisor
	worker *Worker
}

// newCleanupEnv builds a worker over a memory store. Actor timers are
// set far out so the sweep is the only thing ending anything.
func newCleanupEnv(t *testing.T, cfg Config) *cleanupEnv {
	t.Helper()

	st := store.NewMemoryStore(50)
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
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sup.Shutdown(ctx)
	})
	return &cleanupEnv{store: st, bus: b, sup: sup, worker: NewWorker(st, sup, cfg)}
}

func (e *cleanupEnv) createSession(t *testing.T, id string, expiresAt time.Time) {
	t.Helper()
	_, err := e.store.CreateSession(context.Background(), store.CreateSessionParams{
		ID:        id,
		Name:      "cleanup test",
		CreatorID: "creator",
		ExpiresAt: expiresAt,
	})
	if err != nil {
		t.Fatalf("create session %s: %v", id, err)
	}
}

func (e *cleanupEnv) addParticipant(t *testing.T, sessionID, userID, name string) {
	t.Helper()
	_, err := e.store.CreateParticipant(context.Background(), store.CreateParticipantParams{
		SessionID:   sessionID,
		UserID:      userID,
		DisplayName: name,
		AvatarColor: "#4ECDC4",
	})
	if err != nil {
		t.Fatalf("create participant %s: %v", userID, err)
	}
}

func (e *cleanupEnv) sessionActive(t *testing.T, id string) bool {
	t.Helper()
	rec, err := e.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("get session %s: %v", id, err)
	}
	return rec.IsActive
}

func nextFrame(t *testing.T, sub *bus.Subscription) protocol.Envelope {
	t.Helper()
	select {
	case raw, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed while waiting for frame")
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return protocol.Envelope{}
}

func TestSweepEndsExpiredSessions(t *testing.T) {
	env := newCleanupEnv(t, Config{InactivityTimeout: time.Hour, ParticipantTimeout: time.Hour})
	env.createSession(t, "sess-gone", time.Now().Add(-time.Minute))
	env.createSession(t, "sess-fresh", time.Now().Add(time.Hour))

	ended, retired := env.worker.Sweep(context.Background())
	if ended != 1 || retired != 0 {
		t.Fatalf("sweep = (%d, %d), want (1, 0)", ended, retired)
	}
	if env.sessionActive(t, "sess-gone") {
		t.Error("expired session still active")
	}
	if !env.sessionActive(t, "sess-fresh") {
		t.Error("fresh session was ended")
	}

	gotEnded, gotRetired := env.worker.Stats()
	if gotEnded != 1 || gotRetired != 0 {
		t.Fatalf("stats = (%d, %d), want (1, 0)", gotEnded, gotRetired)
	}
}

func TestSweepStopsLiveActorOfExpiredSession(t *testing.T) {
	env := newCleanupEnv(t, Config{InactivityTimeout: time.Hour, ParticipantTimeout: time.Hour})
	env.createSession(t, "sess-live", time.Now().Add(100*time.Millisecond))

	ctx := context.Background()
	actor, err := env.sup.GetOrStart(ctx, "sess-live")
	if err != nil {
		t.Fatalf("start actor: %v", err)
	}
	if err := actor.Join(ctx, "user-a", "Alice", "#FF6B6B"); err != nil {
		t.Fatalf("join: %v", err)
	}
	sub := env.bus.Subscribe(session.Topic("sess-live"))
	defer env.bus.Unsubscribe(sub)

	time.Sleep(150 * time.Millisecond)

	if ended, _ := env.worker.Sweep(ctx); ended != 1 {
		t.Fatalf("sessions ended = %d, want 1", ended)
	}
	if env.sessionActive(t, "sess-live") {
		t.Error("expired session still active")
	}

	fr := nextFrame(t, sub)
	if fr.Type != protocol.TypeSessionEnded {
		t.Fatalf("frame type = %s, want %s", fr.Type, protocol.TypeSessionEnded)
	}
	var endedFrame protocol.SessionEnded
	if err := json.Unmarshal(fr.Data, &endedFrame); err != nil {
		t.Fatalf("decode session_ended: %v", err)
	}
	if endedFrame.Reason != "expired" {
		t.Fatalf("reason = %s, want expired", endedFrame.Reason)
	}

	select {
	case <-actor.Done():
	case <-time.After(time.Second):
		t.Fatal("actor still running after sweep")
	}
	if _, ok := env.sup.Lookup("sess-live"); ok {
		t.Error("actor still registered after sweep")
	}
}

func TestSweepEndsIdleSessions(t *testing.T) {
	env := newCleanupEnv(t, Config{InactivityTimeout: 30 * time.Millisecond, ParticipantTimeout: time.Hour})
	env.createSession(t, "sess-idle", time.Now().Add(time.Hour))
	env.createSession(t, "sess-busy", time.Now().Add(time.Hour))
	env.addParticipant(t, "sess-busy", "user-b", "Bob")

	time.Sleep(60 * time.Millisecond)

	// Bob was just seen, so his session does not count as idle.
	if err := env.store.TouchParticipant(context.Background(), "sess-busy", "user-b"); err != nil {
		t.Fatalf("touch participant: %v", err)
	}

	ended, _ := env.worker.Sweep(context.Background())
	if ended != 1 {
		t.Fatalf("sessions ended = %d, want 1", ended)
	}
	if env.sessionActive(t, "sess-idle") {
		t.Error("idle session still active")
	}
	if !env.sessionActive(t, "sess-busy") {
		t.Error("session with a fresh participant was ended")
	}
}

func TestSweepRetiresIdleParticipants(t *testing.T) {
	env := newCleanupEnv(t, Config{InactivityTimeout: time.Hour, ParticipantTimeout: 30 * time.Millisecond})
	env.createSession(t, "sess-p", time.Now().Add(time.Hour))
	env.addParticipant(t, "sess-p", "user-a", "Alice")
	env.addParticipant(t, "sess-p", "user-b", "Bob")

	ctx := context.Background()
	actor, err := env.sup.GetOrStart(ctx, "sess-p")
	if err != nil {
		t.Fatalf("start actor: %v", err)
	}
	sub := env.bus.Subscribe(session.Topic("sess-p"))
	defer env.bus.Unsubscribe(sub)
	for _, u := range []struct{ id, name string }{{"user-a", "Alice"}, {"user-b", "Bob"}} {
		if err := actor.Join(ctx, u.id, u.name, "#FF6B6B"); err != nil {
			t.Fatalf("join %s: %v", u.id, err)
		}
		if fr := nextFrame(t, sub); fr.Type != protocol.TypeParticipantJoined {
			t.Fatalf("frame type = %s, want %s", fr.Type, protocol.TypeParticipantJoined)
		}
	}

	time.Sleep(60 * time.Millisecond)
	if err := env.store.TouchParticipant(ctx, "sess-p", "user-b"); err != nil {
		t.Fatalf("touch participant: %v", err)
	}

	_, retired := env.worker.Sweep(ctx)
	if retired != 1 {
		t.Fatalf("participants retired = %d, want 1", retired)
	}
	if _, err := env.store.GetParticipant(ctx, "sess-p", "user-a"); !errors.Is(err, store.ErrParticipantNotFound) {
		t.Fatalf("alice lookup = %v, want ErrParticipantNotFound", err)
	}
	if _, err := env.store.GetParticipant(ctx, "sess-p", "user-b"); err != nil {
		t.Fatalf("bob lookup: %v", err)
	}

	fr := nextFrame(t, sub)
	if fr.Type != protocol.TypeParticipantLeft {
		t.Fatalf("frame type = %s, want %s", fr.Type, protocol.TypeParticipantLeft)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	env := newCleanupEnv(t, Config{InactivityTimeout: time.Hour, ParticipantTimeout: time.Hour})
	env.createSession(t, "sess-gone", time.Now().Add(-time.Minute))

	if ended, _ := env.worker.Sweep(context.Background()); ended != 1 {
		t.Fatalf("first sweep ended = %d, want 1", ended)
	}
	if ended, retired := env.worker.Sweep(context.Background()); ended != 0 || retired != 0 {
		t.Fatalf("second sweep = (%d, %d), want (0, 0)", ended, retired)
	}

	gotEnded, _ := env.worker.Stats()
	if gotEnded != 1 {
		t.Fatalf("sessions ended counter = %d, want 1", gotEnded)
	}
}

func TestWorkerRunsOnSchedule(t *testing.T) {
	env := newCleanupEnv(t, Config{
		Interval:           50 * time.Millisecond,
		InactivityTimeout:  time.Hour,
		ParticipantTimeout: time.Hour,
	})
	env.createSession(t, "sess-gone", time.Now().Add(-time.Minute))

	if err := env.worker.Start(); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	defer env.worker.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !env.sessionActive(t, "sess-gone") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scheduled sweep never ended the expired session")
}
