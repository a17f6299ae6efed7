package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sebas/waypoint/internal/hub/bus"
	"github.com/sebas/waypoint/internal/hub/protocol"
	"github.com/sebas/waypoint/internal/hub/registry"
	"github.com/sebas/waypoint/internal/hub/store"
)

func newTestSupervisor(t *testing.T, tweak func(*SupervisorConfig)) (*Supervisor, *store.MemoryStore, *bus.Bus) {
	t.Helper()
	st := store.NewMemoryStore(50)
	b := bus.New(32)
	cfg := SupervisorConfig{
		Store:    st,
		Registry: registry.New[*Actor](),
		Bus:      b,
		Actor: Options{
			Tick:       20 * time.Millisecond,
			EmptyGrace: 2 * time.Second,
		},
	}
	if tweak != nil {
		tweak(&cfg)
	}
	sup := NewSupervisor(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sup.Shutdown(ctx)
	})
	return sup, st, b
}

func createSession(t *testing.T, st store.Store, id string, expiresAt time.Time) {
	t.Helper()
	_, err := st.CreateSession(context.Background(), store.CreateSessionParams{
		ID:        id,
		Name:      "test session",
		CreatorID: "creator",
		ExpiresAt: expiresAt,
	})
	if err != nil {
		t.Fatalf("failed to create session row: %v", err)
	}
}

func crash(t *testing.T, a *Actor) {
	t.Helper()
	a.mailbox <- command{kind: commandKind(99)}
	waitStopped(t, a)
}

func waitForReplacement(t *testing.T, sup *Supervisor, id string, old *Actor) *Actor {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a, ok := sup.Lookup(id); ok && a != old {
			return a
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("replacement actor did not appear")
	return nil
}

func TestGetOrStartReturnsExistingActor(t *testing.T) {
	sup, st, _ := newTestSupervisor(t, nil)
	createSession(t, st, "sess-1", time.Now().Add(time.Hour))
	ctx := context.Background()

	a1, err := sup.GetOrStart(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetOrStart failed: %v", err)
	}
	a2, err := sup.GetOrStart(ctx, "sess-1")
	if err != nil {
		t.Fatalf("second GetOrStart failed: %v", err)
	}
	if a1 != a2 {
		t.Error("GetOrStart returned a different actor for a running session")
	}
	if sup.ActiveActors() != 1 {
		t.Errorf("ActiveActors = %d, want 1", sup.ActiveActors())
	}
}

func TestGetOrStartValidatesSessionLiveness(t *testing.T) {
	sup, st, _ := newTestSupervisor(t, nil)
	ctx := context.Background()

	if _, err := sup.GetOrStart(ctx, "nope"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("unknown session: err = %v, want ErrSessionNotFound", err)
	}

	createSession(t, st, "ended", time.Now().Add(time.Hour))
	if err := st.EndSession(ctx, "ended"); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if _, err := sup.GetOrStart(ctx, "ended"); !errors.Is(err, store.ErrSessionEnded) {
		t.Errorf("ended session: err = %v, want ErrSessionEnded", err)
	}

	createSession(t, st, "expired", time.Now().Add(-time.Minute))
	if _, err := sup.GetOrStart(ctx, "expired"); !errors.Is(err, store.ErrSessionExpired) {
		t.Errorf("expired session: err = %v, want ErrSessionExpired", err)
	}
}

func TestGetOrStartAfterVoluntaryStop(t *testing.T) {
	sup, st, _ := newTestSupervisor(t, nil)
	createSession(t, st, "sess-1", time.Now().Add(time.Hour))
	ctx := context.Background()

	a1, err := sup.GetOrStart(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetOrStart failed: %v", err)
	}
	if err := a1.Terminate(ctx, ReasonEmpty); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	waitStopped(t, a1)

	// The row is still live, so a rejoin spawns a fresh actor.
	a2, err := sup.GetOrStart(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetOrStart after stop failed: %v", err)
	}
	if a2 == a1 {
		t.Error("expected a fresh actor after the old one stopped")
	}
}

func TestCrashedActorIsReplaced(t *testing.T) {
	sup, st, b := newTestSupervisor(t, nil)
	createSession(t, st, "sess-1", time.Now().Add(time.Hour))
	ctx := context.Background()

	a1, err := sup.GetOrStart(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetOrStart failed: %v", err)
	}
	if err := a1.Join(ctx, "u1", "Alice", ""); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	sub := b.Subscribe(Topic("sess-1"))

	crash(t, a1)

	// Connected clients learn the session restarted.
	env := nextFrame(t, sub)
	var ended protocol.SessionEnded
	decodePayload(t, env, &ended)
	if ended.Reason != "restart" {
		t.Errorf("reason = %q, want %q", ended.Reason, "restart")
	}

	a2 := waitForReplacement(t, sup, "sess-1", a1)
	if err := a2.Join(ctx, "u1", "Alice", ""); err != nil {
		t.Errorf("rejoin on replacement failed: %v", err)
	}

	rec, err := st.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !rec.IsActive {
		t.Error("a single crash must not retire the durable session")
	}
}

func TestRestartBudgetExhaustedRetiresSession(t *testing.T) {
	sup, st, _ := newTestSupervisor(t, func(cfg *SupervisorConfig) {
		cfg.RestartMax = 1
		cfg.RestartWindow = time.Minute
	})
	createSession(t, st, "sess-1", time.Now().Add(time.Hour))
	ctx := context.Background()

	a1, err := sup.GetOrStart(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetOrStart failed: %v", err)
	}
	crash(t, a1)
	a2 := waitForReplacement(t, sup, "sess-1", a1)
	crash(t, a2)

	// The second crash blows the budget; the session is retired durably.
	deadline := time.Now().Add(time.Second)
	for {
		rec, err := st.GetSession(ctx, "sess-1")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if !rec.IsActive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("crashed session was not retired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := sup.GetOrStart(ctx, "sess-1"); !errors.Is(err, store.ErrSessionEnded) {
		t.Errorf("GetOrStart after retirement = %v, want ErrSessionEnded", err)
	}
}

func TestShutdownStopsAllActors(t *testing.T) {
	sup, st, b := newTestSupervisor(t, nil)
	ctx := context.Background()

	createSession(t, st, "sess-1", time.Now().Add(time.Hour))
	createSession(t, st, "sess-2", time.Now().Add(time.Hour))
	a1, _ := sup.GetOrStart(ctx, "sess-1")
	a2, _ := sup.GetOrStart(ctx, "sess-2")
	sub := b.Subscribe(Topic("sess-1"))

	sup.Shutdown(ctx)

	waitStopped(t, a1)
	waitStopped(t, a2)
	if sup.ActiveActors() != 0 {
		t.Errorf("ActiveActors = %d, want 0 after shutdown", sup.ActiveActors())
	}

	env := nextFrame(t, sub)
	var ended protocol.SessionEnded
	decodePayload(t, env, &ended)
	if ended.Reason != "restart" {
		t.Errorf("shutdown broadcast reason = %q, want %q", ended.Reason, "restart")
	}
}
