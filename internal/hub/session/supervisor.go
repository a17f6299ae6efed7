package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/waypoint/internal/hub/bus"
	"github.com/sebas/waypoint/internal/hub/events"
	"github.com/sebas/waypoint/internal/hub/registry"
	"github.com/sebas/waypoint/internal/hub/store"
)

// Restart policy defaults: a session whose actor keeps crashing is
// retired rather than restarted forever.
const (
	defaultRestartMax    = 5
	defaultRestartWindow = 10 * time.Minute
)

// SupervisorConfig wires a supervisor to its collaborators.
type SupervisorConfig struct {
	Store    store.Store
	Registry *registry.Registry[*Actor]
	Bus      *bus.Bus
	Events   events.Publisher
	Builder  *events.Builder

	// Actor carries the per-actor tuning.
	Actor Options

	// RestartMax crashes within RestartWindow retire the session.
	// Zero values take the defaults.
	RestartMax    int
	RestartWindow time.Duration
}

// Supervisor starts session actors on demand, settles concurrent start
// races through the registry, and replaces actors that crash.
type Supervisor struct {
	store     store.Store
	registry  *registry.Registry[*Actor]
	bus       *bus.Bus
	events    events.Publisher
	builder   *events.Builder
	actorOpts Options

	restartMax    int
	restartWindow time.Duration

	mu       sync.Mutex
	restarts map[string][]time.Time
}

// NewSupervisor creates a supervisor. Store, Registry and Bus are
// required; Events and Builder default to no-ops.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Events == nil {
		cfg.Events = events.NewNoopPublisher()
	}
	if cfg.Builder == nil {
		cfg.Builder = events.NewBuilder("")
	}
	if cfg.RestartMax <= 0 {
		cfg.RestartMax = defaultRestartMax
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = defaultRestartWindow
	}
	return &Supervisor{
		store:         cfg.Store,
		registry:      cfg.Registry,
		bus:           cfg.Bus,
		events:        cfg.Events,
		builder:       cfg.Builder,
		actorOpts:     cfg.Actor,
		restartMax:    cfg.RestartMax,
		restartWindow: cfg.RestartWindow,
		restarts:      make(map[string][]time.Time),
	}
}

// GetOrStart returns the live actor for the session, starting one if
// none is running. The session row must exist and be live; otherwise
// the store sentinel explaining why is returned.
func (s *Supervisor) GetOrStart(ctx context.Context, sessionID string) (*Actor, error) {
	for attempt := 0; attempt < 3; attempt++ {
		if a, ok := s.registry.Lookup(sessionID); ok {
			return a, nil
		}

		rec, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := rec.Live(time.Now()); err != nil {
			return nil, err
		}

		a := s.newActor(rec.ID, rec.ExpiresAt)
		if !s.registry.Register(sessionID, a) {
			// Lost the start race; loop to pick up the winner.
			continue
		}
		a.Start()
		slog.Info("[Supervisor] started session actor", "session_id", sessionID)
		return a, nil
	}
	return nil, fmt.Errorf("session %s: registration contention", sessionID)
}

// Lookup returns the running actor without starting one.
func (s *Supervisor) Lookup(sessionID string) (*Actor, bool) {
	return s.registry.Lookup(sessionID)
}

// ActiveActors returns the number of running session actors.
func (s *Supervisor) ActiveActors() int {
	return s.registry.Len()
}

// Shutdown terminates every running actor. Connected clients receive a
// restart broadcast and are expected to rejoin elsewhere.
func (s *Supervisor) Shutdown(ctx context.Context) {
	for _, id := range s.registry.IDs() {
		a, ok := s.registry.Lookup(id)
		if !ok {
			continue
		}
		if err := a.Terminate(ctx, ReasonRestart); err != nil && !errors.Is(err, ErrTerminated) {
			slog.Warn("[Supervisor] failed to terminate actor on shutdown",
				"session_id", id, "error", err)
		}
	}
}

func (s *Supervisor) newActor(sessionID string, expiresAt time.Time) *Actor {
	return New(sessionID, expiresAt, Deps{
		Bus:      s.bus,
		Registry: s.registry,
		Events:   s.events,
		Builder:  s.builder,
		OnExit:   s.handleExit,
	}, s.actorOpts)
}

// handleExit runs on the dying actor's goroutine after it has fully
// stopped. Normal exits need nothing; crashes are replaced until the
// restart budget runs out, then the session is retired durably.
func (s *Supervisor) handleExit(a *Actor, abnormal bool) {
	if !abnormal {
		return
	}
	sessionID := a.ID()

	if !s.recordRestart(sessionID) {
		slog.Error("[Supervisor] restart budget exhausted, retiring session",
			"session_id", sessionID)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.store.EndSession(ctx, sessionID)
		if err != nil && !errors.Is(err, store.ErrSessionEnded) && !errors.Is(err, store.ErrSessionNotFound) {
			slog.Error("[Supervisor] failed to retire crashed session",
				"session_id", sessionID, "error", err)
		}
		return
	}

	// The crashed actor already broadcast session_ended{restart} and
	// unregistered itself. Spawn the replacement; if nobody rejoins it
	// drains away on its own.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		slog.Warn("[Supervisor] crashed session not replaced",
			"session_id", sessionID, "error", err)
		return
	}
	if err := rec.Live(time.Now()); err != nil {
		return
	}

	replacement := s.newActor(rec.ID, rec.ExpiresAt)
	if s.registry.Register(sessionID, replacement) {
		replacement.Start()
		slog.Warn("[Supervisor] restarted session actor", "session_id", sessionID)
	}
	// A failed Register means a concurrent GetOrStart already replaced it.
}

// recordRestart notes a crash and reports whether the session is still
// within its restart budget.
func (s *Supervisor) recordRestart(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-s.restartWindow)
	var kept []time.Time
	for _, t := range s.restarts[sessionID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.restarts[sessionID] = kept
	return len(kept) <= s.restartMax
}
