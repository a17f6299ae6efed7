// Package cleanup is the background janitor for durable state. On a
// fixed schedule it ends sessions that are past their deadline or idle
// beyond the inactivity window, and retires participants that have not
// been seen for too long, keeping live actors in step with the rows.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sebas/waypoint/internal/hub/session"
	"github.com/sebas/waypoint/internal/hub/store"
)

// sweepDeadline caps a single pass so a stalled store cannot pile up
// overlapping sweeps forever.
const sweepDeadline = 30 * time.Second

// Config carries the sweep schedule and the staleness windows.
type Config struct {
	Interval           time.Duration
	InactivityTimeout  time.Duration
	ParticipantTimeout time.Duration
}

// Worker owns the cron schedule and the sweep logic.
type Worker struct {
	store store.Store
	sup   *session.Supervisor
	cfg   Config
	cron  *cron.Cron

	sessionsEnded       atomic.Int64
	participantsRetired atomic.Int64
}

// NewWorker builds a stopped worker. Zero config fields fall back to
// production defaults.
func NewWorker(st store.Store, sup *session.Supervisor, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = time.Hour
	}
	if cfg.ParticipantTimeout <= 0 {
		cfg.ParticipantTimeout = 30 * time.Minute
	}
	return &Worker{store: st, sup: sup, cfg: cfg, cron: cron.New()}
}

// Start schedules the sweep and launches the cron runner.
func (w *Worker) Start() error {
	spec := fmt.Sprintf("@every %s", w.cfg.Interval)
	if _, err := w.cron.AddFunc(spec, w.sweepJob); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	w.cron.Start()
	slog.Info("[Cleanup] worker started", "interval", w.cfg.Interval)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (w *Worker) Stop() {
	<-w.cron.Stop().Done()
	slog.Info("[Cleanup] worker stopped")
}

// Stats returns lifetime sweep counters.
func (w *Worker) Stats() (sessionsEnded, participantsRetired int64) {
	return w.sessionsEnded.Load(), w.participantsRetired.Load()
}

func (w *Worker) sweepJob() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepDeadline)
	defer cancel()
	w.Sweep(ctx)
}

// Sweep runs one pass over the durable rows. Every step tolerates
// losing its race against live traffic, a crashing actor or another
// hub instance, so running it at any time is safe.
func (w *Worker) Sweep(ctx context.Context) (sessionsEnded, participantsRetired int) {
	sessionsEnded = w.sweepSessions(ctx)
	participantsRetired = w.sweepParticipants(ctx)
	if sessionsEnded > 0 || participantsRetired > 0 {
		slog.Info("[Cleanup] sweep complete",
			"sessions_ended", sessionsEnded,
			"participants_retired", participantsRetired)
	}
	return sessionsEnded, participantsRetired
}

func (w *Worker) sweepSessions(ctx context.Context) int {
	ids, err := w.store.ListExpiredSessions(ctx, w.cfg.InactivityTimeout)
	if err != nil {
		slog.Error("[Cleanup] failed to list expired sessions", "error", err)
		return 0
	}

	ended := 0
	for _, id := range ids {
		err := w.store.EndSession(ctx, id)
		switch {
		case err == nil:
			ended++
			w.sessionsEnded.Add(1)
			slog.Info("[Cleanup] ended expired session", "session_id", id)
		case errors.Is(err, store.ErrSessionEnded), errors.Is(err, store.ErrSessionNotFound):
			// Someone beat us to the row; the actor may still be up.
		default:
			slog.Error("[Cleanup] failed to end session", "session_id", id, "error", err)
			continue
		}
		if actor, ok := w.sup.Lookup(id); ok {
			if terr := actor.Terminate(ctx, session.ReasonExpired); terr != nil && !errors.Is(terr, session.ErrTerminated) {
				slog.Warn("[Cleanup] failed to stop session owner", "session_id", id, "error", terr)
			}
		}
	}
	return ended
}

func (w *Worker) sweepParticipants(ctx context.Context) int {
	cutoff := time.Now().Add(-w.cfg.ParticipantTimeout)
	refs, err := w.store.ListInactiveParticipants(ctx, cutoff)
	if err != nil {
		slog.Error("[Cleanup] failed to list idle participants", "error", err)
		return 0
	}

	retired := 0
	for _, ref := range refs {
		err := w.store.MarkParticipantInactive(ctx, ref.SessionID, ref.UserID)
		switch {
		case err == nil:
			retired++
			w.participantsRetired.Add(1)
			slog.Info("[Cleanup] retired idle participant",
				"session_id", ref.SessionID, "user_id", ref.UserID)
		case errors.Is(err, store.ErrParticipantNotFound):
			// Row already retired; still reconcile the live session.
		default:
			slog.Error("[Cleanup] failed to retire participant",
				"session_id", ref.SessionID, "user_id", ref.UserID, "error", err)
			continue
		}
		// An idle participant is usually long disconnected, so the live
		// session not knowing them is the expected outcome.
		if actor, ok := w.sup.Lookup(ref.SessionID); ok {
			lerr := actor.Leave(ctx, ref.UserID)
			if lerr != nil && !errors.Is(lerr, session.ErrTerminated) && !errors.Is(lerr, session.ErrParticipantNotFound) {
				slog.Warn("[Cleanup] failed to remove participant from live session",
					"session_id", ref.SessionID, "user_id", ref.UserID, "error", lerr)
			}
		}
	}
	return retired
}
