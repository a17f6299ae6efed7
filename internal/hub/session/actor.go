// Package session implements the per-session owner goroutine and its
// supervision. Exactly one actor runs per live session; it holds the
// participant set, the location table and the broadcast sequence, and
// everything reaches it through a bounded command mailbox.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/sebas/waypoint/internal/hub/bus"
	"github.com/sebas/waypoint/internal/hub/events"
	"github.com/sebas/waypoint/internal/hub/protocol"
	"github.com/sebas/waypoint/internal/hub/registry"
)

// Errors returned by actor commands.
var (
	ErrSessionFull         = errors.New("session at capacity")
	ErrDuplicateUser       = errors.New("user already connected to session")
	ErrDuplicateName       = errors.New("display name already taken in session")
	ErrParticipantNotFound = errors.New("participant not in session")
	ErrOverloaded          = errors.New("session mailbox overloaded")
	ErrTimeout             = errors.New("session command timed out")
	ErrTerminated          = errors.New("session terminated")
)

// Topic returns the bus topic a session's frames are published on.
func Topic(sessionID string) string {
	return "session:" + sessionID
}

// Options are the actor timing and capacity knobs. Tests shrink the
// durations; production uses the defaults.
type Options struct {
	MaxParticipants int
	MailboxSize     int
	LocationTTL     time.Duration
	EmptyGrace      time.Duration
	Tick            time.Duration
	CommandDeadline time.Duration
	OverloadBudget  time.Duration
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		MaxParticipants: 50,
		MailboxSize:     1024,
		LocationTTL:     30 * time.Second,
		EmptyGrace:      30 * time.Second,
		Tick:            5 * time.Second,
		CommandDeadline: 5 * time.Second,
		OverloadBudget:  50 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxParticipants <= 0 {
		o.MaxParticipants = d.MaxParticipants
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = d.MailboxSize
	}
	if o.LocationTTL <= 0 {
		o.LocationTTL = d.LocationTTL
	}
	if o.EmptyGrace <= 0 {
		o.EmptyGrace = d.EmptyGrace
	}
	if o.Tick <= 0 {
		o.Tick = d.Tick
	}
	if o.CommandDeadline <= 0 {
		o.CommandDeadline = d.CommandDeadline
	}
	if o.OverloadBudget <= 0 {
		o.OverloadBudget = d.OverloadBudget
	}
	return o
}

// Deps are the actor's collaborators. Bus is required; the rest default
// to no-ops so tests can construct actors with only what they exercise.
type Deps struct {
	Bus      *bus.Bus
	Registry *registry.Registry[*Actor]
	Events   events.Publisher
	Builder  *events.Builder

	// OnExit is invoked after the actor goroutine has fully stopped.
	// abnormal is true when the exit was caused by a panic.
	OnExit func(a *Actor, abnormal bool)
}

// Participant is a live member of a session.
type Participant struct {
	UserID      string
	DisplayName string
	AvatarColor string
	JoinedAt    time.Time
	LastSeen    time.Time
}

// Snapshot is a point-in-time copy of the actor's state.
type Snapshot struct {
	SessionID    string
	State        State
	Seq          uint64
	Participants []Participant
	Locations    []Fix
}

type commandKind int

const (
	cmdJoin commandKind = iota
	cmdLeave
	cmdUpdate
	cmdTouch
	cmdSnapshot
	cmdTerminate
)

type command struct {
	kind   commandKind
	userID string
	name   string
	color  string
	fix    Fix
	reason TerminateReason
	errc   chan error
	snapc  chan Snapshot
}

// Actor owns one session. All mutable state below the mailbox is
// touched only by the run goroutine.
type Actor struct {
	id        string
	topic     string
	expiresAt time.Time
	opts      Options
	deps      Deps

	mailbox chan command
	done    chan struct{}

	// Owned by the run goroutine.
	state        State
	seq          uint64
	participants map[string]*Participant
	order        []string
	locations    *locationTable
	graceTimer   *time.Timer
	graceC       <-chan time.Time
}

// New constructs an actor for the given session. Call Start to spawn
// the owner goroutine; an unstarted actor holds no resources.
func New(sessionID string, expiresAt time.Time, deps Deps, opts Options) *Actor {
	opts = opts.withDefaults()
	if deps.Bus == nil {
		deps.Bus = bus.New(0)
	}
	if deps.Events == nil {
		deps.Events = events.NewNoopPublisher()
	}
	if deps.Builder == nil {
		deps.Builder = events.NewBuilder("")
	}
	return &Actor{
		id:           sessionID,
		topic:        Topic(sessionID),
		expiresAt:    expiresAt,
		opts:         opts,
		deps:         deps,
		mailbox:      make(chan command, opts.MailboxSize),
		done:         make(chan struct{}),
		state:        StateStarting,
		participants: make(map[string]*Participant),
		locations:    newLocationTable(opts.LocationTTL),
	}
}

// ID returns the session ID this actor owns.
func (a *Actor) ID() string {
	return a.id
}

// Done is closed once the actor goroutine has exited.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

// Start spawns the owner goroutine.
func (a *Actor) Start() {
	go a.run()
}

// Join admits a participant. Fails with ErrSessionFull at capacity,
// ErrDuplicateUser when the user is already connected and
// ErrDuplicateName when another active participant holds the name.
func (a *Actor) Join(ctx context.Context, userID, displayName, avatarColor string) error {
	cmd := command{
		kind:   cmdJoin,
		userID: userID,
		name:   displayName,
		color:  avatarColor,
		errc:   make(chan error, 1),
	}
	return a.call(ctx, cmd)
}

// Leave removes a participant. Removing an absent participant is a
// successful no-op.
func (a *Actor) Leave(ctx context.Context, userID string) error {
	cmd := command{kind: cmdLeave, userID: userID, errc: make(chan error, 1)}
	return a.call(ctx, cmd)
}

// UpdateLocation records and broadcasts a fix. Unlike other commands it
// never queues for long: if the mailbox stays full past the overload
// budget the update is rejected with ErrOverloaded so the caller can
// drop it.
func (a *Actor) UpdateLocation(ctx context.Context, fix Fix) error {
	cmd := command{kind: cmdUpdate, fix: fix, errc: make(chan error, 1)}

	select {
	case a.mailbox <- cmd:
	case <-a.done:
		return ErrTerminated
	case <-ctx.Done():
		return mapContextErr(ctx.Err())
	case <-time.After(a.opts.OverloadBudget):
		return ErrOverloaded
	}
	return a.await(ctx, cmd)
}

// Touch refreshes a participant's last-seen time without broadcasting.
// Best effort: dropped silently when the mailbox is full.
func (a *Actor) Touch(userID string) {
	select {
	case a.mailbox <- command{kind: cmdTouch, userID: userID}:
	default:
	}
}

// Snapshot returns a copy of the current participants, fresh locations,
// state and sequence number.
func (a *Actor) Snapshot(ctx context.Context) (Snapshot, error) {
	cmd := command{
		kind:  cmdSnapshot,
		errc:  make(chan error, 1),
		snapc: make(chan Snapshot, 1),
	}
	if err := a.call(ctx, cmd); err != nil {
		return Snapshot{}, err
	}
	return <-cmd.snapc, nil
}

// Terminate ends the session with the given reason. Terminating an
// already-stopped session returns ErrTerminated.
func (a *Actor) Terminate(ctx context.Context, reason TerminateReason) error {
	cmd := command{kind: cmdTerminate, reason: reason, errc: make(chan error, 1)}
	return a.call(ctx, cmd)
}

// call submits a command and waits for its reply. Callers without a
// deadline get the default command deadline.
func (a *Actor) call(ctx context.Context, cmd command) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.CommandDeadline)
		defer cancel()
	}

	select {
	case a.mailbox <- cmd:
	case <-a.done:
		return ErrTerminated
	case <-ctx.Done():
		return mapContextErr(ctx.Err())
	}
	return a.await(ctx, cmd)
}

// await waits for the reply to an accepted command. Every accepted
// command is answered, either by the run loop or by the exit drain.
func (a *Actor) await(ctx context.Context, cmd command) error {
	select {
	case err := <-cmd.errc:
		return err
	case <-a.done:
		// The drain may have answered just as done closed.
		select {
		case err := <-cmd.errc:
			return err
		default:
			return ErrTerminated
		}
	case <-ctx.Done():
		return mapContextErr(ctx.Err())
	}
}

func mapContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func (a *Actor) run() {
	defer func() {
		r := recover()
		if r != nil {
			slog.Error("[Session] actor panicked",
				"session_id", a.id,
				"panic", r,
				"stack", string(debug.Stack()))
			a.finalize(ReasonRestart)
		}
		close(a.done)
		a.drain()
		if a.deps.OnExit != nil {
			a.deps.OnExit(a, r != nil)
		}
	}()

	ticker := time.NewTicker(a.opts.Tick)
	defer ticker.Stop()

	// A fresh actor is empty; if nobody joins within the grace period
	// it cleans itself up.
	a.armGrace()

	slog.Info("[Session] actor started", "session_id", a.id, "expires_at", a.expiresAt)
	a.deps.Events.PublishAsync(a.deps.Builder.SessionStarted(a.id))

	for a.state != StateStopped {
		select {
		case cmd := <-a.mailbox:
			a.handle(cmd)
		case now := <-ticker.C:
			a.onTick(now)
		case <-a.graceC:
			slog.Info("[Session] empty grace period expired", "session_id", a.id)
			a.finalize(ReasonEmpty)
		}
	}
}

// drain answers every command still queued after shutdown so no caller
// blocks on a dead actor.
func (a *Actor) drain() {
	for {
		select {
		case cmd := <-a.mailbox:
			if cmd.errc != nil {
				cmd.errc <- ErrTerminated
			}
		default:
			return
		}
	}
}

func (a *Actor) handle(cmd command) {
	var err error
	switch cmd.kind {
	case cmdJoin:
		err = a.handleJoin(cmd)
	case cmdLeave:
		a.handleLeave(cmd.userID)
	case cmdUpdate:
		err = a.handleUpdate(cmd.fix)
	case cmdTouch:
		if p, ok := a.participants[cmd.userID]; ok {
			p.LastSeen = time.Now()
		}
	case cmdSnapshot:
		cmd.snapc <- a.buildSnapshot()
	case cmdTerminate:
		a.finalize(cmd.reason)
	default:
		panic(fmt.Sprintf("unhandled command kind %d", cmd.kind))
	}
	if cmd.errc != nil {
		cmd.errc <- err
	}
}

func (a *Actor) handleJoin(cmd command) error {
	if _, ok := a.participants[cmd.userID]; ok {
		return ErrDuplicateUser
	}
	if len(a.participants) >= a.opts.MaxParticipants {
		return ErrSessionFull
	}
	// Names are compared exactly; the command stream serializes the race.
	for _, p := range a.participants {
		if p.DisplayName == cmd.name {
			return ErrDuplicateName
		}
	}

	now := time.Now()
	a.participants[cmd.userID] = &Participant{
		UserID:      cmd.userID,
		DisplayName: cmd.name,
		AvatarColor: cmd.color,
		JoinedAt:    now,
		LastSeen:    now,
	}
	a.order = append(a.order, cmd.userID)
	a.disarmGrace()
	if a.state == StateStarting || a.state == StateDraining {
		a.setState(StateLive)
	}

	a.broadcast(protocol.TypeParticipantJoined, protocol.ParticipantJoined{
		UserID:      cmd.userID,
		DisplayName: cmd.name,
		AvatarColor: cmd.color,
		Seq:         a.nextSeq(),
	})
	a.deps.Events.PublishAsync(a.deps.Builder.ParticipantJoined(a.id, cmd.userID, cmd.name, cmd.color))
	slog.Info("[Session] participant joined",
		"session_id", a.id,
		"user_id", cmd.userID,
		"participants", len(a.participants))
	return nil
}

func (a *Actor) handleLeave(userID string) {
	if _, ok := a.participants[userID]; !ok {
		return
	}
	delete(a.participants, userID)
	for i, uid := range a.order {
		if uid == userID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	a.locations.remove(userID)

	a.broadcast(protocol.TypeParticipantLeft, protocol.ParticipantLeft{
		UserID: userID,
		Seq:    a.nextSeq(),
	})
	a.deps.Events.PublishAsync(a.deps.Builder.ParticipantLeft(a.id, userID))
	slog.Info("[Session] participant left",
		"session_id", a.id,
		"user_id", userID,
		"participants", len(a.participants))

	if len(a.participants) == 0 {
		a.setState(StateDraining)
		a.armGrace()
	}
}

func (a *Actor) handleUpdate(fix Fix) error {
	p, ok := a.participants[fix.UserID]
	if !ok {
		return ErrParticipantNotFound
	}
	now := time.Now()
	p.LastSeen = now
	a.locations.set(fix, now)

	a.broadcast(protocol.TypeLocationUpdate, protocol.LocationBroadcast{
		UserID:    fix.UserID,
		Lat:       fix.Latitude,
		Lng:       fix.Longitude,
		Accuracy:  fix.Accuracy,
		Timestamp: fix.Timestamp,
		Seq:       a.nextSeq(),
	})
	return nil
}

func (a *Actor) onTick(now time.Time) {
	if pruned := a.locations.prune(now); pruned > 0 {
		slog.Debug("[Session] pruned stale locations", "session_id", a.id, "count", pruned)
	}
	if now.After(a.expiresAt) {
		slog.Info("[Session] deadline passed", "session_id", a.id, "expires_at", a.expiresAt)
		a.finalize(ReasonExpired)
	}
}

// finalize runs the termination sequence exactly once: broadcast the
// terminal frame, close the topic, unregister, stop.
func (a *Actor) finalize(reason TerminateReason) {
	if a.state == StateStopped {
		return
	}
	remaining := len(a.participants)
	a.setState(StateTerminating)

	a.broadcast(protocol.TypeSessionEnded, protocol.SessionEnded{
		Reason: reason.String(),
		Seq:    a.nextSeq(),
	})
	a.deps.Events.PublishAsync(a.deps.Builder.SessionEnded(a.id, events.EndReason(reason.String()), remaining))

	a.deps.Bus.CloseTopic(a.topic)
	if a.deps.Registry != nil {
		a.deps.Registry.Unregister(a.id, a)
	}
	a.disarmGrace()
	a.setState(StateStopped)

	slog.Info("[Session] actor stopped",
		"session_id", a.id,
		"reason", reason,
		"participants", remaining,
		"seq", a.seq)
}

func (a *Actor) buildSnapshot() Snapshot {
	now := time.Now()
	parts := make([]Participant, 0, len(a.order))
	for _, uid := range a.order {
		parts = append(parts, *a.participants[uid])
	}
	return Snapshot{
		SessionID:    a.id,
		State:        a.state,
		Seq:          a.seq,
		Participants: parts,
		Locations:    a.locations.valid(now),
	}
}

func (a *Actor) nextSeq() uint64 {
	a.seq++
	return a.seq
}

func (a *Actor) broadcast(msgType string, payload any) {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		slog.Error("[Session] failed to encode broadcast",
			"session_id", a.id,
			"type", msgType,
			"error", err)
		return
	}
	a.deps.Bus.Publish(a.topic, frame)
}

func (a *Actor) setState(next State) {
	if !a.state.CanTransitionTo(next) {
		slog.Warn("[Session] invalid state transition",
			"session_id", a.id,
			"from", a.state,
			"to", next)
		return
	}
	a.state = next
}

func (a *Actor) armGrace() {
	if a.graceTimer != nil {
		a.graceTimer.Stop()
	}
	a.graceTimer = time.NewTimer(a.opts.EmptyGrace)
	a.graceC = a.graceTimer.C
}

func (a *Actor) disarmGrace() {
	if a.graceTimer != nil {
		a.graceTimer.Stop()
		a.graceTimer = nil
	}
	a.graceC = nil
}
