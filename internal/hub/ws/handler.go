// Package ws attaches websocket clients to session actors. Each
// accepted socket becomes one bus subscription plus a read loop feeding
// commands to the session owner; the hub never writes to a socket from
// more than one goroutine.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	types "github.com/sebas/waypoint/api/types/v1"
	"github.com/sebas/waypoint/internal/hub/auth"
	"github.com/sebas/waypoint/internal/hub/bus"
	"github.com/sebas/waypoint/internal/hub/presence"
	"github.com/sebas/waypoint/internal/hub/protocol"
	"github.com/sebas/waypoint/internal/hub/session"
	"github.com/sebas/waypoint/internal/hub/store"
)

const (
	// writeWait is the deadline for a single socket write.
	writeWait = 10 * time.Second

	// maxFrameSize bounds inbound frames; a position fix is tiny.
	maxFrameSize = 4096

	// badFrameLimit is how many consecutive malformed frames a client
	// may send before the socket is closed.
	badFrameLimit = 3

	// directBuffer holds pongs and error frames queued by the read loop.
	directBuffer = 8

	// durableTouchInterval throttles last-seen writes to the store;
	// Redis presence is refreshed on every accepted update instead.
	durableTouchInterval = time.Minute
)

// Config carries the per-connection tunables.
type Config struct {
	MinUpdateInterval time.Duration
	IdleTimeout       time.Duration
	AllowedOrigins    []string
}

// Handler upgrades authenticated requests at GET /ws.
type Handler struct {
	auth       auth.TokenValidator
	supervisor *session.Supervisor
	bus        *bus.Bus
	store      store.Store
	presence   presence.Tracker
	cfg        Config
	upgrader   websocket.Upgrader

	connections     atomic.Int64
	rateDropped     atomic.Int64
	overloadDropped atomic.Int64
}

// NewHandler wires the websocket endpoint to its collaborators.
func NewHandler(validator auth.TokenValidator, sup *session.Supervisor, b *bus.Bus, st store.Store, tracker presence.Tracker, cfg Config) *Handler {
	return &Handler{
		auth:       validator,
		supervisor: sup,
		bus:        b,
		store:      st,
		presence:   tracker,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
}

// ConnectionCount returns the number of open sockets.
func (h *Handler) ConnectionCount() int {
	return int(h.connections.Load())
}

// DroppedUpdates returns how many inbound fixes were shed by rate
// limiting and by mailbox overload.
func (h *Handler) DroppedUpdates() (rateLimited, overloaded int64) {
	return h.rateDropped.Load(), h.overloadDropped.Load()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		httpError(w, http.StatusUnauthorized, "MISSING_TOKEN", "token query parameter required")
		return
	}
	claims, err := h.auth.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			httpError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "token expired, rejoin the session")
			return
		}
		httpError(w, http.StatusUnauthorized, "INVALID_TOKEN", "token rejected")
		return
	}

	ctx := r.Context()
	actor, err := h.supervisor.GetOrStart(ctx, claims.SessionID)
	if err != nil {
		h.rejectStart(w, claims.SessionID, err)
		return
	}

	// The REST join created the participant row; its display name and
	// avatar color are authoritative over anything in the token.
	part, err := h.store.GetParticipant(ctx, claims.SessionID, claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrParticipantNotFound) {
			httpError(w, http.StatusForbidden, "NOT_PARTICIPANT", "join the session before connecting")
			return
		}
		slog.Error("[WS] participant lookup failed", "session_id", claims.SessionID, "user_id", claims.UserID, "error", err)
		httpError(w, http.StatusInternalServerError, "INTERNAL", "could not load participant")
		return
	}

	if err := actor.Join(ctx, part.UserID, part.DisplayName, part.AvatarColor); err != nil {
		h.rejectJoin(w, claims.SessionID, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own HTTP error; undo the join.
		slog.Warn("[WS] upgrade failed", "session_id", claims.SessionID, "user_id", claims.UserID, "error", err)
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		actor.Leave(leaveCtx, part.UserID)
		return
	}

	h.serve(conn, actor, part)
}

func (h *Handler) rejectStart(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		httpError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
	case errors.Is(err, store.ErrSessionExpired):
		httpError(w, http.StatusGone, "SESSION_EXPIRED", "session has expired")
	case errors.Is(err, store.ErrSessionEnded):
		httpError(w, http.StatusGone, "SESSION_ENDED", "session has ended")
	default:
		slog.Error("[WS] failed to start session", "session_id", sessionID, "error", err)
		httpError(w, http.StatusInternalServerError, "INTERNAL", "could not start session")
	}
}

func (h *Handler) rejectJoin(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, session.ErrDuplicateUser):
		httpError(w, http.StatusConflict, "DUPLICATE_CONNECTION", "user already connected to this session")
	case errors.Is(err, session.ErrDuplicateName):
		httpError(w, http.StatusConflict, "DUPLICATE_NAME", "display name already taken in this session")
	case errors.Is(err, session.ErrSessionFull):
		httpError(w, http.StatusUnprocessableEntity, "SESSION_FULL", "session is at capacity")
	case errors.Is(err, session.ErrTerminated):
		httpError(w, http.StatusGone, "SESSION_ENDED", "session has ended")
	case errors.Is(err, session.ErrOverloaded), errors.Is(err, session.ErrTimeout):
		httpError(w, http.StatusServiceUnavailable, "OVERLOADED", "session is overloaded, retry shortly")
	default:
		slog.Error("[WS] join failed", "session_id", sessionID, "error", err)
		httpError(w, http.StatusInternalServerError, "INTERNAL", "could not join session")
	}
}

func (h *Handler) serve(conn *websocket.Conn, actor *session.Actor, part *store.ParticipantRecord) {
	c := &client{
		handler:     h,
		conn:        conn,
		actor:       actor,
		sub:         h.bus.Subscribe(session.Topic(actor.ID())),
		sessionID:   actor.ID(),
		userID:      part.UserID,
		direct:      make(chan []byte, directBuffer),
		stop:        make(chan struct{}),
		lastDurable: time.Now(),
	}
	h.connections.Add(1)
	slog.Info("[WS] connected", "session_id", c.sessionID, "user_id", c.userID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := h.presence.TrackConnection(ctx, c.userID, c.sessionID); err != nil {
		slog.Debug("[WS] failed to track presence", "user_id", c.userID, "error", err)
	}
	cancel()

	// Before the pumps start we are the socket's only writer: replay
	// the current picture to the newcomer.
	if err := c.sendSnapshot(); err != nil {
		slog.Warn("[WS] failed to send snapshot", "session_id", c.sessionID, "user_id", c.userID, "error", err)
		c.teardown()
		return
	}

	go c.writePump()
	c.readPump()
}

// client is one accepted socket.
type client struct {
	handler   *Handler
	conn      *websocket.Conn
	actor     *session.Actor
	sub       *bus.Subscription
	sessionID string
	userID    string

	direct chan []byte
	stop   chan struct{}

	badFrames   int
	lastUpdate  time.Time
	lastDurable time.Time
}

// sendSnapshot writes the other participants' fresh fixes to the new
// socket. Frames carry the session sequence as of the snapshot so the
// client can discard older duplicates from its live feed.
func (c *client) sendSnapshot() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := c.actor.Snapshot(ctx)
	if err != nil {
		return err
	}
	for _, fix := range snap.Locations {
		if fix.UserID == c.userID {
			continue
		}
		frame, err := protocol.Encode(protocol.TypeLocationUpdate, protocol.LocationBroadcast{
			UserID:    fix.UserID,
			Lat:       fix.Latitude,
			Lng:       fix.Longitude,
			Accuracy:  fix.Accuracy,
			Timestamp: fix.Timestamp,
			Seq:       snap.Seq,
		})
		if err != nil {
			return err
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
	return nil
}

// readPump consumes client frames until the socket dies, the idle
// deadline passes or the client earns a disconnect.
func (c *client) readPump() {
	defer c.teardown()

	h := c.handler
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("[WS] read error", "session_id", c.sessionID, "user_id", c.userID, "error", err)
			}
			return
		}
		// Any inbound frame proves liveness.
		c.conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))

		env, err := protocol.Decode(raw)
		if err != nil {
			if c.strike(protocol.CodeBadFrame, "malformed frame") {
				return
			}
			continue
		}

		switch env.Type {
		case protocol.TypeLocationUpdate:
			if c.handleLocationUpdate(env) {
				return
			}
		case protocol.TypePing:
			c.badFrames = 0
			c.handlePing()
		default:
			if c.strike(protocol.CodeInvalidType, "unsupported message type: "+env.Type) {
				return
			}
		}
	}
}

// writePump is the socket's only writer once the snapshot is sent. It
// forwards bus frames verbatim and interleaves direct replies.
func (c *client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case frame, ok := <-c.sub.C():
			if !ok {
				// Topic closed: the session ended or we fell behind
				// and were evicted. Either way the conversation is over.
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case frame := <-c.direct:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.stop:
			return
		}
	}
}

// handleLocationUpdate validates, rate-limits and forwards one fix.
// Returns true when the connection should close.
func (c *client) handleLocationUpdate(env protocol.Envelope) bool {
	h := c.handler

	var upd protocol.LocationUpdate
	if err := json.Unmarshal(env.Data, &upd); err != nil {
		return c.strike(protocol.CodeBadFrame, "malformed location_update payload")
	}
	c.badFrames = 0

	if err := upd.Validate(); err != nil {
		c.sendError(protocol.CodeValidationError, err.Error())
		return false
	}

	now := time.Now()
	if now.Sub(c.lastUpdate) < h.cfg.MinUpdateInterval {
		h.rateDropped.Add(1)
		return false
	}
	c.lastUpdate = now

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.actor.UpdateLocation(ctx, session.Fix{
		UserID:    c.userID,
		Latitude:  upd.Lat,
		Longitude: upd.Lng,
		Accuracy:  upd.Accuracy,
		Timestamp: upd.Timestamp,
	})
	switch {
	case err == nil:
		c.touchLiveness(ctx)
	case errors.Is(err, session.ErrOverloaded):
		// Shed load silently; the next fix supersedes this one anyway.
		h.overloadDropped.Add(1)
	case errors.Is(err, session.ErrParticipantNotFound):
		c.sendError(protocol.CodeNotParticipant, "not a participant of this session")
	case errors.Is(err, session.ErrTerminated):
		return true
	default:
		slog.Warn("[WS] update failed", "session_id", c.sessionID, "user_id", c.userID, "error", err)
		c.sendError(protocol.CodeInternal, "failed to process update")
	}
	return false
}

func (c *client) handlePing() {
	if frame, err := protocol.Encode(protocol.TypePong, nil); err == nil {
		c.enqueueDirect(frame)
	}
	c.actor.Touch(c.userID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.touchLiveness(ctx)
}

// touchLiveness refreshes Redis presence on every call and the durable
// last-seen timestamps at most once per durableTouchInterval.
func (c *client) touchLiveness(ctx context.Context) {
	h := c.handler
	if err := h.presence.RefreshConnection(ctx, c.userID); err != nil {
		slog.Debug("[WS] failed to refresh presence", "user_id", c.userID, "error", err)
	}
	if err := h.presence.TouchSessionActivity(ctx, c.sessionID); err != nil {
		slog.Debug("[WS] failed to touch session activity", "session_id", c.sessionID, "error", err)
	}

	now := time.Now()
	if now.Sub(c.lastDurable) < durableTouchInterval {
		return
	}
	c.lastDurable = now
	if err := h.store.TouchParticipant(ctx, c.sessionID, c.userID); err != nil {
		slog.Debug("[WS] failed to touch participant", "user_id", c.userID, "error", err)
	}
	if err := h.store.TouchSession(ctx, c.sessionID); err != nil {
		slog.Debug("[WS] failed to touch session", "session_id", c.sessionID, "error", err)
	}
}

// strike counts a malformed frame and reports whether the limit is hit.
func (c *client) strike(code, message string) bool {
	c.badFrames++
	c.sendError(code, message)
	if c.badFrames >= badFrameLimit {
		slog.Warn("[WS] closing after repeated bad frames",
			"session_id", c.sessionID, "user_id", c.userID)
		return true
	}
	return false
}

func (c *client) sendError(code, message string) {
	frame, err := protocol.EncodeError(code, message)
	if err != nil {
		return
	}
	c.enqueueDirect(frame)
}

func (c *client) enqueueDirect(frame []byte) {
	select {
	case c.direct <- frame:
	default:
		// Replies are best effort; never block the read loop on them.
	}
}

// teardown releases everything the connection held. Leave is
// idempotent, so racing a concurrent session termination is fine.
func (c *client) teardown() {
	close(c.stop)
	h := c.handler
	h.bus.Unsubscribe(c.sub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.actor.Leave(ctx, c.userID); err != nil && !errors.Is(err, session.ErrTerminated) {
		slog.Warn("[WS] leave on disconnect failed",
			"session_id", c.sessionID, "user_id", c.userID, "error", err)
	}
	if err := h.presence.DropConnection(ctx, c.userID); err != nil {
		slog.Debug("[WS] failed to drop presence", "user_id", c.userID, "error", err)
	}

	c.conn.Close()
	h.connections.Add(-1)
	slog.Info("[WS] disconnected", "session_id", c.sessionID, "user_id", c.userID)
}

// originChecker allows configured origins, defaulting to local
// development hosts. Requests without an Origin header (CLIs, native
// apps) pass.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if len(allowed) > 0 {
			for _, a := range allowed {
				if strings.EqualFold(a, origin) {
					return true
				}
			}
			return false
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		return false
	}
}

// httpError writes the REST error envelope on pre-upgrade failures.
func httpError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(types.ErrorResponse{
		Error: types.ErrorBody{Code: code, Message: message},
	})
}
