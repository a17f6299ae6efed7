// Package app assembles the hub from its parts: durable store, presence
// tracker, event publisher, session supervisor, websocket and REST
// surfaces, and the cleanup worker.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sebas/waypoint/internal/hub/api"
	"github.com/sebas/waypoint/internal/hub/auth"
	"github.com/sebas/waypoint/internal/hub/bus"
	"github.com/sebas/waypoint/internal/hub/cleanup"
	"github.com/sebas/waypoint/internal/hub/config"
	"github.com/sebas/waypoint/internal/hub/events"
	"github.com/sebas/waypoint/internal/hub/presence"
	"github.com/sebas/waypoint/internal/hub/registry"
	"github.com/sebas/waypoint/internal/hub/session"
	"github.com/sebas/waypoint/internal/hub/store"
	"github.com/sebas/waypoint/internal/hub/ws"
)

const (
	startupTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Hub owns every long-lived component of the location sharing server.
type Hub struct {
	config     *config.Config
	store      store.Store
	presence   presence.Tracker
	publisher  events.Publisher
	bus        *bus.Bus
	supervisor *session.Supervisor
	wsHandler  *ws.Handler
	cleaner    *cleanup.Worker
	apiServer  *api.Server
}

// NewServer wires the hub from configuration. PostgreSQL is required;
// Redis and NATS are optional and the hub degrades to local no-ops when
// their URLs are absent.
func NewServer(cfg *config.Config) (*Hub, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	st, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.MaxParticipants)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	var tracker presence.Tracker
	if cfg.RedisURL != "" {
		rt, err := presence.NewRedisTrackerFromURL(ctx, cfg.RedisURL, cfg.IdleTimeout, cfg.InactivityTimeout)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		tracker = rt
	} else {
		slog.Info("[App] presence tracking disabled, no Redis configured")
		tracker = presence.NewNoopTracker()
	}

	var publisher events.Publisher
	if cfg.NATSURL != "" {
		natsCfg := events.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		np, err := events.NewNATSPublisher(natsCfg, slog.Default())
		if err != nil {
			tracker.Close()
			st.Close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		publisher = np
	} else {
		slog.Info("[App] event stream disabled, no NATS configured")
		publisher = events.NewLoggingPublisher(slog.Default())
	}

	builder := events.NewBuilder(nodeID())
	reg := registry.New[*session.Actor]()
	b := bus.New(cfg.SubscriptionBuffer)

	supervisor := session.NewSupervisor(session.SupervisorConfig{
		Store:    st,
		Registry: reg,
		Bus:      b,
		Events:   publisher,
		Builder:  builder,
		Actor: session.Options{
			MaxParticipants: cfg.MaxParticipants,
			MailboxSize:     cfg.MailboxCapacity,
			LocationTTL:     cfg.LocationTTL,
			EmptyGrace:      cfg.EmptyGrace,
		},
	})

	tokens := auth.NewJWTManager(cfg.JWTSecret)

	wsHandler := ws.NewHandler(tokens, supervisor, b, st, tracker, ws.Config{
		MinUpdateInterval: cfg.MinUpdateInterval,
		IdleTimeout:       cfg.IdleTimeout,
		AllowedOrigins:    cfg.AllowedOrigins,
	})

	cleaner := cleanup.NewWorker(st, supervisor, cleanup.Config{
		Interval:           cfg.CleanupInterval,
		InactivityTimeout:  cfg.InactivityTimeout,
		ParticipantTimeout: cfg.ParticipantTimeout,
	})

	apiServer := api.NewServer(api.Config{
		Addr:            cfg.Addr(),
		BaseURL:         cfg.BaseURL,
		WSBaseURL:       cfg.WSBaseURL,
		RedisConfigured: cfg.RedisURL != "",
	}, st, supervisor, tracker, tokens, publisher, builder, wsHandler)

	slog.Info("[App] hub assembled",
		"addr", cfg.Addr(),
		"max_participants", cfg.MaxParticipants,
		"cleanup_interval", cfg.CleanupInterval,
	)

	return &Hub{
		config:     cfg,
		store:      st,
		presence:   tracker,
		publisher:  publisher,
		bus:        b,
		supervisor: supervisor,
		wsHandler:  wsHandler,
		cleaner:    cleaner,
		apiServer:  apiServer,
	}, nil
}

// Start launches the cleanup schedule and the HTTP server. It returns
// once both are running; the caller owns the wait for shutdown.
func (h *Hub) Start() error {
	if err := h.cleaner.Start(); err != nil {
		return fmt.Errorf("failed to start cleanup worker: %w", err)
	}
	if err := h.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Close shuts the hub down in dependency order: stop accepting HTTP
// traffic, stop the sweep schedule, terminate session actors so
// connected clients hear the restart broadcast, then flush events and
// release the backing services.
func (h *Hub) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := h.apiServer.Stop(ctx); err != nil {
		slog.Warn("[App] HTTP shutdown incomplete", "error", err)
	}

	h.cleaner.Stop()
	h.supervisor.Shutdown(ctx)

	if err := h.publisher.Close(); err != nil {
		slog.Warn("[App] event publisher close failed", "error", err)
	}
	if err := h.presence.Close(); err != nil {
		slog.Warn("[App] presence tracker close failed", "error", err)
	}
	return h.store.Close()
}

// nodeID names this hub instance in emitted events.
func nodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "waypoint-hub"
	}
	return host
}
