package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sebas/waypoint/internal/ui/client"
	"github.com/sebas/waypoint/internal/ui/config"
)

// Server provides the UI HTTP server that aggregates data from multiple hubs
type Server struct {
	config     *config.Config
	httpServer *http.Server
	clients    []*client.Client
	templates  *Templates
	startTime  time.Time
}

// NewServer creates a new UI server
func NewServer(cfg *config.Config) (*Server, error) {
	s := &Server{
		config:    cfg,
		startTime: time.Now(),
	}

	// Create clients for each backend
	s.clients = make([]*client.Client, 0, len(cfg.Backends))
	for _, backend := range cfg.Backends {
		c := client.NewClient(backend.Name, backend.Address)
		s.clients = append(s.clients, c)
		slog.Info("[UI] Added backend", "name", backend.Name, "address", backend.Address)
	}

	// Initialize templates
	var err error
	s.templates, err = NewTemplates()
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	// Set up routes
	mux := http.NewServeMux()

	// Admin UI routes
	mux.HandleFunc("/", s.handleDashboard)
	mux.HandleFunc("/admin/partials/stats", s.handleStatsPartial)
	mux.HandleFunc("/admin/partials/backends", s.handleBackendsPartial)
	mux.HandleFunc("/admin/partials/sessions", s.handleSessionsPartial)
	mux.HandleFunc("/admin/partials/participants", s.handleParticipantsPartial)

	// Admin actions
	mux.HandleFunc("/admin/sessions/", s.handleSessionAction)
	mux.HandleFunc("/admin/participants/", s.handleParticipantAction)

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s, nil
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	slog.Info("[UI] Starting HTTP server", "addr", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[UI] Server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// handleHealth returns the health status of the UI server
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime":%d}`, int64(time.Since(s.startTime).Seconds()))
}

// handleDashboard renders the main admin dashboard
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := s.buildTemplateData(r.Context())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.RenderDashboard(w, data); err != nil {
		slog.Error("[UI] Failed to render dashboard", "error", err)
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
	}
}

// handleStatsPartial renders the stats cards partial for HTMX
func (s *Server) handleStatsPartial(w http.ResponseWriter, r *http.Request) {
	data := s.buildTemplateData(r.Context())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.RenderStats(w, data); err != nil {
		slog.Error("[UI] Failed to render stats partial", "error", err)
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
	}
}

// handleBackendsPartial renders the backends status partial for HTMX
func (s *Server) handleBackendsPartial(w http.ResponseWriter, r *http.Request) {
	data := s.buildTemplateData(r.Context())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.RenderBackends(w, data); err != nil {
		slog.Error("[UI] Failed to render backends partial", "error", err)
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
	}
}

// handleSessionsPartial renders the sessions table partial for HTMX
func (s *Server) handleSessionsPartial(w http.ResponseWriter, r *http.Request) {
	data := s.buildTemplateData(r.Context())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.RenderSessions(w, data); err != nil {
		slog.Error("[UI] Failed to render sessions partial", "error", err)
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
	}
}

// handleParticipantsPartial renders the participants table partial for HTMX
func (s *Server) handleParticipantsPartial(w http.ResponseWriter, r *http.Request) {
	data := s.buildTemplateData(r.Context())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.RenderParticipants(w, data); err != nil {
		slog.Error("[UI] Failed to render participants partial", "error", err)
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
	}
}

// handleSessionAction ends a session: DELETE /admin/sessions/{backend}/{id}
func (s *Server) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/admin/sessions/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.NotFound(w, r)
		return
	}

	c := s.clientByName(parts[0])
	if c == nil {
		http.NotFound(w, r)
		return
	}

	if err := c.EndSession(r.Context(), parts[1]); err != nil {
		slog.Error("[UI] Failed to end session", "backend", parts[0], "session_id", parts[1], "error", err)
		http.Error(w, "Failed to end session", http.StatusBadGateway)
		return
	}
	slog.Info("[UI] Session ended", "backend", parts[0], "session_id", parts[1])

	// Answer with the refreshed table so HTMX can swap it in place
	s.handleSessionsPartial(w, r)
}

// handleParticipantAction removes a participant:
// DELETE /admin/participants/{backend}/{session}/{user}
func (s *Server) handleParticipantAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/admin/participants/")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		http.NotFound(w, r)
		return
	}

	c := s.clientByName(parts[0])
	if c == nil {
		http.NotFound(w, r)
		return
	}

	if err := c.RemoveParticipant(r.Context(), parts[1], parts[2]); err != nil {
		slog.Error("[UI] Failed to remove participant",
			"backend", parts[0], "session_id", parts[1], "user_id", parts[2], "error", err)
		http.Error(w, "Failed to remove participant", http.StatusBadGateway)
		return
	}
	slog.Info("[UI] Participant removed", "backend", parts[0], "session_id", parts[1], "user_id", parts[2])

	s.handleParticipantsPartial(w, r)
}

// clientByName finds the backend client with the given name
func (s *Server) clientByName(name string) *client.Client {
	for _, c := range s.clients {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// buildTemplateData fetches data from all backends and aggregates it
func (s *Server) buildTemplateData(ctx context.Context) TemplateData {
	uptime := time.Since(s.startTime)
	uptimeStr := formatUptime(uptime)

	data := TemplateData{
		Title: "Waypoint Admin",
		Health: HealthData{
			Status: "ok",
			Uptime: uptimeStr,
		},
		Stats:        StatsData{},
		Backends:     make([]BackendData, 0, len(s.clients)),
		Sessions:     make([]SessionData, 0),
		Participants: make([]ParticipantData, 0),
		MultiBackend: len(s.clients) > 1,
	}

	// Fetch data from all backends concurrently
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, c := range s.clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			s.fetchBackendData(ctx, c, &data, &mu)
		}(c)
	}

	wg.Wait()
	return data
}

// fetchBackendData fetches all data from a single backend
func (s *Server) fetchBackendData(ctx context.Context, c *client.Client, data *TemplateData, mu *sync.Mutex) {
	backendName := c.Name()
	backendData := BackendData{
		Name:    backendName,
		Address: c.BaseURL(),
		Status:  "offline",
	}

	// Fetch health
	health, err := c.Health(ctx)
	if err != nil {
		slog.Debug("[UI] Backend health check failed", "backend", backendName, "error", err)
		mu.Lock()
		data.Backends = append(data.Backends, backendData)
		mu.Unlock()
		return
	}

	backendData.Status = health.Status
	backendData.Uptime = formatUptime(time.Duration(health.Uptime) * time.Second)
	backendData.Database = health.Database
	backendData.Redis = health.Redis
	if backendData.Redis == "" {
		backendData.Redis = "disabled"
	}

	// Fetch stats
	stats, err := c.Stats(ctx)
	if err != nil {
		slog.Debug("[UI] Backend stats fetch failed", "backend", backendName, "error", err)
	} else {
		mu.Lock()
		data.Stats.ActiveSessions += stats.ActiveSessions
		data.Stats.TotalParticipants += stats.TotalParticipants
		data.Stats.Connections += stats.Connections
		data.Stats.EventsPublished += stats.EventsPublished
		mu.Unlock()
	}

	// Fetch sessions, then the participants of each
	sessions, err := c.Sessions(ctx)
	if err != nil {
		slog.Debug("[UI] Backend sessions fetch failed", "backend", backendName, "error", err)
	} else {
		for _, sess := range sessions {
			createdAt, _ := time.Parse(time.RFC3339, sess.CreatedAt)
			expiresAt, _ := time.Parse(time.RFC3339, sess.ExpiresAt)
			ttl := time.Until(expiresAt)
			ttlStr := "expired"
			if ttl > 0 {
				ttlStr = formatDuration(int(ttl.Seconds()))
			}

			mu.Lock()
			data.Sessions = append(data.Sessions, SessionData{
				Server:       backendName,
				ID:           sess.ID,
				ShortID:      shortID(sess.ID),
				Name:         sess.Name,
				Participants: sess.ParticipantCount,
				CreatedAt:    createdAt.Local().Format("15:04:05"),
				TTL:          ttlStr,
			})
			mu.Unlock()

			participants, err := c.Participants(ctx, sess.ID)
			if err != nil {
				slog.Debug("[UI] Backend participants fetch failed",
					"backend", backendName, "session_id", sess.ID, "error", err)
				continue
			}

			mu.Lock()
			for _, p := range participants {
				joinedAt, _ := time.Parse(time.RFC3339, p.JoinedAt)
				lastSeen, _ := time.Parse(time.RFC3339, p.LastSeen)
				data.Participants = append(data.Participants, ParticipantData{
					Server:      backendName,
					SessionID:   sess.ID,
					SessionName: sess.Name,
					UserID:      p.UserID,
					DisplayName: p.DisplayName,
					AvatarColor: p.AvatarColor,
					JoinedAt:    joinedAt.Local().Format("15:04:05"),
					LastSeen:    lastSeen.Local().Format("15:04:05"),
				})
			}
			mu.Unlock()
		}
	}

	mu.Lock()
	data.Backends = append(data.Backends, backendData)
	mu.Unlock()
}

// shortID returns the leading segment of a UUID for display
func shortID(id string) string {
	if idx := strings.Index(id, "-"); idx > 0 {
		return id[:idx]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatUptime formats a duration for display
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}

// formatDuration formats seconds for display
func formatDuration(seconds int) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	}
	hours := seconds / 3600
	mins := (seconds % 3600) / 60
	secs := seconds % 60
	return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
}
