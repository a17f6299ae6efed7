package server

import (
	"embed"
	"html/template"
	"io"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Templates holds all parsed templates
type Templates struct {
	dashboard       *template.Template
	statsPartial    *template.Template
	backendsPartial *template.Template
	sessPartial     *template.Template
	partsPartial    *template.Template
}

// TemplateData holds data for rendering templates
type TemplateData struct {
	Title        string
	Health       HealthData
	Stats        StatsData
	Backends     []BackendData
	Sessions     []SessionData
	Participants []ParticipantData
	MultiBackend bool // true if multiple backends configured
}

// HealthData holds health information
type HealthData struct {
	Status string
	Uptime string
}

// StatsData holds aggregated statistics
type StatsData struct {
	ActiveSessions    int
	TotalParticipants int
	Connections       int
	EventsPublished   int64
}

// BackendData holds backend hub information
type BackendData struct {
	Name     string
	Address  string
	Status   string
	Uptime   string
	Database string
	Redis    string
}

// SessionData holds session info for display
type SessionData struct {
	Server       string // Backend hub name
	ID           string
	ShortID      string
	Name         string
	Participants int
	CreatedAt    string
	TTL          string
}

// ParticipantData holds participant info for display
type ParticipantData struct {
	Server      string // Backend hub name
	SessionID   string
	SessionName string
	UserID      string
	DisplayName string
	AvatarColor string
	JoinedAt    string
	LastSeen    string
}

// NewTemplates parses and returns all templates
func NewTemplates() (*Templates, error) {
	t := &Templates{}

	var err error

	// Parse dashboard template
	t.dashboard, err = template.New("dashboard.html").ParseFS(templatesFS, "templates/dashboard.html")
	if err != nil {
		return nil, err
	}

	// Parse partials
	t.statsPartial, err = template.New("stats.html").ParseFS(templatesFS, "templates/stats.html")
	if err != nil {
		return nil, err
	}

	t.backendsPartial, err = template.New("backends.html").ParseFS(templatesFS, "templates/backends.html")
	if err != nil {
		return nil, err
	}

	t.sessPartial, err = template.New("sessions.html").ParseFS(templatesFS, "templates/sessions.html")
	if err != nil {
		return nil, err
	}

	t.partsPartial, err = template.New("participants.html").ParseFS(templatesFS, "templates/participants.html")
	if err != nil {
		return nil, err
	}

	return t, nil
}

// RenderDashboard renders the main dashboard
func (t *Templates) RenderDashboard(w io.Writer, data TemplateData) error {
	return t.dashboard.Execute(w, data)
}

// RenderStats renders the stats partial
func (t *Templates) RenderStats(w io.Writer, data TemplateData) error {
	return t.statsPartial.Execute(w, data)
}

// RenderBackends renders the backends partial
func (t *Templates) RenderBackends(w io.Writer, data TemplateData) error {
	return t.backendsPartial.Execute(w, data)
}

// RenderSessions renders the sessions partial
func (t *Templates) RenderSessions(w io.Writer, data TemplateData) error {
	return t.sessPartial.Execute(w, data)
}

// RenderParticipants renders the participants partial
func (t *Templates) RenderParticipants(w io.Writer, data TemplateData) error {
	return t.partsPartial.Execute(w, data)
}
