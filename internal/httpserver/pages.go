package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/al-bashkir/session-lease/internal/coordinator"
	"github.com/al-bashkir/session-lease/internal/lease"
)

// countdownData feeds countdown.html.
type countdownData struct {
	Display   string
	State     string
	ExpiresAt string
	Renewing  bool
}

// renderCountdown renders the countdown page
func (s *Server) renderCountdown(w http.ResponseWriter, snap coordinator.Snapshot) {
	data := countdownData{
		Display:  snap.Display,
		State:    snap.State.String(),
		Renewing: snap.State == coordinator.Renewing,
	}
	if data.Display == "" {
		data.Display = lease.ZeroDisplay
	}
	if !snap.ExpiresAt.IsZero() {
		data.ExpiresAt = lease.FormatISO(snap.ExpiresAt)
	}

	s.render(w, http.StatusOK, "countdown.html", data)
}

// renderExpired renders the session-ended page
func (s *Server) renderExpired(w http.ResponseWriter) {
	data := map[string]string{
		"SignInURL": s.cfg.Session.SignInURL,
		"Display":   lease.ZeroDisplay,
	}

	s.render(w, http.StatusOK, "expired.html", data)
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		slog.Error("failed to render template", "template", name, "error", err)
	}
}
