package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/al-bashkir/session-lease/internal/coordinator"
	"github.com/al-bashkir/session-lease/internal/gate"
	"github.com/al-bashkir/session-lease/internal/lease"
	"github.com/al-bashkir/session-lease/internal/logsanitize"
)

const maxStartBody = 4 << 10

// startRequest is the body of POST /session/start. ExpiresAt accepts every
// timestamp shape lease.ParseTimestamp does; when absent a full lease is
// granted.
type startRequest struct {
	ExpiresAt json.RawMessage `json:"expires_at"`
}

// handleStatus returns the current snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "session not available")
		return
	}
	snap := s.session.Status()
	s.refreshCookie(w, r, snap)
	writeJSON(w, http.StatusOK, snap.Status())
}

// handleRenew asks the coordinator for an immediate renewal.
func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "session not available")
		return
	}

	err := s.session.Renew(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, s.session.Status().Status())
	case errors.Is(err, gate.ErrDenied):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, coordinator.ErrExpired),
		errors.Is(err, coordinator.ErrNoLease),
		errors.Is(err, coordinator.ErrStopped):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("manual renewal failed", "error", err)
		writeError(w, http.StatusInternalServerError, "renewal failed")
	}
}

// handleStart begins a session from the auth layer's lease.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "session not available")
		return
	}

	now := s.clock.Now()
	expiresAt := now.Add(s.cfg.Lease.Duration)

	var req startRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxStartBody))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.ExpiresAt) > 0 && string(req.ExpiresAt) != "null" {
		t, err := lease.ParseTimestamp(req.ExpiresAt)
		if err != nil {
			slog.Warn("rejected session start", // #nosec G706 -- values sanitized via logsanitize
				"expires_at", logsanitize.Sanitize(string(req.ExpiresAt)),
				"error", err,
			)
			writeError(w, http.StatusBadRequest, "invalid expires_at")
			return
		}
		expiresAt = t
	}
	if !expiresAt.After(now) {
		writeError(w, http.StatusBadRequest, "expires_at is in the past")
		return
	}

	if err := s.session.Begin(r.Context(), expiresAt); err != nil {
		slog.Error("failed to begin session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to begin session")
		return
	}

	s.setCookie(w, expiresAt)
	writeJSON(w, http.StatusOK, s.session.Status().Status())
}

// handleLogout ends the session on demand.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "session not available")
		return
	}

	if err := s.session.Logout(r.Context()); err != nil {
		slog.Error("logout failed", "error", err)
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}

	http.SetCookie(w, lease.ExpiredCookie(s.cookieName()))
	w.WriteHeader(http.StatusNoContent)
}

// handleCountdown renders the remaining time, refreshed every second.
func (s *Server) handleCountdown(w http.ResponseWriter, r *http.Request) {
	if !s.fresh(r) {
		http.SetCookie(w, lease.ExpiredCookie(s.cookieName()))
		s.renderExpired(w)
		return
	}

	snap := s.session.Status()
	s.refreshCookie(w, r, snap)
	s.renderCountdown(w, snap)
}

// handleDashboard proxies to the upstream dashboard while the session is
// fresh and sends the browser to sign in otherwise.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if !s.fresh(r) {
		s.redirectToSignIn(w, r)
		return
	}

	s.refreshCookie(w, r, s.session.Status())

	if s.proxy == nil {
		http.Redirect(w, r, "/session/countdown", http.StatusFound)
		return
	}
	s.proxy.ServeHTTP(w, r)
}

func (s *Server) handleProxyError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("upstream request failed", // #nosec G706 -- values sanitized via logsanitize
		"path", logsanitize.Sanitize(r.URL.Path),
		"error", err,
	)
	http.Error(w, "Bad Gateway", http.StatusBadGateway)
}

// fresh reports whether the request carries an unexpired lease cookie and
// the coordinator has not ended the session.
func (s *Server) fresh(r *http.Request) bool {
	if s.session == nil {
		return false
	}
	if s.session.Status().State == coordinator.Expired {
		return false
	}
	expiresAt, ok := lease.ExpiryFromRequest(r, s.cookieName())
	return ok && expiresAt.After(s.clock.Now())
}

func (s *Server) redirectToSignIn(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, lease.ExpiredCookie(s.cookieName()))
	http.Redirect(w, r, s.cfg.Session.SignInURL, http.StatusFound)
}

// refreshCookie moves the client's cookie forward after a renewal.
func (s *Server) refreshCookie(w http.ResponseWriter, r *http.Request, snap coordinator.Snapshot) {
	if snap.State == coordinator.Expired || snap.ExpiresAt.IsZero() {
		return
	}
	current, ok := lease.ExpiryFromRequest(r, s.cookieName())
	if ok && current.Equal(snap.ExpiresAt.Truncate(time.Millisecond)) {
		return
	}
	s.setCookie(w, snap.ExpiresAt)
}

func (s *Server) setCookie(w http.ResponseWriter, expiresAt time.Time) {
	c := lease.NewCookie(s.cookieName(), expiresAt)
	c.Secure = s.cfg.Session.CookieSecure
	http.SetCookie(w, c)
}

func (s *Server) cookieName() string {
	if s.cfg.Storage.CookieName != "" {
		return s.cfg.Storage.CookieName
	}
	return lease.DefaultCookieName
}
