package httpserver

import (
	"context"
	"crypto/tls"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/al-bashkir/session-lease/internal/config"
	"github.com/al-bashkir/session-lease/internal/coordinator"
	"github.com/al-bashkir/session-lease/internal/lease"
	"github.com/al-bashkir/session-lease/internal/metrics"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Session is the daemon's view of the current session lease.
type Session interface {
	Status() coordinator.Snapshot
	Renew(ctx context.Context) error
	Begin(ctx context.Context, expiresAt time.Time) error
	Logout(ctx context.Context) error
}

// Server is the HTTP surface of the daemon: session API, countdown page,
// metrics and the freshness-gated proxy to the dashboard.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	mux        *http.ServeMux
	templates  *template.Template
	session    Session
	clock      lease.Clock
	limiter    *IPRateLimiter
	metrics    *metrics.Metrics
	proxy      *httputil.ReverseProxy
}

// NewServer creates a new HTTP server. gatherer may be nil, in which case
// /metrics is not served.
func NewServer(cfg *config.Config, session Session, gatherer prometheus.Gatherer, m *metrics.Metrics) (*Server, error) {
	templates, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		templates: templates,
		session:   session,
		clock:     lease.SystemClock{},
		limiter:   newIPRateLimiter(10, 50),
		metrics:   m,
	}

	if cfg.Session.Upstream != "" {
		target, err := url.Parse(cfg.Session.Upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream URL: %w", err)
		}
		s.proxy = httputil.NewSingleHostReverseProxy(target)
		s.proxy.ErrorHandler = s.handleProxyError
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /session", s.handleStatus)
	s.mux.HandleFunc("POST /session/renew", s.handleRenew)
	s.mux.HandleFunc("POST /session/start", s.handleStart)
	s.mux.HandleFunc("POST /session/logout", s.handleLogout)
	s.mux.HandleFunc("GET /session/countdown", s.handleCountdown)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	s.mux.HandleFunc("/", s.handleDashboard)

	// Wrap with middleware
	handler := loggingMiddleware(s.mux)
	handler = s.metricsMiddleware(handler)
	handler = recoveryMiddleware(handler)
	handler = s.rateLimitMiddleware(handler)
	handler = securityHeadersMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Listen.HTTP,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLS.Enabled {
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	return s, nil
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting HTTP server",
		"addr", s.cfg.Listen.HTTP,
		"tls", s.cfg.TLS.Enabled,
		"upstream", s.cfg.Session.Upstream,
	)

	if s.cfg.TLS.Enabled {
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	defer s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
