// Package daemon orchestrates all the components of the session-lease daemon.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/al-bashkir/session-lease/internal/config"
	"github.com/al-bashkir/session-lease/internal/coordinator"
	"github.com/al-bashkir/session-lease/internal/gate"
	"github.com/al-bashkir/session-lease/internal/httpserver"
	"github.com/al-bashkir/session-lease/internal/ipc"
	"github.com/al-bashkir/session-lease/internal/lease"
	"github.com/al-bashkir/session-lease/internal/metrics"
	"github.com/al-bashkir/session-lease/internal/renewal"
	"github.com/al-bashkir/session-lease/internal/store"
)

// Daemon represents the main daemon process that coordinates all components.
type Daemon struct {
	cfg         *config.Config
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	redisClient *redis.Client
	store       *store.ExpiryStore
	supervisor  *Supervisor
	httpServer  *httpserver.Server
	ipcServer   *ipc.Server
}

// New creates a new daemon with all components initialized.
func New(cfg *config.Config) (*Daemon, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	d := &Daemon{
		cfg:      cfg,
		registry: reg,
		metrics:  m,
	}

	if cfg.Storage.Redis.URL != "" {
		client, err := store.Connect(ctx, cfg.Storage.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		d.redisClient = client
		slog.Info("Redis connected", "key", cfg.Storage.Redis.Key)
	}

	expiryStore, err := store.New(m, buildMirrors(cfg, d.redisClient)...)
	if err != nil {
		d.closeRedis()
		return nil, fmt.Errorf("failed to initialize expiry store: %w", err)
	}
	d.store = expiryStore

	slog.Info("expiry store initialized", "mirrors", expiryStore.Mirrors())

	renewer, err := buildRenewer(ctx, cfg)
	if err != nil {
		d.closeRedis()
		return nil, fmt.Errorf("failed to initialize renewal client: %w", err)
	}

	slog.Info("renewal client initialized", "mode", cfg.Renewal.Mode)

	deps := SupervisorDeps{
		Store:   expiryStore,
		Gate:    buildGate(cfg, d.redisClient),
		Renewer: renewer,
		Clock:   lease.SystemClock{},
		Metrics: m,
	}
	if cfg.Session.LogoutURL != "" {
		deps.Notifier = NewWebhook(cfg.Session.LogoutURL)
	}

	supervisor, err := NewSupervisor(context.Background(), coordinatorConfig(cfg), deps)
	if err != nil {
		d.closeRedis()
		return nil, err
	}
	d.supervisor = supervisor

	httpServer, err := httpserver.NewServer(cfg, supervisor, reg, m)
	if err != nil {
		d.closeRedis()
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}
	d.httpServer = httpServer

	slog.Info("HTTP server initialized",
		"listen", cfg.Listen.HTTP,
		"tls", cfg.TLS.Enabled,
	)

	d.ipcServer = ipc.NewServer(cfg.Listen.Socket, func(ctx context.Context, req *ipc.Request) (*ipc.Response, error) {
		return handleCommand(ctx, cfg, supervisor, req)
	})

	slog.Info("IPC server initialized", "socket", cfg.Listen.Socket)

	return d, nil
}

// coordinatorConfig takes the timing constants from the lease section.
func coordinatorConfig(cfg *config.Config) coordinator.Config {
	return coordinator.Config{
		RenewalThreshold: cfg.Lease.RenewalThreshold,
		TickInterval:     cfg.Lease.TickInterval,
		RenewTimeout:     cfg.Lease.RenewTimeout,
	}
}

// buildMirrors returns the configured mirrors, cookie file first.
func buildMirrors(cfg *config.Config, client *redis.Client) []store.Mirror {
	var mirrors []store.Mirror
	if cfg.Storage.CookieFile != "" {
		mirrors = append(mirrors, store.NewCookieFile(cfg.Storage.CookieFile, cfg.Storage.CookieName))
	}
	if cfg.Storage.StateFile != "" {
		mirrors = append(mirrors, store.NewStateFile(cfg.Storage.StateFile))
	}
	if client != nil {
		mirrors = append(mirrors, store.NewRedis(client, cfg.Storage.Redis.Key))
	}
	return mirrors
}

// buildGate returns the shared Redis gate when configured, a local one
// otherwise.
func buildGate(cfg *config.Config, client *redis.Client) gate.Gate {
	if cfg.Gate.Shared && client != nil {
		return gate.NewShared(client, cfg.Gate.Key, cfg.Lease.Cooldown, cfg.Lease.RenewTimeout)
	}
	return gate.NewLocal(cfg.Lease.Cooldown)
}

// buildRenewer returns the renewal client for the configured mode.
func buildRenewer(ctx context.Context, cfg *config.Config) (renewal.Renewer, error) {
	switch cfg.Renewal.Mode {
	case config.RenewalModeOIDC:
		o := cfg.Renewal.OIDC
		return renewal.NewOIDC(ctx, renewal.OIDCConfig{
			Issuer:           o.Issuer,
			ClientID:         o.ClientID,
			ClientSecret:     o.ClientSecret,
			Scopes:           o.Scopes,
			RefreshTokenFile: o.RefreshTokenFile,
			RequiredRoles:    o.RequiredRoles,
			RoleClaim:        o.RoleClaim,
			Timeout:          cfg.Lease.RenewTimeout,
			LeaseDuration:    cfg.Lease.Duration,
		})
	default:
		return renewal.NewHTTP(renewal.HTTPConfig{
			Endpoint:      cfg.Renewal.Endpoint,
			Method:        cfg.Renewal.Method,
			Headers:       cfg.Renewal.Headers,
			Cookies:       cfg.Renewal.Cookies,
			Timeout:       cfg.Lease.RenewTimeout,
			LeaseDuration: cfg.Lease.Duration,
		})
	}
}

// Run starts all daemon components and blocks until a shutdown signal is
// received or ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting session-lease daemon")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.supervisor.Resume(ctx); err != nil {
		// Storage may come back; the daemon still serves sign-in.
		slog.Error("failed to resume stored session", "error", err)
	}

	if err := d.ipcServer.Start(ctx); err != nil {
		d.supervisor.Close()
		d.closeRedis()
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	httpErrCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received", "reason", context.Cause(ctx))
	case err := <-httpErrCh:
		if err != nil {
			slog.Error("HTTP server failed to start", "error", err)
			runErr = fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	d.shutdown()

	if runErr == nil {
		slog.Info("daemon shutdown complete")
	}
	return runErr
}

// shutdown stops every component. The stored lease is kept so the next
// start resumes the session.
func (d *Daemon) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.ipcServer.Stop(); err != nil {
		slog.Error("error stopping IPC server", "error", err)
	}

	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("error stopping HTTP server", "error", err)
	}

	d.supervisor.Close()
	d.closeRedis()
}

func (d *Daemon) closeRedis() {
	if d.redisClient == nil {
		return
	}
	if err := d.redisClient.Close(); err != nil {
		slog.Warn("failed to close Redis client", "error", err)
	}
}

// handleCommand serves one IPC request against the supervisor.
func handleCommand(ctx context.Context, cfg *config.Config, sup *Supervisor, req *ipc.Request) (*ipc.Response, error) {
	switch req.Command {
	case ipc.CommandStatus:
		// No-op; the snapshot is returned below.

	case ipc.CommandRenew:
		if err := sup.Renew(ctx); err != nil {
			return nil, err
		}

	case ipc.CommandStart:
		now := sup.deps.Clock.Now()
		expiresAt := now.Add(cfg.Lease.Duration)
		if len(req.ExpiresAt) > 0 && string(req.ExpiresAt) != "null" {
			t, err := lease.ParseTimestamp(req.ExpiresAt)
			if err != nil {
				return nil, err
			}
			expiresAt = t
		}
		if !expiresAt.After(now) {
			return nil, fmt.Errorf("%w: expires_at is in the past", lease.ErrInvalidTimestamp)
		}
		if err := sup.Begin(ctx, expiresAt); err != nil {
			return nil, err
		}

	case ipc.CommandLogout:
		if err := sup.Logout(ctx); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unsupported command %q", req.Command)
	}

	st := sup.Status().Status()
	return &ipc.Response{Status: ipc.StatusOK, Session: &st}, nil
}
