package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/al-bashkir/session-lease/internal/coordinator"
	"github.com/al-bashkir/session-lease/internal/gate"
	"github.com/al-bashkir/session-lease/internal/lease"
	"github.com/al-bashkir/session-lease/internal/metrics"
	"github.com/al-bashkir/session-lease/internal/renewal"
)

// errLoggedOut is the reason recorded when the session is ended on demand.
var errLoggedOut = errors.New("logged out")

// LeaseStore is the expiry store as the supervisor uses it.
type LeaseStore interface {
	coordinator.Store
	Clear(ctx context.Context) error
}

// Notifier is told when a session ends.
type Notifier interface {
	Notify(ctx context.Context, ev LogoutEvent) error
}

// SupervisorDeps are the collaborators shared by every session.
type SupervisorDeps struct {
	Store    LeaseStore
	Gate     gate.Gate
	Renewer  renewal.Renewer
	Clock    lease.Clock
	Metrics  *metrics.Metrics
	Notifier Notifier // optional
}

// Supervisor runs one coordinator per authenticated session and owns the
// forced logout.
type Supervisor struct {
	cfg  coordinator.Config
	deps SupervisorDeps

	// newCoordinator is swapped in tests.
	newCoordinator func(coordinator.Config, coordinator.Deps) (*coordinator.Coordinator, error)

	// Coordinator loops run under baseCtx rather than the request that
	// started them.
	baseCtx context.Context
	logger  *slog.Logger

	// mu guards the fields below and every store write or clear made on
	// behalf of a session. It is never held while stopping a coordinator.
	mu      sync.Mutex
	current *coordinator.Coordinator
	gen     uint64
	ended   coordinator.Snapshot
	closed  bool
}

// NewSupervisor creates a supervisor with no active session.
func NewSupervisor(ctx context.Context, cfg coordinator.Config, deps SupervisorDeps) (*Supervisor, error) {
	if deps.Store == nil || deps.Gate == nil || deps.Renewer == nil {
		return nil, errors.New("supervisor needs a store, a gate and a renewer")
	}
	if deps.Clock == nil {
		deps.Clock = lease.SystemClock{}
	}

	return &Supervisor{
		cfg:            cfg,
		deps:           deps,
		newCoordinator: coordinator.New,
		baseCtx:        context.WithoutCancel(ctx),
		logger:         slog.Default().With("component", "supervisor"),
		ended:          endedSnapshot(coordinator.ErrNoLease),
	}, nil
}

func endedSnapshot(reason error) coordinator.Snapshot {
	return coordinator.Snapshot{
		State:   coordinator.Expired,
		Display: lease.ZeroDisplay,
		Reason:  reason.Error(),
	}
}

// Resume starts a coordinator for a lease left by a previous run. Without a
// stored lease the daemon waits for Begin.
func (s *Supervisor) Resume(ctx context.Context) error {
	expiresAt, ok, err := s.deps.Store.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stored lease: %w", err)
	}
	if !ok {
		s.logger.Info("no stored session lease, waiting for sign-in")
		return nil
	}

	s.logger.Info("resuming stored session lease",
		"expires_at", lease.FormatISO(expiresAt),
		"remaining", lease.Remaining(expiresAt, s.deps.Clock.Now()).Round(time.Second),
	)
	return s.launch(nil)
}

// Begin records a fresh lease from the auth layer and replaces the running
// coordinator with one for the new session.
func (s *Supervisor) Begin(ctx context.Context, expiresAt time.Time) error {
	return s.launch(func() error {
		if err := s.deps.Store.Write(ctx, expiresAt); err != nil {
			return fmt.Errorf("failed to store lease: %w", err)
		}
		s.logger.Info("session started", "expires_at", lease.FormatISO(expiresAt))
		return nil
	})
}

// launch runs prepare and swaps in a new coordinator under mu, then stops
// the previous one.
func (s *Supervisor) launch(prepare func() error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return coordinator.ErrStopped
	}
	if prepare != nil {
		if err := prepare(); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	s.gen++
	gen := s.gen
	c, err := s.newCoordinator(s.cfg, coordinator.Deps{
		Store:   s.deps.Store,
		Gate:    s.deps.Gate,
		Renewer: s.deps.Renewer,
		Clock:   s.deps.Clock,
		Metrics: s.deps.Metrics,
		Logout: func(ctx context.Context, reason error) {
			s.forceLogout(ctx, gen, reason)
		},
	})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	old := s.current
	s.current = c
	s.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	return c.Start(s.baseCtx)
}

// Status returns the current session snapshot. Once a session has ended
// the snapshot stays Expired until the next Begin.
func (s *Supervisor) Status() coordinator.Snapshot {
	s.mu.Lock()
	c, ended := s.current, s.ended
	s.mu.Unlock()

	if c == nil {
		return ended
	}
	return c.Snapshot()
}

// Renew asks the running coordinator for an immediate renewal.
func (s *Supervisor) Renew(ctx context.Context) error {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()

	if c == nil {
		return coordinator.ErrNoLease
	}
	return c.RenewNow(ctx)
}

// Logout ends the session on demand: the coordinator is stopped, every
// mirror cleared and the logout webhook notified.
func (s *Supervisor) Logout(ctx context.Context) error {
	s.mu.Lock()
	old := s.current
	s.current = nil
	s.gen++
	gen := s.gen
	s.ended = endedSnapshot(errLoggedOut)
	s.mu.Unlock()

	// A session that already expired has been announced.
	notify := old != nil && old.Snapshot().State != coordinator.Expired
	if old != nil {
		old.Stop()
	}

	return s.endSession(ctx, gen, errLoggedOut, notify)
}

// forceLogout is the coordinator's logout collaborator. It runs on the
// coordinator's loop goroutine and must not stop it.
func (s *Supervisor) forceLogout(ctx context.Context, gen uint64, reason error) {
	if err := s.endSession(ctx, gen, reason, true); err != nil {
		s.logger.Error("forced logout incomplete", "error", err)
	}
}

// endSession clears the stored lease and notifies the webhook, unless a
// newer session replaced generation gen in the meantime. Webhook failures
// are logged only.
func (s *Supervisor) endSession(ctx context.Context, gen uint64, reason error, notify bool) error {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.logger.Info("session already replaced, skipping logout", "reason", reason)
		return nil
	}
	clearErr := s.deps.Store.Clear(ctx)
	s.mu.Unlock()

	s.logger.Warn("session ended", "reason", reason)

	if notify && s.deps.Notifier != nil {
		ev := LogoutEvent{
			Reason:  reason.Error(),
			EndedAt: lease.FormatISO(s.deps.Clock.Now()),
		}
		if err := s.deps.Notifier.Notify(ctx, ev); err != nil {
			s.logger.Error("failed to notify logout webhook", "error", err)
		}
	}

	if clearErr != nil {
		return fmt.Errorf("failed to clear stored lease: %w", clearErr)
	}
	return nil
}

// Close stops the running coordinator without ending the session; the
// stored lease is resumed on the next start.
func (s *Supervisor) Close() {
	s.mu.Lock()
	c := s.current
	s.closed = true
	s.mu.Unlock()

	if c != nil {
		c.Stop()
	}
}
