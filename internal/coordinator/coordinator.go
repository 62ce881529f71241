// Package coordinator drives the session lease: a periodic tick reads the
// expiry store, renews the lease through the gate when it runs low, ends the
// session when it runs out, and publishes the remaining time.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/al-bashkir/session-lease/internal/gate"
	"github.com/al-bashkir/session-lease/internal/lease"
	"github.com/al-bashkir/session-lease/internal/metrics"
	"github.com/al-bashkir/session-lease/internal/renewal"
)

var (
	// ErrExpired is the reason given to the logout collaborator when the
	// lease ran out, and is returned by RenewNow once the session ended.
	ErrExpired = errors.New("session expired")

	// ErrNoLease means the expiry store holds no lease.
	ErrNoLease = errors.New("no session lease")

	// ErrStopped is returned by RenewNow after Stop.
	ErrStopped = errors.New("coordinator stopped")

	errAlreadyStarted = errors.New("coordinator already started")
)

// Defaults for Config.
const (
	DefaultRenewalThreshold = 5 * time.Minute
	DefaultTickInterval     = time.Second
)

// State is the coordinator state.
type State int

const (
	Active State = iota
	Renewing
	Expired
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Renewing:
		return "renewing"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateNames lists every state label, for metrics.
var StateNames = []string{Active.String(), Renewing.String(), Expired.String()}

// Snapshot is what the coordinator publishes after every tick.
type Snapshot struct {
	State         State
	ExpiresAt     time.Time
	Remaining     time.Duration
	Display       string
	LastRenewalAt time.Time
	// Reason is set once the session has ended.
	Reason string
}

// Publisher receives snapshots. Publish is called on the coordinator's loop
// goroutine and must not block.
type Publisher interface {
	Publish(Snapshot)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Snapshot)

// Publish calls f(s).
func (f PublisherFunc) Publish(s Snapshot) { f(s) }

// LogoutFunc forces the end of the session. It is invoked exactly once, on
// the loop goroutine, and must not call Stop.
type LogoutFunc func(ctx context.Context, reason error)

// Store is the part of the expiry store the coordinator needs.
type Store interface {
	Read(ctx context.Context) (time.Time, bool, error)
	Write(ctx context.Context, expiresAt time.Time) error
}

// Config holds the timing constants.
type Config struct {
	RenewalThreshold time.Duration
	TickInterval     time.Duration
	RenewTimeout     time.Duration
}

// Deps are the coordinator's collaborators. Store, Gate and Renewer are
// required.
type Deps struct {
	Store     Store
	Gate      gate.Gate
	Renewer   renewal.Renewer
	Clock     lease.Clock
	Logout    LogoutFunc
	Publisher Publisher
	Metrics   *metrics.Metrics
}

type renewResult struct {
	lease renewal.Lease
	err   error
	took  time.Duration
}

type renewRequest struct {
	reply chan error
}

// Coordinator is one session's lifetime loop. Create a new one for every
// authenticated session; Expired is terminal.
type Coordinator struct {
	cfg  Config
	deps Deps

	logger    *slog.Logger
	newTicker func(time.Duration) (<-chan time.Time, func())

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	finished chan struct{}
	wg       sync.WaitGroup

	results   chan renewResult
	renewReqs chan renewRequest

	// Owned by the loop goroutine.
	state         State
	expiresAt     time.Time
	lastRenewalAt time.Time
	reason        error
	failures      int
	cancelRenew   context.CancelFunc
	logoutOnce    sync.Once

	mu       sync.RWMutex
	snapshot Snapshot
}

// New creates a coordinator in the Active state. It does nothing until
// Start is called.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Store == nil || deps.Gate == nil || deps.Renewer == nil {
		return nil, errors.New("coordinator needs a store, a gate and a renewer")
	}
	if cfg.RenewalThreshold <= 0 {
		cfg.RenewalThreshold = DefaultRenewalThreshold
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.RenewTimeout <= 0 {
		cfg.RenewTimeout = renewal.DefaultTimeout
	}
	if deps.Clock == nil {
		deps.Clock = lease.SystemClock{}
	}

	return &Coordinator{
		cfg:       cfg,
		deps:      deps,
		logger:    slog.Default().With("component", "coordinator"),
		newTicker: systemTicker,
		stop:      make(chan struct{}),
		finished:  make(chan struct{}),
		results:   make(chan renewResult, 1),
		renewReqs: make(chan renewRequest),
		snapshot:  Snapshot{State: Active, Display: lease.ZeroDisplay},
	}, nil
}

func systemTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Start launches the tick loop and performs the first check immediately.
// Cancelling ctx stops the loop like Stop does.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errAlreadyStarted
	}

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop halts the loop, cancels an in-flight renewal and waits for every
// goroutine to finish. It is safe to call more than once and does not
// trigger a logout.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	c.wg.Wait()
}

// Done is closed once the loop has exited, by expiry or by Stop.
func (c *Coordinator) Done() <-chan struct{} {
	return c.finished
}

// Snapshot returns the last published snapshot.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// RenewNow asks the loop to renew immediately, still through the gate. It
// returns once the attempt has started; gate.ErrDenied if another attempt is
// in flight or cooling down.
func (c *Coordinator) RenewNow(ctx context.Context) error {
	req := renewRequest{reply: make(chan error, 1)}

	select {
	case c.renewReqs <- req:
	case <-c.finished:
		return c.finishedErr()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) finishedErr() error {
	if c.Snapshot().State == Expired {
		return ErrExpired
	}
	return ErrStopped
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.finished)

	tickC, stopTicker := c.newTicker(c.cfg.TickInterval)
	defer stopTicker()

	c.logger.Info("session coordinator started",
		"renewal_threshold", c.cfg.RenewalThreshold,
		"tick_interval", c.cfg.TickInterval,
	)

	c.safeTick(ctx)

	for c.state != Expired {
		select {
		case <-c.stop:
			c.abortRenewal(ctx)
			c.logger.Info("session coordinator stopped")
			return
		case <-ctx.Done():
			c.abortRenewal(ctx)
			c.logger.Info("session coordinator stopped", "reason", ctx.Err())
			return
		case <-tickC:
			c.safeTick(ctx)
		case res := <-c.results:
			c.finishRenewal(ctx, res)
		case req := <-c.renewReqs:
			req.reply <- c.renewNow(ctx)
		}
	}
}

// safeTick runs one tick. Errors and panics are logged and counted; they
// end the session only if the last known lease has run out.
func (c *Coordinator) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.tickFailed(ctx, fmt.Errorf("panic: %v", r), debug.Stack())
		}
	}()

	if err := c.tick(ctx); err != nil {
		c.tickFailed(ctx, err, nil)
		return
	}
	c.failures = 0
}

func (c *Coordinator) tick(ctx context.Context) error {
	expiresAt, ok, err := c.deps.Store.Read(ctx)
	if err != nil {
		return fmt.Errorf("read expiry: %w", err)
	}
	now := c.deps.Clock.Now()

	if !ok {
		c.expire(ctx, ErrNoLease)
		return nil
	}
	c.expiresAt = expiresAt

	remaining := lease.Remaining(expiresAt, now)
	if remaining <= 0 {
		c.expire(ctx, ErrExpired)
		return nil
	}

	if c.state == Active && remaining < c.cfg.RenewalThreshold {
		if err := c.startRenewal(ctx, now); err != nil && !errors.Is(err, gate.ErrDenied) {
			return err
		}
	}

	c.publish(now)
	return nil
}

func (c *Coordinator) tickFailed(ctx context.Context, err error, stack []byte) {
	c.failures++
	c.deps.Metrics.TickFailed()

	attrs := []any{"error", err, "consecutive_failures", c.failures}
	if stack != nil {
		attrs = append(attrs, "stack", string(stack))
	}
	c.logger.Warn("tick failed", attrs...)

	if c.state == Expired {
		return
	}
	now := c.deps.Clock.Now()
	if !c.expiresAt.IsZero() && lease.Remaining(c.expiresAt, now) <= 0 {
		c.expire(ctx, ErrExpired)
		return
	}
	c.publish(now)
}

func (c *Coordinator) renewNow(ctx context.Context) error {
	switch c.state {
	case Expired:
		return ErrExpired
	case Renewing:
		c.deps.Metrics.GateDenied()
		return gate.ErrDenied
	}
	return c.startRenewal(ctx, c.deps.Clock.Now())
}

// startRenewal asks the gate and, if granted, runs the renewer on a helper
// goroutine. The result comes back through c.results.
func (c *Coordinator) startRenewal(ctx context.Context, now time.Time) error {
	if !c.deps.Gate.TryAcquire(ctx, now) {
		c.deps.Metrics.GateDenied()
		c.logger.Debug("renewal skipped by gate")
		return gate.ErrDenied
	}

	c.state = Renewing
	c.publish(now)

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RenewTimeout)
	c.cancelRenew = cancel

	c.logger.Info("renewing session lease",
		"expires_at", lease.FormatISO(c.expiresAt),
		"remaining", lease.Remaining(c.expiresAt, now).Round(time.Second),
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		start := time.Now()
		l, err := c.deps.Renewer.Renew(rctx)
		c.results <- renewResult{lease: l, err: err, took: time.Since(start)}
	}()
	return nil
}

func (c *Coordinator) finishRenewal(ctx context.Context, res renewResult) {
	if c.cancelRenew != nil {
		c.cancelRenew()
		c.cancelRenew = nil
	}
	now := c.deps.Clock.Now()
	c.deps.Metrics.ObserveRenewal(renewal.Classify(res.err), res.took.Seconds())

	if res.err != nil {
		c.deps.Gate.Release(ctx, now)
		c.logger.Warn("session renewal failed",
			"attempt_id", res.lease.AttemptID,
			"result", renewal.Classify(res.err),
			"error", res.err,
		)
		c.expire(ctx, fmt.Errorf("renewal failed: %w", res.err))
		return
	}

	if err := c.deps.Store.Write(ctx, res.lease.ExpiresAt); err != nil {
		// The in-memory lease still drives this loop.
		c.logger.Error("failed to persist renewed lease", "error", err)
	}
	c.deps.Gate.Release(ctx, now)

	c.state = Active
	c.expiresAt = res.lease.ExpiresAt
	c.lastRenewalAt = now
	c.logger.Info("session lease renewed",
		"attempt_id", res.lease.AttemptID,
		"expires_at", lease.FormatISO(res.lease.ExpiresAt),
		"took", res.took,
	)
	c.publish(now)
}

// abortRenewal cancels an in-flight renewal, waits for its result and
// releases the gate.
func (c *Coordinator) abortRenewal(ctx context.Context) {
	if c.cancelRenew == nil {
		return
	}
	c.cancelRenew()
	c.cancelRenew = nil

	res := <-c.results
	c.deps.Metrics.ObserveRenewal(renewal.Classify(res.err), res.took.Seconds())
	c.deps.Gate.Release(ctx, c.deps.Clock.Now())
}

// expire moves to the terminal state and invokes logout exactly once.
func (c *Coordinator) expire(ctx context.Context, reason error) {
	if c.state == Expired {
		return
	}
	c.abortRenewal(ctx)

	c.state = Expired
	c.reason = reason
	now := c.deps.Clock.Now()
	c.publish(now)

	c.logger.Warn("session ended", "reason", reason)

	c.logoutOnce.Do(func() {
		c.deps.Metrics.LoggedOut()
		if c.deps.Logout != nil {
			c.deps.Logout(ctx, reason)
		}
	})
}

// publish computes and distributes the snapshot. It never touches the lease.
func (c *Coordinator) publish(now time.Time) {
	s := Snapshot{
		State:         c.state,
		ExpiresAt:     c.expiresAt,
		LastRenewalAt: c.lastRenewalAt,
	}
	if c.state != Expired && !c.expiresAt.IsZero() {
		s.Remaining = lease.Remaining(c.expiresAt, now)
		if s.Remaining < 0 {
			s.Remaining = 0
		}
	}
	s.Display = lease.FormatRemaining(s.Remaining)
	if c.reason != nil {
		s.Reason = c.reason.Error()
	}

	c.mu.Lock()
	c.snapshot = s
	c.mu.Unlock()

	c.deps.Metrics.SetState(s.State.String(), StateNames)
	c.deps.Metrics.SetRemaining(s.Remaining.Seconds())

	if c.deps.Publisher != nil {
		c.deps.Publisher.Publish(s)
	}
}

// Status is the wire form of a Snapshot, served over HTTP and the socket.
type Status struct {
	State         string `json:"state"`
	ExpiresAt     string `json:"expires_at,omitempty"`
	RemainingMS   int64  `json:"remaining_ms"`
	Display       string `json:"display"`
	LastRenewalAt string `json:"last_renewal_at,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Status converts the snapshot to its wire form.
func (s Snapshot) Status() Status {
	st := Status{
		State:       s.State.String(),
		RemainingMS: s.Remaining.Milliseconds(),
		Display:     s.Display,
		Reason:      s.Reason,
	}
	if st.RemainingMS < 0 {
		st.RemainingMS = 0
	}
	if st.Display == "" {
		st.Display = lease.ZeroDisplay
	}
	if !s.ExpiresAt.IsZero() {
		st.ExpiresAt = lease.FormatISO(s.ExpiresAt)
	}
	if !s.LastRenewalAt.IsZero() {
		st.LastRenewalAt = lease.FormatISO(s.LastRenewalAt)
	}
	return st
}
