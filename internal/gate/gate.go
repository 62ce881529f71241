// Package gate serializes session renewal attempts and enforces a cooldown
// between them.
package gate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDenied is reported when a renewal could not start because another
// attempt is in flight or the cooldown has not elapsed. It is an expected
// condition, not a failure.
var ErrDenied = errors.New("renewal gate denied")

// DefaultCooldown is the minimum time between two renewal attempts.
const DefaultCooldown = 60 * time.Second

// Gate guards renewal attempts. TryAcquire must be paired with exactly one
// Release once the attempt has finished, whatever its outcome.
type Gate interface {
	TryAcquire(ctx context.Context, now time.Time) bool
	Release(ctx context.Context, now time.Time)
}

// State is the gate's attempt state.
type State int

const (
	Idle State = iota
	InFlight
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Local is an in-process gate.
type Local struct {
	mu            sync.Mutex
	cooldown      time.Duration
	state         State
	lastAttemptAt time.Time
}

// NewLocal creates a local gate with the given cooldown.
func NewLocal(cooldown time.Duration) *Local {
	if cooldown < 0 {
		cooldown = 0
	}
	return &Local{cooldown: cooldown}
}

// TryAcquire moves the gate to InFlight if it is idle and the cooldown since
// the last completed attempt has elapsed.
func (g *Local) TryAcquire(_ context.Context, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == InFlight {
		return false
	}
	if !g.lastAttemptAt.IsZero() && now.Sub(g.lastAttemptAt) < g.cooldown {
		return false
	}

	g.state = InFlight
	return true
}

// Release returns the gate to Idle and starts the cooldown at now.
func (g *Local) Release(_ context.Context, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = Idle
	g.lastAttemptAt = now
}

// State returns the current state and the time the last attempt completed.
func (g *Local) State() (State, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, g.lastAttemptAt
}
