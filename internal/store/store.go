// Package store keeps the session lease expiry in several redundant mirrors
// and resolves disagreements between them.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/al-bashkir/session-lease/internal/metrics"
)

// ErrStorageUnavailable is returned when no mirror could serve an operation.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ExpiryStore is the single source of truth for the lease's expiresAt.
// Writes go to every mirror; reads return the most future value found and
// heal mirrors that lag behind it. It is safe for concurrent use.
type ExpiryStore struct {
	mu      sync.Mutex
	mirrors []Mirror
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an ExpiryStore over mirrors. At least one mirror is required.
func New(m *metrics.Metrics, mirrors ...Mirror) (*ExpiryStore, error) {
	if len(mirrors) == 0 {
		return nil, errors.New("expiry store needs at least one mirror")
	}
	return &ExpiryStore{
		mirrors: mirrors,
		metrics: m,
		logger:  slog.Default().With("component", "expiry_store"),
	}, nil
}

// Mirrors returns the names of the configured mirrors.
func (s *ExpiryStore) Mirrors() []string {
	names := make([]string, 0, len(s.mirrors))
	for _, m := range s.mirrors {
		names = append(names, m.Name())
	}
	return names
}

type mirrorValue struct {
	mirror    Mirror
	expiresAt time.Time
	ok        bool
}

// Read returns the current expiresAt. If mirrors disagree, the maximum wins
// and every lagging mirror is re-synchronized to it. ok is false when no
// mirror holds a value.
func (s *ExpiryStore) Read(ctx context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := make([]mirrorValue, 0, len(s.mirrors))
	var (
		latest time.Time
		found  bool
		failed int
	)

	for _, m := range s.mirrors {
		t, ok, err := m.Load(ctx)
		if err != nil {
			failed++
			s.mirrorFailed(m, "load", err)
			continue
		}
		values = append(values, mirrorValue{mirror: m, expiresAt: t, ok: ok})
		if ok && (!found || t.After(latest)) {
			latest = t
			found = true
		}
	}

	if failed == len(s.mirrors) {
		return time.Time{}, false, fmt.Errorf("%w: every mirror failed to load", ErrStorageUnavailable)
	}
	if !found {
		return time.Time{}, false, nil
	}

	for _, v := range values {
		if v.ok && v.expiresAt.Equal(latest) {
			continue
		}
		if err := v.mirror.Save(ctx, latest); err != nil {
			s.mirrorFailed(v.mirror, "save", err)
			continue
		}
		s.logger.Debug("mirror re-synchronized",
			"mirror", v.mirror.Name(),
			"expires_at", latest,
		)
	}

	return latest, true, nil
}

// Write stores expiresAt in every mirror. Individual mirror failures are
// logged and skipped; an error is returned only if every mirror failed.
func (s *ExpiryStore) Write(ctx context.Context, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := 0
	for _, m := range s.mirrors {
		if err := m.Save(ctx, expiresAt); err != nil {
			failed++
			s.mirrorFailed(m, "save", err)
		}
	}

	if failed == len(s.mirrors) {
		return fmt.Errorf("%w: every mirror failed to save", ErrStorageUnavailable)
	}
	return nil
}

// Clear removes the value from every mirror, with the same failure policy
// as Write.
func (s *ExpiryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := 0
	for _, m := range s.mirrors {
		if err := m.Clear(ctx); err != nil {
			failed++
			s.mirrorFailed(m, "clear", err)
		}
	}

	if failed == len(s.mirrors) {
		return fmt.Errorf("%w: every mirror failed to clear", ErrStorageUnavailable)
	}
	return nil
}

func (s *ExpiryStore) mirrorFailed(m Mirror, op string, err error) {
	s.metrics.MirrorFailed(m.Name(), op)
	s.logger.Warn("mirror operation failed",
		"mirror", m.Name(),
		"op", op,
		"error", fmt.Errorf("%w: %v", ErrStorageUnavailable, err),
	)
}
