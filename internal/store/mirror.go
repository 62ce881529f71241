package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Mirror is one storage location holding a copy of the lease expiry.
type Mirror interface {
	// Name identifies the mirror in logs and metrics.
	Name() string
	// Load returns the stored expiry. ok is false when nothing is stored.
	Load(ctx context.Context) (expiresAt time.Time, ok bool, err error)
	// Save stores expiresAt, replacing any previous value.
	Save(ctx context.Context, expiresAt time.Time) error
	// Clear removes the stored value. Clearing an empty mirror is not an error.
	Clear(ctx context.Context) error
}

// Memory is an in-process mirror.
type Memory struct {
	mu        sync.Mutex
	name      string
	expiresAt time.Time
	set       bool
}

// NewMemory creates an empty in-memory mirror.
func NewMemory(name string) *Memory {
	return &Memory{name: name}
}

// Name returns the mirror name.
func (m *Memory) Name() string { return m.name }

// Load returns the stored expiry.
func (m *Memory) Load(_ context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiresAt, m.set, nil
}

// Save stores expiresAt.
func (m *Memory) Save(_ context.Context, expiresAt time.Time) error {
	m.mu.Lock()
	m.expiresAt = expiresAt
	m.set = true
	m.mu.Unlock()
	return nil
}

// Clear removes the stored value.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	m.expiresAt = time.Time{}
	m.set = false
	m.mu.Unlock()
	return nil
}

// writeFileAtomic writes data to a temp file next to path, fsyncs it and
// renames it over path. On any error the temp file is removed.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
