package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/al-bashkir/session-lease/internal/lease"
)

// stateRecord is the on-disk shape of the local mirror.
type stateRecord struct {
	ExpiresAt json.RawMessage `json:"expires_at"`
	WrittenAt int64           `json:"written_at,omitempty"`
}

// StateFile is the local mirror: a small JSON document holding expiresAt
// as epoch milliseconds.
type StateFile struct {
	path string
}

// NewStateFile creates a mirror stored at path.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: filepath.Clean(path)}
}

// Name returns the mirror name.
func (f *StateFile) Name() string { return "state_file" }

// Load reads the stored expiry.
func (f *StateFile) Load(_ context.Context) (time.Time, bool, error) {
	data, err := os.ReadFile(f.path) // #nosec G304 -- path from daemon configuration
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("read state file: %w", err)
	}

	var rec stateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return time.Time{}, false, fmt.Errorf("parse state file: %w", err)
	}
	if len(rec.ExpiresAt) == 0 || string(rec.ExpiresAt) == "null" {
		return time.Time{}, false, nil
	}

	expiresAt, err := lease.ParseTimestamp(rec.ExpiresAt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse state file: %w", err)
	}
	return expiresAt, true, nil
}

// Save writes expiresAt atomically.
func (f *StateFile) Save(_ context.Context, expiresAt time.Time) error {
	data, err := json.Marshal(stateRecord{
		ExpiresAt: json.RawMessage(fmt.Sprintf("%d", lease.UnixMilli(expiresAt))),
		WrittenAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	if err := writeFileAtomic(f.path, data); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

// Clear removes the state file.
func (f *StateFile) Clear(_ context.Context) error {
	if err := removeFile(f.path); err != nil {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}
