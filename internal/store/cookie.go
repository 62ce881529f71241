package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/al-bashkir/session-lease/internal/lease"
)

// CookieFile is the durable cookie mirror. The file holds a single
// Set-Cookie value whose payload is expiresAt as ISO-8601, the same cookie
// the HTTP surface hands to browsers.
type CookieFile struct {
	path string
	name string
}

// NewCookieFile creates a cookie mirror stored at path for the cookie name.
func NewCookieFile(path, name string) *CookieFile {
	if name == "" {
		name = lease.DefaultCookieName
	}
	return &CookieFile{path: filepath.Clean(path), name: name}
}

// Name returns the mirror name.
func (c *CookieFile) Name() string { return "cookie" }

// Load reads the stored cookie.
func (c *CookieFile) Load(_ context.Context) (time.Time, bool, error) {
	data, err := os.ReadFile(c.path) // #nosec G304 -- path from daemon configuration
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("read cookie file: %w", err)
	}

	line := strings.TrimSpace(string(data))
	if line == "" {
		return time.Time{}, false, nil
	}

	expiresAt, err := lease.UnmarshalSetCookie(line, c.name)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode cookie file: %w", err)
	}
	return expiresAt, true, nil
}

// Save writes the cookie atomically.
func (c *CookieFile) Save(_ context.Context, expiresAt time.Time) error {
	line, err := lease.MarshalSetCookie(c.name, expiresAt)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(c.path, []byte(line+"\n")); err != nil {
		return fmt.Errorf("write cookie file: %w", err)
	}
	return nil
}

// Clear removes the cookie file.
func (c *CookieFile) Clear(_ context.Context) error {
	if err := removeFile(c.path); err != nil {
		return fmt.Errorf("remove cookie file: %w", err)
	}
	return nil
}
