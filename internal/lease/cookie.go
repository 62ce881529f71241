package lease

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultCookieName is the cookie holding the lease's expiresAt.
const DefaultCookieName = "session_expires_at"

// NewCookie builds the expiry cookie for expiresAt. The cookie is not
// HttpOnly: client script reads it to drive its own countdown.
func NewCookie(name string, expiresAt time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    FormatISO(expiresAt),
		Path:     "/",
		Expires:  expiresAt.UTC(),
		SameSite: http.SameSiteLaxMode,
	}
}

// ExpiredCookie builds a cookie that deletes name on the client.
func ExpiredCookie(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0).UTC(),
		SameSite: http.SameSiteLaxMode,
	}
}

// ParseCookie decodes the expiry carried by a cookie value.
func ParseCookie(c *http.Cookie) (time.Time, error) {
	if c == nil {
		return time.Time{}, fmt.Errorf("%w: no cookie", ErrInvalidTimestamp)
	}
	return ParseTimestamp(c.Value)
}

// ExpiryFromRequest reads the expiry cookie sent with r.
func ExpiryFromRequest(r *http.Request, name string) (time.Time, bool) {
	c, err := r.Cookie(name)
	if err != nil {
		return time.Time{}, false
	}
	t, err := ParseCookie(c)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// MarshalSetCookie serializes the expiry cookie as a Set-Cookie header value.
func MarshalSetCookie(name string, expiresAt time.Time) (string, error) {
	c := NewCookie(name, expiresAt)
	if err := c.Valid(); err != nil {
		return "", fmt.Errorf("invalid cookie: %w", err)
	}
	return c.String(), nil
}

// UnmarshalSetCookie parses a Set-Cookie header value and returns the
// expiry it carries. The cookie must be named name.
func UnmarshalSetCookie(line, name string) (time.Time, error) {
	c, err := http.ParseSetCookie(strings.TrimSpace(line))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cookie: %w", err)
	}
	if c.Name != name {
		return time.Time{}, fmt.Errorf("unexpected cookie %q, want %q", c.Name, name)
	}
	return ParseCookie(c)
}
