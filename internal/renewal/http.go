package renewal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/al-bashkir/session-lease/internal/lease"
	"github.com/al-bashkir/session-lease/internal/logsanitize"
)

// maxResponseBody caps how much of the renewal response is read.
const maxResponseBody = 64 << 10

// HTTPConfig configures an HTTPRenewer.
type HTTPConfig struct {
	// Endpoint is the session renewal URL.
	Endpoint string

	// Method defaults to POST.
	Method string

	// Headers are sent with every request (e.g. Authorization).
	Headers map[string]string

	// Cookies seed the cookie jar for the endpoint. Cookies set by the
	// endpoint are kept for later renewals.
	Cookies map[string]string

	// Timeout bounds one renewal exchange. Defaults to DefaultTimeout.
	Timeout time.Duration

	// LeaseDuration is used when the response does not carry an expiry.
	LeaseDuration time.Duration

	// Clock defaults to the system clock.
	Clock lease.Clock

	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

// HTTPRenewer renews the session with a single HTTP call carrying the
// session credentials.
type HTTPRenewer struct {
	endpoint      *url.URL
	method        string
	headers       map[string]string
	leaseDuration time.Duration
	clock         lease.Clock
	client        *http.Client
	logger        *slog.Logger
}

// NewHTTP creates an HTTPRenewer.
func NewHTTP(cfg HTTPConfig) (*HTTPRenewer, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("renewal endpoint is required")
	}
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid renewal endpoint: %w", err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("renewal endpoint must be http or https, got %q", endpoint.Scheme)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	duration := cfg.LeaseDuration
	if duration <= 0 {
		duration = lease.DefaultDuration
	}
	clock := cfg.Clock
	if clock == nil {
		clock = lease.SystemClock{}
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	if len(cfg.Cookies) > 0 {
		cookies := make([]*http.Cookie, 0, len(cfg.Cookies))
		for name, value := range cfg.Cookies {
			cookies = append(cookies, &http.Cookie{Name: name, Value: value})
		}
		jar.SetCookies(endpoint, cookies)
	}

	return &HTTPRenewer{
		endpoint:      endpoint,
		method:        method,
		headers:       cfg.Headers,
		leaseDuration: duration,
		clock:         clock,
		client: &http.Client{
			Timeout:   timeout,
			Jar:       jar,
			Transport: cfg.Transport,
		},
		logger: slog.Default().With("component", "renewal", "endpoint", endpoint.Redacted()),
	}, nil
}

// renewResponse is the optional JSON body of a successful renewal.
type renewResponse struct {
	ExpiresAt       json.RawMessage `json:"expires_at"`
	ExpiresAtCamel  json.RawMessage `json:"expiresAt"`
	LeaseDurationMs *json.Number    `json:"lease_duration_ms"`
	ExpiresIn       *json.Number    `json:"expires_in"`
}

// Renew calls the renewal endpoint. Any 2xx answer extends the session.
func (r *HTTPRenewer) Renew(ctx context.Context) (Lease, error) {
	attemptID := uuid.NewString()

	var body io.Reader
	if r.method != http.MethodGet && r.method != http.MethodHead {
		body = bytes.NewReader([]byte("{}"))
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.endpoint.String(), body)
	if err != nil {
		return Lease{}, fmt.Errorf("failed to build renewal request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", attemptID)
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Lease{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Lease{}, fmt.Errorf("%w: reading response: %v", ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.logger.Warn("renewal rejected",
			"attempt_id", attemptID,
			"status", resp.StatusCode,
			"body", logsanitize.Sanitize(string(data)),
		)
		return Lease{}, fmt.Errorf("%w: HTTP %d", ErrRejected, resp.StatusCode)
	}

	now := r.clock.Now()
	expiresAt, err := r.expiryFromResponse(resp.Header.Get("Content-Type"), data, now)
	if err != nil {
		return Lease{}, err
	}

	return Lease{ExpiresAt: expiresAt, AttemptID: attemptID}, nil
}

// expiryFromResponse derives the new expiry from the response body. Bodies
// that are empty or not JSON fall back to now plus the configured duration.
func (r *HTTPRenewer) expiryFromResponse(contentType string, data []byte, now time.Time) (time.Time, error) {
	fallback := now.Add(r.leaseDuration)

	if len(bytes.TrimSpace(data)) == 0 || !isJSON(contentType) {
		return fallback, nil
	}

	var body renewResponse
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	raw := body.ExpiresAt
	if len(raw) == 0 {
		raw = body.ExpiresAtCamel
	}
	if len(raw) > 0 && string(raw) != "null" {
		t, err := lease.ParseTimestamp(raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: expires_at: %v", ErrMalformedResponse, err)
		}
		if !t.After(now) {
			return time.Time{}, fmt.Errorf("%w: expires_at %s is not in the future", ErrMalformedResponse, lease.FormatISO(t))
		}
		return t, nil
	}

	if body.LeaseDurationMs != nil {
		d, ok := durationOf(*body.LeaseDurationMs, time.Millisecond)
		if !ok {
			return time.Time{}, fmt.Errorf("%w: lease_duration_ms %q", ErrMalformedResponse, body.LeaseDurationMs.String())
		}
		return futureExpiry(now, d)
	}

	if body.ExpiresIn != nil {
		d, ok := durationOf(*body.ExpiresIn, time.Second)
		if !ok {
			return time.Time{}, fmt.Errorf("%w: expires_in %q", ErrMalformedResponse, body.ExpiresIn.String())
		}
		return futureExpiry(now, d)
	}

	return fallback, nil
}

// durationOf converts a positive count of unit into a Duration. Values
// that do not fit a Duration are rejected.
func durationOf(n json.Number, unit time.Duration) (time.Duration, bool) {
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || f <= 0 {
		return 0, false
	}
	d := f * float64(unit)
	if d >= math.MaxInt64 {
		return 0, false
	}
	return time.Duration(d), true
}

func futureExpiry(now time.Time, d time.Duration) (time.Time, error) {
	t := now.Add(d)
	if !t.After(now) {
		return time.Time{}, fmt.Errorf("%w: lease of %s ends before now", ErrMalformedResponse, d)
	}
	return t, nil
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
