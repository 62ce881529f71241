package renewal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/al-bashkir/session-lease/internal/lease"
)

var now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func newTestRenewer(t *testing.T, handler http.HandlerFunc, mutate func(*HTTPConfig)) *HTTPRenewer {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	cfg := HTTPConfig{
		Endpoint:      ts.URL + "/api/session/renew",
		LeaseDuration: 20 * time.Minute,
		Clock:         lease.NewFakeClock(now),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	r, err := NewHTTP(cfg)
	if err != nil {
		t.Fatalf("NewHTTP failed: %v", err)
	}
	return r
}

func TestHTTPRenewer_Success(t *testing.T) {
	var gotReq *http.Request
	r := newTestRenewer(t, func(w http.ResponseWriter, req *http.Request) {
		gotReq = req
		w.WriteHeader(http.StatusNoContent)
	}, func(cfg *HTTPConfig) {
		cfg.Headers = map[string]string{"Authorization": "Bearer secret"}
		cfg.Cookies = map[string]string{"__session": "abc"}
	})

	l, err := r.Renew(context.Background())
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}

	if want := now.Add(20 * time.Minute); !l.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", l.ExpiresAt, want)
	}
	if l.AttemptID == "" {
		t.Error("expected attempt ID")
	}

	if gotReq.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", gotReq.Method)
	}
	if gotReq.URL.Path != "/api/session/renew" {
		t.Errorf("path = %s", gotReq.URL.Path)
	}
	if got := gotReq.Header.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}
	if got := gotReq.Header.Get("X-Request-ID"); got != l.AttemptID {
		t.Errorf("X-Request-ID = %q, want %q", got, l.AttemptID)
	}
	c, err := gotReq.Cookie("__session")
	if err != nil || c.Value != "abc" {
		t.Errorf("session cookie = %v, %v", c, err)
	}
}

func TestHTTPRenewer_KeepsRotatedCookies(t *testing.T) {
	calls := 0
	r := newTestRenewer(t, func(w http.ResponseWriter, req *http.Request) {
		calls++
		if calls == 2 {
			c, err := req.Cookie("__session")
			if err != nil || c.Value != "rotated" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		http.SetCookie(w, &http.Cookie{Name: "__session", Value: "rotated", Path: "/"})
		w.WriteHeader(http.StatusOK)
	}, nil)

	for i := 0; i < 2; i++ {
		if _, err := r.Renew(context.Background()); err != nil {
			t.Fatalf("Renew #%d failed: %v", i+1, err)
		}
	}
}

func TestHTTPRenewer_ResponseExpiry(t *testing.T) {
	tests := []struct {
		name    string
		ctype   string
		body    string
		want    time.Time
		wantErr error
	}{
		{
			name:  "empty JSON object",
			ctype: "application/json",
			body:  `{}`,
			want:  now.Add(20 * time.Minute),
		},
		{
			name:  "expires_at ISO",
			ctype: "application/json",
			body:  `{"expires_at":"2026-10-19T12:30:00.000Z"}`,
			want:  now.Add(30 * time.Minute),
		},
		{
			name:  "expiresAt epoch ms",
			ctype: "application/json; charset=utf-8",
			body:  `{"expiresAt":1792413000000}`,
			want:  time.UnixMilli(1792413000000),
		},
		{
			name:  "expires_at seconds map",
			ctype: "application/json",
			body:  `{"expires_at":{"_seconds":1792413000,"_nanoseconds":0}}`,
			want:  time.Unix(1792413000, 0),
		},
		{
			name:  "lease_duration_ms",
			ctype: "application/json",
			body:  `{"lease_duration_ms":600000}`,
			want:  now.Add(10 * time.Minute),
		},
		{
			name:  "expires_in seconds",
			ctype: "application/json",
			body:  `{"expires_in":900}`,
			want:  now.Add(15 * time.Minute),
		},
		{
			name:  "non-JSON body ignored",
			ctype: "text/html",
			body:  `<html>ok</html>`,
			want:  now.Add(20 * time.Minute),
		},
		{
			name:    "broken JSON",
			ctype:   "application/json",
			body:    `{"expires_at":`,
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "unparseable expires_at",
			ctype:   "application/json",
			body:    `{"expires_at":"tomorrow"}`,
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "expires_at in the past",
			ctype:   "application/json",
			body:    `{"expires_at":"2026-10-19T11:00:00Z"}`,
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "negative duration",
			ctype:   "application/json",
			body:    `{"lease_duration_ms":-5}`,
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "lease_duration_ms beyond Duration range",
			ctype:   "application/json",
			body:    `{"lease_duration_ms":1e20}`,
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "expires_in beyond Duration range",
			ctype:   "application/json",
			body:    `{"expires_in":1e12}`,
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "lease_duration_ms rounds to zero",
			ctype:   "application/json",
			body:    `{"lease_duration_ms":1e-9}`,
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "expires_at epoch beyond int64",
			ctype:   "application/json",
			body:    `{"expires_at":1e20}`,
			wantErr: ErrMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRenewer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", tt.ctype)
				_, _ = w.Write([]byte(tt.body))
			}, nil)

			l, err := r.Renew(context.Background())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				if !errors.Is(err, ErrRejected) {
					t.Errorf("malformed response should count as rejected: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Renew failed: %v", err)
			}
			if !l.ExpiresAt.Equal(tt.want) {
				t.Errorf("ExpiresAt = %v, want %v", l.ExpiresAt, tt.want)
			}
		})
	}
}

func TestHTTPRenewer_Rejected(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			r := newTestRenewer(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "session expired\ninjected", status)
			}, nil)

			_, err := r.Renew(context.Background())
			if !errors.Is(err, ErrRejected) {
				t.Fatalf("error = %v, want ErrRejected", err)
			}
			if got := Classify(err); got != ResultRejected {
				t.Errorf("Classify = %q, want %q", got, ResultRejected)
			}
		})
	}
}

func TestHTTPRenewer_Timeout(t *testing.T) {
	release := make(chan struct{})
	r := newTestRenewer(t, func(w http.ResponseWriter, req *http.Request) {
		select {
		case <-release:
		case <-req.Context().Done():
		}
	}, func(cfg *HTTPConfig) {
		cfg.Timeout = 50 * time.Millisecond
	})
	defer close(release)

	_, err := r.Renew(context.Background())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("error = %v, want ErrNetwork", err)
	}
	if got := Classify(err); got != ResultNetwork {
		t.Errorf("Classify = %q, want %q", got, ResultNetwork)
	}
}

func TestHTTPRenewer_ConnectionRefused(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	endpoint := ts.URL
	ts.Close()

	r, err := NewHTTP(HTTPConfig{Endpoint: endpoint})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Renew(context.Background()); !errors.Is(err, ErrNetwork) {
		t.Fatalf("error = %v, want ErrNetwork", err)
	}
}

func TestHTTPRenewer_ContextCancelled(t *testing.T) {
	r := newTestRenewer(t, func(w http.ResponseWriter, req *http.Request) {
		<-req.Context().Done()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.Renew(ctx); !errors.Is(err, ErrNetwork) {
		t.Fatalf("error = %v, want ErrNetwork", err)
	}
}

func TestHTTPRenewer_GetHasNoBody(t *testing.T) {
	r := newTestRenewer(t, func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet || req.ContentLength > 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}, func(cfg *HTTPConfig) {
		cfg.Method = "get"
	})

	if _, err := r.Renew(context.Background()); err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
}

func TestNewHTTP_Validation(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
	}{
		{"empty", ""},
		{"bad scheme", "ftp://example.com/renew"},
		{"unparseable", "http://[::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewHTTP(HTTPConfig{Endpoint: tt.endpoint}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ResultSuccess},
		{ErrRejected, ResultRejected},
		{ErrMalformedResponse, ResultMalformed},
		{ErrNetwork, ResultNetwork},
		{errors.New("anything else"), ResultNetwork},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
