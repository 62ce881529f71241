package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Listen.HTTP != "127.0.0.1:9400" {
		t.Errorf("expected HTTP listen 127.0.0.1:9400, got %s", cfg.Listen.HTTP)
	}

	want := LeaseConfig{
		Duration:         20 * time.Minute,
		RenewalThreshold: 5 * time.Minute,
		Cooldown:         60 * time.Second,
		TickInterval:     time.Second,
		RenewTimeout:     15 * time.Second,
	}
	if cfg.Lease != want {
		t.Errorf("lease defaults = %+v, want %+v", cfg.Lease, want)
	}

	if cfg.Renewal.Mode != RenewalModeHTTP {
		t.Errorf("expected renewal mode http, got %s", cfg.Renewal.Mode)
	}
	if cfg.Storage.CookieName != "session_expires_at" {
		t.Errorf("expected cookie name session_expires_at, got %s", cfg.Storage.CookieName)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		wantErr     bool
		errContains string
	}{
		{
			name: "valid http config",
			configYAML: `
listen:
  http: "127.0.0.1:9400"
  socket: "/tmp/lease.sock"
lease:
  duration: 20m
  renewal_threshold: 5m
  cooldown: 60s
renewal:
  mode: http
  endpoint: "https://dashboard.example.com/api/session/renew"
  headers:
    Authorization: "Bearer abc"
storage:
  cookie_file: "/tmp/session.cookie"
  state_file: "/tmp/lease.json"
session:
  sign_in_url: "https://dashboard.example.com/signin"
  upstream: "http://127.0.0.1:3000"
log:
  level: "info"
  format: "json"
`,
		},
		{
			name: "valid oidc config",
			configYAML: `
renewal:
  mode: oidc
  oidc:
    issuer: "https://keycloak.example.com/realms/field"
    client_id: "dashboard"
    refresh_token_file: "/var/lib/session-lease/refresh_token"
    required_roles: [dispatcher]
`,
		},
		{
			name: "missing endpoint",
			configYAML: `
renewal:
  mode: http
`,
			wantErr:     true,
			errContains: "renewal.endpoint is required",
		},
		{
			name: "unknown mode",
			configYAML: `
renewal:
  mode: carrier-pigeon
`,
			wantErr:     true,
			errContains: "renewal.mode must be one of",
		},
		{
			name: "oidc scopes missing openid",
			configYAML: `
renewal:
  mode: oidc
  oidc:
    issuer: "https://keycloak.example.com/realms/field"
    client_id: "dashboard"
    refresh_token_file: "/tmp/rt"
    scopes: [profile]
`,
			wantErr:     true,
			errContains: "must include 'openid'",
		},
		{
			name: "threshold longer than lease",
			configYAML: `
lease:
  duration: 5m
  renewal_threshold: 10m
renewal:
  endpoint: "https://dashboard.example.com/renew"
`,
			wantErr:     true,
			errContains: "renewal_threshold must be shorter",
		},
		{
			name: "bad duration",
			configYAML: `
lease:
  duration: twenty
`,
			wantErr:     true,
			errContains: "failed to parse",
		},
		{
			name: "shared gate without redis",
			configYAML: `
renewal:
  endpoint: "https://dashboard.example.com/renew"
gate:
  shared: true
`,
			wantErr:     true,
			errContains: "gate.shared requires storage.redis.url",
		},
		{
			name: "invalid log level",
			configYAML: `
renewal:
  endpoint: "https://dashboard.example.com/renew"
log:
  level: "verbose"
`,
			wantErr:     true,
			errContains: "log.level must be one of",
		},
		{
			name: "invalid yaml",
			configYAML: `
this is not: valid: yaml:
  bad: [syntax
`,
			wantErr:     true,
			errContains: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.configYAML))

			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error containing '%s', got nil", tt.errContains)
				} else if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error = %v, want error containing %v", err, tt.errContains)
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if cfg == nil {
				t.Error("expected config, got nil")
			}
		})
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadConfig_Durations(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
lease:
  duration: 30m
  renewal_threshold: 2m30s
  cooldown: 0s
  tick_interval: 500ms
  renew_timeout: 10s
renewal:
  endpoint: "https://dashboard.example.com/renew"
`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Lease.Duration != 30*time.Minute {
		t.Errorf("duration = %v", cfg.Lease.Duration)
	}
	if cfg.Lease.RenewalThreshold != 150*time.Second {
		t.Errorf("renewal_threshold = %v", cfg.Lease.RenewalThreshold)
	}
	if cfg.Lease.Cooldown != 0 {
		t.Errorf("cooldown = %v", cfg.Lease.Cooldown)
	}
	if cfg.Lease.TickInterval != 500*time.Millisecond {
		t.Errorf("tick_interval = %v", cfg.Lease.TickInterval)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SESSION_LEASE_OIDC_CLIENT_SECRET", "env-secret")
	t.Setenv("SESSION_LEASE_LOG_LEVEL", "debug")
	t.Setenv("SESSION_LEASE_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("SESSION_LEASE_RENEWAL_TOKEN", "tok")

	cfg, err := Load(writeConfig(t, `
renewal:
  mode: oidc
  oidc:
    issuer: "https://keycloak.example.com/realms/field"
    client_id: "dashboard"
    client_secret: "yaml-secret"
    refresh_token_file: "/tmp/rt"
log:
  level: "info"
`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Renewal.OIDC.ClientSecret != "env-secret" {
		t.Errorf("expected client_secret='env-secret', got '%s'", cfg.Renewal.OIDC.ClientSecret)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level 'debug', got '%s'", cfg.Log.Level)
	}
	if cfg.Storage.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("expected redis URL override, got '%s'", cfg.Storage.Redis.URL)
	}
	if got := cfg.Renewal.Headers["Authorization"]; got != "Bearer tok" {
		t.Errorf("expected Authorization header from env, got '%s'", got)
	}
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Renewal.Endpoint = "https://dashboard.example.com/api/session/renew"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
		},
		{
			name: "zero cooldown allowed",
			modify: func(c *Config) {
				c.Lease.Cooldown = 0
			},
		},
		{
			name: "negative cooldown",
			modify: func(c *Config) {
				c.Lease.Cooldown = -time.Second
			},
			wantErr: true,
			errMsg:  "cooldown must not be negative",
		},
		{
			name: "tick longer than threshold",
			modify: func(c *Config) {
				c.Lease.TickInterval = 10 * time.Minute
			},
			wantErr: true,
			errMsg:  "tick_interval must not exceed",
		},
		{
			name: "renew timeout longer than threshold",
			modify: func(c *Config) {
				c.Lease.RenewTimeout = 6 * time.Minute
			},
			wantErr: true,
			errMsg:  "renew_timeout must be shorter",
		},
		{
			name: "no mirrors",
			modify: func(c *Config) {
				c.Storage.CookieFile = ""
				c.Storage.StateFile = ""
			},
			wantErr: true,
			errMsg:  "at least one of",
		},
		{
			name: "redis only",
			modify: func(c *Config) {
				c.Storage.CookieFile = ""
				c.Storage.StateFile = ""
				c.Storage.Redis.URL = "redis://localhost:6379"
				c.Gate.Shared = true
			},
		},
		{
			name: "bad redis scheme",
			modify: func(c *Config) {
				c.Storage.Redis.URL = "http://localhost:6379"
			},
			wantErr: true,
			errMsg:  "storage.redis.url must be",
		},
		{
			name: "bad cookie name",
			modify: func(c *Config) {
				c.Storage.CookieName = "session expires"
			},
			wantErr: true,
			errMsg:  "cookie_name",
		},
		{
			name: "relative sign-in url",
			modify: func(c *Config) {
				c.Session.SignInURL = "signin"
			},
			wantErr: true,
			errMsg:  "sign_in_url must be",
		},
		{
			name: "bad upstream",
			modify: func(c *Config) {
				c.Session.Upstream = "localhost:3000"
			},
			wantErr: true,
			errMsg:  "session.upstream",
		},
		{
			name: "bad method",
			modify: func(c *Config) {
				c.Renewal.Method = "DELETE"
			},
			wantErr: true,
			errMsg:  "renewal.method",
		},
		{
			name: "TLS enabled without cert",
			modify: func(c *Config) {
				c.TLS.Enabled = true
				c.TLS.CertFile = ""
			},
			wantErr: true,
			errMsg:  "are required when TLS is enabled",
		},
		{
			name: "missing socket",
			modify: func(c *Config) {
				c.Listen.Socket = ""
			},
			wantErr: true,
			errMsg:  "listen.socket is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error containing '%s', got nil", tt.errMsg)
				} else if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error = %v, want error containing %v", err, tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestRedact(t *testing.T) {
	cfg := validConfig()
	cfg.Renewal.OIDC.ClientSecret = "super-secret"
	cfg.Renewal.Headers = map[string]string{"Authorization": "Bearer abc", "X-Tenant": "north"}
	cfg.Renewal.Cookies = map[string]string{"__session": "cookie-secret"}
	cfg.Storage.Redis.URL = "redis://:hunter2@redis.internal:6379/0"

	r := cfg.Redact()

	if r.Renewal.OIDC.ClientSecret != "[REDACTED]" {
		t.Errorf("expected [REDACTED], got %s", r.Renewal.OIDC.ClientSecret)
	}
	if r.Renewal.Headers["Authorization"] != "[REDACTED]" {
		t.Errorf("Authorization header not redacted: %s", r.Renewal.Headers["Authorization"])
	}
	if r.Renewal.Headers["X-Tenant"] != "north" {
		t.Errorf("non-secret header changed: %s", r.Renewal.Headers["X-Tenant"])
	}
	if r.Renewal.Cookies["__session"] != "[REDACTED]" {
		t.Errorf("cookie not redacted")
	}
	if strings.Contains(r.Storage.Redis.URL, "hunter2") {
		t.Errorf("redis password not redacted: %s", r.Storage.Redis.URL)
	}

	// Original should be unchanged
	if cfg.Renewal.OIDC.ClientSecret != "super-secret" {
		t.Errorf("original was modified")
	}
	if cfg.Renewal.Headers["Authorization"] != "Bearer abc" {
		t.Errorf("original headers were modified")
	}
	if !strings.Contains(cfg.Storage.Redis.URL, "hunter2") {
		t.Errorf("original redis URL was modified")
	}
}

func TestSetupLogging(t *testing.T) {
	old := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(old)
	})

	SetupLogging(&LogConfig{Level: "debug", Format: "json"})
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug logs to be enabled")
	}

	SetupLogging(&LogConfig{Level: "error", Format: "text"})
	if slog.Default().Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info logs to be disabled at error level")
	}
	if !slog.Default().Enabled(context.Background(), slog.LevelError) {
		t.Error("expected error logs to be enabled")
	}
}
