package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Renewal modes.
const (
	RenewalModeHTTP = "http"
	RenewalModeOIDC = "oidc"
)

const redacted = "[REDACTED]"

// Config represents the complete application configuration
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Lease   LeaseConfig   `yaml:"lease"`
	Renewal RenewalConfig `yaml:"renewal"`
	Storage StorageConfig `yaml:"storage"`
	Gate    GateConfig    `yaml:"gate"`
	Session SessionConfig `yaml:"session"`
	TLS     TLSConfig     `yaml:"tls"`
	Log     LogConfig     `yaml:"log"`
}

// ListenConfig defines where the daemon listens for requests
type ListenConfig struct {
	HTTP   string `yaml:"http"`   // HTTP server address (e.g., "127.0.0.1:9400")
	Socket string `yaml:"socket"` // Unix socket path for the CLI
}

// LeaseConfig holds every timing constant of the session lease. Nothing
// else in the daemon defines its own.
type LeaseConfig struct {
	Duration         time.Duration `yaml:"duration"`          // length of a fresh lease
	RenewalThreshold time.Duration `yaml:"renewal_threshold"` // renew when less than this remains
	Cooldown         time.Duration `yaml:"cooldown"`          // minimum time between renewal attempts
	TickInterval     time.Duration `yaml:"tick_interval"`     // coordinator check cadence
	RenewTimeout     time.Duration `yaml:"renew_timeout"`     // bound on a single renewal exchange
}

// RenewalConfig defines how the session is extended
type RenewalConfig struct {
	Mode     string            `yaml:"mode"`     // http or oidc
	Endpoint string            `yaml:"endpoint"` // session renewal URL (http mode)
	Method   string            `yaml:"method"`   // HTTP method (http mode)
	Headers  map[string]string `yaml:"headers"`  // static request headers (http mode)
	Cookies  map[string]string `yaml:"cookies"`  // session cookies sent to the endpoint (http mode)
	OIDC     OIDCConfig        `yaml:"oidc"`
}

// OIDCConfig defines the refresh-token renewal against an OIDC provider
type OIDCConfig struct {
	Issuer           string   `yaml:"issuer"`             // Issuer URL
	ClientID         string   `yaml:"client_id"`          // OIDC client ID
	ClientSecret     string   `yaml:"client_secret"`      // OIDC client secret (empty for public clients)
	RefreshTokenFile string   `yaml:"refresh_token_file"` // file holding the current refresh token
	Scopes           []string `yaml:"scopes"`             // OIDC scopes
	RequiredRoles    []string `yaml:"required_roles"`     // session must keep one of these roles
	RoleClaim        string   `yaml:"role_claim"`         // JSON path to roles in token
}

// StorageConfig defines the expiry store mirrors
type StorageConfig struct {
	CookieFile string      `yaml:"cookie_file"` // durable cookie mirror
	CookieName string      `yaml:"cookie_name"` // name of the expiry cookie
	StateFile  string      `yaml:"state_file"`  // local JSON mirror
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig defines the optional Redis mirror
type RedisConfig struct {
	URL string `yaml:"url"` // redis:// or rediss:// URL; empty disables Redis
	Key string `yaml:"key"` // key holding expiresAt
}

// GateConfig defines the renewal gate
type GateConfig struct {
	Shared bool   `yaml:"shared"` // share the gate across processes through Redis
	Key    string `yaml:"key"`    // Redis key of the shared gate
}

// SessionConfig defines the browser-facing session surface
type SessionConfig struct {
	SignInURL    string `yaml:"sign_in_url"`   // redirect target once the session ended
	Upstream     string `yaml:"upstream"`      // dashboard proxied behind the freshness check
	LogoutURL    string `yaml:"logout_url"`    // webhook notified on forced logout
	CookieSecure bool   `yaml:"cookie_secure"` // mark the expiry cookie Secure
}

// TLSConfig defines TLS settings for the HTTP server
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path given on the command line
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			HTTP:   "127.0.0.1:9400",
			Socket: "/run/session-lease/lease.sock",
		},
		Lease: LeaseConfig{
			Duration:         20 * time.Minute,
			RenewalThreshold: 5 * time.Minute,
			Cooldown:         60 * time.Second,
			TickInterval:     time.Second,
			RenewTimeout:     15 * time.Second,
		},
		Renewal: RenewalConfig{
			Mode:   RenewalModeHTTP,
			Method: "POST",
			OIDC: OIDCConfig{
				Scopes:    []string{"openid", "offline_access"},
				RoleClaim: "realm_access.roles",
			},
		},
		Storage: StorageConfig{
			CookieFile: "/var/lib/session-lease/session.cookie",
			CookieName: "session_expires_at",
			StateFile:  "/var/lib/session-lease/lease.json",
			Redis: RedisConfig{
				Key: "session-lease:expires_at",
			},
		},
		Gate: GateConfig{
			Key: "session-lease:gate",
		},
		Session: SessionConfig{
			SignInURL: "/signin",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnvOverrides applies SESSION_LEASE_* environment variable overrides
func (c *Config) applyEnvOverrides() {
	overrides := []struct {
		env string
		dst *string
	}{
		{"SESSION_LEASE_LISTEN_HTTP", &c.Listen.HTTP},
		{"SESSION_LEASE_LISTEN_SOCKET", &c.Listen.Socket},
		{"SESSION_LEASE_RENEWAL_ENDPOINT", &c.Renewal.Endpoint},
		{"SESSION_LEASE_OIDC_ISSUER", &c.Renewal.OIDC.Issuer},
		{"SESSION_LEASE_OIDC_CLIENT_ID", &c.Renewal.OIDC.ClientID},
		{"SESSION_LEASE_OIDC_CLIENT_SECRET", &c.Renewal.OIDC.ClientSecret},
		{"SESSION_LEASE_REDIS_URL", &c.Storage.Redis.URL},
		{"SESSION_LEASE_SIGN_IN_URL", &c.Session.SignInURL},
		{"SESSION_LEASE_UPSTREAM", &c.Session.Upstream},
		{"SESSION_LEASE_LOG_LEVEL", &c.Log.Level},
		{"SESSION_LEASE_LOG_FORMAT", &c.Log.Format},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}

	if v := os.Getenv("SESSION_LEASE_RENEWAL_TOKEN"); v != "" {
		if c.Renewal.Headers == nil {
			c.Renewal.Headers = make(map[string]string)
		}
		c.Renewal.Headers["Authorization"] = "Bearer " + v
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if err := c.Lease.validate(); err != nil {
		return err
	}
	if err := c.Renewal.validate(); err != nil {
		return err
	}

	// Validate storage config
	if c.Storage.CookieFile == "" && c.Storage.StateFile == "" && c.Storage.Redis.URL == "" {
		return fmt.Errorf("storage needs at least one of cookie_file, state_file or redis.url")
	}
	if c.Storage.CookieName == "" || strings.ContainsAny(c.Storage.CookieName, " \t;=,\"") {
		return fmt.Errorf("storage.cookie_name must be a valid cookie name")
	}
	if c.Storage.Redis.URL != "" && !hasScheme(c.Storage.Redis.URL, "redis", "rediss", "unix") {
		return fmt.Errorf("storage.redis.url must be a redis://, rediss:// or unix:// URL")
	}

	// Validate gate config
	if c.Gate.Shared && c.Storage.Redis.URL == "" {
		return fmt.Errorf("gate.shared requires storage.redis.url")
	}

	// Validate session config
	if c.Session.SignInURL == "" {
		return fmt.Errorf("session.sign_in_url is required")
	}
	if !strings.HasPrefix(c.Session.SignInURL, "/") && !hasScheme(c.Session.SignInURL, "http", "https") {
		return fmt.Errorf("session.sign_in_url must be an absolute path or HTTP(S) URL")
	}
	if c.Session.Upstream != "" && !hasScheme(c.Session.Upstream, "http", "https") {
		return fmt.Errorf("session.upstream must be a valid HTTP(S) URL")
	}
	if c.Session.LogoutURL != "" && !hasScheme(c.Session.LogoutURL, "http", "https") {
		return fmt.Errorf("session.logout_url must be a valid HTTP(S) URL")
	}

	// Validate TLS config
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
		if _, err := os.Stat(c.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file not found: %w", err)
		}
		if _, err := os.Stat(c.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls.key_file not found: %w", err)
		}
	}

	// Validate log config
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if !slices.Contains([]string{"json", "text"}, c.Log.Format) {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	// Validate listen config
	if c.Listen.HTTP == "" {
		return fmt.Errorf("listen.http is required")
	}
	if c.Listen.Socket == "" {
		return fmt.Errorf("listen.socket is required")
	}

	return nil
}

func (l *LeaseConfig) validate() error {
	switch {
	case l.Duration <= 0:
		return fmt.Errorf("lease.duration must be positive")
	case l.RenewalThreshold <= 0:
		return fmt.Errorf("lease.renewal_threshold must be positive")
	case l.RenewalThreshold >= l.Duration:
		return fmt.Errorf("lease.renewal_threshold must be shorter than lease.duration")
	case l.Cooldown < 0:
		return fmt.Errorf("lease.cooldown must not be negative")
	case l.TickInterval <= 0:
		return fmt.Errorf("lease.tick_interval must be positive")
	case l.TickInterval > l.RenewalThreshold:
		return fmt.Errorf("lease.tick_interval must not exceed lease.renewal_threshold")
	case l.RenewTimeout <= 0:
		return fmt.Errorf("lease.renew_timeout must be positive")
	case l.RenewTimeout >= l.RenewalThreshold:
		return fmt.Errorf("lease.renew_timeout must be shorter than lease.renewal_threshold")
	}
	return nil
}

func (r *RenewalConfig) validate() error {
	switch r.Mode {
	case RenewalModeHTTP:
		if r.Endpoint == "" {
			return fmt.Errorf("renewal.endpoint is required")
		}
		if !hasScheme(r.Endpoint, "http", "https") {
			return fmt.Errorf("renewal.endpoint must be a valid HTTP(S) URL")
		}
		if !slices.Contains([]string{"GET", "POST", "PUT", "PATCH"}, strings.ToUpper(r.Method)) {
			return fmt.Errorf("renewal.method must be one of: GET, POST, PUT, PATCH")
		}
	case RenewalModeOIDC:
		o := r.OIDC
		if o.Issuer == "" {
			return fmt.Errorf("renewal.oidc.issuer is required")
		}
		if !hasScheme(o.Issuer, "http", "https") {
			return fmt.Errorf("renewal.oidc.issuer must be a valid HTTP(S) URL")
		}
		if o.ClientID == "" {
			return fmt.Errorf("renewal.oidc.client_id is required")
		}
		if o.RefreshTokenFile == "" {
			return fmt.Errorf("renewal.oidc.refresh_token_file is required")
		}
		if !slices.Contains(o.Scopes, "openid") {
			return fmt.Errorf("renewal.oidc.scopes must include 'openid'")
		}
	default:
		return fmt.Errorf("renewal.mode must be one of: http, oidc")
	}
	return nil
}

func hasScheme(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if !slices.Contains(schemes, u.Scheme) {
		return false
	}
	return u.Scheme == "unix" || u.Host != ""
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a copy of the config with secrets redacted for safe logging
func (c *Config) Redact() *Config {
	r := *c

	r.Renewal.OIDC.Scopes = slices.Clone(c.Renewal.OIDC.Scopes)
	r.Renewal.OIDC.RequiredRoles = slices.Clone(c.Renewal.OIDC.RequiredRoles)
	if r.Renewal.OIDC.ClientSecret != "" {
		r.Renewal.OIDC.ClientSecret = redacted
	}

	if c.Renewal.Headers != nil {
		r.Renewal.Headers = make(map[string]string, len(c.Renewal.Headers))
		for k, v := range c.Renewal.Headers {
			switch strings.ToLower(k) {
			case "authorization", "cookie", "proxy-authorization", "x-api-key":
				v = redacted
			}
			r.Renewal.Headers[k] = v
		}
	}
	if c.Renewal.Cookies != nil {
		r.Renewal.Cookies = make(map[string]string, len(c.Renewal.Cookies))
		for k := range c.Renewal.Cookies {
			r.Renewal.Cookies[k] = redacted
		}
	}

	if u, err := url.Parse(c.Storage.Redis.URL); err == nil && u.User != nil {
		r.Storage.Redis.URL = u.Redacted()
	}

	return &r
}
