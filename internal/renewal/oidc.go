package renewal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/al-bashkir/session-lease/internal/lease"
)

// OIDCConfig configures an OIDCRenewer.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string

	// RefreshTokenFile holds the current refresh token. Rotated tokens are
	// written back to it.
	RefreshTokenFile string

	RequiredRoles []string
	RoleClaim     string

	Timeout       time.Duration
	LeaseDuration time.Duration
	Clock         lease.Clock

	// HTTPClient is used for discovery, JWKS and token calls.
	HTTPClient *http.Client
}

// OIDCRenewer extends the session with the OAuth2 refresh-token grant
// against an OpenID Connect provider.
type OIDCRenewer struct {
	oauth2Config  *oauth2.Config
	verifier      *oidc.IDTokenVerifier
	validator     *RoleValidator
	tokenFile     string
	timeout       time.Duration
	leaseDuration time.Duration
	clock         lease.Clock
	httpClient    *http.Client
	logger        *slog.Logger

	mu sync.Mutex
}

// NewOIDC discovers the provider via /.well-known/openid-configuration and
// prepares the refresh grant.
func NewOIDC(ctx context.Context, cfg OIDCConfig) (*OIDCRenewer, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, errors.New("oidc issuer and client_id are required")
	}
	if cfg.RefreshTokenFile == "" {
		return nil, errors.New("oidc refresh_token_file is required")
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
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, oidc.ScopeOfflineAccess}
	}

	return &OIDCRenewer{
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		validator: &RoleValidator{
			RequiredRoles: cfg.RequiredRoles,
			RoleClaim:     cfg.RoleClaim,
		},
		tokenFile:     filepath.Clean(cfg.RefreshTokenFile),
		timeout:       timeout,
		leaseDuration: duration,
		clock:         clock,
		httpClient:    httpClient,
		logger:        slog.Default().With("component", "renewal", "issuer", cfg.Issuer),
	}, nil
}

// Renew redeems the stored refresh token. A rotated refresh token replaces
// the stored one before Renew returns.
func (r *OIDCRenewer) Renew(ctx context.Context) (Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	attemptID := uuid.NewString()

	refreshToken, err := r.loadRefreshToken()
	if err != nil {
		return Lease{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)

	token, err := r.oauth2Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			status := 0
			if re.Response != nil {
				status = re.Response.StatusCode
			}
			r.logger.Warn("refresh grant rejected",
				"attempt_id", attemptID,
				"status", status,
				"error_code", re.ErrorCode,
			)
			return Lease{}, fmt.Errorf("%w: %s", ErrRejected, re.ErrorCode)
		}
		return Lease{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		if err := r.storeRefreshToken(token.RefreshToken); err != nil {
			// The old token is already spent; the next renewal will fail.
			r.logger.Error("failed to persist rotated refresh token", "attempt_id", attemptID, "error", err)
		}
	}

	claims, err := r.sessionClaims(ctx, token)
	if err != nil {
		return Lease{}, err
	}
	if err := r.validator.Validate(claims); err != nil {
		return Lease{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	return Lease{
		ExpiresAt: r.clock.Now().Add(r.leaseDuration),
		AttemptID: attemptID,
	}, nil
}

// sessionClaims returns the verified ID token claims merged with the access
// token's role claims. Without an ID token only the access token is used.
func (r *OIDCRenewer) sessionClaims(ctx context.Context, token *oauth2.Token) (map[string]any, error) {
	claims := map[string]any{}

	if rawIDToken, ok := token.Extra("id_token").(string); ok && rawIDToken != "" {
		idToken, err := r.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to verify ID token: %v", ErrMalformedResponse, err)
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("%w: failed to parse claims: %v", ErrMalformedResponse, err)
		}
	}

	mergeAccessTokenClaims(token.AccessToken, claims)
	return claims, nil
}

func (r *OIDCRenewer) loadRefreshToken() (string, error) {
	data, err := os.ReadFile(r.tokenFile) // #nosec G304 -- path from daemon configuration
	if err != nil {
		return "", fmt.Errorf("read refresh token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", errors.New("refresh token file is empty")
	}
	return token, nil
}

func (r *OIDCRenewer) storeRefreshToken(token string) error {
	dir := filepath.Dir(r.tokenFile)
	tmp, err := os.CreateTemp(dir, ".refresh-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.WriteString(token + "\n"); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, r.tokenFile)
}
