package renewal

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/al-bashkir/session-lease/internal/lease"
)

// testIssuer is a minimal OpenID provider: discovery, JWKS and a token
// endpoint that accepts the refresh-token grant.
type testIssuer struct {
	t      *testing.T
	url    string
	key    *rsa.PrivateKey
	signer jose.Signer

	mu           sync.Mutex
	validRefresh string
	nextRefresh  string
	roles        []string
	omitIDToken  bool
	tokenCalls   int
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: key, KeyID: "test-key", Algorithm: string(jose.RS256)}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		t.Fatal(err)
	}

	iss := &testIssuer{t: t, key: key, signer: signer, validRefresh: "rt-1", nextRefresh: "rt-2"}

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/test/.well-known/openid-configuration", iss.discovery)
	mux.HandleFunc("/realms/test/keys", iss.keys)
	mux.HandleFunc("/realms/test/token", iss.token)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	iss.url = ts.URL + "/realms/test"
	return iss
}

func (i *testIssuer) discovery(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                i.url,
		"authorization_endpoint":                i.url + "/auth",
		"token_endpoint":                        i.url + "/token",
		"jwks_uri":                              i.url + "/keys",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (i *testIssuer) keys(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &i.key.PublicKey,
		KeyID:     "test-key",
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (i *testIssuer) token(w http.ResponseWriter, r *http.Request) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tokenCalls++

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != i.validRefresh {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token is not active"}`))
		return
	}

	now := time.Now()
	claims := map[string]any{
		"iss":                i.url,
		"sub":                "user-1",
		"aud":                "dashboard",
		"iat":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
		"preferred_username": "tech",
	}
	accessToken := unsignedJWT(map[string]any{
		"realm_access": map[string]any{"roles": i.roles},
	})

	resp := map[string]any{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    300,
		"refresh_token": i.nextRefresh,
	}
	if !i.omitIDToken {
		resp["id_token"] = i.sign(claims)
	}

	i.validRefresh = i.nextRefresh
	i.nextRefresh = i.nextRefresh + "+"

	_ = json.NewEncoder(w).Encode(resp)
}

func (i *testIssuer) sign(claims map[string]any) string {
	payload, err := json.Marshal(claims)
	if err != nil {
		i.t.Fatal(err)
	}
	jws, err := i.signer.Sign(payload)
	if err != nil {
		i.t.Fatal(err)
	}
	raw, err := jws.CompactSerialize()
	if err != nil {
		i.t.Fatal(err)
	}
	return raw
}

func unsignedJWT(claims map[string]any) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload, _ := json.Marshal(claims)
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func newTestOIDCRenewer(t *testing.T, iss *testIssuer, roles []string) (*OIDCRenewer, string) {
	t.Helper()

	tokenFile := filepath.Join(t.TempDir(), "refresh_token")
	if err := os.WriteFile(tokenFile, []byte("rt-1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	r, err := NewOIDC(context.Background(), OIDCConfig{
		Issuer:           iss.url,
		ClientID:         "dashboard",
		ClientSecret:     "secret",
		RefreshTokenFile: tokenFile,
		RequiredRoles:    roles,
		LeaseDuration:    20 * time.Minute,
		Clock:            lease.NewFakeClock(now),
	})
	if err != nil {
		t.Fatalf("NewOIDC failed: %v", err)
	}
	return r, tokenFile
}

func TestOIDCRenewer_RefreshAndRotate(t *testing.T) {
	iss := newTestIssuer(t)
	iss.roles = []string{"dispatcher"}
	r, tokenFile := newTestOIDCRenewer(t, iss, []string{"dispatcher", "admin"})

	l, err := r.Renew(context.Background())
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if want := now.Add(20 * time.Minute); !l.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", l.ExpiresAt, want)
	}

	data, err := os.ReadFile(tokenFile)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(data)); got != "rt-2" {
		t.Errorf("stored refresh token = %q, want rotated %q", got, "rt-2")
	}

	// The rotated token is used for the next renewal.
	if _, err := r.Renew(context.Background()); err != nil {
		t.Fatalf("second Renew failed: %v", err)
	}
}

func TestOIDCRenewer_InvalidGrant(t *testing.T) {
	iss := newTestIssuer(t)
	iss.validRefresh = "someone-else"
	r, _ := newTestOIDCRenewer(t, iss, nil)

	_, err := r.Renew(context.Background())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("error = %v, want ErrRejected", err)
	}
	if errors.Is(err, ErrMalformedResponse) {
		t.Errorf("invalid_grant should not be malformed: %v", err)
	}
}

func TestOIDCRenewer_MissingRole(t *testing.T) {
	iss := newTestIssuer(t)
	iss.roles = []string{"viewer"}
	r, _ := newTestOIDCRenewer(t, iss, []string{"dispatcher"})

	_, err := r.Renew(context.Background())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("error = %v, want ErrRejected", err)
	}
	if !strings.Contains(err.Error(), "required roles") {
		t.Errorf("error = %v, want role failure", err)
	}
}

func TestOIDCRenewer_WithoutIDToken(t *testing.T) {
	iss := newTestIssuer(t)
	iss.omitIDToken = true
	iss.roles = []string{"dispatcher"}
	r, _ := newTestOIDCRenewer(t, iss, []string{"dispatcher"})

	if _, err := r.Renew(context.Background()); err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
}

func TestOIDCRenewer_MissingTokenFile(t *testing.T) {
	iss := newTestIssuer(t)
	r, tokenFile := newTestOIDCRenewer(t, iss, nil)
	if err := os.Remove(tokenFile); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Renew(context.Background()); !errors.Is(err, ErrRejected) {
		t.Fatalf("error = %v, want ErrRejected", err)
	}
	if iss.tokenCalls != 0 {
		t.Errorf("token endpoint called %d times without a refresh token", iss.tokenCalls)
	}
}

func TestOIDCRenewer_IssuerDown(t *testing.T) {
	iss := newTestIssuer(t)
	r, _ := newTestOIDCRenewer(t, iss, nil)

	// Point the token endpoint at a closed server.
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()
	r.oauth2Config.Endpoint.TokenURL = ts.URL + "/token"

	if _, err := r.Renew(context.Background()); !errors.Is(err, ErrNetwork) {
		t.Fatalf("error = %v, want ErrNetwork", err)
	}
}

func TestNewOIDC_DiscoveryFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(ts.Close)

	_, err := NewOIDC(context.Background(), OIDCConfig{
		Issuer:           ts.URL + "/realms/test",
		ClientID:         "dashboard",
		RefreshTokenFile: filepath.Join(t.TempDir(), "rt"),
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestNewOIDC_RequiredFields(t *testing.T) {
	tests := []struct {
		name string
		cfg  OIDCConfig
	}{
		{"no issuer", OIDCConfig{ClientID: "c", RefreshTokenFile: "/tmp/rt"}},
		{"no client", OIDCConfig{Issuer: "https://idp", RefreshTokenFile: "/tmp/rt"}},
		{"no token file", OIDCConfig{Issuer: "https://idp", ClientID: "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewOIDC(context.Background(), tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
