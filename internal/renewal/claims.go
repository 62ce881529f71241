package renewal

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// DefaultRoleClaim is the claim path holding realm roles in Keycloak tokens.
const DefaultRoleClaim = "realm_access.roles"

// RoleValidator enforces that a refreshed session still carries at least one
// of the required roles. go-oidc has already checked signature, issuer,
// audience and expiry by the time it runs.
type RoleValidator struct {
	RequiredRoles []string
	RoleClaim     string
}

// Validate checks claims against the required roles. It is a no-op when no
// roles are configured.
func (v *RoleValidator) Validate(claims map[string]any) error {
	if v == nil || len(v.RequiredRoles) == 0 {
		return nil
	}

	path := v.RoleClaim
	if path == "" {
		path = DefaultRoleClaim
	}

	roles, err := rolesFromClaim(claims, path)
	if err != nil {
		return fmt.Errorf("failed to extract roles: %w", err)
	}

	for _, required := range v.RequiredRoles {
		if slices.Contains(roles, required) {
			return nil
		}
	}
	return fmt.Errorf("session no longer has required roles: %v (roles: %v)", v.RequiredRoles, roles)
}

// rolesFromClaim reads a string array claim.
func rolesFromClaim(claims map[string]any, path string) ([]string, error) {
	value, err := nestedClaim(claims, path)
	if err != nil {
		return nil, err
	}

	switch v := value.(type) {
	case []string:
		return v, nil
	case []any:
		roles := make([]string, 0, len(v))
		for _, role := range v {
			if s, ok := role.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles, nil
	default:
		return nil, fmt.Errorf("claim '%s' is not a string array", path)
	}
}

// nestedClaim resolves a dot-separated claim path such as
// "resource_access.dashboard.roles".
func nestedClaim(claims map[string]any, path string) (any, error) {
	var current any = claims
	for i, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("claim path '%s' not found at level %d (%s)", path, i, part)
		}
		current, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("claim '%s' not found in path '%s'", part, path)
		}
	}
	return current, nil
}

// mergeAccessTokenClaims copies role claims from a JWT access token into dst
// when dst lacks them. Keycloak only puts realm_access and resource_access
// in the access token. Opaque access tokens are skipped.
func mergeAccessTokenClaims(accessToken string, dst map[string]any) {
	if accessToken == "" {
		return
	}

	atClaims, err := decodeJWTPayload(accessToken)
	if err != nil {
		slog.Debug("access token is not a JWT, skipping claim merge", "error", err)
		return
	}

	for _, key := range []string{"realm_access", "resource_access", "groups"} {
		if _, exists := dst[key]; exists {
			continue
		}
		if val, ok := atClaims[key]; ok {
			dst[key] = val
		}
	}
}

// decodeJWTPayload decodes the payload segment of a JWT without verifying
// it. Only used on tokens received directly from the token endpoint.
func decodeJWTPayload(token string) (map[string]any, error) {
	parts := strings.SplitN(token, ".", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("not a valid JWT: expected 3 parts, got %d", len(parts))
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT payload: %w", err)
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse JWT payload: %w", err)
	}
	return claims, nil
}
