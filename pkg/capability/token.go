// Package capability implements the capability token service that gates
// every privileged ledger-producing operation: scoped tokens with TTLs,
// policy-checked issuance, superset scope validation, and idempotent
// revocation.
//
// The service is constructed once at process start and passed by handle to
// every component that needs it; there is no package-level singleton, so
// tests run against isolated instances.
package capability

import (
	"errors"
	"fmt"
	"time"
)

// Well-known scopes. Policies may define arbitrary additional scope strings.
const (
	ScopeEnvironmentTakeover = "host.environment.takeover"
	ScopeResourceArbitrate   = "host.resource.arbitrate"
	ScopeAdminOverride       = "host.admin.override"
)

// Token is a scoped capability. Lifecycle: issued, active while now is
// before ExpiresAt and RevokedAt is unset, then expired or revoked —
// terminal either way. A new token must be issued; there is no
// reactivation.
type Token struct {
	TokenID   string            `json:"token_id"`
	IssuedTo  string            `json:"issued_to"`
	Scopes    []string          `json:"scopes"`
	IssuedAt  time.Time         `json:"issued_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	RevokedAt *time.Time        `json:"revoked_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Bearer is the signed JWT presentation of this token for callers in
	// other processes. Derived, not part of identity.
	Bearer string `json:"bearer,omitempty"`
}

// Active reports whether the token is honored at the given instant.
func (t Token) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// HasScopes reports whether the token carries every required scope.
func (t Token) HasScopes(required ...string) bool {
	held := make(map[string]struct{}, len(t.Scopes))
	for _, s := range t.Scopes {
		held[s] = struct{}{}
	}
	for _, r := range required {
		if _, ok := held[r]; !ok {
			return false
		}
	}
	return true
}

// Denial reason codes.
const (
	DenyExpired          = "expired"
	DenyRevoked          = "revoked"
	DenyMissingScope     = "missing_scope"
	DenyScopeNotAllowed  = "scope_not_allowed"
	DenyTTLExceeded      = "ttl_exceeded"
	DenyCondition        = "condition_failed"
	DenyRateLimited      = "rate_limited"
	DenyUnknownToken     = "unknown_token"
	DenyUnknownPrincipal = "unknown_principal"
)

// DeniedError carries a machine-readable reason code for a refused
// operation. Every denial is returned to the caller and durably recorded in
// the ledger; the two are never decoupled.
type DeniedError struct {
	Code   string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("capability: denied (%s): %s", e.Code, e.Reason)
}

// IsDenied extracts a DeniedError from err, if present.
func IsDenied(err error) (*DeniedError, bool) {
	var d *DeniedError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
