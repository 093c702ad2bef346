// Package token implements the OAuth 2.1 resource-server side of the
// gateway: bearer-token validation with audience and Resource Indicators
// (RFC 8707) binding, scope checks, and RFC 8707-compliant request
// parameter builders.
package token

import (
	"errors"
	"fmt"
	"time"
)

// Claims is the validated view of a bearer token. It is recomputed per
// request and never persisted.
type Claims struct {
	// Subject is the token's sub claim.
	Subject string
	// Audience is the token's aud claim.
	Audience []string
	// Issuer is the token's iss claim.
	Issuer string
	// ExpiresAt is the exp claim.
	ExpiresAt time.Time
	// IssuedAt is the iat claim; zero when absent.
	IssuedAt time.Time
	// Scopes is the parsed scope claim.
	Scopes []string
	// Resource is the RFC 8707 resource claim.
	Resource string
	// ClientID is the client_id claim when present.
	ClientID string
}

// HasScope is a pure set-membership test over the token's scopes.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// InvalidTokenError reports a token that failed generic validation
// (signature, expiry, issuer, age, required claims). The gateway answers
// 401 with a WWW-Authenticate challenge; the failure is never downgraded
// to an allow.
type InvalidTokenError struct {
	Reason string
	Err    error
}

func (e *InvalidTokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid token: %s: %v", e.Reason, e.Err)
	}
	return "invalid token: " + e.Reason
}

func (e *InvalidTokenError) Unwrap() error { return e.Err }

// ConfusedDeputyError reports a token that verified cryptographically but
// is bound to a different resource server: its audience or resource claim
// does not equal this server's identifier. Accepting it would let a token
// issued for one server be replayed against another.
type ConfusedDeputyError struct {
	Claim string // "aud" or "resource"
	Got   string
	Want  string
}

func (e *ConfusedDeputyError) Error() string {
	return fmt.Sprintf("confused deputy: token %s claim %q does not match resource server %q",
		e.Claim, e.Got, e.Want)
}

// ErrInsufficientScope indicates the token is valid but lacks a required
// scope; callers respond 403.
var ErrInsufficientScope = errors.New("insufficient scope")

func invalidTokenf(err error, format string, args ...any) *InvalidTokenError {
	return &InvalidTokenError{Reason: fmt.Sprintf(format, args...), Err: err}
}
