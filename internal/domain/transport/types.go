// Package transport enforces transport-level security policy: HTTPS
// requirements, Origin validation (DNS-rebinding defense), and listener
// host-binding rules, composed by deployment tier.
package transport

import "fmt"

// PolicyTier selects how strictly the transport checks are applied.
type PolicyTier string

const (
	// TierDevelopment relaxes HTTPS and loopback rules for local work.
	TierDevelopment PolicyTier = "development"
	// TierStaging requires HTTPS but still tolerates loopback origins.
	TierStaging PolicyTier = "staging"
	// TierProduction enforces the full policy set.
	TierProduction PolicyTier = "production"
	// TierParanoid is production plus a TLS 1.3 floor.
	TierParanoid PolicyTier = "paranoid"
)

// IsValid reports whether the tier is one of the known tiers.
func (t PolicyTier) IsValid() bool {
	switch t {
	case TierDevelopment, TierStaging, TierProduction, TierParanoid:
		return true
	}
	return false
}

// strict reports whether the tier applies production-grade checks.
func (t PolicyTier) strict() bool {
	return t == TierProduction || t == TierParanoid
}

// ErrorKind classifies a transport security failure.
type ErrorKind string

const (
	// ErrKindHTTPSRequired means a non-HTTPS request was rejected.
	ErrKindHTTPSRequired ErrorKind = "https_required"
	// ErrKindOriginInvalid means the Origin header is absent from the
	// allow-set or unparseable.
	ErrKindOriginInvalid ErrorKind = "origin_invalid"
	// ErrKindOriginMismatch means the Origin host does not match the Host
	// header (DNS-rebinding indicator).
	ErrKindOriginMismatch ErrorKind = "origin_mismatch"
	// ErrKindBindHost means the listener bind address violates policy.
	ErrKindBindHost ErrorKind = "bind_host"
	// ErrKindOversized means Content-Length exceeds the configured ceiling.
	ErrKindOversized ErrorKind = "oversized_request"
)

// SecurityError is a typed transport rejection. The gateway converts it to
// an HTTP 403 (or 413 for oversized requests) and never retries.
type SecurityError struct {
	Kind    ErrorKind
	Message string
}

// Error implements the error interface.
func (e *SecurityError) Error() string {
	return fmt.Sprintf("transport security: %s: %s", e.Kind, e.Message)
}

func securityErrorf(kind ErrorKind, format string, args ...any) *SecurityError {
	return &SecurityError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// RequestMeta carries the transport-level facts about an inbound request.
// The HTTP adapter fills it from the request; keeping it a plain struct
// keeps the policy engine independent of net/http.
type RequestMeta struct {
	// TLS is true when the request arrived over a TLS connection or a
	// trusted proxy asserted https via X-Forwarded-Proto.
	TLS bool
	// RemoteAddr is the peer address (host or host:port form).
	RemoteAddr string
	// Origin is the Origin header, empty when absent.
	Origin string
	// Host is the Host header.
	Host string
	// ContentLength is the declared request body size; -1 when unknown.
	ContentLength int64
}
