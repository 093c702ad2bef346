package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// DefaultMaxRequestBytes is the request size ceiling when none is configured.
const DefaultMaxRequestBytes = 1 << 20 // 1 MB

// Config is the immutable transport security policy for one deployment.
type Config struct {
	// Tier selects the strictness profile.
	Tier PolicyTier
	// RequireHTTPS rejects plaintext requests. Tier development exempts
	// loopback peers regardless of this flag.
	RequireHTTPS bool
	// AllowedOrigins is the Origin allow-set; entries are normalized at
	// construction time.
	AllowedOrigins []string
	// AllowedBindHosts, when non-empty, restricts the listener bind host.
	AllowedBindHosts []string
	// AllowWildcardBind permits 0.0.0.0/:: binds in strict tiers.
	AllowWildcardBind bool
	// MaxRequestBytes is the Content-Length ceiling (default 1 MB).
	MaxRequestBytes int64
	// TLSMinVersion is the minimum TLS version for the listener.
	TLSMinVersion uint16
	// EnableHSTS adds Strict-Transport-Security to success headers.
	EnableHSTS bool
	// EnableCSP adds Content-Security-Policy to success headers.
	EnableCSP bool
}

// DefaultConfig returns the policy profile for a tier.
func DefaultConfig(tier PolicyTier) Config {
	cfg := Config{
		Tier:            tier,
		RequireHTTPS:    true,
		MaxRequestBytes: DefaultMaxRequestBytes,
		TLSMinVersion:   tls.VersionTLS12,
		EnableHSTS:      true,
		EnableCSP:       true,
	}
	switch tier {
	case TierDevelopment:
		cfg.RequireHTTPS = false
		cfg.AllowWildcardBind = true
		cfg.EnableHSTS = false
		cfg.EnableCSP = false
	case TierStaging:
		cfg.AllowWildcardBind = true
	case TierParanoid:
		cfg.TLSMinVersion = tls.VersionTLS13
	}
	return cfg
}

// Manager evaluates the transport policy. It holds only immutable state
// and is safe for concurrent use.
type Manager struct {
	cfg            Config
	allowedOrigins map[string]struct{}
	allowedBinds   map[string]struct{}
}

// NewManager builds a Manager, normalizing the origin allow-set once.
// Unparseable allow-set entries are rejected at construction.
func NewManager(cfg Config) (*Manager, error) {
	if !cfg.Tier.IsValid() {
		return nil, fmt.Errorf("unknown policy tier %q", cfg.Tier)
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = DefaultMaxRequestBytes
	}

	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		normalized, err := NormalizeOrigin(o)
		if err != nil {
			return nil, fmt.Errorf("allowed origin %q: %w", o, err)
		}
		origins[normalized] = struct{}{}
	}

	binds := make(map[string]struct{}, len(cfg.AllowedBindHosts))
	for _, h := range cfg.AllowedBindHosts {
		binds[strings.ToLower(h)] = struct{}{}
	}

	return &Manager{cfg: cfg, allowedOrigins: origins, allowedBinds: binds}, nil
}

// Tier returns the configured policy tier.
func (m *Manager) Tier() PolicyTier { return m.cfg.Tier }

// MaxRequestBytes returns the configured request size ceiling.
func (m *Manager) MaxRequestBytes() int64 { return m.cfg.MaxRequestBytes }

// TLSMinVersion returns the minimum TLS version for listener setup.
func (m *Manager) TLSMinVersion() uint16 { return m.cfg.TLSMinVersion }

// ValidateRequest runs the carrier checks in order: size ceiling, HTTPS
// enforcement, then Origin validation. On success it returns the security
// headers to attach to the response.
func (m *Manager) ValidateRequest(meta RequestMeta) (map[string]string, error) {
	if meta.ContentLength > m.cfg.MaxRequestBytes {
		return nil, securityErrorf(ErrKindOversized,
			"content length %d exceeds limit %d", meta.ContentLength, m.cfg.MaxRequestBytes)
	}
	if err := m.CheckHTTPS(meta); err != nil {
		return nil, err
	}
	if err := m.ValidateOrigin(meta.Origin, meta.Host); err != nil {
		return nil, err
	}
	return m.SecurityHeaders(), nil
}

// CheckHTTPS rejects plaintext requests. In the development tier a
// loopback peer may use plain HTTP.
func (m *Manager) CheckHTTPS(meta RequestMeta) error {
	if meta.TLS || !m.cfg.RequireHTTPS {
		return nil
	}
	if m.cfg.Tier == TierDevelopment && isLoopbackAddr(meta.RemoteAddr) {
		return nil
	}
	return securityErrorf(ErrKindHTTPSRequired, "request must use HTTPS")
}

// ValidateOrigin normalizes the Origin header and checks it against the
// allow-set. Requests without an Origin header are allowed (same-origin or
// non-browser clients). Loopback origins are accepted without listing in
// development and staging. In production and paranoid tiers a present Host
// header must match the Origin host (anti DNS-rebinding).
func (m *Manager) ValidateOrigin(origin, host string) error {
	if origin == "" {
		return nil
	}

	normalized, err := NormalizeOrigin(origin)
	if err != nil {
		return securityErrorf(ErrKindOriginInvalid, "unparseable origin %q", origin)
	}

	if _, ok := m.allowedOrigins[normalized]; !ok {
		if m.cfg.Tier.strict() || !isLoopbackOrigin(normalized) {
			return securityErrorf(ErrKindOriginInvalid, "origin %q not allowed", normalized)
		}
	}

	if m.cfg.Tier.strict() && host != "" {
		originHost := hostOnly(hostPart(normalized))
		requestHost := hostOnly(host)
		if !strings.EqualFold(originHost, requestHost) {
			return securityErrorf(ErrKindOriginMismatch,
				"origin host %q does not match request host %q", originHost, requestHost)
		}
	}
	return nil
}

// ValidateBindHost rejects wildcard listener binds in strict tiers and,
// when an allow-set is configured, restricts the bind host to it.
func (m *Manager) ValidateBindHost(addr string) error {
	host := hostOnly(addr)

	if host == "" || host == "0.0.0.0" || host == "::" {
		if m.cfg.Tier.strict() && !m.cfg.AllowWildcardBind {
			return securityErrorf(ErrKindBindHost,
				"wildcard bind %q not permitted in %s tier", addr, m.cfg.Tier)
		}
		return nil
	}

	if len(m.allowedBinds) > 0 {
		if _, ok := m.allowedBinds[strings.ToLower(host)]; !ok {
			return securityErrorf(ErrKindBindHost, "bind host %q not in allow-set", host)
		}
	}
	return nil
}

// SecurityHeaders returns the response headers to attach to validated
// responses.
func (m *Manager) SecurityHeaders() map[string]string {
	headers := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	}
	if m.cfg.EnableHSTS {
		headers["Strict-Transport-Security"] = "max-age=31536000; includeSubDomains"
	}
	if m.cfg.EnableCSP {
		headers["Content-Security-Policy"] = "default-src 'none'; frame-ancestors 'none'"
	}
	return headers
}

// NormalizeOrigin lower-cases the scheme and host of an origin and strips
// default ports (80 for http, 443 for https). Normalization is idempotent.
func NormalizeOrigin(origin string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("origin %q lacks scheme or host", origin)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()

	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}

	if strings.Contains(host, ":") {
		// IPv6 literal needs brackets back.
		host = "[" + host + "]"
	}
	if port != "" {
		return scheme + "://" + host + ":" + port, nil
	}
	return scheme + "://" + host, nil
}

// hostPart strips the scheme from a normalized origin.
func hostPart(normalizedOrigin string) string {
	if i := strings.Index(normalizedOrigin, "://"); i >= 0 {
		return normalizedOrigin[i+3:]
	}
	return normalizedOrigin
}

// hostOnly strips a :port suffix when present.
func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.Trim(hostport, "[]")
}

// isLoopbackOrigin reports whether a normalized origin points at loopback.
func isLoopbackOrigin(normalizedOrigin string) bool {
	host := hostOnly(hostPart(normalizedOrigin))
	return host == "localhost" || isLoopbackIP(host)
}

// isLoopbackAddr reports whether a peer address is loopback.
func isLoopbackAddr(addr string) bool {
	return isLoopbackIP(hostOnly(addr))
}

func isLoopbackIP(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
