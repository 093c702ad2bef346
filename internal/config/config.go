// Package config provides the file and environment based configuration
// schema for Gatewarden.
//
// Configuration is intentionally flat and explicit: one YAML file (or
// GATEWARDEN_* environment variables) covers the listener, the transport
// security policy, the OAuth resource server, the consent gate, and audit
// persistence. Durations are written as Go duration strings ("30m", "1h")
// and parsed at wiring time.
package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for the Gatewarden server.
type Config struct {
	// Server configures the HTTP listener and logging.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Transport configures the transport security policy applied to
	// every inbound request before it reaches the protocol layer.
	Transport TransportConfig `yaml:"transport" mapstructure:"transport"`

	// OAuth configures token validation. When disabled, requests are
	// accepted without bearer tokens (development only).
	OAuth OAuthConfig `yaml:"oauth" mapstructure:"oauth"`

	// Consent configures the tool-call consent gate.
	Consent ConsentConfig `yaml:"consent" mapstructure:"consent"`

	// Upstream configures the MCP server tool calls are forwarded to.
	// Optional: without an upstream the gateway validates and gates
	// messages but answers tools/call with an internal error.
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`

	// Audit configures the append-only consent audit trail.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Admin configures access to the consent administration endpoints.
	// When no key hashes are configured the endpoints refuse all requests.
	Admin AdminConfig `yaml:"admin" mapstructure:"admin"`

	// Telemetry configures trace span export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables development defaults (permissive transport tier,
	// verbose logging, auto-approval of low-risk tools).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server and logging.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty. The
	// transport policy's bind-host rules apply on top of this value.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	// Must be set together or not at all.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// SessionTTL is how long an idle session lives before expiry
	// (e.g., "30m", "1h"). Defaults to "30m".
	SessionTTL string `yaml:"session_ttl" mapstructure:"session_ttl" validate:"omitempty,duration"`

	// VersionFallback controls protocol version negotiation: when true,
	// an initialize request carrying an unrecognized protocol version is
	// answered with the server's preferred version instead of rejected.
	// Defaults to true.
	VersionFallback bool `yaml:"version_fallback" mapstructure:"version_fallback"`
}

// TransportConfig configures the transport security policy.
// The tier selects a strictness profile; the remaining fields override
// individual profile values.
type TransportConfig struct {
	// Tier selects the policy profile.
	// Valid values: "development", "staging", "production", "paranoid".
	// Defaults to "production", or "development" when DevMode is set.
	Tier string `yaml:"tier" mapstructure:"tier" validate:"omitempty,oneof=development staging production paranoid"`

	// AllowedOrigins is the Origin header allow-set for browser clients.
	// Empty means no cross-origin requests are accepted outside the
	// development tier.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`

	// AllowedBindHosts, when non-empty, restricts which hosts the
	// listener may bind beyond the tier's built-in rules.
	AllowedBindHosts []string `yaml:"allowed_bind_hosts" mapstructure:"allowed_bind_hosts"`

	// AllowWildcardBind permits 0.0.0.0 and :: binds in strict tiers.
	AllowWildcardBind bool `yaml:"allow_wildcard_bind" mapstructure:"allow_wildcard_bind"`

	// MaxRequestBytes caps the request body size in bytes.
	// 0 uses the policy default (1 MiB).
	MaxRequestBytes int64 `yaml:"max_request_bytes" mapstructure:"max_request_bytes" validate:"omitempty,min=1"`
}

// OAuthConfig configures the OAuth 2.1 resource server.
type OAuthConfig struct {
	// Enabled turns bearer token validation on. When false, requests
	// need no Authorization header; intended for development only.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// ResourceID is this server's canonical resource identifier,
	// compared against both aud and the resource indicator claim.
	// Required when Enabled.
	ResourceID string `yaml:"resource_id" mapstructure:"resource_id" validate:"omitempty,url"`

	// Issuer is the required iss claim. Required when Enabled.
	Issuer string `yaml:"issuer" mapstructure:"issuer" validate:"omitempty,url"`

	// JWKSURL points at the authorization server's key set.
	// Required when Enabled.
	JWKSURL string `yaml:"jwks_url" mapstructure:"jwks_url" validate:"omitempty,url"`

	// RequiredScopes must all be present on every accepted token.
	RequiredScopes []string `yaml:"required_scopes" mapstructure:"required_scopes"`

	// AllowedAlgs restricts acceptable signing algorithms.
	// Empty uses the built-in default (RS256, ES256).
	AllowedAlgs []string `yaml:"allowed_algs" mapstructure:"allowed_algs"`

	// MaxTokenAge bounds token age from iat (e.g., "1h").
	// Empty uses the built-in default.
	MaxTokenAge string `yaml:"max_token_age" mapstructure:"max_token_age" validate:"omitempty,duration"`

	// Leeway is the clock skew allowance for exp/iat checks (e.g., "30s").
	Leeway string `yaml:"leeway" mapstructure:"leeway" validate:"omitempty,duration"`

	// Realm appears in WWW-Authenticate challenges. Defaults to "gatewarden".
	Realm string `yaml:"realm" mapstructure:"realm"`
}

// ConsentConfig configures the consent gate.
type ConsentConfig struct {
	// RequestTTL is how long a pending consent request stays decidable
	// (e.g., "5m"). Defaults to "5m".
	RequestTTL string `yaml:"request_ttl" mapstructure:"request_ttl" validate:"omitempty,duration"`

	// SessionDecisionTTL bounds how long session-scoped decisions are
	// reusable (e.g., "1h"). Defaults to "1h".
	SessionDecisionTTL string `yaml:"session_decision_ttl" mapstructure:"session_decision_ttl" validate:"omitempty,duration"`

	// Store selects persistent-decision storage.
	// Valid values: "memory" or "sqlite://<absolute-path>".
	// Defaults to "memory".
	Store string `yaml:"store" mapstructure:"store" validate:"omitempty,consent_store"`

	// Rules are consent auto-decision rules, evaluated in order with
	// first match winning. Tools matching no rule prompt for consent.
	Rules []RuleConfig `yaml:"rules" mapstructure:"rules" validate:"omitempty,dive"`
}

// RuleConfig defines a single consent auto-decision rule.
type RuleConfig struct {
	// Name identifies the rule in audit events and logs.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Expression is a CEL expression over tool_name, params, risk_tier,
	// user_id, client_id, session_id, and request_time.
	Expression string `yaml:"expression" mapstructure:"expression" validate:"required"`

	// Decision is applied when the expression matches.
	// Valid values: "approved" or "denied". Critical-tier tools always
	// prompt regardless of an approving rule.
	Decision string `yaml:"decision" mapstructure:"decision" validate:"required,oneof=approved denied"`
}

// UpstreamConfig configures the upstream MCP server.
type UpstreamConfig struct {
	// URL is the Streamable HTTP endpoint of the upstream MCP server
	// (e.g., "http://localhost:3000/mcp").
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`

	// Timeout is the per-request timeout for upstream calls (e.g., "30s").
	// Defaults to "30s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`
}

// AuditConfig configures the append-only consent audit trail.
type AuditConfig struct {
	// Dir is the directory where audit files are stored.
	// Defaults to "~/.gatewarden/audit".
	Dir string `yaml:"dir" mapstructure:"dir"`

	// RetentionDays is the number of days to keep audit files.
	// Defaults to 30.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// MaxFileSizeMB is the maximum size per audit file in megabytes
	// before rotation. Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`

	// RecentSize is the number of recent audit events kept in memory.
	// Defaults to 256.
	RecentSize int `yaml:"recent_size" mapstructure:"recent_size" validate:"omitempty,min=1"`
}

// AdminConfig configures the consent administration endpoints.
type AdminConfig struct {
	// KeyHashes are argon2id hashes of accepted admin keys.
	// Generate with: gatewarden hash-key
	// When empty, the admin endpoints reject all requests.
	KeyHashes []string `yaml:"key_hashes" mapstructure:"key_hashes" validate:"omitempty,dive,startswith=$argon2id$"`
}

// TelemetryConfig configures trace span export to stdout.
type TelemetryConfig struct {
	// Enabled turns span export on. Default: false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// PrettyPrint indents exported spans for human reading.
	PrettyPrint bool `yaml:"pretty_print" mapstructure:"pretty_print"`
}

// SetDevDefaults applies permissive defaults for development mode.
// These defaults are applied BEFORE validation so a bare
// "gatewarden start --dev" works with no config file.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	if c.Server.LogLevel == "" || c.Server.LogLevel == "info" {
		c.Server.LogLevel = "debug"
	}

	// SetDefaults may have already picked the production tier when dev
	// mode arrived late via a CLI flag. Only an explicit tier survives.
	if !viper.IsSet("transport.tier") {
		c.Transport.Tier = "development"
	}

	// Auto-approve read-only tools so a dev loop is not interrupted by
	// consent prompts for harmless calls.
	if len(c.Consent.Rules) == 0 {
		c.Consent.Rules = []RuleConfig{
			{
				Name:       "dev-approve-low-risk",
				Expression: `risk_tier == "low"`,
				Decision:   "approved",
			},
		}
	}

	if !viper.IsSet("telemetry.pretty_print") {
		c.Telemetry.PrettyPrint = true
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Server defaults -- bind to localhost only. Users who need network
	// access must explicitly set addr and pass the bind-host policy.
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.SessionTTL == "" {
		c.Server.SessionTTL = "30m"
	}
	// Version fallback is on by default so older clients can connect.
	// viper.IsSet distinguishes "not set" from "explicitly false".
	if !viper.IsSet("server.version_fallback") {
		c.Server.VersionFallback = true
	}

	// Transport defaults to the strict production profile; dev mode
	// opts into the permissive one.
	if c.Transport.Tier == "" {
		if c.DevMode {
			c.Transport.Tier = "development"
		} else {
			c.Transport.Tier = "production"
		}
	}

	// Consent defaults
	if c.Consent.RequestTTL == "" {
		c.Consent.RequestTTL = "5m"
	}
	if c.Consent.SessionDecisionTTL == "" {
		c.Consent.SessionDecisionTTL = "1h"
	}
	if c.Consent.Store == "" {
		c.Consent.Store = "memory"
	}

	// Upstream defaults
	if c.Upstream.Timeout == "" {
		c.Upstream.Timeout = "30s"
	}

	// Audit defaults
	if c.Audit.Dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Audit.Dir = filepath.Join(home, ".gatewarden", "audit")
		}
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 30
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = 100
	}
	if c.Audit.RecentSize == 0 {
		c.Audit.RecentSize = 256
	}

	// OAuth defaults
	if c.OAuth.Realm == "" {
		c.OAuth.Realm = "gatewarden"
	}
}
