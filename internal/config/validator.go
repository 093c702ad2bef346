package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// sqliteStorePrefix marks a SQLite-backed consent decision store.
const sqliteStorePrefix = "sqlite://"

// RegisterCustomValidators registers Gatewarden-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// duration: validates Go duration strings ("30m", "1h30m")
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	// consent_store: validates "memory" or "sqlite://<absolute-path>"
	if err := v.RegisterValidation("consent_store", validateConsentStore); err != nil {
		return fmt.Errorf("failed to register consent_store validator: %w", err)
	}
	return nil
}

// validateDuration validates a Go duration string field.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// validateConsentStore validates the consent store field.
// Valid values: "memory" or "sqlite://<absolute-path>"
func validateConsentStore(fl validator.FieldLevel) bool {
	store := fl.Field().String()

	if store == "memory" {
		return true
	}

	if strings.HasPrefix(store, sqliteStorePrefix) {
		path := strings.TrimPrefix(store, sqliteStorePrefix)
		return path != "" && filepath.IsAbs(path)
	}

	return false
}

// SQLitePath returns the database path when the store is SQLite-backed,
// and false when the store is in-memory.
func (c *ConsentConfig) SQLitePath() (string, bool) {
	if strings.HasPrefix(c.Store, sqliteStorePrefix) {
		return strings.TrimPrefix(c.Store, sqliteStorePrefix), true
	}
	return "", false
}

// Validate validates the Config using struct tags and custom cross-field
// rules. Returns an error with actionable messages on failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	// Run struct validation (tags)
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	// Cross-field validation: TLS cert and key must be set together
	if err := c.validateTLSPair(); err != nil {
		return err
	}

	// Cross-field validation: OAuth requires its core fields when enabled
	if err := c.validateOAuthEnabled(); err != nil {
		return err
	}

	// Cross-field validation: rule names must be unique
	if err := c.validateRuleNames(); err != nil {
		return err
	}

	return nil
}

// validateTLSPair ensures the TLS certificate and key are configured
// together or not at all.
func (c *Config) validateTLSPair() error {
	hasCert := c.Server.TLSCertFile != ""
	hasKey := c.Server.TLSKeyFile != ""

	if hasCert != hasKey {
		return errors.New("server: tls_cert_file and tls_key_file must be set together")
	}
	return nil
}

// validateOAuthEnabled ensures the resource server has everything it needs
// when token validation is turned on.
func (c *Config) validateOAuthEnabled() error {
	if !c.OAuth.Enabled {
		return nil
	}

	if c.OAuth.ResourceID == "" {
		return errors.New("oauth: resource_id is required when oauth is enabled")
	}
	if c.OAuth.Issuer == "" {
		return errors.New("oauth: issuer is required when oauth is enabled")
	}
	if c.OAuth.JWKSURL == "" {
		return errors.New("oauth: jwks_url is required when oauth is enabled")
	}
	return nil
}

// validateRuleNames ensures consent rule names are unique. Duplicate names
// would make audit events ambiguous.
func (c *Config) validateRuleNames() error {
	seen := make(map[string]struct{}, len(c.Consent.Rules))
	for i, rule := range c.Consent.Rules {
		if _, dup := seen[rule.Name]; dup {
			return fmt.Errorf("consent.rules[%d]: duplicate rule name: %s", i, rule.Name)
		}
		seen[rule.Name] = struct{}{}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single
// validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a positive duration like '30s' or '5m'", field)
	case "consent_store":
		return fmt.Sprintf("%s must be 'memory' or 'sqlite://<absolute-path>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
