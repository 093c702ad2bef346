package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for gatewarden.yaml/.yml
// in standard locations. The search requires an explicit YAML extension to
// avoid matching the binary itself, which Viper's built-in SetConfigName
// would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("gatewarden")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: GATEWARDEN_SERVER_ADDR
	viper.SetEnvPrefix("GATEWARDEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Bind nested keys for env var support
	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a gatewarden config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".gatewarden"),
	}
	if runtime.GOOS == "windows" {
		// %ProgramData%\gatewarden (typically C:\ProgramData\gatewarden)
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "gatewarden"))
		}
	} else {
		paths = append(paths, "/etc/gatewarden")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for gatewarden.yaml
// or .yml. Returns the full path of the first match, or empty string if
// none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "gatewarden"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds all scalar config keys for environment variable
// support. Example: GATEWARDEN_SERVER_ADDR overrides server.addr
func bindNestedEnvKeys() {
	// Server config
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("server.tls_cert_file")
	_ = viper.BindEnv("server.tls_key_file")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.session_ttl")
	_ = viper.BindEnv("server.version_fallback")

	// Transport config
	// Note: allowed_origins and allowed_bind_hosts are arrays; use the
	// config file for those.
	_ = viper.BindEnv("transport.tier")
	_ = viper.BindEnv("transport.allow_wildcard_bind")
	_ = viper.BindEnv("transport.max_request_bytes")

	// OAuth config
	_ = viper.BindEnv("oauth.enabled")
	_ = viper.BindEnv("oauth.resource_id")
	_ = viper.BindEnv("oauth.issuer")
	_ = viper.BindEnv("oauth.jwks_url")
	_ = viper.BindEnv("oauth.max_token_age")
	_ = viper.BindEnv("oauth.leeway")
	_ = viper.BindEnv("oauth.realm")

	// Consent config
	// Note: consent.rules is an array; use the config file for rules.
	_ = viper.BindEnv("consent.request_ttl")
	_ = viper.BindEnv("consent.session_decision_ttl")
	_ = viper.BindEnv("consent.store")

	// Upstream config
	_ = viper.BindEnv("upstream.url")
	_ = viper.BindEnv("upstream.timeout")

	// Audit config
	_ = viper.BindEnv("audit.dir")
	_ = viper.BindEnv("audit.retention_days")
	_ = viper.BindEnv("audit.max_file_size_mb")
	_ = viper.BindEnv("audit.recent_size")

	// Telemetry config
	_ = viper.BindEnv("telemetry.enabled")
	_ = viper.BindEnv("telemetry.pretty_print")

	// Dev mode
	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the Config.
// Note: Caller should apply any CLI flag overrides (e.g. --dev), then call
// cfg.SetDevDefaults() and cfg.Validate() to complete initialization.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	// In dev mode, apply permissive defaults before validation
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
		// This allows running with pure environment variable configuration.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
