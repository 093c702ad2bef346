package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// writeConfigFixture marshals a config document to YAML in a temp dir and
// returns the file path.
func writeConfigFixture(t *testing.T, doc map[string]any) string {
	t.Helper()
	data, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	path := filepath.Join(t.TempDir(), "gatewarden.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoadConfig_FromFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	path := writeConfigFixture(t, map[string]any{
		"server": map[string]any{
			"addr":      "127.0.0.1:9443",
			"log_level": "warn",
		},
		"transport": map[string]any{
			"tier":            "staging",
			"allowed_origins": []string{"https://app.example.com"},
		},
		"consent": map[string]any{
			"store": "memory",
			"rules": []map[string]any{
				{"name": "allow-reads", "expression": `risk_tier == "low"`, "decision": "approved"},
			},
		},
		"upstream": map[string]any{
			"url":     "https://tools.internal:8443/mcp",
			"timeout": "10s",
		},
	})

	InitViper(path)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:9443" {
		t.Errorf("Addr = %q, want 127.0.0.1:9443", cfg.Server.Addr)
	}
	if cfg.Server.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.Server.LogLevel)
	}
	if cfg.Transport.Tier != "staging" {
		t.Errorf("Tier = %q, want staging", cfg.Transport.Tier)
	}
	if len(cfg.Transport.AllowedOrigins) != 1 || cfg.Transport.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("AllowedOrigins = %v", cfg.Transport.AllowedOrigins)
	}
	if len(cfg.Consent.Rules) != 1 || cfg.Consent.Rules[0].Name != "allow-reads" {
		t.Errorf("Rules = %+v", cfg.Consent.Rules)
	}
	if cfg.Upstream.URL != "https://tools.internal:8443/mcp" {
		t.Errorf("Upstream.URL = %q", cfg.Upstream.URL)
	}

	// Unset keys fall back to defaults.
	if cfg.Server.SessionTTL != "30m" {
		t.Errorf("SessionTTL = %q, want default 30m", cfg.Server.SessionTTL)
	}
	if !cfg.Server.VersionFallback {
		t.Error("VersionFallback should default to true")
	}

	if got := ConfigFileUsed(); got != path {
		t.Errorf("ConfigFileUsed() = %q, want %q", got, path)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("GATEWARDEN_SERVER_ADDR", "127.0.0.1:7070")
	t.Setenv("GATEWARDEN_TRANSPORT_TIER", "paranoid")

	path := writeConfigFixture(t, map[string]any{
		"server":    map[string]any{"addr": "127.0.0.1:9443"},
		"transport": map[string]any{"tier": "staging"},
	})

	InitViper(path)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:7070" {
		t.Errorf("Addr = %q, want env override 127.0.0.1:7070", cfg.Server.Addr)
	}
	if cfg.Transport.Tier != "paranoid" {
		t.Errorf("Tier = %q, want env override paranoid", cfg.Transport.Tier)
	}
}

func TestLoadConfigRaw_NoConfigFile(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Chdir(t.TempDir())

	InitViper("")
	cfg, err := LoadConfigRaw()
	if err != nil {
		t.Fatalf("LoadConfigRaw() error = %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Errorf("Addr = %q, want default 127.0.0.1:8080", cfg.Server.Addr)
	}
	if cfg.Transport.Tier != "production" {
		t.Errorf("Tier = %q, want default production", cfg.Transport.Tier)
	}
}

func TestLoadConfig_InvalidConfigFails(t *testing.T) {
	t.Cleanup(viper.Reset)

	path := writeConfigFixture(t, map[string]any{
		"transport": map[string]any{"tier": "yolo"},
	})

	InitViper(path)
	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() accepted an invalid transport tier")
	}
}
