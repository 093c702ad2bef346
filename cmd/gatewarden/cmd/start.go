package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gatewarden/gatewarden/internal/adapter/inbound/http"
	"github.com/gatewarden/gatewarden/internal/adapter/outbound/audit"
	"github.com/gatewarden/gatewarden/internal/adapter/outbound/cel"
	mcpexec "github.com/gatewarden/gatewarden/internal/adapter/outbound/mcp"
	"github.com/gatewarden/gatewarden/internal/adapter/outbound/memory"
	"github.com/gatewarden/gatewarden/internal/adapter/outbound/sqlite"
	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/domain/auth"
	"github.com/gatewarden/gatewarden/internal/domain/consent"
	"github.com/gatewarden/gatewarden/internal/domain/lifecycle"
	"github.com/gatewarden/gatewarden/internal/domain/token"
	"github.com/gatewarden/gatewarden/internal/domain/transport"
	"github.com/gatewarden/gatewarden/internal/service"
	"github.com/gatewarden/gatewarden/internal/telemetry"
)

// cleanupInterval is how often expired sessions and consent requests are
// swept.
const cleanupInterval = time.Minute

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway server",
	Long: `Start the Gatewarden gateway server.

The gateway exposes the MCP Streamable HTTP surface on /mcp, health on
/health, Prometheus metrics on /metrics, and (when admin keys are
configured) consent administration endpoints under /consent.

Examples:
  # Start with config file settings
  gatewarden start

  # Start in development mode (permissive transport, no auth required)
  gatewarden start --dev

  # Start with a specific config file
  gatewarden --config /path/to/config.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging, permissive transport policy)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override dev mode from CLI flag
	if devMode {
		cfg.DevMode = true
	}

	// Apply dev defaults (permissive tier, debug logging) before validation
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("gatewarden stopped")
	return nil
}

// run wires all components together and starts the HTTP transport.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.DevMode {
		logger.Warn("development mode enabled: permissive transport policy, do not use in production")
	}

	// ===== Telemetry =====
	tracer, shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Writer:      os.Stdout,
		PrettyPrint: cfg.Telemetry.PrettyPrint,
	}, "gatewarden", Version, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	// ===== Session lifecycle =====
	sessionTTL := parseDurationOr(cfg.Server.SessionTTL, 30*time.Minute, "server.session_ttl", logger)
	sessions := lifecycle.NewManager(lifecycle.Config{
		SessionTTL:      sessionTTL,
		VersionFallback: cfg.Server.VersionFallback,
		ServerInfo: lifecycle.Implementation{
			Name:    "gatewarden",
			Version: Version,
		},
		ServerCapabilities: map[string]any{
			"tools": map[string]any{},
		},
	}, logger)

	// ===== Transport security policy =====
	policyCfg := transport.DefaultConfig(transport.PolicyTier(cfg.Transport.Tier))
	if len(cfg.Transport.AllowedOrigins) > 0 {
		policyCfg.AllowedOrigins = cfg.Transport.AllowedOrigins
	}
	if len(cfg.Transport.AllowedBindHosts) > 0 {
		policyCfg.AllowedBindHosts = cfg.Transport.AllowedBindHosts
	}
	if cfg.Transport.AllowWildcardBind {
		policyCfg.AllowWildcardBind = true
	}
	if cfg.Transport.MaxRequestBytes > 0 {
		policyCfg.MaxRequestBytes = cfg.Transport.MaxRequestBytes
	}
	policy, err := transport.NewManager(policyCfg)
	if err != nil {
		return fmt.Errorf("create transport policy: %w", err)
	}
	logger.Info("transport policy configured", "tier", cfg.Transport.Tier)

	// ===== Gateway options =====
	gwOpts := []service.GatewayOption{service.WithTracer(tracer)}

	// OAuth resource server
	if cfg.OAuth.Enabled {
		rs, err := token.NewResourceServer(ctx, token.Config{
			ResourceID:     cfg.OAuth.ResourceID,
			Issuer:         cfg.OAuth.Issuer,
			JWKSURL:        cfg.OAuth.JWKSURL,
			AllowedAlgs:    cfg.OAuth.AllowedAlgs,
			RequiredScopes: cfg.OAuth.RequiredScopes,
			MaxTokenAge:    parseDurationOr(cfg.OAuth.MaxTokenAge, 0, "oauth.max_token_age", logger),
			Leeway:         parseDurationOr(cfg.OAuth.Leeway, 0, "oauth.leeway", logger),
		}, logger)
		if err != nil {
			return fmt.Errorf("create resource server: %w", err)
		}
		gwOpts = append(gwOpts, service.WithResourceServer(rs, cfg.OAuth.Realm))
		logger.Info("oauth enabled",
			"resource", cfg.OAuth.ResourceID,
			"issuer", cfg.OAuth.Issuer,
			"required_scopes", cfg.OAuth.RequiredScopes,
		)
	} else {
		logger.Warn("oauth disabled: requests are accepted without bearer tokens")
	}

	// ===== Consent gate =====
	decisions, closeStore, err := createDecisionStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create decision store: %w", err)
	}
	defer closeStore()

	auditSink, err := audit.NewFileSink(audit.FileSinkConfig{
		Dir:           cfg.Audit.Dir,
		RetentionDays: cfg.Audit.RetentionDays,
		MaxFileSizeMB: cfg.Audit.MaxFileSizeMB,
		RecentSize:    cfg.Audit.RecentSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("create audit sink: %w", err)
	}
	defer func() { _ = auditSink.Close() }()

	var rules consent.RuleEngine
	if len(cfg.Consent.Rules) > 0 {
		celRules := make([]cel.Rule, len(cfg.Consent.Rules))
		for i, r := range cfg.Consent.Rules {
			celRules[i] = cel.Rule{
				Name:       r.Name,
				Expression: r.Expression,
				Decision:   consent.Decision(r.Decision),
			}
		}
		engine, err := cel.NewEngine(celRules)
		if err != nil {
			return fmt.Errorf("compile consent rules: %w", err)
		}
		rules = engine
		logger.Info("consent rules compiled", "rules", len(celRules))
	}

	consents := consent.NewManager(consent.Config{
		RequestTTL:         parseDurationOr(cfg.Consent.RequestTTL, 5*time.Minute, "consent.request_ttl", logger),
		SessionDecisionTTL: parseDurationOr(cfg.Consent.SessionDecisionTTL, time.Hour, "consent.session_decision_ttl", logger),
	}, decisions, auditSink, rules, logger)
	gwOpts = append(gwOpts, service.WithConsent(consents))

	// ===== Upstream executor =====
	if cfg.Upstream.URL != "" {
		executor := mcpexec.NewHTTPExecutor(cfg.Upstream.URL,
			mcpexec.WithTimeout(parseDurationOr(cfg.Upstream.Timeout, 30*time.Second, "upstream.timeout", logger)),
			mcpexec.WithLogger(logger),
		)
		gwOpts = append(gwOpts, service.WithExecutor(executor))
		logger.Info("upstream configured", "endpoint", cfg.Upstream.URL)
	} else {
		logger.Warn("no upstream configured: tools/call will fail after the consent gate")
	}

	gateway := service.NewGatewayService(sessions, logger, gwOpts...)

	// Sweep expired sessions and consent requests.
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := sessions.CleanupExpired(); n > 0 {
					logger.Debug("expired sessions removed", "count", n)
				}
				if n := consents.CleanupExpired(ctx); n > 0 {
					logger.Debug("expired consent requests removed", "count", n)
				}
			}
		}
	}()

	// ===== Admin key verifier =====
	var adminKeys *auth.Verifier
	if len(cfg.Admin.KeyHashes) > 0 {
		adminKeys, err = auth.NewVerifier(cfg.Admin.KeyHashes)
		if err != nil {
			return fmt.Errorf("create admin key verifier: %w", err)
		}
		logger.Info("consent admin endpoints enabled", "keys", len(cfg.Admin.KeyHashes))
	} else {
		logger.Info("consent admin endpoints disabled: no admin.key_hashes configured")
	}

	// ===== HTTP transport =====
	healthChecker := http.NewHealthChecker(gateway, consents, policy, Version)

	transportOpts := []http.Option{
		http.WithAddr(cfg.Server.Addr),
		http.WithLogger(logger),
		http.WithHealthChecker(healthChecker),
		http.WithConsentAdmin(consents, adminKeys),
	}
	if cfg.Server.TLSCertFile != "" {
		transportOpts = append(transportOpts, http.WithTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile))
	}

	logger.Info("gatewarden starting",
		"version", Version,
		"addr", cfg.Server.Addr,
		"tier", cfg.Transport.Tier,
		"oauth", cfg.OAuth.Enabled,
		"consent_rules", len(cfg.Consent.Rules),
		"upstream", cfg.Upstream.URL != "",
		"dev_mode", cfg.DevMode,
	)
	printBanner(cfg)

	httpTransport := http.NewHTTPTransport(gateway, policy, transportOpts...)
	return httpTransport.Start(ctx)
}

// createDecisionStore builds the persistent consent decision store from
// config. The returned closer is a no-op for the in-memory store.
func createDecisionStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (consent.DecisionStore, func(), error) {
	if path, ok := cfg.Consent.SQLitePath(); ok {
		store, err := sqlite.NewDecisionStore(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("consent store: sqlite", "path", path)
		return store, func() { _ = store.Close() }, nil
	}

	logger.Info("consent store: memory (decisions lost on restart)")
	return memory.NewDecisionStore(), func() {}, nil
}

// parseDurationOr parses a duration string, logging and falling back to
// the given default on failure. Validation normally catches bad values
// before this runs.
func parseDurationOr(value string, fallback time.Duration, key string, logger *slog.Logger) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn("invalid duration, using default", "key", key, "value", value, "default", fallback)
		return fallback
	}
	return d
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner prints a formatted startup banner to stderr with the
// listener address, mode, and security posture.
func printBanner(cfg *config.Config) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	mcpURL := fmt.Sprintf("http://%s/mcp", cfg.Server.Addr)
	if cfg.Server.TLSCertFile != "" {
		mcpURL = fmt.Sprintf("https://%s/mcp", cfg.Server.Addr)
	}

	modeStr := green + cfg.Transport.Tier + reset
	if cfg.DevMode {
		modeStr = yellow + "development" + reset + dim + " (permissive)" + reset
	}

	oauthStr := green + "on" + reset
	if !cfg.OAuth.Enabled {
		oauthStr = yellow + "off" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s Gatewarden %s%s\n", bold, cyan, Version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "MCP endpoint:", mcpURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Policy tier:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "OAuth:", oauthStr)
	fmt.Fprintf(os.Stderr, "  %-14s %d configured\n", "Consent rules:", len(cfg.Consent.Rules))
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}
