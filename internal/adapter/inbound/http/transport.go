package http

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gatewarden/gatewarden/internal/domain/auth"
	"github.com/gatewarden/gatewarden/internal/domain/consent"
	"github.com/gatewarden/gatewarden/internal/domain/transport"
	"github.com/gatewarden/gatewarden/internal/service"
)

// HTTPTransport is the inbound adapter that connects the gateway to HTTP
// clients over the MCP Streamable HTTP transport.
type HTTPTransport struct {
	gateway       *service.GatewayService
	policy        *transport.Manager
	server        *http.Server
	addr          string
	certFile      string
	keyFile       string
	sessions      *sessionRegistry
	logger        *slog.Logger
	metrics       *Metrics
	registry      *prometheus.Registry
	healthChecker *HealthChecker
	consents      *consent.Manager
	adminKeys     *auth.Verifier
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) {
		t.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
// If not set, the server runs without TLS (plain HTTP).
func WithTLS(certFile, keyFile string) Option {
	return func(t *HTTPTransport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithConsentAdmin mounts the consent admin endpoints, guarded by the
// given key verifier.
func WithConsentAdmin(consents *consent.Manager, keys *auth.Verifier) Option {
	return func(t *HTTPTransport) {
		t.consents = consents
		t.adminKeys = keys
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *HTTPTransport) {
		t.healthChecker = hc
	}
}

// NewHTTPTransport creates an HTTP transport adapter wrapping the gateway
// service. The transport policy governs HTTPS enforcement, Origin checks,
// size limits, and the listener bind address.
func NewHTTPTransport(gateway *service.GatewayService, policy *transport.Manager, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		gateway:  gateway,
		policy:   policy,
		addr:     "127.0.0.1:8080",
		sessions: newSessionRegistry(),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Start begins accepting HTTP connections and processing MCP messages.
// It blocks until the context is cancelled or an error occurs.
func (t *HTTPTransport) Start(ctx context.Context) error {
	// The bind address is policy-checked before the listener opens.
	if err := t.policy.ValidateBindHost(t.addr); err != nil {
		return fmt.Errorf("listen address rejected: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.registry = reg
	t.metrics = NewMetrics(reg, func() float64 {
		return float64(t.gateway.ActiveSessions())
	}, func() float64 {
		return float64(t.sessions.count())
	})

	handler := t.buildHandler()

	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{
			MinVersion: t.policy.TLSMinVersion(),
		}
	}

	errCh := make(chan error, 1)

	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", t.addr, "tier", string(t.policy.Tier()))
			err = t.server.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", t.addr, "tier", string(t.policy.Tier()))
			err = t.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// buildHandler assembles the middleware chain and routes.
// Middleware order (outermost first):
//  1. MetricsMiddleware - record duration and status (outermost to capture full duration)
//  2. RequestIDMiddleware - extract/generate request ID and enrich logger
//  3. TransportPolicyMiddleware - HTTPS/Origin/size checks for every route
//  4. Route handlers
func (t *HTTPTransport) buildHandler() http.Handler {
	mux := http.NewServeMux()

	if t.healthChecker != nil {
		t.healthChecker.connections = t.sessions.count
		mux.Handle("/health", t.healthChecker.Handler())
	} else {
		mux.Handle("/health", healthHandler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{
		Registry: t.registry,
	}))
	// Favicon handler to prevent browser 500 errors
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if t.consents != nil {
		admin := &consentAdmin{consents: t.consents, keys: t.adminKeys, metrics: t.metrics}
		admin.routes(mux)
	}

	mcpHandler := t.mcpHandler()
	mux.Handle("/mcp", mcpHandler)
	mux.Handle("/mcp/", mcpHandler)

	var handler http.Handler = mux
	handler = TransportPolicyMiddleware(t.policy, t.metrics)(handler)
	handler = RequestIDMiddleware(t.logger)(handler)
	handler = MetricsMiddleware(t.metrics)(handler)
	return handler
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *HTTPTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Close all SSE channels first
	t.sessions.closeAll()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *HTTPTransport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
