package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/gatewarden/gatewarden/internal/ctxkey"
	"github.com/gatewarden/gatewarden/internal/domain/transport"
)

// requestIDContextKey is the type for the request ID context key.
type requestIDContextKey struct{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

// LoggerKey is the context key for the enriched logger.
// Uses shared key type from ctxkey package to allow cross-package access without import cycles.
var LoggerKey = ctxkey.LoggerKey{}

// RequestIDMiddleware extracts or generates a request ID and enriches the logger.
// The request ID is stored in context using RequestIDKey.
// An enriched logger with request_id and client_ip fields is stored using LoggerKey.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enrichedLogger := logger.With(
				"request_id", requestID,
				"client_ip", extractRealIP(r),
			)

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, enrichedLogger)

			// Set response header for correlation
			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// TransportPolicyMiddleware runs every request through the transport
// security policy: size ceiling, HTTPS enforcement, and Origin validation
// (DNS-rebinding defense). Rejections never reach the gateway. On success
// the policy's security headers are attached to the response.
func TransportPolicyMiddleware(policy *transport.Manager, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			meta := transport.RequestMeta{
				TLS:           r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https"),
				RemoteAddr:    r.RemoteAddr,
				Origin:        r.Header.Get("Origin"),
				Host:          r.Host,
				ContentLength: r.ContentLength,
			}

			headers, err := policy.ValidateRequest(meta)
			if err != nil {
				secErr, ok := err.(*transport.SecurityError)
				if !ok {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				if metrics != nil {
					metrics.TransportRejects.WithLabelValues(string(secErr.Kind)).Inc()
				}
				LoggerFromContext(r.Context()).Warn("request rejected by transport policy",
					"kind", string(secErr.Kind),
					"reason", secErr.Message,
				)
				switch secErr.Kind {
				case transport.ErrKindOversized:
					http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
				default:
					http.Error(w, "Forbidden", http.StatusForbidden)
				}
				return
			}

			for k, v := range headers {
				w.Header().Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the credential from the Authorization header.
// Returns "" when the header is absent or not a Bearer scheme.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// extractRealIP extracts the client's real IP address from the request.
// It checks X-Forwarded-For and X-Real-IP headers (for reverse proxy support),
// falling back to r.RemoteAddr if no proxy headers are present.
// Only the first IP in X-Forwarded-For is trusted to avoid spoofing.
func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			ip := strings.TrimSpace(ips[0])
			if ip != "" {
				return ip
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// RemoteAddr is in "host:port" format, extract host
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
