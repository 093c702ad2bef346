package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain/lifecycle"
	"github.com/gatewarden/gatewarden/internal/service"
)

// MCPSessionIDHeader is the header for session identification.
const MCPSessionIDHeader = "Mcp-Session-Id"

// legacySessionIDHeader is accepted on requests from clients that predate
// the standard header name. Responses always use MCPSessionIDHeader.
const legacySessionIDHeader = "X-MCP-Session-ID"

// sessionIDFromRequest reads the session id, preferring the standard
// header over the legacy alias.
func sessionIDFromRequest(r *http.Request) string {
	if id := r.Header.Get(MCPSessionIDHeader); id != "" {
		return id
	}
	return r.Header.Get(legacySessionIDHeader)
}

// MCPProtocolVersionHeader is the header for protocol version.
const MCPProtocolVersionHeader = "MCP-Protocol-Version"

// sseHeartbeatInterval is how often an idle SSE stream emits a keepalive
// comment so intermediaries do not drop the connection.
const sseHeartbeatInterval = 30 * time.Second

// sessionRegistry manages active SSE streams for server-initiated messages.
type sessionRegistry struct {
	// sessions maps session ID to a slice of channels for SSE connections.
	// Multiple SSE connections can share the same session.
	mu       sync.RWMutex
	sessions map[string][]chan []byte
}

// newSessionRegistry creates a new session registry.
func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		sessions: make(map[string][]chan []byte),
	}
}

// register adds an SSE channel to a session.
func (r *sessionRegistry) register(sessionID string, ch chan []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = append(r.sessions[sessionID], ch)
}

// unregister removes an SSE channel from a session.
func (r *sessionRegistry) unregister(sessionID string, ch chan []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channels := r.sessions[sessionID]
	for i, c := range channels {
		if c == ch {
			r.sessions[sessionID] = append(channels[:i], channels[i+1:]...)
			break
		}
	}
	if len(r.sessions[sessionID]) == 0 {
		delete(r.sessions, sessionID)
	}
}

// count reports the number of open SSE streams across all sessions.
func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, channels := range r.sessions {
		n += len(channels)
	}
	return n
}

// terminate closes all SSE channels for a session.
func (r *sessionRegistry) terminate(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	channels, exists := r.sessions[sessionID]
	if !exists {
		return false
	}
	for _, ch := range channels {
		close(ch)
	}
	delete(r.sessions, sessionID)
	return true
}

// closeAll closes all SSE channels for all sessions.
func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, channels := range r.sessions {
		for _, ch := range channels {
			close(ch)
		}
	}
	r.sessions = make(map[string][]chan []byte)
}

// mcpHandler creates the main HTTP handler for MCP Streamable HTTP transport.
// It routes requests by HTTP method to the appropriate handler.
func (t *HTTPTransport) mcpHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			t.handlePost(w, r)
		case http.MethodGet:
			t.handleGet(w, r)
		case http.MethodDelete:
			t.handleDelete(w, r)
		case http.MethodOptions:
			handleOptions(w, r)
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
}

// handlePost passes one JSON-RPC message through the gateway pipeline and
// writes the reply.
func (t *HTTPTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	// Validate content type (before reading body to fail fast)
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && contentType != "application/json" {
		writeJSONRPCError(w, nil, -32700, "Parse error: content type must be application/json")
		return
	}

	// The transport policy already checked the declared Content-Length;
	// MaxBytesReader enforces the ceiling against chunked bodies too.
	r.Body = http.MaxBytesReader(w, r.Body, t.policy.MaxRequestBytes())
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSONRPCError(w, nil, -32700, "Parse error: request body too large")
			return
		}
		writeJSONRPCError(w, nil, -32700, "Parse error: failed to read request body")
		return
	}

	if len(body) == 0 {
		writeJSONRPCError(w, nil, -32700, "Parse error: empty request body")
		return
	}

	sessionID := sessionIDFromRequest(r)

	reply, err := t.gateway.HandleMessage(r.Context(), service.Request{
		SessionID:   sessionID,
		BearerToken: bearerToken(r),
		Body:        body,
	})
	if err != nil {
		var authErr *service.AuthError
		if errors.As(err, &authErr) {
			if t.metrics != nil {
				t.metrics.AuthFailures.Inc()
			}
			w.Header().Set("WWW-Authenticate", authErr.Challenge)
			http.Error(w, http.StatusText(authErr.Status), authErr.Status)
			return
		}
		if r.Context().Err() != nil {
			return // Client disconnected, don't write response
		}
		LoggerFromContext(r.Context()).Error("gateway pipeline failed", "error", err)
		writeJSONRPCError(w, nil, -32603, "Internal error")
		return
	}

	versionSID := sessionID
	if reply.NewSessionID != "" {
		versionSID = reply.NewSessionID
	}
	w.Header().Set(MCPProtocolVersionHeader, t.gateway.NegotiatedVersion(versionSID))

	switch {
	case reply.NewSessionID != "":
		w.Header().Set(MCPSessionIDHeader, reply.NewSessionID)
	case sessionID != "":
		// Echo session ID if client sent one
		w.Header().Set(MCPSessionIDHeader, sessionID)
	}

	// Notifications and client responses get 202 Accepted with no body
	// per Streamable HTTP.
	if reply.Body == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply.Body)
}

// handleGet opens an SSE stream for server-initiated messages.
func (t *HTTPTransport) handleGet(w http.ResponseWriter, r *http.Request) {
	// SSE requires Flusher support
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sessionID := sessionIDFromRequest(r)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required for SSE", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(MCPProtocolVersionHeader, t.gateway.NegotiatedVersion(sessionID))
	w.Header().Set(MCPSessionIDHeader, sessionID)

	msgChan := make(chan []byte, 100) // Buffer for some messages
	t.sessions.register(sessionID, msgChan)

	// Stream close tears the session down before the handler returns:
	// deregister first, then shut the session down (LIFO defers).
	defer func() {
		if err := t.gateway.TerminateSession(sessionID); err != nil {
			t.logger.Debug("session shutdown on stream close",
				"session_id", sessionID, "error", err.Error())
		}
	}()
	defer t.sessions.unregister(sessionID, msgChan)

	ctx := r.Context()

	// Write initial comment to establish connection
	_, _ = fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client disconnected
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case msg, ok := <-msgChan:
			if !ok {
				// Channel closed (session terminated)
				return
			}
			// Write SSE format: "data: <json>\n\n"
			_, _ = fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// handleDelete terminates a session: the lifecycle record is shut down,
// cached consent decisions for the session are dropped, and all associated
// SSE streams are closed.
func (t *HTTPTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDFromRequest(r)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required", http.StatusBadRequest)
		return
	}

	hadStreams := t.sessions.terminate(sessionID)
	err := t.gateway.TerminateSession(sessionID)
	if errors.Is(err, lifecycle.ErrSessionNotFound) && !hadStreams {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	LoggerFromContext(r.Context()).Info("session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// handleOptions handles CORS preflight requests.
func handleOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, X-MCP-Session-ID, MCP-Protocol-Version")
	w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
	w.WriteHeader(http.StatusNoContent)
}

// jsonRPCError represents a JSON-RPC 2.0 error response.
type jsonRPCError struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      interface{}       `json:"id"`
	Error   jsonRPCErrorField `json:"error"`
}

type jsonRPCErrorField struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// writeJSONRPCError writes a JSON-RPC error response.
func writeJSONRPCError(w http.ResponseWriter, id interface{}, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // JSON-RPC errors still return 200 OK

	errResp := jsonRPCError{
		JSONRPC: "2.0",
		ID:      id,
		Error: jsonRPCErrorField{
			Code:    code,
			Message: message,
		},
	}

	_ = json.NewEncoder(w).Encode(errResp)
}
