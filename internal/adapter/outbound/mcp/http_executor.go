// Package mcp provides the upstream MCP executor adapter. It forwards
// approved tools/call invocations to a remote MCP server over Streamable
// HTTP, maintaining its own upstream session.
package mcp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatewarden/gatewarden/internal/port/outbound"
	"github.com/gatewarden/gatewarden/pkg/mcp"
)

// maxResponseBodySize caps response bodies from upstream. Prevents OOM
// from a malicious upstream sending unbounded responses.
const maxResponseBodySize = 10 * 1024 * 1024 // 10MB

// HTTPExecutor forwards tool calls to an upstream MCP server via HTTP.
// It performs the initialize handshake lazily on first use and reuses the
// resulting upstream session for all subsequent calls.
type HTTPExecutor struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
	nextID     atomic.Int64

	mu          sync.Mutex
	sessionID   string
	initialized bool
}

// ExecutorOption is a functional option for configuring HTTPExecutor.
type ExecutorOption func(*HTTPExecutor)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ExecutorOption {
	return func(e *HTTPExecutor) {
		e.httpClient = client
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *HTTPExecutor) {
		if e.httpClient != nil {
			e.httpClient.Timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *HTTPExecutor) {
		e.logger = logger.With(slog.String("component", "upstream_executor"))
	}
}

// NewHTTPExecutor creates an executor for the given upstream MCP endpoint.
func NewHTTPExecutor(endpoint string, opts ...ExecutorOption) *HTTPExecutor {
	e := &HTTPExecutor{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// rpcRequest is the wire shape of an outgoing JSON-RPC request.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is the wire shape of an incoming JSON-RPC response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ExecuteTool forwards one tool invocation to the upstream server and
// returns the raw JSON-RPC result.
func (e *HTTPExecutor) ExecuteTool(ctx context.Context, inv outbound.ToolInvocation) (json.RawMessage, error) {
	if err := e.ensureSession(ctx); err != nil {
		return nil, fmt.Errorf("upstream handshake: %w", err)
	}

	params := map[string]any{"name": inv.Name}
	if len(inv.Arguments) > 0 {
		params["arguments"] = inv.Arguments
	}

	resp, err := e.call(ctx, mcp.MethodToolsCall, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("upstream error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

// ensureSession runs the initialize handshake once. Concurrent callers
// serialize on the mutex; only the first performs the handshake.
func (e *HTTPExecutor) ensureSession(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return nil
	}

	initResp, err := e.callLocked(ctx, mcp.MethodInitialize, map[string]any{
		"protocolVersion": mcp.LatestProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "gatewarden",
			"version": "1.0",
		},
	}, true)
	if err != nil {
		return err
	}
	if initResp.Error != nil {
		return fmt.Errorf("initialize rejected: %d %s", initResp.Error.Code, initResp.Error.Message)
	}

	if _, err := e.notifyLocked(ctx, mcp.MethodInitialized); err != nil {
		return err
	}

	e.initialized = true
	e.logger.Info("upstream session established", slog.String("endpoint", e.endpoint))
	return nil
}

func (e *HTTPExecutor) call(ctx context.Context, method string, params any) (*rpcResponse, error) {
	e.mu.Lock()
	sessionID := e.sessionID
	e.mu.Unlock()

	body, status, newSession, err := e.post(ctx, rpcRequest{
		JSONRPC: "2.0",
		ID:      e.nextID.Add(1),
		Method:  method,
		Params:  params,
	}, sessionID)
	if err != nil {
		return nil, err
	}
	if newSession != "" {
		e.mu.Lock()
		e.sessionID = newSession
		e.mu.Unlock()
	}
	if status == http.StatusNotFound {
		// Upstream expired our session. The next call re-handshakes.
		e.mu.Lock()
		e.initialized = false
		e.sessionID = ""
		e.mu.Unlock()
		return nil, fmt.Errorf("upstream session expired (status %d)", status)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("upstream status %d", status)
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	return &resp, nil
}

// callLocked issues a request while e.mu is held.
func (e *HTTPExecutor) callLocked(ctx context.Context, method string, params any, wantResult bool) (*rpcResponse, error) {
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params}
	if wantResult {
		req.ID = e.nextID.Add(1)
	}

	body, status, newSession, err := e.post(ctx, req, e.sessionID)
	if err != nil {
		return nil, err
	}
	if newSession != "" {
		e.sessionID = newSession
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("upstream status %d", status)
	}
	if !wantResult || len(body) == 0 {
		return &rpcResponse{}, nil
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	return &resp, nil
}

// notifyLocked sends a notification (no id, no result expected) while
// e.mu is held.
func (e *HTTPExecutor) notifyLocked(ctx context.Context, method string) (*rpcResponse, error) {
	return e.callLocked(ctx, method, nil, false)
}

// post sends one JSON-RPC message and returns the body, status, and any
// session id the upstream assigned.
func (e *HTTPExecutor) post(ctx context.Context, msg rpcRequest, sessionID string) ([]byte, int, string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, 0, "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, 0, "", fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, 0, "", fmt.Errorf("read response: %w", err)
	}

	return body, resp.StatusCode, resp.Header.Get("Mcp-Session-Id"), nil
}

// Compile-time check that HTTPExecutor implements ToolExecutor.
var _ outbound.ToolExecutor = (*HTTPExecutor)(nil)
