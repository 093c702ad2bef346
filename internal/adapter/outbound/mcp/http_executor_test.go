package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gatewarden/gatewarden/internal/port/outbound"
)

// fakeUpstream is a minimal MCP server for executor tests.
type fakeUpstream struct {
	initializes atomic.Int64
	toolCalls   atomic.Int64
	lastSession atomic.Value // string

	// toolStatus, when non-zero, is returned for tools/call requests.
	toolStatus atomic.Int64
	// toolError, when set, is returned as a JSON-RPC error.
	toolError atomic.Bool
}

func (f *fakeUpstream) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var msg struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"params"`
		}
		if err := json.Unmarshal(body, &msg); err != nil {
			t.Errorf("upstream received invalid JSON: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.lastSession.Store(r.Header.Get("Mcp-Session-Id"))

		switch msg.Method {
		case "initialize":
			f.initializes.Add(1)
			w.Header().Set("Mcp-Session-Id", "up-session-1")
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(msg.ID) +
				`,"result":{"protocolVersion":"2025-06-18","capabilities":{},"serverInfo":{"name":"fake","version":"1"}}}`))
		case "notifications/initialized":
			w.WriteHeader(http.StatusAccepted)
		case "tools/call":
			f.toolCalls.Add(1)
			if s := f.toolStatus.Load(); s != 0 {
				w.WriteHeader(int(s))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if f.toolError.Load() {
				_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(msg.ID) +
					`,"error":{"code":-32001,"message":"tool exploded"}}`))
				return
			}
			result, _ := json.Marshal(map[string]any{
				"tool": msg.Params.Name,
				"args": msg.Params.Arguments,
			})
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(msg.ID) +
				`,"result":` + string(result) + `}`))
		default:
			t.Errorf("upstream received unexpected method %q", msg.Method)
			w.WriteHeader(http.StatusBadRequest)
		}
	})
}

func testInvocation() outbound.ToolInvocation {
	return outbound.ToolInvocation{
		Name:      "read_file",
		Arguments: json.RawMessage(`{"path":"/tmp/a"}`),
		UserID:    "user-1",
		SessionID: "gw-session",
	}
}

func TestExecuteTool_HandshakeOnce(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{}
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	e := NewHTTPExecutor(srv.URL, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	for i := 0; i < 3; i++ {
		result, err := e.ExecuteTool(context.Background(), testInvocation())
		if err != nil {
			t.Fatalf("ExecuteTool() call %d error: %v", i, err)
		}
		if !strings.Contains(string(result), `"read_file"`) {
			t.Errorf("result = %s, want to contain read_file", result)
		}
	}

	if got := up.initializes.Load(); got != 1 {
		t.Errorf("initialize count = %d, want 1", got)
	}
	if got := up.toolCalls.Load(); got != 3 {
		t.Errorf("tools/call count = %d, want 3", got)
	}
	// Session assigned at initialize must be echoed on later calls.
	if got, _ := up.lastSession.Load().(string); got != "up-session-1" {
		t.Errorf("last session header = %q, want %q", got, "up-session-1")
	}
}

func TestExecuteTool_UpstreamJSONRPCError(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{}
	up.toolError.Store(true)
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	e := NewHTTPExecutor(srv.URL, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	_, err := e.ExecuteTool(context.Background(), testInvocation())
	if err == nil {
		t.Fatal("ExecuteTool() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "-32001") || !strings.Contains(err.Error(), "tool exploded") {
		t.Errorf("error = %q, want upstream code and message", err.Error())
	}
}

func TestExecuteTool_SessionExpiredTriggersRehandshake(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{}
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	e := NewHTTPExecutor(srv.URL, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	if _, err := e.ExecuteTool(context.Background(), testInvocation()); err != nil {
		t.Fatalf("first ExecuteTool() error: %v", err)
	}

	// Upstream forgets the session: next call fails, the one after
	// re-handshakes.
	up.toolStatus.Store(http.StatusNotFound)
	if _, err := e.ExecuteTool(context.Background(), testInvocation()); err == nil {
		t.Fatal("ExecuteTool() with expired session expected error, got nil")
	}

	up.toolStatus.Store(0)
	if _, err := e.ExecuteTool(context.Background(), testInvocation()); err != nil {
		t.Fatalf("ExecuteTool() after re-handshake error: %v", err)
	}
	if got := up.initializes.Load(); got != 2 {
		t.Errorf("initialize count = %d, want 2 (re-handshake)", got)
	}
}

func TestExecuteTool_UpstreamServerError(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{}
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	e := NewHTTPExecutor(srv.URL, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if _, err := e.ExecuteTool(context.Background(), testInvocation()); err != nil {
		t.Fatalf("first ExecuteTool() error: %v", err)
	}

	up.toolStatus.Store(http.StatusInternalServerError)
	_, err := e.ExecuteTool(context.Background(), testInvocation())
	if err == nil {
		t.Fatal("ExecuteTool() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status 500", err.Error())
	}
}

func TestExecuteTool_UnreachableUpstream(t *testing.T) {
	t.Parallel()

	e := NewHTTPExecutor("http://127.0.0.1:1/mcp", WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	_, err := e.ExecuteTool(context.Background(), testInvocation())
	if err == nil {
		t.Fatal("ExecuteTool() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "upstream handshake") {
		t.Errorf("error = %q, want handshake failure", err.Error())
	}
}
