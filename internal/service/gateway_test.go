package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gatewarden/gatewarden/internal/domain/consent"
	"github.com/gatewarden/gatewarden/internal/domain/lifecycle"
	"github.com/gatewarden/gatewarden/internal/domain/token"
	"github.com/gatewarden/gatewarden/internal/port/outbound"
	"github.com/gatewarden/gatewarden/pkg/mcp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExecutor struct {
	calls []outbound.ToolInvocation
	out   json.RawMessage
	err   error
}

func (f *fakeExecutor) ExecuteTool(_ context.Context, inv outbound.ToolInvocation) (json.RawMessage, error) {
	f.calls = append(f.calls, inv)
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	} `json:"error"`
}

func decodeReply(t *testing.T, reply *Reply) rpcResponse {
	t.Helper()
	if reply == nil || reply.Body == nil {
		t.Fatal("expected a reply body")
	}
	var resp rpcResponse
	if err := json.Unmarshal(reply.Body, &resp); err != nil {
		t.Fatalf("reply is not valid JSON: %v\n%s", err, reply.Body)
	}
	return resp
}

func newTestGateway(t *testing.T, opts ...GatewayOption) *GatewayService {
	t.Helper()
	sessions := lifecycle.NewManager(lifecycle.Config{
		ServerInfo: lifecycle.Implementation{Name: "gatewarden", Version: "test"},
	}, testLogger())
	return NewGatewayService(sessions, testLogger(), opts...)
}

// handshake drives a session through initialize + initialized and returns
// the session id.
func handshake(t *testing.T, g *GatewayService) string {
	t.Helper()
	init := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{` +
		`"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"cli","version":"1.0"}}}`
	reply, err := g.HandleMessage(context.Background(), Request{Body: []byte(init)})
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	resp := decodeReply(t, reply)
	if resp.Error != nil {
		t.Fatalf("initialize returned error: %+v", resp.Error)
	}
	if reply.NewSessionID == "" {
		t.Fatal("initialize did not mint a session id")
	}
	sid := reply.NewSessionID

	note := `{"jsonrpc":"2.0","method":"notifications/initialized"}`
	noteReply, err := g.HandleMessage(context.Background(), Request{SessionID: sid, Body: []byte(note)})
	if err != nil {
		t.Fatalf("initialized notification failed: %v", err)
	}
	if noteReply.Body != nil {
		t.Fatalf("notification got a reply body: %s", noteReply.Body)
	}
	return sid
}

func toolsCall(name string, args map[string]any) []byte {
	params := map[string]any{"name": name}
	if args != nil {
		params["arguments"] = args
	}
	b, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": 7, "method": "tools/call", "params": params,
	})
	return b
}

func TestHandshakeAndToolCall(t *testing.T) {
	exec := &fakeExecutor{out: json.RawMessage(`{"content":[{"type":"text","text":"ok"}]}`)}
	g := newTestGateway(t, WithExecutor(exec))
	sid := handshake(t, g)

	reply, err := g.HandleMessage(context.Background(), Request{SessionID: sid, Body: toolsCall("read_file", map[string]any{"path": "a.txt"})})
	if err != nil {
		t.Fatalf("tools/call failed: %v", err)
	}
	resp := decodeReply(t, reply)
	if resp.Error != nil {
		t.Fatalf("tools/call returned error: %+v", resp.Error)
	}
	if !strings.Contains(string(resp.Result), `"ok"`) {
		t.Errorf("result = %s", resp.Result)
	}
	if len(exec.calls) != 1 || exec.calls[0].Name != "read_file" || exec.calls[0].SessionID != sid {
		t.Errorf("executor calls = %+v", exec.calls)
	}
}

func TestNegotiatedVersionAccessor(t *testing.T) {
	g := newTestGateway(t)

	if got := g.NegotiatedVersion("no-such-session"); got != mcp.LatestProtocolVersion {
		t.Errorf("unknown session version = %q, want %q", got, mcp.LatestProtocolVersion)
	}

	init := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{` +
		`"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"cli","version":"1.0"}}}`
	reply, err := g.HandleMessage(context.Background(), Request{Body: []byte(init)})
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if got := g.NegotiatedVersion(reply.NewSessionID); got != "2024-11-05" {
		t.Errorf("negotiated version = %q, want %q", got, "2024-11-05")
	}
}

func TestParseErrorRepliesWithNullID(t *testing.T) {
	g := newTestGateway(t)
	reply, err := g.HandleMessage(context.Background(), Request{Body: []byte(`{"jsonrpc":`)})
	if err != nil {
		t.Fatalf("HandleMessage error = %v", err)
	}
	resp := decodeReply(t, reply)
	if resp.Error == nil || resp.Error.Code != -32700 {
		t.Fatalf("error = %+v, want code -32700", resp.Error)
	}
	if string(resp.ID) != "null" {
		t.Errorf("id = %s, want null", resp.ID)
	}
}

func TestInvalidRequestRejected(t *testing.T) {
	g := newTestGateway(t)
	reply, err := g.HandleMessage(context.Background(), Request{Body: []byte(`{"jsonrpc":"1.0","id":3,"method":"ping"}`)})
	if err != nil {
		t.Fatalf("HandleMessage error = %v", err)
	}
	resp := decodeReply(t, reply)
	if resp.Error == nil || resp.Error.Code != -32600 {
		t.Fatalf("error = %+v, want code -32600", resp.Error)
	}
	if string(resp.ID) != "3" {
		t.Errorf("id = %s, want 3 (original id preserved)", resp.ID)
	}
}

func TestRequestsBeforeHandshakeRejected(t *testing.T) {
	g := newTestGateway(t)
	reply, err := g.HandleMessage(context.Background(), Request{SessionID: "nope", Body: toolsCall("read_file", nil)})
	if err != nil {
		t.Fatalf("HandleMessage error = %v", err)
	}
	resp := decodeReply(t, reply)
	if resp.Error == nil || resp.Error.Code != -32002 {
		t.Fatalf("error = %+v, want code -32002", resp.Error)
	}
}

func TestPingWorksInAnyState(t *testing.T) {
	g := newTestGateway(t)
	reply, err := g.HandleMessage(context.Background(), Request{Body: []byte(`{"jsonrpc":"2.0","id":9,"method":"ping"}`)})
	if err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	resp := decodeReply(t, reply)
	if resp.Error != nil {
		t.Fatalf("ping returned error: %+v", resp.Error)
	}
	if string(resp.Result) != "{}" {
		t.Errorf("ping result = %s, want {}", resp.Result)
	}
}

func TestUnknownMethodAfterHandshake(t *testing.T) {
	g := newTestGateway(t)
	sid := handshake(t, g)
	reply, err := g.HandleMessage(context.Background(), Request{SessionID: sid, Body: []byte(`{"jsonrpc":"2.0","id":2,"method":"resources/list"}`)})
	if err != nil {
		t.Fatalf("HandleMessage error = %v", err)
	}
	resp := decodeReply(t, reply)
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("error = %+v, want code -32601", resp.Error)
	}
}

func TestClientResponsePassesSilently(t *testing.T) {
	g := newTestGateway(t)
	reply, err := g.HandleMessage(context.Background(), Request{Body: []byte(`{"jsonrpc":"2.0","id":4,"result":{}}`)})
	if err != nil {
		t.Fatalf("HandleMessage error = %v", err)
	}
	if reply.Body != nil {
		t.Errorf("client response got a reply: %s", reply.Body)
	}
}

func TestToolsCallRequiresName(t *testing.T) {
	g := newTestGateway(t)
	sid := handshake(t, g)
	body := `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"arguments":{}}}`
	reply, err := g.HandleMessage(context.Background(), Request{SessionID: sid, Body: []byte(body)})
	if err != nil {
		t.Fatalf("HandleMessage error = %v", err)
	}
	resp := decodeReply(t, reply)
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Fatalf("error = %+v, want code -32602", resp.Error)
	}
}

func TestConsentPendingThenApproved(t *testing.T) {
	consents := consent.NewManager(consent.Config{}, nil, nil, nil, testLogger())
	exec := &fakeExecutor{out: json.RawMessage(`{"content":[]}`)}
	g := newTestGateway(t, WithConsent(consents), WithExecutor(exec))
	sid := handshake(t, g)

	call := toolsCall("delete_file", map[string]any{"path": "a.txt"})
	reply, err := g.HandleMessage(context.Background(), Request{SessionID: sid, Body: call})
	if err != nil {
		t.Fatalf("tools/call failed: %v", err)
	}
	resp := decodeReply(t, reply)
	if resp.Error == nil || resp.Error.Code != ErrCodeConsentPending {
		t.Fatalf("error = %+v, want code %d", resp.Error, ErrCodeConsentPending)
	}
	reqID, _ := resp.Error.Data["consent_request_id"].(string)
	if reqID == "" {
		t.Fatal("pending error missing consent_request_id")
	}
	if tier, _ := resp.Error.Data["risk_tier"].(string); tier != "high" {
		t.Errorf("risk_tier = %q, want high", tier)
	}
	if len(exec.calls) != 0 {
		t.Fatal("executor ran before consent")
	}

	if _, err := consents.ProvideConsent(context.Background(), reqID, consent.DecisionApproved, consent.ScopeSession); err != nil {
		t.Fatalf("ProvideConsent failed: %v", err)
	}

	reply, err = g.HandleMessage(context.Background(), Request{SessionID: sid, Body: call})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	resp = decodeReply(t, reply)
	if resp.Error != nil {
		t.Fatalf("retry returned error: %+v", resp.Error)
	}
	if len(exec.calls) != 1 {
		t.Fatalf("executor calls = %d, want 1", len(exec.calls))
	}
}

func TestConsentDenied(t *testing.T) {
	consents := consent.NewManager(consent.Config{}, nil, nil, nil, testLogger())
	g := newTestGateway(t, WithConsent(consents), WithExecutor(&fakeExecutor{}))
	sid := handshake(t, g)

	call := toolsCall("delete_file", nil)
	reply, _ := g.HandleMessage(context.Background(), Request{SessionID: sid, Body: call})
	resp := decodeReply(t, reply)
	reqID, _ := resp.Error.Data["consent_request_id"].(string)
	if _, err := consents.ProvideConsent(context.Background(), reqID, consent.DecisionDenied, consent.ScopeSession); err != nil {
		t.Fatalf("ProvideConsent failed: %v", err)
	}

	reply, err := g.HandleMessage(context.Background(), Request{SessionID: sid, Body: call})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	resp = decodeReply(t, reply)
	if resp.Error == nil || resp.Error.Code != ErrCodeConsentDenied {
		t.Fatalf("error = %+v, want code %d", resp.Error, ErrCodeConsentDenied)
	}
}

func TestExecutorFailureIsSanitized(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("dial tcp 10.0.0.5:9000: connection refused")}
	g := newTestGateway(t, WithExecutor(exec))
	sid := handshake(t, g)

	reply, err := g.HandleMessage(context.Background(), Request{SessionID: sid, Body: toolsCall("read_file", nil)})
	if err != nil {
		t.Fatalf("HandleMessage error = %v", err)
	}
	resp := decodeReply(t, reply)
	if resp.Error == nil || resp.Error.Code != -32603 {
		t.Fatalf("error = %+v, want code -32603", resp.Error)
	}
	if strings.Contains(resp.Error.Message, "10.0.0.5") {
		t.Errorf("upstream detail leaked to client: %q", resp.Error.Message)
	}
}

func TestNoExecutorConfigured(t *testing.T) {
	g := newTestGateway(t)
	sid := handshake(t, g)
	reply, _ := g.HandleMessage(context.Background(), Request{SessionID: sid, Body: toolsCall("read_file", nil)})
	resp := decodeReply(t, reply)
	if resp.Error == nil || resp.Error.Code != -32603 {
		t.Fatalf("error = %+v, want code -32603", resp.Error)
	}
}

func TestTerminateSession(t *testing.T) {
	g := newTestGateway(t, WithExecutor(&fakeExecutor{out: json.RawMessage(`{}`)}))
	sid := handshake(t, g)

	if g.ActiveSessions() != 1 {
		t.Fatalf("ActiveSessions = %d, want 1", g.ActiveSessions())
	}
	if err := g.TerminateSession(sid); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}

	reply, _ := g.HandleMessage(context.Background(), Request{SessionID: sid, Body: toolsCall("read_file", nil)})
	resp := decodeReply(t, reply)
	if resp.Error == nil || resp.Error.Code != -32002 {
		t.Fatalf("error after terminate = %+v, want code -32002", resp.Error)
	}
}

const gatewayResource = "https://gw.example.com/mcp"

var gatewaySecret = []byte("0123456789abcdef0123456789abcdef")

func signedToken(t *testing.T, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":      "https://as.example.com",
		"sub":      "user-1",
		"aud":      gatewayResource,
		"resource": gatewayResource,
		"exp":      time.Now().Add(time.Hour).Unix(),
		"iat":      time.Now().Unix(),
		"scope":    "mcp:tools",
		"client_id": "cli-1",
	}
	if mutate != nil {
		mutate(claims)
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(gatewaySecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func newAuthGateway(t *testing.T, requiredScopes []string, opts ...GatewayOption) *GatewayService {
	t.Helper()
	rs, err := token.NewResourceServer(context.Background(), token.Config{
		ResourceID:     gatewayResource,
		Issuer:         "https://as.example.com",
		StaticKey:      gatewaySecret,
		AllowedAlgs:    []string{"HS256"},
		RequiredScopes: requiredScopes,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewResourceServer failed: %v", err)
	}
	opts = append(opts, WithResourceServer(rs, gatewayResource))
	return newTestGateway(t, opts...)
}

func TestAuthMissingToken(t *testing.T) {
	g := newAuthGateway(t, nil)
	_, err := g.HandleMessage(context.Background(), Request{Body: []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want *AuthError", err)
	}
	if authErr.Status != 401 {
		t.Errorf("status = %d, want 401", authErr.Status)
	}
	if !strings.HasPrefix(authErr.Challenge, "Bearer ") {
		t.Errorf("challenge = %q", authErr.Challenge)
	}
}

func TestAuthPrecedesHandshake(t *testing.T) {
	// Token validation applies to every request, including the initialize
	// handshake. Anonymous clients must not be able to mint sessions.
	g := newAuthGateway(t, nil)

	init := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{` +
		`"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"cli","version":"1.0"}}}`)

	_, err := g.HandleMessage(context.Background(), Request{Body: init})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want *AuthError", err)
	}
	if authErr.Status != 401 {
		t.Errorf("status = %d, want 401", authErr.Status)
	}
	if g.ActiveSessions() != 0 {
		t.Errorf("active sessions = %d, want 0 after rejected handshake", g.ActiveSessions())
	}

	// A valid token unlocks the same handshake.
	reply, err := g.HandleMessage(context.Background(), Request{
		BearerToken: signedToken(t, nil),
		Body:        init,
	})
	if err != nil {
		t.Fatalf("authenticated initialize failed: %v", err)
	}
	if reply.NewSessionID == "" {
		t.Error("authenticated initialize minted no session")
	}
}

func TestAuthBadToken(t *testing.T) {
	g := newAuthGateway(t, nil)
	bad := signedToken(t, func(c jwt.MapClaims) { c["aud"] = "https://other.example.com" })
	_, err := g.HandleMessage(context.Background(), Request{BearerToken: bad, Body: []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want *AuthError", err)
	}
	if authErr.Status != 401 {
		t.Errorf("status = %d, want 401", authErr.Status)
	}
	var deputy *token.ConfusedDeputyError
	if !errors.As(err, &deputy) {
		t.Errorf("underlying error = %v, want ConfusedDeputyError", err)
	}
}

func TestAuthInsufficientScope(t *testing.T) {
	g := newAuthGateway(t, []string{"mcp:admin"})
	_, err := g.HandleMessage(context.Background(), Request{BearerToken: signedToken(t, nil), Body: []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want *AuthError", err)
	}
	if authErr.Status != 403 {
		t.Errorf("status = %d, want 403", authErr.Status)
	}
	if !strings.Contains(authErr.Challenge, "insufficient_scope") {
		t.Errorf("challenge = %q", authErr.Challenge)
	}
}

func TestAuthClaimsFlowToExecutor(t *testing.T) {
	exec := &fakeExecutor{out: json.RawMessage(`{}`)}
	g := newAuthGateway(t, nil, WithExecutor(exec))

	tok := signedToken(t, nil)
	init := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{` +
		`"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"cli","version":"1.0"}}}`
	reply, err := g.HandleMessage(context.Background(), Request{BearerToken: tok, Body: []byte(init)})
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	sid := reply.NewSessionID
	if _, err := g.HandleMessage(context.Background(), Request{SessionID: sid, BearerToken: tok,
		Body: []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)}); err != nil {
		t.Fatalf("initialized failed: %v", err)
	}

	if _, err := g.HandleMessage(context.Background(), Request{SessionID: sid, BearerToken: tok, Body: toolsCall("read_file", nil)}); err != nil {
		t.Fatalf("tools/call failed: %v", err)
	}
	if len(exec.calls) != 1 {
		t.Fatalf("executor calls = %d, want 1", len(exec.calls))
	}
	if exec.calls[0].UserID != "user-1" || exec.calls[0].ClientID != "cli-1" {
		t.Errorf("invocation identity = %q/%q", exec.calls[0].UserID, exec.calls[0].ClientID)
	}
}

func TestStringIDPreserved(t *testing.T) {
	g := newTestGateway(t, WithExecutor(&fakeExecutor{out: json.RawMessage(`{}`)}))
	sid := handshake(t, g)
	body := `{"jsonrpc":"2.0","id":"req-abc","method":"tools/call","params":{"name":"read_file"}}`
	reply, err := g.HandleMessage(context.Background(), Request{SessionID: sid, Body: []byte(body)})
	if err != nil {
		t.Fatalf("HandleMessage error = %v", err)
	}
	resp := decodeReply(t, reply)
	if string(resp.ID) != `"req-abc"` {
		t.Errorf("id = %s, want \"req-abc\"", resp.ID)
	}
}
