// Package service contains the core gateway service implementation.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/gatewarden/gatewarden/internal/ctxkey"
	"github.com/gatewarden/gatewarden/internal/domain/consent"
	"github.com/gatewarden/gatewarden/internal/domain/lifecycle"
	"github.com/gatewarden/gatewarden/internal/domain/token"
	"github.com/gatewarden/gatewarden/internal/domain/validation"
	"github.com/gatewarden/gatewarden/internal/port/outbound"
	"github.com/gatewarden/gatewarden/pkg/mcp"
)

// Gateway-specific JSON-RPC error codes in the implementation-defined
// server-error range.
const (
	// ErrCodeConsentPending means the tool call is parked awaiting a
	// human decision; the error data carries the consent request id.
	ErrCodeConsentPending = -32000

	// ErrCodeConsentDenied means consent was refused for the tool call.
	ErrCodeConsentDenied = -32001
)

// AuthError is returned when bearer-token validation fails. The transport
// adapter translates it into an HTTP 401/403 with a WWW-Authenticate
// challenge instead of a JSON-RPC error body.
type AuthError struct {
	// Status is the HTTP status code to respond with.
	Status int
	// Challenge is the WWW-Authenticate header value.
	Challenge string
	// Err is the underlying validation failure. Not client-safe.
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Request is one inbound JSON-RPC message plus its transport envelope.
type Request struct {
	// SessionID is the Mcp-Session-Id header value; empty on the first
	// initialize request.
	SessionID string
	// BearerToken is the credential from the Authorization header,
	// without the "Bearer " prefix. Empty when the header was absent.
	BearerToken string
	// Body is the raw JSON-RPC message.
	Body []byte
}

// Reply is the gateway's answer to one message. A nil Body means the
// message was a notification or client response and gets no reply.
type Reply struct {
	Body []byte
	// NewSessionID is set when the gateway created a session for an
	// initialize request; the adapter returns it in Mcp-Session-Id.
	NewSessionID string
}

// GatewayService runs each inbound message through the gateway pipeline:
// structural validation, session lifecycle, token validation, the consent
// gate, and finally upstream execution.
type GatewayService struct {
	validator *validation.MessageValidator
	sessions  *lifecycle.Manager
	tokens    *token.ResourceServer
	consents  *consent.Manager
	executor  outbound.ToolExecutor
	realm     string
	tracer    trace.Tracer
	logger    *slog.Logger
}

// GatewayOption configures optional GatewayService collaborators.
type GatewayOption func(*GatewayService)

// WithResourceServer enables bearer-token validation. When unset no
// authentication is enforced.
func WithResourceServer(rs *token.ResourceServer, realm string) GatewayOption {
	return func(g *GatewayService) {
		g.tokens = rs
		g.realm = realm
	}
}

// WithConsent enables the consent gate on tools/call.
func WithConsent(m *consent.Manager) GatewayOption {
	return func(g *GatewayService) { g.consents = m }
}

// WithExecutor sets the upstream tool executor.
func WithExecutor(exec outbound.ToolExecutor) GatewayOption {
	return func(g *GatewayService) { g.executor = exec }
}

// WithTracer sets the tracer for per-message spans.
func WithTracer(tracer trace.Tracer) GatewayOption {
	return func(g *GatewayService) { g.tracer = tracer }
}

// NewGatewayService creates the gateway pipeline service.
func NewGatewayService(sessions *lifecycle.Manager, logger *slog.Logger, opts ...GatewayOption) *GatewayService {
	if logger == nil {
		logger = slog.Default()
	}
	g := &GatewayService{
		validator: validation.NewMessageValidator(),
		sessions:  sessions,
		tracer:    noop.NewTracerProvider().Tracer("gatewarden"),
		logger:    logger.With(slog.String("component", "gateway")),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// loggerFromContext retrieves the enriched logger from context.
// Uses the same key as HTTP middleware for request_id enrichment.
// Returns nil if no logger is in context, allowing caller to fall back.
func loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// HandleMessage runs one message through the pipeline and returns the
// reply. Protocol-level failures come back as JSON-RPC error bodies in
// the Reply; only authentication failures are returned as an error (an
// *AuthError) so the adapter can answer at the HTTP layer.
func (g *GatewayService) HandleMessage(ctx context.Context, req Request) (*Reply, error) {
	logger := loggerFromContext(ctx)
	if logger == nil {
		logger = g.logger
	}

	msg := mcp.WrapMessage(req.Body, req.SessionID)
	res := g.validator.ValidateBytes(req.Body)

	ctx, span := g.tracer.Start(ctx, "gateway.handle_message",
		trace.WithAttributes(
			attribute.String("mcp.method", res.Method()),
			attribute.String("mcp.kind", string(res.Kind)),
		))
	defer span.End()

	if !res.Valid {
		ve := res.FirstError()
		logger.Warn("message rejected by validator",
			slog.Int("code", ve.Code),
			slog.String("reason", ve.Message),
		)
		return &Reply{Body: errorBody(msg.RawID(), ve.Code, ve.Message, nil)}, nil
	}
	for _, w := range res.Warnings {
		logger.Debug("validation warning", slog.String("warning", w))
	}

	// Client-originated responses terminate here; the gateway is the
	// server side and never routes them further.
	if res.Kind == validation.KindResponse || res.Kind == validation.KindErrorResponse {
		return &Reply{}, nil
	}

	claims, err := g.authenticate(ctx, req, logger)
	if err != nil {
		return nil, err
	}

	switch msg.Method() {
	case mcp.MethodInitialize:
		return g.handleInitialize(msg, req.SessionID, logger)
	case mcp.MethodInitialized:
		return g.handleInitialized(msg, req.SessionID, logger)
	case mcp.MethodPing:
		// Ping works in every lifecycle state.
		return &Reply{Body: resultBody(msg.RawID(), map[string]any{})}, nil
	}

	if !g.sessions.IsInitialized(req.SessionID) {
		return &Reply{Body: errorBody(msg.RawID(), validation.ErrCodeNotInitialized,
			"session not initialized: complete the initialize handshake first", nil)}, nil
	}

	if msg.Method() == mcp.MethodToolsCall {
		return g.handleToolsCall(ctx, msg, req, claims, logger)
	}

	if msg.IsNotification() {
		logger.Debug("dropping unrouted notification", slog.String("method", msg.Method()))
		return &Reply{}, nil
	}
	return &Reply{Body: errorBody(msg.RawID(), validation.ErrCodeMethodNotFound,
		fmt.Sprintf("method not found: %s", msg.Method()), nil)}, nil
}

// TerminateSession shuts down a session and drops its cached consent
// decisions.
func (g *GatewayService) TerminateSession(sessionID string) error {
	if g.consents != nil {
		g.consents.ClearSession(sessionID)
	}
	return g.sessions.Shutdown(sessionID)
}

// ActiveSessions reports the number of live sessions.
func (g *GatewayService) ActiveSessions() int {
	return g.sessions.ActiveSessions()
}

// NegotiatedVersion reports the protocol version negotiated for a session.
// Unknown sessions fall back to the server's preferred version.
func (g *GatewayService) NegotiatedVersion(sessionID string) string {
	v, err := g.sessions.NegotiatedVersion(sessionID)
	if err != nil || v == "" {
		return mcp.LatestProtocolVersion
	}
	return v
}

func (g *GatewayService) authenticate(ctx context.Context, req Request, logger *slog.Logger) (*token.Claims, error) {
	if g.tokens == nil {
		return nil, nil
	}
	if req.BearerToken == "" {
		err := errors.New("missing bearer token")
		return nil, &AuthError{Status: 401, Challenge: token.Challenge(g.realm, err), Err: err}
	}
	claims, err := g.tokens.ValidateToken(ctx, req.BearerToken)
	if err != nil {
		status := 401
		if errors.Is(err, token.ErrInsufficientScope) {
			status = 403
		}
		logger.Warn("token rejected", slog.String("error", err.Error()))
		return nil, &AuthError{Status: status, Challenge: token.Challenge(g.realm, err), Err: err}
	}
	return claims, nil
}

func (g *GatewayService) handleInitialize(msg *mcp.Message, sessionID string, logger *slog.Logger) (*Reply, error) {
	newSession := ""
	if sessionID == "" {
		id, err := lifecycle.GenerateSessionID()
		if err != nil {
			logger.Error("session id generation failed", slog.String("error", err.Error()))
			return &Reply{Body: errorBody(msg.RawID(), validation.ErrCodeInternalError, "internal error", nil)}, nil
		}
		sessionID = id
		newSession = id
	}
	result, verr := g.sessions.HandleInitialize(msg, sessionID)
	if verr != nil {
		return &Reply{Body: errorBody(msg.RawID(), verr.Code, verr.Message, nil), NewSessionID: newSession}, nil
	}
	logger.Info("session initializing",
		slog.String("session_id", sessionID),
		slog.String("protocol_version", result.ProtocolVersion),
	)
	return &Reply{Body: resultBody(msg.RawID(), result), NewSessionID: newSession}, nil
}

func (g *GatewayService) handleInitialized(msg *mcp.Message, sessionID string, logger *slog.Logger) (*Reply, error) {
	// Notifications never get a JSON-RPC reply; failures are logged only.
	if err := g.sessions.HandleInitialized(msg, sessionID); err != nil {
		logger.Warn("initialized notification rejected",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
	return &Reply{}, nil
}

func (g *GatewayService) handleToolsCall(ctx context.Context, msg *mcp.Message, req Request, claims *token.Claims, logger *slog.Logger) (*Reply, error) {
	params := msg.ParseParams()
	name, _ := params["name"].(string)
	if name == "" {
		return &Reply{Body: errorBody(msg.RawID(), validation.ErrCodeInvalidParams,
			"tools/call requires a string 'name' parameter", nil)}, nil
	}
	args, _ := params["arguments"].(map[string]any)

	userID, clientID := "", ""
	if claims != nil {
		userID = claims.Subject
		clientID = claims.ClientID
	}

	if g.consents != nil {
		outcome, err := g.consents.RequestConsent(ctx, consent.ToolCall{
			SessionID:  req.SessionID,
			UserID:     userID,
			ClientID:   clientID,
			ToolName:   name,
			Parameters: args,
		})
		if err != nil {
			logger.Error("consent gate failed", slog.String("error", err.Error()))
			return &Reply{Body: errorBody(msg.RawID(), validation.ErrCodeInternalError, "internal error", nil)}, nil
		}
		switch outcome.Status {
		case consent.StatusPending:
			logger.Info("tool call awaiting consent",
				slog.String("tool", name),
				slog.String("risk_tier", string(outcome.RiskTier)),
				slog.String("consent_request_id", outcome.Request.ID),
			)
			return &Reply{Body: errorBody(msg.RawID(), ErrCodeConsentPending,
				"consent required: approval is pending", map[string]any{
					"consent_request_id": outcome.Request.ID,
					"risk_tier":          string(outcome.RiskTier),
					"expires_at":         outcome.Request.ExpiresAt.UTC().Format(time.RFC3339),
				})}, nil
		case consent.StatusDenied:
			logger.Info("tool call denied by consent gate",
				slog.String("tool", name),
				slog.String("source", outcome.Source),
			)
			return &Reply{Body: errorBody(msg.RawID(), ErrCodeConsentDenied,
				"consent denied for this tool call", map[string]any{
					"risk_tier": string(outcome.RiskTier),
				})}, nil
		}
		logger.Debug("tool call approved",
			slog.String("tool", name),
			slog.String("source", outcome.Source),
		)
	}

	if g.executor == nil {
		return &Reply{Body: errorBody(msg.RawID(), validation.ErrCodeInternalError,
			"no upstream executor configured", nil)}, nil
	}

	rawArgs, _ := json.Marshal(args)
	result, err := g.executor.ExecuteTool(ctx, outbound.ToolInvocation{
		Name:      name,
		Arguments: rawArgs,
		UserID:    userID,
		ClientID:  clientID,
		SessionID: req.SessionID,
	})
	if err != nil {
		// Upstream details are logged, never sent to the client.
		logger.Error("upstream tool execution failed",
			slog.String("tool", name),
			slog.String("error", err.Error()),
		)
		return &Reply{Body: errorBody(msg.RawID(), validation.ErrCodeInternalError,
			"tool execution failed", nil)}, nil
	}
	return &Reply{Body: rawResultBody(msg.RawID(), result)}, nil
}

// errorBody builds a JSON-RPC error response. A nil id marshals to null,
// matching the parse-error case where the request id is unknowable.
func errorBody(id json.RawMessage, code int, message string, data any) []byte {
	errObj := map[string]any{
		"code":    code,
		"message": message,
	}
	if data != nil {
		errObj["data"] = data
	}
	b, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      normalizeID(id),
		"error":   errObj,
	})
	return b
}

func resultBody(id json.RawMessage, result any) []byte {
	b, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      normalizeID(id),
		"result":  result,
	})
	return b
}

func rawResultBody(id json.RawMessage, result json.RawMessage) []byte {
	if len(result) == 0 || !json.Valid(result) {
		result = json.RawMessage(`{}`)
	}
	return resultBody(id, result)
}

// normalizeID keeps the caller's original id bytes. json.RawMessage(nil)
// would marshal to an empty token and corrupt the response, so nil maps
// to explicit null.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 || strings.TrimSpace(string(id)) == "" {
		return json.RawMessage("null")
	}
	return id
}
