// Package mcp provides MCP message types and JSON-RPC codec utilities
// for the gatewarden gateway.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// SupportedProtocolVersions lists the protocol versions this gateway can
// negotiate, newest first.
var SupportedProtocolVersions = []string{
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
}

// LatestProtocolVersion is the server's preferred protocol version.
const LatestProtocolVersion = "2025-06-18"

// Well-known method names the gateway routes on.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"
	MethodToolsCall   = "tools/call"
)

// Message wraps an inbound JSON-RPC message with gateway metadata.
// It stores both the raw bytes (the validator works on raw JSON) and the
// decoded message (for convenient field access once validated).
type Message struct {
	// Raw contains the original bytes of the message.
	Raw []byte

	// Decoded contains the parsed JSON-RPC message.
	// May be nil if SDK decoding failed; Raw is still usable for
	// structural validation and error reporting.
	Decoded jsonrpc.Message

	// SessionID is the gateway session the message arrived on.
	SessionID string

	// Timestamp records when the message was received.
	Timestamp time.Time

	// parsedParams caches the parsed params object.
	parsedParams map[string]any
}

// IsRequest returns true if the message is a JSON-RPC call (has an id).
func (m *Message) IsRequest() bool {
	req, ok := m.Decoded.(*jsonrpc.Request)
	return ok && req.IsCall()
}

// IsNotification returns true if the message is a request without an id.
func (m *Message) IsNotification() bool {
	req, ok := m.Decoded.(*jsonrpc.Request)
	return ok && !req.IsCall()
}

// Method returns the method name if this is a request or notification.
func (m *Message) Method() string {
	if req, ok := m.Decoded.(*jsonrpc.Request); ok {
		return req.Method
	}
	return ""
}

// Request returns the underlying Request, or nil.
func (m *Message) Request() *jsonrpc.Request {
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// ParseParams parses the request params into a map and caches the result.
// Returns nil if this is not a request, params are absent, or params are
// not a JSON object.
func (m *Message) ParseParams() map[string]any {
	if m.parsedParams != nil {
		return m.parsedParams
	}
	req := m.Request()
	if req == nil || len(req.Params) == 0 {
		return nil
	}
	var params map[string]any
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}
	m.parsedParams = params
	return params
}

// RawID extracts the request id from the raw bytes as json.RawMessage,
// preserving the caller's original id format (number, string, or null).
// Returns nil if no id is present or the raw bytes are not an object.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}
	return raw["id"]
}
