// Package lifecycle manages the per-session MCP initialization handshake.
package lifecycle

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// State is a session's position in the initialization state machine.
type State string

const (
	// StateNotInitialized is the state of a freshly created session.
	StateNotInitialized State = "not_initialized"
	// StateInitializing means a successful initialize response was sent and
	// the gateway is waiting for the initialized notification.
	StateInitializing State = "initializing"
	// StateInitialized means the handshake completed; normal traffic may flow.
	StateInitialized State = "initialized"
	// StateShutdown is terminal; a new session must be created.
	StateShutdown State = "shutdown"
)

// Implementation identifies a client or server implementation,
// mirroring the MCP clientInfo/serverInfo shape.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version,omitempty"`
}

// Session is the server-side record of one client connection's negotiated
// state. It is created on the first initialize request, mutated only by the
// Manager, and destroyed by explicit shutdown or TTL expiry.
type Session struct {
	// ID is a cryptographically random identifier, 32 bytes hex-encoded.
	ID string
	// State is the session's handshake state.
	State State
	// ProtocolVersion is the negotiated protocol version; empty until the
	// initialize request succeeds.
	ProtocolVersion string
	// ClientCapabilities holds the capability sub-objects the client declared.
	ClientCapabilities map[string]any
	// ServerCapabilities holds the capabilities this server advertised.
	ServerCapabilities map[string]any
	// ClientInfo is the client implementation info from initialize.
	ClientInfo Implementation
	// ServerInfo is this server's implementation info.
	ServerInfo Implementation
	// CreatedAt is when the session was created (UTC).
	CreatedAt time.Time
	// InitializedAt is when the initialized notification arrived (UTC);
	// zero until then.
	InitializedAt time.Time
}

// InitializeResult is the JSON-RPC result payload for a successful
// initialize request.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
}

// ErrSessionNotFound is returned when a session does not exist or expired.
var ErrSessionNotFound = errors.New("session not found")

// ErrNotInitializing is returned when an initialized notification arrives
// for a session that has not successfully processed an initialize request.
var ErrNotInitializing = errors.New("session is not awaiting initialized notification")

// GenerateSessionID creates a cryptographically random session ID.
// Returns 64 hex characters (32 bytes).
func GenerateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}
