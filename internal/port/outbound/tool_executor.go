// Package outbound defines the outbound port interfaces for reaching
// upstream tool providers.
package outbound

import (
	"context"
	"encoding/json"
)

// ToolInvocation carries a consented tools/call to an upstream executor.
type ToolInvocation struct {
	Name      string
	Arguments json.RawMessage
	UserID    string
	ClientID  string
	SessionID string
}

// ToolExecutor is the outbound port for executing tool calls against an
// upstream MCP server once validation and consent have passed.
type ToolExecutor interface {
	// ExecuteTool runs the tool and returns the raw JSON result payload.
	ExecuteTool(ctx context.Context, inv ToolInvocation) (json.RawMessage, error)
}
