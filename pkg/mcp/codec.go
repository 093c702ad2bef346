package mcp

import (
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// EncodeMessage serializes a JSON-RPC message to its wire format.
// This delegates to the MCP SDK's jsonrpc package.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// DecodeMessage deserializes JSON-RPC wire format data.
// It returns either a *jsonrpc.Request or *jsonrpc.Response based on the
// message content. This delegates to the MCP SDK's jsonrpc package.
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// WrapMessage wraps raw JSON-RPC bytes in a Message, decoding them when
// possible. Decode failures are tolerated: the structural validator works
// on Raw and produces the protocol error, so the wrapper never loses the
// original bytes.
func WrapMessage(raw []byte, sessionID string) *Message {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		decoded = nil
	}
	return &Message{
		Raw:       raw,
		Decoded:   decoded,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
}
