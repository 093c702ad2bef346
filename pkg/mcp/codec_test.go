package mcp

import (
	"bytes"
	"testing"
)

func TestWrapMessageRequest(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo"}}`)
	msg := WrapMessage(raw, "sess-1")

	if !msg.IsRequest() {
		t.Fatal("IsRequest() = false for a call")
	}
	if msg.IsNotification() {
		t.Error("IsNotification() = true for a call")
	}
	if got := msg.Method(); got != "tools/call" {
		t.Errorf("Method() = %q, want tools/call", got)
	}
	if msg.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", msg.SessionID)
	}

	params := msg.ParseParams()
	if params == nil || params["name"] != "echo" {
		t.Errorf("ParseParams() = %v, want name=echo", params)
	}
}

func TestWrapMessageNotification(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	msg := WrapMessage(raw, "")

	if !msg.IsNotification() {
		t.Fatal("IsNotification() = false for a notification")
	}
	if msg.IsRequest() {
		t.Error("IsRequest() = true for a notification")
	}
}

func TestWrapMessageBadJSON(t *testing.T) {
	raw := []byte(`{"jsonrpc":`)
	msg := WrapMessage(raw, "")

	if msg.Decoded != nil {
		t.Error("Decoded should be nil for invalid JSON")
	}
	if !bytes.Equal(msg.Raw, raw) {
		t.Error("Raw bytes not preserved on decode failure")
	}
}

func TestRawIDPreservesFormat(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"number id", `{"jsonrpc":"2.0","id":42,"method":"ping"}`, `42`},
		{"string id", `{"jsonrpc":"2.0","id":"abc","method":"ping"}`, `"abc"`},
		{"null id", `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"x"}}`, `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := WrapMessage([]byte(tt.raw), "")
			if got := string(msg.RawID()); got != tt.want {
				t.Errorf("RawID() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRawIDAbsent(t *testing.T) {
	msg := WrapMessage([]byte(`{"jsonrpc":"2.0","method":"ping"}`), "")
	if id := msg.RawID(); id != nil {
		t.Errorf("RawID() = %s for a notification, want nil", id)
	}
}
