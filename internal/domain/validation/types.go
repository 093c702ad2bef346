// Package validation provides the stateless JSON-RPC 2.0 + MCP structural
// message validator. It classifies messages, enforces required fields per
// kind, and rejects malformed input early at the gateway boundary.
package validation

import "fmt"

// JSON-RPC 2.0 standard error codes, plus the gateway's custom codes in the
// server-error range.
// https://www.jsonrpc.org/specification#error_object
const (
	// ErrCodeParseError indicates invalid JSON was received.
	ErrCodeParseError = -32700

	// ErrCodeInvalidRequest indicates the JSON is not a valid Request object.
	ErrCodeInvalidRequest = -32600

	// ErrCodeMethodNotFound indicates the method does not exist or is not available.
	ErrCodeMethodNotFound = -32601

	// ErrCodeInvalidParams indicates invalid method parameters.
	ErrCodeInvalidParams = -32602

	// ErrCodeInternalError indicates an internal JSON-RPC error.
	ErrCodeInternalError = -32603

	// ErrCodeNotInitialized indicates the session has not completed the
	// initialize handshake.
	ErrCodeNotInitialized = -32002
)

// MessageKind classifies a JSON-RPC message.
type MessageKind string

const (
	// KindRequest is a message with a method and an id.
	KindRequest MessageKind = "request"
	// KindNotification is a message with a method and no id.
	KindNotification MessageKind = "notification"
	// KindResponse is a message with an id and a result.
	KindResponse MessageKind = "response"
	// KindErrorResponse is a message with an id and an error.
	KindErrorResponse MessageKind = "error_response"
	// KindInvalid is any shape that cannot be classified.
	KindInvalid MessageKind = "invalid"
)

// ValidationError represents a hard validation failure with a JSON-RPC
// error code. The Message field is safe for the client (no internal
// details like file paths or stack traces).
type ValidationError struct {
	// Code is the JSON-RPC error code.
	Code int

	// Message is a safe, client-facing error message.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error %d: %s", e.Code, e.Message)
}

// NewValidationError creates a ValidationError with the given code and message.
func NewValidationError(code int, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}

// Result is the outcome of validating a single message. A fresh Result is
// constructed per message; it is never shared or reused.
type Result struct {
	// Valid is true when no hard errors were found.
	Valid bool

	// Kind is the classified message kind.
	Kind MessageKind

	// Errors are hard failures, in the order they were detected.
	Errors []*ValidationError

	// Warnings are soft findings (e.g. unknown method names) that do not
	// fail validation; they exist for forward compatibility.
	Warnings []string

	// Meta carries free-form findings such as the extracted method name.
	Meta map[string]any
}

// FirstError returns the first hard error, or nil when the result is valid.
func (r *Result) FirstError() *ValidationError {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// Method returns the extracted method name, if any.
func (r *Result) Method() string {
	if m, ok := r.Meta["method"].(string); ok {
		return m
	}
	return ""
}

func (r *Result) addError(code int, message string) {
	r.Valid = false
	r.Errors = append(r.Errors, NewValidationError(code, message))
}

func (r *Result) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}
