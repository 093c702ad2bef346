package validation

import (
	"bytes"
	"encoding/json"
	"strings"
)

// reservedMemberNames are the JSON-RPC top-level member names that params
// objects must not reuse.
var reservedMemberNames = []string{"jsonrpc", "id", "method", "result", "error"}

// MessageValidator validates parsed JSON-RPC objects against the JSON-RPC
// 2.0 grammar and the MCP profile. It holds no state and is safe for
// concurrent use without synchronization.
type MessageValidator struct{}

// NewMessageValidator creates a MessageValidator.
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateBytes validates a raw message body. It rejects batched arrays
// (the in-scope protocol version forbids batching), unparseable JSON, and
// non-object payloads before delegating to Validate.
func (v *MessageValidator) ValidateBytes(data []byte) *Result {
	res := newResult()

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		res.addError(ErrCodeParseError, "empty request body")
		return res
	}
	if trimmed[0] == '[' {
		res.addError(ErrCodeInvalidRequest, "batching is not supported")
		return res
	}
	if !json.Valid(trimmed) {
		res.addError(ErrCodeParseError, "invalid JSON")
		return res
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		res.addError(ErrCodeInvalidRequest, "message must be a JSON object")
		return res
	}

	return v.Validate(obj)
}

// Validate classifies and validates a parsed JSON object.
//
// Classification: method+id is a request; method without id is a
// notification; id with exactly one of result/error is a response or
// error response; anything else is unclassifiable (hard error).
func (v *MessageValidator) Validate(obj map[string]json.RawMessage) *Result {
	res := newResult()

	if version, ok := obj["jsonrpc"]; !ok || !bytes.Equal(bytes.TrimSpace(version), []byte(`"2.0"`)) {
		res.addError(ErrCodeInvalidRequest, `jsonrpc member must be "2.0"`)
	}

	methodRaw, hasMethod := obj["method"]
	idRaw, hasID := obj["id"]
	resultRaw, hasResult := obj["result"]
	_, hasError := obj["error"]
	_ = resultRaw

	switch {
	case hasMethod && hasID:
		res.Kind = KindRequest
	case hasMethod:
		res.Kind = KindNotification
	case hasID && hasResult && !hasError:
		res.Kind = KindResponse
	case hasID && hasError && !hasResult:
		res.Kind = KindErrorResponse
	default:
		res.Kind = KindInvalid
		res.addError(ErrCodeInvalidRequest, "message is not a request, notification, or response")
		return res
	}

	switch res.Kind {
	case KindRequest, KindNotification:
		if hasResult || hasError {
			res.addError(ErrCodeInvalidRequest, "request must not carry result or error members")
		}
		v.validateMethod(res, methodRaw)
		if hasID {
			v.validateID(res, idRaw, false)
		}
		v.validateParams(res, obj)

	case KindResponse, KindErrorResponse:
		v.validateID(res, idRaw, res.Kind == KindErrorResponse)
	}

	return res
}

func newResult() *Result {
	return &Result{Valid: true, Kind: KindInvalid, Meta: make(map[string]any)}
}

// validateMethod enforces method naming rules and records warnings for
// method names outside the known MCP tables.
func (v *MessageValidator) validateMethod(res *Result, raw json.RawMessage) {
	var method string
	if err := json.Unmarshal(raw, &method); err != nil {
		res.addError(ErrCodeInvalidRequest, "method must be a string")
		return
	}
	if method == "" {
		res.addError(ErrCodeInvalidRequest, "method must not be empty")
		return
	}
	res.Meta["method"] = method

	if strings.HasPrefix(method, "rpc.") && !rpcReservedAllowlist[method] {
		res.addError(ErrCodeInvalidRequest, "rpc.-prefixed methods are reserved")
		return
	}

	// Unknown names are soft warnings only, for forward compatibility.
	switch res.Kind {
	case KindRequest:
		if !knownRequestMethods[method] && !rpcReservedAllowlist[method] {
			if knownNotificationMethods[method] {
				res.addWarning("notification method %q sent as a request", method)
			} else {
				res.addWarning("unknown method %q", method)
			}
		}
	case KindNotification:
		if !knownNotificationMethods[method] {
			if knownRequestMethods[method] {
				res.addWarning("request method %q sent as a notification", method)
			} else {
				res.addWarning("unknown notification %q", method)
			}
		}
	}
}

// validateID enforces id typing: string or number, with null permitted only
// on error responses (per JSON-RPC, an error for an undecodable id).
func (v *MessageValidator) validateID(res *Result, raw json.RawMessage, nullOK bool) {
	var id any
	if err := json.Unmarshal(raw, &id); err != nil {
		res.addError(ErrCodeInvalidRequest, "id is not valid JSON")
		return
	}
	switch id.(type) {
	case string, float64:
	case nil:
		if !nullOK {
			res.addError(ErrCodeInvalidRequest, "id must not be null")
		}
	default:
		res.addError(ErrCodeInvalidRequest, "id must be a string or number")
	}
}

// validateParams enforces the params grammar plus method-specific required
// members for recognized methods.
func (v *MessageValidator) validateParams(res *Result, obj map[string]json.RawMessage) {
	method, _ := res.Meta["method"].(string)

	paramsRaw, hasParams := obj["params"]
	var params map[string]json.RawMessage

	if hasParams {
		trimmed := bytes.TrimSpace(paramsRaw)
		if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
			res.addError(ErrCodeInvalidParams, "params must be an object or array")
			return
		}
		if trimmed[0] == '{' {
			if err := json.Unmarshal(trimmed, &params); err != nil {
				res.addError(ErrCodeInvalidParams, "params object is malformed")
				return
			}
			for _, reserved := range reservedMemberNames {
				if _, clash := params[reserved]; clash {
					res.addError(ErrCodeInvalidParams, "params must not reuse reserved member "+reserved)
				}
			}
		}
	}

	rules, recognized := methodParamRules[method]
	if !recognized {
		return
	}

	if params == nil {
		res.addError(ErrCodeInvalidParams, method+" requires a params object")
		return
	}
	for _, rule := range rules {
		member, ok := params[rule.field]
		if !ok {
			res.addError(ErrCodeInvalidParams, method+" requires params."+rule.field)
			continue
		}
		switch rule.kind {
		case paramString:
			var s string
			if err := json.Unmarshal(member, &s); err != nil || s == "" {
				res.addError(ErrCodeInvalidParams, "params."+rule.field+" must be a non-empty string")
			}
		case paramObject:
			trimmed := bytes.TrimSpace(member)
			if len(trimmed) == 0 || trimmed[0] != '{' {
				res.addError(ErrCodeInvalidParams, "params."+rule.field+" must be an object")
			}
		}
	}

	if method == "initialize" {
		checkInitializeClientInfo(res, params)
	}
}

// checkInitializeClientInfo verifies the nested clientInfo.name member.
func checkInitializeClientInfo(res *Result, params map[string]json.RawMessage) {
	raw, ok := params["clientInfo"]
	if !ok {
		return // absence already reported by the rule table
	}
	var info struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return // shape already reported by the rule table
	}
	if info.Name == "" {
		res.addError(ErrCodeInvalidParams, "params.clientInfo.name must be a non-empty string")
	}
}
