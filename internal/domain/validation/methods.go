package validation

// knownRequestMethods lists the MCP 2025-06-18 request methods. Unknown
// methods produce soft warnings only, so newer protocol revisions pass
// through without breaking.
var knownRequestMethods = map[string]bool{
	// Lifecycle
	"initialize": true,
	"ping":       true,

	// Tools
	"tools/list": true,
	"tools/call": true,

	// Resources
	"resources/list":           true,
	"resources/read":           true,
	"resources/subscribe":      true,
	"resources/unsubscribe":    true,
	"resources/templates/list": true,

	// Prompts
	"prompts/list": true,
	"prompts/get":  true,

	// Completion
	"completion/complete": true,

	// Logging
	"logging/setLevel": true,

	// Client-side features the server may call back into
	"sampling/createMessage": true,
	"elicitation/create":     true,
	"roots/list":             true,
}

// knownNotificationMethods lists the MCP 2025-06-18 notification names.
var knownNotificationMethods = map[string]bool{
	"notifications/initialized":            true,
	"notifications/cancelled":              true,
	"notifications/progress":               true,
	"notifications/message":                true,
	"notifications/resources/updated":      true,
	"notifications/resources/list_changed": true,
	"notifications/tools/list_changed":     true,
	"notifications/prompts/list_changed":   true,
	"notifications/roots/list_changed":     true,
}

// rpcReservedAllowlist names the only "rpc."-prefixed methods permitted.
// JSON-RPC reserves the prefix for protocol extensions; rpc.discover is the
// one extension in common use.
var rpcReservedAllowlist = map[string]bool{
	"rpc.discover": true,
}

// requiredParam describes a required params member for a known method.
type requiredParam struct {
	field string
	kind  paramKind
}

type paramKind int

const (
	paramString paramKind = iota
	paramObject
)

// methodParamRules maps known methods to required params members.
// These checks are hard errors: when the gateway recognizes a method it
// also enforces the method's documented shape. clientInfo.name is checked
// separately in checkInitializeParams because it is nested.
var methodParamRules = map[string][]requiredParam{
	"initialize": {
		{"protocolVersion", paramString},
		{"capabilities", paramObject},
		{"clientInfo", paramObject},
	},
	"tools/call":            {{"name", paramString}},
	"resources/read":        {{"uri", paramString}},
	"resources/subscribe":   {{"uri", paramString}},
	"resources/unsubscribe": {{"uri", paramString}},
	"prompts/get":           {{"name", paramString}},
	"logging/setLevel":      {{"level", paramString}},
	"completion/complete": {
		{"ref", paramObject},
		{"argument", paramObject},
	},
}
