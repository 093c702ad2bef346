package consent

import (
	"encoding/json"
	"strings"
)

// criticalPatterns indicate destructive, admin, or privileged operations.
var criticalPatterns = []string{
	"destroy", "wipe", "format", "shred", "purge",
	"admin", "sudo", "root", "privilege", "grant",
}

// highPatterns indicate execution, deletion, or install operations.
var highPatterns = []string{
	"execute", "exec", "shell", "command", "eval",
	"delete", "remove", "drop", "truncate",
	"install", "uninstall", "deploy",
}

// mediumPatterns indicate mutating or network operations.
var mediumPatterns = []string{
	"write", "create", "update", "modify", "rename", "move",
	"send", "post", "put", "upload", "publish",
	"connect", "fetch", "download", "request",
}

// lowPatterns indicate read-only, informational operations.
var lowPatterns = []string{
	"read", "list", "get", "query", "search", "find",
	"status", "describe", "view", "help", "version", "ping",
}

// dangerousSubstrings escalate a request to critical when found in the
// serialized parameters. These are shell-injection and privilege markers.
var dangerousSubstrings = []string{
	"rm -rf", "rm -fr", "sudo ", "chmod 777", "mkfs",
	"$(", "`", "| sh", "| bash", "; sh", "; bash",
	"drop table", "drop database", "truncate table",
	"> /dev/", "dd if=",
}

// sensitivePaths escalate a request to at least high when referenced in
// the serialized parameters.
var sensitivePaths = []string{
	"/etc/passwd", "/etc/shadow", "/etc/sudoers", "/etc/ssh",
	".ssh/", "id_rsa", ".aws/credentials", ".gnupg",
	".env", "/proc/", "/sys/", "/boot/",
	"c:\\windows\\system32", "\\system32\\",
}

// AssessRisk classifies a tool invocation. It is deterministic and
// side-effect-free: a pure function of the tool name and parameters.
//
// The name is matched case-insensitively against tier pattern tables,
// highest tier first; unmatched names default to medium. The serialized
// parameters are then scanned, and a parameter match can only raise the
// tier, never lower it.
func AssessRisk(toolName string, params map[string]any) RiskTier {
	tier := classifyName(toolName)
	if esc := scanParameters(params); esc.Rank() > tier.Rank() {
		tier = esc
	}
	return tier
}

func classifyName(toolName string) RiskTier {
	name := strings.ToLower(toolName)

	for _, p := range criticalPatterns {
		if strings.Contains(name, p) {
			return RiskTierCritical
		}
	}
	for _, p := range highPatterns {
		if strings.Contains(name, p) {
			return RiskTierHigh
		}
	}
	for _, p := range mediumPatterns {
		if strings.Contains(name, p) {
			return RiskTierMedium
		}
	}
	for _, p := range lowPatterns {
		if strings.Contains(name, p) {
			return RiskTierLow
		}
	}
	return RiskTierMedium
}

// scanParameters returns the escalation floor implied by the parameters:
// critical for shell-injection markers, high for sensitive filesystem
// paths, low (no escalation) otherwise.
func scanParameters(params map[string]any) RiskTier {
	if len(params) == 0 {
		return RiskTierLow
	}
	data, err := json.Marshal(params)
	if err != nil {
		return RiskTierLow
	}
	serialized := strings.ToLower(string(data))

	for _, s := range dangerousSubstrings {
		if strings.Contains(serialized, s) {
			return RiskTierCritical
		}
	}
	for _, p := range sensitivePaths {
		if strings.Contains(serialized, p) {
			return RiskTierHigh
		}
	}
	return RiskTierLow
}
