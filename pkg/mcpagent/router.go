package mcpagent

import (
	"fmt"
	"regexp"
	"strings"
)

// toolNameRegex validates the "server.tool" format a ToolCall.Name must take
// once normalized. Both server and tool parts must start with a word
// character and contain only word characters and hyphens.
var toolNameRegex = regexp.MustCompile(`^([\w][\w-]*)\.([\w][\w-]*)$`)

// NormalizeToolName accounts for LLM providers whose function-name grammar
// rejects a dot (e.g. some require "[A-Za-z0-9_]+"): the tool advertised to
// the LLM as "server__tool" comes back the same way in a ToolCall, and is
// normalized here to the canonical "server.tool" dispatch name.
func NormalizeToolName(name string) string {
	if strings.Contains(name, "__") && !strings.Contains(name, ".") {
		return strings.Replace(name, "__", ".", 1)
	}
	return name
}

// SplitToolName splits a normalized "server.tool" ToolCall.Name into
// (serverID, toolName, error), validating the format with a strict regex:
// server and tool parts must be word characters and hyphens, non-empty.
func SplitToolName(name string) (serverID, toolName string, err error) {
	matches := toolNameRegex.FindStringSubmatch(name)
	if matches == nil {
		return "", "", fmt.Errorf(
			"invalid tool name %q: must be in 'server.tool' format "+
				"(e.g., 'kubernetes-server.get_pods')", name)
	}
	return matches[1], matches[2], nil
}
