package mcpbridge

import (
	"encoding/base64"
	"strings"
)

// EncodeToolName produces the base64-namespaced tool name
// ("mcp__<b64url(serverID)>__<b64url(tool)>") a cchat.ToolDef advertises
// to an upstream model. Base64 avoids collisions with the dots and
// underscores server IDs and tool names may themselves contain.
func EncodeToolName(serverID, tool string) string {
	return "mcp__" + b64(serverID) + "__" + b64(tool)
}

// DottedName produces the human-readable "mcp.<server>.<tool>" form used
// in logs, policy configuration, and session Ctl parameters.
func DottedName(serverID, tool string) string {
	return "mcp." + serverID + "." + tool
}

// IsMCPName reports whether name was produced by EncodeToolName or
// DottedName.
func IsMCPName(name string) bool {
	return strings.HasPrefix(name, "mcp__") || strings.HasPrefix(name, "mcp.")
}

// DecodeToolName reverses EncodeToolName or DottedName, returning the
// server ID and tool name it encodes. ok is false if name isn't a
// recognized MCP name.
func DecodeToolName(name string) (serverID, tool string, ok bool) {
	switch {
	case strings.HasPrefix(name, "mcp__"):
		rest := strings.TrimPrefix(name, "mcp__")
		parts := strings.SplitN(rest, "__", 2)
		if len(parts) != 2 {
			return "", "", false
		}
		s, err1 := unb64(parts[0])
		t, err2 := unb64(parts[1])
		if err1 != nil || err2 != nil {
			return "", "", false
		}
		return s, t, true
	case strings.HasPrefix(name, "mcp."):
		rest := strings.TrimPrefix(name, "mcp.")
		idx := strings.Index(rest, ".")
		if idx < 0 {
			return "", "", false
		}
		return rest[:idx], rest[idx+1:], true
	default:
		return "", "", false
	}
}

func b64(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func unb64(s string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	return string(b), err
}
