package mcpbridge

import (
	"os"
	"strings"
)

// ExpandEnv substitutes environment references in an MCP server config
// file's command/args/env/url/headers strings. Grounded on
// codeready-toolchain-tarsy's envexpand.go (a plain os.ExpandEnv
// wrapper); extended here with the "${ENV:NAME:-default}" fallback form
// registry config files need for optional auth tokens, since
// os.ExpandEnv/os.Expand alone only resolve "$NAME"/"${NAME}" and leave
// an unset variable as an empty string with no way to supply a default.
func ExpandEnv(s string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "${ENV:")
		if start < 0 {
			b.WriteString(os.ExpandEnv(s))
			return b.String()
		}
		end := strings.IndexByte(s[start:], '}')
		if end < 0 {
			b.WriteString(os.ExpandEnv(s))
			return b.String()
		}
		end += start

		b.WriteString(os.ExpandEnv(s[:start]))
		ref := s[start+len("${ENV:") : end]
		name, def, hasDefault := strings.Cut(ref, ":-")
		if v, ok := os.LookupEnv(name); ok {
			b.WriteString(v)
		} else if hasDefault {
			b.WriteString(def)
		}
		s = s[end+1:]
	}
}

// UnresolvedEnvRefs returns the names of required "${ENV:NAME}" references
// (no ":-default" fallback) in s whose variable is unset. A non-empty
// result means s cannot be safely expanded.
func UnresolvedEnvRefs(s string) []string {
	var missing []string
	for {
		start := strings.Index(s, "${ENV:")
		if start < 0 {
			return missing
		}
		end := strings.IndexByte(s[start:], '}')
		if end < 0 {
			return missing
		}
		end += start
		ref := s[start+len("${ENV:") : end]
		name, _, hasDefault := strings.Cut(ref, ":-")
		if _, ok := os.LookupEnv(name); !ok && !hasDefault {
			missing = append(missing, name)
		}
		s = s[end+1:]
	}
}

// ExpandEnvMap applies ExpandEnv to every value in m, returning a new map.
func ExpandEnvMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = ExpandEnv(v)
	}
	return out
}
