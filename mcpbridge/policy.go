package mcpbridge

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/lfedgeai/spear/runtime/registry"
)

// TaskPolicy is the task-level MCP allowance, set from the task
// definition's declared MCP servers. AllowedServers bounds which servers
// a session of this task may ever reach; DefaultServers is the subset
// auto-enabled without an explicit session Ctl.
type TaskPolicy struct {
	AllowedServers []string
	DefaultServers []string
	ToolAllow      []string // empty means no additional restriction
	ToolDeny       []string
}

// Validate enforces DefaultServers subset-of AllowedServers (spec.md's
// three-layer intersection invariant: a task cannot default-enable a
// server it hasn't allowed at all).
func (p TaskPolicy) Validate() error {
	allowed := toSet(p.AllowedServers)
	for _, s := range p.DefaultServers {
		if !allowed[s] {
			return fmt.Errorf("mcpbridge: task default server %q is not in allowed servers", s)
		}
	}
	return nil
}

// TaskPolicyFromConfig builds a TaskPolicy from a task definition's
// config map (keys mcp.allowed_server_ids, mcp.default_server_ids,
// mcp.task_tool_allowlist, mcp.task_tool_denylist). Values are JSON
// arrays, with a comma-separated fallback for hand-written configs.
func TaskPolicyFromConfig(config map[string]string) TaskPolicy {
	return TaskPolicy{
		AllowedServers: ParseIDList(config["mcp.allowed_server_ids"]),
		DefaultServers: ParseIDList(config["mcp.default_server_ids"]),
		ToolAllow:      ParseIDList(config["mcp.task_tool_allowlist"]),
		ToolDeny:       ParseIDList(config["mcp.task_tool_denylist"]),
	}
}

// ParseIDList decodes a policy list value: a JSON string array, or a
// comma-separated fallback. Empty input yields nil.
func ParseIDList(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(v), &ids); err == nil {
		return ids
	}
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

// SessionPolicy is the session's own runtime opt-in/opt-out, set via
// cchat session Ctl calls (mcp.server_ids/mcp.enabled,
// mcp.tool_allowlist/mcp.tool_denylist per spec.md §4.10).
type SessionPolicy struct {
	Enabled  map[string]bool // server ID -> explicit enable/disable
	ToolAllow []string
	ToolDeny  []string
}

// ResolvedPolicy is the effective, per-session MCP visibility after
// intersecting platform (registry existence), task, and session layers.
type ResolvedPolicy struct {
	Servers map[string]bool // server ID -> visible
	hash    string
}

// Resolve computes platform ∩ task ∩ session visibility. platform is the
// set of server IDs the SMS-replicated registry currently carries
// (existence is the platform layer: a server absent from the local
// registry is never reachable regardless of task/session config).
func Resolve(platform []registry.MCPServerRecord, task TaskPolicy, session SessionPolicy) (ResolvedPolicy, error) {
	if err := task.Validate(); err != nil {
		return ResolvedPolicy{}, err
	}
	platformSet := make(map[string]bool, len(platform))
	for _, rec := range platform {
		platformSet[rec.ServerID] = true
	}
	taskAllowed := toSet(task.AllowedServers)
	taskDefault := toSet(task.DefaultServers)

	visible := make(map[string]bool)
	for id := range platformSet {
		if !taskAllowed[id] {
			continue
		}
		enabled := taskDefault[id]
		if v, ok := session.Enabled[id]; ok {
			if !taskAllowed[id] {
				continue // session cannot enable a server outside task allow
			}
			enabled = v
		}
		if enabled {
			visible[id] = true
		}
	}
	return ResolvedPolicy{Servers: visible, hash: hashVisible(visible)}, nil
}

// AllowsServer reports whether serverID is visible under this resolution.
func (p ResolvedPolicy) AllowsServer(serverID string) bool { return p.Servers[serverID] }

// AllowsTool applies the task/session tool allow/deny lists on top of
// server visibility. An empty allow list means "no additional
// restriction beyond deny"; a non-empty allow list is a strict
// allowlist.
func AllowsTool(task TaskPolicy, session SessionPolicy, serverID, tool string) bool {
	dotted := DottedName(serverID, tool)
	if containsAny(task.ToolDeny, tool, dotted) || containsAny(session.ToolDeny, tool, dotted) {
		return false
	}
	if len(task.ToolAllow) > 0 && !containsAny(task.ToolAllow, tool, dotted) {
		return false
	}
	if len(session.ToolAllow) > 0 && !containsAny(session.ToolAllow, tool, dotted) {
		return false
	}
	return true
}

// CacheKey identifies this resolution for tools/list cache lookups,
// keyed by (server_id, policy_hash) per spec.md §6 so two sessions with
// identical effective policy share one cached listing.
func (p ResolvedPolicy) CacheKey(serverID string) string { return serverID + "#" + p.hash }

func toSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

func containsAny(list []string, candidates ...string) bool {
	for _, l := range list {
		for _, c := range candidates {
			if l == c {
				return true
			}
		}
	}
	return false
}

func hashVisible(visible map[string]bool) string {
	// Order-independent, collision-acceptable digest: visibility sets are
	// small (per-task server counts), so a sorted join is cheap and
	// avoids pulling in a hash package for what's really a cache key.
	ids := make([]string, 0, len(visible))
	for id, ok := range visible {
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := ""
	for _, id := range ids {
		out += id + ","
	}
	return out
}
