package mcpbridge_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/mcpbridge"
	"github.com/lfedgeai/spear/runtime/registry"
)

func platformWith(ids ...string) []registry.MCPServerRecord {
	out := make([]registry.MCPServerRecord, len(ids))
	for i, id := range ids {
		out[i] = registry.MCPServerRecord{ServerID: id}
	}
	return out
}

func TestResolveIntersectsPlatformTaskAndSession(t *testing.T) {
	platform := platformWith("github", "slack")
	task := mcpbridge.TaskPolicy{AllowedServers: []string{"github", "slack"}, DefaultServers: []string{"github"}}
	session := mcpbridge.SessionPolicy{}

	resolved, err := mcpbridge.Resolve(platform, task, session)
	require.NoError(t, err)
	require.True(t, resolved.AllowsServer("github"))
	require.False(t, resolved.AllowsServer("slack"))
}

func TestResolveSessionCanEnableAllowedButNonDefaultServer(t *testing.T) {
	platform := platformWith("github", "slack")
	task := mcpbridge.TaskPolicy{AllowedServers: []string{"github", "slack"}, DefaultServers: []string{"github"}}
	session := mcpbridge.SessionPolicy{Enabled: map[string]bool{"slack": true}}

	resolved, err := mcpbridge.Resolve(platform, task, session)
	require.NoError(t, err)
	require.True(t, resolved.AllowsServer("slack"))
}

func TestResolveSessionCannotEnableServerOutsideTaskAllow(t *testing.T) {
	platform := platformWith("github", "internal-admin")
	task := mcpbridge.TaskPolicy{AllowedServers: []string{"github"}}
	session := mcpbridge.SessionPolicy{Enabled: map[string]bool{"internal-admin": true}}

	resolved, err := mcpbridge.Resolve(platform, task, session)
	require.NoError(t, err)
	require.False(t, resolved.AllowsServer("internal-admin"))
}

func TestResolveRejectsDefaultOutsideAllowed(t *testing.T) {
	task := mcpbridge.TaskPolicy{AllowedServers: []string{"github"}, DefaultServers: []string{"slack"}}
	_, err := mcpbridge.Resolve(platformWith("github", "slack"), task, mcpbridge.SessionPolicy{})
	require.Error(t, err)
}

func TestAllowsToolDenylistOverridesAllowlist(t *testing.T) {
	task := mcpbridge.TaskPolicy{ToolAllow: []string{"create_issue", "delete_issue"}, ToolDeny: []string{"delete_issue"}}
	require.True(t, mcpbridge.AllowsTool(task, mcpbridge.SessionPolicy{}, "github", "create_issue"))
	require.False(t, mcpbridge.AllowsTool(task, mcpbridge.SessionPolicy{}, "github", "delete_issue"))
	require.False(t, mcpbridge.AllowsTool(task, mcpbridge.SessionPolicy{}, "github", "unrelated_tool"))
}

func TestCacheKeyDiffersByVisibility(t *testing.T) {
	r1, _ := mcpbridge.Resolve(platformWith("a", "b"), mcpbridge.TaskPolicy{AllowedServers: []string{"a", "b"}, DefaultServers: []string{"a"}}, mcpbridge.SessionPolicy{})
	r2, _ := mcpbridge.Resolve(platformWith("a", "b"), mcpbridge.TaskPolicy{AllowedServers: []string{"a", "b"}, DefaultServers: []string{"a", "b"}}, mcpbridge.SessionPolicy{})
	require.NotEqual(t, r1.CacheKey("a"), r2.CacheKey("a"))
}

func TestTaskPolicyFromConfigParsesListKeys(t *testing.T) {
	tp := mcpbridge.TaskPolicyFromConfig(map[string]string{
		"mcp.allowed_server_ids":  `["fs","jira"]`,
		"mcp.default_server_ids":  `["fs"]`,
		"mcp.task_tool_allowlist": "read_file, list_dir",
		"mcp.task_tool_denylist":  `["rm"]`,
	})
	require.Equal(t, []string{"fs", "jira"}, tp.AllowedServers)
	require.Equal(t, []string{"fs"}, tp.DefaultServers)
	require.Equal(t, []string{"read_file", "list_dir"}, tp.ToolAllow)
	require.Equal(t, []string{"rm"}, tp.ToolDeny)
	require.NoError(t, tp.Validate())
}

func TestParseIDListEmptyAndFallback(t *testing.T) {
	require.Nil(t, mcpbridge.ParseIDList(""))
	require.Equal(t, []string{"a", "b"}, mcpbridge.ParseIDList("a,b"))
	require.Equal(t, []string{"a"}, mcpbridge.ParseIDList(`["a"]`))
}
