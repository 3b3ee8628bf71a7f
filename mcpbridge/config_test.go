package mcpbridge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/runtime/registry"
)

func writeServerFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestLoadConfigDir_ExcludesUnresolvedEnvWithoutFailingOthers(t *testing.T) {
	dir := t.TempDir()
	writeServerFile(t, dir, "fs.yaml", `
server_id: fs
transport: stdio
command: fs-server
args: ["--root", "/tmp"]
`)
	writeServerFile(t, dir, "jira.yaml", `
server_id: jira
transport: streamable_http
url: https://jira.example.com/mcp
headers:
  Authorization: "Bearer ${ENV:SPEAR_TEST_JIRA_TOKEN_UNSET}"
`)

	recs, excluded, err := LoadConfigDir(dir)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "fs", recs[0].ServerID)
	assert.Equal(t, registry.MCPTransportStdio, recs[0].Transport.Kind)

	require.Len(t, excluded, 1)
	assert.Equal(t, "jira", excluded[0].ServerID)
	assert.Equal(t, []string{"SPEAR_TEST_JIRA_TOKEN_UNSET"}, excluded[0].MissingEnv)
}

func TestLoadConfigDir_DefaultFallbackResolves(t *testing.T) {
	dir := t.TempDir()
	writeServerFile(t, dir, "opt.yaml", `
server_id: opt
transport: streamable_http
url: "${ENV:SPEAR_TEST_OPT_URL_UNSET:-https://fallback.example.com/mcp}"
`)

	recs, excluded, err := LoadConfigDir(dir)
	require.NoError(t, err)
	assert.Empty(t, excluded)
	require.Len(t, recs, 1)
	assert.Equal(t, "https://fallback.example.com/mcp", recs[0].Transport.URL)
}

func TestLoadConfigDir_BudgetDefaults(t *testing.T) {
	dir := t.TempDir()
	writeServerFile(t, dir, "fs.yaml", `
server_id: fs
command: fs-server
`)

	recs, _, err := LoadConfigDir(dir)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, defaultPerCallTimeout, recs[0].Budgets.PerCallTimeout)
	assert.Equal(t, defaultMaxConcurrency, recs[0].Budgets.MaxConcurrency)
	assert.Equal(t, defaultMaxOutputBytes, recs[0].Budgets.MaxOutputBytes)
}
