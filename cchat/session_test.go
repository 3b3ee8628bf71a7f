package cchat_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/cchat"
	"github.com/lfedgeai/spear/hostapi"
)

func TestSessionCtlRejectsTaskPolicyKeys(t *testing.T) {
	mgr := cchat.New()
	table := hostapi.NewTable()
	sessionID, _, _ := mgr.CreateSession(table)
	sess, ok := mgr.Session(sessionID)
	require.True(t, ok)

	err := sess.Ctl("mcp.task_tool_allowlist", `["fs.read_file"]`)
	assert.ErrorIs(t, err, cchat.ErrAccessDenied)

	// Session-level MCP keys remain settable.
	require.NoError(t, sess.Ctl("mcp.server_ids", `["fs"]`))
	assert.Equal(t, `["fs"]`, sess.Param("mcp.server_ids"))
}

func TestSessionCtlRejectsEmptyKeyAndClosedSession(t *testing.T) {
	mgr := cchat.New()
	table := hostapi.NewTable()
	sessionID, _, _ := mgr.CreateSession(table)
	sess, _ := mgr.Session(sessionID)

	assert.ErrorIs(t, sess.Ctl("", "x"), cchat.ErrInvalidCtlCmd)

	require.NoError(t, sess.Close())
	assert.ErrorIs(t, sess.Ctl("model", "m"), cchat.ErrSessionClosed)
}

func TestWriteFnRejectsInvalidParameterSchema(t *testing.T) {
	mgr := cchat.New()
	table := hostapi.NewTable()
	sessionID, _, _ := mgr.CreateSession(table)
	sess, _ := mgr.Session(sessionID)

	err := sess.WriteFn(cchat.ToolDef{Name: "bad", Parameters: json.RawMessage(`{"type": 42}`)})
	assert.ErrorIs(t, err, cchat.ErrInvalidToolSchema)

	require.NoError(t, sess.WriteFn(cchat.ToolDef{Name: "good", Parameters: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"}}}`)}))
}

func TestParseToolDefAcceptsBothForms(t *testing.T) {
	def, err := cchat.ParseToolDef([]byte(`{"type":"function","function":{"name":"sum","description":"adds","parameters":{"type":"object"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "sum", def.Name)
	assert.Equal(t, "adds", def.Description)

	def, err = cchat.ParseToolDef([]byte(`{"name":"bare","parameters":{"type":"object"}}`))
	require.NoError(t, err)
	assert.Equal(t, "bare", def.Name)

	_, err = cchat.ParseToolDef([]byte(`{"parameters":{}}`))
	assert.ErrorIs(t, err, cchat.ErrInvalidToolSchema)
}
