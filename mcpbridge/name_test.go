package mcpbridge_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/mcpbridge"
)

func TestEncodeDecodeToolNameRoundTrips(t *testing.T) {
	name := mcpbridge.EncodeToolName("github", "create_issue")
	require.True(t, mcpbridge.IsMCPName(name))

	server, tool, ok := mcpbridge.DecodeToolName(name)
	require.True(t, ok)
	require.Equal(t, "github", server)
	require.Equal(t, "create_issue", tool)
}

func TestDottedNameRoundTrips(t *testing.T) {
	name := mcpbridge.DottedName("github", "create_issue")
	require.True(t, mcpbridge.IsMCPName(name))

	server, tool, ok := mcpbridge.DecodeToolName(name)
	require.True(t, ok)
	require.Equal(t, "github", server)
	require.Equal(t, "create_issue", tool)
}

func TestIsMCPNameRejectsPlainNames(t *testing.T) {
	require.False(t, mcpbridge.IsMCPName("read_file"))
	_, _, ok := mcpbridge.DecodeToolName("read_file")
	require.False(t, ok)
}
