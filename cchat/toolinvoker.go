package cchat

import (
	"context"
	"encoding/json"
)

// ToolInvoker dispatches a tool call to its WASM-registered function
// (the guest offset write_fn recorded in ToolDef.FnOffset). Implemented
// by the wasm driver, which maps sessionID back to the owning guest
// instance and re-enters it through the tool trampoline export.
type ToolInvoker interface {
	InvokeFn(ctx context.Context, sessionID string, offset int32, args json.RawMessage) (result json.RawMessage, isError bool, err error)
}

// MCPCaller routes a tool call whose name carries the mcp__/mcp. namespace
// mcpbridge assigns to policy-visible MCP tools. Implemented by
// mcpbridge.Bridge; cchat only depends on this seam, never on mcpbridge
// directly, so the dependency runs loop -> interface -> bridge and not
// the reverse.
type MCPCaller interface {
	// IsMCPTool reports whether name was namespaced by mcpbridge, sparing
	// the loop from knowing the encoding.
	IsMCPTool(name string) bool

	// CallTool invokes the named MCP tool for the given session, enforcing
	// mcpbridge's three-layer policy and per-server budgets.
	CallTool(ctx context.Context, sessionID, name string, args json.RawMessage) (result json.RawMessage, isError bool, err error)

	// ListTools returns the MCP tools currently visible to sessionID under
	// its resolved policy, for inclusion alongside WASM-registered tools
	// in the next Backend.Request.Tools.
	ListTools(ctx context.Context, sessionID string) ([]ToolDef, error)
}

// noopMCPCaller is used when a Manager is constructed without MCP
// integration (e.g. unit tests exercising only the WASM tool path).
type noopMCPCaller struct{}

func (noopMCPCaller) IsMCPTool(string) bool { return false }

func (noopMCPCaller) CallTool(context.Context, string, string, json.RawMessage) (json.RawMessage, bool, error) {
	return nil, true, ErrToolNotFound
}

func (noopMCPCaller) ListTools(context.Context, string) ([]ToolDef, error) { return nil, nil }
