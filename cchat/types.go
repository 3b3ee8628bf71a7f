// Package cchat implements the chat-completion session (C10): a
// provider-agnostic Session/Message model, an upstream Backend adapter
// seam (cchat/upstream/{anthropic,openai,bedrock}), and the auto
// tool-call loop that resolves tool calls against WASM-registered
// functions and MCP-routed tools. Sessions expose themselves to guest
// code as a write-only chat_session fd and a read-only chat_response fd
// allocated against the instance's hostapi.Table, so the existing
// generic spear_fd_read/spear_fd_write/spear_fd_ctl hostcalls carry the
// chat wire protocol without any chat-specific wasm exports.
//
// Grounded on features/model/anthropic/client.go's request/response
// translation shape, generalized from a single provider.Client
// interface to a multi-backend Manager with a uniform Message/ToolDef
// model collapsed onto the hostcall ABI described in spec.md §4.10/§6.
package cchat

import (
	"encoding/json"
	"errors"
)

// Role is a chat message's conversational role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in a session's transcript.
type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Name       string      `json:"name,omitempty"`
}

// ToolCall is a model-requested invocation of a registered tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolDef describes a tool made available to the model, either a
// WASM-registered function (FnOffset set by write_fn) or an MCP-routed
// tool (Name carries the mcp__.../mcp.*.* namespaced form assigned by
// mcpbridge).
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`

	// FnOffset is the guest function table offset write_fn registered
	// this tool against. Zero for MCP-routed tools, which are resolved
	// through the session's MCPCaller instead.
	FnOffset int32 `json:"-"`
}

// Send flags, the cchat_send(fd, flags) bitmask. Without AutoToolCall the
// send performs exactly one chat round and returns the assistant message
// as-is, tool_calls included but unresolved.
const SendFlagAutoToolCall int32 = 0x1

// Errors returned by session control operations and the tool-call loop.
var (
	ErrSessionClosed   = errors.New("cchat: session is closed")
	ErrUnknownBackend  = errors.New("cchat: unknown backend")
	ErrNoBackend       = errors.New("cchat: no backend configured")
	ErrToolNotFound    = errors.New("cchat: tool not found")
	ErrBudgetExceeded  = errors.New("cchat: tool-call budget exceeded")
	ErrInvalidCtlCmd   = errors.New("cchat: invalid ctl command")
	ErrDuplicateTool   = errors.New("cchat: duplicate tool name")
	// ErrAccessDenied maps to -EACCES at the hostcall boundary: sessions
	// may not rewrite task-level MCP policy (mcp.task_* keys).
	ErrAccessDenied = errors.New("cchat: access denied")
	// ErrInvalidToolSchema is returned by write_fn when the registered
	// tool's parameters block does not compile as a JSON Schema.
	ErrInvalidToolSchema = errors.New("cchat: invalid tool schema")
)
