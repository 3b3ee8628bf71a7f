package cchat

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/lfedgeai/spear/hostapi"
)

// Session accumulates one chat-completion conversation's transcript,
// registered tools, and backend parameters. It is addressed by the guest
// through a pair of fds (a write-only chat_session fd wrapping *Session
// and a read-only chat_response fd wrapping the in-flight *response);
// host-side callers (tests, the process driver) use its methods
// directly.
type Session struct {
	id string

	mu       sync.Mutex
	messages []Message
	tools    []ToolDef
	toolIdx  map[string]int
	params   map[string]string
	closed   bool

	// respFor is the session's response fd inner, set once by
	// Manager.CreateSession. Sends complete it; it is read-only to
	// everything except the Manager that owns it.
	respFor *response
}

// sessionFrame is the JSON envelope the guest writes through spear_fd_write
// on a chat_session fd. Op selects which WriteMsg/WriteFn/Ctl/Send variant
// to apply.
type sessionFrame struct {
	Op      string   `json:"op"`
	Role    Role     `json:"role,omitempty"`
	Content string   `json:"content,omitempty"`
	Name    string   `json:"name,omitempty"`
	Tool    *ToolDef `json:"tool,omitempty"`
	Key     string   `json:"key,omitempty"`
	Value   string   `json:"value,omitempty"`
	// Flags is the cchat_send bitmask (SendFlagAutoToolCall et al.),
	// honored only by the "send" op.
	Flags int32 `json:"flags,omitempty"`
}

func newSession(id string) *Session {
	return &Session{id: id, toolIdx: make(map[string]int), params: make(map[string]string)}
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// WriteMsg appends a message authored outside the model (system preamble,
// a user turn, or a tool result the guest assembled itself).
func (s *Session) WriteMsg(role Role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.messages = append(s.messages, Message{Role: role, Content: content})
	return nil
}

// WriteFn registers a guest function as a tool the model may call.
// Re-registering an existing name updates its schema and offset in
// place, matching the teacher's idempotent-registration convention
// elsewhere in the tree (runtime/registry's Upsert style).
func (s *Session) WriteFn(def ToolDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if def.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidCtlCmd)
	}
	if err := ValidateToolSchema(def.Parameters); err != nil {
		return err
	}
	if idx, ok := s.toolIdx[def.Name]; ok {
		s.tools[idx] = def
		return nil
	}
	s.toolIdx[def.Name] = len(s.tools)
	s.tools = append(s.tools, def)
	return nil
}

// Ctl sets a session parameter (model, temperature, tool_policy,
// mcp.server_ids, ...). Keys are mostly opaque to Session — the
// Manager interprets them at Send time — except the task-level MCP
// policy namespace, which sessions may never rewrite.
func (s *Session) Ctl(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidCtlCmd)
	}
	if strings.HasPrefix(key, "mcp.task_") {
		return fmt.Errorf("%w: %q is task-level policy", ErrAccessDenied, key)
	}
	s.params[key] = value
	return nil
}

// Param returns a previously Ctl-set parameter.
func (s *Session) Param(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params[key]
}

// Close marks the session closed; further writes fail with
// ErrSessionClosed. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) snapshot() ([]Message, []ToolDef, map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]Message, len(s.messages))
	copy(msgs, s.messages)
	tools := make([]ToolDef, len(s.tools))
	copy(tools, s.tools)
	params := make(map[string]string, len(s.params))
	for k, v := range s.params {
		params[k] = v
	}
	return msgs, tools, params
}

func (s *Session) appendAssistant(msg Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
}

// sessionFD wraps *Session as the chat_session fd's inner resource: it is
// write-only (guests never read a chat_session fd back) and always
// reports EventOut ready, matching the teacher's pattern of fds whose
// readiness is a constant rather than state-driven (c.f. hostapi's
// SettableReadiness for the inverse case).
type sessionFD struct {
	sess *Session
	mgr  *Manager
}

var _ hostapi.ReadinessSource = (*sessionFD)(nil)

func (f *sessionFD) PollMask() int32 {
	f.sess.mu.Lock()
	closed := f.sess.closed
	f.sess.mu.Unlock()
	if closed {
		return hostapi.EventHup
	}
	return hostapi.EventOut
}

// Write decodes one sessionFrame per call and applies it to the
// underlying Session, optionally kicking off a Send when Op is "send".
// A partial JSON write (bufLen smaller than the frame) returns an error
// to the guest via hostFdWrite's EPIPE mapping; guests must size writes
// to whole frames.
func (f *sessionFD) Write(p []byte) (int, error) {
	var frame sessionFrame
	if err := json.Unmarshal(p, &frame); err != nil {
		return 0, fmt.Errorf("cchat: decode session frame: %w", err)
	}
	switch frame.Op {
	case "write_msg":
		if err := f.sess.WriteMsg(frame.Role, frame.Content); err != nil {
			return 0, err
		}
	case "write_fn":
		if frame.Tool == nil {
			return 0, fmt.Errorf("%w: write_fn missing tool", ErrInvalidCtlCmd)
		}
		if err := f.sess.WriteFn(*frame.Tool); err != nil {
			return 0, err
		}
	case "ctl":
		if err := f.sess.Ctl(frame.Key, frame.Value); err != nil {
			return 0, err
		}
	case "send":
		if f.mgr == nil {
			return 0, ErrNoBackend
		}
		f.mgr.send(f.sess, frame.Flags)
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidCtlCmd, frame.Op)
	}
	return len(p), nil
}
