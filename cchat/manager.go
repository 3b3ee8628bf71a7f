package cchat

import (
	"context"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/lfedgeai/spear/hostapi"
	"github.com/lfedgeai/spear/runtime/telemetry"
)

// Budgets bounds the auto tool-call loop per spec.md §4.10. Zero fields
// fall back to the package defaults at the Manager level; a session that
// needs an explicit zero (e.g. "no tool calls at all") sets the
// corresponding budget.* param, which overriddenBy honors verbatim —
// param presence is what distinguishes an explicit 0 from unset.
type Budgets struct {
	MaxIterations    int
	MaxTotalToolCalls int
	MaxToolOutputBytes int
}

// overriddenBy applies a session's SET_PARAM budget overrides
// (budget.max_iterations, budget.max_total_tool_calls,
// budget.max_tool_output_bytes). Any present, parseable value wins,
// zero included.
func (b Budgets) overriddenBy(params map[string]string) Budgets {
	if v, ok := params["budget.max_iterations"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			b.MaxIterations = n
		}
	}
	if v, ok := params["budget.max_total_tool_calls"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			b.MaxTotalToolCalls = n
		}
	}
	if v, ok := params["budget.max_tool_output_bytes"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			b.MaxToolOutputBytes = n
		}
	}
	return b
}

var defaultBudgets = Budgets{MaxIterations: 8, MaxTotalToolCalls: 32, MaxToolOutputBytes: 64 * 1024}

func (b Budgets) withDefaults() Budgets {
	if b.MaxIterations <= 0 {
		b.MaxIterations = defaultBudgets.MaxIterations
	}
	if b.MaxTotalToolCalls <= 0 {
		b.MaxTotalToolCalls = defaultBudgets.MaxTotalToolCalls
	}
	if b.MaxToolOutputBytes <= 0 {
		b.MaxToolOutputBytes = defaultBudgets.MaxToolOutputBytes
	}
	return b
}

// Option configures a Manager.
type Option func(*Manager)

// WithBackends installs the upstream Backend set.
func WithBackends(set BackendSet) Option { return func(m *Manager) { m.backends = set } }

// WithToolInvoker installs the WASM tool dispatcher.
func WithToolInvoker(inv ToolInvoker) Option { return func(m *Manager) { m.invoker = inv } }

// WithMCPCaller installs the MCP routing seam.
func WithMCPCaller(c MCPCaller) Option { return func(m *Manager) { m.mcp = c } }

// WithBudgets overrides the default auto tool-call loop budgets.
func WithBudgets(b Budgets) Option { return func(m *Manager) { m.budgets = b.withDefaults() } }

// WithLogger installs a structured logger.
func WithLogger(l telemetry.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithMetrics installs a metrics sink for the manager's counters
// (cchat.sessions_created, cchat.tool_calls).
func WithMetrics(m2 telemetry.Metrics) Option { return func(m *Manager) { m.metrics = m2 } }

// Manager owns every live Session for one worker instance and runs the
// auto tool-call loop on Send. One Manager is shared across guest
// instances; fd isolation happens at the hostapi.Table level, one table
// per instance, so sessions belonging to different instances never
// collide even though they share a Manager.
type Manager struct {
	backends BackendSet
	invoker  ToolInvoker
	mcp      MCPCaller
	budgets  Budgets
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// New constructs a Manager. A nil MCPCaller falls back to a no-op that
// reports every name unresolved, so the loop degrades to WASM-only tools
// when a worker has no mcpbridge wired in.
func New(opts ...Option) *Manager {
	m := &Manager{
		mcp:      noopMCPCaller{},
		budgets:  defaultBudgets,
		logger:   telemetry.NewNoopLogger(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.mcp == nil {
		m.mcp = noopMCPCaller{}
	}
	m.budgets = m.budgets.withDefaults()
	return m
}

// SetToolInvoker installs the WASM tool dispatcher after construction.
// The wasm driver calls this on itself at New time, breaking the
// construction cycle between the Manager (which needs the driver to
// re-enter guests) and the driver (which needs the Manager to create
// sessions). Must be called before the first Send.
func (m *Manager) SetToolInvoker(inv ToolInvoker) { m.invoker = inv }

// CreateSession allocates a new session and registers its session/response
// fd pair against table (the guest instance's fd table, obtained via the
// owning driver's Table(instanceID)). Returns the session id and the two
// fd numbers the guest uses to drive it.
func (m *Manager) CreateSession(table *hostapi.Table) (sessionID string, sessionFd, responseFd int32) {
	sessionID = uuid.NewString()
	sess := newSession(sessionID)

	resp := newResponse(table, 0)
	responseFd = table.Alloc(hostapi.KindChatResponse, resp)
	resp.fd = responseFd

	sessFd := &sessionFD{sess: sess, mgr: m}
	sessionFd = table.Alloc(hostapi.KindChatSession, sessFd)

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	sess.respFor = resp
	if m.metrics != nil {
		m.metrics.IncCounter("cchat.sessions_created", 1)
	}
	return sessionID, sessionFd, responseFd
}

// Session returns a previously created session by id, for host-side
// callers (tests, the wasm driver's hostcalls, the spearlet facade).
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// CloseSession removes a session from the manager's live set. The fds
// themselves are closed by the caller via table.Close.
func (m *Manager) CloseSession(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// send runs the auto tool-call loop asynchronously and completes sess's
// response fd when done. Invoked from sessionFD.Write on a "send" frame
// and from the cchat_send hostcall.
func (m *Manager) send(sess *Session, flags int32) {
	resp := sess.respFor
	if resp == nil {
		return
	}
	resp.reset()
	go func() {
		ctx := context.Background()
		msg, usage, iterations, toolCalls, err := m.runLoop(ctx, sess, flags)
		if err == nil {
			sess.appendAssistant(msg)
		}
		resp.complete(msg, usage, iterations, toolCalls, err)
	}()
}

// SendAsync kicks off a send for sessionID and returns its response fd,
// which becomes readable (EventIn) once the loop completes. This is the
// cchat_send(fd, flags) -> response_fd surface.
func (m *Manager) SendAsync(sessionID string, flags int32) (int32, bool) {
	sess, ok := m.Session(sessionID)
	if !ok || sess.respFor == nil {
		return 0, false
	}
	m.send(sess, flags)
	return sess.respFor.fd, true
}

// Send is the host-side equivalent of a guest "send" frame with
// AUTO_TOOL_CALL set, for direct Go callers that drive a session
// synchronously rather than through fds.
func (m *Manager) Send(ctx context.Context, sessionID string) (Message, error) {
	return m.SendWithFlags(ctx, sessionID, SendFlagAutoToolCall)
}

// SendWithFlags is Send with an explicit cchat_send flags mask.
func (m *Manager) SendWithFlags(ctx context.Context, sessionID string, flags int32) (Message, error) {
	sess, ok := m.Session(sessionID)
	if !ok {
		return Message{}, ErrSessionClosed
	}
	msg, _, _, _, err := m.runLoop(ctx, sess, flags)
	if err == nil {
		sess.appendAssistant(msg)
	}
	return msg, err
}

// runLoop implements the sequential auto tool-call resolution: call the
// backend, and while it returns tool calls, resolve each one (WASM fn via
// ToolInvoker or MCP via MCPCaller, MCP-first by name namespace since
// only mcpbridge knows how to decode its own prefix) and feed results
// back as tool-role messages, until the backend stops requesting tools
// or a budget is exceeded.
func (m *Manager) runLoop(ctx context.Context, sess *Session, flags int32) (Message, Usage, int, int, error) {
	autoToolCall := flags&SendFlagAutoToolCall != 0
	totalToolCalls := 0
	var totalUsage Usage

	for iteration := 1; ; iteration++ {
		msgs, tools, params := sess.snapshot()
		budgets := m.budgets.overriddenBy(params)
		if iteration > budgets.MaxIterations {
			return Message{}, totalUsage, iteration - 1, totalToolCalls, ErrBudgetExceeded
		}
		mcpTools, err := m.mcp.ListTools(ctx, sess.id)
		if err != nil {
			m.logger.Warn(ctx, "cchat: list mcp tools failed", "session", sess.id, "err", err)
		}
		tools = append(tools, mcpTools...)

		backend, err := m.backends.Resolve(params["backend"])
		if err != nil {
			return Message{}, totalUsage, iteration, totalToolCalls, err
		}

		req := Request{
			Model:       params["model"],
			Messages:    msgs,
			Tools:       tools,
			Temperature: parseFloatParam(params["temperature"]),
			MaxTokens:   parseIntParam(params["max_tokens"]),
		}
		res, err := backend.Complete(ctx, req)
		if err != nil {
			return Message{}, totalUsage, iteration, totalToolCalls, err
		}
		totalUsage.InputTokens += res.Usage.InputTokens
		totalUsage.OutputTokens += res.Usage.OutputTokens
		totalUsage.TotalTokens += res.Usage.TotalTokens

		if len(res.Message.ToolCalls) == 0 || !autoToolCall {
			return res.Message, totalUsage, iteration, totalToolCalls, nil
		}

		sess.appendAssistant(res.Message)
		toolIdx := indexTools(tools)
		for _, call := range res.Message.ToolCalls {
			if totalToolCalls >= budgets.MaxTotalToolCalls {
				return Message{}, totalUsage, iteration, totalToolCalls, ErrBudgetExceeded
			}
			totalToolCalls++
			if m.metrics != nil {
				m.metrics.IncCounter("cchat.tool_calls", 1)
			}
			result, isError, err := m.resolveTool(ctx, sess.id, call, toolIdx)
			if err != nil && result == nil {
				result = []byte(`{"error":"` + err.Error() + `"}`)
				isError = true
			}
			if len(result) > budgets.MaxToolOutputBytes {
				result = result[:budgets.MaxToolOutputBytes]
			}
			sess.appendAssistant(Message{Role: RoleTool, ToolCallID: call.ID, Name: call.Name, Content: string(result)})
			_ = isError
		}
	}
}

func indexTools(defs []ToolDef) map[string]ToolDef {
	idx := make(map[string]ToolDef, len(defs))
	for _, d := range defs {
		idx[d.Name] = d
	}
	return idx
}

func (m *Manager) resolveTool(ctx context.Context, sessionID string, call ToolCall, tools map[string]ToolDef) ([]byte, bool, error) {
	if m.mcp.IsMCPTool(call.Name) {
		return m.mcp.CallTool(ctx, sessionID, call.Name, call.Arguments)
	}
	def, ok := tools[call.Name]
	if !ok || m.invoker == nil {
		return nil, true, ErrToolNotFound
	}
	return m.invoker.InvokeFn(ctx, sessionID, def.FnOffset, call.Arguments)
}

func parseFloatParam(s string) float64 {
	if s == "" {
		return 0
	}
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseIntParam(s string) int {
	if s == "" {
		return 0
	}
	v, _ := strconv.Atoi(s)
	return v
}
