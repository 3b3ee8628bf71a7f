// Package mcpbridge implements the MCP bridge (C11): registry-driven
// connection management to MCP servers over mark3labs/mcp-go, the
// three-layer platform/task/session policy intersection, tool-name
// namespacing, and call routing with per-server budgets. Grounded on
// giantswarm-muster's internal/mcpserver client files for the transport
// shape and features/policy/basic/engine.go for allow/deny resolution.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/semaphore"

	"github.com/lfedgeai/spear/cchat"
	"github.com/lfedgeai/spear/runtime/registry"
	"github.com/lfedgeai/spear/runtime/telemetry"
)

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger installs a structured logger.
func WithLogger(l telemetry.Logger) Option { return func(b *Bridge) { b.logger = l } }

// WithMetrics installs a metrics sink.
func WithMetrics(m telemetry.Metrics) Option { return func(b *Bridge) { b.metrics = m } }

// WithListTTL overrides the tools/list cache TTL for successful listings
// (failures are cached for a short fixed interval regardless, per
// spec.md §6, to avoid hammering a down server).
func WithListTTL(d time.Duration) Option { return func(b *Bridge) { b.listTTL = d } }

const (
	defaultListTTL    = 2 * time.Minute
	failedListTTL     = 3 * time.Second
)

// Bridge is the Spearlet-side MCP connection manager and call router. It
// implements cchat.MCPCaller so a cchat.Manager can reach MCP tools
// through the same auto tool-call loop that dispatches WASM functions.
type Bridge struct {
	reg     *registry.MCPRegistry
	logger  telemetry.Logger
	metrics telemetry.Metrics
	listTTL time.Duration

	mu       sync.Mutex
	clients  map[string]*transportClient  // serverID -> live connection
	sems     map[string]*semaphore.Weighted // serverID -> concurrency budget
	listCache map[string]listEntry          // policy.CacheKey(serverID) -> cached listing

	sessMu   sync.Mutex
	sessions map[string]sessionContext // sessionID -> policy context
}

type sessionContext struct {
	task    TaskPolicy
	session SessionPolicy
}

type listEntry struct {
	tools     []cchat.ToolDef
	expiresAt time.Time
	err       error
}

var _ cchat.MCPCaller = (*Bridge)(nil)

// New constructs a Bridge bound to reg, the local (Spearlet-replicated)
// MCP server registry.
func New(reg *registry.MCPRegistry, opts ...Option) *Bridge {
	b := &Bridge{
		reg:       reg,
		logger:    telemetry.NewNoopLogger(),
		listTTL:   defaultListTTL,
		clients:   make(map[string]*transportClient),
		sems:      make(map[string]*semaphore.Weighted),
		listCache: make(map[string]listEntry),
		sessions:  make(map[string]sessionContext),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetSessionPolicy records a session's task and session-level MCP policy,
// called when cchat creates a session and whenever a session Ctl call
// updates mcp.server_ids/mcp.enabled/mcp.tool_allowlist/mcp.tool_denylist.
func (b *Bridge) SetSessionPolicy(sessionID string, task TaskPolicy, session SessionPolicy) {
	b.sessMu.Lock()
	b.sessions[sessionID] = sessionContext{task: task, session: session}
	b.sessMu.Unlock()
}

// ForgetSession drops a session's policy context once it closes.
func (b *Bridge) ForgetSession(sessionID string) {
	b.sessMu.Lock()
	delete(b.sessions, sessionID)
	b.sessMu.Unlock()
}

func (b *Bridge) policyFor(sessionID string) (sessionContext, bool) {
	b.sessMu.Lock()
	defer b.sessMu.Unlock()
	sc, ok := b.sessions[sessionID]
	return sc, ok
}

// IsMCPTool implements cchat.MCPCaller.
func (b *Bridge) IsMCPTool(name string) bool { return IsMCPName(name) }

// ListTools implements cchat.MCPCaller: returns every tool visible to
// sessionID's resolved policy across every registered, reachable server,
// namespaced for model consumption.
func (b *Bridge) ListTools(ctx context.Context, sessionID string) ([]cchat.ToolDef, error) {
	sc, ok := b.policyFor(sessionID)
	if !ok {
		return nil, nil
	}
	platform := b.reg.List(ctx)
	resolved, err := Resolve(platform, sc.task, sc.session)
	if err != nil {
		return nil, err
	}

	var out []cchat.ToolDef
	for _, rec := range platform {
		if !resolved.AllowsServer(rec.ServerID) {
			continue
		}
		tools, err := b.listServerTools(ctx, rec, resolved)
		if err != nil {
			b.logger.Warn(ctx, "mcpbridge: list tools failed", "server", rec.ServerID, "err", err)
			continue
		}
		for _, t := range tools {
			_, tool, _ := DecodeToolName(t.Name)
			if !AllowsTool(sc.task, sc.session, rec.ServerID, tool) {
				continue
			}
			out = append(out, t)
		}
	}
	return out, nil
}

func (b *Bridge) listServerTools(ctx context.Context, rec registry.MCPServerRecord, resolved ResolvedPolicy) ([]cchat.ToolDef, error) {
	key := resolved.CacheKey(rec.ServerID)

	b.mu.Lock()
	entry, ok := b.listCache[key]
	b.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.tools, entry.err
	}

	client, err := b.clientFor(ctx, rec)
	if err != nil {
		b.cacheList(key, nil, err, failedListTTL)
		return nil, err
	}
	raw, err := client.ListTools(ctx)
	if err != nil {
		b.cacheList(key, nil, err, failedListTTL)
		return nil, err
	}

	defs := make([]cchat.ToolDef, 0, len(raw))
	for _, t := range raw {
		if len(rec.AllowedTools) > 0 && !containsAny(rec.AllowedTools, t.Name) {
			continue
		}
		schema, _ := json.Marshal(t.InputSchema)
		defs = append(defs, cchat.ToolDef{
			Name:        EncodeToolName(rec.ServerID, t.Name),
			Description: t.Description,
			Parameters:  schema,
		})
	}
	b.cacheList(key, defs, nil, b.listTTL)
	return defs, nil
}

func (b *Bridge) cacheList(key string, tools []cchat.ToolDef, err error, ttl time.Duration) {
	b.mu.Lock()
	b.listCache[key] = listEntry{tools: tools, err: err, expiresAt: time.Now().Add(ttl)}
	b.mu.Unlock()
}

// CallTool implements cchat.MCPCaller: resolves name to a server+tool
// pair, re-checks policy (a session's visible tool set can shrink
// between ListTools and CallTool if a Ctl call revoked access mid-turn),
// enforces the server's per-call timeout and concurrency budget, and
// truncates output to MaxOutputBytes.
func (b *Bridge) CallTool(ctx context.Context, sessionID, name string, args json.RawMessage) (json.RawMessage, bool, error) {
	serverID, tool, ok := DecodeToolName(name)
	if !ok {
		return nil, true, fmt.Errorf("mcpbridge: %q is not a recognized mcp tool name", name)
	}
	sc, ok := b.policyFor(sessionID)
	if !ok {
		return nil, true, fmt.Errorf("mcpbridge: no policy context for session %q", sessionID)
	}
	rec, ok := b.reg.Get(ctx, serverID)
	if !ok {
		return nil, true, fmt.Errorf("mcpbridge: unknown server %q", serverID)
	}
	resolved, err := Resolve(b.reg.List(ctx), sc.task, sc.session)
	if err != nil {
		return nil, true, err
	}
	if !resolved.AllowsServer(serverID) || !AllowsTool(sc.task, sc.session, serverID, tool) {
		return nil, true, fmt.Errorf("mcpbridge: tool %q is not permitted for this session", name)
	}

	sem := b.semaphoreFor(serverID, rec.Budgets.MaxConcurrency)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, true, fmt.Errorf("mcpbridge: acquire concurrency budget for %q: %w", serverID, err)
	}
	defer sem.Release(1)

	timeout := rec.Budgets.PerCallTimeout
	if timeout <= 0 {
		timeout = defaultPerCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := b.clientFor(callCtx, rec)
	if err != nil {
		return nil, true, err
	}

	var argMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argMap); err != nil {
			return nil, true, fmt.Errorf("mcpbridge: decode arguments: %w", err)
		}
	}

	if b.metrics != nil {
		b.metrics.IncCounter("mcpbridge.calls", 1, "server", serverID)
	}
	result, err := client.CallTool(callCtx, tool, argMap)
	if err != nil {
		return nil, true, err
	}

	out, isError := encodeToolResult(result)
	maxBytes := rec.Budgets.MaxOutputBytes
	if maxBytes > 0 && len(out) > maxBytes {
		out = out[:maxBytes]
	}
	return out, isError, nil
}

func (b *Bridge) semaphoreFor(serverID string, weight int) *semaphore.Weighted {
	if weight <= 0 {
		weight = defaultMaxConcurrency
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sem, ok := b.sems[serverID]
	if !ok {
		sem = semaphore.NewWeighted(int64(weight))
		b.sems[serverID] = sem
	}
	return sem
}

func (b *Bridge) clientFor(ctx context.Context, rec registry.MCPServerRecord) (*transportClient, error) {
	b.mu.Lock()
	c, ok := b.clients[rec.ServerID]
	b.mu.Unlock()
	if ok && c.connected {
		return c, nil
	}

	c, err := dial(ctx, rec)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.clients[rec.ServerID] = c
	b.mu.Unlock()
	return c, nil
}

// Close disconnects every live server connection, used during Spearlet
// shutdown.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for id, c := range b.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcpbridge: close %q: %w", id, err)
		}
	}
	b.clients = make(map[string]*transportClient)
	return firstErr
}

func encodeToolResult(result *mcp.CallToolResult) (json.RawMessage, bool) {
	if result == nil {
		return nil, true
	}
	text := ""
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			text += tc.Text
			continue
		}
		if b, err := json.Marshal(c); err == nil {
			text += string(b)
		}
	}
	b, err := json.Marshal(text)
	if err != nil {
		return nil, true
	}
	return b, result.IsError
}
