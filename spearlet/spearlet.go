// Package spearlet wires the worker-plane subsystems — SMS sync, on-demand
// materialization, instance pools, the execution manager, runtime drivers,
// and the MCP bridge — into a Worker facade. Like sms, it is a library:
// binaries, config loaders, and RPC framing stay external.
package spearlet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lfedgeai/spear/cchat"
	"github.com/lfedgeai/spear/mcpbridge"
	"github.com/lfedgeai/spear/orchestrator"
	"github.com/lfedgeai/spear/runtime/errs"
	"github.com/lfedgeai/spear/runtime/eventbus"
	"github.com/lfedgeai/spear/runtime/kv"
	"github.com/lfedgeai/spear/runtime/registry"
	"github.com/lfedgeai/spear/runtime/telemetry"
	"github.com/lfedgeai/spear/spearlet/driver"
	"github.com/lfedgeai/spear/spearlet/driver/process"
	"github.com/lfedgeai/spear/spearlet/driver/wasm"
	"github.com/lfedgeai/spear/spearlet/exec"
	"github.com/lfedgeai/spear/spearlet/pool"
	spearletsync "github.com/lfedgeai/spear/spearlet/sync"
)

// Options configures a Worker.
type Options struct {
	// Node is this worker's cluster identity (uuid, address, capabilities,
	// labels).
	Node registry.Node
	// ControlPlane reaches SMS. In-process deployments pass
	// sms.NewControlPlane; networked ones pass a client stub.
	ControlPlane spearletsync.SMSControlPlane

	// Drivers overrides the runtime driver set. Nil builds the default
	// wasm + process pair, with the chat manager, session policy binder,
	// and rtasr/mic hooks below wired into the wasm driver's "spear"
	// host module.
	Drivers *driver.Registry
	// ChatBackends selects the upstream chat providers guests reach
	// through cchat_send. Empty means sessions fail at send with
	// ErrNoBackend, not at create.
	ChatBackends cchat.BackendSet
	// ChatBudgets overrides the auto tool-call loop defaults.
	ChatBudgets cchat.Budgets
	// RtAsrDialer backs rtasr_ctl's CONNECT; nil leaves rtasr sessions
	// creatable but unconnectable (ENOTCONN).
	RtAsrDialer wasm.RtAsrDialer
	// MicSource feeds mic fds; nil mics simply never report IN.
	MicSource wasm.MicSource
	// Executions overrides the execution registry, letting a co-located
	// deployment share the SMS one so execution events land on the
	// cluster bus. Nil builds a local, non-publishing registry.
	Executions *registry.ExecutionRegistry
	// Bus, when set, is where locally created registries publish. Ignored
	// when Executions is supplied.
	Bus eventbus.Publisher

	Limits              pool.Limits
	PoolPolicy          pool.Policy
	MaxInstancesPerTask int

	HeartbeatInterval     time.Duration
	ConnectRetryInterval  time.Duration
	ReconnectTotalTimeout time.Duration
	// ResourceSnapshot feeds each heartbeat. Nil reports zeros.
	ResourceSnapshot func() registry.ResourceSnapshot
	// OnFatal fires when the SMS reconnect window is exceeded; the binary
	// decides how to exit.
	OnFatal func(error)

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer

	ExecOptions exec.Options
}

// Worker is the assembled Spearlet: it registers with SMS, heartbeats,
// materializes tasks and artifacts on demand, and executes invocations
// through its instance pools and runtime drivers.
type Worker struct {
	node    registry.Node
	cp      spearletsync.SMSControlPlane
	logger  telemetry.Logger
	metrics telemetry.Metrics

	tasks kv.Store
	blobs kv.Store

	drivers   *driver.Registry
	mat       *spearletsync.Materializer
	syncer    *spearletsync.Syncer
	mcpLocal  *registry.MCPRegistry
	repl      *spearletsync.MCPReplicator
	bridge    *mcpbridge.Bridge
	chat      *cchat.Manager
	scheduler *pool.Scheduler
	manager   *exec.Manager

	policy       pool.Policy
	maxInstances int

	mu       sync.Mutex
	creators map[registry.ExecutableKind]*exec.DriverCreator
	pooled   map[string]bool
	specs    map[string]driver.Spec
	// sessionTasks holds each bound chat session's task-level MCP
	// policy, consulted when session params try to widen visibility.
	sessionTasks map[string]mcpbridge.TaskPolicy

	replCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New assembles a Worker. It does not touch the network; Start does.
func New(ctx context.Context, opts Options) (*Worker, error) {
	if opts.Node.UUID == "" {
		return nil, errs.Wrap(errs.ErrValidation, "worker node uuid is required")
	}
	if opts.ControlPlane == nil {
		return nil, errs.Wrap(errs.ErrValidation, "worker requires a control plane")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}

	obs := registry.NewObservability(opts.Logger, opts.Metrics, opts.Tracer)
	execs := opts.Executions
	if execs == nil {
		execs = registry.NewExecutionRegistry(opts.Bus, obs)
	}

	tasks := kv.NewMemStore()
	blobs := kv.NewMemStore()
	mcpLocal := registry.NewMCPRegistry(nil, obs)

	w := &Worker{
		node:         opts.Node,
		cp:           opts.ControlPlane,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		tasks:        tasks,
		blobs:        blobs,
		mat:          spearletsync.NewMaterializer(opts.ControlPlane, tasks, blobs),
		mcpLocal:     mcpLocal,
		policy:       opts.PoolPolicy,
		maxInstances: opts.MaxInstancesPerTask,
		creators:     make(map[registry.ExecutableKind]*exec.DriverCreator),
		pooled:       make(map[string]bool),
		specs:        make(map[string]driver.Spec),
		sessionTasks: make(map[string]mcpbridge.TaskPolicy),
	}

	w.bridge = mcpbridge.New(mcpLocal, mcpbridge.WithLogger(opts.Logger), mcpbridge.WithMetrics(opts.Metrics))
	w.chat = cchat.New(
		cchat.WithBackends(opts.ChatBackends),
		cchat.WithMCPCaller(w.bridge),
		cchat.WithBudgets(opts.ChatBudgets),
		cchat.WithLogger(opts.Logger),
		cchat.WithMetrics(opts.Metrics),
	)

	drivers := opts.Drivers
	if drivers == nil {
		drivers = driver.NewRegistry()
		wasmDrv, err := wasm.New(ctx, opts.Logger,
			wasm.WithChatManager(w.chat),
			wasm.WithSessionBinder(w),
			wasm.WithRtAsrDialer(opts.RtAsrDialer),
			wasm.WithMicSource(opts.MicSource),
		)
		if err != nil {
			return nil, err
		}
		drivers.Register(registry.ExecutableWasm, wasmDrv)
		drivers.Register(registry.ExecutableProcess, process.New(opts.Logger))
	}
	w.drivers = drivers

	w.syncer = spearletsync.New(opts.ControlPlane, opts.Node, spearletsync.Options{
		HeartbeatInterval:     opts.HeartbeatInterval,
		ConnectRetryInterval:  opts.ConnectRetryInterval,
		ReconnectTotalTimeout: opts.ReconnectTotalTimeout,
		Logger:                opts.Logger,
		Metrics:               opts.Metrics,
		ResourceSnapshot:      opts.ResourceSnapshot,
		OnFatal:               opts.OnFatal,
	})
	w.repl = spearletsync.NewMCPReplicator(opts.ControlPlane, mcpLocal, opts.Logger)
	w.scheduler = pool.NewScheduler(opts.Limits, opts.Logger)
	w.manager = exec.New(execs, w.scheduler, w, drivers, opts.ExecOptions)

	return w, nil
}

// Start registers with SMS, begins heartbeating, starts the execution
// manager's background loops, and tails the MCP registry watch.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.syncer.Start(ctx); err != nil {
		return err
	}
	w.manager.Start(ctx)

	replCtx, cancel := context.WithCancel(ctx)
	w.replCancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.repl.Run(replCtx); err != nil && replCtx.Err() == nil {
			w.logger.Warn(replCtx, "spearlet: mcp replication stopped", "error", err.Error())
		}
	}()
	return nil
}

// Close stops heartbeats, the MCP watch, the execution manager, and the
// MCP bridge's server connections.
func (w *Worker) Close() {
	if w.replCancel != nil {
		w.replCancel()
	}
	w.syncer.Close()
	w.manager.Close()
	_ = w.bridge.Close()
	w.wg.Wait()
}

// Manager exposes the execution manager for status, cancel, stream, and
// console surfaces (GetExecution, CancelExecution, OpenStream,
// OpenConsole).
func (w *Worker) Manager() *exec.Manager { return w.manager }

// Bridge exposes the MCP bridge so chat sessions can route tool calls.
func (w *Worker) Bridge() *mcpbridge.Bridge { return w.bridge }

// Chat exposes the chat-completion manager backing the cchat_* hostcall
// family.
func (w *Worker) Chat() *cchat.Manager { return w.chat }

// BindSession implements wasm.SessionBinder: when a guest opens a chat
// session, attach its task's MCP policy (from Task.Config) to the bridge
// so ListTools/CallTool resolve against the three-layer intersection.
func (w *Worker) BindSession(ctx context.Context, sessionID, taskID string) error {
	task, err := w.mat.EnsureTask(ctx, taskID, "", "")
	if err != nil {
		return err
	}
	tp := mcpbridge.TaskPolicyFromConfig(task.Config)
	if err := tp.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	w.sessionTasks[sessionID] = tp
	w.mu.Unlock()
	w.bridge.SetSessionPolicy(sessionID, tp, mcpbridge.SessionPolicy{})
	return nil
}

// SessionParam implements wasm.SessionBinder: validate a policy-affecting
// mcp.* session param before it lands. Enabling a server outside the
// task's allowed set is rejected; anything that survives is re-resolved
// into the bridge's session policy.
func (w *Worker) SessionParam(ctx context.Context, sessionID, key, value string) error {
	if strings.HasPrefix(key, "mcp.task_") {
		return errs.Wrap(errs.ErrValidation, "session may not set task-level policy key %q", key)
	}
	w.mu.Lock()
	tp, ok := w.sessionTasks[sessionID]
	w.mu.Unlock()
	if !ok {
		return errs.Wrap(errs.ErrNotFound, "no bound chat session %q", sessionID)
	}

	sp := w.sessionPolicy(sessionID, key, value)
	if key == "mcp.server_ids" || key == "mcp.session_enable" {
		allowed := make(map[string]bool, len(tp.AllowedServers))
		for _, id := range tp.AllowedServers {
			allowed[id] = true
		}
		for id := range sp.Enabled {
			if !allowed[id] {
				return errs.Wrap(errs.ErrValidation, "server %q is outside the task's allowed set", id)
			}
		}
	}
	if _, err := mcpbridge.Resolve(w.mcpLocal.List(ctx), tp, sp); err != nil {
		return err
	}
	w.bridge.SetSessionPolicy(sessionID, tp, sp)
	return nil
}

// ForgetSession implements wasm.SessionBinder.
func (w *Worker) ForgetSession(sessionID string) {
	w.mu.Lock()
	delete(w.sessionTasks, sessionID)
	w.mu.Unlock()
	w.bridge.ForgetSession(sessionID)
}

// sessionPolicy rebuilds a session's MCP policy from its current params,
// with (key, value) overriding the stored value for that key.
func (w *Worker) sessionPolicy(sessionID, key, value string) mcpbridge.SessionPolicy {
	get := func(k string) string {
		if k == key {
			return value
		}
		if sess, ok := w.chat.Session(sessionID); ok {
			return sess.Param(k)
		}
		return ""
	}
	sp := mcpbridge.SessionPolicy{
		ToolAllow: mcpbridge.ParseIDList(get("mcp.tool_allowlist")),
		ToolDeny:  mcpbridge.ParseIDList(get("mcp.tool_denylist")),
	}
	if ids := mcpbridge.ParseIDList(get("mcp.server_ids")); len(ids) > 0 {
		sp.Enabled = make(map[string]bool, len(ids))
		for _, id := range ids {
			sp.Enabled[id] = true
		}
	}
	if get("mcp.enabled") == "false" {
		for id := range sp.Enabled {
			sp.Enabled[id] = false
		}
	}
	return sp
}

// NodeUUID returns this worker's cluster identity.
func (w *Worker) NodeUUID() string { return w.node.UUID }

var _ wasm.SessionBinder = (*Worker)(nil)

// Handle implements exec.InstanceHandles across every runtime family's
// creator.
func (w *Worker) Handle(instanceID string) (driver.Handle, registry.ExecutableKind, bool) {
	w.mu.Lock()
	creators := make([]*exec.DriverCreator, 0, len(w.creators))
	for _, c := range w.creators {
		creators = append(creators, c)
	}
	w.mu.Unlock()
	for _, c := range creators {
		if h, kind, ok := c.Handle(instanceID); ok {
			return h, kind, true
		}
	}
	return nil, "", false
}

// ensureTask materializes the task (and artifact) locally and registers an
// instance pool for it, idempotently.
func (w *Worker) ensureTask(ctx context.Context, taskID, artifactID string) (registry.Task, error) {
	task, err := w.mat.EnsureTask(ctx, taskID, artifactID, "")
	if err != nil {
		return registry.Task{}, err
	}

	var content []byte
	if artifactID != "" {
		if content, err = w.mat.EnsureArtifact(ctx, artifactID, ""); err != nil {
			return registry.Task{}, err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.specs[taskID] = driver.Spec{
		TaskID:        taskID,
		RuntimeType:   task.Executable.Type,
		ArtifactBytes: content,
		Entry:         task.Executable.Entry,
		Args:          task.Executable.Args,
		Env:           task.Executable.Env,
	}
	if w.pooled[taskID] {
		return task, nil
	}
	creator := w.creators[task.Executable.Type]
	if creator == nil {
		creator = exec.NewDriverCreator(w.drivers, task.Executable.Type, w.specFor)
		w.creators[task.Executable.Type] = creator
	}
	w.scheduler.RegisterPool(taskID, pool.NewPool(taskID, creator, w.policy, w.maxInstances))
	w.pooled[taskID] = true
	return task, nil
}

func (w *Worker) specFor(ctx context.Context, taskID string) (driver.Spec, error) {
	w.mu.Lock()
	spec, ok := w.specs[taskID]
	w.mu.Unlock()
	if !ok {
		return driver.Spec{}, errs.Wrap(errs.ErrNotFound, "no materialized spec for task %q", taskID)
	}
	return spec, nil
}

// Invoke implements the orchestrator-facing dispatch surface for this
// node: materialize-on-demand, then a Sync submit through the execution
// manager. Pressure and timeout outcomes keep their error kinds so the
// orchestrator's retry table can classify them.
func (w *Worker) Invoke(ctx context.Context, req orchestrator.InvokeRequest) (orchestrator.InvokeResponse, error) {
	if _, err := w.ensureTask(ctx, req.TaskID, req.ArtifactID); err != nil {
		return orchestrator.InvokeResponse{}, err
	}

	var timeoutMS int64
	if deadline, ok := ctx.Deadline(); ok {
		timeoutMS = time.Until(deadline).Milliseconds()
	}

	resp, err := w.manager.Submit(ctx, exec.Request{
		InvocationID: invocationOf(req.ExecutionID),
		ExecutionID:  req.ExecutionID,
		RequestID:    invocationOf(req.ExecutionID),
		TaskID:       req.TaskID,
		Mode:         exec.ModeSync,
		Input:        req.Input,
		Headers:      req.Headers,
		Env:          req.Env,
		TimeoutMS:    timeoutMS,
		SessionID:    req.SessionID,
	})
	if err != nil {
		return orchestrator.InvokeResponse{}, err
	}

	switch resp.Status {
	case registry.ExecutionCompleted:
		return orchestrator.InvokeResponse{ExecutionID: resp.ExecutionID, Output: resp.Output}, nil
	case registry.ExecutionTimeout:
		return orchestrator.InvokeResponse{}, &orchestrator.SubmitError{
			Err:        errs.Wrap(errs.ErrTimeout, "execution %q deadline exceeded", resp.ExecutionID),
			PostSubmit: true,
		}
	case registry.ExecutionCancelled:
		return orchestrator.InvokeResponse{}, errs.Wrap(errs.ErrCancelled, "execution %q cancelled", resp.ExecutionID)
	default:
		msg := "execution failed"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return orchestrator.InvokeResponse{}, fmt.Errorf("spearlet: execution %q: %s", resp.ExecutionID, msg)
	}
}

// invocationOf derives the stable invocation id from an execution id of
// the form <invocation>/<attempt>; a bare id is its own invocation.
func invocationOf(executionID string) string {
	if i := strings.LastIndexByte(executionID, '/'); i > 0 {
		return executionID[:i]
	}
	return executionID
}

// Router dispatches orchestrator attempts to in-process Workers by node
// UUID — the single-process analog of a Spearlet client pool. Unknown
// nodes report Unavailable, which the orchestrator treats as a transport
// failure and spills back.
type Router struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

var _ orchestrator.Invoker = (*Router)(nil)

// NewRouter constructs an empty Router.
func NewRouter() *Router {
	return &Router{workers: make(map[string]*Worker)}
}

// Add registers a worker under its node UUID.
func (r *Router) Add(w *Worker) {
	r.mu.Lock()
	r.workers[w.NodeUUID()] = w
	r.mu.Unlock()
}

// Remove drops a worker from the routing table.
func (r *Router) Remove(nodeUUID string) {
	r.mu.Lock()
	delete(r.workers, nodeUUID)
	r.mu.Unlock()
}

// Invoke implements orchestrator.Invoker.
func (r *Router) Invoke(ctx context.Context, nodeUUID string, req orchestrator.InvokeRequest) (orchestrator.InvokeResponse, error) {
	r.mu.RLock()
	w, ok := r.workers[nodeUUID]
	r.mu.RUnlock()
	if !ok {
		return orchestrator.InvokeResponse{}, errs.Wrap(errs.ErrUnavailable, "no worker for node %q", nodeUUID)
	}
	return w.Invoke(ctx, req)
}
