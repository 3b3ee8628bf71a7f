// Package wasm implements the C8 wasm runtime driver on top of
// github.com/tetratelabs/wazero (ecosystem pick — no pack repo embeds a
// guest WASM sandbox; wazero is the standard pure-Go runtime for exactly
// this use). Each instance gets its own hostapi.Table/EpollManager pair
// exposed to the guest as the "spear" host module, so guest code
// multiplexes chat/log/mic readiness through the same fd+epoll substrate
// the rest of the host uses.
package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/lfedgeai/spear/cchat"
	"github.com/lfedgeai/spear/hostapi"
	"github.com/lfedgeai/spear/runtime/errs"
	"github.com/lfedgeai/spear/runtime/payload"
	"github.com/lfedgeai/spear/runtime/telemetry"
	"github.com/lfedgeai/spear/spearlet/driver"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// RtAsrDialer opens the upstream connection for an rtasr session's
// CONNECT ctl, reading its SET_PARAM values (language, sample rate,
// backend selector) off the session. Credentials stay inside the dialer.
type RtAsrDialer func(ctx context.Context, sess *hostapi.RtAsrSession) (hostapi.RtAsrTransport, error)

// MicSource starts feeding captured audio frames into dev (via
// dev.PushFrame) when a guest opens a mic fd, returning a stop function
// invoked at mic_close.
type MicSource func(dev *hostapi.MicDevice) (stop func())

// SessionBinder is the worker-side policy hook for chat sessions: Bind
// attaches the owning task's MCP policy when a guest opens a session,
// SessionParam validates policy-affecting mcp.* params before they are
// applied (a rejection surfaces to the guest as -EACCES), and Forget
// drops the context at close.
type SessionBinder interface {
	BindSession(ctx context.Context, sessionID, taskID string) error
	SessionParam(ctx context.Context, sessionID, key, value string) error
	ForgetSession(sessionID string)
}

type handle struct{ id string }

func (h *handle) ID() string { return h.id }

type chatFdBinding struct {
	sessionID string
	respFd    int32
}

type micFdBinding struct {
	dev  *hostapi.MicDevice
	stop func()
}

type wasmInstance struct {
	id       string
	taskID   string
	compiled wazero.CompiledModule
	mod      api.Module
	entry    string
	table    *hostapi.Table
	epoll    *hostapi.EpollManager
	logger   telemetry.Logger
	started  bool

	execMu sync.Mutex
	execID string

	sessMu   sync.Mutex
	chatFds  map[int32]chatFdBinding
	rtasrFds map[int32]*hostapi.RtAsrSession
	micFds   map[int32]micFdBinding
}

// setExecution records the execution the guest is currently running, so
// spear_log hostcalls attribute lines to it.
func (i *wasmInstance) setExecution(id string) {
	i.execMu.Lock()
	i.execID = id
	i.execMu.Unlock()
}

func (i *wasmInstance) currentExecution() string {
	i.execMu.Lock()
	defer i.execMu.Unlock()
	return i.execID
}

// Driver implements driver.Driver using one shared wazero.Runtime and one
// host module instantiation per guest instance. When constructed with
// WithChatManager it also implements cchat.ToolInvoker, re-entering the
// owning guest through its tool trampoline export for WASM-registered
// tool calls.
type Driver struct {
	runtime wazero.Runtime
	logger  telemetry.Logger

	chat      *cchat.Manager
	binder    SessionBinder
	rtasrDial RtAsrDialer
	micSource MicSource

	mu        sync.Mutex
	instances map[string]*wasmInstance

	sessMu       sync.Mutex
	chatSessions map[string]string // sessionID -> instanceID

	completions chan driver.CompletionSignal
}

// Option configures a Driver.
type Option func(*Driver)

// WithChatManager wires the chat-completion manager (C10) into the
// guest-facing cchat_* hostcalls. The driver installs itself as the
// manager's ToolInvoker.
func WithChatManager(m *cchat.Manager) Option { return func(d *Driver) { d.chat = m } }

// WithSessionBinder installs the worker's chat-session policy hook.
func WithSessionBinder(b SessionBinder) Option { return func(d *Driver) { d.binder = b } }

// WithRtAsrDialer installs the upstream ASR connector backing
// rtasr_ctl's CONNECT.
func WithRtAsrDialer(dial RtAsrDialer) Option { return func(d *Driver) { d.rtasrDial = dial } }

// WithMicSource installs the host capture source backing mic_open.
func WithMicSource(src MicSource) Option { return func(d *Driver) { d.micSource = src } }

// New constructs a wasm driver bound to ctx's lifetime for runtime
// resources. logger may be nil (noop).
func New(ctx context.Context, logger telemetry.Logger, opts ...Option) (*Driver, error) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, errs.Wrap(errs.ErrUnavailable, "instantiate wasi: %v", err)
	}
	d := &Driver{
		runtime:      rt,
		logger:       logger,
		instances:    make(map[string]*wasmInstance),
		chatSessions: make(map[string]string),
		completions:  make(chan driver.CompletionSignal, 64),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.chat != nil {
		d.chat.SetToolInvoker(d)
	}
	return d, nil
}

// Close releases the shared wazero runtime and all compiled modules.
func (d *Driver) Close(ctx context.Context) error {
	return d.runtime.Close(ctx)
}

// CreateInstance validates the wasm magic header, compiles the module, and
// wires a fresh fd table + epoll manager for it.
func (d *Driver) CreateInstance(ctx context.Context, spec driver.Spec) (driver.Handle, error) {
	if len(spec.ArtifactBytes) < 4 || !bytes.Equal(spec.ArtifactBytes[:4], wasmMagic) {
		return nil, errs.Wrap(errs.ErrInvalidConfiguration, "artifact for instance %q is not a wasm module (bad magic header)", spec.InstanceID)
	}

	compiled, err := d.runtime.CompileModule(ctx, spec.ArtifactBytes)
	if err != nil {
		return nil, errs.Wrap(errs.ErrInvalidConfiguration, "compile wasm module: %v", err)
	}

	table := hostapi.NewTable()
	epoll := hostapi.NewEpollManager(table)

	entry := spec.Entry
	if entry == "" {
		entry = "spear_handle"
	}

	inst := &wasmInstance{
		id:       spec.InstanceID,
		taskID:   spec.TaskID,
		compiled: compiled,
		entry:    entry,
		table:    table,
		epoll:    epoll,
		logger:   d.logger,
		chatFds:  make(map[int32]chatFdBinding),
		rtasrFds: make(map[int32]*hostapi.RtAsrSession),
		micFds:   make(map[int32]micFdBinding),
	}

	d.mu.Lock()
	d.instances[inst.id] = inst
	d.mu.Unlock()

	return &handle{id: inst.id}, nil
}

func (d *Driver) get(id string) (*wasmInstance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.instances[id]
	if !ok {
		return nil, errs.Wrap(errs.ErrNotFound, "wasm instance %q", id)
	}
	return inst, nil
}

// StartInstance builds this instance's private "spear" host module
// (closing over its own fd table/epoll manager) and instantiates the guest
// module against it.
func (d *Driver) StartInstance(ctx context.Context, h driver.Handle) error {
	inst, err := d.get(h.ID())
	if err != nil {
		return err
	}

	hostBuilder := d.runtime.NewHostModuleBuilder(fmt.Sprintf("spear/%s", inst.id))
	registerHostFns(hostBuilder, d, inst)
	if _, err := hostBuilder.Instantiate(ctx); err != nil {
		return errs.Wrap(errs.ErrUnavailable, "instantiate host module for %q: %v", inst.id, err)
	}

	cfg := wazero.NewModuleConfig().WithName(inst.id)
	mod, err := d.runtime.InstantiateModule(ctx, inst.compiled, cfg)
	if err != nil {
		return errs.Wrap(errs.ErrUnavailable, "instantiate guest module %q: %v", inst.id, err)
	}

	d.mu.Lock()
	inst.mod = mod
	inst.started = true
	d.mu.Unlock()
	return nil
}

// Execute invokes the guest's entry function by copying the request input
// into guest memory (via its exported spear_alloc, the common TinyGo/Rust
// wasm allocator-export convention) and reading the result back the same
// way.
func (d *Driver) Execute(ctx context.Context, h driver.Handle, req driver.Request) (driver.Result, error) {
	inst, err := d.get(h.ID())
	if err != nil {
		return driver.Result{}, err
	}
	if !inst.started || inst.mod == nil {
		return driver.Result{}, errs.Wrap(errs.ErrInvalidConfiguration, "instance %q not started", inst.id)
	}

	fn := inst.mod.ExportedFunction(inst.entry)
	if fn == nil {
		return driver.Result{}, errs.Wrap(errs.ErrInvalidConfiguration, "guest export %q not found", inst.entry)
	}
	alloc := inst.mod.ExportedFunction("spear_alloc")
	if alloc == nil {
		return driver.Result{}, errs.Wrap(errs.ErrInvalidConfiguration, "guest export spear_alloc not found")
	}

	inst.setExecution(req.ExecutionID)
	defer inst.setExecution("")

	inBytes := req.Input.Bytes
	results, err := alloc.Call(ctx, uint64(len(inBytes)))
	if err != nil {
		return driver.Result{}, errs.Wrap(errs.ErrUnavailable, "guest spear_alloc failed: %v", err)
	}
	inPtr := uint32(results[0])
	if !inst.mod.Memory().Write(inPtr, inBytes) {
		return driver.Result{}, errs.Wrap(errs.ErrProtocol, "write input to guest memory out of range")
	}

	out, err := fn.Call(ctx, uint64(inPtr), uint64(len(inBytes)))
	if err != nil {
		return driver.Result{Status: driver.StatusError, ErrMessage: err.Error()}, nil
	}
	if len(out) < 2 {
		return driver.Result{}, errs.Wrap(errs.ErrProtocol, "guest entry %q must return (ptr, len)", inst.entry)
	}
	outPtr, outLen := uint32(out[0]), uint32(out[1])
	outBytes, ok := inst.mod.Memory().Read(outPtr, outLen)
	if !ok {
		return driver.Result{}, errs.Wrap(errs.ErrProtocol, "read output from guest memory out of range")
	}
	outCopy := make([]byte, len(outBytes))
	copy(outCopy, outBytes)

	return driver.Result{Status: driver.StatusOK, Output: payload.Payload{ContentType: "application/octet-stream", Bytes: outCopy}}, nil
}

// Dispatch runs Execute on a background goroutine and reports its outcome
// over Completions tagged with req.ExecutionID, rather than blocking the
// caller. The guest call itself is still fully synchronous under the hood
// (wasm has no native async notion); this only decouples the caller's
// goroutine from the guest's runtime, for submit_execution's Async mode.
func (d *Driver) Dispatch(ctx context.Context, h driver.Handle, req driver.Request) error {
	inst, err := d.get(h.ID())
	if err != nil {
		return err
	}
	if !inst.started || inst.mod == nil {
		return errs.Wrap(errs.ErrInvalidConfiguration, "instance %q not started", inst.id)
	}
	go func() {
		res, err := d.Execute(context.Background(), h, req)
		sig := driver.CompletionSignal{ExecutionID: req.ExecutionID, InstanceID: inst.id, FinalLogs: true}
		if err != nil {
			sig.Status = driver.StatusError
			sig.ErrMessage = err.Error()
		} else {
			sig.Status = res.Status
			sig.Output = res.Output
			sig.ErrMessage = res.ErrMessage
		}
		select {
		case d.completions <- sig:
		default:
		}
	}()
	return nil
}

// StopInstance closes the guest module and releases its compiled module
// reference, tearing down any chat/rtasr/mic sessions the guest left
// open.
func (d *Driver) StopInstance(ctx context.Context, h driver.Handle) error {
	inst, err := d.get(h.ID())
	if err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.instances, inst.id)
	d.mu.Unlock()

	inst.sessMu.Lock()
	chatFds := inst.chatFds
	rtasrFds := inst.rtasrFds
	micFds := inst.micFds
	inst.chatFds = make(map[int32]chatFdBinding)
	inst.rtasrFds = make(map[int32]*hostapi.RtAsrSession)
	inst.micFds = make(map[int32]micFdBinding)
	inst.sessMu.Unlock()
	for _, b := range chatFds {
		d.forgetChatSession(b.sessionID)
	}
	for _, sess := range rtasrFds {
		sess.Close()
	}
	for _, b := range micFds {
		if b.stop != nil {
			b.stop()
		}
		b.dev.Close()
	}

	if inst.mod != nil {
		if err := inst.mod.Close(ctx); err != nil {
			return errs.Wrap(errs.ErrUnavailable, "close guest module %q: %v", inst.id, err)
		}
	}
	return inst.compiled.Close(ctx)
}

// Completions returns the driver's asynchronous completion stream. Dispatch
// emits one signal here for each execution it runs; Execute returns its
// outcome directly and emits nothing here.
func (d *Driver) Completions() <-chan driver.CompletionSignal {
	return d.completions
}

// Table returns inst's fd table, used by cchat/mcpbridge to register
// session and tool-call fds that the guest multiplexes via epoll.
func (d *Driver) Table(instanceID string) (*hostapi.Table, *hostapi.EpollManager, error) {
	inst, err := d.get(instanceID)
	if err != nil {
		return nil, nil, err
	}
	return inst.table, inst.epoll, nil
}

func (d *Driver) bindChatSession(sessionID, instanceID string) {
	d.sessMu.Lock()
	d.chatSessions[sessionID] = instanceID
	d.sessMu.Unlock()
}

func (d *Driver) forgetChatSession(sessionID string) {
	d.sessMu.Lock()
	delete(d.chatSessions, sessionID)
	d.sessMu.Unlock()
	if d.chat != nil {
		d.chat.CloseSession(sessionID)
	}
	if d.binder != nil {
		d.binder.ForgetSession(sessionID)
	}
}

const toolOutInitialCap = 4 * 1024

var _ cchat.ToolInvoker = (*Driver)(nil)

// InvokeFn implements cchat.ToolInvoker: it resolves sessionID back to
// the owning guest instance and re-enters it through the guest's
// spear_tool_trampoline export using the tool trampoline ABI
// (tool(args_ptr, args_len, out_ptr, out_len_ptr) -> 0 | -ENOSPC |
// -errno), retrying once with the guest-reported required length on
// -ENOSPC. The guest is parked inside a blocking hostcall
// (spear_epoll_wait on the response fd) for the duration of the loop, so
// this re-entry never races a concurrent guest call.
func (d *Driver) InvokeFn(ctx context.Context, sessionID string, offset int32, args json.RawMessage) (json.RawMessage, bool, error) {
	d.sessMu.Lock()
	instID, ok := d.chatSessions[sessionID]
	d.sessMu.Unlock()
	if !ok {
		return nil, true, errs.Wrap(errs.ErrNotFound, "no guest instance for chat session %q", sessionID)
	}
	inst, err := d.get(instID)
	if err != nil {
		return nil, true, err
	}
	tramp := inst.mod.ExportedFunction("spear_tool_trampoline")
	alloc := inst.mod.ExportedFunction("spear_alloc")
	if tramp == nil || alloc == nil {
		return nil, true, errs.Wrap(errs.ErrInvalidConfiguration, "guest %q does not export the tool trampoline", instID)
	}

	mem := inst.mod.Memory()
	res, err := alloc.Call(ctx, uint64(len(args)))
	if err != nil {
		return nil, true, errs.Wrap(errs.ErrUnavailable, "guest spear_alloc failed: %v", err)
	}
	argsPtr := uint32(res[0])
	if len(args) > 0 && !mem.Write(argsPtr, args) {
		return nil, true, errs.Wrap(errs.ErrProtocol, "write tool args to guest memory out of range")
	}

	outCap := uint32(toolOutInitialCap)
	for attempt := 0; attempt < 2; attempt++ {
		res, err = alloc.Call(ctx, uint64(outCap+4))
		if err != nil {
			return nil, true, errs.Wrap(errs.ErrUnavailable, "guest spear_alloc failed: %v", err)
		}
		outLenPtr := uint32(res[0])
		outPtr := outLenPtr + 4
		mem.WriteUint32Le(outLenPtr, outCap)

		rets, err := tramp.Call(ctx, uint64(uint32(offset)), uint64(argsPtr), uint64(uint32(len(args))), uint64(outPtr), uint64(outLenPtr))
		if err != nil {
			return nil, true, errs.Wrap(errs.ErrToolExecution, "tool trampoline trapped: %v", err)
		}
		rc := int32(rets[0])
		needed, _ := mem.ReadUint32Le(outLenPtr)
		switch {
		case rc == hostapi.ENOSPC:
			outCap = needed
			continue
		case rc < 0:
			return nil, true, errs.Wrap(errs.ErrToolExecution, "tool at offset %d failed with errno %d", offset, -rc)
		}
		out, ok := mem.Read(outPtr, needed)
		if !ok {
			return nil, true, errs.Wrap(errs.ErrProtocol, "read tool output from guest memory out of range")
		}
		outCopy := make([]byte, len(out))
		copy(outCopy, out)
		return outCopy, false, nil
	}
	return nil, true, errs.Wrap(errs.ErrToolExecution, "tool at offset %d kept demanding a larger buffer", offset)
}
