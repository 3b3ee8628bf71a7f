package exec

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lfedgeai/spear/runtime/errs"
	"github.com/lfedgeai/spear/runtime/registry"
	"github.com/lfedgeai/spear/runtime/telemetry"
	"github.com/lfedgeai/spear/spearlet/driver"
	"github.com/lfedgeai/spear/spearlet/pool"
)

// Options configures a Manager.
type Options struct {
	Logger        telemetry.Logger
	Metrics       telemetry.Metrics
	Sink          LogSink
	MaxLogBytes   int
	MaxLogLines   int
	FlushInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewNoopMetrics()
	}
	if o.Sink == nil {
		o.Sink = NewMemorySink()
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
}

// inflightAsync holds what onCompletion needs to finalize an
// Async-dispatched execution once its driver.CompletionSignal arrives:
// Execute's synchronous return is never consulted for these.
type inflightAsync struct {
	req         Request
	buf         *LogBuffer
	startedAtMS int64
	ticket      *pool.Ticket
}

// Manager implements submit_execution (C7): mode dispatch, idempotent
// replay, and the log lifecycle.
type Manager struct {
	execs     *registry.ExecutionRegistry
	scheduler *pool.Scheduler
	binder    InstanceHandles
	drivers   *driver.Registry
	opts      Options

	mu         sync.Mutex
	requestIDs map[string]string // executionID -> requestID that created it
	buffers    map[string]*LogBuffer
	cancels    map[string]context.CancelFunc
	inflight   map[string]*inflightAsync // executionID -> pending Async dispatch

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Manager. scheduler dispatches instances per task;
// binder resolves a dispatched pool instance to its driver handle; drivers
// executes requests against that handle.
func New(execs *registry.ExecutionRegistry, scheduler *pool.Scheduler, binder InstanceHandles, drivers *driver.Registry, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		execs:      execs,
		scheduler:  scheduler,
		binder:     binder,
		drivers:    drivers,
		opts:       opts,
		requestIDs: make(map[string]string),
		buffers:    make(map[string]*LogBuffer),
		cancels:    make(map[string]context.CancelFunc),
		inflight:   make(map[string]*inflightAsync),
		closeCh:    make(chan struct{}),
	}
}

// Start launches the background flush ticker and, per registered driver,
// the completion-signal drain loop that finalizes Async-mode executions.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.flushLoop(ctx)
	for _, drv := range m.drivers.All() {
		m.wg.Add(1)
		go m.drainCompletions(ctx, drv)
	}
}

func (m *Manager) drainCompletions(ctx context.Context, drv driver.Driver) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closeCh:
			return
		case sig, ok := <-drv.Completions():
			if !ok {
				return
			}
			m.onCompletion(ctx, sig)
		}
	}
}

// onCompletion finalizes the Async-mode execution a completion signal
// names. Signals with no matching in-flight entry (stale, duplicate, or a
// driver-level signal not tied to a specific execution) are dropped.
func (m *Manager) onCompletion(ctx context.Context, sig driver.CompletionSignal) {
	m.mu.Lock()
	in, ok := m.inflight[sig.ExecutionID]
	if ok {
		delete(m.inflight, sig.ExecutionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	defer in.ticket.Release()

	status, execErr := classifyResult(driver.Result{Status: sig.Status, Output: sig.Output, ErrMessage: sig.ErrMessage})
	if len(sig.Output.Bytes) > 0 {
		_ = in.buf.Append(ctx, LogLine{TsMS: nowMS(), InvocationID: in.req.InvocationID, TaskID: in.req.TaskID, FunctionName: in.req.FunctionName, Stream: LogStreamStdout, Level: "info", Message: string(sig.Output.Bytes)})
	}
	_, _ = m.finalize(ctx, in.req, in.buf, status, sig.Output.Bytes, execErr, in.startedAtMS)
}

// Close stops the flush loop and waits for it to exit.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.closeCh) })
	m.wg.Wait()
}

func (m *Manager) flushLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closeCh:
			return
		case <-ticker.C:
			for _, buf := range m.snapshotBuffers() {
				if buf.State() == LogOpen {
					if err := buf.Flush(ctx); err != nil {
						m.opts.Logger.Warn(ctx, "exec: periodic log flush failed", "error", err)
					}
				}
			}
		}
	}
}

func (m *Manager) snapshotBuffers() []*LogBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*LogBuffer, 0, len(m.buffers))
	for _, b := range m.buffers {
		out = append(out, b)
	}
	return out
}

func (m *Manager) bufferFor(id string) (*LogBuffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[id]
	return b, ok
}

func (m *Manager) systemLine(req *Request, stream LogStreamKind, message string) LogLine {
	return LogLine{
		TsMS:         nowMS(),
		InvocationID: req.InvocationID,
		TaskID:       req.TaskID,
		FunctionName: req.functionName(),
		Stream:       stream,
		Level:        "info",
		Message:      message,
	}
}

// Submit implements submit_execution for Sync and Async modes. Stream and
// Console callers use OpenStream/OpenConsole, which share runAttempt.
func (m *Manager) Submit(ctx context.Context, req Request) (Response, error) {
	req.FunctionName = req.functionName()

	if resp, replay, err := m.checkReplay(ctx, req); replay {
		return resp, err
	}

	now := nowMS()
	m.execs.Create(ctx, registry.Execution{
		ID:           req.ExecutionID,
		InvocationID: req.InvocationID,
		TaskID:       req.TaskID,
		FunctionName: req.FunctionName,
		Status:       registry.ExecutionRunning,
		StartedAtMS:  now,
	}, now)

	buf := NewLogBuffer(req.ExecutionID, m.opts.Sink, m.opts.MaxLogBytes, m.opts.MaxLogLines)
	m.mu.Lock()
	m.requestIDs[req.ExecutionID] = req.RequestID
	m.buffers[req.ExecutionID] = buf
	m.mu.Unlock()
	_ = buf.Append(ctx, m.systemLine(&req, LogStreamSystem, "execution submitted"))

	if req.Mode == ModeAsync {
		if err := m.dispatchAsync(req, buf, now); err != nil {
			appendLine := m.systemLine(&req, LogStreamSystem, "dispatch failed: "+err.Error())
			_ = buf.Append(ctx, appendLine)
			resp, _ := m.finalize(ctx, req, buf, registry.ExecutionFailed, nil, &registry.ExecutionError{Code: "dispatch_failed", Message: err.Error()}, now)
			// The error keeps its errs sentinel (Overloaded/NoCapacity) so
			// callers can spill back; the finalized record is still returned.
			return resp, err
		}
		return Response{
			ExecutionID:           req.ExecutionID,
			InvocationID:          req.InvocationID,
			Status:                registry.ExecutionRunning,
			StatusEndpoint:        "/executions/" + req.ExecutionID,
			EstimatedCompletionMS: req.TimeoutMS,
			StartedAtMS:           now,
		}, nil
	}

	return m.runAttempt(ctx, req, buf, nil)
}

// dispatchAsync resolves req's instance and driver and fires it through
// Driver.Dispatch: unlike Sync/Stream/Console, Async mode never blocks on
// drv.Execute. Finalization happens later in onCompletion, driven by the
// driver's completion signal, per spec.md's async/stream completion
// mechanism.
func (m *Manager) dispatchAsync(req Request, buf *LogBuffer, startedAtMS int64) error {
	ticket, err := m.scheduler.Dispatch(context.Background(), req.TaskID, req.FunctionName, req.SessionID)
	if err != nil {
		return err
	}
	handle, kind, ok := m.binder.Handle(ticket.Instance().ID)
	if !ok {
		ticket.Release()
		return errs.Wrap(errs.ErrUnavailable, "instance has no bound driver handle")
	}
	drv, err := m.drivers.For(kind)
	if err != nil {
		ticket.Release()
		return err
	}

	m.mu.Lock()
	m.inflight[req.ExecutionID] = &inflightAsync{req: req, buf: buf, startedAtMS: startedAtMS, ticket: ticket}
	m.mu.Unlock()

	if err := drv.Dispatch(context.Background(), handle, driver.Request{
		ExecutionID:  req.ExecutionID,
		InvocationID: req.InvocationID,
		FunctionName: req.FunctionName,
		Input:        req.Input,
		Headers:      req.Headers,
		Env:          req.Env,
		TimeoutMS:    req.TimeoutMS,
	}); err != nil {
		m.mu.Lock()
		delete(m.inflight, req.ExecutionID)
		m.mu.Unlock()
		ticket.Release()
		return err
	}
	return nil
}

// checkReplay implements the idempotent-replay tie-break: an already-known
// execution-id with an identical request-id returns the existing record
// rather than dispatching again.
func (m *Manager) checkReplay(ctx context.Context, req Request) (Response, bool, error) {
	m.mu.Lock()
	existingReqID, known := m.requestIDs[req.ExecutionID]
	m.mu.Unlock()
	if !known {
		return Response{}, false, nil
	}
	if existingReqID != req.RequestID {
		return Response{}, true, errs.Wrap(errs.ErrValidation, "execution %q already used with a different request id", req.ExecutionID)
	}
	e, found := m.execs.Get(ctx, req.ExecutionID)
	if !found {
		return Response{}, false, nil
	}
	return m.responseFromExecution(e), true, nil
}

func (m *Manager) responseFromExecution(e registry.Execution) Response {
	resp := Response{
		ExecutionID:   e.ID,
		InvocationID:  e.InvocationID,
		Status:        e.Status,
		StartedAtMS:   e.StartedAtMS,
		CompletedAtMS: e.CompletedAtMS,
	}
	if e.OutputBytes != nil {
		resp.Output.Bytes = e.OutputBytes
	}
	if e.Error != nil {
		resp.Error = e.Error
	}
	return resp
}

// runAttempt dispatches an instance, executes the request, finalizes the
// execution record and log, and returns the terminal Response. tap, if
// non-nil, receives every log line as it's appended (for Stream/Console).
func (m *Manager) runAttempt(ctx context.Context, req Request, buf *LogBuffer, tap func(LogLine)) (Response, error) {
	started := nowMS()

	runCtx := ctx
	var cancel context.CancelFunc
	if req.TimeoutMS > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	m.mu.Lock()
	m.cancels[req.ExecutionID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, req.ExecutionID)
		m.mu.Unlock()
	}()

	appendLine := func(l LogLine) {
		if tap != nil {
			tap(l)
		}
		_ = buf.Append(ctx, l)
	}

	ticket, err := m.scheduler.Dispatch(runCtx, req.TaskID, req.FunctionName, req.SessionID)
	if err != nil {
		appendLine(m.systemLine(&req, LogStreamSystem, "dispatch failed: "+err.Error()))
		resp, _ := m.finalize(ctx, req, buf, registry.ExecutionFailed, nil, &registry.ExecutionError{Code: "dispatch_failed", Message: err.Error()}, started)
		return resp, err
	}
	defer ticket.Release()

	handle, kind, ok := m.binder.Handle(ticket.Instance().ID)
	if !ok {
		appendLine(m.systemLine(&req, LogStreamSystem, "no driver handle for instance"))
		return m.finalize(ctx, req, buf, registry.ExecutionFailed, nil, &registry.ExecutionError{Code: "no_handle", Message: "instance has no bound driver handle"}, started)
	}
	drv, err := m.drivers.For(kind)
	if err != nil {
		appendLine(m.systemLine(&req, LogStreamSystem, "no driver for runtime: "+err.Error()))
		return m.finalize(ctx, req, buf, registry.ExecutionFailed, nil, &registry.ExecutionError{Code: "no_driver", Message: err.Error()}, started)
	}

	res, execErr := drv.Execute(runCtx, handle, driver.Request{
		ExecutionID:  req.ExecutionID,
		InvocationID: req.InvocationID,
		FunctionName: req.FunctionName,
		Input:        req.Input,
		Headers:      req.Headers,
		Env:          req.Env,
		TimeoutMS:    req.TimeoutMS,
	})

	if execErr != nil {
		status := registry.ExecutionFailed
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			status = registry.ExecutionTimeout
		} else if errors.Is(runCtx.Err(), context.Canceled) {
			status = registry.ExecutionCancelled
		}
		appendLine(m.systemLine(&req, LogStreamSystem, "execution error: "+execErr.Error()))
		return m.finalize(ctx, req, buf, status, nil, &registry.ExecutionError{Code: "execution_error", Message: execErr.Error()}, started)
	}

	status, execError := classifyResult(res)
	if len(res.Output.Bytes) > 0 {
		appendLine(LogLine{TsMS: nowMS(), InvocationID: req.InvocationID, TaskID: req.TaskID, FunctionName: req.FunctionName, Stream: LogStreamStdout, Level: "info", Message: string(res.Output.Bytes)})
	}
	return m.finalize(ctx, req, buf, status, res.Output.Bytes, execError, started)
}

func classifyResult(res driver.Result) (registry.ExecutionStatus, *registry.ExecutionError) {
	switch res.Status {
	case driver.StatusOK:
		return registry.ExecutionCompleted, nil
	case driver.StatusTimeout:
		return registry.ExecutionTimeout, &registry.ExecutionError{Code: "timeout", Message: res.ErrMessage}
	case driver.StatusCancelled:
		return registry.ExecutionCancelled, &registry.ExecutionError{Code: "cancelled", Message: res.ErrMessage}
	default:
		return registry.ExecutionFailed, &registry.ExecutionError{Code: "error", Message: res.ErrMessage}
	}
}

func (m *Manager) finalize(ctx context.Context, req Request, buf *LogBuffer, status registry.ExecutionStatus, output []byte, execErr *registry.ExecutionError, startedAtMS int64) (Response, error) {
	completed := nowMS()
	m.execs.Finalize(ctx, req.ExecutionID, status, output, execErr, completed, nil)
	if err := buf.Finalize(ctx); err != nil {
		m.opts.Logger.Warn(ctx, "exec: final log flush failed", "execution_id", req.ExecutionID, "error", err)
	}
	resp := Response{
		ExecutionID:   req.ExecutionID,
		InvocationID:  req.InvocationID,
		Status:        status,
		Error:         execErr,
		StartedAtMS:   startedAtMS,
		CompletedAtMS: completed,
	}
	if output != nil {
		resp.Output.Bytes = output
	}
	return resp, nil
}

// GetExecution returns the current execution record.
func (m *Manager) GetExecution(ctx context.Context, id string) (registry.Execution, bool) {
	return m.execs.Get(ctx, id)
}

// ListExecutions returns every known execution record.
func (m *Manager) ListExecutions(ctx context.Context) []registry.Execution {
	return m.execs.List(ctx)
}

// CancelExecution cancels an in-flight execution's context, if any.
// Returns ErrNotFound if the execution isn't currently running under this
// manager.
func (m *Manager) CancelExecution(id string) error {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if !ok {
		return errs.Wrap(errs.ErrNotFound, "no in-flight execution %q", id)
	}
	cancel()
	return nil
}

// OpenStream implements Stream mode: a finite, non-restartable sequence of
// chunks terminated by one IsFinal chunk.
func (m *Manager) OpenStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	req.FunctionName = req.functionName()
	req.Mode = ModeStream

	now := nowMS()
	m.execs.Create(ctx, registry.Execution{
		ID:           req.ExecutionID,
		InvocationID: req.InvocationID,
		TaskID:       req.TaskID,
		FunctionName: req.FunctionName,
		Status:       registry.ExecutionRunning,
		StartedAtMS:  now,
	}, now)
	buf := NewLogBuffer(req.ExecutionID, m.opts.Sink, m.opts.MaxLogBytes, m.opts.MaxLogLines)
	m.mu.Lock()
	m.requestIDs[req.ExecutionID] = req.RequestID
	m.buffers[req.ExecutionID] = buf
	m.mu.Unlock()

	out := make(chan StreamChunk, 16)
	tap := func(l LogLine) {
		select {
		case out <- StreamChunk{Bytes: []byte(l.Message), Metadata: map[string]string{"stream": string(l.Stream)}}:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(out)
		resp, _ := m.runAttempt(ctx, req, buf, tap)
		out <- StreamChunk{IsFinal: true, Status: resp.Status, Error: resp.Error, Bytes: resp.Output.Bytes}
	}()

	return out, nil
}

// OpenConsole implements Console mode: the client's first message must be
// Open, carrying the Request to execute. Stdin/Resize/Signal messages are
// accepted for session control but only Close and Signal affect an
// in-flight attempt (via CancelExecution); interactive stdin injection into
// a running instance is a driver-level capability process/wasm drivers do
// not yet expose mid-call.
func (m *Manager) OpenConsole(ctx context.Context, clientMsgs <-chan ClientMsg) (<-chan ServerMsg, error) {
	out := make(chan ServerMsg, 16)
	go func() {
		defer close(out)

		first, ok := <-clientMsgs
		if !ok || first.Open == nil {
			out <- ServerMsg{Err: "console session must open with an Open message"}
			return
		}
		req := *first.Open
		req.FunctionName = req.functionName()
		req.Mode = ModeConsole

		now := nowMS()
		m.execs.Create(ctx, registry.Execution{
			ID: req.ExecutionID, InvocationID: req.InvocationID, TaskID: req.TaskID,
			FunctionName: req.FunctionName, Status: registry.ExecutionRunning, StartedAtMS: now,
		}, now)
		buf := NewLogBuffer(req.ExecutionID, m.opts.Sink, m.opts.MaxLogBytes, m.opts.MaxLogLines)
		m.mu.Lock()
		m.requestIDs[req.ExecutionID] = req.RequestID
		m.buffers[req.ExecutionID] = buf
		m.mu.Unlock()

		done := make(chan struct{})
		go func() {
			for {
				select {
				case msg, ok := <-clientMsgs:
					if !ok {
						return
					}
					switch {
					case msg.Close:
						_ = m.CancelExecution(req.ExecutionID)
					case msg.Signal == SignalInt || msg.Signal == SignalTerm:
						_ = m.CancelExecution(req.ExecutionID)
					}
				case <-done:
					return
				}
			}
		}()

		tap := func(l LogLine) {
			switch l.Stream {
			case LogStreamStderr:
				out <- ServerMsg{Stderr: []byte(l.Message)}
			default:
				out <- ServerMsg{Stdout: []byte(l.Message)}
			}
		}
		resp, _ := m.runAttempt(ctx, req, buf, tap)
		close(done)

		code := 0
		if resp.Status != registry.ExecutionCompleted {
			code = 1
		}
		msg := ""
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		out <- ServerMsg{Status: resp.Status, ExitCode: &code, ExitMsg: msg}
	}()
	return out, nil
}
