// Package process implements the C8 process runtime driver: each instance
// is an OS process speaking newline-delimited JSON request/response frames
// over its stdio pipes. Grounded on features/mcp/runtime/stdiocaller.go's
// os/exec process-management idiom (piped stdio, correlated pending-request
// map, sync.Once close).
package process

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lfedgeai/spear/runtime/errs"
	"github.com/lfedgeai/spear/runtime/payload"
	"github.com/lfedgeai/spear/runtime/telemetry"
	"github.com/lfedgeai/spear/spearlet/driver"
)

type handle struct{ id string }

func (h *handle) ID() string { return h.id }

type frameOut struct {
	ID        uint64            `json:"id"`
	Function  string            `json:"function"`
	InputType string            `json:"input_content_type"`
	InputB64  string            `json:"input_base64"`
	Headers   map[string]string `json:"headers,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
}

type frameIn struct {
	ID         uint64 `json:"id"`
	Status     string `json:"status"`
	OutputType string `json:"output_content_type"`
	OutputB64  string `json:"output_base64"`
	Error      string `json:"error,omitempty"`
}

type pendingCall struct {
	resp frameIn
	err  error
}

type instance struct {
	id      string
	cmd     *exec.Cmd
	path    string
	tempdir string

	stdin io.WriteCloser

	writeMu sync.Mutex
	nextID  uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan pendingCall

	closed    chan struct{}
	closeOnce sync.Once
}

// Driver implements driver.Driver by running instances as OS processes.
type Driver struct {
	logger telemetry.Logger

	mu        sync.Mutex
	instances map[string]*instance

	completions chan driver.CompletionSignal
}

// New constructs a process driver. logger may be nil (noop).
func New(logger telemetry.Logger) *Driver {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Driver{
		logger:      logger,
		instances:   make(map[string]*instance),
		completions: make(chan driver.CompletionSignal, 64),
	}
}

// CreateInstance materializes spec's artifact (if inlined) to a temp
// executable file and prepares, but does not start, the process.
func (d *Driver) CreateInstance(ctx context.Context, spec driver.Spec) (driver.Handle, error) {
	path := spec.Entry
	var tempdir string
	if len(spec.ArtifactBytes) > 0 {
		dir, err := os.MkdirTemp("", "spear-proc-*")
		if err != nil {
			return nil, errs.Wrap(errs.ErrStorage, "create instance tempdir: %v", err)
		}
		tempdir = dir
		binPath := dir + "/entry"
		if err := os.WriteFile(binPath, spec.ArtifactBytes, 0o755); err != nil {
			os.RemoveAll(dir)
			return nil, errs.Wrap(errs.ErrStorage, "write process artifact: %v", err)
		}
		path = binPath
	}
	if path == "" {
		return nil, errs.Wrap(errs.ErrValidation, "process spec has no entry path or inlined artifact")
	}

	env := make([]string, 0, len(spec.Env)+1)
	env = append(env, os.Environ()...)
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	cmd := exec.Cmd{Path: path, Args: append([]string{path}, spec.Args...), Env: env}

	inst := &instance{
		id:      spec.InstanceID,
		cmd:     &cmd,
		path:    path,
		tempdir: tempdir,
		pending: make(map[uint64]chan pendingCall),
		closed:  make(chan struct{}),
	}

	d.mu.Lock()
	d.instances[inst.id] = inst
	d.mu.Unlock()

	return &handle{id: inst.id}, nil
}

func (d *Driver) get(id string) (*instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.instances[id]
	if !ok {
		return nil, errs.Wrap(errs.ErrNotFound, "process instance %q", id)
	}
	return inst, nil
}

// StartInstance execs the instance's process and begins reading its stdout.
func (d *Driver) StartInstance(ctx context.Context, h driver.Handle) error {
	inst, err := d.get(h.ID())
	if err != nil {
		return err
	}

	stdin, err := inst.cmd.StdinPipe()
	if err != nil {
		return errs.Wrap(errs.ErrUnavailable, "stdin pipe: %v", err)
	}
	stdout, err := inst.cmd.StdoutPipe()
	if err != nil {
		return errs.Wrap(errs.ErrUnavailable, "stdout pipe: %v", err)
	}
	stderr, _ := inst.cmd.StderrPipe()

	if err := inst.cmd.Start(); err != nil {
		return errs.Wrap(errs.ErrUnavailable, "start process: %v", err)
	}
	inst.stdin = stdin

	go d.readLoop(inst, stdout)
	if stderr != nil {
		go io.Copy(io.Discard, stderr)
	}
	return nil
}

func (d *Driver) readLoop(inst *instance, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var in frameIn
		if err := json.Unmarshal(scanner.Bytes(), &in); err != nil {
			d.logger.Warn(context.Background(), "process: malformed response frame", "instance", inst.id, "error", err)
			continue
		}
		inst.pendingMu.Lock()
		ch, ok := inst.pending[in.ID]
		if ok {
			delete(inst.pending, in.ID)
		}
		inst.pendingMu.Unlock()
		if ok {
			ch <- pendingCall{resp: in}
		}
	}
	d.failAllPending(inst, errs.Wrap(errs.ErrUnavailable, "process %q exited", inst.id))
}

func (d *Driver) failAllPending(inst *instance, err error) {
	inst.pendingMu.Lock()
	pending := inst.pending
	inst.pending = make(map[uint64]chan pendingCall)
	inst.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- pendingCall{err: err}
	}
	select {
	case d.completions <- driver.CompletionSignal{InstanceID: inst.id, Status: driver.StatusError, ErrMessage: err.Error(), FinalLogs: true}:
	default:
	}
}

// writeFrame registers a pending call and writes its request frame,
// returning the instance and correlation id for awaitFrame.
func (d *Driver) writeFrame(h driver.Handle, req driver.Request) (*instance, uint64, chan pendingCall, error) {
	inst, err := d.get(h.ID())
	if err != nil {
		return nil, 0, nil, err
	}

	id := atomic.AddUint64(&inst.nextID, 1)
	ch := make(chan pendingCall, 1)
	inst.pendingMu.Lock()
	inst.pending[id] = ch
	inst.pendingMu.Unlock()

	out := frameOut{
		ID:        id,
		Function:  req.FunctionName,
		InputType: req.Input.ContentType,
		InputB64:  base64.StdEncoding.EncodeToString(req.Input.Bytes),
		Headers:   req.Headers,
		Env:       req.Env,
		TimeoutMS: req.TimeoutMS,
	}
	line, err := json.Marshal(out)
	if err != nil {
		inst.pendingMu.Lock()
		delete(inst.pending, id)
		inst.pendingMu.Unlock()
		return nil, 0, nil, errs.Wrap(errs.ErrProtocol, "encode request frame: %v", err)
	}

	inst.writeMu.Lock()
	_, werr := inst.stdin.Write(append(line, '\n'))
	inst.writeMu.Unlock()
	if werr != nil {
		inst.pendingMu.Lock()
		delete(inst.pending, id)
		inst.pendingMu.Unlock()
		return nil, 0, nil, errs.Wrap(errs.ErrUnavailable, "write request frame: %v", werr)
	}
	return inst, id, ch, nil
}

// awaitFrame blocks for id's matching response frame or req's timeout,
// whichever comes first.
func (d *Driver) awaitFrame(ctx context.Context, inst *instance, id uint64, ch chan pendingCall, req driver.Request) (driver.Result, error) {
	deadline := ctx
	var cancel context.CancelFunc
	if req.TimeoutMS > 0 {
		deadline, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return driver.Result{Status: driver.StatusError, ErrMessage: res.err.Error()}, nil
		}
		return decodeResult(res.resp)
	case <-deadline.Done():
		inst.pendingMu.Lock()
		delete(inst.pending, id)
		inst.pendingMu.Unlock()
		if ctx.Err() != nil && deadline.Err() == ctx.Err() {
			return driver.Result{Status: driver.StatusCancelled}, errs.Wrap(errs.ErrCancelled, "execute %s", req.FunctionName)
		}
		return driver.Result{Status: driver.StatusTimeout}, errs.Wrap(errs.ErrTimeout, "execute %s", req.FunctionName)
	}
}

// Execute sends a request frame and waits for its matching response.
func (d *Driver) Execute(ctx context.Context, h driver.Handle, req driver.Request) (driver.Result, error) {
	inst, id, ch, err := d.writeFrame(h, req)
	if err != nil {
		return driver.Result{}, err
	}
	return d.awaitFrame(ctx, inst, id, ch, req)
}

// Dispatch writes req's frame and returns once it's on the wire, without
// waiting for the matching response: the terminal outcome is delivered
// later over Completions, tagged with req.ExecutionID. This is the
// fire-and-forget path submit_execution's Async mode uses so a slow
// instance never blocks the dispatching goroutine on drv.Execute.
func (d *Driver) Dispatch(ctx context.Context, h driver.Handle, req driver.Request) error {
	inst, id, ch, err := d.writeFrame(h, req)
	if err != nil {
		return err
	}
	go func() {
		res, err := d.awaitFrame(context.Background(), inst, id, ch, req)
		sig := driver.CompletionSignal{ExecutionID: req.ExecutionID, InstanceID: inst.id, FinalLogs: true}
		if err != nil {
			sig.Status = driver.StatusError
			sig.ErrMessage = err.Error()
			if res.Status != "" {
				sig.Status = res.Status
			}
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

func decodeResult(in frameIn) (driver.Result, error) {
	status := driver.StatusOK
	switch in.Status {
	case "", "ok":
		status = driver.StatusOK
	case "error":
		status = driver.StatusError
	case "timeout":
		status = driver.StatusTimeout
	case "cancelled":
		status = driver.StatusCancelled
	}
	var outBytes []byte
	if in.OutputB64 != "" {
		b, err := base64.StdEncoding.DecodeString(in.OutputB64)
		if err != nil {
			return driver.Result{}, errs.Wrap(errs.ErrProtocol, "decode output: %v", err)
		}
		outBytes = b
	}
	return driver.Result{
		Status:     status,
		Output:     payload.Payload{ContentType: in.OutputType, Bytes: outBytes},
		ErrMessage: in.Error,
	}, nil
}

// StopInstance kills the process, releases pending calls, and removes any
// temp artifact directory.
func (d *Driver) StopInstance(ctx context.Context, h driver.Handle) error {
	inst, err := d.get(h.ID())
	if err != nil {
		return err
	}
	inst.closeOnce.Do(func() {
		if inst.stdin != nil {
			_ = inst.stdin.Close()
		}
		if inst.cmd.Process != nil {
			_ = inst.cmd.Process.Kill()
		}
		_ = inst.cmd.Wait()
		if inst.tempdir != "" {
			_ = os.RemoveAll(inst.tempdir)
		}
		close(inst.closed)
	})
	d.mu.Lock()
	delete(d.instances, inst.id)
	d.mu.Unlock()
	return nil
}

// Completions returns the driver's asynchronous completion stream.
func (d *Driver) Completions() <-chan driver.CompletionSignal {
	return d.completions
}
