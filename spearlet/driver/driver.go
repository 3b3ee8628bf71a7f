// Package driver defines the runtime driver contract (C8): the seam
// between the instance pool/execution manager and the two concrete
// sandboxes, wasm (spearlet/driver/wasm) and process
// (spearlet/driver/process). Grounded on the teacher's upstream-adapter
// seam (features/model/{anthropic,openai,bedrock} all implementing
// features/model.MessagesClient) generalized from model backends to
// execution backends.
package driver

import (
	"context"

	"github.com/lfedgeai/spear/runtime/errs"
	"github.com/lfedgeai/spear/runtime/payload"
	"github.com/lfedgeai/spear/runtime/registry"
)

// Spec describes the program a driver must materialize into a running
// instance.
type Spec struct {
	TaskID        string
	InstanceID    string
	RuntimeType   registry.ExecutableKind
	ArtifactBytes []byte
	Entry         string
	Args          []string
	Env           map[string]string
	PreopenDirs   map[string]string
}

// Handle identifies a driver-managed instance.
type Handle interface {
	ID() string
}

// Request is one invocation dispatched into a running instance.
type Request struct {
	ExecutionID  string
	InvocationID string
	FunctionName string
	Input        payload.Payload
	Headers      map[string]string
	Env          map[string]string
	TimeoutMS    int64
}

// Status reports a terminal execution outcome.
type Status string

const (
	StatusOK        Status = "ok"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Result is a synchronous Execute outcome.
type Result struct {
	Status     Status
	Output     payload.Payload
	ErrMessage string
}

// CompletionSignal is an asynchronous execution's terminal notification,
// delivered over Driver.Completions for console/async/stream invocations
// whose result was not available when Execute returned.
type CompletionSignal struct {
	ExecutionID string
	InstanceID  string
	Status      Status
	Output      payload.Payload
	ErrMessage  string
	FinalLogs   bool
}

// Driver manages the full lifecycle of one runtime family's instances.
// Implementations must be safe for concurrent use: the pool may call
// CreateInstance/StopInstance from multiple goroutines, and Execute may run
// concurrently with StopInstance for a different handle.
type Driver interface {
	// CreateInstance materializes spec into a cold, not-yet-started
	// instance.
	CreateInstance(ctx context.Context, spec Spec) (Handle, error)
	// StartInstance brings a created instance to ready. For wasm this
	// instantiates the module; for process it execs the entry binary.
	StartInstance(ctx context.Context, h Handle) error
	// Execute dispatches one invocation into a started instance and
	// blocks until the terminal outcome is known.
	Execute(ctx context.Context, h Handle, req Request) (Result, error)
	// Dispatch fires one invocation without waiting for its outcome: it
	// returns once the request is accepted, and the terminal result is
	// delivered later over Completions, tagged with req.ExecutionID.
	// Used for fire-and-forget submit_execution modes (Async) so a
	// slow instance never blocks the caller.
	Dispatch(ctx context.Context, h Handle, req Request) error
	// StopInstance tears the instance down, releasing all driver-owned
	// resources (processes, wasm runtimes, preopened fds).
	StopInstance(ctx context.Context, h Handle) error
	// Completions streams asynchronous terminal outcomes. The channel is
	// closed when the driver itself is closed.
	Completions() <-chan CompletionSignal
}

// ErrUnsupportedRuntime is returned by a driver registry when asked for a
// runtime type it has no implementation for.
var ErrUnsupportedRuntime = errs.ErrInvalidConfiguration

// Registry dispatches to the Driver registered for a runtime type.
type Registry struct {
	drivers map[registry.ExecutableKind]Driver
}

// NewRegistry constructs an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[registry.ExecutableKind]Driver)}
}

// Register installs d as the handler for kind. Re-registering a kind
// replaces the previous driver.
func (r *Registry) Register(kind registry.ExecutableKind, d Driver) {
	r.drivers[kind] = d
}

// For returns the driver registered for kind, or ErrUnsupportedRuntime.
func (r *Registry) For(kind registry.ExecutableKind) (Driver, error) {
	d, ok := r.drivers[kind]
	if !ok {
		return nil, errs.Wrap(ErrUnsupportedRuntime, "no driver registered for runtime %q", kind)
	}
	return d, nil
}

// All returns every registered driver, for callers that need to fan out
// across every runtime family (e.g. draining each one's Completions).
func (r *Registry) All() []Driver {
	out := make([]Driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		out = append(out, d)
	}
	return out
}
