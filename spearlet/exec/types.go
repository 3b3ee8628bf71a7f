// Package exec implements the execution manager (C7): submit_execution
// dispatch across sync/async/stream/console modes, idempotent replay, and
// the per-execution log ring buffer's open->finalizing->finalized
// lifecycle. Grounded on spearlet/sync's ticker+state-machine goroutine
// shape and runtime/registry's bounded-index eviction idiom, generalized
// from toolset schemas to log lines.
package exec

import (
	"github.com/lfedgeai/spear/runtime/payload"
	"github.com/lfedgeai/spear/runtime/registry"
)

// Mode selects submit_execution's response shape.
type Mode string

const (
	ModeSync    Mode = "sync"
	ModeAsync   Mode = "async"
	ModeStream  Mode = "stream"
	ModeConsole Mode = "console"
)

const defaultFunctionName = "__default__"

// Request is one submit_execution call.
type Request struct {
	InvocationID     string
	ExecutionID      string
	RequestID        string
	TaskID           string
	FunctionName     string
	Mode             Mode
	Input            payload.Payload
	Headers          map[string]string
	Env              map[string]string
	TimeoutMS        int64
	SessionID        string
	ForceNewInstance bool
	Metadata         map[string]string
}

func (r *Request) functionName() string {
	if r.FunctionName == "" {
		return defaultFunctionName
	}
	return r.FunctionName
}

// Response is submit_execution's return value. For Sync it carries the
// full terminal record; for Async it's the immediate Running
// acknowledgement; Stream and Console callers use OpenStream/OpenConsole
// instead and ignore most of this shape.
type Response struct {
	ExecutionID           string
	InvocationID          string
	Status                registry.ExecutionStatus
	Output                payload.Payload
	Error                 *registry.ExecutionError
	StatusEndpoint        string
	EstimatedCompletionMS int64
	StartedAtMS           int64
	CompletedAtMS         int64
}

// StreamChunk is one element of a Stream-mode response sequence.
type StreamChunk struct {
	Bytes    []byte
	IsFinal  bool
	Status   registry.ExecutionStatus
	Error    *registry.ExecutionError
	Metadata map[string]string
}

// TermSize is a console session's terminal geometry.
type TermSize struct {
	Rows int
	Cols int
}

// SignalKind enumerates console-session signals.
type SignalKind string

const (
	SignalInt  SignalKind = "int"
	SignalTerm SignalKind = "term"
)

// ClientMsg is one message a console client sends.
type ClientMsg struct {
	Open   *Request
	Stdin  []byte
	Resize *TermSize
	Signal SignalKind
	Close  bool
}

// ServerMsg is one message the console session sends back.
type ServerMsg struct {
	Stdout   []byte
	Stderr   []byte
	Status   registry.ExecutionStatus
	ExitCode *int
	ExitMsg  string
	Err      string
}
