package cchat

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/lfedgeai/spear/hostapi"
)

// response is the chat_response fd's inner resource: a read-only,
// single-shot byte stream that becomes ready once the backend (and any
// auto tool-call iterations) finish. One response exists per session and is
// reused across sends; a new Send resets it to pending.
type response struct {
	table *hostapi.Table
	fd    int32

	mu      sync.Mutex
	pending bool
	buf     []byte
	off     int
	err     error
	metrics respMetrics
}

type respMetrics struct {
	Iterations int `json:"iterations"`
	ToolCalls  int `json:"tool_calls"`
	InputTok   int `json:"input_tokens"`
	OutputTok  int `json:"output_tokens"`
}

var (
	_ hostapi.ReadinessSource = (*response)(nil)
	_ io.Reader               = (*response)(nil)
	_ hostapi.MetricsSource   = (*response)(nil)
)

func newResponse(table *hostapi.Table, fd int32) *response {
	return &response{table: table, fd: fd}
}

// reset marks the response pending ahead of a new Send.
func (r *response) reset() {
	r.mu.Lock()
	r.pending = true
	r.buf = nil
	r.off = 0
	r.err = nil
	r.mu.Unlock()
}

// complete stores the final message bytes (or failure) and wakes any
// epoll watchers, per the table's Notify wakeup rule.
func (r *response) complete(msg Message, usage Usage, iterations, toolCalls int, err error) {
	r.mu.Lock()
	r.pending = false
	r.err = err
	r.metrics = respMetrics{Iterations: iterations, ToolCalls: toolCalls, InputTok: usage.InputTokens, OutputTok: usage.OutputTokens}
	if err == nil {
		if b, merr := json.Marshal(msg); merr == nil {
			r.buf = b
		} else {
			r.err = merr
		}
	}
	r.mu.Unlock()
	if r.table != nil {
		r.table.Notify(r.fd)
	}
}

// PollMask reports EventIn once a completed response has unread bytes,
// EventErr if the completion failed.
func (r *response) PollMask() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending {
		return 0
	}
	if r.err != nil {
		return hostapi.EventErr
	}
	if r.off < len(r.buf) {
		return hostapi.EventIn
	}
	return 0
}

// Read drains the completed response's JSON-encoded Message bytes.
// Returns io.EOF once fully drained; returns the completion error (not
// nil, not io.EOF) if the backend call failed; returns (0, errNotReady)
// while pending, which the generic hostFdRead maps to EAGAIN for
// non-blocking guests.
func (r *response) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending {
		return 0, errNotReady
	}
	if r.err != nil {
		return 0, r.err
	}
	if r.off >= len(r.buf) {
		return 0, io.EOF
	}
	n := copy(p, r.buf[r.off:])
	r.off += n
	return n, nil
}

func (r *response) Metrics() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

// Snapshot returns the full completed response bytes without consuming
// the Read cursor — the single-shot cchat_recv surface, which needs the
// total length up front for its -ENOSPC required-length writeback.
// pending is true while a send is still in flight.
func (r *response) Snapshot() (buf []byte, pending bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf, r.pending, r.err
}

// errNotReady is a sentinel consumed only by hostFdRead's n==0,err!=nil
// -> EAGAIN mapping; it is never surfaced past the fd boundary.
var errNotReady = io.ErrNoProgress
