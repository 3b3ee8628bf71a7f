// Package hostapi implements the host-API fd table and epoll substrate
// (C9): a POSIX-style readiness layer multiplexing chat completions,
// realtime ASR, and mic/log streams inside the sandbox. It is hand-written
// per spec.md §4.9/§8 — no pack repo implements guest-sandbox fd/epoll
// semantics; the errno mapping and packed records are spec-literal.
package hostapi

import (
	"sync"
	"syscall"
)

// Kind enumerates the fd families the table can allocate.
type Kind string

const (
	KindChatSession  Kind = "chat_session"
	KindChatResponse Kind = "chat_response"
	KindRtAsr        Kind = "rtasr"
	KindMic          Kind = "mic"
	KindEpoll        Kind = "epoll"
	KindGeneric      Kind = "generic"
)

// Event bits, packed into epoll records and PollMask results.
const (
	EventIn  int32 = 0x001
	EventOut int32 = 0x004
	EventErr int32 = 0x008
	EventHup int32 = 0x010
)

// Errno return codes (negative), per spec.md §4.9.
const (
	EBADF     int32 = -int32(syscall.EBADF)
	EINVAL    int32 = -int32(syscall.EINVAL)
	EAGAIN    int32 = -int32(syscall.EAGAIN)
	ENOSPC    int32 = -int32(syscall.ENOSPC)
	ENOTCONN  int32 = -int32(syscall.ENOTCONN)
	EPIPE     int32 = -int32(syscall.EPIPE)
	ETIMEDOUT int32 = -int32(syscall.ETIMEDOUT)
	EINTR     int32 = -int32(syscall.EINTR)
	ENOMEM    int32 = -int32(syscall.ENOMEM)
	// EACCES is returned for policy rejections (a session rewriting
	// task-level MCP keys), outside the core errno map.
	EACCES int32 = -int32(syscall.EACCES)
)

// Cmd enumerates spear_fd_ctl subcommands.
type Cmd int

const (
	CmdSetFlags Cmd = iota
	CmdGetFlags
	CmdGetKind
	CmdGetStatus
	CmdGetMetrics
	CmdClose
)

// ReadinessSource reports an inner resource's currently-true readiness bits,
// independent of any epoll interest mask. Implementations for ChatResponse,
// RtAsr, and Mic fds live in their owning packages (cchat, hostapi helpers);
// Generic fds use SettableReadiness.
type ReadinessSource interface {
	PollMask() int32
}

// Flags holds the two guest-settable fd flags.
type Flags struct {
	Nonblock bool
	Cloexec  bool
}

// Status is the JSON-shaped response to GET_STATUS.
type Status struct {
	Kind     Kind  `json:"kind"`
	Flags    Flags `json:"flags"`
	PollMask int32 `json:"poll_mask"`
	Closed   bool  `json:"closed"`
}

// Metrics is the JSON-shaped response to GET_METRICS. Inner is an opaque
// per-kind metrics payload the owning package supplies.
type Metrics struct {
	Kind  Kind `json:"kind"`
	Inner any  `json:"inner,omitempty"`
}

// MetricsSource is an optional capability an inner resource implements to
// surface kind-specific metrics through GET_METRICS.
type MetricsSource interface {
	Metrics() any
}

// entry is one fd's state. Lock ordering (host-side, per spec.md §4.9):
// epoll's watch-set lock before entry.mu. table.mu only guards the fd map:
// it is held briefly, no other lock is acquired while it is held, and it
// may be taken while an epoll lock is held (addWatcher/removeWatcher).
type entry struct {
	fd     int32
	kind   Kind
	inner  ReadinessSource
	flags  Flags
	closed bool

	mu       sync.Mutex
	watchers map[int32]struct{} // epfds currently watching this fd
}

func (e *entry) pollMask() int32 {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	var mask int32
	if e.inner != nil {
		mask = e.inner.PollMask()
	}
	if closed {
		mask |= EventHup
	}
	return mask
}

// Table is the per-guest-instance fd allocator. Fds are monotonically
// increasing i32s; the allocator never reuses a live fd.
type Table struct {
	mu      sync.Mutex
	entries map[int32]*entry
	next    int32
	onWake  func(epfd int32)
}

// NewTable constructs an empty Table with no wakeup callback. The callback,
// invoked with an epfd whenever a readiness transition may have occurred on
// an fd that epfd watches (the "wakeup rule", spec.md §4.9/§5), is installed
// afterwards via Table.SetWaker; Epoll wires this itself.
func NewTable() *Table {
	return &Table{entries: make(map[int32]*entry)}
}

// SetWaker installs the callback invoked on readiness-transition wakeups.
// Epoll calls this once at construction, binding itself as the table's
// notifier.
func (t *Table) SetWaker(fn func(epfd int32)) { t.onWake = fn }

// Alloc allocates a new fd of the given kind, backed by inner (which may be
// nil for kinds that manage their own readiness externally via Notify).
func (t *Table) Alloc(kind Kind, inner ReadinessSource) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	fd := t.next
	t.entries[fd] = &entry{fd: fd, kind: kind, inner: inner, watchers: make(map[int32]struct{})}
	return fd
}

func (t *Table) get(fd int32) (*entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fd]
	return e, ok
}

// Watchers returns the set of epfds currently watching fd (for the
// symmetry invariant in spec.md §3/§8).
func (t *Table) Watchers(fd int32) []int32 {
	e, ok := t.get(fd)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int32, 0, len(e.watchers))
	for epfd := range e.watchers {
		out = append(out, epfd)
	}
	return out
}

// addWatcher/removeWatcher are called by Epoll under its own watch-set
// lock, honoring the documented lock order (epoll lock held, then entry
// lock is acquired here).
func (t *Table) addWatcher(fd, epfd int32) bool {
	e, ok := t.get(fd)
	if !ok {
		return false
	}
	e.mu.Lock()
	e.watchers[epfd] = struct{}{}
	e.mu.Unlock()
	return true
}

func (t *Table) removeWatcher(fd, epfd int32) {
	e, ok := t.get(fd)
	if !ok {
		return
	}
	e.mu.Lock()
	delete(e.watchers, epfd)
	e.mu.Unlock()
}

// Notify must be called by any code path that transitions fd's readiness
// from absent to present (spec.md's wakeup rule). It fans the wakeup out to
// every epfd currently watching fd.
func (t *Table) Notify(fd int32) {
	e, ok := t.get(fd)
	if !ok {
		return
	}
	e.mu.Lock()
	watchers := make([]int32, 0, len(e.watchers))
	for epfd := range e.watchers {
		watchers = append(watchers, epfd)
	}
	e.mu.Unlock()
	if t.onWake == nil {
		return
	}
	for _, epfd := range watchers {
		t.onWake(epfd)
	}
}

// GetFlags returns fd's current flags, or EBADF if fd is unknown. The
// spear_fd_ctl hostcall (hostFdCtl in the wasm driver) decodes its JSON
// {"set":[...],"clear":[...]} argument itself and calls GetFlags/SetFlags
// with the decoded forms, keeping this package free of wasm-ABI string
// parsing concerns.
func (t *Table) GetFlags(fd int32) (Flags, int32) {
	e, ok := t.get(fd)
	if !ok {
		return Flags{}, EBADF
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags, 0
}

// SetFlags overwrites fd's flags and returns 0, or EBADF if fd is unknown.
func (t *Table) SetFlags(fd int32, flags Flags) int32 {
	e, ok := t.get(fd)
	if !ok {
		return EBADF
	}
	e.mu.Lock()
	e.flags = flags
	e.mu.Unlock()
	return 0
}

// GetKind returns fd's kind, or EBADF if unknown.
func (t *Table) GetKind(fd int32) (Kind, int32) {
	e, ok := t.get(fd)
	if !ok {
		return "", EBADF
	}
	return e.kind, 0
}

// GetStatus returns fd's full status snapshot, or EBADF if unknown.
func (t *Table) GetStatus(fd int32) (Status, int32) {
	e, ok := t.get(fd)
	if !ok {
		return Status{}, EBADF
	}
	e.mu.Lock()
	flags := e.flags
	closed := e.closed
	e.mu.Unlock()
	return Status{Kind: e.kind, Flags: flags, PollMask: e.pollMask(), Closed: closed}, 0
}

// GetMetrics returns the fd's kind-specific metrics if its inner resource
// implements MetricsSource, or an empty Metrics otherwise.
func (t *Table) GetMetrics(fd int32) (Metrics, int32) {
	e, ok := t.get(fd)
	if !ok {
		return Metrics{}, EBADF
	}
	m := Metrics{Kind: e.kind}
	if src, ok := e.inner.(MetricsSource); ok {
		m.Inner = src.Metrics()
	}
	return m, 0
}

// Close is idempotent: the first call marks the fd closed (poll mask gains
// HUP, watchers are woken) and returns 0; subsequent calls return EBADF.
// The allocator never reuses the fd afterward.
func (t *Table) Close(fd int32) int32 {
	e, ok := t.get(fd)
	if !ok {
		return EBADF
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return EBADF
	}
	e.closed = true
	e.mu.Unlock()
	t.Notify(fd) // closing transitions HUP absent->present: wake watchers
	return 0
}

// PollMask returns fd's currently-true readiness bits (HUP included once
// closed), or (0, EBADF) if fd is unknown.
func (t *Table) PollMask(fd int32) (int32, int32) {
	e, ok := t.get(fd)
	if !ok {
		return 0, EBADF
	}
	return e.pollMask(), 0
}

// Inner returns fd's backing ReadinessSource so callers (host-side I/O
// hostcalls) can type-assert it into a richer capability such as
// io.Reader/io.Writer. Returns (nil, EBADF) if fd is unknown.
func (t *Table) Inner(fd int32) (ReadinessSource, int32) {
	e, ok := t.get(fd)
	if !ok {
		return nil, EBADF
	}
	return e.inner, 0
}
