package hostapi

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"time"
)

// Op enumerates spear_epoll_ctl operations.
type Op int

const (
	OpAdd Op = iota
	OpMod
	OpDel
)

// Record is one ready event: an fd and the readiness bits that matched its
// registered interest. Encoded on the wire as a packed little-endian 8-byte
// pair (fd i32, events i32).
type Record struct {
	Fd     int32
	Events int32
}

// EncodeRecords packs records into the wire format spear_epoll_wait writes
// into guest memory: records sorted ascending by fd, no duplicate fds, each
// 8 bytes little-endian.
func EncodeRecords(records []Record) []byte {
	buf := make([]byte, len(records)*8)
	for i, r := range records {
		binary.LittleEndian.PutUint32(buf[i*8:], uint32(r.Fd))
		binary.LittleEndian.PutUint32(buf[i*8+4:], uint32(r.Events))
	}
	return buf
}

type epollState struct {
	mu     sync.Mutex
	watch  map[int32]int32 // fd -> interest mask
	closed bool
	wakeCh chan struct{}
}

func newEpollState() *epollState {
	return &epollState{watch: make(map[int32]int32), wakeCh: make(chan struct{})}
}

func (st *epollState) broadcastLocked() {
	close(st.wakeCh)
	st.wakeCh = make(chan struct{})
}

// EpollManager implements the epoll half of the host-API substrate
// (spear_epoll_create/ctl/wait/close). One EpollManager is bound to exactly
// one Table; epfds are allocated from that table's fd namespace so the
// table's "never reuse a live fd" invariant covers them too.
type EpollManager struct {
	table *Table

	mu     sync.Mutex
	states map[int32]*epollState
}

// NewEpollManager constructs a manager bound to t and installs itself as
// t's readiness-transition waker.
func NewEpollManager(t *Table) *EpollManager {
	m := &EpollManager{table: t, states: make(map[int32]*epollState)}
	t.SetWaker(m.wake)
	return m
}

func (m *EpollManager) getState(epfd int32) (*epollState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[epfd]
	return st, ok
}

func (m *EpollManager) wake(epfd int32) {
	st, ok := m.getState(epfd)
	if !ok {
		return
	}
	st.mu.Lock()
	st.broadcastLocked()
	st.mu.Unlock()
}

// Create allocates a new epoll instance and returns its epfd.
func (m *EpollManager) Create() int32 {
	epfd := m.table.Alloc(KindEpoll, nil)
	m.mu.Lock()
	m.states[epfd] = newEpollState()
	m.mu.Unlock()
	return epfd
}

// Ctl adds, modifies, or removes fd's registration on epfd's watch set.
// Returns 0 on success, or a negative errno: EBADF if epfd is
// unknown/closed or fd is unknown, EINVAL for ADD-on-existing,
// MOD/DEL-on-absent.
func (m *EpollManager) Ctl(epfd int32, op Op, fd int32, events int32) int32 {
	st, ok := m.getState(epfd)
	if !ok {
		return EBADF
	}
	if _, ok := m.table.get(fd); !ok {
		return EBADF
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return EBADF
	}

	switch op {
	case OpAdd:
		if _, exists := st.watch[fd]; exists {
			return EINVAL
		}
		st.watch[fd] = events
		m.table.addWatcher(fd, epfd)
	case OpMod:
		if _, exists := st.watch[fd]; !exists {
			return EINVAL
		}
		st.watch[fd] = events
	case OpDel:
		if _, exists := st.watch[fd]; !exists {
			return EINVAL
		}
		delete(st.watch, fd)
		m.table.removeWatcher(fd, epfd)
	default:
		return EINVAL
	}
	st.broadcastLocked() // an added/changed interest may already be satisfied
	return 0
}

func (m *EpollManager) readyRecordsLocked(st *epollState) []Record {
	fds := make([]int32, 0, len(st.watch))
	for fd := range st.watch {
		fds = append(fds, fd)
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i] < fds[j] })

	records := make([]Record, 0, len(fds))
	for _, fd := range fds {
		interest := st.watch[fd]
		e, ok := m.table.get(fd)
		if !ok {
			continue
		}
		matched := e.pollMask() & interest
		if matched != 0 {
			records = append(records, Record{Fd: fd, Events: matched})
		}
	}
	return records
}

// Wait blocks (level-triggered: every call rescans current readiness, never
// consuming it) until at least one watched fd is ready, the timeout
// elapses, or ctx is cancelled. capacityBytes is the guest-supplied output
// buffer size; if it can't hold even one 8-byte record, Wait returns ENOSPC
// with neededBytes=8. A buffer that holds some-but-not-all ready records
// truncates: at most floor(capacity/8) records come back, and the rest stay
// reported on the next call (level-triggered rescan).
//
// timeout == 0 polls once and returns immediately; timeout < 0 waits
// without a deadline. On success rc is the number of records returned (0 on
// a timeout with nothing ready). Spurious wakeups are permitted internally;
// Wait always loops scan -> wait -> rescan until a real result is
// available.
func (m *EpollManager) Wait(ctx context.Context, epfd int32, capacityBytes int, timeout time.Duration) (records []Record, neededBytes int, rc int32) {
	st, ok := m.getState(epfd)
	if !ok {
		return nil, 0, EBADF
	}
	if capacityBytes < 8 {
		return nil, 8, ENOSPC
	}

	deadline := time.Now().Add(timeout)
	noTimeout := timeout < 0

	for {
		st.mu.Lock()
		if st.closed {
			st.mu.Unlock()
			return nil, 0, EBADF
		}
		ready := m.readyRecordsLocked(st)
		wakeCh := st.wakeCh
		st.mu.Unlock()

		if len(ready) > 0 {
			if max := capacityBytes / 8; len(ready) > max {
				ready = ready[:max]
			}
			return ready, len(ready) * 8, int32(len(ready))
		}

		var remaining time.Duration
		if !noTimeout {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return nil, 0, 0 // timeout elapsed, zero events
			}
		}

		select {
		case <-wakeCh:
		case <-ctx.Done():
			return nil, 0, EINTR
		case <-timeoutChan(noTimeout, remaining):
			if !noTimeout {
				return nil, 0, 0
			}
		}
	}
}

func timeoutChan(noTimeout bool, remaining time.Duration) <-chan time.Time {
	if noTimeout {
		return nil
	}
	return time.After(remaining)
}

// Close tears down epfd: removes it from every watched fd's watcher set,
// marks it closed (waking any in-flight Wait), and returns 0. Idempotent:
// repeat calls return EBADF.
func (m *EpollManager) Close(epfd int32) int32 {
	st, ok := m.getState(epfd)
	if !ok {
		return EBADF
	}
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return EBADF
	}
	st.closed = true
	fds := make([]int32, 0, len(st.watch))
	for fd := range st.watch {
		fds = append(fds, fd)
	}
	st.watch = nil
	st.broadcastLocked()
	st.mu.Unlock()

	for _, fd := range fds {
		m.table.removeWatcher(fd, epfd)
	}

	m.mu.Lock()
	delete(m.states, epfd)
	m.mu.Unlock()

	return m.table.Close(epfd)
}
