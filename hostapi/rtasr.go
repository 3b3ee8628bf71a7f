package hostapi

import (
	"context"
	"errors"
	"sync"
)

// I/O sentinels for fd inner resources. The wasm hostcall layer maps these
// to the guest-visible errno returns (EAGAIN, ENOTCONN, EPIPE).
var (
	// ErrAgain means the operation would block: nothing to read, or no room
	// to write. The guest parks on epoll and retries.
	ErrAgain = errors.New("hostapi: resource temporarily unavailable")
	// ErrNotConnected means the session has no live upstream transport yet.
	ErrNotConnected = errors.New("hostapi: not connected")
	// ErrClosedWrite means the session's write side was shut down or the
	// session is closed.
	ErrClosedWrite = errors.New("hostapi: write side closed")
)

// RtAsrCmd enumerates rtasr_ctl subcommands.
type RtAsrCmd int32

const (
	RtAsrCmdSetParam RtAsrCmd = iota
	RtAsrCmdConnect
	RtAsrCmdGetStatus
	RtAsrCmdShutdownWrite
	RtAsrCmdGetMetrics
)

// RtAsrTransport is the host-side connection to an upstream realtime ASR
// backend. The session pumps queued audio frames into Send from its own
// goroutine; the transport pushes recognition results back by calling the
// session's Deliver, and reports terminal failures via Fail. Credentials
// are resolved by the transport's constructor host-side; the session (and
// the guest behind it) never sees them.
type RtAsrTransport interface {
	Send(ctx context.Context, frame []byte) error
	// CloseSend half-closes the upstream (SHUTDOWN_WRITE): no more audio,
	// results may continue to arrive.
	CloseSend() error
	Close() error
}

// RtAsrMetrics is the GET_METRICS payload for an rtasr fd.
type RtAsrMetrics struct {
	FramesSent     uint64 `json:"frames_sent"`
	FramesReceived uint64 `json:"frames_received"`
	BytesSent      uint64 `json:"bytes_sent"`
	BytesReceived  uint64 `json:"bytes_received"`
	DroppedFrames  uint64 `json:"dropped_frames"`
}

// RtAsrSession is the inner resource behind a KindRtAsr fd: a bounded send
// queue the guest writes audio frames into and a bounded recv queue the
// transport delivers recognition results into. Readiness: IN while the
// recv queue is non-empty, OUT while the send queue has room on a live,
// not-write-shutdown connection, ERR after a transport failure. HUP is the
// fd table's, added on close.
type RtAsrSession struct {
	table *Table
	fd    int32

	mu        sync.Mutex
	params    map[string]string
	transport RtAsrTransport
	connected bool
	sendDone  bool
	failure   error

	sendCh  chan []byte
	recv    [][]byte
	partial []byte // remainder of a frame a short Read left behind
	maxRecv int

	metrics RtAsrMetrics

	pumpWG sync.WaitGroup
}

const (
	defaultRtAsrSendDepth = 32
	defaultRtAsrRecvDepth = 64
)

var _ ReadinessSource = (*RtAsrSession)(nil)
var _ MetricsSource = (*RtAsrSession)(nil)

// OpenRtAsr allocates a KindRtAsr fd backed by a fresh session. The session
// starts unconnected; SetParam then Connect drive it live.
func OpenRtAsr(t *Table) (int32, *RtAsrSession) {
	s := &RtAsrSession{
		table:   t,
		params:  make(map[string]string),
		sendCh:  make(chan []byte, defaultRtAsrSendDepth),
		maxRecv: defaultRtAsrRecvDepth,
	}
	s.fd = t.Alloc(KindRtAsr, s)
	return s.fd, s
}

// Fd returns the session's fd.
func (s *RtAsrSession) Fd() int32 { return s.fd }

// SetParam records a session parameter (language, sample rate, backend
// selector). Parameters are opaque here; the transport constructor reads
// them at Connect time.
func (s *RtAsrSession) SetParam(key, value string) int32 {
	if key == "" {
		return EINVAL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return EINVAL
	}
	s.params[key] = value
	return 0
}

// Param returns a previously set parameter.
func (s *RtAsrSession) Param(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params[key]
}

// Connect binds the session to transport and starts the send pump. A
// second Connect returns EINVAL.
func (s *RtAsrSession) Connect(ctx context.Context, transport RtAsrTransport) int32 {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return EINVAL
	}
	s.transport = transport
	s.connected = true
	s.mu.Unlock()

	s.pumpWG.Add(1)
	go s.pump(ctx, transport)
	s.table.Notify(s.fd) // OUT transitioned absent -> present
	return 0
}

func (s *RtAsrSession) pump(ctx context.Context, transport RtAsrTransport) {
	defer s.pumpWG.Done()
	for {
		select {
		case <-ctx.Done():
			s.Fail(ctx.Err())
			return
		case frame, ok := <-s.sendCh:
			if !ok {
				_ = transport.CloseSend()
				return
			}
			if err := transport.Send(ctx, frame); err != nil {
				s.Fail(err)
				return
			}
			s.mu.Lock()
			s.metrics.FramesSent++
			s.metrics.BytesSent += uint64(len(frame))
			s.mu.Unlock()
			s.table.Notify(s.fd) // send queue drained: OUT may be newly true
		}
	}
}

// Write enqueues one audio frame for the upstream. Non-blocking: a full
// send queue returns ErrAgain and the guest parks on OUT.
func (s *RtAsrSession) Write(p []byte) (int, error) {
	s.mu.Lock()
	switch {
	case s.failure != nil:
		err := s.failure
		s.mu.Unlock()
		return 0, err
	case !s.connected:
		s.mu.Unlock()
		return 0, ErrNotConnected
	case s.sendDone:
		s.mu.Unlock()
		return 0, ErrClosedWrite
	}
	frame := make([]byte, len(p))
	copy(frame, p)
	select {
	case s.sendCh <- frame:
		s.mu.Unlock()
		return len(p), nil
	default:
		s.mu.Unlock()
		return 0, ErrAgain
	}
}

// ShutdownWrite half-closes the session: the pump drains what's queued,
// then calls the transport's CloseSend. Idempotent.
func (s *RtAsrSession) ShutdownWrite() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone {
		return 0
	}
	s.sendDone = true
	if s.connected {
		close(s.sendCh)
	}
	return 0
}

// Deliver is called by the transport with one recognition result frame.
// The recv queue is bounded; overflow drops the oldest frame and counts it
// (drop_oldest, surfaced via GET_METRICS).
func (s *RtAsrSession) Deliver(frame []byte) {
	s.mu.Lock()
	if len(s.recv) >= s.maxRecv {
		s.recv = s.recv[1:]
		s.metrics.DroppedFrames++
	}
	s.recv = append(s.recv, frame)
	s.metrics.FramesReceived++
	s.metrics.BytesReceived += uint64(len(frame))
	s.mu.Unlock()
	s.table.Notify(s.fd) // IN transitioned absent -> present
}

// Fail marks the session failed; readiness gains ERR and watchers wake.
func (s *RtAsrSession) Fail(err error) {
	s.mu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.mu.Unlock()
	s.table.Notify(s.fd)
}

// Err returns the session's terminal failure, if any.
func (s *RtAsrSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Read pops recognition bytes: whole frames in order, with a short buffer
// resuming mid-frame on the next call. Empty queue returns ErrAgain; the
// guest drains until then per the level-triggered contract.
func (s *RtAsrSession) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.partial) == 0 {
		if len(s.recv) == 0 {
			if s.failure != nil {
				return 0, s.failure
			}
			return 0, ErrAgain
		}
		s.partial = s.recv[0]
		s.recv = s.recv[1:]
	}
	n := copy(p, s.partial)
	s.partial = s.partial[n:]
	return n, nil
}

// PollMask implements ReadinessSource.
func (s *RtAsrSession) PollMask() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var mask int32
	if len(s.recv) > 0 || len(s.partial) > 0 {
		mask |= EventIn
	}
	if s.connected && !s.sendDone && s.failure == nil && len(s.sendCh) < cap(s.sendCh) {
		mask |= EventOut
	}
	if s.failure != nil {
		mask |= EventErr
	}
	return mask
}

// Metrics implements MetricsSource.
func (s *RtAsrSession) Metrics() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metrics
	return m
}

// Close shuts the write side, closes the transport, and closes the fd
// (watchers observe HUP via the table). Safe to call more than once.
func (s *RtAsrSession) Close() int32 {
	s.ShutdownWrite()
	s.pumpWG.Wait()
	s.mu.Lock()
	transport := s.transport
	s.transport = nil
	s.mu.Unlock()
	if transport != nil {
		_ = transport.Close()
	}
	return s.table.Close(s.fd)
}
