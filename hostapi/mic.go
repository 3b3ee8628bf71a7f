package hostapi

import "sync"

// MicMetrics is the GET_METRICS payload for a mic fd.
type MicMetrics struct {
	FramesCaptured uint64 `json:"frames_captured"`
	BytesCaptured  uint64 `json:"bytes_captured"`
	DroppedFrames  uint64 `json:"dropped_frames"`
}

// MicDevice is the inner resource behind a KindMic fd: a bounded queue of
// captured audio frames the host-side capture source pushes into. IN is
// ready while at least one frame (or the tail of one) is pending.
type MicDevice struct {
	table *Table
	fd    int32

	mu       sync.Mutex
	frames   [][]byte
	partial  []byte
	maxDepth int
	metrics  MicMetrics
}

const defaultMicDepth = 64

var _ ReadinessSource = (*MicDevice)(nil)
var _ MetricsSource = (*MicDevice)(nil)

// OpenMic allocates a KindMic fd backed by a fresh device queue. depth <= 0
// uses the package default.
func OpenMic(t *Table, depth int) (int32, *MicDevice) {
	if depth <= 0 {
		depth = defaultMicDepth
	}
	d := &MicDevice{table: t, maxDepth: depth}
	d.fd = t.Alloc(KindMic, d)
	return d.fd, d
}

// Fd returns the device's fd.
func (d *MicDevice) Fd() int32 { return d.fd }

// PushFrame is called by the capture source with one audio frame. Overflow
// drops the oldest frame (drop_oldest) and counts it.
func (d *MicDevice) PushFrame(frame []byte) {
	d.mu.Lock()
	if len(d.frames) >= d.maxDepth {
		d.frames = d.frames[1:]
		d.metrics.DroppedFrames++
	}
	d.frames = append(d.frames, frame)
	d.metrics.FramesCaptured++
	d.metrics.BytesCaptured += uint64(len(frame))
	d.mu.Unlock()
	d.table.Notify(d.fd)
}

// Read pops captured bytes, whole frames in order, resuming mid-frame
// after a short buffer. Empty queue returns ErrAgain.
func (d *MicDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.partial) == 0 {
		if len(d.frames) == 0 {
			return 0, ErrAgain
		}
		d.partial = d.frames[0]
		d.frames = d.frames[1:]
	}
	n := copy(p, d.partial)
	d.partial = d.partial[n:]
	return n, nil
}

// PollMask implements ReadinessSource.
func (d *MicDevice) PollMask() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.frames) > 0 || len(d.partial) > 0 {
		return EventIn
	}
	return 0
}

// Metrics implements MetricsSource.
func (d *MicDevice) Metrics() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.metrics
	return m
}

// Close closes the mic fd; pending frames are discarded.
func (d *MicDevice) Close() int32 {
	d.mu.Lock()
	d.frames = nil
	d.partial = nil
	d.mu.Unlock()
	return d.table.Close(d.fd)
}
