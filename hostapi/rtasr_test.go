package hostapi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAsrTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	sendDone bool
	closed   bool
	sendErr  error
}

func (f *fakeAsrTransport) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeAsrTransport) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendDone = true
	return nil
}

func (f *fakeAsrTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeAsrTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// TestRtAsr_LevelTriggeredDrain is the end-to-end readiness drain from
// spec.md §8 scenario 6: three queued frames report IN once, reads drain to
// EAGAIN, a zero-timeout wait then reports nothing, and a fresh frame
// re-arms IN.
func TestRtAsr_LevelTriggeredDrain(t *testing.T) {
	tb := NewTable()
	mgr := NewEpollManager(tb)
	fd, sess := OpenRtAsr(tb)
	epfd := mgr.Create()
	require.Equal(t, int32(0), mgr.Ctl(epfd, OpAdd, fd, EventIn|EventErr|EventHup))

	sess.Deliver([]byte("one"))
	sess.Deliver([]byte("two"))
	sess.Deliver([]byte("three"))

	records, _, rc := mgr.Wait(context.Background(), epfd, 64, time.Second)
	require.Equal(t, int32(1), rc)
	require.Len(t, records, 1)
	assert.Equal(t, fd, records[0].Fd)
	assert.Equal(t, EventIn, records[0].Events&EventIn)

	buf := make([]byte, 16)
	for i := 0; i < 3; i++ {
		n, err := sess.Read(buf)
		require.NoError(t, err)
		assert.Positive(t, n)
	}
	_, err := sess.Read(buf)
	assert.ErrorIs(t, err, ErrAgain)

	records, _, rc = mgr.Wait(context.Background(), epfd, 64, 0)
	assert.Equal(t, int32(0), rc)
	assert.Empty(t, records)

	sess.Deliver([]byte("four"))
	records, _, rc = mgr.Wait(context.Background(), epfd, 64, time.Second)
	require.Equal(t, int32(1), rc)
	assert.Equal(t, EventIn, records[0].Events&EventIn)
}

func TestRtAsr_WriteRequiresConnect(t *testing.T) {
	tb := NewTable()
	_, sess := OpenRtAsr(tb)

	_, err := sess.Write([]byte("audio"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRtAsr_ConnectPumpsWritesAndShutdownHalfCloses(t *testing.T) {
	tb := NewTable()
	fd, sess := OpenRtAsr(tb)
	transport := &fakeAsrTransport{}

	require.Equal(t, int32(0), sess.SetParam("language", "en"))
	require.Equal(t, int32(0), sess.Connect(context.Background(), transport))
	assert.Equal(t, EINVAL, sess.Connect(context.Background(), transport))

	mask, rc := tb.PollMask(fd)
	require.Equal(t, int32(0), rc)
	assert.Equal(t, EventOut, mask&EventOut)

	n, err := sess.Write([]byte("frame-1"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	require.Eventually(t, func() bool { return transport.sentCount() == 1 }, time.Second, 5*time.Millisecond)

	require.Equal(t, int32(0), sess.ShutdownWrite())
	_, err = sess.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrClosedWrite)

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return transport.sendDone
	}, time.Second, 5*time.Millisecond)
}

func TestRtAsr_TransportFailureRaisesErr(t *testing.T) {
	tb := NewTable()
	mgr := NewEpollManager(tb)
	fd, sess := OpenRtAsr(tb)
	epfd := mgr.Create()
	require.Equal(t, int32(0), mgr.Ctl(epfd, OpAdd, fd, EventIn|EventErr))

	transport := &fakeAsrTransport{sendErr: errors.New("upstream refused")}
	require.Equal(t, int32(0), sess.Connect(context.Background(), transport))
	_, err := sess.Write([]byte("frame"))
	require.NoError(t, err)

	records, _, rc := mgr.Wait(context.Background(), epfd, 64, time.Second)
	require.Equal(t, int32(1), rc)
	assert.Equal(t, EventErr, records[0].Events&EventErr)
	assert.Error(t, sess.Err())
}

func TestRtAsr_CloseReportsHupAndClosesTransport(t *testing.T) {
	tb := NewTable()
	fd, sess := OpenRtAsr(tb)
	transport := &fakeAsrTransport{}
	require.Equal(t, int32(0), sess.Connect(context.Background(), transport))

	require.Equal(t, int32(0), sess.Close())
	mask, rc := tb.PollMask(fd)
	require.Equal(t, int32(0), rc)
	assert.Equal(t, EventHup, mask&EventHup)

	transport.mu.Lock()
	closed := transport.closed
	transport.mu.Unlock()
	assert.True(t, closed)
}

func TestRtAsr_RecvOverflowDropsOldest(t *testing.T) {
	tb := NewTable()
	_, sess := OpenRtAsr(tb)
	for i := 0; i < defaultRtAsrRecvDepth+5; i++ {
		sess.Deliver([]byte{byte(i)})
	}
	m := sess.Metrics().(RtAsrMetrics)
	assert.Equal(t, uint64(5), m.DroppedFrames)
	assert.Equal(t, uint64(defaultRtAsrRecvDepth+5), m.FramesReceived)
}

func TestMic_FrameAvailabilityDrivesIn(t *testing.T) {
	tb := NewTable()
	mgr := NewEpollManager(tb)
	fd, mic := OpenMic(tb, 4)
	epfd := mgr.Create()
	require.Equal(t, int32(0), mgr.Ctl(epfd, OpAdd, fd, EventIn))

	records, _, rc := mgr.Wait(context.Background(), epfd, 64, 0)
	assert.Equal(t, int32(0), rc)
	assert.Empty(t, records)

	mic.PushFrame([]byte("pcm"))
	records, _, rc = mgr.Wait(context.Background(), epfd, 64, time.Second)
	require.Equal(t, int32(1), rc)
	assert.Equal(t, EventIn, records[0].Events)

	buf := make([]byte, 8)
	n, err := mic.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pcm", string(buf[:n]))

	_, err = mic.Read(buf)
	assert.ErrorIs(t, err, ErrAgain)
}

func TestMic_OverflowDropsOldest(t *testing.T) {
	tb := NewTable()
	_, mic := OpenMic(tb, 2)
	mic.PushFrame([]byte("a"))
	mic.PushFrame([]byte("b"))
	mic.PushFrame([]byte("c"))

	m := mic.Metrics().(MicMetrics)
	assert.Equal(t, uint64(1), m.DroppedFrames)

	buf := make([]byte, 4)
	n, err := mic.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "b", string(buf[:n]))
}

func TestMic_ShortReadResumesMidFrame(t *testing.T) {
	tb := NewTable()
	fd, mic := OpenMic(tb, 4)
	mic.PushFrame([]byte("abcdef"))

	buf := make([]byte, 4)
	n, err := mic.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]))

	mask, rc := tb.PollMask(fd)
	require.Equal(t, int32(0), rc)
	assert.Equal(t, EventIn, mask, "a partially read frame keeps IN asserted")

	n, err = mic.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(buf[:n]))
}
