package hostapi

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_AllocAndStatus(t *testing.T) {
	tb := NewTable()
	fd, r := AllocGeneric(tb, 0)
	assert.Equal(t, int32(1), fd)

	st, rc := tb.GetStatus(fd)
	require.Equal(t, int32(0), rc)
	assert.Equal(t, KindGeneric, st.Kind)
	assert.False(t, st.Closed)

	r.Set(EventIn)
	mask, rc := tb.PollMask(fd)
	require.Equal(t, int32(0), rc)
	assert.Equal(t, EventIn, mask)
}

func TestTable_CloseIsIdempotent(t *testing.T) {
	tb := NewTable()
	fd, _ := AllocGeneric(tb, 0)

	rc := tb.Close(fd)
	assert.Equal(t, int32(0), rc)

	rc = tb.Close(fd)
	assert.Equal(t, EBADF, rc)

	mask, rc := tb.PollMask(fd)
	require.Equal(t, int32(0), rc)
	assert.Equal(t, EventHup, mask&EventHup)
}

func TestTable_UnknownFdReturnsEBADF(t *testing.T) {
	tb := NewTable()
	_, rc := tb.GetStatus(99)
	assert.Equal(t, EBADF, rc)
	assert.Equal(t, EBADF, tb.Close(99))
	assert.Equal(t, EBADF, tb.SetFlags(99, Flags{}))
}

func TestEpoll_CtlRejectsDuplicateAdd(t *testing.T) {
	tb := NewTable()
	mgr := NewEpollManager(tb)
	fd, _ := AllocGeneric(tb, 0)
	epfd := mgr.Create()

	assert.Equal(t, int32(0), mgr.Ctl(epfd, OpAdd, fd, EventIn))
	assert.Equal(t, EINVAL, mgr.Ctl(epfd, OpAdd, fd, EventIn))
	assert.Equal(t, int32(0), mgr.Ctl(epfd, OpMod, fd, EventIn|EventOut))
	assert.Equal(t, int32(0), mgr.Ctl(epfd, OpDel, fd, 0))
	assert.Equal(t, EINVAL, mgr.Ctl(epfd, OpDel, fd, 0))
}

func TestEpoll_CtlUnknownFdOrEpfd(t *testing.T) {
	tb := NewTable()
	mgr := NewEpollManager(tb)
	fd, _ := AllocGeneric(tb, 0)
	epfd := mgr.Create()

	assert.Equal(t, EBADF, mgr.Ctl(epfd, OpAdd, 999, EventIn))
	assert.Equal(t, EBADF, mgr.Ctl(999, OpAdd, fd, EventIn))
}

func TestEpoll_WaitReturnsReadyImmediately(t *testing.T) {
	tb := NewTable()
	mgr := NewEpollManager(tb)
	fd, r := AllocGeneric(tb, EventIn)
	epfd := mgr.Create()
	require.Equal(t, int32(0), mgr.Ctl(epfd, OpAdd, fd, EventIn))

	records, needed, rc := mgr.Wait(context.Background(), epfd, 64, time.Second)
	require.Equal(t, int32(1), rc)
	assert.Equal(t, 8, needed)
	require.Len(t, records, 1)
	assert.Equal(t, fd, records[0].Fd)
	assert.Equal(t, EventIn, records[0].Events)
	_ = r
}

func TestEpoll_WaitTimesOutWithNoneReady(t *testing.T) {
	tb := NewTable()
	mgr := NewEpollManager(tb)
	fd, _ := AllocGeneric(tb, 0)
	epfd := mgr.Create()
	require.Equal(t, int32(0), mgr.Ctl(epfd, OpAdd, fd, EventIn))

	records, _, rc := mgr.Wait(context.Background(), epfd, 64, 20*time.Millisecond)
	assert.Equal(t, int32(0), rc)
	assert.Empty(t, records)
}

func TestEpoll_WaitWokenByNotify(t *testing.T) {
	tb := NewTable()
	mgr := NewEpollManager(tb)
	fd, r := AllocGeneric(tb, 0)
	epfd := mgr.Create()
	require.Equal(t, int32(0), mgr.Ctl(epfd, OpAdd, fd, EventIn))

	done := make(chan struct{})
	var records []Record
	var rc int32
	go func() {
		records, _, rc = mgr.Wait(context.Background(), epfd, 64, 5*time.Second)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	r.Set(EventIn)
	tb.Notify(fd)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake up on Notify")
	}
	require.Equal(t, int32(1), rc)
	require.Len(t, records, 1)
	assert.Equal(t, fd, records[0].Fd)
}

func TestEpoll_WaitZeroCapacityReturnsENOSPC(t *testing.T) {
	tb := NewTable()
	mgr := NewEpollManager(tb)
	fd, _ := AllocGeneric(tb, EventIn)
	epfd := mgr.Create()
	require.Equal(t, int32(0), mgr.Ctl(epfd, OpAdd, fd, EventIn))

	records, needed, rc := mgr.Wait(context.Background(), epfd, 0, time.Second)
	assert.Equal(t, ENOSPC, rc)
	assert.Equal(t, 8, needed)
	assert.Nil(t, records)
}

func TestEpoll_WaitTruncatesToBufferCapacity(t *testing.T) {
	tb := NewTable()
	mgr := NewEpollManager(tb)
	fd1, _ := AllocGeneric(tb, EventIn)
	fd2, _ := AllocGeneric(tb, EventIn)
	epfd := mgr.Create()
	require.Equal(t, int32(0), mgr.Ctl(epfd, OpAdd, fd1, EventIn))
	require.Equal(t, int32(0), mgr.Ctl(epfd, OpAdd, fd2, EventIn))

	// Room for exactly one record: one comes back now, the other stays
	// reported on the next (level-triggered) call.
	records, needed, rc := mgr.Wait(context.Background(), epfd, 8, time.Second)
	require.Equal(t, int32(1), rc)
	assert.Equal(t, 8, needed)
	require.Len(t, records, 1)
	assert.Equal(t, fd1, records[0].Fd)

	again, _, rc := mgr.Wait(context.Background(), epfd, 64, time.Second)
	require.Equal(t, int32(2), rc)
	assert.Len(t, again, 2)
}

func TestEpoll_CloseRemovesWatchersAndIsIdempotent(t *testing.T) {
	tb := NewTable()
	mgr := NewEpollManager(tb)
	fd, _ := AllocGeneric(tb, 0)
	epfd := mgr.Create()
	require.Equal(t, int32(0), mgr.Ctl(epfd, OpAdd, fd, EventIn))
	assert.Len(t, tb.Watchers(fd), 1)

	assert.Equal(t, int32(0), mgr.Close(epfd))
	assert.Empty(t, tb.Watchers(fd))
	assert.Equal(t, EBADF, mgr.Close(epfd))
}

func TestEpoll_LevelTriggeredRescanSeesSameReadyTwice(t *testing.T) {
	tb := NewTable()
	mgr := NewEpollManager(tb)
	fd, _ := AllocGeneric(tb, EventIn)
	epfd := mgr.Create()
	require.Equal(t, int32(0), mgr.Ctl(epfd, OpAdd, fd, EventIn))

	first, _, rc1 := mgr.Wait(context.Background(), epfd, 64, time.Second)
	second, _, rc2 := mgr.Wait(context.Background(), epfd, 64, time.Second)
	require.Equal(t, int32(1), rc1)
	require.Equal(t, int32(1), rc2)
	assert.Equal(t, first, second, "level-triggered wait must report the same unconsumed readiness again")
}

// TestEpoll_RecordsAreSortedAndUnique verifies the wait-result invariant
// from spec.md §8: records come back ascending by fd with no duplicates,
// for any subset of watched fds independently marked ready.
func TestEpoll_RecordsAreSortedAndUnique(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("ready records are sorted ascending by fd with no duplicates", prop.ForAll(
		func(readyFlags []bool) bool {
			tb := NewTable()
			mgr := NewEpollManager(tb)
			epfd := mgr.Create()

			var expectReady []int32
			for _, ready := range readyFlags {
				mask := int32(0)
				if ready {
					mask = EventIn
				}
				fd, _ := AllocGeneric(tb, mask)
				if mgr.Ctl(epfd, OpAdd, fd, EventIn) != 0 {
					return false
				}
				if ready {
					expectReady = append(expectReady, fd)
				}
			}

			capacity := (len(expectReady) + 1) * 8
			records, needed, rc := mgr.Wait(context.Background(), epfd, capacity, time.Millisecond)
			if len(expectReady) == 0 {
				return rc == 0 && len(records) == 0
			}
			if rc != int32(len(expectReady)) || needed != len(expectReady)*8 {
				return false
			}
			seen := make(map[int32]bool, len(records))
			for i, r := range records {
				if seen[r.Fd] {
					return false
				}
				seen[r.Fd] = true
				if i > 0 && records[i-1].Fd >= r.Fd {
					return false
				}
			}
			sortedExpect := append([]int32(nil), expectReady...)
			sort.Slice(sortedExpect, func(i, j int) bool { return sortedExpect[i] < sortedExpect[j] })
			for i, r := range records {
				if r.Fd != sortedExpect[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestEncodeRecords_PacksLittleEndian8ByteEntries(t *testing.T) {
	buf := EncodeRecords([]Record{{Fd: 3, Events: EventIn}, {Fd: 7, Events: EventOut | EventHup}})
	require.Len(t, buf, 16)
	assert.Equal(t, []byte{3, 0, 0, 0, 1, 0, 0, 0}, buf[:8])
	assert.Equal(t, []byte{7, 0, 0, 0, 0x14, 0, 0, 0}, buf[8:])
}
