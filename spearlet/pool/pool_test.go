package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/runtime/errs"
)

type fakeCreator struct {
	created  int
	maxCreate int
	reclaimed []string
}

func (c *fakeCreator) Create(ctx context.Context, taskID string) (*Instance, error) {
	if c.maxCreate > 0 && c.created >= c.maxCreate {
		return nil, errors.New("creator exhausted")
	}
	c.created++
	return &Instance{ID: taskID + "-inst-" + time.Now().Format("150405.000000000"), Capacity: 1}, nil
}

func (c *fakeCreator) Reclaim(ctx context.Context, inst *Instance) error {
	c.reclaimed = append(c.reclaimed, inst.ID)
	return nil
}

func TestPool_AcquireCreatesColdInstance(t *testing.T) {
	creator := &fakeCreator{}
	p := NewPool("t1", creator, nil, 0)
	inst, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, 1, creator.created)
	hot, warm, cold := p.Snapshot()
	assert.Equal(t, 1, hot)
	assert.Equal(t, 0, warm)
	assert.Equal(t, 0, cold)
}

func TestPool_AcquireReusesHotInstance(t *testing.T) {
	creator := &fakeCreator{}
	p := NewPool("t1", creator, nil, 0)
	first, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	p.Release(first)

	second, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, creator.created, "second acquire should reuse the hot instance, not create")
}

func TestPool_NoCapacityWhenCeilingReached(t *testing.T) {
	creator := &fakeCreator{}
	p := NewPool("t1", creator, nil, 1)
	_, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNoCapacity))
}

func TestPool_IdleReclaim(t *testing.T) {
	creator := &fakeCreator{}
	p := NewPool("t1", creator, nil, 0)
	inst, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	p.Release(inst)
	require.True(t, p.MarkWarm(inst.ID))

	errsOut := p.IdleReclaim(context.Background(), time.Millisecond, func(*Instance) time.Time {
		return time.Now().Add(-time.Hour)
	}, time.Now())
	assert.Empty(t, errsOut)
	assert.Contains(t, creator.reclaimed, inst.ID)
}

func TestScheduler_DispatchRespectsPerTaskCeiling(t *testing.T) {
	creator := &fakeCreator{}
	p := NewPool("t1", creator, nil, 0)
	sched := NewScheduler(Limits{PerTask: 1}, nil)
	sched.RegisterPool("t1", p)

	ticket1, err := sched.Dispatch(context.Background(), "t1", "fn", "")
	require.NoError(t, err)

	_, err = sched.Dispatch(context.Background(), "t1", "fn", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrOverloaded))

	ticket1.Release()
	ticket2, err := sched.Dispatch(context.Background(), "t1", "fn", "")
	require.NoError(t, err)
	ticket2.Release()
}

func TestScheduler_DispatchUnknownTask(t *testing.T) {
	sched := NewScheduler(Limits{}, nil)
	_, err := sched.Dispatch(context.Background(), "missing", "fn", "")
	require.Error(t, err)
}

func TestAdaptiveLimiter_BacksOffOnSlowObservations(t *testing.T) {
	a := newAdaptiveLimiter()
	a.threshold = 10
	for i := 0; i < 5; i++ {
		assert.True(t, a.Allow())
		a.Observe(100 * time.Millisecond)
	}
	assert.Less(t, a.budget, int64(64))
}
