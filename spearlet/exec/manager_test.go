package exec

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/runtime/payload"
	"github.com/lfedgeai/spear/runtime/registry"
	"github.com/lfedgeai/spear/spearlet/driver"
	"github.com/lfedgeai/spear/spearlet/pool"
)

type fakeHandle struct{ id string }

func (h fakeHandle) ID() string { return h.id }

type fakeDriver struct {
	result driver.Result
	err    error
	delay  time.Duration

	chOnce sync.Once
	ch     chan driver.CompletionSignal
}

func (d *fakeDriver) CreateInstance(ctx context.Context, spec driver.Spec) (driver.Handle, error) {
	return fakeHandle{id: spec.InstanceID}, nil
}
func (d *fakeDriver) StartInstance(ctx context.Context, h driver.Handle) error { return nil }
func (d *fakeDriver) StopInstance(ctx context.Context, h driver.Handle) error  { return nil }

func (d *fakeDriver) completions() chan driver.CompletionSignal {
	d.chOnce.Do(func() { d.ch = make(chan driver.CompletionSignal, 8) })
	return d.ch
}

func (d *fakeDriver) Completions() <-chan driver.CompletionSignal { return d.completions() }

func (d *fakeDriver) Execute(ctx context.Context, h driver.Handle, req driver.Request) (driver.Result, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return driver.Result{}, ctx.Err()
		}
	}
	return d.result, d.err
}

// Dispatch mimics a real driver's fire-and-forget path: it runs Execute in
// the background and reports the outcome over Completions, exercising the
// same onCompletion path production Async dispatch relies on.
func (d *fakeDriver) Dispatch(ctx context.Context, h driver.Handle, req driver.Request) error {
	go func() {
		res, err := d.Execute(context.Background(), h, req)
		sig := driver.CompletionSignal{ExecutionID: req.ExecutionID, InstanceID: h.ID(), FinalLogs: true}
		if err != nil {
			sig.Status = driver.StatusError
			sig.ErrMessage = err.Error()
		} else {
			sig.Status = res.Status
			sig.Output = res.Output
			sig.ErrMessage = res.ErrMessage
		}
		d.completions() <- sig
	}()
	return nil
}

func newTestManager(t *testing.T, fd *fakeDriver) (*Manager, *DriverCreator) {
	t.Helper()
	execs := registry.NewExecutionRegistry(nil, registry.NewObservability(nil, nil, nil))
	drivers := driver.NewRegistry()
	drivers.Register(registry.ExecutableWasm, fd)

	creator := NewDriverCreator(drivers, registry.ExecutableWasm, func(ctx context.Context, taskID string) (driver.Spec, error) {
		return driver.Spec{InstanceID: taskID + "-inst"}, nil
	})
	sched := pool.NewScheduler(pool.Limits{}, nil)
	sched.RegisterPool("task-1", pool.NewPool("task-1", creator, nil, 0))

	mgr := New(execs, sched, creator, drivers, Options{})
	mgr.Start(context.Background())
	t.Cleanup(mgr.Close)
	return mgr, creator
}

func TestManager_SubmitSyncCompletes(t *testing.T) {
	fd := &fakeDriver{result: driver.Result{Status: driver.StatusOK, Output: payload.Text("done")}}
	mgr, _ := newTestManager(t, fd)

	resp, err := mgr.Submit(context.Background(), Request{
		ExecutionID: "e1", InvocationID: "i1", RequestID: "r1", TaskID: "task-1", Mode: ModeSync,
		Input: payload.Text("hi"),
	})
	require.NoError(t, err)
	assert.Equal(t, registry.ExecutionCompleted, resp.Status)
	assert.Equal(t, "done", string(resp.Output.Bytes))

	exec, found := mgr.GetExecution(context.Background(), "e1")
	require.True(t, found)
	assert.Equal(t, registry.ExecutionCompleted, exec.Status)
}

func TestManager_SubmitIdempotentReplay(t *testing.T) {
	fd := &fakeDriver{result: driver.Result{Status: driver.StatusOK, Output: payload.Text("done")}}
	mgr, _ := newTestManager(t, fd)

	req := Request{ExecutionID: "e1", InvocationID: "i1", RequestID: "r1", TaskID: "task-1", Mode: ModeSync}
	first, err := mgr.Submit(context.Background(), req)
	require.NoError(t, err)

	second, err := mgr.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.ExecutionID, second.ExecutionID)
}

func TestManager_SubmitDifferentRequestIDSameExecutionIsRejected(t *testing.T) {
	fd := &fakeDriver{result: driver.Result{Status: driver.StatusOK}}
	mgr, _ := newTestManager(t, fd)

	req := Request{ExecutionID: "e1", InvocationID: "i1", RequestID: "r1", TaskID: "task-1", Mode: ModeSync}
	_, err := mgr.Submit(context.Background(), req)
	require.NoError(t, err)

	req.RequestID = "r2"
	_, err = mgr.Submit(context.Background(), req)
	require.Error(t, err)
}

func TestManager_SubmitAsyncReturnsRunningImmediately(t *testing.T) {
	fd := &fakeDriver{result: driver.Result{Status: driver.StatusOK, Output: payload.Text("done")}, delay: 50 * time.Millisecond}
	mgr, _ := newTestManager(t, fd)

	resp, err := mgr.Submit(context.Background(), Request{
		ExecutionID: "e-async", InvocationID: "i1", RequestID: "r1", TaskID: "task-1", Mode: ModeAsync,
	})
	require.NoError(t, err)
	assert.Equal(t, registry.ExecutionRunning, resp.Status)

	require.Eventually(t, func() bool {
		e, found := mgr.GetExecution(context.Background(), "e-async")
		return found && e.Status.IsTerminal()
	}, time.Second, 10*time.Millisecond)
}

func TestManager_SubmitTimeout(t *testing.T) {
	fd := &fakeDriver{result: driver.Result{Status: driver.StatusOK}, delay: 200 * time.Millisecond}
	mgr, _ := newTestManager(t, fd)

	resp, err := mgr.Submit(context.Background(), Request{
		ExecutionID: "e-timeout", InvocationID: "i1", RequestID: "r1", TaskID: "task-1", Mode: ModeSync,
		TimeoutMS: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, registry.ExecutionTimeout, resp.Status)
}

func TestManager_OpenStreamEmitsFinalChunk(t *testing.T) {
	fd := &fakeDriver{result: driver.Result{Status: driver.StatusOK, Output: payload.Text("done")}}
	mgr, _ := newTestManager(t, fd)

	chunks, err := mgr.OpenStream(context.Background(), Request{
		ExecutionID: "e-stream", InvocationID: "i1", RequestID: "r1", TaskID: "task-1",
	})
	require.NoError(t, err)

	var sawFinal bool
	for c := range chunks {
		if c.IsFinal {
			sawFinal = true
			assert.Equal(t, registry.ExecutionCompleted, c.Status)
		}
	}
	assert.True(t, sawFinal)
}

func TestManager_OpenConsoleRequiresOpenFirst(t *testing.T) {
	fd := &fakeDriver{result: driver.Result{Status: driver.StatusOK}}
	mgr, _ := newTestManager(t, fd)

	clientMsgs := make(chan ClientMsg, 1)
	clientMsgs <- ClientMsg{Stdin: []byte("x")}
	close(clientMsgs)

	serverMsgs, err := mgr.OpenConsole(context.Background(), clientMsgs)
	require.NoError(t, err)
	msg := <-serverMsgs
	assert.NotEmpty(t, msg.Err)
}

func TestLogBuffer_AppendAfterFinalizeErrors(t *testing.T) {
	buf := NewLogBuffer("e1", NewMemorySink(), 0, 0)
	require.NoError(t, buf.Finalize(context.Background()))
	err := buf.Append(context.Background(), LogLine{Message: "late"})
	assert.ErrorIs(t, err, ErrLogFinalized)
}

func TestLogBuffer_DropOldestOnOverflow(t *testing.T) {
	sink := NewMemorySink()
	buf := NewLogBuffer("e1", sink, 1<<20, 2)
	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Append(context.Background(), LogLine{Message: "line"}))
	}
	assert.Greater(t, buf.DroppedEvents(), uint64(0))
}
