package cchat_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/cchat"
	"github.com/lfedgeai/spear/hostapi"
)

type scriptedBackend struct {
	name  string
	turns []cchat.Response
	calls int
}

func (b *scriptedBackend) Name() string { return b.name }

func (b *scriptedBackend) Complete(ctx context.Context, req cchat.Request) (cchat.Response, error) {
	idx := b.calls
	b.calls++
	if idx >= len(b.turns) {
		return cchat.Response{Message: cchat.Message{Role: cchat.RoleAssistant, Content: "done"}, FinishReason: "stop"}, nil
	}
	return b.turns[idx], nil
}

type echoInvoker struct{ calls int }

func (e *echoInvoker) InvokeFn(ctx context.Context, sessionID string, offset int32, args json.RawMessage) (json.RawMessage, bool, error) {
	e.calls++
	return json.RawMessage(`{"ok":true}`), false, nil
}

func TestSendResolvesWasmToolCallThenReturnsFinalMessage(t *testing.T) {
	backend := &scriptedBackend{
		name: "test",
		turns: []cchat.Response{
			{
				Message:      cchat.Message{Role: cchat.RoleAssistant, ToolCalls: []cchat.ToolCall{{ID: "call1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"nyc"}`)}}},
				FinishReason: "tool_calls",
			},
		},
	}
	invoker := &echoInvoker{}
	mgr := cchat.New(
		cchat.WithBackends(cchat.BackendSet{Default: "test", Backends: map[string]cchat.Backend{"test": backend}}),
		cchat.WithToolInvoker(invoker),
	)

	table := hostapi.NewTable()
	sessionID, sessFd, respFd := mgr.CreateSession(table)
	require.NotZero(t, sessFd)
	require.NotZero(t, respFd)

	sess, ok := mgr.Session(sessionID)
	require.True(t, ok)
	require.NoError(t, sess.WriteMsg(cchat.RoleUser, "what's the weather"))
	require.NoError(t, sess.WriteFn(cchat.ToolDef{Name: "get_weather", Description: "gets weather", FnOffset: 7}))

	msg, err := mgr.Send(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, "done", msg.Content)
	require.Equal(t, 1, invoker.calls)
	require.Equal(t, 2, backend.calls)
}

func TestSendFailsWhenBudgetExceeded(t *testing.T) {
	backend := &scriptedBackend{name: "test"}
	// Every turn requests the same tool forever.
	loopingBackend := &loopingBackend{inner: backend}
	invoker := &echoInvoker{}
	mgr := cchat.New(
		cchat.WithBackends(cchat.BackendSet{Default: "test", Backends: map[string]cchat.Backend{"test": loopingBackend}}),
		cchat.WithToolInvoker(invoker),
		cchat.WithBudgets(cchat.Budgets{MaxIterations: 2, MaxTotalToolCalls: 10}),
	)

	table := hostapi.NewTable()
	sessionID, _, _ := mgr.CreateSession(table)
	sess, _ := mgr.Session(sessionID)
	require.NoError(t, sess.WriteMsg(cchat.RoleUser, "loop forever"))
	require.NoError(t, sess.WriteFn(cchat.ToolDef{Name: "noop", FnOffset: 1}))

	_, err := mgr.Send(context.Background(), sessionID)
	require.ErrorIs(t, err, cchat.ErrBudgetExceeded)
}

type loopingBackend struct {
	inner *scriptedBackend
}

func (l *loopingBackend) Name() string { return l.inner.Name() }

func (l *loopingBackend) Complete(ctx context.Context, req cchat.Request) (cchat.Response, error) {
	return cchat.Response{
		Message:      cchat.Message{Role: cchat.RoleAssistant, ToolCalls: []cchat.ToolCall{{ID: "x", Name: "noop"}}},
		FinishReason: "tool_calls",
	}, nil
}

func TestSendWithoutAutoFlagReturnsToolCallsUnresolved(t *testing.T) {
	backend := &scriptedBackend{
		name: "test",
		turns: []cchat.Response{
			{
				Message:      cchat.Message{Role: cchat.RoleAssistant, ToolCalls: []cchat.ToolCall{{ID: "c1", Name: "sum"}}},
				FinishReason: "tool_calls",
			},
		},
	}
	invoker := &echoInvoker{}
	mgr := cchat.New(
		cchat.WithBackends(cchat.BackendSet{Default: "test", Backends: map[string]cchat.Backend{"test": backend}}),
		cchat.WithToolInvoker(invoker),
	)

	table := hostapi.NewTable()
	sessionID, _, _ := mgr.CreateSession(table)
	sess, _ := mgr.Session(sessionID)
	require.NoError(t, sess.WriteMsg(cchat.RoleUser, "add things"))
	require.NoError(t, sess.WriteFn(cchat.ToolDef{Name: "sum", FnOffset: 3}))

	msg, err := mgr.SendWithFlags(context.Background(), sessionID, 0)
	require.NoError(t, err)
	require.Len(t, msg.ToolCalls, 1, "without AUTO_TOOL_CALL the tool_calls come back unresolved")
	require.Equal(t, 0, invoker.calls)
	require.Equal(t, 1, backend.calls)
}

func TestSendZeroToolCallBudgetViaParamStopsBeforeAnyTool(t *testing.T) {
	backend := &scriptedBackend{name: "test"}
	invoker := &echoInvoker{}
	mgr := cchat.New(
		cchat.WithBackends(cchat.BackendSet{Default: "test", Backends: map[string]cchat.Backend{"test": &loopingBackend{inner: backend}}}),
		cchat.WithToolInvoker(invoker),
	)

	table := hostapi.NewTable()
	sessionID, _, _ := mgr.CreateSession(table)
	sess, _ := mgr.Session(sessionID)
	require.NoError(t, sess.WriteMsg(cchat.RoleUser, "try tools"))
	require.NoError(t, sess.WriteFn(cchat.ToolDef{Name: "noop", FnOffset: 1}))
	require.NoError(t, sess.Ctl("budget.max_total_tool_calls", "0"))

	_, err := mgr.Send(context.Background(), sessionID)
	require.ErrorIs(t, err, cchat.ErrBudgetExceeded)
	require.Equal(t, 0, invoker.calls, "budget of zero must reject before executing any tool")
}
