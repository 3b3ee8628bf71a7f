package orchestrator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/orchestrator"
	"github.com/lfedgeai/spear/runtime/errs"
	"github.com/lfedgeai/spear/runtime/placement"
	"github.com/lfedgeai/spear/runtime/registry"
)

type fixedNodes []registry.Node

func (f fixedNodes) List(context.Context) []registry.Node { return f }

type scriptedInvoker struct {
	calls     int
	responses []error
}

func (s *scriptedInvoker) Invoke(ctx context.Context, nodeUUID string, req orchestrator.InvokeRequest) (orchestrator.InvokeResponse, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.responses) {
		return orchestrator.InvokeResponse{ExecutionID: req.ExecutionID}, nil
	}
	if err := s.responses[idx]; err != nil {
		return orchestrator.InvokeResponse{}, err
	}
	return orchestrator.InvokeResponse{ExecutionID: req.ExecutionID}, nil
}

func twoNodes() fixedNodes {
	return fixedNodes{
		{UUID: "n1", Online: true},
		{UUID: "n2", Online: true},
	}
}

func TestInvokeSpillsBackOnOverloaded(t *testing.T) {
	engine := placement.New(twoNodes())
	inv := &scriptedInvoker{responses: []error{errs.Wrap(errs.ErrOverloaded, "busy")}}
	o := orchestrator.New(engine, inv)

	res, err := o.Invoke(context.Background(), orchestrator.Request{RequestID: "r1", TaskID: "t1", MaxAttempts: 2})
	require.NoError(t, err)
	require.Equal(t, 2, inv.calls)
	require.NotEmpty(t, res.NodeUUID)
}

func TestInvokeStopsOnPermanentError(t *testing.T) {
	engine := placement.New(twoNodes())
	inv := &scriptedInvoker{responses: []error{errs.Wrap(errs.ErrValidation, "bad input")}}
	o := orchestrator.New(engine, inv)

	_, err := o.Invoke(context.Background(), orchestrator.Request{RequestID: "r1", TaskID: "t1", MaxAttempts: 2})
	require.Error(t, err)
	require.Equal(t, 1, inv.calls)
}

func TestInvokeReturnsUnknownOnPostSubmitTimeout(t *testing.T) {
	engine := placement.New(twoNodes())
	inv := &scriptedInvoker{responses: []error{&orchestrator.SubmitError{Err: errs.ErrTimeout, PostSubmit: true}}}
	o := orchestrator.New(engine, inv)

	res, err := o.Invoke(context.Background(), orchestrator.Request{RequestID: "r1", TaskID: "t1", MaxAttempts: 2})
	require.NoError(t, err)
	require.True(t, res.Unknown)
	require.Equal(t, 1, inv.calls)
}

func TestInvokeNoCandidatesErrors(t *testing.T) {
	engine := placement.New(fixedNodes{})
	o := orchestrator.New(engine, &scriptedInvoker{})
	_, err := o.Invoke(context.Background(), orchestrator.Request{RequestID: "r1", TaskID: "t1"})
	require.Error(t, err)
}

func TestInvokeShrinksAttemptsToFitBudget(t *testing.T) {
	engine := placement.New(twoNodes())
	inv := &scriptedInvoker{responses: []error{
		errs.Wrap(errs.ErrOverloaded, "busy"),
		errs.Wrap(errs.ErrOverloaded, "busy"),
	}}
	o := orchestrator.New(engine, inv)

	_, err := o.Invoke(context.Background(), orchestrator.Request{
		RequestID:      "r1",
		TaskID:         "t1",
		MaxAttempts:    5,
		PerNodeTimeout: 50 * time.Millisecond,
		TotalBudget:    60 * time.Millisecond,
	})
	require.Error(t, err)
	require.True(t, inv.calls < 5)
}

func TestSubmitErrorUnwraps(t *testing.T) {
	base := errors.New("boom")
	se := &orchestrator.SubmitError{Err: base, PostSubmit: true}
	require.True(t, errors.Is(se, base))
}
