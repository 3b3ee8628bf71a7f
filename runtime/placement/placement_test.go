package placement_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/runtime/placement"
	"github.com/lfedgeai/spear/runtime/registry"
)

type fixedNodes []registry.Node

func (f fixedNodes) List(context.Context) []registry.Node { return f }

func TestPlaceFiltersBySelectorAndCapability(t *testing.T) {
	nodes := fixedNodes{
		{UUID: "n1", Online: true, Labels: map[string]string{"zone": "a"}, Capabilities: map[string]struct{}{"gpu": {}}},
		{UUID: "n2", Online: true, Labels: map[string]string{"zone": "b"}, Capabilities: map[string]struct{}{"gpu": {}}},
		{UUID: "n3", Online: false, Labels: map[string]string{"zone": "a"}, Capabilities: map[string]struct{}{"gpu": {}}},
	}
	e := placement.New(nodes)

	res := e.Place(context.Background(), placement.Request{
		RequestID:    "r1",
		NodeSelector: map[string]string{"zone": "a"},
		Capabilities: []string{"gpu"},
	})

	require.Len(t, res.Candidates, 1)
	require.Equal(t, "n1", res.Candidates[0].NodeUUID)
}

func TestPlaceTieBreaksByLexicographicUUID(t *testing.T) {
	nodes := fixedNodes{
		{UUID: "zzz", Online: true},
		{UUID: "aaa", Online: true},
		{UUID: "mmm", Online: true},
	}
	e := placement.New(nodes)

	res := e.Place(context.Background(), placement.Request{RequestID: "r1", MaxCandidates: 3})
	require.Len(t, res.Candidates, 3)
	require.Equal(t, []string{"aaa", "mmm", "zzz"}, []string{
		res.Candidates[0].NodeUUID, res.Candidates[1].NodeUUID, res.Candidates[2].NodeUUID,
	})
}

func TestReportInvocationOutcomePenalizesFailures(t *testing.T) {
	nodes := fixedNodes{
		{UUID: "n1", Online: true, Resources: registry.ResourceSnapshot{CPUPercent: 10}},
		{UUID: "n2", Online: true, Resources: registry.ResourceSnapshot{CPUPercent: 10}},
	}
	e := placement.New(nodes)

	for i := 0; i < 5; i++ {
		e.ReportInvocationOutcome(placement.InvocationOutcome{NodeUUID: "n1", Outcome: placement.OutcomeError})
	}

	res := e.Place(context.Background(), placement.Request{RequestID: "r1", MaxCandidates: 2})
	require.Equal(t, "n2", res.Candidates[0].NodeUUID, "the repeatedly-failing node should rank below the untouched one")
}

func TestMaxCandidatesCapsTopK(t *testing.T) {
	nodes := fixedNodes{{UUID: "a", Online: true}, {UUID: "b", Online: true}, {UUID: "c", Online: true}}
	e := placement.New(nodes)
	res := e.Place(context.Background(), placement.Request{RequestID: "r1", MaxCandidates: 1})
	require.Len(t, res.Candidates, 1)
}

func TestPlaceFiltersCPUHighWatermarkWhenCPURequested(t *testing.T) {
	nodes := fixedNodes{
		{UUID: "n1", Online: true, Resources: registry.ResourceSnapshot{CPUPercent: 95}},
		{UUID: "n2", Online: true, Resources: registry.ResourceSnapshot{CPUPercent: 40}},
	}
	e := placement.New(nodes)

	res := e.Place(context.Background(), placement.Request{
		RequestID:   "r-cpu",
		ResourceReq: placement.ResourceRequirement{CPUCores: 1},
	})
	require.Len(t, res.Candidates, 1)
	require.Equal(t, "n2", res.Candidates[0].NodeUUID)

	// Without a declared CPU requirement the saturated node stays placeable.
	res = e.Place(context.Background(), placement.Request{RequestID: "r-any"})
	require.Len(t, res.Candidates, 2)
}
