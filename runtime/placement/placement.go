// Package placement implements the placement engine (C4): filter, score,
// and rank candidate nodes for a requested task, with an exponential-decay
// per-node outcome penalty fed back from invocation results.
package placement

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lfedgeai/spear/runtime/registry"
)

// Outcome classifies a reported invocation result.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeOverloaded  Outcome = "overloaded"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeError       Outcome = "error"
)

// Weights configures the scoring model's linear combination and the
// resource high-watermarks the filter step enforces.
type Weights struct {
	CPU      float64
	Mem      float64
	Load     float64
	Failure  float64
	LoadHWM  float64 // load_1m is clamped to [0, LoadHWM] before weighting
	// CPUHWM is the cpu-percent ceiling for requests declaring a CPU
	// requirement: node snapshots report usage percent (not core counts),
	// so "has cpu headroom" means "below the watermark".
	CPUHWM float64
}

// DefaultWeights mirrors the spec's default scoring model.
var DefaultWeights = Weights{CPU: 0.4, Mem: 0.3, Load: 0.2, Failure: 0.3, LoadHWM: 4.0, CPUHWM: 90}

// ResourceRequirement bounds what a candidate node must still have headroom for.
type ResourceRequirement struct {
	CPUCores    float64
	MemoryBytes uint64
}

// Spillback configures the caller's retry budget for this placement decision.
type Spillback struct {
	MaxAttempts    int
	PerNodeTimeout time.Duration
	AllowRequery   bool
}

// Request is a single placement ask.
type Request struct {
	RequestID    string
	TaskID       string
	ArtifactID   string
	RuntimeType  registry.ExecutableKind
	NodeSelector map[string]string
	Capabilities []string
	ResourceReq  ResourceRequirement
	Spillback    Spillback
	MaxCandidates int // default 3 when zero
}

// Debug carries the per-candidate scoring breakdown for observability.
type Debug struct {
	CPUPercent   float64
	MemPercent   float64
	Load1m       float64
	SelectorHits int
}

// Candidate is one ranked placement result.
type Candidate struct {
	NodeUUID string
	Score    float64
	Reason   string
	Debug    Debug
}

// Result is the engine's response to a placement Request.
type Result struct {
	DecisionID string
	Candidates []Candidate
}

// InvocationOutcome reports what happened when a candidate was actually tried.
type InvocationOutcome struct {
	DecisionID  string
	NodeUUID    string
	ExecutionID string
	Outcome     Outcome
	LatencyMS   int64
	ErrorCode   string
}

// NodeLister provides the healthy-node snapshot the engine filters over.
// registry.NodeRegistry satisfies this directly.
type NodeLister interface {
	List(ctx context.Context) []registry.Node
}

// Engine implements the filter → score → top-K → tie-break pipeline.
type Engine struct {
	nodes   NodeLister
	weights Weights

	mu        sync.Mutex
	penalties map[string]*penaltyState // keyed by node_uuid
	halfLife  time.Duration
}

type penaltyState struct {
	value      float64
	lastUpdate time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithWeights overrides DefaultWeights.
func WithWeights(w Weights) Option { return func(e *Engine) { e.weights = w } }

// WithPenaltyHalfLife sets the exponential-decay half-life for the recent
// failure-rate penalty. Defaults to 60s.
func WithPenaltyHalfLife(d time.Duration) Option { return func(e *Engine) { e.halfLife = d } }

// New constructs a placement Engine over a NodeLister (a registry.NodeRegistry
// in production).
func New(nodes NodeLister, opts ...Option) *Engine {
	e := &Engine{
		nodes:     nodes,
		weights:   DefaultWeights,
		penalties: make(map[string]*penaltyState),
		halfLife:  60 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Place runs the filter/score/top-K/tie-break pipeline. Given the same
// input snapshot, weights, and request ID, the returned candidate order is
// stable (sort is purely a function of score then node_uuid, both
// deterministic given the snapshot).
func (e *Engine) Place(ctx context.Context, req Request) Result {
	maxCandidates := req.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = 3
	}

	now := time.Now().UTC()
	var candidates []Candidate
	for _, n := range e.nodes.List(ctx) {
		if !n.Online {
			continue
		}
		hits, ok := matchesSelector(n, req, e.weights.CPUHWM)
		if !ok {
			continue
		}
		score, dbg := e.score(n, hits, now)
		candidates = append(candidates, Candidate{
			NodeUUID: n.UUID,
			Score:    score,
			Reason:   "matched selector and capability requirements",
			Debug:    dbg,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].NodeUUID < candidates[j].NodeUUID
	})
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	return Result{DecisionID: uuid.NewString(), Candidates: candidates}
}

func matchesSelector(n registry.Node, req Request, cpuHWM float64) (hits int, ok bool) {
	for k, v := range req.NodeSelector {
		if n.Labels[k] != v {
			return 0, false
		}
		hits++
	}
	for _, capability := range req.Capabilities {
		if _, has := n.Capabilities[capability]; !has {
			return hits, false
		}
	}
	if req.ResourceReq.MemoryBytes > 0 && n.Resources.MemTotal > 0 {
		free := n.Resources.MemTotal - n.Resources.MemUsed
		if req.ResourceReq.MemoryBytes > free {
			return hits, false
		}
	}
	if req.ResourceReq.CPUCores > 0 && cpuHWM > 0 && n.Resources.CPUPercent > cpuHWM {
		return hits, false
	}
	return hits, true
}

func (e *Engine) score(n registry.Node, hits int, now time.Time) (float64, Debug) {
	w := e.weights
	cpuUsage := n.Resources.CPUPercent / 100
	var memUsage float64
	if n.Resources.MemTotal > 0 {
		memUsage = float64(n.Resources.MemUsed) / float64(n.Resources.MemTotal)
	}
	loadClamped := clamp(1-n.Resources.Load1m/w.LoadHWM, 0, 1)
	penalty := e.penaltyFor(n.UUID, now)

	score := w.CPU*(1-cpuUsage) + w.Mem*(1-memUsage) + w.Load*loadClamped - w.Failure*penalty
	return score, Debug{
		CPUPercent:   n.Resources.CPUPercent,
		MemPercent:   memUsage * 100,
		Load1m:       n.Resources.Load1m,
		SelectorHits: hits,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// ReportInvocationOutcome feeds an invocation result back into the
// per-node, per-outcome-class exponential-decay penalty. Non-Success
// outcomes increase the penalty; Success decays it toward zero. The engine
// never persists outcomes beyond this in-memory working window.
func (e *Engine) ReportInvocationOutcome(o InvocationOutcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UTC()
	st, ok := e.penalties[o.NodeUUID]
	if !ok {
		st = &penaltyState{lastUpdate: now}
		e.penalties[o.NodeUUID] = st
	}
	st.value = decay(st.value, now.Sub(st.lastUpdate), e.halfLife)
	st.lastUpdate = now
	if o.Outcome != OutcomeSuccess {
		st.value += 1
	}
}

func (e *Engine) penaltyFor(nodeUUID string, now time.Time) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.penalties[nodeUUID]
	if !ok {
		return 0
	}
	return decay(st.value, now.Sub(st.lastUpdate), e.halfLife)
}

func decay(value float64, elapsed, halfLife time.Duration) float64 {
	if value == 0 || halfLife <= 0 {
		return value
	}
	return value * math.Pow(0.5, elapsed.Seconds()/halfLife.Seconds())
}
