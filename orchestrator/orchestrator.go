// Package orchestrator implements the invocation orchestrator (C12): the
// end-to-end placement -> spillback dispatch -> outcome report loop of
// spec.md §4.12, grounded on runtime/placement's Engine/Request/Result
// shape and spearlet/sync's SMSControlPlane-style explicit interface
// seam (here named Invoker) for the dispatch step itself.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lfedgeai/spear/runtime/errs"
	"github.com/lfedgeai/spear/runtime/payload"
	"github.com/lfedgeai/spear/runtime/placement"
	"github.com/lfedgeai/spear/runtime/registry"
	"github.com/lfedgeai/spear/runtime/telemetry"
)

// Request is one end-user invocation request.
type Request struct {
	RequestID    string
	TaskID       string
	ArtifactID   string
	RuntimeType  registry.ExecutableKind
	NodeSelector map[string]string
	Capabilities []string
	ResourceReq  placement.ResourceRequirement
	Input        payload.Payload
	Headers      map[string]string
	Env          map[string]string
	SessionID    string

	MaxAttempts     int           // spillback.max_attempts; default 3
	PerNodeTimeout  time.Duration // spillback.per_node_timeout_ms; default 5s
	TotalBudget     time.Duration // B; default placement timeout + MaxAttempts * PerNodeTimeout
	AllowRequery    bool
}

// Response is the orchestrator's result for one Request.
type Response struct {
	DecisionID  string
	NodeUUID    string
	ExecutionID string
	Output      payload.Payload
	Unknown     bool // post-submit timeout: execution may or may not complete
}

// InvokeRequest is what the orchestrator hands an Invoker for one
// candidate attempt.
type InvokeRequest struct {
	ExecutionID string
	TaskID      string
	ArtifactID  string
	Input       payload.Payload
	Headers     map[string]string
	Env         map[string]string
	SessionID   string
}

// InvokeResponse is an Invoker's successful result.
type InvokeResponse struct {
	ExecutionID string
	Output      payload.Payload
}

// SubmitError distinguishes a pre-submit failure (safe to spill back to
// the next candidate) from a post-submit failure (the execution may have
// started; retrying would risk duplicate work, so the orchestrator
// surfaces Unknown instead per spec.md's retry-vs-duplicate-work
// invariant). Invokers should wrap their error in SubmitError whenever
// they can distinguish the two; an unwrapped error is treated as
// pre-submit.
type SubmitError struct {
	Err        error
	PostSubmit bool
}

func (e *SubmitError) Error() string { return e.Err.Error() }
func (e *SubmitError) Unwrap() error { return e.Err }

// Invoker dispatches one placement candidate's attempt. Implemented by
// the spearlet worker facade (in-process) or a client stub reaching a
// remote Spearlet.
type Invoker interface {
	Invoke(ctx context.Context, nodeUUID string, req InvokeRequest) (InvokeResponse, error)
}

const (
	defaultMaxAttempts    = 3
	defaultPerNodeTimeout = 5 * time.Second
	defaultPlaceTimeout   = 400 * time.Millisecond
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger installs a structured logger.
func WithLogger(l telemetry.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithMetrics installs a metrics sink.
func WithMetrics(m telemetry.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithPlaceTimeout overrides the 200-500ms placement-call timeout.
func WithPlaceTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.placeTimeout = d } }

// Orchestrator ties a placement.Engine to an Invoker and runs the
// spillback loop.
type Orchestrator struct {
	engine       *placement.Engine
	invoker      Invoker
	logger       telemetry.Logger
	metrics      telemetry.Metrics
	placeTimeout time.Duration
}

// New constructs an Orchestrator.
func New(engine *placement.Engine, invoker Invoker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:       engine,
		invoker:      invoker,
		logger:       telemetry.NewNoopLogger(),
		placeTimeout: defaultPlaceTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Invoke runs placement followed by the spillback dispatch loop,
// reporting every attempt's outcome back to the placement engine.
func (o *Orchestrator) Invoke(ctx context.Context, req Request) (Response, error) {
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	perNodeTimeout := req.PerNodeTimeout
	if perNodeTimeout <= 0 {
		perNodeTimeout = defaultPerNodeTimeout
	}
	totalBudget := req.TotalBudget
	if totalBudget <= 0 {
		totalBudget = o.placeTimeout + time.Duration(maxAttempts)*perNodeTimeout
	}
	// Budget invariant: placement_timeout + M*T <= B; shrink M to fit
	// rather than overrun the caller's total budget.
	for maxAttempts > 1 && o.placeTimeout+time.Duration(maxAttempts)*perNodeTimeout > totalBudget {
		maxAttempts--
	}

	placeCtx, cancel := context.WithTimeout(ctx, o.placeTimeout)
	decision := o.engine.Place(placeCtx, placement.Request{
		RequestID:     req.RequestID,
		TaskID:        req.TaskID,
		ArtifactID:    req.ArtifactID,
		RuntimeType:   req.RuntimeType,
		NodeSelector:  req.NodeSelector,
		Capabilities:  req.Capabilities,
		ResourceReq:   req.ResourceReq,
		MaxCandidates: maxAttempts,
		Spillback: placement.Spillback{
			MaxAttempts:    maxAttempts,
			PerNodeTimeout: perNodeTimeout,
			AllowRequery:   req.AllowRequery,
		},
	})
	cancel()

	if len(decision.Candidates) == 0 {
		return Response{}, fmt.Errorf("orchestrator: no placement candidates for task %q", req.TaskID)
	}

	var lastErr error
	for attempt, cand := range decision.Candidates {
		if attempt >= maxAttempts {
			break
		}
		remaining := totalBudget - time.Duration(attempt)*perNodeTimeout
		if remaining <= 0 {
			break
		}
		deadline := perNodeTimeout
		if remaining < deadline {
			deadline = remaining
		}

		executionID := fmt.Sprintf("%s/%d", req.RequestID, attempt)
		attemptCtx, cancel := context.WithTimeout(ctx, deadline)
		start := time.Now()
		res, err := o.invoker.Invoke(attemptCtx, cand.NodeUUID, InvokeRequest{
			ExecutionID: executionID,
			TaskID:      req.TaskID,
			ArtifactID:  req.ArtifactID,
			Input:       req.Input,
			Headers:     req.Headers,
			Env:         req.Env,
			SessionID:   req.SessionID,
		})
		latency := time.Since(start)
		cancel()

		class, retry, unknown := classify(err, attemptCtx)
		o.engine.ReportInvocationOutcome(placement.InvocationOutcome{
			DecisionID:  decision.DecisionID,
			NodeUUID:    cand.NodeUUID,
			ExecutionID: executionID,
			Outcome:     outcomeFor(class, err),
			LatencyMS:   latency.Milliseconds(),
			ErrorCode:   class,
		})

		if err == nil {
			return Response{DecisionID: decision.DecisionID, NodeUUID: cand.NodeUUID, ExecutionID: res.ExecutionID, Output: res.Output}, nil
		}
		if unknown {
			return Response{DecisionID: decision.DecisionID, NodeUUID: cand.NodeUUID, ExecutionID: executionID, Unknown: true}, nil
		}
		lastErr = err
		if !retry {
			return Response{}, fmt.Errorf("orchestrator: permanent failure on %s (decision %s): %w", cand.NodeUUID, decision.DecisionID, err)
		}
		o.logger.Warn(ctx, "orchestrator: spillback", "node", cand.NodeUUID, "class", class, "err", err)
	}

	if lastErr == nil {
		lastErr = errors.New("orchestrator: spillback candidates exhausted")
	}
	return Response{}, fmt.Errorf("orchestrator: exhausted candidates for decision %s: %w", decision.DecisionID, lastErr)
}

// classify maps an Invoker error to the retry decision table in
// spec.md §4.12. attemptCtx is consulted to distinguish a deadline
// exceeded locally (timeout class) from other errors.
func classify(err error, attemptCtx context.Context) (class string, retry bool, unknown bool) {
	if err == nil {
		return "success", false, false
	}

	var subErr *SubmitError
	if errors.As(err, &subErr) {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(subErr.Err, context.DeadlineExceeded) || errors.Is(subErr.Err, errs.ErrTimeout) {
			if subErr.PostSubmit {
				return "timeout_post_submit", false, true
			}
			return "timeout_pre_submit", true, false
		}
		return classifyBase(subErr.Err)
	}

	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, errs.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		// No SubmitError annotation: treat as pre-submit, the safe default
		// for Invokers that haven't opted into post-submit tracking.
		return "timeout_pre_submit", true, false
	}
	return classifyBase(err)
}

func classifyBase(err error) (class string, retry bool, unknown bool) {
	switch {
	case errors.Is(err, errs.ErrUnavailable):
		return "transport", true, false
	case errors.Is(err, errs.ErrOverloaded), errors.Is(err, errs.ErrNoCapacity):
		return "pressure", true, false
	case errors.Is(err, errs.ErrNotFound):
		return "materialization", false, false
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errs.ErrInvalidConfiguration):
		return "permanent", false, false
	default:
		return "permanent", false, false
	}
}

func outcomeFor(class string, err error) placement.Outcome {
	if err == nil {
		return placement.OutcomeSuccess
	}
	switch class {
	case "transport":
		return placement.OutcomeUnavailable
	case "pressure":
		return placement.OutcomeOverloaded
	case "timeout_pre_submit", "timeout_post_submit":
		return placement.OutcomeTimeout
	default:
		return placement.OutcomeError
	}
}
