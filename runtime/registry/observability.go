// Package registry implements the cluster resource registries (C3): Node,
// Task, Artifact, Instance, Execution, and MCP server records, each owning
// its key namespace with bounded secondary indexes and heartbeat-driven
// liveness.
package registry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lfedgeai/spear/runtime/telemetry"
)

// OperationType identifies the type of registry operation for observability.
type OperationType string

const (
	OpRegister    OperationType = "register"
	OpUpdate      OperationType = "update"
	OpGet         OperationType = "get"
	OpList        OperationType = "list"
	OpUnregister  OperationType = "unregister"
	OpHeartbeat   OperationType = "heartbeat"
	OpSweep       OperationType = "sweep"
	OpIndexAppend OperationType = "index_append"
	OpPublish     OperationType = "publish"
)

// OperationOutcome represents the result of an operation.
type OperationOutcome string

const (
	OutcomeSuccess OperationOutcome = "success"
	OutcomeError   OperationOutcome = "error"
	OutcomeNotFound OperationOutcome = "not_found"
)

// OperationEvent represents a structured log event for a registry operation.
type OperationEvent struct {
	Operation   OperationType
	Registry    string
	ResourceID  string
	Duration    time.Duration
	Outcome     OperationOutcome
	Error       string
	ResultCount int
}

// Observability provides structured logging, metrics, and tracing shared by
// every resource registry.
type Observability struct {
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// NewObservability creates an Observability instance, defaulting any unset
// component to its no-op implementation.
func NewObservability(logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Observability {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Observability{logger: logger, metrics: metrics, tracer: tracer}
}

// LogOperation emits a structured log line for a registry operation.
func (o *Observability) LogOperation(ctx context.Context, event OperationEvent) {
	keyvals := []any{
		"operation", string(event.Operation),
		"outcome", string(event.Outcome),
		"duration_ms", event.Duration.Milliseconds(),
	}
	if event.Registry != "" {
		keyvals = append(keyvals, "registry", event.Registry)
	}
	if event.ResourceID != "" {
		keyvals = append(keyvals, "resource_id", event.ResourceID)
	}
	if event.ResultCount > 0 {
		keyvals = append(keyvals, "result_count", event.ResultCount)
	}
	if event.Error != "" {
		keyvals = append(keyvals, "error", event.Error)
	}

	msg := "registry operation completed"
	switch event.Outcome {
	case OutcomeError:
		o.logger.Error(ctx, msg, keyvals...)
	case OutcomeNotFound:
		o.logger.Warn(ctx, msg, keyvals...)
	default:
		o.logger.Info(ctx, msg, keyvals...)
	}
}

// RecordOperationMetrics records per-operation counters and latency.
func (o *Observability) RecordOperationMetrics(event OperationEvent) {
	tags := []string{"operation", string(event.Operation), "outcome", string(event.Outcome)}
	if event.Registry != "" {
		tags = append(tags, "registry", event.Registry)
	}
	o.metrics.RecordTimer("registry.operation.duration", event.Duration, tags...)
	switch event.Outcome {
	case OutcomeSuccess:
		o.metrics.IncCounter("registry.operation.success", 1, tags...)
	case OutcomeError:
		o.metrics.IncCounter("registry.operation.error", 1, tags...)
	case OutcomeNotFound:
		o.metrics.IncCounter("registry.operation.not_found", 1, tags...)
	}
	if event.ResultCount > 0 {
		o.metrics.RecordGauge("registry.operation.result_count", float64(event.ResultCount), tags...)
	}
}

// StartSpan starts a trace span for a registry operation.
func (o *Observability) StartSpan(ctx context.Context, operation OperationType) (context.Context, telemetry.Span) {
	return o.tracer.Start(ctx, "registry."+string(operation), trace.WithSpanKind(trace.SpanKindInternal))
}

// EndSpan ends a trace span with the operation outcome.
func (o *Observability) EndSpan(span telemetry.Span, outcome OperationOutcome, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, string(outcome))
	}
	span.End()
}
