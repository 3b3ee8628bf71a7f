// Package sms wires the control-plane subsystems — typed event bus,
// resource registries, placement engine, and MCP server registry — into a
// single-node Metadata Server facade. It is a library, not a binary:
// command-line entry points, config loaders, and the HTTP/gRPC framing in
// front of it stay external.
package sms

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/lfedgeai/spear/mcpbridge"
	"github.com/lfedgeai/spear/runtime/eventbus"
	"github.com/lfedgeai/spear/runtime/eventbus/membackend"
	"github.com/lfedgeai/spear/runtime/kv"
	"github.com/lfedgeai/spear/runtime/placement"
	"github.com/lfedgeai/spear/runtime/registry"
	"github.com/lfedgeai/spear/runtime/telemetry"
)

// Options configures a Server. Zero values fall back to in-memory defaults
// suitable for tests and single-process deployments.
type Options struct {
	// Bus carries every registry lifecycle event. Defaults to a
	// process-local membackend bus.
	Bus eventbus.Bus
	// Blobs stores file-service content. Defaults to an in-memory store.
	Blobs kv.Store

	HeartbeatTimeout time.Duration
	CleanupInterval  time.Duration

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer

	PlacementOptions []placement.Option
}

func (o *Options) setDefaults() {
	if o.Bus == nil {
		o.Bus = membackend.New(1024)
	}
	if o.Blobs == nil {
		o.Blobs = kv.NewMemStore()
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 30 * time.Second
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewNoopMetrics()
	}
	if o.Tracer == nil {
		o.Tracer = telemetry.NewNoopTracer()
	}
}

// Server is the assembled SMS: one authoritative registry per resource, a
// placement engine over the node registry, and the event bus everything
// publishes through.
type Server struct {
	Bus        eventbus.Bus
	Nodes      *registry.NodeRegistry
	Tasks      *registry.TaskRegistry
	Artifacts  *registry.ArtifactRegistry
	Instances  *registry.InstanceRegistry
	Executions *registry.ExecutionRegistry
	MCP        *registry.MCPRegistry
	Files      *registry.FileRegistry
	Placement  *placement.Engine

	logger      telemetry.Logger
	mcpRevision atomic.Uint64
}

// New assembles a Server. The node registry's liveness sweep starts
// immediately; Close stops it.
func New(opts Options) *Server {
	opts.setDefaults()
	obs := registry.NewObservability(opts.Logger, opts.Metrics, opts.Tracer)

	nodes := registry.NewNodeRegistry(opts.Bus,
		registry.WithHeartbeatTimeout(opts.HeartbeatTimeout),
		registry.WithCleanupInterval(opts.CleanupInterval),
		registry.WithNodeObservability(obs),
	)

	return &Server{
		Bus:        opts.Bus,
		Nodes:      nodes,
		Tasks:      registry.NewTaskRegistry(opts.Bus, obs),
		Artifacts:  registry.NewArtifactRegistry(obs),
		Instances:  registry.NewInstanceRegistry(opts.Bus, obs, opts.HeartbeatTimeout),
		Executions: registry.NewExecutionRegistry(opts.Bus, obs),
		MCP:        registry.NewMCPRegistry(opts.Bus, obs),
		Files:      registry.NewFileRegistry(opts.Bus, obs, opts.Blobs),
		Placement:  placement.New(nodes, opts.PlacementOptions...),
		logger:     opts.Logger,
	}
}

// LoadMCPConfigDir loads every MCP server config file under dir into the
// MCP registry, stamping each record with a fresh revision. Servers with
// unresolved required env references are excluded (and logged) without
// failing the rest, per the registry file contract. Returns how many
// servers were loaded.
func (s *Server) LoadMCPConfigDir(ctx context.Context, dir string) (int, error) {
	recs, excluded, err := mcpbridge.LoadConfigDir(dir)
	if err != nil {
		return 0, err
	}
	for _, ex := range excluded {
		s.logger.Warn(ctx, "sms: mcp server excluded, required env unresolved",
			"server_id", ex.ServerID, "path", ex.Path, "missing", ex.MissingEnv)
	}
	for _, rec := range recs {
		rec.Revision = s.mcpRevision.Add(1)
		s.MCP.Upsert(ctx, rec)
	}
	return len(recs), nil
}

// MCPRevision returns the highest MCP registry revision issued so far, the
// value list responses carry so watchers know where to resume.
func (s *Server) MCPRevision() uint64 { return s.mcpRevision.Load() }

// UpsertMCPServer registers or updates one MCP server record directly
// (console/admin path), stamping a fresh revision.
func (s *Server) UpsertMCPServer(ctx context.Context, rec registry.MCPServerRecord) uint64 {
	rec.Revision = s.mcpRevision.Add(1)
	s.MCP.Upsert(ctx, rec)
	return rec.Revision
}

// Close stops background sweeps and releases the bus.
func (s *Server) Close(ctx context.Context) error {
	s.Nodes.Close()
	return s.Bus.Close(ctx)
}
