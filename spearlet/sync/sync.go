// Package sync implements the Spearlet-side of the Spearlet<->SMS sync
// protocol (C5): registration, heartbeating with reconnect/exit-on-timeout,
// on-demand task/artifact materialization, and MCP registry replication.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lfedgeai/spear/runtime/kv"
	"github.com/lfedgeai/spear/runtime/registry"
	"github.com/lfedgeai/spear/runtime/telemetry"
)

// ErrReconnectTimeout is returned (and triggers process exit) when the
// Spearlet has been disconnected from SMS longer than
// reconnect_total_timeout_ms.
var ErrReconnectTimeout = errors.New("spearletsync: reconnect window exceeded, exiting for supervisor restart")

// SMSControlPlane is the RPC surface a Spearlet calls against SMS. A real
// deployment binds this to a generated client over whatever framing it
// chooses; this repo only defines the interface (HTTP/gRPC framing is
// explicitly external per spec.md §6).
type SMSControlPlane interface {
	Register(ctx context.Context, n registry.Node) error
	Heartbeat(ctx context.Context, nodeUUID string, snapshot registry.ResourceSnapshot) error
	ReportNodeBackends(ctx context.Context, nodeUUID string, revision uint64, backends []registry.BackendSnapshot) error
	FetchTask(ctx context.Context, taskID string) (registry.Task, error)
	FetchArtifact(ctx context.Context, artifactID, version string) (registry.Artifact, []byte, error)
	ListMCPServers(ctx context.Context) ([]registry.MCPServerRecord, uint64, error)
	WatchMCPServers(ctx context.Context, sinceRevision uint64) (<-chan registry.MCPServerRecord, context.CancelFunc, error)
}

// Options configures a Syncer.
type Options struct {
	HeartbeatInterval       time.Duration
	ConnectRetryInterval    time.Duration
	ReconnectTotalTimeout   time.Duration
	Logger                  telemetry.Logger
	Metrics                 telemetry.Metrics
	// ResourceSnapshot is polled at each heartbeat tick.
	ResourceSnapshot func() registry.ResourceSnapshot
	// OnFatal is invoked (instead of os.Exit, which this library-scope code
	// never calls directly) when the reconnect window is exceeded. The
	// caller's binary decides how to actually terminate the process.
	OnFatal func(error)
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ConnectRetryInterval <= 0 {
		o.ConnectRetryInterval = 2 * time.Second
	}
	if o.ReconnectTotalTimeout <= 0 {
		o.ReconnectTotalTimeout = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewNoopMetrics()
	}
	if o.ResourceSnapshot == nil {
		o.ResourceSnapshot = func() registry.ResourceSnapshot { return registry.ResourceSnapshot{} }
	}
}

// Syncer owns the Spearlet's connection state machine to SMS.
type Syncer struct {
	cp   SMSControlPlane
	self registry.Node
	opts Options

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup

	mu             sync.Mutex
	disconnectedAt time.Time
	connected      bool
}

// New constructs a Syncer for node self, bound to control plane cp.
func New(cp SMSControlPlane, self registry.Node, opts Options) *Syncer {
	opts.setDefaults()
	return &Syncer{cp: cp, self: self, opts: opts, closeCh: make(chan struct{})}
}

// Start registers with SMS and launches the heartbeat loop. It blocks until
// the initial registration succeeds or ctx is done.
func (s *Syncer) Start(ctx context.Context) error {
	if err := s.registerWithRetry(ctx); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.heartbeatLoop(ctx)
	return nil
}

// Close stops the heartbeat loop.
func (s *Syncer) Close() {
	s.closeOnce.Do(func() { close(s.closeCh) })
	s.wg.Wait()
}

func (s *Syncer) registerWithRetry(ctx context.Context) error {
	for {
		if err := s.cp.Register(ctx, s.self); err != nil {
			s.opts.Logger.Warn(ctx, "sms register failed, retrying", "error", err.Error())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.opts.ConnectRetryInterval):
				continue
			}
		}
		s.mu.Lock()
		s.connected = true
		s.disconnectedAt = time.Time{}
		s.mu.Unlock()
		return nil
	}
}

func (s *Syncer) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

func (s *Syncer) beat(ctx context.Context) {
	snapshot := s.opts.ResourceSnapshot()
	if err := s.cp.Heartbeat(ctx, s.self.UUID, snapshot); err != nil {
		s.onHeartbeatFailure(ctx, err)
		return
	}
	s.mu.Lock()
	s.connected = true
	s.disconnectedAt = time.Time{}
	s.mu.Unlock()
}

// onHeartbeatFailure implements "on heartbeat failure, immediately attempt
// reconnect within sms_connect_retry_ms; on reconnect, re-register without
// waiting for the next tick. If disconnected longer than
// reconnect_total_timeout_ms, the worker process exits."
func (s *Syncer) onHeartbeatFailure(ctx context.Context, cause error) {
	s.mu.Lock()
	if s.connected {
		s.connected = false
		s.disconnectedAt = time.Now().UTC()
	}
	since := time.Since(s.disconnectedAt)
	s.mu.Unlock()

	s.opts.Logger.Warn(ctx, "sms heartbeat failed", "error", cause.Error(), "disconnected_for_ms", since.Milliseconds())
	s.opts.Metrics.IncCounter("spearlet.sms.heartbeat_failure", 1)

	if since >= s.opts.ReconnectTotalTimeout {
		err := fmt.Errorf("%w: disconnected for %s", ErrReconnectTimeout, since)
		if s.opts.OnFatal != nil {
			s.opts.OnFatal(err)
		}
		return
	}

	select {
	case <-time.After(s.opts.ConnectRetryInterval):
	case <-ctx.Done():
		return
	case <-s.closeCh:
		return
	}
	if err := s.cp.Register(ctx, s.self); err == nil {
		s.mu.Lock()
		s.connected = true
		s.disconnectedAt = time.Time{}
		s.mu.Unlock()
	}
}

// Materializer resolves tasks and artifacts on demand into local kv caches,
// per spec.md §4.5.
type Materializer struct {
	cp    SMSControlPlane
	tasks kv.Store
	blobs kv.Store
}

// NewMaterializer constructs a Materializer writing into the given local
// kv.Store-backed caches.
func NewMaterializer(cp SMSControlPlane, tasks, blobs kv.Store) *Materializer {
	return &Materializer{cp: cp, tasks: tasks, blobs: blobs}
}

// EnsureTask fetches and locally caches a task (and its artifact) if not
// already present, then returns it.
func (m *Materializer) EnsureTask(ctx context.Context, taskID, artifactID, artifactVersion string) (registry.Task, error) {
	key := []byte("task:" + taskID)
	if raw, err := m.tasks.Get(ctx, key); err == nil {
		var cached registry.Task
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr != nil {
			return registry.Task{}, jsonErr
		}
		return cached, nil
	} else if !errors.Is(err, kv.ErrNotFound) {
		return registry.Task{}, err
	}

	task, err := m.cp.FetchTask(ctx, taskID)
	if err != nil {
		return registry.Task{}, fmt.Errorf("spearletsync: fetch task %s: %w", taskID, err)
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return registry.Task{}, err
	}
	if err := m.tasks.Put(ctx, key, raw); err != nil {
		return registry.Task{}, err
	}
	if artifactID != "" {
		if _, err := m.EnsureArtifact(ctx, artifactID, artifactVersion); err != nil {
			return registry.Task{}, err
		}
	}
	return task, nil
}

// EnsureArtifact fetches and caches an artifact's content by content hash
// key, honoring the sms+file:// and http(s):// URI schemes via
// SMSControlPlane.FetchArtifact (scheme dispatch is the control plane's
// responsibility; this layer only caches the resulting bytes).
func (m *Materializer) EnsureArtifact(ctx context.Context, artifactID, version string) ([]byte, error) {
	key := []byte("artifact:" + artifactID + "@" + version)
	if b, err := m.blobs.Get(ctx, key); err == nil {
		return b, nil
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}

	_, content, err := m.cp.FetchArtifact(ctx, artifactID, version)
	if err != nil {
		return nil, fmt.Errorf("spearletsync: fetch artifact %s@%s: %w", artifactID, version, err)
	}
	if err := m.blobs.Put(ctx, key, content); err != nil {
		return nil, err
	}
	return content, nil
}

// MCPReplicator keeps a local registry.MCPRegistry in sync with SMS: an
// initial full list followed by a revision-based watch, with atomic
// snapshot-swap refresh and resync on watch error.
type MCPReplicator struct {
	cp     SMSControlPlane
	local  *registry.MCPRegistry
	logger telemetry.Logger
}

// NewMCPReplicator constructs a replicator writing into local.
func NewMCPReplicator(cp SMSControlPlane, local *registry.MCPRegistry, logger telemetry.Logger) *MCPReplicator {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &MCPReplicator{cp: cp, local: local, logger: logger}
}

// Run performs the initial full list then tails the watch stream until ctx
// is done, resyncing (re-listing) whenever the watch channel closes
// unexpectedly.
func (r *MCPReplicator) Run(ctx context.Context) error {
	for {
		revision, err := r.resync(ctx)
		if err != nil {
			return err
		}
		if err := r.tail(ctx, revision); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn(ctx, "mcp watch failed, resyncing", "error", err.Error())
			continue
		}
		return nil
	}
}

func (r *MCPReplicator) resync(ctx context.Context) (uint64, error) {
	recs, revision, err := r.cp.ListMCPServers(ctx)
	if err != nil {
		return 0, fmt.Errorf("mcpreplicator: list: %w", err)
	}
	for _, rec := range recs {
		r.local.Upsert(ctx, rec)
	}
	return revision, nil
}

func (r *MCPReplicator) tail(ctx context.Context, sinceRevision uint64) error {
	ch, cancel, err := r.cp.WatchMCPServers(ctx, sinceRevision)
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-ch:
			if !ok {
				return errors.New("mcpreplicator: watch stream closed")
			}
			r.local.Upsert(ctx, rec)
		}
	}
}
