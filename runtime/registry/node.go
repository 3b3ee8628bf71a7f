package registry

import (
	"context"
	"sync"
	"time"

	"github.com/lfedgeai/spear/runtime/eventbus"
)

// NodeRegistryOption configures a NodeRegistry.
type NodeRegistryOption func(*nodeRegistryOptions)

type nodeRegistryOptions struct {
	heartbeatTimeout time.Duration
	cleanupInterval  time.Duration
	obs              *Observability
}

// WithHeartbeatTimeout sets how long a node may go without a heartbeat
// before it flips to offline. Defaults to 30s.
func WithHeartbeatTimeout(d time.Duration) NodeRegistryOption {
	return func(o *nodeRegistryOptions) { o.heartbeatTimeout = d }
}

// WithCleanupInterval sets how often the liveness sweep runs. Defaults to 10s.
func WithCleanupInterval(d time.Duration) NodeRegistryOption {
	return func(o *nodeRegistryOptions) { o.cleanupInterval = d }
}

// WithNodeObservability supplies the shared Observability instance.
func WithNodeObservability(obs *Observability) NodeRegistryOption {
	return func(o *nodeRegistryOptions) { o.obs = obs }
}

// NodeRegistry owns the `node:` key namespace: registration, heartbeats, and
// a background sweep that flips stale nodes to offline and publishes the
// transition, grounded on the ticker-goroutine + closeOnce shutdown shape
// used for distributed health tracking, simplified to a single authoritative
// process per the single-node SMS decision.
type NodeRegistry struct {
	base *base[Node]

	heartbeatTimeout time.Duration
	cleanupInterval  time.Duration

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// NewNodeRegistry constructs a NodeRegistry and starts its liveness sweep.
// pub may be nil, in which case no node lifecycle change is published.
func NewNodeRegistry(pub eventbus.Publisher, opts ...NodeRegistryOption) *NodeRegistry {
	cfg := nodeRegistryOptions{heartbeatTimeout: 30 * time.Second, cleanupInterval: 10 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	r := &NodeRegistry{
		base:             newBase[Node]("node", cfg.obs, pub, eventbus.ResourceNode, func(n Node) string { return n.UUID }, func(cur, candidate Node) bool { return candidate.LastHeartbeatMS >= cur.LastHeartbeatMS }),
		heartbeatTimeout: cfg.heartbeatTimeout,
		cleanupInterval:  cfg.cleanupInterval,
		closeCh:          make(chan struct{}),
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// Register creates or updates a node on first registration/heartbeat.
func (r *NodeRegistry) Register(ctx context.Context, n Node, nowMS int64) {
	n.RegisteredAtMS = nowMS
	n.LastHeartbeatMS = nowMS
	n.Online = true
	r.base.Put(ctx, n.UUID, n)
}

// Heartbeat refreshes last-heartbeat and flips the node back online if it
// had been marked offline.
func (r *NodeRegistry) Heartbeat(ctx context.Context, uuid string, nowMS int64, resources ResourceSnapshot) bool {
	return r.base.Mutate(ctx, uuid, func(n Node) Node {
		n.LastHeartbeatMS = nowMS
		n.Online = true
		n.Resources = resources
		return n
	})
}

// ReportNodeBackends stores a Spearlet's backend snapshot push iff the
// revision is new, per spec.md §4.3 ("SMS stores the latest snapshot per
// node and never derives availability from secrets").
func (r *NodeRegistry) ReportNodeBackends(ctx context.Context, uuid string, revision uint64, backends []BackendSnapshot) bool {
	return r.base.Mutate(ctx, uuid, func(n Node) Node {
		if revision <= n.BackendsRevision && n.BackendsRevision != 0 {
			return n
		}
		n.Backends = backends
		n.BackendsRevision = revision
		return n
	})
}

// Get returns a node by UUID.
func (r *NodeRegistry) Get(ctx context.Context, uuid string) (Node, bool) { return r.base.Get(ctx, uuid) }

// List returns every node, sorted by UUID.
func (r *NodeRegistry) List(ctx context.Context) []Node { return r.base.List(ctx) }

// Unregister removes a node explicitly.
func (r *NodeRegistry) Unregister(ctx context.Context, uuid string) bool { return r.base.Delete(ctx, uuid) }

// Close stops the liveness sweep.
func (r *NodeRegistry) Close() {
	r.closeOnce.Do(func() { close(r.closeCh) })
	r.wg.Wait()
}

func (r *NodeRegistry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.closeCh:
			return
		case <-ticker.C:
			r.sweepOnce(time.Now().UTC().UnixMilli())
		}
	}
}

func (r *NodeRegistry) sweepOnce(nowMS int64) {
	for _, n := range r.base.List(context.Background()) {
		if !n.Online {
			continue
		}
		if nowMS-n.LastHeartbeatMS <= r.heartbeatTimeout.Milliseconds() {
			continue
		}
		r.base.Mutate(context.Background(), n.UUID, func(cur Node) Node {
			cur.Online = false
			return cur
		})
	}
}
