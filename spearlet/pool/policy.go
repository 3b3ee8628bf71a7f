package pool

import "sync/atomic"

// Instance is the subset of instance state a selection Policy needs.
type Instance struct {
	ID          string
	Capacity    int
	inFlight    int64 // atomic
	Weight      float64
	LatencyEWMA float64 // milliseconds, lower is better
	AffinityKey string
}

// FreeCapacity returns how many more concurrent executions this instance
// can admit.
func (i *Instance) FreeCapacity() int {
	return i.Capacity - int(atomic.LoadInt64(&i.inFlight))
}

// Acquire records one more in-flight execution.
func (i *Instance) Acquire() { atomic.AddInt64(&i.inFlight, 1) }

// Release records one fewer in-flight execution.
func (i *Instance) Release() { atomic.AddInt64(&i.inFlight, -1) }

// Policy selects one instance with free capacity from candidates. Callers
// filter to FreeCapacity() > 0 before calling Select; Policy implementations
// may assume every candidate has room.
type Policy interface {
	Select(candidates []*Instance, affinityKey string) *Instance
}

// RoundRobinPolicy cycles through candidates in order across calls.
type RoundRobinPolicy struct {
	counter uint64
}

func (p *RoundRobinPolicy) Select(candidates []*Instance, _ string) *Instance {
	if len(candidates) == 0 {
		return nil
	}
	n := atomic.AddUint64(&p.counter, 1)
	return candidates[int(n-1)%len(candidates)]
}

// LeastConnectionsPolicy picks the candidate with the most free capacity.
type LeastConnectionsPolicy struct{}

func (LeastConnectionsPolicy) Select(candidates []*Instance, _ string) *Instance {
	return pickBest(candidates, func(i *Instance) float64 { return float64(i.FreeCapacity()) })
}

// WeightedPolicy picks probabilistically-equivalent-but-deterministic best
// by static Weight (ties broken by free capacity).
type WeightedPolicy struct{}

func (WeightedPolicy) Select(candidates []*Instance, _ string) *Instance {
	return pickBest(candidates, func(i *Instance) float64 {
		return i.Weight*1000 + float64(i.FreeCapacity())
	})
}

// LoadAwarePolicy picks the candidate with the lowest observed latency EWMA.
type LoadAwarePolicy struct{}

func (LoadAwarePolicy) Select(candidates []*Instance, _ string) *Instance {
	return pickBest(candidates, func(i *Instance) float64 {
		if i.LatencyEWMA <= 0 {
			return 1e9 // unseen instances rank highest (least loaded assumption)
		}
		return -i.LatencyEWMA
	})
}

// AffinityPolicy prefers an instance whose AffinityKey matches the request's,
// falling back to LeastConnections among the rest.
type AffinityPolicy struct {
	fallback Policy
}

// NewAffinityPolicy constructs an AffinityPolicy with LeastConnectionsPolicy
// as its fallback when no candidate matches affinityKey.
func NewAffinityPolicy() *AffinityPolicy {
	return &AffinityPolicy{fallback: LeastConnectionsPolicy{}}
}

func (p *AffinityPolicy) Select(candidates []*Instance, affinityKey string) *Instance {
	if affinityKey != "" {
		for _, c := range candidates {
			if c.AffinityKey == affinityKey {
				return c
			}
		}
	}
	return p.fallback.Select(candidates, affinityKey)
}

func pickBest(candidates []*Instance, score func(*Instance) float64) *Instance {
	var best *Instance
	var bestScore float64
	for _, c := range candidates {
		s := score(c)
		if best == nil || s > bestScore || (s == bestScore && c.ID < best.ID) {
			best = c
			bestScore = s
		}
	}
	return best
}
