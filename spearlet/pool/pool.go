// Package pool implements the Spearlet's per-task instance pool and
// scheduler (C6): hot/warm/cold tiers, pluggable selection policies, and the
// three concurrency ceilings (global/per-task/per-function) backed by a
// token-bucket rate limiter and an adaptive latency limiter.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/lfedgeai/spear/runtime/errs"
	"github.com/lfedgeai/spear/runtime/telemetry"
)

// Tier is the pool an instance currently belongs to.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Creator materializes a new instance for a task. Pool adds a returned
// instance straight to the Hot tier and makes it selectable at once; it
// does not track per-instance lifecycle states.
type Creator interface {
	Create(ctx context.Context, taskID string) (*Instance, error)
	// Reclaim tears down an instance previously returned by Create.
	Reclaim(ctx context.Context, inst *Instance) error
}

// Pool holds one task's hot/warm/cold instances.
type Pool struct {
	taskID       string
	creator      Creator
	policy       Policy
	maxInstances int // creation ceiling; 0 means unlimited

	mu   sync.Mutex
	hot  []*Instance
	warm []*Instance
	// cold tracks in-flight creations so maxInstances accounts for them too.
	coldInFlight int
}

// NewPool constructs a Pool for one task.
func NewPool(taskID string, creator Creator, policy Policy, maxInstances int) *Pool {
	if policy == nil {
		policy = LeastConnectionsPolicy{}
	}
	return &Pool{taskID: taskID, creator: creator, policy: policy, maxInstances: maxInstances}
}

// Acquire selects an instance with free capacity per step §4.6: prefer Hot,
// else promote Warm to Hot, else create Cold. Returns errs.ErrNoCapacity
// when creation is exhausted or the creator fails.
func (p *Pool) Acquire(ctx context.Context, affinityKey string) (*Instance, error) {
	p.mu.Lock()
	if inst := p.selectLocked(p.hot, affinityKey); inst != nil {
		p.mu.Unlock()
		inst.Acquire()
		return inst, nil
	}
	if len(p.warm) > 0 {
		inst := p.warm[0]
		p.warm = p.warm[1:]
		p.hot = append(p.hot, inst)
		p.mu.Unlock()
		inst.Acquire()
		return inst, nil
	}
	if p.maxInstances > 0 && len(p.hot)+len(p.warm)+p.coldInFlight >= p.maxInstances {
		p.mu.Unlock()
		return nil, errs.Wrap(errs.ErrNoCapacity, "task %s: instance ceiling %d reached", p.taskID, p.maxInstances)
	}
	p.coldInFlight++
	p.mu.Unlock()

	inst, err := p.creator.Create(ctx, p.taskID)
	p.mu.Lock()
	p.coldInFlight--
	p.mu.Unlock()
	if err != nil {
		return nil, errs.Wrap(errs.ErrNoCapacity, "task %s: create instance: %v", p.taskID, err)
	}
	p.mu.Lock()
	p.hot = append(p.hot, inst)
	p.mu.Unlock()
	inst.Acquire()
	return inst, nil
}

// selectLocked must be called with p.mu held.
func (p *Pool) selectLocked(candidates []*Instance, affinityKey string) *Instance {
	free := make([]*Instance, 0, len(candidates))
	for _, c := range candidates {
		if c.FreeCapacity() > 0 {
			free = append(free, c)
		}
	}
	return p.policy.Select(free, affinityKey)
}

// Release returns an instance's capacity slot after an execution finishes.
func (p *Pool) Release(inst *Instance) { inst.Release() }

// MarkWarm demotes an instance from Hot to Warm (e.g. after an idle tick).
func (p *Pool) MarkWarm(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, inst := range p.hot {
		if inst.ID == id {
			p.hot = append(p.hot[:i], p.hot[i+1:]...)
			p.warm = append(p.warm, inst)
			return true
		}
	}
	return false
}

// Reclaim removes an instance from the pool and tears it down via
// Creator.Reclaim. It does not wait for the instance's in-flight
// executions to finish before calling Creator.Reclaim.
func (p *Pool) Reclaim(ctx context.Context, id string) error {
	p.mu.Lock()
	inst := p.removeLocked(id)
	p.mu.Unlock()
	if inst == nil {
		return fmt.Errorf("pool: instance %s not found in task %s", id, p.taskID)
	}
	return p.creator.Reclaim(ctx, inst)
}

func (p *Pool) removeLocked(id string) *Instance {
	for i, inst := range p.hot {
		if inst.ID == id {
			p.hot = append(p.hot[:i], p.hot[i+1:]...)
			return inst
		}
	}
	for i, inst := range p.warm {
		if inst.ID == id {
			p.warm = append(p.warm[:i], p.warm[i+1:]...)
			return inst
		}
	}
	return nil
}

// IdleReclaim reclaims every Warm instance whose LastActive exceeds ttl.
// Callers run this from a periodic tick; it never blocks on Creator.Reclaim
// for more than one instance at a time from the caller's goroutine.
func (p *Pool) IdleReclaim(ctx context.Context, ttl time.Duration, lastActive func(*Instance) time.Time, now time.Time) []error {
	p.mu.Lock()
	var stale []*Instance
	kept := p.warm[:0:0]
	for _, inst := range p.warm {
		if now.Sub(lastActive(inst)) > ttl {
			stale = append(stale, inst)
		} else {
			kept = append(kept, inst)
		}
	}
	p.warm = kept
	p.mu.Unlock()

	var errsOut []error
	for _, inst := range stale {
		if err := p.creator.Reclaim(ctx, inst); err != nil {
			errsOut = append(errsOut, err)
		}
	}
	return errsOut
}

// Snapshot reports the current tier population, for metrics/console display.
func (p *Pool) Snapshot() (hot, warm, coldInFlight int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hot), len(p.warm), p.coldInFlight
}

// ---- Scheduler: concurrency ceilings + admission control ----

// Limits configures the Scheduler's three concurrency ceilings and the
// token-bucket admission rate. Zero values mean "unlimited" for the
// ceilings, and "no rate limiting" for RatePerSecond.
type Limits struct {
	Global        int64
	PerTask       int64
	PerFunction   int64
	RatePerSecond float64
	RateBurst     int
}

// Scheduler owns one Pool per task plus the three-tier semaphore admission
// control and a token-bucket + adaptive-latency limiter in front of it.
// Grounded on the AIMD adaptive rate limiter shape in
// features/model/middleware/ratelimit.go, retargeted from a tokens-per-
// minute budget to an admission-latency budget.
type Scheduler struct {
	logger telemetry.Logger
	limits Limits

	global *semaphore.Weighted
	rate   *rate.Limiter

	mu          sync.Mutex
	pools       map[string]*Pool
	perTaskSem  map[string]*semaphore.Weighted
	perFuncSem  map[string]*semaphore.Weighted

	adaptive *adaptiveLimiter
}

// NewScheduler constructs a Scheduler. logger may be nil (defaults to noop).
func NewScheduler(limits Limits, logger telemetry.Logger) *Scheduler {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	var global *semaphore.Weighted
	if limits.Global > 0 {
		global = semaphore.NewWeighted(limits.Global)
	}
	var lim *rate.Limiter
	if limits.RatePerSecond > 0 {
		burst := limits.RateBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(limits.RatePerSecond), burst)
	}
	return &Scheduler{
		logger:     logger,
		limits:     limits,
		global:     global,
		rate:       lim,
		pools:      make(map[string]*Pool),
		perTaskSem: make(map[string]*semaphore.Weighted),
		perFuncSem: make(map[string]*semaphore.Weighted),
		adaptive:   newAdaptiveLimiter(),
	}
}

// RegisterPool associates a task's Pool with the scheduler. Must be called
// before Dispatch for that task.
func (s *Scheduler) RegisterPool(taskID string, p *Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[taskID] = p
	if s.limits.PerTask > 0 {
		s.perTaskSem[taskID] = semaphore.NewWeighted(s.limits.PerTask)
	}
}

// Dispatch admits a request (rate limit + three semaphores, in that order),
// selects/creates an instance from the task's pool, and returns a Ticket the
// caller must Release when the execution finishes (success or failure).
// Returns errs.ErrOverloaded when the rate limiter or adaptive limiter
// rejects admission, errs.ErrNoCapacity when the pool can't produce an
// instance.
func (s *Scheduler) Dispatch(ctx context.Context, taskID, functionName, affinityKey string) (*Ticket, error) {
	if s.rate != nil && !s.rate.Allow() {
		return nil, errs.Wrap(errs.ErrOverloaded, "task %s: rate limit exceeded", taskID)
	}
	if !s.adaptive.Allow() {
		return nil, errs.Wrap(errs.ErrOverloaded, "task %s: adaptive latency limiter rejected admission", taskID)
	}

	s.mu.Lock()
	pl, ok := s.pools[taskID]
	taskSem := s.perTaskSem[taskID]
	funcSem, funcOK := s.perFuncSem[functionName]
	if !funcOK && s.limits.PerFunction > 0 {
		funcSem = semaphore.NewWeighted(s.limits.PerFunction)
		s.perFuncSem[functionName] = funcSem
	}
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("pool: task %s has no registered pool", taskID)
	}

	acquired := make([]*semaphore.Weighted, 0, 3)
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Release(1)
		}
	}
	for _, sem := range []*semaphore.Weighted{s.global, taskSem, funcSem} {
		if sem == nil {
			continue
		}
		if !sem.TryAcquire(1) {
			release()
			return nil, errs.Wrap(errs.ErrOverloaded, "task %s fn %s: concurrency ceiling reached", taskID, functionName)
		}
		acquired = append(acquired, sem)
	}

	inst, err := pl.Acquire(ctx, affinityKey)
	if err != nil {
		release()
		return nil, err
	}
	return &Ticket{sched: s, pool: pl, inst: inst, release: release, started: time.Now()}, nil
}

// Ticket represents one admitted, instance-bound request. Release must be
// called exactly once.
type Ticket struct {
	sched   *Scheduler
	pool    *Pool
	inst    *Instance
	release func()
	started time.Time
}

// Instance returns the instance this ticket was admitted onto.
func (t *Ticket) Instance() *Instance { return t.inst }

// Release returns all acquired capacity (pool slot + semaphores) and
// records the observed latency with the scheduler's adaptive limiter.
func (t *Ticket) Release() {
	t.pool.Release(t.inst)
	t.release()
	t.sched.adaptive.Observe(time.Since(t.started))
}

// adaptiveLimiter throttles admission when observed execution latency grows,
// AIMD-style: each timeout/slow observation halves the allowed concurrency,
// each fast observation grows it by one, grounded on the backoff/probe shape
// in features/model/middleware/ratelimit.go.
type adaptiveLimiter struct {
	mu        sync.Mutex
	ewmaMS    float64
	threshold float64 // latency above which admission starts rejecting
	budget    int64   // current allowance
	maxBudget int64
	inFlight  int64
}

func newAdaptiveLimiter() *adaptiveLimiter {
	return &adaptiveLimiter{threshold: 2000, budget: 64, maxBudget: 4096}
}

func (a *adaptiveLimiter) Allow() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight >= a.budget {
		return false
	}
	a.inFlight++
	return true
}

func (a *adaptiveLimiter) Observe(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight > 0 {
		a.inFlight--
	}
	ms := float64(d.Milliseconds())
	if a.ewmaMS == 0 {
		a.ewmaMS = ms
	} else {
		a.ewmaMS = 0.8*a.ewmaMS + 0.2*ms
	}
	if a.ewmaMS > a.threshold {
		a.budget = maxInt64(a.budget/2, 1)
		return
	}
	if a.budget < a.maxBudget {
		a.budget++
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
