// Package membackend implements a process-local, single-node eventbus.Bus
// backed by in-memory ring buffers. It is the default backend: no external
// service is required, which makes it suitable for single-node SMS
// deployments and for tests.
package membackend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lfedgeai/spear/runtime/eventbus"
)

func nowMS() int64 { return time.Now().UTC().UnixMilli() }

// ErrGapped is returned by Subscribe when sinceSeq refers to a seq that has
// already been evicted from the ring buffer: the bus cannot honor a gapless
// replay and the caller must resync from a full snapshot instead.
var ErrGapped = errors.New("membackend: requested seq evicted, replay would have a gap")

const defaultRingCapacity = 4096

// Bus is the in-memory eventbus backend. Zero value is not usable; use New.
type Bus struct {
	mu            sync.Mutex
	ringCapacity  int
	streams       map[string]*streamLog
	watchers      map[eventbus.ResourceType]*watchLog
	subscriptions map[string]map[*subscription]struct{}
}

type streamLog struct {
	entries  []eventbus.Envelope
	nextSeq  uint64
	oldest   uint64 // seq of entries[0], valid only if len(entries) > 0
}

type watchLog struct {
	revision uint64
}

type subscription struct {
	ch     chan eventbus.Envelope
	cancel context.CancelFunc
}

// New constructs an empty in-memory bus. ringCapacity bounds how many
// entries are retained per stream before the oldest are evicted; zero uses
// a sensible default.
func New(ringCapacity int) *Bus {
	if ringCapacity <= 0 {
		ringCapacity = defaultRingCapacity
	}
	return &Bus{
		ringCapacity:  ringCapacity,
		streams:       make(map[string]*streamLog),
		watchers:      make(map[eventbus.ResourceType]*watchLog),
		subscriptions: make(map[string]map[*subscription]struct{}),
	}
}

func (b *Bus) streamLocked(name string) *streamLog {
	s, ok := b.streams[name]
	if !ok {
		s = &streamLog{nextSeq: 1}
		b.streams[name] = s
	}
	return s
}

func (b *Bus) appendLocked(name string, env eventbus.Envelope) eventbus.Envelope {
	s := b.streamLocked(name)
	env.Stream = name
	env.Seq = s.nextSeq
	s.nextSeq++
	if len(s.entries) == 0 {
		s.oldest = env.Seq
	}
	s.entries = append(s.entries, env)
	if len(s.entries) > b.ringCapacity {
		drop := len(s.entries) - b.ringCapacity
		s.entries = s.entries[drop:]
		s.oldest = s.entries[0].Seq
	}
	for sub := range b.subscriptions[name] {
		select {
		case sub.ch <- env:
		default:
			// slow subscriber: drop rather than block publish; at-least-once
			// is still honored via replay from checkpoint on reconnect.
		}
	}
	return env
}

// Publish implements eventbus.Publisher.
func (b *Bus) Publish(_ context.Context, rt eventbus.ResourceType, resourceID string, op eventbus.Op, payload []byte, nodeUUID string) (eventbus.Envelope, error) {
	if resourceID == "" {
		return eventbus.Envelope{}, fmt.Errorf("membackend: resourceID is required")
	}
	base := eventbus.Envelope{
		EventID:      uuid.NewString(),
		ResourceType: rt,
		ResourceID:   resourceID,
		Op:           op,
		TimestampMS:  nowMS(),
		Payload:      payload,
		NodeUUID:     nodeUUID,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.appendLocked(eventbus.AllStream, base)
	b.appendLocked(eventbus.TypeStream(rt), base)
	written := b.appendLocked(eventbus.ResourceStream(rt, resourceID), base)
	if nodeUUID != "" {
		b.appendLocked(eventbus.NodeStream(nodeUUID), base)
	}
	if w, ok := b.watchers[rt]; ok {
		w.revision++
	} else {
		b.watchers[rt] = &watchLog{revision: 1}
	}
	return written, nil
}

// Subscribe implements eventbus.Subscriber: replay from sinceSeq (exclusive)
// then hand off to live delivery with no gap, by registering the live
// subscription before releasing the lock that guards the replay snapshot.
func (b *Bus) Subscribe(ctx context.Context, selector string, sinceSeq *uint64) (<-chan eventbus.Envelope, context.CancelFunc, error) {
	b.mu.Lock()
	s := b.streamLocked(selector)

	var replay []eventbus.Envelope
	if sinceSeq != nil {
		from := *sinceSeq
		if len(s.entries) > 0 && from+1 < s.oldest && from != 0 {
			b.mu.Unlock()
			return nil, nil, ErrGapped
		}
		for _, e := range s.entries {
			if e.Seq > from {
				replay = append(replay, e)
			}
		}
	}

	sub := &subscription{ch: make(chan eventbus.Envelope, 256)}
	if b.subscriptions[selector] == nil {
		b.subscriptions[selector] = make(map[*subscription]struct{})
	}
	b.subscriptions[selector][sub] = struct{}{}
	b.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	sub.cancel = cancel
	out := make(chan eventbus.Envelope, 256)

	go func() {
		defer close(out)
		for _, e := range replay {
			select {
			case out <- e:
			case <-runCtx.Done():
				b.unsubscribe(selector, sub)
				return
			}
		}
		for {
			select {
			case <-runCtx.Done():
				b.unsubscribe(selector, sub)
				return
			case e, ok := <-sub.ch:
				if !ok {
					return
				}
				select {
				case out <- e:
				case <-runCtx.Done():
					b.unsubscribe(selector, sub)
					return
				}
			}
		}
	}()

	cancelFunc := func() {
		cancel()
	}
	return out, cancelFunc, nil
}

func (b *Bus) unsubscribe(selector string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscriptions[selector]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subscriptions, selector)
		}
	}
}

// Watch implements eventbus.Watcher with a coarse full-resync-per-change
// model: membackend has no separate keyed-projection store, so each call
// simply tails the type.<resource> stream and reports each event as one
// WatchEvent: an OpDelete event as its resource id in Deletes, any other
// event as its envelope in Upserts.
func (b *Bus) Watch(ctx context.Context, rt eventbus.ResourceType, revision uint64) (<-chan eventbus.WatchEvent, context.CancelFunc, error) {
	since := revision
	envs, cancel, err := b.Subscribe(ctx, eventbus.TypeStream(rt), &since)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan eventbus.WatchEvent, 64)
	go func() {
		defer close(out)
		for e := range envs {
			we := eventbus.WatchEvent{Revision: e.Seq}
			if e.Op == eventbus.OpDelete {
				we.Deletes = []string{e.ResourceID}
			} else {
				we.Upserts = []eventbus.Envelope{e}
			}
			out <- we
		}
	}()
	return out, cancel, nil
}

// Close releases no external resources; it is provided to satisfy
// eventbus.Bus.
func (b *Bus) Close(context.Context) error { return nil }

var _ eventbus.Bus = (*Bus)(nil)
