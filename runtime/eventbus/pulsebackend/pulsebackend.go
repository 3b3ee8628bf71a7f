// Package pulsebackend implements eventbus.Bus on top of goa.design/pulse
// streams backed by Redis. It mirrors the envelope-wrapping, stream-handle,
// and consumer-group layering used for Pulse-backed runtime event delivery,
// reshaped for SPEAR's resource/op/seq event model.
package pulsebackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/lfedgeai/spear/runtime/eventbus"
)

// Options configures the Pulse-backed bus.
type Options struct {
	// Redis is the connection backing every Pulse stream. Required.
	Redis *redis.Client
	// StreamMaxLen bounds entries retained per Pulse stream. Zero uses
	// Pulse's own default.
	StreamMaxLen int
	// SinkName identifies the Pulse consumer group used for Watch/Subscribe.
	// Defaults to "spear".
	SinkName string
	// OperationTimeout bounds individual Add calls. Zero means no timeout.
	OperationTimeout time.Duration
}

// wireEnvelope is the JSON shape written to each Pulse stream entry.
type wireEnvelope struct {
	EventID      string `json:"event_id"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Op           string `json:"op"`
	TimestampMS  int64  `json:"timestamp_ms"`
	Payload      []byte `json:"payload,omitempty"`
	NodeUUID     string `json:"node_uuid,omitempty"`
}

// Bus publishes and consumes SPEAR typed events over Pulse/Redis streams.
// Seq is derived from the Redis-assigned stream entry ID rather than an
// independent counter, since Pulse/Redis streams are themselves
// monotonically ordered per stream.
type Bus struct {
	redis   *redis.Client
	maxLen  int
	sink    string
	timeout time.Duration

	mu      sync.Mutex
	streams map[string]*streaming.Stream
}

// New constructs a Pulse-backed bus. Options.Redis is required.
func New(opts Options) (*Bus, error) {
	if opts.Redis == nil {
		return nil, errors.New("pulsebackend: redis client is required")
	}
	sink := opts.SinkName
	if sink == "" {
		sink = "spear"
	}
	return &Bus{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		sink:    sink,
		timeout: opts.OperationTimeout,
		streams: make(map[string]*streaming.Stream),
	}, nil
}

func (b *Bus) stream(name string) (*streaming.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[name]; ok {
		return s, nil
	}
	var opts []streamopts.Stream
	if b.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(b.maxLen))
	}
	s, err := streaming.NewStream(name, b.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulsebackend: open stream %q: %w", name, err)
	}
	b.streams[name] = s
	return s, nil
}

func (b *Bus) addCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

// Publish implements eventbus.Publisher: writes the same wire envelope to
// all, type.<R>, resource.<R>.<id>, and (if node-scoped) node.<uuid>.
func (b *Bus) Publish(ctx context.Context, rt eventbus.ResourceType, resourceID string, op eventbus.Op, payload []byte, nodeUUID string) (eventbus.Envelope, error) {
	if resourceID == "" {
		return eventbus.Envelope{}, errors.New("pulsebackend: resourceID is required")
	}
	we := wireEnvelope{
		EventID:      eventID(rt, resourceID, op),
		ResourceType: string(rt),
		ResourceID:   resourceID,
		Op:           string(op),
		TimestampMS:  time.Now().UTC().UnixMilli(),
		Payload:      payload,
		NodeUUID:     nodeUUID,
	}
	raw, err := json.Marshal(we)
	if err != nil {
		return eventbus.Envelope{}, fmt.Errorf("pulsebackend: marshal envelope: %w", err)
	}

	targets := []string{eventbus.AllStream, eventbus.TypeStream(rt), eventbus.ResourceStream(rt, resourceID)}
	if nodeUUID != "" {
		targets = append(targets, eventbus.NodeStream(nodeUUID))
	}

	var written eventbus.Envelope
	for _, name := range targets {
		s, err := b.stream(name)
		if err != nil {
			return eventbus.Envelope{}, err
		}
		addCtx, cancel := b.addCtx(ctx)
		id, err := s.Add(addCtx, we.EventID, raw)
		cancel()
		if err != nil {
			return eventbus.Envelope{}, fmt.Errorf("pulsebackend: add to %q: %w", name, err)
		}
		env := toEnvelope(we, name, id)
		if name == eventbus.ResourceStream(rt, resourceID) {
			written = env
		}
	}
	return written, nil
}

// Subscribe implements eventbus.Subscriber via a Pulse consumer group
// (sink). sinceSeq is advisory only: a Pulse sink is itself a durable
// consumer-group checkpoint keyed by b.sink, so replay position is governed
// by the last ack recorded for that sink name rather than by sinceSeq.
func (b *Bus) Subscribe(ctx context.Context, selector string, sinceSeq *uint64) (<-chan eventbus.Envelope, context.CancelFunc, error) {
	s, err := b.stream(selector)
	if err != nil {
		return nil, nil, err
	}
	sink, err := s.NewSink(ctx, b.sink)
	if err != nil {
		return nil, nil, fmt.Errorf("pulsebackend: new sink on %q: %w", selector, err)
	}

	out := make(chan eventbus.Envelope, 64)
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		defer sink.Close(context.Background())
		ch := sink.Subscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				var we wireEnvelope
				if err := json.Unmarshal(evt.Payload, &we); err != nil {
					continue
				}
				env := toEnvelope(we, selector, evt.ID)
				select {
				case out <- env:
				case <-runCtx.Done():
					return
				}
				sink.Ack(runCtx, evt)
			}
		}
	}()
	return out, cancel, nil
}

// Watch implements eventbus.Watcher by tailing type.<resource> the same way
// Subscribe does, translating Op into upserts/deletes.
func (b *Bus) Watch(ctx context.Context, rt eventbus.ResourceType, revision uint64) (<-chan eventbus.WatchEvent, context.CancelFunc, error) {
	var since *uint64
	if revision > 0 {
		since = &revision
	}
	envs, cancel, err := b.Subscribe(ctx, eventbus.TypeStream(rt), since)
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

// Close releases no connections: the caller owns the *redis.Client and its
// lifecycle.
func (b *Bus) Close(context.Context) error { return nil }

func toEnvelope(we wireEnvelope, stream string, redisID string) eventbus.Envelope {
	return eventbus.Envelope{
		EventID:      we.EventID,
		Stream:       stream,
		Seq:          parseRedisSeq(redisID),
		ResourceType: eventbus.ResourceType(we.ResourceType),
		ResourceID:   we.ResourceID,
		Op:           eventbus.Op(we.Op),
		TimestampMS:  we.TimestampMS,
		Payload:      we.Payload,
		NodeUUID:     we.NodeUUID,
	}
}

// parseRedisSeq extracts the millisecond-timestamp component of a Redis
// stream entry ID ("<ms>-<seq>") to use as a monotonic-enough uint64 seq for
// display/dedup purposes. Exact per-stream ordering is enforced by Redis
// itself, not by this value.
func parseRedisSeq(id string) uint64 {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			ms, err := strconv.ParseUint(id[:i], 10, 64)
			if err != nil {
				return 0
			}
			return ms
		}
	}
	ms, _ := strconv.ParseUint(id, 10, 64)
	return ms
}

func eventID(rt eventbus.ResourceType, resourceID string, op eventbus.Op) string {
	return fmt.Sprintf("%s:%s:%s:%d", rt, resourceID, op, time.Now().UTC().UnixNano())
}

var _ eventbus.Bus = (*Bus)(nil)
