// Package eventbus implements the typed event bus (C1): durable-replay plus
// live fan-out of structured envelopes over per-stream sequence numbers.
// Backends (membackend, pulsebackend) share this contract; callers only ever
// see Publisher/Subscriber.
package eventbus

import (
	"context"
	"time"
)

// ResourceType enumerates the kinds of resource an event describes.
type ResourceType string

const (
	ResourceNode      ResourceType = "node"
	ResourceTask      ResourceType = "task"
	ResourceInstance  ResourceType = "instance"
	ResourceExecution ResourceType = "execution"
	ResourceMCP       ResourceType = "mcp"
	ResourceFile      ResourceType = "file"
)

// Op enumerates the mutation kind an event represents.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Envelope is the typed event shape published on every stream.
type Envelope struct {
	EventID      string
	Stream       string
	Seq          uint64
	ResourceType ResourceType
	ResourceID   string
	Op           Op
	TimestampMS  int64
	Payload      []byte
	// NodeUUID is set for node-scoped resources and drives the extra
	// node.<uuid> fan-out stream.
	NodeUUID string
}

// Checkpoint is a per-subscriber recovery cursor: last acked seq per stream.
type Checkpoint map[string]uint64

// Publisher publishes envelopes derived from a resource mutation. The bus
// fans a single logical event out to four streams: all, type.<resource>,
// resource.<resource>.<id>, and (for node-scoped resources) node.<uuid>.
// Each fan-out target allocates its own monotonic per-stream seq.
type Publisher interface {
	// Publish writes payload describing op on (resourceType, resourceID) to
	// every applicable stream and returns the envelope written to the
	// resource.<resourceType>.<resourceID> stream (its Seq is that stream's
	// allocated sequence number).
	Publish(ctx context.Context, resourceType ResourceType, resourceID string, op Op, payload []byte, nodeUUID string) (Envelope, error)
}

// Subscriber supports durable replay from a checkpoint followed by live
// fan-out, gapless per stream. Delivery is at-least-once; callers dedupe on
// (stream, seq).
type Subscriber interface {
	// Subscribe opens a stream of envelopes matching selector. If sinceSeq
	// is non-nil, replay starts at that seq (exclusive) and hands off to
	// live delivery with no gap. Closing ctx or calling the returned
	// context.CancelFunc stops delivery and closes the channel.
	Subscribe(ctx context.Context, selector string, sinceSeq *uint64) (<-chan Envelope, context.CancelFunc, error)
}

// WatchEvent is emitted by Watch: a registry-level snapshot delta.
type WatchEvent struct {
	Revision uint64
	Upserts  []Envelope
	Deletes  []string
}

// Watcher supports registries (C3) subscribing to coalesced upsert/delete
// deltas for a resource type, starting from a given revision.
type Watcher interface {
	Watch(ctx context.Context, resourceType ResourceType, revision uint64) (<-chan WatchEvent, context.CancelFunc, error)
}

// Bus combines Publisher, Subscriber, and Watcher — the full C1 contract a
// backend must implement.
type Bus interface {
	Publisher
	Subscriber
	Watcher
	// Close releases backend resources (connections, goroutines).
	Close(ctx context.Context) error
}

// AllStream is the fan-out stream every event is written to regardless of
// resource type.
const AllStream = "all"

// TypeStream returns the fan-out stream name for a resource type.
func TypeStream(rt ResourceType) string { return "type." + string(rt) }

// ResourceStream returns the fan-out stream name for a specific resource.
func ResourceStream(rt ResourceType, id string) string {
	return "resource." + string(rt) + "." + id
}

// NodeStream returns the fan-out stream name for a node-scoped consumer.
func NodeStream(nodeUUID string) string { return "node." + nodeUUID }

// fanOutStreams returns every stream name a given event must be written to,
// in the fixed order all, type.<R>, resource.<R>.<id>, node.<uuid>?.
func fanOutStreams(rt ResourceType, id, nodeUUID string) []string {
	streams := []string{AllStream, TypeStream(rt), ResourceStream(rt, id)}
	if nodeUUID != "" {
		streams = append(streams, NodeStream(nodeUUID))
	}
	return streams
}

func nowMS() int64 { return time.Now().UTC().UnixMilli() }
