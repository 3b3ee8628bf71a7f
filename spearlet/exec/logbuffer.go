package exec

import (
	"context"
	"errors"
	"sync"
	"time"
)

// LogState is a log's lifecycle stage (spec.md §4.7): open while the
// execution runs, finalizing once a terminal signal arrives and the last
// flush is in flight, finalized once that flush lands.
type LogState string

const (
	LogOpen       LogState = "open"
	LogFinalizing LogState = "finalizing"
	LogFinalized  LogState = "finalized"
)

// ErrLogFinalized is returned by Append once a log has reached finalized.
var ErrLogFinalized = errors.New("exec: log already finalized")

// LogStreamKind distinguishes a log line's origin.
type LogStreamKind string

const (
	LogStreamStdout LogStreamKind = "stdout"
	LogStreamStderr LogStreamKind = "stderr"
	LogStreamSystem LogStreamKind = "system"
)

// LogLine is one structured log record.
type LogLine struct {
	TsMS         int64
	Seq          uint64
	InvocationID string
	ExecutionID  string
	TaskID       string
	FunctionName string
	NodeUUID     string
	InstanceID   string
	Stream       LogStreamKind
	Level        string
	Message      string
	Attrs        map[string]any
}

func (l LogLine) approxBytes() int {
	return len(l.Message) + 64
}

// LogSink persists flushed log lines for an execution.
type LogSink interface {
	Write(ctx context.Context, executionID string, lines []LogLine) error
}

// MemorySink is the default in-process LogSink, keeping flushed lines per
// execution in memory. Production deployments wire a durable backend (the
// spec leaves log storage an external collaborator); this is enough to make
// the lifecycle observable and testable.
type MemorySink struct {
	mu  sync.Mutex
	byE map[string][]LogLine
}

// NewMemorySink constructs an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{byE: make(map[string][]LogLine)}
}

// Write appends lines to executionID's accumulated log.
func (s *MemorySink) Write(ctx context.Context, executionID string, lines []LogLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byE[executionID] = append(s.byE[executionID], lines...)
	return nil
}

// Lines returns everything flushed for executionID so far.
func (s *MemorySink) Lines(executionID string) []LogLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogLine, len(s.byE[executionID]))
	copy(out, s.byE[executionID])
	return out
}

// LogBuffer is the per-execution bounded ring buffer described in spec.md
// §4.7: bounded by bytes and lines, drop_oldest on overflow, flushed on a
// size threshold, a 1s timer (driven externally by Manager), or terminal
// status.
type LogBuffer struct {
	executionID string
	sink        LogSink
	maxBytes    int
	maxLines    int
	flushBytes  int

	mu            sync.Mutex
	lines         []LogLine
	bytes         int
	nextSeq       uint64
	droppedEvents uint64
	state         LogState
}

// NewLogBuffer constructs an open LogBuffer for executionID.
func NewLogBuffer(executionID string, sink LogSink, maxBytes, maxLines int) *LogBuffer {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	if maxLines <= 0 {
		maxLines = 10_000
	}
	return &LogBuffer{
		executionID: executionID,
		sink:        sink,
		maxBytes:    maxBytes,
		maxLines:    maxLines,
		flushBytes:  maxBytes / 4,
		state:       LogOpen,
	}
}

// State returns the buffer's current lifecycle stage.
func (b *LogBuffer) State() LogState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// DroppedEvents returns the running drop_oldest counter.
func (b *LogBuffer) DroppedEvents() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.droppedEvents
}

// Append records one log line, assigning it the next per-execution seq.
// Returns ErrLogFinalized if the log has already finalized.
func (b *LogBuffer) Append(ctx context.Context, line LogLine) error {
	b.mu.Lock()
	if b.state == LogFinalized {
		b.mu.Unlock()
		return ErrLogFinalized
	}
	b.nextSeq++
	line.Seq = b.nextSeq
	line.ExecutionID = b.executionID
	b.lines = append(b.lines, line)
	b.bytes += line.approxBytes()

	for len(b.lines) > b.maxLines || b.bytes > b.maxBytes {
		dropped := b.lines[0]
		b.lines = b.lines[1:]
		b.bytes -= dropped.approxBytes()
		b.droppedEvents++
	}

	shouldFlush := b.bytes >= b.flushBytes
	b.mu.Unlock()

	if shouldFlush {
		return b.Flush(ctx)
	}
	return nil
}

// Flush writes any buffered lines to the sink and clears them from the
// in-memory ring (they remain durable via the sink).
func (b *LogBuffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.lines) == 0 {
		b.mu.Unlock()
		return nil
	}
	pending := b.lines
	b.lines = nil
	b.bytes = 0
	b.mu.Unlock()

	return b.sink.Write(ctx, b.executionID, pending)
}

// Finalize transitions open/finalizing -> finalizing -> finalized,
// performing the last flush in between. Safe to call more than once; only
// the first call does any work.
func (b *LogBuffer) Finalize(ctx context.Context) error {
	b.mu.Lock()
	if b.state == LogFinalized {
		b.mu.Unlock()
		return nil
	}
	b.state = LogFinalizing
	b.mu.Unlock()

	err := b.Flush(ctx)

	b.mu.Lock()
	b.state = LogFinalized
	b.mu.Unlock()
	return err
}

// nowMS returns the current wall-clock time in Unix milliseconds.
func nowMS() int64 { return time.Now().UnixMilli() }
