package workflow

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// EventKind identifies the type of event emitted during a run.
type EventKind string

const (
	// EventRunStarted is emitted when a run begins.
	EventRunStarted EventKind = "run.started"

	// EventBranchStarted is emitted before a branch opens its session.
	EventBranchStarted EventKind = "branch.started"

	// EventSessionOpened is emitted once a tool session completed its handshake.
	EventSessionOpened EventKind = "session.opened"

	// EventToolCall is emitted when a tool invocation begins.
	EventToolCall EventKind = "tool.call"

	// EventToolResult is emitted when a tool invocation completes, successfully or not.
	EventToolResult EventKind = "tool.result"

	// EventSessionClosed is emitted after a spawned server process was shut down.
	EventSessionClosed EventKind = "session.closed"

	// EventBranchFinished is emitted with the branch outcome, including skips.
	EventBranchFinished EventKind = "branch.finished"

	// EventRunFinished is emitted when a run completes.
	EventRunFinished EventKind = "run.finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a small structured record of what happened during a run.
type Event struct {
	Kind  EventKind
	RunID string

	// Branch is empty for run-level events.
	Branch string

	Time time.Time

	// Elapsed is the duration since the run or branch started.
	Elapsed time.Duration

	Payload map[string]any

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithBranch sets the branch name on the event.
func (e Event) WithBranch(branch string) Event {
	e.Branch = branch
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// PayloadString returns a string payload value, or "" when absent.
func (e Event) PayloadString(key string) string {
	if value, ok := e.Payload[key].(string); ok {
		return value
	}
	return ""
}

// EventHandler receives run events. Handlers must be safe for concurrent
// use: independent branches emit from their own goroutines.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}

// LogEventHandler logs every event at debug level.
func LogEventHandler(logger *slog.Logger) EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(e Event) {
		attrs := []any{"run_id", e.RunID, "seq", e.Seq}
		if e.Branch != "" {
			attrs = append(attrs, "branch", e.Branch)
		}
		if e.Elapsed > 0 {
			attrs = append(attrs, "elapsed", e.Elapsed)
		}
		if e.TraceID != "" {
			attrs = append(attrs, "trace_id", e.TraceID, "span_id", e.SpanID)
		}
		for key, value := range e.Payload {
			attrs = append(attrs, key, value)
		}
		logger.Debug(e.Kind.String(), attrs...)
	}
}

// seqGen produces monotonically increasing sequence numbers for a single run.
type seqGen struct {
	counter atomic.Uint64
}

func (s *seqGen) Next() uint64 {
	return s.counter.Add(1)
}
