package hub

import (
	"context"
	"math/rand"
	"time"
)

// EventSink is a one-way sink for lifecycle, capability-change, execution,
// and audit events (spec.md §1, §6). Persistence is a collaborator's
// concern; the hub only ever writes to this interface.
type EventSink interface {
	Emit(Event)
}

// Event is the flat event envelope emitted to EventSink (spec.md §6).
type Event struct {
	Timestamp   time.Time              `json:"ts"`
	Kind        EventKind              `json:"kind"`
	Backend     string                 `json:"backend,omitempty"`
	SessionID   string                 `json:"sessionId,omitempty"`
	ExecutionID string                 `json:"executionId,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// EventKind enumerates the event kinds named in spec.md §6.
type EventKind string

const (
	EventConnectionState     EventKind = "connection_state"
	EventCapabilitiesChanged EventKind = "capabilities_changed"
	EventRequestComplete     EventKind = "request_complete"
	EventToolStart           EventKind = "tool_start"
	EventToolComplete        EventKind = "tool_complete"
	EventSessionOpen         EventKind = "session_open"
	EventSessionClose        EventKind = "session_close"
	EventChainStart          EventKind = "chain_start"
	EventChainStep           EventKind = "chain_step"
	EventChainComplete       EventKind = "chain_complete"
	EventSinkOverflow        EventKind = "sink_overflow"
	EventProtocolWarning     EventKind = "protocol_warning"
	EventBackendStderr       EventKind = "backend_stderr"
)

// CredentialProvider resolves ${NAME} references in backend configuration
// (command env, headers, URLs). The hub resolves them each time the
// configuration file is loaded (hubconfig.Load), not on each connection
// attempt, so a reconnect reuses the values from the last load. The hub never stores or
// manages credentials itself (spec.md §1).
type CredentialProvider interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Clock is injectable wall-clock access for deterministic tests (spec.md §2).
type Clock interface {
	Now() time.Time
}

// Random is injectable randomness for deterministic tests. Connections
// receive it, but reconnection backoff jitter comes from the backoff
// library's own randomization, not from Random.
type Random interface {
	Float64() float64
}

// SystemClock implements Clock with the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// SystemRandom implements Random with math/rand's global source.
type SystemRandom struct{}

func (SystemRandom) Float64() float64 { return rand.Float64() }
