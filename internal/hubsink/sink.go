// Package hubsink provides the hub's default EventSink: a thin adapter onto
// pkg/logging. Durable event storage (audit logs, metrics pipelines) is an
// out-of-scope collaborator's concern; the hub only ever needs something to
// emit to, and absent an injected collaborator this is what cmd wires in.
package hubsink

import (
	"github.com/musterhub/hub/internal/hub"
	"github.com/musterhub/hub/pkg/logging"
)

// LogSink emits every hub.Event as a structured log line at a severity
// picked from its Kind. It keeps no history; callers that need queryable
// event history are expected to supply their own hub.EventSink.
type LogSink struct{}

func New() LogSink { return LogSink{} }

func (LogSink) Emit(e hub.Event) {
	switch e.Kind {
	case hub.EventProtocolWarning, hub.EventSinkOverflow:
		logging.Warn(string(e.Kind), "backend=%s session=%s execution=%s data=%v", e.Backend, logging.TruncateSessionID(e.SessionID), e.ExecutionID, e.Data)
	default:
		logging.Debug(string(e.Kind), "backend=%s session=%s execution=%s data=%v", e.Backend, logging.TruncateSessionID(e.SessionID), e.ExecutionID, e.Data)
	}
}
