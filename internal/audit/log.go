package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"ecofleet.org/internal/ids"
	"ecofleet.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Decision values carried by events.
const (
	DecisionAllow   = "allow"
	DecisionDeny    = "deny"
	DecisionSuccess = "success"
	DecisionFailure = "failure"
)

// Event is one structured audit entry.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	RequestID string         `json:"request_id,omitempty"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Decision  string         `json:"decision"`
	Reason    string         `json:"reason,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Recorder receives audit events. Implementations must not block the caller
// on slow sinks for longer than a single write.
type Recorder interface {
	Record(ctx context.Context, evt Event)
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Normalize fills the ID, timestamp and request id of evt when missing.
func Normalize(ctx context.Context, evt Event) Event {
	if evt.ID == "" {
		evt.ID = ids.New()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.RequestID == "" {
		evt.RequestID = requestIDFromContext(ctx)
	}
	return evt
}

// LogRecorder writes events as JSON lines through the shared logger.
type LogRecorder struct{}

func (LogRecorder) Record(ctx context.Context, evt Event) {
	_ = LogEvent(ctx, evt)
}

// LogEvent writes an audit log entry enriched with request context.
func LogEvent(ctx context.Context, evt Event) error {
	if strings.TrimSpace(evt.Action) == "" {
		return errors.New("event action is required")
	}
	evt = Normalize(ctx, evt)
	l := obs.Logger()
	e := l.Info().
		Str("type", "audit").
		Str("event_id", evt.ID).
		Time("event_ts", evt.Timestamp).
		Str("actor_id", evt.ActorID).
		Str("action", evt.Action).
		Str("resource", evt.Resource).
		Str("decision", evt.Decision)
	if evt.RequestID != "" {
		e = e.Str("request_id", evt.RequestID)
	}
	if evt.Reason != "" {
		e = e.Str("reason", evt.Reason)
	}
	if len(evt.Fields) > 0 {
		e = e.Interface("fields", evt.Fields)
	}
	e.Msg("audit")
	return nil
}

// Appender persists events, e.g. to the audit_log table.
type Appender interface {
	AppendAudit(ctx context.Context, evt Event) error
}

// StoreRecorder persists events through an Appender. Write failures are
// logged and otherwise ignored.
type StoreRecorder struct {
	Store Appender
}

func (r StoreRecorder) Record(ctx context.Context, evt Event) {
	if r.Store == nil {
		return
	}
	evt = Normalize(ctx, evt)
	// The audit row must outlive a cancelled request.
	if err := r.Store.AppendAudit(context.WithoutCancel(ctx), evt); err != nil {
		l := obs.Logger()
		l.Error().Err(err).Str("event_id", evt.ID).Str("action", evt.Action).Msg("audit.append_failed")
	}
}

// Multi fans an event out to every recorder with the same ID and timestamp.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, evt Event) {
	evt = Normalize(ctx, evt)
	for _, r := range m {
		if r != nil {
			r.Record(ctx, evt)
		}
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// Memory keeps events in memory. Tests use it to assert on emitted events.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Record(ctx context.Context, evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Normalize(ctx, evt))
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
