/*Package audit provides the append-only audit trail.

Authorization decisions and alert lifecycle transitions are recorded as
immutable events. Events are fanned out to one or more sinks; the log sink is
always installed, a Kafka sink and a database sink can be added on top.
*/
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sfgrid-tech/sfgrid/core/logger"
)

// Kind classifies an audit event.
type Kind string

const (
	// KindAuthorization is an ACL decision for a publish or subscribe attempt.
	KindAuthorization Kind = "authorization"
	// KindAlertTriggered is a new alert created by the limit evaluator.
	KindAlertTriggered Kind = "alert_triggered"
	// KindAlertResolved is an operator resolving an alert.
	KindAlertResolved Kind = "alert_resolved"
	// KindAlertReverted is an operator reverting a resolved alert.
	KindAlertReverted Kind = "alert_reverted"
	// KindCommand is a device command routed through the relay.
	KindCommand Kind = "command"
)

// Event is a single audit record. Events are never mutated once appended.
type Event struct {
	Kind       Kind      `json:"kind"`
	UserID     string    `json:"user_id,omitempty"`
	Topic      string    `json:"topic,omitempty"`
	Action     string    `json:"action,omitempty"`
	Allowed    bool      `json:"allowed,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	SensorID   string    `json:"sensor_id,omitempty"`
	AlertID    string    `json:"alert_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Appender receives audit events. Implementations must be safe for
// concurrent use and must not block the caller for long; a slow sink drops
// rather than stalls the dispatch pipeline.
type Appender interface {
	Append(ctx context.Context, event Event)
}

// Trail fans events out to all registered sinks and stamps the record time.
type Trail struct {
	sinks []Appender
}

// NewTrail creates a trail with the given sinks. A trail without sinks is
// valid and discards everything.
func NewTrail(sinks ...Appender) *Trail {
	return &Trail{sinks: sinks}
}

// Append records the event with all sinks.
func (t *Trail) Append(ctx context.Context, event Event) {
	if event.RecordedAt.IsZero() {
		event.RecordedAt = time.Now().UTC()
	}
	for _, sink := range t.sinks {
		sink.Append(ctx, event)
	}
}

// LogAppender writes audit events to the context logger. Denied
// authorizations are expected traffic and log at info level.
type LogAppender struct{}

// Append implements Appender.
func (LogAppender) Append(ctx context.Context, event Event) {
	rlog := logger.FromContext(ctx).WithField("audit", string(event.Kind))
	switch event.Kind {
	case KindAuthorization:
		rlog.Infof("user %s %s on %s: allowed=%v (%s)",
			event.UserID, event.Action, event.Topic, event.Allowed, event.Reason)
	case KindAlertTriggered:
		rlog.Warnf("alert %s triggered for sensor %s: %s", event.AlertID, event.SensorID, event.Detail)
	default:
		rlog.Infof("%s sensor=%s alert=%s user=%s %s",
			event.Kind, event.SensorID, event.AlertID, event.UserID, event.Detail)
	}
}

// MemoryAppender keeps events in memory. It is used by tests and by the
// status endpoint to expose the most recent decisions.
type MemoryAppender struct {
	mutex  sync.Mutex
	events []Event
	limit  int
}

// NewMemoryAppender creates a memory appender that retains at most limit
// events; zero means unbounded.
func NewMemoryAppender(limit int) *MemoryAppender {
	return &MemoryAppender{limit: limit}
}

// Append implements Appender.
func (m *MemoryAppender) Append(ctx context.Context, event Event) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.events = append(m.events, event)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = m.events[len(m.events)-m.limit:]
	}
}

// Events returns a copy of the retained events.
func (m *MemoryAppender) Events() []Event {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	events := make([]Event, len(m.events))
	copy(events, m.events)
	return events
}
