/*Package store is the persistence gateway for readings, alerts, commands
and sessions.

The relay core treats the gateway as a transactional row store behind an
interface. The postgres implementation is the production one; the memory
implementation backs tests and the standalone demo mode.
*/
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Reading is one persisted sensor measurement.
type Reading struct {
	DeviceID   string    `json:"device_id"`
	SensorType string    `json:"sensor_type"`
	Topic      string    `json:"topic"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	Timestamp  time.Time `json:"timestamp"`
	RawData    []byte    `json:"raw_data,omitempty"`
}

// Alert is a persisted safety limit breach. IsResolved and ResolvedAt are
// the only mutable fields; everything else is fixed at trigger time.
type Alert struct {
	ID             string     `json:"id"`
	SensorID       string     `json:"sensor_id"`
	AlertType      string     `json:"alert_type"`
	Message        string     `json:"message"`
	TriggeredValue float64    `json:"triggered_value"`
	LimitValue     float64    `json:"limit_value"`
	Unit           string     `json:"unit"`
	MQTTTopic      string     `json:"mqtt_topic"`
	RawData        []byte     `json:"raw_data,omitempty"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	IsResolved     bool       `json:"is_resolved"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Command is a persisted device command, kept for audit.
type Command struct {
	DeviceID string    `json:"device_id"`
	Topic    string    `json:"topic"`
	UserID   string    `json:"user_id"`
	Payload  []byte    `json:"payload"`
	SentAt   time.Time `json:"sent_at"`
}

// SessionRecord is the persisted view of a live session.
type SessionRecord struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastActive  time.Time `json:"last_active"`
}

// Gateway is the durable store the relay writes through. Implementations
// must be safe for concurrent use.
type Gateway interface {
	RecordReading(ctx context.Context, reading Reading) error
	RecordCommand(ctx context.Context, command Command) error

	RecordAlert(ctx context.Context, alert *Alert) error
	UpdateAlert(ctx context.Context, id string, resolved bool, resolvedAt *time.Time) error
	Alert(ctx context.Context, id string) (Alert, error)
	UnresolvedAlert(ctx context.Context, sensorID, alertType string) (*Alert, error)
	Alerts(ctx context.Context, includeResolved bool, limit int) ([]Alert, error)

	SaveSession(ctx context.Context, record SessionRecord) error
	DeleteSession(ctx context.Context, sessionID string) error
	ActiveSessions(ctx context.Context) ([]SessionRecord, error)

	RecentReadings(ctx context.Context, deviceID string, limit int) ([]Reading, error)
}
