/*Package alerts owns the alert lifecycle.

An alert is created when the limit evaluator detects a breach and no
unresolved alert exists yet for the same sensor and breach type. Operators
resolve alerts explicitly and can revert a resolution; both transitions are
individually audit-recorded. Readings that return within range never resolve
an alert automatically.

Trigger serializes per (sensor, alert type) so concurrent breach evaluations
for the same sensor cannot create duplicate alerts. Distinct sensors never
contend with each other.
*/
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sfgrid-tech/sfgrid/audit"
	"github.com/sfgrid-tech/sfgrid/core/logger"
	"github.com/sfgrid-tech/sfgrid/sensors"
	"github.com/sfgrid-tech/sfgrid/store"
)

// Reading is the measurement that caused a lifecycle check.
type Reading struct {
	Topic   string
	Value   float64
	Unit    string
	RawData []byte
}

// Manager drives alert state transitions and persists them through the
// gateway.
type Manager struct {
	gateway store.Gateway
	trail   *audit.Trail

	mutex sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates an alert manager. Gateway and trail are mandatory.
func NewManager(gateway store.Gateway, trail *audit.Trail) *Manager {
	if gateway == nil {
		panic("gateway is missing")
	}
	if trail == nil {
		panic("audit trail is missing")
	}
	return &Manager{
		gateway: gateway,
		trail:   trail,
		locks:   make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing one (sensor, alert type) pair. The
// map keeps one mutex per pair ever seen; it is bounded by the sensor
// catalog times the two alert types, not by traffic.
func (m *Manager) lockFor(sensorID string, alertType sensors.AlertType) *sync.Mutex {
	key := sensorID + "\x00" + string(alertType)
	m.mutex.Lock()
	defer m.mutex.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// Trigger creates an alert for the breach unless an unresolved alert already
// exists for the same sensor and type. It returns the alert in effect and
// whether it was newly created.
func (m *Manager) Trigger(ctx context.Context, sensorID string, breach sensors.BreachResult, reading Reading) (*store.Alert, bool, error) {
	if !breach.Breach {
		return nil, false, nil
	}

	lock := m.lockFor(sensorID, breach.Type)
	lock.Lock()
	defer lock.Unlock()

	existing, err := m.gateway.UnresolvedAlert(ctx, sensorID, string(breach.Type))
	if err != nil {
		return nil, false, fmt.Errorf("check unresolved alert for %s: %w", sensorID, err)
	}
	if existing != nil {
		return existing, false, nil
	}

	relation := ">"
	word := "exceeded upper"
	if breach.Type == sensors.AlertLowerBreach {
		relation = "<"
		word = "below lower"
	}
	alert := &store.Alert{
		SensorID:       sensorID,
		AlertType:      string(breach.Type),
		TriggeredValue: reading.Value,
		LimitValue:     breach.LimitValue,
		Unit:           reading.Unit,
		MQTTTopic:      reading.Topic,
		RawData:        reading.RawData,
		TriggeredAt:    time.Now().UTC(),
		Message: fmt.Sprintf("Sensor %s %s limit: %v%s %s %v%s",
			sensorID, word, reading.Value, reading.Unit, relation, breach.LimitValue, reading.Unit),
	}
	if err := m.gateway.RecordAlert(ctx, alert); err != nil {
		return nil, false, fmt.Errorf("record alert for %s: %w", sensorID, err)
	}

	m.trail.Append(ctx, audit.Event{
		Kind:     audit.KindAlertTriggered,
		SensorID: sensorID,
		AlertID:  alert.ID,
		Detail:   alert.Message,
	})
	return alert, true, nil
}

// Resolve marks the alert as resolved. Resolving an already resolved alert
// is a no-op that returns the current state.
func (m *Manager) Resolve(ctx context.Context, alertID string) (store.Alert, error) {
	alert, err := m.gateway.Alert(ctx, alertID)
	if err != nil {
		return store.Alert{}, err
	}
	if alert.IsResolved {
		logger.FromContext(ctx).Warnf("alerts: %s is already resolved", alertID)
		return alert, nil
	}
	now := time.Now().UTC()
	if err := m.gateway.UpdateAlert(ctx, alertID, true, &now); err != nil {
		return store.Alert{}, fmt.Errorf("resolve alert %s: %w", alertID, err)
	}
	alert.IsResolved = true
	alert.ResolvedAt = &now

	m.trail.Append(ctx, audit.Event{
		Kind:     audit.KindAlertResolved,
		SensorID: alert.SensorID,
		AlertID:  alertID,
	})
	return alert, nil
}

// Revert puts a resolved alert back into the unresolved state. Reverting an
// unresolved alert is a no-op that returns the current state.
func (m *Manager) Revert(ctx context.Context, alertID string) (store.Alert, error) {
	alert, err := m.gateway.Alert(ctx, alertID)
	if err != nil {
		return store.Alert{}, err
	}
	if !alert.IsResolved {
		logger.FromContext(ctx).Warnf("alerts: %s is already unresolved", alertID)
		return alert, nil
	}
	if err := m.gateway.UpdateAlert(ctx, alertID, false, nil); err != nil {
		return store.Alert{}, fmt.Errorf("revert alert %s: %w", alertID, err)
	}
	alert.IsResolved = false
	alert.ResolvedAt = nil

	m.trail.Append(ctx, audit.Event{
		Kind:     audit.KindAlertReverted,
		SensorID: alert.SensorID,
		AlertID:  alertID,
	})
	return alert, nil
}
