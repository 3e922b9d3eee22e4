package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Gateway used by tests and the demo mode.
type Memory struct {
	mutex    sync.RWMutex
	readings []Reading
	commands []Command
	alerts   []Alert
	sessions map[string]SessionRecord

	// FailNextWrites makes the next n writes return an error, for
	// exercising persistence retry paths in tests.
	FailNextWrites int
}

// NewMemory creates an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]SessionRecord)}
}

func (m *Memory) takeFailure() error {
	if m.FailNextWrites > 0 {
		m.FailNextWrites--
		return errors.New("store: simulated write failure")
	}
	return nil
}

// RecordReading implements Gateway.
func (m *Memory) RecordReading(ctx context.Context, reading Reading) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.readings = append(m.readings, reading)
	return nil
}

// RecordCommand implements Gateway.
func (m *Memory) RecordCommand(ctx context.Context, command Command) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.commands = append(m.commands, command)
	return nil
}

// RecordAlert implements Gateway. It assigns the alert identifier.
func (m *Memory) RecordAlert(ctx context.Context, alert *Alert) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	m.alerts = append(m.alerts, *alert)
	return nil
}

// UpdateAlert implements Gateway.
func (m *Memory) UpdateAlert(ctx context.Context, id string, resolved bool, resolvedAt *time.Time) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].IsResolved = resolved
			m.alerts[i].ResolvedAt = resolvedAt
			return nil
		}
	}
	return ErrNotFound
}

// Alert implements Gateway.
func (m *Memory) Alert(ctx context.Context, id string) (Alert, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, alert := range m.alerts {
		if alert.ID == id {
			return alert, nil
		}
	}
	return Alert{}, ErrNotFound
}

// UnresolvedAlert implements Gateway.
func (m *Memory) UnresolvedAlert(ctx context.Context, sensorID, alertType string) (*Alert, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for i := range m.alerts {
		alert := m.alerts[i]
		if alert.SensorID == sensorID && alert.AlertType == alertType && !alert.IsResolved {
			return &alert, nil
		}
	}
	return nil, nil
}

// Alerts implements Gateway. Newest first.
func (m *Memory) Alerts(ctx context.Context, includeResolved bool, limit int) ([]Alert, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var out []Alert
	for i := len(m.alerts) - 1; i >= 0; i-- {
		if !includeResolved && m.alerts[i].IsResolved {
			continue
		}
		out = append(out, m.alerts[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SaveSession implements Gateway.
func (m *Memory) SaveSession(ctx context.Context, record SessionRecord) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessions[record.SessionID] = record
	return nil
}

// DeleteSession implements Gateway.
func (m *Memory) DeleteSession(ctx context.Context, sessionID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// ActiveSessions implements Gateway.
func (m *Memory) ActiveSessions(ctx context.Context) ([]SessionRecord, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make([]SessionRecord, 0, len(m.sessions))
	for _, record := range m.sessions {
		out = append(out, record)
	}
	return out, nil
}

// RecentReadings implements Gateway. Newest first.
func (m *Memory) RecentReadings(ctx context.Context, deviceID string, limit int) ([]Reading, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var out []Reading
	for i := len(m.readings) - 1; i >= 0; i-- {
		if deviceID != "" && m.readings[i].DeviceID != deviceID {
			continue
		}
		out = append(out, m.readings[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Readings returns all recorded readings, for tests.
func (m *Memory) Readings() []Reading {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make([]Reading, len(m.readings))
	copy(out, m.readings)
	return out
}

// Commands returns all recorded commands, for tests.
func (m *Memory) Commands() []Command {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make([]Command, len(m.commands))
	copy(out, m.commands)
	return out
}
