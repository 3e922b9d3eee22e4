/*Package sensors maintains the sensor registry and evaluates readings
against the configured safety limits.

Each sensor carries a list of limit configurations of which at most one is
selected; the selected limit is the active threshold set. The registry holds
an immutable snapshot behind an atomic pointer, like the ACL rule set, so a
configuration reload never exposes a partially updated view.
*/
package sensors

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/sfgrid-tech/sfgrid/core/topic"
)

// AlertType classifies a limit breach.
type AlertType string

const (
	// AlertUpperBreach means the reading exceeded the upper limit.
	AlertUpperBreach AlertType = "upper_breach"
	// AlertLowerBreach means the reading fell below the lower limit.
	AlertLowerBreach AlertType = "lower_breach"
)

// Limit is one threshold configuration for a sensor.
type Limit struct {
	Name     string  `json:"name"`
	Upper    float64 `json:"upper_limit"`
	Lower    float64 `json:"lower_limit"`
	Unit     string  `json:"unit"`
	Selected bool    `json:"is_selected"`
}

// Sensor describes a monitored data source. Pattern is the MQTT topic the
// sensor reports on; it may contain wildcards for sensors spanning several
// subtopics.
type Sensor struct {
	SensorID string  `json:"sensor_id"`
	Pattern  string  `json:"pattern"`
	Type     string  `json:"type"`
	Active   bool    `json:"active"`
	Limits   []Limit `json:"limits"`
}

// SelectedLimit returns the active threshold set, if any.
func (s *Sensor) SelectedLimit() (Limit, bool) {
	for _, limit := range s.Limits {
		if limit.Selected {
			return limit, true
		}
	}
	return Limit{}, false
}

// BreachResult is the outcome of evaluating a reading.
type BreachResult struct {
	Breach     bool
	Type       AlertType
	LimitValue float64
	Unit       string
}

// UnitMismatchError is returned when a reading's unit does not match the
// unit of the selected limit configuration. The reading is rejected, never
// silently coerced.
type UnitMismatchError struct {
	SensorID string
	Want     string
	Got      string
}

func (e *UnitMismatchError) Error() string {
	return fmt.Sprintf("sensor %s: reading unit %q does not match limit unit %q",
		e.SensorID, e.Got, e.Want)
}

// Config is the serialized sensor set.
type Config struct {
	Version string            `json:"version"`
	Sensors map[string]Sensor `json:"sensors"`
}

// ParseConfig parses and validates a serialized sensor set. It enforces the
// write-time invariant that at most one limit per sensor is selected.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse sensor configuration: %w", err)
	}
	for id, sensor := range config.Sensors {
		if sensor.SensorID == "" {
			sensor.SensorID = id
			config.Sensors[id] = sensor
		} else if sensor.SensorID != id {
			return nil, fmt.Errorf("sensor %q has mismatching sensor_id %q", id, sensor.SensorID)
		}
		if sensor.Pattern != "" && !topic.Valid(sensor.Pattern) {
			return nil, fmt.Errorf("sensor %q has invalid topic pattern %q", id, sensor.Pattern)
		}
		selected := 0
		for _, limit := range sensor.Limits {
			if limit.Selected {
				selected++
			}
			if limit.Upper < limit.Lower {
				return nil, fmt.Errorf("sensor %q limit %q: upper %v below lower %v",
					id, limit.Name, limit.Upper, limit.Lower)
			}
		}
		if selected > 1 {
			return nil, fmt.Errorf("sensor %q has %d selected limits, at most one allowed", id, selected)
		}
	}
	return &config, nil
}

// Snapshot is an immutable compiled sensor set.
type Snapshot struct {
	version string
	sensors map[string]Sensor
}

// NewSnapshot compiles a parsed configuration into an immutable snapshot.
func NewSnapshot(config *Config) *Snapshot {
	return &Snapshot{version: config.Version, sensors: config.Sensors}
}

// Version returns the configuration version the snapshot was built from.
func (s *Snapshot) Version() string { return s.version }

// Sensor looks up a sensor by its identifier.
func (s *Snapshot) Sensor(sensorID string) (Sensor, bool) {
	sensor, ok := s.sensors[sensorID]
	return sensor, ok
}

// SensorForTopic finds the sensor whose pattern matches the topic. When
// several patterns match, the most specific one wins.
func (s *Snapshot) SensorForTopic(name string) (Sensor, bool) {
	best := Sensor{}
	bestSpecificity := -1
	found := false
	for _, sensor := range s.sensors {
		if sensor.Pattern == "" || !topic.Match(sensor.Pattern, name) {
			continue
		}
		if specificity := topic.Specificity(sensor.Pattern); specificity > bestSpecificity {
			best, bestSpecificity, found = sensor, specificity, true
		}
	}
	return best, found
}

// Sensors returns all sensors in the snapshot.
func (s *Snapshot) Sensors() []Sensor {
	out := make([]Sensor, 0, len(s.sensors))
	for _, sensor := range s.sensors {
		out = append(out, sensor)
	}
	return out
}
