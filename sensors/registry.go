package sensors

import (
	"context"
	"sync/atomic"

	"github.com/sfgrid-tech/sfgrid/core/logger"
)

// Registry evaluates readings against the current sensor snapshot.
type Registry struct {
	snapshot atomic.Pointer[Snapshot]
}

// NewRegistry creates a registry with an initial snapshot.
func NewRegistry(snapshot *Snapshot) *Registry {
	if snapshot == nil {
		panic("snapshot is missing")
	}
	r := &Registry{}
	r.snapshot.Store(snapshot)
	return r
}

// Reload atomically replaces the sensor snapshot.
func (r *Registry) Reload(ctx context.Context, snapshot *Snapshot) {
	if snapshot == nil {
		panic("snapshot is missing")
	}
	r.snapshot.Store(snapshot)
	logger.FromContext(ctx).Infof("sensors: reloaded configuration version %q, %d sensors",
		snapshot.Version(), len(snapshot.sensors))
}

// ReloadConfig parses serialized configuration and swaps it in.
func (r *Registry) ReloadConfig(ctx context.Context, data []byte) error {
	config, err := ParseConfig(data)
	if err != nil {
		return err
	}
	r.Reload(ctx, NewSnapshot(config))
	return nil
}

// Current returns the sensor snapshot in use.
func (r *Registry) Current() *Snapshot {
	return r.snapshot.Load()
}

// Evaluate checks a reading against the sensor's selected limit.
//
// A sensor without a selected limit yields no breach; this fail-open default
// mirrors the behaviour the dashboard always had and is logged as a
// configuration warning every time it applies. An unknown or inactive sensor
// also yields no breach. A unit mismatch is a validation error.
func (r *Registry) Evaluate(ctx context.Context, sensorID string, value float64, unit string) (BreachResult, error) {
	rlog := logger.FromContext(ctx)
	sensor, ok := r.Current().Sensor(sensorID)
	if !ok {
		rlog.Warnf("sensors: %s not configured, skipping limit evaluation", sensorID)
		return BreachResult{}, nil
	}
	return r.evaluate(ctx, sensor, value, unit)
}

// EvaluateTopic resolves the sensor by matching the originating topic
// against the configured patterns, then evaluates like Evaluate. This is the
// relay path, where messages carry a topic rather than a sensor identifier.
func (r *Registry) EvaluateTopic(ctx context.Context, name string, value float64, unit string) (Sensor, BreachResult, error) {
	sensor, ok := r.Current().SensorForTopic(name)
	if !ok {
		return Sensor{}, BreachResult{}, nil
	}
	result, err := r.evaluate(ctx, sensor, value, unit)
	return sensor, result, err
}

func (r *Registry) evaluate(ctx context.Context, sensor Sensor, value float64, unit string) (BreachResult, error) {
	rlog := logger.FromContext(ctx)
	if !sensor.Active {
		return BreachResult{}, nil
	}
	limit, ok := sensor.SelectedLimit()
	if !ok {
		rlog.Warnf("sensors: %s has no selected limit configuration, failing open", sensor.SensorID)
		return BreachResult{}, nil
	}
	if limit.Unit != unit {
		return BreachResult{}, &UnitMismatchError{SensorID: sensor.SensorID, Want: limit.Unit, Got: unit}
	}
	switch {
	case value > limit.Upper:
		return BreachResult{Breach: true, Type: AlertUpperBreach, LimitValue: limit.Upper, Unit: limit.Unit}, nil
	case value < limit.Lower:
		return BreachResult{Breach: true, Type: AlertLowerBreach, LimitValue: limit.Lower, Unit: limit.Unit}, nil
	}
	return BreachResult{}, nil
}
