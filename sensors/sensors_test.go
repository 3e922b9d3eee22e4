package sensors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const temp01Config = `{
	"version": "1.0",
	"sensors": {
		"temp01": {
			"pattern": "sf/sensors/temp01/temperature",
			"type": "temperature",
			"active": true,
			"limits": [
				{"name": "default", "upper_limit": 30, "lower_limit": 10, "unit": "C", "is_selected": true},
				{"name": "secondary", "upper_limit": 35, "lower_limit": 25, "unit": "C"}
			]
		}
	}
}`

func newTestRegistry(t *testing.T, config string) *Registry {
	t.Helper()
	parsed, err := ParseConfig([]byte(config))
	require.NoError(t, err)
	return NewRegistry(NewSnapshot(parsed))
}

func TestEvaluate_UpperBreach(t *testing.T) {
	r := newTestRegistry(t, temp01Config)

	result, err := r.Evaluate(context.Background(), "temp01", 35, "C")
	require.NoError(t, err)
	assert.True(t, result.Breach)
	assert.Equal(t, AlertUpperBreach, result.Type)
	assert.Equal(t, 30.0, result.LimitValue)
}

func TestEvaluate_LowerBreach(t *testing.T) {
	r := newTestRegistry(t, temp01Config)

	result, err := r.Evaluate(context.Background(), "temp01", 5, "C")
	require.NoError(t, err)
	assert.True(t, result.Breach)
	assert.Equal(t, AlertLowerBreach, result.Type)
	assert.Equal(t, 10.0, result.LimitValue)
}

func TestEvaluate_InRange(t *testing.T) {
	r := newTestRegistry(t, temp01Config)

	result, err := r.Evaluate(context.Background(), "temp01", 20, "C")
	require.NoError(t, err)
	assert.False(t, result.Breach)
}

func TestEvaluate_UnitMismatchRejected(t *testing.T) {
	r := newTestRegistry(t, temp01Config)

	_, err := r.Evaluate(context.Background(), "temp01", 35, "F")
	var mismatch *UnitMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "C", mismatch.Want)
	assert.Equal(t, "F", mismatch.Got)
}

func TestEvaluate_NoSelectedLimitFailsOpen(t *testing.T) {
	r := newTestRegistry(t, `{
		"version": "1.0",
		"sensors": {
			"temp02": {
				"pattern": "sf/sensors/temp02/temperature",
				"type": "temperature",
				"active": true,
				"limits": [{"name": "default", "upper_limit": 30, "lower_limit": 10, "unit": "C"}]
			}
		}
	}`)

	result, err := r.Evaluate(context.Background(), "temp02", 99, "C")
	require.NoError(t, err)
	assert.False(t, result.Breach)
}

func TestEvaluate_InactiveSensorSkipped(t *testing.T) {
	r := newTestRegistry(t, `{
		"version": "1.0",
		"sensors": {
			"temp03": {
				"pattern": "sf/sensors/temp03/temperature",
				"type": "temperature",
				"active": false,
				"limits": [{"name": "default", "upper_limit": 30, "lower_limit": 10, "unit": "C", "is_selected": true}]
			}
		}
	}`)

	result, err := r.Evaluate(context.Background(), "temp03", 99, "C")
	require.NoError(t, err)
	assert.False(t, result.Breach)
}

func TestEvaluateTopic_ResolvesByPattern(t *testing.T) {
	r := newTestRegistry(t, temp01Config)

	sensor, result, err := r.EvaluateTopic(context.Background(), "sf/sensors/temp01/temperature", 35, "C")
	require.NoError(t, err)
	assert.Equal(t, "temp01", sensor.SensorID)
	assert.True(t, result.Breach)

	_, result, err = r.EvaluateTopic(context.Background(), "sf/sensors/unknown/temperature", 35, "C")
	require.NoError(t, err)
	assert.False(t, result.Breach)
}

func TestEvaluateTopic_MostSpecificPatternWins(t *testing.T) {
	r := newTestRegistry(t, `{
		"version": "1.0",
		"sensors": {
			"all": {
				"pattern": "sf/sensors/#",
				"type": "temperature",
				"active": true,
				"limits": [{"name": "wide", "upper_limit": 100, "lower_limit": 0, "unit": "C", "is_selected": true}]
			},
			"temp01": {
				"pattern": "sf/sensors/temp01/temperature",
				"type": "temperature",
				"active": true,
				"limits": [{"name": "tight", "upper_limit": 30, "lower_limit": 10, "unit": "C", "is_selected": true}]
			}
		}
	}`)

	sensor, result, err := r.EvaluateTopic(context.Background(), "sf/sensors/temp01/temperature", 50, "C")
	require.NoError(t, err)
	assert.Equal(t, "temp01", sensor.SensorID)
	assert.True(t, result.Breach)
}

func TestParseConfig_RejectsMultipleSelectedLimits(t *testing.T) {
	_, err := ParseConfig([]byte(`{
		"sensors": {
			"bad": {
				"pattern": "sf/sensors/bad",
				"active": true,
				"limits": [
					{"name": "a", "upper_limit": 30, "lower_limit": 10, "unit": "C", "is_selected": true},
					{"name": "b", "upper_limit": 35, "lower_limit": 25, "unit": "C", "is_selected": true}
				]
			}
		}
	}`))
	assert.Error(t, err)
}

func TestParseConfig_RejectsInvertedLimits(t *testing.T) {
	_, err := ParseConfig([]byte(`{
		"sensors": {
			"bad": {
				"pattern": "sf/sensors/bad",
				"active": true,
				"limits": [{"name": "a", "upper_limit": 10, "lower_limit": 30, "unit": "C", "is_selected": true}]
			}
		}
	}`))
	assert.Error(t, err)
}
