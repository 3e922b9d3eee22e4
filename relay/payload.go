package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// sensorPayloadSchema is the wire contract for sensor data topics.
// Timestamp is optional; the relay stamps the arrival time when missing.
const sensorPayloadSchema = `{
	"type": "object",
	"required": ["device_id", "sensor_type", "value", "unit"],
	"properties": {
		"device_id": {"type": "string", "minLength": 1},
		"sensor_type": {"type": "string", "minLength": 1},
		"value": {"type": "number"},
		"unit": {"type": "string", "minLength": 1},
		"timestamp": {"type": "string"}
	}
}`

var compiledSensorSchema = func() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(sensorPayloadSchema))
	if err != nil {
		panic(err)
	}
	return schema
}()

// SensorPayload is a validated sensor reading from the wire.
type SensorPayload struct {
	DeviceID   string  `json:"device_id"`
	SensorType string  `json:"sensor_type"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
	Timestamp  string  `json:"timestamp,omitempty"`
}

// Time returns the reading time, falling back to now for payloads without a
// timestamp.
func (p *SensorPayload) Time() time.Time {
	if p.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// ParseSensorPayload validates the payload against the schema and decodes it.
func ParseSensorPayload(payload []byte) (*SensorPayload, error) {
	result, err := compiledSensorSchema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return nil, errors.New("payload is not valid JSON")
	}
	if !result.Valid() {
		// report the first violation, that is enough for the origin to fix it
		return nil, fmt.Errorf("invalid sensor payload: %s", result.Errors()[0].String())
	}
	var parsed SensorPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("invalid sensor payload: %w", err)
	}
	return &parsed, nil
}
