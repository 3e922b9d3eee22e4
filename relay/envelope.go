package relay

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Message types sent by clients.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
	TypeGetStatus   = "get_status"
	TypePing        = "ping"
)

// Message types sent by the server.
const (
	TypeSensorData        = "sensor_data"
	TypeMessage           = "message"
	TypePublishAck        = "publish_ack"
	TypeSubscriptionAck   = "subscription_ack"
	TypeUnsubscriptionAck = "unsubscription_ack"
	TypePermissionRevoked = "permission_revoked"
	TypeSystemAlert       = "system_alert"
	TypeMQTTStatus        = "mqtt_status"
	TypePong              = "pong"
	TypeStatus            = "status"
	TypeError             = "error"
)

// ClientMessage is the envelope for everything a WebSocket client sends.
// The type field discriminates; the remaining fields are populated per type.
type ClientMessage struct {
	Type      string          `json:"type"`
	Topics    []string        `json:"topics,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	QoS       *byte           `json:"qos,omitempty"`
	Retain    bool            `json:"retain,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// DecodeClientMessage parses and validates a client envelope.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("invalid JSON format")
	}
	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if len(msg.Topics) == 0 {
			return ClientMessage{}, fmt.Errorf("missing topics for %s", msg.Type)
		}
	case TypePublish:
		if msg.Topic == "" || msg.Payload == nil {
			return ClientMessage{}, fmt.Errorf("missing topic or payload for publish")
		}
	case TypeGetStatus, TypePing:
	case "":
		return ClientMessage{}, fmt.Errorf("missing message type")
	default:
		return ClientMessage{}, fmt.Errorf("unknown message type: %s", msg.Type)
	}
	return msg, nil
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func mustEncode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// all server envelopes are plain structs, this cannot fail
		panic(err)
	}
	return data
}

// SensorData is the fan-out envelope for a routed message. Sensor readings
// carry the type sensor_data; everything else routed to subscribers, e.g.
// commands and presence topics, carries the type message.
type SensorData struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	QoS       byte            `json:"qos"`
	Retain    bool            `json:"retain,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// rawOrString keeps a JSON payload as-is and carries anything else, e.g.
// raw device bytes on a plain topic, as a JSON string.
func rawOrString(data []byte) json.RawMessage {
	if json.Valid(data) {
		return data
	}
	return mustEncode(string(data))
}

// EncodeSensorData builds the sensor_data envelope.
func EncodeSensorData(topic string, data []byte, qos byte, retain bool) []byte {
	return mustEncode(SensorData{
		Type: TypeSensorData, Topic: topic, Data: rawOrString(data),
		QoS: qos, Retain: retain, Timestamp: timestamp(),
	})
}

// EncodeTopicMessage builds the message envelope for non-sensor topics.
func EncodeTopicMessage(topic string, data []byte, qos byte, retain bool) []byte {
	return mustEncode(SensorData{
		Type: TypeMessage, Topic: topic, Data: rawOrString(data),
		QoS: qos, Retain: retain, Timestamp: timestamp(),
	})
}

// PublishAck reports the outcome of a publish back to its origin, including
// which pipeline stage failed.
type PublishAck struct {
	Type      string `json:"type"`
	Topic     string `json:"topic"`
	Status    string `json:"status"`
	Stage     string `json:"stage,omitempty"`
	Reason    string `json:"reason,omitempty"`
	QoS       byte   `json:"qos"`
	Retain    bool   `json:"retain,omitempty"`
	Timestamp string `json:"timestamp"`
}

// EncodePublishAck builds the publish_ack envelope.
func EncodePublishAck(topic string, result PublishResult, qos byte, retain bool) []byte {
	ack := PublishAck{
		Type: TypePublishAck, Topic: topic, Status: "success",
		QoS: qos, Retain: retain, Timestamp: timestamp(),
	}
	if !result.OK {
		ack.Status = "error"
		ack.Stage = string(result.Stage)
		ack.Reason = result.Reason
	}
	return mustEncode(ack)
}

// SubscriptionAck confirms a subscribe request.
type SubscriptionAck struct {
	Type          string   `json:"type"`
	Topics        []string `json:"topics"`
	Denied        []string `json:"denied,omitempty"`
	Invalid       []string `json:"invalid,omitempty"`
	Subscriptions []string `json:"current_subscriptions"`
	Timestamp     string   `json:"timestamp"`
}

// EncodeSubscriptionAck builds the subscription_ack envelope.
func EncodeSubscriptionAck(added, denied, invalid, current []string) []byte {
	return mustEncode(SubscriptionAck{
		Type: TypeSubscriptionAck, Topics: added, Denied: denied,
		Invalid: invalid, Subscriptions: current, Timestamp: timestamp(),
	})
}

// UnsubscriptionAck confirms an unsubscribe request.
type UnsubscriptionAck struct {
	Type          string   `json:"type"`
	Topics        []string `json:"topics"`
	Subscriptions []string `json:"current_subscriptions"`
	Timestamp     string   `json:"timestamp"`
}

// EncodeUnsubscriptionAck builds the unsubscription_ack envelope.
func EncodeUnsubscriptionAck(removed, current []string) []byte {
	return mustEncode(UnsubscriptionAck{
		Type: TypeUnsubscriptionAck, Topics: removed,
		Subscriptions: current, Timestamp: timestamp(),
	})
}

// PermissionRevoked tells a client that an action on a topic is no longer
// allowed.
type PermissionRevoked struct {
	Type      string `json:"type"`
	Topic     string `json:"topic"`
	Action    string `json:"action"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// EncodePermissionRevoked builds the permission_revoked envelope.
func EncodePermissionRevoked(topic, action string) []byte {
	return mustEncode(PermissionRevoked{
		Type: TypePermissionRevoked, Topic: topic, Action: action,
		Message:   fmt.Sprintf("Your %s permission was revoked", action),
		Timestamp: timestamp(),
	})
}

// SystemAlert is broadcast when an alert triggers or changes state.
type SystemAlert struct {
	Type      string          `json:"type"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Alert     json.RawMessage `json:"alert,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// EncodeSystemAlert builds the system_alert envelope.
func EncodeSystemAlert(level, message string, alert any) []byte {
	var raw json.RawMessage
	if alert != nil {
		raw = mustEncode(alert)
	}
	return mustEncode(SystemAlert{
		Type: TypeSystemAlert, Level: level, Message: message,
		Alert: raw, Timestamp: timestamp(),
	})
}

// MQTTStatus reports the state of the user's real-time channel.
type MQTTStatus struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	QoS       byte   `json:"qos"`
	Timestamp string `json:"timestamp"`
}

// EncodeMQTTStatus builds the mqtt_status envelope.
func EncodeMQTTStatus(status, message string, qos byte) []byte {
	return mustEncode(MQTTStatus{
		Type: TypeMQTTStatus, Status: status, Message: message,
		QoS: qos, Timestamp: timestamp(),
	})
}

// Pong answers a ping, echoing the client's timestamp.
type Pong struct {
	Type      string `json:"type"`
	Echo      string `json:"echo,omitempty"`
	Timestamp string `json:"timestamp"`
}

// EncodePong builds the pong envelope.
func EncodePong(echo string) []byte {
	return mustEncode(Pong{Type: TypePong, Echo: echo, Timestamp: timestamp()})
}

// Status answers a get_status request.
type Status struct {
	Type          string   `json:"type"`
	UserID        string   `json:"user_id"`
	Subscriptions []string `json:"subscribed_topics"`
	TotalUsers    int      `json:"total_users"`
	Timestamp     string   `json:"timestamp"`
}

// EncodeStatus builds the status envelope.
func EncodeStatus(userID string, subscriptions []string, totalUsers int) []byte {
	return mustEncode(Status{
		Type: TypeStatus, UserID: userID, Subscriptions: subscriptions,
		TotalUsers: totalUsers, Timestamp: timestamp(),
	})
}

// ErrorMessage reports a malformed or unknown client message.
type ErrorMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// EncodeError builds the error envelope.
func EncodeError(message string) []byte {
	return mustEncode(ErrorMessage{Type: TypeError, Message: message, Timestamp: timestamp()})
}
