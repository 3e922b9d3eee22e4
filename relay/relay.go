/*Package relay is the central dispatcher of the monitoring backend.

Inbound publishes, whether they come from a device through the MQTT bridge
or from a WebSocket client, pass through one pipeline: authorization,
payload validation, safety limit evaluation, alert lifecycle, persistence,
and fan-out to every subscribed session. Each stage is a hard gate; a
failure short-circuits the pipeline and the origin learns which stage
failed.

Distinct topics dispatch fully concurrently. The only serialization point
is per (sensor, alert type), inside the alert manager.
*/
package relay

import (
	"context"
	"strings"
	"time"

	"github.com/sfgrid-tech/sfgrid/acl"
	"github.com/sfgrid-tech/sfgrid/alerts"
	"github.com/sfgrid-tech/sfgrid/audit"
	"github.com/sfgrid-tech/sfgrid/core/logger"
	"github.com/sfgrid-tech/sfgrid/sensors"
	"github.com/sfgrid-tech/sfgrid/session"
	"github.com/sfgrid-tech/sfgrid/store"
)

// OriginKind tells the pipeline where a publish came from.
type OriginKind string

const (
	// OriginDevice is a message from the device-facing MQTT side.
	OriginDevice OriginKind = "device"
	// OriginSession is a message from a WebSocket client.
	OriginSession OriginKind = "session"
	// OriginServer is a server-originated message, e.g. from the admin API.
	// It bypasses authorization; the API layer authenticates its callers.
	OriginServer OriginKind = "server"
)

// Origin identifies the source of a publish.
type Origin struct {
	Kind    OriginKind
	UserID  string
	Session *session.Session
}

// Stage names the pipeline stage reported in acks and logs.
type Stage string

const (
	// StageAuthorize is the ACL check on the publisher.
	StageAuthorize Stage = "authorize"
	// StageValidate is payload schema validation.
	StageValidate Stage = "validate"
	// StageEvaluate is the safety limit evaluation.
	StageEvaluate Stage = "evaluate"
	// StageAlert is the alert lifecycle transition.
	StageAlert Stage = "alert"
	// StagePersist is the durable write.
	StagePersist Stage = "persist"
	// StageRoute is the fan-out to subscribed sessions.
	StageRoute Stage = "route"
)

// PublishResult reports the outcome of a publish, including the failed
// stage, the number of sessions the message was handed to, and whether an
// alert was created.
type PublishResult struct {
	OK           bool   `json:"success"`
	Stage        Stage  `json:"stage,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Recipients   int    `json:"recipients"`
	AlertCreated bool   `json:"alert_created,omitempty"`
}

func failure(stage Stage, reason string) PublishResult {
	return PublishResult{OK: false, Stage: stage, Reason: reason}
}

// MessagePublisher publishes to the device-facing MQTT side. The embedded
// broker and the external-broker bridge both satisfy it.
type MessagePublisher interface {
	PublishMessage(topic string, payload []byte, qos byte, retain bool)
}

// Builder assembles a Relay.
type Builder struct {
	// ACL is the authorization evaluator. This is mandatory.
	ACL *acl.Evaluator
	// Sensors is the safety limit registry. This is mandatory.
	Sensors *sensors.Registry
	// Alerts is the alert lifecycle manager. This is mandatory.
	Alerts *alerts.Manager
	// Sessions is the live session registry. This is mandatory.
	Sessions *session.Registry
	// Gateway is the persistence gateway. This is mandatory.
	Gateway store.Gateway
	// Trail is the audit trail. This is mandatory.
	Trail *audit.Trail
	// CommandPrefix marks device command topics. Defaults to "sf/commands/".
	CommandPrefix string
	// SensorPrefix marks sensor data topics. Defaults to "sf/sensors/".
	SensorPrefix string
}

// Relay is the dispatcher.
type Relay struct {
	acl      *acl.Evaluator
	sensors  *sensors.Registry
	alerts   *alerts.Manager
	sessions *session.Registry
	gateway  store.Gateway
	trail    *audit.Trail

	commandPrefix string
	sensorPrefix  string

	broker MessagePublisher
}

// New creates the relay.
func New(b *Builder) *Relay {
	if b.ACL == nil {
		panic("ACL evaluator is missing")
	}
	if b.Sensors == nil {
		panic("sensor registry is missing")
	}
	if b.Alerts == nil {
		panic("alert manager is missing")
	}
	if b.Sessions == nil {
		panic("session registry is missing")
	}
	if b.Gateway == nil {
		panic("gateway is missing")
	}
	if b.Trail == nil {
		panic("audit trail is missing")
	}
	commandPrefix := b.CommandPrefix
	if commandPrefix == "" {
		commandPrefix = "sf/commands/"
	}
	sensorPrefix := b.SensorPrefix
	if sensorPrefix == "" {
		sensorPrefix = "sf/sensors/"
	}
	return &Relay{
		acl:           b.ACL,
		sensors:       b.Sensors,
		alerts:        b.Alerts,
		sessions:      b.Sessions,
		gateway:       b.Gateway,
		trail:         b.Trail,
		commandPrefix: commandPrefix,
		sensorPrefix:  sensorPrefix,
	}
}

// SetBroker connects the MQTT side for outbound fan-out. Called once during
// wiring; the broker needs the relay and the relay needs the broker.
func (r *Relay) SetBroker(broker MessagePublisher) {
	r.broker = broker
}

// Sessions exposes the session registry to transports.
func (r *Relay) Sessions() *session.Registry {
	return r.sessions
}

// Authorize exposes the ACL evaluator to transports for subscription checks.
func (r *Relay) Authorize(ctx context.Context, userID, topic string, action acl.Action) acl.Decision {
	return r.acl.Authorize(ctx, userID, topic, action)
}

// Publish runs the dispatch pipeline for one inbound message. The returned
// result is also sent to the origin session as a publish_ack, when there is
// one.
func (r *Relay) Publish(ctx context.Context, origin Origin, topic string, payload []byte, qos byte, retain bool) PublishResult {
	result := r.dispatch(ctx, origin, topic, payload, qos, retain)
	if origin.Session != nil {
		r.sendToSession(ctx, origin.Session, EncodePublishAck(topic, result, qos, retain))
	}
	return result
}

func (r *Relay) dispatch(ctx context.Context, origin Origin, topic string, payload []byte, qos byte, retain bool) PublishResult {
	rlog := logger.FromContext(ctx)

	// stage 1: authorize the publisher
	if origin.Kind != OriginServer {
		decision := r.acl.Authorize(ctx, origin.UserID, topic, acl.ActionPublish)
		if !decision.Allowed {
			rlog.Infof("relay: publish to %s by %s denied (%s)", topic, origin.UserID, decision.Reason)
			if origin.Session != nil {
				r.sendToSession(ctx, origin.Session, EncodePermissionRevoked(topic, string(acl.ActionPublish)))
			}
			return failure(StageAuthorize, string(decision.Reason))
		}
	}

	// command topics skip limit evaluation but are recorded for audit
	if strings.HasPrefix(topic, r.commandPrefix) {
		return r.dispatchCommand(ctx, origin, topic, payload, qos, retain)
	}

	if strings.HasPrefix(topic, r.sensorPrefix) {
		// stage 2: payload schema validation
		parsed, err := ParseSensorPayload(payload)
		if err != nil {
			rlog.Infof("relay: rejected payload on %s: %v", topic, err)
			return failure(StageValidate, err.Error())
		}

		// stage 3: safety limit evaluation
		sensor, breach, err := r.sensors.EvaluateTopic(ctx, topic, parsed.Value, parsed.Unit)
		if err != nil {
			rlog.Warnf("relay: evaluation failed on %s: %v", topic, err)
			return failure(StageEvaluate, err.Error())
		}

		// stage 4: alert lifecycle
		var alertCreated bool
		if breach.Breach {
			alert, created, err := r.alerts.Trigger(ctx, sensor.SensorID, breach, alerts.Reading{
				Topic: topic, Value: parsed.Value, Unit: parsed.Unit, RawData: payload,
			})
			if err != nil {
				rlog.Errorf("relay: alert transition failed for %s: %v", sensor.SensorID, err)
				return failure(StageAlert, err.Error())
			}
			alertCreated = created
			if created {
				r.broadcast(ctx, EncodeSystemAlert("warning", alert.Message, alert))
			}
		}

		// stage 5: durable write, one retry with backoff; routing proceeds
		// even if the write keeps failing so that connected clients still
		// see real-time data, the origin learns about the lag from the ack
		persistErr := r.persistReading(ctx, store.Reading{
			DeviceID:   parsed.DeviceID,
			SensorType: parsed.SensorType,
			Topic:      topic,
			Value:      parsed.Value,
			Unit:       parsed.Unit,
			Timestamp:  parsed.Time(),
			RawData:    payload,
		})

		// stage 6: fan-out
		recipients := r.route(ctx, origin, topic, payload, qos, retain)

		result := PublishResult{OK: true, Recipients: recipients, AlertCreated: alertCreated}
		if persistErr != nil {
			rlog.Errorf("relay: persisting reading on %s failed: %v", topic, persistErr)
			result.OK = false
			result.Stage = StagePersist
			result.Reason = "durable write failed"
		}
		return result
	}

	// plain topic: no validation, no evaluation, route only
	recipients := r.route(ctx, origin, topic, payload, qos, retain)
	return PublishResult{OK: true, Recipients: recipients}
}

func (r *Relay) dispatchCommand(ctx context.Context, origin Origin, topic string, payload []byte, qos byte, retain bool) PublishResult {
	rlog := logger.FromContext(ctx)
	deviceID := strings.TrimPrefix(topic, r.commandPrefix)
	if i := strings.IndexByte(deviceID, '/'); i >= 0 {
		deviceID = deviceID[:i]
	}

	err := r.gateway.RecordCommand(ctx, store.Command{
		DeviceID: deviceID,
		Topic:    topic,
		UserID:   origin.UserID,
		Payload:  payload,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		rlog.Errorf("relay: recording command for %s failed: %v", deviceID, err)
		return failure(StagePersist, "durable write failed")
	}

	r.trail.Append(ctx, audit.Event{
		Kind:   audit.KindCommand,
		UserID: origin.UserID,
		Topic:  topic,
		Detail: "command routed to device " + deviceID,
	})

	recipients := r.route(ctx, origin, topic, payload, qos, retain)
	return PublishResult{OK: true, Recipients: recipients}
}

func (r *Relay) persistReading(ctx context.Context, reading store.Reading) error {
	err := r.gateway.RecordReading(ctx, reading)
	if err == nil {
		return nil
	}
	logger.FromContext(ctx).Warnf("relay: durable write failed, retrying: %v", err)
	time.Sleep(100 * time.Millisecond)
	return r.gateway.RecordReading(ctx, reading)
}

// route fans the message out to every session with a matching subscription.
// The recipient's subscribe permission is re-checked at fan-out time, so a
// revocation mid-session stops delivery immediately. Each delivery runs in
// its own goroutine; one slow or broken recipient never blocks the others.
// It returns the number of recipients the message was handed to. The
// device-facing MQTT side receives a copy unless the message came from
// there.
func (r *Relay) route(ctx context.Context, origin Origin, topic string, payload []byte, qos byte, retain bool) int {
	if r.broker != nil && origin.Kind != OriginDevice {
		r.broker.PublishMessage(topic, payload, qos, retain)
	}

	envelope := EncodeTopicMessage(topic, payload, qos, retain)
	if strings.HasPrefix(topic, r.sensorPrefix) {
		envelope = EncodeSensorData(topic, payload, qos, retain)
	}
	recipients := 0
	for _, s := range r.sessions.Route(topic) {
		decision := r.acl.Authorize(ctx, s.UserID, topic, acl.ActionSubscribe)
		if !decision.Allowed {
			logger.FromContext(ctx).Warnf("relay: %s lost subscribe permission for %s", s.UserID, topic)
			r.sendToSession(ctx, s, EncodePermissionRevoked(topic, string(acl.ActionSubscribe)))
			continue
		}
		recipients++
		go r.deliver(ctx, s, envelope)
	}
	return recipients
}

// deliver sends one message to one session with a single retry on transient
// failure. A permanently failing session is pruned from the registry; a
// closed session is a no-op.
func (r *Relay) deliver(ctx context.Context, s *session.Session, data []byte) {
	err := s.Send(ctx, data)
	if err == nil || err == session.ErrClosed {
		if err == session.ErrClosed {
			logger.FromContext(ctx).Warnf("relay: session %s closed before delivery", s.ID)
		}
		return
	}
	time.Sleep(50 * time.Millisecond)
	if err = s.Send(ctx, data); err != nil && err != session.ErrClosed {
		logger.FromContext(ctx).Errorf("relay: delivery to %s failed twice, pruning session: %v", s.UserID, err)
		r.sessions.Unregister(ctx, s)
	}
}

// BroadcastSystemAlert notifies every session about an alert state change.
func (r *Relay) BroadcastSystemAlert(ctx context.Context, level, message string, alert any) {
	r.broadcast(ctx, EncodeSystemAlert(level, message, alert))
}

// broadcast sends an envelope to every active session, best effort.
func (r *Relay) broadcast(ctx context.Context, data []byte) {
	// system broadcasts go to all sessions regardless of subscriptions
	for _, s := range r.allSessions() {
		go r.deliver(ctx, s, data)
	}
}

func (r *Relay) allSessions() []*session.Session {
	return r.sessions.All()
}

func (r *Relay) sendToSession(ctx context.Context, s *session.Session, data []byte) {
	if err := s.Send(ctx, data); err != nil && err != session.ErrClosed {
		logger.FromContext(ctx).Warnf("relay: notify %s failed: %v", s.UserID, err)
	}
}
