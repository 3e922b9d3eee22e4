package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfgrid-tech/sfgrid/acl"
	"github.com/sfgrid-tech/sfgrid/alerts"
	"github.com/sfgrid-tech/sfgrid/audit"
	"github.com/sfgrid-tech/sfgrid/sensors"
	"github.com/sfgrid-tech/sfgrid/session"
	"github.com/sfgrid-tech/sfgrid/store"
)

const relayACLConfig = `{
	"version": "1",
	"default_policy": "deny",
	"roles": {
		"viewer": {
			"permissions": [
				{"pattern": "sf/sensors/#", "allow": ["subscribe"]}
			]
		},
		"operator": {
			"permissions": [
				{"pattern": "sf/#", "allow": ["publish", "subscribe"]}
			]
		},
		"device": {
			"permissions": [
				{"pattern": "sf/sensors/${user_id}/#", "allow": ["publish"]}
			]
		}
	},
	"users": {
		"alice": {"roles": ["operator"]},
		"bob":   {"roles": ["viewer"]},
		"carol": {"roles": ["operator"]},
		"dave":  {"roles": ["operator"]},
		"dev42": {"roles": ["device"]}
	}
}`

const relaySensorConfig = `{
	"version": "1",
	"sensors": {
		"temp01": {
			"sensor_id": "temp01",
			"pattern": "sf/sensors/+/temperature",
			"type": "temperature",
			"active": true,
			"limits": [
				{"name": "normal", "upper_limit": 30, "lower_limit": 10, "unit": "C", "is_selected": true}
			]
		}
	}
}`

// recordingConn collects everything sent to it. sendErr, when set, makes
// every Send fail.
type recordingConn struct {
	mutex   sync.Mutex
	frames  [][]byte
	sendErr error
	closed  bool
}

func (c *recordingConn) Send(ctx context.Context, data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *recordingConn) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.closed = true
	return nil
}

// byType returns the collected frames whose envelope type matches.
func (c *recordingConn) byType(messageType string) [][]byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var out [][]byte
	for _, frame := range c.frames {
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(frame, &envelope); err == nil && envelope.Type == messageType {
			out = append(out, frame)
		}
	}
	return out
}

type relayFixture struct {
	relay    *Relay
	acl      *acl.Evaluator
	sessions *session.Registry
	gateway  *store.Memory
	events   *audit.MemoryAppender
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	aclConfig, err := acl.ParseConfig([]byte(relayACLConfig))
	require.NoError(t, err)
	sensorConfig, err := sensors.ParseConfig([]byte(relaySensorConfig))
	require.NoError(t, err)

	gateway := store.NewMemory()
	events := audit.NewMemoryAppender(0)
	trail := audit.NewTrail(events)
	evaluator := acl.NewEvaluator(acl.NewSnapshot(aclConfig), trail)
	sessions := session.NewRegistry(gateway)

	r := New(&Builder{
		ACL:      evaluator,
		Sensors:  sensors.NewRegistry(sensors.NewSnapshot(sensorConfig)),
		Alerts:   alerts.NewManager(gateway, trail),
		Sessions: sessions,
		Gateway:  gateway,
		Trail:    trail,
	})
	return &relayFixture{relay: r, acl: evaluator, sessions: sessions, gateway: gateway, events: events}
}

func (f *relayFixture) subscriber(t *testing.T, userID, filter string) (*session.Session, *recordingConn) {
	t.Helper()
	conn := &recordingConn{}
	s := f.sessions.Register(context.Background(), userID, conn)
	added, invalid := s.Subscribe([]string{filter}, 0)
	require.Len(t, added, 1)
	require.Empty(t, invalid)
	return s, conn
}

func tempPayload(value float64, unit string) []byte {
	return []byte(fmt.Sprintf(`{"device_id":"dev42","sensor_type":"temperature","value":%g,"unit":%q}`, value, unit))
}

func eventually(t *testing.T, condition func() bool, msg string) {
	t.Helper()
	require.Eventually(t, condition, 2*time.Second, 5*time.Millisecond, msg)
}

func TestPublish_DeliversToAllSubscribersExactlyOnce(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	_, conn1 := f.subscriber(t, "alice", "sf/sensors/+/temperature")
	_, conn2 := f.subscriber(t, "bob", "sf/sensors/#")
	_, conn3 := f.subscriber(t, "carol", "sf/sensors/dev42/temperature")

	result := f.relay.Publish(ctx, Origin{Kind: OriginDevice, UserID: "dev42"},
		"sf/sensors/dev42/temperature", tempPayload(20, "C"), 0, false)

	require.True(t, result.OK, "reason: %s", result.Reason)
	assert.Equal(t, 3, result.Recipients)
	assert.False(t, result.AlertCreated)

	for i, conn := range []*recordingConn{conn1, conn2, conn3} {
		conn := conn
		eventually(t, func() bool { return len(conn.byType(TypeSensorData)) == 1 },
			fmt.Sprintf("subscriber %d did not receive the message", i+1))
	}

	// no duplicate deliveries show up later
	time.Sleep(50 * time.Millisecond)
	for _, conn := range []*recordingConn{conn1, conn2, conn3} {
		assert.Len(t, conn.byType(TypeSensorData), 1)
	}

	require.Len(t, f.gateway.Readings(), 1)
	assert.Equal(t, "dev42", f.gateway.Readings()[0].DeviceID)
}

func TestPublish_DisconnectedSubscriberIsSkipped(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	_, conn1 := f.subscriber(t, "alice", "sf/sensors/#")
	gone, conn2 := f.subscriber(t, "carol", "sf/sensors/#")
	f.sessions.Unregister(ctx, gone)

	result := f.relay.Publish(ctx, Origin{Kind: OriginDevice, UserID: "dev42"},
		"sf/sensors/dev42/temperature", tempPayload(20, "C"), 0, false)

	require.True(t, result.OK)
	assert.Equal(t, 1, result.Recipients)
	eventually(t, func() bool { return len(conn1.byType(TypeSensorData)) == 1 }, "remaining subscriber missed the message")
	assert.Empty(t, conn2.byType(TypeSensorData))
}

func TestPublish_DeniedPublisherShortCircuits(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	// bob is a viewer and may not publish
	s, conn := f.subscriber(t, "bob", "sf/sensors/#")
	_, watching := f.subscriber(t, "alice", "sf/sensors/#")

	result := f.relay.Publish(ctx, Origin{Kind: OriginSession, UserID: "bob", Session: s},
		"sf/sensors/dev42/temperature", tempPayload(20, "C"), 0, false)

	require.False(t, result.OK)
	assert.Equal(t, StageAuthorize, result.Stage)
	assert.Equal(t, 0, result.Recipients)

	// the origin learns about the denial, nobody else sees anything
	require.Len(t, conn.byType(TypePermissionRevoked), 1)
	require.Len(t, conn.byType(TypePublishAck), 1)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, watching.byType(TypeSensorData))
	assert.Empty(t, f.gateway.Readings())
}

func TestPublish_InvalidPayloadRejected(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	result := f.relay.Publish(ctx, Origin{Kind: OriginDevice, UserID: "dev42"},
		"sf/sensors/dev42/temperature", []byte(`{"value": 20}`), 0, false)

	require.False(t, result.OK)
	assert.Equal(t, StageValidate, result.Stage)
	assert.Empty(t, f.gateway.Readings())
}

func TestPublish_UnitMismatchRejected(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	result := f.relay.Publish(ctx, Origin{Kind: OriginDevice, UserID: "dev42"},
		"sf/sensors/dev42/temperature", tempPayload(20, "F"), 0, false)

	require.False(t, result.OK)
	assert.Equal(t, StageEvaluate, result.Stage)
	assert.Empty(t, f.gateway.Readings())
}

func TestPublish_BreachCreatesAlertAndBroadcasts(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	_, conn := f.subscriber(t, "bob", "sf/sensors/#")

	result := f.relay.Publish(ctx, Origin{Kind: OriginDevice, UserID: "dev42"},
		"sf/sensors/dev42/temperature", tempPayload(35, "C"), 0, false)

	require.True(t, result.OK)
	assert.True(t, result.AlertCreated)

	open, err := f.gateway.Alerts(ctx, false, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "temp01", open[0].SensorID)
	assert.Equal(t, "upper_breach", open[0].AlertType)

	eventually(t, func() bool { return len(conn.byType(TypeSystemAlert)) == 1 }, "system alert was not broadcast")

	// a second breach while unresolved neither duplicates the alert nor
	// repeats the broadcast
	result = f.relay.Publish(ctx, Origin{Kind: OriginDevice, UserID: "dev42"},
		"sf/sensors/dev42/temperature", tempPayload(36, "C"), 0, false)
	require.True(t, result.OK)
	assert.False(t, result.AlertCreated)

	open, err = f.gateway.Alerts(ctx, false, 0)
	require.NoError(t, err)
	assert.Len(t, open, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, conn.byType(TypeSystemAlert), 1)
}

func TestPublish_PersistRetrySucceeds(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	f.gateway.FailNextWrites = 1
	result := f.relay.Publish(ctx, Origin{Kind: OriginDevice, UserID: "dev42"},
		"sf/sensors/dev42/temperature", tempPayload(20, "C"), 0, false)

	require.True(t, result.OK)
	assert.Len(t, f.gateway.Readings(), 1)
}

func TestPublish_PersistFailureStillRoutes(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	_, conn := f.subscriber(t, "alice", "sf/sensors/#")

	f.gateway.FailNextWrites = 2
	result := f.relay.Publish(ctx, Origin{Kind: OriginDevice, UserID: "dev42"},
		"sf/sensors/dev42/temperature", tempPayload(20, "C"), 0, false)

	require.False(t, result.OK)
	assert.Equal(t, StagePersist, result.Stage)
	assert.Equal(t, 1, result.Recipients)
	eventually(t, func() bool { return len(conn.byType(TypeSensorData)) == 1 },
		"live delivery must not depend on the durable write")
	assert.Empty(t, f.gateway.Readings())
}

func TestPublish_FanOutRecheckStopsRevokedSubscriber(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	_, conn := f.subscriber(t, "bob", "sf/sensors/#")

	// bob loses the viewer role; the publishing device keeps its grant
	revoked := `{
		"version": "2",
		"default_policy": "deny",
		"roles": {
			"operator": {
				"permissions": [{"pattern": "sf/#", "allow": ["publish", "subscribe"]}]
			},
			"device": {
				"permissions": [{"pattern": "sf/sensors/${user_id}/#", "allow": ["publish"]}]
			}
		},
		"users": {"alice": {"roles": ["operator"]}, "dev42": {"roles": ["device"]}}
	}`
	require.NoError(t, f.acl.ReloadConfig(ctx, []byte(revoked)))

	result := f.relay.Publish(ctx, Origin{Kind: OriginDevice, UserID: "dev42"},
		"sf/sensors/dev42/temperature", tempPayload(20, "C"), 0, false)

	require.True(t, result.OK)
	assert.Equal(t, 0, result.Recipients)
	require.Len(t, conn.byType(TypePermissionRevoked), 1)
	assert.Empty(t, conn.byType(TypeSensorData))
}

func TestPublish_CommandRecordedAndAudited(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	s, conn := f.subscriber(t, "alice", "sf/commands/#")

	result := f.relay.Publish(ctx, Origin{Kind: OriginSession, UserID: "alice", Session: s},
		"sf/commands/dev42/set", []byte(`{"fan": "on"}`), 1, false)

	require.True(t, result.OK)
	require.Len(t, f.gateway.Commands(), 1)
	command := f.gateway.Commands()[0]
	assert.Equal(t, "dev42", command.DeviceID)
	assert.Equal(t, "alice", command.UserID)
	assert.Empty(t, f.gateway.Readings())

	var kinds []audit.Kind
	for _, event := range f.events.Events() {
		if event.Kind == audit.KindCommand {
			kinds = append(kinds, event.Kind)
		}
	}
	assert.Len(t, kinds, 1)

	eventually(t, func() bool { return len(conn.byType(TypePublishAck)) == 1 }, "origin did not receive the ack")
	var ack PublishAck
	require.NoError(t, json.Unmarshal(conn.byType(TypePublishAck)[0], &ack))
	assert.Equal(t, "success", ack.Status)

	// command fan-out is not sensor data
	eventually(t, func() bool { return len(conn.byType(TypeMessage)) == 1 }, "command was not routed")
	assert.Empty(t, conn.byType(TypeSensorData))
}

func TestPublish_PlainTopicRoutesWithoutValidation(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	_, conn := f.subscriber(t, "alice", "sf/users/+/status")

	result := f.relay.Publish(ctx, Origin{Kind: OriginServer, UserID: "carol"},
		"sf/users/carol/status", []byte(`{"status": "online"}`), 1, true)

	require.True(t, result.OK)
	assert.Equal(t, 1, result.Recipients)
	eventually(t, func() bool { return len(conn.byType(TypeMessage)) == 1 }, "status message was not routed")
	assert.Empty(t, conn.byType(TypeSensorData))
	assert.Empty(t, f.gateway.Readings())
}

func TestPublish_UnknownDeviceDenied(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	// devices pass through the same ACL as users; an unlisted device
	// identity is rejected at the first gate
	result := f.relay.Publish(ctx, Origin{Kind: OriginDevice, UserID: "rogue99"},
		"sf/sensors/rogue99/temperature", tempPayload(20, "C"), 0, false)

	require.False(t, result.OK)
	assert.Equal(t, StageAuthorize, result.Stage)
	assert.Empty(t, f.gateway.Readings())
}

func TestPublish_NonJSONPayloadRoutedAsString(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	_, conn := f.subscriber(t, "alice", "sf/status/#")

	// raw device bytes on a plain topic must never take the pipeline down
	result := f.relay.Publish(ctx, Origin{Kind: OriginServer, UserID: "bridge"},
		"sf/status/raw", []byte("\x01binary not json"), 0, false)

	require.True(t, result.OK)
	assert.Equal(t, 1, result.Recipients)
	eventually(t, func() bool { return len(conn.byType(TypeMessage)) == 1 }, "raw payload was not routed")

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(conn.byType(TypeMessage)[0], &envelope))
	var asString string
	require.NoError(t, json.Unmarshal(envelope.Data, &asString), "non-JSON payload must be carried as a string")
}

func TestDeliver_PrunesPermanentlyFailingSession(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	conn := &recordingConn{sendErr: fmt.Errorf("send buffer full")}
	s := f.sessions.Register(ctx, "alice", conn)
	_, invalid := s.Subscribe([]string{"sf/sensors/#"}, 0)
	require.Empty(t, invalid)
	require.Equal(t, 1, f.sessions.Count())

	result := f.relay.Publish(ctx, Origin{Kind: OriginDevice, UserID: "dev42"},
		"sf/sensors/dev42/temperature", tempPayload(20, "C"), 0, false)

	require.True(t, result.OK)
	eventually(t, func() bool { return f.sessions.Count() == 0 }, "failing session was not pruned")
}
