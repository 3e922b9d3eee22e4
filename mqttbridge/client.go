package mqttbridge

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sfgrid-tech/sfgrid/core/logger"
	"github.com/sfgrid-tech/sfgrid/relay"
)

const echoSuppressWindow = 5 * time.Second

// BridgeBuilder is a builder helper for the Bridge.
type BridgeBuilder struct {
	// Relay is the dispatcher. This is mandatory.
	Relay *relay.Relay
	// BrokerURL is the external broker, e.g. "tcp://localhost:1883". This
	// is mandatory.
	BrokerURL string
	// ClientID defaults to "sfgrid-bridge".
	ClientID string
	// Username and Password are optional broker credentials.
	Username string
	Password string
	// Topics are the topic trees mirrored into the relay. Defaults to
	// "sf/#".
	Topics []string
	// QoS is the subscription quality level. Defaults to 1.
	QoS byte
}

// Bridge mirrors an external MQTT broker into the relay. Inbound messages
// run through the full dispatch pipeline as device traffic; outbound
// messages from the relay are published to the broker. The broker echoes
// the bridge's own publishes back on its subscriptions, those echoes are
// suppressed so a message never loops.
type Bridge struct {
	client paho.Client
	relay  *relay.Relay
	topics []string
	qos    byte

	echoMutex sync.Mutex
	echoes    map[uint64]time.Time
}

// NewBridge creates the bridge. It does not connect until Run is called.
func NewBridge(b *BridgeBuilder) *Bridge {
	if b.Relay == nil {
		panic("relay is missing")
	}
	if b.BrokerURL == "" {
		panic("broker URL is missing")
	}
	clientID := b.ClientID
	if clientID == "" {
		clientID = "sfgrid-bridge"
	}
	topics := b.Topics
	if len(topics) == 0 {
		topics = []string{"sf/#"}
	}
	qos := b.QoS
	if qos == 0 {
		qos = 1
	}

	bridge := &Bridge{
		relay:  b.Relay,
		topics: topics,
		qos:    qos,
		echoes: make(map[uint64]time.Time),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(b.BrokerURL)
	opts.SetClientID(clientID)
	if b.Username != "" {
		opts.SetUsername(b.Username)
	}
	if b.Password != "" {
		opts.SetPassword(b.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(bridge.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Default().Warnln("mqtt: bridge connection lost:", err)
	})

	bridge.client = paho.NewClient(opts)
	return bridge
}

// Run connects to the broker and blocks until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("cannot connect to broker: %w", token.Error())
	}
	logger.FromContext(ctx).Infoln("mqtt: bridge connected")
	<-ctx.Done()
	b.client.Disconnect(250)
	logger.FromContext(ctx).Infoln("mqtt: bridge stopped")
	return nil
}

// onConnect resubscribes the mirrored trees. It runs on every reconnect.
func (b *Bridge) onConnect(client paho.Client) {
	for _, filter := range b.topics {
		filter := filter
		if token := client.Subscribe(filter, b.qos, b.onMessage); token.Wait() && token.Error() != nil {
			logger.Default().Errorf("mqtt: bridge subscribe %s failed: %v", filter, token.Error())
		}
	}
}

func (b *Bridge) onMessage(_ paho.Client, msg paho.Message) {
	if b.suppressed(msg.Topic(), msg.Payload()) {
		return
	}
	ctx, _ := logger.ContextWithLogger(context.Background())
	origin := relay.Origin{Kind: relay.OriginDevice, UserID: deviceFromTopic(msg.Topic())}
	b.relay.Publish(ctx, origin, msg.Topic(), msg.Payload(), msg.Qos(), msg.Retained())
}

// PublishMessage implements the relay's MessagePublisher.
func (b *Bridge) PublishMessage(topic string, payload []byte, qos byte, retain bool) {
	b.remember(topic, payload)
	token := b.client.Publish(topic, qos, retain, payload)
	go func() {
		if token.Wait(); token.Error() != nil {
			logger.Default().Errorf("mqtt: bridge publish %s failed: %v", topic, token.Error())
		}
	}()
}

// deviceFromTopic extracts the device identity from the second topic level,
// e.g. "sf/sensors/dev42/temperature" belongs to dev42. Topics without a
// device level map to the empty identity and fall under the default policy.
func deviceFromTopic(name string) string {
	parts := strings.Split(name, "/")
	if len(parts) >= 3 {
		return parts[2]
	}
	return ""
}

func echoKey(topic string, payload []byte) uint64 {
	h := fnv.New64a()
	h.Write([]byte(topic))
	h.Write([]byte{0})
	h.Write(payload)
	return h.Sum64()
}

func (b *Bridge) remember(topic string, payload []byte) {
	now := time.Now()
	b.echoMutex.Lock()
	defer b.echoMutex.Unlock()
	for key, seen := range b.echoes {
		if now.Sub(seen) > echoSuppressWindow {
			delete(b.echoes, key)
		}
	}
	b.echoes[echoKey(topic, payload)] = now
}

func (b *Bridge) suppressed(topic string, payload []byte) bool {
	key := echoKey(topic, payload)
	b.echoMutex.Lock()
	defer b.echoMutex.Unlock()
	seen, ok := b.echoes[key]
	if !ok {
		return false
	}
	delete(b.echoes, key)
	return time.Since(seen) <= echoSuppressWindow
}
