package mqttbridge

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/sfgrid-tech/sfgrid/acl"
	"github.com/sfgrid-tech/sfgrid/core/logger"
	"github.com/sfgrid-tech/sfgrid/relay"
)

// Broker is the embedded MQTT broker for devices.
type Broker struct {
	p *plugin
}

// BrokerBuilder is a builder helper for the Broker.
type BrokerBuilder struct {
	// Relay is the dispatcher. This is mandatory.
	Relay *relay.Relay
	// Addr is the listen address, e.g. ":8883" with TLS or ":1883" without.
	// This is mandatory.
	Addr string
	// CACertFile is the file path to the X.509 certificate of the
	// certificate authority. When set, devices authenticate with client
	// certificates whose common name is the device identity. CertFile and
	// KeyFile must be set as well.
	CACertFile string
	// CertFile is the file path to the X.509 certificate file.
	CertFile string
	// KeyFile is the file path to the X.509 private key file.
	KeyFile string
}

// plugin is the plugin for GMQTT. It maps broker hooks onto the relay:
// subscribe is an ACL check on the device identity, an arrived message is a
// full dispatch through the pipeline.
type plugin struct {
	relay *relay.Relay

	identityMutex sync.RWMutex
	identities    map[net.Conn]string
	tlsRequired   bool

	listener net.Listener
	service  gmqtt.Server
}

// NewBroker returns a new broker. The broker will not actually run until
// you call Run().
func NewBroker(b *BrokerBuilder) *Broker {
	if b.Relay == nil {
		panic("relay is missing")
	}
	if b.Addr == "" {
		panic("listen address is missing")
	}

	var ln net.Listener
	var err error
	tlsRequired := b.CACertFile != ""
	if tlsRequired {
		if b.CertFile == "" {
			panic("cert file missing")
		}
		if b.KeyFile == "" {
			panic("key file missing")
		}
		crt, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
		if err != nil {
			panic(err)
		}
		caCert, err := os.ReadFile(b.CACertFile)
		if err != nil {
			panic(err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			panic("cannot parse CA certificate")
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{crt},
			ClientCAs:    caCertPool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
		}
		ln, err = tls.Listen("tcp", b.Addr, tlsConfig)
		if err != nil {
			panic(err)
		}
	} else {
		ln, err = net.Listen("tcp", b.Addr)
		if err != nil {
			panic(err)
		}
	}

	broker := &Broker{
		p: &plugin{
			relay:       b.Relay,
			identities:  make(map[net.Conn]string),
			tlsRequired: tlsRequired,
		},
	}
	broker.p.listener = ln
	return broker
}

// Run starts the server and blocks until the context is cancelled.
func (b *Broker) Run(ctx context.Context) {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.listener),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	logger.FromContext(ctx).Infoln("mqtt: broker listening")
	<-ctx.Done()
	s.Stop(context.Background())
	logger.FromContext(ctx).Infoln("mqtt: broker stopped")
}

// PublishMessage implements the relay's MessagePublisher. The retain flag
// is not supported by the embedded broker and is dropped.
func (b *Broker) PublishMessage(topic string, payload []byte, qos byte, retain bool) {
	if b.p.service == nil {
		return
	}
	msg := gmqtt.NewMessage(topic, payload, qos)
	b.p.service.PublishService().Publish(msg)
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "sfgrid bridge" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

func (p *plugin) identityFromConnection(conn net.Conn) string {
	p.identityMutex.RLock()
	defer p.identityMutex.RUnlock()
	return p.identities[conn]
}

// OnAcceptWrapper extracts the device identity from the TLS client
// certificate's common name.
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			if err := tlsConn.Handshake(); err != nil {
				return false
			}
			state := tlsConn.ConnectionState()
			commonName := state.VerifiedChains[0][0].Subject.CommonName
			p.identityMutex.Lock()
			p.identities[conn] = commonName
			p.identityMutex.Unlock()
			logger.Default().Infoln("mqtt: accept", commonName)
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate
// common name. Without TLS the client ID is the identity.
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		clientID := client.OptionsReader().ClientID()
		if p.tlsRequired {
			identity := p.identityFromConnection(client.Connection())
			if clientID != identity {
				logger.Default().Warnln("mqtt: connect denied,", clientID, "does not match certificate")
				return packets.CodeNotAuthorized
			}
		}
		logger.Default().Infoln("mqtt: connect", clientID)
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper enforces the subscribe policy for the device identity.
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		deviceID := client.OptionsReader().ClientID()
		decision := p.relay.Authorize(ctx, deviceID, topic.Name, acl.ActionSubscribe)
		if !decision.Allowed {
			logger.Default().Warnln("mqtt: subscribe", deviceID, topic.Name, "denied")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper dispatches every device publish through the relay.
// The relay owns authorization, validation and persistence; a rejected
// message is dropped at the broker so it never reaches device subscribers
// either.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		deviceID := client.OptionsReader().ClientID()
		ctx, _ = logger.ContextWithLoggerIdentity(ctx, deviceID)
		result := p.relay.Publish(ctx, relay.Origin{Kind: relay.OriginDevice, UserID: deviceID},
			msg.Topic(), msg.Payload(), msg.Qos(), msg.Retained())
		if !result.OK && result.Stage == relay.StageAuthorize {
			return false
		}
		return arrived(ctx, client, msg)
	}
}
