package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/sfgrid-tech/sfgrid/acl"
	"github.com/sfgrid-tech/sfgrid/alerts"
	"github.com/sfgrid-tech/sfgrid/api"
	"github.com/sfgrid-tech/sfgrid/audit"
	"github.com/sfgrid-tech/sfgrid/core/csql"
	"github.com/sfgrid-tech/sfgrid/core/logger"
	"github.com/sfgrid-tech/sfgrid/mqttbridge"
	"github.com/sfgrid-tech/sfgrid/relay"
	"github.com/sfgrid-tech/sfgrid/sensors"
	"github.com/sfgrid-tech/sfgrid/session"
	"github.com/sfgrid-tech/sfgrid/store"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres     string `env:"POSTGRES" description:"the connection string for the Postgres DB; empty runs on the in-memory store"`
	Schema       string `env:"SCHEMA,default=dashboard" description:"the database schema"`
	Port         string `env:"PORT,default=:3000" description:"the HTTP listen address"`
	ACLConfig    string `env:"ACL_CONFIG,required" description:"path to the authorization rule set"`
	SensorConfig string `env:"SENSOR_CONFIG,required" description:"path to the sensor limit configuration"`
	JWTSecret    string `env:"JWT_SECRET" description:"HMAC key for WebSocket bearer tokens; empty accepts user_id query identities"`

	MQTTAddr   string `env:"MQTT_ADDR,default=:1883" description:"listen address of the embedded MQTT broker"`
	MQTTBroker string `env:"MQTT_BROKER" description:"URL of an external MQTT broker; when set, the embedded broker is not started"`
	MQTTUser   string `env:"MQTT_USER" description:"username for the external broker"`
	MQTTPass   string `env:"MQTT_PASS" description:"password for the external broker"`
	CACertFile string `env:"CA_CERT_FILE" description:"CA certificate for device TLS authentication"`
	CertFile   string `env:"CERT_FILE" description:"server certificate for the embedded broker"`
	KeyFile    string `env:"KEY_FILE" description:"server key for the embedded broker"`

	KafkaBrokers string `env:"KAFKA_BROKERS" description:"comma separated Kafka brokers for the audit export; empty disables the export"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=sfgrid-audit" description:"Kafka topic for the audit export"`

	LogLevel string `env:"LOG_LEVEL,default=info" description:"log level"`
}

// loadConfig prefers a configuration stored through the API over the file
// from the environment.
func loadConfig(configs store.ConfigRegistry, name, file string) []byte {
	stored, storedAt, err := configs.LoadConfig(context.Background(), name)
	if err != nil {
		panic(err)
	}
	if !storedAt.IsZero() {
		logger.Default().Infof("using stored %s configuration from %s", name, storedAt.Format(time.RFC3339))
		return stored
	}
	data, err := os.ReadFile(file)
	if err != nil {
		panic(err)
	}
	return data
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.Init(level)
	rlog := logger.Default()

	var gateway store.Gateway
	var configs store.ConfigRegistry
	if service.Postgres != "" {
		db := csql.OpenWithSchema(service.Postgres, service.Schema)
		defer db.Close()
		gateway = store.NewPostgres(db)
		configs = store.NewPostgresConfigs(db)
	} else {
		rlog.Warnln("no postgres configured, readings and alerts are not durable")
		gateway = store.NewMemory()
		configs = store.NewMemoryConfigs()
	}

	aclConfig, err := acl.ParseConfig(loadConfig(configs, "acl", service.ACLConfig))
	if err != nil {
		panic(err)
	}
	sensorConfig, err := sensors.ParseConfig(loadConfig(configs, "sensors", service.SensorConfig))
	if err != nil {
		panic(err)
	}

	recent := audit.NewMemoryAppender(500)
	appenders := []audit.Appender{audit.LogAppender{}, recent}
	if service.KafkaBrokers != "" {
		kafka := audit.NewKafkaAppender(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer kafka.Close()
		appenders = append(appenders, kafka)
	}
	trail := audit.NewTrail(appenders...)

	evaluator := acl.NewEvaluator(acl.NewSnapshot(aclConfig), trail)
	registry := sensors.NewRegistry(sensors.NewSnapshot(sensorConfig))
	manager := alerts.NewManager(gateway, trail)
	sessions := session.NewRegistry(gateway)

	dispatcher := relay.New(&relay.Builder{
		ACL:      evaluator,
		Sensors:  registry,
		Alerts:   manager,
		Sessions: sessions,
		Gateway:  gateway,
		Trail:    trail,
	})

	router := mux.NewRouter()
	logger.AddRequestID(router)

	relay.MustNewWebSocketEndpoint(&relay.WebSocketBuilder{
		Relay:     dispatcher,
		Router:    router,
		JWTSecret: service.JWTSecret,
	})

	api.MustNewService(&api.Builder{
		Relay:   dispatcher,
		ACL:     evaluator,
		Sensors: registry,
		Alerts:  manager,
		Gateway: gateway,
		Router:  router,
		Configs: configs,
		Recent:  recent,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rlog.Infoln("listen on port", service.Port)
	server := &http.Server{Addr: service.Port, Handler: handlers.CompressHandler(router)}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rlog.Errorln("http server:", err)
			stop()
		}
	}()

	if service.MQTTBroker != "" {
		bridge := mqttbridge.NewBridge(&mqttbridge.BridgeBuilder{
			Relay:     dispatcher,
			BrokerURL: service.MQTTBroker,
			Username:  service.MQTTUser,
			Password:  service.MQTTPass,
		})
		dispatcher.SetBroker(bridge)
		if err := bridge.Run(ctx); err != nil {
			rlog.Errorln("mqtt bridge:", err)
		}
	} else {
		broker := mqttbridge.NewBroker(&mqttbridge.BrokerBuilder{
			Relay:      dispatcher,
			Addr:       service.MQTTAddr,
			CACertFile: service.CACertFile,
			CertFile:   service.CertFile,
			KeyFile:    service.KeyFile,
		})
		dispatcher.SetBroker(broker)
		broker.Run(ctx)
	}

	sessions.Shutdown(context.Background())
	server.Shutdown(context.Background())
	rlog.Infoln("stopped")
}
