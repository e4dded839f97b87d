package hub

import (
	"context"
	"strconv"
	"time"

	"github.com/relabs-tech/smartpot/core/logger"
	"github.com/relabs-tech/smartpot/iot"
	"github.com/relabs-tech/smartpot/iot/credentials"
	"github.com/relabs-tech/smartpot/iot/mqtt"
	"github.com/relabs-tech/smartpot/iot/sas"
)

// APIVersion is the hub api version
const APIVersion = "2021-06-30"

// Config configures the hub session
type Config struct {
	// HubHost is the host name of the hub, usually taken from the provisioning result
	HubHost string
	// DeviceID is the device id on the hub
	DeviceID string
	// TokenTTL is the validity of each signed token. The default is one hour.
	TokenTTL time.Duration
	// KeepAlive is the MQTT keep-alive. The default is 60 seconds.
	KeepAlive time.Duration
	// ReconnectTimeout is the maximum interval between reconnect attempts. The default is 5 seconds.
	ReconnectTimeout time.Duration
	// CleanSession drops queued cloud-to-device messages on reconnect
	CleanSession bool
	// Will is an optional last will, for example an offline notice
	Will *mqtt.Message
	// Port is the MQTT port. The default is 8883.
	Port int
	// Scheme is the broker url scheme. The default is "ssl", "tcp" is for local brokers only.
	Scheme string
	// Now is the clock for token expiries. The default is time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.TokenTTL == 0 {
		c.TokenTTL = time.Hour
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.ReconnectTimeout == 0 {
		c.ReconnectTimeout = 5 * time.Second
	}
	if c.Port == 0 {
		c.Port = 8883
	}
	if len(c.Scheme) == 0 {
		c.Scheme = "ssl"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Username returns the MQTT user name of the device
func (c Config) Username() string {
	return c.HubHost + "/" + c.DeviceID + "/?api-version=" + APIVersion
}

// TelemetryTopic returns the device-to-cloud topic of a device
func TelemetryTopic(deviceID string) string {
	return "devices/" + deviceID + "/messages/events/"
}

// C2DTopicFilter returns the cloud-to-device topic filter of a device
func C2DTopicFilter(deviceID string) string {
	return "devices/" + deviceID + "/messages/devicebound/#"
}

// ConnectOptions returns the MQTT options for the hub connection. The password is
// produced by tokens on every (re)connect. A failing token source leaves the password
// empty and the hub refuses the connection.
func ConnectOptions(config Config, tokens sas.TokenSource, store *credentials.Store) mqtt.Options {
	config = config.withDefaults()
	username := config.Username()
	return mqtt.Options{
		Broker:   config.Scheme + "://" + config.HubHost + ":" + strconv.Itoa(config.Port),
		ClientID: config.DeviceID,
		Username: username,
		Credentials: func() (string, string) {
			token, err := tokens()
			if err != nil {
				logger.Default().WithError(err).Errorln("cannot sign hub token")
			}
			return username, token
		},
		TLSConfig:        store.TLSConfig(config.HubHost),
		KeepAlive:        config.KeepAlive,
		ReconnectTimeout: config.ReconnectTimeout,
		CleanSession:     config.CleanSession,
		AutoReconnect:    true,
		Will:             config.Will,
	}
}

// Session is a connected hub session
type Session struct {
	config Config
	client *mqtt.Client
}

// Connect signs a token, connects to the hub and subscribes to cloud-to-device messages.
// The key is the hub key of store.
func Connect(ctx context.Context, config Config, store *credentials.Store) (*Session, error) {
	config = config.withDefaults()
	tokens := sas.HubTokenSource(config.HubHost, config.DeviceID, store.HubKey(), config.TokenTTL, config.Now)

	// fail early on a bad key rather than in the credentials provider
	if _, err := tokens(); err != nil {
		return nil, err
	}

	client := mqtt.NewClient(ConnectOptions(config, tokens, store))
	if err := client.Connect(ctx); err != nil {
		if mqtt.IsNotAuthorized(err) {
			return nil, iot.NewError(iot.StageHub, iot.ErrAuth, err)
		}
		return nil, iot.NewError(iot.StageHub, iot.ErrNetwork, err)
	}
	s := &Session{config: config, client: client}
	if err := client.Subscribe(ctx, s.C2DTopicFilter(), mqtt.AtLeastOnce); err != nil {
		client.Close()
		return nil, iot.NewError(iot.StageHub, iot.ErrNetwork, err)
	}
	logger.FromContext(ctx).Infoln("connected to hub", config.HubHost, "as", config.DeviceID)
	return s, nil
}

// IsConnected reports whether the connection to the hub is currently up
func (s *Session) IsConnected() bool {
	return s.client.IsConnected()
}

// TelemetryTopic returns the telemetry topic of the session's device
func (s *Session) TelemetryTopic() string {
	return TelemetryTopic(s.config.DeviceID)
}

// C2DTopicFilter returns the cloud-to-device topic filter of the session's device
func (s *Session) C2DTopicFilter() string {
	return C2DTopicFilter(s.config.DeviceID)
}

// Publish publishes a message to the hub
func (s *Session) Publish(ctx context.Context, topic string, payload []byte, qos mqtt.QoS) error {
	if err := s.client.Publish(ctx, topic, payload, qos); err != nil {
		return iot.NewError(iot.StageHub, iot.ErrNetwork, err)
	}
	return nil
}

// NextEvent returns the next inbound event
func (s *Session) NextEvent(ctx context.Context) (mqtt.Event, error) {
	return s.client.NextEvent(ctx)
}

// Writer returns the write handle of the session
func (s *Session) Writer() iot.Publisher {
	return writer{s}
}

// Reader returns the read handle of the session
func (s *Session) Reader() iot.EventSource {
	return reader{s}
}

// Close closes the session
func (s *Session) Close() {
	s.client.Close()
}

type writer struct{ s *Session }

func (w writer) Publish(ctx context.Context, topic string, payload []byte, qos mqtt.QoS) error {
	return w.s.Publish(ctx, topic, payload, qos)
}

type reader struct{ s *Session }

func (r reader) NextEvent(ctx context.Context) (mqtt.Event, error) {
	return r.s.NextEvent(ctx)
}
