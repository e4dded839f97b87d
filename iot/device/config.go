package device

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/smartpot/iot/credentials"
	"github.com/relabs-tech/smartpot/iot/dps"
	"github.com/relabs-tech/smartpot/iot/hub"
	"github.com/relabs-tech/smartpot/iot/sensor"
)

// Config is the configuration of the device agent
type Config struct {
	IDScope        string `env:"DPS_ID_SCOPE" description:"the id scope of the provisioning service"`
	RegistrationID string `env:"DPS_REGISTRATION_ID" description:"the registration id of the device"`
	DPSKey         string `env:"DPS_DEVICE_KEY" description:"the base64 key of an individual enrollment"`
	GroupKey       string `env:"DPS_GROUP_KEY" description:"the base64 key of a group enrollment"`
	DPSHost        string `env:"DPS_HOST,default=global.azure-devices-provisioning.net" description:"the provisioning endpoint"`
	DPSPayload     string `env:"DPS_PAYLOAD" description:"optional JSON payload of the registration request"`

	HubHost   string `env:"IOTHUB_HOSTNAME" description:"the hub host name for a direct connection"`
	DeviceID  string `env:"DEVICE_ID" description:"the device id for a direct connection"`
	DeviceKey string `env:"DEVICE_KEY" description:"the base64 device key for a direct connection"`

	CACertFile string `env:"CA_CERT_FILE" description:"PEM file with the root CA of provisioning service and hub"`
	MQTTScheme string `env:"MQTT_SCHEME,default=ssl" description:"ssl, or tcp for a local simulator"`
	MQTTPort   int    `env:"MQTT_PORT,default=8883" description:"the MQTT port of provisioning service and hub"`

	TokenTTL           time.Duration `env:"SAS_TOKEN_TTL,default=1h" description:"validity of signed tokens"`
	DPSTimeout         time.Duration `env:"DPS_TIMEOUT,default=60s" description:"deadline of a registration attempt"`
	DPSPollInterval    time.Duration `env:"DPS_POLL_INTERVAL,default=1s" description:"minimum wait before an operation status poll"`
	DPSThrottleBackoff time.Duration `env:"DPS_THROTTLE_BACKOFF,default=500ms" description:"minimum wait after throttling"`

	TelemetryInterval   time.Duration `env:"TELEMETRY_INTERVAL,default=5s" description:"pause between two telemetry cycles"`
	SensorAttempts      int           `env:"SENSOR_ATTEMPTS,default=3" description:"reads per sensor and cycle"`
	SensorRetryDelay    time.Duration `env:"SENSOR_RETRY_DELAY,default=100ms" description:"wait between two reads of a sensor"`
	AbortOnPublishError bool          `env:"ABORT_ON_PUBLISH_ERROR,default=false" description:"end the session on a failed publish"`
	RestartDelay        time.Duration `env:"RESTART_DELAY,default=10s" description:"wait before a new session"`

	W1DevicesGlob     string `env:"W1_DEVICES_GLOB,default=/sys/bus/w1/devices/28-*/w1_slave" description:"w1_slave files of DS18B20 thermometers"`
	SimulatedSensors  bool   `env:"SIMULATED_SENSORS,default=false" description:"use simulated sensors"`
	ControlSchemaFile string `env:"CONTROL_SCHEMA_FILE" description:"JSON schema of control messages, the built-in schema when empty"`

	LogLevel   string `env:"LOG_LEVEL,default=info" description:"the log level"`
	StatusAddr string `env:"STATUS_ADDR" description:"listen address of the status endpoint, disabled when empty"`
}

// LoadConfig decodes the configuration from the environment and validates it
func LoadConfig() (*Config, error) {
	c := &Config{}
	if err := envdecode.Decode(c); err != nil {
		return nil, fmt.Errorf("cannot decode configuration: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// UsesDPS reports whether the device registers with the provisioning service
func (c *Config) UsesDPS() bool {
	return len(c.IDScope) > 0
}

// Validate checks that either a provisioning or a direct hub identity is configured
func (c *Config) Validate() error {
	if c.UsesDPS() {
		if len(c.RegistrationID) == 0 {
			return errors.New("DPS_REGISTRATION_ID is missing")
		}
		if len(c.DPSKey) == 0 && len(c.GroupKey) == 0 {
			return errors.New("DPS_DEVICE_KEY or DPS_GROUP_KEY is missing")
		}
		if len(c.DPSKey) > 0 && len(c.GroupKey) > 0 {
			return errors.New("DPS_DEVICE_KEY and DPS_GROUP_KEY are mutually exclusive")
		}
		if len(c.DPSPayload) > 0 && !json.Valid([]byte(c.DPSPayload)) {
			return errors.New("DPS_PAYLOAD is not valid JSON")
		}
	} else if len(c.HubHost) == 0 || len(c.DeviceID) == 0 || len(c.DeviceKey) == 0 {
		return errors.New("either DPS_ID_SCOPE or IOTHUB_HOSTNAME, DEVICE_ID and DEVICE_KEY are required")
	}
	if c.MQTTScheme != "ssl" && c.MQTTScheme != "tcp" {
		return fmt.Errorf("unsupported MQTT_SCHEME %q", c.MQTTScheme)
	}
	if c.RestartDelay < 0 || c.TelemetryInterval <= 0 {
		return errors.New("RESTART_DELAY must not be negative and TELEMETRY_INTERVAL must be positive")
	}
	return nil
}

// Store builds the credential store
func (c *Config) Store() (*credentials.Store, error) {
	return credentials.NewStore(&credentials.Builder{
		CACertFile:      c.CACertFile,
		RegistrationID:  c.RegistrationID,
		ProvisioningKey: c.DPSKey,
		GroupKey:        c.GroupKey,
		HubKey:          c.DeviceKey,
	})
}

// DPS returns the provisioning configuration
func (c *Config) DPS() dps.Config {
	return dps.Config{
		IDScope:         c.IDScope,
		RegistrationID:  c.RegistrationID,
		Host:            c.DPSHost,
		Port:            c.MQTTPort,
		Scheme:          c.MQTTScheme,
		TokenTTL:        c.TokenTTL,
		PollInterval:    c.DPSPollInterval,
		ThrottleBackoff: c.DPSThrottleBackoff,
		Timeout:         c.DPSTimeout,
	}
}

// Payload returns the registration payload, nil if none is configured
func (c *Config) Payload() interface{} {
	if len(c.DPSPayload) == 0 {
		return nil
	}
	return json.RawMessage(c.DPSPayload)
}

// Hub returns the hub configuration for an assignment
func (c *Config) Hub(hubHost, deviceID string) hub.Config {
	return hub.Config{
		HubHost:  hubHost,
		DeviceID: deviceID,
		TokenTTL: c.TokenTTL,
		Port:     c.MQTTPort,
		Scheme:   c.MQTTScheme,
	}
}

// Sensors returns the configured sensors. Without simulated sensors every DS18B20
// found on the 1-Wire bus becomes a thermometer.
func (c *Config) Sensors() ([]sensor.Sensor, error) {
	if c.SimulatedSensors {
		return sensor.SimulatedSensors(), nil
	}
	probes, err := sensor.W1Probes(c.W1DevicesGlob)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(probes))
	for name := range probes {
		names = append(names, name)
	}
	sort.Strings(names)
	sensors := make([]sensor.Sensor, 0, len(probes))
	for _, name := range names {
		sensors = append(sensors, sensor.NewThermometer(name, probes[name]))
	}
	return sensors, nil
}

// Reader returns a sensor reader for sensors
func (c *Config) Reader(sensors []sensor.Sensor) *sensor.Reader {
	return sensor.NewReader(&sensor.Builder{
		Sensors:    sensors,
		Attempts:   c.SensorAttempts,
		RetryDelay: c.SensorRetryDelay,
	})
}
