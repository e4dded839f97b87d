package hub

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/smartpot/iot"
	"github.com/relabs-tech/smartpot/iot/credentials"
	"github.com/relabs-tech/smartpot/iot/mqtt"
	"github.com/relabs-tech/smartpot/iot/sas"
)

const testKey = "c21hcnRwb3Qtc2hhcmVkLWFjY2Vzcy1rZXktMDEyMzQ="

func TestTopics(t *testing.T) {
	assert.Equal(t, "devices/dev1/messages/events/", TelemetryTopic("dev1"))
	assert.Equal(t, "devices/dev1/messages/devicebound/#", C2DTopicFilter("dev1"))
	assert.Equal(t, "myhub.example.net/dev1/?api-version=2021-06-30",
		Config{HubHost: "myhub.example.net", DeviceID: "dev1"}.Username())
}

func TestConnectOptions(t *testing.T) {
	store, err := credentials.NewStore(&credentials.Builder{HubKey: testKey})
	require.NoError(t, err)

	now := time.Unix(1700000000-3600, 0)
	clock := func() time.Time { return now }
	config := Config{HubHost: "myhub.example.net", DeviceID: "dev1", Now: clock}
	tokens := sas.HubTokenSource(config.HubHost, config.DeviceID, store.HubKey(), time.Hour, clock)
	will := &mqtt.Message{Topic: "devices/dev1/messages/events/", Payload: []byte("offline")}
	config.Will = will

	o := ConnectOptions(config, tokens, store)
	assert.Equal(t, "ssl://myhub.example.net:8883", o.Broker)
	assert.Equal(t, "dev1", o.ClientID)
	assert.Equal(t, "myhub.example.net/dev1/?api-version=2021-06-30", o.Username)
	assert.True(t, o.AutoReconnect)
	assert.False(t, o.CleanSession)
	assert.Equal(t, 60*time.Second, o.KeepAlive)
	assert.Equal(t, 5*time.Second, o.ReconnectTimeout)
	assert.Equal(t, will, o.Will)
	assert.Equal(t, "myhub.example.net", o.TLSConfig.ServerName)

	require.NotNil(t, o.Credentials)
	username, password := o.Credentials()
	assert.Equal(t, o.Username, username)
	assert.Equal(t, "SharedAccessSignature sr=myhub.example.net%2Fdevices%2Fdev1&sig=9NUF252dxJRF8EITS7QRh0jt0U29xyOp%2BSLCtdcqX7k%3D&se=1700000000", password)

	// a reconnect later signs a new token
	now = now.Add(time.Minute)
	_, again := o.Credentials()
	assert.NotEqual(t, password, again)
	assert.True(t, strings.HasSuffix(again, "&se=1700000060"))
}

func TestConnectRejectsBadKey(t *testing.T) {
	store, err := credentials.NewStore(&credentials.Builder{HubKey: "not base64!"})
	require.NoError(t, err)
	_, err = Connect(context.Background(), Config{HubHost: "localhost", DeviceID: "dev1"}, store)
	require.Error(t, err)
	assert.True(t, errors.Is(err, iot.ErrKeyDecode))
}

func TestSessionIsConnected(t *testing.T) {
	config := Config{HubHost: "localhost", DeviceID: "dev1"}
	s := &Session{config: config, client: mqtt.NewClient(mqtt.Options{Broker: "tcp://localhost:1883", ClientID: "dev1"})}
	assert.False(t, s.IsConnected())
	assert.Equal(t, "devices/dev1/messages/events/", s.TelemetryTopic())
}
