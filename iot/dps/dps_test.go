package dps

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/smartpot/iot"
	"github.com/relabs-tech/smartpot/iot/credentials"
	"github.com/relabs-tech/smartpot/iot/mqtt"
)

type published struct {
	topic   string
	payload []byte
	qos     mqtt.QoS
	at      time.Time
}

// fakeService is a scripted provisioning service. respond is called for every
// publish and may queue responses with reply.
type fakeService struct {
	mu             sync.Mutex
	failSubscribes int
	subscribes     int
	subscribed     []string
	published      []published
	replies        []time.Time
	events         chan mqtt.Event
	nextErr        error
	respond        func(s *fakeService, topic string, payload []byte)
}

func newFakeService(respond func(s *fakeService, topic string, payload []byte)) *fakeService {
	return &fakeService{events: make(chan mqtt.Event, 16), respond: respond}
}

func (s *fakeService) Subscribe(ctx context.Context, filter string, qos mqtt.QoS) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribes++
	if s.subscribes <= s.failSubscribes {
		return errors.New("suback timeout")
	}
	s.subscribed = append(s.subscribed, filter)
	return nil
}

func (s *fakeService) Publish(ctx context.Context, topic string, payload []byte, qos mqtt.QoS) error {
	s.mu.Lock()
	s.published = append(s.published, published{topic: topic, payload: payload, qos: qos, at: time.Now()})
	subscribed := len(s.subscribed) > 0
	s.mu.Unlock()
	if !subscribed {
		return errors.New("published before subscription")
	}
	if s.respond != nil {
		s.respond(s, topic, payload)
	}
	return nil
}

func (s *fakeService) NextEvent(ctx context.Context) (mqtt.Event, error) {
	if s.nextErr != nil {
		return mqtt.Event{}, s.nextErr
	}
	select {
	case e := <-s.events:
		return e, nil
	case <-ctx.Done():
		return mqtt.Event{}, ctx.Err()
	}
}

func (s *fakeService) reply(topic string, body string) {
	s.mu.Lock()
	s.replies = append(s.replies, time.Now())
	s.mu.Unlock()
	s.events <- mqtt.Event{Kind: mqtt.EventMessage, Message: mqtt.Message{Topic: topic, Payload: []byte(body)}}
}

func (s *fakeService) publishes() []published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]published(nil), s.published...)
}

func ridOf(topic string) string {
	_, rest, _ := strings.Cut(topic, "$rid=")
	rid, _, _ := strings.Cut(rest, "&")
	return rid
}

func isRegister(topic string) bool {
	return strings.HasPrefix(topic, "$dps/registrations/PUT/iotdps-register/")
}

const assignedBody = `{"operationId":"op1","status":"assigned","registrationState":{"assignedHub":"h1","deviceId":"dev1"}}`

func testConfig() Config {
	return Config{
		IDScope:             "0ne00000001",
		RegistrationID:      "pot-1",
		PollInterval:        time.Millisecond,
		ThrottleBackoff:     50 * time.Millisecond,
		SubscribeRetryDelay: time.Millisecond,
		Timeout:             2 * time.Second,
	}
}

func TestRegisterAssigned(t *testing.T) {
	service := newFakeService(func(s *fakeService, topic string, payload []byte) {
		if isRegister(topic) {
			s.reply(ResponseTopic(202, ridOf(topic), 0), `{"operationId":"op1","status":"assigning"}`)
			return
		}
		s.reply(ResponseTopic(200, ridOf(topic), 0), assignedBody)
	})
	client := NewClient(service, testConfig())

	status, err := client.Register(context.Background(), map[string]string{"model": "pot"})
	require.NoError(t, err)
	assert.Equal(t, Assigned{HubHost: "h1", DeviceID: "dev1"}, status)
	assert.Equal(t, status, client.Status())
	assert.True(t, IsTerminal(status))

	assert.Equal(t, []string{ResponseTopicFilter}, service.subscribed)
	pubs := service.publishes()
	require.Len(t, pubs, 2)
	rid := ridOf(pubs[0].topic)
	require.NotEmpty(t, rid)
	assert.Equal(t, RegisterTopic(rid), pubs[0].topic)
	assert.JSONEq(t, `{"registrationId":"pot-1","payload":{"model":"pot"}}`, string(pubs[0].payload))
	assert.Equal(t, PollTopic(rid, "op1"), pubs[1].topic)
	for _, p := range pubs {
		assert.Equal(t, mqtt.AtMostOnce, p.qos)
	}
}

func TestRegisterThrottled(t *testing.T) {
	polls := 0
	service := newFakeService(func(s *fakeService, topic string, payload []byte) {
		if isRegister(topic) {
			s.reply(ResponseTopic(202, ridOf(topic), 0), `{"operationId":"op1"}`)
			return
		}
		polls++
		if polls == 1 {
			s.reply(ResponseTopic(429, ridOf(topic), 0), ``)
			return
		}
		s.reply(ResponseTopic(200, ridOf(topic), 0), assignedBody)
	})
	config := testConfig()
	status, err := NewClient(service, config).Register(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Assigned{HubHost: "h1", DeviceID: "dev1"}, status)

	pubs := service.publishes()
	require.Len(t, pubs, 3)
	rid := ridOf(pubs[0].topic)
	assert.Equal(t, PollTopic(rid, "op1"), pubs[1].topic)
	assert.Equal(t, PollTopic(rid, "op1"), pubs[2].topic)

	// the 429 is the second reply, the repeated poll must wait out the backoff
	throttledAt := service.replies[1]
	assert.GreaterOrEqual(t, pubs[2].at.Sub(throttledAt), config.ThrottleBackoff)
}

func TestRegisterThrottledBeforeAccepted(t *testing.T) {
	registers := 0
	service := newFakeService(func(s *fakeService, topic string, payload []byte) {
		if isRegister(topic) {
			registers++
			if registers == 1 {
				s.reply(ResponseTopic(429, ridOf(topic), 0), `{}`)
				return
			}
			s.reply(ResponseTopic(200, ridOf(topic), 0), assignedBody)
		}
	})
	status, err := NewClient(service, testConfig()).Register(context.Background(), nil)
	require.NoError(t, err)
	assert.IsType(t, Assigned{}, status)

	pubs := service.publishes()
	require.Len(t, pubs, 2)
	assert.Equal(t, pubs[0].topic, pubs[1].topic)
}

func TestRegisterUnauthorized(t *testing.T) {
	service := newFakeService(func(s *fakeService, topic string, payload []byte) {
		s.reply(ResponseTopic(401, ridOf(topic), 0), `{"errorCode":401002,"message":"unauthorized"}`)
	})
	client := NewClient(service, testConfig())
	status, err := client.Register(context.Background(), nil)
	require.Error(t, err)
	failed, ok := status.(Failed)
	require.True(t, ok)
	assert.Equal(t, ReasonUnauthorized, failed.Reason)
	assert.True(t, errors.Is(err, iot.ErrAuth))
	assert.Equal(t, iot.StageProvisioning, iot.StageOf(err))

	// give a misbehaving client the chance to publish again
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, service.publishes(), 1)
	assert.Equal(t, failed, client.Status())
}

func TestRegisterUnexpectedStatus(t *testing.T) {
	service := newFakeService(func(s *fakeService, topic string, payload []byte) {
		s.reply(ResponseTopic(200, ridOf(topic), 0), `{"status":"disabled"}`)
	})
	status, err := NewClient(service, testConfig()).Register(context.Background(), nil)
	assert.Equal(t, ReasonUnexpectedStatus, status.(Failed).Reason)
	assert.True(t, errors.Is(err, iot.ErrProtocol))
}

func TestRegisterUnexpectedCode(t *testing.T) {
	service := newFakeService(func(s *fakeService, topic string, payload []byte) {
		s.reply(ResponseTopic(500, ridOf(topic), 0), `{}`)
	})
	status, err := NewClient(service, testConfig()).Register(context.Background(), nil)
	assert.Equal(t, ReasonUnexpectedCode, status.(Failed).Reason)
	assert.True(t, errors.Is(err, iot.ErrProtocol))
}

func TestRegisterTimeout(t *testing.T) {
	service := newFakeService(nil)
	config := testConfig()
	config.Timeout = 50 * time.Millisecond
	status, err := NewClient(service, config).Register(context.Background(), nil)
	assert.Equal(t, ReasonTimeout, status.(Failed).Reason)
	assert.True(t, errors.Is(err, iot.ErrTimeout))
}

func TestRegisterCanceled(t *testing.T) {
	service := newFakeService(nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	status, err := NewClient(service, testConfig()).Register(ctx, nil)
	assert.Equal(t, ReasonCanceled, status.(Failed).Reason)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRegisterConnectionClosed(t *testing.T) {
	service := newFakeService(nil)
	service.nextErr = mqtt.ErrClosed
	status, err := NewClient(service, testConfig()).Register(context.Background(), nil)
	assert.Equal(t, ReasonNetwork, status.(Failed).Reason)
	assert.True(t, errors.Is(err, iot.ErrNetwork))
	assert.True(t, errors.Is(err, mqtt.ErrClosed))
}

func TestRegisterDropsBadFrames(t *testing.T) {
	service := newFakeService(func(s *fakeService, topic string, payload []byte) {
		rid := ridOf(topic)
		if isRegister(topic) {
			s.events <- mqtt.Event{Kind: mqtt.EventConnected}
			s.reply("devices/pot-1/messages/devicebound/", `{}`)
			s.reply(ResponseTopic(401, "another-request", 0), `{}`)
			s.reply(ResponseTopic(202, rid, 0), `not json`)
			s.reply(ResponseTopic(202, rid, 0), `{"status":"assigning"}`)
			s.reply(ResponseTopic(202, rid, 0), `{"operationId":"op7"}`)
			return
		}
		s.reply(ResponseTopic(200, rid, 0), `{"status":"Assigned","registrationState":{"assignedHub":"h2","deviceId":"dev2"}}`)
	})
	status, err := NewClient(service, testConfig()).Register(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Assigned{HubHost: "h2", DeviceID: "dev2"}, status)

	pubs := service.publishes()
	require.Len(t, pubs, 2)
	assert.True(t, strings.HasSuffix(pubs[1].topic, "&operationId=op7"))
}

func TestRegisterRetriesSubscribe(t *testing.T) {
	service := newFakeService(func(s *fakeService, topic string, payload []byte) {
		s.reply(ResponseTopic(200, ridOf(topic), 0), assignedBody)
	})
	service.failSubscribes = 2
	_, err := NewClient(service, testConfig()).Register(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, service.subscribes)
	assert.Len(t, service.publishes(), 1)
}

func TestRegisterHonorsRetryAfter(t *testing.T) {
	service := newFakeService(func(s *fakeService, topic string, payload []byte) {
		if isRegister(topic) {
			s.reply(ResponseTopic(202, ridOf(topic), time.Second), `{"operationId":"op1"}`)
			return
		}
		s.reply(ResponseTopic(200, ridOf(topic), 0), assignedBody)
	})
	_, err := NewClient(service, testConfig()).Register(context.Background(), nil)
	require.NoError(t, err)
	pubs := service.publishes()
	require.Len(t, pubs, 2)
	assert.GreaterOrEqual(t, pubs[1].at.Sub(service.replies[0]), time.Second)
}

func TestParseResponseTopic(t *testing.T) {
	r, ok := parseResponseTopic("$dps/registrations/res/202/?$rid=abc&retry-after=3")
	require.True(t, ok)
	assert.Equal(t, response{StatusCode: 202, RequestID: "abc", RetryAfter: 3 * time.Second}, r)

	r, ok = parseResponseTopic("$dps/registrations/res/200/?$rid=abc")
	require.True(t, ok)
	assert.Equal(t, response{StatusCode: 200, RequestID: "abc"}, r)

	r, ok = parseResponseTopic("$dps/registrations/res/oops")
	require.True(t, ok)
	assert.Equal(t, 0, r.StatusCode)

	_, ok = parseResponseTopic("devices/dev1/messages/devicebound/")
	assert.False(t, ok)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "$dps/registrations/PUT/iotdps-register/?$rid=r1", RegisterTopic("r1"))
	assert.Equal(t, "$dps/registrations/GET/iotdps-get-operationstatus/?$rid=r1&operationId=op1", PollTopic("r1", "op1"))
	assert.Equal(t, "$dps/registrations/res/429/?$rid=r1&retry-after=2", ResponseTopic(429, "r1", 2*time.Second))
}

func TestConnectOptions(t *testing.T) {
	store, err := credentials.NewStore(&credentials.Builder{ProvisioningKey: "a2V5"})
	require.NoError(t, err)
	o := ConnectOptions(Config{IDScope: "0ne00000001", RegistrationID: "pot-1"}, "token", store)
	assert.Equal(t, "ssl://global.azure-devices-provisioning.net:8883", o.Broker)
	assert.Equal(t, "pot-1", o.ClientID)
	assert.Equal(t, "0ne00000001/registrations/pot-1/api-version=2019-03-31", o.Username)
	assert.Equal(t, "token", o.Password)
	assert.Equal(t, "global.azure-devices-provisioning.net", o.TLSConfig.ServerName)
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "pending", Pending{}.String())
	assert.Equal(t, "pending (operation op1)", Pending{OperationID: "op1"}.String())
	assert.Equal(t, "assigned to h1 as dev1", Assigned{HubHost: "h1", DeviceID: "dev1"}.String())
	assert.Equal(t, "failed: timeout", Failed{Reason: ReasonTimeout}.String())
	assert.False(t, IsTerminal(Pending{}))
}
