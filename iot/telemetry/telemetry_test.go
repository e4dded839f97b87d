package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/smartpot/core/schema"
	"github.com/relabs-tech/smartpot/iot"
	"github.com/relabs-tech/smartpot/iot/mqtt"
	"github.com/relabs-tech/smartpot/iot/sensor"
)

type constProbe float64

func (p constProbe) Temperature(context.Context) (float64, error) { return float64(p), nil }

// events delivers queued events and then blocks until the context is done or
// returns final if set
type events struct {
	calls     int32
	lateCalls int32
	queue     chan mqtt.Event
	final     error
}

func newEvents(final error, queued ...mqtt.Event) *events {
	e := &events{queue: make(chan mqtt.Event, len(queued)+1), final: final}
	for _, q := range queued {
		e.queue <- q
	}
	return e
}

func (e *events) NextEvent(ctx context.Context) (mqtt.Event, error) {
	atomic.AddInt32(&e.calls, 1)
	if err := ctx.Err(); err != nil {
		atomic.AddInt32(&e.lateCalls, 1)
		return mqtt.Event{}, err
	}
	select {
	case q := <-e.queue:
		return q, nil
	default:
	}
	if e.final != nil {
		return mqtt.Event{}, e.final
	}
	<-ctx.Done()
	return mqtt.Event{}, ctx.Err()
}

type publisher struct {
	mu       sync.Mutex
	err      error
	messages []mqtt.Message
}

func (p *publisher) Publish(ctx context.Context, topic string, payload []byte, qos mqtt.QoS) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, mqtt.Message{Topic: topic, Payload: payload, QoS: qos})
	return p.err
}

func (p *publisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

type observer struct {
	published, failed, received int32
}

func (o *observer) Published(sensor.Sample)            { atomic.AddInt32(&o.published, 1) }
func (o *observer) PublishFailed(sensor.Sample, error) { atomic.AddInt32(&o.failed, 1) }
func (o *observer) Received(mqtt.Message)              { atomic.AddInt32(&o.received, 1) }

func reader() *sensor.Reader {
	return sensor.NewReader(&sensor.Builder{
		Sensors: []sensor.Sensor{sensor.NewThermometer("soil", constProbe(18.5))},
	})
}

func TestOutboundErrorWins(t *testing.T) {
	in := newEvents(nil)
	errPublish := errors.New("broker gone")
	o := &Orchestrator{
		Events:              in,
		Publisher:           &publisher{err: errPublish},
		Reader:              reader(),
		Topic:               "devices/dev1/messages/events/",
		AbortOnPublishError: true,
	}

	err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errPublish))
	assert.Equal(t, iot.StageOutbound, iot.StageOf(err))

	// the inbound task is canceled and does not poll again
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&in.calls), int32(1))
	assert.Equal(t, int32(0), atomic.LoadInt32(&in.lateCalls))
}

func TestCanceledSessionTakesNoMessages(t *testing.T) {
	in := newEvents(nil, mqtt.Event{Kind: mqtt.EventMessage, Message: mqtt.Message{Topic: "c2d", Payload: []byte("{}")}})
	obs := &observer{}
	o := &Orchestrator{
		Events:    in,
		Publisher: &publisher{},
		Reader:    reader(),
		Topic:     "t",
		Interval:  time.Hour,
		Observer:  obs,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := o.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&in.calls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&obs.received))
	assert.Len(t, in.queue, 1)
}

func TestInboundClosedEndsSession(t *testing.T) {
	pub := &publisher{}
	o := &Orchestrator{
		Events:    newEvents(mqtt.ErrClosed),
		Publisher: pub,
		Reader:    reader(),
		Topic:     "t",
		Interval:  time.Hour,
	}
	assert.NoError(t, o.Run(context.Background()))
}

func TestInboundErrorEndsSession(t *testing.T) {
	lost := errors.New("connection reset")
	o := &Orchestrator{
		Events:    newEvents(lost),
		Publisher: &publisher{},
		Reader:    reader(),
		Topic:     "t",
		Interval:  time.Hour,
	}
	err := o.Run(context.Background())
	assert.True(t, errors.Is(err, lost))
	assert.True(t, errors.Is(err, iot.ErrNetwork))
	assert.Equal(t, iot.StageInbound, iot.StageOf(err))
}

func TestPublishesInIntervals(t *testing.T) {
	pub := &publisher{}
	obs := &observer{}
	o := &Orchestrator{
		Events:    newEvents(nil),
		Publisher: pub,
		Reader:    reader(),
		Topic:     "devices/dev1/messages/events/",
		Interval:  5 * time.Millisecond,
		Observer:  obs,
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for pub.count() < 3 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	err := o.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.GreaterOrEqual(t, len(pub.messages), 3)
	m := pub.messages[0]
	assert.Equal(t, "devices/dev1/messages/events/", m.Topic)
	assert.Equal(t, mqtt.AtLeastOnce, m.QoS)
	var r sensor.Reading
	require.NoError(t, json.Unmarshal(m.Payload, &r))
	assert.Equal(t, sensor.Temperature(18.5), r.Telemetry)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&obs.published), int32(2))
}

func TestPublishErrorIsTolerated(t *testing.T) {
	pub := &publisher{err: errors.New("puback timeout")}
	obs := &observer{}
	o := &Orchestrator{
		Events:    newEvents(nil),
		Publisher: pub,
		Reader:    reader(),
		Topic:     "t",
		Interval:  time.Millisecond,
		Observer:  obs,
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for pub.count() < 3 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	err := o.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&obs.failed), int32(2))
}

func TestControlMessages(t *testing.T) {
	v, err := schema.NewBuiltinValidator()
	require.NoError(t, err)
	obs := &observer{}
	o := &Orchestrator{
		Events: newEvents(mqtt.ErrClosed,
			mqtt.Event{Kind: mqtt.EventConnected},
			mqtt.Event{Kind: mqtt.EventMessage, Message: mqtt.Message{
				Topic: "devices/dev1/messages/devicebound/", Payload: []byte(`{"command":"water","duration":3}`)}},
			mqtt.Event{Kind: mqtt.EventMessage, Message: mqtt.Message{
				Topic: "devices/dev1/messages/devicebound/", Payload: []byte(`{"command":"dance"}`)}},
			mqtt.Event{Kind: mqtt.EventConnectionLost, Err: errors.New("timeout")},
		),
		Publisher:     &publisher{},
		Reader:        reader(),
		Topic:         "t",
		Interval:      time.Hour,
		Validator:     v,
		ControlSchema: schema.ControlSchemaID,
		Observer:      obs,
	}
	assert.NoError(t, o.Run(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&obs.received))
}
