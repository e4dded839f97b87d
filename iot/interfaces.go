package iot

import (
	"context"

	"github.com/relabs-tech/smartpot/iot/mqtt"
)

// Publisher is an interface to publish MQTT messages
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos mqtt.QoS) error
}

// EventSource is an interface to receive inbound MQTT events. NextEvent blocks until
// an event arrives, the context is done or the connection is closed, in which case
// it returns mqtt.ErrClosed.
type EventSource interface {
	NextEvent(ctx context.Context) (mqtt.Event, error)
}
