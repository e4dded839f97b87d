package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// QoS is the delivery guarantee of a message
type QoS byte

// The supported delivery guarantees
const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
)

func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "at-most-once"
	case AtLeastOnce:
		return "at-least-once"
	}
	return fmt.Sprintf("qos-%d", byte(q))
}

// ErrClosed is returned by NextEvent after the client was closed
var ErrClosed = errors.New("mqtt connection closed")

// ErrSubscriptionRejected is returned when the broker refuses a subscription
var ErrSubscriptionRejected = errors.New("subscription rejected by broker")

// IsNotAuthorized reports whether err is a connection refused by the broker because
// of the credentials
func IsNotAuthorized(err error) bool {
	return errors.Is(err, packets.ErrorRefusedNotAuthorised) ||
		errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword)
}

// subackFailure is the SUBACK return code for a refused subscription
const subackFailure = 0x80

// Message is a MQTT message
type Message struct {
	Topic    string
	Payload  []byte
	QoS      QoS
	Retained bool
}

// EventKind discriminates events
type EventKind int

// Event kinds
const (
	EventMessage EventKind = iota
	EventConnected
	EventConnectionLost
	EventReconnecting
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventConnected:
		return "connected"
	case EventConnectionLost:
		return "connection lost"
	case EventReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Event is an inbound event. Message is only set for EventMessage, Err only for
// EventConnectionLost.
type Event struct {
	Kind    EventKind
	Message Message
	Err     error
}

// Options configures a client
type Options struct {
	// Broker is the broker url, for example "ssl://global.azure-devices-provisioning.net:8883".
	// This is mandatory.
	Broker string
	// ClientID is the MQTT client identifier. This is mandatory.
	ClientID string
	// Username is the MQTT user name
	Username string
	// Password is the MQTT password. It is ignored when Credentials is set.
	Password string
	// Credentials is called on every connect and reconnect and returns user name and
	// password. Use it for passwords which expire.
	Credentials func() (username string, password string)
	// TLSConfig configures the TLS transport, it must carry the service's root CA
	TLSConfig *tls.Config
	// KeepAlive is the keep-alive interval. The default is 60 seconds.
	KeepAlive time.Duration
	// ConnectTimeout bounds a single connect attempt. The default is 30 seconds.
	ConnectTimeout time.Duration
	// ReconnectTimeout is the maximum interval between reconnect attempts. The default is 5 seconds.
	ReconnectTimeout time.Duration
	// CleanSession makes the broker drop queued messages on reconnect
	CleanSession bool
	// AutoReconnect makes the client reconnect after a lost connection
	AutoReconnect bool
	// Will is an optional last will message
	Will *Message
	// EventBuffer is the capacity of the event queue. The default is 16.
	EventBuffer int
}

func (o *Options) withDefaults() Options {
	r := *o
	if r.KeepAlive == 0 {
		r.KeepAlive = 60 * time.Second
	}
	if r.ConnectTimeout == 0 {
		r.ConnectTimeout = 30 * time.Second
	}
	if r.ReconnectTimeout == 0 {
		r.ReconnectTimeout = 5 * time.Second
	}
	if r.EventBuffer <= 0 {
		r.EventBuffer = 16
	}
	return r
}

// Client is a MQTT client connection
type Client struct {
	options Options
	paho    paho.Client

	events chan Event

	done      chan struct{}
	closeOnce sync.Once

	lost     chan struct{}
	lostOnce sync.Once
	lostErr  error
}

// NewClient returns a new client. The client does not connect until you call Connect()
func NewClient(o Options) *Client {
	o = o.withDefaults()
	c := &Client{
		options: o,
		events:  make(chan Event, o.EventBuffer),
		done:    make(chan struct{}),
		lost:    make(chan struct{}),
	}
	c.paho = paho.NewClient(c.pahoOptions())
	return c
}

func (c *Client) pahoOptions() *paho.ClientOptions {
	o := c.options
	po := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetProtocolVersion(4).
		SetClientID(o.ClientID).
		SetUsername(o.Username).
		SetPassword(o.Password).
		SetKeepAlive(o.KeepAlive).
		SetConnectTimeout(o.ConnectTimeout).
		SetMaxReconnectInterval(o.ReconnectTimeout).
		SetConnectRetryInterval(o.ReconnectTimeout).
		SetCleanSession(o.CleanSession).
		SetAutoReconnect(o.AutoReconnect).
		SetResumeSubs(!o.CleanSession).
		SetDefaultPublishHandler(c.onMessage).
		SetOnConnectHandler(func(paho.Client) {
			c.notify(Event{Kind: EventConnected})
		}).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
			c.notify(Event{Kind: EventReconnecting})
		})
	if o.TLSConfig != nil {
		po.SetTLSConfig(o.TLSConfig)
	}
	if o.Credentials != nil {
		po.SetCredentialsProvider(o.Credentials)
	}
	if o.Will != nil {
		po.SetBinaryWill(o.Will.Topic, o.Will.Payload, byte(o.Will.QoS), o.Will.Retained)
	}
	return po
}

// Connect connects to the broker and waits for the connection acknowledgement
func (c *Client) Connect(ctx context.Context) error {
	if err := wait(ctx, c.paho.Connect()); err != nil {
		return fmt.Errorf("cannot connect to %s as %s: %w", c.options.Broker, c.options.ClientID, err)
	}
	return nil
}

// Subscribe subscribes to filter and waits for the broker's acknowledgement. Messages
// matching the filter are delivered through NextEvent.
func (c *Client) Subscribe(ctx context.Context, filter string, qos QoS) error {
	token := c.paho.Subscribe(filter, byte(qos), c.onMessage)
	if err := wait(ctx, token); err != nil {
		return fmt.Errorf("cannot subscribe to %s: %w", filter, err)
	}
	if st, ok := token.(*paho.SubscribeToken); ok {
		if code, ok := st.Result()[filter]; ok && code == subackFailure {
			return fmt.Errorf("cannot subscribe to %s: %w", filter, ErrSubscriptionRejected)
		}
	}
	return nil
}

// Publish publishes a message. For AtLeastOnce it waits until the broker acknowledged
// the message, for AtMostOnce until the message was written.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos QoS) error {
	if err := wait(ctx, c.paho.Publish(topic, byte(qos), false, payload)); err != nil {
		return fmt.Errorf("cannot publish to %s: %w", topic, err)
	}
	return nil
}

// NextEvent returns the next inbound event. It returns ErrClosed after Close and the
// cause of the connection loss if the connection was lost without AutoReconnect. Once
// ctx is done no more events are taken from the queue.
func (c *Client) NextEvent(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	// deliver what is already queued before reporting the end of the connection
	select {
	case e := <-c.events:
		return e, nil
	default:
	}
	select {
	case e := <-c.events:
		return e, nil
	case <-c.lost:
		return Event{}, c.lostErr
	case <-c.done:
		return Event{}, ErrClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// IsConnected reports whether the connection is currently up
func (c *Client) IsConnected() bool {
	return c.paho.IsConnectionOpen()
}

// Close disconnects from the broker. Pending NextEvent calls return ErrClosed.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.paho.Disconnect(250)
	})
}

func (c *Client) onMessage(_ paho.Client, m paho.Message) {
	e := Event{
		Kind: EventMessage,
		Message: Message{
			Topic:    m.Topic(),
			Payload:  m.Payload(),
			QoS:      QoS(m.Qos()),
			Retained: m.Retained(),
		},
	}
	// messages must not get lost, wait for the reader unless the client is closed
	select {
	case c.events <- e:
	case <-c.done:
	}
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	if err == nil {
		err = errors.New("connection lost")
	}
	if c.options.AutoReconnect {
		c.notify(Event{Kind: EventConnectionLost, Err: err})
		return
	}
	c.lostOnce.Do(func() {
		c.lostErr = fmt.Errorf("connection to %s lost: %w", c.options.Broker, err)
		close(c.lost)
	})
}

// notify queues a status event. Status events are dropped when the queue is full.
func (c *Client) notify(e Event) {
	select {
	case c.events <- e:
	default:
	}
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
