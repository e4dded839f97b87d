package dps

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/smartpot/core/logger"
	"github.com/relabs-tech/smartpot/iot"
	"github.com/relabs-tech/smartpot/iot/credentials"
	"github.com/relabs-tech/smartpot/iot/mqtt"
	"github.com/relabs-tech/smartpot/iot/sas"
)

// APIVersion is the provisioning service api version
const APIVersion = "2019-03-31"

// DefaultHost is the global provisioning endpoint
const DefaultHost = "global.azure-devices-provisioning.net"

// Config configures the provisioning client
type Config struct {
	// IDScope names the device group. This is mandatory.
	IDScope string
	// RegistrationID names the device. This is mandatory.
	RegistrationID string
	// Host is the provisioning endpoint. The default is DefaultHost.
	Host string
	// Port is the MQTT port. The default is 8883.
	Port int
	// Scheme is the broker url scheme. The default is "ssl", "tcp" is for local brokers only.
	Scheme string
	// TokenTTL is the validity of the provisioning token. The default is one hour.
	TokenTTL time.Duration
	// PollInterval is the minimum wait before polling the operation status. The default is one second.
	PollInterval time.Duration
	// ThrottleBackoff is the minimum wait after a 429. The default is 500ms.
	ThrottleBackoff time.Duration
	// SubscribeRetryDelay is the wait between subscribe attempts. The default is 500ms.
	SubscribeRetryDelay time.Duration
	// Timeout bounds a registration attempt. The default is one minute.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Host) == 0 {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = 8883
	}
	if len(c.Scheme) == 0 {
		c.Scheme = "ssl"
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = time.Hour
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.ThrottleBackoff == 0 {
		c.ThrottleBackoff = 500 * time.Millisecond
	}
	if c.SubscribeRetryDelay == 0 {
		c.SubscribeRetryDelay = 500 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = time.Minute
	}
	return c
}

// Username returns the MQTT user name of the registration
func (c Config) Username() string {
	return sas.ProvisioningResource(c.IDScope, c.RegistrationID) + "/api-version=" + APIVersion
}

// Request is a registration attempt. RequestID correlates the request with all responses.
type Request struct {
	RequestID      string
	RegistrationID string
	IDScope        string
}

// Transport is the pub/sub transport to the provisioning service
type Transport interface {
	Subscribe(ctx context.Context, filter string, qos mqtt.QoS) error
	Publish(ctx context.Context, topic string, payload []byte, qos mqtt.QoS) error
	NextEvent(ctx context.Context) (mqtt.Event, error)
}

// Client registers a device with the provisioning service
type Client struct {
	transport Transport
	config    Config

	mu     sync.RWMutex
	status Status
}

// NewClient returns a new client on the given transport
func NewClient(transport Transport, config Config) *Client {
	return &Client{
		transport: transport,
		config:    config.withDefaults(),
		status:    Pending{},
	}
}

// Status returns the current status of the registration
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

type registrationBody struct {
	RegistrationID string      `json:"registrationId"`
	Payload        interface{} `json:"payload,omitempty"`
}

type registrationState struct {
	AssignedHub string `json:"assignedHub"`
	DeviceID    string `json:"deviceId"`
}

type operationStatus struct {
	OperationID       string             `json:"operationId"`
	Status            string             `json:"status"`
	RegistrationState *registrationState `json:"registrationState"`
}

// Register runs one registration attempt. payload is passed through to the service
// and may be nil. The returned status is either Assigned or Failed, for Failed the
// error is non-nil and carries the stage and the cause.
func (c *Client) Register(ctx context.Context, payload interface{}) (Status, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req := Request{
		RequestID:      uuid.New().String(),
		RegistrationID: c.config.RegistrationID,
		IDScope:        c.config.IDScope,
	}
	rlog := logger.FromContext(ctx).WithField("rid", req.RequestID)
	c.setStatus(Pending{})

	if err := c.subscribe(ctx); err != nil {
		return c.interrupted(parent, err)
	}

	body, err := json.Marshal(registrationBody{RegistrationID: req.RegistrationID, Payload: payload})
	if err != nil {
		return c.fail(ReasonInvalidPayload, iot.ErrProtocol, err)
	}
	if err := c.transport.Publish(ctx, RegisterTopic(req.RequestID), body, mqtt.AtMostOnce); err != nil {
		return c.interrupted(parent, err)
	}
	rlog.Infoln("registration request published for", req.RegistrationID)

	operationID := ""
	for {
		event, err := c.transport.NextEvent(ctx)
		if err != nil {
			return c.interrupted(parent, err)
		}
		if event.Kind != mqtt.EventMessage {
			rlog.Debugln("provisioning connection:", event.Kind)
			continue
		}
		res, ok := parseResponseTopic(event.Message.Topic)
		if !ok {
			rlog.Debugln("ignore message on", event.Message.Topic)
			continue
		}
		if len(res.RequestID) > 0 && res.RequestID != req.RequestID {
			rlog.Debugln("ignore response for request", res.RequestID)
			continue
		}

		switch res.StatusCode {
		case 202:
			op := operationStatus{}
			if err := json.Unmarshal(event.Message.Payload, &op); err != nil {
				rlog.WithError(err).Errorln("cannot parse provisioning response")
				continue
			}
			if len(op.OperationID) == 0 {
				rlog.Errorln("got 202 without operationId")
				continue
			}
			operationID = op.OperationID
			c.setStatus(Pending{OperationID: operationID})
			rlog.Infoln("registration accepted, operation", operationID)
			if err := sleep(ctx, max(c.config.PollInterval, res.RetryAfter)); err != nil {
				return c.interrupted(parent, err)
			}
			if err := c.poll(ctx, req, operationID); err != nil {
				return c.interrupted(parent, err)
			}

		case 200:
			op := operationStatus{}
			if err := json.Unmarshal(event.Message.Payload, &op); err != nil {
				rlog.WithError(err).Errorln("cannot parse provisioning response")
				continue
			}
			if !strings.EqualFold(op.Status, "assigned") {
				return c.fail(ReasonUnexpectedStatus, iot.ErrProtocol,
					fmt.Errorf("registration ended with status %q", op.Status))
			}
			state := op.RegistrationState
			if state == nil || len(state.AssignedHub) == 0 || len(state.DeviceID) == 0 {
				return c.fail(ReasonUnexpectedStatus, iot.ErrProtocol,
					errors.New("assigned without registration state"))
			}
			assigned := Assigned{HubHost: state.AssignedHub, DeviceID: state.DeviceID}
			c.setStatus(assigned)
			rlog.Infoln("device", assigned)
			return assigned, nil

		case 429:
			backoff := max(c.config.ThrottleBackoff, res.RetryAfter)
			rlog.Warnln("provisioning service throttles, retry in", backoff)
			if err := sleep(ctx, backoff); err != nil {
				return c.interrupted(parent, err)
			}
			if len(operationID) > 0 {
				err = c.poll(ctx, req, operationID)
			} else {
				err = c.transport.Publish(ctx, RegisterTopic(req.RequestID), body, mqtt.AtMostOnce)
			}
			if err != nil {
				return c.interrupted(parent, err)
			}

		case 401:
			return c.fail(ReasonUnauthorized, iot.ErrAuth,
				errors.New("provisioning service returned 401, check the key"))

		default:
			return c.fail(ReasonUnexpectedCode, iot.ErrProtocol,
				fmt.Errorf("provisioning service returned %d", res.StatusCode))
		}
	}
}

func (c *Client) subscribe(ctx context.Context) error {
	for {
		err := c.transport.Subscribe(ctx, ResponseTopicFilter, mqtt.AtMostOnce)
		if err == nil {
			logger.FromContext(ctx).Debugln("subscribed to", ResponseTopicFilter)
			return nil
		}
		logger.FromContext(ctx).WithError(err).Errorln("cannot subscribe, retrying")
		if err := sleep(ctx, c.config.SubscribeRetryDelay); err != nil {
			return err
		}
	}
}

func (c *Client) poll(ctx context.Context, req Request, operationID string) error {
	topic := PollTopic(req.RequestID, operationID)
	if err := c.transport.Publish(ctx, topic, nil, mqtt.AtMostOnce); err != nil {
		return err
	}
	logger.FromContext(ctx).Debugln("requested operation status:", topic)
	return nil
}

func (c *Client) fail(reason string, kind error, cause error) (Status, error) {
	f := Failed{
		Reason: reason,
		Err:    iot.NewError(iot.StageProvisioning, kind, cause),
	}
	c.setStatus(f)
	return f, f.Err
}

// interrupted classifies an error of the transport or of a wait. parent is the caller's
// context, a cancellation by the caller is not a timeout.
func (c *Client) interrupted(parent context.Context, err error) (Status, error) {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return c.fail(ReasonCanceled, iot.ErrNetwork, parent.Err())
	case errors.Is(err, context.DeadlineExceeded):
		return c.fail(ReasonTimeout, iot.ErrTimeout, err)
	}
	return c.fail(ReasonNetwork, iot.ErrNetwork, err)
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectOptions returns the MQTT options for the provisioning connection
func ConnectOptions(config Config, token string, store *credentials.Store) mqtt.Options {
	config = config.withDefaults()
	return mqtt.Options{
		Broker:    config.Scheme + "://" + config.Host + ":" + strconv.Itoa(config.Port),
		ClientID:  config.RegistrationID,
		Username:  config.Username(),
		Password:  token,
		TLSConfig: store.TLSConfig(config.Host),
		KeepAlive: 60 * time.Second,
	}
}

// Dial signs a provisioning token and connects to the provisioning service
func Dial(ctx context.Context, config Config, store *credentials.Store) (*mqtt.Client, error) {
	config = config.withDefaults()
	token, err := sas.ProvisioningToken(config.IDScope, config.RegistrationID,
		store.ProvisioningKey(), sas.ExpiryFrom(time.Now(), config.TokenTTL))
	if err != nil {
		return nil, err
	}
	client := mqtt.NewClient(ConnectOptions(config, token, store))
	if err := client.Connect(ctx); err != nil {
		if mqtt.IsNotAuthorized(err) {
			return nil, iot.NewError(iot.StageProvisioning, iot.ErrAuth, err)
		}
		return nil, iot.NewError(iot.StageProvisioning, iot.ErrNetwork, err)
	}
	return client, nil
}

// Provision connects to the provisioning service, registers the device and closes
// the connection again
func Provision(ctx context.Context, config Config, store *credentials.Store, payload interface{}) (Assigned, error) {
	client, err := Dial(ctx, config, store)
	if err != nil {
		return Assigned{}, err
	}
	defer client.Close()

	status, err := NewClient(client, config).Register(ctx, payload)
	if err != nil {
		return Assigned{}, err
	}
	return status.(Assigned), nil
}
