package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/smartpot/core/logger"
	"github.com/relabs-tech/smartpot/iot/dps"
	"github.com/relabs-tech/smartpot/iot/hub"
	"github.com/relabs-tech/smartpot/iot/sas"
)

// Builder is a builder helper for the Broker
type Builder struct {
	// Listener accepts MQTT connections. This is mandatory.
	Listener net.Listener
	// CertFile and KeyFile make the broker listen with TLS
	CertFile string
	KeyFile  string
	// IDScope is the id scope devices register with. This is mandatory.
	IDScope string
	// HubHost is the host name devices get assigned to. This is mandatory.
	HubHost string
	// EnrollmentKeys are the individual enrollments, registration id to base64 key
	EnrollmentKeys map[string]string
	// GroupKey is the key of a group enrollment, it accepts every registration id
	GroupKey string
	// PendingPolls is the number of polls answered with 202 before the assignment
	PendingPolls int
	// Throttle is the number of requests answered with 429 before one is served
	Throttle int
	// RetryAfter is sent with 202 and 429 responses when not zero
	RetryAfter time.Duration
	// OnTelemetry is called for every telemetry message
	OnTelemetry func(deviceID string, payload []byte)
}

// mqttServer is the part of the gmqtt server the broker controls
type mqttServer interface {
	Run()
	Stop(ctx context.Context) error
}

// Broker simulates provisioning service and hub
type Broker struct {
	p      *plugin
	server mqttServer
}

type operation struct {
	registrationID string
	polls          int
}

// plugin is the plugin for GMQTT
type plugin struct {
	listener       net.Listener
	idScope        string
	hubHost        string
	enrollmentKeys map[string]string
	groupKey       string
	pendingPolls   int
	throttle       int
	retryAfter     time.Duration
	onTelemetry    func(deviceID string, payload []byte)

	mu         sync.Mutex
	operations map[string]*operation
	throttled  int

	publish func(topic string, payload []byte, qos uint8)
}

// NewBroker returns a new broker
func NewBroker(b *Builder) (*Broker, error) {
	if b.Listener == nil || len(b.IDScope) == 0 || len(b.HubHost) == 0 {
		return nil, errors.New("listener, id scope and hub host are mandatory")
	}
	ln := b.Listener
	if len(b.CertFile) > 0 {
		crt, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
		if err != nil {
			return nil, err
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{crt}, MinVersion: tls.VersionTLS12})
	}
	p := &plugin{
		listener:       ln,
		idScope:        b.IDScope,
		hubHost:        b.HubHost,
		enrollmentKeys: b.EnrollmentKeys,
		groupKey:       b.GroupKey,
		pendingPolls:   b.PendingPolls,
		throttle:       b.Throttle,
		retryAfter:     b.RetryAfter,
		onTelemetry:    b.OnTelemetry,
		operations:     map[string]*operation{},
	}
	return &Broker{p: p}, nil
}

// Run starts the server and returns
func (b *Broker) Run() {
	b.server = gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.listener),
		gmqtt.WithPlugin(b.p),
	)
	b.server.Run()
	logger.Default().Infoln("simulator listening on", b.p.listener.Addr())
}

// Stop stops the server
func (b *Broker) Stop(ctx context.Context) error {
	if b.server == nil {
		return nil
	}
	return b.server.Stop(ctx)
}

// SendToDevice publishes a cloud-to-device message with quality level 1
func (b *Broker) SendToDevice(deviceID string, payload []byte) {
	b.p.publish("devices/"+deviceID+"/messages/devicebound/", payload, packets.QOS_1)
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.publish = func(topic string, payload []byte, qos uint8) {
		service.PublishService().Publish(gmqtt.NewMessage(topic, payload, qos))
	}
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "smartpot simulator" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// keyFor returns the enrollment key of registrationID
func (p *plugin) keyFor(registrationID string) (string, bool) {
	if key, ok := p.enrollmentKeys[registrationID]; ok {
		return key, true
	}
	if len(p.groupKey) > 0 {
		key, err := sas.DeriveDeviceKey(p.groupKey, registrationID)
		return key, err == nil
	}
	return "", false
}

// isProvisioning reports whether a user name belongs to a provisioning connection
func isProvisioning(username string) bool {
	return strings.Contains(username, "/registrations/")
}

// authenticate checks the SAS token of a connection
func (p *plugin) authenticate(clientID, username, password string) error {
	var resource string
	if isProvisioning(username) {
		if username != (dps.Config{IDScope: p.idScope, RegistrationID: clientID}).Username() {
			return errors.New("bad provisioning user name " + username)
		}
		resource = sas.ProvisioningResource(p.idScope, clientID)
	} else {
		if username != (hub.Config{HubHost: p.hubHost, DeviceID: clientID}).Username() {
			return errors.New("bad hub user name " + username)
		}
		resource = sas.HubResource(p.hubHost, clientID)
	}

	c, err := sas.Parse(password)
	if err != nil {
		return err
	}
	if c.ResourceURI != resource {
		return errors.New("token for " + c.ResourceURI + " does not match " + resource)
	}
	if c.Expired(time.Now()) {
		return errors.New("token expired")
	}
	key, ok := p.keyFor(clientID)
	if !ok {
		return errors.New("no enrollment for " + clientID)
	}
	if !sas.Verify(c, key) {
		return errors.New("bad signature")
	}
	return nil
}

// OnConnectWrapper authenticates clients with their SAS token
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		o := client.OptionsReader()
		rlog := logger.FromContext(ctx).WithField("client", o.ClientID())
		if err := p.authenticate(o.ClientID(), o.Username(), o.Password()); err != nil {
			rlog.WithError(err).Warnln("connect denied")
			return packets.CodeNotAuthorized
		}
		rlog.Infoln("connect", o.Username())
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		o := client.OptionsReader()
		allowed := hub.C2DTopicFilter(o.ClientID())
		if isProvisioning(o.Username()) {
			allowed = dps.ResponseTopicFilter
		}
		if topic.Name != allowed {
			logger.FromContext(ctx).Warnln("subscribe", o.ClientID(), topic.Name, "denied")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper serves provisioning requests and collects telemetry
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		o := client.OptionsReader()
		clientID := o.ClientID()
		topic := msg.Topic()

		if isProvisioning(o.Username()) {
			p.serveProvisioning(ctx, clientID, topic)
			// requests are answered here and never forwarded
			return false
		}
		if topic != hub.TelemetryTopic(clientID) {
			logger.FromContext(ctx).Warnln("publish", clientID, topic, "denied")
			return false
		}
		if p.onTelemetry != nil {
			p.onTelemetry(clientID, msg.Payload())
		}
		return arrived(ctx, client, msg)
	}
}

func (p *plugin) serveProvisioning(ctx context.Context, registrationID, topic string) {
	rlog := logger.FromContext(ctx).WithField("registration", registrationID)
	path, query, _ := strings.Cut(topic, "?")
	values, err := url.ParseQuery(query)
	if err != nil {
		rlog.WithError(err).Warnln("bad provisioning request", topic)
		return
	}
	rid := values.Get("$rid")

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.throttled < p.throttle {
		p.throttled++
		p.respond(429, rid, p.retryAfter, nil)
		return
	}
	p.throttled = 0

	switch path {
	case "$dps/registrations/PUT/iotdps-register/":
		operationID := uuid.New().String()
		p.operations[operationID] = &operation{registrationID: registrationID}
		rlog.Infoln("registration accepted, operation", operationID)
		p.respond(202, rid, p.retryAfter, operationStatus{OperationID: operationID, Status: "assigning"})

	case "$dps/registrations/GET/iotdps-get-operationstatus/":
		operationID := values.Get("operationId")
		op, ok := p.operations[operationID]
		if !ok || op.registrationID != registrationID {
			p.respond(404, rid, 0, nil)
			return
		}
		if op.polls < p.pendingPolls {
			op.polls++
			p.respond(202, rid, p.retryAfter, operationStatus{OperationID: operationID, Status: "assigning"})
			return
		}
		delete(p.operations, operationID)
		rlog.Infoln("assigned to", p.hubHost)
		p.respond(200, rid, 0, operationStatus{
			OperationID: operationID,
			Status:      "assigned",
			RegistrationState: &registrationState{
				RegistrationID: registrationID,
				AssignedHub:    p.hubHost,
				DeviceID:       registrationID,
				Status:         "assigned",
			},
		})

	default:
		p.respond(400, rid, 0, nil)
	}
}

type registrationState struct {
	RegistrationID string `json:"registrationId"`
	AssignedHub    string `json:"assignedHub"`
	DeviceID       string `json:"deviceId"`
	Status         string `json:"status"`
}

type operationStatus struct {
	OperationID       string             `json:"operationId"`
	Status            string             `json:"status"`
	RegistrationState *registrationState `json:"registrationState,omitempty"`
}

func (p *plugin) respond(code int, rid string, retryAfter time.Duration, body interface{}) {
	payload := []byte("{}")
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			logger.Default().WithError(err).Errorln("cannot marshal response", code, "for", rid)
			return
		}
	}
	topic := dps.ResponseTopic(code, rid, retryAfter)
	logger.Default().Debugln("respond", topic, len(payload), "bytes")
	p.publish(topic, payload, packets.QOS_0)
}
