package device

import (
	"context"
	"errors"
	"time"

	"github.com/relabs-tech/smartpot/core/logger"
	"github.com/relabs-tech/smartpot/core/schema"
	"github.com/relabs-tech/smartpot/iot"
	"github.com/relabs-tech/smartpot/iot/credentials"
	"github.com/relabs-tech/smartpot/iot/dps"
	"github.com/relabs-tech/smartpot/iot/hub"
	"github.com/relabs-tech/smartpot/iot/sensor"
	"github.com/relabs-tech/smartpot/iot/status"
	"github.com/relabs-tech/smartpot/iot/telemetry"
)

// Session is a hub session as used by the agent
type Session interface {
	Writer() iot.Publisher
	Reader() iot.EventSource
	TelemetryTopic() string
	IsConnected() bool
	Close()
}

// ProvisionFunc registers the device and returns the assignment
type ProvisionFunc func(ctx context.Context, config dps.Config, store *credentials.Store, payload interface{}) (dps.Assigned, error)

// ConnectFunc connects to the hub
type ConnectFunc func(ctx context.Context, config hub.Config, store *credentials.Store) (Session, error)

// Builder is a builder helper for the Agent
type Builder struct {
	// Config is the agent configuration. This is mandatory.
	Config *Config
	// Store holds the key material. This is mandatory.
	Store *credentials.Store
	// Reader reads the sensors. This is mandatory.
	Reader *sensor.Reader
	// Tracker is optional
	Tracker *status.Tracker
	// Validator validates control messages against ControlSchema. Optional.
	Validator     *schema.Validator
	ControlSchema string
	// Provision defaults to dps.Provision
	Provision ProvisionFunc
	// Connect defaults to hub.Connect
	Connect ConnectFunc
}

// Agent is the supervising loop of the device
type Agent struct {
	config        *Config
	store         *credentials.Store
	reader        *sensor.Reader
	tracker       *status.Tracker
	validator     *schema.Validator
	controlSchema string
	provision     ProvisionFunc
	connect       ConnectFunc
}

// NewAgent creates an agent
func NewAgent(b *Builder) *Agent {
	a := &Agent{
		config:        b.Config,
		store:         b.Store,
		reader:        b.Reader,
		tracker:       b.Tracker,
		validator:     b.Validator,
		controlSchema: b.ControlSchema,
		provision:     b.Provision,
		connect:       b.Connect,
	}
	if a.tracker == nil {
		a.tracker = status.NewTracker()
	}
	if a.provision == nil {
		a.provision = dps.Provision
	}
	if a.connect == nil {
		a.connect = func(ctx context.Context, config hub.Config, store *credentials.Store) (Session, error) {
			return hub.Connect(ctx, config, store)
		}
	}
	return a
}

// Tracker returns the tracker of the agent
func (a *Agent) Tracker() *status.Tracker {
	return a.tracker
}

// Run runs sessions until ctx is done or a session fails with a fatal error. A key
// which cannot be decoded is fatal, everything else is retried after the restart delay.
func (a *Agent) Run(ctx context.Context) error {
	defer a.tracker.SetPhase(status.PhaseStopped)
	for {
		sctx, rlog := logger.ContextWithNewSession(ctx)
		err := a.session(sctx)
		if ctx.Err() != nil {
			rlog.Infoln("agent stopped")
			return nil
		}
		a.tracker.SetError(err, iot.StageOf(err))
		if errors.Is(err, iot.ErrKeyDecode) {
			rlog.WithError(err).Errorln("fatal error, giving up")
			return err
		}
		if err != nil {
			rlog.WithError(err).Errorln("session failed, restarting in", a.config.RestartDelay)
		} else {
			rlog.Infoln("session ended, restarting in", a.config.RestartDelay)
		}

		a.tracker.SetPhase(status.PhaseWaiting)
		t := time.NewTimer(a.config.RestartDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil
		}
	}
}

// session runs one provision, connect and orchestrate sequence
func (a *Agent) session(ctx context.Context) error {
	hubHost, deviceID := a.config.HubHost, a.config.DeviceID
	if a.config.UsesDPS() {
		a.tracker.SetPhase(status.PhaseProvisioning)
		assigned, err := a.provision(ctx, a.config.DPS(), a.store, a.config.Payload())
		if err != nil {
			return err
		}
		hubHost, deviceID = assigned.HubHost, assigned.DeviceID
	}

	// the hub key defaults to the provisioning key in the store
	a.tracker.SetPhase(status.PhaseConnecting)
	session, err := a.connect(ctx, a.config.Hub(hubHost, deviceID), a.store)
	if err != nil {
		return err
	}
	defer session.Close()
	a.tracker.SessionStarted(hubHost, deviceID, session.IsConnected)

	o := &telemetry.Orchestrator{
		Events:              session.Reader(),
		Publisher:           session.Writer(),
		Reader:              a.reader,
		Topic:               session.TelemetryTopic(),
		Interval:            a.config.TelemetryInterval,
		AbortOnPublishError: a.config.AbortOnPublishError,
		Validator:           a.validator,
		ControlSchema:       a.controlSchema,
		Observer:            a.tracker,
	}
	return o.Run(ctx)
}
