package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/relabs-tech/smartpot/core/logger"
	"github.com/relabs-tech/smartpot/core/schema"
	"github.com/relabs-tech/smartpot/iot"
	"github.com/relabs-tech/smartpot/iot/mqtt"
	"github.com/relabs-tech/smartpot/iot/sensor"
)

// Observer is notified about the traffic of a session. Calls may come from different
// goroutines.
type Observer interface {
	Published(sample sensor.Sample)
	PublishFailed(sample sensor.Sample, err error)
	Received(message mqtt.Message)
}

// Orchestrator runs a session
type Orchestrator struct {
	// Events is the inbound source. This is mandatory.
	Events iot.EventSource
	// Publisher is the outbound sink. This is mandatory.
	Publisher iot.Publisher
	// Reader reads the sensors. This is mandatory.
	Reader *sensor.Reader
	// Topic is the telemetry topic. This is mandatory.
	Topic string
	// Interval is the pause between two cycles. The default is 5 seconds.
	Interval time.Duration
	// AbortOnPublishError ends the session on the first failed publish. Otherwise
	// the failure is logged and the cycle continues.
	AbortOnPublishError bool
	// Validator validates inbound messages against ControlSchema if both are set
	Validator     *schema.Validator
	ControlSchema string
	// Observer is optional
	Observer Observer
}

type result struct {
	task string
	err  error
}

// Run runs inbound and outbound tasks until the first one finishes and returns its
// result. A closed connection ends the inbound task without error.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// buffered, so the losing task can deliver and exit after Run returned
	results := make(chan result, 2)
	go func() {
		results <- result{task: "inbound", err: o.inbound(ctx)}
	}()
	go func() {
		results <- result{task: "outbound", err: o.outbound(ctx)}
	}()

	r := <-results
	logger.FromContext(ctx).WithError(r.err).Infoln("session ended by", r.task, "task")
	return r.err
}

func (o *Orchestrator) inbound(ctx context.Context) error {
	rlog := logger.FromContext(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		event, err := o.Events.NextEvent(ctx)
		if err != nil {
			if errors.Is(err, mqtt.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return iot.NewError(iot.StageInbound, iot.ErrNetwork, err)
		}
		switch event.Kind {
		case mqtt.EventMessage:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.handle(ctx, event.Message)
		case mqtt.EventConnectionLost:
			rlog.WithError(event.Err).Warnln("hub connection lost")
		default:
			rlog.Infoln("hub connection:", event.Kind)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, m mqtt.Message) {
	rlog := logger.FromContext(ctx).WithField("topic", m.Topic)
	if o.Observer != nil {
		o.Observer.Received(m)
	}
	if o.Validator != nil && len(o.ControlSchema) > 0 {
		if err := o.Validator.ValidateBytes(m.Payload, o.ControlSchema); err != nil {
			rlog.WithError(err).Warnln("invalid control message")
			return
		}
	}
	rlog.Infoln("received message:", string(m.Payload))
}

func (o *Orchestrator) outbound(ctx context.Context) error {
	interval := o.Interval
	if interval == 0 {
		interval = 5 * time.Second
	}
	rlog := logger.FromContext(ctx)
	for {
		err := o.Reader.Cycle(ctx, func(s sensor.Sample) error {
			err := o.Publisher.Publish(ctx, o.Topic, s.Payload, mqtt.AtLeastOnce)
			if err != nil {
				if o.Observer != nil {
					o.Observer.PublishFailed(s, err)
				}
				if o.AbortOnPublishError || ctx.Err() != nil {
					return err
				}
				rlog.WithError(err).WithField("sensor", s.Sensor).Errorln("cannot publish telemetry")
				return nil
			}
			if o.Observer != nil {
				o.Observer.Published(s)
			}
			rlog.WithField("sensor", s.Sensor).Debugln("published", string(s.Payload))
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return iot.NewError(iot.StageOutbound, iot.ErrNetwork, err)
		}

		t := time.NewTimer(interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}
