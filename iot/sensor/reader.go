package sensor

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/smartpot/core/logger"
	"github.com/relabs-tech/smartpot/iot"
)

// Sample is a reading of a sensor together with its serialized payload
type Sample struct {
	Sensor  string
	Reading Reading
	Payload []byte
}

// Builder is a builder helper for the Reader
type Builder struct {
	// Sensors are read in order
	Sensors []Sensor
	// Attempts is the number of reads per sensor and cycle. The default is 3.
	Attempts int
	// RetryDelay is the wait between two attempts. The default is 100ms.
	RetryDelay time.Duration
}

// Reader reads all sensors in cycles
type Reader struct {
	sensors    []Sensor
	attempts   int
	retryDelay time.Duration
}

// NewReader creates a reader
func NewReader(b *Builder) *Reader {
	r := &Reader{
		sensors:    b.Sensors,
		attempts:   b.Attempts,
		retryDelay: b.RetryDelay,
	}
	if r.attempts <= 0 {
		r.attempts = 3
	}
	if r.retryDelay == 0 {
		r.retryDelay = 100 * time.Millisecond
	}
	return r
}

// Cycle reads every sensor once and passes each successful sample to emit. A sensor
// which fails all attempts is logged and skipped, so are readings which cannot be
// serialized. Cycle returns the first error of emit or the error of the context.
func (r *Reader) Cycle(ctx context.Context, emit func(Sample) error) error {
	rlog := logger.FromContext(ctx)
	for _, s := range r.sensors {
		reading, err := r.read(ctx, s)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rlog.WithError(iot.NewError(iot.StageSensor, iot.ErrSensor, err)).
				WithField("sensor", s.Name()).
				Errorln("sensor failed, skipping")
			continue
		}
		payload, err := json.Marshal(reading)
		if err != nil {
			rlog.WithError(err).WithField("sensor", s.Name()).Errorln("cannot serialize reading, skipping")
			continue
		}
		if err := emit(Sample{Sensor: s.Name(), Reading: reading, Payload: payload}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) read(ctx context.Context, s Sensor) (Reading, error) {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		var reading Reading
		reading, err = s.Read(ctx)
		if err == nil {
			return reading, nil
		}
		logger.FromContext(ctx).WithError(err).
			WithField("sensor", s.Name()).
			Debugln("read attempt", attempt, "failed")
		if attempt == r.attempts {
			break
		}
		t := time.NewTimer(r.retryDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return Reading{}, ctx.Err()
		}
	}
	return Reading{}, err
}
