package sensor

import (
	"context"
	"time"
)

// Sensor is a named source of readings
type Sensor interface {
	Name() string
	Read(ctx context.Context) (Reading, error)
}

// TemperatureProbe is a driver of a thermometer like the DS18B20
type TemperatureProbe interface {
	Temperature(ctx context.Context) (float64, error)
}

// HumidityProbe is a driver of a combined temperature and humidity sensor like the DHT22
type HumidityProbe interface {
	TemperatureHumidity(ctx context.Context) (temperature float64, humidity float64, err error)
}

// LightProbe is a driver of a light sensor like the BH1750
type LightProbe interface {
	Lux(ctx context.Context) (float64, error)
}

// Thermometer is a temperature sensor
type Thermometer struct {
	name  string
	probe TemperatureProbe
	now   func() time.Time
}

// NewThermometer returns a thermometer reading from probe
func NewThermometer(name string, probe TemperatureProbe) *Thermometer {
	return &Thermometer{name: name, probe: probe, now: time.Now}
}

// Name implements Sensor
func (t *Thermometer) Name() string { return t.name }

// Read implements Sensor
func (t *Thermometer) Read(ctx context.Context) (Reading, error) {
	v, err := t.probe.Temperature(ctx)
	if err != nil {
		return Reading{}, err
	}
	return Reading{Timestamp: t.now().UTC(), Telemetry: Temperature(v)}, nil
}

// Hygrometer is a temperature and humidity sensor
type Hygrometer struct {
	name  string
	probe HumidityProbe
	now   func() time.Time
}

// NewHygrometer returns a hygrometer reading from probe
func NewHygrometer(name string, probe HumidityProbe) *Hygrometer {
	return &Hygrometer{name: name, probe: probe, now: time.Now}
}

// Name implements Sensor
func (h *Hygrometer) Name() string { return h.name }

// Read implements Sensor
func (h *Hygrometer) Read(ctx context.Context) (Reading, error) {
	t, rh, err := h.probe.TemperatureHumidity(ctx)
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		Timestamp: h.now().UTC(),
		Telemetry: TemperatureWithHumidity{Temperature: t, Humidity: rh},
	}, nil
}

// LightMeter is a light sensor
type LightMeter struct {
	name  string
	probe LightProbe
	now   func() time.Time
}

// NewLightMeter returns a light meter reading from probe
func NewLightMeter(name string, probe LightProbe) *LightMeter {
	return &LightMeter{name: name, probe: probe, now: time.Now}
}

// Name implements Sensor
func (l *LightMeter) Name() string { return l.name }

// Read implements Sensor
func (l *LightMeter) Read(ctx context.Context) (Reading, error) {
	v, err := l.probe.Lux(ctx)
	if err != nil {
		return Reading{}, err
	}
	return Reading{Timestamp: l.now().UTC(), Telemetry: LightValue(v)}, nil
}
