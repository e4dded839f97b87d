package sensor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// W1DevicesGlob matches the w1_slave files of all DS18B20 thermometers
const W1DevicesGlob = "/sys/bus/w1/devices/28-*/w1_slave"

// ErrCRC is returned when the 1-Wire bus reports a bad checksum
var ErrCRC = errors.New("1-wire crc check failed")

// W1Probe reads a DS18B20 thermometer through the Linux w1_therm driver. Path is
// the w1_slave file of the device.
type W1Probe struct {
	Path string
}

// W1Probes returns a probe for every w1_slave file matching pattern, keyed by the
// device directory name
func W1Probes(pattern string) (map[string]*W1Probe, error) {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad pattern %s: %w", pattern, err)
	}
	probes := make(map[string]*W1Probe, len(files))
	for _, f := range files {
		probes[filepath.Base(filepath.Dir(f))] = &W1Probe{Path: f}
	}
	return probes, nil
}

// Temperature implements TemperatureProbe. The driver file looks like
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
func (p *W1Probe) Temperature(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := os.Open(p.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("%s: empty", p.Path)
	}
	if !strings.HasSuffix(strings.TrimSpace(scanner.Text()), "YES") {
		return 0, fmt.Errorf("%s: %w", p.Path, ErrCRC)
	}
	if !scanner.Scan() {
		return 0, fmt.Errorf("%s: temperature line missing", p.Path)
	}
	_, value, found := strings.Cut(scanner.Text(), "t=")
	if !found {
		return 0, fmt.Errorf("%s: temperature missing", p.Path)
	}
	milli, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%s: bad temperature: %w", p.Path, err)
	}
	return float64(milli) / 1000, nil
}

// Simulated is a probe producing a random walk around plausible indoor values.
// It implements TemperatureProbe, HumidityProbe and LightProbe.
type Simulated struct {
	mu          sync.Mutex
	rand        *rand.Rand
	temperature float64
	humidity    float64
	lux         float64
}

// NewSimulated returns a simulated probe seeded with seed
func NewSimulated(seed int64) *Simulated {
	return &Simulated{
		rand:        rand.New(rand.NewSource(seed)),
		temperature: 21,
		humidity:    45,
		lux:         300,
	}
}

func (s *Simulated) step(v, delta, lo, hi float64) float64 {
	v += (s.rand.Float64()*2 - 1) * delta
	v = math.Max(lo, math.Min(hi, v))
	return math.Round(v*10) / 10
}

// Temperature implements TemperatureProbe
func (s *Simulated) Temperature(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temperature = s.step(s.temperature, 0.3, 5, 40)
	return s.temperature, ctx.Err()
}

// TemperatureHumidity implements HumidityProbe
func (s *Simulated) TemperatureHumidity(ctx context.Context) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temperature = s.step(s.temperature, 0.3, 5, 40)
	s.humidity = s.step(s.humidity, 1, 10, 95)
	return s.temperature, s.humidity, ctx.Err()
}

// Lux implements LightProbe
func (s *Simulated) Lux(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lux = s.step(s.lux, 25, 0, 20000)
	return s.lux, ctx.Err()
}

// SimulatedSensors returns a thermometer, a hygrometer and a light meter on one
// simulated probe
func SimulatedSensors() []Sensor {
	p := NewSimulated(time.Now().UnixNano())
	return []Sensor{
		NewThermometer("simulated-thermometer", p),
		NewHygrometer("simulated-hygrometer", p),
		NewLightMeter("simulated-light", p),
	}
}
