package sensor

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Telemetry is a sensor value. It is one of Temperature, TemperatureWithHumidity and
// LightValue.
type Telemetry interface {
	// Variant names the telemetry on the wire
	Variant() string
	isTelemetry()
}

// Temperature is a temperature in degree celsius
type Temperature float64

// TemperatureWithHumidity is a temperature in degree celsius with a relative humidity in percent
type TemperatureWithHumidity struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

// LightValue is an illuminance in lux
type LightValue float64

func (Temperature) Variant() string             { return "Temperature" }
func (TemperatureWithHumidity) Variant() string { return "TemperatureWithHumidity" }
func (LightValue) Variant() string              { return "LightValue" }

func (Temperature) isTelemetry()             {}
func (TemperatureWithHumidity) isTelemetry() {}
func (LightValue) isTelemetry()              {}

// Reading is a timestamped telemetry value
type Reading struct {
	Timestamp time.Time
	Telemetry Telemetry
}

type wireReading struct {
	Timestamp int64                `json:"timestamp"`
	Telemetry map[string]Telemetry `json:"telemetry"`
}

// MarshalJSON encodes the reading as {"timestamp":<unix>,"telemetry":{"<variant>":<value>}}
func (r Reading) MarshalJSON() ([]byte, error) {
	w := wireReading{Timestamp: r.Timestamp.Unix()}
	if r.Telemetry != nil {
		w.Telemetry = map[string]Telemetry{r.Telemetry.Variant(): r.Telemetry}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes what MarshalJSON encodes
func (r *Reading) UnmarshalJSON(data []byte) error {
	var w struct {
		Timestamp int64                      `json:"timestamp"`
		Telemetry map[string]json.RawMessage `json:"telemetry"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.Timestamp = time.Unix(w.Timestamp, 0).UTC()
	r.Telemetry = nil
	for variant, raw := range w.Telemetry {
		var err error
		switch variant {
		case "Temperature":
			var t Temperature
			err = json.Unmarshal(raw, &t)
			r.Telemetry = t
		case "TemperatureWithHumidity":
			var t TemperatureWithHumidity
			err = json.Unmarshal(raw, &t)
			r.Telemetry = t
		case "LightValue":
			var l LightValue
			err = json.Unmarshal(raw, &l)
			r.Telemetry = l
		default:
			err = fmt.Errorf("unknown telemetry variant %q", variant)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
