package telemetry

import (
	"fmt"
	"time"
)

// Metric names one field of the live snapshot.
type Metric string

const (
	MetricPower       Metric = "power"
	MetricCadence     Metric = "cadence"
	MetricSpeed       Metric = "speed"
	MetricHeartRate   Metric = "heart_rate"
	MetricSmO2        Metric = "smo2"
	MetricTHb         Metric = "thb"
	MetricCoreTemp    Metric = "core_temp"
	MetricVO2         Metric = "vo2"
	MetricVCO2        Metric = "vco2"
	MetricVentilation Metric = "ventilation"
)

// AllMetrics lists every snapshot field in display order.
var AllMetrics = []Metric{
	MetricPower, MetricCadence, MetricSpeed, MetricHeartRate, MetricSmO2,
	MetricTHb, MetricCoreTemp, MetricVO2, MetricVCO2, MetricVentilation,
}

// Partial is a partial update pushed by an emitter. Only present keys are
// merged.
type Partial map[Metric]float64

// Snapshot is the merged live state. A nil field has never been reported.
type Snapshot struct {
	Power       *float64 // W
	Cadence     *float64 // rpm
	Speed       *float64 // km/h
	HeartRate   *float64 // bpm
	SmO2        *float64 // %
	THb         *float64 // g/dl
	CoreTemp    *float64 // °C
	VO2         *float64 // ml/min
	VCO2        *float64 // ml/min
	Ventilation *float64 // l/min
	Timestamp   time.Time
}

func (s *Snapshot) field(m Metric) **float64 {
	switch m {
	case MetricPower:
		return &s.Power
	case MetricCadence:
		return &s.Cadence
	case MetricSpeed:
		return &s.Speed
	case MetricHeartRate:
		return &s.HeartRate
	case MetricSmO2:
		return &s.SmO2
	case MetricTHb:
		return &s.THb
	case MetricCoreTemp:
		return &s.CoreTemp
	case MetricVO2:
		return &s.VO2
	case MetricVCO2:
		return &s.VCO2
	case MetricVentilation:
		return &s.Ventilation
	default:
		return nil
	}
}

// Get returns the value of m and whether it has been reported.
func (s Snapshot) Get(m Metric) (float64, bool) {
	f := s.field(m)
	if f == nil || *f == nil {
		return 0, false
	}
	return **f, true
}

// Set stores v for m. Unknown metrics are an error.
func (s *Snapshot) Set(m Metric, v float64) error {
	f := s.field(m)
	if f == nil {
		return fmt.Errorf("unknown metric %q", m)
	}
	*f = &v
	return nil
}

// Clone returns a deep copy: the pointers of the copy are not shared.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Timestamp: s.Timestamp}
	for _, m := range AllMetrics {
		if v, ok := s.Get(m); ok {
			_ = out.Set(m, v)
		}
	}
	return out
}

// Format renders a reported value or "--".
func (s Snapshot) Format(m Metric, format string) string {
	v, ok := s.Get(m)
	if !ok {
		return "--"
	}
	return fmt.Sprintf(format, v)
}
