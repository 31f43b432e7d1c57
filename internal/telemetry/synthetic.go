package telemetry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/lachart/steptest/internal/go_func_utils"
	"github.com/sirupsen/logrus"
)

// Generator produces the next synthetic update. elapsed is the time since
// Connect.
type Generator func(elapsed time.Duration) Partial

// SyntheticEmitter pushes generated values at a fixed interval. It stands in
// for sensors without a standard GATT profile (muscle oxygen, metabolic
// carts) and for demos.
type SyntheticEmitter struct {
	name     string
	interval time.Duration
	generate Generator
	logger   logrus.FieldLogger

	mu       sync.Mutex
	onUpdate func(Partial)
	started  time.Time
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ Emitter = (*SyntheticEmitter)(nil)

func NewSyntheticEmitter(name string, interval time.Duration, generate Generator, logger logrus.FieldLogger) *SyntheticEmitter {
	if generate == nil {
		panic("SyntheticEmitter: generator cannot be nil")
	}
	if logger == nil {
		panic("SyntheticEmitter: logger cannot be nil")
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &SyntheticEmitter{
		name:     name,
		interval: interval,
		generate: generate,
		logger:   logger.WithFields(logrus.Fields{"component": "SyntheticEmitter", "device": name}),
	}
}

func (s *SyntheticEmitter) Name() string { return s.name }

func (s *SyntheticEmitter) OnUpdate(fn func(Partial)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

func (s *SyntheticEmitter) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = time.Now()

	go_func_utils.SafeGoWG(s.logger, &s.wg, func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				s.emit(now)
			}
		}
	})
	s.logger.Infof("Started, interval %v", s.interval)
	return nil
}

func (s *SyntheticEmitter) emit(now time.Time) {
	s.mu.Lock()
	fn, started := s.onUpdate, s.started
	s.mu.Unlock()

	p := s.generate(now.Sub(started))
	if fn != nil && len(p) > 0 {
		fn(p)
	}
}

func (s *SyntheticEmitter) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()
	return nil
}

// MuscleOxygenModel desaturates with power: SmO2 falls from ~70 % towards
// 20 %, tHb stays around 12 g/dl.
func MuscleOxygenModel(power func() float64, rng *rand.Rand) Generator {
	return func(time.Duration) Partial {
		p := power()
		smo2 := math.Max(20, 72-0.12*p) + noise(rng, 0.8)
		return Partial{
			MetricSmO2: round1(smo2),
			MetricTHb:  round1(12.0 + 0.002*p + noise(rng, 0.05)),
		}
	}
}

// MetabolicModel follows the usual cycling rule of thumb of ~10.8 ml/min
// O2 per watt over a resting baseline, with RER rising towards 1.05.
func MetabolicModel(power func() float64, rng *rand.Rand) Generator {
	return func(time.Duration) Partial {
		p := math.Max(0, power())
		vo2 := 350 + 10.8*p + noise(rng, 25)
		rer := 0.8 + 0.25*math.Min(p/350, 1)
		vco2 := vo2 * rer
		ve := vco2 / 1000 * (24 + 8*math.Min(p/350, 1))
		return Partial{
			MetricVO2:         math.Round(vo2),
			MetricVCO2:        math.Round(vco2),
			MetricVentilation: round1(ve),
		}
	}
}

func noise(rng *rand.Rand, scale float64) float64 {
	if rng == nil {
		return 0
	}
	return (rng.Float64()*2 - 1) * scale
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
