package lactate

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lachart/steptest/internal/protocol"
)

var (
	// ErrInvalidLactateValue rejects a lactate that is not a finite number
	// above zero. Nothing is recorded.
	ErrInvalidLactateValue = errors.New("invalid lactate value")
	// ErrInvalidBorg rejects an RPE outside the 6-20 Borg scale.
	ErrInvalidBorg = errors.New("invalid borg value")
)

const (
	BorgMin = 6
	BorgMax = 20
)

// Entry is one lactate measurement. Step is the 1-based step number; Time is
// the test time in seconds when it was entered.
type Entry struct {
	Step       int
	Power      float64
	Lactate    float64 // mmol/l
	Borg       *int
	Time       int
	RecordedAt time.Time
}

// PowerSource gives the mean recorded power of a 0-based step index.
type PowerSource interface {
	MeanPower(stepIndex int) (float64, bool)
}

// Store holds the entries of one test. Entries are append-only.
type Store struct {
	samples PowerSource
	now     func() time.Time

	mu      sync.RWMutex
	entries []Entry
}

func NewStore(samples PowerSource, now func() time.Time) *Store {
	if samples == nil {
		panic("lactate.Store: power source cannot be nil")
	}
	if now == nil {
		now = time.Now
	}
	return &Store{samples: samples, now: now}
}

// Add validates and appends an entry for step. Power is manualPower when
// given, else the mean recorded power of the step, else its target power.
func (s *Store) Add(step protocol.Step, lactate float64, borg *int, manualPower *float64, elapsed int) (Entry, error) {
	if math.IsNaN(lactate) || math.IsInf(lactate, 0) || lactate <= 0 {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidLactateValue, lactate)
	}
	if borg != nil && (*borg < BorgMin || *borg > BorgMax) {
		return Entry{}, fmt.Errorf("%w: %d is outside %d-%d", ErrInvalidBorg, *borg, BorgMin, BorgMax)
	}
	if manualPower != nil && (math.IsNaN(*manualPower) || math.IsInf(*manualPower, 0) || *manualPower < 0) {
		return Entry{}, fmt.Errorf("%w: manual power %v", ErrInvalidLactateValue, *manualPower)
	}

	power := float64(step.TargetPower)
	if manualPower != nil {
		power = *manualPower
	} else if mean, ok := s.samples.MeanPower(step.StepNumber - 1); ok {
		power = mean
	}

	e := Entry{
		Step:       step.StepNumber,
		Power:      power,
		Lactate:    lactate,
		Time:       elapsed,
		RecordedAt: s.now(),
	}
	if borg != nil {
		b := *borg
		e.Borg = &b
	}

	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return e, nil
}

// Entries returns a copy of the entries in the order they were added.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries...)
}

// ForStep returns the entries for a 1-based step number.
func (s *Store) ForStep(stepNumber int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Step == stepNumber {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards all entries.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}
