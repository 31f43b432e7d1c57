package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for protocol parameters or steps that cannot
	// be executed. The previous protocol is left unchanged.
	ErrValidation = errors.New("protocol validation error")
	// ErrStepLocked is returned when an edit touches a step that has already
	// been executed.
	ErrStepLocked = errors.New("protocol step locked")
)

// Params are the operator-facing protocol settings. Durations are whole
// seconds, powers are watts.
type Params struct {
	WorkDuration     int `yaml:"work_duration" mapstructure:"work_duration"`
	RecoveryDuration int `yaml:"recovery_duration" mapstructure:"recovery_duration"`
	StartPower       int `yaml:"start_power" mapstructure:"start_power"`
	PowerIncrement   int `yaml:"power_increment" mapstructure:"power_increment"`
	MaxSteps         int `yaml:"max_steps" mapstructure:"max_steps"`
}

// Step is one work interval and the recovery that follows it.
type Step struct {
	StepNumber       int `yaml:"step"`
	TargetPower      int `yaml:"target_power"`
	Duration         int `yaml:"duration"`
	RecoveryDuration int `yaml:"recovery_duration"`
}

// Protocol is an immutable value: Edit returns a new one.
type Protocol struct {
	Params
	Steps []Step
}

// Mode is the test mode Edit checks against. It mirrors the engine's modes
// without importing the engine.
type Mode int

const (
	ModeIdle Mode = iota
	ModeRunning
	ModePaused
	ModeCompleted
)

func (p Params) Validate() error {
	if p.MaxSteps <= 0 {
		return fmt.Errorf("%w: max steps must be > 0, got %d", ErrValidation, p.MaxSteps)
	}
	if p.WorkDuration <= 0 {
		return fmt.Errorf("%w: work duration must be > 0, got %d", ErrValidation, p.WorkDuration)
	}
	if p.RecoveryDuration <= 0 {
		return fmt.Errorf("%w: recovery duration must be > 0, got %d", ErrValidation, p.RecoveryDuration)
	}
	if p.StartPower <= 0 {
		return fmt.Errorf("%w: start power must be > 0, got %d", ErrValidation, p.StartPower)
	}
	last := p.StartPower + (p.MaxSteps-1)*p.PowerIncrement
	if last <= 0 {
		return fmt.Errorf("%w: power increment %d gives %d W at step %d",
			ErrValidation, p.PowerIncrement, last, p.MaxSteps)
	}
	return nil
}

// GenerateSteps derives the step list from params.
func GenerateSteps(p Params) ([]Step, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	steps := make([]Step, p.MaxSteps)
	for i := range steps {
		steps[i] = Step{
			StepNumber:       i + 1,
			TargetPower:      p.StartPower + i*p.PowerIncrement,
			Duration:         p.WorkDuration,
			RecoveryDuration: p.RecoveryDuration,
		}
	}
	return steps, nil
}

// New validates params and generates their steps.
func New(p Params) (Protocol, error) {
	steps, err := GenerateSteps(p)
	if err != nil {
		return Protocol{}, err
	}
	return Protocol{Params: p, Steps: steps}, nil
}

// Edit replaces the steps of prev. While a test is running or paused, steps
// before currentStep have already been executed and must be kept exactly as
// they are; a Completed test accepts no edits. On any error prev is returned
// unchanged.
func Edit(prev Protocol, newSteps []Step, currentStep int, mode Mode) (Protocol, error) {
	if mode == ModeCompleted {
		return prev, fmt.Errorf("%w: test is completed", ErrStepLocked)
	}
	if mode == ModeRunning || mode == ModePaused {
		if currentStep > len(newSteps) {
			return prev, fmt.Errorf("%w: cannot remove executed step %d", ErrStepLocked, len(newSteps)+1)
		}
		for k := 0; k < currentStep && k < len(prev.Steps); k++ {
			if !sameStep(prev.Steps[k], newSteps[k]) {
				return prev, fmt.Errorf("%w: step %d already executed", ErrStepLocked, k+1)
			}
		}
	}
	if err := validateSteps(newSteps); err != nil {
		return prev, err
	}

	steps := make([]Step, len(newSteps))
	for i, s := range newSteps {
		s.StepNumber = i + 1
		steps[i] = s
	}
	next := Protocol{Params: prev.Params, Steps: steps}
	next.MaxSteps = len(steps)
	return next, nil
}

// sameStep compares everything but the number, which Edit reassigns.
func sameStep(a, b Step) bool {
	return a.TargetPower == b.TargetPower &&
		a.Duration == b.Duration &&
		a.RecoveryDuration == b.RecoveryDuration
}

func validateSteps(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: protocol needs at least one step", ErrValidation)
	}
	for i, s := range steps {
		switch {
		case s.TargetPower <= 0:
			return fmt.Errorf("%w: step %d target power must be > 0, got %d", ErrValidation, i+1, s.TargetPower)
		case s.Duration <= 0:
			return fmt.Errorf("%w: step %d duration must be > 0, got %d", ErrValidation, i+1, s.Duration)
		case s.RecoveryDuration <= 0:
			return fmt.Errorf("%w: step %d recovery must be > 0, got %d", ErrValidation, i+1, s.RecoveryDuration)
		}
	}
	return nil
}

// Clone returns a copy that shares no step storage with p.
func (p Protocol) Clone() Protocol {
	out := p
	out.Steps = append([]Step(nil), p.Steps...)
	return out
}

// Step returns the step at index i, clamped to the last step.
func (p Protocol) Step(i int) Step {
	if len(p.Steps) == 0 {
		return Step{}
	}
	if i < 0 {
		i = 0
	}
	if i >= len(p.Steps) {
		i = len(p.Steps) - 1
	}
	return p.Steps[i]
}

// LastIndex is the index of the final step.
func (p Protocol) LastIndex() int {
	return len(p.Steps) - 1
}
