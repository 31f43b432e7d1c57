package engine

import (
	"errors"
	"time"

	"github.com/lachart/steptest/internal/lactate"
	"github.com/lachart/steptest/internal/protocol"
	"github.com/lachart/steptest/internal/recorder"
)

// ErrInvalidTransition is returned for an operation the current mode or
// phase does not accept. The state is left unchanged. Clear is accepted from
// Idle as well as Completed; from Idle it only resets an unused test.
var ErrInvalidTransition = errors.New("invalid transition")

type Mode int

const (
	ModeIdle Mode = iota
	ModeRunning
	ModePaused
	ModeCompleted
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeRunning:
		return "running"
	case ModePaused:
		return "paused"
	case ModeCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

func (m Mode) protocolMode() protocol.Mode {
	switch m {
	case ModeRunning:
		return protocol.ModeRunning
	case ModePaused:
		return protocol.ModePaused
	case ModeCompleted:
		return protocol.ModeCompleted
	default:
		return protocol.ModeIdle
	}
}

// Phase is only meaningful while a test is running or paused. While paused
// it holds the phase that Resume returns to.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseWork
	PhaseRecovery
	PhaseCountdown
)

func (p Phase) String() string {
	switch p {
	case PhaseWork:
		return "work"
	case PhaseRecovery:
		return "recovery"
	case PhaseCountdown:
		return "countdown"
	default:
		return "none"
	}
}

// State is a copy of the engine's test state.
type State struct {
	Mode         Mode
	Phase        Phase
	CurrentStep  int // 0-based index into the protocol steps
	Countdown    int
	PhaseElapsed int // seconds
	TotalElapsed int // seconds, pauses excluded
	// Step is the step being executed, captured when its work interval was
	// armed. Later protocol edits do not change it.
	Step protocol.Step
}

// LactatePrompt asks the operator for a lactate value after a work interval.
type LactatePrompt struct {
	Step         protocol.Step
	TotalElapsed int
}

// Result is what a completed test hands to its ResultSink. It is not
// touched by the engine afterwards.
type Result struct {
	Protocol       protocol.Protocol
	Samples        []recorder.Sample
	LactateEntries []lactate.Entry
	TestDuration   time.Duration
	StartedAt      time.Time
	CompletedAt    time.Time
}
