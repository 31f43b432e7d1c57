package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lachart/steptest/internal/events"
	"github.com/lachart/steptest/internal/go_func_utils"
	"github.com/lachart/steptest/internal/lactate"
	"github.com/lachart/steptest/internal/protocol"
	"github.com/lachart/steptest/internal/recorder"
	"github.com/lachart/steptest/internal/scheduler"
	"github.com/lachart/steptest/internal/trainerctl"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCountdownSeconds = 3
	DefaultErgGraceDelay    = time.Second

	commandQueueSize = 32
	saveTimeout      = 30 * time.Second
)

// Options tune an Engine. Zero values select the defaults.
type Options struct {
	Clock            scheduler.Clock
	CountdownSeconds int
	ErgGraceDelay    time.Duration
	// LactateWorkPowerOnly averages only the work seconds of a step for
	// lactate entries. By default every recorded second of the step counts,
	// recovery seconds (forced to 0 W) included.
	LactateWorkPowerOnly bool
}

// Engine runs one step test at a time. All test state lives behind mu, and
// every timer callback runs under it.
type Engine struct {
	logger        logrus.FieldLogger
	clock         scheduler.Clock
	hub           Telemetry
	controller    trainerctl.Controller
	sink          ResultSink
	countdownFrom int

	mu       sync.Mutex
	closed   bool
	state    State
	protocol protocol.Protocol
	samples  *recorder.Recorder
	lactate  *lactate.Store

	// Active time excludes pauses. phaseStart is the active time at which the
	// current phase began.
	activeBefore time.Duration
	runningSince time.Time
	phaseStart   time.Duration
	startedAt    time.Time

	total     *scheduler.Timer
	sampling  *scheduler.Timer
	work      *scheduler.Timer
	recovery  *scheduler.Timer
	countdown *scheduler.Timer
	ergGrace  *scheduler.Timer

	stateEvent  *events.ChannelEvent[State]
	promptEvent *events.ChannelEvent[LactatePrompt]

	commands     chan command
	pending      sync.WaitGroup
	workers      sync.WaitGroup
	saves        sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// New creates an idle engine for p. sink may be nil, in which case completed
// results are only kept in memory until Clear.
func New(p protocol.Protocol, hub Telemetry, controller trainerctl.Controller, sink ResultSink, opts Options, logger logrus.FieldLogger) *Engine {
	if hub == nil {
		panic("Engine: telemetry cannot be nil")
	}
	if controller == nil {
		panic("Engine: controller cannot be nil")
	}
	if logger == nil {
		panic("Engine: logger cannot be nil")
	}
	if opts.Clock == nil {
		opts.Clock = scheduler.RealClock()
	}
	if opts.CountdownSeconds <= 0 {
		opts.CountdownSeconds = DefaultCountdownSeconds
	}
	if opts.ErgGraceDelay <= 0 {
		opts.ErgGraceDelay = DefaultErgGraceDelay
	}

	e := &Engine{
		logger:        logger.WithField("component", "Engine"),
		clock:         opts.Clock,
		hub:           hub,
		controller:    controller,
		sink:          sink,
		countdownFrom: opts.CountdownSeconds,
		protocol:      p.Clone(),
		samples:       recorder.New(),
		stateEvent:    events.NewChannelEvent[State](true),
		promptEvent:   events.NewChannelEvent[LactatePrompt](false),
		commands:      make(chan command, commandQueueSize),
	}
	power := stepPower{samples: e.samples}
	if opts.LactateWorkPowerOnly {
		power.phase = PhaseWork.String()
	}
	e.lactate = lactate.NewStore(power, e.clock.Now)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	exec := func(fn func()) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return
		}
		fn()
	}
	e.total = scheduler.NewTicker("total", e.clock, exec, time.Second, e.onTotalTick)
	e.sampling = scheduler.NewTicker("sampling", e.clock, exec, time.Second, e.onSampleTick)
	e.work = scheduler.NewOneShot("work", e.clock, exec, time.Second, func() { e.fire(evWorkDone) })
	e.recovery = scheduler.NewOneShot("recovery", e.clock, exec, time.Second, func() { e.fire(evRecoveryDone) })
	e.countdown = scheduler.NewTicker("countdown", e.clock, exec, time.Second, e.onCountdownTick)
	e.ergGrace = scheduler.NewOneShot("erg-grace", e.clock, exec, opts.ErgGraceDelay, e.onErgGrace)

	go_func_utils.SafeGoWG(e.logger, &e.workers, e.runCommands)

	e.stateEvent.Notify(e.stateLocked())
	return e
}

// stepPower feeds lactate entries the mean recorded power of a step,
// restricted to one phase when phase is set.
type stepPower struct {
	samples *recorder.Recorder
	phase   string
}

func (p stepPower) MeanPower(stepIndex int) (float64, bool) {
	return p.samples.MeanPower(stepIndex, p.phase)
}

// timers lists every timer in arm order.
func (e *Engine) timers() []*scheduler.Timer {
	return []*scheduler.Timer{e.total, e.sampling, e.work, e.recovery, e.countdown, e.ergGrace}
}

func (e *Engine) Start() error         { return e.apply(evStart) }
func (e *Engine) Pause() error         { return e.apply(evPause) }
func (e *Engine) Resume() error        { return e.apply(evResume) }
func (e *Engine) SkipInterval() error  { return e.apply(evSkip) }
func (e *Engine) StartInterval() error { return e.apply(evStartInterval) }
func (e *Engine) Stop() error          { return e.apply(evStop) }
func (e *Engine) Clear() error         { return e.apply(evClear) }

func (e *Engine) apply(ev event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("%w: engine is shut down", ErrInvalidTransition)
	}
	return e.transition(ev)
}

// fire delivers a timer event. It already runs under mu.
func (e *Engine) fire(ev event) {
	if err := e.transition(ev); err != nil {
		e.logger.Warnf("Dropped timer event: %v", err)
	}
}

// transition is the only place Mode and Phase change.
func (e *Engine) transition(ev event) error {
	s := e.state
	running := s.Mode == ModeRunning

	switch {
	case ev == evStart && s.Mode == ModeIdle:
		if len(e.protocol.Steps) == 0 {
			return fmt.Errorf("%w: protocol has no steps", protocol.ErrValidation)
		}
		now := e.clock.Now()
		e.samples.Reset()
		e.lactate.Reset()
		e.state = State{Mode: ModeRunning, Phase: PhaseWork}
		e.activeBefore = 0
		e.runningSince = now
		e.startedAt = now
		e.total.Arm()
		e.sampling.Arm()
		e.armWork(0)
		e.ergGrace.Arm()
		e.enqueue(e.takeControlCommand())

	case ev == evPause && running:
		e.activeBefore = e.activeTime()
		for _, t := range e.timers() {
			t.Suspend()
		}
		e.state.Mode = ModePaused

	case ev == evResume && s.Mode == ModePaused:
		e.runningSince = e.clock.Now()
		e.state.Mode = ModeRunning
		for _, t := range e.timers() {
			t.Resume()
		}

	case (ev == evWorkDone || ev == evSkip) && running && s.Phase == PhaseWork:
		e.work.Disarm()
		e.ergGrace.Disarm()
		e.state.Phase = PhaseRecovery
		e.phaseStart = e.activeTime()
		e.recovery.SetPeriod(seconds(s.Step.RecoveryDuration))
		e.recovery.Arm()
		e.hub.SetRecovery(true)
		e.enqueue(e.setErgCommand(0, true))
		e.promptEvent.Notify(LactatePrompt{Step: s.Step, TotalElapsed: s.TotalElapsed})

	case (ev == evRecoveryDone || ev == evStartInterval) && running && s.Phase == PhaseRecovery:
		e.recovery.Disarm()
		e.state.Phase = PhaseCountdown
		e.state.Countdown = e.countdownFrom
		e.phaseStart = e.activeTime()
		e.hub.SetRecovery(false)
		e.countdown.Arm()

	case ev == evCountdownDone && running && s.Phase == PhaseCountdown:
		e.countdown.Disarm()
		next := min(s.CurrentStep+1, e.protocol.LastIndex())
		if next < s.CurrentStep {
			next = s.CurrentStep
		}
		e.state.Phase = PhaseWork
		e.armWork(next)
		e.enqueue(e.setErgCommand(e.state.Step.TargetPower, true))

	case ev == evStop && (running || s.Mode == ModePaused):
		active := e.activeTime()
		for _, t := range e.timers() {
			t.Disarm()
		}
		e.activeBefore = active
		e.state.Mode = ModeCompleted
		e.state.Phase = PhaseNone
		e.state.Countdown = 0
		e.hub.SetRecovery(false)
		e.enqueue(e.setErgCommand(0, false))
		e.handOff(e.resultLocked())

	case ev == evClear && (s.Mode == ModeCompleted || s.Mode == ModeIdle):
		for _, t := range e.timers() {
			t.Disarm()
		}
		e.samples.Reset()
		e.lactate.Reset()
		e.state = State{Mode: ModeIdle}
		e.activeBefore = 0
		e.phaseStart = 0
		e.startedAt = time.Time{}
		e.hub.SetRecovery(false)

	default:
		return fmt.Errorf("%w: %s while %s/%s", ErrInvalidTransition, ev, s.Mode, s.Phase)
	}

	e.logger.Infof("%s: %s/%s -> %s/%s (step %d)", ev, s.Mode, s.Phase, e.state.Mode, e.state.Phase, e.state.CurrentStep+1)
	e.publish()
	return nil
}

// armWork starts the work interval of step idx and captures that step.
func (e *Engine) armWork(idx int) {
	step := e.protocol.Step(idx)
	e.state.CurrentStep = idx
	e.state.Step = step
	e.state.Countdown = 0
	e.phaseStart = e.activeTime()
	e.hub.SetRecovery(false)
	e.work.SetPeriod(seconds(step.Duration))
	e.work.Arm()
}

func (e *Engine) onTotalTick() {
	e.state.TotalElapsed++
	e.publish()
}

func (e *Engine) onSampleTick() {
	active := e.activeTime()
	e.samples.Record(e.hub.Snapshot(), recorder.Tags{
		Step:         e.state.CurrentStep,
		Phase:        e.state.Phase.String(),
		IntervalTime: wholeSeconds(active - e.phaseStart),
		TotalTime:    wholeSeconds(active),
	})
}

func (e *Engine) onCountdownTick() {
	e.state.Countdown--
	if e.state.Countdown > 0 {
		e.publish()
		return
	}
	e.state.Countdown = 0
	e.fire(evCountdownDone)
}

func (e *Engine) onErgGrace() {
	if e.state.Mode != ModeRunning || e.state.Phase != PhaseWork {
		return
	}
	e.enqueue(e.setErgCommand(e.state.Step.TargetPower, true))
}

func (e *Engine) activeTime() time.Duration {
	if e.state.Mode == ModeRunning {
		return e.activeBefore + e.clock.Now().Sub(e.runningSince)
	}
	return e.activeBefore
}

func (e *Engine) publish() {
	e.stateEvent.Notify(e.stateLocked())
}

func (e *Engine) stateLocked() State {
	s := e.state
	if s.Mode == ModeRunning || s.Mode == ModePaused {
		s.PhaseElapsed = wholeSeconds(e.activeTime() - e.phaseStart)
	}
	return s
}

func (e *Engine) resultLocked() Result {
	return Result{
		Protocol:       e.protocol.Clone(),
		Samples:        e.samples.Samples(),
		LactateEntries: e.lactate.Entries(),
		TestDuration:   time.Duration(e.state.TotalElapsed) * time.Second,
		StartedAt:      e.startedAt,
		CompletedAt:    e.clock.Now(),
	}
}

func (e *Engine) handOff(r Result) {
	if e.sink == nil {
		return
	}
	go_func_utils.SafeGoWG(e.logger, &e.saves, func() {
		ctx, cancel := context.WithTimeout(e.ctx, saveTimeout)
		defer cancel()
		if err := e.sink.SaveResult(ctx, r); err != nil {
			e.logger.Errorf("Saving result failed: %v", err)
			return
		}
		e.logger.Infof("Result saved: %d samples, %d lactate entries", len(r.Samples), len(r.LactateEntries))
	})
}

// State returns a copy of the current test state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

// Protocol returns a copy of the protocol in use.
func (e *Engine) Protocol() protocol.Protocol {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.protocol.Clone()
}

// Samples returns a copy of the recorded series.
func (e *Engine) Samples() []recorder.Sample {
	return e.samples.Samples()
}

func (e *Engine) LactateEntries() []lactate.Entry {
	return e.lactate.Entries()
}

// LoadProtocol replaces the whole protocol. Only allowed while idle.
func (e *Engine) LoadProtocol(p protocol.Protocol) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Mode != ModeIdle {
		return fmt.Errorf("%w: protocol can only be loaded while idle", ErrInvalidTransition)
	}
	next, err := protocol.Edit(p, p.Steps, 0, protocol.ModeIdle)
	if err != nil {
		return err
	}
	e.protocol = next
	e.logger.Infof("Protocol loaded: %d steps", len(next.Steps))
	e.publish()
	return nil
}

// EditProtocol replaces the protocol steps. During a test, executed steps and
// the current step's place in the list are locked. The running step keeps
// the values it was armed with; edits apply from the next transition.
func (e *Engine) EditProtocol(steps []protocol.Step) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	mode := e.state.Mode
	if (mode == ModeRunning || mode == ModePaused) && len(steps) <= e.state.CurrentStep {
		return fmt.Errorf("%w: current step %d cannot be removed", protocol.ErrStepLocked, e.state.CurrentStep+1)
	}
	next, err := protocol.Edit(e.protocol, steps, e.state.CurrentStep, mode.protocolMode())
	if err != nil {
		return err
	}
	if diff, err := protocol.Diff(e.protocol, next); err == nil && diff != "" {
		e.logger.Infof("Protocol edited:\n%s", diff)
	}
	e.protocol = next
	e.publish()
	return nil
}

// AddLactate records a lactate value for the current step. Only accepted
// while a test is running or paused.
func (e *Engine) AddLactate(value float64, borg *int, manualPower *float64) (lactate.Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Mode != ModeRunning && e.state.Mode != ModePaused {
		return lactate.Entry{}, fmt.Errorf("%w: no test in progress", ErrInvalidTransition)
	}
	entry, err := e.lactate.Add(e.state.Step, value, borg, manualPower, e.state.TotalElapsed)
	if err != nil {
		return lactate.Entry{}, err
	}
	e.logger.Infof("Lactate %.1f mmol/l at step %d (%.0f W)", entry.Lactate, entry.Step, entry.Power)
	return entry, nil
}

// ListenToState registers ch for state changes. The current state is
// replayed on registration.
func (e *Engine) ListenToState(ch chan<- State) func() {
	return e.stateEvent.Listen(ch)
}

// ListenToLactatePrompt registers ch for the prompt sent at the end of each
// work interval.
func (e *Engine) ListenToLactatePrompt(ch chan<- LactatePrompt) func() {
	return e.promptEvent.Listen(ch)
}

// Shutdown stops all timers, lets queued trainer commands and pending result
// saves finish, and closes the event streams. A test still in progress is
// discarded; call Stop first to keep it.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		for _, t := range e.timers() {
			t.Disarm()
		}
		close(e.commands)
		e.mu.Unlock()

		e.workers.Wait()
		e.saves.Wait()
		e.cancel()
		e.stateEvent.Close()
		e.promptEvent.Close()
		e.logger.Info("Engine shut down")
	})
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func wholeSeconds(d time.Duration) int {
	return int((d + time.Second/2) / time.Second)
}
