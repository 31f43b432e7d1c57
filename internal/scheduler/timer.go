package scheduler

import "time"

// Executor runs fn on the owner's execution context, normally by taking the
// owner's lock around it.
type Executor func(fn func())

// Timer is a named periodic or one-shot timer whose callback runs through an
// Executor. Every method must be called from within that Executor.
//
// Each schedule bumps a generation number. A callback that was already queued
// when the timer was disarmed or suspended carries a stale generation and is
// dropped, so no callback runs after the owner has moved on.
type Timer struct {
	name   string
	clock  Clock
	exec   Executor
	period time.Duration
	repeat bool
	fn     func()

	gen       uint64
	armed     bool
	suspended bool
	due       time.Time
	remaining time.Duration
	handle    Cancel
}

// NewTicker returns a disarmed timer that calls fn every period once armed.
func NewTicker(name string, clock Clock, exec Executor, period time.Duration, fn func()) *Timer {
	return newTimer(name, clock, exec, period, true, fn)
}

// NewOneShot returns a disarmed timer that calls fn once, period after arming.
func NewOneShot(name string, clock Clock, exec Executor, period time.Duration, fn func()) *Timer {
	return newTimer(name, clock, exec, period, false, fn)
}

func newTimer(name string, clock Clock, exec Executor, period time.Duration, repeat bool, fn func()) *Timer {
	if clock == nil {
		panic("Timer: clock cannot be nil")
	}
	if exec == nil {
		panic("Timer: executor cannot be nil")
	}
	if fn == nil {
		panic("Timer: callback cannot be nil")
	}
	if repeat && period <= 0 {
		panic("Timer: ticker period must be > 0")
	}
	return &Timer{name: name, clock: clock, exec: exec, period: period, repeat: repeat, fn: fn}
}

func (t *Timer) Name() string { return t.name }

// Armed reports whether a callback is scheduled.
func (t *Timer) Armed() bool { return t.armed }

// Suspended reports whether the timer is paused with time remaining.
func (t *Timer) Suspended() bool { return t.suspended }

// Remaining is the time left until the next fire, whether armed or suspended.
func (t *Timer) Remaining() time.Duration {
	switch {
	case t.armed:
		if r := t.due.Sub(t.clock.Now()); r > 0 {
			return r
		}
		return 0
	case t.suspended:
		return t.remaining
	default:
		return 0
	}
}

// Arm (re)starts the timer with its full period.
func (t *Timer) Arm() {
	t.ArmAfter(t.period)
}

// ArmAfter (re)starts the timer with the first fire after d.
func (t *Timer) ArmAfter(d time.Duration) {
	t.Disarm()
	t.armed = true
	t.schedule(d)
}

// SetPeriod changes the period used by the next Arm. One-shot phase timers
// use it to take the duration of the step being executed.
func (t *Timer) SetPeriod(d time.Duration) {
	t.period = d
}

// Disarm cancels any pending or suspended callback.
func (t *Timer) Disarm() {
	t.cancel()
	t.armed = false
	t.suspended = false
	t.remaining = 0
}

// Suspend cancels the pending callback and keeps the time remaining until it
// would have fired.
func (t *Timer) Suspend() {
	if !t.armed {
		return
	}
	t.remaining = t.Remaining()
	t.cancel()
	t.armed = false
	t.suspended = true
}

// Resume reschedules a suspended timer with its remaining time.
func (t *Timer) Resume() {
	if !t.suspended {
		return
	}
	t.suspended = false
	t.armed = true
	t.schedule(t.remaining)
	t.remaining = 0
}

func (t *Timer) cancel() {
	if t.handle != nil {
		t.handle.Stop()
		t.handle = nil
	}
	t.gen++
}

func (t *Timer) schedule(d time.Duration) {
	t.gen++
	gen := t.gen
	t.due = t.clock.Now().Add(d)
	t.handle = t.clock.AfterFunc(d, func() {
		t.exec(func() { t.fire(gen) })
	})
}

func (t *Timer) fire(gen uint64) {
	if !t.armed || gen != t.gen {
		return
	}
	if t.repeat {
		t.schedule(t.period)
	} else {
		t.armed = false
		t.handle = nil
	}
	t.fn()
}
