package engine

import (
	"context"
	"fmt"

	"github.com/lachart/steptest/internal/trainerctl"
)

type event int

const (
	evStart event = iota
	evPause
	evResume
	evSkip
	evWorkDone
	evStartInterval
	evRecoveryDone
	evCountdownDone
	evStop
	evClear
)

func (ev event) String() string {
	switch ev {
	case evStart:
		return "start"
	case evPause:
		return "pause"
	case evResume:
		return "resume"
	case evSkip:
		return "skip interval"
	case evWorkDone:
		return "work done"
	case evStartInterval:
		return "start interval"
	case evRecoveryDone:
		return "recovery done"
	case evCountdownDone:
		return "countdown done"
	case evStop:
		return "stop"
	case evClear:
		return "clear"
	default:
		return "unknown"
	}
}

// command is a trainer call executed by the command worker, in the order it
// was queued and never under the engine lock.
type command struct {
	name string
	run  func(ctx context.Context) error
}

// enqueue never blocks. Must be called under mu.
func (e *Engine) enqueue(c command) {
	if e.closed {
		return
	}
	e.pending.Add(1)
	select {
	case e.commands <- c:
	default:
		e.pending.Done()
		e.logger.Warnf("Trainer command queue full, dropping %s", c.name)
	}
}

func (e *Engine) runCommands() {
	for c := range e.commands {
		if err := c.run(e.ctx); err != nil {
			e.logger.Warnf("Trainer command %s failed, continuing uncontrolled: %v", c.name, err)
		}
		e.pending.Done()
	}
}

// setErgCommand takes control of a trainer that connected (or reconnected)
// after Start, then sets the target. A disconnected trainer is skipped.
// Without retry the command gets a single attempt and never takes control.
func (e *Engine) setErgCommand(watts int, retry bool) command {
	return command{
		name: fmt.Sprintf("set ERG %d W", watts),
		run: func(ctx context.Context) error {
			if !retry {
				ctx = trainerctl.WithoutRetry(ctx)
			}
			switch st := e.controller.Status(); {
			case st == trainerctl.StatusReady && retry:
				e.logger.Infof("Trainer ready, taking control before ERG %d W", watts)
				if err := e.takeControl(ctx); err != nil {
					return err
				}
			case st != trainerctl.StatusControlled:
				e.logger.Debugf("Trainer %s, skipping ERG %d W", st, watts)
				return nil
			}
			return e.controller.SetErgWatts(ctx, watts)
		},
	}
}

// takeControlCommand requests control of a trainer that is connected but not
// yet controlled.
func (e *Engine) takeControlCommand() command {
	return command{
		name: "take control",
		run: func(ctx context.Context) error {
			if e.controller.Status() != trainerctl.StatusReady {
				return nil
			}
			return e.takeControl(ctx)
		},
	}
}

func (e *Engine) takeControl(ctx context.Context) error {
	if err := e.controller.RequestControl(ctx); err != nil {
		return err
	}
	return e.controller.Start(ctx)
}
