package console

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lachart/steptest/internal/engine"
	"github.com/lachart/steptest/internal/lactate"
	"github.com/sirupsen/logrus"
)

// Commands is the part of the engine the operator drives.
type Commands interface {
	State() engine.State
	Start() error
	Pause() error
	Resume() error
	SkipInterval() error
	StartInterval() error
	Stop() error
	Clear() error
	AddLactate(value float64, borg *int, manualPower *float64) (lactate.Entry, error)
}

var _ Commands = (*engine.Engine)(nil)

// Controller turns key presses and form input into engine operations.
// Rejected operations end up on the status line; nothing here is fatal.
type Controller struct {
	engine Commands
	model  *Model
	logger logrus.FieldLogger
}

func NewController(eng Commands, model *Model, logger logrus.FieldLogger) *Controller {
	if eng == nil {
		panic("Controller: engine cannot be nil")
	}
	if model == nil {
		panic("Controller: model cannot be nil")
	}
	if logger == nil {
		panic("Controller: logger cannot be nil")
	}
	return &Controller{
		engine: eng,
		model:  model,
		logger: logger.WithField("component", "ConsoleController"),
	}
}

// StartOrPause starts an idle test, pauses a running one and resumes a
// paused one.
func (c *Controller) StartOrPause() {
	switch c.engine.State().Mode {
	case engine.ModeIdle:
		c.run("start", c.engine.Start)
	case engine.ModeRunning:
		c.run("pause", c.engine.Pause)
	case engine.ModePaused:
		c.run("resume", c.engine.Resume)
	default:
		c.model.SetMessage("Test completed: press c to clear")
	}
}

func (c *Controller) SkipInterval()  { c.run("skip interval", c.engine.SkipInterval) }
func (c *Controller) StartInterval() { c.run("start interval", c.engine.StartInterval) }
func (c *Controller) Stop()          { c.run("stop", c.engine.Stop) }

func (c *Controller) Clear() {
	if c.run("clear", c.engine.Clear) {
		c.model.RefreshLactate()
	}
}

func (c *Controller) Quit() {
	c.model.RequestCloseApplication()
}

func (c *Controller) run(name string, op func() error) bool {
	if err := op(); err != nil {
		if errors.Is(err, engine.ErrInvalidTransition) {
			c.model.SetMessage(fmt.Sprintf("Cannot %s now", name))
		} else {
			c.model.SetMessage(fmt.Sprintf("%s failed: %v", name, err))
		}
		c.logger.Warnf("%s: %v", name, err)
		return false
	}
	c.model.SetMessage("")
	return true
}

// SubmitLactate parses the lactate form. Borg and power may be left empty;
// an empty power uses the step's measured mean.
func (c *Controller) SubmitLactate(lactateText, borgText, powerText string) error {
	value, err := parseFloat(lactateText)
	if err != nil {
		return c.lactateFailed(fmt.Errorf("%w: %q", lactate.ErrInvalidLactateValue, lactateText))
	}

	var borg *int
	if s := strings.TrimSpace(borgText); s != "" {
		b, err := strconv.Atoi(s)
		if err != nil {
			return c.lactateFailed(fmt.Errorf("%w: %q", lactate.ErrInvalidBorg, borgText))
		}
		borg = &b
	}

	var power *float64
	if s := strings.TrimSpace(powerText); s != "" {
		p, err := parseFloat(s)
		if err != nil {
			return c.lactateFailed(fmt.Errorf("invalid power %q", powerText))
		}
		power = &p
	}

	entry, err := c.engine.AddLactate(value, borg, power)
	if err != nil {
		return c.lactateFailed(err)
	}
	c.model.RefreshLactate()
	c.model.SetMessage(fmt.Sprintf("Lactate %.1f mmol/l recorded for step %d at %.0f W", entry.Lactate, entry.Step, entry.Power))
	return nil
}

func (c *Controller) lactateFailed(err error) error {
	c.model.SetMessage(fmt.Sprintf("Lactate not recorded: %v", err))
	c.logger.Warnf("Lactate entry rejected: %v", err)
	return err
}

// parseFloat accepts a decimal comma, as typed on many lab keyboards.
func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", "."), 64)
}
