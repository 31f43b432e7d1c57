package console

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/lachart/steptest/internal/engine"
	"github.com/lachart/steptest/internal/go_func_utils"
	"github.com/lachart/steptest/internal/lactate"
	"github.com/lachart/steptest/internal/telemetry"
	"github.com/rivo/tview"
	"github.com/sirupsen/logrus"
)

const (
	pageMain    = "main"
	pageLactate = "lactate"
)

const helpText = "[yellow]S[white] Start/Pause  [yellow]K[white] Skip  [yellow]I[white] Next interval  " +
	"[yellow]L[white] Lactate  [yellow]X[white] Stop  [yellow]C[white] Clear  [yellow]Q[white] Quit"

// View is the terminal console. Only the tview goroutine touches widgets;
// model changes are applied through QueueUpdateDraw.
type View struct {
	app        *tview.Application
	model      *Model
	controller *Controller
	logger     logrus.FieldLogger

	pages        *tview.Pages
	testPanel    *tview.TextView
	metricsPanel *tview.TextView
	devicesPanel *tview.TextView
	lactatePanel *tview.TextView
	logView      *tview.TextView
	statusLine   *tview.TextView
	lactateForm  *tview.Form
	formOpen     bool
	stopped      atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewView(app *tview.Application, model *Model, controller *Controller, logger logrus.FieldLogger) *View {
	if app == nil {
		panic("View: app cannot be nil")
	}
	if model == nil {
		panic("View: model cannot be nil")
	}
	if controller == nil {
		panic("View: controller cannot be nil")
	}
	if logger == nil {
		panic("View: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	v := &View{
		app:        app,
		model:      model,
		controller: controller,
		logger:     logger.WithField("component", "ConsoleView"),
		ctx:        ctx,
		cancel:     cancel,
	}
	v.initWidgets()
	v.setupKeyboardHandlers()
	v.setupEventListeners()
	return v
}

func newPanel(title string) *tview.TextView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	tv.SetBorder(true).SetTitle(" " + title + " ")
	return tv
}

func (v *View) initWidgets() {
	v.testPanel = newPanel("Test")
	v.metricsPanel = newPanel("Live")
	v.devicesPanel = newPanel("Devices")
	v.lactatePanel = newPanel("Lactate")
	// No SetChangedFunc with app.Draw here: it can hang during shutdown.
	v.logView = tview.NewTextView().SetDynamicColors(false).SetScrollable(false)
	v.logView.SetBorder(true).SetTitle(" Logs ")
	v.statusLine = tview.NewTextView().SetDynamicColors(true)
	v.statusLine.SetText(helpText)

	v.testPanel.SetText(formatState(v.model.State(), v.model.LastStep()))
	v.metricsPanel.SetText(formatSnapshot(telemetry.Snapshot{}))
	v.devicesPanel.SetText(formatDevices(nil, v.model.TrainerStatus()))
	v.lactatePanel.SetText(formatLactate(nil, nil))

	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(v.testPanel, 0, 2, false).
		AddItem(v.lactatePanel, 0, 2, false)
	middle := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(v.metricsPanel, 0, 2, false).
		AddItem(v.devicesPanel, 0, 1, false)
	top := tview.NewFlex().
		AddItem(left, 0, 1, false).
		AddItem(middle, 0, 1, false).
		AddItem(v.logView, 0, 1, false)
	main := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(top, 0, 1, false).
		AddItem(v.statusLine, 1, 0, false)

	v.lactateForm = tview.NewForm().
		AddInputField("Lactate (mmol/l)", "", 8, nil, nil).
		AddInputField("Borg (6-20)", "", 4, tview.InputFieldInteger, nil).
		AddInputField("Power (W, empty = measured)", "", 6, nil, nil).
		AddButton("Save", v.submitLactate).
		AddButton("Cancel", v.closeLactateForm)
	v.lactateForm.SetBorder(true).SetTitle(" Lactate sample ")
	v.lactateForm.SetCancelFunc(v.closeLactateForm)

	v.pages = tview.NewPages().
		AddPage(pageMain, main, true, true).
		AddPage(pageLactate, centered(v.lactateForm, 50, 11), true, false)
}

func centered(p tview.Primitive, width, height int) tview.Primitive {
	return tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(p, height, 1, true).
			AddItem(nil, 0, 1, false), width, 1, true).
		AddItem(nil, 0, 1, false)
}

func (v *View) openLactateForm() {
	if v.formOpen {
		return
	}
	switch v.model.State().Mode {
	case engine.ModeRunning, engine.ModePaused:
	default:
		v.model.SetMessage("Lactate values can only be entered during a test")
		return
	}
	title := " Lactate sample "
	if p, ok := v.model.Prompt(); ok {
		title = fmt.Sprintf(" Lactate sample, step %d (%d W) ", p.Step.StepNumber, p.Step.TargetPower)
	}
	v.lactateForm.SetTitle(title)
	for i := 0; i < v.lactateForm.GetFormItemCount(); i++ {
		if field, ok := v.lactateForm.GetFormItem(i).(*tview.InputField); ok {
			field.SetText("")
		}
	}
	v.lactateForm.SetFocus(0)
	v.formOpen = true
	v.pages.ShowPage(pageLactate)
	v.app.SetFocus(v.lactateForm)
}

func (v *View) closeLactateForm() {
	v.formOpen = false
	v.pages.HidePage(pageLactate)
	v.app.SetFocus(v.pages)
}

func (v *View) submitLactate() {
	text := func(i int) string {
		return v.lactateForm.GetFormItem(i).(*tview.InputField).GetText()
	}
	if err := v.controller.SubmitLactate(text(0), text(1), text(2)); err != nil {
		return
	}
	v.closeLactateForm()
}

func (v *View) setupKeyboardHandlers() {
	v.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if v.formOpen {
			return event
		}
		if event.Key() == tcell.KeyEscape {
			v.controller.Quit()
			return nil
		}
		if event.Key() != tcell.KeyRune {
			return event
		}
		switch event.Rune() {
		case 's', 'S', ' ':
			v.controller.StartOrPause()
		case 'k', 'K':
			v.controller.SkipInterval()
		case 'i', 'I':
			v.controller.StartInterval()
		case 'l', 'L':
			v.openLactateForm()
		case 'x', 'X':
			v.controller.Stop()
		case 'c', 'C':
			v.controller.Clear()
		case 'q', 'Q':
			v.controller.Quit()
		default:
			return event
		}
		return nil
	})
}

// listen runs fn for every value on a model event until the view shuts down.
func listen[T any](v *View, register func(chan<- T) func(), fn func(T)) {
	ch := make(chan T, 16)
	unregister := register(ch)
	go_func_utils.SafeGoWG(v.logger, &v.wg, func() {
		defer unregister()
		for {
			select {
			case <-v.ctx.Done():
				return
			case value := <-ch:
				fn(value)
			}
		}
	})
}

func (v *View) setupEventListeners() {
	listen(v, v.model.ListenToState, func(s engine.State) {
		last := v.model.LastStep()
		v.queue(func() {
			v.testPanel.SetText(formatState(s, last))
			if v.formOpen && s.Mode != engine.ModeRunning && s.Mode != engine.ModePaused {
				v.closeLactateForm()
			}
		})
		v.refreshLactatePanel(v.model.LactateEntries())
	})
	listen(v, v.model.ListenToSnapshot, func(s telemetry.Snapshot) {
		v.queue(func() { v.metricsPanel.SetText(formatSnapshot(s)) })
	})
	listen(v, v.model.ListenToDevices, func(d []telemetry.DeviceStatus) {
		trainer := v.model.TrainerStatus()
		v.queue(func() { v.devicesPanel.SetText(formatDevices(d, trainer)) })
	})
	listen(v, v.model.ListenToLactate, func(entries []lactate.Entry) {
		v.refreshLactatePanel(entries)
	})
	listen(v, v.model.ListenToPrompt, func(engine.LactatePrompt) {
		v.refreshLactatePanel(v.model.LactateEntries())
		v.queue(v.openLactateForm)
	})
	listen(v, v.model.ListenToMessage, func(msg string) {
		text := helpText
		if msg != "" {
			text = "[red]" + tview.Escape(msg) + "[white]  " + helpText
		}
		v.queue(func() { v.statusLine.SetText(text) })
	})
	listen(v, v.model.ListenToLog, func(string) {
		v.queue(v.updateLogDisplay)
	})
	listen(v, v.model.ListenToCloseApplication, func(struct{}) {
		v.app.Stop()
	})

	// The devices panel also shows the trainer's control status, which has
	// no event of its own.
	go_func_utils.SafeGoWG(v.logger, &v.wg, func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-v.ctx.Done():
				return
			case <-ticker.C:
				d, trainer := v.model.Devices(), v.model.TrainerStatus()
				v.queue(func() {
					v.devicesPanel.SetText(formatDevices(d, trainer))
					v.updateLogDisplay()
				})
			}
		}
	})
}

func (v *View) refreshLactatePanel(entries []lactate.Entry) {
	var prompt *engine.LactatePrompt
	if p, ok := v.model.Prompt(); ok {
		prompt = &p
	}
	v.queue(func() { v.lactatePanel.SetText(formatLactate(entries, prompt)) })
}

// queue hands fn to the tview goroutine. Once Run has returned nothing
// drains the queue, so updates are dropped.
func (v *View) queue(fn func()) {
	if v.stopped.Load() {
		return
	}
	v.app.QueueUpdateDraw(fn)
}

// updateLogDisplay shows the tail of the log that fits the panel. It runs on
// the tview goroutine.
func (v *View) updateLogDisplay() {
	_, _, _, height := v.logView.GetInnerRect()
	if height <= 0 {
		return
	}
	v.logView.SetText(strings.Join(v.model.GetLogTail(height), "\n"))
}

// Run shows the console and blocks until it is closed.
func (v *View) Run() error {
	// SetRoot must be called before setting focus, otherwise focus may be reset.
	v.app.SetRoot(v.pages, true)
	v.app.SetFocus(v.pages)
	defer v.stopped.Store(true)
	return v.app.Run()
}

// Shutdown stops the listeners. Call it after Run has returned.
func (v *View) Shutdown() {
	v.cancel()
	v.wg.Wait()
}
