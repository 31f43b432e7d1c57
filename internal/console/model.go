package console

import (
	"context"
	"strings"
	"sync"

	"github.com/lachart/steptest/internal/engine"
	"github.com/lachart/steptest/internal/events"
	"github.com/lachart/steptest/internal/go_func_utils"
	"github.com/lachart/steptest/internal/lactate"
	"github.com/lachart/steptest/internal/protocol"
	"github.com/lachart/steptest/internal/telemetry"
	"github.com/lachart/steptest/internal/trainerctl"
	"github.com/sirupsen/logrus"
)

const maxLogLines = 1000

// EngineSource is the part of the engine the console observes.
type EngineSource interface {
	ListenToState(ch chan<- engine.State) func()
	ListenToLactatePrompt(ch chan<- engine.LactatePrompt) func()
	LactateEntries() []lactate.Entry
	Protocol() protocol.Protocol
}

// TelemetrySource is the part of the hub the console observes.
type TelemetrySource interface {
	ListenToSnapshots(ch chan<- telemetry.Snapshot) func()
	ListenToDevices(ch chan<- []telemetry.DeviceStatus) func()
}

var (
	_ EngineSource    = (*engine.Engine)(nil)
	_ TelemetrySource = (*telemetry.Hub)(nil)
)

// Model holds everything the console shows. It follows the engine and the
// hub on its own goroutines and republishes each change to the view.
type Model struct {
	engine  EngineSource
	trainer trainerctl.Controller
	logger  logrus.FieldLogger

	mu       sync.RWMutex
	state    engine.State
	snapshot telemetry.Snapshot
	devices  []telemetry.DeviceStatus
	entries  []lactate.Entry
	prompt   *engine.LactatePrompt
	message  string
	logLines []string

	// refreshMu orders concurrent RefreshLactate calls.
	refreshMu sync.Mutex

	stateEvent    *events.ChannelEvent[engine.State]
	snapshotEvent *events.ChannelEvent[telemetry.Snapshot]
	devicesEvent  *events.ChannelEvent[[]telemetry.DeviceStatus]
	lactateEvent  *events.ChannelEvent[[]lactate.Entry]
	promptEvent   *events.ChannelEvent[engine.LactatePrompt]
	messageEvent  *events.ChannelEvent[string]
	logEvent      *events.ChannelEvent[string]
	closeEvent    *events.ChannelEvent[struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewModel(eng EngineSource, hub TelemetrySource, trainer trainerctl.Controller, logger logrus.FieldLogger) *Model {
	if eng == nil {
		panic("Model: engine cannot be nil")
	}
	if hub == nil {
		panic("Model: hub cannot be nil")
	}
	if trainer == nil {
		panic("Model: trainer cannot be nil")
	}
	if logger == nil {
		panic("Model: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Model{
		engine:        eng,
		trainer:       trainer,
		logger:        logger.WithField("component", "ConsoleModel"),
		logLines:      make([]string, 0, maxLogLines),
		stateEvent:    events.NewChannelEvent[engine.State](true),
		snapshotEvent: events.NewChannelEvent[telemetry.Snapshot](true),
		devicesEvent:  events.NewChannelEvent[[]telemetry.DeviceStatus](true),
		lactateEvent:  events.NewChannelEvent[[]lactate.Entry](true),
		promptEvent:   events.NewChannelEvent[engine.LactatePrompt](false),
		messageEvent:  events.NewChannelEvent[string](true),
		logEvent:      events.NewChannelEvent[string](false),
		closeEvent:    events.NewChannelEvent[struct{}](false),
		ctx:           ctx,
		cancel:        cancel,
	}

	stateCh := make(chan engine.State, 64)
	promptCh := make(chan engine.LactatePrompt, 16)
	snapshotCh := make(chan telemetry.Snapshot, 64)
	devicesCh := make(chan []telemetry.DeviceStatus, 16)
	unlisten := []func(){
		eng.ListenToState(stateCh),
		eng.ListenToLactatePrompt(promptCh),
		hub.ListenToSnapshots(snapshotCh),
		hub.ListenToDevices(devicesCh),
	}
	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		defer func() {
			for _, fn := range unlisten {
				fn()
			}
		}()
		m.follow(stateCh, promptCh, snapshotCh, devicesCh)
	})
	return m
}

func (m *Model) follow(stateCh <-chan engine.State, promptCh <-chan engine.LactatePrompt, snapshotCh <-chan telemetry.Snapshot, devicesCh <-chan []telemetry.DeviceStatus) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case s := <-stateCh:
			m.setState(s)
		case p := <-promptCh:
			m.setPrompt(p)
		case s := <-snapshotCh:
			m.mu.Lock()
			m.snapshot = s
			m.mu.Unlock()
			m.snapshotEvent.Notify(s)
		case d := <-devicesCh:
			m.mu.Lock()
			m.devices = d
			m.mu.Unlock()
			m.devicesEvent.Notify(d)
		}
	}
}

func (m *Model) setState(s engine.State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	if s.Mode == engine.ModeIdle || s.Mode == engine.ModeCompleted || s.Phase == engine.PhaseWork {
		m.prompt = nil
	}
	m.mu.Unlock()
	m.stateEvent.Notify(s)
	if prev.Mode != s.Mode {
		m.RefreshLactate()
	}
}

func (m *Model) setPrompt(p engine.LactatePrompt) {
	m.mu.Lock()
	m.prompt = &p
	m.mu.Unlock()
	m.promptEvent.Notify(p)
}

// Shutdown stops following the engine and the hub.
func (m *Model) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

func (m *Model) State() engine.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Model) Snapshot() telemetry.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

func (m *Model) Devices() []telemetry.DeviceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]telemetry.DeviceStatus(nil), m.devices...)
}

// LastStep is the index of the protocol's last step.
func (m *Model) LastStep() int {
	return m.engine.Protocol().LastIndex()
}

func (m *Model) TrainerStatus() trainerctl.Status {
	return m.trainer.Status()
}

// Prompt returns the open lactate prompt, if the current recovery has one.
func (m *Model) Prompt() (engine.LactatePrompt, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.prompt == nil {
		return engine.LactatePrompt{}, false
	}
	return *m.prompt, true
}

func (m *Model) LactateEntries() []lactate.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]lactate.Entry(nil), m.entries...)
}

// RefreshLactate reloads the lactate entries from the engine.
func (m *Model) RefreshLactate() {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	entries := m.engine.LactateEntries()
	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()
	m.lactateEvent.Notify(entries)
}

func (m *Model) Message() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.message
}

// SetMessage sets the status line text.
func (m *Model) SetMessage(msg string) {
	m.mu.Lock()
	m.message = msg
	m.mu.Unlock()
	m.messageEvent.Notify(msg)
}

// AppendLog adds a line to the console log, keeping the newest maxLogLines.
func (m *Model) AppendLog(line string) {
	line = strings.TrimRight(line, "\n")
	m.mu.Lock()
	m.logLines = append(m.logLines, line)
	if len(m.logLines) > maxLogLines {
		m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
	}
	m.mu.Unlock()
	m.logEvent.Notify(line)
}

// GetLogTail returns the last n log lines, oldest first.
func (m *Model) GetLogTail(n int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	start := len(m.logLines) - n
	if start < 0 {
		start = 0
	}
	return append([]string(nil), m.logLines[start:]...)
}

func (m *Model) RequestCloseApplication() {
	m.closeEvent.Notify(struct{}{})
}

func (m *Model) ListenToState(ch chan<- engine.State) func() { return m.stateEvent.Listen(ch) }
func (m *Model) ListenToSnapshot(ch chan<- telemetry.Snapshot) func() {
	return m.snapshotEvent.Listen(ch)
}
func (m *Model) ListenToDevices(ch chan<- []telemetry.DeviceStatus) func() {
	return m.devicesEvent.Listen(ch)
}
func (m *Model) ListenToLactate(ch chan<- []lactate.Entry) func() { return m.lactateEvent.Listen(ch) }
func (m *Model) ListenToPrompt(ch chan<- engine.LactatePrompt) func() {
	return m.promptEvent.Listen(ch)
}
func (m *Model) ListenToMessage(ch chan<- string) func() { return m.messageEvent.Listen(ch) }
func (m *Model) ListenToLog(ch chan<- string) func()     { return m.logEvent.Listen(ch) }
func (m *Model) ListenToCloseApplication(ch chan<- struct{}) func() {
	return m.closeEvent.Listen(ch)
}

// LogHook mirrors log entries into the console's log panel. The terminal
// belongs to the console, so this is the only place log lines are visible
// besides the log file.
type LogHook struct {
	model     *Model
	formatter logrus.Formatter
	levels    []logrus.Level
}

func NewLogHook(model *Model, level logrus.Level) *LogHook {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= level {
			levels = append(levels, l)
		}
	}
	return &LogHook{
		model:     model,
		formatter: &logrus.TextFormatter{DisableColors: true, DisableQuote: true, TimestampFormat: "15:04:05", FullTimestamp: true},
		levels:    levels,
	}
}

func (h *LogHook) Levels() []logrus.Level { return h.levels }

func (h *LogHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	h.model.AppendLog(string(line))
	return nil
}
