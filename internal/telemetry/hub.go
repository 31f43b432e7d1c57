package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lachart/steptest/internal/events"
	"github.com/lachart/steptest/internal/scheduler"
	"github.com/sirupsen/logrus"
)

// DefaultHRSmoothing is the weight of a new heart-rate reading in the
// recovery display smoothing.
const DefaultHRSmoothing = 0.3

// ConnState is the connection state of a registered device.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// DeviceStatus describes one registered emitter.
type DeviceStatus struct {
	Type       DeviceType
	Name       string
	State      ConnState
	LastUpdate time.Time
	LastError  string
}

type deviceEntry struct {
	emitter Emitter
	status  DeviceStatus
	last    Partial
}

// Hub owns the canonical live snapshot. Emitters never touch it directly:
// every write goes through ApplyUpdate.
type Hub struct {
	clock  scheduler.Clock
	logger logrus.FieldLogger

	mu          sync.Mutex
	raw         Snapshot
	recovery    bool
	smoothing   float64
	smoothedHR  *float64
	devices     map[DeviceType]*deviceEntry
	deviceOrder []DeviceType

	snapshotEvent *events.ChannelEvent[Snapshot]
	statusEvent   *events.ChannelEvent[[]DeviceStatus]
}

func NewHub(clock scheduler.Clock, logger logrus.FieldLogger) *Hub {
	if clock == nil {
		panic("Hub: clock cannot be nil")
	}
	if logger == nil {
		panic("Hub: logger cannot be nil")
	}
	return &Hub{
		clock:         clock,
		logger:        logger.WithField("component", "TelemetryHub"),
		smoothing:     DefaultHRSmoothing,
		devices:       make(map[DeviceType]*deviceEntry),
		snapshotEvent: events.NewChannelEvent[Snapshot](true),
		statusEvent:   events.NewChannelEvent[[]DeviceStatus](true),
	}
}

// SetHRSmoothing sets the display smoothing weight, in (0, 1].
func (h *Hub) SetHRSmoothing(alpha float64) {
	if alpha <= 0 || alpha > 1 {
		panic(fmt.Sprintf("Hub: smoothing must be in (0, 1], got %v", alpha))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.smoothing = alpha
}

// RegisterAdapter subscribes the hub to e's updates under deviceType,
// replacing any emitter registered for that role.
func (h *Hub) RegisterAdapter(deviceType DeviceType, e Emitter) {
	if e == nil {
		panic("Hub: emitter cannot be nil")
	}
	h.mu.Lock()
	if _, ok := h.devices[deviceType]; !ok {
		h.deviceOrder = append(h.deviceOrder, deviceType)
	}
	h.devices[deviceType] = &deviceEntry{
		emitter: e,
		status:  DeviceStatus{Type: deviceType, Name: e.Name(), State: StateDisconnected},
		last:    make(Partial),
	}
	h.mu.Unlock()

	e.OnUpdate(func(p Partial) {
		h.ApplyUpdate(deviceType, p)
	})
	if dn, ok := e.(DisconnectNotifier); ok {
		dn.OnDisconnect(func(reason string) {
			h.MarkDisconnected(deviceType, reason)
		})
	}
	h.logger.Infof("Registered %s emitter %q", deviceType, e.Name())
	h.emitStatus()
}

// ApplyUpdate merges p into the snapshot field by field. Non-finite and
// unknown fields are dropped.
func (h *Hub) ApplyUpdate(deviceType DeviceType, p Partial) {
	if len(p) == 0 {
		return
	}
	h.mu.Lock()
	now := h.clock.Now()
	entry := h.devices[deviceType]
	for m, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			h.logger.Warnf("Dropping non-finite %s from %s", m, deviceType)
			continue
		}
		if err := h.raw.Set(m, v); err != nil {
			h.logger.Warnf("Dropping update from %s: %v", deviceType, err)
			continue
		}
		if entry != nil {
			entry.last[m] = v
		}
		if m == MetricHeartRate {
			h.smoothHeartRate(v)
		}
	}
	h.raw.Timestamp = now
	if entry != nil {
		entry.status.LastUpdate = now
	}
	display := h.displayLocked()
	h.mu.Unlock()

	h.snapshotEvent.Notify(display)
}

// smoothHeartRate must be called with h.mu held.
func (h *Hub) smoothHeartRate(v float64) {
	if !h.recovery || h.smoothedHR == nil {
		h.smoothedHR = &v
		return
	}
	s := *h.smoothedHR + h.smoothing*(v-*h.smoothedHR)
	h.smoothedHR = &s
}

// SetRecovery turns the recovery override on or off. The engine calls it on
// every phase transition.
func (h *Hub) SetRecovery(active bool) {
	h.mu.Lock()
	if h.recovery == active {
		h.mu.Unlock()
		return
	}
	h.recovery = active
	if v, ok := h.raw.Get(MetricHeartRate); ok {
		h.smoothedHR = &v
	} else {
		h.smoothedHR = nil
	}
	display := h.displayLocked()
	h.mu.Unlock()

	h.snapshotEvent.Notify(display)
}

// Recovery reports whether the recovery override is active.
func (h *Hub) Recovery() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recovery
}

// Snapshot returns the canonical snapshot: raw values, with power, cadence
// and speed forced to 0 during recovery.
func (h *Hub) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Hub) snapshotLocked() Snapshot {
	s := h.raw.Clone()
	if h.recovery {
		for _, m := range []Metric{MetricPower, MetricCadence, MetricSpeed} {
			_ = s.Set(m, 0)
		}
	}
	return s
}

// DisplaySnapshot is Snapshot with the recovery heart-rate smoothing applied.
// It is meant for the console only.
func (h *Hub) DisplaySnapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.displayLocked()
}

func (h *Hub) displayLocked() Snapshot {
	s := h.snapshotLocked()
	if h.recovery && h.smoothedHR != nil {
		_ = s.Set(MetricHeartRate, math.Round(*h.smoothedHR))
	}
	return s
}

// SmoothedSource is the hub with DisplaySnapshot as its Snapshot. The engine
// samples through it when the smoothed recovery heart rate is to be
// recorded.
type SmoothedSource struct {
	*Hub
}

func (s SmoothedSource) Snapshot() Snapshot {
	return s.DisplaySnapshot()
}

// LastUpdate returns the latest values received from deviceType.
func (h *Hub) LastUpdate(deviceType DeviceType) Partial {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.devices[deviceType]
	if !ok {
		return nil
	}
	out := make(Partial, len(entry.last))
	for k, v := range entry.last {
		out[k] = v
	}
	return out
}

// ConnectAll connects every registered emitter. Failures mark the device
// disconnected and are returned joined; the other devices still connect.
func (h *Hub) ConnectAll(ctx context.Context) error {
	var errs []error
	for _, dt := range h.deviceTypes() {
		if err := h.Connect(ctx, dt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Connect connects the emitter registered for deviceType.
func (h *Hub) Connect(ctx context.Context, deviceType DeviceType) error {
	e, ok := h.emitter(deviceType)
	if !ok {
		return fmt.Errorf("%w: no %s device registered", ErrConnection, deviceType)
	}
	h.setState(deviceType, StateConnecting, "")
	h.logger.Infof("Connecting %s (%s)", deviceType, e.Name())
	if err := e.Connect(ctx); err != nil {
		h.setState(deviceType, StateDisconnected, err.Error())
		h.logger.Warnf("Connect %s (%s) failed: %v", deviceType, e.Name(), err)
		return fmt.Errorf("%w: %s (%s): %v", ErrConnection, deviceType, e.Name(), err)
	}
	h.setState(deviceType, StateConnected, "")
	return nil
}

// DisconnectAll disconnects every registered emitter.
func (h *Hub) DisconnectAll(ctx context.Context) error {
	var errs []error
	for _, dt := range h.deviceTypes() {
		e, _ := h.emitter(dt)
		if err := e.Disconnect(ctx); err != nil {
			h.logger.Warnf("Disconnect %s (%s) failed: %v", dt, e.Name(), err)
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrConnection, dt, err))
		}
		h.setState(dt, StateDisconnected, "")
	}
	return errors.Join(errs...)
}

// MarkDisconnected records a dropped connection reported by a transport.
func (h *Hub) MarkDisconnected(deviceType DeviceType, reason string) {
	h.setState(deviceType, StateDisconnected, reason)
}

// Devices returns the status of every registered device in registration
// order.
func (h *Hub) Devices() []DeviceStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.devicesLocked()
}

func (h *Hub) devicesLocked() []DeviceStatus {
	out := make([]DeviceStatus, 0, len(h.deviceOrder))
	for _, dt := range h.deviceOrder {
		out = append(out, h.devices[dt].status)
	}
	return out
}

// ListenToSnapshots delivers the display snapshot after every change.
func (h *Hub) ListenToSnapshots(ch chan<- Snapshot) func() {
	return h.snapshotEvent.Listen(ch)
}

// ListenToDevices delivers the device list after every status change.
func (h *Hub) ListenToDevices(ch chan<- []DeviceStatus) func() {
	return h.statusEvent.Listen(ch)
}

func (h *Hub) emitter(dt DeviceType) (Emitter, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.devices[dt]
	if !ok {
		return nil, false
	}
	return entry.emitter, true
}

func (h *Hub) deviceTypes() []DeviceType {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]DeviceType(nil), h.deviceOrder...)
}

func (h *Hub) setState(dt DeviceType, state ConnState, lastErr string) {
	h.mu.Lock()
	entry, ok := h.devices[dt]
	if ok {
		entry.status.State = state
		if lastErr != "" || state == StateConnected {
			entry.status.LastError = lastErr
		}
	}
	h.mu.Unlock()
	if ok {
		h.emitStatus()
	}
}

func (h *Hub) emitStatus() {
	h.mu.Lock()
	list := h.devicesLocked()
	h.mu.Unlock()
	h.statusEvent.Notify(list)
}
