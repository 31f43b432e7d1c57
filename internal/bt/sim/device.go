package sim

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lachart/steptest/internal/bt"
	"github.com/lachart/steptest/internal/events"
	"github.com/lachart/steptest/internal/gatt"
	"github.com/sirupsen/logrus"
)

const maxWrites = 100

// WrittenValue records a characteristic write made by the application.
type WrittenValue struct {
	Timestamp          time.Time `json:"timestamp"`
	ServiceUUID        string    `json:"serviceUuid"`
	CharacteristicUUID string    `json:"characteristicUuid"`
	DataHex            string    `json:"dataHex"`
	Description        string    `json:"description"`
}

// Values are the physiological and mechanical readings a device reports.
type Values struct {
	HeartRate float64 `json:"heartRate"`
	Power     float64 `json:"power"`
	Cadence   float64 `json:"cadence"`
	SpeedKmh  float64 `json:"speedKmh"`
	CoreTemp  float64 `json:"coreTemp"`
}

// DeviceState is the JSON view of a device on the control page.
type DeviceState struct {
	Address     string   `json:"address"`
	LocalName   string   `json:"localName"`
	Connected   bool     `json:"connected"`
	Controlled  bool     `json:"controlled"`
	ErgTarget   *int     `json:"ergTarget,omitempty"`
	ManualHR    bool     `json:"manualHeartRate"`
	Values      Values   `json:"values"`
	ServiceUUID []string `json:"services"`
}

// DeviceConfig describes one simulated peripheral.
type DeviceConfig struct {
	Address      string
	LocalName    string
	ServiceUUIDs []string
}

// Device implements bt.BTDevice. It notifies real GATT payloads for each
// service it carries and, when it is an FTMS trainer, follows the target
// power written to its control point.
type Device struct {
	logger    logrus.FieldLogger
	address   string
	localName string
	services  []string

	mu         sync.RWMutex
	state      bt.BTDeviceState
	callbacks  map[string]func([]byte)
	values     Values
	manualHR   bool
	controlled bool
	ergTarget  *int

	crankRevs      uint16
	crankEventTime uint16
	crankRemainder float64
	lastTick       time.Time

	writesMu   sync.RWMutex
	writes     []WrittenValue
	writeEvent *events.CallbackEvent[WrittenValue]
}

var _ bt.BTDevice = (*Device)(nil)

func NewDevice(logger logrus.FieldLogger, config DeviceConfig) *Device {
	if logger == nil {
		panic("sim.Device: logger cannot be nil")
	}
	return &Device{
		logger:     logger.WithFields(logrus.Fields{"component": "SimDevice", "device": config.LocalName}),
		address:    bt.NormalizeAddress(config.Address),
		localName:  config.LocalName,
		services:   append([]string(nil), config.ServiceUUIDs...),
		state:      bt.Disconnected,
		callbacks:  make(map[string]func([]byte)),
		writeEvent: events.NewCallbackEvent[WrittenValue](false),
		values: Values{
			HeartRate: 70,
			Power:     100,
			Cadence:   85,
			SpeedKmh:  28,
			CoreTemp:  37.0,
		},
	}
}

func key(serviceUuid, characteristicUuid string) string {
	return serviceUuid + "/" + characteristicUuid
}

func (d *Device) GetAddressString() string    { return d.address }
func (d *Device) GetScanRSSI() (int16, error) { return -50, nil }
func (d *Device) GetScanLastSeen() time.Time  { return time.Now() }
func (d *Device) GetLocalName() string        { return d.localName }
func (d *Device) IsRecentlyScanned() bool     { return true }

func (d *Device) IsConnected() bool {
	return d.GetState() == bt.Connected
}

func (d *Device) GetState() bt.BTDeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Device) WaitForConnection(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !d.IsConnected() {
		return bt.ErrNotConnected
	}
	return nil
}

func (d *Device) setConnected(connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if connected {
		d.state = bt.Connected
		d.lastTick = time.Time{}
		d.logger.Info("Connected")
		return
	}
	d.state = bt.Disconnected
	d.callbacks = make(map[string]func([]byte))
	d.controlled = false
	d.ergTarget = nil
	d.logger.Info("Disconnected")
}

func (d *Device) GetServiceUUIDs() []string {
	return append([]string(nil), d.services...)
}

func (d *Device) HasServiceUUID(uuid string) bool {
	for _, u := range d.services {
		if u == uuid {
			return true
		}
	}
	return false
}

func (d *Device) checkService(serviceUuid string) error {
	if !d.HasServiceUUID(serviceUuid) {
		return fmt.Errorf("service not supported by %s: %s", d.localName, serviceUuid)
	}
	if !d.IsConnected() {
		return bt.ErrNotConnected
	}
	return nil
}

func notifies(serviceUuid, characteristicUuid string) bool {
	switch key(serviceUuid, characteristicUuid) {
	case key(gatt.ServiceUUIDHeartRate, gatt.CharUUIDHeartRateMeasurement),
		key(gatt.ServiceUUIDCyclingPower, gatt.CharUUIDCyclingPowerMeasurement),
		key(gatt.ServiceUUIDCyclingSpeedCadence, gatt.CharUUIDCSCMeasurement),
		key(gatt.ServiceUUIDFTMS, gatt.CharUUIDIndoorBikeData),
		key(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint),
		key(gatt.ServiceUUIDHealthThermometer, gatt.CharUUIDTemperatureMeasurement):
		return true
	}
	return false
}

func (d *Device) EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error {
	if err := d.checkService(serviceUuid); err != nil {
		return err
	}
	if !notifies(serviceUuid, characteristicUuid) {
		return fmt.Errorf("characteristic does not notify: %s/%s", serviceUuid, characteristicUuid)
	}
	d.mu.Lock()
	d.callbacks[key(serviceUuid, characteristicUuid)] = callbackFunc
	d.mu.Unlock()
	d.logger.Debugf("Notifications enabled for %s", characteristicUuid)
	return nil
}

func (d *Device) DisableNotifications(serviceUuid string, characteristicUuid string) error {
	if !d.HasServiceUUID(serviceUuid) {
		return fmt.Errorf("service not supported by %s: %s", d.localName, serviceUuid)
	}
	d.mu.Lock()
	delete(d.callbacks, key(serviceUuid, characteristicUuid))
	d.mu.Unlock()
	return nil
}

func (d *Device) ReadCharacteristic(serviceUuid string, characteristicUuid string) ([]byte, error) {
	if err := d.checkService(serviceUuid); err != nil {
		return nil, err
	}
	switch key(serviceUuid, characteristicUuid) {
	case key(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSFeature):
		// Target setting features: power target supported.
		return []byte{0x00, 0x00, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00}, nil
	case key(gatt.ServiceUUIDFTMS, gatt.CharUUIDSupportedPowerRange):
		// 0 to 2000 W in 1 W steps.
		return []byte{0x00, 0x00, 0xD0, 0x07, 0x01, 0x00}, nil
	default:
		return nil, fmt.Errorf("characteristic not readable: %s/%s", serviceUuid, characteristicUuid)
	}
}

func (d *Device) WriteCharacteristic(serviceUuid string, characteristicUuid string, data []byte) error {
	if err := d.checkService(serviceUuid); err != nil {
		return err
	}
	if key(serviceUuid, characteristicUuid) != key(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint) {
		return fmt.Errorf("characteristic not writable: %s/%s", serviceUuid, characteristicUuid)
	}
	if len(data) == 0 {
		return fmt.Errorf("empty control point write")
	}

	result, description := d.handleControlPoint(data)
	d.recordWrite(serviceUuid, characteristicUuid, data, description)

	d.mu.RLock()
	indicate := d.callbacks[key(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint)]
	d.mu.RUnlock()
	if indicate != nil {
		indicate(gatt.EncodeControlPointResponse(data[0], result))
	}
	return nil
}

// handleControlPoint applies a control point write and returns the result
// code the trainer indicates back.
func (d *Device) handleControlPoint(data []byte) (byte, string) {
	op := data[0]
	d.mu.Lock()
	defer d.mu.Unlock()

	switch op {
	case gatt.OpRequestControl:
		d.controlled = true
		return gatt.ResultSuccess, "Request Control"
	case gatt.OpReset:
		d.controlled = false
		d.ergTarget = nil
		return gatt.ResultSuccess, "Reset"
	case gatt.OpStartOrResume:
		if !d.controlled {
			return gatt.ResultControlNotPermitted, "Start/Resume (not permitted)"
		}
		return gatt.ResultSuccess, "Start/Resume"
	case gatt.OpStopOrPause:
		if !d.controlled {
			return gatt.ResultControlNotPermitted, "Stop/Pause (not permitted)"
		}
		d.ergTarget = nil
		return gatt.ResultSuccess, "Stop/Pause"
	case gatt.OpSetTargetPower:
		watts, err := gatt.DecodeTargetPower(data)
		if err != nil {
			return gatt.ResultInvalidParameter, "Set Target Power (malformed)"
		}
		if !d.controlled {
			return gatt.ResultControlNotPermitted, fmt.Sprintf("Set Target Power %d W (not permitted)", watts)
		}
		d.ergTarget = &watts
		return gatt.ResultSuccess, fmt.Sprintf("Set Target Power %d W", watts)
	default:
		return gatt.ResultOpCodeNotSupported, fmt.Sprintf("Unknown op code 0x%02X", op)
	}
}

func (d *Device) recordWrite(serviceUuid, characteristicUuid string, data []byte, description string) {
	d.logger.Infof("Control point write: %s", description)
	w := WrittenValue{
		Timestamp:          time.Now(),
		ServiceUUID:        serviceUuid,
		CharacteristicUUID: characteristicUuid,
		DataHex:            hex.EncodeToString(data),
		Description:        description,
	}
	d.writesMu.Lock()
	d.writes = append(d.writes, w)
	if len(d.writes) > maxWrites {
		d.writes = d.writes[len(d.writes)-maxWrites:]
	}
	d.writesMu.Unlock()
	d.writeEvent.Notify(w)
}

// ListenToWrites calls fn for every control point write from now on.
func (d *Device) ListenToWrites(fn func(WrittenValue)) func() {
	return d.writeEvent.Listen(fn)
}

// Writes returns the recorded control point writes, oldest first.
func (d *Device) Writes() []WrittenValue {
	d.writesMu.RLock()
	defer d.writesMu.RUnlock()
	return append([]WrittenValue(nil), d.writes...)
}

// ErgTarget returns the target power the trainer is holding, if any.
func (d *Device) ErgTarget() (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.ergTarget == nil {
		return 0, false
	}
	return *d.ergTarget, true
}

func (d *Device) Values() Values {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.values
}

// SetValues overrides readings. A set heart rate stops the heart rate from
// following the power.
func (d *Device) SetValues(fn func(v *Values) (manualHR bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fn(&d.values) {
		d.manualHR = true
	}
}

func (d *Device) State() DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := DeviceState{
		Address:     d.address,
		LocalName:   d.localName,
		Connected:   d.state == bt.Connected,
		Controlled:  d.controlled,
		ManualHR:    d.manualHR,
		Values:      d.values,
		ServiceUUID: append([]string(nil), d.services...),
	}
	if d.ergTarget != nil {
		t := *d.ergTarget
		s.ErgTarget = &t
	}
	return s
}

// Tick advances the rider model to now and sends one notification per
// enabled characteristic.
func (d *Device) Tick(now time.Time) {
	d.mu.Lock()
	elapsed := 1.0
	if !d.lastTick.IsZero() {
		elapsed = now.Sub(d.lastTick).Seconds()
	}
	d.lastTick = now
	if elapsed > 0 {
		d.advanceLocked(elapsed)
	}
	v := d.values
	revs, eventTime := d.crankRevs, d.crankEventTime
	callbacks := make(map[string]func([]byte), len(d.callbacks))
	for k, cb := range d.callbacks {
		callbacks[k] = cb
	}
	d.mu.Unlock()

	watts := int(math.Round(v.Power))
	send := func(serviceUuid, characteristicUuid string, payload []byte) {
		if cb := callbacks[key(serviceUuid, characteristicUuid)]; cb != nil {
			cb(payload)
		}
	}
	send(gatt.ServiceUUIDHeartRate, gatt.CharUUIDHeartRateMeasurement, encodeHeartRate(int(math.Round(v.HeartRate))))
	send(gatt.ServiceUUIDCyclingPower, gatt.CharUUIDCyclingPowerMeasurement, encodeCyclingPower(watts, revs, eventTime))
	send(gatt.ServiceUUIDCyclingSpeedCadence, gatt.CharUUIDCSCMeasurement, encodeCSC(revs, eventTime))
	send(gatt.ServiceUUIDFTMS, gatt.CharUUIDIndoorBikeData, encodeIndoorBikeData(v.SpeedKmh, v.Cadence, watts))
	send(gatt.ServiceUUIDHealthThermometer, gatt.CharUUIDTemperatureMeasurement, encodeTemperature(v.CoreTemp))
}

const (
	ergRampWattsPerSecond = 100.0
	restingHR             = 60.0
	hrPerWatt             = 0.45
	hrResponse            = 0.08 // per second
	coreTempPerWatt       = 0.004
	coreTempResponse      = 0.01 // per second
)

// advanceLocked moves power toward the ERG target, heart rate and core
// temperature toward their steady state for that power, and the crank
// counters by the revolutions turned.
func (d *Device) advanceLocked(elapsed float64) {
	if d.ergTarget != nil {
		target := float64(*d.ergTarget)
		step := ergRampWattsPerSecond * elapsed
		switch {
		case d.values.Power < target-step:
			d.values.Power += step
		case d.values.Power > target+step:
			d.values.Power -= step
		default:
			d.values.Power = target
		}
	}
	if !d.manualHR {
		target := restingHR + hrPerWatt*d.values.Power
		d.values.HeartRate += (target - d.values.HeartRate) * math.Min(1, hrResponse*elapsed)
	}
	tempTarget := 37.0 + coreTempPerWatt*d.values.Power
	d.values.CoreTemp += (tempTarget - d.values.CoreTemp) * math.Min(1, coreTempResponse*elapsed)

	if d.values.Cadence > 0 {
		revs := d.values.Cadence/60*elapsed + d.crankRemainder
		whole := math.Floor(revs)
		d.crankRemainder = revs - whole
		if whole > 0 {
			// Event time is the moment of the last full revolution, 1/1024 s.
			d.crankRevs += uint16(whole)
			d.crankEventTime += uint16(math.Round(whole * 60 / d.values.Cadence * 1024))
		}
	}
}
