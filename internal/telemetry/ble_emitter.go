package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lachart/steptest/internal/bt"
	"github.com/lachart/steptest/internal/gatt"
	"github.com/lachart/steptest/internal/go_func_utils"
	"github.com/sirupsen/logrus"
)

// DisconnectNotifier is implemented by emitters that can detect a dropped
// connection on their own.
type DisconnectNotifier interface {
	OnDisconnect(fn func(reason string))
}

// bleStream is one notifying characteristic and its decoder.
type bleStream struct {
	name        string
	serviceUUID string
	charUUID    string
	decode      func(buf []byte) (Partial, error)
}

// BLEEmitter turns GATT notifications from one peripheral into partial
// updates. Malformed payloads are logged and dropped; the connection stays up.
type BLEEmitter struct {
	manager    bt.BTManagerInterface
	deviceType DeviceType
	address    string
	logger     logrus.FieldLogger
	streams    []bleStream
	cadence    gatt.CadenceCalculator

	mu           sync.Mutex
	onUpdate     func(Partial)
	onDisconnect func(string)
	device       bt.BTDevice
	enabled      []bleStream
	unlisten     func()
	done         chan struct{}
}

var (
	_ Emitter            = (*BLEEmitter)(nil)
	_ DisconnectNotifier = (*BLEEmitter)(nil)
)

// ScanServices returns the advertised services that identify deviceType.
func ScanServices(deviceType DeviceType) []string {
	switch deviceType {
	case DeviceHeartRate:
		return []string{gatt.ServiceUUIDHeartRate}
	case DevicePower:
		return []string{gatt.ServiceUUIDCyclingPower}
	case DeviceTrainer:
		return []string{gatt.ServiceUUIDFTMS}
	case DeviceCadence:
		return []string{gatt.ServiceUUIDCyclingSpeedCadence}
	case DeviceThermometer:
		return []string{gatt.ServiceUUIDHealthThermometer}
	default:
		return nil
	}
}

func NewBLEEmitter(manager bt.BTManagerInterface, deviceType DeviceType, address string, logger logrus.FieldLogger) *BLEEmitter {
	if manager == nil {
		panic("BLEEmitter: manager cannot be nil")
	}
	if logger == nil {
		panic("BLEEmitter: logger cannot be nil")
	}
	e := &BLEEmitter{
		manager:    manager,
		deviceType: deviceType,
		address:    bt.NormalizeAddress(address),
		logger: logger.WithFields(logrus.Fields{
			"component": "BLEEmitter",
			"device":    string(deviceType),
			"address":   address,
		}),
	}
	e.streams = e.streamsFor(deviceType)
	if len(e.streams) == 0 {
		panic(fmt.Sprintf("BLEEmitter: no GATT streams for device type %q", deviceType))
	}
	return e
}

func (e *BLEEmitter) streamsFor(deviceType DeviceType) []bleStream {
	switch deviceType {
	case DeviceHeartRate:
		return []bleStream{{"heart rate", gatt.ServiceUUIDHeartRate, gatt.CharUUIDHeartRateMeasurement, decodeHeartRate}}
	case DevicePower:
		return []bleStream{{"cycling power", gatt.ServiceUUIDCyclingPower, gatt.CharUUIDCyclingPowerMeasurement, e.decodeCyclingPower}}
	case DeviceTrainer:
		return []bleStream{{"indoor bike data", gatt.ServiceUUIDFTMS, gatt.CharUUIDIndoorBikeData, decodeIndoorBike}}
	case DeviceCadence:
		return []bleStream{{"speed and cadence", gatt.ServiceUUIDCyclingSpeedCadence, gatt.CharUUIDCSCMeasurement, e.decodeCSC}}
	case DeviceThermometer:
		return []bleStream{{"temperature", gatt.ServiceUUIDHealthThermometer, gatt.CharUUIDTemperatureMeasurement, decodeTemperature}}
	default:
		return nil
	}
}

func (e *BLEEmitter) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.device != nil {
		return fmt.Sprintf("%s (%s)", e.device.GetLocalName(), e.address)
	}
	return e.address
}

func (e *BLEEmitter) OnUpdate(fn func(Partial)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onUpdate = fn
}

func (e *BLEEmitter) OnDisconnect(fn func(reason string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDisconnect = fn
}

// Connect finds the device (scanning if needed), connects and enables every
// stream the device type defines. It fails only if no stream could be
// enabled.
func (e *BLEEmitter) Connect(ctx context.Context) error {
	device := e.manager.GetBTDeviceByAddressString(e.address)
	if device == nil {
		startedScan := !e.manager.IsScanning()
		if startedScan {
			e.manager.StartScan(ScanServices(e.deviceType))
		}
		var err error
		device, err = e.manager.WaitForDevice(ctx, e.address)
		if startedScan {
			if stopErr := e.manager.StopScan(); stopErr != nil {
				e.logger.Warnf("Stop scan: %v", stopErr)
			}
		}
		if err != nil {
			return err
		}
	}

	if !device.IsConnected() {
		if err := e.manager.Connect(device); err != nil {
			return err
		}
		if err := device.WaitForConnection(ctx); err != nil {
			return err
		}
	}
	e.cadence.Reset()

	var enabled []bleStream
	var errs []error
	for _, s := range e.streams {
		if err := device.EnableNotifications(s.serviceUUID, s.charUUID, e.handler(s)); err != nil {
			e.logger.Warnf("Enable %s notifications: %v", s.name, err)
			errs = append(errs, err)
			continue
		}
		enabled = append(enabled, s)
	}
	if len(enabled) == 0 {
		return fmt.Errorf("no supported streams on %s: %w", e.address, errors.Join(errs...))
	}

	ch := make(chan []bt.BTDevice, 4)
	done := make(chan struct{})
	e.mu.Lock()
	e.device = device
	e.enabled = enabled
	e.unlisten = e.manager.ListenToConnectedDevices(ch)
	e.done = done
	e.mu.Unlock()

	go_func_utils.SafeGo(e.logger, func() { e.watchConnection(ch, done) })
	e.logger.Infof("Connected, %d stream(s) enabled", len(enabled))
	return nil
}

// watchConnection reports a disconnect when the device drops out of the
// manager's connected list after having been in it.
func (e *BLEEmitter) watchConnection(ch <-chan []bt.BTDevice, done <-chan struct{}) {
	seen := false
	for {
		select {
		case <-done:
			return
		case devices := <-ch:
			connected := false
			for _, d := range devices {
				if bt.NormalizeAddress(d.GetAddressString()) == e.address {
					connected = true
					break
				}
			}
			if connected || !seen {
				seen = seen || connected
				continue
			}
			e.mu.Lock()
			fn := e.onDisconnect
			e.mu.Unlock()
			e.logger.Warnf("Connection lost")
			if fn != nil {
				fn("connection lost")
			}
			return
		}
	}
}

func (e *BLEEmitter) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	device, enabled, unlisten, done := e.device, e.enabled, e.unlisten, e.done
	e.device, e.enabled, e.unlisten, e.done = nil, nil, nil, nil
	e.mu.Unlock()

	if unlisten != nil {
		unlisten()
	}
	if done != nil {
		close(done)
	}
	if device == nil {
		return nil
	}
	for _, s := range enabled {
		if err := device.DisableNotifications(s.serviceUUID, s.charUUID); err != nil {
			e.logger.Debugf("Disable %s notifications: %v", s.name, err)
		}
	}
	return e.manager.Disconnect(device)
}

func (e *BLEEmitter) handler(s bleStream) func([]byte) {
	return func(buf []byte) {
		partial, err := s.decode(buf)
		if err != nil {
			e.logger.Warnf("Dropping %s notification: %v (raw: % X)", s.name, err, buf)
			return
		}
		if len(partial) == 0 {
			return
		}
		e.mu.Lock()
		fn := e.onUpdate
		e.mu.Unlock()
		if fn != nil {
			fn(partial)
		}
	}
}

func decodeHeartRate(buf []byte) (Partial, error) {
	hr, err := gatt.DecodeHeartRate(buf)
	if err != nil {
		return nil, err
	}
	return Partial{MetricHeartRate: float64(hr.BPM)}, nil
}

func (e *BLEEmitter) decodeCyclingPower(buf []byte) (Partial, error) {
	cp, err := gatt.DecodeCyclingPower(buf)
	if err != nil {
		return nil, err
	}
	p := Partial{MetricPower: float64(cp.Power)}
	if cp.Crank != nil {
		if rpm, ok := e.cadence.Update(*cp.Crank); ok {
			p[MetricCadence] = rpm
		}
	}
	return p, nil
}

func (e *BLEEmitter) decodeCSC(buf []byte) (Partial, error) {
	m, err := gatt.DecodeCSC(buf)
	if err != nil {
		return nil, err
	}
	if m.Crank == nil {
		return nil, nil
	}
	if rpm, ok := e.cadence.Update(*m.Crank); ok {
		return Partial{MetricCadence: rpm}, nil
	}
	return nil, nil
}

func decodeIndoorBike(buf []byte) (Partial, error) {
	d, err := gatt.DecodeIndoorBikeData(buf)
	if err != nil {
		return nil, err
	}
	p := make(Partial)
	if d.PowerWatts != nil {
		p[MetricPower] = float64(*d.PowerWatts)
	}
	if d.CadenceRpm != nil {
		p[MetricCadence] = *d.CadenceRpm
	}
	if d.SpeedKmh != nil {
		p[MetricSpeed] = *d.SpeedKmh
	}
	if d.HeartRateBpm != nil && *d.HeartRateBpm > 0 {
		p[MetricHeartRate] = float64(*d.HeartRateBpm)
	}
	return p, nil
}

func decodeTemperature(buf []byte) (Partial, error) {
	t, err := gatt.DecodeHealthThermometer(buf)
	if err != nil {
		return nil, err
	}
	return Partial{MetricCoreTemp: t.Celsius}, nil
}
