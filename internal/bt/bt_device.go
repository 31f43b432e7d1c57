package bt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lachart/steptest/internal/safe_map"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

type BTDeviceState int

const (
	Disconnected BTDeviceState = iota
	Connecting
	Connected
)

func (s BTDeviceState) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	default:
		return "Unknown"
	}
}

// ErrNotConnected is returned by characteristic operations on a device that
// has no live connection.
var ErrNotConnected = errors.New("device not connected")

// BTDevice is a scanned or connected peripheral. Characteristic operations
// are serialized per device.
type BTDevice interface {
	GetAddressString() string
	GetScanRSSI() (int16, error)
	GetScanLastSeen() time.Time
	GetLocalName() string
	IsConnected() bool
	GetState() BTDeviceState
	IsRecentlyScanned() bool
	WaitForConnection(ctx context.Context) error
	EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error
	DisableNotifications(serviceUuid string, characteristicUuid string) error
	ReadCharacteristic(serviceUuid string, characteristicUuid string) ([]byte, error)
	WriteCharacteristic(serviceUuid string, characteristicUuid string, data []byte) error
	GetServiceUUIDs() []string
	HasServiceUUID(uuid string) bool
}

type btDeviceImpl struct {
	address     bluetooth.Address
	scanTimeout time.Duration
	logger      logrus.FieldLogger

	mu              sync.RWMutex
	scanLastSeen    time.Time
	scanResult      *bluetooth.ScanResult
	connectedDevice *bluetooth.Device
	state           BTDeviceState
	serviceUuidStrs []string

	// bleMu serializes discovery, notification and write calls; some stacks
	// misbehave when they overlap.
	bleMu                  sync.Mutex
	allServicesDiscovered  bool
	serviceByUuid          *safe_map.SafeMap[string, *bluetooth.DeviceService]
	characteristicByUuid   *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
	serviceCharsDiscovered *safe_map.SafeMap[string, bool]
}

func newBtDeviceImpl(logger logrus.FieldLogger, address bluetooth.Address, scanTimeout time.Duration) *btDeviceImpl {
	if logger == nil {
		panic("BTDevice: logger cannot be nil")
	}
	if scanTimeout <= 0 {
		panic("BTDevice: scanTimeout must be > 0")
	}
	return &btDeviceImpl{
		logger:                 logger.WithFields(logrus.Fields{"component": "BTDevice", "address": address.String()}),
		address:                address,
		scanTimeout:            scanTimeout,
		scanLastSeen:           time.Unix(0, 0),
		state:                  Disconnected,
		serviceByUuid:          safe_map.NewSafeMap[string, *bluetooth.DeviceService](),
		characteristicByUuid:   safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
		serviceCharsDiscovered: safe_map.NewSafeMap[string, bool](),
	}
}

func (b *btDeviceImpl) GetAddressString() string {
	return b.address.String()
}

func (b *btDeviceImpl) GetServiceUUIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.serviceUuidStrs...)
}

func (b *btDeviceImpl) HasServiceUUID(uuid string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, u := range b.serviceUuidStrs {
		if u == uuid {
			return true
		}
	}
	return false
}

func (b *btDeviceImpl) setServiceUUIDs(uuids []bluetooth.UUID) {
	strs := make([]string, 0, len(uuids))
	for _, u := range uuids {
		strs = append(strs, u.String())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.serviceUuidStrs = strs
}

// WaitForConnection polls until the connect handler has reported the device
// connected, or ctx is done.
func (b *btDeviceImpl) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if b.IsConnected() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("waiting for connection to %s: %w", b.GetAddressString(), ctx.Err())
		}
	}
}

func (b *btDeviceImpl) EnableNotifications(serviceUuid, characteristicUuid string, callbackFunc func(buf []byte)) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	b.logger.Debugf("Enabling notifications for service=%s char=%s", serviceUuid, characteristicUuid)
	characteristic, err := b.characteristic(serviceUuid, characteristicUuid)
	if err != nil {
		return err
	}
	if err := characteristic.EnableNotifications(callbackFunc); err != nil {
		return fmt.Errorf("failed to enable notifications on %s: %w", characteristicUuid, err)
	}
	b.logger.Infof("Notifications enabled for %s", characteristicUuid)
	return nil
}

func (b *btDeviceImpl) DisableNotifications(serviceUuid, characteristicUuid string) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.characteristic(serviceUuid, characteristicUuid)
	if err != nil {
		return err
	}
	// A nil callback disables notifications.
	if err := characteristic.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications on %s: %w", characteristicUuid, err)
	}
	b.logger.Infof("Notifications disabled for %s", characteristicUuid)
	return nil
}

func (b *btDeviceImpl) ReadCharacteristic(serviceUuid, characteristicUuid string) ([]byte, error) {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.characteristic(serviceUuid, characteristicUuid)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := characteristic.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", characteristicUuid, err)
	}
	return buf[:n], nil
}

func (b *btDeviceImpl) WriteCharacteristic(serviceUuid, characteristicUuid string, data []byte) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.characteristic(serviceUuid, characteristicUuid)
	if err != nil {
		return err
	}
	if _, err := characteristic.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", characteristicUuid, err)
	}
	return nil
}

func (b *btDeviceImpl) GetScanRSSI() (int16, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.scanResult == nil {
		return 0, errors.New("no rssi available")
	}
	return b.scanResult.RSSI, nil
}

func (b *btDeviceImpl) GetState() BTDeviceState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *btDeviceImpl) GetLocalName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.scanResult != nil {
		if name := b.scanResult.LocalName(); name != "" {
			return name
		}
	}
	return "Unknown"
}

func (b *btDeviceImpl) GetScanLastSeen() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanLastSeen
}

func (b *btDeviceImpl) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice != nil
}

func (b *btDeviceImpl) IsRecentlyScanned() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanResult != nil && time.Since(b.scanLastSeen) <= b.scanTimeout
}

func (b *btDeviceImpl) setScanResult(scanResult *bluetooth.ScanResult, seen time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scanResult = scanResult
	b.scanLastSeen = seen
}

// setConnected records a connect or disconnect from the adapter's handler.
// A disconnect drops the discovery caches: handles are per connection.
func (b *btDeviceImpl) setConnected(device *bluetooth.Device) {
	b.mu.Lock()
	b.connectedDevice = device
	if device != nil {
		b.state = Connected
	} else {
		b.state = Disconnected
	}
	b.mu.Unlock()

	if device == nil {
		b.bleMu.Lock()
		b.allServicesDiscovered = false
		b.serviceByUuid.Clear()
		b.characteristicByUuid.Clear()
		b.serviceCharsDiscovered.Clear()
		b.bleMu.Unlock()
	}
}

func (b *btDeviceImpl) setConnecting() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Disconnected {
		b.state = Connecting
	}
}

func (b *btDeviceImpl) getConnectedDevice() *bluetooth.Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice
}

// characteristic resolves a characteristic by UUID strings. Must be called
// with bleMu held.
func (b *btDeviceImpl) characteristic(serviceUuidStr, charUuidStr string) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	charUuid, err := bluetooth.ParseUUID(charUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", charUuidStr, err)
	}
	return b.getDeviceCharacteristic(serviceUuid, charUuid)
}

func (b *btDeviceImpl) getDeviceService(serviceUuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	connected := b.getConnectedDevice()
	if connected == nil {
		return nil, ErrNotConnected
	}

	key := serviceUuid.String()
	if service, ok := b.serviceByUuid.Load(key); ok {
		return service, nil
	}

	// Discover everything once: discovering single services again later
	// interrupts ones already in use.
	if !b.allServicesDiscovered {
		b.logger.Debugf("Discovering all services")
		services, err := connected.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}
		for i := range services {
			svc := &services[i]
			b.serviceByUuid.Store(svc.UUID().String(), svc)
		}
		b.allServicesDiscovered = true
	}

	service, ok := b.serviceByUuid.Load(key)
	if !ok {
		return nil, fmt.Errorf("service %v not found on device", key)
	}
	return service, nil
}

func (b *btDeviceImpl) getDeviceCharacteristic(serviceUuid, charUuid bluetooth.UUID) (*bluetooth.DeviceCharacteristic, error) {
	serviceKey := serviceUuid.String()
	key := serviceKey + "_" + charUuid.String()

	if characteristic, ok := b.characteristicByUuid.Load(key); ok {
		return characteristic, nil
	}

	if discovered, _ := b.serviceCharsDiscovered.Load(serviceKey); !discovered {
		service, err := b.getDeviceService(serviceUuid)
		if err != nil {
			return nil, err
		}
		b.logger.Debugf("Discovering characteristics for service %s", serviceKey)
		chars, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceKey, err)
		}
		for i := range chars {
			c := &chars[i]
			b.characteristicByUuid.Store(serviceKey+"_"+c.UUID().String(), c)
		}
		b.serviceCharsDiscovered.Store(serviceKey, true)
	}

	characteristic, ok := b.characteristicByUuid.Load(key)
	if !ok {
		return nil, fmt.Errorf("characteristic %v not found in service %v", charUuid.String(), serviceKey)
	}
	return characteristic, nil
}
