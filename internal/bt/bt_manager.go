package bt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lachart/steptest/internal/events"
	"github.com/lachart/steptest/internal/go_func_utils"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// BTManagerInterface is implemented by the real adapter manager and by the
// simulator in bt/sim.
type BTManagerInterface interface {
	Enable() error
	GetBTDeviceByAddressString(addressString string) BTDevice
	WaitForDevice(ctx context.Context, addressString string) (BTDevice, error)
	StartScan(serviceUuidFilter []string)
	StopScan() error
	IsScanning() bool
	Connect(device BTDevice) error
	Disconnect(device BTDevice) error
	GetConnectedDevices() []BTDevice
	GetScanDevices() []BTDevice
	ListenToDeviceList(ch chan<- []BTDevice) func()
	ListenToConnectedDevices(ch chan<- []BTDevice) func()
	Shutdown()
}

var _ BTManagerInterface = (*BTManager)(nil)

const DefaultScanTimeout = 10 * time.Second

// NormalizeAddress makes configured addresses comparable with scanned ones.
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

type BTManager struct {
	adapter     *bluetooth.Adapter
	scanTimeout time.Duration
	logger      logrus.FieldLogger

	mu                sync.RWMutex
	devicesByAddress  map[string]*btDeviceImpl
	scanning          bool
	scanContextCancel context.CancelFunc

	scanDeviceListEvent   *events.ChannelEvent[[]BTDevice]
	connectedDevicesEvent *events.ChannelEvent[[]BTDevice]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBTManager(adapter *bluetooth.Adapter, logger logrus.FieldLogger, scanTimeout time.Duration) *BTManager {
	if adapter == nil {
		panic("BTManager: adapter cannot be nil")
	}
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	if scanTimeout <= 0 {
		scanTimeout = DefaultScanTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BTManager{
		adapter:               adapter,
		devicesByAddress:      make(map[string]*btDeviceImpl),
		scanTimeout:           scanTimeout,
		scanDeviceListEvent:   events.NewChannelEvent[[]BTDevice](true),
		connectedDevicesEvent: events.NewChannelEvent[[]BTDevice](true),
		ctx:                   ctx,
		cancel:                cancel,
		logger:                logger.WithField("component", "BTManager"),
	}
}

// GetBTDeviceByAddressString returns the device with the given address, or nil.
func (m *BTManager) GetBTDeviceByAddressString(addressString string) BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.devicesByAddress[NormalizeAddress(addressString)]; ok {
		return d
	}
	return nil
}

// WaitForDevice blocks until a scan has seen addressString, or ctx is done.
// The caller is responsible for scanning.
func (m *BTManager) WaitForDevice(ctx context.Context, addressString string) (BTDevice, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if d := m.GetBTDeviceByAddressString(addressString); d != nil {
			return d, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("device %s not found: %w", addressString, ctx.Err())
		}
	}
}

func (m *BTManager) getBTDeviceImpl(address bluetooth.Address) (*btDeviceImpl, bool) {
	key := NormalizeAddress(address.String())
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devicesByAddress[key]
	if !ok {
		d = newBtDeviceImpl(m.logger, address, m.scanTimeout)
		m.devicesByAddress[key] = d
	}
	return d, !ok
}

func (m *BTManager) Enable() error {
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		d, _ := m.getBTDeviceImpl(device.Address)
		if connected {
			m.logger.Infof("Device connected: %s", device.Address.String())
			d.setConnected(&device)
		} else {
			m.logger.Infof("Device disconnected: %s", device.Address.String())
			d.setConnected(nil)
		}
		m.emitConnectedDevicesChange()
	})
	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	return nil
}

// StartScan scans until StopScan, keeping devices that advertise one of
// serviceUuidFilter (all devices when nil). The scanned list is published
// once per second.
func (m *BTManager) StartScan(serviceUuidFilter []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filterSet := make(map[string]struct{}, len(serviceUuidFilter))
	for _, f := range serviceUuidFilter {
		filterSet[f] = struct{}{}
	}
	m.logger.Infof("Starting scan, filter: %v", serviceUuidFilter)

	if m.scanning && m.scanContextCancel != nil {
		m.logger.Infof("Restarting running scan")
		m.scanContextCancel()
	}
	m.scanning = true
	scanCtx, cancel := context.WithCancel(m.ctx)
	m.scanContextCancel = cancel

	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		m.cleanupStaleDevices(scanCtx)
	})

	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		defer m.logger.Debugf("Exiting scan handling loop")
		err := m.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if scanCtx.Err() != nil {
				return
			}
			if len(filterSet) > 0 && !advertisesAny(result, filterSet) {
				return
			}
			d, isNew := m.getBTDeviceImpl(result.Address)
			d.setScanResult(&result, time.Now())
			if isNew {
				d.setServiceUUIDs(result.ServiceUUIDs())
				m.logger.Infof("Found device: %s (%s) [RSSI: %d]", d.GetLocalName(), result.Address.String(), result.RSSI)
			}
		})
		if err != nil {
			m.logger.Warnf("Scan error: %v", err)
		}
	})

	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-scanCtx.Done():
				return
			case <-ticker.C:
				m.scanDeviceListEvent.Notify(m.GetScanDevices())
			}
		}
	})
}

func advertisesAny(result bluetooth.ScanResult, filterSet map[string]struct{}) bool {
	for _, uuid := range result.ServiceUUIDs() {
		if _, ok := filterSet[uuid.String()]; ok {
			return true
		}
	}
	return false
}

// cleanupStaleDevices forgets devices that stopped advertising. Connected
// devices stop advertising, so they are kept.
func (m *BTManager) cleanupStaleDevices(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var removed []string
			m.mu.Lock()
			for addr, d := range m.devicesByAddress {
				if !d.IsConnected() && time.Since(d.GetScanLastSeen()) > m.scanTimeout {
					delete(m.devicesByAddress, addr)
					removed = append(removed, addr)
				}
			}
			m.mu.Unlock()
			for _, addr := range removed {
				m.logger.Debugf("Device timeout: %s (not seen for %v)", addr, m.scanTimeout)
			}
		}
	}
}

func (m *BTManager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.scanning {
		return nil
	}
	m.scanning = false
	if m.scanContextCancel != nil {
		m.scanContextCancel()
		m.scanContextCancel = nil
	}
	if err := m.adapter.StopScan(); err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	return nil
}

func (m *BTManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

// Connect initiates a connection. Completion is reported through the
// adapter's connect handler; use BTDevice.WaitForConnection.
func (m *BTManager) Connect(device BTDevice) error {
	d, err := m.lookup(device)
	if err != nil {
		return err
	}
	m.logger.Infof("Connecting to %s", d.GetAddressString())
	d.setConnecting()
	if _, err := m.adapter.Connect(d.address, bluetooth.ConnectionParams{}); err != nil {
		d.setConnected(nil)
		return fmt.Errorf("connect %s: %w", d.GetAddressString(), err)
	}
	return nil
}

func (m *BTManager) Disconnect(device BTDevice) error {
	d, err := m.lookup(device)
	if err != nil {
		return err
	}
	inner := d.getConnectedDevice()
	if inner == nil {
		return nil
	}
	m.logger.Infof("Disconnecting from %s", d.GetAddressString())
	if err := inner.Disconnect(); err != nil {
		return fmt.Errorf("disconnect %s: %w", d.GetAddressString(), err)
	}
	return nil
}

func (m *BTManager) lookup(device BTDevice) (*btDeviceImpl, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devicesByAddress[NormalizeAddress(device.GetAddressString())]
	if !ok {
		return nil, fmt.Errorf("unknown device %s", device.GetAddressString())
	}
	return d, nil
}

// Shutdown disconnects every device, stops scanning and waits for the
// manager's goroutines.
func (m *BTManager) Shutdown() {
	m.logger.Infof("Shutting down")
	for _, d := range m.GetConnectedDevices() {
		if err := m.Disconnect(d); err != nil {
			m.logger.Warnf("Error disconnecting from %v: %v", d.GetAddressString(), err)
		}
	}
	if err := m.StopScan(); err != nil {
		m.logger.Warnf("Error stopping scan: %v", err)
	}
	m.cancel()
	m.wg.Wait()
	m.scanDeviceListEvent.Close()
	m.connectedDevicesEvent.Close()
	m.logger.Infof("Shutdown complete")
}

func (m *BTManager) GetConnectedDevices() []BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]BTDevice, 0)
	for _, d := range m.devicesByAddress {
		if d.IsConnected() {
			result = append(result, d)
		}
	}
	return result
}

func (m *BTManager) GetScanDevices() []BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]BTDevice, 0)
	for _, d := range m.devicesByAddress {
		if d.IsRecentlyScanned() {
			result = append(result, d)
		}
	}
	return result
}

// ListenToDeviceList registers ch for the scanned device list, published at
// most once per second. The returned func removes the listener.
func (m *BTManager) ListenToDeviceList(ch chan<- []BTDevice) func() {
	return m.scanDeviceListEvent.Listen(ch)
}

// ListenToConnectedDevices registers ch for connected device list changes.
func (m *BTManager) ListenToConnectedDevices(ch chan<- []BTDevice) func() {
	return m.connectedDevicesEvent.Listen(ch)
}

func (m *BTManager) emitConnectedDevicesChange() {
	m.connectedDevicesEvent.Notify(m.GetConnectedDevices())
}
