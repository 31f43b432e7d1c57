package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/lachart/steptest/internal/bt"
	"github.com/lachart/steptest/internal/events"
	"github.com/lachart/steptest/internal/gatt"
	"github.com/lachart/steptest/internal/go_func_utils"
	"github.com/sirupsen/logrus"
)

// Addresses of the default simulated devices.
const (
	AddressHeartRate   = "00:11:22:33:44:01"
	AddressTrainer     = "00:11:22:33:44:02"
	AddressCadence     = "00:11:22:33:44:03"
	AddressThermometer = "00:11:22:33:44:04"
)

const notifyInterval = time.Second

// DefaultDevices is a heart rate strap, an FTMS trainer that also carries
// the cycling power service, a cadence sensor and a core thermometer.
func DefaultDevices() []DeviceConfig {
	return []DeviceConfig{
		{Address: AddressHeartRate, LocalName: "Sim HR Strap", ServiceUUIDs: []string{gatt.ServiceUUIDHeartRate}},
		{Address: AddressTrainer, LocalName: "Sim Smart Trainer", ServiceUUIDs: []string{gatt.ServiceUUIDFTMS, gatt.ServiceUUIDCyclingPower}},
		{Address: AddressCadence, LocalName: "Sim Cadence Sensor", ServiceUUIDs: []string{gatt.ServiceUUIDCyclingSpeedCadence}},
		{Address: AddressThermometer, LocalName: "Sim Core Sensor", ServiceUUIDs: []string{gatt.ServiceUUIDHealthThermometer}},
	}
}

// Manager implements bt.BTManagerInterface over simulated devices. Connected
// devices notify once per second. With a non-zero port, Enable starts a
// control page for changing readings and inspecting control point writes.
type Manager struct {
	logger  logrus.FieldLogger
	port    int
	devices []*Device

	mu       sync.RWMutex
	scanning bool
	server   *http.Server

	scanDeviceListEvent   *events.ChannelEvent[[]bt.BTDevice]
	connectedDevicesEvent *events.ChannelEvent[[]bt.BTDevice]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ bt.BTManagerInterface = (*Manager)(nil)

// NewManager creates a manager for configs, or DefaultDevices when none are
// given. Port 0 disables the control page.
func NewManager(logger logrus.FieldLogger, port int, configs ...DeviceConfig) *Manager {
	if logger == nil {
		panic("sim.Manager: logger cannot be nil")
	}
	if len(configs) == 0 {
		configs = DefaultDevices()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:                logger.WithField("component", "SimBTManager"),
		port:                  port,
		scanDeviceListEvent:   events.NewChannelEvent[[]bt.BTDevice](true),
		connectedDevicesEvent: events.NewChannelEvent[[]bt.BTDevice](true),
		ctx:                   ctx,
		cancel:                cancel,
	}
	for _, c := range configs {
		m.devices = append(m.devices, NewDevice(logger, c))
	}
	return m
}

// Enable starts the notification loop and, if configured, the control page.
func (m *Manager) Enable() error {
	if m.port > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", m.port))
		if err != nil {
			return fmt.Errorf("sim control page: %w", err)
		}
		srv := &http.Server{Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		m.mu.Lock()
		m.server = srv
		m.mu.Unlock()
		go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				m.logger.Errorf("Control page stopped: %v", err)
			}
		})
		m.logger.Infof("Control page at http://%s", ln.Addr())
	}

	go_func_utils.SafeGoWG(m.logger, &m.wg, m.notifyLoop)
	m.connectedDevicesEvent.Notify([]bt.BTDevice{})
	return nil
}

func (m *Manager) notifyLoop() {
	ticker := time.NewTicker(notifyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.Tick(now)
		}
	}
}

// Tick advances every connected device and sends its notifications.
func (m *Manager) Tick(now time.Time) {
	for _, d := range m.devices {
		if d.IsConnected() {
			d.Tick(now)
		}
	}
}

// Device returns the simulated device with the given address, or nil.
func (m *Manager) Device(address string) *Device {
	address = bt.NormalizeAddress(address)
	for _, d := range m.devices {
		if d.address == address {
			return d
		}
	}
	return nil
}

func (m *Manager) Devices() []*Device {
	return append([]*Device(nil), m.devices...)
}

// GetBTDeviceByAddressString returns a device only once a scan has been
// started, like the real manager which only knows scanned devices.
func (m *Manager) GetBTDeviceByAddressString(addressString string) bt.BTDevice {
	d := m.Device(addressString)
	if d == nil {
		return nil
	}
	if !d.IsConnected() && !m.IsScanning() {
		return nil
	}
	return d
}

func (m *Manager) WaitForDevice(ctx context.Context, addressString string) (bt.BTDevice, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
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

func (m *Manager) StartScan(serviceUuidFilter []string) {
	m.mu.Lock()
	m.scanning = true
	m.mu.Unlock()

	var found []bt.BTDevice
	for _, d := range m.devices {
		if matchesFilter(d, serviceUuidFilter) {
			found = append(found, d)
			m.logger.Debugf("Found device: %s (%s)", d.localName, d.address)
		}
	}
	m.scanDeviceListEvent.Notify(found)
}

func matchesFilter(d *Device, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, uuid := range filter {
		if d.HasServiceUUID(uuid) {
			return true
		}
	}
	return false
}

func (m *Manager) StopScan() error {
	m.mu.Lock()
	m.scanning = false
	m.mu.Unlock()
	return nil
}

func (m *Manager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

func (m *Manager) Connect(device bt.BTDevice) error {
	d := m.Device(device.GetAddressString())
	if d == nil {
		return fmt.Errorf("unknown device: %s", device.GetAddressString())
	}
	d.setConnected(true)
	m.connectedDevicesEvent.Notify(m.GetConnectedDevices())
	return nil
}

func (m *Manager) Disconnect(device bt.BTDevice) error {
	d := m.Device(device.GetAddressString())
	if d == nil {
		return fmt.Errorf("unknown device: %s", device.GetAddressString())
	}
	d.setConnected(false)
	m.connectedDevicesEvent.Notify(m.GetConnectedDevices())
	return nil
}

// SimulateDisconnect drops the connection as if the device went out of
// range.
func (m *Manager) SimulateDisconnect(address string) error {
	d := m.Device(address)
	if d == nil {
		return fmt.Errorf("unknown device: %s", address)
	}
	m.logger.Warnf("Simulating connection loss for %s", d.address)
	return m.Disconnect(d)
}

func (m *Manager) GetConnectedDevices() []bt.BTDevice {
	result := make([]bt.BTDevice, 0)
	for _, d := range m.devices {
		if d.IsConnected() {
			result = append(result, d)
		}
	}
	return result
}

func (m *Manager) GetScanDevices() []bt.BTDevice {
	if !m.IsScanning() {
		return []bt.BTDevice{}
	}
	result := make([]bt.BTDevice, 0, len(m.devices))
	for _, d := range m.devices {
		result = append(result, d)
	}
	return result
}

func (m *Manager) ListenToDeviceList(ch chan<- []bt.BTDevice) func() {
	return m.scanDeviceListEvent.Listen(ch)
}

func (m *Manager) ListenToConnectedDevices(ch chan<- []bt.BTDevice) func() {
	return m.connectedDevicesEvent.Listen(ch)
}

func (m *Manager) Shutdown() {
	m.logger.Infof("Shutting down")
	for _, d := range m.GetConnectedDevices() {
		if err := m.Disconnect(d); err != nil {
			m.logger.Warnf("Error disconnecting from %v: %v", d.GetAddressString(), err)
		}
	}
	m.mu.Lock()
	srv := m.server
	m.server = nil
	m.mu.Unlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			m.logger.Warnf("Control page shutdown: %v", err)
		}
		cancel()
	}
	m.cancel()
	m.wg.Wait()
	m.scanDeviceListEvent.Close()
	m.connectedDevicesEvent.Close()
}

// Handler serves the control page and its JSON API.
func (m *Manager) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handleIndex)
	mux.HandleFunc("/api/state", m.handleGetState)
	mux.HandleFunc("/api/set", m.handleSetValues)
	mux.HandleFunc("/api/writes", m.handleGetWrites)
	mux.HandleFunc("/api/trigger-notification", m.handleTriggerNotification)
	mux.HandleFunc("/api/disconnect", m.handleDisconnect)
	return mux
}

func (m *Manager) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(indexHTML))
}

func (m *Manager) handleGetState(w http.ResponseWriter, r *http.Request) {
	states := make([]DeviceState, 0, len(m.devices))
	for _, d := range m.devices {
		states = append(states, d.State())
	}
	writeJSON(w, states)
}

// deviceFor resolves the address query parameter.
func (m *Manager) deviceFor(w http.ResponseWriter, r *http.Request) (*Device, bool) {
	address := r.URL.Query().Get("address")
	if address == "" {
		http.Error(w, "address is required", http.StatusBadRequest)
		return nil, false
	}
	d := m.Device(address)
	if d == nil {
		http.Error(w, "unknown device", http.StatusNotFound)
		return nil, false
	}
	return d, true
}

func (m *Manager) handleSetValues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	d, ok := m.deviceFor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	parsed := make(map[string]float64)
	for _, name := range []string{"heartRate", "power", "cadence", "speedKmh", "coreTemp"} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			http.Error(w, fmt.Sprintf("invalid %s: %q", name, raw), http.StatusBadRequest)
			return
		}
		parsed[name] = v
	}
	d.SetValues(func(v *Values) bool {
		for name, value := range parsed {
			switch name {
			case "heartRate":
				v.HeartRate = value
			case "power":
				v.Power = value
			case "cadence":
				v.Cadence = value
			case "speedKmh":
				v.SpeedKmh = value
			case "coreTemp":
				v.CoreTemp = value
			}
		}
		_, manual := parsed["heartRate"]
		return manual
	})
	m.logger.Infof("Values set on %s: %v", d.address, parsed)
	writeJSON(w, d.State())
}

func (m *Manager) handleGetWrites(w http.ResponseWriter, r *http.Request) {
	d, ok := m.deviceFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, d.Writes())
}

func (m *Manager) handleTriggerNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	d, ok := m.deviceFor(w, r)
	if !ok {
		return
	}
	if !d.IsConnected() {
		http.Error(w, "device not connected", http.StatusConflict)
		return
	}
	d.Tick(time.Now())
	w.WriteHeader(http.StatusOK)
}

func (m *Manager) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	d, ok := m.deviceFor(w, r)
	if !ok {
		return
	}
	if err := m.SimulateDisconnect(d.address); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<title>Step test device simulator</title>
<style>
body { font-family: monospace; margin: 2em; }
table { border-collapse: collapse; }
td, th { border: 1px solid #999; padding: 4px 8px; }
</style>
</head>
<body>
<h1>Simulated devices</h1>
<table id="devices"><tr><td>loading</td></tr></table>
<h2>Set values</h2>
<form id="set">
<select name="address" id="address"></select>
HR <input name="heartRate" size="4">
Power <input name="power" size="4">
Cadence <input name="cadence" size="4">
Speed <input name="speedKmh" size="4">
Core <input name="coreTemp" size="4">
<button type="submit">Set</button>
<button type="button" id="drop">Drop connection</button>
</form>
<h2>Control point writes (trainer)</h2>
<pre id="writes"></pre>
<script>
const trainer = "` + AddressTrainer + `";
async function refresh() {
  const devices = await (await fetch('/api/state')).json();
  const rows = devices.map(d => '<tr><td>' + d.localName + '</td><td>' + d.address +
    '</td><td>' + (d.connected ? 'connected' : '-') + '</td><td>' + (d.controlled ? 'controlled' : '') +
    '</td><td>' + (d.ergTarget != null ? d.ergTarget + ' W' : '') +
    '</td><td>HR ' + d.values.heartRate.toFixed(0) + ' P ' + d.values.power.toFixed(0) +
    ' C ' + d.values.cadence.toFixed(0) + ' T ' + d.values.coreTemp.toFixed(2) + '</td></tr>');
  document.getElementById('devices').innerHTML = rows.join('');
  const sel = document.getElementById('address');
  if (sel.options.length === 0) {
    devices.forEach(d => sel.add(new Option(d.localName, d.address)));
  }
  const writes = await (await fetch('/api/writes?address=' + trainer)).json();
  document.getElementById('writes').textContent = (writes || []).map(w => w.timestamp + ' ' + w.description).join('\n');
}
document.getElementById('set').onsubmit = async (e) => {
  e.preventDefault();
  const params = new URLSearchParams();
  new FormData(e.target).forEach((v, k) => { if (v !== '') params.append(k, v); });
  await fetch('/api/set?' + params.toString(), {method: 'POST'});
  refresh();
};
document.getElementById('drop').onclick = async () => {
  await fetch('/api/disconnect?address=' + document.getElementById('address').value, {method: 'POST'});
  refresh();
};
refresh();
setInterval(refresh, 1000);
</script>
</body>
</html>`
