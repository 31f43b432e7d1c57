package sim

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lachart/steptest/internal/bt"
	"github.com/lachart/steptest/internal/gatt"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadsDecode(t *testing.T) {
	hr, err := gatt.DecodeHeartRate(encodeHeartRate(152))
	require.NoError(t, err)
	assert.Equal(t, uint16(152), hr.BPM)

	hr, err = gatt.DecodeHeartRate(encodeHeartRate(300))
	require.NoError(t, err)
	assert.Equal(t, uint16(300), hr.BPM)

	cp, err := gatt.DecodeCyclingPower(encodeCyclingPower(245, 10, 1024))
	require.NoError(t, err)
	assert.Equal(t, int16(245), cp.Power)
	assert.Equal(t, &gatt.CrankRevolutions{Cumulative: 10, LastEventTime: 1024}, cp.Crank)

	csc, err := gatt.DecodeCSC(encodeCSC(7, 2048))
	require.NoError(t, err)
	require.NotNil(t, csc.Crank)
	assert.Nil(t, csc.Wheel)
	assert.Equal(t, uint16(7), csc.Crank.Cumulative)

	bike, err := gatt.DecodeIndoorBikeData(encodeIndoorBikeData(31.5, 90, 210))
	require.NoError(t, err)
	require.NotNil(t, bike.SpeedKmh)
	require.NotNil(t, bike.CadenceRpm)
	require.NotNil(t, bike.PowerWatts)
	assert.InDelta(t, 31.5, *bike.SpeedKmh, 0.01)
	assert.InDelta(t, 90, *bike.CadenceRpm, 0.5)
	assert.Equal(t, int16(210), *bike.PowerWatts)

	temp, err := gatt.DecodeHealthThermometer(encodeTemperature(37.25))
	require.NoError(t, err)
	assert.InDelta(t, 37.25, temp.Celsius, 0.001)
}

func newConnectedTrainer(t *testing.T) (*Manager, *Device) {
	logger, _ := logtest.NewNullLogger()
	m := NewManager(logger, 0)
	t.Cleanup(m.Shutdown)
	d := m.Device(AddressTrainer)
	require.NotNil(t, d)
	require.NoError(t, m.Connect(d))
	return m, d
}

func TestControlPoint(t *testing.T) {
	_, d := newConnectedTrainer(t)

	var responses []gatt.ControlPointResponse
	require.NoError(t, d.EnableNotifications(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint, func(buf []byte) {
		r, err := gatt.DecodeControlPointResponse(buf)
		require.NoError(t, err)
		responses = append(responses, r)
	}))

	require.NoError(t, d.WriteCharacteristic(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint, gatt.EncodeSetTargetPower(150)))
	_, held := d.ErgTarget()
	assert.False(t, held)

	require.NoError(t, d.WriteCharacteristic(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint, gatt.EncodeRequestControl()))
	require.NoError(t, d.WriteCharacteristic(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint, gatt.EncodeSetTargetPower(150)))
	target, held := d.ErgTarget()
	assert.True(t, held)
	assert.Equal(t, 150, target)

	require.NoError(t, d.WriteCharacteristic(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint, gatt.EncodeReset()))
	_, held = d.ErgTarget()
	assert.False(t, held)

	require.Len(t, responses, 4)
	assert.Equal(t, gatt.ResultControlNotPermitted, responses[0].ResultCode)
	assert.True(t, responses[1].Success())
	assert.Equal(t, gatt.OpSetTargetPower, responses[2].RequestOpCode)
	assert.True(t, responses[2].Success())
	assert.True(t, responses[3].Success())

	writes := d.Writes()
	require.Len(t, writes, 4)
	assert.Equal(t, "Set Target Power 150 W", writes[2].Description)
}

func TestWritesAreCapped(t *testing.T) {
	_, d := newConnectedTrainer(t)
	for i := 0; i < maxWrites+20; i++ {
		require.NoError(t, d.WriteCharacteristic(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint, gatt.EncodeRequestControl()))
	}
	assert.Len(t, d.Writes(), maxWrites)
}

func TestListenToWrites(t *testing.T) {
	_, d := newConnectedTrainer(t)
	var seen []string
	unlisten := d.ListenToWrites(func(w WrittenValue) { seen = append(seen, w.Description) })

	require.NoError(t, d.WriteCharacteristic(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint, gatt.EncodeRequestControl()))
	unlisten()
	require.NoError(t, d.WriteCharacteristic(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint, gatt.EncodeRequestControl()))

	require.Len(t, seen, 1)
	assert.Equal(t, "Request Control", seen[0])
}

func TestDisconnectedDeviceRejectsOperations(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	m := NewManager(logger, 0)
	defer m.Shutdown()
	d := m.Device(AddressHeartRate)

	err := d.EnableNotifications(gatt.ServiceUUIDHeartRate, gatt.CharUUIDHeartRateMeasurement, func([]byte) {})
	assert.ErrorIs(t, err, bt.ErrNotConnected)

	require.NoError(t, m.Connect(d))
	err = d.EnableNotifications(gatt.ServiceUUIDFTMS, gatt.CharUUIDIndoorBikeData, func([]byte) {})
	assert.Error(t, err, "strap has no FTMS service")
}

func TestTickFollowsErgTarget(t *testing.T) {
	_, d := newConnectedTrainer(t)
	require.NoError(t, d.WriteCharacteristic(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint, gatt.EncodeRequestControl()))
	require.NoError(t, d.WriteCharacteristic(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint, gatt.EncodeSetTargetPower(350)))

	var powers []int16
	require.NoError(t, d.EnableNotifications(gatt.ServiceUUIDFTMS, gatt.CharUUIDIndoorBikeData, func(buf []byte) {
		bike, err := gatt.DecodeIndoorBikeData(buf)
		require.NoError(t, err)
		powers = append(powers, *bike.PowerWatts)
	}))

	start := time.Unix(1000, 0)
	for i := 0; i < 4; i++ {
		d.Tick(start.Add(time.Duration(i) * time.Second))
	}
	assert.Equal(t, []int16{200, 300, 350, 350}, powers)
}

func TestManualHeartRateIsHeld(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	m := NewManager(logger, 0)
	defer m.Shutdown()
	d := m.Device(AddressHeartRate)
	require.NoError(t, m.Connect(d))

	var bpm []uint16
	require.NoError(t, d.EnableNotifications(gatt.ServiceUUIDHeartRate, gatt.CharUUIDHeartRateMeasurement, func(buf []byte) {
		hr, err := gatt.DecodeHeartRate(buf)
		require.NoError(t, err)
		bpm = append(bpm, hr.BPM)
	}))
	d.SetValues(func(v *Values) bool {
		v.HeartRate = 165
		return true
	})
	m.Tick(time.Unix(1000, 0))
	m.Tick(time.Unix(1001, 0))
	assert.Equal(t, []uint16{165, 165}, bpm)
}

func TestScanAndWaitForDevice(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	m := NewManager(logger, 0)
	defer m.Shutdown()

	assert.Nil(t, m.GetBTDeviceByAddressString(AddressCadence), "unknown before a scan")

	ch := make(chan []bt.BTDevice, 1)
	defer m.ListenToDeviceList(ch)()
	m.StartScan([]string{gatt.ServiceUUIDHealthThermometer})
	found := <-ch
	require.Len(t, found, 1)
	assert.Equal(t, AddressThermometer, found[0].GetAddressString())

	d, err := m.WaitForDevice(t.Context(), "00:11:22:33:44:03")
	require.NoError(t, err)
	assert.Equal(t, AddressCadence, d.GetAddressString())
}

func TestSimulateDisconnectNotifiesListeners(t *testing.T) {
	m, d := newConnectedTrainer(t)
	ch := make(chan []bt.BTDevice, 4)
	defer m.ListenToConnectedDevices(ch)()
	<-ch // replayed connected list

	require.NoError(t, m.SimulateDisconnect(AddressTrainer))
	assert.Empty(t, <-ch)
	assert.False(t, d.IsConnected())
	_, held := d.ErgTarget()
	assert.False(t, held)
}

func TestHandlers(t *testing.T) {
	m, d := newConnectedTrainer(t)
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/set?address="+AddressTrainer+"&power=222&cadence=95", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 222.0, d.Values().Power)
	assert.Equal(t, 95.0, d.Values().Cadence)

	resp, err = http.Post(srv.URL+"/api/set?address="+AddressTrainer+"&power=abc", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/set?address=" + AddressTrainer)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/set?address=AA:BB", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/state")
	require.NoError(t, err)
	var states []DeviceState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&states))
	resp.Body.Close()
	require.Len(t, states, 4)
	assert.True(t, states[1].Connected)
	assert.False(t, states[0].Connected)

	require.NoError(t, d.WriteCharacteristic(gatt.ServiceUUIDFTMS, gatt.CharUUIDFTMSControlPoint, gatt.EncodeRequestControl()))
	resp, err = http.Get(srv.URL + "/api/writes?address=" + AddressTrainer)
	require.NoError(t, err)
	var writes []WrittenValue
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&writes))
	resp.Body.Close()
	require.Len(t, writes, 1)
	assert.Equal(t, "00", writes[0].DataHex)

	resp, err = http.Post(srv.URL+"/api/trigger-notification?address="+AddressHeartRate, "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/disconnect?address="+AddressTrainer, "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, d.IsConnected())
}
