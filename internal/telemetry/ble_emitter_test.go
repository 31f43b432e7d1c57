package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/lachart/steptest/internal/bt/sim"
	"github.com/lachart/steptest/internal/scheduler"
	"github.com/lachart/steptest/internal/telemetry"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type simRig struct {
	manager *sim.Manager
	hub     *telemetry.Hub
	now     time.Time
}

func newSimRig(t *testing.T, devices map[telemetry.DeviceType]string) *simRig {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	m := sim.NewManager(logger, 0)
	t.Cleanup(m.Shutdown)
	hub := telemetry.NewHub(scheduler.NewFakeClock(time.Unix(0, 0)), logger)
	for _, dt := range []telemetry.DeviceType{
		telemetry.DeviceHeartRate, telemetry.DeviceTrainer, telemetry.DevicePower,
		telemetry.DeviceCadence, telemetry.DeviceThermometer,
	} {
		if addr, ok := devices[dt]; ok {
			hub.RegisterAdapter(dt, telemetry.NewBLEEmitter(m, dt, addr, logger))
		}
	}
	return &simRig{manager: m, hub: hub, now: time.Unix(1000, 0)}
}

func (r *simRig) tick() {
	r.manager.Tick(r.now)
	r.now = r.now.Add(time.Second)
}

func metric(t *testing.T, s telemetry.Snapshot, m telemetry.Metric) float64 {
	t.Helper()
	v, ok := s.Get(m)
	require.True(t, ok, "%s not reported", m)
	return v
}

func TestBLEEmitter_StreamsIntoHub(t *testing.T) {
	rig := newSimRig(t, map[telemetry.DeviceType]string{
		telemetry.DeviceHeartRate:   sim.AddressHeartRate,
		telemetry.DeviceTrainer:     sim.AddressTrainer,
		telemetry.DeviceThermometer: sim.AddressThermometer,
	})
	require.NoError(t, rig.hub.ConnectAll(context.Background()))
	for _, s := range rig.hub.Devices() {
		assert.Equal(t, telemetry.StateConnected, s.State, "%s", s.Type)
	}
	assert.False(t, rig.manager.IsScanning(), "scan started for lookup is stopped again")

	rig.manager.Device(sim.AddressTrainer).SetValues(func(v *sim.Values) bool {
		v.Power = 240
		v.Cadence = 92
		return false
	})
	rig.manager.Device(sim.AddressHeartRate).SetValues(func(v *sim.Values) bool {
		v.HeartRate = 151
		return true
	})
	rig.tick()

	snap := rig.hub.Snapshot()
	assert.Equal(t, 240.0, metric(t, snap, telemetry.MetricPower))
	assert.Equal(t, 92.0, metric(t, snap, telemetry.MetricCadence))
	assert.Equal(t, 151.0, metric(t, snap, telemetry.MetricHeartRate))
	assert.InDelta(t, 37.0, metric(t, snap, telemetry.MetricCoreTemp), 0.5)
	assert.Greater(t, metric(t, snap, telemetry.MetricSpeed), 0.0)
}

func TestBLEEmitter_CadenceFromCrankRevolutions(t *testing.T) {
	rig := newSimRig(t, map[telemetry.DeviceType]string{
		telemetry.DeviceCadence: sim.AddressCadence,
	})
	require.NoError(t, rig.hub.ConnectAll(context.Background()))

	rig.tick()
	_, ok := rig.hub.Snapshot().Get(telemetry.MetricCadence)
	assert.False(t, ok, "one crank reading is not enough")

	rig.tick()
	assert.InDelta(t, 85.0, metric(t, rig.hub.Snapshot(), telemetry.MetricCadence), 1.0)
}

func TestBLEEmitter_PowerMeterOnTrainer(t *testing.T) {
	rig := newSimRig(t, map[telemetry.DeviceType]string{
		telemetry.DevicePower: sim.AddressTrainer,
	})
	require.NoError(t, rig.hub.ConnectAll(context.Background()))
	rig.tick()
	assert.Equal(t, 100.0, metric(t, rig.hub.Snapshot(), telemetry.MetricPower))
}

func TestBLEEmitter_UnsupportedDeviceFails(t *testing.T) {
	rig := newSimRig(t, map[telemetry.DeviceType]string{
		telemetry.DeviceThermometer: sim.AddressHeartRate,
	})
	err := rig.hub.ConnectAll(context.Background())
	assert.ErrorIs(t, err, telemetry.ErrConnection)
	status := rig.hub.Devices()[0]
	assert.Equal(t, telemetry.StateDisconnected, status.State)
	assert.NotEmpty(t, status.LastError)
}

func TestBLEEmitter_UnknownDeviceTimesOut(t *testing.T) {
	rig := newSimRig(t, map[telemetry.DeviceType]string{
		telemetry.DeviceHeartRate: "AA:BB:CC:DD:EE:FF",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := rig.hub.ConnectAll(ctx)
	assert.ErrorIs(t, err, telemetry.ErrConnection)
	assert.False(t, rig.manager.IsScanning())
}

func TestBLEEmitter_ReportsConnectionLoss(t *testing.T) {
	rig := newSimRig(t, map[telemetry.DeviceType]string{
		telemetry.DeviceHeartRate: sim.AddressHeartRate,
	})
	require.NoError(t, rig.hub.ConnectAll(context.Background()))

	require.NoError(t, rig.manager.SimulateDisconnect(sim.AddressHeartRate))
	require.Eventually(t, func() bool {
		return rig.hub.Devices()[0].State == telemetry.StateDisconnected
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "connection lost", rig.hub.Devices()[0].LastError)

	require.NoError(t, rig.hub.Connect(context.Background(), telemetry.DeviceHeartRate))
	assert.Equal(t, telemetry.StateConnected, rig.hub.Devices()[0].State)
}

func TestBLEEmitter_DisconnectStopsUpdates(t *testing.T) {
	rig := newSimRig(t, map[telemetry.DeviceType]string{
		telemetry.DeviceHeartRate: sim.AddressHeartRate,
	})
	require.NoError(t, rig.hub.ConnectAll(context.Background()))
	rig.tick()
	before := rig.hub.Snapshot()

	require.NoError(t, rig.hub.DisconnectAll(context.Background()))
	assert.False(t, rig.manager.Device(sim.AddressHeartRate).IsConnected())
	rig.manager.Device(sim.AddressHeartRate).SetValues(func(v *sim.Values) bool {
		v.HeartRate = 190
		return true
	})
	rig.tick()
	assert.Equal(t, before, rig.hub.Snapshot())
}
