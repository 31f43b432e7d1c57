package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/lachart/steptest/internal/bt/sim"
	"github.com/lachart/steptest/internal/session"
	"github.com/lachart/steptest/internal/telemetry"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *session.Store {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	store, err := session.Open(filepath.Join(t.TempDir(), "steptest.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRememberedAddressesKeepConfigured(t *testing.T) {
	store := openStore(t)
	logger, _ := logtest.NewNullLogger()
	ctx := context.Background()
	require.NoError(t, store.SetPreferredDevice(ctx, session.DevicePreference{
		DeviceType: telemetry.DeviceHeartRate, Address: "AA:AA:AA:AA:AA:01", Name: "Strap",
	}))
	require.NoError(t, store.SetPreferredDevice(ctx, session.DevicePreference{
		DeviceType: telemetry.DeviceTrainer, Address: "AA:AA:AA:AA:AA:02", Name: "Kickr",
	}))

	addresses := map[telemetry.DeviceType]string{telemetry.DeviceTrainer: "BB:BB:BB:BB:BB:02"}
	rememberedAddresses(store, addresses, logger)

	assert.Equal(t, "AA:AA:AA:AA:AA:01", addresses[telemetry.DeviceHeartRate])
	assert.Equal(t, "BB:BB:BB:BB:BB:02", addresses[telemetry.DeviceTrainer])
}

func TestSimAddressesUseTrainerAsPowerMeter(t *testing.T) {
	addresses := simAddresses()
	assert.Equal(t, sim.AddressTrainer, addresses[telemetry.DevicePower])
	assert.Equal(t, sim.AddressHeartRate, addresses[telemetry.DeviceHeartRate])
	assert.Len(t, addresses, 5)
}

func TestListSessionsEmpty(t *testing.T) {
	store := openStore(t)
	var buf bytes.Buffer
	require.NoError(t, listSessions(&buf, store))
	assert.Contains(t, buf.String(), "STARTED")
}

func TestPrintReportUnknownSession(t *testing.T) {
	store := openStore(t)
	var buf bytes.Buffer
	assert.ErrorIs(t, printReport(&buf, store, "missing"), session.ErrNotFound)
}

func TestMainErrHelp(t *testing.T) {
	assert.NoError(t, mainErr([]string{"--help"}))
}
