package trainerctl_test

import (
	"context"
	"testing"

	"github.com/lachart/steptest/internal/bt/sim"
	"github.com/lachart/steptest/internal/trainerctl"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSimTrainer(t *testing.T) (*sim.Manager, *trainerctl.FTMS) {
	logger, _ := logtest.NewNullLogger()
	m := sim.NewManager(logger, 0)
	t.Cleanup(m.Shutdown)
	return m, trainerctl.NewFTMS(m, sim.AddressTrainer, logger)
}

func TestFTMS_StatusFollowsConnection(t *testing.T) {
	m, f := newSimTrainer(t)
	ctx := context.Background()

	assert.Equal(t, trainerctl.StatusDisconnected, f.Status())
	assert.ErrorIs(t, f.SetErgWatts(ctx, 150), trainerctl.ErrCommand)

	require.NoError(t, m.Connect(m.Device(sim.AddressTrainer)))
	assert.Equal(t, trainerctl.StatusReady, f.Status())

	require.NoError(t, f.RequestControl(ctx))
	assert.Equal(t, trainerctl.StatusControlled, f.Status())

	require.NoError(t, m.SimulateDisconnect(sim.AddressTrainer))
	assert.Equal(t, trainerctl.StatusDisconnected, f.Status())

	require.NoError(t, m.Connect(m.Device(sim.AddressTrainer)))
	assert.Equal(t, trainerctl.StatusReady, f.Status(), "control is lost with the connection")
}

func TestFTMS_SetErgWattsReachesTrainer(t *testing.T) {
	m, f := newSimTrainer(t)
	ctx := context.Background()
	d := m.Device(sim.AddressTrainer)
	require.NoError(t, m.Connect(d))

	require.NoError(t, f.RequestControl(ctx))
	require.NoError(t, f.Start(ctx))
	require.NoError(t, f.SetErgWatts(ctx, 225))

	target, held := d.ErgTarget()
	assert.True(t, held)
	assert.Equal(t, 225, target)
	assert.Equal(t, 225, f.LastTarget())

	var ops []string
	for _, w := range d.Writes() {
		ops = append(ops, w.DataHex[:2])
	}
	assert.Equal(t, []string{"00", "07", "05"}, ops)
}

func TestFTMS_RejectedWriteIsNotAnError(t *testing.T) {
	m, f := newSimTrainer(t)
	d := m.Device(sim.AddressTrainer)
	require.NoError(t, m.Connect(d))

	// Without Request Control the trainer answers "control not permitted";
	// the write itself went through.
	require.NoError(t, f.SetErgWatts(context.Background(), 180))
	_, held := d.ErgTarget()
	assert.False(t, held)
	assert.Equal(t, "Set Target Power 180 W (not permitted)", d.Writes()[0].Description)
}
