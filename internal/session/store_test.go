package session

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lachart/steptest/internal/engine"
	"github.com/lachart/steptest/internal/lactate"
	"github.com/lachart/steptest/internal/protocol"
	"github.com/lachart/steptest/internal/recorder"
	"github.com/lachart/steptest/internal/telemetry"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var startedAt = time.Date(2024, 3, 2, 9, 30, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	s, err := Open(filepath.Join(t.TempDir(), "db", "sessions.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func f(v float64) *float64 { return &v }

func sample(step int, phase string, total int, power, hr *float64) recorder.Sample {
	return recorder.Sample{
		Snapshot: telemetry.Snapshot{Power: power, HeartRate: hr, Timestamp: startedAt.Add(time.Duration(total) * time.Second)},
		Tags:     recorder.Tags{Step: step, Phase: phase, IntervalTime: total, TotalTime: total},
	}
}

func testResult(t *testing.T) engine.Result {
	t.Helper()
	p, err := protocol.New(protocol.Params{WorkDuration: 3, RecoveryDuration: 1, StartPower: 100, PowerIncrement: 50, MaxSteps: 2})
	require.NoError(t, err)
	borg := 12
	return engine.Result{
		Protocol: p,
		Samples: []recorder.Sample{
			sample(0, "work", 1, f(98), f(120)),
			sample(0, "work", 2, f(102), f(124)),
			sample(0, "recovery", 3, f(0), f(126)),
			sample(1, "work", 4, nil, nil),
		},
		LactateEntries: []lactate.Entry{
			{Step: 1, Power: 100, Lactate: 1.2, Borg: &borg, Time: 3, RecordedAt: startedAt.Add(3 * time.Second)},
			{Step: 1, Power: 100, Lactate: 1.4, Time: 4, RecordedAt: startedAt.Add(4 * time.Second)},
		},
		TestDuration: 4 * time.Second,
		StartedAt:    startedAt,
		CompletedAt:  startedAt.Add(4 * time.Second),
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	want := testResult(t)

	id, err := s.Save(ctx, want)
	require.NoError(t, err)

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, 4, got.Samples)
	assert.Equal(t, 2, got.LactateEntries)
	assert.Equal(t, want.Protocol, got.Result.Protocol)
	assert.Equal(t, want.Samples, got.Result.Samples)
	assert.Equal(t, want.LactateEntries, got.Result.LactateEntries)
	assert.Equal(t, want.TestDuration, got.Result.TestDuration)
	assert.True(t, want.StartedAt.Equal(got.StartedAt))
}

func TestStore_LoadUnknown(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	older := testResult(t)
	newer := testResult(t)
	newer.StartedAt = startedAt.Add(24 * time.Hour)
	newer.LactateEntries = nil

	olderID, err := s.Save(ctx, older)
	require.NoError(t, err)
	require.NoError(t, s.SaveResult(ctx, newer))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, olderID, list[1].ID)
	assert.Equal(t, 0, list[0].LactateEntries)
	assert.Equal(t, 2, list[0].Steps)
}

func TestStore_DevicePreferences(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetPreferredDevice(ctx, DevicePreference{DeviceType: telemetry.DeviceHeartRate, Address: "AA:BB", Name: "strap"}))
	require.NoError(t, s.SetPreferredDevice(ctx, DevicePreference{DeviceType: telemetry.DeviceHeartRate, Address: "CC:DD"}))
	require.NoError(t, s.SetPreferredDevice(ctx, DevicePreference{DeviceType: telemetry.DeviceTrainer, Address: "EE:FF", Name: "kickr"}))

	prefs, err := s.PreferredDevices(ctx)
	require.NoError(t, err)
	require.Len(t, prefs, 2)
	assert.Equal(t, "CC:DD", prefs[telemetry.DeviceHeartRate].Address)
	assert.Equal(t, "", prefs[telemetry.DeviceHeartRate].Name)
	assert.Equal(t, "kickr", prefs[telemetry.DeviceTrainer].Name)
}

func TestSummarize(t *testing.T) {
	steps := Summarize(testResult(t))
	require.Len(t, steps, 2)

	require.NotNil(t, steps[0].MeanPower)
	assert.Equal(t, 100.0, *steps[0].MeanPower, "recovery samples excluded")
	assert.Equal(t, 122.0, *steps[0].MeanHR)
	assert.Equal(t, []float64{1.2, 1.4}, steps[0].Lactate)
	require.NotNil(t, steps[0].Borg)
	assert.Equal(t, 12, *steps[0].Borg)

	assert.Nil(t, steps[1].MeanPower)
	assert.Empty(t, steps[1].Lactate)
}

func TestWriteReport(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.Save(ctx, testResult(t))
	require.NoError(t, err)
	sess, err := s.Load(ctx, id)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, sess))
	out := buf.String()
	assert.Contains(t, out, id)
	assert.Contains(t, out, "TARGET W")
	assert.Contains(t, out, "1.2 / 1.4")

	buf.Reset()
	list, err := s.List(ctx)
	require.NoError(t, err)
	WriteList(&buf, list)
	assert.Contains(t, buf.String(), id)
}
