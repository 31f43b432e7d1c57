package recorder

import (
	"testing"

	"github.com/lachart/steptest/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotWith(power *float64) telemetry.Snapshot {
	return telemetry.Snapshot{Power: power}
}

func f(v float64) *float64 { return &v }

func TestRecorder_RecordCopiesSnapshot(t *testing.T) {
	r := New()
	s := snapshotWith(f(200))

	r.Record(s, Tags{Step: 0, Phase: "work", IntervalTime: 1, TotalTime: 1})
	*s.Power = 999

	got := r.Samples()
	require.Len(t, got, 1)
	assert.Equal(t, 200.0, *got[0].Power)
	assert.Equal(t, "work", got[0].Phase)

	*got[0].Power = 1
	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, 200.0, *last.Power, "Samples returns copies")
}

func TestRecorder_NilFieldsKept(t *testing.T) {
	r := New()
	r.Record(telemetry.Snapshot{}, Tags{TotalTime: 1})

	got := r.Samples()
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Power)
	assert.Nil(t, got[0].HeartRate)
}

func TestRecorder_MeanPower(t *testing.T) {
	r := New()
	r.Record(snapshotWith(f(100)), Tags{Step: 0, Phase: "work"})
	r.Record(snapshotWith(f(200)), Tags{Step: 1, Phase: "work"})
	r.Record(snapshotWith(nil), Tags{Step: 1, Phase: "work"})
	r.Record(snapshotWith(f(210)), Tags{Step: 1, Phase: "work"})
	r.Record(snapshotWith(f(0)), Tags{Step: 1, Phase: "recovery"})

	mean, ok := r.MeanPower(1, "work")
	require.True(t, ok)
	assert.Equal(t, 205.0, mean)

	mean, ok = r.MeanPower(1, "")
	require.True(t, ok)
	assert.InDelta(t, 136.67, mean, 0.01)

	_, ok = r.MeanPower(2, "")
	assert.False(t, ok)
}

func TestRecorder_Reset(t *testing.T) {
	r := New()
	r.Record(telemetry.Snapshot{}, Tags{})
	r.Reset()
	assert.Equal(t, 0, r.Len())
	_, ok := r.Last()
	assert.False(t, ok)
}
