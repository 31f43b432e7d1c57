package lactate

import (
	"math"
	"testing"
	"time"

	"github.com/lachart/steptest/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type powerByStep map[int]float64

func (p powerByStep) MeanPower(stepIndex int) (float64, bool) {
	v, ok := p[stepIndex]
	return v, ok
}

var (
	stepOne = protocol.Step{StepNumber: 1, TargetPower: 100, Duration: 180, RecoveryDuration: 30}
	stepTwo = protocol.Step{StepNumber: 2, TargetPower: 125, Duration: 180, RecoveryDuration: 30}
	fixedAt = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
)

func newStore(p powerByStep) *Store {
	return NewStore(p, func() time.Time { return fixedAt })
}

func TestAdd_RejectsInvalidLactate(t *testing.T) {
	s := newStore(powerByStep{})

	for _, v := range []float64{-2, 0, math.NaN(), math.Inf(1)} {
		_, err := s.Add(stepOne, v, nil, nil, 60)
		assert.ErrorIs(t, err, ErrInvalidLactateValue, "lactate %v", v)
	}
	assert.Empty(t, s.Entries())
}

func TestAdd_RejectsInvalidBorg(t *testing.T) {
	s := newStore(powerByStep{})
	for _, b := range []int{5, 21} {
		b := b
		_, err := s.Add(stepOne, 1.2, &b, nil, 60)
		assert.ErrorIs(t, err, ErrInvalidBorg)
	}
	assert.Empty(t, s.Entries())
}

func TestAdd_PowerResolution(t *testing.T) {
	s := newStore(powerByStep{0: 102.4})

	e, err := s.Add(stepOne, 1.1, nil, nil, 200)
	require.NoError(t, err)
	assert.Equal(t, 102.4, e.Power, "mean of recorded samples, unrounded")

	e, err = s.Add(stepTwo, 1.4, nil, nil, 410)
	require.NoError(t, err)
	assert.Equal(t, 125.0, e.Power, "target power without samples")

	manual := 130.0
	e, err = s.Add(stepTwo, 1.5, nil, &manual, 415)
	require.NoError(t, err)
	assert.Equal(t, 130.0, e.Power, "manual power wins")
}

func TestAdd_MultiplePerStep(t *testing.T) {
	s := newStore(powerByStep{})
	borg := 13

	_, err := s.Add(stepOne, 1.1, &borg, nil, 200)
	require.NoError(t, err)
	_, err = s.Add(stepOne, 1.3, nil, nil, 205)
	require.NoError(t, err)
	borg = 99

	entries := s.ForStep(1)
	require.Len(t, entries, 2)
	require.NotNil(t, entries[0].Borg)
	assert.Equal(t, 13, *entries[0].Borg, "borg is copied")
	assert.Nil(t, entries[1].Borg)
	assert.Equal(t, fixedAt, entries[0].RecordedAt)
	assert.Equal(t, 200, entries[0].Time)

	s.Reset()
	assert.Empty(t, s.Entries())
}
