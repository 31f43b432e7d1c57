package protocol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultParams = Params{
	WorkDuration:     180,
	RecoveryDuration: 30,
	StartPower:       100,
	PowerIncrement:   25,
	MaxSteps:         5,
}

func TestGenerateSteps(t *testing.T) {
	steps, err := GenerateSteps(defaultParams)
	require.NoError(t, err)
	require.Len(t, steps, 5)
	for i, s := range steps {
		assert.Equal(t, i+1, s.StepNumber)
		assert.Equal(t, 100+i*25, s.TargetPower)
		assert.Equal(t, 180, s.Duration)
		assert.Equal(t, 30, s.RecoveryDuration)
	}
}

func TestGenerateSteps_Validation(t *testing.T) {
	tests := map[string]func(p *Params){
		"no steps":          func(p *Params) { p.MaxSteps = 0 },
		"zero work":         func(p *Params) { p.WorkDuration = 0 },
		"negative recovery": func(p *Params) { p.RecoveryDuration = -1 },
		"zero start power":  func(p *Params) { p.StartPower = 0 },
		"power goes negative": func(p *Params) {
			p.StartPower = 50
			p.PowerIncrement = -25
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			p := defaultParams
			mutate(&p)
			_, err := GenerateSteps(p)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	t.Run("decreasing but positive", func(t *testing.T) {
		p := defaultParams
		p.StartPower = 200
		p.PowerIncrement = -25
		steps, err := GenerateSteps(p)
		require.NoError(t, err)
		assert.Equal(t, 100, steps[4].TargetPower)
	})
}

func TestEdit_StepImmutability(t *testing.T) {
	prev, err := New(defaultParams)
	require.NoError(t, err)

	t.Run("executed step is locked", func(t *testing.T) {
		edited := prev.Clone()
		edited.Steps[0].TargetPower = 999

		got, err := Edit(prev, edited.Steps, 2, ModeRunning)
		assert.ErrorIs(t, err, ErrStepLocked)
		assert.Equal(t, prev, got)
	})

	t.Run("current and later steps are editable", func(t *testing.T) {
		edited := prev.Clone()
		edited.Steps[2].TargetPower = 170
		edited.Steps[4].Duration = 240

		got, err := Edit(prev, edited.Steps, 2, ModeRunning)
		require.NoError(t, err)
		assert.Equal(t, 170, got.Steps[2].TargetPower)
		assert.Equal(t, 240, got.Steps[4].Duration)
		assert.Equal(t, 150, prev.Steps[2].TargetPower, "previous value is not mutated")
	})

	t.Run("paused uses the same lock", func(t *testing.T) {
		edited := prev.Clone()
		edited.Steps[1].Duration = 1
		_, err := Edit(prev, edited.Steps, 2, ModePaused)
		assert.ErrorIs(t, err, ErrStepLocked)
	})

	t.Run("removing an executed step is locked", func(t *testing.T) {
		_, err := Edit(prev, prev.Steps[:1], 2, ModeRunning)
		assert.ErrorIs(t, err, ErrStepLocked)
	})

	t.Run("completed rejects edits", func(t *testing.T) {
		_, err := Edit(prev, prev.Clone().Steps, 0, ModeCompleted)
		assert.ErrorIs(t, err, ErrStepLocked)
	})

	t.Run("idle edits anything", func(t *testing.T) {
		edited := prev.Clone()
		edited.Steps[0].TargetPower = 80
		got, err := Edit(prev, edited.Steps, 0, ModeIdle)
		require.NoError(t, err)
		assert.Equal(t, 80, got.Steps[0].TargetPower)
	})
}

func TestEdit_RenumbersAndRecomputesMaxSteps(t *testing.T) {
	prev, err := New(defaultParams)
	require.NoError(t, err)

	newSteps := append(prev.Clone().Steps, Step{StepNumber: 42, TargetPower: 250, Duration: 180, RecoveryDuration: 30})
	newSteps = append(newSteps[:1], newSteps[2:]...)

	got, err := Edit(prev, newSteps, 1, ModeRunning)
	require.NoError(t, err)
	assert.Equal(t, 5, got.MaxSteps)
	for i, s := range got.Steps {
		assert.Equal(t, i+1, s.StepNumber)
	}
	assert.Equal(t, 250, got.Steps[4].TargetPower)
}

func TestEdit_Validation(t *testing.T) {
	prev, err := New(defaultParams)
	require.NoError(t, err)

	got, err := Edit(prev, nil, 0, ModeIdle)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, prev, got)

	bad := prev.Clone()
	bad.Steps[3].TargetPower = 0
	_, err = Edit(prev, bad.Steps, 0, ModeIdle)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDiff(t *testing.T) {
	a, err := New(defaultParams)
	require.NoError(t, err)

	same, err := Diff(a, a)
	require.NoError(t, err)
	assert.Empty(t, same)

	edited := a.Clone()
	edited.Steps[3].TargetPower = 180
	b, err := Edit(a, edited.Steps, 0, ModeIdle)
	require.NoError(t, err)

	d, err := Diff(a, b)
	require.NoError(t, err)
	assert.Contains(t, d, "-step  4   175 W")
	assert.Contains(t, d, "+step  4   180 W")
}

func TestStep_Clamped(t *testing.T) {
	p, err := New(defaultParams)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Step(-1).StepNumber)
	assert.Equal(t, 5, p.Step(10).StepNumber)
	assert.Equal(t, 4, p.LastIndex())
}

const presetsYAML = `
presets:
  - name: standard
    description: 3 min steps from 100 W
    work_duration: 180
    recovery_duration: 30
    start_power: 100
    power_increment: 25
    max_steps: 8
  - name: custom
    work_duration: 240
    recovery_duration: 30
    start_power: 120
    power_increment: 20
    max_steps: 2
    steps:
      - {target_power: 120, duration: 240, recovery_duration: 30}
      - {target_power: 150, duration: 240, recovery_duration: 60}
`

func TestParsePresets(t *testing.T) {
	presets, err := ParsePresets([]byte(presetsYAML))
	require.NoError(t, err)
	require.Len(t, presets, 2)

	std, ok := FindPreset(presets, "standard")
	require.True(t, ok)
	p, err := std.Protocol()
	require.NoError(t, err)
	assert.Len(t, p.Steps, 8)
	assert.Equal(t, 275, p.Steps[7].TargetPower)

	custom, ok := FindPreset(presets, "custom")
	require.True(t, ok)
	p, err = custom.Protocol()
	require.NoError(t, err)
	assert.Equal(t, 2, p.Steps[1].StepNumber)
	assert.Equal(t, 60, p.Steps[1].RecoveryDuration)

	_, ok = FindPreset(presets, "missing")
	assert.False(t, ok)
}

func TestParsePresets_Invalid(t *testing.T) {
	_, err := ParsePresets([]byte("presets:\n  - name: x\n    max_steps: 0\n"))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ParsePresets([]byte("presets:\n  - work_duration: 10\n"))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ParsePresets([]byte("presets: [\n"))
	assert.Error(t, err)
}

func TestLoadPresets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(presetsYAML), 0o644))

	presets, err := LoadPresets(path)
	require.NoError(t, err)
	assert.Len(t, presets, 2)

	_, err = LoadPresets(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
