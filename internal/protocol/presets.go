package protocol

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Preset is a named protocol from a presets file.
type Preset struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Params      `yaml:",inline"`
	// Steps, when given, replace the generated steps.
	Steps []Step `yaml:"steps,omitempty"`
}

type presetFile struct {
	Presets []Preset `yaml:"presets"`
}

// LoadPresets reads and validates a YAML presets file.
func LoadPresets(path string) ([]Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets %s: %w", path, err)
	}
	presets, err := ParsePresets(data)
	if err != nil {
		return nil, fmt.Errorf("presets %s: %w", path, err)
	}
	return presets, nil
}

func ParsePresets(data []byte) ([]Preset, error) {
	var f presetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}
	seen := make(map[string]bool, len(f.Presets))
	for i, p := range f.Presets {
		if p.Name == "" {
			return nil, fmt.Errorf("%w: preset %d has no name", ErrValidation, i+1)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("%w: duplicate preset %q", ErrValidation, p.Name)
		}
		seen[p.Name] = true
		if _, err := p.Protocol(); err != nil {
			return nil, fmt.Errorf("preset %q: %w", p.Name, err)
		}
	}
	return f.Presets, nil
}

// Protocol builds the preset's protocol. Explicit steps win over the
// generated ones.
func (p Preset) Protocol() (Protocol, error) {
	if len(p.Steps) == 0 {
		return New(p.Params)
	}
	return Edit(Protocol{Params: p.Params}, p.Steps, 0, ModeIdle)
}

// FindPreset returns the preset called name.
func FindPreset(presets []Preset, name string) (Preset, bool) {
	for _, p := range presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}
