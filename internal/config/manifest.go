package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ToolSpec describes one registered action handler: an innate skill or an
// external tool. Tools come from the YAML manifest; skills are declared in
// code with the same shape.
type ToolSpec struct {
	Name           string   `yaml:"name"`
	Kind           string   `yaml:"kind"` // skill or tool
	TriggerPhrases []string `yaml:"trigger_phrases"`
	ParallelSafe   bool     `yaml:"parallel_safe"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	ActionCapable  bool     `yaml:"action_capable"`
	SearchLike     bool     `yaml:"search_like"`
	Cost           float64  `yaml:"cost"` // fatigue units per invocation
	Endpoint       string   `yaml:"endpoint,omitempty"`
}

// Manifest is the boot-time tool declaration file. Router weight overrides
// may ride along for deployments that tune the initial vector.
type Manifest struct {
	Tools         []ToolSpec         `yaml:"tools"`
	RouterWeights map[string]float64 `yaml:"router_weights,omitempty"`
}

// LoadManifest parses a YAML manifest. A missing path returns an empty
// manifest: the system runs with innate skills only.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return &Manifest{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	for i := range m.Tools {
		t := &m.Tools[i]
		if t.Name == "" {
			return nil, fmt.Errorf("manifest tool %d has no name", i)
		}
		if t.Kind == "" {
			t.Kind = "tool"
		}
		if t.TimeoutSeconds <= 0 {
			t.TimeoutSeconds = 20
		}
		if t.Cost <= 0 {
			t.Cost = 0.5
		}
	}
	return &m, nil
}
