package crisis

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/CrisisPipe/internal/classify"
	"github.com/BTreeMap/CrisisPipe/internal/escalation"
	"github.com/BTreeMap/CrisisPipe/internal/fusion"
)

// Config gathers the tunable parameters of the assessment pipeline.
type Config struct {
	Fusion     fusion.Config     `yaml:"fusion"`
	Classifier classify.Config   `yaml:"classifier"`
	Escalation escalation.Config `yaml:"escalation"`
	// HistoryLimit caps the readings returned by History.
	HistoryLimit int `yaml:"history_limit"`
}

// DefaultConfig returns the built-in defaults of every stage.
func DefaultConfig() Config {
	return Config{
		Fusion:       fusion.DefaultConfig(),
		Classifier:   classify.DefaultConfig(),
		Escalation:   escalation.DefaultConfig(),
		HistoryLimit: 100,
	}
}

// Validate checks every stage.
func (c Config) Validate() error {
	return errors.Join(c.Fusion.Validate(), c.Classifier.Validate(), c.Escalation.Validate())
}

// LoadConfigFile overlays a YAML file on the defaults. Keys missing from the
// file keep their default values.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read engine config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse engine config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid engine config %s: %w", path, err)
	}
	return cfg, nil
}
