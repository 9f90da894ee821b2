// Package resources selects the user-facing intervention resources for a crisis level.
package resources

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

//go:embed resources.yaml
var defaultTable []byte

// Tier is the resource list and framing text for one crisis level.
type Tier struct {
	Message      string          `yaml:"message" json:"message"`
	Instructions string          `yaml:"instructions" json:"instructions"`
	Actions      []models.Action `yaml:"actions" json:"actions"`
}

type document struct {
	Version int             `yaml:"version"`
	Tiers   map[string]Tier `yaml:"tiers"`
}

// Table is an immutable, versioned mapping from crisis level to resources.
type Table struct {
	version int
	tiers   map[models.CrisisLevel]Tier
}

// Parse decodes and validates a YAML resource table. Every level must have a
// non-empty tier, and SEVERE must lead with an emergency-services call.
func Parse(data []byte) (*Table, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse resource table: %w", err)
	}
	t := &Table{version: doc.Version, tiers: make(map[models.CrisisLevel]Tier, len(models.CrisisLevels))}
	for name, tier := range doc.Tiers {
		level, err := models.ParseCrisisLevel(name)
		if err != nil {
			return nil, fmt.Errorf("resource table: %w", err)
		}
		t.tiers[level] = tier
	}
	for _, level := range models.CrisisLevels {
		tier, ok := t.tiers[level]
		if !ok || len(tier.Actions) == 0 {
			return nil, fmt.Errorf("resource table has no actions for %s: %w", level, models.ErrInvalidInput)
		}
		for _, a := range tier.Actions {
			if a.ID == "" || a.Label == "" {
				return nil, fmt.Errorf("resource table %s entry missing id or label: %w", level, models.ErrInvalidInput)
			}
		}
	}
	if first := t.tiers[models.LevelSevere].Actions[0]; first.Kind != models.ActionKindCall {
		return nil, fmt.Errorf("SEVERE resources must start with an emergency call, got %q: %w", first.ID, models.ErrInvalidInput)
	}
	return t, nil
}

// MustLoadDefault returns the embedded resource table.
func MustLoadDefault() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("embedded resource table is invalid: %v", err))
	}
	return t
}

// LoadFile reads a resource table from disk.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource table %s: %w", path, err)
	}
	return Parse(data)
}

// Version returns the table version.
func (t *Table) Version() int {
	return t.version
}

// Select returns a copy of the ordered actions for level. Levels above SEVERE
// are treated as SEVERE and levels below LOW as LOW.
func (t *Table) Select(level models.CrisisLevel) []models.Action {
	return append([]models.Action(nil), t.Tier(level).Actions...)
}

// Tier returns a copy of the full tier for level.
func (t *Table) Tier(level models.CrisisLevel) Tier {
	if level > models.LevelSevere {
		level = models.LevelSevere
	}
	if level < models.LevelLow {
		level = models.LevelLow
	}
	tier := t.tiers[level]
	tier.Actions = append([]models.Action(nil), tier.Actions...)
	return tier
}
