package resources

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

func TestDefaultTableCoversEveryLevel(t *testing.T) {
	table := MustLoadDefault()
	for _, level := range models.CrisisLevels {
		if len(table.Select(level)) == 0 {
			t.Errorf("no resources for %s", level)
		}
	}
	severe := table.Select(models.LevelSevere)
	if severe[0].Kind != models.ActionKindCall || severe[0].Contact != "911" {
		t.Errorf("SEVERE must lead with emergency services, got %+v", severe[0])
	}
	if table.Version() < 1 {
		t.Errorf("unexpected version %d", table.Version())
	}
}

func TestSelectReturnsCopy(t *testing.T) {
	table := MustLoadDefault()
	a := table.Select(models.LevelHigh)
	a[0].Label = "mutated"
	if table.Select(models.LevelHigh)[0].Label == "mutated" {
		t.Error("Select must not expose the table's backing slice")
	}
}

func TestParseRejectsIncompleteTable(t *testing.T) {
	data := []byte(`
version: 1
tiers:
  LOW:
    actions:
      - {id: journal, kind: self_help, label: Journal}
`)
	if _, err := Parse(data); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.yaml")
	if err := os.WriteFile(path, defaultTable, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	table, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got, want := len(table.Select(models.LevelModerate)), len(MustLoadDefault().Select(models.LevelModerate)); got != want {
		t.Errorf("loaded %d moderate actions, want %d", got, want)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
