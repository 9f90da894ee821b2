package classify

import (
	"testing"
	"time"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func assessment(score float64, at time.Time) models.CrisisAssessment {
	return models.CrisisAssessment{UserID: "u1", CrisisScore: score, ComputedAt: at}
}

func TestRawLevelBoundaries(t *testing.T) {
	c := New(DefaultConfig())
	tests := []struct {
		score float64
		want  models.CrisisLevel
	}{
		{0, models.LevelLow},
		{0.39, models.LevelLow},
		{0.4, models.LevelModerate},
		{0.7, models.LevelModerate},
		{0.71, models.LevelHigh},
		{0.85, models.LevelHigh},
		{0.86, models.LevelSevere},
		{1, models.LevelSevere},
	}
	for _, tt := range tests {
		if got := c.RawLevel(tt.score); got != tt.want {
			t.Errorf("RawLevel(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestKeywordFloor(t *testing.T) {
	c := New(DefaultConfig())
	a := assessment(0.1, t0)
	a.KeywordOverride = true
	if got := c.Classify(a, Prior{}); got != models.LevelHigh {
		t.Errorf("expected HIGH floor, got %v", got)
	}
	a.CrisisScore = 0.9
	if got := c.Classify(a, Prior{}); got != models.LevelSevere {
		t.Errorf("floor must not lower SEVERE, got %v", got)
	}
}

func TestHysteresis(t *testing.T) {
	c := New(DefaultConfig())
	prior := Prior{Level: models.LevelSevere, At: t0, Valid: true}

	if got := c.Classify(assessment(0.1, t0.Add(time.Minute)), prior); got != models.LevelHigh {
		t.Errorf("drop within cool-down should clamp to HIGH, got %v", got)
	}
	if got := c.Classify(assessment(0.8, t0.Add(time.Minute)), prior); got != models.LevelHigh {
		t.Errorf("single-step drop should pass, got %v", got)
	}
	if got := c.Classify(assessment(0.1, t0.Add(11*time.Minute)), prior); got != models.LevelLow {
		t.Errorf("drop after cool-down should pass, got %v", got)
	}

	low := Prior{Level: models.LevelLow, At: t0, Valid: true}
	if got := c.Classify(assessment(0.9, t0.Add(time.Second)), low); got != models.LevelSevere {
		t.Errorf("increases are never clamped, got %v", got)
	}
}

func TestMatchCrisisPhrases(t *testing.T) {
	c := New(DefaultConfig())
	if got := c.MatchCrisisPhrases("I just   WANT to\tdie tonight"); len(got) != 1 || got[0] != "want to die" {
		t.Errorf("unexpected matches %v", got)
	}
	if got := c.MatchCrisisPhrases("had a lovely walk"); len(got) != 0 {
		t.Errorf("unexpected matches %v", got)
	}

	custom := New(Config{SevereAbove: 0.85, HighAbove: 0.7, ModerateAtLeast: 0.4, Phrases: []string{"Goodbye Forever"}})
	if got := custom.MatchCrisisPhrases("so this is goodbye forever"); len(got) != 1 {
		t.Errorf("custom phrase not matched: %v", got)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := DefaultConfig()
	bad.HighAbove = 0.9
	if err := bad.Validate(); err == nil {
		t.Error("expected unordered thresholds to be rejected")
	}
}
