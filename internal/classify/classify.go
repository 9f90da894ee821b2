// Package classify maps crisis assessments to discrete crisis levels.
package classify

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// DefaultCrisisPhrases is the built-in list of phrases that force at least HIGH.
var DefaultCrisisPhrases = []string{
	"suicide",
	"kill myself",
	"end it all",
	"want to die",
	"end my life",
	"better off dead",
	"hurt myself",
	"self harm",
	"no reason to live",
}

// Config holds the score thresholds and hysteresis window.
type Config struct {
	// SevereAbove is the exclusive lower bound for SEVERE.
	SevereAbove float64 `yaml:"severe_above"`
	// HighAbove is the exclusive lower bound for HIGH.
	HighAbove float64 `yaml:"high_above"`
	// ModerateAtLeast is the inclusive lower bound for MODERATE.
	ModerateAtLeast float64 `yaml:"moderate_at_least"`
	// Cooldown is how long after the prior classification a drop is limited to one level.
	Cooldown time.Duration `yaml:"cooldown"`
	// Phrases overrides DefaultCrisisPhrases when non-empty.
	Phrases []string `yaml:"phrases"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		SevereAbove:     0.85,
		HighAbove:       0.7,
		ModerateAtLeast: 0.4,
		Cooldown:        10 * time.Minute,
	}
}

// Validate checks that thresholds are ordered.
func (c Config) Validate() error {
	if !(0 <= c.ModerateAtLeast && c.ModerateAtLeast <= c.HighAbove && c.HighAbove <= c.SevereAbove && c.SevereAbove <= 1) {
		return fmt.Errorf("thresholds must satisfy 0 <= moderate <= high <= severe <= 1: %w", models.ErrInvalidInput)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative: %w", models.ErrInvalidInput)
	}
	return nil
}

// Prior is the user's previous classification.
type Prior struct {
	Level models.CrisisLevel
	At    time.Time
	Valid bool
}

// Classifier applies thresholds, the crisis-phrase floor and hysteresis.
type Classifier struct {
	cfg     Config
	phrases []string
}

// New creates a classifier.
func New(cfg Config) *Classifier {
	src := cfg.Phrases
	if len(src) == 0 {
		src = DefaultCrisisPhrases
	}
	phrases := make([]string, 0, len(src))
	for _, p := range src {
		if p = normalizeText(p); p != "" {
			phrases = append(phrases, p)
		}
	}
	return &Classifier{cfg: cfg, phrases: phrases}
}

// RawLevel maps a score to a level without floor or hysteresis.
func (c *Classifier) RawLevel(score float64) models.CrisisLevel {
	switch {
	case score > c.cfg.SevereAbove:
		return models.LevelSevere
	case score > c.cfg.HighAbove:
		return models.LevelHigh
	case score >= c.cfg.ModerateAtLeast:
		return models.LevelModerate
	default:
		return models.LevelLow
	}
}

// Classify returns the level for an assessment given the user's prior level.
// A keyword override raises the result to at least HIGH. Within the cool-down
// window a drop is limited to one level below the prior; increases apply at once.
func (c *Classifier) Classify(a models.CrisisAssessment, prior Prior) models.CrisisLevel {
	level := c.RawLevel(a.CrisisScore)
	if a.KeywordOverride && level < models.LevelHigh {
		slog.Debug("Classifier.Classify: crisis phrase floor applied", "userID", a.UserID, "raw", level)
		level = models.LevelHigh
	}
	if prior.Valid && level < prior.Level-1 && a.ComputedAt.Sub(prior.At) < c.cfg.Cooldown {
		slog.Debug("Classifier.Classify: hysteresis clamp", "userID", a.UserID, "raw", level, "prior", prior.Level)
		level = prior.Level - 1
	}
	return level
}

// MatchCrisisPhrases returns the configured phrases found in text.
func (c *Classifier) MatchCrisisPhrases(text string) []string {
	norm := normalizeText(text)
	if norm == "" {
		return nil
	}
	var matched []string
	for _, p := range c.phrases {
		if strings.Contains(norm, p) {
			matched = append(matched, p)
		}
	}
	return matched
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
