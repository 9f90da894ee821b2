// Package fusion combines per-modality emotion readings into a single crisis assessment.
//
// Fuse is a pure function of the window contents and configuration: the same
// readings in the same arrival order always produce the same score, bit for bit.
package fusion

import (
	"fmt"
	"math"
	"time"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// Config holds the fusion weights and window bounds.
type Config struct {
	// ModalityWeights are the base weights, renormalized over present modalities.
	ModalityWeights map[models.Modality]float64 `yaml:"modality_weights"`
	// ScoreWeights map emotions to their contribution to the crisis score.
	ScoreWeights map[models.Emotion]float64 `yaml:"score_weights"`
	// Staleness is the maximum age of a reading that still contributes.
	Staleness time.Duration `yaml:"staleness"`
	// WindowSize bounds the number of readings kept per user.
	WindowSize int `yaml:"window_size"`
}

// DefaultConfig returns the default weighting: facial 0.4, text and voice 0.3,
// and a crisis score of 0.4 sad + 0.3 fear + 0.3 angry.
func DefaultConfig() Config {
	return Config{
		ModalityWeights: map[models.Modality]float64{
			models.ModalityText:   0.3,
			models.ModalityFacial: 0.4,
			models.ModalityVoice:  0.3,
		},
		ScoreWeights: map[models.Emotion]float64{
			models.EmotionSad:   0.4,
			models.EmotionFear:  0.3,
			models.EmotionAngry: 0.3,
		},
		Staleness:  5 * time.Minute,
		WindowSize: 16,
	}
}

// Validate checks that weights are usable.
func (c Config) Validate() error {
	for _, m := range models.Modalities {
		w, ok := c.ModalityWeights[m]
		if !ok || w <= 0 || math.IsNaN(w) {
			return fmt.Errorf("modality weight for %s must be positive: %w", m, models.ErrInvalidInput)
		}
	}
	var total float64
	for _, e := range models.Emotions {
		w := c.ScoreWeights[e]
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("score weight for %s must not be negative: %w", e, models.ErrInvalidInput)
		}
		total += w
	}
	if total <= 0 || total > 1+models.DistributionTolerance {
		return fmt.Errorf("score weights must sum to (0,1], got %v: %w", total, models.ErrInvalidInput)
	}
	if c.Staleness <= 0 {
		return fmt.Errorf("staleness must be positive: %w", models.ErrInvalidInput)
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive: %w", models.ErrInvalidInput)
	}
	return nil
}

// Select picks the readings that contribute at time at: the last-arrived
// reading of each modality that is not older than the staleness bound. The
// result is in canonical modality order.
func Select(window []models.EmotionScore, staleness time.Duration, at time.Time) []models.EmotionScore {
	latest := make(map[models.Modality]models.EmotionScore, len(models.Modalities))
	for _, s := range window {
		if at.Sub(s.CapturedAt) > staleness {
			continue
		}
		latest[s.Modality] = s
	}
	out := make([]models.EmotionScore, 0, len(latest))
	for _, m := range models.Modalities {
		if s, ok := latest[m]; ok {
			out = append(out, s)
		}
	}
	return out
}

// CrisisScore applies the score weights to a distribution.
func CrisisScore(d models.Distribution, weights map[models.Emotion]float64) float64 {
	var score float64
	for _, e := range models.Emotions {
		score += weights[e] * d[e]
	}
	return score
}

// Fuse computes the crisis assessment for a user's window. It returns
// models.ErrInsufficientSignal when no reading is fresh enough.
//
// The keyword override is raised when any reading in the window carries a
// crisis-phrase flag, including a flagged reading that is superseded by a later
// reading of the same modality.
func Fuse(userID string, window []models.EmotionScore, cfg Config, at time.Time) (models.CrisisAssessment, error) {
	selected := Select(window, cfg.Staleness, at)
	if len(selected) == 0 {
		return models.CrisisAssessment{}, models.ErrInsufficientSignal
	}

	var baseTotal float64
	for _, s := range selected {
		baseTotal += cfg.ModalityWeights[s.Modality]
	}

	fused := make(models.Distribution, len(models.Emotions))
	for _, e := range models.Emotions {
		fused[e] = 0
	}
	var weightTotal float64
	contributing := make([]models.Modality, 0, len(selected))
	for _, s := range selected {
		w := cfg.ModalityWeights[s.Modality] / baseTotal * s.Confidence
		weightTotal += w
		contributing = append(contributing, s.Modality)
		for _, e := range models.Emotions {
			fused[e] += w * s.Distribution[e]
		}
	}

	if weightTotal > 0 {
		for _, e := range models.Emotions {
			fused[e] /= weightTotal
		}
	} else {
		fused = models.UniformDistribution()
	}

	keyword := false
	for _, s := range window {
		if s.KeywordFlagged && at.Sub(s.CapturedAt) <= cfg.Staleness {
			keyword = true
			break
		}
	}

	return models.CrisisAssessment{
		UserID:                 userID,
		FusedDistribution:      fused,
		CrisisScore:            CrisisScore(fused, cfg.ScoreWeights),
		Confidence:             weightTotal,
		ContributingModalities: contributing,
		KeywordOverride:        keyword,
		ComputedAt:             at,
	}, nil
}
