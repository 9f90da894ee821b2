// Package emotion converts raw scoring oracle output into normalized emotion readings.
package emotion

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

var aliases = map[string]models.Emotion{
	"happy":     models.EmotionHappy,
	"happiness": models.EmotionHappy,
	"joy":       models.EmotionHappy,
	"sad":       models.EmotionSad,
	"sadness":   models.EmotionSad,
	"depressed": models.EmotionSad,
	"angry":     models.EmotionAngry,
	"anger":     models.EmotionAngry,
	"mad":       models.EmotionAngry,
	"fear":      models.EmotionFear,
	"fearful":   models.EmotionFear,
	"anxious":   models.EmotionFear,
	"anxiety":   models.EmotionFear,
	"scared":    models.EmotionFear,
	"neutral":   models.EmotionNeutral,
	"calm":      models.EmotionNeutral,
	"disgust":   models.EmotionDisgust,
	"disgusted": models.EmotionDisgust,
	"surprised": models.EmotionSurprised,
	"surprise":  models.EmotionSurprised,
}

// CanonicalLabel maps an oracle label to the fixed label set.
func CanonicalLabel(label string) (models.Emotion, bool) {
	e, ok := aliases[strings.ToLower(strings.TrimSpace(label))]
	return e, ok
}

// Normalize validates a raw oracle result and produces a reading whose
// distribution covers every label and sums to 1. A result whose scores are all
// zero yields the uniform distribution with confidence 0.
func Normalize(modality models.Modality, raw models.RawResult, capturedAt time.Time) (models.EmotionScore, error) {
	if !models.IsValidModality(modality) {
		return models.EmotionScore{}, fmt.Errorf("unknown modality %q: %w", modality, models.ErrInvalidInput)
	}
	if raw.Labels == nil {
		return models.EmotionScore{}, fmt.Errorf("%s result has no labels: %w", modality, models.ErrInvalidInput)
	}
	if raw.Confidence == nil {
		return models.EmotionScore{}, fmt.Errorf("%s result has no confidence: %w", modality, models.ErrInvalidInput)
	}
	conf := *raw.Confidence
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return models.EmotionScore{}, fmt.Errorf("%s confidence %v out of range: %w", modality, conf, models.ErrInvalidInput)
	}

	dist := make(models.Distribution, len(models.Emotions))
	for _, e := range models.Emotions {
		dist[e] = 0
	}
	for _, ls := range raw.Labels {
		if math.IsNaN(ls.Score) || math.IsInf(ls.Score, 0) || ls.Score < 0 {
			return models.EmotionScore{}, fmt.Errorf("%s score for %q is %v: %w", modality, ls.Label, ls.Score, models.ErrInvalidInput)
		}
		e, ok := CanonicalLabel(ls.Label)
		if !ok {
			slog.Debug("emotion.Normalize: ignoring unknown label", "modality", modality, "label", ls.Label)
			continue
		}
		dist[e] += ls.Score
	}

	sum := dist.Sum()
	if sum == 0 {
		slog.Debug("emotion.Normalize: zero signal, using uniform distribution", "modality", modality)
		return models.EmotionScore{
			Modality:     modality,
			Distribution: models.UniformDistribution(),
			Confidence:   0,
			CapturedAt:   capturedAt,
		}, nil
	}
	for _, e := range models.Emotions {
		dist[e] /= sum
	}

	return models.EmotionScore{
		Modality:     modality,
		Distribution: dist,
		Confidence:   conf,
		CapturedAt:   capturedAt,
	}, nil
}
