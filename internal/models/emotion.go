package models

import (
	"math"
	"time"
)

// Modality identifies the channel a behavioral signal was captured from.
type Modality string

const (
	ModalityText   Modality = "text"
	ModalityFacial Modality = "facial"
	ModalityVoice  Modality = "voice"
)

// Modalities lists every modality in canonical order.
var Modalities = []Modality{ModalityText, ModalityFacial, ModalityVoice}

// IsValidModality reports whether m is a known modality.
func IsValidModality(m Modality) bool {
	switch m {
	case ModalityText, ModalityFacial, ModalityVoice:
		return true
	}
	return false
}

// Emotion is one label of the fixed emotion set.
type Emotion string

const (
	EmotionHappy     Emotion = "happy"
	EmotionSad       Emotion = "sad"
	EmotionAngry     Emotion = "angry"
	EmotionFear      Emotion = "fear"
	EmotionNeutral   Emotion = "neutral"
	EmotionDisgust   Emotion = "disgust"
	EmotionSurprised Emotion = "surprised"
)

// Emotions lists the label set in canonical order. Every summation over a
// distribution iterates in this order so results are reproducible.
var Emotions = []Emotion{
	EmotionHappy,
	EmotionSad,
	EmotionAngry,
	EmotionFear,
	EmotionNeutral,
	EmotionDisgust,
	EmotionSurprised,
}

// DistributionTolerance is the allowed deviation of a distribution sum from 1.
const DistributionTolerance = 1e-9

// Distribution maps every emotion label to a probability.
type Distribution map[Emotion]float64

// UniformDistribution returns the distribution with equal mass on every label.
func UniformDistribution() Distribution {
	d := make(Distribution, len(Emotions))
	p := 1.0 / float64(len(Emotions))
	for _, e := range Emotions {
		d[e] = p
	}
	return d
}

// Sum adds the probabilities in canonical order.
func (d Distribution) Sum() float64 {
	var s float64
	for _, e := range Emotions {
		s += d[e]
	}
	return s
}

// Valid reports whether every label is present within [0,1] and the total is 1.
func (d Distribution) Valid() bool {
	for _, e := range Emotions {
		v, ok := d[e]
		if !ok || math.IsNaN(v) || v < 0 || v > 1 {
			return false
		}
	}
	return math.Abs(d.Sum()-1) <= DistributionTolerance
}

// Clone returns an independent copy.
func (d Distribution) Clone() Distribution {
	out := make(Distribution, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// LabelScore is one raw label/score pair reported by a scoring oracle.
type LabelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// RawResult is the unnormalized output of a scoring oracle. A nil Labels slice
// or nil Confidence marks the result as structurally malformed.
type RawResult struct {
	Labels     []LabelScore `json:"labels"`
	Confidence *float64     `json:"confidence"`
}

// EmotionScore is one normalized reading for a single modality. It is not
// modified after creation.
type EmotionScore struct {
	Modality       Modality     `json:"modality"`
	Distribution   Distribution `json:"distribution"`
	Confidence     float64      `json:"confidence"`
	CapturedAt     time.Time    `json:"captured_at"`
	KeywordFlagged bool         `json:"keyword_flagged,omitempty"`
}

// ModalityInput carries the raw payload for a single modality.
type ModalityInput struct {
	Modality    Modality `json:"modality"`
	Text        string   `json:"text,omitempty"`
	MediaBase64 string   `json:"media_base64,omitempty"`
	MediaURL    string   `json:"media_url,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
}

// Validate checks that the input carries a payload appropriate for its modality.
func (in ModalityInput) Validate() error {
	if !IsValidModality(in.Modality) {
		return ErrInvalidInput
	}
	switch in.Modality {
	case ModalityText:
		if in.Text == "" || len(in.Text) > MaxTextLength {
			return ErrInvalidInput
		}
	default:
		if in.MediaBase64 == "" && in.MediaURL == "" {
			return ErrInvalidInput
		}
	}
	return nil
}

// CrisisAssessment is the fused judgment over a user's recent readings.
type CrisisAssessment struct {
	UserID                 string       `json:"user_id"`
	FusedDistribution      Distribution `json:"fused_distribution"`
	CrisisScore            float64      `json:"crisis_score"`
	Confidence             float64      `json:"confidence"`
	ContributingModalities []Modality   `json:"contributing_modalities"`
	KeywordOverride        bool         `json:"keyword_override"`
	NoSignal               bool         `json:"no_signal,omitempty"`
	ComputedAt             time.Time    `json:"computed_at"`
}

// NoSignalAssessment is the neutral placeholder returned when a user has no
// usable readings.
func NoSignalAssessment(userID string, at time.Time) CrisisAssessment {
	d := make(Distribution, len(Emotions))
	for _, e := range Emotions {
		d[e] = 0
	}
	d[EmotionNeutral] = 1
	return CrisisAssessment{
		UserID:                 userID,
		FusedDistribution:      d,
		ContributingModalities: []Modality{},
		NoSignal:               true,
		ComputedAt:             at,
	}
}
