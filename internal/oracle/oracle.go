// Package oracle adapts external per-modality emotion classifiers.
//
// Every oracle is an opaque scoring function. Failures that mean "this modality
// could not be scored" are reported as models.ErrOracleUnavailable so callers
// treat the modality as absent rather than calm.
package oracle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// ScoringOracle scores a single modality payload.
type ScoringOracle interface {
	Score(ctx context.Context, modality models.Modality, in models.ModalityInput) (models.RawResult, error)
}

// Unavailable is the oracle used for a modality with no configured backend.
type Unavailable struct{}

// Score always fails with models.ErrOracleUnavailable.
func (Unavailable) Score(ctx context.Context, modality models.Modality, in models.ModalityInput) (models.RawResult, error) {
	return models.RawResult{}, fmt.Errorf("no oracle configured for %s: %w", modality, models.ErrOracleUnavailable)
}

// Set routes each modality to its oracle. It is built once at startup and
// shared read-only.
type Set struct {
	oracles map[models.Modality]ScoringOracle
}

// NewSet creates a Set. Modalities without an entry fall back to Unavailable.
func NewSet(oracles map[models.Modality]ScoringOracle) *Set {
	m := make(map[models.Modality]ScoringOracle, len(oracles))
	for mod, o := range oracles {
		if o != nil {
			m[mod] = o
		}
	}
	return &Set{oracles: m}
}

// Score dispatches to the oracle for modality.
func (s *Set) Score(ctx context.Context, modality models.Modality, in models.ModalityInput) (models.RawResult, error) {
	o, ok := s.oracles[modality]
	if !ok {
		return Unavailable{}.Score(ctx, modality, in)
	}
	res, err := o.Score(ctx, modality, in)
	if err != nil {
		slog.Debug("oracle.Set.Score: oracle failed", "modality", modality, "error", err)
	}
	return res, err
}

// Configured reports which modalities have a real backend.
func (s *Set) Configured() []models.Modality {
	var out []models.Modality
	for _, m := range models.Modalities {
		if _, ok := s.oracles[m]; ok {
			out = append(out, m)
		}
	}
	return out
}
