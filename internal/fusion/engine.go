package fusion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// Engine owns the per-user rolling windows. Callers serialize access per user.
type Engine struct {
	cfg   Config
	store WindowStore
}

// NewEngine creates a fusion engine over the given window store.
func NewEngine(cfg Config, store WindowStore) *Engine {
	if store == nil {
		store = NewMemoryWindowStore(cfg.WindowSize)
	}
	return &Engine{cfg: cfg, store: store}
}

// Observe appends a reading to the user's window and fuses the result.
func (e *Engine) Observe(ctx context.Context, userID string, s models.EmotionScore, at time.Time) (models.CrisisAssessment, error) {
	if err := e.store.Append(ctx, userID, s); err != nil {
		return models.CrisisAssessment{}, fmt.Errorf("failed to record reading: %w", err)
	}
	slog.Debug("Engine.Observe: reading appended", "userID", userID, "modality", s.Modality, "confidence", s.Confidence)
	return e.Current(ctx, userID, at)
}

// Current fuses the user's window without adding a reading.
func (e *Engine) Current(ctx context.Context, userID string, at time.Time) (models.CrisisAssessment, error) {
	window, err := e.store.Recent(ctx, userID)
	if err != nil {
		return models.CrisisAssessment{}, fmt.Errorf("failed to load window: %w", err)
	}
	a, err := Fuse(userID, window, e.cfg, at)
	if err != nil {
		return models.CrisisAssessment{}, err
	}
	slog.Debug("Engine.Current: fused", "userID", userID, "score", a.CrisisScore, "confidence", a.Confidence, "modalities", a.ContributingModalities)
	return a, nil
}

// Sweep drops readings that can no longer contribute.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (int, error) {
	n, err := e.store.Evict(ctx, now.Add(-e.cfg.Staleness))
	if err != nil {
		return n, fmt.Errorf("failed to evict stale readings: %w", err)
	}
	if n > 0 {
		slog.Debug("Engine.Sweep: evicted stale readings", "count", n)
	}
	return n, nil
}
