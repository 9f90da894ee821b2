package fusion

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dist(pairs map[models.Emotion]float64) models.Distribution {
	d := make(models.Distribution, len(models.Emotions))
	for _, e := range models.Emotions {
		d[e] = pairs[e]
	}
	return d
}

func reading(m models.Modality, d models.Distribution, conf float64, at time.Time) models.EmotionScore {
	return models.EmotionScore{Modality: m, Distribution: d, Confidence: conf, CapturedAt: at}
}

func TestFuseEmptyWindow(t *testing.T) {
	_, err := Fuse("u1", nil, DefaultConfig(), t0)
	if !errors.Is(err, models.ErrInsufficientSignal) {
		t.Fatalf("expected ErrInsufficientSignal, got %v", err)
	}
}

func TestFuseSingleModalityScore(t *testing.T) {
	d := dist(map[models.Emotion]float64{models.EmotionSad: 0.5, models.EmotionFear: 0.5})
	a, err := Fuse("u1", []models.EmotionScore{reading(models.ModalityText, d, 1, t0)}, DefaultConfig(), t0)
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	want := 0.4*0.5 + 0.3*0.5
	if math.Abs(a.CrisisScore-want) > 1e-12 {
		t.Errorf("score = %v, want %v", a.CrisisScore, want)
	}
	if math.Abs(a.Confidence-1) > 1e-12 {
		t.Errorf("confidence = %v, want 1", a.Confidence)
	}
	if !a.FusedDistribution.Valid() {
		t.Errorf("fused distribution invalid: %v", a.FusedDistribution)
	}
}

func TestFuseWeightsByModalityAndConfidence(t *testing.T) {
	sad := dist(map[models.Emotion]float64{models.EmotionSad: 1})
	happy := dist(map[models.Emotion]float64{models.EmotionHappy: 1})
	window := []models.EmotionScore{
		reading(models.ModalityFacial, sad, 1, t0),
		reading(models.ModalityVoice, happy, 0.5, t0),
	}
	a, err := Fuse("u1", window, DefaultConfig(), t0)
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	// facial 0.4/0.7*1, voice 0.3/0.7*0.5
	wf := 0.4 / 0.7
	wv := 0.3 / 0.7 * 0.5
	wantSad := wf / (wf + wv)
	if math.Abs(a.FusedDistribution[models.EmotionSad]-wantSad) > 1e-12 {
		t.Errorf("sad = %v, want %v", a.FusedDistribution[models.EmotionSad], wantSad)
	}
	if math.Abs(a.Confidence-(wf+wv)) > 1e-12 {
		t.Errorf("confidence = %v, want %v", a.Confidence, wf+wv)
	}
	if len(a.ContributingModalities) != 2 || a.ContributingModalities[0] != models.ModalityFacial {
		t.Errorf("unexpected modalities %v", a.ContributingModalities)
	}
}

func TestFuseZeroConfidenceFallsBackToUniform(t *testing.T) {
	a, err := Fuse("u1", []models.EmotionScore{
		reading(models.ModalityText, models.UniformDistribution(), 0, t0),
	}, DefaultConfig(), t0)
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	if a.Confidence != 0 {
		t.Errorf("expected confidence 0, got %v", a.Confidence)
	}
	if !a.FusedDistribution.Valid() {
		t.Errorf("fused distribution invalid: %v", a.FusedDistribution)
	}
}

func TestFuseUsesLatestArrivalAndDropsStale(t *testing.T) {
	sad := dist(map[models.Emotion]float64{models.EmotionSad: 1})
	happy := dist(map[models.Emotion]float64{models.EmotionHappy: 1})
	cfg := DefaultConfig()
	window := []models.EmotionScore{
		reading(models.ModalityVoice, sad, 1, t0.Add(-10*time.Minute)), // stale
		reading(models.ModalityText, sad, 1, t0.Add(-time.Minute)),
		// arrives later with an earlier timestamp; arrival order wins
		reading(models.ModalityText, happy, 1, t0.Add(-2*time.Minute)),
	}
	a, err := Fuse("u1", window, cfg, t0)
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	if len(a.ContributingModalities) != 1 || a.ContributingModalities[0] != models.ModalityText {
		t.Fatalf("unexpected modalities %v", a.ContributingModalities)
	}
	if a.CrisisScore != 0 {
		t.Errorf("expected score 0 from the happy reading, got %v", a.CrisisScore)
	}

	if _, err := Fuse("u1", window[:1], cfg, t0); !errors.Is(err, models.ErrInsufficientSignal) {
		t.Errorf("stale-only window should have no signal, got %v", err)
	}
}

func TestFuseIsDeterministic(t *testing.T) {
	window := []models.EmotionScore{
		reading(models.ModalityText, dist(map[models.Emotion]float64{models.EmotionSad: 0.3, models.EmotionAngry: 0.3, models.EmotionNeutral: 0.4}), 0.77, t0),
		reading(models.ModalityFacial, dist(map[models.Emotion]float64{models.EmotionFear: 0.1, models.EmotionSad: 0.6, models.EmotionHappy: 0.3}), 0.91, t0),
		reading(models.ModalityVoice, dist(map[models.Emotion]float64{models.EmotionSurprised: 0.2, models.EmotionSad: 0.7, models.EmotionDisgust: 0.1}), 0.33, t0),
	}
	first, err := Fuse("u1", window, DefaultConfig(), t0)
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, _ := Fuse("u1", window, DefaultConfig(), t0)
		if again.CrisisScore != first.CrisisScore {
			t.Fatalf("score changed between runs: %v != %v", again.CrisisScore, first.CrisisScore)
		}
	}
	if first.CrisisScore < 0 || first.CrisisScore > 1 {
		t.Errorf("score out of range: %v", first.CrisisScore)
	}
}

func TestFuseKeywordOverride(t *testing.T) {
	flagged := reading(models.ModalityText, models.UniformDistribution(), 0, t0)
	flagged.KeywordFlagged = true
	window := []models.EmotionScore{
		flagged,
		reading(models.ModalityText, dist(map[models.Emotion]float64{models.EmotionHappy: 1}), 1, t0),
	}
	a, err := Fuse("u1", window, DefaultConfig(), t0)
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	if !a.KeywordOverride {
		t.Error("expected keyword override from a flagged reading in the window")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg := DefaultConfig()
	cfg.ModalityWeights = map[models.Modality]float64{models.ModalityText: 1}
	if err := cfg.Validate(); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for missing weights, got %v", err)
	}
}

func testWindowStore(t *testing.T, store WindowStore) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s := reading(models.ModalityText, models.UniformDistribution(), float64(i)/10, t0.Add(time.Duration(i)*time.Minute))
		if err := store.Append(ctx, "u1", s); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	got, err := store.Recent(ctx, "u1")
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected window bounded to 3, got %d", len(got))
	}
	if got[0].Confidence != 0.2 || got[2].Confidence != 0.4 {
		t.Errorf("expected oldest entries evicted, got %+v", got)
	}

	n, err := store.Evict(ctx, t0.Add(4*time.Minute))
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 evicted, got %d", n)
	}
	got, _ = store.Recent(ctx, "u1")
	if len(got) != 1 {
		t.Errorf("expected 1 reading left, got %d", len(got))
	}

	if _, err := store.Evict(ctx, t0.Add(time.Hour)); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	got, _ = store.Recent(ctx, "u1")
	if len(got) != 0 {
		t.Errorf("expected empty window, got %d", len(got))
	}
}

func TestMemoryWindowStore(t *testing.T) {
	testWindowStore(t, NewMemoryWindowStore(3))
}

func TestRedisWindowStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	testWindowStore(t, NewRedisWindowStore(client, 3, time.Hour))
}

// afterFirstRange runs fn once, right after the first LRANGE the client sends.
type afterFirstRange struct {
	once sync.Once
	fn   func()
}

func (h *afterFirstRange) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *afterFirstRange) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if cmd.Name() == "lrange" {
			h.once.Do(h.fn)
		}
		return err
	}
}

func (h *afterFirstRange) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisWindowStoreEvictKeepsConcurrentAppend(t *testing.T) {
	tests := []struct {
		name          string
		size          int
		wantEvicted   int
		wantRemaining int
	}{
		// The append lands after the stale reading.
		{name: "append behind stale prefix", size: 3, wantEvicted: 1, wantRemaining: 1},
		// The append's own trim already pushed the stale reading out.
		{name: "append trims stale prefix", size: 1, wantEvicted: 0, wantRemaining: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mr := miniredis.RunT(t)
			sweeper := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			writer := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() {
				sweeper.Close()
				writer.Close()
			})
			sweepStore := NewRedisWindowStore(sweeper, tt.size, time.Hour)
			writeStore := NewRedisWindowStore(writer, tt.size, time.Hour)

			stale := reading(models.ModalityText, models.UniformDistribution(), 0.5, t0)
			if err := writeStore.Append(ctx, "u1", stale); err != nil {
				t.Fatalf("Append: %v", err)
			}
			fresh := reading(models.ModalityText, models.UniformDistribution(), 0, t0.Add(time.Hour))
			fresh.KeywordFlagged = true
			sweeper.AddHook(&afterFirstRange{fn: func() {
				if err := writeStore.Append(ctx, "u1", fresh); err != nil {
					t.Errorf("concurrent Append: %v", err)
				}
			}})

			n, err := sweepStore.Evict(ctx, t0.Add(30*time.Minute))
			if err != nil {
				t.Fatalf("Evict: %v", err)
			}
			if n != tt.wantEvicted {
				t.Errorf("evicted = %d, want %d", n, tt.wantEvicted)
			}
			got, err := writeStore.Recent(ctx, "u1")
			if err != nil {
				t.Fatalf("Recent: %v", err)
			}
			if len(got) != tt.wantRemaining {
				t.Fatalf("remaining = %d, want %d", len(got), tt.wantRemaining)
			}
			if !got[0].KeywordFlagged {
				t.Errorf("expected the concurrent flagged reading to survive, got %+v", got[0])
			}
		})
	}
}

func TestEngineObserveAndSweep(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(DefaultConfig(), nil)
	sad := dist(map[models.Emotion]float64{models.EmotionSad: 1})
	a, err := e.Observe(ctx, "u1", reading(models.ModalityFacial, sad, 1, t0), t0)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if math.Abs(a.CrisisScore-0.4) > 1e-12 {
		t.Errorf("score = %v, want 0.4", a.CrisisScore)
	}
	if _, err := e.Sweep(ctx, t0.Add(time.Hour)); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := e.Current(ctx, "u1", t0.Add(time.Hour)); !errors.Is(err, models.ErrInsufficientSignal) {
		t.Errorf("expected no signal after sweep, got %v", err)
	}
}
