// Package crisis wires the assessment pipeline together: scoring oracles,
// normalization, fusion, classification, the escalation machine and the
// resource selector.
package crisis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CrisisPipe/internal/classify"
	"github.com/BTreeMap/CrisisPipe/internal/emotion"
	"github.com/BTreeMap/CrisisPipe/internal/escalation"
	"github.com/BTreeMap/CrisisPipe/internal/fusion"
	"github.com/BTreeMap/CrisisPipe/internal/models"
	"github.com/BTreeMap/CrisisPipe/internal/oracle"
	"github.com/BTreeMap/CrisisPipe/internal/resources"
	"github.com/BTreeMap/CrisisPipe/internal/store"
	"github.com/BTreeMap/CrisisPipe/internal/util"
)

// Recorder receives assessment metrics.
type Recorder interface {
	RecordAssessment(level models.CrisisLevel, score float64)
	RecordOracleFailure(modality models.Modality)
	SetOpenEvents(n int)
}

type noopRecorder struct{}

func (noopRecorder) RecordAssessment(models.CrisisLevel, float64) {}
func (noopRecorder) RecordOracleFailure(models.Modality)          {}
func (noopRecorder) SetOpenEvents(int)                            {}

// AssessRequest is one single-modality assessment.
type AssessRequest struct {
	UserID string `json:"user_id"`
	// RequestID, when set, makes the request idempotent.
	RequestID string               `json:"request_id,omitempty"`
	Input     models.ModalityInput `json:"input"`
}

// MultiAssessRequest scores several modalities captured together.
type MultiAssessRequest struct {
	UserID    string                 `json:"user_id"`
	RequestID string                 `json:"request_id,omitempty"`
	Inputs    []models.ModalityInput `json:"inputs"`
}

// Opts holds the optional collaborators of a Service.
type Opts struct {
	Oracles     oracle.ScoringOracle
	WindowStore fusion.WindowStore
	Store       store.Store
	Dedup       store.DedupRepo
	Resources   *resources.Table
	Recorder    Recorder
	Clock       func() time.Time
}

// Option configures a Service.
type Option func(*Opts)

// WithOracles sets the scoring oracles.
func WithOracles(o oracle.ScoringOracle) Option {
	return func(opts *Opts) { opts.Oracles = o }
}

// WithWindowStore sets where rolling windows live.
func WithWindowStore(ws fusion.WindowStore) Option {
	return func(opts *Opts) { opts.WindowStore = ws }
}

// WithStore persists readings and contacts.
func WithStore(s store.Store) Option {
	return func(opts *Opts) { opts.Store = s }
}

// WithDedup enables request-id deduplication.
func WithDedup(d store.DedupRepo) Option {
	return func(opts *Opts) { opts.Dedup = d }
}

// WithResources overrides the embedded resource table.
func WithResources(t *resources.Table) Option {
	return func(opts *Opts) { opts.Resources = t }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(opts *Opts) { opts.Recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(opts *Opts) { opts.Clock = now }
}

// Service is the entry point for every crisis operation.
type Service struct {
	cfg        Config
	oracles    oracle.ScoringOracle
	engine     *fusion.Engine
	classifier *classify.Classifier
	machine    *escalation.Machine
	table      *resources.Table
	store      store.Store
	dedup      store.DedupRepo
	metrics    Recorder
	now        func() time.Time

	locks *util.KeyedMutex

	mu     sync.Mutex
	priors map[string]classify.Prior
}

// New creates a Service around machine.
func New(cfg Config, machine *escalation.Machine, opts ...Option) (*Service, error) {
	if machine == nil {
		return nil, fmt.Errorf("escalation machine is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Oracles == nil {
		o.Oracles = oracle.Unavailable{}
	}
	if o.Resources == nil {
		o.Resources = resources.MustLoadDefault()
	}
	if o.Recorder == nil {
		o.Recorder = noopRecorder{}
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.WindowStore == nil {
		o.WindowStore = fusion.NewMemoryWindowStore(cfg.Fusion.WindowSize)
	}
	return &Service{
		cfg:        cfg,
		oracles:    o.Oracles,
		engine:     fusion.NewEngine(cfg.Fusion, o.WindowStore),
		classifier: classify.New(cfg.Classifier),
		machine:    machine,
		table:      o.Resources,
		store:      o.Store,
		dedup:      o.Dedup,
		metrics:    o.Recorder,
		now:        o.Clock,
		locks:      util.NewKeyedMutex(),
		priors:     make(map[string]classify.Prior),
	}, nil
}

// Engine exposes the fusion engine for maintenance sweeps.
func (s *Service) Engine() *fusion.Engine {
	return s.engine
}

// Machine exposes the escalation machine.
func (s *Service) Machine() *escalation.Machine {
	return s.machine
}

// Assess scores one modality and feeds the result through fusion,
// classification and the escalation machine.
func (s *Service) Assess(ctx context.Context, req AssessRequest) (*models.AssessmentResult, error) {
	if err := models.ValidateUserID(req.UserID); err != nil {
		return nil, err
	}
	if err := req.Input.Validate(); err != nil {
		return nil, fmt.Errorf("%s input: %w", req.Input.Modality, err)
	}
	return s.run(ctx, req.UserID, req.RequestID, []models.ModalityInput{req.Input})
}

// AssessMulti scores up to one input per modality concurrently and applies the
// readings as a single assessment.
func (s *Service) AssessMulti(ctx context.Context, req MultiAssessRequest) (*models.AssessmentResult, error) {
	if err := models.ValidateUserID(req.UserID); err != nil {
		return nil, err
	}
	if len(req.Inputs) == 0 {
		return nil, fmt.Errorf("at least one input is required: %w", models.ErrInvalidInput)
	}
	seen := make(map[models.Modality]bool, len(req.Inputs))
	for _, in := range req.Inputs {
		if err := in.Validate(); err != nil {
			return nil, fmt.Errorf("%s input: %w", in.Modality, err)
		}
		if seen[in.Modality] {
			return nil, fmt.Errorf("duplicate %s input: %w", in.Modality, models.ErrInvalidInput)
		}
		seen[in.Modality] = true
	}
	return s.run(ctx, req.UserID, req.RequestID, req.Inputs)
}

func (s *Service) run(ctx context.Context, userID, requestID string, inputs []models.ModalityInput) (*models.AssessmentResult, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	if requestID != "" && s.dedup != nil {
		dup, err := s.dedup.IsDuplicate(requestID)
		if err != nil {
			slog.Error("Service.run: dedup check failed, processing anyway", "userID", userID, "requestID", requestID, "error", err)
		} else if dup {
			slog.Info("Service.run: duplicate request, returning current state", "userID", userID, "requestID", requestID)
			return s.snapshot(ctx, userID)
		}
	}

	now := s.now()
	readings, degraded, err := s.scoreAll(ctx, inputs, now)
	if err != nil {
		return nil, err
	}
	for _, m := range degraded {
		s.metrics.RecordOracleFailure(m)
		slog.Warn("Service.run: modality degraded, proceeding without it", "userID", userID, "modality", m)
	}

	result, err := s.apply(ctx, userID, readings, now)
	if err != nil {
		return nil, err
	}
	result.Degraded = degraded

	// Only applied requests are recorded so a failed one can be retried.
	if requestID != "" && s.dedup != nil {
		if _, err := s.dedup.RecordInbound(requestID, userID); err != nil {
			slog.Warn("Service.run: record request failed", "requestID", requestID, "error", err)
		} else if err := s.dedup.MarkProcessed(requestID); err != nil {
			slog.Warn("Service.run: mark processed failed", "requestID", requestID, "error", err)
		}
	}
	return result, nil
}

// scoreAll runs the oracles concurrently. Readings come back in canonical
// modality order. A failed or rejected modality is dropped as degraded; the
// request fails only when every input was rejected and nothing survived.
func (s *Service) scoreAll(ctx context.Context, inputs []models.ModalityInput, now time.Time) ([]models.EmotionScore, []models.Modality, error) {
	type outcome struct {
		reading  *models.EmotionScore
		degraded bool
		rejected error
	}
	results := make([]outcome, len(inputs))

	var g errgroup.Group
	for i, in := range inputs {
		g.Go(func() error {
			reading, degraded, rejected := s.score(ctx, in, now)
			results[i] = outcome{reading: reading, degraded: degraded, rejected: rejected}
			return nil
		})
	}
	_ = g.Wait()

	byModality := make(map[models.Modality]outcome, len(results))
	var rejections []error
	for i, in := range inputs {
		byModality[in.Modality] = results[i]
		if results[i].rejected != nil {
			rejections = append(rejections, results[i].rejected)
		}
	}
	var readings []models.EmotionScore
	var degraded []models.Modality
	for _, m := range models.Modalities {
		r, ok := byModality[m]
		if !ok {
			continue
		}
		if r.degraded {
			degraded = append(degraded, m)
		}
		if r.reading != nil {
			readings = append(readings, *r.reading)
		}
	}
	if len(readings) == 0 && len(rejections) == len(inputs) {
		return nil, nil, errors.Join(rejections...)
	}
	return readings, degraded, nil
}

// score produces the reading for one input. When the oracle fails but the
// text matched a crisis phrase, a zero-confidence flagged reading still
// carries the keyword floor. A rejected payload is reported so the caller can
// fail a request in which nothing else was usable.
func (s *Service) score(ctx context.Context, in models.ModalityInput, now time.Time) (*models.EmotionScore, bool, error) {
	flagged := false
	if in.Modality == models.ModalityText {
		if matched := s.classifier.MatchCrisisPhrases(in.Text); len(matched) > 0 {
			slog.Info("Service.score: crisis phrase matched", "phrases", matched)
			flagged = true
		}
	}

	var rejected error
	raw, err := s.oracles.Score(ctx, in.Modality, in)
	if err == nil {
		var reading models.EmotionScore
		reading, err = emotion.Normalize(in.Modality, raw, now)
		if err == nil {
			reading.KeywordFlagged = flagged
			return &reading, false, nil
		}
		slog.Warn("Service.score: oracle returned a malformed result", "modality", in.Modality, "error", err)
	} else if errors.Is(err, models.ErrInvalidInput) {
		slog.Warn("Service.score: oracle rejected payload", "modality", in.Modality, "error", err)
		rejected = fmt.Errorf("%s payload rejected: %w", in.Modality, err)
	}

	if !flagged {
		return nil, true, rejected
	}
	return &models.EmotionScore{
		Modality:       in.Modality,
		Distribution:   models.UniformDistribution(),
		Confidence:     0,
		CapturedAt:     now,
		KeywordFlagged: true,
	}, true, rejected
}

// apply appends readings, fuses, classifies and drives the machine. The user
// lock must be held.
func (s *Service) apply(ctx context.Context, userID string, readings []models.EmotionScore, now time.Time) (*models.AssessmentResult, error) {
	for _, r := range readings {
		if s.store != nil {
			if err := s.store.AddEmotionReading(userID, r); err != nil {
				slog.Error("Service.apply: failed to persist reading", "userID", userID, "modality", r.Modality, "error", err)
			}
		}
	}

	var a models.CrisisAssessment
	var err error
	if len(readings) == 0 {
		a, err = s.engine.Current(ctx, userID, now)
	} else {
		for _, r := range readings {
			if a, err = s.engine.Observe(ctx, userID, r, now); err != nil && !errors.Is(err, models.ErrInsufficientSignal) {
				break
			}
		}
	}
	if errors.Is(err, models.ErrInsufficientSignal) {
		slog.Info("Service.apply: no usable signal", "userID", userID)
		return s.noSignal(userID, now), nil
	}
	if err != nil {
		return nil, err
	}

	prior := s.prior(userID)
	level := s.classifier.Classify(a, prior)
	s.setPrior(userID, classify.Prior{Level: level, At: a.ComputedAt, Valid: true})

	ev, err := s.machine.OnAssessment(ctx, userID, level)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordAssessment(level, a.CrisisScore)
	s.refreshOpenGauge()

	slog.Info("Service.apply: assessed", "userID", userID, "score", a.CrisisScore, "level", level, "prior", prior.Level, "priorValid", prior.Valid, "keywordOverride", a.KeywordOverride)
	res := &models.AssessmentResult{
		Assessment:  a,
		Level:       level,
		ActiveEvent: ev,
		Resources:   s.table.Select(resourceLevel(level, ev)),
	}
	if level == models.LevelModerate && ev == nil {
		// A failed booking never fails the assessment; the next MODERATE one retries.
		cb, err := s.machine.RequestCallback(ctx, userID)
		if err != nil {
			slog.Warn("Service.apply: counselor callback not booked", "userID", userID, "error", err)
		}
		res.Callback = cb
	}
	return res, nil
}

// noSignal builds the neutral placeholder result. Classifier prior and events
// are untouched; an active event is still reported.
func (s *Service) noSignal(userID string, now time.Time) *models.AssessmentResult {
	ev := s.machine.ActiveEvent(userID)
	return &models.AssessmentResult{
		Assessment:  models.NoSignalAssessment(userID, now),
		Level:       models.LevelLow,
		ActiveEvent: ev,
		Resources:   s.table.Select(resourceLevel(models.LevelLow, ev)),
	}
}

// snapshot reports current state without applying anything.
func (s *Service) snapshot(ctx context.Context, userID string) (*models.AssessmentResult, error) {
	now := s.now()
	a, err := s.engine.Current(ctx, userID, now)
	if errors.Is(err, models.ErrInsufficientSignal) {
		res := s.noSignal(userID, now)
		res.Duplicate = true
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	level := models.LevelLow
	if p := s.prior(userID); p.Valid {
		level = p.Level
	}
	ev := s.machine.ActiveEvent(userID)
	return &models.AssessmentResult{
		Assessment:  a,
		Level:       level,
		ActiveEvent: ev,
		Resources:   s.table.Select(resourceLevel(level, ev)),
		Duplicate:   true,
	}, nil
}

// resourceLevel is the level resources are chosen for: an open event never
// shows calmer resources than its own level.
func resourceLevel(level models.CrisisLevel, ev *models.CrisisEvent) models.CrisisLevel {
	if ev != nil && ev.IsOpen() && ev.Level > level {
		return ev.Level
	}
	return level
}

func (s *Service) prior(userID string) classify.Prior {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priors[userID]
}

func (s *Service) setPrior(userID string, p classify.Prior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priors[userID] = p
}

func (s *Service) refreshOpenGauge() {
	_, open := s.machine.Stats()
	s.metrics.SetOpenEvents(open)
}

// Panic forces the SEVERE path for a user, bypassing the classifier.
func (s *Service) Panic(ctx context.Context, userID string) (*models.CrisisEvent, error) {
	if err := models.ValidateUserID(userID); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(userID)
	defer unlock()

	ev, err := s.machine.Panic(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.setPrior(userID, classify.Prior{Level: models.LevelSevere, At: s.now(), Valid: true})
	s.refreshOpenGauge()
	slog.Warn("Service.Panic: panic signal handled", "userID", userID, "eventID", ev.ID)
	return ev, nil
}

// ConnectCounselor asks for a live counselor on the user's behalf.
func (s *Service) ConnectCounselor(ctx context.Context, userID string, preference models.CounselorPreference) (*models.CounselorConnection, error) {
	return s.machine.ConnectCounselor(ctx, userID, preference)
}

// ConfirmSafe records a safety confirmation for an event.
func (s *Service) ConfirmSafe(ctx context.Context, eventID string) error {
	return s.machine.ConfirmSafe(ctx, eventID)
}

// Resolve closes an event.
func (s *Service) Resolve(ctx context.Context, eventID string) error {
	if err := s.machine.Resolve(ctx, eventID); err != nil {
		return err
	}
	s.refreshOpenGauge()
	return nil
}

// GetActiveEvent returns the user's open event, or nil.
func (s *Service) GetActiveEvent(userID string) (*models.CrisisEvent, error) {
	if err := models.ValidateUserID(userID); err != nil {
		return nil, err
	}
	return s.machine.ActiveEvent(userID), nil
}

// Event returns an event snapshot, falling back to the store for events the
// machine no longer holds in memory.
func (s *Service) Event(eventID string) (*models.CrisisEvent, error) {
	ev, err := s.machine.Event(eventID)
	if err == nil || !errors.Is(err, models.ErrNotFound) || s.store == nil {
		return ev, err
	}
	return s.store.GetCrisisEvent(eventID)
}

// Events lists a user's persisted events, newest first.
func (s *Service) Events(userID string) ([]models.CrisisEvent, error) {
	if err := models.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if s.store == nil {
		if ev := s.machine.ActiveEvent(userID); ev != nil {
			return []models.CrisisEvent{*ev}, nil
		}
		return nil, nil
	}
	return s.store.ListCrisisEventsByUser(userID)
}

// Resources returns the ordered actions for a level.
func (s *Service) Resources(level models.CrisisLevel) []models.Action {
	return s.table.Select(level)
}

// ResourceTier returns the framing text and actions for a level.
func (s *Service) ResourceTier(level models.CrisisLevel) resources.Tier {
	return s.table.Tier(level)
}

// History returns the user's most recent persisted readings, oldest first.
func (s *Service) History(userID string, limit int) ([]models.EmotionScore, error) {
	if err := models.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if s.store == nil {
		return nil, nil
	}
	if limit <= 0 || limit > s.cfg.HistoryLimit {
		limit = s.cfg.HistoryLimit
	}
	return s.store.GetEmotionReadings(userID, limit)
}

// AddContact registers or updates an emergency contact.
func (s *Service) AddContact(c models.EmergencyContact) error {
	if err := models.ValidateUserID(c.UserID); err != nil {
		return err
	}
	if s.store == nil {
		return fmt.Errorf("no contact store configured")
	}
	if err := s.store.SaveEmergencyContact(c); err != nil {
		return err
	}
	slog.Info("Service.AddContact: contact saved", "userID", c.UserID)
	return nil
}

// Contacts lists a user's emergency contacts.
func (s *Service) Contacts(userID string) ([]models.EmergencyContact, error) {
	if err := models.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if s.store == nil {
		return nil, nil
	}
	return s.store.GetEmergencyContacts(userID)
}

// RemoveContact deletes an emergency contact.
func (s *Service) RemoveContact(userID, phone string) error {
	if err := models.ValidateUserID(userID); err != nil {
		return err
	}
	if s.store == nil {
		return fmt.Errorf("contact %s: %w", phone, models.ErrNotFound)
	}
	return s.store.DeleteEmergencyContact(userID, phone)
}
