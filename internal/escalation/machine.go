// Package escalation implements the per-user crisis event state machine.
//
// A user has at most one open event. HIGH and SEVERE assessments open an event
// and trigger its immediate actions; the event then runs a budget of timed safety
// checks. A check budget that runs out without a fresh safety confirmation
// escalates the event and starts a new budget; a confirmed budget simply starts
// the next one. Events close only when resolved.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CrisisPipe/internal/models"
	"github.com/BTreeMap/CrisisPipe/internal/timer"
	"github.com/BTreeMap/CrisisPipe/internal/util"
)

// Config holds the safety protocol parameters.
type Config struct {
	// CheckInterval is the delay between safety checks.
	CheckInterval time.Duration `yaml:"check_interval"`
	// HighChecks is the check budget for HIGH events.
	HighChecks int `yaml:"high_checks"`
	// SevereChecks is the check budget for SEVERE events.
	SevereChecks int `yaml:"severe_checks"`
	// ActionAttempts is the number of immediate attempts per action trigger.
	ActionAttempts int `yaml:"action_attempts"`
	// MaxActionAttempts caps the attempts for one action key across retries.
	MaxActionAttempts int `yaml:"max_action_attempts"`
	// Retention is how long closed events stay queryable in memory.
	Retention time.Duration `yaml:"retention"`
	// CallbackCooldown is the minimum gap between two counselor callbacks
	// booked for the same MODERATE user.
	CallbackCooldown time.Duration `yaml:"callback_cooldown"`
}

// DefaultConfig returns six checks five minutes apart for HIGH and ten for SEVERE.
func DefaultConfig() Config {
	return Config{
		CheckInterval:     5 * time.Minute,
		HighChecks:        6,
		SevereChecks:      10,
		ActionAttempts:    2,
		MaxActionAttempts: 6,
		Retention:         24 * time.Hour,
		CallbackCooldown:  12 * time.Hour,
	}
}

// Validate checks the protocol parameters.
func (c Config) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be positive: %w", models.ErrInvalidInput)
	}
	if c.HighChecks <= 0 || c.SevereChecks <= 0 {
		return fmt.Errorf("check budgets must be positive: %w", models.ErrInvalidInput)
	}
	if c.ActionAttempts <= 0 || c.MaxActionAttempts < c.ActionAttempts {
		return fmt.Errorf("action attempts must be positive and within the maximum: %w", models.ErrInvalidInput)
	}
	if c.CallbackCooldown < 0 {
		return fmt.Errorf("callback cooldown must not be negative: %w", models.ErrInvalidInput)
	}
	return nil
}

// Budget returns the safety check budget for a level.
func (c Config) Budget(level models.CrisisLevel) int {
	switch level {
	case models.LevelSevere:
		return c.SevereChecks
	case models.LevelHigh:
		return c.HighChecks
	default:
		return 0
	}
}

// eventState is the machine's private record for one event. All fields are
// guarded by the owning user's lock.
type eventState struct {
	ev             *models.CrisisEvent
	timerID        string
	tickSeq        uint64
	pendingConfirm bool
}

// Machine owns every crisis event. Mutations for one user are serialized by a
// per-user lock; different users proceed in parallel.
type Machine struct {
	cfg       Config
	notifier  Notifier
	counselor Counselor
	alerter   Alerter
	store     EventStore
	sched     Scheduler
	clock     Clock
	metrics   Recorder

	locks *util.KeyedMutex

	mu        sync.RWMutex
	events    map[string]*eventState
	active    map[string]string
	callbacks map[string]*models.CounselorCallback
}

// New creates a Machine. Collaborators that are not supplied default to
// logging no-ops, a wall clock and an in-process timer.
func New(cfg Config, opts ...Option) *Machine {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Notifier == nil {
		o.Notifier = noopNotifier{}
	}
	if o.Counselor == nil {
		o.Counselor = noopCounselor{}
	}
	if o.Alerter == nil {
		o.Alerter = noopAlerter{}
	}
	if o.Store == nil {
		o.Store = noopStore{}
	}
	if o.Scheduler == nil {
		o.Scheduler = timer.NewSimpleTimer()
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	if o.Recorder == nil {
		o.Recorder = noopRecorder{}
	}
	return &Machine{
		cfg:       cfg,
		notifier:  o.Notifier,
		counselor: o.Counselor,
		alerter:   o.Alerter,
		store:     o.Store,
		sched:     o.Scheduler,
		clock:     o.Clock,
		metrics:   o.Recorder,
		locks:     util.NewKeyedMutex(),
		events:    make(map[string]*eventState),
		active:    make(map[string]string),
		callbacks: make(map[string]*models.CounselorCallback),
	}
}

// OnAssessment applies a classified level to the user's event. It opens an
// event for HIGH or SEVERE when none is active, raises the level of an active
// event, and leaves the event untouched for equal or lower levels. It returns a
// snapshot of the active event, or nil.
func (m *Machine) OnAssessment(ctx context.Context, userID string, level models.CrisisLevel) (*models.CrisisEvent, error) {
	if err := models.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if !level.Valid() {
		return nil, fmt.Errorf("crisis level %d: %w", int(level), models.ErrInvalidInput)
	}

	unlock := m.locks.Lock(userID)
	defer unlock()

	st := m.activeState(userID)
	if st == nil {
		if level < models.LevelHigh {
			return nil, nil
		}
		st = m.open(ctx, userID, level)
		return st.ev.Clone(), nil
	}

	if level > st.ev.Level {
		m.raise(ctx, st, level)
	}
	return st.ev.Clone(), nil
}

// Panic opens or raises the user's event to SEVERE.
func (m *Machine) Panic(ctx context.Context, userID string) (*models.CrisisEvent, error) {
	ev, err := m.OnAssessment(ctx, userID, models.LevelSevere)
	if err != nil {
		return nil, err
	}
	m.alert(ctx, models.AlertCritical, "panic", ev, "user pressed the panic button", nil)
	return ev, nil
}

// OnSafetyCheckTick processes one safety check for an event immediately,
// replacing any pending timer.
func (m *Machine) OnSafetyCheckTick(ctx context.Context, eventID string) error {
	st, err := m.lookup(eventID)
	if err != nil {
		return m.closedInStore(eventID, err)
	}
	unlock := m.locks.Lock(st.ev.UserID)
	defer unlock()
	if st.ev.Status.IsTerminal() {
		slog.Debug("Machine.OnSafetyCheckTick: event closed, ignoring", "eventID", eventID)
		return nil
	}
	m.cancelTimer(st)
	m.processTick(ctx, st)
	return nil
}

// tick is the timer callback. It is dropped when a newer tick was scheduled or
// the event closed in the meantime.
func (m *Machine) tick(eventID string, seq uint64) {
	st, err := m.lookup(eventID)
	if err != nil {
		slog.Debug("Machine.tick: event gone", "eventID", eventID)
		m.metrics.TickDropped()
		return
	}
	unlock := m.locks.Lock(st.ev.UserID)
	defer unlock()
	if st.ev.Status.IsTerminal() || st.tickSeq != seq {
		slog.Debug("Machine.tick: stale tick dropped", "eventID", eventID, "seq", seq, "current", st.tickSeq, "status", st.ev.Status)
		m.metrics.TickDropped()
		return
	}
	st.timerID = ""
	m.processTick(context.Background(), st)
}

func (m *Machine) processTick(ctx context.Context, st *eventState) {
	ev := st.ev
	if ev.SafetyChecksRemaining > 0 {
		ev.SafetyChecksRemaining--
	}
	ev.UpdatedAt = m.clock.Now()
	m.retryFailed(ctx, st)

	confirmed := st.pendingConfirm
	st.pendingConfirm = false
	slog.Info("Machine.processTick: safety check", "eventID", ev.ID, "userID", ev.UserID, "remaining", ev.SafetyChecksRemaining, "confirmed", confirmed)

	switch {
	case ev.SafetyChecksRemaining > 0:
		m.armTimer(ctx, st)
	case confirmed:
		// The event stays open until resolved, so checks continue with a new cycle.
		ev.SafetyChecksRemaining = m.cfg.Budget(ev.Level)
		slog.Info("Machine.processTick: safety cycle completed with confirmation, starting a new cycle", "eventID", ev.ID, "userID", ev.UserID, "remaining", ev.SafetyChecksRemaining)
		m.armTimer(ctx, st)
	default:
		m.escalate(ctx, st)
	}
	m.persist(ctx, ev)
}

// ConfirmSafe records a safety confirmation. It counts for the next check.
func (m *Machine) ConfirmSafe(ctx context.Context, eventID string) error {
	st, err := m.lookup(eventID)
	if err != nil {
		return m.closedInStore(eventID, err)
	}
	unlock := m.locks.Lock(st.ev.UserID)
	defer unlock()
	if st.ev.Status.IsTerminal() {
		slog.Debug("Machine.ConfirmSafe: event closed, ignoring", "eventID", eventID)
		return nil
	}
	now := m.clock.Now()
	st.ev.SafeConfirmedAt = &now
	st.ev.UpdatedAt = now
	st.pendingConfirm = true
	slog.Info("Machine.ConfirmSafe: safety confirmed", "eventID", eventID, "userID", st.ev.UserID)
	m.persist(ctx, st.ev)
	return nil
}

// Resolve closes an event from any open state and cancels its pending check.
// Resolving a closed event is a no-op, also once it was pruned from memory.
func (m *Machine) Resolve(ctx context.Context, eventID string) error {
	st, err := m.lookup(eventID)
	if err != nil {
		return m.closedInStore(eventID, err)
	}
	unlock := m.locks.Lock(st.ev.UserID)
	defer unlock()
	if st.ev.Status.IsTerminal() {
		return nil
	}
	m.cancelTimer(st)
	now := m.clock.Now()
	st.ev.Status = models.EventStatusResolved
	st.ev.ClosedAt = &now
	st.ev.UpdatedAt = now
	st.pendingConfirm = false

	m.mu.Lock()
	if m.active[st.ev.UserID] == st.ev.ID {
		delete(m.active, st.ev.UserID)
	}
	m.mu.Unlock()

	slog.Info("Machine.Resolve: event resolved", "eventID", eventID, "userID", st.ev.UserID, "level", st.ev.Level)
	m.metrics.EventResolved(st.ev.Level)
	m.persist(ctx, st.ev)
	return nil
}

// ActiveEvent returns a snapshot of the user's open event, or nil.
func (m *Machine) ActiveEvent(userID string) *models.CrisisEvent {
	unlock := m.locks.Lock(userID)
	defer unlock()
	if st := m.activeState(userID); st != nil {
		return st.ev.Clone()
	}
	return nil
}

// Event returns a snapshot of any known event.
func (m *Machine) Event(eventID string) (*models.CrisisEvent, error) {
	st, err := m.lookup(eventID)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(st.ev.UserID)
	defer unlock()
	return st.ev.Clone(), nil
}

// Restore registers a persisted open event after a restart and re-arms its
// safety check. Closed events and users that already have an active event are
// skipped.
func (m *Machine) Restore(ctx context.Context, ev *models.CrisisEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("restore: %w", models.ErrInvalidInput)
	}
	unlock := m.locks.Lock(ev.UserID)
	defer unlock()

	if !ev.IsOpen() {
		return nil
	}
	if cur := m.activeState(ev.UserID); cur != nil {
		if cur.ev.ID == ev.ID {
			return nil
		}
		return fmt.Errorf("user %s already has active event %s", ev.UserID, cur.ev.ID)
	}
	st := &eventState{ev: ev.Clone()}
	m.mu.Lock()
	m.events[ev.ID] = st
	m.active[ev.UserID] = ev.ID
	m.mu.Unlock()

	if st.ev.SafetyChecksRemaining <= 0 {
		st.ev.SafetyChecksRemaining = m.cfg.Budget(st.ev.Level)
	}
	m.armTimer(ctx, st)
	slog.Info("Machine.Restore: event restored", "eventID", ev.ID, "userID", ev.UserID, "level", ev.Level, "remaining", ev.SafetyChecksRemaining)
	return nil
}

// PruneClosed forgets closed events that closed before cutoff, and callback
// bookings whose cooldown has passed.
func (m *Machine) PruneClosed(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, st := range m.events {
		// Closed events never change again, so reading them here is safe.
		if m.active[st.ev.UserID] == id {
			continue
		}
		if st.ev.ClosedAt != nil && st.ev.ClosedAt.Before(cutoff) {
			delete(m.events, id)
			pruned++
		}
	}
	expired := m.pruneCallbacks()
	if pruned > 0 || expired > 0 {
		slog.Debug("Machine.PruneClosed: pruned closed events", "count", pruned, "expiredCallbacks", expired)
	}
	return pruned
}

// Retention returns how long closed events are kept.
func (m *Machine) Retention() time.Duration {
	return m.cfg.Retention
}

// Stats reports the number of tracked and open events.
func (m *Machine) Stats() (tracked, open int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events), len(m.active)
}

func (m *Machine) lookup(eventID string) (*eventState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.events[eventID]
	if !ok {
		return nil, fmt.Errorf("crisis event %s: %w", eventID, models.ErrNotFound)
	}
	return st, nil
}

// closedInStore turns a lookup miss into a no-op when the event was pruned
// from memory but the store still has it closed.
func (m *Machine) closedInStore(eventID string, missErr error) error {
	loader, ok := m.store.(EventLoader)
	if !ok {
		return missErr
	}
	ev, err := loader.GetCrisisEvent(eventID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("Machine.closedInStore: store lookup failed", "eventID", eventID, "error", err)
		}
		return missErr
	}
	if ev.Status.IsTerminal() {
		slog.Debug("Machine.closedInStore: event closed and pruned, ignoring", "eventID", eventID)
		return nil
	}
	return missErr
}

func (m *Machine) activeState(userID string) *eventState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.active[userID]
	if !ok {
		return nil
	}
	return m.events[id]
}

func (m *Machine) open(ctx context.Context, userID string, level models.CrisisLevel) *eventState {
	now := m.clock.Now()
	ev := &models.CrisisEvent{
		ID:                    uuid.NewString(),
		UserID:                userID,
		Level:                 level,
		Status:                models.EventStatusOpen,
		OpenedAt:              now,
		UpdatedAt:             now,
		SafetyChecksRemaining: m.cfg.Budget(level),
		ActionsTaken:          []models.ActionRecord{},
	}
	st := &eventState{ev: ev}
	m.mu.Lock()
	m.events[ev.ID] = st
	m.active[userID] = ev.ID
	m.mu.Unlock()

	slog.Info("Machine.open: crisis event opened", "eventID", ev.ID, "userID", userID, "level", level)
	m.metrics.EventOpened(level)
	severity := models.AlertWarning
	if level == models.LevelSevere {
		severity = models.AlertCritical
	}
	m.alert(ctx, severity, "crisis_opened", ev, fmt.Sprintf("%s crisis event opened", level), nil)

	m.runImmediate(ctx, st, level)
	m.armTimer(ctx, st)
	m.persist(ctx, ev)
	return st
}

func (m *Machine) raise(ctx context.Context, st *eventState, level models.CrisisLevel) {
	ev := st.ev
	prev := ev.Level
	ev.Level = level
	if b := m.cfg.Budget(level); b > ev.SafetyChecksRemaining {
		ev.SafetyChecksRemaining = b
	}
	ev.UpdatedAt = m.clock.Now()
	slog.Info("Machine.raise: crisis level raised", "eventID", ev.ID, "userID", ev.UserID, "from", prev, "to", level)
	if level == models.LevelSevere {
		m.alert(ctx, models.AlertCritical, "crisis_raised", ev, fmt.Sprintf("crisis raised from %s to %s", prev, level), nil)
	}

	m.runImmediate(ctx, st, level)
	if st.timerID == "" {
		m.armTimer(ctx, st)
	}
	m.persist(ctx, ev)
}

func (m *Machine) escalate(ctx context.Context, st *eventState) {
	ev := st.ev
	round := ev.Escalations + 1
	now := m.clock.Now()

	ev.Status = models.EventStatusTimedOut
	ev.ActionsTaken = append(ev.ActionsTaken, models.ActionRecord{
		Action:  models.ActionEscalate,
		Level:   ev.Level,
		Round:   round,
		Status:  models.ActionSucceeded,
		Attempt: 1,
		Detail:  "safety check budget exhausted without confirmation",
		At:      now,
	})
	slog.Warn("Machine.escalate: safety checks timed out", "eventID", ev.ID, "userID", ev.UserID, "level", ev.Level, "round", round)
	m.alert(ctx, models.AlertCritical, "safety_timeout", ev, fmt.Sprintf("no safety confirmation, escalation round %d", round), nil)

	m.execute(ctx, st, models.ActionNotifyContacts, ev.Level, round)
	m.execute(ctx, st, models.ActionCounselorConnect, ev.Level, round)

	ev.Escalations = round
	ev.Status = models.EventStatusEscalated
	ev.SafetyChecksRemaining = m.cfg.Budget(ev.Level)
	ev.UpdatedAt = now
	m.metrics.EventEscalated(ev.Level)
	m.armTimer(ctx, st)
}

func (m *Machine) armTimer(ctx context.Context, st *eventState) {
	m.cancelTimer(st)
	st.tickSeq++
	seq, eventID := st.tickSeq, st.ev.ID
	desc := fmt.Sprintf("safety check for event %s (user %s, %d remaining)", eventID, st.ev.UserID, st.ev.SafetyChecksRemaining)
	id, err := m.sched.AfterWithDescription(m.cfg.CheckInterval, desc, func() { m.tick(eventID, seq) })
	if err != nil {
		slog.Error("Machine.armTimer: failed to schedule safety check", "eventID", eventID, "error", err)
		m.alert(ctx, models.AlertCritical, "schedule_failed", st.ev, "failed to schedule safety check", err)
		return
	}
	st.timerID = id
	slog.Debug("Machine.armTimer: safety check scheduled", "eventID", eventID, "timerID", id, "seq", seq, "in", m.cfg.CheckInterval)
}

func (m *Machine) cancelTimer(st *eventState) {
	if st.timerID != "" {
		m.sched.Cancel(st.timerID)
		st.timerID = ""
	}
	st.tickSeq++
}

func (m *Machine) persist(ctx context.Context, ev *models.CrisisEvent) {
	if err := m.store.SaveCrisisEvent(ev.Clone()); err != nil {
		slog.Error("Machine.persist: failed to save crisis event", "eventID", ev.ID, "error", err)
		m.alert(ctx, models.AlertCritical, "persist_failed", ev, "failed to persist crisis event", err)
	}
}

func (m *Machine) alert(ctx context.Context, severity models.AlertSeverity, kind string, ev *models.CrisisEvent, msg string, err error) {
	a := models.OpsAlert{
		Severity: severity,
		Kind:     kind,
		Message:  msg,
		At:       m.clock.Now(),
	}
	if ev != nil {
		a.UserID = ev.UserID
		a.EventID = ev.ID
	}
	if err != nil {
		a.Error = err.Error()
	}
	m.alerter.Alert(ctx, a)
}
