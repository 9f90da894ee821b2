package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// immediateActions lists the side effects that run when an event reaches a level.
func immediateActions(level models.CrisisLevel) []models.ActionType {
	switch level {
	case models.LevelHigh, models.LevelSevere:
		return []models.ActionType{models.ActionCounselorConnect, models.ActionNotifyContacts}
	default:
		return nil
	}
}

// counselorPriority is the urgency for a level, raised one step per escalation round.
func counselorPriority(level models.CrisisLevel, round int) models.Priority {
	p := models.PriorityRoutine
	switch level {
	case models.LevelSevere:
		p = models.PriorityUrgent
	case models.LevelHigh:
		p = models.PriorityHigh
	}
	for i := 0; i < round; i++ {
		p = p.Raise()
	}
	return p
}

func (m *Machine) runImmediate(ctx context.Context, st *eventState, level models.CrisisLevel) {
	for _, action := range immediateActions(level) {
		m.execute(ctx, st, action, level, 0)
	}
}

// execute runs an action unless its key already succeeded. Failed attempts are
// recorded and never abort the caller's transition.
func (m *Machine) execute(ctx context.Context, st *eventState, action models.ActionType, level models.CrisisLevel, round int) {
	ev := st.ev
	key := models.ActionKey(action, level, round)
	if ev.Succeeded(key) {
		slog.Debug("Machine.execute: action already succeeded, skipping", "eventID", ev.ID, "key", key)
		return
	}

	for i := 0; i < m.cfg.ActionAttempts; i++ {
		attempt := ev.Attempts(key) + 1
		if attempt > m.cfg.MaxActionAttempts {
			slog.Warn("Machine.execute: attempt limit reached", "eventID", ev.ID, "key", key, "attempts", attempt-1)
			return
		}
		detail, err := m.perform(ctx, ev, action, level, round)
		rec := models.ActionRecord{
			Action:  action,
			Level:   level,
			Round:   round,
			Attempt: attempt,
			Detail:  detail,
			At:      m.clock.Now(),
		}
		if err == nil {
			rec.Status = models.ActionSucceeded
			ev.ActionsTaken = append(ev.ActionsTaken, rec)
			m.metrics.ActionExecuted(action, rec.Status)
			slog.Info("Machine.execute: action succeeded", "eventID", ev.ID, "userID", ev.UserID, "key", key, "attempt", attempt)
			return
		}

		rec.Status = models.ActionFailed
		rec.Detail = err.Error()
		ev.ActionsTaken = append(ev.ActionsTaken, rec)
		m.metrics.ActionExecuted(action, rec.Status)
		slog.Error("Machine.execute: action failed", "eventID", ev.ID, "userID", ev.UserID, "key", key, "attempt", attempt, "error", err)
		m.alert(ctx, models.AlertWarning, "action_failed", ev, fmt.Sprintf("%s failed on attempt %d", key, attempt), err)

		if errors.Is(err, models.ErrNoContacts) {
			return
		}
	}
}

// retryFailed re-runs actions of the event that have failed and never succeeded.
func (m *Machine) retryFailed(ctx context.Context, st *eventState) {
	type pending struct {
		action models.ActionType
		level  models.CrisisLevel
		round  int
	}
	var todo []pending
	seen := make(map[string]bool)
	for _, r := range st.ev.ActionsTaken {
		key := r.Key()
		if seen[key] || r.Action == models.ActionEscalate {
			continue
		}
		seen[key] = true
		if !st.ev.Succeeded(key) && st.ev.Attempts(key) < m.cfg.MaxActionAttempts {
			todo = append(todo, pending{r.Action, r.Level, r.Round})
		}
	}
	for _, p := range todo {
		slog.Debug("Machine.retryFailed: retrying action", "eventID", st.ev.ID, "action", p.action, "level", p.level, "round", p.round)
		m.execute(ctx, st, p.action, p.level, p.round)
	}
}

func (m *Machine) perform(ctx context.Context, ev *models.CrisisEvent, action models.ActionType, level models.CrisisLevel, round int) (string, error) {
	switch action {
	case models.ActionCounselorConnect:
		priority := counselorPriority(level, round)
		conn, err := m.counselor.Connect(ctx, ev.UserID, priority, models.PreferenceAny)
		if err != nil {
			return "", err
		}
		if conn == nil {
			return fmt.Sprintf("counselor requested at %s priority", priority), nil
		}
		return fmt.Sprintf("counselor session %s at %s priority", conn.SessionID, priority), nil
	case models.ActionNotifyContacts:
		err := m.notifier.NotifyContacts(ctx, NotifyRequest{
			UserID:  ev.UserID,
			EventID: ev.ID,
			Level:   level,
			Round:   round,
		})
		if err != nil {
			return "", err
		}
		return "emergency contacts notified", nil
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
}
