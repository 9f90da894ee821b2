package escalation

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// RequestCallback books a routine counselor callback for a user below the
// event threshold. Within CallbackCooldown of the last booking it returns that
// booking again without calling the dispatch service. Failed bookings are not
// remembered, so the next MODERATE assessment tries again.
func (m *Machine) RequestCallback(ctx context.Context, userID string) (*models.CounselorCallback, error) {
	if err := models.ValidateUserID(userID); err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(userID)
	defer unlock()

	now := m.clock.Now()
	m.mu.RLock()
	last := m.callbacks[userID]
	m.mu.RUnlock()
	if last != nil && now.Sub(last.RequestedAt) < m.cfg.CallbackCooldown {
		slog.Debug("Machine.RequestCallback: callback already booked", "userID", userID, "callbackID", last.CallbackID, "requestedAt", last.RequestedAt)
		cb := *last
		return &cb, nil
	}

	cb, err := m.counselor.ScheduleCallback(ctx, userID, models.PriorityRoutine)
	if err != nil {
		m.metrics.ActionExecuted(models.ActionCounselorCallback, models.ActionFailed)
		slog.Warn("Machine.RequestCallback: callback booking failed", "userID", userID, "error", err)
		return nil, err
	}
	m.metrics.ActionExecuted(models.ActionCounselorCallback, models.ActionSucceeded)

	booked := models.CounselorCallback{UserID: userID, Priority: models.PriorityRoutine, RequestedAt: now}
	if cb != nil {
		booked.CallbackID = cb.CallbackID
		booked.ScheduledFor = cb.ScheduledFor
	}
	m.mu.Lock()
	m.callbacks[userID] = &booked
	m.mu.Unlock()

	slog.Info("Machine.RequestCallback: counselor callback booked", "userID", userID, "callbackID", booked.CallbackID, "scheduledFor", booked.ScheduledFor)
	out := booked
	return &out, nil
}

// ConnectCounselor dispatches a counselor at the user's request. The priority
// follows the user's open event, or routine when there is none.
func (m *Machine) ConnectCounselor(ctx context.Context, userID string, preference models.CounselorPreference) (*models.CounselorConnection, error) {
	if err := models.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if preference == "" {
		preference = models.PreferenceAny
	}
	unlock := m.locks.Lock(userID)
	defer unlock()

	priority := models.PriorityRoutine
	eventID := ""
	if st := m.activeState(userID); st != nil {
		priority = counselorPriority(st.ev.Level, st.ev.Escalations)
		eventID = st.ev.ID
	}

	conn, err := m.counselor.Connect(ctx, userID, priority, preference)
	if err != nil {
		m.metrics.ActionExecuted(models.ActionCounselorConnect, models.ActionFailed)
		slog.Warn("Machine.ConnectCounselor: counselor unavailable", "userID", userID, "eventID", eventID, "priority", priority, "preference", preference, "error", err)
		return nil, err
	}
	m.metrics.ActionExecuted(models.ActionCounselorConnect, models.ActionSucceeded)
	if conn == nil {
		conn = &models.CounselorConnection{Priority: priority, ConnectedAt: m.clock.Now()}
	}
	slog.Info("Machine.ConnectCounselor: user connected to counselor", "userID", userID, "eventID", eventID, "sessionID", conn.SessionID, "priority", priority, "preference", preference)
	return conn, nil
}

// pruneCallbacks forgets bookings whose cooldown has passed. m.mu must be held.
func (m *Machine) pruneCallbacks() int {
	now := m.clock.Now()
	n := 0
	for userID, cb := range m.callbacks {
		if now.Sub(cb.RequestedAt) >= m.cfg.CallbackCooldown {
			delete(m.callbacks, userID)
			n++
		}
	}
	return n
}
