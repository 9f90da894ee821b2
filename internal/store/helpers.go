package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfNilTime maps a nil time pointer to a NULL column.
func nilIfNilTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const crisisEventColumns = `id, user_id, level, status, opened_at, closed_at, updated_at, safety_checks_remaining, escalations, safe_confirmed_at, actions_json`

// scanCrisisEvent scans a CrisisEvent from a row.
func scanCrisisEvent(row rowScanner) (*models.CrisisEvent, error) {
	var ev models.CrisisEvent
	var level, status, actionsJSON string
	var closedAt, confirmedAt sql.NullTime
	err := row.Scan(
		&ev.ID, &ev.UserID, &level, &status, &ev.OpenedAt, &closedAt, &ev.UpdatedAt,
		&ev.SafetyChecksRemaining, &ev.Escalations, &confirmedAt, &actionsJSON,
	)
	if err != nil {
		return nil, err
	}
	if ev.Level, err = models.ParseCrisisLevel(level); err != nil {
		return nil, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	ev.Status = models.EventStatus(status)
	if closedAt.Valid {
		t := closedAt.Time
		ev.ClosedAt = &t
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		ev.SafeConfirmedAt = &t
	}
	ev.ActionsTaken = []models.ActionRecord{}
	if actionsJSON != "" {
		if err := json.Unmarshal([]byte(actionsJSON), &ev.ActionsTaken); err != nil {
			return nil, fmt.Errorf("event %s: failed to decode actions: %w", ev.ID, err)
		}
	}
	return &ev, nil
}

// scanCrisisEvents drains rows into a slice.
func scanCrisisEvents(rows *sql.Rows) ([]models.CrisisEvent, error) {
	defer rows.Close()
	var out []models.CrisisEvent
	for rows.Next() {
		ev, err := scanCrisisEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan crisis event row: %w", err)
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate crisis event rows: %w", err)
	}
	return out, nil
}

// scanEmotionReadings drains rows of (modality, distribution_json, confidence, keyword_flagged, captured_at).
func scanEmotionReadings(rows *sql.Rows) ([]models.EmotionScore, error) {
	defer rows.Close()
	var out []models.EmotionScore
	for rows.Next() {
		var s models.EmotionScore
		var modality, distJSON string
		if err := rows.Scan(&modality, &distJSON, &s.Confidence, &s.KeywordFlagged, &s.CapturedAt); err != nil {
			return nil, fmt.Errorf("failed to scan emotion reading: %w", err)
		}
		s.Modality = models.Modality(modality)
		if err := json.Unmarshal([]byte(distJSON), &s.Distribution); err != nil {
			return nil, fmt.Errorf("failed to decode distribution: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate emotion readings: %w", err)
	}
	// Queries return newest first so LIMIT keeps the most recent; flip to oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// scanContacts drains rows of (user_id, phone, name, relationship, created_at).
func scanContacts(rows *sql.Rows) ([]models.EmergencyContact, error) {
	defer rows.Close()
	var out []models.EmergencyContact
	for rows.Next() {
		var c models.EmergencyContact
		var rel sql.NullString
		if err := rows.Scan(&c.UserID, &c.Phone, &c.Name, &rel, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		c.Relationship = rel.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contacts: %w", err)
	}
	return out, nil
}

// scanOutboxMessage scans an OutboxMessage from sql.Rows.
func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	var status string
	err := rows.Scan(
		&m.ID, &m.UserID, &m.Kind, &payloadJSON, &status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.Status = OutboxStatus(status)
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time
		m.NextAttemptAt = &t
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		m.LockedAt = &t
	}
	return m, nil
}

func marshalDistribution(d models.Distribution) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal distribution: %w", err)
	}
	return string(b), nil
}
