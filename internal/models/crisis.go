package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CrisisLevel is the ordered severity of a crisis assessment.
type CrisisLevel int

const (
	LevelLow CrisisLevel = iota
	LevelModerate
	LevelHigh
	LevelSevere
)

var levelNames = [...]string{"LOW", "MODERATE", "HIGH", "SEVERE"}

// CrisisLevels lists every level in ascending order.
var CrisisLevels = []CrisisLevel{LevelLow, LevelModerate, LevelHigh, LevelSevere}

func (l CrisisLevel) String() string {
	if l < LevelLow || l > LevelSevere {
		return fmt.Sprintf("CrisisLevel(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the four defined levels.
func (l CrisisLevel) Valid() bool {
	return l >= LevelLow && l <= LevelSevere
}

// ParseCrisisLevel parses a level name case-insensitively.
func ParseCrisisLevel(s string) (CrisisLevel, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range levelNames {
		if n == name {
			return CrisisLevel(i), nil
		}
	}
	return LevelLow, fmt.Errorf("unknown crisis level %q: %w", s, ErrInvalidInput)
}

// MarshalText encodes the level as its upper-case name.
func (l CrisisLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid crisis level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText decodes an upper-case level name.
func (l *CrisisLevel) UnmarshalText(b []byte) error {
	v, err := ParseCrisisLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// EventStatus is the lifecycle state of a crisis event.
type EventStatus string

const (
	EventStatusOpen      EventStatus = "OPEN"
	EventStatusEscalated EventStatus = "ESCALATED"
	EventStatusResolved  EventStatus = "RESOLVED"
	EventStatusTimedOut  EventStatus = "TIMED_OUT"
)

// IsTerminal reports whether the status closes an event. TIMED_OUT is transient:
// the machine moves straight on to ESCALATED.
func (s EventStatus) IsTerminal() bool {
	return s == EventStatusResolved
}

// ActionType names a side effect executed on behalf of a crisis event.
type ActionType string

const (
	ActionCounselorConnect  ActionType = "counselor_connect"
	ActionNotifyContacts    ActionType = "notify_contacts"
	ActionEscalate          ActionType = "escalate"
	ActionCounselorCallback ActionType = "counselor_callback"
)

// ActionStatus is the outcome of one action attempt.
type ActionStatus string

const (
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
)

// ActionRecord is one entry of an event's append-only action log.
type ActionRecord struct {
	Action  ActionType   `json:"action"`
	Level   CrisisLevel  `json:"level"`
	Round   int          `json:"round"`
	Status  ActionStatus `json:"status"`
	Attempt int          `json:"attempt"`
	Detail  string       `json:"detail,omitempty"`
	At      time.Time    `json:"at"`
}

// Key returns the idempotency key of the action: type, level and escalation round.
func (r ActionRecord) Key() string {
	return ActionKey(r.Action, r.Level, r.Round)
}

// ActionKey builds the idempotency key for an action.
func ActionKey(action ActionType, level CrisisLevel, round int) string {
	return fmt.Sprintf("%s:%s:%d", action, level, round)
}

// CrisisEvent is an open or closed safety protocol instance for one user.
type CrisisEvent struct {
	ID                    string         `json:"id"`
	UserID                string         `json:"user_id"`
	Level                 CrisisLevel    `json:"level"`
	Status                EventStatus    `json:"status"`
	OpenedAt              time.Time      `json:"opened_at"`
	ClosedAt              *time.Time     `json:"closed_at,omitempty"`
	UpdatedAt             time.Time      `json:"updated_at"`
	SafetyChecksRemaining int            `json:"safety_checks_remaining"`
	Escalations           int            `json:"escalations"`
	SafeConfirmedAt       *time.Time     `json:"safe_confirmed_at,omitempty"`
	ActionsTaken          []ActionRecord `json:"actions_taken"`
}

// IsOpen reports whether the event still occupies the user's active slot.
func (e *CrisisEvent) IsOpen() bool {
	return !e.Status.IsTerminal()
}

// Succeeded reports whether an action with the given key has already succeeded.
func (e *CrisisEvent) Succeeded(key string) bool {
	for _, r := range e.ActionsTaken {
		if r.Status == ActionSucceeded && r.Key() == key {
			return true
		}
	}
	return false
}

// Attempts counts the recorded attempts for an action key.
func (e *CrisisEvent) Attempts(key string) int {
	n := 0
	for _, r := range e.ActionsTaken {
		if r.Key() == key {
			n++
		}
	}
	return n
}

// Clone returns a deep copy safe to hand out of the owning lock.
func (e *CrisisEvent) Clone() *CrisisEvent {
	if e == nil {
		return nil
	}
	out := *e
	if e.ClosedAt != nil {
		t := *e.ClosedAt
		out.ClosedAt = &t
	}
	if e.SafeConfirmedAt != nil {
		t := *e.SafeConfirmedAt
		out.SafeConfirmedAt = &t
	}
	out.ActionsTaken = append([]ActionRecord(nil), e.ActionsTaken...)
	return &out
}

// ActionsJSON encodes the action log for storage.
func (e *CrisisEvent) ActionsJSON() (string, error) {
	actions := e.ActionsTaken
	if actions == nil {
		actions = []ActionRecord{}
	}
	b, err := json.Marshal(actions)
	if err != nil {
		return "", fmt.Errorf("failed to marshal actions: %w", err)
	}
	return string(b), nil
}

// Priority is the urgency requested from the counselor service.
type Priority int

const (
	PriorityRoutine Priority = iota
	PriorityHigh
	PriorityUrgent
	PriorityEmergency
)

var priorityNames = [...]string{"routine", "high", "urgent", "emergency"}

func (p Priority) String() string {
	if p < PriorityRoutine || p > PriorityEmergency {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Raise returns the next priority, capped at emergency.
func (p Priority) Raise() Priority {
	if p >= PriorityEmergency {
		return PriorityEmergency
	}
	return p + 1
}

// MarshalText encodes the priority name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(b []byte) error {
	for i, name := range priorityNames {
		if name == string(b) {
			*p = Priority(i)
			return nil
		}
	}
	return fmt.Errorf("unknown priority %q: %w", string(b), ErrInvalidInput)
}

// CounselorConnection describes a successful counselor dispatch.
type CounselorConnection struct {
	SessionID   string    `json:"session_id"`
	CounselorID string    `json:"counselor_id,omitempty"`
	Priority    Priority  `json:"priority"`
	ConnectedAt time.Time `json:"connected_at"`
}

// CounselorPreference narrows which counselor a user asks for.
type CounselorPreference string

const (
	PreferenceAny    CounselorPreference = "any"
	PreferenceMale   CounselorPreference = "male"
	PreferenceFemale CounselorPreference = "female"
)

// ParseCounselorPreference accepts any, male or female. Empty means any.
func ParseCounselorPreference(s string) (CounselorPreference, error) {
	switch p := CounselorPreference(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PreferenceAny, nil
	case PreferenceAny, PreferenceMale, PreferenceFemale:
		return p, nil
	default:
		return "", fmt.Errorf("unknown counselor preference %q: %w", s, ErrInvalidInput)
	}
}

// CounselorCallback describes a counselor callback booked for a user.
type CounselorCallback struct {
	CallbackID   string    `json:"callback_id"`
	UserID       string    `json:"user_id"`
	Priority     Priority  `json:"priority"`
	RequestedAt  time.Time `json:"requested_at"`
	ScheduledFor time.Time `json:"scheduled_for,omitempty"`
}

// EmergencyContact is a person notified when a user's crisis event escalates.
type EmergencyContact struct {
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	Relationship string    `json:"relationship,omitempty"`
	Phone        string    `json:"phone"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks the required contact fields.
func (c EmergencyContact) Validate() error {
	if err := ValidateUserID(c.UserID); err != nil {
		return err
	}
	if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Phone) == "" {
		return fmt.Errorf("contact name and phone are required: %w", ErrInvalidInput)
	}
	return nil
}

// AlertSeverity grades operational alerts.
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// OpsAlert is an operational notification about a failure or a high-risk
// transition that the on-call team should see.
type OpsAlert struct {
	Severity AlertSeverity `json:"severity"`
	Kind     string        `json:"kind"`
	UserID   string        `json:"user_id,omitempty"`
	EventID  string        `json:"event_id,omitempty"`
	Message  string        `json:"message"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// ActionKind is the presentation category of a user-facing resource.
type ActionKind string

const (
	ActionKindCall          ActionKind = "call"
	ActionKindText          ActionKind = "text"
	ActionKindConnect       ActionKind = "connect"
	ActionKindSchedule      ActionKind = "schedule"
	ActionKindSelfHelp      ActionKind = "self_help"
	ActionKindShareLocation ActionKind = "share_location"
)

// Action is one user-facing intervention resource.
type Action struct {
	ID          string     `json:"id" yaml:"id"`
	Kind        ActionKind `json:"kind" yaml:"kind"`
	Label       string     `json:"label" yaml:"label"`
	Contact     string     `json:"contact,omitempty" yaml:"contact,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
}

// AssessmentResult is what an assessment returns to the caller.
type AssessmentResult struct {
	Assessment  CrisisAssessment `json:"assessment"`
	Level       CrisisLevel      `json:"level"`
	ActiveEvent *CrisisEvent     `json:"active_event,omitempty"`
	Resources   []Action         `json:"resources"`
	Degraded    []Modality       `json:"degraded_modalities,omitempty"`
	// Callback is the counselor callback booked for a MODERATE user, if any.
	Callback *CounselorCallback `json:"counselor_callback,omitempty"`
	// Duplicate is set when the request id was already processed; the result
	// then reflects current state and nothing was applied.
	Duplicate bool `json:"duplicate,omitempty"`
}
