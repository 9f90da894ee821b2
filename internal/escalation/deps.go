package escalation

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// NotifyRequest identifies one emergency-contact notification round.
type NotifyRequest struct {
	UserID  string
	EventID string
	Level   models.CrisisLevel
	Round   int
}

// Notifier delivers messages to a user's emergency contacts.
type Notifier interface {
	NotifyContacts(ctx context.Context, req NotifyRequest) error
}

// Counselor dispatches a counselor to a user, now or as a later callback.
type Counselor interface {
	Connect(ctx context.Context, userID string, priority models.Priority, preference models.CounselorPreference) (*models.CounselorConnection, error)
	ScheduleCallback(ctx context.Context, userID string, priority models.Priority) (*models.CounselorCallback, error)
}

// Alerter reports operational problems and high-risk transitions.
type Alerter interface {
	Alert(ctx context.Context, alert models.OpsAlert)
}

// EventStore persists crisis event snapshots.
type EventStore interface {
	SaveCrisisEvent(ev *models.CrisisEvent) error
}

// EventLoader is implemented by event stores that can read snapshots back.
// The machine uses it to recognise closed events it already pruned.
type EventLoader interface {
	GetCrisisEvent(id string) (*models.CrisisEvent, error)
}

// Scheduler registers cancellable one-shot callbacks.
type Scheduler interface {
	AfterWithDescription(delay time.Duration, description string, fn func()) (string, error)
	Cancel(id string)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Recorder receives machine metrics.
type Recorder interface {
	EventOpened(level models.CrisisLevel)
	EventEscalated(level models.CrisisLevel)
	EventResolved(level models.CrisisLevel)
	ActionExecuted(action models.ActionType, status models.ActionStatus)
	TickDropped()
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type noopNotifier struct{}

func (noopNotifier) NotifyContacts(ctx context.Context, req NotifyRequest) error {
	slog.Warn("escalation: no notifier configured, contacts not notified", "userID", req.UserID, "eventID", req.EventID)
	return nil
}

type noopCounselor struct{}

func (noopCounselor) Connect(context.Context, string, models.Priority, models.CounselorPreference) (*models.CounselorConnection, error) {
	return nil, models.ErrCounselorUnavailable
}

func (noopCounselor) ScheduleCallback(context.Context, string, models.Priority) (*models.CounselorCallback, error) {
	return nil, models.ErrCounselorUnavailable
}

type noopAlerter struct{}

func (noopAlerter) Alert(context.Context, models.OpsAlert) {}

type noopStore struct{}

func (noopStore) SaveCrisisEvent(*models.CrisisEvent) error { return nil }

type noopRecorder struct{}

func (noopRecorder) EventOpened(models.CrisisLevel)                        {}
func (noopRecorder) EventEscalated(models.CrisisLevel)                     {}
func (noopRecorder) EventResolved(models.CrisisLevel)                      {}
func (noopRecorder) ActionExecuted(models.ActionType, models.ActionStatus) {}
func (noopRecorder) TickDropped()                                          {}

// Opts holds the collaborators of a Machine.
type Opts struct {
	Notifier  Notifier
	Counselor Counselor
	Alerter   Alerter
	Store     EventStore
	Scheduler Scheduler
	Clock     Clock
	Recorder  Recorder
}

// Option configures a Machine.
type Option func(*Opts)

// WithNotifier sets the emergency-contact notifier.
func WithNotifier(n Notifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// WithCounselor sets the counselor dispatch client.
func WithCounselor(c Counselor) Option {
	return func(o *Opts) { o.Counselor = c }
}

// WithAlerter sets the operational alerter.
func WithAlerter(a Alerter) Option {
	return func(o *Opts) { o.Alerter = a }
}

// WithEventStore sets the write-through event store.
func WithEventStore(s EventStore) Option {
	return func(o *Opts) { o.Store = s }
}

// WithScheduler sets the timer backend for safety checks.
func WithScheduler(s Scheduler) Option {
	return func(o *Opts) { o.Scheduler = s }
}

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}
