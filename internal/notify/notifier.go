package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CrisisPipe/internal/escalation"
	"github.com/BTreeMap/CrisisPipe/internal/models"
	"github.com/BTreeMap/CrisisPipe/internal/store"
)

// OutboxKindContactSMS tags outbox rows written by ContactNotifier.
const OutboxKindContactSMS = "contact_sms"

// ContactSource looks up a user's emergency contacts.
type ContactSource interface {
	GetEmergencyContacts(userID string) ([]models.EmergencyContact, error)
}

// smsPayload is the outbox payload for one contact message.
type smsPayload struct {
	To      string `json:"to"`
	Body    string `json:"body"`
	EventID string `json:"event_id"`
	Round   int    `json:"round"`
}

// ContactNotifier texts every emergency contact of a user. With an outbox the
// messages are queued durably and delivered by an OutboxSender; without one
// they are sent inline.
type ContactNotifier struct {
	contacts ContactSource
	sender   SMSSender
	outbox   store.OutboxRepo
}

// NotifierOption configures a ContactNotifier.
type NotifierOption func(*ContactNotifier)

// WithOutbox queues messages instead of sending them inline.
func WithOutbox(repo store.OutboxRepo) NotifierOption {
	return func(n *ContactNotifier) { n.outbox = repo }
}

// NewContactNotifier creates a notifier.
func NewContactNotifier(contacts ContactSource, sender SMSSender, opts ...NotifierOption) *ContactNotifier {
	n := &ContactNotifier{contacts: contacts, sender: sender}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NotifyContacts messages every contact for the request. It returns
// models.ErrNoContacts when the user has none. Each (event, round, phone) is
// queued at most once.
func (n *ContactNotifier) NotifyContacts(ctx context.Context, req escalation.NotifyRequest) error {
	contacts, err := n.contacts.GetEmergencyContacts(req.UserID)
	if err != nil {
		return fmt.Errorf("failed to load contacts for %s: %w", req.UserID, err)
	}
	if len(contacts) == 0 {
		return fmt.Errorf("user %s: %w", req.UserID, models.ErrNoContacts)
	}

	var errs []error
	for _, c := range contacts {
		body := MessageBody(c, req.Level, req.Round)
		if n.outbox != nil {
			payload, err := json.Marshal(smsPayload{To: c.Phone, Body: body, EventID: req.EventID, Round: req.Round})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			dedupeKey := fmt.Sprintf("%s:%d:%s", req.EventID, req.Round, c.Phone)
			id, err := n.outbox.EnqueueOutboxMessage(req.UserID, OutboxKindContactSMS, string(payload), dedupeKey)
			if err != nil {
				slog.Error("ContactNotifier.NotifyContacts: enqueue failed", "userID", req.UserID, "eventID", req.EventID, "error", err)
				errs = append(errs, err)
				continue
			}
			slog.Debug("ContactNotifier.NotifyContacts: queued", "userID", req.UserID, "eventID", req.EventID, "outboxID", id)
			continue
		}
		if n.sender == nil {
			return errors.New("no sms sender configured")
		}
		if err := n.sender.SendSMS(ctx, c.Phone, body); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify %d of %d contacts failed: %w", len(errs), len(contacts), errors.Join(errs...))
	}
	slog.Info("ContactNotifier.NotifyContacts: contacts notified", "userID", req.UserID, "eventID", req.EventID, "count", len(contacts), "round", req.Round)
	return nil
}

// SendOutboxMessage delivers one queued contact message. It is the
// store.OutboxSendFunc for an OutboxSender.
func (n *ContactNotifier) SendOutboxMessage(ctx context.Context, msg store.OutboxMessage) error {
	if msg.Kind != OutboxKindContactSMS {
		return fmt.Errorf("unsupported outbox kind %q", msg.Kind)
	}
	if n.sender == nil {
		return errors.New("no sms sender configured")
	}
	var p smsPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
		return fmt.Errorf("decode outbox payload %s: %w", msg.ID, err)
	}
	return n.sender.SendSMS(ctx, p.To, p.Body)
}

// MessageBody renders the text sent to a contact.
func MessageBody(c models.EmergencyContact, level models.CrisisLevel, round int) string {
	greeting := "Hello"
	if c.Name != "" {
		greeting = "Hello " + c.Name
	}
	switch {
	case round > 0:
		return fmt.Sprintf("%s, this is an urgent follow-up from CrisisPipe. The person who listed you as an emergency contact has not confirmed they are safe. Please contact them now. If you think they are in immediate danger, call 911.", greeting)
	case level >= models.LevelSevere:
		return fmt.Sprintf("%s, CrisisPipe has detected that someone who listed you as an emergency contact may be in serious danger. Please contact them right away. If you cannot reach them, call 911.", greeting)
	default:
		return fmt.Sprintf("%s, someone who listed you as an emergency contact may be going through a hard time and could use support. Please check in with them. The 988 Suicide & Crisis Lifeline is available at any time.", greeting)
	}
}
