package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/CrisisPipe/internal/escalation"
	"github.com/BTreeMap/CrisisPipe/internal/models"
	"github.com/BTreeMap/CrisisPipe/internal/store"
)

// MockSender records messages instead of sending them.
type MockSender struct {
	mu   sync.Mutex
	Sent []SentMessage
	// Err, when set, is returned by every send.
	Err error
}

type SentMessage struct {
	To   string
	Body string
}

func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) SendSMS(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}

// Messages returns a copy of what was sent.
func (m *MockSender) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}

func seedContacts(t *testing.T, s *store.InMemoryStore, userID string, phones ...string) {
	t.Helper()
	for i, p := range phones {
		c := models.EmergencyContact{UserID: userID, Name: string(rune('A' + i)), Phone: p}
		if err := s.SaveEmergencyContact(c); err != nil {
			t.Fatalf("SaveEmergencyContact: %v", err)
		}
	}
}

func TestNotifyContacts_Inline(t *testing.T) {
	s := store.NewInMemoryStore()
	seedContacts(t, s, "u1", "+15550001", "+15550002")
	sender := NewMockSender()
	n := NewContactNotifier(s, sender)

	err := n.NotifyContacts(context.Background(), escalation.NotifyRequest{UserID: "u1", EventID: "ev1", Level: models.LevelHigh})
	if err != nil {
		t.Fatalf("NotifyContacts: %v", err)
	}
	msgs := sender.Messages()
	if len(msgs) != 2 || msgs[0].To != "+15550001" || msgs[1].To != "+15550002" {
		t.Errorf("unexpected messages: %+v", msgs)
	}
}

func TestNotifyContacts_NoContacts(t *testing.T) {
	n := NewContactNotifier(store.NewInMemoryStore(), NewMockSender())
	err := n.NotifyContacts(context.Background(), escalation.NotifyRequest{UserID: "nobody", EventID: "ev1", Level: models.LevelHigh})
	if !errors.Is(err, models.ErrNoContacts) {
		t.Errorf("expected ErrNoContacts, got %v", err)
	}
}

func TestNotifyContacts_SendFailure(t *testing.T) {
	s := store.NewInMemoryStore()
	seedContacts(t, s, "u1", "+15550001")
	sender := NewMockSender()
	sender.Err = errors.New("carrier down")
	n := NewContactNotifier(s, sender)
	if err := n.NotifyContacts(context.Background(), escalation.NotifyRequest{UserID: "u1", EventID: "ev1", Level: models.LevelHigh}); err == nil {
		t.Error("expected error when every send fails")
	}
}

func TestNotifyContacts_OutboxDedupAndDelivery(t *testing.T) {
	s := store.NewInMemoryStore()
	seedContacts(t, s, "u1", "+15550001", "+15550002")
	sender := NewMockSender()
	n := NewContactNotifier(s, sender, WithOutbox(s))

	req := escalation.NotifyRequest{UserID: "u1", EventID: "ev1", Level: models.LevelSevere}
	for i := 0; i < 2; i++ {
		if err := n.NotifyContacts(context.Background(), req); err != nil {
			t.Fatalf("NotifyContacts attempt %d: %v", i, err)
		}
	}
	if got := len(s.OutboxMessages()); got != 2 {
		t.Fatalf("expected 2 queued messages after a repeated notify, got %d", got)
	}
	if len(sender.Messages()) != 0 {
		t.Fatal("outbox mode must not send inline")
	}

	// A new escalation round queues a fresh batch.
	req.Round = 1
	if err := n.NotifyContacts(context.Background(), req); err != nil {
		t.Fatalf("NotifyContacts round 1: %v", err)
	}
	if got := len(s.OutboxMessages()); got != 4 {
		t.Fatalf("expected 4 queued messages after round 1, got %d", got)
	}

	sent := store.NewOutboxSender(s, n.SendOutboxMessage, 0).Poll(context.Background())
	if sent != 4 {
		t.Errorf("expected 4 delivered, got %d", sent)
	}
	msgs := sender.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 sms, got %d", len(msgs))
	}
	if !strings.Contains(msgs[3].Body, "follow-up") {
		t.Errorf("round 1 message should be a follow-up, got %q", msgs[3].Body)
	}
}

func TestSendOutboxMessage_RejectsUnknownKind(t *testing.T) {
	n := NewContactNotifier(store.NewInMemoryStore(), NewMockSender())
	if err := n.SendOutboxMessage(context.Background(), store.OutboxMessage{Kind: "fax"}); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestMessageBody(t *testing.T) {
	c := models.EmergencyContact{Name: "Sam", Phone: "+1"}
	if got := MessageBody(c, models.LevelSevere, 0); !strings.Contains(got, "Hello Sam") || !strings.Contains(got, "911") {
		t.Errorf("severe body missing greeting or 911: %q", got)
	}
	if got := MessageBody(c, models.LevelHigh, 0); !strings.Contains(got, "988") {
		t.Errorf("high body should mention 988: %q", got)
	}
}

func TestNewTwilioSMS_MissingConfig(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewTwilioSMS(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewTwilioSMS(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	if _, err := NewTwilioSMS(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromNumber("+15550000")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
