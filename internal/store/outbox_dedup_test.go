package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestOutboxRepo_EnqueueAndClaim(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.EnqueueOutboxMessage("u1", "contact_sms", `{"to":"+15550001"}`, "")
			if err != nil {
				t.Fatalf("EnqueueOutboxMessage failed: %v", err)
			}

			msgs, err := s.ClaimDueOutboxMessages(time.Now(), 10)
			if err != nil {
				t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
			}
			if len(msgs) != 1 || msgs[0].ID != id {
				t.Fatalf("expected to claim %s, got %+v", id, msgs)
			}
			if msgs[0].Status != OutboxStatusSending || msgs[0].UserID != "u1" {
				t.Errorf("unexpected claimed message: %+v", msgs[0])
			}

			// Already claimed: a second claim sees nothing.
			msgs, err = s.ClaimDueOutboxMessages(time.Now(), 10)
			if err != nil {
				t.Fatalf("second claim failed: %v", err)
			}
			if len(msgs) != 0 {
				t.Errorf("expected 0 messages on second claim, got %d", len(msgs))
			}
		})
	}
}

func TestOutboxRepo_DedupeKey(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id1, err := s.EnqueueOutboxMessage("u1", "contact_sms", `{}`, "ev-1:0:+15550001")
			if err != nil {
				t.Fatalf("enqueue 1 failed: %v", err)
			}
			id2, err := s.EnqueueOutboxMessage("u1", "contact_sms", `{}`, "ev-1:0:+15550001")
			if err != nil {
				t.Fatalf("enqueue 2 failed: %v", err)
			}
			if id1 != id2 {
				t.Errorf("expected dedupe to return %q, got %q", id1, id2)
			}
			id3, err := s.EnqueueOutboxMessage("u1", "contact_sms", `{}`, "ev-1:1:+15550001")
			if err != nil {
				t.Fatalf("enqueue 3 failed: %v", err)
			}
			if id3 == id1 {
				t.Error("expected a new message for a new round")
			}
		})
	}
}

func TestOutboxRepo_FailAndRetry(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id, _ := s.EnqueueOutboxMessage("u1", "contact_sms", `{}`, "")
			now := time.Now()
			if _, err := s.ClaimDueOutboxMessages(now, 10); err != nil {
				t.Fatalf("claim failed: %v", err)
			}
			if err := s.FailOutboxMessage(id, "twilio down", now.Add(time.Hour)); err != nil {
				t.Fatalf("FailOutboxMessage failed: %v", err)
			}

			msgs, _ := s.ClaimDueOutboxMessages(now, 10)
			if len(msgs) != 0 {
				t.Errorf("expected retry to wait for next_attempt_at, got %d messages", len(msgs))
			}
			msgs, _ = s.ClaimDueOutboxMessages(now.Add(2*time.Hour), 10)
			if len(msgs) != 1 {
				t.Fatalf("expected the message once due, got %d", len(msgs))
			}
			if msgs[0].Attempts != 1 || msgs[0].LastError != "twilio down" {
				t.Errorf("expected attempts=1 and last error recorded, got %+v", msgs[0])
			}
			if err := s.MarkOutboxMessageSent(id); err != nil {
				t.Fatalf("MarkOutboxMessageSent failed: %v", err)
			}
			msgs, _ = s.ClaimDueOutboxMessages(now.Add(3*time.Hour), 10)
			if len(msgs) != 0 {
				t.Errorf("sent message was claimed again")
			}
		})
	}
}

func TestOutboxRepo_RequeueStale(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s.EnqueueOutboxMessage("u1", "contact_sms", `{}`, "")
			claimedAt := time.Now().Add(-10 * time.Minute)
			if msgs, _ := s.ClaimDueOutboxMessages(claimedAt, 10); len(msgs) != 1 {
				t.Fatalf("expected 1 claimed message, got %d", len(msgs))
			}

			n, err := s.RequeueStaleSendingMessages(time.Now().Add(-5 * time.Minute))
			if err != nil {
				t.Fatalf("RequeueStaleSendingMessages failed: %v", err)
			}
			if n != 1 {
				t.Errorf("expected 1 requeued, got %d", n)
			}
			if msgs, _ := s.ClaimDueOutboxMessages(time.Now(), 10); len(msgs) != 1 {
				t.Errorf("expected requeued message to be claimable, got %d", len(msgs))
			}
		})
	}
}

func TestDedupRepo(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			dup, err := s.IsDuplicate("req-1")
			if err != nil {
				t.Fatalf("IsDuplicate failed: %v", err)
			}
			if dup {
				t.Error("unseen request reported as duplicate")
			}

			fresh, err := s.RecordInbound("req-1", "u1")
			if err != nil || !fresh {
				t.Fatalf("RecordInbound first = (%v, %v), want (true, nil)", fresh, err)
			}
			fresh, err = s.RecordInbound("req-1", "u1")
			if err != nil || fresh {
				t.Fatalf("RecordInbound second = (%v, %v), want (false, nil)", fresh, err)
			}
			if dup, _ := s.IsDuplicate("req-1"); !dup {
				t.Error("recorded request not reported as duplicate")
			}
			if err := s.MarkProcessed("req-1"); err != nil {
				t.Errorf("MarkProcessed failed: %v", err)
			}

			n, err := s.PruneInbound(time.Now().Add(time.Minute))
			if err != nil {
				t.Fatalf("PruneInbound failed: %v", err)
			}
			if n != 1 {
				t.Errorf("expected 1 pruned record, got %d", n)
			}
			if dup, _ := s.IsDuplicate("req-1"); dup {
				t.Error("pruned request still reported as duplicate")
			}
		})
	}
}

func TestOutboxSender_Poll(t *testing.T) {
	s := NewInMemoryStore()
	okID, _ := s.EnqueueOutboxMessage("u1", "contact_sms", `{"to":"ok"}`, "")
	badID, _ := s.EnqueueOutboxMessage("u1", "contact_sms", `{"to":"bad"}`, "")

	var gaveUp atomic.Int32
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		if msg.ID == badID {
			return errors.New("carrier rejected")
		}
		return nil
	}, time.Second, WithMaxAttempts(2), WithBaseBackoff(time.Minute), WithGiveUpHandler(func(ctx context.Context, msg OutboxMessage, err error) {
		gaveUp.Add(1)
	}))
	clock := time.Now()
	sender.now = func() time.Time { return clock }

	if sent := sender.Poll(context.Background()); sent != 1 {
		t.Errorf("expected 1 sent on first poll, got %d", sent)
	}

	statuses := map[string]OutboxMessage{}
	for _, m := range s.OutboxMessages() {
		statuses[m.ID] = m
	}
	if statuses[okID].Status != OutboxStatusSent {
		t.Errorf("expected %s sent, got %s", okID, statuses[okID].Status)
	}
	bad := statuses[badID]
	if bad.Status != OutboxStatusQueued || bad.Attempts != 1 || bad.NextAttemptAt == nil || !bad.NextAttemptAt.Equal(clock.Add(time.Minute)) {
		t.Errorf("expected failed message rescheduled one backoff later, got %+v", bad)
	}

	// Not yet due.
	if sent := sender.Poll(context.Background()); sent != 0 {
		t.Errorf("expected nothing sent before backoff elapsed, got %d", sent)
	}

	clock = clock.Add(2 * time.Minute)
	sender.Poll(context.Background())
	for _, m := range s.OutboxMessages() {
		if m.ID == badID && m.Status != OutboxStatusFailed {
			t.Errorf("expected message to be given up, got %s", m.Status)
		}
	}
	if gaveUp.Load() != 1 {
		t.Errorf("expected give-up handler once, got %d", gaveUp.Load())
	}
}

func TestOutboxSender_RestartRecovery(t *testing.T) {
	dbPath := DefaultSQLitePath(t.TempDir())

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	id, _ := s1.EnqueueOutboxMessage("u1", "contact_sms", `{}`, "ev-9:0:+15550001")
	// Claimed long ago and never finished: the process crashed mid-send.
	if msgs, _ := s1.ClaimDueOutboxMessages(time.Now().Add(-time.Hour), 10); len(msgs) != 1 {
		t.Fatalf("expected claim in phase 1")
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var delivered atomic.Int32
	sender := NewOutboxSender(s2, func(ctx context.Context, msg OutboxMessage) error {
		if msg.ID != id {
			t.Errorf("unexpected message %s", msg.ID)
		}
		delivered.Add(1)
		return nil
	}, time.Second)
	if err := sender.RecoverStaleMessages(); err != nil {
		t.Fatalf("RecoverStaleMessages failed: %v", err)
	}
	sender.Poll(context.Background())
	sender.Poll(context.Background())
	if delivered.Load() != 1 {
		t.Errorf("expected exactly one delivery after restart, got %d", delivered.Load())
	}
}
