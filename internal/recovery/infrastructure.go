package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// OpenEventSource lists persisted events that were still open at shutdown.
type OpenEventSource interface {
	ListOpenCrisisEvents() ([]models.CrisisEvent, error)
}

// EventRestorer takes ownership of a persisted open event.
type EventRestorer interface {
	Restore(ctx context.Context, ev *models.CrisisEvent) error
}

// EventRecovery reloads open crisis events into the escalation machine so
// their safety checks resume.
type EventRecovery struct {
	source   OpenEventSource
	restorer EventRestorer
}

// NewEventRecovery creates an EventRecovery.
func NewEventRecovery(source OpenEventSource, restorer EventRestorer) *EventRecovery {
	return &EventRecovery{source: source, restorer: restorer}
}

// RecoverState restores every open event. Events that fail to restore are
// reported together after the rest have been processed.
func (r *EventRecovery) RecoverState(ctx context.Context) error {
	events, err := r.source.ListOpenCrisisEvents()
	if err != nil {
		return fmt.Errorf("failed to list open crisis events: %w", err)
	}
	var errs []error
	restored := 0
	for i := range events {
		ev := &events[i]
		if err := r.restorer.Restore(ctx, ev); err != nil {
			slog.Error("EventRecovery.RecoverState: restore failed", "eventID", ev.ID, "userID", ev.UserID, "error", err)
			errs = append(errs, fmt.Errorf("event %s: %w", ev.ID, err))
			continue
		}
		restored++
	}
	slog.Info("EventRecovery.RecoverState: open events restored", "restored", restored, "failed", len(errs))
	return errors.Join(errs...)
}

// StaleMessageRecoverer requeues outbox messages that were mid-send at shutdown.
type StaleMessageRecoverer interface {
	RecoverStaleMessages() error
}

// OutboxRecovery requeues interrupted contact notifications.
type OutboxRecovery struct {
	sender StaleMessageRecoverer
}

// NewOutboxRecovery creates an OutboxRecovery.
func NewOutboxRecovery(sender StaleMessageRecoverer) *OutboxRecovery {
	return &OutboxRecovery{sender: sender}
}

// RecoverState requeues stale outbox messages.
func (r *OutboxRecovery) RecoverState(ctx context.Context) error {
	if err := r.sender.RecoverStaleMessages(); err != nil {
		return fmt.Errorf("failed to recover outbox: %w", err)
	}
	return nil
}
