// Package alerting routes operational alerts about crisis events to on-call
// channels: the process log, a Discord channel and a Kafka topic.
package alerting

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// Alerter is satisfied by every sink in this package.
type Alerter interface {
	Alert(ctx context.Context, alert models.OpsAlert)
}

// LogAlerter writes alerts to slog.
type LogAlerter struct{}

func (LogAlerter) Alert(ctx context.Context, a models.OpsAlert) {
	args := []any{"severity", a.Severity, "kind", a.Kind, "userID", a.UserID, "eventID", a.EventID, "message", a.Message}
	if a.Error != "" {
		args = append(args, "error", a.Error)
	}
	switch a.Severity {
	case models.AlertCritical:
		slog.Error("OpsAlert", args...)
	case models.AlertWarning:
		slog.Warn("OpsAlert", args...)
	default:
		slog.Info("OpsAlert", args...)
	}
}

// Multi fans an alert out to every sink.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, a models.OpsAlert) {
	for _, s := range m {
		if s != nil {
			s.Alert(ctx, a)
		}
	}
}

// MinSeverity forwards only alerts at or above a severity.
type MinSeverity struct {
	Min  models.AlertSeverity
	Next Alerter
}

func severityRank(s models.AlertSeverity) int {
	switch s {
	case models.AlertCritical:
		return 2
	case models.AlertWarning:
		return 1
	default:
		return 0
	}
}

func (f MinSeverity) Alert(ctx context.Context, a models.OpsAlert) {
	if severityRank(a.Severity) >= severityRank(f.Min) {
		f.Next.Alert(ctx, a)
	}
}

// Async delivers alerts to a slow sink from a background goroutine so callers
// holding a per-user lock never wait on the network. When the buffer is full
// the alert is logged and dropped.
type Async struct {
	next   Alerter
	queue  chan models.OpsAlert
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the delivery goroutine.
func NewAsync(next Alerter, buffer int) *Async {
	if buffer <= 0 {
		buffer = 64
	}
	a := &Async{next: next, queue: make(chan models.OpsAlert, buffer)}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for alert := range a.queue {
			a.next.Alert(context.Background(), alert)
		}
	}()
	return a
}

func (a *Async) Alert(ctx context.Context, alert models.OpsAlert) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		slog.Error("Async.Alert: alerter closed, dropping alert", "kind", alert.Kind, "eventID", alert.EventID)
		return
	}
	select {
	case a.queue <- alert:
	default:
		slog.Error("Async.Alert: queue full, dropping alert", "kind", alert.Kind, "eventID", alert.EventID)
	}
}

// Close drains pending alerts and stops the goroutine.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
}
