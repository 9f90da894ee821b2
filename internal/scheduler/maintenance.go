package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Default retention periods.
const (
	DefaultReadingRetention = 30 * 24 * time.Hour
	DefaultDedupRetention   = 24 * time.Hour
)

// WindowSweeper evicts stale readings from the fusion windows.
type WindowSweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// EventPruner forgets closed events held in memory.
type EventPruner interface {
	PruneClosed(cutoff time.Time) int
	Retention() time.Duration
	Stats() (tracked, open int)
}

// ReadingPruner deletes persisted readings older than a cutoff.
type ReadingPruner interface {
	PruneEmotionReadings(cutoff time.Time) (int, error)
}

// InboundPruner deletes request dedup records older than a cutoff.
type InboundPruner interface {
	PruneInbound(cutoff time.Time) (int, error)
}

// OpenEventsGauge receives the number of open events after each run.
type OpenEventsGauge interface {
	SetOpenEvents(n int)
}

// MaintenanceResult summarizes one maintenance run.
type MaintenanceResult struct {
	WindowsEvicted  int
	EventsPruned    int
	ReadingsPruned  int
	InboundPruned   int
	OpenEvents      int
	TrackedEvents   int
	FailedOperation []string
}

// Maintenance bundles the periodic cleanup targets. Nil targets are skipped.
type Maintenance struct {
	windows  WindowSweeper
	events   EventPruner
	readings ReadingPruner
	inbound  InboundPruner
	gauge    OpenEventsGauge

	readingRetention time.Duration
	dedupRetention   time.Duration
	now              func() time.Time
}

// MaintenanceOption configures a Maintenance.
type MaintenanceOption func(*Maintenance)

// WithWindowSweeper sets the fusion window sweeper.
func WithWindowSweeper(w WindowSweeper) MaintenanceOption {
	return func(m *Maintenance) { m.windows = w }
}

// WithEventPruner sets the escalation machine to prune.
func WithEventPruner(e EventPruner) MaintenanceOption {
	return func(m *Maintenance) { m.events = e }
}

// WithReadingPruner sets the reading history store and its retention.
func WithReadingPruner(r ReadingPruner, retention time.Duration) MaintenanceOption {
	return func(m *Maintenance) {
		m.readings = r
		if retention > 0 {
			m.readingRetention = retention
		}
	}
}

// WithInboundPruner sets the dedup store and its retention.
func WithInboundPruner(p InboundPruner, retention time.Duration) MaintenanceOption {
	return func(m *Maintenance) {
		m.inbound = p
		if retention > 0 {
			m.dedupRetention = retention
		}
	}
}

// WithOpenEventsGauge sets the gauge refreshed after each run.
func WithOpenEventsGauge(g OpenEventsGauge) MaintenanceOption {
	return func(m *Maintenance) { m.gauge = g }
}

// WithMaintenanceClock overrides time.Now.
func WithMaintenanceClock(now func() time.Time) MaintenanceOption {
	return func(m *Maintenance) { m.now = now }
}

// NewMaintenance creates a Maintenance.
func NewMaintenance(opts ...MaintenanceOption) *Maintenance {
	m := &Maintenance{
		readingRetention: DefaultReadingRetention,
		dedupRetention:   DefaultDedupRetention,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunOnce performs every cleanup step. A failing step is logged and does not
// stop the others.
func (m *Maintenance) RunOnce(ctx context.Context) MaintenanceResult {
	now := m.now()
	var res MaintenanceResult

	if m.windows != nil {
		n, err := m.windows.Sweep(ctx, now)
		if err != nil {
			slog.Error("Maintenance.RunOnce: window sweep failed", "error", err)
			res.FailedOperation = append(res.FailedOperation, "windows")
		}
		res.WindowsEvicted = n
	}
	if m.events != nil {
		res.EventsPruned = m.events.PruneClosed(now.Add(-m.events.Retention()))
		res.TrackedEvents, res.OpenEvents = m.events.Stats()
		if m.gauge != nil {
			m.gauge.SetOpenEvents(res.OpenEvents)
		}
	}
	if m.readings != nil {
		n, err := m.readings.PruneEmotionReadings(now.Add(-m.readingRetention))
		if err != nil {
			slog.Error("Maintenance.RunOnce: reading prune failed", "error", err)
			res.FailedOperation = append(res.FailedOperation, "readings")
		}
		res.ReadingsPruned = n
	}
	if m.inbound != nil {
		n, err := m.inbound.PruneInbound(now.Add(-m.dedupRetention))
		if err != nil {
			slog.Error("Maintenance.RunOnce: dedup prune failed", "error", err)
			res.FailedOperation = append(res.FailedOperation, "inbound")
		}
		res.InboundPruned = n
	}

	slog.Debug("Maintenance.RunOnce: completed",
		"windowsEvicted", res.WindowsEvicted,
		"eventsPruned", res.EventsPruned,
		"readingsPruned", res.ReadingsPruned,
		"inboundPruned", res.InboundPruned,
		"openEvents", res.OpenEvents)
	return res
}

// ScheduleMaintenance registers m to run on expr until ctx is done.
func (s *Scheduler) ScheduleMaintenance(ctx context.Context, expr string, m *Maintenance) error {
	if expr == "" {
		expr = DefaultMaintenanceSpec
	}
	return s.AddJob(expr, func() {
		if ctx.Err() != nil {
			return
		}
		m.RunOnce(ctx)
	})
}
