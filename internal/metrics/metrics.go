// Package metrics exposes CrisisPipe counters through Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// Namespace prefixes every metric name.
const Namespace = "crisispipe"

// Collector owns a private registry. A nil *Collector is a valid no-op
// recorder.
type Collector struct {
	registry *prometheus.Registry

	EventsOpened     *prometheus.CounterVec
	EventsEscalated  *prometheus.CounterVec
	EventsResolved   *prometheus.CounterVec
	Actions          *prometheus.CounterVec
	TicksDropped     prometheus.Counter
	Assessments      *prometheus.CounterVec
	CrisisScore      prometheus.Histogram
	OracleFailures   *prometheus.CounterVec
	OpenEvents       prometheus.Gauge
	HTTPRequests     *prometheus.CounterVec
	HTTPRequestTimes *prometheus.HistogramVec
}

// NewCollector creates a Collector with its own Prometheus registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		EventsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "crisis_events_opened_total",
			Help:      "Crisis events opened, by level",
		}, []string{"level"}),
		EventsEscalated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "crisis_events_escalated_total",
			Help:      "Safety-check timeouts that escalated an event, by level",
		}, []string{"level"}),
		EventsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "crisis_events_resolved_total",
			Help:      "Crisis events resolved, by final level",
		}, []string{"level"}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "escalation_actions_total",
			Help:      "Escalation action attempts, by action and outcome",
		}, []string{"action", "status"}),
		TicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "safety_ticks_dropped_total",
			Help:      "Stale or late safety-check ticks ignored",
		}),
		Assessments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "assessments_total",
			Help:      "Assessments computed, by resulting level",
		}, []string{"level"}),
		CrisisScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "crisis_score",
			Help:      "Distribution of fused crisis scores",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 1},
		}),
		OracleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "oracle_failures_total",
			Help:      "Modalities treated as absent because their oracle failed",
		}, []string{"modality"}),
		OpenEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "open_crisis_events",
			Help:      "Crisis events currently open",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
		HTTPRequestTimes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	reg.MustRegister(
		c.EventsOpened, c.EventsEscalated, c.EventsResolved, c.Actions, c.TicksDropped,
		c.Assessments, c.CrisisScore, c.OracleFailures, c.OpenEvents,
		c.HTTPRequests, c.HTTPRequestTimes,
	)
	return c
}

// Handler returns an HTTP handler that serves Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) EventOpened(level models.CrisisLevel) {
	if c != nil {
		c.EventsOpened.WithLabelValues(level.String()).Inc()
	}
}

func (c *Collector) EventEscalated(level models.CrisisLevel) {
	if c != nil {
		c.EventsEscalated.WithLabelValues(level.String()).Inc()
	}
}

func (c *Collector) EventResolved(level models.CrisisLevel) {
	if c != nil {
		c.EventsResolved.WithLabelValues(level.String()).Inc()
	}
}

func (c *Collector) ActionExecuted(action models.ActionType, status models.ActionStatus) {
	if c != nil {
		c.Actions.WithLabelValues(string(action), string(status)).Inc()
	}
}

func (c *Collector) TickDropped() {
	if c != nil {
		c.TicksDropped.Inc()
	}
}

// RecordAssessment counts an assessment and observes its score.
func (c *Collector) RecordAssessment(level models.CrisisLevel, score float64) {
	if c != nil {
		c.Assessments.WithLabelValues(level.String()).Inc()
		c.CrisisScore.Observe(score)
	}
}

// RecordOracleFailure counts a modality dropped for an oracle failure.
func (c *Collector) RecordOracleFailure(modality models.Modality) {
	if c != nil {
		c.OracleFailures.WithLabelValues(string(modality)).Inc()
	}
}

// SetOpenEvents sets the open-event gauge.
func (c *Collector) SetOpenEvents(n int) {
	if c != nil {
		c.OpenEvents.Set(float64(n))
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (c *Collector) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	c.HTTPRequestTimes.WithLabelValues(method, path).Observe(duration.Seconds())
}
