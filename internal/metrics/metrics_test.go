package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()
	c.EventOpened(models.LevelHigh)
	c.EventOpened(models.LevelHigh)
	c.EventEscalated(models.LevelSevere)
	c.EventResolved(models.LevelHigh)
	c.ActionExecuted(models.ActionNotifyContacts, models.ActionFailed)
	c.TickDropped()
	c.RecordAssessment(models.LevelModerate, 0.5)
	c.RecordOracleFailure(models.ModalityVoice)
	c.SetOpenEvents(3)

	if got := testutil.ToFloat64(c.EventsOpened.WithLabelValues("HIGH")); got != 2 {
		t.Errorf("opened HIGH = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.EventsEscalated.WithLabelValues("SEVERE")); got != 1 {
		t.Errorf("escalated SEVERE = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Actions.WithLabelValues("notify_contacts", "failed")); got != 1 {
		t.Errorf("failed notify actions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.TicksDropped); got != 1 {
		t.Errorf("ticks dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.OracleFailures.WithLabelValues("voice")); got != 1 {
		t.Errorf("voice oracle failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.OpenEvents); got != 3 {
		t.Errorf("open events = %v, want 3", got)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.EventOpened(models.LevelHigh)
	c.ActionExecuted(models.ActionEscalate, models.ActionSucceeded)
	c.RecordAssessment(models.LevelLow, 0)
	c.RecordHTTPRequest("GET", "/healthz", 200, time.Millisecond)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil collector handler status = %d, want 404", rec.Code)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	c := NewCollector()
	c.RecordHTTPRequest("POST", "/assess", 200, 20*time.Millisecond)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `crisispipe_http_requests_total{method="POST",path="/assess",status_code="200"} 1`) {
		t.Errorf("metrics output missing request counter:\n%s", body)
	}
}
