// Package api exposes the crisis service over HTTP.
//
// Every response uses the models.APIResponse envelope. Routing and request
// middleware come from chi.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/CrisisPipe/internal/crisis"
	"github.com/BTreeMap/CrisisPipe/internal/models"
	"github.com/BTreeMap/CrisisPipe/internal/resources"
)

// Server timeouts and limits.
const (
	DefaultRequestTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	ReadHeaderTimeout      = 5 * time.Second
	// MaxRequestBodyBytes bounds request bodies; media payloads arrive base64 encoded.
	MaxRequestBodyBytes = 16 << 20
)

// CrisisService is the set of crisis operations the API serves.
type CrisisService interface {
	Assess(ctx context.Context, req crisis.AssessRequest) (*models.AssessmentResult, error)
	AssessMulti(ctx context.Context, req crisis.MultiAssessRequest) (*models.AssessmentResult, error)
	Panic(ctx context.Context, userID string) (*models.CrisisEvent, error)
	ConnectCounselor(ctx context.Context, userID string, preference models.CounselorPreference) (*models.CounselorConnection, error)
	ConfirmSafe(ctx context.Context, eventID string) error
	Resolve(ctx context.Context, eventID string) error
	GetActiveEvent(userID string) (*models.CrisisEvent, error)
	Event(eventID string) (*models.CrisisEvent, error)
	Events(userID string) ([]models.CrisisEvent, error)
	History(userID string, limit int) ([]models.EmotionScore, error)
	AddContact(c models.EmergencyContact) error
	Contacts(userID string) ([]models.EmergencyContact, error)
	RemoveContact(userID, phone string) error
	ResourceTier(level models.CrisisLevel) resources.Tier
}

// HTTPMetrics records request metrics and serves the scrape endpoint.
type HTTPMetrics interface {
	RecordHTTPRequest(method, path string, statusCode int, duration time.Duration)
	Handler() http.Handler
}

// TimerInspector lists the pending safety-check timers.
type TimerInspector interface {
	ListActive() []models.TimerInfo
	GetTimer(id string) (*models.TimerInfo, error)
}

// Opts holds optional server collaborators.
type Opts struct {
	Metrics        HTTPMetrics
	Health         func(ctx context.Context) error
	Timers         TimerInspector
	RequestTimeout time.Duration
}

// Option configures a Server.
type Option func(*Opts)

// WithMetrics enables request metrics and GET /metrics.
func WithMetrics(m HTTPMetrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithHealthCheck sets the check behind GET /healthz.
func WithHealthCheck(fn func(ctx context.Context) error) Option {
	return func(o *Opts) { o.Health = fn }
}

// WithTimers enables GET /timers and GET /timers/{timerID}.
func WithTimers(t TimerInspector) Option {
	return func(o *Opts) { o.Timers = t }
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// Server serves the crisis API.
type Server struct {
	svc     CrisisService
	metrics HTTPMetrics
	health  func(ctx context.Context) error
	timers  TimerInspector
	router  chi.Router
}

// NewServer builds the router for svc.
func NewServer(svc CrisisService, opts ...Option) *Server {
	o := Opts{RequestTimeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{svc: svc, metrics: o.Metrics, health: o.Health, timers: o.Timers}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(middleware.Timeout(o.RequestTimeout))

	r.Get("/healthz", s.healthHandler)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Post("/assess", s.assessHandler)
	r.Post("/assess/multi", s.assessMultiHandler)
	r.Post("/panic", s.panicHandler)

	r.Route("/events/{eventID}", func(r chi.Router) {
		r.Get("/", s.getEventHandler)
		r.Post("/confirm-safe", s.confirmSafeHandler)
		r.Post("/resolve", s.resolveHandler)
	})

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/active-event", s.activeEventHandler)
		r.Get("/events", s.userEventsHandler)
		r.Get("/history", s.historyHandler)
		r.Post("/counselor", s.connectCounselorHandler)
		r.Get("/contacts", s.listContactsHandler)
		r.Post("/contacts", s.addContactHandler)
		r.Delete("/contacts/{phone}", s.deleteContactHandler)
	})

	r.Get("/resources/{level}", s.resourcesHandler)

	if s.timers != nil {
		r.Get("/timers", s.listTimersHandler)
		r.Get("/timers/{timerID}", s.getTimerHandler)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: graceful shutdown failed", "error", err)
		return err
	}
	return nil
}

// instrument records a metric per request, labelled with the route pattern so
// path parameters do not explode label cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordHTTPRequest(r.Method, pattern, status, time.Since(start))
	})
}
