package api

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/CrisisPipe/internal/crisis"
	"github.com/BTreeMap/CrisisPipe/internal/models"
)

type panicRequest struct {
	UserID string `json:"user_id"`
}

type counselorRequest struct {
	Preference string `json:"preference,omitempty"`
}

type contactRequest struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Relationship string `json:"relationship,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeError(w, "healthHandler", err)
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{"ok": true, "service": "crisispipe"}))
}

// assessHandler handles POST /assess.
func (s *Server) assessHandler(w http.ResponseWriter, r *http.Request) {
	var req crisis.AssessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "assessHandler", err)
		return
	}
	res, err := s.svc.Assess(r.Context(), req)
	if err != nil {
		writeError(w, "assessHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// assessMultiHandler handles POST /assess/multi.
func (s *Server) assessMultiHandler(w http.ResponseWriter, r *http.Request) {
	var req crisis.MultiAssessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "assessMultiHandler", err)
		return
	}
	res, err := s.svc.AssessMulti(r.Context(), req)
	if err != nil {
		writeError(w, "assessMultiHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// panicHandler handles POST /panic.
func (s *Server) panicHandler(w http.ResponseWriter, r *http.Request) {
	var req panicRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "panicHandler", err)
		return
	}
	ev, err := s.svc.Panic(r.Context(), req.UserID)
	if err != nil {
		writeError(w, "panicHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Help is on the way", ev))
}

func (s *Server) getEventHandler(w http.ResponseWriter, r *http.Request) {
	ev, err := s.svc.Event(chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, "getEventHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ev))
}

func (s *Server) confirmSafeHandler(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if err := s.svc.ConfirmSafe(r.Context(), eventID); err != nil {
		writeError(w, "confirmSafeHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Recorded())
}

func (s *Server) resolveHandler(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if err := s.svc.Resolve(r.Context(), eventID); err != nil {
		writeError(w, "resolveHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Event resolved", nil))
}

// activeEventHandler returns the open event, with a null result when there is none.
func (s *Server) activeEventHandler(w http.ResponseWriter, r *http.Request) {
	ev, err := s.svc.GetActiveEvent(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "activeEventHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ev))
}

func (s *Server) userEventsHandler(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.Events(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "userEventsHandler", err)
		return
	}
	if events == nil {
		events = []models.CrisisEvent{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(events))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	readings, err := s.svc.History(chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeError(w, "historyHandler", err)
		return
	}
	if readings == nil {
		readings = []models.EmotionScore{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(readings))
}

// connectCounselorHandler handles POST /users/{userID}/counselor. The body is
// optional; an empty one asks for any counselor.
func (s *Server) connectCounselorHandler(w http.ResponseWriter, r *http.Request) {
	var req counselorRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, "connectCounselorHandler", err)
			return
		}
	}
	preference, err := models.ParseCounselorPreference(req.Preference)
	if err != nil {
		writeError(w, "connectCounselorHandler", err)
		return
	}
	conn, err := s.svc.ConnectCounselor(r.Context(), chi.URLParam(r, "userID"), preference)
	if err != nil {
		writeError(w, "connectCounselorHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Connecting you to a counselor", conn))
}

func (s *Server) listContactsHandler(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.svc.Contacts(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "listContactsHandler", err)
		return
	}
	if contacts == nil {
		contacts = []models.EmergencyContact{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(contacts))
}

func (s *Server) addContactHandler(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "addContactHandler", err)
		return
	}
	c := models.EmergencyContact{
		UserID:       chi.URLParam(r, "userID"),
		Name:         req.Name,
		Phone:        req.Phone,
		Relationship: req.Relationship,
	}
	if err := s.svc.AddContact(c); err != nil {
		writeError(w, "addContactHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Contact saved", c))
}

func (s *Server) deleteContactHandler(w http.ResponseWriter, r *http.Request) {
	phone, err := url.PathUnescape(chi.URLParam(r, "phone"))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid phone"))
		return
	}
	if err := s.svc.RemoveContact(chi.URLParam(r, "userID"), phone); err != nil {
		writeError(w, "deleteContactHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Contact removed", nil))
}

// resourcesHandler handles GET /resources/{level}.
func (s *Server) resourcesHandler(w http.ResponseWriter, r *http.Request) {
	level, err := models.ParseCrisisLevel(chi.URLParam(r, "level"))
	if err != nil {
		writeError(w, "resourcesHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.svc.ResourceTier(level)))
}

// listTimersHandler handles GET /timers.
func (s *Server) listTimersHandler(w http.ResponseWriter, r *http.Request) {
	timers := s.timers.ListActive()
	if timers == nil {
		timers = []models.TimerInfo{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"timers": timers,
		"count":  len(timers),
	}))
}

func (s *Server) getTimerHandler(w http.ResponseWriter, r *http.Request) {
	info, err := s.timers.GetTimer(chi.URLParam(r, "timerID"))
	if err != nil {
		writeError(w, "getTimerHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(info))
}
