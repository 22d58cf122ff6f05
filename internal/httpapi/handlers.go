// Package httpapi exposes the session lifecycle interface (spec §6):
// start/submit_answer/submit/log_event. Grounded on the teacher's
// internal/hlsd.Handler shape (chi.URLParam extraction, strict regex
// validation of path parameters, a thin Handler wrapping one Config),
// generalized from segment/playlist serving to JSON request/response
// session operations.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/proctorkernel/internal/framepump"
	"github.com/technosupport/proctorkernel/internal/middleware"
	"github.com/technosupport/proctorkernel/internal/model"
	"github.com/technosupport/proctorkernel/internal/supervisor"
)

var sessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// CameraOpener supplies the framepump.Camera for a start() request (the
// request's camera_handle is passed on to Supervisor.Start, not to
// Open), keeping the HTTP layer free of the boundary's
// concrete camera implementation (the embedding UI's browser-pushed
// webcam feed, in practice). Register associates the opened camera with
// the session ID the Supervisor assigns, so the websocket boundary's
// later frame pushes reach the same instance the Supervisor reads from.
type CameraOpener interface {
	Open(ctx context.Context) framepump.Camera
	Register(sessionID string, cam framepump.Camera)
}

type Handler struct {
	sup    *supervisor.Supervisor
	camera CameraOpener
}

func NewHandler(sup *supervisor.Supervisor, camera CameraOpener) *Handler {
	return &Handler{sup: sup, camera: camera}
}

// Mount registers the session lifecycle routes onto a shared router, so
// this package and wsapi can share one listener without their absolute
// paths shadowing each other under net/http's prefix matching.
func (h *Handler) Mount(r chi.Router, jwtAuth *middleware.JWTAuth) {
	r.Post("/v1/sessions/start", h.Start)

	r.Group(func(r chi.Router) {
		r.Use(jwtAuth.Middleware)
		r.Post("/v1/sessions/{session_id}/submit_answer", h.SubmitAnswer)
		r.Post("/v1/sessions/{session_id}/submit", h.Submit)
		r.Post("/v1/sessions/{session_id}/log_event", h.LogEvent)
	})
}

type startRequest struct {
	ExamID      string `json:"exam_id"`
	CandidateID string `json:"candidate_id"`
	UserAgent   string `json:"user_agent"`
	CameraHandle string `json:"camera_handle"`
}

type startResponse struct {
	SessionID      string `json:"session_id"`
	Token          string `json:"token"`
	DurationBudgetS int64  `json:"duration_budget_seconds"`
	Degradation    string `json:"degradation"`
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExamID == "" || req.CandidateID == "" {
		writeError(w, http.StatusBadRequest, "exam_id and candidate_id are required")
		return
	}

	camera := h.camera.Open(r.Context())
	sess, token, err := h.sup.Start(r.Context(), req.ExamID, req.CandidateID, req.CameraHandle, camera)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	h.camera.Register(sess.ID, camera)

	writeJSON(w, http.StatusOK, startResponse{
		SessionID:       sess.ID,
		Token:           token,
		DurationBudgetS: int64(sess.DurationBudget.Seconds()),
		Degradation:     string(sess.Degradation),
	})
}

type submitAnswerRequest struct {
	QuestionID string          `json:"question_id"`
	Answer     json.RawMessage `json:"answer"`
	ElapsedMS  int64           `json:"elapsed_ms"`
}

// SubmitAnswer is idempotent on (session, question): the exam-content
// system (out of this kernel's scope) owns answer storage, so the
// kernel's role here is limited to authenticating the write and letting
// it flow through; nothing about proctoring state changes on an answer.
func (h *Handler) SubmitAnswer(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if !sessionIDRegex.MatchString(sessionID) {
		writeError(w, http.StatusBadRequest, "invalid session_id")
		return
	}
	sc, ok := middleware.SessionFromContext(r.Context())
	if !ok || sc.SessionID != sessionID {
		writeError(w, http.StatusForbidden, "session mismatch")
		return
	}

	var req submitAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.sup.IsActive(sessionID) {
		writeError(w, http.StatusConflict, "session is not active")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type submitRequest struct {
	Counters model.Counters `json:"counters"`
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if !sessionIDRegex.MatchString(sessionID) {
		writeError(w, http.StatusBadRequest, "invalid session_id")
		return
	}
	sc, ok := middleware.SessionFromContext(r.Context())
	if !ok || sc.SessionID != sessionID {
		writeError(w, http.StatusForbidden, "session mismatch")
		return
	}

	sess, err := h.sup.Submit(r.Context(), sessionID, false)
	if err != nil && err != model.ErrSubmitIncomplete {
		writeSessionError(w, err)
		return
	}

	guard, _ := h.sup.Guardian(sessionID)
	var report model.IntegrityReport
	if guard != nil {
		report = guard.Report(r.Context(), sessionID, sess.Counters, nil)
	}
	writeJSON(w, http.StatusOK, report)
}

type logEventRequest struct {
	Kind     string          `json:"kind"`
	Details  json.RawMessage `json:"details,omitempty"`
	Severity string          `json:"severity,omitempty"`
}

var validEventKinds = map[model.AlertKind]bool{
	model.AlertTabSwitch:        true,
	model.AlertFullscreenExit:   true,
	model.AlertMultiScreen:      true,
	model.AlertCopyPasteAttempt: true,
	model.AlertRightClick:       true,
	model.AlertKeyboardShortcut: true,
	model.AlertRemoteDesktop:    true,
	model.AlertManualFlag:       true,
}

func (h *Handler) LogEvent(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if !sessionIDRegex.MatchString(sessionID) {
		writeError(w, http.StatusBadRequest, "invalid session_id")
		return
	}
	sc, ok := middleware.SessionFromContext(r.Context())
	if !ok || sc.SessionID != sessionID {
		writeError(w, http.StatusForbidden, "session mismatch")
		return
	}

	var req logEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	kind := model.AlertKind(req.Kind)
	if !validEventKinds[kind] {
		writeError(w, http.StatusBadRequest, "unrecognized event kind")
		return
	}

	if err := h.sup.LogEnvironmentEvent(r.Context(), sessionID, kind); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch err {
	case model.ErrNotEnrolled, model.ErrMaxAttemptsReached, model.ErrExamNotAvailable:
		writeError(w, http.StatusForbidden, err.Error())
	case model.ErrCameraUnavailable, model.ErrNotPermitted, model.ErrVerifierUnavailable:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case model.ErrSessionClosed:
		writeError(w, http.StatusConflict, err.Error())
	case model.ErrSubmitIncomplete:
		writeError(w, http.StatusAccepted, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
