package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tradeacademy/progress-engine/internal/application/command"
	"github.com/tradeacademy/progress-engine/internal/application/query"
	"github.com/tradeacademy/progress-engine/internal/domain/shared"
	"github.com/tradeacademy/progress-engine/internal/interface/http/handlers"
	"github.com/tradeacademy/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleRoot serves the root endpoint with basic API information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"name":    "progress-engine",
		"version": s.config.Version,
		"endpoints": map[string]string{
			"completions":   "POST /api/v1/progress/completions",
			"quiz_attempts": "POST /api/v1/progress/quiz-attempts",
			"dashboard":     "GET /api/v1/progress/users/{userID}/dashboard",
			"evaluate":      "POST /api/v1/progress/users/{userID}/achievements/evaluate",
			"health":        "GET /health",
		},
	})
}

// handleHealth reports every dependency check. Any failed check turns the
// response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Healthy {
		writeJSON(w, r, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

// handleReady handles the readiness probe. Only required dependencies count.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Ready {
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": status.Message,
		})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLive handles the liveness probe.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

// ══════════════════════════════════════════════════════════════════════════════
// INGESTION HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// CompletionRequest is the body of POST /api/v1/progress/completions.
type CompletionRequest struct {
	UserID           string     `json:"user_id"`
	LessonID         string     `json:"lesson_id"`
	SlideID          string     `json:"slide_id,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	TimeSpentSeconds int        `json:"time_spent_seconds"`
}

// QuizAttemptRequest is the body of POST /api/v1/progress/quiz-attempts.
type QuizAttemptRequest struct {
	UserID        string     `json:"user_id"`
	LessonID      string     `json:"lesson_id"`
	Score         int        `json:"score"`
	MaxScore      int        `json:"max_score"`
	AttemptNumber int        `json:"attempt_number,omitempty"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
}

// handleIngestCompletion handles POST /api/v1/progress/completions
func (s *Server) handleIngestCompletion(w http.ResponseWriter, r *http.Request) {
	if s.deps.IngestCompletion == nil {
		handlers.WriteError(w, http.StatusNotImplemented, "not_implemented", "Completion handler not configured")
		return
	}

	var req CompletionRequest
	if !s.decode(w, r, &req) {
		return
	}

	cmd := command.IngestCompletionCommand{
		UserID:           req.UserID,
		LessonID:         req.LessonID,
		SlideID:          req.SlideID,
		TimeSpentSeconds: req.TimeSpentSeconds,
	}
	if req.CompletedAt != nil {
		cmd.CompletedAt = *req.CompletedAt
	}

	result, err := s.deps.IngestCompletion.Handle(r.Context(), cmd)
	if err != nil {
		s.writeError(w, r, "ingest completion", err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// handleSubmitQuizAttempt handles POST /api/v1/progress/quiz-attempts
func (s *Server) handleSubmitQuizAttempt(w http.ResponseWriter, r *http.Request) {
	if s.deps.SubmitQuizAttempt == nil {
		handlers.WriteError(w, http.StatusNotImplemented, "not_implemented", "Quiz handler not configured")
		return
	}

	var req QuizAttemptRequest
	if !s.decode(w, r, &req) {
		return
	}

	cmd := command.SubmitQuizAttemptCommand{
		UserID:        req.UserID,
		LessonID:      req.LessonID,
		Score:         req.Score,
		MaxScore:      req.MaxScore,
		AttemptNumber: req.AttemptNumber,
	}
	if req.SubmittedAt != nil {
		cmd.SubmittedAt = *req.SubmittedAt
	}

	result, err := s.deps.SubmitQuizAttempt.Handle(r.Context(), cmd)
	if err != nil {
		s.writeError(w, r, "submit quiz attempt", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, result)
}

// handleEvaluateAchievements handles
// POST /api/v1/progress/users/{userID}/achievements/evaluate
func (s *Server) handleEvaluateAchievements(w http.ResponseWriter, r *http.Request) {
	if s.deps.EvaluateAchievements == nil {
		handlers.WriteError(w, http.StatusNotImplemented, "not_implemented", "Evaluate handler not configured")
		return
	}

	result, err := s.deps.EvaluateAchievements.Handle(r.Context(), command.EvaluateAchievementsCommand{
		UserID: r.PathValue("userID"),
	})
	if err != nil {
		s.writeError(w, r, "evaluate achievements", err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// ══════════════════════════════════════════════════════════════════════════════
// DASHBOARD HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// handleGetDashboard handles GET /api/v1/progress/users/{userID}/dashboard
func (s *Server) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	if s.deps.GetDashboard == nil {
		handlers.WriteError(w, http.StatusNotImplemented, "not_implemented", "Dashboard handler not configured")
		return
	}

	q := query.GetDashboardQuery{UserID: r.PathValue("userID")}
	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil {
			handlers.WriteError(w, http.StatusBadRequest, "invalid_request", "days must be an integer")
			return
		}
		q.CalendarDays = days
	}

	result, err := s.deps.GetDashboard.Handle(r.Context(), q)
	if err != nil {
		s.writeError(w, r, "get dashboard", err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST DECODING & ERROR MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// decode reads a single JSON object into dst. It writes a 400 and returns
// false when the body is unusable.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if err == nil {
		if dec.Decode(&struct{}{}) != io.EOF {
			err = errors.New("body must contain a single JSON object")
		}
	}
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		handlers.WriteError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Request body too large")
	case errors.Is(err, io.EOF):
		handlers.WriteError(w, http.StatusBadRequest, "invalid_request", "Request body is required")
	default:
		handlers.WriteErrorWithDetails(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
	}
	return false
}

// writeError maps engine errors onto HTTP statuses:
//
//	not found            404
//	invalid event        422
//	other validation     400
//	concurrency conflict 409 (retryable)
//	deadline exceeded    504
//	anything else        500
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := classify(err)

	log := logger.FromContext(r.Context())
	if status >= 500 {
		log.Error(op+" failed", logger.Err(err))
		handlers.WriteError(w, status, code, "The request could not be completed")
		return
	}
	log.Debug(op+" rejected", logger.Err(err), logger.Int("status", status))

	if status == http.StatusConflict {
		w.Header().Set("Retry-After", "1")
	}
	handlers.WriteErrorWithDetails(w, status, code, message(err), err.Error())
}

func classify(err error) (int, string) {
	switch {
	case shared.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case shared.IsInvalidEvent(err):
		return http.StatusUnprocessableEntity, "invalid_event"
	case shared.IsValidation(err):
		return http.StatusBadRequest, "validation_error"
	case shared.IsConcurrencyConflict(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// message returns the human-readable part of a domain error.
func message(err error) string {
	var de *shared.DomainError
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return fmt.Sprint(err)
}
