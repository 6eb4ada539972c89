package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/middleware"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/progress"
	"github.com/stemsi/exam-session-backend/internal/response"
	"github.com/stemsi/exam-session-backend/internal/service"
	"github.com/stemsi/exam-session-backend/internal/validator"
)

// SessionService is the part of the exam session service the student
// endpoints drive.
type SessionService interface {
	Start(ctx context.Context, studentID int, examID uuid.UUID) (*service.StartResult, error)
	GetQuestions(ctx context.Context, studentID int, examID uuid.UUID) ([]model.QuestionForStudent, error)
	GetState(ctx context.Context, studentID int, examID uuid.UUID) (*model.ExamSessionState, error)
	FrozenQuestionIDs(ctx context.Context, studentID int, examID uuid.UUID) ([]uuid.UUID, error)
	SaveAnswers(ctx context.Context, studentID int, examID uuid.UUID, answers []model.SubmittedAnswer) (int, error)
	Submit(ctx context.Context, studentID int, examID uuid.UUID, answers []model.SubmittedAnswer) (*model.SubmitResult, error)
	Policy() config.ExamPolicy
}

// ProgressCache buffers client snapshots between round-trips.
type ProgressCache interface {
	Put(ctx context.Context, studentID int, e progress.Entry) error
	Load(ctx context.Context, examID string, studentID int) (*progress.Entry, error)
	Clear(ctx context.Context, examID string, studentID int) error
}

// StudentPortalHandler handles student-facing endpoints (start, answer, submit).
type StudentPortalHandler struct {
	sessions SessionService
	progress ProgressCache
	events   EventPublisher
	log      zerolog.Logger
}

// NewStudentPortalHandler creates a new StudentPortalHandler. events may be nil.
func NewStudentPortalHandler(sessions SessionService, progress ProgressCache, events EventPublisher, log zerolog.Logger) *StudentPortalHandler {
	return &StudentPortalHandler{
		sessions: sessions,
		progress: progress,
		events:   events,
		log:      log.With().Str("component", "student_portal_handler").Logger(),
	}
}

// StartExam godoc
// POST /api/v1/student/start/:exam_id
// Creates the student's session with a frozen question order, or resumes it.
func (h *StudentPortalHandler) StartExam(c *gin.Context) {
	claims, examID, ok := studentAndExam(c)
	if !ok {
		return
	}

	res, err := h.sessions.Start(c.Request.Context(), claims.UserID, examID)
	if err != nil {
		failWithServiceError(c, h.log, err)
		return
	}

	message, event := "Exam started", model.MonitorStudentStarted
	if res.Resumed {
		message, event = "Exam resumed", model.MonitorStudentResumed
	}
	publish(c.Request.Context(), h.events, examID, claims.UserID, event, nil)

	response.Success(c, http.StatusOK, gin.H{
		"success": true,
		"message": message,
		"exam": gin.H{
			"id":        res.Exam.ID,
			"title":     res.Exam.Title,
			"duration":  res.Exam.DurationMinutes,
			"startedAt": res.Session.StartedAt,
			"questions": res.Session.GeneratedQuestions,
		},
	})
}

// GetQuestions godoc
// GET /api/v1/student/exam/:exam_id/questions
// Returns the session's questions in frozen order, without correct answers.
func (h *StudentPortalHandler) GetQuestions(c *gin.Context) {
	claims, examID, ok := studentAndExam(c)
	if !ok {
		return
	}

	questions, err := h.sessions.GetQuestions(c.Request.Context(), claims.UserID, examID)
	if err != nil {
		failWithServiceError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"questions": questions})
}

// SubmitExam godoc
// POST /api/v1/student/submit
// Scores and closes the session. A repeated submit is answered with the stored
// result and alreadySubmitted set, never with an error.
func (h *StudentPortalHandler) SubmitExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.SubmitExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	examID, err := uuid.Parse(req.ExamID)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	result, err := h.sessions.Submit(c.Request.Context(), claims.UserID, examID, req.Answers)
	if errors.Is(err, service.ErrAlreadySubmitted) && result != nil {
		response.Success(c, http.StatusOK, gin.H{
			"success":          true,
			"alreadySubmitted": true,
			"result":           result,
		})
		return
	}
	if err != nil {
		failWithServiceError(c, h.log, err)
		return
	}
	publish(c.Request.Context(), h.events, examID, claims.UserID, model.MonitorStudentSubmitted, result)

	response.Success(c, http.StatusOK, gin.H{
		"success":          true,
		"alreadySubmitted": false,
		"result":           result,
	})
}

// SaveAnswers godoc
// POST /api/v1/student/exam/:exam_id/answers
// Merges a partial answer set into the persisted session.
func (h *StudentPortalHandler) SaveAnswers(c *gin.Context) {
	claims, examID, ok := studentAndExam(c)
	if !ok {
		return
	}

	var req model.SaveAnswersRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	saved, err := h.sessions.SaveAnswers(c.Request.Context(), claims.UserID, examID, req.Answers)
	if err != nil {
		failWithServiceError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"saved": saved})
}

// GetExamState godoc
// GET /api/v1/student/exam/:exam_id/state
// Covers a page reload: the server start time, remaining time and persisted answers.
func (h *StudentPortalHandler) GetExamState(c *gin.Context) {
	claims, examID, ok := studentAndExam(c)
	if !ok {
		return
	}

	state, err := h.sessions.GetState(c.Request.Context(), claims.UserID, examID)
	if err != nil {
		failWithServiceError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, state)
}

// GetExamPolicy godoc
// GET /api/v1/student/exam-policy
func (h *StudentPortalHandler) GetExamPolicy(c *gin.Context) {
	p := h.sessions.Policy()
	response.Success(c, http.StatusOK, gin.H{
		"timezone":             p.Timezone.String(),
		"windowBufferMinutes":  int(p.WindowBuffer.Minutes()),
		"durationFrom":         "session_start",
		"passPolicy":           p.PassPolicy,
		"passThreshold":        p.PassThreshold,
		"categories":           p.Categories,
		"questionsPerCategory": p.QuestionsPerCategory,
		"progressDebounceMs":   p.ProgressDebounce.Milliseconds(),
	})
}

// ─── Progress buffer ────────────────────────────────────────────────

// GetProgress godoc
// GET /api/v1/student/exam/:exam_id/progress
// Offers a buffered snapshot for resumption.
func (h *StudentPortalHandler) GetProgress(c *gin.Context) {
	claims, examID, ok := studentAndExam(c)
	if !ok {
		return
	}

	// A debounced flush can land after submit cleared the buffer, so the
	// session is checked before the entry is offered.
	if _, err := h.sessions.FrozenQuestionIDs(c.Request.Context(), claims.UserID, examID); err != nil {
		if !sessionClosed(err) {
			failWithServiceError(c, h.log, err)
			return
		}
		if err := h.progress.Clear(c.Request.Context(), examID.String(), claims.UserID); err != nil {
			h.log.Warn().Err(err).Str("exam_id", examID.String()).Int("student_id", claims.UserID).Msg("Failed to clear stale progress")
		}
		response.Success(c, http.StatusOK, gin.H{"resumable": false})
		return
	}

	entry, err := h.progress.Load(c.Request.Context(), examID.String(), claims.UserID)
	if err != nil && !errors.Is(err, progress.ErrNotFound) {
		failWithServiceError(c, h.log, err)
		return
	}
	if !progress.Resumable(entry) {
		response.Success(c, http.StatusOK, gin.H{"resumable": false})
		return
	}

	answered := 0
	for _, v := range entry.Answers {
		if v != "" {
			answered++
		}
	}
	response.Success(c, http.StatusOK, gin.H{
		"resumable":    true,
		"savedAt":      entry.SavedAt,
		"answered":     answered,
		"currentIndex": entry.CurrentIndex,
	})
}

// SaveProgress godoc
// PUT /api/v1/student/exam/:exam_id/progress
// Buffers a snapshot. Writes are debounced; the last one wins.
func (h *StudentPortalHandler) SaveProgress(c *gin.Context) {
	claims, examID, ok := studentAndExam(c)
	if !ok {
		return
	}

	var req model.SaveProgressRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	// Only an in-progress session may buffer progress.
	if _, err := h.sessions.FrozenQuestionIDs(c.Request.Context(), claims.UserID, examID); err != nil {
		failWithServiceError(c, h.log, err)
		return
	}

	err := h.progress.Put(c.Request.Context(), claims.UserID, progress.Entry{
		ExamID:       examID.String(),
		Answers:      req.Answers,
		CurrentIndex: req.CurrentIndex,
	})
	if err != nil {
		failWithServiceError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{"status": "queued"})
}

// ResumeProgress godoc
// POST /api/v1/student/exam/:exam_id/progress/resume
// Returns the buffered answers restricted to the session's frozen questions.
func (h *StudentPortalHandler) ResumeProgress(c *gin.Context) {
	claims, examID, ok := studentAndExam(c)
	if !ok {
		return
	}

	questionIDs, err := h.sessions.FrozenQuestionIDs(c.Request.Context(), claims.UserID, examID)
	if err != nil {
		failWithServiceError(c, h.log, err)
		return
	}

	entry, err := h.progress.Load(c.Request.Context(), examID.String(), claims.UserID)
	if err != nil && !errors.Is(err, progress.ErrNotFound) {
		failWithServiceError(c, h.log, err)
		return
	}
	if !progress.Resumable(entry) {
		response.Fail(c, http.StatusNotFound, response.ErrNoProgress)
		return
	}

	index := entry.CurrentIndex
	if index >= len(questionIDs) {
		index = 0
	}
	response.Success(c, http.StatusOK, gin.H{
		"answers":      progress.Merge(entry, questionIDs),
		"currentIndex": index,
	})
}

// DiscardProgress godoc
// DELETE /api/v1/student/exam/:exam_id/progress
func (h *StudentPortalHandler) DiscardProgress(c *gin.Context) {
	claims, examID, ok := studentAndExam(c)
	if !ok {
		return
	}

	if err := h.progress.Clear(c.Request.Context(), examID.String(), claims.UserID); err != nil {
		failWithServiceError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{})
}

func sessionClosed(err error) bool {
	return errors.Is(err, service.ErrAlreadySubmitted) ||
		errors.Is(err, service.ErrNotInProgress) ||
		errors.Is(err, service.ErrSessionNotStarted)
}

// studentAndExam reads the caller's claims and the :exam_id path parameter,
// writing the failure response itself when either is missing or malformed.
func studentAndExam(c *gin.Context) (*service.Claims, uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, uuid.Nil, false
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, uuid.Nil, false
	}
	return claims, examID, true
}

func publish(ctx context.Context, events EventPublisher, examID uuid.UUID, studentID int, typ model.MonitorEventType, result *model.SubmitResult) {
	if events != nil {
		events.Publish(ctx, examID, studentID, typ, result)
	}
}
