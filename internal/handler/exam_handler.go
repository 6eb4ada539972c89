package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/repository"
	"github.com/stemsi/exam-session-backend/internal/response"
	"github.com/stemsi/exam-session-backend/internal/service"
	"github.com/stemsi/exam-session-backend/internal/validator"
)

// ExamManager covers admin CRUD over exam definitions.
type ExamManager interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error)
	List(ctx context.Context, page, perPage int) ([]model.ExamDefinition, *response.Pagination, error)
	Create(ctx context.Context, req *model.CreateExamRequest) (*model.ExamDefinition, error)
	Update(ctx context.Context, id uuid.UUID, req *model.UpdateExamRequest) (*model.ExamDefinition, error)
	Cancel(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// ResultReader reads submitted sessions.
type ResultReader interface {
	ListResults(ctx context.Context, examID uuid.UUID, page, perPage int, program *string) ([]repository.ExamResult, *response.Pagination, error)
	GetResultDetail(ctx context.Context, examID uuid.UUID, studentID int) (*service.ResultDetail, error)
}

// TimerLister exposes the schedule registry's pending timers.
type TimerLister interface {
	ActiveTimers() []service.ActiveTimer
}

// ExamHandler handles exam management endpoints.
type ExamHandler struct {
	exams   ExamManager
	results ResultReader
	timers  TimerLister
	log     zerolog.Logger
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(exams ExamManager, results ResultReader, timers TimerLister, log zerolog.Logger) *ExamHandler {
	return &ExamHandler{
		exams:   exams,
		results: results,
		timers:  timers,
		log:     log.With().Str("component", "exam_handler").Logger(),
	}
}

// ListExams godoc
// GET /api/v1/admin/exams
func (h *ExamHandler) ListExams(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "10"))

	exams, pagination, err := h.exams.List(c.Request.Context(), page, perPage)
	if err != nil {
		failWithServiceError(c, h.log, err)
		return
	}

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"exams": exams}, pagination)
}

// GetExam godoc
// GET /api/v1/admin/exams/:id
func (h *ExamHandler) GetExam(c *gin.Context) {
	examID, ok := parseExamID(c)
	if !ok {
		return
	}

	exam, err := h.exams.GetByID(c.Request.Context(), examID)
	if err != nil {
		failWithServiceError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"exam": exam})
}

// CreateExam godoc
// POST /api/v1/admin/exams
// Creates a definition and arms its start and end timers.
func (h *ExamHandler) CreateExam(c *gin.Context) {
	var req model.CreateExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	exam, err := h.exams.Create(c.Request.Context(), &req)
	if err != nil {
		failWithServiceError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"exam": exam})
}

// UpdateExam godoc
// PUT /api/v1/admin/exams/:id
// Edits a definition. Its timers are dropped and re-armed for the new schedule.
func (h *ExamHandler) UpdateExam(c *gin.Context) {
	examID, ok := parseExamID(c)
	if !ok {
		return
	}

	var req model.UpdateExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	exam, err := h.exams.Update(c.Request.Context(), examID, &req)
	if err != nil {
		failWithServiceError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"exam": exam})
}

// CancelExam godoc
// POST /api/v1/admin/exams/:id/cancel
func (h *ExamHandler) CancelExam(c *gin.Context) {
	examID, ok := parseExamID(c)
	if !ok {
		return
	}

	exam, err := h.exams.Cancel(c.Request.Context(), examID)
	if err != nil {
		failWithServiceError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"exam": exam})
}

// DeleteExam godoc
// DELETE /api/v1/admin/exams/:id
func (h *ExamHandler) DeleteExam(c *gin.Context) {
	examID, ok := parseExamID(c)
	if !ok {
		return
	}

	if err := h.exams.Delete(c.Request.Context(), examID); err != nil {
		failWithServiceError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "exam deleted successfully"})
}

// GetExamResults godoc
// GET /api/v1/admin/exams/:id/results
// Returns paginated student results for an exam, optionally filtered by program.
func (h *ExamHandler) GetExamResults(c *gin.Context) {
	examID, ok := parseExamID(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "10"))

	var program *string
	if p := c.Query("program"); p != "" {
		program = &p
	}

	results, pagination, err := h.results.ListResults(c.Request.Context(), examID, page, perPage, program)
	if err != nil {
		failWithServiceError(c, h.log, err)
		return
	}

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"results": results}, pagination)
}

// GetStudentResult godoc
// GET /api/v1/admin/exams/:id/results/:student_id
// Returns one submitted session with its per-question review.
func (h *ExamHandler) GetStudentResult(c *gin.Context) {
	examID, ok := parseExamID(c)
	if !ok {
		return
	}
	studentID, err := strconv.Atoi(c.Param("student_id"))
	if err != nil || studentID <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	detail, err := h.results.GetResultDetail(c.Request.Context(), examID, studentID)
	if err != nil {
		failWithServiceError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, detail)
}

// ListActiveTimers godoc
// GET /api/v1/admin/active-timers
// Diagnostic dump of the in-memory schedule registry.
func (h *ExamHandler) ListActiveTimers(c *gin.Context) {
	timers := h.timers.ActiveTimers()
	response.Success(c, http.StatusOK, gin.H{"timers": timers, "count": len(timers)})
}

func parseExamID(c *gin.Context) (uuid.UUID, bool) {
	examID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return examID, true
}
