package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/repository"
	"github.com/stemsi/exam-session-backend/internal/response"
)

// ExamStore is the exam definition persistence used by admin CRUD.
type ExamStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error)
	ListPaginated(ctx context.Context, limit, offset int) ([]model.ExamDefinition, int, error)
	Create(ctx context.Context, e *model.ExamDefinition) error
	Update(ctx context.Context, e *model.ExamDefinition) error
	Delete(ctx context.Context, id uuid.UUID) error
	TransitionStatus(ctx context.Context, id uuid.UUID, from []model.ExamStatus, to model.ExamStatus) (bool, error)
}

// Scheduler is the part of the schedule registry the exam service drives.
type Scheduler interface {
	Schedule(ctx context.Context, exam *model.ExamDefinition) error
	Cancel(examID uuid.UUID) bool
}

// ExamService handles exam definition CRUD and keeps the schedule registry in
// step with every change. Pending timers are always cancelled before the
// record is touched.
type ExamService struct {
	examRepo  ExamStore
	scheduler Scheduler
	log       zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(examRepo ExamStore, scheduler Scheduler, log zerolog.Logger) *ExamService {
	return &ExamService{
		examRepo:  examRepo,
		scheduler: scheduler,
		log:       log.With().Str("component", "exam_service").Logger(),
	}
}

// GetByID retrieves an exam definition by its UUID.
func (s *ExamService) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	exam, err := s.examRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrExamNotFound
		}
		return nil, err
	}
	return exam, nil
}

// List retrieves exam definitions page by page.
func (s *ExamService) List(ctx context.Context, page, perPage int) ([]model.ExamDefinition, *response.Pagination, error) {
	page, perPage = normalizePage(page, perPage)

	exams, total, err := s.examRepo.ListPaginated(ctx, perPage, (page-1)*perPage)
	if err != nil {
		return nil, nil, err
	}
	if exams == nil {
		exams = []model.ExamDefinition{}
	}
	return exams, buildPagination(page, perPage, total), nil
}

// Create inserts a new definition as scheduled and registers its timers.
func (s *ExamService) Create(ctx context.Context, req *model.CreateExamRequest) (*model.ExamDefinition, error) {
	exam := &model.ExamDefinition{
		Title:           req.Title,
		Program:         req.Program,
		StudentID:       req.StudentID,
		Date:            req.Date,
		StartTime:       req.StartTime,
		DurationMinutes: req.DurationMinutes,
		Status:          model.ExamStatusScheduled,
		QuestionIDs:     req.QuestionIDs,
	}

	if err := s.examRepo.Create(ctx, exam); err != nil {
		return nil, fmt.Errorf("create exam: %w", err)
	}
	s.schedule(ctx, exam)

	s.log.Info().Str("exam_id", exam.ID.String()).Str("status", string(exam.Status)).Msg("Exam created")
	return exam, nil
}

// Update applies an edit. The definition returns to scheduled and is
// rescheduled against its new date and time, so an edit can move a completed
// exam back into the future. Cancelled definitions cannot be edited.
func (s *ExamService) Update(ctx context.Context, id uuid.UUID, req *model.UpdateExamRequest) (*model.ExamDefinition, error) {
	exam, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if exam.Status == model.ExamStatusCancelled {
		return nil, ErrExamNotEditable
	}

	s.scheduler.Cancel(id)

	req.Apply(exam)
	exam.Status = model.ExamStatusScheduled
	if err := s.examRepo.Update(ctx, exam); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrExamNotFound
		case errors.Is(err, repository.ErrNotEditable):
			// Cancelled after the read above.
			return nil, ErrExamNotEditable
		}
		return nil, fmt.Errorf("update exam: %w", err)
	}
	s.schedule(ctx, exam)

	s.log.Info().Str("exam_id", id.String()).Str("status", string(exam.Status)).Msg("Exam updated")
	return exam, nil
}

// Cancel marks an active definition cancelled and drops its timers.
func (s *ExamService) Cancel(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	exam, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.scheduler.Cancel(id)

	changed, err := s.examRepo.TransitionStatus(ctx, id, activeStatuses, model.ExamStatusCancelled)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, ErrExamNotEditable
	}
	exam.Status = model.ExamStatusCancelled

	s.log.Info().Str("exam_id", id.String()).Msg("Exam cancelled")
	return exam, nil
}

// Delete drops the definition's timers and removes it. Sessions cascade.
func (s *ExamService) Delete(ctx context.Context, id uuid.UUID) error {
	s.scheduler.Cancel(id)

	if err := s.examRepo.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrExamNotFound
		}
		return err
	}

	s.log.Info().Str("exam_id", id.String()).Msg("Exam deleted")
	return nil
}

// schedule logs instead of failing: the record is already written and the
// session service re-derives the window on its own.
func (s *ExamService) schedule(ctx context.Context, exam *model.ExamDefinition) {
	if err := s.scheduler.Schedule(ctx, exam); err != nil {
		s.log.Error().Err(err).Str("exam_id", exam.ID.String()).Msg("Failed to schedule exam")
	}
}

func normalizePage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}
	if perPage > 100 {
		perPage = 100
	}
	return page, perPage
}

func buildPagination(page, perPage, total int) *response.Pagination {
	return &response.Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: total,
		TotalPages: (total + perPage - 1) / perPage,
	}
}
