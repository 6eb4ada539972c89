package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exam-session-backend/internal/model"
)

const examColumns = `id, title, program, student_id, exam_date::text, start_time,
	duration_minutes, status, question_ids, created_at, updated_at`

// ExamRepository handles exam definition data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

func scanExam(row pgx.Row, e *model.ExamDefinition) error {
	return row.Scan(&e.ID, &e.Title, &e.Program, &e.StudentID, &e.Date, &e.StartTime,
		&e.DurationMinutes, &e.Status, &e.QuestionIDs, &e.CreatedAt, &e.UpdatedAt)
}

// GetByID retrieves an exam definition by its UUID.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	e := &model.ExamDefinition{}
	if err := scanExam(r.pool.QueryRow(ctx, `SELECT `+examColumns+` FROM exam_definitions WHERE id = $1`, id), e); err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

// ListPaginated retrieves exam definitions ordered by schedule, newest first.
func (r *ExamRepository) ListPaginated(ctx context.Context, limit, offset int) ([]model.ExamDefinition, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM exam_definitions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+examColumns+`
		 FROM exam_definitions
		 ORDER BY exam_date DESC, start_time DESC
		 LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	exams, err := collectExams(rows)
	return exams, total, err
}

// ListByStatus returns every definition whose status is one of statuses.
// Used to rebuild the schedule registry on startup.
func (r *ExamRepository) ListByStatus(ctx context.Context, statuses ...model.ExamStatus) ([]model.ExamDefinition, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+examColumns+`
		 FROM exam_definitions
		 WHERE status = ANY($1::text[])
		 ORDER BY exam_date, start_time`, statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	return collectExams(rows)
}

// Create inserts a new exam definition.
func (r *ExamRepository) Create(ctx context.Context, e *model.ExamDefinition) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO exam_definitions
		   (title, program, student_id, exam_date, start_time, duration_minutes, status, question_ids)
		 VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8::uuid[])
		 RETURNING id, created_at, updated_at`,
		e.Title, e.Program, e.StudentID, e.Date, e.StartTime, e.DurationMinutes, e.Status, questionIDs(e.QuestionIDs),
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

// Update overwrites the editable fields and status of an exam definition.
// A cancelled definition is never overwritten: the write is guarded on the
// stored status and reports ErrNotEditable when the guard rejects it.
func (r *ExamRepository) Update(ctx context.Context, e *model.ExamDefinition) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_definitions
		 SET title = $1, program = $2, student_id = $3, exam_date = $4::date, start_time = $5,
		     duration_minutes = $6, status = $7, question_ids = $8::uuid[], updated_at = NOW()
		 WHERE id = $9 AND status <> $10`,
		e.Title, e.Program, e.StudentID, e.Date, e.StartTime, e.DurationMinutes, e.Status, questionIDs(e.QuestionIDs), e.ID,
		model.ExamStatusCancelled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM exam_definitions WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrNotEditable
	}
	return ErrNotFound
}

// Delete removes an exam definition; sessions cascade.
func (r *ExamRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM exam_definitions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus sets the status to `to` only if the current status is one of
// `from`. It reports whether a row changed.
func (r *ExamRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from []model.ExamStatus, to model.ExamStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_definitions
		 SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status = ANY($3::text[])`,
		to, id, statusStrings(from))
	if err != nil {
		return false, fmt.Errorf("transition exam %s to %s: %w", id, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

func collectExams(rows pgx.Rows) ([]model.ExamDefinition, error) {
	defer rows.Close()

	var exams []model.ExamDefinition
	for rows.Next() {
		var e model.ExamDefinition
		if err := scanExam(rows, &e); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

func statusStrings(statuses []model.ExamStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// questionIDs keeps an empty list from being written as NULL.
func questionIDs(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}
