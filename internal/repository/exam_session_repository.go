package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exam-session-backend/internal/model"
)

const sessionColumns = `id, exam_id, student_id, status, started_at, submitted_at,
	generated_questions, answers, score, total_questions, percentage, result`

// ExamResult combines student data with their exam session details.
type ExamResult struct {
	StudentID      int                 `json:"student_id"`
	Name           string              `json:"name"`
	RollNo         string              `json:"roll_no"`
	Program        string              `json:"program"`
	Status         model.SessionStatus `json:"status"`
	Score          *int                `json:"score"`
	TotalQuestions *int                `json:"total_questions"`
	Percentage     *int                `json:"percentage"`
	Result         *model.ResultStatus `json:"result"`
	StartedAt      *time.Time          `json:"started_at"`
	SubmittedAt    *time.Time          `json:"submitted_at"`
}

// FinalizeParams carries everything written when a session leaves in_progress.
type FinalizeParams struct {
	SessionID   uuid.UUID
	SubmittedAt time.Time
	Answers     map[string]string
	Result      model.SubmitResult
	Details     []model.AnswerDetail
}

// ExamSessionRepository handles exam session data access.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

func scanSession(row pgx.Row, s *model.ExamSession) error {
	var answers []byte
	if err := row.Scan(&s.ID, &s.ExamID, &s.StudentID, &s.Status, &s.StartedAt, &s.SubmittedAt,
		&s.GeneratedQuestions, &answers, &s.Score, &s.TotalQuestions, &s.Percentage, &s.Result); err != nil {
		return err
	}
	s.Answers = map[string]string{}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &s.Answers); err != nil {
			return fmt.Errorf("decode answers: %w", err)
		}
	}
	return nil
}

// GetByExamAndStudent retrieves the session for a specific exam-student combination.
func (r *ExamSessionRepository) GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE exam_id = $1 AND student_id = $2`, examID, studentID), s)
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// Create inserts a new in-progress session. If a session for the pair already
// exists it returns ErrConflict and writes nothing.
func (r *ExamSessionRepository) Create(ctx context.Context, s *model.ExamSession) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (exam_id, student_id, status, started_at, generated_questions, answers)
		 VALUES ($1, $2, $3, $4, $5::uuid[], '{}'::jsonb)
		 ON CONFLICT (exam_id, student_id) DO NOTHING
		 RETURNING id`,
		s.ExamID, s.StudentID, s.Status, s.StartedAt, s.GeneratedQuestions,
	).Scan(&s.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConflict
	}
	return err
}

// MergeAnswers overlays answers onto the stored answer set while the session is
// still in progress. It reports whether the session accepted the write.
func (r *ExamSessionRepository) MergeAnswers(ctx context.Context, examID uuid.UUID, studentID int, answers map[string]string) (bool, error) {
	raw, err := json.Marshal(answers)
	if err != nil {
		return false, err
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET answers = answers || $1::jsonb
		 WHERE exam_id = $2 AND student_id = $3 AND status = $4`,
		raw, examID, studentID, model.SessionStatusInProgress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Finalize moves a session from in_progress to submitted and writes the score and
// per-question details in one transaction. The status guard makes this a
// compare-and-swap: it reports false, writing nothing, when another caller
// already finalized the session.
func (r *ExamSessionRepository) Finalize(ctx context.Context, p FinalizeParams) (bool, error) {
	raw, err := json.Marshal(p.Answers)
	if err != nil {
		return false, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin finalize tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $1, submitted_at = $2, answers = $3::jsonb,
		     score = $4, total_questions = $5, percentage = $6, result = $7
		 WHERE id = $8 AND status = $9`,
		model.SessionStatusSubmitted, p.SubmittedAt, raw,
		p.Result.Score, p.Result.TotalQuestions, p.Result.Percentage, p.Result.Status,
		p.SessionID, model.SessionStatusInProgress)
	if err != nil {
		return false, fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if len(p.Details) > 0 {
		rows := make([][]any, 0, len(p.Details))
		for _, d := range p.Details {
			rows = append(rows, []any{p.SessionID, d.QuestionID, d.Selected, d.CorrectOption, d.IsCorrect})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"session_answer_details"},
			[]string{"session_id", "question_id", "selected", "correct_option", "is_correct"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return false, fmt.Errorf("insert answer details: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit finalize: %w", err)
	}
	return true, nil
}

// ListExpired returns in-progress sessions whose started_at plus the exam
// duration is before now.
func (r *ExamSessionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.ExamSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT s.id, s.exam_id, s.student_id, s.status, s.started_at, s.submitted_at,
		        s.generated_questions, s.answers, s.score, s.total_questions, s.percentage, s.result
		 FROM exam_sessions s
		 JOIN exam_definitions e ON e.id = s.exam_id
		 WHERE s.status = $1
		   AND s.started_at + make_interval(mins => e.duration_minutes) < $2
		 ORDER BY s.started_at
		 LIMIT $3`,
		model.SessionStatusInProgress, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ExamSession
	for rows.Next() {
		var s model.ExamSession
		if err := scanSession(rows, &s); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// CountByStatus returns how many sessions of an exam are in each status.
func (r *ExamSessionRepository) CountByStatus(ctx context.Context, examID uuid.UUID) (map[model.SessionStatus]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM exam_sessions WHERE exam_id = $1 GROUP BY status`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.SessionStatus]int)
	for rows.Next() {
		var (
			status model.SessionStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListDetails returns the write-once validation records of a submitted session.
func (r *ExamSessionRepository) ListDetails(ctx context.Context, sessionID uuid.UUID) ([]model.AnswerDetail, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, selected, correct_option, is_correct
		 FROM session_answer_details
		 WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var details []model.AnswerDetail
	for rows.Next() {
		var d model.AnswerDetail
		if err := rows.Scan(&d.QuestionID, &d.Selected, &d.CorrectOption, &d.IsCorrect); err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

// ListByExam retrieves student results for an exam, optionally filtered by program.
func (r *ExamSessionRepository) ListByExam(ctx context.Context, examID uuid.UUID, page, perPage int, program *string) ([]ExamResult, int64, error) {
	offset := (page - 1) * perPage

	baseQuery := `
		FROM exam_sessions es
		JOIN students s ON es.student_id = s.id
		WHERE es.exam_id = $1
	`
	args := []any{examID}

	if program != nil && *program != "" {
		args = append(args, *program)
		baseQuery += fmt.Sprintf(" AND s.program = $%d", len(args))
	}

	var total int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) "+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT s.id, s.name, s.roll_no, s.program,
		       es.status, es.score, es.total_questions, es.percentage, es.result,
		       es.started_at, es.submitted_at
		` + baseQuery + fmt.Sprintf(`
		ORDER BY s.program ASC, s.name ASC
		LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, perPage, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []ExamResult
	for rows.Next() {
		var res ExamResult
		if err := rows.Scan(
			&res.StudentID, &res.Name, &res.RollNo, &res.Program,
			&res.Status, &res.Score, &res.TotalQuestions, &res.Percentage, &res.Result,
			&res.StartedAt, &res.SubmittedAt,
		); err != nil {
			return nil, 0, err
		}
		results = append(results, res)
	}
	return results, total, rows.Err()
}
