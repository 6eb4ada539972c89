package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exam-session-backend/internal/model"
)

const questionColumns = `id, text, option_a, option_b, option_c, option_d, correct_option, category, program`

// QuestionRepository handles question bank reads for the session service.
type QuestionRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(pool *pgxpool.Pool) *QuestionRepository {
	return &QuestionRepository{pool: pool}
}

// ListForDraw returns up to limit random questions of a category, preferring
// questions scoped to program and topping up from the universal pool
// (program IS NULL).
func (r *QuestionRepository) ListForDraw(ctx context.Context, program, category string, limit int) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+questionColumns+`
		 FROM questions
		 WHERE category = $1 AND (program = $2 OR program IS NULL)
		 ORDER BY (program IS NULL), random()
		 LIMIT $3`, category, program, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectQuestions(rows)
}

// GetByIDs returns the questions with the given ids in no particular order.
// Missing ids are silently absent from the result.
func (r *QuestionRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Question, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = ANY($1::uuid[])`, ids,
	)
	if err != nil {
		return nil, err
	}
	return collectQuestions(rows)
}

// CreateBatch bulk-inserts questions with COPY. Every question must carry
// exactly four options.
func (r *QuestionRepository) CreateBatch(ctx context.Context, questions []model.Question) (int64, error) {
	rows := make([][]any, 0, len(questions))
	for _, q := range questions {
		if len(q.Options) != 4 {
			return 0, fmt.Errorf("question %q has %d options, want 4", q.Text, len(q.Options))
		}
		rows = append(rows, []any{q.Text, q.Options[0], q.Options[1], q.Options[2], q.Options[3],
			q.CorrectOption, q.Category, q.Program})
	}
	return r.pool.CopyFrom(ctx,
		pgx.Identifier{"questions"},
		[]string{"text", "option_a", "option_b", "option_c", "option_d", "correct_option", "category", "program"},
		pgx.CopyFromRows(rows),
	)
}

func collectQuestions(rows pgx.Rows) ([]model.Question, error) {
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var (
			q          model.Question
			a, b, c, d string
		)
		if err := rows.Scan(&q.ID, &q.Text, &a, &b, &c, &d, &q.CorrectOption, &q.Category, &q.Program); err != nil {
			return nil, err
		}
		q.Options = []string{a, b, c, d}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}
