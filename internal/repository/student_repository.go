package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exam-session-backend/internal/model"
)

// StudentRepository handles student data access.
type StudentRepository struct {
	pool *pgxpool.Pool
}

// NewStudentRepository creates a new StudentRepository.
func NewStudentRepository(pool *pgxpool.Pool) *StudentRepository {
	return &StudentRepository{pool: pool}
}

// GetByID retrieves a student by ID.
func (r *StudentRepository) GetByID(ctx context.Context, id int) (*model.Student, error) {
	s := &model.Student{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, roll_no, name, program, password_hash, created_at, updated_at
		 FROM students WHERE id = $1`, id,
	).Scan(&s.ID, &s.RollNo, &s.Name, &s.Program, &s.PasswordHash, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// GetByRollNo retrieves a student by their unique roll number.
func (r *StudentRepository) GetByRollNo(ctx context.Context, rollNo string) (*model.Student, error) {
	s := &model.Student{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, roll_no, name, program, password_hash, created_at, updated_at
		 FROM students WHERE roll_no = $1`, rollNo,
	).Scan(&s.ID, &s.RollNo, &s.Name, &s.Program, &s.PasswordHash, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// Upsert inserts a student or, when the roll number exists, refreshes its
// name, program and password. Used by the seeder.
func (r *StudentRepository) Upsert(ctx context.Context, s *model.Student) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO students (roll_no, name, program, password_hash)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (roll_no) DO UPDATE
		 SET name = EXCLUDED.name, program = EXCLUDED.program,
		     password_hash = EXCLUDED.password_hash, updated_at = NOW()
		 RETURNING id, created_at, updated_at`,
		s.RollNo, s.Name, s.Program, s.PasswordHash,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}
