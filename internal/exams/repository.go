package exams

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/invigilo/backend/internal/models"
)

// Repository handles exam and attempt persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an exam repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new exam.
func (r *Repository) Create(ctx context.Context, e *models.Exam) error {
	const q = `INSERT INTO exams (id, title, course_code, description, starts_at, ends_at, duration_minutes, created_by)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, e.Title, e.CourseCode, e.Description, e.StartsAt, e.EndsAt, e.DurationMinutes, e.CreatedBy).
		Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

// GetByID returns an exam by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Exam, error) {
	const q = `SELECT id, title, course_code, description, starts_at, ends_at, duration_minutes, created_by, created_at, updated_at
		FROM exams WHERE id = $1`
	var e models.Exam
	err := r.pool.QueryRow(ctx, q, id).Scan(&e.ID, &e.Title, &e.CourseCode, &e.Description, &e.StartsAt, &e.EndsAt, &e.DurationMinutes, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// List returns all exams, optionally filtered by creator.
func (r *Repository) List(ctx context.Context, createdBy *uuid.UUID) ([]models.Exam, error) {
	base := `SELECT id, title, course_code, description, starts_at, ends_at, duration_minutes, created_by, created_at, updated_at FROM exams`
	var args []interface{}
	var cond string
	if createdBy != nil {
		cond = " WHERE created_by = $1"
		args = append(args, *createdBy)
	}
	rows, err := r.pool.Query(ctx, base+cond+" ORDER BY starts_at DESC", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Exam
	for rows.Next() {
		var e models.Exam
		if err := rows.Scan(&e.ID, &e.Title, &e.CourseCode, &e.Description, &e.StartsAt, &e.EndsAt, &e.DurationMinutes, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// Update updates exam fields (title, description, starts_at, ends_at).
func (r *Repository) Update(ctx context.Context, id uuid.UUID, title, description string, startsAt, endsAt *time.Time) error {
	const q = `UPDATE exams SET title = $1, description = $2, starts_at = COALESCE($3, starts_at), ends_at = COALESCE($4, ends_at), updated_at = NOW() WHERE id = $5`
	_, err := r.pool.Exec(ctx, q, title, description, startsAt, endsAt, id)
	return err
}

// Delete removes an exam by ID.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM exams WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// StartAttempt returns the student's in-progress attempt for the exam,
// creating one if none exists. Re-entry after a disconnect resumes the same
// attempt row; a terminated attempt stays terminated.
func (r *Repository) StartAttempt(ctx context.Context, examID, studentID uuid.UUID) (*models.Attempt, error) {
	const existing = `SELECT id, exam_id, student_id, status, started_at, ended_at, created_at
		FROM attempts WHERE exam_id = $1 AND student_id = $2
		ORDER BY created_at DESC LIMIT 1`
	var a models.Attempt
	err := r.pool.QueryRow(ctx, existing, examID, studentID).
		Scan(&a.ID, &a.ExamID, &a.StudentID, &a.Status, &a.StartedAt, &a.EndedAt, &a.CreatedAt)
	if err == nil {
		return &a, nil
	}

	const insert = `INSERT INTO attempts (id, exam_id, student_id, status, started_at)
		VALUES (gen_random_uuid(), $1, $2, 'in_progress', NOW())
		RETURNING id, exam_id, student_id, status, started_at, ended_at, created_at`
	err = r.pool.QueryRow(ctx, insert, examID, studentID).
		Scan(&a.ID, &a.ExamID, &a.StudentID, &a.Status, &a.StartedAt, &a.EndedAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SubmitAttempt marks an in-progress attempt as submitted.
func (r *Repository) SubmitAttempt(ctx context.Context, examID, studentID uuid.UUID) error {
	const q = `UPDATE attempts SET status = 'submitted', ended_at = NOW()
		WHERE exam_id = $1 AND student_id = $2 AND status = 'in_progress'`
	_, err := r.pool.Exec(ctx, q, examID, studentID)
	return err
}

// ListAttempts returns every attempt for an exam.
func (r *Repository) ListAttempts(ctx context.Context, examID uuid.UUID) ([]models.Attempt, error) {
	const q = `SELECT id, exam_id, student_id, status, started_at, ended_at, created_at
		FROM attempts WHERE exam_id = $1 ORDER BY started_at`
	rows, err := r.pool.Query(ctx, q, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Attempt
	for rows.Next() {
		var a models.Attempt
		if err := rows.Scan(&a.ID, &a.ExamID, &a.StudentID, &a.Status, &a.StartedAt, &a.EndedAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}
