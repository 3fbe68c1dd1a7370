package proctoring

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/invigilo/backend/internal/models"
)

// Repository persists the proctoring audit trail.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a proctoring audit repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertViolation records one violation event. Duplicate logical events
// (same student, exam, type, timestamp) collapse into the first row.
func (r *Repository) InsertViolation(ctx context.Context, studentID, examID uuid.UUID, vtype, details string, ts time.Time, status string, counted bool) error {
	const q = `INSERT INTO violation_audit (student_id, exam_id, type, details, occurred_at, status, counted)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (student_id, exam_id, type, occurred_at) DO NOTHING`
	_, err := r.pool.Exec(ctx, q, studentID, examID, vtype, details, ts, status, counted)
	return err
}

// InsertTermination records an attempt termination and marks the attempt row.
func (r *Repository) InsertTermination(ctx context.Context, studentID, examID uuid.UUID, terminatedBy *uuid.UUID, warningCount int, at time.Time) error {
	const q = `INSERT INTO termination_audit (student_id, exam_id, terminated_by, warning_count, terminated_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.pool.Exec(ctx, q, studentID, examID, terminatedBy, warningCount, at); err != nil {
		return err
	}
	const mark = `UPDATE attempts SET status = 'terminated', ended_at = $3
		WHERE student_id = $1 AND exam_id = $2 AND status = 'in_progress'`
	_, err := r.pool.Exec(ctx, mark, studentID, examID, at)
	return err
}

// ListRecentViolations returns the most recent audited violations for a
// student in an exam, newest first.
func (r *Repository) ListRecentViolations(ctx context.Context, studentID, examID uuid.UUID, limit int) ([]models.ViolationEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `SELECT student_id, exam_id, type, COALESCE(details,''), occurred_at
		FROM violation_audit
		WHERE student_id = $1 AND exam_id = $2
		ORDER BY occurred_at DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, q, studentID, examID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.ViolationEvent
	for rows.Next() {
		var ev models.ViolationEvent
		var vtype string
		if err := rows.Scan(&ev.StudentID, &ev.ExamID, &vtype, &ev.Details, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Type = models.ViolationType(vtype)
		list = append(list, ev)
	}
	return list, rows.Err()
}
