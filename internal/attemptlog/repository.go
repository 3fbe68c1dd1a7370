// Package attemptlog records room presence: when each user joined and left
// an exam room, and how long they were connected.
package attemptlog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PresenceRow is one row for GET /exams/:id/presence.
type PresenceRow struct {
	UserID         uuid.UUID  `json:"user_id"`
	Role           string     `json:"role"`
	JoinedAt       time.Time  `json:"joined_at"`
	LeftAt         *time.Time `json:"left_at,omitempty"`
	PresentSeconds int64      `json:"present_seconds"`
}

// Repository handles presence_log.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a presence log repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LogJoin inserts a row when a client joins an exam room.
func (r *Repository) LogJoin(ctx context.Context, examID, userID uuid.UUID, role string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO presence_log (exam_id, user_id, role, joined_at) VALUES ($1, $2, $3, NOW())`,
		examID, userID, role)
	return err
}

// LogLeave closes the most recent open presence row for this user in this exam.
func (r *Repository) LogLeave(ctx context.Context, examID, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE presence_log p SET left_at = NOW(), present_seconds = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - p.joined_at))::BIGINT)
		 FROM (SELECT id FROM presence_log WHERE exam_id = $1 AND user_id = $2 AND left_at IS NULL ORDER BY joined_at DESC LIMIT 1) AS sub
		 WHERE p.id = sub.id`,
		examID, userID)
	return err
}

// ListByExam returns the presence history for an exam.
func (r *Repository) ListByExam(ctx context.Context, examID uuid.UUID) ([]PresenceRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, role, joined_at, left_at, present_seconds
		 FROM presence_log WHERE exam_id = $1 ORDER BY joined_at DESC`,
		examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []PresenceRow
	for rows.Next() {
		var row PresenceRow
		if err := rows.Scan(&row.UserID, &row.Role, &row.JoinedAt, &row.LeftAt, &row.PresentSeconds); err != nil {
			return nil, err
		}
		list = append(list, row)
	}
	return list, rows.Err()
}
