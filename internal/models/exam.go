package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Exam represents a scheduled exam.
type Exam struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	CourseCode      string     `json:"course_code"`
	Description     string     `json:"description"`
	StartsAt        time.Time  `json:"starts_at"`
	EndsAt          *time.Time `json:"ends_at,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	CreatedBy       uuid.UUID  `json:"created_by"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// AttemptStatus tracks the lifecycle of a student's exam attempt row.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSubmitted  AttemptStatus = "submitted"
	AttemptTerminated AttemptStatus = "terminated"
)

// Attempt represents one student taking one exam.
type Attempt struct {
	ID        uuid.UUID     `json:"id"`
	ExamID    uuid.UUID     `json:"exam_id"`
	StudentID uuid.UUID     `json:"student_id"`
	Status    AttemptStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// ExamRoom returns the multicast room identifier for an exam.
func ExamRoom(examID uuid.UUID) string {
	return fmt.Sprintf("exam:%s", examID)
}

// ParseExamRoom extracts the exam ID from a room identifier. Rooms that are
// not exam rooms return false.
func ParseExamRoom(room string) (uuid.UUID, bool) {
	const prefix = "exam:"
	if !strings.HasPrefix(room, prefix) {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(room[len(prefix):])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
