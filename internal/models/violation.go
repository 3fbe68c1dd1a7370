package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ViolationType is the closed set of suspicious-behavior signals a detector
// can report.
type ViolationType string

const (
	ViolationNoFace            ViolationType = "no-face"
	ViolationMultipleFaces     ViolationType = "multiple-faces"
	ViolationEyesClosed        ViolationType = "eyes-closed"
	ViolationSuspiciousAudio   ViolationType = "suspicious-audio"
	ViolationTabSwitch         ViolationType = "tab-switch"
	ViolationWindowBlur        ViolationType = "window-blur"
	ViolationLowFaceConfidence ViolationType = "low-face-confidence"
)

// Valid reports whether t is a known violation type.
func (t ViolationType) Valid() bool {
	switch t {
	case ViolationNoFace, ViolationMultipleFaces, ViolationEyesClosed,
		ViolationSuspiciousAudio, ViolationTabSwitch, ViolationWindowBlur,
		ViolationLowFaceConfidence:
		return true
	}
	return false
}

// ViolationEvent is one detected violation. Immutable once created.
type ViolationEvent struct {
	StudentID uuid.UUID     `json:"student_id"`
	ExamID    uuid.UUID     `json:"exam_id"`
	Type      ViolationType `json:"type"`
	Details   string        `json:"details,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// DedupeKey identifies a logical event across transport retries. Two events
// with the same key are the same event and must be processed at most once.
func (e ViolationEvent) DedupeKey() string {
	return fmt.Sprintf("%s|%d", e.Type, e.Timestamp.UnixNano())
}

// ProctoringStatus is the per-attempt proctoring state. Transitions are
// one-directional: ACTIVE -> WARNED -> TERMINATED.
type ProctoringStatus string

const (
	StatusActive     ProctoringStatus = "ACTIVE"
	StatusWarned     ProctoringStatus = "WARNED"
	StatusTerminated ProctoringStatus = "TERMINATED"
)

// ProctoringState is the authoritative per-(student, exam) proctoring record.
type ProctoringState struct {
	StudentID    uuid.UUID        `json:"student_id"`
	ExamID       uuid.UUID        `json:"exam_id"`
	Status       ProctoringStatus `json:"status"`
	WarningCount int              `json:"warning_count"`
	Violations   []ViolationEvent `json:"violations"`
	StartedAt    time.Time        `json:"started_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// TerminateCommand is a privileged request to end a student's attempt.
type TerminateCommand struct {
	StudentID uuid.UUID `json:"student_id"`
	ExamID    uuid.UUID `json:"exam_id"`
}
