package proctoring

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/invigilo/backend/internal/models"
	"github.com/invigilo/backend/pkg/queue"
)

// QueueAuditor implements Auditor by enqueueing audit jobs to the Redis
// queue, keeping database writes off the router loop.
type QueueAuditor struct {
	queue  *queue.Queue
	logger *zap.Logger
}

// NewQueueAuditor creates a queue-backed auditor.
func NewQueueAuditor(q *queue.Queue, logger *zap.Logger) *QueueAuditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueAuditor{queue: q, logger: logger}
}

// RecordViolation enqueues a violation audit job.
func (a *QueueAuditor) RecordViolation(ev models.ViolationEvent, status models.ProctoringStatus, counted bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.queue.EnqueueViolationAudit(ctx, queue.ViolationAuditPayload{
		StudentID: ev.StudentID,
		ExamID:    ev.ExamID,
		Type:      string(ev.Type),
		Details:   ev.Details,
		Timestamp: ev.Timestamp,
		Status:    string(status),
		Counted:   counted,
	})
	if err != nil {
		a.logger.Error("violation audit enqueue failed", zap.Error(err))
	}
}

// RecordTermination enqueues a termination audit + notification job.
func (a *QueueAuditor) RecordTermination(studentID, examID uuid.UUID, terminatedBy *uuid.UUID, warningCount int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.queue.EnqueueTerminationNotice(ctx, queue.TerminationNoticePayload{
		StudentID:    studentID,
		ExamID:       examID,
		TerminatedBy: terminatedBy,
		WarningCount: warningCount,
		At:           time.Now().UTC(),
	})
	if err != nil {
		a.logger.Error("termination notice enqueue failed", zap.Error(err))
	}
}
