package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/invigilo/backend/internal/auth"
	"github.com/invigilo/backend/internal/exams"
	"github.com/invigilo/backend/internal/notify"
	"github.com/invigilo/backend/internal/proctoring"
	"github.com/invigilo/backend/pkg/queue"
)

// ProctoringProcessor drains the proctoring job queue: violation audit rows
// and termination notices (audit row, attempt update, student email).
type ProctoringProcessor struct {
	procRepo *proctoring.Repository
	userRepo *auth.Repository
	examRepo *exams.Repository
	mailer   *notify.Mailer
	queue    *queue.Queue
	logger   *zap.Logger
}

// NewProctoringProcessor creates a proctoring job processor.
func NewProctoringProcessor(procRepo *proctoring.Repository, userRepo *auth.Repository, examRepo *exams.Repository, mailer *notify.Mailer, q *queue.Queue, logger *zap.Logger) *ProctoringProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProctoringProcessor{
		procRepo: procRepo,
		userRepo: userRepo,
		examRepo: examRepo,
		mailer:   mailer,
		queue:    q,
		logger:   logger,
	}
}

// Process executes one job.
func (p *ProctoringProcessor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeViolationAudit:
		return p.processViolationAudit(ctx, job)
	case queue.JobTypeTerminationNotice:
		return p.processTerminationNotice(ctx, job)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (p *ProctoringProcessor) processViolationAudit(ctx context.Context, job *queue.Job) error {
	var payload queue.ViolationAuditPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := p.procRepo.InsertViolation(ctx, payload.StudentID, payload.ExamID, payload.Type, payload.Details, payload.Timestamp, payload.Status, payload.Counted); err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	p.logger.Debug("violation audited",
		zap.String("student_id", payload.StudentID.String()),
		zap.String("exam_id", payload.ExamID.String()),
		zap.String("type", payload.Type))
	return nil
}

func (p *ProctoringProcessor) processTerminationNotice(ctx context.Context, job *queue.Job) error {
	var payload queue.TerminationNoticePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := p.procRepo.InsertTermination(ctx, payload.StudentID, payload.ExamID, payload.TerminatedBy, payload.WarningCount, payload.At); err != nil {
		return fmt.Errorf("insert termination: %w", err)
	}

	// Email is best-effort: a delivery failure must not re-run the audit
	// insert, so it is logged rather than returned.
	student, err := p.userRepo.GetByID(ctx, payload.StudentID)
	if err != nil {
		p.logger.Warn("student lookup failed, skipping notice mail", zap.Error(err), zap.String("student_id", payload.StudentID.String()))
		return nil
	}
	examTitle := payload.ExamID.String()
	if exam, err := p.examRepo.GetByID(ctx, payload.ExamID); err == nil {
		examTitle = exam.Title
	}
	body := notify.TerminationBody(student.FullName, examTitle, payload.WarningCount, payload.At)
	if err := p.mailer.Send(student.Email, "Exam attempt terminated", body); err != nil {
		p.logger.Warn("termination mail failed", zap.Error(err), zap.String("student_id", payload.StudentID.String()))
	}

	p.logger.Info("termination processed",
		zap.String("student_id", payload.StudentID.String()),
		zap.String("exam_id", payload.ExamID.String()),
		zap.Int("warning_count", payload.WarningCount))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ProctoringProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("proctoring worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
