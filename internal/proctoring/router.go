package proctoring

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/invigilo/backend/internal/models"
	"github.com/invigilo/backend/internal/realtime"
)

// Notifier is the fan-out surface the router delivers alerts through.
// Implemented by realtime.Registry.
type Notifier interface {
	SendTo(identity uuid.UUID, event string, payload interface{}) bool
	BroadcastRoom(room, event string, payload interface{}, roles ...models.Role)
	IsMember(room string, identity uuid.UUID) bool
}

// Auditor records the audit trail off the router loop. Implementations must
// not block; failures are the auditor's to log.
type Auditor interface {
	RecordViolation(ev models.ViolationEvent, status models.ProctoringStatus, counted bool)
	RecordTermination(studentID, examID uuid.UUID, terminatedBy *uuid.UUID, warningCount int)
}

// Config tunes the alert router.
type Config struct {
	// WarningThreshold is the warning count above which an attempt is
	// terminated automatically.
	WarningThreshold int
	// Buffer is the inbound event channel capacity. A full channel drops
	// events rather than blocking the transport.
	Buffer int
}

type inbound struct {
	violation *models.ViolationEvent
	terminate *terminateReq
	start     *attemptKey
}

type terminateReq struct {
	cmd  models.TerminateCommand
	from uuid.UUID
	role models.Role
	// auto marks threshold-triggered termination, which skips authorization.
	auto bool
}

// Router consumes violation events and privileged terminate commands,
// maintains the per-(student, exam) proctoring state machine, and fans alerts
// out to the flagged student and the proctors in the exam room. A single
// goroutine processes every inbound event to completion, which makes the
// state transitions atomic without locks on the write path.
type Router struct {
	cfg      Config
	store    *Store
	notifier Notifier
	audit    Auditor
	events   chan inbound
	logger   *zap.Logger
}

// NewRouter creates an alert router. audit may be nil.
func NewRouter(cfg Config, store *Store, notifier Notifier, audit Auditor, logger *zap.Logger) *Router {
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = 5
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		audit:    audit,
		events:   make(chan inbound, cfg.Buffer),
		logger:   logger,
	}
}

// Run processes inbound events until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("alert router stopping")
			return
		case in := <-r.events:
			switch {
			case in.violation != nil:
				r.processViolation(*in.violation)
			case in.terminate != nil:
				r.processTerminate(*in.terminate)
			case in.start != nil:
				r.store.getOrCreate(*in.start, time.Now().UTC())
			}
		}
	}
}

// StartAttempt registers an ACTIVE proctoring state for a beginning attempt.
func (r *Router) StartAttempt(studentID, examID uuid.UUID) {
	key := attemptKey{student: studentID, exam: examID}
	r.enqueue(inbound{start: &key})
}

// HandleViolation implements realtime.MessageHandler.
func (r *Router) HandleViolation(ev models.ViolationEvent) {
	r.enqueue(inbound{violation: &ev})
}

// HandleTerminate implements realtime.MessageHandler.
func (r *Router) HandleTerminate(cmd models.TerminateCommand, from uuid.UUID, role models.Role) {
	r.enqueue(inbound{terminate: &terminateReq{cmd: cmd, from: from, role: role}})
}

// enqueue never blocks: a saturated router drops the event and logs it.
func (r *Router) enqueue(in inbound) {
	select {
	case r.events <- in:
	default:
		r.logger.Warn("alert router saturated, event dropped")
	}
}

// SnapshotExam returns the current proctoring state of every student in an
// exam, for the monitoring view.
func (r *Router) SnapshotExam(examID uuid.UUID) []models.ProctoringState {
	return r.store.SnapshotExam(examID)
}

// Snapshot returns one student's proctoring state.
func (r *Router) Snapshot(studentID, examID uuid.UUID) (models.ProctoringState, bool) {
	return r.store.Snapshot(studentID, examID)
}

func (r *Router) processViolation(ev models.ViolationEvent) {
	key := attemptKey{student: ev.StudentID, exam: ev.ExamID}
	e := r.store.getOrCreate(key, ev.Timestamp)

	if e.st.Status == models.StatusTerminated {
		// Terminal state absorbs everything: recorded for audit, no
		// counting, no notification.
		if r.audit != nil {
			r.audit.RecordViolation(ev, models.StatusTerminated, false)
		}
		return
	}

	if r.store.duplicate(e, ev) {
		r.logger.Debug("duplicate violation ignored",
			zap.String("student_id", ev.StudentID.String()),
			zap.String("type", string(ev.Type)))
		return
	}

	status, count := r.store.appendViolation(e, ev)

	room := models.ExamRoom(ev.ExamID)
	r.notifier.SendTo(ev.StudentID, realtime.EventViolationNotice, ev)
	statusPayload := realtime.StatusChangedPayload{
		StudentID:    ev.StudentID,
		ExamID:       ev.ExamID,
		Status:       status,
		WarningCount: count,
	}
	r.notifier.SendTo(ev.StudentID, realtime.EventStatusChanged, statusPayload)
	r.notifier.BroadcastRoom(room, realtime.EventViolationNotice, ev, models.RoleFaculty, models.RoleAdmin)
	r.notifier.BroadcastRoom(room, realtime.EventStatusChanged, statusPayload, models.RoleFaculty, models.RoleAdmin)

	if r.audit != nil {
		r.audit.RecordViolation(ev, status, true)
	}

	if count > r.cfg.WarningThreshold {
		r.logger.Info("warning threshold exceeded, terminating attempt",
			zap.String("student_id", ev.StudentID.String()),
			zap.String("exam_id", ev.ExamID.String()),
			zap.Int("warning_count", count))
		r.processTerminate(terminateReq{
			cmd:  models.TerminateCommand{StudentID: ev.StudentID, ExamID: ev.ExamID},
			auto: true,
		})
	}
}

func (r *Router) processTerminate(req terminateReq) {
	room := models.ExamRoom(req.cmd.ExamID)

	if !req.auto {
		// A terminate command is accepted only from a proctor role that is
		// currently a member of the exam room. Anything else is rejected
		// with no state change and no notification.
		if !req.role.CanProctor() || !r.notifier.IsMember(room, req.from) {
			r.logger.Warn("unauthorized terminate rejected",
				zap.String("from", req.from.String()),
				zap.String("role", string(req.role)),
				zap.String("exam_id", req.cmd.ExamID.String()))
			return
		}
	}

	key := attemptKey{student: req.cmd.StudentID, exam: req.cmd.ExamID}
	e := r.store.get(key)
	if e == nil {
		r.logger.Warn("terminate for unknown attempt ignored",
			zap.String("student_id", req.cmd.StudentID.String()),
			zap.String("exam_id", req.cmd.ExamID.String()))
		return
	}
	if e.st.Status == models.StatusTerminated {
		return
	}

	r.store.markTerminated(e, time.Now().UTC())

	payload := realtime.TerminatedPayload{StudentID: req.cmd.StudentID, ExamID: req.cmd.ExamID}
	statusPayload := realtime.StatusChangedPayload{
		StudentID:    req.cmd.StudentID,
		ExamID:       req.cmd.ExamID,
		Status:       models.StatusTerminated,
		WarningCount: e.st.WarningCount,
	}
	r.notifier.SendTo(req.cmd.StudentID, realtime.EventTerminated, payload)
	r.notifier.SendTo(req.cmd.StudentID, realtime.EventStatusChanged, statusPayload)
	r.notifier.BroadcastRoom(room, realtime.EventTerminated, payload, models.RoleFaculty, models.RoleAdmin)
	r.notifier.BroadcastRoom(room, realtime.EventStatusChanged, statusPayload, models.RoleFaculty, models.RoleAdmin)

	if r.audit != nil {
		var by *uuid.UUID
		if !req.auto {
			from := req.from
			by = &from
		}
		r.audit.RecordTermination(req.cmd.StudentID, req.cmd.ExamID, by, e.st.WarningCount)
	}
}
