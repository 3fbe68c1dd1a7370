package proctoring

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/invigilo/backend/internal/models"
	"github.com/invigilo/backend/internal/realtime"
)

type sentMsg struct {
	to    uuid.UUID
	event string
}

type broadcastMsg struct {
	room  string
	event string
	roles []models.Role
}

type fakeNotifier struct {
	sent       []sentMsg
	broadcasts []broadcastMsg
	members    map[string]map[uuid.UUID]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{members: make(map[string]map[uuid.UUID]bool)}
}

func (f *fakeNotifier) join(room string, id uuid.UUID) {
	if f.members[room] == nil {
		f.members[room] = make(map[uuid.UUID]bool)
	}
	f.members[room][id] = true
}

func (f *fakeNotifier) SendTo(identity uuid.UUID, event string, payload interface{}) bool {
	f.sent = append(f.sent, sentMsg{to: identity, event: event})
	return true
}

func (f *fakeNotifier) BroadcastRoom(room, event string, payload interface{}, roles ...models.Role) {
	f.broadcasts = append(f.broadcasts, broadcastMsg{room: room, event: event, roles: roles})
}

func (f *fakeNotifier) IsMember(room string, identity uuid.UUID) bool {
	return f.members[room][identity]
}

type auditedViolation struct {
	ev      models.ViolationEvent
	status  models.ProctoringStatus
	counted bool
}

type auditedTermination struct {
	studentID    uuid.UUID
	terminatedBy *uuid.UUID
	warningCount int
}

type fakeAuditor struct {
	violations   []auditedViolation
	terminations []auditedTermination
}

func (f *fakeAuditor) RecordViolation(ev models.ViolationEvent, status models.ProctoringStatus, counted bool) {
	f.violations = append(f.violations, auditedViolation{ev: ev, status: status, counted: counted})
}

func (f *fakeAuditor) RecordTermination(studentID, examID uuid.UUID, terminatedBy *uuid.UUID, warningCount int) {
	f.terminations = append(f.terminations, auditedTermination{studentID: studentID, terminatedBy: terminatedBy, warningCount: warningCount})
}

func newTestRouter(threshold int) (*Router, *fakeNotifier, *fakeAuditor) {
	notifier := newFakeNotifier()
	auditor := &fakeAuditor{}
	router := NewRouter(Config{WarningThreshold: threshold}, NewStore(20), notifier, auditor, nil)
	return router, notifier, auditor
}

func violation(student, exam uuid.UUID, vtype models.ViolationType, at time.Time) models.ViolationEvent {
	return models.ViolationEvent{
		StudentID: student,
		ExamID:    exam,
		Type:      vtype,
		Timestamp: at,
	}
}

func TestViolationTransitionsActiveToWarned(t *testing.T) {
	router, notifier, _ := newTestRouter(5)
	student, exam := uuid.New(), uuid.New()
	router.store.getOrCreate(attemptKey{student: student, exam: exam}, time.Now())

	st, _ := router.Snapshot(student, exam)
	if st.Status != models.StatusActive {
		t.Fatalf("initial status = %s, want ACTIVE", st.Status)
	}

	base := time.Now()
	router.processViolation(violation(student, exam, models.ViolationNoFace, base))

	st, _ = router.Snapshot(student, exam)
	if st.Status != models.StatusWarned {
		t.Errorf("status = %s, want WARNED", st.Status)
	}
	if st.WarningCount != 1 {
		t.Errorf("warning count = %d, want 1", st.WarningCount)
	}

	// Student gets notice + status; the room gets the proctor-only broadcasts.
	if len(notifier.sent) != 2 {
		t.Errorf("sent %d direct messages, want 2", len(notifier.sent))
	}
	if len(notifier.broadcasts) != 2 {
		t.Fatalf("sent %d broadcasts, want 2", len(notifier.broadcasts))
	}
	for _, b := range notifier.broadcasts {
		if b.room != models.ExamRoom(exam) {
			t.Errorf("broadcast room = %q, want %q", b.room, models.ExamRoom(exam))
		}
		if len(b.roles) != 2 {
			t.Errorf("broadcast roles = %v, want faculty and admin only", b.roles)
		}
	}
}

func TestWarningCountMonotonic(t *testing.T) {
	router, _, _ := newTestRouter(100)
	student, exam := uuid.New(), uuid.New()

	base := time.Now()
	last := 0
	for i := 0; i < 10; i++ {
		router.processViolation(violation(student, exam, models.ViolationTabSwitch, base.Add(time.Duration(i)*time.Second)))
		st, _ := router.Snapshot(student, exam)
		if st.WarningCount <= last && i > 0 {
			t.Fatalf("warning count not monotonic: %d after %d", st.WarningCount, last)
		}
		last = st.WarningCount
	}
	if last != 10 {
		t.Errorf("final warning count = %d, want 10", last)
	}
}

func TestDuplicateViolationIdempotent(t *testing.T) {
	router, notifier, auditor := newTestRouter(5)
	student, exam := uuid.New(), uuid.New()

	ev := violation(student, exam, models.ViolationEyesClosed, time.Now())
	router.processViolation(ev)
	sentAfterFirst := len(notifier.sent)

	// Transport retry redelivers the identical event.
	router.processViolation(ev)

	st, _ := router.Snapshot(student, exam)
	if st.WarningCount != 1 {
		t.Errorf("warning count = %d after duplicate, want 1", st.WarningCount)
	}
	if len(notifier.sent) != sentAfterFirst {
		t.Errorf("duplicate produced notifications")
	}
	if len(auditor.violations) != 1 {
		t.Errorf("duplicate audited: %d audit rows, want 1", len(auditor.violations))
	}
}

func TestThresholdAutoTerminates(t *testing.T) {
	router, notifier, auditor := newTestRouter(2)
	student, exam := uuid.New(), uuid.New()

	base := time.Now()
	for i := 0; i < 3; i++ {
		router.processViolation(violation(student, exam, models.ViolationSuspiciousAudio, base.Add(time.Duration(i)*time.Second)))
	}

	st, _ := router.Snapshot(student, exam)
	if st.Status != models.StatusTerminated {
		t.Fatalf("status = %s after exceeding threshold, want TERMINATED", st.Status)
	}
	if st.WarningCount != 3 {
		t.Errorf("warning count = %d, want 3", st.WarningCount)
	}

	if len(auditor.terminations) != 1 {
		t.Fatalf("%d terminations audited, want 1", len(auditor.terminations))
	}
	if auditor.terminations[0].terminatedBy != nil {
		t.Errorf("auto termination audited with terminated_by set")
	}

	found := false
	for _, m := range notifier.sent {
		if m.to == student && m.event == realtime.EventTerminated {
			found = true
		}
	}
	if !found {
		t.Errorf("student did not receive terminated event")
	}
}

func TestTerminatedAbsorbsViolations(t *testing.T) {
	router, notifier, auditor := newTestRouter(1)
	student, exam := uuid.New(), uuid.New()

	base := time.Now()
	router.processViolation(violation(student, exam, models.ViolationNoFace, base))
	router.processViolation(violation(student, exam, models.ViolationNoFace, base.Add(time.Second)))

	st, _ := router.Snapshot(student, exam)
	if st.Status != models.StatusTerminated {
		t.Fatalf("status = %s, want TERMINATED", st.Status)
	}
	countBefore := st.WarningCount
	sentBefore := len(notifier.sent)

	router.processViolation(violation(student, exam, models.ViolationMultipleFaces, base.Add(2*time.Second)))

	st, _ = router.Snapshot(student, exam)
	if st.WarningCount != countBefore {
		t.Errorf("post-termination violation counted")
	}
	if len(notifier.sent) != sentBefore {
		t.Errorf("post-termination violation notified")
	}
	last := auditor.violations[len(auditor.violations)-1]
	if last.counted || last.status != models.StatusTerminated {
		t.Errorf("post-termination violation not audited as uncounted: counted=%v status=%s", last.counted, last.status)
	}
}

func TestUnauthorizedTerminateRejected(t *testing.T) {
	router, notifier, auditor := newTestRouter(5)
	student, exam := uuid.New(), uuid.New()
	room := models.ExamRoom(exam)

	router.processViolation(violation(student, exam, models.ViolationNoFace, time.Now()))
	sentBefore := len(notifier.sent)

	// A student cannot terminate, even from inside the room.
	otherStudent := uuid.New()
	notifier.join(room, otherStudent)
	router.processTerminate(terminateReq{
		cmd:  models.TerminateCommand{StudentID: student, ExamID: exam},
		from: otherStudent,
		role: models.RoleStudent,
	})

	// A faculty not in the room cannot terminate either.
	outsider := uuid.New()
	router.processTerminate(terminateReq{
		cmd:  models.TerminateCommand{StudentID: student, ExamID: exam},
		from: outsider,
		role: models.RoleFaculty,
	})

	st, _ := router.Snapshot(student, exam)
	if st.Status == models.StatusTerminated {
		t.Fatalf("unauthorized terminate changed state")
	}
	if len(notifier.sent) != sentBefore {
		t.Errorf("unauthorized terminate produced notifications")
	}
	if len(auditor.terminations) != 0 {
		t.Errorf("unauthorized terminate audited")
	}
}

func TestManualTerminateByProctor(t *testing.T) {
	router, notifier, auditor := newTestRouter(5)
	student, exam := uuid.New(), uuid.New()
	room := models.ExamRoom(exam)

	router.processViolation(violation(student, exam, models.ViolationWindowBlur, time.Now()))

	faculty := uuid.New()
	notifier.join(room, faculty)

	router.processTerminate(terminateReq{
		cmd:  models.TerminateCommand{StudentID: student, ExamID: exam},
		from: faculty,
		role: models.RoleFaculty,
	})

	st, _ := router.Snapshot(student, exam)
	if st.Status != models.StatusTerminated {
		t.Fatalf("status = %s, want TERMINATED", st.Status)
	}
	if len(auditor.terminations) != 1 {
		t.Fatalf("%d terminations audited, want 1", len(auditor.terminations))
	}
	by := auditor.terminations[0].terminatedBy
	if by == nil || *by != faculty {
		t.Errorf("terminated_by = %v, want %s", by, faculty)
	}

	// Repeat is a no-op.
	router.processTerminate(terminateReq{
		cmd:  models.TerminateCommand{StudentID: student, ExamID: exam},
		from: faculty,
		role: models.RoleFaculty,
	})
	if len(auditor.terminations) != 1 {
		t.Errorf("repeated terminate audited twice")
	}
}

func TestTerminateUnknownAttemptIgnored(t *testing.T) {
	router, notifier, auditor := newTestRouter(5)
	exam := uuid.New()
	faculty := uuid.New()
	notifier.join(models.ExamRoom(exam), faculty)

	router.processTerminate(terminateReq{
		cmd:  models.TerminateCommand{StudentID: uuid.New(), ExamID: exam},
		from: faculty,
		role: models.RoleFaculty,
	})

	if len(notifier.sent) != 0 || len(auditor.terminations) != 0 {
		t.Errorf("terminate for unknown attempt produced effects")
	}
}

func TestExamIsolation(t *testing.T) {
	router, notifier, _ := newTestRouter(5)
	student := uuid.New()
	examA, examB := uuid.New(), uuid.New()

	router.processViolation(violation(student, examA, models.ViolationNoFace, time.Now()))

	for _, b := range notifier.broadcasts {
		if b.room == models.ExamRoom(examB) {
			t.Fatalf("violation in exam A broadcast to exam B room")
		}
	}
	if _, ok := router.Snapshot(student, examB); ok {
		t.Errorf("exam B acquired state from exam A violation")
	}
}

func TestSnapshotExamCopies(t *testing.T) {
	router, _, _ := newTestRouter(5)
	student, exam := uuid.New(), uuid.New()
	router.processViolation(violation(student, exam, models.ViolationNoFace, time.Now()))

	snap := router.SnapshotExam(exam)
	if len(snap) != 1 {
		t.Fatalf("snapshot has %d states, want 1", len(snap))
	}
	snap[0].Violations[0].Details = "mutated"

	st, _ := router.Snapshot(student, exam)
	if st.Violations[0].Details == "mutated" {
		t.Errorf("snapshot shares violation slice with store")
	}
}
