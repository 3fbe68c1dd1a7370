package proctoring

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/invigilo/backend/internal/models"
)

type attemptKey struct {
	student uuid.UUID
	exam    uuid.UUID
}

// stateEntry pairs the published ProctoringState with the dedupe set of
// event keys already folded into it.
type stateEntry struct {
	st   models.ProctoringState
	seen map[string]struct{}
}

// Store holds the per-(student, exam) proctoring states. Mutation happens
// only on the router loop; the lock exists for concurrent snapshot readers.
type Store struct {
	mu     sync.RWMutex
	states map[attemptKey]*stateEntry
	recent int
}

// NewStore creates a state store keeping at most recent violations per state
// for display.
func NewStore(recent int) *Store {
	if recent <= 0 {
		recent = 20
	}
	return &Store{
		states: make(map[attemptKey]*stateEntry),
		recent: recent,
	}
}

// getOrCreate returns the entry for a key, creating an ACTIVE state when the
// attempt has none yet.
func (s *Store) getOrCreate(key attemptKey, now time.Time) *stateEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.states[key]; ok {
		return e
	}
	e := &stateEntry{
		st: models.ProctoringState{
			StudentID: key.student,
			ExamID:    key.exam,
			Status:    models.StatusActive,
			StartedAt: now,
			UpdatedAt: now,
		},
		seen: make(map[string]struct{}),
	}
	s.states[key] = e
	return e
}

func (s *Store) get(key attemptKey) *stateEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[key]
}

// appendViolation folds one counted violation into the entry, bounding the
// displayed window, and returns the resulting status and warning count.
// Caller is the router loop.
func (s *Store) appendViolation(e *stateEntry, ev models.ViolationEvent) (models.ProctoringStatus, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.seen[ev.DedupeKey()] = struct{}{}
	e.st.WarningCount++
	e.st.Violations = append(e.st.Violations, ev)
	if len(e.st.Violations) > s.recent {
		e.st.Violations = e.st.Violations[len(e.st.Violations)-s.recent:]
	}
	if e.st.Status == models.StatusActive {
		e.st.Status = models.StatusWarned
	}
	e.st.UpdatedAt = ev.Timestamp
	return e.st.Status, e.st.WarningCount
}

// markTerminated freezes the entry. Further events are audit-only.
func (s *Store) markTerminated(e *stateEntry, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.st.Status = models.StatusTerminated
	e.st.UpdatedAt = now
}

// duplicate reports whether the event's dedupe key was already folded in.
func (s *Store) duplicate(e *stateEntry, ev models.ViolationEvent) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := e.seen[ev.DedupeKey()]
	return ok
}

// SnapshotExam returns a copy of every state belonging to an exam.
func (s *Store) SnapshotExam(examID uuid.UUID) []models.ProctoringState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ProctoringState
	for key, e := range s.states {
		if key.exam != examID {
			continue
		}
		out = append(out, copyState(e.st))
	}
	return out
}

// Snapshot returns a copy of one student's state, if it exists.
func (s *Store) Snapshot(studentID, examID uuid.UUID) (models.ProctoringState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.states[attemptKey{student: studentID, exam: examID}]
	if !ok {
		return models.ProctoringState{}, false
	}
	return copyState(e.st), true
}

func copyState(st models.ProctoringState) models.ProctoringState {
	out := st
	out.Violations = make([]models.ViolationEvent, len(st.Violations))
	copy(out.Violations, st.Violations)
	return out
}
