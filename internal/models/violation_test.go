package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestViolationTypeValid(t *testing.T) {
	valid := []ViolationType{
		ViolationNoFace, ViolationMultipleFaces, ViolationEyesClosed,
		ViolationSuspiciousAudio, ViolationTabSwitch, ViolationWindowBlur,
		ViolationLowFaceConfidence,
	}
	for _, v := range valid {
		if !v.Valid() {
			t.Errorf("%s reported invalid", v)
		}
	}
	if ViolationType("phone-detected").Valid() {
		t.Errorf("unknown type reported valid")
	}
}

func TestDedupeKeyStableAcrossRetries(t *testing.T) {
	at := time.Now()
	a := ViolationEvent{StudentID: uuid.New(), Type: ViolationNoFace, Timestamp: at}
	b := ViolationEvent{StudentID: uuid.New(), Type: ViolationNoFace, Timestamp: at}
	if a.DedupeKey() != b.DedupeKey() {
		t.Errorf("same type and timestamp produced different keys")
	}

	c := ViolationEvent{Type: ViolationNoFace, Timestamp: at.Add(time.Nanosecond)}
	if a.DedupeKey() == c.DedupeKey() {
		t.Errorf("different timestamps produced the same key")
	}
	d := ViolationEvent{Type: ViolationTabSwitch, Timestamp: at}
	if a.DedupeKey() == d.DedupeKey() {
		t.Errorf("different types produced the same key")
	}
}

func TestExamRoomRoundTrip(t *testing.T) {
	examID := uuid.New()
	room := ExamRoom(examID)
	got, ok := ParseExamRoom(room)
	if !ok || got != examID {
		t.Fatalf("ParseExamRoom(%q) = %v, %v", room, got, ok)
	}
	if _, ok := ParseExamRoom("lobby"); ok {
		t.Errorf("non-exam room parsed as exam room")
	}
	if _, ok := ParseExamRoom("exam:not-a-uuid"); ok {
		t.Errorf("malformed exam room parsed")
	}
}

func TestCanProctor(t *testing.T) {
	if !RoleAdmin.CanProctor() || !RoleFaculty.CanProctor() {
		t.Errorf("admin and faculty must be able to proctor")
	}
	if RoleStudent.CanProctor() {
		t.Errorf("student must not be able to proctor")
	}
}
