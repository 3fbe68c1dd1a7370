package detector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/invigilo/backend/internal/models"
)

// scriptedVideo replays a fixed sequence of observations, repeating the last
// one once exhausted.
type scriptedVideo struct {
	mu   sync.Mutex
	obs  []FaceObservation
	next int
}

func (s *scriptedVideo) Observe(_ context.Context) (FaceObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.obs) == 0 {
		return FaceObservation{}, nil
	}
	o := s.obs[s.next]
	if s.next < len(s.obs)-1 {
		s.next++
	}
	return o, nil
}

func (s *scriptedVideo) Close() error { return nil }

func waitEvent(t *testing.T, ch <-chan Event, want models.ViolationType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func expectQuiet(t *testing.T, ch <-chan Event, forbidden models.ViolationType, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev := <-ch:
			if ev.Type == forbidden {
				t.Fatalf("unexpected %s event", forbidden)
			}
		case <-deadline:
			return
		}
	}
}

func TestFaceDetectorSustainedAbsence(t *testing.T) {
	src := &scriptedVideo{obs: []FaceObservation{
		{Faces: 1, Confidence: 0.9},
		{Faces: 0},
	}}
	d := NewFaceDetector(src, FaceConfig{
		Interval:    5 * time.Millisecond,
		AbsenceHold: 25 * time.Millisecond,
	}, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	ev := waitEvent(t, d.Events(), models.ViolationNoFace)
	if ev.At.IsZero() {
		t.Errorf("event has zero timestamp")
	}
}

func TestFaceDetectorBriefAbsenceSuppressed(t *testing.T) {
	// One absent frame between present frames never sustains the hold.
	src := &scriptedVideo{obs: []FaceObservation{
		{Faces: 1, Confidence: 0.9},
		{Faces: 0},
		{Faces: 1, Confidence: 0.9},
	}}
	d := NewFaceDetector(src, FaceConfig{
		Interval:    5 * time.Millisecond,
		AbsenceHold: 40 * time.Millisecond,
	}, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	expectQuiet(t, d.Events(), models.ViolationNoFace, 150*time.Millisecond)
}

func TestFaceDetectorMultipleFacesImmediate(t *testing.T) {
	src := &scriptedVideo{obs: []FaceObservation{
		{Faces: 2, Confidence: 0.9},
	}}
	d := NewFaceDetector(src, FaceConfig{Interval: 5 * time.Millisecond}, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	waitEvent(t, d.Events(), models.ViolationMultipleFaces)
}

func TestFaceDetectorLowConfidenceSustained(t *testing.T) {
	src := &scriptedVideo{obs: []FaceObservation{
		{Faces: 1, Confidence: 0.3},
	}}
	d := NewFaceDetector(src, FaceConfig{
		Interval:            5 * time.Millisecond,
		ConfidenceThreshold: 0.5,
		ConfidenceHold:      25 * time.Millisecond,
	}, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	waitEvent(t, d.Events(), models.ViolationLowFaceConfidence)
}

func TestFaceDetectorNilObserverUnavailable(t *testing.T) {
	d := NewFaceDetector(nil, FaceConfig{}, nil)
	if err := d.Start(context.Background()); err != ErrUnavailable {
		t.Fatalf("start with nil observer: err = %v, want ErrUnavailable", err)
	}
	d.Stop() // safe before successful start
}
