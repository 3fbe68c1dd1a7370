package detector

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/invigilo/backend/internal/models"
)

func eyeWithOpenness(vertical float64) [6]Point {
	return [6]Point{
		{X: 0, Y: 0},
		{X: 3, Y: -vertical / 2},
		{X: 7, Y: -vertical / 2},
		{X: 10, Y: 0},
		{X: 7, Y: vertical / 2},
		{X: 3, Y: vertical / 2},
	}
}

func TestEyeAspectRatio(t *testing.T) {
	// Vertical distance 3 over horizontal 10 gives a ratio of 0.3.
	got := EyeAspectRatio(eyeWithOpenness(3))
	if math.Abs(got-0.3) > 0.001 {
		t.Errorf("EAR = %.4f, want 0.3", got)
	}

	// Fully closed eye collapses the vertical distances.
	got = EyeAspectRatio(eyeWithOpenness(0))
	if got != 0 {
		t.Errorf("EAR of closed eye = %.4f, want 0", got)
	}
}

func TestEyeAspectRatioDegenerate(t *testing.T) {
	// All points coincident: horizontal distance zero must not divide.
	var eye [6]Point
	if got := EyeAspectRatio(eye); got != 0 {
		t.Errorf("EAR of degenerate landmarks = %.4f, want 0", got)
	}
}

func TestEyeClosureSustained(t *testing.T) {
	closed := eyeWithOpenness(1) // EAR 0.1
	src := &scriptedVideo{obs: []FaceObservation{
		{Faces: 1, Confidence: 0.9, Landmarks: &EyeLandmarks{Left: closed, Right: closed}},
	}}
	d := NewEyeClosureDetector(src, EyesConfig{
		Interval:  5 * time.Millisecond,
		Threshold: 0.2,
		Hold:      25 * time.Millisecond,
	}, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	waitEvent(t, d.Events(), models.ViolationEyesClosed)
}

func TestEyeClosureBlinkSuppressed(t *testing.T) {
	closed := eyeWithOpenness(1) // EAR 0.1
	open := eyeWithOpenness(3)   // EAR 0.3
	src := &scriptedVideo{obs: []FaceObservation{
		{Faces: 1, Confidence: 0.9, Landmarks: &EyeLandmarks{Left: closed, Right: closed}},
		{Faces: 1, Confidence: 0.9, Landmarks: &EyeLandmarks{Left: open, Right: open}},
	}}
	d := NewEyeClosureDetector(src, EyesConfig{
		Interval:  5 * time.Millisecond,
		Threshold: 0.2,
		Hold:      40 * time.Millisecond,
	}, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	expectQuiet(t, d.Events(), models.ViolationEyesClosed, 150*time.Millisecond)
}

func TestEyeClosureNoFaceClearsWindow(t *testing.T) {
	closed := eyeWithOpenness(1)
	src := &scriptedVideo{obs: []FaceObservation{
		{Faces: 1, Confidence: 0.9, Landmarks: &EyeLandmarks{Left: closed, Right: closed}},
		{Faces: 0},
	}}
	d := NewEyeClosureDetector(src, EyesConfig{
		Interval:  5 * time.Millisecond,
		Threshold: 0.2,
		Hold:      30 * time.Millisecond,
	}, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	expectQuiet(t, d.Events(), models.ViolationEyesClosed, 150*time.Millisecond)
}
