// Package detector implements the client-side signal detectors that derive
// suspicious-behavior candidates from the webcam, microphone, and host
// window state during a proctored exam attempt.
package detector

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/invigilo/backend/internal/models"
)

// ErrUnavailable is returned by Start when the detector's media source could
// not be initialized (e.g. camera permission denied, model missing). The
// failure is isolated: other detectors keep running.
var ErrUnavailable = errors.New("detector source unavailable")

// Event is a violation candidate. The aggregator attributes it to the
// current student and exam before it leaves the client.
type Event struct {
	Type    models.ViolationType
	Details string
	At      time.Time
}

// Detector is one independent signal source. Start launches the detector's
// loop; Stop is idempotent and safe to call even if Start never completed.
type Detector interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
	Events() <-chan Event
}

// Point is a 2D landmark coordinate.
type Point struct {
	X float64
	Y float64
}

func dist(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// EyeLandmarks holds the six landmark points per eye in the conventional
// ordering: p1/p4 are the horizontal corners, p2/p3 upper, p5/p6 lower.
type EyeLandmarks struct {
	Left  [6]Point
	Right [6]Point
}

// FaceObservation is the result of analyzing one video frame.
type FaceObservation struct {
	Faces      int
	Confidence float64
	Landmarks  *EyeLandmarks // nil when no single face was resolved
}

// VideoObserver yields face observations from the webcam pipeline.
type VideoObserver interface {
	Observe(ctx context.Context) (FaceObservation, error)
	Close() error
}

// AudioSample is one frequency-domain microphone sample.
type AudioSample struct {
	// Magnitudes are per-bin magnitudes on a 0..255 scale.
	Magnitudes []float64
}

// Average returns the mean magnitude across bins.
func (s AudioSample) Average() float64 {
	if len(s.Magnitudes) == 0 {
		return 0
	}
	var sum float64
	for _, m := range s.Magnitudes {
		sum += m
	}
	return sum / float64(len(s.Magnitudes))
}

// AudioObserver yields microphone samples.
type AudioObserver interface {
	Sample(ctx context.Context) (AudioSample, error)
	Close() error
}

// VisibilityKind distinguishes host-environment notifications.
type VisibilityKind int

const (
	// VisibilityHidden means the exam tab/page became hidden.
	VisibilityHidden VisibilityKind = iota
	// VisibilityBlur means the exam window lost focus.
	VisibilityBlur
)

// VisibilityChange is one host-environment notification.
type VisibilityChange struct {
	Kind VisibilityKind
	At   time.Time
}

// VisibilitySource delivers visibility/focus notifications from the host
// environment. The channel closes when the source shuts down.
type VisibilitySource interface {
	Changes() <-chan VisibilityChange
	Close() error
}

// emit drops the event when the candidate buffer is full rather than
// blocking the detector loop.
func emit(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
	}
}
