package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/invigilo/backend/internal/detector"
)

// SimScript drives the simulated media sources. Each step activates after
// AfterS seconds of elapsed attempt time and, where it applies, stays active
// for ForS seconds. An empty script simulates a well-behaved student: one
// face, high confidence, open eyes, quiet room, focused window.
type SimScript struct {
	Video      []VideoStep      `json:"video"`
	Audio      []AudioStep      `json:"audio"`
	Visibility []VisibilityStep `json:"visibility"`
}

// VideoStep overrides the face observation for a window of time.
type VideoStep struct {
	AfterS     float64 `json:"after_s"`
	ForS       float64 `json:"for_s"`
	Faces      int     `json:"faces"`
	Confidence float64 `json:"confidence"`
	EyesClosed bool    `json:"eyes_closed"`
}

// AudioStep overrides the microphone level for a window of time.
type AudioStep struct {
	AfterS float64 `json:"after_s"`
	ForS   float64 `json:"for_s"`
	Level  float64 `json:"level"`
}

// VisibilityStep fires one visibility/focus notification.
type VisibilityStep struct {
	AfterS float64 `json:"after_s"`
	Kind   string  `json:"kind"` // "hidden" or "blur"
}

// LoadScript reads a simulation script from a JSON file.
func LoadScript(path string) (SimScript, error) {
	var s SimScript
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read script: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse script: %w", err)
	}
	return s, nil
}

func eyeLandmarks(vertical float64) [6]detector.Point {
	// p1/p4 horizontal corners 10 apart, p2/p3 upper, p5/p6 lower.
	return [6]detector.Point{
		{X: 0, Y: 0},
		{X: 3, Y: -vertical / 2},
		{X: 7, Y: -vertical / 2},
		{X: 10, Y: 0},
		{X: 7, Y: vertical / 2},
		{X: 3, Y: vertical / 2},
	}
}

func simLandmarks(closed bool) *detector.EyeLandmarks {
	v := 3.0 // EAR 0.3, comfortably open
	if closed {
		v = 1.0 // EAR 0.1, below the closure threshold
	}
	eye := eyeLandmarks(v)
	return &detector.EyeLandmarks{Left: eye, Right: eye}
}

// SimVideoObserver replays the video track of a script against elapsed time.
type SimVideoObserver struct {
	steps []VideoStep
	start time.Time
}

// NewSimVideoObserver creates a scripted webcam source.
func NewSimVideoObserver(steps []VideoStep) *SimVideoObserver {
	return &SimVideoObserver{steps: steps, start: time.Now()}
}

// Observe implements detector.VideoObserver.
func (o *SimVideoObserver) Observe(_ context.Context) (detector.FaceObservation, error) {
	elapsed := time.Since(o.start).Seconds()
	for _, s := range o.steps {
		if elapsed >= s.AfterS && elapsed < s.AfterS+s.ForS {
			obs := detector.FaceObservation{Faces: s.Faces, Confidence: s.Confidence}
			if s.Faces == 1 {
				obs.Landmarks = simLandmarks(s.EyesClosed)
			}
			return obs, nil
		}
	}
	return detector.FaceObservation{Faces: 1, Confidence: 0.92, Landmarks: simLandmarks(false)}, nil
}

// Close implements detector.VideoObserver.
func (o *SimVideoObserver) Close() error { return nil }

// SimAudioObserver replays the audio track of a script against elapsed time.
type SimAudioObserver struct {
	steps []AudioStep
	start time.Time
}

// NewSimAudioObserver creates a scripted microphone source.
func NewSimAudioObserver(steps []AudioStep) *SimAudioObserver {
	return &SimAudioObserver{steps: steps, start: time.Now()}
}

// Sample implements detector.AudioObserver.
func (o *SimAudioObserver) Sample(_ context.Context) (detector.AudioSample, error) {
	elapsed := time.Since(o.start).Seconds()
	level := 8.0 // quiet room
	for _, s := range o.steps {
		if elapsed >= s.AfterS && elapsed < s.AfterS+s.ForS {
			level = s.Level
			break
		}
	}
	return detector.AudioSample{Magnitudes: []float64{level, level, level, level}}, nil
}

// Close implements detector.AudioObserver.
func (o *SimAudioObserver) Close() error { return nil }

// SimVisibilitySource fires each scripted visibility step once at its
// scheduled time.
type SimVisibilitySource struct {
	changes   chan detector.VisibilityChange
	closeOnce sync.Once
	done      chan struct{}
}

// NewSimVisibilitySource creates a scripted visibility/focus source and
// starts its timer goroutine.
func NewSimVisibilitySource(steps []VisibilityStep) *SimVisibilitySource {
	s := &SimVisibilitySource{
		changes: make(chan detector.VisibilityChange, 16),
		done:    make(chan struct{}),
	}
	go s.run(steps)
	return s
}

func (s *SimVisibilitySource) run(steps []VisibilityStep) {
	defer close(s.changes)
	start := time.Now()
	for _, step := range steps {
		delay := time.Duration(step.AfterS*float64(time.Second)) - time.Since(start)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-s.done:
				return
			}
		}
		kind := detector.VisibilityHidden
		if step.Kind == "blur" {
			kind = detector.VisibilityBlur
		}
		select {
		case s.changes <- detector.VisibilityChange{Kind: kind, At: time.Now()}:
		case <-s.done:
			return
		}
	}
	<-s.done
}

// Changes implements detector.VisibilitySource.
func (s *SimVisibilitySource) Changes() <-chan detector.VisibilityChange { return s.changes }

// Close implements detector.VisibilitySource.
func (s *SimVisibilitySource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
