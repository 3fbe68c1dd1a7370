package detector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/invigilo/backend/internal/models"
)

type scriptedAudio struct {
	mu      sync.Mutex
	samples []AudioSample
	next    int
}

func (s *scriptedAudio) Sample(_ context.Context) (AudioSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) == 0 {
		return AudioSample{}, nil
	}
	out := s.samples[s.next]
	if s.next < len(s.samples)-1 {
		s.next++
	}
	return out, nil
}

func (s *scriptedAudio) Close() error { return nil }

func TestAudioSampleAverage(t *testing.T) {
	s := AudioSample{Magnitudes: []float64{10, 20, 30}}
	if got := s.Average(); got != 20 {
		t.Errorf("average = %.1f, want 20", got)
	}
	if got := (AudioSample{}).Average(); got != 0 {
		t.Errorf("average of empty sample = %.1f, want 0", got)
	}
}

func TestAudioDetectorSingleSampleTriggers(t *testing.T) {
	src := &scriptedAudio{samples: []AudioSample{
		{Magnitudes: []float64{10, 10}},
		{Magnitudes: []float64{80, 90}},
		{Magnitudes: []float64{10, 10}},
	}}
	d := NewAudioLevelDetector(src, AudioConfig{
		Interval:  5 * time.Millisecond,
		Threshold: 35,
	}, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	waitEvent(t, d.Events(), models.ViolationSuspiciousAudio)
}

func TestAudioDetectorQuietRoomStaysQuiet(t *testing.T) {
	src := &scriptedAudio{samples: []AudioSample{
		{Magnitudes: []float64{8, 12, 10}},
	}}
	d := NewAudioLevelDetector(src, AudioConfig{
		Interval:  5 * time.Millisecond,
		Threshold: 35,
	}, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	expectQuiet(t, d.Events(), models.ViolationSuspiciousAudio, 100*time.Millisecond)
}

func TestAudioDetectorNilObserverUnavailable(t *testing.T) {
	d := NewAudioLevelDetector(nil, AudioConfig{}, nil)
	if err := d.Start(context.Background()); err != ErrUnavailable {
		t.Fatalf("start with nil observer: err = %v, want ErrUnavailable", err)
	}
}
