package detector

import (
	"context"
	"testing"
	"time"

	"github.com/invigilo/backend/internal/models"
)

type chanVisibility struct {
	ch chan VisibilityChange
}

func newChanVisibility() *chanVisibility {
	return &chanVisibility{ch: make(chan VisibilityChange, 8)}
}

func (s *chanVisibility) Changes() <-chan VisibilityChange { return s.ch }
func (s *chanVisibility) Close() error                     { close(s.ch); return nil }

func TestVisibilityDetectorMapsEvents(t *testing.T) {
	src := newChanVisibility()
	d := NewVisibilityDetector(src, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	now := time.Now()
	src.ch <- VisibilityChange{Kind: VisibilityHidden, At: now}
	ev := waitEvent(t, d.Events(), models.ViolationTabSwitch)
	if !ev.At.Equal(now) {
		t.Errorf("event timestamp = %v, want %v", ev.At, now)
	}

	src.ch <- VisibilityChange{Kind: VisibilityBlur, At: now}
	waitEvent(t, d.Events(), models.ViolationWindowBlur)
}

func TestVisibilityDetectorStopsOnSourceClose(t *testing.T) {
	src := newChanVisibility()
	d := NewVisibilityDetector(src, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.Close()
	// Loop exits; Stop stays safe afterwards.
	time.Sleep(20 * time.Millisecond)
	d.Stop()
	d.Stop()
}

func TestVisibilityDetectorNilSourceUnavailable(t *testing.T) {
	d := NewVisibilityDetector(nil, nil)
	if err := d.Start(context.Background()); err != ErrUnavailable {
		t.Fatalf("start with nil source: err = %v, want ErrUnavailable", err)
	}
}
