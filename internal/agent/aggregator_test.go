package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/invigilo/backend/internal/detector"
	"github.com/invigilo/backend/internal/models"
)

// stubDetector is a controllable detector for aggregator tests.
type stubDetector struct {
	name    string
	failing bool
	events  chan detector.Event

	mu      sync.Mutex
	started bool
	stopped bool
}

func newStubDetector(name string, failing bool) *stubDetector {
	return &stubDetector{name: name, failing: failing, events: make(chan detector.Event, 8)}
}

func (d *stubDetector) Name() string { return d.name }

func (d *stubDetector) Start(_ context.Context) error {
	if d.failing {
		return detector.ErrUnavailable
	}
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	return nil
}

func (d *stubDetector) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	close(d.events)
}

func (d *stubDetector) Events() <-chan detector.Event { return d.events }

func (d *stubDetector) wasStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

type trackedCloser struct {
	mu     sync.Mutex
	closed bool
}

func (c *trackedCloser) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *trackedCloser) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestAggregatorMergesEvents(t *testing.T) {
	a := newStubDetector("a", false)
	b := newStubDetector("b", false)
	agg := NewAggregator(nil, a, b)

	warnings, err := agg.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	a.events <- detector.Event{Type: models.ViolationNoFace, At: time.Now()}
	b.events <- detector.Event{Type: models.ViolationTabSwitch, At: time.Now()}

	got := map[models.ViolationType]bool{}
	deadline := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-agg.Events():
			got[ev.Type] = true
		case <-deadline:
			t.Fatalf("merged stream delivered %d types, want 2", len(got))
		}
	}
	agg.Stop()
}

func TestAggregatorIsolatesFailedDetector(t *testing.T) {
	ok := newStubDetector("ok", false)
	broken := newStubDetector("broken", true)
	agg := NewAggregator(nil, ok, broken)

	warnings, err := agg.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want one for the broken detector", warnings)
	}

	// The surviving detector still flows.
	ok.events <- detector.Event{Type: models.ViolationEyesClosed, At: time.Now()}
	select {
	case ev := <-agg.Events():
		if ev.Type != models.ViolationEyesClosed {
			t.Fatalf("got %s, want eyes-closed", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("surviving detector produced nothing")
	}
	agg.Stop()
}

func TestAggregatorAllFailed(t *testing.T) {
	agg := NewAggregator(nil, newStubDetector("x", true), newStubDetector("y", true))
	closer := &trackedCloser{}
	agg.AddCloser(closer)

	warnings, err := agg.Start(context.Background())
	if err != ErrNoDetectors {
		t.Fatalf("err = %v, want ErrNoDetectors", err)
	}
	if len(warnings) != 2 {
		t.Fatalf("warnings = %v, want 2", warnings)
	}
	if !closer.isClosed() {
		t.Fatalf("media resource not released on total failure")
	}
}

func TestAggregatorStartTwice(t *testing.T) {
	agg := NewAggregator(nil, newStubDetector("a", false))
	if _, err := agg.Start(context.Background()); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := agg.Start(context.Background()); err != ErrAlreadyStarted {
		t.Fatalf("second start: err = %v, want ErrAlreadyStarted", err)
	}
	agg.Stop()
}

func TestAggregatorStopReleasesEverything(t *testing.T) {
	d := newStubDetector("a", false)
	agg := NewAggregator(nil, d)
	closer := &trackedCloser{}
	agg.AddCloser(closer)

	if _, err := agg.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	agg.Stop()
	agg.Stop() // idempotent

	if !d.wasStopped() {
		t.Errorf("detector not stopped")
	}
	if !closer.isClosed() {
		t.Errorf("media resource not released")
	}

	// Output channel closes so consumers terminate.
	select {
	case _, open := <-agg.Events():
		if open {
			// Drain anything in flight, then expect close.
			for range agg.Events() {
			}
		}
	case <-time.After(time.Second):
		t.Errorf("events channel never closed")
	}
}
