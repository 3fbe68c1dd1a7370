package detector

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/invigilo/backend/internal/models"
)

// VisibilityDetector is event-driven rather than polled: it reacts to the
// host environment's visibility-change and focus-loss notifications and
// emits tab-switch / window-blur immediately.
type VisibilityDetector struct {
	src    VisibilitySource
	events chan Event
	logger *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewVisibilityDetector creates a visibility/focus detector.
func NewVisibilityDetector(src VisibilitySource, logger *zap.Logger) *VisibilityDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VisibilityDetector{
		src:    src,
		events: make(chan Event, 16),
		logger: logger,
	}
}

// Name implements Detector.
func (d *VisibilityDetector) Name() string { return "visibility" }

// Events implements Detector.
func (d *VisibilityDetector) Events() <-chan Event { return d.events }

// Start implements Detector.
func (d *VisibilityDetector) Start(ctx context.Context) error {
	if d.src == nil {
		return ErrUnavailable
	}
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	go d.loop(ctx)
	return nil
}

// Stop implements Detector. Idempotent; safe before Start.
func (d *VisibilityDetector) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		if d.cancel != nil {
			d.cancel()
		}
		d.mu.Unlock()
	})
}

func (d *VisibilityDetector) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-d.src.Changes():
			if !ok {
				return
			}
			switch change.Kind {
			case VisibilityHidden:
				emit(d.events, Event{
					Type:    models.ViolationTabSwitch,
					Details: "exam page hidden",
					At:      change.At,
				})
			case VisibilityBlur:
				emit(d.events, Event{
					Type:    models.ViolationWindowBlur,
					Details: "exam window lost focus",
					At:      change.At,
				})
			}
		}
	}
}
