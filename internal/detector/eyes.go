package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/invigilo/backend/internal/models"
)

// Eye-closure defaults.
const (
	DefaultEARThreshold = 0.2
	DefaultEyesHold     = 3 * time.Second
)

// EyeAspectRatio computes the openness ratio of one eye from its six
// landmarks: the mean of the two vertical distances over the horizontal
// distance. Closed eyes push the ratio toward zero.
func EyeAspectRatio(eye [6]Point) float64 {
	horizontal := dist(eye[0], eye[3])
	if horizontal == 0 {
		return 0
	}
	vertical := dist(eye[1], eye[5]) + dist(eye[2], eye[4])
	return vertical / (2 * horizontal)
}

// EyesConfig tunes the eye-closure detector. Zero values fall back to
// defaults.
type EyesConfig struct {
	Interval  time.Duration
	Threshold float64
	Hold      time.Duration
}

func (c *EyesConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultCheckInterval
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultEARThreshold
	}
	if c.Hold <= 0 {
		c.Hold = DefaultEyesHold
	}
}

// EyeClosureDetector emits eyes-closed when the eye aspect ratio stays below
// the openness threshold continuously for the hold duration. Checks without
// a single resolved face clear the window: closure must be re-observed from
// scratch.
type EyeClosureDetector struct {
	obs    VideoObserver
	cfg    EyesConfig
	events chan Event
	logger *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewEyeClosureDetector creates an eye-closure detector.
func NewEyeClosureDetector(obs VideoObserver, cfg EyesConfig, logger *zap.Logger) *EyeClosureDetector {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EyeClosureDetector{
		obs:    obs,
		cfg:    cfg,
		events: make(chan Event, 16),
		logger: logger,
	}
}

// Name implements Detector.
func (d *EyeClosureDetector) Name() string { return "eye-closure" }

// Events implements Detector.
func (d *EyeClosureDetector) Events() <-chan Event { return d.events }

// Start implements Detector.
func (d *EyeClosureDetector) Start(ctx context.Context) error {
	if d.obs == nil {
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
func (d *EyeClosureDetector) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		if d.cancel != nil {
			d.cancel()
		}
		d.mu.Unlock()
	})
}

func (d *EyeClosureDetector) loop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	closed := newHoldWindow(d.cfg.Hold)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			obs, err := d.obs.Observe(ctx)
			if err != nil {
				d.logger.Debug("eye observation failed", zap.Error(err))
				continue
			}
			present := false
			var ear float64
			if obs.Faces == 1 && obs.Landmarks != nil {
				ear = (EyeAspectRatio(obs.Landmarks.Left) + EyeAspectRatio(obs.Landmarks.Right)) / 2
				present = ear < d.cfg.Threshold
			}
			if closed.observe(present, now) {
				emit(d.events, Event{
					Type:    models.ViolationEyesClosed,
					Details: fmt.Sprintf("eye aspect ratio %.2f below %.2f for %s", ear, d.cfg.Threshold, d.cfg.Hold),
					At:      now,
				})
			}
		}
	}
}
