package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/invigilo/backend/internal/models"
)

// Face detection defaults.
const (
	DefaultCheckInterval       = time.Second
	DefaultAbsenceHold         = 5 * time.Second
	DefaultConfidenceHold      = 5 * time.Second
	DefaultConfidenceThreshold = 0.5
)

// FaceConfig tunes the face-presence detector. Zero values fall back to
// defaults.
type FaceConfig struct {
	Interval            time.Duration
	AbsenceHold         time.Duration
	ConfidenceThreshold float64
	ConfidenceHold      time.Duration
}

func (c *FaceConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultCheckInterval
	}
	if c.AbsenceHold <= 0 {
		c.AbsenceHold = DefaultAbsenceHold
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if c.ConfidenceHold <= 0 {
		c.ConfidenceHold = DefaultConfidenceHold
	}
}

// FaceDetector checks the webcam once per interval. Sustained face absence
// emits no-face; more than one face in any single check emits multiple-faces
// immediately (multi-face is treated as certain evidence); sustained low
// detection confidence emits low-face-confidence.
type FaceDetector struct {
	obs    VideoObserver
	cfg    FaceConfig
	events chan Event
	logger *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewFaceDetector creates a face-presence detector. obs may be nil, in which
// case Start fails with ErrUnavailable.
func NewFaceDetector(obs VideoObserver, cfg FaceConfig, logger *zap.Logger) *FaceDetector {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FaceDetector{
		obs:    obs,
		cfg:    cfg,
		events: make(chan Event, 16),
		logger: logger,
	}
}

// Name implements Detector.
func (d *FaceDetector) Name() string { return "face-presence" }

// Events implements Detector.
func (d *FaceDetector) Events() <-chan Event { return d.events }

// Start implements Detector.
func (d *FaceDetector) Start(ctx context.Context) error {
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
func (d *FaceDetector) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		if d.cancel != nil {
			d.cancel()
		}
		d.mu.Unlock()
	})
}

func (d *FaceDetector) loop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	absence := newHoldWindow(d.cfg.AbsenceHold)
	lowConf := newHoldWindow(d.cfg.ConfidenceHold)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			obs, err := d.obs.Observe(ctx)
			if err != nil {
				d.logger.Debug("face observation failed", zap.Error(err))
				continue
			}

			if obs.Faces > 1 {
				emit(d.events, Event{
					Type:    models.ViolationMultipleFaces,
					Details: fmt.Sprintf("%d faces detected", obs.Faces),
					At:      now,
				})
			}
			if absence.observe(obs.Faces == 0, now) {
				emit(d.events, Event{
					Type:    models.ViolationNoFace,
					Details: fmt.Sprintf("no face detected for %s", d.cfg.AbsenceHold),
					At:      now,
				})
			}
			low := obs.Faces == 1 && obs.Confidence < d.cfg.ConfidenceThreshold
			if lowConf.observe(low, now) {
				emit(d.events, Event{
					Type:    models.ViolationLowFaceConfidence,
					Details: fmt.Sprintf("face confidence %.2f below %.2f", obs.Confidence, d.cfg.ConfidenceThreshold),
					At:      now,
				})
			}
		}
	}
}
