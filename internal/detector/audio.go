package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/invigilo/backend/internal/models"
)

// DefaultAudioThreshold is the average magnitude (0..255 scale) above which
// a sample counts as suspicious.
const DefaultAudioThreshold = 35

// AudioConfig tunes the audio-level detector. Zero values fall back to
// defaults.
type AudioConfig struct {
	Interval  time.Duration
	Threshold float64
}

func (c *AudioConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultCheckInterval
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultAudioThreshold
	}
}

// AudioLevelDetector samples the microphone once per interval and emits
// suspicious-audio whenever the average frequency-domain magnitude exceeds
// the threshold. A single sample triggers: ambient bursts are the signal of
// interest, so no sustain window applies.
type AudioLevelDetector struct {
	obs    AudioObserver
	cfg    AudioConfig
	events chan Event
	logger *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewAudioLevelDetector creates an audio-level detector.
func NewAudioLevelDetector(obs AudioObserver, cfg AudioConfig, logger *zap.Logger) *AudioLevelDetector {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AudioLevelDetector{
		obs:    obs,
		cfg:    cfg,
		events: make(chan Event, 16),
		logger: logger,
	}
}

// Name implements Detector.
func (d *AudioLevelDetector) Name() string { return "audio-level" }

// Events implements Detector.
func (d *AudioLevelDetector) Events() <-chan Event { return d.events }

// Start implements Detector.
func (d *AudioLevelDetector) Start(ctx context.Context) error {
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
func (d *AudioLevelDetector) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		if d.cancel != nil {
			d.cancel()
		}
		d.mu.Unlock()
	})
}

func (d *AudioLevelDetector) loop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sample, err := d.obs.Sample(ctx)
			if err != nil {
				d.logger.Debug("audio sample failed", zap.Error(err))
				continue
			}
			if avg := sample.Average(); avg > d.cfg.Threshold {
				emit(d.events, Event{
					Type:    models.ViolationSuspiciousAudio,
					Details: fmt.Sprintf("average audio level %.1f above %.1f", avg, d.cfg.Threshold),
					At:      now,
				})
			}
		}
	}
}
