// Package agent implements the student-side proctoring harness: the
// aggregator that owns all detectors for one exam attempt and the WebSocket
// client that relays their events to the server.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/invigilo/backend/internal/detector"
)

var (
	// ErrAlreadyStarted is returned when Start is called while an attempt
	// is already being proctored; at most one attempt runs per session.
	ErrAlreadyStarted = errors.New("aggregator already started")
	// ErrNoDetectors is returned when every detector failed to initialize.
	ErrNoDetectors = errors.New("no detector could be started")
)

// Aggregator owns the lifecycle of all detectors for exactly one active exam
// attempt and fans their violation candidates into a single output channel.
// Duplicate suppression is each detector's concern, not the aggregator's.
type Aggregator struct {
	detectors []detector.Detector
	closers   []io.Closer
	out       chan detector.Event
	logger    *zap.Logger

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewAggregator creates an aggregator over the given detectors.
func NewAggregator(logger *zap.Logger, detectors ...detector.Detector) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		detectors: detectors,
		out:       make(chan detector.Event, 64),
		logger:    logger,
	}
}

// AddCloser registers a media resource to release on Stop (camera handle,
// microphone handle).
func (a *Aggregator) AddCloser(c io.Closer) {
	a.mu.Lock()
	a.closers = append(a.closers, c)
	a.mu.Unlock()
}

// Events returns the merged candidate stream. Closed after Stop.
func (a *Aggregator) Events() <-chan detector.Event {
	return a.out
}

// Start launches every detector. A detector that cannot initialize fails in
// isolation and is reported as a capability warning; the attempt proceeds
// with the rest. If nothing starts, all resources are released and
// ErrNoDetectors is returned.
func (a *Aggregator) Start(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	a.started = true
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	var warnings []string
	running := 0
	for _, d := range a.detectors {
		if err := d.Start(ctx); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", d.Name(), err))
			a.logger.Warn("detector disabled", zap.String("detector", d.Name()), zap.Error(err))
			continue
		}
		running++
		a.wg.Add(1)
		go a.forward(ctx, d)
		a.logger.Info("detector started", zap.String("detector", d.Name()))
	}

	if running == 0 {
		a.Stop()
		return warnings, ErrNoDetectors
	}
	return warnings, nil
}

func (a *Aggregator) forward(ctx context.Context, d detector.Detector) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.Events():
			if !ok {
				return
			}
			select {
			case a.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Stop shuts down every detector and releases all media resources. It is
// idempotent and runs the same cleanup on every exit path, including a
// failed Start.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		cancel := a.cancel
		closers := a.closers
		a.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		for _, d := range a.detectors {
			d.Stop()
		}
		a.wg.Wait()
		for _, c := range closers {
			if err := c.Close(); err != nil {
				a.logger.Warn("resource release failed", zap.Error(err))
			}
		}
		close(a.out)
	})
}
