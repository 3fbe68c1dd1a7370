package detector

import "time"

// holdWindow confirms a sustained condition: it fires once the condition has
// been continuously present for the configured duration, then stays quiet
// until the condition clears and builds up again. The anchor timestamp is
// set when the condition first appears and reset only on absence, so a
// flapping absence branch can never suppress a genuinely sustained episode.
type holdWindow struct {
	need  time.Duration
	since time.Time // zero while the condition is absent
	fired bool
}

func newHoldWindow(need time.Duration) holdWindow {
	return holdWindow{need: need}
}

// observe feeds one check result and reports whether the window fires now.
func (w *holdWindow) observe(present bool, now time.Time) bool {
	if !present {
		w.since = time.Time{}
		w.fired = false
		return false
	}
	if w.since.IsZero() {
		w.since = now
		return false
	}
	if !w.fired && now.Sub(w.since) >= w.need {
		w.fired = true
		return true
	}
	return false
}
