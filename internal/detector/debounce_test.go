package detector

import (
	"testing"
	"time"
)

func TestHoldWindowFiresAfterSustainedPresence(t *testing.T) {
	w := newHoldWindow(3 * time.Second)
	base := time.Now()

	if w.observe(true, base) {
		t.Fatalf("fired on first observation")
	}
	if w.observe(true, base.Add(time.Second)) {
		t.Fatalf("fired before hold elapsed")
	}
	if !w.observe(true, base.Add(3*time.Second)) {
		t.Fatalf("did not fire after hold elapsed")
	}
}

func TestHoldWindowFiresOncePerEpisode(t *testing.T) {
	w := newHoldWindow(2 * time.Second)
	base := time.Now()

	w.observe(true, base)
	if !w.observe(true, base.Add(2*time.Second)) {
		t.Fatalf("did not fire")
	}
	if w.observe(true, base.Add(3*time.Second)) {
		t.Fatalf("fired twice in one sustained episode")
	}

	// Absence resets; the next sustained episode fires again.
	w.observe(false, base.Add(4*time.Second))
	w.observe(true, base.Add(5*time.Second))
	if !w.observe(true, base.Add(7*time.Second)) {
		t.Fatalf("did not fire on second episode")
	}
}

// The anchor must be set on the first presence check and reset only by
// absence. An implementation that re-arms the anchor on every present check
// would never accumulate the hold duration.
func TestHoldWindowAnchorsOnFirstPresence(t *testing.T) {
	w := newHoldWindow(5 * time.Second)
	base := time.Now()

	for i := 0; i <= 10; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		fired := w.observe(true, now)
		if i < 5 && fired {
			t.Fatalf("fired at %ds, before the 5s hold", i)
		}
		if i == 5 && !fired {
			t.Fatalf("did not fire at 5s of continuous presence")
		}
	}
}

func TestHoldWindowAbsenceResets(t *testing.T) {
	w := newHoldWindow(4 * time.Second)
	base := time.Now()

	w.observe(true, base)
	w.observe(true, base.Add(3*time.Second))
	w.observe(false, base.Add(4*time.Second))

	// Presence resumes: the old anchor must not count.
	w.observe(true, base.Add(5*time.Second))
	if w.observe(true, base.Add(8*time.Second)) {
		t.Fatalf("fired using stale anchor across an absence gap")
	}
	if !w.observe(true, base.Add(9*time.Second)) {
		t.Fatalf("did not fire after full hold from resumed presence")
	}
}
