package topic

import (
	"testing"

	"github.com/cora-labs/cora/internal/config"
	"github.com/cora-labs/cora/internal/ephemeral"
)

func newTestDetector() *Detector {
	return NewDetector(ephemeral.New(), config.NewBoundaryCache(nil))
}

func warmUp(t *testing.T, d *Detector, threadID string, n int, sim float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		if d.Observe(threadID, sim) {
			t.Fatalf("unexpected boundary during warm-up at message %d", i+1)
		}
	}
}

func TestColdStartStaticThreshold(t *testing.T) {
	d := newTestDetector()

	if d.Observe("t1", 0.80) {
		t.Error("high similarity fired during cold start")
	}
	if !d.Observe("t1", 0.30) {
		t.Error("low similarity did not fire during cold start")
	}
}

func TestSteadyTopicNeverFires(t *testing.T) {
	d := newTestDetector()
	for i := 0; i < 30; i++ {
		if d.Observe("t1", 0.85) {
			t.Fatalf("boundary fired on steady similarity at message %d", i+1)
		}
	}
}

func TestSharpBreakFiresImmediately(t *testing.T) {
	d := newTestDetector()
	warmUp(t, d, "t1", 10, 0.90)

	// one drastic off-topic message must fire without accumulator build-up
	if !d.Observe("t1", 0.15) {
		t.Fatal("sharp break did not fire")
	}
}

func TestCooldownSuppressesRefire(t *testing.T) {
	d := newTestDetector()
	warmUp(t, d, "t1", 10, 0.90)
	if !d.Observe("t1", 0.10) {
		t.Fatal("setup: sharp break did not fire")
	}

	for i := 0; i < cooldownMessages; i++ {
		if d.Observe("t1", 0.10) {
			t.Errorf("boundary refired during cooldown at message %d", i+1)
		}
	}
}

func TestThreadsAreIndependent(t *testing.T) {
	d := newTestDetector()
	warmUp(t, d, "a", 10, 0.90)
	warmUp(t, d, "b", 10, 0.90)

	if !d.Observe("a", 0.10) {
		t.Fatal("thread a did not fire")
	}
	// thread b's accumulator and cooldown are untouched
	if d.Observe("b", 0.90) {
		t.Error("thread b fired from thread a's state")
	}
	if !d.Observe("b", 0.10) {
		t.Error("thread b did not fire on its own break")
	}
}

func TestFalseSplitDetection(t *testing.T) {
	d := newTestDetector()

	d.NoteAssignment("t1", "gardening", false)
	d.NoteAssignment("t1", "gardening", false)

	// a boundary fires and lands on a new topic
	d.NoteAssignment("t1", "taxes", true)

	// next message folds straight back into the old topic: false split
	if !d.NoteAssignment("t1", "gardening", false) {
		t.Error("re-merge within the window not flagged as false split")
	}

	// flag is one-shot
	if d.NoteAssignment("t1", "gardening", false) {
		t.Error("false split reported twice")
	}
}

func TestLateRemergeIsNotFalseSplit(t *testing.T) {
	d := newTestDetector()
	d.NoteAssignment("t1", "gardening", false)
	d.NoteAssignment("t1", "taxes", true)

	// stay on the new topic past the window
	for i := 0; i <= cooldownMessages; i++ {
		if d.NoteAssignment("t1", "taxes", false) {
			t.Fatal("staying on the new topic flagged as false split")
		}
	}
	if d.NoteAssignment("t1", "gardening", false) {
		t.Error("late return to the old topic flagged as false split")
	}
}

func TestSamplesCount(t *testing.T) {
	d := newTestDetector()
	warmUp(t, d, "t1", 3, 0.9)
	if got := d.Samples("t1"); got != 3 {
		t.Errorf("Samples = %d, want 3", got)
	}
}
