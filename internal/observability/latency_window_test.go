package observability

import (
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(8)
	w.Observe(StageInitToReady, 5*time.Second)
	w.Observe(StageInitToReady, 7*time.Second)
	w.Observe(StageInitToReady, 9*time.Second)
	w.Observe("", time.Second)
	w.Observe(StageSessionLength, -time.Second)
	w.Count("failed_concurrent_limit")
	w.Count("failed_concurrent_limit")
	w.Count(" ")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageInitToReady {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageInitToReady)
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 9000 {
		t.Fatalf("LastMS = %.2f, want 9000", s.LastMS)
	}
	if s.P50MS != 7000 {
		t.Fatalf("P50MS = %.2f, want 7000", s.P50MS)
	}
	if s.P95MS <= 7000 || s.P95MS > 9000 {
		t.Fatalf("P95MS = %.2f, want (7000,9000]", s.P95MS)
	}
	if s.TargetP95MS != 15000 {
		t.Fatalf("TargetP95MS = %.2f, want 15000", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want one counter at 2", snap.Indicators)
	}
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	w := newLatencyWindow(2)
	for i := 1; i <= 5; i++ {
		w.Observe(StageSessionLength, time.Duration(i)*time.Second)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 4500 {
		t.Fatalf("AvgMS = %.2f, want 4500", s.AvgMS)
	}
}
