package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recordingSink) sink(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recordingSink) states() map[State]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[State]int{}
	for _, s := range r.snaps {
		out[s.State]++
	}
	return out
}

func TestReporterTicksAndStops(t *testing.T) {
	var rec recordingSink
	r := NewReporter(2*time.Millisecond, func() Snapshot { return Snapshot{State: StateRecording} }, rec.sink)
	r.Start()
	waitFor(t, "three reports", func() bool { return rec.count() >= 3 })
	r.Stop()

	n := rec.count()
	time.Sleep(20 * time.Millisecond)
	if rec.count() != n {
		t.Errorf("reporter kept ticking after Stop: %d → %d", n, rec.count())
	}
	r.Stop()
}

func TestReporterStopWithoutStart(t *testing.T) {
	r := NewReporter(time.Millisecond, func() Snapshot { return Snapshot{} })
	r.Stop()
}

func TestControllerReportsOnlyWhileRecording(t *testing.T) {
	h := newHarness(t)
	var rec recordingSink
	h.sinks = []Sink{rec.sink}
	ctx := context.Background()

	c := h.controller()
	if err := c.Start(ctx, "S1", "", StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "status reports", func() bool { return rec.count() >= 2 })

	h.emit(c, h.device.Last(), headerSegment())
	if _, err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	n := rec.count()
	time.Sleep(30 * time.Millisecond)
	if rec.count() != n {
		t.Errorf("status reports continued after leaving recording: %d → %d", n, rec.count())
	}

	states := rec.states()
	if states[StateRecording] < 2 {
		t.Errorf("recording reports = %d", states[StateRecording])
	}
	if states[StateUploading] == 0 {
		t.Error("upload progress should reach the sinks")
	}
	for s := range states {
		if s != StateRecording && s != StateStopping && s != StateUploading {
			t.Errorf("unexpected report in state %s", s)
		}
	}
}
