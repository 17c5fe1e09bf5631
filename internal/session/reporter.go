package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sink receives periodic snapshots of a live session.
type Sink func(Snapshot)

// Reporter ticks while a session is recording and hands snapshots to sinks.
// It only reads session state.
type Reporter struct {
	interval time.Duration
	snapshot func() Snapshot
	sinks    []Sink

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewReporter creates a reporter. Call Start to begin ticking.
func NewReporter(interval time.Duration, snapshot func() Snapshot, sinks ...Sink) *Reporter {
	if interval <= 0 {
		interval = time.Second
	}
	return &Reporter{
		interval: interval,
		snapshot: snapshot,
		sinks:    sinks,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the ticker goroutine. The first report is sent immediately.
func (r *Reporter) Start() {
	if r.started.Swap(true) {
		return
	}
	go r.run()
}

func (r *Reporter) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.report()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *Reporter) report() {
	snap := r.snapshot()
	for _, sink := range r.sinks {
		sink(snap)
	}
}

// Stop ends the ticker and waits for the goroutine to exit. Safe to call
// more than once, and on a reporter that was never started.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	if r.started.Load() {
		<-r.done
	}
}
