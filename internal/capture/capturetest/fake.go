// Package capturetest provides a scripted capture device for tests.
package capturetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gigset/stagerec/internal/capture"
)

// Device is a capture.Device whose streams are driven by the test.
type Device struct {
	mu         sync.Mutex
	acquireErr error
	streams    []*Stream
	requests   []capture.Request
}

// NewDevice returns a device that grants every request.
func NewDevice() *Device {
	return &Device{}
}

// FailAcquire makes subsequent Acquire calls return err (nil restores grants).
func (d *Device) FailAcquire(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquireErr = err
}

func (d *Device) Name() string { return "fake" }

func (d *Device) Acquire(ctx context.Context, req capture.Request) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if d.acquireErr != nil {
		return nil, d.acquireErr
	}
	s := &Stream{
		out:     make(chan []byte),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	d.streams = append(d.streams, s)
	return s, nil
}

// Stream returns the i-th stream handed out, or nil.
func (d *Device) Stream(i int) *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.streams) {
		return nil
	}
	return d.streams[i]
}

// Last returns the most recent stream.
func (d *Device) Last() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// Requests returns every request passed to Acquire.
func (d *Device) Requests() []capture.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]capture.Request(nil), d.requests...)
}

// Stream is a scripted capture.Stream. Emit blocks until the consumer takes
// the segment, so segments are delivered one at a time in order.
type Stream struct {
	out     chan []byte
	started chan struct{}
	done    chan struct{}

	// sendMu is held shared by senders and exclusively while out is closed.
	sendMu sync.RWMutex

	mu       sync.Mutex
	interval time.Duration
	tail     []byte
	err      error
	closed   bool
	stopped  bool
}

func (s *Stream) Start(interval time.Duration) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interval != 0 {
		return nil, errors.New("stream already started")
	}
	s.interval = interval
	close(s.started)
	return s.out, nil
}

// Emit delivers one segment. It returns false if the stream has ended.
func (s *Stream) Emit(payload []byte) bool {
	<-s.started
	return s.send(payload)
}

func (s *Stream) send(payload []byte) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- payload:
		return true
	case <-s.done:
		return false
	}
}

// SetTail queues a final segment delivered during Stop.
func (s *Stream) SetTail(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tail = payload
}

// Fail ends the stream as if the device broke.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.finish()
}

func (s *Stream) Stop() error {
	s.mu.Lock()
	s.stopped = true
	tail := s.tail
	s.tail = nil
	started := s.interval != 0
	s.mu.Unlock()

	if started && len(tail) > 0 {
		s.send(tail)
	}
	s.finish()
	return nil
}

// finish closes done first so blocked senders return, then closes out once
// no send is in flight.
func (s *Stream) finish() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.interval != 0
	close(s.done)
	s.mu.Unlock()

	if started {
		s.sendMu.Lock()
		close(s.out)
		s.sendMu.Unlock()
	}
}

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stopped reports whether Stop was called.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Interval returns the cadence passed to Start.
func (s *Stream) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}
