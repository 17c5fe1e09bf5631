// Package session owns one capture session from device grant to confirmed
// delivery. The Controller is an explicit state machine:
//
//	Idle → AwaitingDevice → Recording → Stopping → Finalizing → Uploading → Complete
//	                                                                      ↘ Failed(retryable)
//
// Every segment is appended to the durable store as it arrives, and the
// session marker is persisted so an interrupted capture can be resumed after
// a restart. A finished recording is written to a backup before any network
// attempt; the backup, segments and marker are removed only once the server
// has confirmed the upload.
package session

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gigset/stagerec/internal/capture"
	"github.com/gigset/stagerec/internal/store"
	"github.com/gigset/stagerec/internal/upload"
)

// Store is the durable storage the controller needs. *store.Store implements it.
type Store interface {
	AppendSegment(ctx context.Context, seg store.Segment) error
	Segments(ctx context.Context, sessionID string) ([]store.Segment, error)
	NextSeq(ctx context.Context, sessionID string) (int64, error)
	DeleteSegments(ctx context.Context, sessionID string) (int64, error)

	CommitBackup(ctx context.Context, b store.Backup, m store.Marker) error
	GetBackup(ctx context.Context, sessionID string) (*store.Backup, error)
	DeleteBackup(ctx context.Context, sessionID string) error

	SetMarker(ctx context.Context, m store.Marker) error
	GetMarker(ctx context.Context) (*store.Marker, error)
	ClearMarker(ctx context.Context) error
}

// Uploader delivers a finished recording. *upload.Client implements it.
type Uploader interface {
	Upload(ctx context.Context, req upload.Request, progress upload.ProgressFunc) (upload.Result, error)
}

// Config holds configuration for a Controller.
type Config struct {
	// Device is the capture input (required)
	Device capture.Device

	// Store persists segments, backups and the session marker (required)
	Store Store

	// Uploader delivers finished recordings (required)
	Uploader Uploader

	// Format is the capture format (default: capture.DefaultFormat)
	Format capture.Format

	// SegmentInterval is the capture cadence (default: 1s)
	SegmentInterval time.Duration

	// StatusInterval is the reporter tick (default: 1s)
	StatusInterval time.Duration

	// Sinks receive snapshots while recording and on upload progress (optional)
	Sinks []Sink

	// Now returns the current time (default: time.Now)
	Now func() time.Time

	// LogFn is called for log messages (optional)
	LogFn func(level, msg string)
}

// StartOptions carries optional per-session settings.
type StartOptions struct {
	// AttributionID is passed to the server with the finished recording.
	AttributionID string
}

// Snapshot is a read-only view of the controller.
type Snapshot struct {
	State         State
	SessionID     string
	Title         string
	AttributionID string
	StartedAt     time.Time
	Elapsed       time.Duration
	Segments      int
	Bytes         int64
	Resumed       bool
	Degraded      bool
	Progress      upload.Progress
	Retryable     bool
	Err           error
	RecordingID   upload.RecordingID
}

// Controller drives one capture session at a time.
type Controller struct {
	device          capture.Device
	store           Store
	uploader        Uploader
	format          capture.Format
	segmentInterval time.Duration
	statusInterval  time.Duration
	sinks           []Sink
	now             func() time.Time
	logFn           func(level, msg string)

	mu            sync.Mutex
	state         State
	sessionID     string
	title         string
	attributionID string
	startedAt     time.Time
	stoppedAt     time.Time
	buf           bytes.Buffer
	nextSeq       int64
	segments      int
	resumed       bool
	degraded      bool
	stream        capture.Stream
	pumpDone      chan struct{}
	reporter      *Reporter
	unsaved       *store.Backup // finalized recording whose backup write failed
	progress      upload.Progress
	retryable     bool
	lastErr       error
	recordingID   upload.RecordingID
}

// New creates a controller in the Idle state.
func New(cfg Config) *Controller {
	if cfg.Format == (capture.Format{}) {
		cfg.Format = capture.DefaultFormat
	}
	if cfg.SegmentInterval == 0 {
		cfg.SegmentInterval = time.Second
	}
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		device:          cfg.Device,
		store:           cfg.Store,
		uploader:        cfg.Uploader,
		format:          cfg.Format,
		segmentInterval: cfg.SegmentInterval,
		statusInterval:  cfg.StatusInterval,
		sinks:           cfg.Sinks,
		now:             cfg.Now,
		logFn:           cfg.LogFn,
	}
}

// log outputs a message - uses logFn callback if set, otherwise prints to stdout/stderr.
func (c *Controller) log(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if c.logFn != nil {
		c.logFn(level, msg)
		return
	}
	if level == "debug" {
		return
	}
	if level == "error" || level == "warning" {
		fmt.Fprintf(os.Stderr, "%s\n", msg)
	} else {
		fmt.Printf("%s\n", msg)
	}
}

// setState moves to next if the transition table allows it. Caller holds mu.
func (c *Controller) setState(next State) error {
	if !canTransition(c.state, next) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, c.state, next)
	}
	c.log("debug", "session %s: %s → %s", c.sessionID, c.state, next)
	c.state = next
	return nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the controller's observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:         c.state,
		SessionID:     c.sessionID,
		Title:         c.title,
		AttributionID: c.attributionID,
		StartedAt:     c.startedAt,
		Segments:      c.segments,
		Bytes:         int64(c.buf.Len()),
		Resumed:       c.resumed,
		Degraded:      c.degraded,
		Progress:      c.progress,
		Retryable:     c.retryable,
		Err:           c.lastErr,
		RecordingID:   c.recordingID,
	}
	switch {
	case c.startedAt.IsZero():
	case c.state == StateRecording || c.state == StateStopping:
		snap.Elapsed = c.now().Sub(c.startedAt)
	case !c.stoppedAt.IsZero():
		snap.Elapsed = c.stoppedAt.Sub(c.startedAt)
	}
	return snap
}

// reset clears per-session fields. Caller holds mu.
func (c *Controller) reset() {
	c.sessionID = ""
	c.title = ""
	c.attributionID = ""
	c.startedAt = time.Time{}
	c.stoppedAt = time.Time{}
	c.buf.Reset()
	c.nextSeq = 0
	c.segments = 0
	c.resumed = false
	c.degraded = false
	c.stream = nil
	c.pumpDone = nil
	c.unsaved = nil
	c.progress = upload.Progress{}
	c.retryable = false
	c.lastErr = nil
	c.recordingID = ""
}

// Start acquires the capture device and begins a new session. It fails fast
// with ErrBusy unless the previous session is Complete or Failed.
//
// Starting always discards stale segments for sessionID and for any session
// named by a leftover marker. Stored backups are kept.
func (c *Controller) Start(ctx context.Context, sessionID, title string, opts StartOptions) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	c.mu.Lock()
	if !c.state.accepting() {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrBusy, state)
	}
	if c.unsaved != nil {
		c.log("warning", "Discarding unsaved recording for session %s", c.unsaved.SessionID)
	}
	c.reset()
	c.sessionID = sessionID
	if err := c.setState(StateAwaitingDevice); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.log("debug", "session %s: acquiring %s", sessionID, c.device.Name())
	stream, err := c.device.Acquire(ctx, capture.Request{Format: c.format})
	if err != nil {
		c.abortStart()
		return deviceError(sessionID, err)
	}

	if err := c.clearStale(ctx, sessionID); err != nil {
		stream.Stop()
		c.abortStart()
		return err
	}

	startedAt := c.now()
	if err := c.store.SetMarker(ctx, store.Marker{
		SessionID: sessionID,
		Title:     title,
		StartedAt: startedAt,
		Status:    store.MarkerRecording,
	}); err != nil {
		stream.Stop()
		c.abortStart()
		return storageError(sessionID, "write session marker", err)
	}

	segments, err := stream.Start(c.segmentInterval)
	if err != nil {
		stream.Stop()
		if cerr := c.store.ClearMarker(ctx); cerr != nil {
			c.log("warning", "Failed to clear session marker: %v", cerr)
		}
		c.abortStart()
		return deviceError(sessionID, err)
	}

	c.mu.Lock()
	c.title = title
	c.attributionID = opts.AttributionID
	c.startedAt = startedAt
	c.beginRecording(stream, segments)
	c.mu.Unlock()

	c.log("info", "Recording %s on %s", sessionID, c.device.Name())
	return nil
}

// clearStale deletes leftover segments for sessionID and for the session of
// any existing marker.
func (c *Controller) clearStale(ctx context.Context, sessionID string) error {
	prev, err := c.store.GetMarker(ctx)
	if err != nil {
		return storageError(sessionID, "read session marker", err)
	}
	if prev != nil && prev.SessionID != sessionID {
		n, err := c.store.DeleteSegments(ctx, prev.SessionID)
		if err != nil {
			return storageError(sessionID, "discard previous session", err)
		}
		c.log("warning", "Discarded %d segments of interrupted session %s", n, prev.SessionID)
	}
	if _, err := c.store.DeleteSegments(ctx, sessionID); err != nil {
		return storageError(sessionID, "discard stale segments", err)
	}
	return nil
}

func (c *Controller) abortStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setState(StateIdle); err != nil {
		c.log("error", "%v", err)
	}
	c.reset()
}

// beginRecording enters Recording and starts the pump and reporter. Caller holds mu.
func (c *Controller) beginRecording(stream capture.Stream, segments <-chan []byte) {
	if err := c.setState(StateRecording); err != nil {
		c.log("error", "%v", err)
	}
	c.stream = stream
	c.pumpDone = make(chan struct{})
	go c.pump(stream, segments, c.pumpDone)

	if len(c.sinks) > 0 {
		c.reporter = NewReporter(c.statusInterval, c.Snapshot, c.sinks...)
		c.reporter.Start()
	}
}

// takeReporter detaches the reporter so it can be stopped without holding mu.
func (c *Controller) takeReporter() *Reporter {
	r := c.reporter
	c.reporter = nil
	return r
}

func stopReporter(r *Reporter) {
	if r != nil {
		r.Stop()
	}
}

// pump appends every emitted segment until the stream closes.
func (c *Controller) pump(stream capture.Stream, segments <-chan []byte, done chan struct{}) {
	defer close(done)

	for payload := range segments {
		c.appendSegment(payload)
	}

	if err := stream.Err(); err != nil {
		c.captureFault(err)
	}
}

// appendSegment persists one segment and adds it to the in-memory buffer.
// Store failures switch the session to memory-only capture.
func (c *Controller) appendSegment(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seg := store.Segment{
		SessionID:  c.sessionID,
		Seq:        c.nextSeq,
		CapturedAt: c.now(),
		Payload:    payload,
	}
	c.nextSeq++
	c.segments++
	c.buf.Write(payload)

	if c.degraded {
		return
	}
	if err := c.store.AppendSegment(context.Background(), seg); err != nil {
		c.degraded = true
		c.lastErr = storageError(c.sessionID, "append segment", err)
		c.log("warning", "Segment store unavailable, continuing in memory only: %v", err)
	}
}

// captureFault aborts a session whose device failed mid-capture. Stored
// segments are left for gc.
func (c *Controller) captureFault(cause error) {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return
	}
	sessionID := c.sessionID
	c.stoppedAt = c.now()
	c.stream = nil
	c.retryable = false
	c.lastErr = &Error{Kind: KindCaptureFault, SessionID: sessionID, Err: cause}
	if err := c.setState(StateFailed); err != nil {
		c.log("error", "%v", err)
	}
	r := c.takeReporter()
	c.mu.Unlock()

	stopReporter(r)
	if err := c.store.ClearMarker(context.Background()); err != nil {
		c.log("warning", "Failed to clear session marker: %v", err)
	}
	c.log("error", "Capture device failed during session %s: %v", sessionID, cause)
}

// halt moves Recording to Stopping, flushes the device and waits for the
// pump to drain the final segments.
func (c *Controller) halt() error {
	c.mu.Lock()
	if err := c.setState(StateStopping); err != nil {
		c.mu.Unlock()
		return err
	}
	stream, done := c.stream, c.pumpDone
	r := c.takeReporter()
	c.mu.Unlock()

	stopReporter(r)
	if err := stream.Stop(); err != nil {
		c.log("warning", "Capture device did not stop cleanly: %v", err)
	}
	<-done

	c.mu.Lock()
	c.stoppedAt = c.now()
	c.stream = nil
	c.mu.Unlock()
	return nil
}

// Stop ends capture and delivers the recording: the device is flushed, the
// recording is assembled and backed up, then uploaded.
func (c *Controller) Stop(ctx context.Context) (upload.Result, error) {
	if err := c.halt(); err != nil {
		return upload.Result{}, err
	}

	b, err := c.finalize(ctx)
	if err != nil {
		return upload.Result{}, err
	}
	return c.upload(ctx, *b)
}

// Cancel abandons the session: capture stops and its segments, backup and
// marker are deleted. Valid while Recording or Failed.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateRecording:
		if err := c.halt(); err != nil {
			return err
		}
	case StateFailed:
	default:
		return fmt.Errorf("%w: cannot cancel while %s", ErrInvalidTransition, state)
	}

	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	err := c.cleanup(ctx, sessionID)

	c.mu.Lock()
	if serr := c.setState(StateIdle); serr != nil {
		c.log("error", "%v", serr)
	}
	c.reset()
	c.mu.Unlock()

	if err != nil {
		return storageError(sessionID, "discard session", err)
	}
	c.log("info", "Cancelled session %s", sessionID)
	return nil
}
