package session

import (
	"context"
	"fmt"
	"time"

	"github.com/gigset/stagerec/internal/capture"
	"github.com/gigset/stagerec/internal/store"
)

// Resume picks up a session interrupted by a restart. It returns the marker
// that was found, or nil if there was nothing to resume.
//
// A recording marker reloads the stored segments, re-acquires the device and
// keeps appending; elapsed time still counts from the original start. If the
// device cannot be re-acquired the marker is cleared and a ResumeFault is
// returned. A processing marker means capture had already stopped: the
// controller ends in Failed(retryable) with a backup ready for Retry,
// rebuilding that backup from the segments if needed. A recording marker
// whose session already has a backup is treated as processing.
func (c *Controller) Resume(ctx context.Context) (*store.Marker, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot resume while %s", ErrInvalidTransition, state)
	}
	c.mu.Unlock()

	m, err := c.store.GetMarker(ctx)
	if err != nil {
		return nil, storageError("", "read session marker", err)
	}
	if m == nil {
		return nil, nil
	}

	if m.Status == store.MarkerProcessing {
		return m, c.resumeProcessing(ctx, m)
	}
	return m, c.resumeRecording(ctx, m)
}

func (c *Controller) resumeRecording(ctx context.Context, m *store.Marker) error {
	// A backup means capture already finished; never record over it.
	b, err := c.store.GetBackup(ctx, m.SessionID)
	if err != nil {
		return storageError(m.SessionID, "read backup", err)
	}
	if b != nil {
		c.log("warning", "Session %s already has a backup, resuming its upload instead of capture", m.SessionID)
		return c.resumeProcessing(ctx, m)
	}

	segments, err := c.store.Segments(ctx, m.SessionID)
	if err != nil {
		return storageError(m.SessionID, "load segments", err)
	}
	nextSeq, err := c.store.NextSeq(ctx, m.SessionID)
	if err != nil {
		return storageError(m.SessionID, "load segments", err)
	}

	c.mu.Lock()
	c.reset()
	c.sessionID = m.SessionID
	if err := c.setState(StateAwaitingDevice); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	stream, err := c.device.Acquire(ctx, capture.Request{Format: c.format, Continue: len(segments) > 0})
	if err != nil {
		return c.resumeFault(ctx, m, err)
	}
	ch, err := stream.Start(c.segmentInterval)
	if err != nil {
		stream.Stop()
		return c.resumeFault(ctx, m, err)
	}

	c.mu.Lock()
	c.title = m.Title
	c.startedAt = m.StartedAt
	c.resumed = true
	c.buf.Write(store.Assemble(segments))
	c.segments = len(segments)
	c.nextSeq = nextSeq
	c.beginRecording(stream, ch)
	c.mu.Unlock()

	c.log("info", "Resumed %s with %d stored segments", m.SessionID, len(segments))
	return nil
}

// resumeFault clears the marker after a failed re-acquisition. The session's
// segments stay behind for gc.
func (c *Controller) resumeFault(ctx context.Context, m *store.Marker, cause error) error {
	if err := c.store.ClearMarker(ctx); err != nil {
		c.log("warning", "Failed to clear session marker: %v", err)
	}
	c.abortStart()
	c.log("error", "Could not resume session %s: %v", m.SessionID, cause)
	return &Error{Kind: KindResumeFault, SessionID: m.SessionID, Err: deviceError(m.SessionID, cause)}
}

func (c *Controller) resumeProcessing(ctx context.Context, m *store.Marker) error {
	b, err := c.store.GetBackup(ctx, m.SessionID)
	if err != nil {
		return storageError(m.SessionID, "read backup", err)
	}

	if b != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.reset()
		c.sessionID = m.SessionID
		c.title = m.Title
		c.attributionID = b.AttributionID
		c.startedAt = m.StartedAt
		c.stoppedAt = m.StartedAt.Add(b.Duration)
		c.resumed = true
		c.fail(&Error{Kind: KindTransientTransfer, SessionID: m.SessionID, Message: "upload was interrupted"}, true)
		return nil
	}

	segments, err := c.store.Segments(ctx, m.SessionID)
	if err != nil {
		return storageError(m.SessionID, "load segments", err)
	}
	if len(segments) == 0 {
		if err := c.store.ClearMarker(ctx); err != nil {
			c.log("warning", "Failed to clear session marker: %v", err)
		}
		return &Error{Kind: KindResumeFault, SessionID: m.SessionID, Message: "no stored audio to recover"}
	}

	c.mu.Lock()
	c.reset()
	c.sessionID = m.SessionID
	c.title = m.Title
	c.startedAt = m.StartedAt
	c.stoppedAt = lastCaptured(segments)
	c.resumed = true
	c.buf.Write(store.Assemble(segments))
	c.segments = len(segments)
	c.mu.Unlock()

	if _, err := c.finalize(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail(&Error{Kind: KindTransientTransfer, SessionID: m.SessionID, Message: "upload was interrupted"}, true)
	return nil
}

// lastCaptured returns the latest capture time among segments. Seq order and
// time order differ when the wall clock stepped backwards.
func lastCaptured(segments []store.Segment) time.Time {
	var last time.Time
	for _, seg := range segments {
		if seg.CapturedAt.After(last) {
			last = seg.CapturedAt
		}
	}
	return last
}
