package session

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/gigset/stagerec/internal/media"
	"github.com/gigset/stagerec/internal/store"
	"github.com/gigset/stagerec/internal/upload"
)

// finalize assembles the recording, measures it and writes the backup.
// On a backup failure the session ends Failed(retryable) with the recording
// held in memory so Retry can write it again.
func (c *Controller) finalize(ctx context.Context) (*store.Backup, error) {
	c.mu.Lock()
	if err := c.setState(StateFinalizing); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	payload := media.Seal(bytes.Clone(c.buf.Bytes()))
	sessionID, attributionID := c.sessionID, c.attributionID
	startedAt, stoppedAt := c.startedAt, c.stoppedAt
	c.mu.Unlock()

	duration, err := media.Duration(payload)
	if err != nil {
		duration = stoppedAt.Sub(startedAt)
		c.log("debug", "session %s: %v, using wall-clock duration %s", sessionID, err, duration)
	}

	b := store.Backup{
		SessionID:     sessionID,
		Payload:       payload,
		Duration:      duration,
		AttributionID: attributionID,
		CreatedAt:     c.now(),
	}
	if err := c.persistBackup(ctx, b); err != nil {
		c.mu.Lock()
		c.unsaved = &b
		c.fail(err, true)
		c.mu.Unlock()
		return nil, err
	}

	c.log("info", "Saved %s recording (%d bytes) for session %s", duration.Round(100*time.Millisecond), len(payload), sessionID)
	return &b, nil
}

// persistBackup writes b, marks the session as processing and drops the
// segments it supersedes, atomically. Any failure leaves the segments and
// the recording marker untouched.
func (c *Controller) persistBackup(ctx context.Context, b store.Backup) error {
	c.mu.Lock()
	marker := store.Marker{
		SessionID: b.SessionID,
		Title:     c.title,
		StartedAt: c.startedAt,
		Status:    store.MarkerProcessing,
	}
	c.mu.Unlock()

	if err := c.store.CommitBackup(ctx, b, marker); err != nil {
		return storageError(b.SessionID, "write backup", err)
	}
	return nil
}

// fail records err and enters Failed. Caller holds mu.
func (c *Controller) fail(err error, retryable bool) {
	c.lastErr = err
	c.retryable = retryable
	if serr := c.setState(StateFailed); serr != nil {
		c.log("error", "%v", serr)
	}
}

// upload sends b and, on success, removes every stored trace of the session.
func (c *Controller) upload(ctx context.Context, b store.Backup) (upload.Result, error) {
	c.mu.Lock()
	if err := c.setState(StateUploading); err != nil {
		c.mu.Unlock()
		return upload.Result{}, err
	}
	c.progress = upload.Progress{BytesTotal: int64(len(b.Payload))}
	c.lastErr = nil
	c.mu.Unlock()

	res, err := c.uploader.Upload(ctx, upload.Request{
		SessionID:     b.SessionID,
		Payload:       b.Payload,
		Duration:      b.Duration,
		AttributionID: b.AttributionID,
	}, c.setProgress)
	if err != nil {
		serr := transferError(b.SessionID, err)
		c.mu.Lock()
		c.fail(serr, serr.Kind == KindTransientTransfer)
		c.mu.Unlock()
		c.log("error", "Upload of session %s failed: %v", b.SessionID, err)
		return upload.Result{}, serr
	}

	if err := c.cleanup(ctx, b.SessionID); err != nil {
		c.log("warning", "Recording %s uploaded but local cleanup failed: %v", res.RecordingID, err)
	}

	c.mu.Lock()
	c.recordingID = res.RecordingID
	c.unsaved = nil
	c.retryable = false
	if err := c.setState(StateComplete); err != nil {
		c.log("error", "%v", err)
	}
	c.mu.Unlock()

	c.log("success", "Uploaded session %s as recording %s", b.SessionID, res.RecordingID)
	return res, nil
}

// setProgress records transport progress and forwards a snapshot to sinks.
func (c *Controller) setProgress(p upload.Progress) {
	c.mu.Lock()
	c.progress = p
	c.mu.Unlock()

	if len(c.sinks) == 0 {
		return
	}
	snap := c.Snapshot()
	for _, sink := range c.sinks {
		sink(snap)
	}
}

// cleanup deletes the segments, backup and (if it names this session) the
// marker. Independent failures are collected.
func (c *Controller) cleanup(ctx context.Context, sessionID string) error {
	var result *multierror.Error

	if _, err := c.store.DeleteSegments(ctx, sessionID); err != nil {
		result = multierror.Append(result, fmt.Errorf("delete segments: %w", err))
	}
	if err := c.store.DeleteBackup(ctx, sessionID); err != nil {
		result = multierror.Append(result, fmt.Errorf("delete backup: %w", err))
	}

	m, err := c.store.GetMarker(ctx)
	switch {
	case err != nil:
		result = multierror.Append(result, fmt.Errorf("read marker: %w", err))
	case m != nil && m.SessionID == sessionID:
		if err := c.store.ClearMarker(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("clear marker: %w", err))
		}
	}

	return result.ErrorOrNil()
}

// Retry re-sends the current session's recording from its backup. It is
// only valid in Failed with a retryable failure.
func (c *Controller) Retry(ctx context.Context) (upload.Result, error) {
	c.mu.Lock()
	if c.state != StateFailed {
		state := c.state
		c.mu.Unlock()
		return upload.Result{}, fmt.Errorf("%w: cannot retry while %s", ErrInvalidTransition, state)
	}
	if !c.retryable {
		err := c.lastErr
		c.mu.Unlock()
		if err != nil {
			return upload.Result{}, fmt.Errorf("%w: %v", ErrNotRetryable, err)
		}
		return upload.Result{}, ErrNotRetryable
	}
	sessionID, unsaved := c.sessionID, c.unsaved
	c.mu.Unlock()

	b, err := c.store.GetBackup(ctx, sessionID)
	if err != nil && unsaved == nil {
		serr := storageError(sessionID, "read backup", err)
		c.mu.Lock()
		c.lastErr = serr
		c.mu.Unlock()
		return upload.Result{}, serr
	}
	if b == nil {
		if unsaved == nil {
			return upload.Result{}, fmt.Errorf("%w %s", ErrNoBackup, sessionID)
		}
		if err := c.persistBackup(ctx, *unsaved); err != nil {
			c.mu.Lock()
			c.lastErr = err
			c.mu.Unlock()
			return upload.Result{}, err
		}
		c.mu.Lock()
		c.unsaved = nil
		c.mu.Unlock()
		b = unsaved
	}

	c.log("info", "Retrying upload of session %s from backup", sessionID)
	return c.upload(ctx, *b)
}

// RetryBackup uploads a stored backup by session id. It serves backups left
// by earlier sessions and failures Retry refuses, such as an exceeded quota
// that has since been raised.
func (c *Controller) RetryBackup(ctx context.Context, sessionID string) (upload.Result, error) {
	c.mu.Lock()
	if !c.state.accepting() {
		state := c.state
		c.mu.Unlock()
		return upload.Result{}, fmt.Errorf("%w (state %s)", ErrBusy, state)
	}
	c.mu.Unlock()

	b, err := c.store.GetBackup(ctx, sessionID)
	if err != nil {
		return upload.Result{}, storageError(sessionID, "read backup", err)
	}
	if b == nil {
		return upload.Result{}, fmt.Errorf("%w %s", ErrNoBackup, sessionID)
	}

	c.mu.Lock()
	if c.sessionID != sessionID {
		if c.unsaved != nil {
			c.log("warning", "Discarding unsaved recording for session %s", c.unsaved.SessionID)
		}
		c.reset()
		c.sessionID = sessionID
		c.attributionID = b.AttributionID
	}
	c.mu.Unlock()

	return c.upload(ctx, *b)
}
