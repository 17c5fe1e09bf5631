// cmd/flow.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gigset/stagerec/internal/session"
	"github.com/gigset/stagerec/internal/ui"
	"github.com/gigset/stagerec/internal/upload"
)

// abortWindow is how long a first Ctrl+C during an upload stays armed.
const abortWindow = 5 * time.Second

// waitForStop blocks while c is recording, until Ctrl+C, SIGTERM, the
// optional limit or a capture fault ends the capture.
func (a *app) waitForStop(ctx context.Context, c *session.Controller, limit time.Duration) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var deadline <-chan time.Time
	if limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigs:
			Debug("received %v, stopping capture", sig)
			return
		case <-deadline:
			a.live.Done()
			a.status.Info(fmt.Sprintf("Reached the %s limit", limit))
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != session.StateRecording {
				return
			}
		}
	}
}

// deliver runs an upload step. A first Ctrl+C only warns; a second one
// within abortWindow, or SIGTERM, cancels the transfer. The backup is kept
// either way.
func (a *app) deliver(ctx context.Context, run func(context.Context) (upload.Result, error)) (upload.Result, error) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	return a.deliverWith(ctx, sigs, run)
}

func (a *app) deliverWith(ctx context.Context, sigs <-chan os.Signal, run func(context.Context) (upload.Result, error)) (upload.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go watchExit(ctx, sigs, abortWindow, time.Now,
		func() {
			a.live.Done()
			a.status.Warning(fmt.Sprintf("Upload in progress. Press Ctrl+C again within %s to abort.", abortWindow))
		},
		func() {
			a.live.Done()
			a.status.Warning("Aborting upload. The recording stays saved on this machine.")
			cancel()
		})

	return run(ctx)
}

// watchExit consumes sigs until ctx ends or sigs is closed. A SIGINT arms
// the abort and calls warn. A SIGINT within window of the armed one, or any
// SIGTERM, calls abort and returns.
func watchExit(ctx context.Context, sigs <-chan os.Signal, window time.Duration, now func() time.Time, warn, abort func()) {
	var armed time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigs:
			if !ok {
				return
			}
			at := now()
			if sig == syscall.SIGTERM || (!armed.IsZero() && at.Sub(armed) < window) {
				abort()
				return
			}
			armed = at
			warn()
		}
	}
}

// follow drives c from whatever state Resume or Start left it in to a
// confirmed upload, offering a retry on retryable failures.
func (a *app) follow(ctx context.Context, c *session.Controller, limit time.Duration) error {
	if c.State() == session.StateRecording {
		a.waitForStop(ctx, c, limit)
		if c.State() == session.StateRecording {
			a.live.Done()
			spin := ui.NewSpinner(os.Stdout)
			spin.Start("Saving recording")
			go func() {
				// The spinner gives way to the upload line once the backup is written.
				for c.State() == session.StateStopping || c.State() == session.StateFinalizing {
					time.Sleep(50 * time.Millisecond)
				}
				spin.Stop("")
			}()
			res, err := a.deliver(ctx, c.Stop)
			spin.Stop("")
			return a.finish(ctx, c, res, err)
		}
	}

	snap := c.Snapshot()
	if snap.State != session.StateFailed {
		return fmt.Errorf("session %s ended in state %s", snap.SessionID, snap.State)
	}
	if !snap.Retryable {
		return a.abandon(ctx, c, snap.Err)
	}
	a.status.Info(fmt.Sprintf("Sending saved recording for session %s", snap.SessionID))
	res, err := a.deliver(ctx, c.Retry)
	return a.finish(ctx, c, res, err)
}

// finish reports the outcome of an upload attempt.
func (a *app) finish(ctx context.Context, c *session.Controller, res upload.Result, err error) error {
	a.live.Done()
	for err != nil {
		a.status.Fail(explain(err))
		snap := c.Snapshot()
		if snap.State != session.StateFailed || !snap.Retryable || !ui.IsInteractive() {
			return err
		}
		again, perr := ui.AskConfirm("Try the upload again now?", true)
		if perr != nil || !again {
			return err
		}
		res, err = a.deliver(ctx, c.Retry)
		a.live.Done()
	}

	snap := c.Snapshot()
	size := snap.Progress.BytesTotal
	if size == 0 {
		size = snap.Bytes
	}
	a.status.Success("Recording uploaded")
	fmt.Println(ui.RenderSummary(ui.Summary{
		Title:       snap.Title,
		SessionID:   snap.SessionID,
		Duration:    snap.Elapsed,
		Bytes:       size,
		Mode:        string(res.Mode),
		RecordingID: string(res.RecordingID),
		URL:         a.cfg.RecordingURL(snap.SessionID, string(res.RecordingID)),
	}))
	return nil
}

// abandon handles a failure that a retry cannot fix, such as a capture
// fault. The partial recording is discarded only if the user asks.
func (a *app) abandon(ctx context.Context, c *session.Controller, cause error) error {
	a.live.Done()
	if cause == nil {
		cause = errors.New("session failed")
	}
	a.status.Fail(explain(cause))
	if ui.IsInteractive() {
		discard, err := ui.AskConfirm("Discard what was captured?", false)
		if err == nil && discard {
			if err := c.Cancel(ctx); err != nil {
				a.status.Warning(fmt.Sprintf("Could not discard session: %v", err))
			}
		}
	}
	return cause
}
