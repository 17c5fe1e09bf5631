// cmd/record.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gigset/stagerec/internal/guard"
	"github.com/gigset/stagerec/internal/session"
	"github.com/gigset/stagerec/internal/ui"
)

var (
	recordTitle       string
	recordAttribution string
	recordLimit       time.Duration
	recordExpect      time.Duration
	recordForce       bool
	recordNew         bool
)

var recordCmd = &cobra.Command{
	Use:     "record",
	Aliases: []string{"rec"},
	Short:   "Record a live set and upload it when you stop",
	Long: `Captures raw audio from the configured input until you press Ctrl+C
(or --for elapses), then saves a local backup and uploads the recording.

Every second of audio is written to the local store as it is captured. If
stagerec is interrupted, run it again and the session resumes where it left
off, keeping its original start time.`,
	Example: `  # Record with a title
  stagerec record --title "Friday at The Anchor"

  # Record a 45 minute set, skipping the resource check
  stagerec record --for 45m --force`,
	RunE: runRecord,
}

func runRecord(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	c := a.controller()

	if !recordNew {
		m, err := a.store.GetMarker(ctx)
		if err != nil {
			return fmt.Errorf("read session marker: %w", err)
		}
		if m != nil && a.offerResume(m.SessionID, m.Title, m.StartedAt) {
			return resumeWith(ctx, a, c)
		}
	}

	if err := a.preflight(ctx); err != nil {
		return err
	}

	title := recordTitle
	if title == "" && ui.IsInteractive() {
		title, err = ui.AskInput("Title for this recording (optional):", "e.g. Friday at The Anchor", "")
		if err != nil {
			return err
		}
	}

	sessionID := uuid.NewString()
	spin := ui.NewSpinner(os.Stdout)
	spin.Start("Waiting for the input device")
	err = c.Start(ctx, sessionID, title, session.StartOptions{AttributionID: recordAttribution})
	if err != nil {
		spin.Fail("Could not start recording")
		if errors.Is(err, session.ErrBusy) {
			return err
		}
		return errors.New(explain(err))
	}
	spin.Success(fmt.Sprintf("Recording session %s. Press Ctrl+C to stop.", sessionID))

	return a.follow(ctx, c, recordLimit)
}

// offerResume asks whether to continue an interrupted session. Without a
// terminal the session is resumed.
func (a *app) offerResume(sessionID, title string, startedAt time.Time) bool {
	label := sessionID
	if title != "" {
		label = fmt.Sprintf("%q (%s)", title, sessionID)
	}
	a.status.Warning(fmt.Sprintf("Found an interrupted session %s started %s", label, startedAt.Local().Format("Jan 2 15:04")))
	if !ui.IsInteractive() {
		return true
	}
	ok, err := ui.AskConfirm("Resume it? Starting a new session discards its unsaved audio.", true)
	return err != nil || ok
}

// preflight runs the resource guard. A warning can be overridden with
// --force or at the prompt.
func (a *app) preflight(ctx context.Context) error {
	expected := uint64(recordExpect.Seconds()) * uint64(a.format().ByteRate())
	g := guard.New(guard.Config{
		MaxUsageRatio:    a.cfg.Guard.MaxMemoryUsage,
		MinFreeDiskBytes: a.cfg.Guard.MinFreeDiskMB * 1024 * 1024,
		ExpectedBytes:    expected,
		DiskPath:         filepath.Dir(a.cfg.DBPath),
	})
	f := g.Check(ctx)
	Debug("preflight: ok=%v available=%d free=%d", f.OK, f.AvailableBytes, f.FreeDiskBytes)
	if f.OK {
		return nil
	}

	for _, r := range f.Reasons {
		a.status.Warning(r)
	}
	if recordForce {
		return nil
	}
	if !ui.IsInteractive() {
		return fmt.Errorf("this machine may not hold the recording (%s); use --force to record anyway", f.Reason())
	}
	ok, err := ui.AskConfirm("Record anyway?", false)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("recording cancelled")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.Flags().StringVarP(&recordTitle, "title", "t", "", "Title for the recording")
	recordCmd.Flags().StringVar(&recordAttribution, "attribution", "", "Attribution id passed to the server with the recording")
	recordCmd.Flags().DurationVar(&recordLimit, "for", 0, "Stop automatically after this long (e.g. 45m)")
	recordCmd.Flags().DurationVar(&recordExpect, "expect", 0, "Expected length, used by the resource check (e.g. 3h)")
	recordCmd.Flags().BoolVarP(&recordForce, "force", "f", false, "Record even if the resource check warns")
	recordCmd.Flags().BoolVar(&recordNew, "new", false, "Start a new session even if one was interrupted")
}
