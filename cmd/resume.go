// cmd/resume.go
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gigset/stagerec/internal/session"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue a session interrupted by a crash or restart",
	Long: `Reloads the stored segments of an interrupted session and keeps recording
on the same timeline. If capture had already stopped, the saved recording is
uploaded instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return resumeWith(ctx, a, a.controller())
	},
}

func resumeWith(ctx context.Context, a *app, c *session.Controller) error {
	m, err := c.Resume(ctx)
	if err != nil {
		return errors.New(explain(err))
	}
	if m == nil {
		a.status.Info("Nothing to resume")
		return nil
	}

	snap := c.Snapshot()
	if snap.State == session.StateRecording {
		a.status.Success(fmt.Sprintf("Resumed session %s (%d segments, started %s). Press Ctrl+C to stop.",
			m.SessionID, snap.Segments, m.StartedAt.Local().Format("15:04:05")))
	}
	return a.follow(ctx, c, 0)
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
