// cmd/retry.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gigset/stagerec/internal/store"
	"github.com/gigset/stagerec/internal/ui"
	"github.com/gigset/stagerec/internal/upload"
)

var retrySession string

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Upload a recording that is saved on this machine",
	Long: `Sends a locally saved recording to the server again. With one saved
recording it is chosen automatically; with several, pass --session or pick
one from the list.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		sessionID, err := a.pickBackup(ctx, retrySession)
		if err != nil {
			return err
		}

		c := a.controller()
		a.status.Info(fmt.Sprintf("Uploading saved recording for session %s", sessionID))
		res, err := a.deliver(ctx, func(ctx context.Context) (upload.Result, error) {
			return c.RetryBackup(ctx, sessionID)
		})
		return a.finish(ctx, c, res, err)
	},
}

// pickBackup resolves which backup to send.
func (a *app) pickBackup(ctx context.Context, sessionID string) (string, error) {
	if sessionID != "" {
		return sessionID, nil
	}

	backups, err := a.store.ListBackups(ctx)
	if err != nil {
		return "", err
	}
	switch {
	case len(backups) == 0:
		if m, _ := a.store.GetMarker(ctx); m != nil {
			return "", fmt.Errorf("no saved recordings; session %s was interrupted, run `stagerec resume`", m.SessionID)
		}
		return "", errors.New("no saved recordings to upload")
	case len(backups) == 1:
		return backups[0].SessionID, nil
	case !ui.IsInteractive():
		return "", fmt.Errorf("%d saved recordings; choose one with --session (see `stagerec pending`)", len(backups))
	}

	choices := make([]string, len(backups))
	for i, b := range backups {
		choices[i] = backupLabel(b)
	}
	choice, err := ui.AskSelect("Which recording should be uploaded?", choices)
	if err != nil {
		return "", err
	}
	return strings.Fields(choice)[0], nil
}

func backupLabel(b store.BackupInfo) string {
	return fmt.Sprintf("%s  %s  %s  saved %s", b.SessionID, ui.FormatClock(b.Duration), ui.FormatBytes(b.Size), b.CreatedAt.Local().Format("Jan 2 15:04"))
}

func init() {
	rootCmd.AddCommand(retryCmd)
	retryCmd.Flags().StringVar(&retrySession, "session", "", "Session id of the saved recording")
}
