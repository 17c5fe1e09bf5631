// cmd/cancel.go
package cmd

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/gigset/stagerec/internal/ui"
)

var (
	cancelYes           bool
	cancelDiscardBackup bool
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Discard an interrupted session",
	Long: `Deletes the stored segments and marker of an interrupted session so the
next 'stagerec record' starts fresh. A saved recording of that session is
kept unless --discard-backup is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.store.GetMarker(ctx)
		if err != nil {
			return err
		}
		if m == nil {
			a.status.Info("No interrupted session")
			return nil
		}

		if !cancelYes {
			if !ui.IsInteractive() {
				return fmt.Errorf("refusing to discard session %s without --yes", m.SessionID)
			}
			ok, err := ui.AskConfirm(fmt.Sprintf("Discard session %s? This cannot be undone.", m.SessionID), false)
			if err != nil || !ok {
				return err
			}
		}

		var result *multierror.Error
		n, err := a.store.DeleteSegments(ctx, m.SessionID)
		if err != nil {
			result = multierror.Append(result, err)
		}
		if cancelDiscardBackup {
			if err := a.store.DeleteBackup(ctx, m.SessionID); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := a.store.ClearMarker(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		if err := result.ErrorOrNil(); err != nil {
			return err
		}

		a.status.Success(fmt.Sprintf("Discarded session %s (%d segments)", m.SessionID, n))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
	cancelCmd.Flags().BoolVarP(&cancelYes, "yes", "y", false, "Do not ask for confirmation")
	cancelCmd.Flags().BoolVar(&cancelDiscardBackup, "discard-backup", false, "Also delete the session's saved recording")
}
