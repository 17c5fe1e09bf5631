// cmd/pending.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gigset/stagerec/internal/ui"
)

var pendingCmd = &cobra.Command{
	Use:     "pending",
	Aliases: []string{"ls"},
	Short:   "List recordings saved on this machine that are not uploaded yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		backups, err := a.store.ListBackups(ctx)
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			fmt.Println("No recordings waiting for upload.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, labelColor.Sprint("SESSION")+"\t"+labelColor.Sprint("LENGTH")+"\t"+labelColor.Sprint("SIZE")+"\t"+labelColor.Sprint("SAVED"))
		for _, b := range backups {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.SessionID, ui.FormatClock(b.Duration), ui.FormatBytes(b.Size), b.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		w.Flush()
		fmt.Println("\nUpload one with `stagerec retry --session <id>`.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pendingCmd)
}
