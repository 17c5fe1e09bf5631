// cmd/gc.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/gigset/stagerec/internal/store"
)

var (
	gcBackupsOlderThan time.Duration
	gcDryRun           bool
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove segments left behind by abandoned sessions",
	Long: `Deletes stored segments that belong to no active session, such as those
kept after a failed resume. Saved recordings are only removed when
--backups-older-than is given.`,
	Example: `  # Remove leftover segments
  stagerec gc

  # Also drop saved recordings older than 30 days
  stagerec gc --backups-older-than 720h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := collectGarbage(ctx, a.store, gcBackupsOlderThan, time.Now(), gcDryRun)
		verb := "Removed"
		if gcDryRun {
			verb = "Would remove"
		}
		a.status.Info(fmt.Sprintf("%s %d segments from %d abandoned session(s) and %d saved recording(s)",
			verb, res.segments, res.sessions, res.backups))
		return err
	},
}

type gcResult struct {
	sessions int
	segments int64
	backups  int
}

// collectGarbage deletes orphaned segments and, when olderThan is set,
// backups created before now-olderThan. The active session is never touched.
func collectGarbage(ctx context.Context, s *store.Store, olderThan time.Duration, now time.Time, dryRun bool) (gcResult, error) {
	var res gcResult

	keep := ""
	m, err := s.GetMarker(ctx)
	if err != nil {
		return res, err
	}
	if m != nil {
		keep = m.SessionID
	}

	orphans, err := s.OrphanedSessions(ctx, keep)
	if err != nil {
		return res, err
	}

	var result *multierror.Error
	for _, id := range orphans {
		if dryRun {
			n, err := s.CountSegments(ctx, id)
			if err != nil {
				result = multierror.Append(result, err)
				continue
			}
			res.sessions++
			res.segments += int64(n)
			continue
		}
		n, err := s.DeleteSegments(ctx, id)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		Debug("gc: removed %d segments of %s", n, id)
		res.sessions++
		res.segments += n
	}

	if olderThan > 0 {
		backups, err := s.ListBackups(ctx)
		if err != nil {
			return res, multierror.Append(result, err).ErrorOrNil()
		}
		cutoff := now.Add(-olderThan)
		for _, b := range backups {
			if b.SessionID == keep || !b.CreatedAt.Before(cutoff) {
				continue
			}
			if !dryRun {
				if err := s.DeleteBackup(ctx, b.SessionID); err != nil {
					result = multierror.Append(result, err)
					continue
				}
			}
			res.backups++
		}
	}

	return res, result.ErrorOrNil()
}

func init() {
	rootCmd.AddCommand(gcCmd)
	gcCmd.Flags().DurationVar(&gcBackupsOlderThan, "backups-older-than", 0, "Also delete saved recordings older than this (e.g. 720h)")
	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "Report what would be removed without deleting")
}
