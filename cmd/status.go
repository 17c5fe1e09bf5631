// cmd/status.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gigset/stagerec/internal/store"
	"github.com/gigset/stagerec/internal/ui"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	labelColor  = color.New(color.Bold)
	noColor     bool
	statusJSON  bool
)

// localStatus is what `stagerec status` reports.
type localStatus struct {
	Server      string             `json:"server"`
	DeviceID    string             `json:"deviceId"`
	Store       string             `json:"store"`
	Interrupted *interruptedStatus `json:"interrupted,omitempty"`
	Pending     []pendingStatus    `json:"pending"`
	Orphaned    []string           `json:"orphaned,omitempty"`
	Redis       string             `json:"redis,omitempty"`
}

type interruptedStatus struct {
	SessionID string    `json:"sessionId"`
	Title     string    `json:"title,omitempty"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	Segments  int       `json:"segments"`
}

type pendingStatus struct {
	SessionID  string    `json:"sessionId"`
	Bytes      int64     `json:"bytes"`
	DurationMs int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"st"},
	Short:   "Show interrupted sessions and recordings waiting for upload",
	Example: `  # Human-readable overview
  stagerec status

  # For scripts
  stagerec status --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			color.NoColor = true
		}
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := collectStatus(ctx, a.store)
		if err != nil {
			return err
		}
		st.Server = a.cfg.Server
		st.DeviceID = a.deviceID
		st.Store = a.cfg.DBPath
		if a.cfg.Redis.URL != "" {
			st.Redis = "unreachable"
			if a.publisher != nil {
				st.Redis = a.publisher.PubSubChannel()
			}
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		printStatus(st)
		return nil
	},
}

func collectStatus(ctx context.Context, s *store.Store) (*localStatus, error) {
	st := &localStatus{Pending: []pendingStatus{}}

	m, err := s.GetMarker(ctx)
	if err != nil {
		return nil, err
	}
	keep := ""
	if m != nil {
		n, err := s.CountSegments(ctx, m.SessionID)
		if err != nil {
			return nil, err
		}
		keep = m.SessionID
		st.Interrupted = &interruptedStatus{
			SessionID: m.SessionID,
			Title:     m.Title,
			Status:    string(m.Status),
			StartedAt: m.StartedAt,
			Segments:  n,
		}
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range backups {
		st.Pending = append(st.Pending, pendingStatus{
			SessionID:  b.SessionID,
			Bytes:      b.Size,
			DurationMs: b.Duration.Milliseconds(),
			CreatedAt:  b.CreatedAt,
		})
	}

	if st.Orphaned, err = s.OrphanedSessions(ctx, keep); err != nil {
		return nil, err
	}
	return st, nil
}

func printStatus(st *localStatus) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	headerColor.Fprintf(w, "--- stagerec status (%s) ---\n", Version)
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Server"), st.Server)
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Device"), st.DeviceID)
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Store"), st.Store)
	if st.Redis != "" {
		fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Redis"), st.Redis)
	}

	headerColor.Fprintln(w, "\nSESSION")
	if st.Interrupted == nil {
		fmt.Fprintf(w, "  %s\n", goodColor.Sprint("No interrupted session"))
	} else {
		i := st.Interrupted
		fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Interrupted"), warnColor.Sprintf("%s (%s)", i.SessionID, i.Status))
		if i.Title != "" {
			fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Title"), i.Title)
		}
		fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Started"), i.StartedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "  %s:\t%d\n", labelColor.Sprint("Segments"), i.Segments)
		fmt.Fprintf(w, "  Run `stagerec resume` to continue or `stagerec cancel` to discard it.\n")
	}

	headerColor.Fprintln(w, "\nWAITING FOR UPLOAD")
	if len(st.Pending) == 0 {
		fmt.Fprintf(w, "  %s\n", goodColor.Sprint("Nothing pending"))
	}
	for _, p := range st.Pending {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", p.SessionID, ui.FormatBytes(p.Bytes), ui.FormatClock(time.Duration(p.DurationMs)*time.Millisecond))
	}

	if len(st.Orphaned) > 0 {
		headerColor.Fprintln(w, "\nLEFTOVER SEGMENTS")
		fmt.Fprintf(w, "  %s\n", warnColor.Sprintf("%d abandoned session(s); `stagerec gc` removes them", len(st.Orphaned)))
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colorized output")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print status as JSON")
}
