// cmd/check.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/gigset/stagerec/internal/capture"
	"github.com/gigset/stagerec/internal/guard"
	"github.com/gigset/stagerec/internal/ui"
)

var checkExpect time.Duration

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the input device, memory and disk before a show",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		sl := ui.NewStatusLine(os.Stdout)
		failed := false

		format := capture.Format{SampleRate: cfg.Capture.SampleRate, Channels: cfg.Capture.Channels, BitsPerSample: 16}
		sl.Step(1, 2, fmt.Sprintf("Resources for %s of %d Hz, %d channel audio", checkExpect, format.SampleRate, format.Channels))
		g := guard.New(guard.Config{
			MaxUsageRatio:    cfg.Guard.MaxMemoryUsage,
			MinFreeDiskBytes: cfg.Guard.MinFreeDiskMB * 1024 * 1024,
			ExpectedBytes:    uint64(checkExpect.Seconds()) * uint64(format.ByteRate()),
			DiskPath:         existingDir(cfg.DBPath),
		})
		f := g.Check(ctx)
		if f.MemoryKnown {
			fmt.Printf("    %s\n", ui.FormatKeyValue("Memory available", guard.FormatBytes(f.AvailableBytes)))
		}
		if f.FreeDiskBytes > 0 {
			fmt.Printf("    %s\n", ui.FormatKeyValue("Disk free", guard.FormatBytes(f.FreeDiskBytes)))
		}
		if f.OK {
			sl.Success("Enough memory and disk")
		} else {
			for _, r := range f.Reasons {
				sl.Warning(r)
			}
		}

		sl.Step(2, 2, fmt.Sprintf("Input device %s", cfg.Capture.Device))
		dev := capture.NewArecord(capture.ArecordConfig{Command: cfg.Capture.Command, Device: cfg.Capture.Device})
		stream, err := dev.Acquire(ctx, capture.Request{Format: format})
		switch {
		case errors.Is(err, capture.ErrDenied):
			sl.Fail(fmt.Sprintf("Access denied: %v", err))
			failed = true
		case err != nil:
			sl.Fail(fmt.Sprintf("Unavailable: %v", err))
			failed = true
		default:
			if err := stream.Stop(); err != nil {
				Debug("stop probe stream: %v", err)
			}
			sl.Success(fmt.Sprintf("%s is delivering audio", dev.Name()))
		}

		if failed {
			return errors.New("input device check failed")
		}
		return nil
	},
}

// existingDir returns the nearest existing ancestor directory of path.
func existingDir(path string) string {
	dir := path
	for {
		next := filepath.Dir(dir)
		if next == dir {
			return dir
		}
		dir = next
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().DurationVar(&checkExpect, "expect", 3*time.Hour, "Expected recording length")
}
