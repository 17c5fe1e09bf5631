// Package guard decides whether this machine can hold a recording before
// capture starts. Its verdict is advisory: memory and disk figures are
// estimates, so callers may let the user override a warning.
package guard

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	// DefaultMaxUsageRatio is the memory usage above which Check warns.
	DefaultMaxUsageRatio = 0.80

	// DefaultMinFreeDiskBytes is the free space below which Check warns.
	DefaultMinFreeDiskBytes = 512 * 1024 * 1024

	// DefaultScratchBytes is the probe size used when memory stats are unavailable.
	DefaultScratchBytes = 64 * 1024 * 1024
)

// Feasibility is the outcome of a preflight check.
type Feasibility struct {
	OK bool

	// Reasons lists every warning; empty when OK.
	Reasons []string

	// AvailableBytes is the estimated free memory, 0 if unknown.
	AvailableBytes uint64

	// MemoryKnown is false when the estimate came from a scratch allocation.
	MemoryKnown bool

	// FreeDiskBytes is the free space on the store's volume, 0 if unknown.
	FreeDiskBytes uint64
}

// Reason joins the warnings into one line.
func (f Feasibility) Reason() string {
	return strings.Join(f.Reasons, "; ")
}

// Config holds configuration for a Guard.
type Config struct {
	// MaxUsageRatio is the memory usage limit in [0,1] (default: 0.80)
	MaxUsageRatio float64

	// MinFreeDiskBytes is the free disk floor (default: 512 MiB)
	MinFreeDiskBytes uint64

	// ExpectedBytes is the anticipated recording size (optional). The
	// recording is held in memory and written twice to disk, so it is
	// checked against both.
	ExpectedBytes uint64

	// DiskPath is a path on the store's volume (default: "/")
	DiskPath string

	// ScratchBytes is the fallback allocation size (default: 64 MiB)
	ScratchBytes int

	// Probes, replaceable in tests.
	VirtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	DiskUsage     func(ctx context.Context, path string) (*disk.UsageStat, error)
	Allocate      func(n int) error
}

// Guard runs preflight resource checks.
type Guard struct {
	cfg Config
}

// New creates a Guard with defaults filled in.
func New(cfg Config) *Guard {
	if cfg.MaxUsageRatio == 0 {
		cfg.MaxUsageRatio = DefaultMaxUsageRatio
	}
	if cfg.MinFreeDiskBytes == 0 {
		cfg.MinFreeDiskBytes = DefaultMinFreeDiskBytes
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	if cfg.ScratchBytes == 0 {
		cfg.ScratchBytes = DefaultScratchBytes
	}
	if cfg.VirtualMemory == nil {
		cfg.VirtualMemory = mem.VirtualMemoryWithContext
	}
	if cfg.DiskUsage == nil {
		cfg.DiskUsage = disk.UsageWithContext
	}
	if cfg.Allocate == nil {
		cfg.Allocate = scratchAllocate
	}
	return &Guard{cfg: cfg}
}

// Check estimates whether a recording can be held. It never fails; problems
// are reported as warnings.
func (g *Guard) Check(ctx context.Context) Feasibility {
	f := Feasibility{}
	g.checkMemory(ctx, &f)
	g.checkDisk(ctx, &f)
	f.OK = len(f.Reasons) == 0
	return f
}

func (g *Guard) checkMemory(ctx context.Context, f *Feasibility) {
	v, err := g.cfg.VirtualMemory(ctx)
	if err != nil || v == nil || v.Total == 0 {
		if aerr := g.cfg.Allocate(g.cfg.ScratchBytes); aerr != nil {
			f.Reasons = append(f.Reasons, fmt.Sprintf("memory is unknown and a %s scratch allocation failed: %v", FormatBytes(uint64(g.cfg.ScratchBytes)), aerr))
		}
		return
	}

	f.MemoryKnown = true
	f.AvailableBytes = v.Available

	ratio := v.UsedPercent / 100
	if ratio > g.cfg.MaxUsageRatio {
		f.Reasons = append(f.Reasons, fmt.Sprintf("memory is %.0f%% used (limit %.0f%%), %s available",
			v.UsedPercent, g.cfg.MaxUsageRatio*100, FormatBytes(v.Available)))
	}
	if g.cfg.ExpectedBytes > 0 && v.Available < g.cfg.ExpectedBytes {
		f.Reasons = append(f.Reasons, fmt.Sprintf("expected recording (%s) exceeds available memory (%s)",
			FormatBytes(g.cfg.ExpectedBytes), FormatBytes(v.Available)))
	}
}

func (g *Guard) checkDisk(ctx context.Context, f *Feasibility) {
	d, err := g.cfg.DiskUsage(ctx, g.cfg.DiskPath)
	if err != nil || d == nil {
		return
	}
	f.FreeDiskBytes = d.Free

	need := g.cfg.MinFreeDiskBytes
	if 2*g.cfg.ExpectedBytes > need {
		need = 2 * g.cfg.ExpectedBytes
	}
	if d.Free < need {
		f.Reasons = append(f.Reasons, fmt.Sprintf("only %s free on %s (need %s)",
			FormatBytes(d.Free), g.cfg.DiskPath, FormatBytes(need)))
	}
}

func scratchAllocate(n int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	buf := make([]byte, n)
	for i := 0; i < len(buf); i += 4096 {
		buf[i] = 1
	}
	runtime.KeepAlive(buf)
	return nil
}

// FormatBytes renders a byte count with binary units.
func FormatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
