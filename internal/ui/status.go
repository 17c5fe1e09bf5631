package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/gigset/stagerec/internal/upload"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner animates a one-line status while a blocking step runs, such as
// waiting for the input device or writing the backup.
type Spinner struct {
	mu        sync.Mutex
	writer    io.Writer
	message   string
	detail    string
	running   bool
	done      chan struct{}
	stopped   chan struct{}
	startTime time.Time
}

// NewSpinner creates a spinner writing to w (default: stdout)
func NewSpinner(w io.Writer) *Spinner {
	if w == nil {
		w = os.Stdout
	}
	return &Spinner{writer: w}
}

// Start begins the animation with a message
func (s *Spinner) Start(message string) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.message = message
	s.detail = ""
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	s.startTime = time.Now()
	s.mu.Unlock()

	go s.animate()
}

// UpdateDetail sets text shown after the message
func (s *Spinner) UpdateDetail(detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detail = detail
}

// Stop ends the animation and prints finalMessage if it is not empty.
func (s *Spinner) Stop(finalMessage string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()
	<-stopped

	clearLine(s.writer)
	if finalMessage != "" {
		fmt.Fprintln(s.writer, finalMessage)
	}
}

// Success stops with a green checkmark
func (s *Spinner) Success(message string) {
	s.Stop(color.GreenString("✓") + " " + message)
}

// Fail stops with a red X
func (s *Spinner) Fail(message string) {
	s.Stop(color.RedString("✗") + " " + message)
}

func (s *Spinner) animate() {
	defer close(s.stopped)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			line := color.CyanString(spinnerFrames[i%len(spinnerFrames)]) + " " + s.message
			if s.detail != "" {
				line += color.HiBlackString(" %s", s.detail)
			}
			if elapsed := time.Since(s.startTime); elapsed > time.Second {
				line += color.HiBlackString(" (%s)", formatDuration(elapsed))
			}
			s.mu.Unlock()

			clearLine(s.writer)
			fmt.Fprint(s.writer, line)
		}
	}
}

func clearLine(w io.Writer) {
	fmt.Fprint(w, "\r\033[K")
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

// StatusLine prints one-line status messages without animation
type StatusLine struct {
	writer io.Writer
}

// NewStatusLine creates a status line writer (default: stdout)
func NewStatusLine(w io.Writer) *StatusLine {
	if w == nil {
		w = os.Stdout
	}
	return &StatusLine{writer: w}
}

// Success prints a success status
func (sl *StatusLine) Success(message string) {
	fmt.Fprintf(sl.writer, "%s %s\n", color.GreenString("✓"), message)
}

// Fail prints a failure status
func (sl *StatusLine) Fail(message string) {
	fmt.Fprintf(sl.writer, "%s %s\n", color.RedString("✗"), message)
}

// Warning prints a warning status
func (sl *StatusLine) Warning(message string) {
	fmt.Fprintf(sl.writer, "%s %s\n", color.YellowString("⚠"), message)
}

// Info prints an info status
func (sl *StatusLine) Info(message string) {
	fmt.Fprintf(sl.writer, "%s %s\n", color.BlueString("ℹ"), message)
}

// Step prints a numbered step, e.g. "[2/3] Uploading".
func (sl *StatusLine) Step(current, total int, message string) {
	progress := color.HiBlackString("[%d/%d]", current, total)
	fmt.Fprintf(sl.writer, "%s %s %s\n", color.CyanString("▸"), progress, message)
}

// LiveLine redraws a single line in place on a terminal. Off a terminal
// each distinct line is printed once.
type LiveLine struct {
	mu     sync.Mutex
	writer io.Writer
	tty    bool
	last   string
}

// NewLiveLine creates a live line on w
func NewLiveLine(w io.Writer, tty bool) *LiveLine {
	return &LiveLine{writer: w, tty: tty}
}

// Set replaces the line's content
func (l *LiveLine) Set(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s == l.last {
		return
	}
	l.last = s
	if l.tty {
		clearLine(l.writer)
		fmt.Fprint(l.writer, s)
		return
	}
	fmt.Fprintln(l.writer, s)
}

// Done ends the line so later output starts on a fresh one.
func (l *LiveLine) Done() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tty && l.last != "" {
		fmt.Fprintln(l.writer)
	}
	l.last = ""
}

// RecordingView is what the live recording line shows.
type RecordingView struct {
	Title    string
	Elapsed  time.Duration
	Bytes    int64
	Resumed  bool
	Degraded bool
}

// RecordingLine renders the live capture line, e.g.
// "● REC 01:02:03  Late show  118.5 MB  resumed".
func RecordingLine(v RecordingView) string {
	parts := []string{RecStyle.Render("● REC"), FormatClock(v.Elapsed)}
	if v.Title != "" {
		parts = append(parts, v.Title)
	}
	parts = append(parts, MutedStyle.Render(FormatBytes(v.Bytes)))
	if v.Resumed {
		parts = append(parts, MutedStyle.Render("resumed"))
	}
	if v.Degraded {
		parts = append(parts, WarningStyle.Render("⚠ not saving to disk"))
	}
	return strings.Join(parts, "  ")
}

// UploadLine renders transfer progress, e.g.
// "▸ Uploading [██████░░░░] 60%  chunk 3/5".
func UploadLine(p upload.Progress, width int) string {
	f := p.Fraction()
	line := fmt.Sprintf("%s Uploading %s %d%%", color.CyanString("▸"), Bar(f, width), int(f*100))
	if p.Mode == upload.ModeChunked && p.ChunksTotal > 0 {
		line += MutedStyle.Render(fmt.Sprintf("  chunk %d/%d", p.ChunksAcked, p.ChunksTotal))
	} else if p.BytesTotal > 0 {
		line += MutedStyle.Render(fmt.Sprintf("  %s / %s", FormatBytes(p.BytesSent), FormatBytes(p.BytesTotal)))
	}
	return line
}

// FormatClock formats d as HH:MM:SS.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, s/60%60, s%60)
}

// FormatBytes formats bytes into a human-readable string
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
