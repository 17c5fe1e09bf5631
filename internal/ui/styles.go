// Package ui renders stagerec's terminal output: spinners, the live
// recording line, upload progress and interactive prompts.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Color palette
var (
	ColorPrimary = lipgloss.AdaptiveColor{Light: "#C53030", Dark: "#FC8181"}
	ColorSuccess = lipgloss.AdaptiveColor{Light: "#38A169", Dark: "#48BB78"}
	ColorWarning = lipgloss.AdaptiveColor{Light: "#D69E2E", Dark: "#F6E05E"}
	ColorError   = lipgloss.AdaptiveColor{Light: "#E53E3E", Dark: "#FC8181"}
	ColorMuted   = lipgloss.AdaptiveColor{Light: "#718096", Dark: "#A0AEC0"}
	ColorText    = lipgloss.AdaptiveColor{Light: "#1A202C", Dark: "#F7FAFC"}
	ColorBorder  = lipgloss.AdaptiveColor{Light: "#CBD5E0", Dark: "#4A5568"}
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	LabelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorMuted)

	ValueStyle = lipgloss.NewStyle().
			Foreground(ColorText)

	MutedStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	// RecStyle marks an active capture
	RecStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorError)

	// PanelStyle frames summaries
	PanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)

	BarFilled = lipgloss.NewStyle().Foreground(ColorSuccess)
	BarEmpty  = lipgloss.NewStyle().Foreground(ColorMuted)
)

// IsTTY returns true if stdout is a terminal
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// IsInteractive reports whether stdin and stdout are both terminals, which
// prompts require.
func IsInteractive() bool {
	return IsTTY() && term.IsTerminal(int(os.Stdin.Fd()))
}

// Hyperlink makes text open url in terminals that support OSC 8. When
// stdout is not a terminal the plain url is returned.
func Hyperlink(url, text string) string {
	if !IsTTY() {
		return url
	}
	return fmt.Sprintf("\x1b]8;;%s\x07%s\x1b]8;;\x07", url, text)
}

// Bar renders a fraction in [0, 1] as a fixed-width bar.
func Bar(fraction float64, width int) string {
	if width <= 0 {
		width = 20
	}
	fraction = max(0, min(fraction, 1))
	filled := min(int(fraction*float64(width)), width)
	return BarFilled.Render(strings.Repeat("█", filled)) + BarEmpty.Render(strings.Repeat("░", width-filled))
}

// FormatKeyValue formats a key-value pair
func FormatKeyValue(key, value string) string {
	return LabelStyle.Render(key+":") + " " + ValueStyle.Render(value)
}
