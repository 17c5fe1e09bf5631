package ui

import (
	"strings"
	"time"
)

// Summary describes a finished session.
type Summary struct {
	Title       string
	SessionID   string
	Duration    time.Duration
	Bytes       int64
	Mode        string
	RecordingID string
	URL         string
}

// RenderSummary draws the session summary panel.
func RenderSummary(s Summary) string {
	var lines []string
	title := s.Title
	if title == "" {
		title = "Untitled recording"
	}
	lines = append(lines, TitleStyle.Render(title), "")
	lines = append(lines, FormatKeyValue("Session", s.SessionID))
	lines = append(lines, FormatKeyValue("Length", FormatClock(s.Duration)))
	lines = append(lines, FormatKeyValue("Size", FormatBytes(s.Bytes)))
	if s.Mode != "" {
		lines = append(lines, FormatKeyValue("Transfer", s.Mode))
	}
	if s.RecordingID != "" {
		lines = append(lines, FormatKeyValue("Recording", s.RecordingID))
	}
	if s.URL != "" {
		lines = append(lines, "", Hyperlink(s.URL, s.URL))
	}
	return PanelStyle.Render(strings.Join(lines, "\n"))
}
