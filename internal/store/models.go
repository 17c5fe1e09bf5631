// Package store provides the restart-surviving local storage for capture
// sessions: the segment log, the one-shot backup of each finished recording,
// and the singleton session marker. All three live in one SQLite file.
package store

import (
	"fmt"
	"time"
)

// MarkerStatus is the phase a session was in when the marker was last written.
type MarkerStatus string

const (
	// MarkerRecording means capture was live; a restart should resume it.
	MarkerRecording MarkerStatus = "recording"
	// MarkerProcessing means capture had stopped and the recording was being
	// finalized or uploaded.
	MarkerProcessing MarkerStatus = "processing"
)

// Marker records the one session that is currently in progress on this device.
type Marker struct {
	SessionID string
	Title     string
	StartedAt time.Time
	Status    MarkerStatus
}

// Segment is one slice of captured audio, appended roughly once per second.
type Segment struct {
	SessionID  string
	Seq        int64
	CapturedAt time.Time
	Payload    []byte
}

// ID returns the segment identifier: session id plus sequence number.
func (s Segment) ID() string {
	return fmt.Sprintf("%s-%d", s.SessionID, s.Seq)
}

// Backup is the fully assembled recording kept until the server confirms it.
type Backup struct {
	SessionID     string
	Payload       []byte
	Duration      time.Duration
	AttributionID string
	CreatedAt     time.Time
}

// BackupInfo describes a stored backup without loading its payload.
type BackupInfo struct {
	SessionID string
	Size      int64
	Duration  time.Duration
	CreatedAt time.Time
}
