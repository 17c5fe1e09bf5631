package session

import "fmt"

// State is a phase of the capture-and-deliver lifecycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingDevice
	StateRecording
	StateStopping
	StateFinalizing
	StateUploading
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingDevice:
		return "awaiting-device"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateFinalizing:
		return "finalizing"
	case StateUploading:
		return "uploading"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists every allowed state change.
var transitions = map[State][]State{
	StateIdle: {
		StateAwaitingDevice,
		StateFinalizing, // resume of an interrupted finalize
		StateFailed,     // resume found a backup waiting for upload
		StateUploading,  // upload of a stored backup
	},
	StateAwaitingDevice: {StateRecording, StateIdle},
	StateRecording:      {StateStopping, StateFailed},
	StateStopping:       {StateFinalizing, StateIdle},
	StateFinalizing:     {StateUploading, StateFailed},
	StateUploading:      {StateComplete, StateFailed},
	StateComplete:       {StateAwaitingDevice, StateUploading, StateIdle},
	StateFailed:         {StateAwaitingDevice, StateUploading, StateIdle},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// accepting reports whether a new session may start from s.
func (s State) accepting() bool {
	return s == StateIdle || s == StateComplete || s == StateFailed
}
