// Package capture abstracts the live audio input. A Device grants exclusive
// access to an input; the resulting Stream emits already-encoded segments at
// a fixed cadence until it is stopped.
package capture

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDenied means the user or the OS refused access to the input.
	ErrDenied = errors.New("device-denied")
	// ErrUnavailable means there is no usable capture hardware.
	ErrUnavailable = errors.New("device-unavailable")
)

// Format describes the raw capture format. No noise suppression, echo
// cancellation or gain control is ever applied.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat is 48 kHz stereo 16-bit PCM.
var DefaultFormat = Format{SampleRate: 48000, Channels: 2, BitsPerSample: 16}

// ByteRate returns bytes per second of audio in this format.
func (f Format) ByteRate() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// Request asks a device for a stream.
type Request struct {
	Format Format

	// Continue is set when resuming a session: the stream must not emit a
	// container header, since the earlier segments already carry one.
	Continue bool
}

// Device grants exclusive access to a capture input.
type Device interface {
	Name() string
	Acquire(ctx context.Context, req Request) (Stream, error)
}

// Stream is an acquired input.
type Stream interface {
	// Start begins emitting one segment per interval. The returned channel is
	// closed once the stream has ended, after any tail segment.
	Start(interval time.Duration) (<-chan []byte, error)

	// Stop asks the device to flush and close. Segments still in flight are
	// delivered before the channel closes.
	Stop() error

	// Err reports why the stream ended on its own. It is nil after a clean Stop.
	Err() error
}
