package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gigset/stagerec/internal/media"
)

// ArecordConfig configures the ALSA capture device.
type ArecordConfig struct {
	// Command is the capture binary (default: "arecord")
	Command string

	// Device is the ALSA PCM name (default: "default")
	Device string

	// ProbeTimeout is how long Acquire waits for the device to produce audio
	// before treating it as granted (default: 500ms)
	ProbeTimeout time.Duration
}

// Arecord captures from ALSA by running arecord and reading raw PCM from its stdout.
type Arecord struct {
	command      string
	device       string
	probeTimeout time.Duration
}

// NewArecord creates an arecord-backed device.
func NewArecord(cfg ArecordConfig) *Arecord {
	if cfg.Command == "" {
		cfg.Command = "arecord"
	}
	if cfg.Device == "" {
		cfg.Device = "default"
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 500 * time.Millisecond
	}
	return &Arecord{
		command:      cfg.Command,
		device:       cfg.Device,
		probeTimeout: cfg.ProbeTimeout,
	}
}

// Name returns the ALSA device name.
func (a *Arecord) Name() string {
	return "alsa:" + a.device
}

// Acquire starts arecord and waits until it either produces audio or fails.
func (a *Arecord) Acquire(ctx context.Context, req Request) (Stream, error) {
	path, err := exec.LookPath(a.command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found", ErrUnavailable, a.command)
	}

	format := req.Format
	if format.SampleRate == 0 {
		format = DefaultFormat
	}

	cmd := exec.Command(path,
		"-q",
		"-D", a.device,
		"-t", "raw",
		"-f", sampleFormat(format.BitsPerSample),
		"-r", strconv.Itoa(format.SampleRate),
		"-c", strconv.Itoa(format.Channels),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrUnavailable, a.command, err)
	}

	s := &arecordStream{
		cmd:    cmd,
		stdout: stdout,
		stderr: &stderr,
		format: format,
		exited: make(chan struct{}),
	}
	if !req.Continue {
		s.header = media.WAVHeader(uint32(format.SampleRate), uint16(format.Channels), uint16(format.BitsPerSample), 0xFFFFFFFF)
	}

	// Read the first bytes to prove the device is delivering audio.
	probe := make([]byte, format.BitsPerSample/8*format.Channels)
	probed := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(stdout, probe)
		probed <- err
	}()

	select {
	case err := <-probed:
		if err != nil {
			waitErr := cmd.Wait()
			return nil, classify(stderr.String(), waitErr)
		}
		s.pending = probe
	case <-time.After(a.probeTimeout):
		// Still running and silent; arecord only fails fast, so treat as granted.
		s.probe = probed
		s.pendingProbe = probe
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, ctx.Err()
	}

	return s, nil
}

func sampleFormat(bits int) string {
	switch bits {
	case 8:
		return "U8"
	case 24:
		return "S24_3LE"
	case 32:
		return "S32_LE"
	default:
		return "S16_LE"
	}
}

// classify maps arecord's failure output to the device error taxonomy.
func classify(stderr string, waitErr error) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "operation not permitted"):
		return fmt.Errorf("%w: %s", ErrDenied, msg)
	case msg == "":
		return fmt.Errorf("%w: %v", ErrUnavailable, waitErr)
	default:
		return fmt.Errorf("%w: %s", ErrUnavailable, msg)
	}
}

type arecordStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
	format Format
	header []byte

	// pending holds bytes read during Acquire; probe is set instead when the
	// probe read had not finished by the time Acquire returned.
	pending      []byte
	probe        chan error
	pendingProbe []byte

	mu       sync.Mutex
	started  bool
	stopping bool
	err      error
	exited   chan struct{}
}

func (s *arecordStream) Start(interval time.Duration) (<-chan []byte, error) {
	if interval <= 0 {
		return nil, errors.New("segment interval must be positive")
	}
	segmentSize := int(float64(s.format.ByteRate()) * interval.Seconds())
	if segmentSize <= 0 {
		segmentSize = s.format.ByteRate()
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, errors.New("stream already started")
	}
	s.started = true
	s.mu.Unlock()

	out := make(chan []byte)
	go s.run(out, segmentSize)
	return out, nil
}

func (s *arecordStream) run(out chan<- []byte, segmentSize int) {
	defer close(out)

	lead := append([]byte{}, s.header...)
	if s.probe != nil {
		if err := <-s.probe; err == nil {
			lead = append(lead, s.pendingProbe...)
		}
	} else {
		lead = append(lead, s.pending...)
	}

	for {
		buf := make([]byte, segmentSize)
		n, readErr := io.ReadFull(s.stdout, buf)
		payload := append(lead, buf[:n]...)
		lead = nil
		if len(payload) > 0 {
			out <- payload
		}
		if readErr != nil {
			break
		}
	}

	waitErr := s.cmd.Wait()
	s.mu.Lock()
	if !s.stopping {
		if waitErr == nil {
			waitErr = io.ErrUnexpectedEOF
		}
		s.err = fmt.Errorf("capture ended unexpectedly: %v: %s", waitErr, strings.TrimSpace(s.stderr.String()))
	}
	s.mu.Unlock()
	close(s.exited)
}

// Stop sends SIGINT so arecord flushes its buffer, then waits for the reader to drain.
func (s *arecordStream) Stop() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	started := s.started
	s.mu.Unlock()

	if !started {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
		return nil
	}

	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = s.cmd.Process.Kill()
	}

	select {
	case <-s.exited:
	case <-time.After(5 * time.Second):
		_ = s.cmd.Process.Kill()
	}
	return nil
}

func (s *arecordStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
