package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// ExecSource captures microphone audio by spawning a recorder subprocess
// (arecord on Linux, sox's rec elsewhere) and reading raw PCM from its
// stdout. It implements [Source].
type ExecSource struct {
	command string
	args    []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	frames  chan Frame
	done    chan struct{}
	running bool
}

// Compile-time interface assertion.
var _ Source = (*ExecSource)(nil)

// ExecOption is a functional option for configuring an ExecSource.
type ExecOption func(*ExecSource)

// WithCommand overrides the recorder command and its arguments. The command
// must write little-endian 16-bit mono PCM at 16 kHz to stdout.
func WithCommand(command string, args ...string) ExecOption {
	return func(s *ExecSource) {
		s.command = command
		s.args = args
	}
}

// NewExecSource creates a source that records via an external process.
// The default command is arecord producing raw 16 kHz mono S16_LE.
func NewExecSource(opts ...ExecOption) *ExecSource {
	s := &ExecSource{
		command: "arecord",
		args: []string{
			"-q",
			"-f", "S16_LE",
			"-r", fmt.Sprint(SampleRate),
			"-c", fmt.Sprint(Channels),
			"-t", "raw",
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start spawns the recorder process and begins emitting frames.
func (s *ExecSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("audio: capture already running")
	}

	cmd := exec.CommandContext(ctx, s.command, s.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("audio: recorder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("audio: start recorder %q: %w", s.command, err)
	}

	frames := make(chan Frame, 64)
	done := make(chan struct{})
	s.cmd = cmd
	s.frames = frames
	s.done = done
	s.running = true

	go s.readLoop(stdout, frames, done)
	return nil
}

// readLoop reads fixed-size frames from the recorder until it exits or Stop
// closes done. The send must watch done too: with no consumer left and the
// buffer full it would otherwise block past Stop.
func (s *ExecSource) readLoop(r io.Reader, frames chan<- Frame, done <-chan struct{}) {
	defer close(frames)

	start := time.Now()
	buf := make([]byte, FrameBytes)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Debug("audio: recorder read ended", "err", err)
			}
			return
		}
		data := make([]byte, FrameBytes)
		copy(data, buf)
		select {
		case frames <- Frame{Data: data, Timestamp: time.Since(start)}:
		case <-done:
			return
		}
	}
}

// Frames returns the captured frame channel. Nil before Start.
func (s *ExecSource) Frames() <-chan Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Stop kills the recorder process and releases the device. Idempotent.
func (s *ExecSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	close(s.done)
	s.done = nil
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.cmd = nil
	return nil
}
