package audio

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
)

// ExecPlayer plays raw PCM by piping it to an external playback process
// (aplay on Linux). It implements [Player]. Only one playback runs at a
// time; a second Play call waits for the first to finish or be stopped.
type ExecPlayer struct {
	command string
	args    []string

	mu  sync.Mutex
	cmd *exec.Cmd
}

// Compile-time interface assertion.
var _ Player = (*ExecPlayer)(nil)

// PlayerOption is a functional option for configuring an ExecPlayer.
type PlayerOption func(*ExecPlayer)

// WithPlayerCommand overrides the playback command and its arguments. The
// command must read little-endian 16-bit mono PCM at 16 kHz from stdin.
func WithPlayerCommand(command string, args ...string) PlayerOption {
	return func(p *ExecPlayer) {
		p.command = command
		p.args = args
	}
}

// NewExecPlayer creates a player that plays via an external process.
// The default command is aplay consuming raw 16 kHz mono S16_LE.
func NewExecPlayer(opts ...PlayerOption) *ExecPlayer {
	p := &ExecPlayer{
		command: "aplay",
		args: []string{
			"-q",
			"-f", "S16_LE",
			"-r", fmt.Sprint(SampleRate),
			"-c", fmt.Sprint(Channels),
			"-t", "raw",
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Play pipes pcm to the playback process and blocks until it finishes,
// Stop is called, or ctx is cancelled.
func (p *ExecPlayer) Play(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}

	p.mu.Lock()
	if p.cmd != nil {
		// A previous playback is still registered; stop it first.
		p.stopLocked()
	}
	cmd := exec.CommandContext(ctx, p.command, p.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("audio: player stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("audio: start player %q: %w", p.command, err)
	}
	p.cmd = cmd
	p.mu.Unlock()

	_, writeErr := stdin.Write(pcm)
	_ = stdin.Close()
	_ = cmd.Wait()

	p.mu.Lock()
	// If Stop ran while we were writing, p.cmd no longer points at cmd and
	// the write error is just the killed pipe.
	stopped := p.cmd != cmd
	if !stopped {
		p.cmd = nil
	}
	p.mu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if stopped {
		return nil
	}
	if writeErr != nil {
		return fmt.Errorf("audio: write to player: %w", writeErr)
	}
	return nil
}

// Stop halts any in-progress playback. Safe to call when nothing is playing.
func (p *ExecPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// stopLocked kills the current playback process. Must hold p.mu.
func (p *ExecPlayer) stopLocked() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	p.cmd = nil
}
