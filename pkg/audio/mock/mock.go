// Package mock provides scripted audio sources and players for tests.
package mock

import (
	"context"
	"sync"

	"github.com/calmroute/calmroute/pkg/audio"
)

// Source emits a fixed script of frames and then keeps its channel open
// until Stop. It implements [audio.Source].
type Source struct {
	// Script holds the frames to emit, in order.
	Script []audio.Frame
	// StartErr, when set, is returned by Start.
	StartErr error

	mu      sync.Mutex
	frames  chan audio.Frame
	started bool
	stopped bool
}

var _ audio.Source = (*Source)(nil)

func (s *Source) Start(ctx context.Context) error {
	if s.StartErr != nil {
		return s.StartErr
	}
	s.mu.Lock()
	s.started = true
	s.frames = make(chan audio.Frame, len(s.Script))
	for _, f := range s.Script {
		s.frames <- f
	}
	s.mu.Unlock()
	return nil
}

func (s *Source) Frames() <-chan audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Emit pushes an extra frame after Start, for tests that drive capture
// incrementally.
func (s *Source) Emit(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames != nil && !s.stopped {
		s.frames <- f
	}
}

func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.frames != nil {
		close(s.frames)
	}
	return nil
}

// Started reports whether Start was called.
func (s *Source) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Stopped reports whether Stop was called.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Player records everything played through it. It implements [audio.Player].
type Player struct {
	// PlayErr, when set, is returned by Play.
	PlayErr error
	// Block, when set, makes Play wait for ctx cancellation or Stop.
	Block bool

	mu      sync.Mutex
	played  [][]byte
	stops   int
	release chan struct{}
}

var _ audio.Player = (*Player)(nil)

func (p *Player) Play(ctx context.Context, pcm []byte) error {
	if p.PlayErr != nil {
		return p.PlayErr
	}
	p.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.played = append(p.played, cp)
	var release chan struct{}
	if p.Block {
		release = make(chan struct{})
		p.release = release
	}
	p.mu.Unlock()

	if release != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
		}
	}
	return nil
}

func (p *Player) Stop() {
	p.mu.Lock()
	p.stops++
	if p.release != nil {
		close(p.release)
		p.release = nil
	}
	p.mu.Unlock()
}

// Played returns the payloads passed to Play.
func (p *Player) Played() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.played))
	copy(out, p.played)
	return out
}

// Stops returns how many times Stop was called.
func (p *Player) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}
