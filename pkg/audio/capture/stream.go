// Package capture owns the single microphone acquisition for a drive.
//
// A [Stream] wraps an [audio.Source] and continuously appends captured frames
// to a rolling chunk buffer. The monitoring loop calls TakeChunk on a fixed
// period to drain the buffer; recording itself never pauses, so skipped
// analysis cycles lose nothing — the retained audio is simply part of the
// next chunk. The voice pipeline taps the same stream: while an utterance is
// open, frames are additionally copied into an utterance buffer.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/calmroute/calmroute/pkg/audio"
)

// ErrNotRunning is returned by utterance operations when the stream has been
// released.
var ErrNotRunning = errors.New("capture: stream is not running")

// Stream is the shared capture pipeline for one drive. All exported methods
// are safe for concurrent use.
type Stream struct {
	source audio.Source

	mu        sync.Mutex
	running   bool
	chunk     []byte
	utterance []byte
	uttOpen   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Stream over src. Capture does not begin until Start.
func New(src audio.Source) *Stream {
	return &Stream{source: src}
}

// Start acquires the microphone and begins buffering frames. Returns an
// error when the device cannot be opened or the stream already runs.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("capture: already started")
	}
	if err := s.source.Start(ctx); err != nil {
		return fmt.Errorf("capture: acquire microphone: %w", err)
	}

	s.running = true
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.consume(s.source.Frames())
	return nil
}

// consume appends every captured frame to the chunk buffer (and, while an
// utterance is open, to the utterance buffer) until the source closes its
// frame channel or the stream is released.
func (s *Stream) consume(frames <-chan audio.Frame) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			s.mu.Lock()
			s.chunk = append(s.chunk, f.Data...)
			if s.uttOpen {
				s.utterance = append(s.utterance, f.Data...)
			}
			s.mu.Unlock()
		}
	}
}

// TakeChunk atomically returns the buffered audio since the last take and
// resets the buffer. Recording continues uninterrupted. Returns nil when
// nothing has been captured.
func (s *Stream) TakeChunk() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk := s.chunk
	s.chunk = nil
	return chunk
}

// ChunkLen reports the number of buffered chunk bytes without draining them.
func (s *Stream) ChunkLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunk)
}

// BeginUtterance opens the utterance tap. Frames captured from now on are
// also accumulated for the voice pipeline. A second Begin before End resets
// the utterance buffer.
func (s *Stream) BeginUtterance() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	s.uttOpen = true
	s.utterance = nil
	return nil
}

// EndUtterance closes the utterance tap and returns the audio captured since
// BeginUtterance. Safe to call when no utterance is open; returns nil then.
func (s *Stream) EndUtterance() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.uttOpen {
		return nil
	}
	s.uttOpen = false
	utt := s.utterance
	s.utterance = nil
	return utt
}

// Running reports whether the stream currently holds the microphone.
func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Release stops capture and gives the microphone back. Idempotent.
func (s *Stream) Release() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.uttOpen = false
	close(s.done)
	s.mu.Unlock()

	err := s.source.Stop()
	s.wg.Wait()
	return err
}
