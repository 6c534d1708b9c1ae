// Package audio provides the microphone capture abstraction and the PCM
// helpers used by the in-drive monitoring engine: frame types, RMS energy
// measurement, Opus packing of analysis chunks, and audio playback.
package audio

import (
	"context"
	"time"
)

// Capture and playback both run at 16 kHz mono 16-bit PCM, the format the
// speech providers and the stress-analysis service expect.
const (
	SampleRate = 16000
	Channels   = 1

	// FrameDuration is the length of a single captured frame.
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of samples per channel per frame.
	FrameSamples = SampleRate * 20 / 1000 // 320

	// FrameBytes is the byte length of one 16-bit mono frame.
	FrameBytes = FrameSamples * 2
)

// Frame is a single frame of captured audio.
type Frame struct {
	// Data is little-endian 16-bit mono PCM.
	Data []byte

	// Timestamp marks when the frame was captured, relative to source start.
	Timestamp time.Duration
}

// Source captures audio from a microphone or other input device.
// Implementations must be safe for concurrent use.
type Source interface {
	// Start begins capture. Frames become available on the Frames channel.
	// Returns an error if the device cannot be opened (e.g. permission
	// denied) or capture is already running.
	Start(ctx context.Context) error

	// Frames returns the channel of captured frames. The channel is closed
	// when the source stops.
	Frames() <-chan Frame

	// Stop halts capture and releases the device. Safe to call multiple
	// times and safe to call when capture never started.
	Stop() error
}

// Player plays raw PCM audio aloud. Implementations must be safe for
// concurrent use; Stop may race with Play.
type Player interface {
	// Play blocks until the audio has finished playing, Stop is called, or
	// ctx is cancelled.
	Play(ctx context.Context, pcm []byte) error

	// Stop halts any in-progress playback. Safe to call when nothing is
	// playing.
	Stop()
}
