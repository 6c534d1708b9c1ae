// Package speechin defines the Provider interface for speech recognition
// backends.
//
// A recognizer takes one complete utterance of raw PCM audio and returns its
// transcript. The cabin records an utterance between two voice-button
// presses, so recognition is a one-shot call rather than a stream; partial
// results have no consumer while driving.
//
// Implementations must be safe for concurrent use.
package speechin

import (
	"context"
	"errors"
)

// ErrNotProvisioned reports that the remote service rejected the request
// because the account has no speech capability provisioned. This failure is
// terminal for the provider: callers should switch to a local recognizer and
// not route to the remote one again.
var ErrNotProvisioned = errors.New("speechin: capability not provisioned")

// Transcript is the recognition result for one utterance.
type Transcript struct {
	// Text is the recognized speech content. Empty when nothing intelligible
	// was found in the audio.
	Text string

	// Confidence is the overall confidence score (0.0 to 1.0). Zero when the
	// provider does not report confidence.
	Confidence float64
}

// Provider is the abstraction over any speech recognition backend.
type Provider interface {
	// Transcribe recognizes one utterance of raw 16 kHz mono 16-bit
	// little-endian PCM. An empty Transcript.Text with a nil error means the
	// audio contained no recognizable speech.
	Transcribe(ctx context.Context, pcm []byte) (Transcript, error)

	// Name identifies the provider in logs and metrics.
	Name() string
}
