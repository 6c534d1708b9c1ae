// Package speechout defines the Provider interface for speech synthesis
// backends.
//
// Interventions and voice replies are short single sentences, so synthesis
// is one call per utterance returning a complete PCM clip. Playback and
// interruption are handled by the caller; a provider only renders audio.
//
// Implementations must be safe for concurrent use.
package speechout

import (
	"context"
	"errors"
)

// ErrNotProvisioned reports that the remote service rejected the request
// because the account has no synthesis capability provisioned. This failure
// is terminal for the provider: callers should switch to a local voice and
// not route to the remote one again.
var ErrNotProvisioned = errors.New("speechout: capability not provisioned")

// Provider is the abstraction over any speech synthesis backend.
type Provider interface {
	// Synthesize renders text as raw 16 kHz mono 16-bit little-endian PCM.
	// voice selects a provider-specific voice; an empty string uses the
	// provider default.
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)

	// Name identifies the provider in logs and metrics.
	Name() string
}
