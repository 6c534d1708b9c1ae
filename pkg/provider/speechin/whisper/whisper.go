// Package whisper provides a local speechin.Provider backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.
//
// The model is loaded once at construction and shared across calls; each
// Transcribe creates its own whisper context because contexts are not
// thread-safe.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/calmroute/calmroute/pkg/provider/speechin"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time interface assertion.
var _ speechin.Provider = (*Provider)(nil)

const defaultLanguage = "en"

// Option is a functional option for configuring a whisper Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code for transcription (e.g., "en",
// "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// Provider implements speechin.Provider using whisper.cpp Go bindings.
type Provider struct {
	model    whisperlib.Model
	language string

	// Inference is serialized. A drive has one speaker, so there is never
	// more than one utterance in flight anyway.
	mu sync.Mutex
}

// New creates a Provider that loads the whisper.cpp model from modelPath.
// The caller must call Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &Provider{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name identifies the provider in logs and metrics.
func (p *Provider) Name() string { return "whisper" }

// Close releases the whisper model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp inference over one utterance of raw 16 kHz
// mono 16-bit little-endian PCM and returns the concatenated segment text.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte) (speechin.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return speechin.Transcript{}, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if len(pcm) < 2 {
		return speechin.Transcript{}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	wctx, err := p.model.NewContext()
	if err != nil {
		return speechin.Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		return speechin.Transcript{}, fmt.Errorf("whisper: set language %q: %w", p.language, err)
	}

	if err := wctx.Process(pcmToFloat32(pcm), nil, nil, nil); err != nil {
		return speechin.Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return speechin.Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return speechin.Transcript{Text: strings.Join(parts, " ")}, nil
}

// pcmToFloat32 converts 16-bit little-endian signed PCM into the normalized
// float32 samples whisper.cpp expects.
func pcmToFloat32(pcm []byte) []float32 {
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		samples[i] = float32(s) / 32768.0
	}
	return samples
}
