// Package piper provides a local speechout.Provider backed by a Piper TTS
// HTTP server. Piper runs fully on-device, so it stays available when the
// remote speech service is unreachable or not provisioned.
//
// Synthesis is one GET / request per utterance with the text in a query
// parameter, the way the piper http_server serves it. The WAV response is
// unwrapped and resampled to the cabin's 16 kHz mono format.
package piper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/calmroute/calmroute/pkg/audio"
	"github.com/calmroute/calmroute/pkg/provider/speechout"
)

// Compile-time interface assertion.
var _ speechout.Provider = (*Provider)(nil)

const defaultTimeout = 30 * time.Second

// Option is a functional option for configuring a piper Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s: local
// synthesis on cabin hardware can be slow for long sentences.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// Provider implements speechout.Provider against a local Piper server.
// Safe for concurrent use.
type Provider struct {
	serverURL  string
	httpClient *http.Client
}

// New creates a Provider targeting the Piper server at serverURL
// (e.g., "http://localhost:5000").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("piper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name identifies the provider in logs and metrics.
func (p *Provider) Name() string { return "piper" }

// Synthesize renders text to 16 kHz mono PCM via the local Piper server.
// The voice argument selects a speaker for multi-speaker models; empty uses
// the model default.
func (p *Provider) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	params := url.Values{}
	params.Set("text", text)
	if voice != "" {
		params.Set("speaker", voice)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+"/?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("piper: create synthesize request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("piper: GET /: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("piper: GET / returned status %d", resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("piper: read WAV response: %w", err)
	}
	pcm, info, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("piper: %w", err)
	}
	if info.Channels != 1 {
		return nil, fmt.Errorf("piper: unexpected channel count %d in synthesized audio", info.Channels)
	}
	return audio.ResampleMono16(pcm, info.SampleRate, audio.SampleRate), nil
}
