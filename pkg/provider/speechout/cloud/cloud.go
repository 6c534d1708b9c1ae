// Package cloud provides a speechout.Provider backed by the remote speech
// service's synthesis API. Each utterance is one POST /api/speech/synthesize
// call returning a WAV clip, which is unwrapped and resampled to the cabin's
// 16 kHz mono format.
//
// A 503 response means the account has no synthesis provisioned; it is
// reported as speechout.ErrNotProvisioned so callers can downgrade to a
// local voice permanently.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/calmroute/calmroute/pkg/audio"
	"github.com/calmroute/calmroute/pkg/provider/speechout"
)

// Compile-time interface assertion.
var _ speechout.Provider = (*Provider)(nil)

const (
	defaultTimeout     = 15 * time.Second
	synthesizeEndpoint = "/api/speech/synthesize"
)

// Option is a functional option for configuring a cloud Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Defaults to 15 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client, for connection pooling shared with
// other backend calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements speechout.Provider against the remote speech service.
// Safe for concurrent use.
type Provider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Provider targeting the speech service at baseURL.
func New(baseURL, apiKey string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("cloud: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name identifies the provider in logs and metrics.
func (p *Provider) Name() string { return "cloud" }

// synthesizeRequest is the JSON body sent to POST /api/speech/synthesize.
type synthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// Synthesize renders text to 16 kHz mono PCM via the remote service.
func (p *Provider) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	data, err := json.Marshal(synthesizeRequest{Text: text, Voice: voice})
	if err != nil {
		return nil, fmt.Errorf("cloud: marshal synthesize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+synthesizeEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("cloud: create synthesize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloud: POST %s: %w", synthesizeEndpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		io.Copy(io.Discard, resp.Body)
		return nil, speechout.ErrNotProvisioned
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("cloud: POST %s returned status %d", synthesizeEndpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cloud: read WAV response: %w", err)
	}
	pcm, info, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("cloud: %w", err)
	}
	if info.Channels != 1 {
		return nil, fmt.Errorf("cloud: unexpected channel count %d in synthesized audio", info.Channels)
	}
	return audio.ResampleMono16(pcm, info.SampleRate, audio.SampleRate), nil
}
