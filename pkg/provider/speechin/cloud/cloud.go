// Package cloud provides a speechin.Provider backed by the remote speech
// service's transcription API. Recognition is a single multipart upload per
// utterance: the recorded PCM is wrapped in a WAV container and posted to
// /api/speech/transcribe.
//
// A 503 response means the account has no speech recognition provisioned;
// it is reported as speechin.ErrNotProvisioned so callers can downgrade to a
// local recognizer permanently.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/calmroute/calmroute/pkg/audio"
	"github.com/calmroute/calmroute/pkg/provider/speechin"
)

// Compile-time interface assertion.
var _ speechin.Provider = (*Provider)(nil)

const (
	defaultTimeout     = 15 * time.Second
	transcribeEndpoint = "/api/speech/transcribe"
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

// Provider implements speechin.Provider against the remote speech service.
// Safe for concurrent use.
type Provider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Provider targeting the speech service at baseURL. apiKey may
// be empty when the service is fronted by the session backend.
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

// transcribeResponse is the JSON body returned by POST /api/speech/transcribe.
type transcribeResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Transcribe uploads one utterance of raw PCM as a WAV file and returns the
// recognized transcript.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte) (speechin.Transcript, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return speechin.Transcript{}, fmt.Errorf("cloud: create form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(pcm)); err != nil {
		return speechin.Transcript{}, fmt.Errorf("cloud: write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return speechin.Transcript{}, fmt.Errorf("cloud: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+transcribeEndpoint, &body)
	if err != nil {
		return speechin.Transcript{}, fmt.Errorf("cloud: create transcribe request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return speechin.Transcript{}, fmt.Errorf("cloud: POST %s: %w", transcribeEndpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		io.Copy(io.Discard, resp.Body)
		return speechin.Transcript{}, speechin.ErrNotProvisioned
	case resp.StatusCode != http.StatusOK:
		return speechin.Transcript{}, fmt.Errorf("cloud: POST %s returned status %d", transcribeEndpoint, resp.StatusCode)
	}

	var tr transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return speechin.Transcript{}, fmt.Errorf("cloud: decode transcribe response: %w", err)
	}
	return speechin.Transcript{
		Text:       strings.TrimSpace(tr.Text),
		Confidence: tr.Confidence,
	}, nil
}
