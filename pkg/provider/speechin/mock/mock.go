// Package mock provides a scripted speechin.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/calmroute/calmroute/pkg/provider/speechin"
)

// Compile-time interface assertion.
var _ speechin.Provider = (*Provider)(nil)

// Call records one Transcribe invocation.
type Call struct {
	PCM []byte
}

// Result scripts the outcome of one Transcribe call.
type Result struct {
	Transcript speechin.Transcript
	Err        error
}

// Provider implements speechin.Provider with a fixed script of results.
// Results are consumed in order; once exhausted, the last result repeats.
type Provider struct {
	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string
	// Results is the script. Empty means every call returns a zero
	// Transcript and nil error.
	Results []Result

	mu    sync.Mutex
	calls []Call
	next  int
}

func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

func (p *Provider) Transcribe(_ context.Context, pcm []byte) (speechin.Transcript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.calls = append(p.calls, Call{PCM: cp})

	if len(p.Results) == 0 {
		return speechin.Transcript{}, nil
	}
	r := p.Results[min(p.next, len(p.Results)-1)]
	p.next++
	return r.Transcript, r.Err
}

// Calls returns the recorded Transcribe invocations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}
