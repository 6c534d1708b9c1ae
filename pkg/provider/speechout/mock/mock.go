// Package mock provides a scripted speechout.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/calmroute/calmroute/pkg/provider/speechout"
)

// Compile-time interface assertion.
var _ speechout.Provider = (*Provider)(nil)

// Call records one Synthesize invocation.
type Call struct {
	Text  string
	Voice string
}

// Provider implements speechout.Provider with fixed output.
type Provider struct {
	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string
	// PCM is returned by every successful Synthesize call. When nil, a
	// single silent frame is returned.
	PCM []byte
	// Err, when set, is returned by every Synthesize call.
	Err error

	mu    sync.Mutex
	calls []Call
}

func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

func (p *Provider) Synthesize(_ context.Context, text, voice string) ([]byte, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Text: text, Voice: voice})
	p.mu.Unlock()

	if p.Err != nil {
		return nil, p.Err
	}
	if p.PCM == nil {
		return make([]byte, 640), nil
	}
	return p.PCM, nil
}

// Calls returns the recorded Synthesize invocations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}
