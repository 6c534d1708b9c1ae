// Package speech turns intervention and voice-reply text into cabin audio.
// Synthesis routes through the per-capability provider switch; playback goes
// to the shared audio player and can be interrupted at any time.
package speech

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/calmroute/calmroute/internal/observe"
	"github.com/calmroute/calmroute/internal/resilience"
	"github.com/calmroute/calmroute/pkg/audio"
	"github.com/calmroute/calmroute/pkg/provider/speechout"
)

// Output speaks text aloud. One utterance plays at a time; starting a new
// one while another plays cuts the old one off. Safe for concurrent use.
type Output struct {
	sw      *resilience.Switch[speechout.Provider]
	player  audio.Player
	voice   string
	metrics *observe.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewOutput creates an Output. voice selects the synthesis voice; empty
// means the provider default.
func NewOutput(sw *resilience.Switch[speechout.Provider], player audio.Player, voice string, metrics *observe.Metrics) *Output {
	return &Output{sw: sw, player: player, voice: voice, metrics: metrics}
}

// Speak synthesizes text and plays it, blocking until playback finishes or
// Stop cuts it off. An interrupted playback returns nil; synthesis errors
// are returned.
func (o *Output) Speak(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}

	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
		o.player.Stop()
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()
	defer cancel()

	pcm, err := resilience.Call(ctx, o.sw, func(ctx context.Context, p speechout.Provider) ([]byte, error) {
		start := time.Now()
		out, err := p.Synthesize(ctx, text, o.voice)
		o.metrics.SpeechOutDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("provider", p.Name())))
		return out, err
	})
	if err != nil {
		return fmt.Errorf("speech: synthesize: %w", err)
	}

	if err := o.player.Play(ctx, pcm); err != nil && ctx.Err() == nil {
		return fmt.Errorf("speech: play: %w", err)
	}
	return nil
}

// Stop interrupts the current utterance. Safe to call when nothing is
// playing.
func (o *Output) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.player.Stop()
}
