package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/calmroute/calmroute/internal/arbiter"
	"github.com/calmroute/calmroute/internal/backend"
	"github.com/calmroute/calmroute/internal/drive"
	"github.com/calmroute/calmroute/internal/events"
	"github.com/calmroute/calmroute/internal/observe"
	"github.com/calmroute/calmroute/internal/resilience"
	"github.com/calmroute/calmroute/pkg/audio/capture"
	"github.com/calmroute/calmroute/pkg/provider/speechin"
)

// commandContext tags every dispatch as issued mid-drive.
const commandContext = "DURING_DRIVE"

// pullOverScript is spoken when the backend asks for a safe spot but sends
// no intervention content of its own.
const pullOverScript = "Let's find a safe place to stop. Watch for a rest area, parking lot, or wide shoulder ahead, and pull over when it is safe to do so."

// pullOverSteps is the step-by-step guidance shown with the fallback
// pull-over intervention.
var pullOverSteps = []string{
	"Signal and move to the right lane",
	"Look for a safe spot, such as a parking lot or wide shoulder",
	"Turn on your hazard lights",
	"Put the car in park and take your time",
}

// Command outcomes recorded on the voice command counter.
const (
	statusHandled  = "handled"
	statusDropped  = "dropped"
	statusFiltered = "filtered"
	statusError    = "error"
)

// State is the pipeline's position in one command round trip.
type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateDispatching  State = "dispatching"
)

// Backend is the subset of the backend client the pipeline needs.
type Backend interface {
	VoiceCommand(ctx context.Context, req backend.VoiceCommandRequest) (drive.VoiceCommandResult, error)
}

// Submitter offers an intervention for the foreground.
type Submitter interface {
	Submit(ctx context.Context, iv drive.Intervention) bool
}

// Speaker plays a spoken reply.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Pipeline runs one voice command at a time: capture an utterance, transcribe
// it, have the backend classify it, act on the result. Toggle drives the whole
// state machine; everything after the second toggle runs in the background and
// never surfaces errors to the driver.
type Pipeline struct {
	stream    *capture.Stream
	gate      *arbiter.Gate
	sw        *resilience.Switch[speechin.Provider]
	filter    *Filter
	backend   Backend
	sub       Submitter
	speaker   Speaker
	onDebrief func(context.Context)
	bus       *events.Bus
	metrics   *observe.Metrics
	driveID   string
	trip      drive.Trip

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	offered *drive.RerouteOffer
	wg      sync.WaitGroup
}

// New creates a Pipeline. onDebrief is invoked when the backend classifies a
// command as the end-of-drive debrief; it may be nil.
func New(stream *capture.Stream, gate *arbiter.Gate, sw *resilience.Switch[speechin.Provider], filter *Filter, be Backend, sub Submitter, speaker Speaker, onDebrief func(context.Context), bus *events.Bus, metrics *observe.Metrics, driveID string, trip drive.Trip) *Pipeline {
	return &Pipeline{
		stream:    stream,
		gate:      gate,
		sw:        sw,
		filter:    filter,
		backend:   be,
		sub:       sub,
		speaker:   speaker,
		onDebrief: onDebrief,
		bus:       bus,
		metrics:   metrics,
		driveID:   driveID,
		trip:      trip,
		state:     StateIdle,
	}
}

// State reports where the pipeline is in the current round trip.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OfferedReroute returns the reroute the last FIND_ROUTE command surfaced,
// or nil. The offer rides alongside normal driving, not inside an
// intervention.
func (p *Pipeline) OfferedReroute() *drive.RerouteOffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offered == nil {
		return nil
	}
	offer := *p.offered
	return &offer
}

// Toggle is the push-to-talk control. From idle it claims the voice slot and
// starts recording; from listening it stops recording and processes the
// utterance in the background. Toggling while a command is still being
// processed is ignored.
func (p *Pipeline) Toggle(ctx context.Context) {
	log := observe.Logger(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateIdle:
		if !p.gate.TryBeginVoice() {
			log.Debug("voice toggle refused, foreground busy", "gate", string(p.gate.State()))
			return
		}
		if err := p.stream.BeginUtterance(); err != nil {
			p.gate.EndVoice()
			log.Warn("voice capture unavailable", "error", err)
			return
		}
		p.state = StateListening
		log.Debug("voice capture started")

	case StateListening:
		pcm := p.stream.EndUtterance()
		p.state = StateTranscribing

		ctx, cancel := context.WithCancel(ctx)
		p.cancel = cancel
		p.wg.Add(1)
		go p.process(ctx, pcm)

	default:
		log.Debug("voice toggle ignored, command in flight", "state", string(p.state))
	}
}

// Stop aborts any in-flight command and releases the voice slot. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	listening := p.state == StateListening
	if listening {
		p.state = StateIdle
	}
	p.mu.Unlock()

	if listening {
		p.stream.EndUtterance()
		p.gate.EndVoice()
	}
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// process carries one utterance from PCM to a dispatched action. It owns the
// voice slot and always releases it, even when the arbiter has converted the
// slot into a visible intervention (EndVoice is then a no-op). The spoken
// reply plays after the slot is released so monitoring is not held up by
// playback.
func (p *Pipeline) process(ctx context.Context, pcm []byte) {
	defer p.wg.Done()

	say := p.run(ctx, pcm)
	if say != "" && ctx.Err() == nil {
		if err := p.speaker.Speak(ctx, say); err != nil {
			observe.Logger(ctx).Warn("voice reply playback failed", "error", err)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, pcm []byte) (say string) {
	log := observe.Logger(ctx)

	defer func() {
		p.mu.Lock()
		p.state = StateIdle
		p.mu.Unlock()
		p.gate.EndVoice()
	}()

	if len(pcm) == 0 {
		return ""
	}

	tr, err := resilience.Call(ctx, p.sw, func(ctx context.Context, prov speechin.Provider) (speechin.Transcript, error) {
		start := time.Now()
		out, err := prov.Transcribe(ctx, pcm)
		p.metrics.SpeechInDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("provider", prov.Name())))
		return out, err
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warn("transcription failed", "error", err)
		}
		p.metrics.RecordVoiceCommand(ctx, "unknown", statusError)
		return ""
	}

	text := strings.TrimSpace(tr.Text)
	if !p.filter.Plausible(text) {
		log.Debug("transcript dropped by prefilter", "transcript", text)
		p.metrics.RecordVoiceCommand(ctx, "unknown", statusFiltered)
		p.bus.Publish(events.Event{
			Type:    events.TypeVoiceCommandDropped,
			DriveID: p.driveID,
			Payload: map[string]string{"transcript": text, "reason": "prefilter"},
		})
		return ""
	}

	p.setState(StateDispatching)

	start := time.Now()
	res, err := p.backend.VoiceCommand(ctx, backend.VoiceCommandRequest{
		UserID:                p.trip.UserID,
		DriveID:               p.driveID,
		Transcript:            text,
		Context:               commandContext,
		CurrentLocation:       p.trip.CurrentLocation,
		Destination:           p.trip.Destination,
		CurrentRouteCalmScore: p.trip.CurrentRouteCalmScore,
	})
	p.metrics.BackendDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("kind", "voice")))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warn("voice command classification failed", "error", err)
		}
		p.metrics.RecordVoiceCommand(ctx, "unknown", statusError)
		return ""
	}
	if ctx.Err() != nil {
		// The drive ended while the command was in flight.
		return ""
	}

	return p.dispatch(ctx, text, res)
}

// dispatch acts on the backend's classification and returns the text to
// speak, empty when an intervention took over (its own message is spoken by
// the arbiter, speaking the reply too would double up).
func (p *Pipeline) dispatch(ctx context.Context, transcript string, res drive.VoiceCommandResult) string {
	log := observe.Logger(ctx)

	if !res.Understood || !res.Action.IsValid() || res.Action == drive.ActionNone {
		p.metrics.RecordVoiceCommand(ctx, string(res.Action), statusDropped)
		p.bus.Publish(events.Event{
			Type:    events.TypeVoiceCommandDropped,
			DriveID: p.driveID,
			Payload: map[string]string{"transcript": transcript, "reason": "not_understood"},
		})
		return res.SpeechResponse
	}

	handled := func() {
		p.metrics.RecordVoiceCommand(ctx, string(res.Action), statusHandled)
		p.bus.Publish(events.Event{
			Type:    events.TypeVoiceCommandHandled,
			DriveID: p.driveID,
			Payload: map[string]string{"action": string(res.Action), "command_type": res.CommandType},
		})
	}

	switch res.Action {
	case drive.ActionTriggerIntervention, drive.ActionFindSafeSpot:
		iv := res.Intervention
		if iv == nil && res.Action == drive.ActionFindSafeSpot {
			iv = &drive.Intervention{
				Type:             drive.InterventionPullOver,
				StressLevel:      drive.StressCritical,
				Message:          pullOverScript,
				PullOverGuidance: pullOverSteps,
			}
		}
		if iv == nil {
			handled()
			return res.SpeechResponse
		}
		if p.sub.Submit(ctx, *iv) {
			handled()
			return ""
		}
		p.metrics.RecordVoiceCommand(ctx, string(res.Action), statusDropped)
		return res.SpeechResponse

	case drive.ActionFindRoute:
		if res.Reroute != nil && res.Reroute.Available && res.Reroute.SuggestedRoute != nil {
			offer := *res.Reroute.SuggestedRoute
			p.mu.Lock()
			p.offered = &offer
			p.mu.Unlock()
			p.bus.Publish(events.Event{
				Type:    events.TypeRerouteOffered,
				DriveID: p.driveID,
				Payload: offer,
			})
			log.Info("calmer route offered", "route", offer.AlternativeName, "calm_score", offer.AlternativeCalmScore)
		}
		handled()
		return res.SpeechResponse

	case drive.ActionProvideEta:
		handled()
		return res.SpeechResponse

	case drive.ActionStartDebrief:
		handled()
		if p.onDebrief != nil {
			// Ending the drive tears this pipeline down, so the debrief
			// hook must run outside the command goroutine.
			go p.onDebrief(context.WithoutCancel(ctx))
		}
		return res.SpeechResponse
	}

	return res.SpeechResponse
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}
