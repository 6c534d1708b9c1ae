package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/calmroute/calmroute/internal/arbiter"
	"github.com/calmroute/calmroute/internal/backend"
	"github.com/calmroute/calmroute/internal/drive"
	"github.com/calmroute/calmroute/internal/events"
	"github.com/calmroute/calmroute/internal/observe"
	"github.com/calmroute/calmroute/internal/resilience"
	"github.com/calmroute/calmroute/pkg/audio"
	"github.com/calmroute/calmroute/pkg/audio/capture"
	audiomock "github.com/calmroute/calmroute/pkg/audio/mock"
	"github.com/calmroute/calmroute/pkg/provider/speechin"
	speechinmock "github.com/calmroute/calmroute/pkg/provider/speechin/mock"
)

type fakeBackend struct {
	mu    sync.Mutex
	res   drive.VoiceCommandResult
	err   error
	block chan struct{}
	calls []backend.VoiceCommandRequest
}

func (b *fakeBackend) VoiceCommand(ctx context.Context, req backend.VoiceCommandRequest) (drive.VoiceCommandResult, error) {
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return drive.VoiceCommandResult{}, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, req)
	if b.err != nil {
		return drive.VoiceCommandResult{}, b.err
	}
	return b.res, nil
}

func (b *fakeBackend) commands() []backend.VoiceCommandRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]backend.VoiceCommandRequest, len(b.calls))
	copy(out, b.calls)
	return out
}

type fakeSubmitter struct {
	mu     sync.Mutex
	accept bool
	subs   []drive.Intervention
}

func (s *fakeSubmitter) Submit(_ context.Context, iv drive.Intervention) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, iv)
	return s.accept
}

func (s *fakeSubmitter) submitted() []drive.Intervention {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]drive.Intervention, len(s.subs))
	copy(out, s.subs)
	return out
}

type fakeSpeaker struct {
	mu     sync.Mutex
	spoken []string
}

func (s *fakeSpeaker) Speak(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, text)
	return nil
}

func (s *fakeSpeaker) said() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.spoken))
	copy(out, s.spoken)
	return out
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testTrip() drive.Trip {
	return drive.Trip{
		UserID:                "user-1",
		CurrentLocation:       &drive.Location{Latitude: 52.52, Longitude: 13.405},
		Destination:           &drive.Location{Latitude: 52.39, Longitude: 13.06},
		CurrentRouteCalmScore: 55,
	}
}

func newSwitch(cloud, local speechin.Provider) *resilience.Switch[speechin.Provider] {
	return resilience.NewSwitch("speech_in", cloud, local, func(err error) bool {
		return errors.Is(err, speechin.ErrNotProvisioned)
	})
}

func startStream(t *testing.T, src *audiomock.Source) *capture.Stream {
	t.Helper()
	s := capture.New(src)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start stream: %v", err)
	}
	t.Cleanup(func() { _ = s.Release() })
	return s
}

func loudFrame(b byte) audio.Frame {
	data := make([]byte, audio.FrameBytes)
	for i := 0; i < len(data); i += 2 {
		data[i] = b
		data[i+1] = 0x20
	}
	return audio.Frame{Data: data}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// speakUtterance drives one full push-to-talk round: toggle on, feed a frame,
// toggle off.
func speakUtterance(t *testing.T, p *Pipeline, stream *capture.Stream, src *audiomock.Source) {
	t.Helper()
	before := stream.ChunkLen()
	p.Toggle(context.Background())
	if got := p.State(); got != StateListening {
		t.Fatalf("state after first toggle = %q, want %q", got, StateListening)
	}
	src.Emit(loudFrame(1))
	waitFor(t, "captured frame", func() bool { return stream.ChunkLen() > before })
	p.Toggle(context.Background())
}

func TestCommandTriggersInterventionWithoutDoubleSpeech(t *testing.T) {
	src := &audiomock.Source{}
	stream := startStream(t, src)
	gate := arbiter.NewGate()
	cloud := &speechinmock.Provider{ProviderName: "cloud", Results: []speechinmock.Result{
		{Transcript: speechin.Transcript{Text: "I'm really stressed", Confidence: 0.9}},
	}}
	be := &fakeBackend{res: drive.VoiceCommandResult{
		Understood:     true,
		CommandType:    "STRESS_REPORT",
		Action:         drive.ActionTriggerIntervention,
		SpeechResponse: "Let's take a breath together.",
		Intervention: &drive.Intervention{
			Type:    drive.InterventionBreathingExercise,
			Message: "Breathe in for four counts.",
		},
	}}
	sub := &fakeSubmitter{accept: true}
	spk := &fakeSpeaker{}
	p := New(stream, gate, newSwitch(cloud, &speechinmock.Provider{ProviderName: "local"}), NewFilter(), be, sub, spk, nil, events.NewBus(), testMetrics(t), "drv-1", testTrip())

	speakUtterance(t, p, stream, src)
	waitFor(t, "dispatch", func() bool { return p.State() == StateIdle && len(sub.submitted()) > 0 })

	if got := sub.submitted()[0].Type; got != drive.InterventionBreathingExercise {
		t.Fatalf("submitted type = %q", got)
	}
	cmds := be.commands()
	if len(cmds) != 1 || cmds[0].Transcript != "I'm really stressed" || cmds[0].Context != "DURING_DRIVE" {
		t.Fatalf("backend commands = %+v", cmds)
	}
	if cmds[0].UserID != "user-1" {
		t.Fatalf("command user = %q, want user-1", cmds[0].UserID)
	}
	// The intervention speaks its own message; the reply must not play too.
	if said := spk.said(); len(said) != 0 {
		t.Fatalf("spoken = %v, want none", said)
	}
	if got := gate.State(); got != arbiter.StateIdle {
		t.Fatalf("gate after dispatch = %q, want idle", got)
	}
}

func TestFindRoutePublishesStandaloneOffer(t *testing.T) {
	src := &audiomock.Source{}
	stream := startStream(t, src)
	gate := arbiter.NewGate()
	cloud := &speechinmock.Provider{Results: []speechinmock.Result{
		{Transcript: speechin.Transcript{Text: "find me a calmer route"}},
	}}
	be := &fakeBackend{res: drive.VoiceCommandResult{
		Understood:     true,
		Action:         drive.ActionFindRoute,
		SpeechResponse: "I found a calmer route via Riverside Parkway.",
		Reroute: &drive.RerouteResult{
			Available: true,
			SuggestedRoute: &drive.RerouteOffer{
				AlternativeName:      "Riverside Parkway",
				AlternativeCalmScore: 82,
				CalmScoreImprovement: 17,
				ExtraMinutes:         6,
			},
		},
	}}
	sub := &fakeSubmitter{accept: true}
	spk := &fakeSpeaker{}
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(8)
	defer cancel()
	p := New(stream, gate, newSwitch(cloud, &speechinmock.Provider{}), NewFilter(), be, sub, spk, nil, bus, testMetrics(t), "drv-1", testTrip())

	speakUtterance(t, p, stream, src)
	waitFor(t, "reply", func() bool { return len(spk.said()) > 0 })

	if subs := sub.submitted(); len(subs) != 0 {
		t.Fatalf("no intervention expected, got %+v", subs)
	}
	offer := p.OfferedReroute()
	if offer == nil || offer.AlternativeName != "Riverside Parkway" {
		t.Fatalf("offered reroute = %+v", offer)
	}
	if got := spk.said()[0]; got != "I found a calmer route via Riverside Parkway." {
		t.Fatalf("spoken = %q", got)
	}
	// Route requests are refused server-side without the endpoints, so the
	// dispatch must carry them.
	cmds := be.commands()
	if len(cmds) != 1 || cmds[0].CurrentLocation == nil || cmds[0].Destination == nil || cmds[0].CurrentRouteCalmScore != 55 {
		t.Fatalf("command route context = %+v", cmds)
	}

	var sawOffer bool
	for done := false; !done; {
		select {
		case e := <-ch:
			if e.Type == events.TypeRerouteOffered {
				sawOffer = true
				done = true
			}
		case <-time.After(time.Second):
			done = true
		}
	}
	if !sawOffer {
		t.Fatal("no reroute_offered event published")
	}
}

func TestNotProvisionedRetriesSameUtteranceLocally(t *testing.T) {
	src := &audiomock.Source{}
	stream := startStream(t, src)
	cloud := &speechinmock.Provider{ProviderName: "cloud", Results: []speechinmock.Result{
		{Err: speechin.ErrNotProvisioned},
	}}
	local := &speechinmock.Provider{ProviderName: "local", Results: []speechinmock.Result{
		{Transcript: speechin.Transcript{Text: "how long until we arrive"}},
	}}
	sw := newSwitch(cloud, local)
	be := &fakeBackend{res: drive.VoiceCommandResult{
		Understood:     true,
		Action:         drive.ActionProvideEta,
		SpeechResponse: "About twenty minutes to go.",
	}}
	spk := &fakeSpeaker{}
	p := New(stream, arbiter.NewGate(), sw, NewFilter(), be, &fakeSubmitter{accept: true}, spk, nil, events.NewBus(), testMetrics(t), "drv-1", testTrip())

	speakUtterance(t, p, stream, src)
	waitFor(t, "reply", func() bool { return len(spk.said()) > 0 })

	if sw.Mode() != resilience.ModeLocal {
		t.Fatalf("mode = %q, want local", sw.Mode())
	}
	cloudCalls, localCalls := cloud.Calls(), local.Calls()
	if len(cloudCalls) != 1 || len(localCalls) != 1 {
		t.Fatalf("calls cloud=%d local=%d, want 1 and 1", len(cloudCalls), len(localCalls))
	}
	// The local retry must hear the same audio the driver already spoke.
	if string(cloudCalls[0].PCM) != string(localCalls[0].PCM) {
		t.Fatal("local retry received different audio than the cloud attempt")
	}
	cmds := be.commands()
	if len(cmds) != 1 || cmds[0].Transcript != "how long until we arrive" {
		t.Fatalf("backend commands = %+v", cmds)
	}
}

func TestUnintelligibleTranscriptNeverReachesBackend(t *testing.T) {
	src := &audiomock.Source{}
	stream := startStream(t, src)
	cloud := &speechinmock.Provider{Results: []speechinmock.Result{
		{Transcript: speechin.Transcript{Text: "jazz piano trio"}},
	}}
	be := &fakeBackend{}
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(8)
	defer cancel()
	p := New(stream, arbiter.NewGate(), newSwitch(cloud, &speechinmock.Provider{}), NewFilter(), be, &fakeSubmitter{accept: true}, &fakeSpeaker{}, nil, bus, testMetrics(t), "drv-1", testTrip())

	speakUtterance(t, p, stream, src)
	waitFor(t, "pipeline idle", func() bool { return p.State() == StateIdle })

	if cmds := be.commands(); len(cmds) != 0 {
		t.Fatalf("backend called with %+v, want nothing", cmds)
	}
	select {
	case e := <-ch:
		if e.Type != events.TypeVoiceCommandDropped {
			t.Fatalf("event = %q, want voice_command_dropped", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no drop event published")
	}
}

func TestSafeSpotFallsBackToPullOverScript(t *testing.T) {
	src := &audiomock.Source{}
	stream := startStream(t, src)
	cloud := &speechinmock.Provider{Results: []speechinmock.Result{
		{Transcript: speechin.Transcript{Text: "I need to pull over"}},
	}}
	be := &fakeBackend{res: drive.VoiceCommandResult{
		Understood: true,
		Action:     drive.ActionFindSafeSpot,
	}}
	sub := &fakeSubmitter{accept: true}
	p := New(stream, arbiter.NewGate(), newSwitch(cloud, &speechinmock.Provider{}), NewFilter(), be, sub, &fakeSpeaker{}, nil, events.NewBus(), testMetrics(t), "drv-1", testTrip())

	speakUtterance(t, p, stream, src)
	waitFor(t, "submission", func() bool { return len(sub.submitted()) > 0 })

	iv := sub.submitted()[0]
	if iv.Type != drive.InterventionPullOver || iv.StressLevel != drive.StressCritical {
		t.Fatalf("fallback intervention = %+v", iv)
	}
	if iv.Message == "" {
		t.Fatal("fallback intervention has no spoken guidance")
	}
	if len(iv.PullOverGuidance) == 0 {
		t.Fatal("fallback intervention has no pull-over steps")
	}
}

func TestDebriefInvokesEndDrive(t *testing.T) {
	src := &audiomock.Source{}
	stream := startStream(t, src)
	cloud := &speechinmock.Provider{Results: []speechinmock.Result{
		{Transcript: speechin.Transcript{Text: "I'm done driving, let's talk"}},
	}}
	be := &fakeBackend{res: drive.VoiceCommandResult{
		Understood:     true,
		Action:         drive.ActionStartDebrief,
		SpeechResponse: "Okay, ending the drive.",
	}}
	ended := make(chan struct{})
	p := New(stream, arbiter.NewGate(), newSwitch(cloud, &speechinmock.Provider{}), NewFilter(), be, &fakeSubmitter{accept: true}, &fakeSpeaker{}, func(context.Context) { close(ended) }, events.NewBus(), testMetrics(t), "drv-1", testTrip())

	speakUtterance(t, p, stream, src)

	select {
	case <-ended:
	case <-time.After(3 * time.Second):
		t.Fatal("debrief hook never invoked")
	}
}

func TestToggleRefusedWhileAnalysisHoldsForeground(t *testing.T) {
	src := &audiomock.Source{}
	stream := startStream(t, src)
	gate := arbiter.NewGate()
	if !gate.TryBeginAnalysis() {
		t.Fatal("could not claim analysis slot")
	}
	p := New(stream, gate, newSwitch(&speechinmock.Provider{}, &speechinmock.Provider{}), NewFilter(), &fakeBackend{}, &fakeSubmitter{}, &fakeSpeaker{}, nil, events.NewBus(), testMetrics(t), "drv-1", testTrip())

	p.Toggle(context.Background())
	if got := p.State(); got != StateIdle {
		t.Fatalf("state = %q, want idle while analysis runs", got)
	}
	gate.EndAnalysis()

	p.Toggle(context.Background())
	if got := p.State(); got != StateListening {
		t.Fatalf("state = %q, want listening once the slot frees up", got)
	}
	p.Stop()
}

func TestToggleIgnoredWhileCommandInFlight(t *testing.T) {
	src := &audiomock.Source{}
	stream := startStream(t, src)
	cloud := &speechinmock.Provider{Results: []speechinmock.Result{
		{Transcript: speechin.Transcript{Text: "find me a calmer route"}},
	}}
	release := make(chan struct{})
	be := &fakeBackend{
		block: release,
		res:   drive.VoiceCommandResult{Understood: true, Action: drive.ActionProvideEta, SpeechResponse: "soon"},
	}
	p := New(stream, arbiter.NewGate(), newSwitch(cloud, &speechinmock.Provider{}), NewFilter(), be, &fakeSubmitter{accept: true}, &fakeSpeaker{}, nil, events.NewBus(), testMetrics(t), "drv-1", testTrip())

	speakUtterance(t, p, stream, src)
	waitFor(t, "dispatch in flight", func() bool { return p.State() == StateDispatching })

	p.Toggle(context.Background())
	if got := p.State(); got != StateDispatching {
		t.Fatalf("state = %q, re-entrant toggle must not restart capture", got)
	}

	close(release)
	waitFor(t, "pipeline idle", func() bool { return p.State() == StateIdle })
}

func TestStopWhileListeningReleasesSlot(t *testing.T) {
	src := &audiomock.Source{}
	stream := startStream(t, src)
	gate := arbiter.NewGate()
	p := New(stream, gate, newSwitch(&speechinmock.Provider{}, &speechinmock.Provider{}), NewFilter(), &fakeBackend{}, &fakeSubmitter{}, &fakeSpeaker{}, nil, events.NewBus(), testMetrics(t), "drv-1", testTrip())

	p.Toggle(context.Background())
	if got := p.State(); got != StateListening {
		t.Fatalf("state = %q, want listening", got)
	}
	p.Stop()
	if got := p.State(); got != StateIdle {
		t.Fatalf("state after stop = %q, want idle", got)
	}
	if got := gate.State(); got != arbiter.StateIdle {
		t.Fatalf("gate after stop = %q, want idle", got)
	}
}
