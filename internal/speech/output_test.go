package speech

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/calmroute/calmroute/internal/observe"
	"github.com/calmroute/calmroute/internal/resilience"
	audiomock "github.com/calmroute/calmroute/pkg/audio/mock"
	"github.com/calmroute/calmroute/pkg/provider/speechout"
	speechoutmock "github.com/calmroute/calmroute/pkg/provider/speechout/mock"
)

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

func newSwitch(cloud, local speechout.Provider) *resilience.Switch[speechout.Provider] {
	return resilience.NewSwitch("speech_out", cloud, local, func(err error) bool {
		return errors.Is(err, speechout.ErrNotProvisioned)
	})
}

func TestSpeakSynthesizesAndPlays(t *testing.T) {
	cloud := &speechoutmock.Provider{ProviderName: "cloud", PCM: []byte{1, 2, 3, 4}}
	local := &speechoutmock.Provider{ProviderName: "local"}
	player := &audiomock.Player{}
	o := NewOutput(newSwitch(cloud, local), player, "warm", testMetrics(t))

	if err := o.Speak(context.Background(), "Take the next exit."); err != nil {
		t.Fatalf("speak: %v", err)
	}
	calls := cloud.Calls()
	if len(calls) != 1 || calls[0].Text != "Take the next exit." || calls[0].Voice != "warm" {
		t.Fatalf("cloud calls = %+v", calls)
	}
	played := player.Played()
	if len(played) != 1 || len(played[0]) != 4 {
		t.Fatalf("played = %v", played)
	}
	if len(local.Calls()) != 0 {
		t.Fatal("local provider touched while cloud healthy")
	}
}

func TestSpeakDowngradesOnNotProvisioned(t *testing.T) {
	cloud := &speechoutmock.Provider{ProviderName: "cloud", Err: speechout.ErrNotProvisioned}
	local := &speechoutmock.Provider{ProviderName: "local"}
	player := &audiomock.Player{}
	sw := newSwitch(cloud, local)
	o := NewOutput(sw, player, "", testMetrics(t))

	if err := o.Speak(context.Background(), "hello"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if sw.Mode() != resilience.ModeLocal {
		t.Fatal("switch did not downgrade")
	}
	if err := o.Speak(context.Background(), "again"); err != nil {
		t.Fatalf("speak after downgrade: %v", err)
	}
	if got := len(cloud.Calls()); got != 1 {
		t.Fatalf("cloud calls = %d, want 1", got)
	}
	if got := len(local.Calls()); got != 2 {
		t.Fatalf("local calls = %d, want 2", got)
	}
}

func TestSpeakEmptyTextIsNoop(t *testing.T) {
	cloud := &speechoutmock.Provider{}
	player := &audiomock.Player{}
	o := NewOutput(newSwitch(cloud, &speechoutmock.Provider{}), player, "", testMetrics(t))

	if err := o.Speak(context.Background(), ""); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if len(cloud.Calls()) != 0 || len(player.Played()) != 0 {
		t.Fatal("empty text reached the provider or player")
	}
}

func TestStopInterruptsPlayback(t *testing.T) {
	cloud := &speechoutmock.Provider{}
	player := &audiomock.Player{Block: true}
	o := NewOutput(newSwitch(cloud, &speechoutmock.Provider{}), player, "", testMetrics(t))

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- o.Speak(context.Background(), "a long calming story")
	}()

	// Wait for playback to begin, then cut it off.
	deadline := time.Now().Add(2 * time.Second)
	for len(player.Played()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("playback never started")
		}
		time.Sleep(time.Millisecond)
	}
	o.Stop()
	wg.Wait()

	if err := <-errCh; err != nil {
		t.Fatalf("interrupted speak returned %v, want nil", err)
	}
	if player.Stops() == 0 {
		t.Fatal("player was never stopped")
	}
}

func TestStopWhenIdle(t *testing.T) {
	player := &audiomock.Player{}
	o := NewOutput(newSwitch(&speechoutmock.Provider{}, &speechoutmock.Provider{}), player, "", testMetrics(t))
	o.Stop()
	o.Stop()
}
