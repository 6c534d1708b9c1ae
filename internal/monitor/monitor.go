// Package monitor runs the periodic stress analysis loop of a drive. Every
// period it claims the analysis slot, drains the captured audio chunk, ships
// it to the backend, and submits any resulting intervention to the arbiter.
//
// A cycle that cannot claim the slot is skipped and lost; the captured audio
// stays in the buffer and rides along with the next cycle. Every failure
// inside a cycle is absorbed: monitoring itself must survive any backend or
// audio hiccup, and the next tick is the retry.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/calmroute/calmroute/internal/arbiter"
	"github.com/calmroute/calmroute/internal/backend"
	"github.com/calmroute/calmroute/internal/drive"
	"github.com/calmroute/calmroute/internal/events"
	"github.com/calmroute/calmroute/internal/observe"
	"github.com/calmroute/calmroute/pkg/audio"
	"github.com/calmroute/calmroute/pkg/audio/capture"
)

// DefaultPeriod is the analysis cadence when config does not override it.
const DefaultPeriod = 30 * time.Second

// Skip reasons recorded on the cycle-skip counter.
const (
	skipBusy  = "busy"
	skipEmpty = "empty_chunk"
	skipError = "error"
)

// Backend is the subset of the backend client the monitor needs.
type Backend interface {
	AnalyzeAudio(ctx context.Context, driveID string, chunk []byte) (drive.StressReading, error)
	DecideIntervention(ctx context.Context, req backend.InterventionRequest) (drive.Intervention, error)
}

// Submitter offers an intervention for the foreground.
type Submitter interface {
	Submit(ctx context.Context, iv drive.Intervention) bool
}

// Packer compresses a PCM chunk for upload.
type Packer interface {
	Pack(pcm []byte) ([]byte, error)
}

// Monitor is the periodic stress analysis loop for one drive.
type Monitor struct {
	period  time.Duration
	stream  *capture.Stream
	gate    *arbiter.Gate
	backend Backend
	sub     Submitter
	packer  Packer
	bus     *events.Bus
	metrics *observe.Metrics
	driveID string
	trip    drive.Trip

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Monitor. period <= 0 uses [DefaultPeriod].
func New(period time.Duration, stream *capture.Stream, gate *arbiter.Gate, be Backend, sub Submitter, packer Packer, bus *events.Bus, metrics *observe.Metrics, driveID string, trip drive.Trip) *Monitor {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Monitor{
		period:  period,
		stream:  stream,
		gate:    gate,
		backend: be,
		sub:     sub,
		packer:  packer,
		bus:     bus,
		metrics: metrics,
		driveID: driveID,
		trip:    trip,
	}
}

// Start begins the periodic loop. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts the loop. Idempotent. A cycle in flight finishes on its own;
// its result is discarded because the loop context is cancelled.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

// cycle runs one analysis pass. It never returns an error; failures are
// logged, counted, and forgotten.
func (m *Monitor) cycle(ctx context.Context) {
	log := observe.Logger(ctx)

	if !m.gate.TryBeginAnalysis() {
		m.skip(ctx, skipBusy)
		return
	}
	defer m.gate.EndAnalysis()

	chunk := m.stream.TakeChunk()
	if len(chunk) == 0 || audio.IsSilence(chunk) {
		m.skip(ctx, skipEmpty)
		return
	}

	packed, err := m.packer.Pack(chunk)
	if err != nil {
		log.Debug("chunk packing failed", "error", err)
		m.skip(ctx, skipError)
		return
	}

	start := time.Now()
	reading, err := m.backend.AnalyzeAudio(ctx, m.driveID, packed)
	m.metrics.BackendDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("kind", "analyze")))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Debug("stress analysis failed", "error", err)
		}
		m.skip(ctx, skipError)
		return
	}

	m.metrics.MonitorCycles.Add(ctx, 1)
	m.bus.Publish(events.Event{
		Type:    events.TypeStressReading,
		DriveID: m.driveID,
		Payload: reading,
	})
	log.Debug("stress reading",
		"score", reading.Score, "level", reading.Level,
		"trigger", reading.TriggerIntervention)

	if !reading.TriggerIntervention {
		return
	}

	start = time.Now()
	iv, err := m.backend.DecideIntervention(ctx, backend.InterventionRequest{
		UserID:                m.trip.UserID,
		DriveID:               m.driveID,
		StressScore:           reading.Score,
		StressLevel:           string(reading.Level),
		CurrentLocation:       m.trip.CurrentLocation,
		Destination:           m.trip.Destination,
		CurrentRouteCalmScore: m.trip.CurrentRouteCalmScore,
	})
	m.metrics.BackendDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("kind", "decide")))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Debug("intervention decision failed", "error", err)
		}
		return
	}
	if ctx.Err() != nil {
		// The drive ended while this cycle was in flight.
		return
	}

	m.sub.Submit(ctx, iv)
}

func (m *Monitor) skip(ctx context.Context, reason string) {
	m.metrics.RecordCycleSkip(ctx, reason)
	m.bus.Publish(events.Event{
		Type:    events.TypeCycleSkipped,
		DriveID: m.driveID,
		Payload: map[string]string{"reason": reason},
	})
}
