package arbiter

import (
	"context"
	"sync"

	"github.com/calmroute/calmroute/internal/drive"
	"github.com/calmroute/calmroute/internal/events"
	"github.com/calmroute/calmroute/internal/observe"
)

// Speaker reads an intervention message aloud. Speak blocks until playback
// finishes or is interrupted; Stop interrupts and is safe when nothing is
// playing.
type Speaker interface {
	Speak(ctx context.Context, text string) error
	Stop()
}

// RerouteAccepter completes the reroute handshake after the driver accepts
// an offered route.
type RerouteAccepter interface {
	Accept(ctx context.Context, driveID string, offer drive.RerouteOffer) error
}

// Action is the driver's response to a visible intervention.
type Action string

const (
	ActionAcceptReroute Action = "accept_reroute"
	ActionKeepCurrent   Action = "keep_current"
)

// Arbiter decides which single intervention may occupy the cabin's
// foreground. The first submission wins; anything submitted while one is
// visible is dropped, not queued. Safe for concurrent use.
type Arbiter struct {
	gate    *Gate
	speaker Speaker
	reroute RerouteAccepter
	bus     *events.Bus
	metrics *observe.Metrics
	driveID string

	mu      sync.Mutex
	visible *drive.Intervention
	spoken  bool
}

// New creates an Arbiter for one drive. reroute may be nil when the drive
// has no navigation integration.
func New(gate *Gate, speaker Speaker, reroute RerouteAccepter, bus *events.Bus, metrics *observe.Metrics, driveID string) *Arbiter {
	return &Arbiter{
		gate:    gate,
		speaker: speaker,
		reroute: reroute,
		bus:     bus,
		metrics: metrics,
		driveID: driveID,
	}
}

// Visible returns a copy of the intervention currently shown, or nil.
func (a *Arbiter) Visible() *drive.Intervention {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.visible == nil {
		return nil
	}
	cp := *a.visible
	return &cp
}

// Submit offers iv for the foreground. The submitter must currently hold
// the analysis or voice slot; the slot converts into the visible
// intervention, which the submitter's deferred slot release then leaves
// alone. Returns true when iv became visible.
//
// A visible intervention is spoken exactly once, at submission. Re-renders
// and repeated Visible calls never re-trigger speech.
func (a *Arbiter) Submit(ctx context.Context, iv drive.Intervention) bool {
	if iv.Type == drive.InterventionNone || !iv.Type.IsValid() {
		return false
	}

	if !a.gate.show() {
		a.metrics.InterventionsDropped.Add(ctx, 1)
		a.bus.Publish(events.Event{
			Type:    events.TypeInterventionDropped,
			DriveID: a.driveID,
			Payload: map[string]string{"type": string(iv.Type)},
		})
		observe.Logger(ctx).Debug("intervention dropped, foreground occupied",
			"type", iv.Type, "drive_id", a.driveID)
		return false
	}

	a.mu.Lock()
	cp := iv
	a.visible = &cp
	speak := !a.spoken && iv.Message != ""
	a.spoken = true
	a.mu.Unlock()

	a.metrics.RecordInterventionShown(ctx, string(iv.Type))
	a.bus.Publish(events.Event{
		Type:    events.TypeInterventionShown,
		DriveID: a.driveID,
		Payload: iv,
	})
	observe.Logger(ctx).Info("intervention shown",
		"type", iv.Type, "stress_level", iv.StressLevel, "drive_id", a.driveID)

	if speak {
		go func() {
			if err := a.speaker.Speak(ctx, iv.Message); err != nil {
				observe.Logger(ctx).Debug("intervention speech failed", "error", err)
			}
		}()
	}
	return true
}

// Dismiss clears the visible intervention: ongoing speech stops first, then
// the foreground frees. Idempotent; dismissing with nothing visible is a
// no-op.
func (a *Arbiter) Dismiss(ctx context.Context) {
	a.mu.Lock()
	if a.visible == nil {
		a.mu.Unlock()
		return
	}
	dismissed := *a.visible
	a.visible = nil
	a.spoken = false
	a.mu.Unlock()

	a.speaker.Stop()
	a.gate.hide()

	a.bus.Publish(events.Event{
		Type:    events.TypeInterventionDismiss,
		DriveID: a.driveID,
		Payload: map[string]string{"type": string(dismissed.Type)},
	})
	observe.Logger(ctx).Info("intervention dismissed", "type", dismissed.Type, "drive_id", a.driveID)
}

// Act applies the driver's response to the visible intervention and then
// dismisses it. Accepting a reroute with no offer attached, or acting with
// nothing visible, is a no-op.
func (a *Arbiter) Act(ctx context.Context, action Action) {
	a.mu.Lock()
	var offer *drive.RerouteOffer
	if a.visible != nil && a.visible.Reroute != nil {
		cp := *a.visible.Reroute
		offer = &cp
	}
	hasVisible := a.visible != nil
	a.mu.Unlock()

	if !hasVisible {
		return
	}

	if action == ActionAcceptReroute && offer != nil && a.reroute != nil {
		if err := a.reroute.Accept(ctx, a.driveID, *offer); err != nil {
			observe.Logger(ctx).Warn("reroute acceptance failed", "error", err)
		}
	}
	a.Dismiss(ctx)
}
