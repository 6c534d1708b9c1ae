// Package events carries in-process notifications about the running drive.
// The ops server streams them to dashboard clients; nothing inside the
// engine depends on them, so a slow or absent subscriber can never stall
// monitoring or speech.
package events

import (
	"sync"
	"time"
)

// Type identifies what happened.
type Type string

const (
	TypeDriveStarted        Type = "drive_started"
	TypeDriveEnded          Type = "drive_ended"
	TypeStressReading       Type = "stress_reading"
	TypeCycleSkipped        Type = "cycle_skipped"
	TypeInterventionShown   Type = "intervention_shown"
	TypeInterventionDropped Type = "intervention_dropped"
	TypeInterventionDismiss Type = "intervention_dismissed"
	TypeProviderDowngraded  Type = "provider_downgraded"
	TypeRerouteOffered      Type = "reroute_offered"
	TypeRerouteAccepted     Type = "reroute_accepted"
	TypeVoiceCommandHandled Type = "voice_command_handled"
	TypeVoiceCommandDropped Type = "voice_command_dropped"
)

// Event is one notification. Payload is event-specific and must be
// JSON-encodable; it is serialized as-is for websocket subscribers.
type Event struct {
	Type    Type      `json:"type"`
	At      time.Time `json:"at"`
	DriveID string    `json:"drive_id,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

// Bus is a non-blocking fan-out of events to subscribers. Publish never
// waits: a subscriber whose buffer is full loses the event. Safe for
// concurrent use.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber and returns its channel plus a cancel
// function. Cancel closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers e to every subscriber that has buffer room. The timestamp
// is filled in when the caller left it zero.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
