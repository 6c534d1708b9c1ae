// Package arbiter owns the single foreground concern of a drive: at any
// moment the cabin is either idle, running a stress analysis dispatch,
// inside a voice command session, or showing one intervention. The Gate
// encodes that as one tagged state instead of independent boolean flags, so
// two concerns can never be active at once and an error path can never leak
// a stuck flag.
package arbiter

import "sync"

// State is the cabin's current foreground concern.
type State string

const (
	StateIdle                State = "idle"
	StateAnalyzing           State = "analyzing"
	StateVoiceActive         State = "voice_active"
	StateInterventionVisible State = "intervention_visible"
)

// Gate serializes the foreground concerns. All methods are safe for
// concurrent use.
type Gate struct {
	mu    sync.Mutex
	state State
}

// NewGate creates a Gate in the idle state.
func NewGate() *Gate {
	return &Gate{state: StateIdle}
}

// State reports the current foreground concern.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// TryBeginAnalysis claims the analysis dispatch slot. Returns false when any
// other concern holds the foreground; the caller skips this cycle.
func (g *Gate) TryBeginAnalysis() bool {
	return g.transition(StateIdle, StateAnalyzing)
}

// EndAnalysis releases the analysis slot. A no-op when analysis no longer
// holds the foreground, which happens when the dispatch ended in a visible
// intervention; deferring EndAnalysis is therefore always safe.
func (g *Gate) EndAnalysis() {
	g.transition(StateAnalyzing, StateIdle)
}

// TryBeginVoice claims the voice session slot. Returns false when any other
// concern holds the foreground.
func (g *Gate) TryBeginVoice() bool {
	return g.transition(StateIdle, StateVoiceActive)
}

// EndVoice releases the voice slot. A no-op when the voice session ended in
// a visible intervention; deferring EndVoice is therefore always safe.
func (g *Gate) EndVoice() {
	g.transition(StateVoiceActive, StateIdle)
}

// show converts the submitter's held slot into a visible intervention.
// Returns false when an intervention is already visible (first submission
// wins) or when called from idle, where nothing holds the foreground to
// convert.
func (g *Gate) show() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateAnalyzing && g.state != StateVoiceActive {
		return false
	}
	g.state = StateInterventionVisible
	return true
}

// hide clears a visible intervention. A no-op otherwise.
func (g *Gate) hide() {
	g.transition(StateInterventionVisible, StateIdle)
}

// transition moves from to next when from is current. Reports whether the
// move happened.
func (g *Gate) transition(from, next State) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != from {
		return false
	}
	g.state = next
	return true
}
