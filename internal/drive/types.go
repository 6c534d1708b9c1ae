// Package drive defines the domain types shared by the in-drive monitoring
// engine: the drive session, stress readings, interventions, reroute offers,
// and voice command results.
package drive

import "time"

// Status is the lifecycle state of a [Session].
type Status string

const (
	// StatusActive means the drive is in progress and monitoring is running.
	StatusActive Status = "ACTIVE"

	// StatusEnded means the drive has been completed and torn down.
	StatusEnded Status = "ENDED"
)

// IsValid reports whether s is a recognised status.
func (s Status) IsValid() bool {
	return s == StatusActive || s == StatusEnded
}

// Session describes a single drive. It is created when a drive starts (new or
// resumed from a backend-persisted active drive) and owned exclusively by the
// session controller for its lifetime.
type Session struct {
	// ID is the backend drive identifier, or a locally generated UUID when the
	// drive was started while the backend was unreachable.
	ID string

	// UserID identifies the driver.
	UserID string

	// StartedAt is when the drive began.
	StartedAt time.Time

	// Origin and Destination are the endpoints of the planned route.
	Origin      string
	Destination string

	// SelectedRouteType names the route variant the driver picked (e.g.
	// "calmest", "fastest").
	SelectedRouteType string

	// CurrentRouteCalmScore is the calm score of the route being driven,
	// forwarded to the backend for intervention and reroute decisions.
	CurrentRouteCalmScore int

	// Status is ACTIVE while the drive is running.
	Status Status
}

// StressLevel is the coarse label derived from a stress score.
type StressLevel string

const (
	StressLow      StressLevel = "LOW"
	StressMedium   StressLevel = "MEDIUM"
	StressHigh     StressLevel = "HIGH"
	StressCritical StressLevel = "CRITICAL"
)

// IsValid reports whether l is a recognised stress level.
func (l StressLevel) IsValid() bool {
	switch l {
	case StressLow, StressMedium, StressHigh, StressCritical:
		return true
	}
	return false
}

// LevelForScore maps a 0–1 stress score onto a [StressLevel]:
// below 0.3 LOW, below 0.6 MEDIUM, below 0.8 HIGH, otherwise CRITICAL.
func LevelForScore(score float64) StressLevel {
	switch {
	case score < 0.3:
		return StressLow
	case score < 0.6:
		return StressMedium
	case score < 0.8:
		return StressHigh
	default:
		return StressCritical
	}
}

// StressReading is the transient result of analysing one audio chunk.
// One reading is produced per analysis call and never persisted.
type StressReading struct {
	// Score is the stress score in [0, 1].
	Score float64 `json:"stress_score"`

	// Level is the label for Score.
	Level StressLevel `json:"stress_level"`

	// TriggerIntervention is the backend's decision that this reading warrants
	// a calming intervention.
	TriggerIntervention bool `json:"trigger_intervention"`

	// InterventionType is the backend's suggested intervention type. May be
	// empty when TriggerIntervention is false.
	InterventionType InterventionType `json:"intervention_type,omitempty"`
}

// InterventionType selects the calming action shown to the driver.
type InterventionType string

const (
	InterventionCalmingMessage    InterventionType = "CALMING_MESSAGE"
	InterventionBreathingExercise InterventionType = "BREATHING_EXERCISE"
	InterventionGroundingExercise InterventionType = "GROUNDING_EXERCISE"
	InterventionPullOver          InterventionType = "PULL_OVER"
	InterventionNone              InterventionType = "NONE"
)

// IsValid reports whether t is a recognised intervention type.
func (t InterventionType) IsValid() bool {
	switch t {
	case InterventionCalmingMessage, InterventionBreathingExercise,
		InterventionGroundingExercise, InterventionPullOver, InterventionNone:
		return true
	}
	return false
}

// BreathingContent is the scripted breathing exercise attached to a
// breathing intervention.
type BreathingContent struct {
	Name            string   `json:"name"`
	DurationSeconds int      `json:"duration_seconds"`
	Instructions    []string `json:"instructions"`
	AudioScript     string   `json:"audio_script,omitempty"`
}

// GroundingContent is the grounding exercise attached to grounding and
// pull-over interventions.
type GroundingContent struct {
	Name         string   `json:"name"`
	Instructions []string `json:"instructions"`
	AudioScript  string   `json:"audio_script,omitempty"`
}

// Intervention is a calming action surfaced to the driver. It is created by
// either analysis path (audio monitor or voice command), owned by the
// arbiter for its visible lifetime, and destroyed on dismiss. An intervention
// is never superseded while visible.
type Intervention struct {
	// Type selects the calming action.
	Type InterventionType `json:"intervention_type"`

	// StressLevel and StressScore record the reading that triggered it.
	StressLevel StressLevel `json:"stress_level"`
	StressScore float64     `json:"stress_score"`

	// Message is the primary text shown and spoken to the driver.
	Message string `json:"message"`

	// Breathing holds exercise steps for breathing interventions. May be nil.
	Breathing *BreathingContent `json:"breathing_content,omitempty"`

	// Grounding holds the grounding exercise. May be nil.
	Grounding *GroundingContent `json:"grounding_content,omitempty"`

	// PullOverGuidance lists the pull-over steps, in order.
	PullOverGuidance []string `json:"pull_over_guidance,omitempty"`

	// Reroute is an optional embedded route alternative. When the driver
	// accepts it, the reroute coordinator takes over.
	Reroute *RerouteOffer `json:"reroute,omitempty"`
}

// RerouteOffer is a suggested alternative route with a higher calm score than
// the current one.
type RerouteOffer struct {
	// CurrentCalmScore is the calm score of the route being driven.
	CurrentCalmScore int `json:"current_calm_score"`

	// AlternativeName names the suggested route.
	AlternativeName string `json:"name"`

	// AlternativeCalmScore is the calm score of the suggested route.
	AlternativeCalmScore int `json:"calm_score"`

	// CalmScoreImprovement is AlternativeCalmScore minus CurrentCalmScore.
	CalmScoreImprovement int `json:"calm_score_improvement"`

	// ExtraMinutes is the additional travel time the alternative costs.
	ExtraMinutes int `json:"extra_time_minutes"`

	// MapsURL is the navigation deep link opened when the offer is accepted.
	MapsURL string `json:"maps_url"`
}

// VoiceAction is the backend-classified action for a voice command.
type VoiceAction string

const (
	ActionTriggerIntervention VoiceAction = "TRIGGER_INTERVENTION"
	ActionFindRoute           VoiceAction = "FIND_ROUTE"
	ActionFindSafeSpot        VoiceAction = "FIND_SAFE_SPOT"
	ActionProvideEta          VoiceAction = "PROVIDE_ETA"
	ActionStartDebrief        VoiceAction = "START_DEBRIEF"
	ActionNone                VoiceAction = "NONE"
)

// IsValid reports whether a is a recognised voice action.
func (a VoiceAction) IsValid() bool {
	switch a {
	case ActionTriggerIntervention, ActionFindRoute, ActionFindSafeSpot,
		ActionProvideEta, ActionStartDebrief, ActionNone:
		return true
	}
	return false
}

// VoiceCommandResult is the backend's classification of one spoken command.
type VoiceCommandResult struct {
	// Understood is false when the backend could not classify the utterance.
	Understood bool `json:"understood"`

	// CommandType is the backend's intent label (e.g. "STRESS_REPORT").
	CommandType string `json:"command_type"`

	// Action selects what the pipeline does with the result.
	Action VoiceAction `json:"action"`

	// SpeechResponse is spoken aloud unless an intervention from the same
	// result becomes visible, in which case the intervention's own message is
	// spoken instead.
	SpeechResponse string `json:"speech_response"`

	// Intervention is the payload for TRIGGER_INTERVENTION and FIND_SAFE_SPOT
	// actions. May be nil even for those actions; callers fall back to fixed
	// guidance scripts.
	Intervention *Intervention `json:"intervention,omitempty"`

	// Reroute is the payload for FIND_ROUTE actions.
	Reroute *RerouteResult `json:"reroute,omitempty"`
}

// RerouteResult wraps the reroute lookup outcome attached to a FIND_ROUTE
// voice command result.
type RerouteResult struct {
	Available      bool          `json:"reroute_available"`
	SuggestedRoute *RerouteOffer `json:"suggested_route,omitempty"`
}

// Location is a geographic coordinate forwarded to backend decisions.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Trip is the route context repeated on every backend decision call: who is
// driving, where they are, where they are headed, and how calm the current
// route is. The backend personalizes interventions per user and cannot
// answer route requests without the endpoints.
type Trip struct {
	UserID                string
	CurrentLocation       *Location
	Destination           *Location
	CurrentRouteCalmScore int
}
