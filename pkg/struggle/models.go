package struggle

import (
	"time"
)

// Phase is the lifecycle stage of a per-(user, feature) struggle state
// machine.
type Phase string

const (
	PhaseNone      Phase = "none"
	PhaseWatching  Phase = "watching"
	PhaseLow       Phase = "low"
	PhaseMedium    Phase = "medium"
	PhaseHigh      Phase = "high"
	PhaseEscalated Phase = "escalated"
	PhaseResolved  Phase = "resolved"
	PhaseExpired   Phase = "expired"
)

// Severity returns the ordering rank of a phase for the monotonicity
// invariant: while a state is unresolved its severity never decreases.
func (p Phase) Severity() int {
	switch p {
	case PhaseWatching:
		return 1
	case PhaseLow:
		return 2
	case PhaseMedium:
		return 3
	case PhaseHigh:
		return 4
	case PhaseEscalated:
		return 5
	default:
		return 0
	}
}

// Active reports whether the state machine is still tracking a live
// struggle. Resolved and expired states are terminal.
func (p Phase) Active() bool {
	switch p {
	case PhaseResolved, PhaseExpired, PhaseNone:
		return false
	}
	return true
}

// State is the accumulated struggle evidence for one (user, feature)
// pair inside the attention window.
type State struct {
	UserID       string    `json:"userId"`
	Feature      string    `json:"feature"`
	Phase        Phase     `json:"phase"`
	Attempts     int       `json:"attempts"`
	FirstAttempt time.Time `json:"firstAttempt"`
	LastAttempt  time.Time `json:"lastAttempt"`
	// ErrorTypes holds distinct error types observed, insertion order.
	ErrorTypes            []string  `json:"errorTypes,omitempty"`
	InterventionTriggered bool      `json:"interventionTriggered"`
	ResolvedAt            time.Time `json:"resolvedAt,omitempty"`
}

// NewState returns a fresh state for a (user, feature) pair.
func NewState(userID, feature string) *State {
	return &State{
		UserID:  userID,
		Feature: feature,
		Phase:   PhaseNone,
	}
}

// DistinctErrors returns the count of distinct error types observed.
func (s *State) DistinctErrors() int {
	return len(s.ErrorTypes)
}

// Signal is what the detector emits downstream when a struggle reaches
// at least low severity.
type Signal struct {
	UserID         string    `json:"userId"`
	Feature        string    `json:"feature"`
	Phase          Phase     `json:"phase"`
	Attempts       int       `json:"attempts"`
	DistinctErrors int       `json:"distinctErrors"`
	Escalated      bool      `json:"escalated"`
	ObservedAt     time.Time `json:"observedAt"`
}
