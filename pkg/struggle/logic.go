package struggle

import (
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultAttentionWindow bounds how long struggle evidence stays
// relevant. States whose last attempt is older than the window expire
// and are recreated fresh on the next attempt.
const DefaultAttentionWindow = 24 * time.Hour

// CheckExpiry expires a state whose attention window has elapsed.
// Returns true if the state expired.
func CheckExpiry(state *State, now time.Time, window time.Duration) bool {
	if !state.Phase.Active() {
		return false
	}
	if state.LastAttempt.IsZero() {
		return false
	}

	if now.Sub(state.LastAttempt) >= window {
		logrus.Debugf("struggle state expired for user %s feature %s: %v since last attempt",
			state.UserID, state.Feature, now.Sub(state.LastAttempt))
		state.Phase = PhaseExpired
		return true
	}

	return false
}

// RecordAttempt folds one struggle observation into the state and
// advances the phase. attempts is the cumulative attempt count reported
// by the client; errorType may be empty.
//
// Phase thresholds:
//   - 1 attempt  → watching
//   - 2 attempts → low
//   - 3 attempts → medium
//   - 4+ attempts, or 3+ distinct error types → high
//
// Severity is monotone while the state is unresolved: an observation
// can never move the phase to a lower rank.
func RecordAttempt(state *State, attempts int, errorType string, now time.Time) {
	if state.FirstAttempt.IsZero() {
		state.FirstAttempt = now
	}
	state.LastAttempt = now

	if attempts > state.Attempts {
		state.Attempts = attempts
	} else {
		state.Attempts++
	}

	if errorType != "" {
		known := false
		for _, e := range state.ErrorTypes {
			if e == errorType {
				known = true
				break
			}
		}
		if !known {
			state.ErrorTypes = append(state.ErrorTypes, errorType)
		}
	}

	next := phaseFor(state.Attempts, len(state.ErrorTypes))
	if next.Severity() > state.Phase.Severity() {
		logrus.Debugf("struggle phase for user %s feature %s: %s -> %s (attempts=%d, errors=%d)",
			state.UserID, state.Feature, state.Phase, next, state.Attempts, len(state.ErrorTypes))
		state.Phase = next
	}
}

func phaseFor(attempts, distinctErrors int) Phase {
	switch {
	case attempts >= 4 || distinctErrors >= 3:
		return PhaseHigh
	case attempts >= 3:
		return PhaseMedium
	case attempts >= 2:
		return PhaseLow
	case attempts >= 1:
		return PhaseWatching
	default:
		return PhaseNone
	}
}

// Escalate moves a high-severity state to escalated once an
// intervention has been handed off. Idempotent.
func Escalate(state *State, now time.Time) bool {
	if state.Phase != PhaseHigh {
		return false
	}
	state.Phase = PhaseEscalated
	state.InterventionTriggered = true
	state.LastAttempt = now
	logrus.Infof("struggle escalated for user %s feature %s after %d attempts",
		state.UserID, state.Feature, state.Attempts)
	return true
}

// Resolve marks the struggle resolved after the user completes the
// feature. Returns false if the state was not active.
func Resolve(state *State, now time.Time) bool {
	if !state.Phase.Active() {
		return false
	}
	state.Phase = PhaseResolved
	state.ResolvedAt = now
	logrus.Infof("struggle resolved for user %s feature %s after %d attempts",
		state.UserID, state.Feature, state.Attempts)
	return true
}
