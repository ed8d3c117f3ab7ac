package struggle

import (
	"testing"
	"time"
)

func baseTime() time.Time {
	return time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
}

func TestRecordAttempt_PhaseThresholds(t *testing.T) {
	tests := []struct {
		name      string
		attempts  []int
		errors    []string
		wantPhase Phase
	}{
		{
			name:      "single attempt is watching",
			attempts:  []int{1},
			errors:    []string{""},
			wantPhase: PhaseWatching,
		},
		{
			name:      "two attempts is low",
			attempts:  []int{1, 2},
			errors:    []string{"", ""},
			wantPhase: PhaseLow,
		},
		{
			name:      "three attempts is medium",
			attempts:  []int{1, 2, 3},
			errors:    []string{"", "", ""},
			wantPhase: PhaseMedium,
		},
		{
			name:      "four attempts is high",
			attempts:  []int{1, 2, 3, 4},
			errors:    []string{"", "", "", ""},
			wantPhase: PhaseHigh,
		},
		{
			name:      "three distinct error types is high",
			attempts:  []int{1, 2, 3},
			errors:    []string{"timeout", "validation", "upload_failed"},
			wantPhase: PhaseHigh,
		},
		{
			name:      "repeated error type does not count twice",
			attempts:  []int{1, 2, 3},
			errors:    []string{"timeout", "timeout", "timeout"},
			wantPhase: PhaseMedium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := NewState("u1", "document_upload")
			now := baseTime()
			for i, a := range tt.attempts {
				RecordAttempt(state, a, tt.errors[i], now.Add(time.Duration(i)*time.Minute))
			}
			if state.Phase != tt.wantPhase {
				t.Errorf("phase = %s, want %s (attempts=%d, errors=%d)",
					state.Phase, tt.wantPhase, state.Attempts, state.DistinctErrors())
			}
		})
	}
}

func TestRecordAttempt_SeverityMonotone(t *testing.T) {
	state := NewState("u1", "document_upload")
	now := baseTime()

	RecordAttempt(state, 4, "timeout", now)
	if state.Phase != PhaseHigh {
		t.Fatalf("phase = %s, want high", state.Phase)
	}

	// A later observation with lower evidence must not lower severity.
	RecordAttempt(state, 1, "", now.Add(time.Minute))
	if state.Phase != PhaseHigh {
		t.Errorf("phase = %s, severity must be monotone non-decreasing", state.Phase)
	}
}

func TestRecordAttempt_TakesReportedAttemptCount(t *testing.T) {
	state := NewState("u1", "document_upload")
	RecordAttempt(state, 5, "", baseTime())
	if state.Attempts != 5 {
		t.Errorf("attempts = %d, want reported count 5", state.Attempts)
	}
	if state.Phase != PhaseHigh {
		t.Errorf("phase = %s, want high for 5 attempts", state.Phase)
	}
}

func TestCheckExpiry(t *testing.T) {
	now := baseTime()

	state := NewState("u1", "document_upload")
	RecordAttempt(state, 2, "", now)

	if CheckExpiry(state, now.Add(23*time.Hour), DefaultAttentionWindow) {
		t.Error("state inside the attention window must not expire")
	}
	if !CheckExpiry(state, now.Add(25*time.Hour), DefaultAttentionWindow) {
		t.Error("state outside the attention window must expire")
	}
	if state.Phase != PhaseExpired {
		t.Errorf("phase = %s, want expired", state.Phase)
	}

	// Terminal states do not expire again.
	if CheckExpiry(state, now.Add(48*time.Hour), DefaultAttentionWindow) {
		t.Error("expired state must not expire twice")
	}
}

func TestResolve(t *testing.T) {
	now := baseTime()
	state := NewState("u1", "document_upload")
	RecordAttempt(state, 3, "timeout", now)

	if !Resolve(state, now.Add(time.Minute)) {
		t.Fatal("active state must resolve")
	}
	if state.Phase != PhaseResolved {
		t.Errorf("phase = %s, want resolved", state.Phase)
	}
	if state.ResolvedAt.IsZero() {
		t.Error("ResolvedAt must be set")
	}
	if Resolve(state, now.Add(2*time.Minute)) {
		t.Error("resolved state must not resolve again")
	}
}

func TestEscalate(t *testing.T) {
	now := baseTime()
	state := NewState("u1", "document_upload")
	RecordAttempt(state, 4, "timeout", now)

	if !Escalate(state, now) {
		t.Fatal("high state must escalate")
	}
	if state.Phase != PhaseEscalated {
		t.Errorf("phase = %s, want escalated", state.Phase)
	}
	if !state.InterventionTriggered {
		t.Error("escalation must mark the intervention as triggered")
	}
	if Escalate(state, now) {
		t.Error("escalated state must not escalate again")
	}
}
