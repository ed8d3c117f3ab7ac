package struggle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/userjourney/exit-intervention/pkg/common"
	"github.com/userjourney/exit-intervention/pkg/event"
	"github.com/userjourney/exit-intervention/pkg/resilience"
)

type memStore struct {
	states   map[string]*State
	putErrs  int
	putCalls int
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]*State)}
}

func (m *memStore) key(userID, feature string) string {
	return userID + ":" + feature
}

func (m *memStore) GetStruggleState(_ context.Context, userID, feature string) (*State, error) {
	s, ok := m.states[m.key(userID, feature)]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) PutStruggleState(_ context.Context, state *State) error {
	m.putCalls++
	if m.putErrs > 0 {
		m.putErrs--
		return errors.New("connection refused")
	}
	cp := *state
	m.states[m.key(state.UserID, state.Feature)] = &cp
	return nil
}

func (m *memStore) DeleteStruggleState(_ context.Context, userID, feature string) error {
	delete(m.states, m.key(userID, feature))
	return nil
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func struggleEvent(userID, feature string, attempts int, errorType string) *event.ValidatedEvent {
	return &event.ValidatedEvent{Event: event.Event{
		ID:        fmt.Sprintf("ev-%s-%d", feature, attempts),
		UserID:    userID,
		SessionID: "s1",
		Type:      event.TypeStruggleSignal,
		Timestamp: baseTime(),
		Payload:   event.Payload{Feature: feature, AttemptCount: &attempts, ErrorType: errorType},
	}}
}

func completionEvent(userID, feature string) *event.ValidatedEvent {
	return &event.ValidatedEvent{Event: event.Event{
		UserID:    userID,
		SessionID: "s1",
		Type:      event.TypeFeatureInteraction,
		Timestamp: baseTime(),
		Payload:   event.Payload{Feature: feature, Completed: true},
	}}
}

func TestDetector_EmitsSignalAtLowSeverity(t *testing.T) {
	store := newMemStore()
	d := NewDetector(store, nil, DetectorConfig{StoreRetry: fastRetry()}, nil)

	sig, err := d.Process(context.Background(), struggleEvent("u1", "document_upload", 2, ""))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if sig == nil {
		t.Fatal("expected a signal at low severity")
	}
	if sig.Phase != PhaseLow {
		t.Errorf("phase = %s, want low", sig.Phase)
	}
	if sig.UserID != "u1" || sig.Feature != "document_upload" {
		t.Errorf("signal key = (%s, %s), want (u1, document_upload)", sig.UserID, sig.Feature)
	}
}

func TestDetector_HighSeverityInvokesInvalidation(t *testing.T) {
	store := newMemStore()
	var invalidated []string
	d := NewDetector(store, nil, DetectorConfig{StoreRetry: fastRetry()},
		func(userID string) { invalidated = append(invalidated, userID) })

	ctx := context.Background()
	for attempts := 2; attempts <= 4; attempts++ {
		if _, err := d.Process(ctx, struggleEvent("u1", "document_upload", attempts, "timeout")); err != nil {
			t.Fatalf("Process(attempts=%d) error = %v", attempts, err)
		}
	}

	if len(invalidated) != 1 || invalidated[0] != "u1" {
		t.Errorf("invalidated = %v, want exactly [u1] at high severity", invalidated)
	}
}

func TestDetector_StoreFailureDoesNotAdvanceState(t *testing.T) {
	store := newMemStore()
	d := NewDetector(store, nil, DetectorConfig{StoreRetry: fastRetry()}, nil)
	ctx := context.Background()

	if _, err := d.Process(ctx, struggleEvent("u1", "document_upload", 2, "")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	store.putErrs = 10 // exhaust the retry budget
	_, err := d.Process(ctx, struggleEvent("u1", "document_upload", 3, "timeout"))
	if err == nil {
		t.Fatal("expected a store error")
	}
	if !common.IsTransient(err) {
		t.Errorf("err = %v, want TransientStoreError", err)
	}

	persisted, _ := store.GetStruggleState(ctx, "u1", "document_upload")
	if persisted.Attempts != 2 {
		t.Errorf("persisted attempts = %d, state must not advance past a failed persist", persisted.Attempts)
	}
}

func TestDetector_StoreRetrySucceedsAfterTransientFailure(t *testing.T) {
	store := newMemStore()
	d := NewDetector(store, nil, DetectorConfig{StoreRetry: fastRetry()}, nil)

	store.putErrs = 1
	sig, err := d.Process(context.Background(), struggleEvent("u1", "document_upload", 2, ""))
	if err != nil {
		t.Fatalf("Process() error = %v, want retry to absorb one failure", err)
	}
	if sig == nil {
		t.Fatal("expected a signal")
	}
	if store.putCalls != 2 {
		t.Errorf("put calls = %d, want 2", store.putCalls)
	}
}

func TestDetector_CompletionResolvesState(t *testing.T) {
	store := newMemStore()
	d := NewDetector(store, nil, DetectorConfig{StoreRetry: fastRetry()}, nil)
	ctx := context.Background()

	if _, err := d.Process(ctx, struggleEvent("u1", "document_upload", 3, "timeout")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if _, err := d.Process(ctx, completionEvent("u1", "document_upload")); err != nil {
		t.Fatalf("Process(completion) error = %v", err)
	}

	state, _ := store.GetStruggleState(ctx, "u1", "document_upload")
	if state.Phase != PhaseResolved {
		t.Errorf("phase = %s, want resolved after feature completion", state.Phase)
	}
}

func TestDetector_WindowExpiryStartsFresh(t *testing.T) {
	store := newMemStore()
	now := baseTime()
	d := NewDetector(store, nil, DetectorConfig{StoreRetry: fastRetry()}, nil).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	if _, err := d.Process(ctx, struggleEvent("u1", "document_upload", 3, "timeout")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	// Next attempt arrives after the attention window: evidence resets.
	now = now.Add(25 * time.Hour)
	sig, err := d.Process(ctx, struggleEvent("u1", "document_upload", 2, ""))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if sig == nil || sig.Phase != PhaseLow {
		t.Fatalf("signal = %+v, want fresh low-severity state after expiry", sig)
	}
	if sig.DistinctErrors != 0 {
		t.Errorf("distinctErrors = %d, old evidence must not carry over", sig.DistinctErrors)
	}
}

func TestDetector_RepeatedInteractionsEscalate(t *testing.T) {
	store := newMemStore()
	d := NewDetector(store, nil, DetectorConfig{StoreRetry: fastRetry()}, nil)
	ctx := context.Background()

	interaction := func(attempts int) *event.ValidatedEvent {
		return &event.ValidatedEvent{Event: event.Event{
			UserID:    "u1",
			SessionID: "s1",
			Type:      event.TypeFeatureInteraction,
			Timestamp: baseTime(),
			Payload:   event.Payload{Feature: "upload", AttemptCount: &attempts},
		}}
	}

	wantPhases := []Phase{PhaseWatching, PhaseLow, PhaseMedium}
	for i, want := range wantPhases {
		sig, err := d.Process(ctx, interaction(i+1))
		if err != nil {
			t.Fatalf("Process(attempt %d) error = %v", i+1, err)
		}

		state, _ := store.GetStruggleState(ctx, "u1", "upload")
		if state.Phase != want {
			t.Errorf("after attempt %d: phase = %s, want %s", i+1, state.Phase, want)
		}

		// Signals start at low severity: nothing after the first
		// attempt, a signal after the second and third.
		if i == 0 && sig != nil {
			t.Errorf("attempt 1 emitted signal %+v, want none", sig)
		}
		if i > 0 && sig == nil {
			t.Errorf("attempt %d emitted no signal", i+1)
		}
	}
}

func TestDetector_PageViewIsIgnored(t *testing.T) {
	store := newMemStore()
	d := NewDetector(store, nil, DetectorConfig{StoreRetry: fastRetry()}, nil)

	sig, err := d.Process(context.Background(), &event.ValidatedEvent{Event: event.Event{
		UserID: "u1", SessionID: "s1", Type: event.TypePageView,
		Timestamp: baseTime(), Payload: event.Payload{Feature: "dashboard"},
	}})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if sig != nil {
		t.Errorf("signal = %+v, want nil for page views", sig)
	}
	if store.putCalls != 0 {
		t.Errorf("put calls = %d, page views must not touch state", store.putCalls)
	}
}
