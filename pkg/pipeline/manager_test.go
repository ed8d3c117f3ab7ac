package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/userjourney/exit-intervention/pkg/audit"
	"github.com/userjourney/exit-intervention/pkg/common"
	"github.com/userjourney/exit-intervention/pkg/event"
	"github.com/userjourney/exit-intervention/pkg/feature"
	"github.com/userjourney/exit-intervention/pkg/intervention"
	"github.com/userjourney/exit-intervention/pkg/resilience"
	"github.com/userjourney/exit-intervention/pkg/risk"
	"github.com/userjourney/exit-intervention/pkg/struggle"
)

func base() time.Time {
	return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
}

// pipeStore is an in-memory stand-in for the Redis store, covering the
// manager, the detector, and the orchestrator.
type pipeStore struct {
	mu         sync.Mutex
	history    map[string][]event.Event
	states     map[string]*struggle.State
	records    map[string]*intervention.Record
	cooldowns  map[string]time.Time
	appendErrs int
	now        func() time.Time
}

func newPipeStore(now func() time.Time) *pipeStore {
	return &pipeStore{
		history:   make(map[string][]event.Event),
		states:    make(map[string]*struggle.State),
		records:   make(map[string]*intervention.Record),
		cooldowns: make(map[string]time.Time),
		now:       now,
	}
}

func (s *pipeStore) AppendEvent(_ context.Context, ev *event.ValidatedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErrs > 0 {
		s.appendErrs--
		return common.NewTransientStoreError("append event history", errors.New("connection refused"))
	}
	s.history[ev.UserID] = append([]event.Event{ev.Event}, s.history[ev.UserID]...)
	return nil
}

func (s *pipeStore) RecentEvents(_ context.Context, userID string, since time.Time) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, ev := range s.history[userID] {
		if ev.Timestamp.Before(since) {
			break
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *pipeStore) GetStruggleState(_ context.Context, userID, feat string) (*struggle.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[userID+":"+feat]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (s *pipeStore) PutStruggleState(_ context.Context, state *struggle.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.states[state.UserID+":"+state.Feature] = &cp
	return nil
}

func (s *pipeStore) DeleteStruggleState(_ context.Context, userID, feat string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, userID+":"+feat)
	return nil
}

func (s *pipeStore) PutIntervention(_ context.Context, rec *intervention.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *pipeStore) GetIntervention(_ context.Context, id string) (*intervention.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *pipeStore) OpenInterventions(_ context.Context) ([]*intervention.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*intervention.Record
	for _, rec := range s.records {
		if rec.Outcome == intervention.OutcomeUnknown {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *pipeStore) AcquireCooldown(_ context.Context, userID string, typ intervention.Type, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + ":" + string(typ)
	if until, ok := s.cooldowns[key]; ok && s.now().Before(until) {
		return false, nil
	}
	s.cooldowns[key] = s.now().Add(ttl)
	return true, nil
}

func (s *pipeStore) recordsOfType(typ intervention.Type) []*intervention.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*intervention.Record
	for _, rec := range s.records {
		if rec.Type == typ {
			out = append(out, rec)
		}
	}
	return out
}

type fixedScorer struct {
	mu          sync.Mutex
	probability float64
	calls       int
	err         error
}

func (f *fixedScorer) Score(context.Context, [feature.VectorSize]float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.probability, f.err
}

func (f *fixedScorer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type captureSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureSink) Record(_ context.Context, entry audit.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *captureSink) byKind(kind audit.Kind) []audit.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []audit.Entry
	for _, e := range c.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type managerFixture struct {
	manager      *Manager
	store        *pipeStore
	scorer       *fixedScorer
	sink         *captureSink
	predictor    *risk.Predictor
	orchestrator *intervention.Orchestrator
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	clock := func() time.Time { return base() }

	store := newPipeStore(clock)
	sink := &captureSink{}
	scorer := &fixedScorer{probability: 0.9}

	retry := resilience.RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2.0}

	predictor := risk.NewPredictor(scorer, nil, sink, risk.PredictorConfig{Retry: retry}).
		WithClock(clock)
	detector := struggle.NewDetector(store, sink, struggle.DetectorConfig{StoreRetry: retry},
		predictor.Invalidate).WithClock(clock)

	registry := intervention.NewChannelRegistry()
	for _, name := range []intervention.ChannelName{intervention.ChannelInApp, intervention.ChannelEmail, intervention.ChannelAgentTicket} {
		if err := registry.Register(intervention.NewLogChannel(name)); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}
	orchestrator := intervention.NewOrchestrator(store, registry, nil, sink,
		intervention.Config{DispatchRetry: retry}).WithClock(clock)

	validator := event.NewValidator(event.ModeDefault).WithClock(clock)
	manager := NewManager(validator, store, detector, feature.NewExtractor(),
		predictor, orchestrator, sink, 0).WithClock(clock)

	t.Cleanup(orchestrator.Drain)
	return &managerFixture{
		manager: manager, store: store, scorer: scorer, sink: sink,
		predictor: predictor, orchestrator: orchestrator,
	}
}

func interactionEvent(userID, feat string, attempts int) *event.Event {
	return &event.Event{
		ID:        fmt.Sprintf("ev-%s-%d", feat, attempts),
		UserID:    userID,
		SessionID: "s1",
		Type:      event.TypeFeatureInteraction,
		Timestamp: base(),
		Payload:   event.Payload{Feature: feat, AttemptCount: &attempts},
	}
}

func TestManager_RejectsInvalidEvent(t *testing.T) {
	f := newManagerFixture(t)

	err := f.manager.ProcessEvent(context.Background(), &event.Event{
		UserID: "u1", Type: event.TypeFeatureInteraction, Timestamp: base(),
	})

	var verr *event.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(f.sink.byKind(audit.KindValidationRejected)) != 1 {
		t.Error("rejection was not audited")
	}
	if len(f.store.history["u1"]) != 0 {
		t.Error("rejected event must not reach the history")
	}
}

func TestManager_RepeatedStrugglesTriggerTutorial(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	for attempts := 1; attempts <= 3; attempts++ {
		if err := f.manager.ProcessEvent(ctx, interactionEvent("u1", "document_upload", attempts)); err != nil {
			t.Fatalf("ProcessEvent(attempt %d) error = %v", attempts, err)
		}
	}

	state, _ := f.store.GetStruggleState(ctx, "u1", "document_upload")
	if state == nil || state.Phase != struggle.PhaseMedium {
		t.Fatalf("state = %+v, want medium after three attempts", state)
	}

	tutorials := f.store.recordsOfType(intervention.TypeTutorialPrompt)
	if len(tutorials) != 1 {
		t.Fatalf("tutorial prompts = %d, want 1", len(tutorials))
	}
	if tutorials[0].TriggerFeature != "document_upload" {
		t.Errorf("trigger feature = %s, want document_upload", tutorials[0].TriggerFeature)
	}

	// Medium severity must not reach the scorer.
	if f.scorer.callCount() != 0 {
		t.Errorf("scorer calls = %d, want 0 below high severity", f.scorer.callCount())
	}
}

func TestManager_HighStruggleAssessesRisk(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	for attempts := 1; attempts <= 4; attempts++ {
		if err := f.manager.ProcessEvent(ctx, interactionEvent("u1", "document_upload", attempts)); err != nil {
			t.Fatalf("ProcessEvent(attempt %d) error = %v", attempts, err)
		}
	}

	if f.scorer.callCount() == 0 {
		t.Fatal("high severity must trigger a risk assessment")
	}

	// probability 0.9 → score 90 → HIGH → priority outreach, alongside
	// the struggle-triggered enhanced support.
	if got := len(f.store.recordsOfType(intervention.TypeEnhancedSupport)); got != 1 {
		t.Errorf("enhanced support records = %d, want 1", got)
	}
	if got := len(f.store.recordsOfType(intervention.TypePriorityOutreach)); got != 1 {
		t.Errorf("priority outreach records = %d, want 1", got)
	}

	assessments := f.sink.byKind(audit.KindRiskAssessed)
	if len(assessments) == 0 {
		t.Fatal("risk assessment was not audited")
	}
	if band := assessments[len(assessments)-1].Detail["band"]; band != "HIGH" {
		t.Errorf("band = %v, want HIGH", band)
	}
}

func TestManager_CompletionMarksInterventionEffective(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	for attempts := 1; attempts <= 3; attempts++ {
		if err := f.manager.ProcessEvent(ctx, interactionEvent("u1", "document_upload", attempts)); err != nil {
			t.Fatalf("ProcessEvent(attempt %d) error = %v", attempts, err)
		}
	}

	// Let the tutorial dispatch settle before the completion arrives, so
	// the status update cannot interleave with the outcome write.
	f.orchestrator.Drain()

	completion := &event.Event{
		ID: "ev-done", UserID: "u1", SessionID: "s1",
		Type: event.TypeFeatureInteraction, Timestamp: base().Add(20 * time.Minute),
		Payload: event.Payload{Feature: "document_upload", Completed: true},
	}
	if err := f.manager.ProcessEvent(ctx, completion); err != nil {
		t.Fatalf("ProcessEvent(completion) error = %v", err)
	}

	tutorials := f.store.recordsOfType(intervention.TypeTutorialPrompt)
	if len(tutorials) != 1 {
		t.Fatalf("tutorial prompts = %d, want 1", len(tutorials))
	}
	if tutorials[0].Outcome != intervention.OutcomeEffective {
		t.Errorf("outcome = %s, want effective after completion inside the window", tutorials[0].Outcome)
	}

	state, _ := f.store.GetStruggleState(ctx, "u1", "document_upload")
	if state.Phase != struggle.PhaseResolved {
		t.Errorf("phase = %s, want resolved", state.Phase)
	}
}

func TestManager_AssessCohort(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	if err := f.manager.ProcessEvent(ctx, interactionEvent("u1", "document_upload", 1)); err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}

	results := f.manager.AssessCohort(ctx, []string{"u1", "ghost"})
	if len(results) != 2 {
		t.Fatalf("results = %d users, want 2", len(results))
	}
	if got := results["u1"].Source; got != risk.SourceModel {
		t.Errorf("u1 source = %s, want model", got)
	}
	if got := results["ghost"].Source; got != risk.SourceInsufficientData {
		t.Errorf("ghost source = %s, want insufficient_data for empty history", got)
	}
}

func TestManager_StoreFailureSurfacesAsTransient(t *testing.T) {
	f := newManagerFixture(t)
	f.store.appendErrs = 1

	err := f.manager.ProcessEvent(context.Background(), interactionEvent("u1", "document_upload", 1))
	if err == nil {
		t.Fatal("expected an error when history append fails")
	}
	if !common.IsTransient(err) {
		t.Errorf("err = %v, want TransientStoreError", err)
	}
}
