package struggle

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/userjourney/exit-intervention/pkg/audit"
	"github.com/userjourney/exit-intervention/pkg/common"
	"github.com/userjourney/exit-intervention/pkg/event"
	"github.com/userjourney/exit-intervention/pkg/resilience"
)

// StateStore persists per-(user, feature) struggle state. Implemented
// by the Redis store.
type StateStore interface {
	GetStruggleState(ctx context.Context, userID, feature string) (*State, error)
	PutStruggleState(ctx context.Context, state *State) error
	DeleteStruggleState(ctx context.Context, userID, feature string) error
}

// DetectorConfig tunes the detector.
type DetectorConfig struct {
	// AttentionWindow bounds how long struggle evidence stays live.
	AttentionWindow time.Duration
	// StoreRetry is the retry policy for state persistence.
	StoreRetry resilience.RetryConfig
}

// Detector runs the struggle state machine over validated events. The
// worker pool guarantees all events for one user reach the same
// detector goroutine, so state transitions per key are linearized
// without locking here.
type Detector struct {
	store  StateStore
	sink   audit.Sink
	cfg    DetectorConfig
	now    func() time.Time
	onHigh func(userID string)
}

// NewDetector creates a detector. onHigh is invoked after a state
// reaches high or escalated severity; the predictor registers its cache
// invalidation there. Pass nil for no callback.
func NewDetector(store StateStore, sink audit.Sink, cfg DetectorConfig, onHigh func(userID string)) *Detector {
	if cfg.AttentionWindow <= 0 {
		cfg.AttentionWindow = DefaultAttentionWindow
	}
	if sink == nil {
		sink = audit.NewLogSink()
	}
	return &Detector{
		store:  store,
		sink:   sink,
		cfg:    cfg,
		now:    time.Now,
		onHigh: onHigh,
	}
}

// WithClock overrides the time source. Intended for tests.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Process folds one validated event into the struggle state machine.
// It returns a Signal when the state sits at low severity or above, nil
// for events that produce no actionable struggle. A state transition is
// only observable after the new state has been persisted: on store
// failure the event is not consumed and the error is a
// TransientStoreError so the caller can dead-letter it.
func (d *Detector) Process(ctx context.Context, ev *event.ValidatedEvent) (*Signal, error) {
	switch ev.Type {
	case event.TypeStruggleSignal:
		return d.processStruggle(ctx, ev)
	case event.TypeFeatureInteraction:
		if ev.Payload.Completed {
			return nil, d.processCompletion(ctx, ev)
		}
		// Repeated incomplete interactions are struggle evidence too,
		// they just arrive without the explicit signal type.
		if ev.Payload.AttemptCount != nil {
			return d.processStruggle(ctx, ev)
		}
	}
	return nil, nil
}

func (d *Detector) processStruggle(ctx context.Context, ev *event.ValidatedEvent) (*Signal, error) {
	now := d.now()
	feature := ev.Payload.Feature

	state, err := d.loadState(ctx, ev.UserID, feature)
	if err != nil {
		return nil, err
	}

	// A stale or terminal state starts over; struggle evidence older
	// than the attention window must not influence new attempts.
	if CheckExpiry(state, now, d.cfg.AttentionWindow) || !state.Phase.Active() && state.Phase != PhaseNone {
		state = NewState(ev.UserID, feature)
	}

	prev := state.Phase
	attempts := 0
	if ev.Payload.AttemptCount != nil {
		attempts = *ev.Payload.AttemptCount
	}
	RecordAttempt(state, attempts, ev.Payload.ErrorType, now)

	if err := d.persist(ctx, state); err != nil {
		return nil, err
	}

	if state.Phase != prev {
		d.sink.Record(ctx, audit.Entry{
			Kind:    audit.KindStruggleTransition,
			UserID:  ev.UserID,
			EventID: ev.ID,
			Detail: map[string]interface{}{
				"feature":        feature,
				"from":           string(prev),
				"to":             string(state.Phase),
				"attempts":       state.Attempts,
				"distinctErrors": state.DistinctErrors(),
			},
			Timestamp: now,
		})
	}

	if state.Phase.Severity() >= PhaseHigh.Severity() && d.onHigh != nil {
		d.onHigh(ev.UserID)
	}

	if state.Phase.Severity() < PhaseLow.Severity() {
		return nil, nil
	}

	return &Signal{
		UserID:         state.UserID,
		Feature:        state.Feature,
		Phase:          state.Phase,
		Attempts:       state.Attempts,
		DistinctErrors: state.DistinctErrors(),
		Escalated:      state.Phase == PhaseEscalated,
		ObservedAt:     now,
	}, nil
}

func (d *Detector) processCompletion(ctx context.Context, ev *event.ValidatedEvent) error {
	now := d.now()
	feature := ev.Payload.Feature

	state, err := d.loadState(ctx, ev.UserID, feature)
	if err != nil {
		return err
	}
	if !state.Phase.Active() {
		return nil
	}

	prev := state.Phase
	Resolve(state, now)

	if err := d.persist(ctx, state); err != nil {
		return err
	}

	d.sink.Record(ctx, audit.Entry{
		Kind:    audit.KindStruggleTransition,
		UserID:  ev.UserID,
		EventID: ev.ID,
		Detail: map[string]interface{}{
			"feature": feature,
			"from":    string(prev),
			"to":      string(state.Phase),
		},
		Timestamp: now,
	})

	return nil
}

// MarkEscalated transitions a high state to escalated after the
// orchestrator has handed off an intervention.
func (d *Detector) MarkEscalated(ctx context.Context, userID, feature string) error {
	state, err := d.loadState(ctx, userID, feature)
	if err != nil {
		return err
	}
	if !Escalate(state, d.now()) {
		return nil
	}
	return d.persist(ctx, state)
}

func (d *Detector) loadState(ctx context.Context, userID, feature string) (*State, error) {
	state, err := d.store.GetStruggleState(ctx, userID, feature)
	if err != nil {
		if common.IsDataIntegrity(err) {
			// Corrupt state is quarantined, not fatal: continue from
			// a fresh state so the user keeps getting help.
			logrus.Warnf("discarding corrupt struggle state for user %s feature %s: %v", userID, feature, err)
			return NewState(userID, feature), nil
		}
		return nil, err
	}
	if state == nil {
		return NewState(userID, feature), nil
	}
	return state, nil
}

func (d *Detector) persist(ctx context.Context, state *State) error {
	err := resilience.Retry(ctx, "struggle-state-store", d.cfg.StoreRetry, func() error {
		return d.store.PutStruggleState(ctx, state)
	})
	if err != nil {
		return common.NewTransientStoreError("put struggle state", err)
	}
	return nil
}
