package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/userjourney/exit-intervention/pkg/audit"
	"github.com/userjourney/exit-intervention/pkg/common"
	"github.com/userjourney/exit-intervention/pkg/event"
	"github.com/userjourney/exit-intervention/pkg/feature"
	"github.com/userjourney/exit-intervention/pkg/intervention"
	"github.com/userjourney/exit-intervention/pkg/metrics"
	"github.com/userjourney/exit-intervention/pkg/risk"
	"github.com/userjourney/exit-intervention/pkg/struggle"
)

const (
	// processTimeout bounds one event's trip through the pipeline.
	processTimeout = 5 * time.Second

	// defaultHistoryWindow bounds how far back feature extraction reads.
	defaultHistoryWindow = 30 * 24 * time.Hour
)

// Store is the persistence the manager needs. Implemented by
// store.RedisStore.
type Store interface {
	AppendEvent(ctx context.Context, ev *event.ValidatedEvent) error
	RecentEvents(ctx context.Context, userID string, since time.Time) ([]event.Event, error)
	GetStruggleState(ctx context.Context, userID, feature string) (*struggle.State, error)
}

// Manager runs one event through the complete pipeline:
// validate → persist history → detect struggle → assess risk → intervene.
type Manager struct {
	validator     *event.Validator
	store         Store
	detector      *struggle.Detector
	extractor     *feature.Extractor
	predictor     *risk.Predictor
	orchestrator  *intervention.Orchestrator
	sink          audit.Sink
	historyWindow time.Duration
	now           func() time.Time
}

// NewManager creates a pipeline manager from already-wired components.
func NewManager(validator *event.Validator, store Store, detector *struggle.Detector,
	extractor *feature.Extractor, predictor *risk.Predictor,
	orchestrator *intervention.Orchestrator, sink audit.Sink, historyWindow time.Duration) *Manager {
	if sink == nil {
		sink = audit.NewLogSink()
	}
	if historyWindow <= 0 {
		historyWindow = defaultHistoryWindow
	}
	return &Manager{
		validator:     validator,
		store:         store,
		detector:      detector,
		extractor:     extractor,
		predictor:     predictor,
		orchestrator:  orchestrator,
		sink:          sink,
		historyWindow: historyWindow,
		now:           time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// ProcessEvent runs one raw event through the pipeline. A returned
// error means the event was not consumed: validation failures are
// terminal (never retried), everything else is a candidate for the
// dead-letter path.
func (m *Manager) ProcessEvent(ctx context.Context, ev *event.Event) error {
	start := time.Now()
	defer func() {
		metrics.EventProcessingDuration.WithLabelValues(string(ev.Type)).
			Observe(time.Since(start).Seconds())
	}()

	scope := common.ChildScopeFromRemoteScope(ctx, "pipeline.ProcessEvent")
	defer scope.Finish()
	scope.AddBaggage("event.type", string(ev.Type))
	scope.AddBaggage("user.id", ev.UserID)

	ctx, cancel := context.WithTimeout(scope.Ctx, processTimeout)
	defer cancel()

	validated, err := m.validator.Validate(ev)
	if err != nil {
		scope.TraceError(err)
		m.recordRejection(ctx, ev, err)
		return err
	}

	if err := m.store.AppendEvent(ctx, validated); err != nil {
		scope.TraceError(err)
		metrics.EventsProcessedTotal.WithLabelValues(string(ev.Type), "error").Inc()
		return err
	}

	sig, err := m.detector.Process(ctx, validated)
	if err != nil {
		scope.TraceError(err)
		metrics.EventsProcessedTotal.WithLabelValues(string(ev.Type), "error").Inc()
		return err
	}

	if validated.Type == event.TypeFeatureInteraction && validated.Payload.Completed {
		if err := m.orchestrator.NotifyFeatureCompleted(ctx, validated.UserID, validated.Payload.Feature, validated.Timestamp); err != nil {
			logrus.Warnf("effectiveness follow-up for user %s failed: %v", validated.UserID, err)
		}
	}

	if sig != nil {
		metrics.StruggleTransitionsTotal.WithLabelValues(string(sig.Phase)).Inc()
		m.intervene(ctx, validated, sig)
	}

	metrics.EventsProcessedTotal.WithLabelValues(string(ev.Type), "ok").Inc()
	return nil
}

// intervene reacts to a struggle signal: contextual help for low and
// medium severity, enhanced support plus a fresh risk assessment for
// high and above. Intervention failures are logged, never propagated:
// the event itself was consumed.
func (m *Manager) intervene(ctx context.Context, ev *event.ValidatedEvent, sig *struggle.Signal) {
	m.decide(ctx, ev.UserID, &intervention.StruggleContext{
		Feature: sig.Feature,
		Phase:   sig.Phase,
	}, nil)

	if sig.Phase.Severity() < struggle.PhaseHigh.Severity() {
		return
	}

	assessment := m.assessRisk(ctx, ev.UserID, sig)
	if assessment == nil {
		return
	}
	metrics.RiskAssessmentsTotal.WithLabelValues(string(assessment.Band), string(assessment.Source)).Inc()

	m.decide(ctx, ev.UserID, nil, assessment)
}

// assessRisk extracts a feature vector from recent history and the
// current struggle evidence and scores it. Returns nil only when
// history cannot be read at all.
func (m *Manager) assessRisk(ctx context.Context, userID string, sig *struggle.Signal) *risk.Assessment {
	now := m.now()

	history, err := m.store.RecentEvents(ctx, userID, now.Add(-m.historyWindow))
	if err != nil {
		logrus.Warnf("cannot read history for user %s, skipping risk assessment: %v", userID, err)
		return nil
	}

	var features *feature.ExitRiskFeatures
	if len(history) > 0 {
		var states []*struggle.State
		if state, err := m.store.GetStruggleState(ctx, userID, sig.Feature); err == nil && state != nil {
			states = append(states, state)
		}
		features = m.extractor.Extract(userID, history, states, now)
	}

	assessment, err := m.predictor.Predict(ctx, userID, features)
	if err != nil {
		logrus.Warnf("risk assessment for user %s failed: %v", userID, err)
		return nil
	}
	return assessment
}

// Features implements risk.FeatureSource for batch assessment. nil
// features mean the user has no recent history.
func (m *Manager) Features(ctx context.Context, userID string) (*feature.ExitRiskFeatures, error) {
	history, err := m.store.RecentEvents(ctx, userID, m.now().Add(-m.historyWindow))
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}
	return m.extractor.Extract(userID, history, nil, m.now()), nil
}

// AssessCohort scores a set of users concurrently and independently:
// one user's failure does not affect the others. Backs periodic cohort
// review jobs.
func (m *Manager) AssessCohort(ctx context.Context, userIDs []string) map[string]*risk.Assessment {
	return m.predictor.PredictBatch(ctx, userIDs, m)
}

func (m *Manager) decide(ctx context.Context, userID string, struggleCtx *intervention.StruggleContext, assessment *risk.Assessment) {
	rec, err := m.orchestrator.Decide(ctx, userID, struggleCtx, assessment)
	switch {
	case errors.Is(err, intervention.ErrNoAction):
	case errors.Is(err, intervention.ErrDeduplicated):
		metrics.InterventionsTotal.WithLabelValues("", "deduplicated").Inc()
	case err != nil:
		logrus.Warnf("intervention decision for user %s failed: %v", userID, err)
	default:
		metrics.InterventionsTotal.WithLabelValues(string(rec.Type), "decided").Inc()
	}
}

func (m *Manager) recordRejection(ctx context.Context, ev *event.Event, err error) {
	metrics.EventsProcessedTotal.WithLabelValues(string(ev.Type), "rejected").Inc()

	var verr *event.ValidationError
	if !errors.As(err, &verr) {
		return
	}

	codes := make([]string, 0, len(verr.Violations))
	for _, v := range verr.Violations {
		metrics.ValidationRejectionsTotal.WithLabelValues(v.Code).Inc()
		codes = append(codes, v.Code)
	}

	m.sink.Record(ctx, audit.Entry{
		Kind:    audit.KindValidationRejected,
		UserID:  ev.UserID,
		EventID: ev.ID,
		Detail: map[string]interface{}{
			"eventType":  string(ev.Type),
			"violations": codes,
		},
		Timestamp: m.now(),
	})
}
