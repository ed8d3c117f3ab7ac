package intervention

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/userjourney/exit-intervention/pkg/audit"
	"github.com/userjourney/exit-intervention/pkg/resilience"
	"github.com/userjourney/exit-intervention/pkg/risk"
	"github.com/userjourney/exit-intervention/pkg/struggle"
)

// ErrNoAction is returned when no row of the decision table applies.
var ErrNoAction = errors.New("no intervention applies")

// ErrDeduplicated is returned when the decision was suppressed by the
// per-(user, type) cooldown.
var ErrDeduplicated = errors.New("intervention suppressed by cooldown")

// Store is the persistence the orchestrator needs. Implemented by
// store.RedisStore.
type Store interface {
	PutIntervention(ctx context.Context, rec *Record) error
	GetIntervention(ctx context.Context, id string) (*Record, error)
	OpenInterventions(ctx context.Context) ([]*Record, error)
	AcquireCooldown(ctx context.Context, userID string, typ Type, ttl time.Duration) (bool, error)
}

// StruggleContext is the struggle evidence handed to Decide.
type StruggleContext struct {
	Feature string
	Phase   struggle.Phase
}

// Config tunes the orchestrator.
type Config struct {
	// Cooldown is the dedup window per (user, type).
	Cooldown time.Duration
	// Variants are the A/B arms; a user's arm is a stable hash of
	// their id.
	Variants []string
	// Channels overrides the delivery channel per intervention type.
	Channels map[Type]ChannelName
	// StruggleFollowUp and RiskFollowUp bound the effectiveness
	// windows per trigger kind.
	StruggleFollowUp time.Duration
	RiskFollowUp     time.Duration
	// DispatchRetry is the per-channel delivery retry policy.
	DispatchRetry resilience.RetryConfig
}

// DefaultConfig returns production defaults: 1h cooldown, 1h struggle
// follow-up, 24h risk follow-up.
func DefaultConfig() Config {
	return Config{
		Cooldown:         time.Hour,
		Variants:         []string{"control", "variant_a"},
		StruggleFollowUp: time.Hour,
		RiskFollowUp:     24 * time.Hour,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if len(c.Variants) == 0 {
		c.Variants = d.Variants
	}
	if c.StruggleFollowUp <= 0 {
		c.StruggleFollowUp = d.StruggleFollowUp
	}
	if c.RiskFollowUp <= 0 {
		c.RiskFollowUp = d.RiskFollowUp
	}
	return c
}

// defaultChannels is the built-in type → channel wiring.
var defaultChannels = map[Type]ChannelName{
	TypeTooltip:             ChannelInApp,
	TypeTutorialPrompt:      ChannelInApp,
	TypeEnhancedSupport:     ChannelInApp,
	TypePriorityOutreach:    ChannelAgentTicket,
	TypePersonalizedMessage: ChannelEmail,
}

// Orchestrator turns struggle signals and risk assessments into
// intervention decisions, deduplicates them, and dispatches delivery
// asynchronously.
type Orchestrator struct {
	store    Store
	registry *ChannelRegistry
	breakers *resilience.Registry
	sink     audit.Sink
	cfg      Config
	now      func() time.Time

	wg sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. breakers guards delivery
// channels; pass the shared registry.
func NewOrchestrator(store Store, registry *ChannelRegistry, breakers *resilience.Registry, sink audit.Sink, cfg Config) *Orchestrator {
	if sink == nil {
		sink = audit.NewLogSink()
	}
	if breakers == nil {
		breakers = resilience.NewRegistry(resilience.DefaultBreakerConfig())
	}
	return &Orchestrator{
		store:    store,
		registry: registry,
		breakers: breakers,
		sink:     sink,
		cfg:      cfg.normalized(),
		now:      time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Decide applies the decision table (first match wins), deduplicates,
// persists the record, and dispatches delivery asynchronously. The
// record is returned as soon as it is persisted; delivery happens in
// the background.
//
// Table:
//  1. struggle low or medium → in-app contextual help
//  2. struggle high or escalated → enhanced support
//  3. risk band HIGH → priority outreach to a human agent
//  4. risk band MEDIUM → personalized assistance message
//  5. otherwise → ErrNoAction
func (o *Orchestrator) Decide(ctx context.Context, userID string, struggleCtx *StruggleContext, assessment *risk.Assessment) (*Record, error) {
	typ, trigger, ok := o.match(struggleCtx, assessment)
	if !ok {
		return nil, ErrNoAction
	}

	acquired, err := o.store.AcquireCooldown(ctx, userID, typ, o.cfg.Cooldown)
	if err != nil {
		return nil, err
	}
	if !acquired {
		o.sink.Record(ctx, audit.Entry{
			Kind:   audit.KindInterventionDeduped,
			UserID: userID,
			Detail: map[string]interface{}{
				"type":     string(typ),
				"cooldown": o.cfg.Cooldown.String(),
			},
			Timestamp: o.now(),
		})
		logrus.Debugf("intervention %s for user %s suppressed by cooldown", typ, userID)
		return nil, ErrDeduplicated
	}

	now := o.now()
	rec := NewRecord(userID, typ, o.channelFor(typ), trigger)
	rec.VariantID = o.variantFor(userID)
	rec.CreatedAt = now
	switch trigger {
	case TriggerStruggle:
		rec.TriggerFeature = struggleCtx.Feature
		rec.FollowUpUntil = now.Add(o.cfg.StruggleFollowUp)
	case TriggerRisk:
		rec.TriggerBand = string(assessment.Band)
		rec.FollowUpUntil = now.Add(o.cfg.RiskFollowUp)
	}

	if err := o.store.PutIntervention(ctx, rec); err != nil {
		return nil, err
	}

	o.sink.Record(ctx, audit.Entry{
		Kind:   audit.KindInterventionDecided,
		UserID: userID,
		Detail: map[string]interface{}{
			"id":      rec.ID,
			"type":    string(rec.Type),
			"channel": string(rec.Channel),
			"variant": rec.VariantID,
			"trigger": string(rec.Trigger),
		},
		Timestamp: now,
	})

	o.dispatch(rec)
	return rec, nil
}

func (o *Orchestrator) match(struggleCtx *StruggleContext, assessment *risk.Assessment) (Type, Trigger, bool) {
	if struggleCtx != nil {
		switch struggleCtx.Phase {
		case struggle.PhaseLow:
			return TypeTooltip, TriggerStruggle, true
		case struggle.PhaseMedium:
			return TypeTutorialPrompt, TriggerStruggle, true
		case struggle.PhaseHigh, struggle.PhaseEscalated:
			return TypeEnhancedSupport, TriggerStruggle, true
		}
	}
	if assessment != nil {
		switch assessment.Band {
		case risk.BandHigh:
			return TypePriorityOutreach, TriggerRisk, true
		case risk.BandMedium:
			return TypePersonalizedMessage, TriggerRisk, true
		}
	}
	return "", "", false
}

func (o *Orchestrator) channelFor(typ Type) ChannelName {
	if ch, ok := o.cfg.Channels[typ]; ok {
		return ch
	}
	return defaultChannels[typ]
}

// variantFor assigns an A/B arm deterministically: the same user always
// lands in the same arm.
func (o *Orchestrator) variantFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return o.cfg.Variants[h.Sum32()%uint32(len(o.cfg.Variants))]
}

// dispatch delivers the record in the background, guarded by the
// channel's breaker and the retry policy. Delivery failure marks the
// record failed but never propagates to the caller.
func (o *Orchestrator) dispatch(rec *Record) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ch := o.registry.Get(rec.Channel)
		if ch == nil {
			logrus.Errorf("no channel %s registered, dropping intervention %s", rec.Channel, rec.ID)
			o.updateStatus(ctx, rec.ID, StatusFailed)
			return
		}

		policy := resilience.NewPolicy(string(rec.Channel), o.cfg.DispatchRetry, o.breakers.Get(string(rec.Channel)))
		err := policy.Execute(ctx, func(ctx context.Context) error {
			return ch.Deliver(ctx, rec)
		})
		if err != nil {
			logrus.Warnf("delivery of intervention %s over %s failed: %v", rec.ID, rec.Channel, err)
			o.updateStatus(ctx, rec.ID, StatusFailed)
			return
		}

		o.updateStatus(ctx, rec.ID, StatusDispatched)
	}()
}

func (o *Orchestrator) updateStatus(ctx context.Context, id string, status Status) {
	rec, err := o.store.GetIntervention(ctx, id)
	if err != nil || rec == nil {
		logrus.Warnf("cannot update status of intervention %s: %v", id, err)
		return
	}
	// Delivered is terminal for the delivery lifecycle; a late
	// dispatch status must not regress it.
	if rec.Status == StatusDelivered {
		return
	}
	rec.Status = status
	if err := o.store.PutIntervention(ctx, rec); err != nil {
		logrus.Warnf("cannot persist status of intervention %s: %v", id, err)
	}
}

// Drain waits for in-flight dispatches to finish. Called on shutdown.
func (o *Orchestrator) Drain() {
	o.wg.Wait()
}
