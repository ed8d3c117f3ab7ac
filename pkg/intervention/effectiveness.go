package intervention

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/userjourney/exit-intervention/pkg/audit"
)

// MarkDelivered records channel delivery confirmation. Idempotent:
// duplicate callbacks are no-ops, and a confirmation arriving after the
// outcome was resolved is still recorded without touching the outcome.
func (o *Orchestrator) MarkDelivered(ctx context.Context, id string) error {
	rec, err := o.store.GetIntervention(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil || rec.Status == StatusDelivered {
		return nil
	}

	rec.Status = StatusDelivered
	rec.DeliveredAt = o.now()
	return o.store.PutIntervention(ctx, rec)
}

// RecordOutcome resolves a record's effectiveness. Idempotent and
// commutative: once an outcome is set, later calls are no-ops, so
// out-of-order duplicate callbacks cannot flip a verdict.
func (o *Orchestrator) RecordOutcome(ctx context.Context, id string, outcome Outcome) error {
	rec, err := o.store.GetIntervention(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil || rec.Outcome != OutcomeUnknown {
		return nil
	}

	rec.Outcome = outcome
	rec.OutcomeAt = o.now()
	if err := o.store.PutIntervention(ctx, rec); err != nil {
		return err
	}

	o.sink.Record(ctx, audit.Entry{
		Kind:   audit.KindInterventionOutcome,
		UserID: rec.UserID,
		Detail: map[string]interface{}{
			"id":      rec.ID,
			"type":    string(rec.Type),
			"variant": rec.VariantID,
			"outcome": string(outcome),
		},
		Timestamp: o.now(),
	})
	return nil
}

// NotifyFeatureCompleted marks struggle-triggered interventions for
// (user, feature) effective when the completion lands inside their
// follow-up window.
func (o *Orchestrator) NotifyFeatureCompleted(ctx context.Context, userID, feature string, at time.Time) error {
	open, err := o.store.OpenInterventions(ctx)
	if err != nil {
		return err
	}

	for _, rec := range open {
		if rec.UserID != userID || rec.Trigger != TriggerStruggle || rec.TriggerFeature != feature {
			continue
		}
		if at.After(rec.FollowUpUntil) {
			continue
		}
		if err := o.RecordOutcome(ctx, rec.ID, OutcomeEffective); err != nil {
			return err
		}
	}
	return nil
}

// NotifyBandDrop marks risk-triggered interventions effective when the
// user's band dropped below the band at decision time inside the
// follow-up window.
func (o *Orchestrator) NotifyBandDrop(ctx context.Context, userID, newBand string, at time.Time) error {
	open, err := o.store.OpenInterventions(ctx)
	if err != nil {
		return err
	}

	for _, rec := range open {
		if rec.UserID != userID || rec.Trigger != TriggerRisk {
			continue
		}
		if at.After(rec.FollowUpUntil) {
			continue
		}
		if bandRank(newBand) >= bandRank(rec.TriggerBand) {
			continue
		}
		if err := o.RecordOutcome(ctx, rec.ID, OutcomeEffective); err != nil {
			return err
		}
	}
	return nil
}

func bandRank(band string) int {
	switch band {
	case "LOW":
		return 0
	case "MEDIUM":
		return 1
	case "HIGH":
		return 2
	default:
		return -1
	}
}

// ResolveOutcomes sweeps open records and marks those whose follow-up
// window elapsed without the trigger clearing as ineffective. Run
// periodically.
func (o *Orchestrator) ResolveOutcomes(ctx context.Context, now time.Time) error {
	open, err := o.store.OpenInterventions(ctx)
	if err != nil {
		return err
	}

	resolved := 0
	for _, rec := range open {
		if now.Before(rec.FollowUpUntil) {
			continue
		}
		if err := o.RecordOutcome(ctx, rec.ID, OutcomeIneffective); err != nil {
			return err
		}
		resolved++
	}

	if resolved > 0 {
		logrus.Debugf("outcome sweep resolved %d interventions as ineffective", resolved)
	}
	return nil
}
