package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind classifies audit entries by the pipeline decision they record.
type Kind string

const (
	KindValidationRejected  Kind = "validation_rejected"
	KindStruggleTransition  Kind = "struggle_transition"
	KindRiskAssessed        Kind = "risk_assessed"
	KindInterventionDecided Kind = "intervention_decided"
	KindInterventionDeduped Kind = "intervention_deduplicated"
	KindInterventionOutcome Kind = "intervention_outcome"
	KindEventDeadLettered   Kind = "event_dead_lettered"
)

// Entry is a single audit record. Every accepted event and every
// decision taken on it produces one, regardless of outcome.
type Entry struct {
	Kind      Kind                   `json:"kind"`
	UserID    string                 `json:"userId"`
	EventID   string                 `json:"eventId,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Sink receives audit entries. Implementations must not block the
// pipeline; slow sinks should buffer or drop internally.
type Sink interface {
	Record(ctx context.Context, entry Entry)
}

// LogSink writes audit entries as structured log lines. It is the
// default sink and always safe to use.
type LogSink struct {
	log *logrus.Entry
}

// NewLogSink creates a sink logging under the "audit" component field.
func NewLogSink() *LogSink {
	return &LogSink{log: logrus.WithField("component", "audit")}
}

// Record implements Sink.
func (s *LogSink) Record(_ context.Context, entry Entry) {
	s.log.WithFields(logrus.Fields{
		"kind":    entry.Kind,
		"userId":  entry.UserID,
		"eventId": entry.EventID,
		"detail":  entry.Detail,
	}).Info("audit")
}

// MultiSink fans entries out to several sinks.
type MultiSink []Sink

// Record implements Sink.
func (m MultiSink) Record(ctx context.Context, entry Entry) {
	for _, s := range m {
		s.Record(ctx, entry)
	}
}

// New creates an Entry stamped with now.
func New(kind Kind, userID string, detail map[string]interface{}) Entry {
	return Entry{
		Kind:      kind,
		UserID:    userID,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}
