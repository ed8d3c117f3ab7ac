package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline metrics. Registered onto the metrics server's registry at
// startup.
var (
	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exit_intervention_events_processed_total",
			Help: "Events processed, by event type and result",
		},
		[]string{"event_type", "result"},
	)

	ValidationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exit_intervention_validation_rejections_total",
			Help: "Events rejected by validation, by violation code",
		},
		[]string{"code"},
	)

	StruggleTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exit_intervention_struggle_transitions_total",
			Help: "Struggle state transitions, by resulting phase",
		},
		[]string{"phase"},
	)

	RiskAssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exit_intervention_risk_assessments_total",
			Help: "Risk assessments produced, by band and source",
		},
		[]string{"band", "source"},
	)

	InterventionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exit_intervention_interventions_total",
			Help: "Intervention decisions, by type and disposition",
		},
		[]string{"type", "disposition"},
	)

	DeadLetterTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exit_intervention_dead_letter_total",
			Help: "Events sent to the dead-letter path",
		},
	)

	EventProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "exit_intervention_event_processing_seconds",
			Help: "End-to-end per-event pipeline latency",
			// The delivery SLA is 5s; buckets resolve where inside it
			// events land.
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"event_type"},
	)

	WorkerQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exit_intervention_worker_queue_depth",
			Help: "Events waiting per worker queue",
		},
		[]string{"worker"},
	)
)

// Register adds all pipeline metrics to the given registry.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		EventsProcessedTotal,
		ValidationRejectionsTotal,
		StruggleTransitionsTotal,
		RiskAssessmentsTotal,
		InterventionsTotal,
		DeadLetterTotal,
		EventProcessingDuration,
		WorkerQueueDepth,
	)
}
