package bootstrap

import (
	"github.com/sirupsen/logrus"

	"github.com/userjourney/exit-intervention/pkg/audit"
	"github.com/userjourney/exit-intervention/pkg/event"
	"github.com/userjourney/exit-intervention/pkg/feature"
	"github.com/userjourney/exit-intervention/pkg/intervention"
	"github.com/userjourney/exit-intervention/pkg/pipeline"
	"github.com/userjourney/exit-intervention/pkg/risk"
	"github.com/userjourney/exit-intervention/pkg/store"
	"github.com/userjourney/exit-intervention/pkg/struggle"
)

// InitPipeline wires the pipeline manager and starts its worker pool.
// Events for the same user always land on the same worker, so per-user
// processing stays ordered.
func InitPipeline(
	redisStore *store.RedisStore,
	detector *struggle.Detector,
	predictor *risk.Predictor,
	orchestrator *intervention.Orchestrator,
	sink audit.Sink,
	pcfg *pipeline.Config,
) (*pipeline.Manager, *pipeline.Pool) {
	validator := event.NewValidator(event.Mode(pcfg.Validation.Mode))

	manager := pipeline.NewManager(
		validator,
		redisStore,
		detector,
		feature.NewExtractor(),
		predictor,
		orchestrator,
		sink,
		pcfg.Risk.HistoryWindow.Std(),
	)

	pool := pipeline.NewPool(manager, pipeline.NewAuditDeadLetter(sink), pipeline.PoolConfig{
		Workers:   pcfg.Workers.Count,
		QueueSize: pcfg.Workers.QueueSize,
	})

	logrus.Infof("initialized pipeline manager")
	return manager, pool
}
