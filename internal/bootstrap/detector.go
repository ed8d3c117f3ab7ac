package bootstrap

import (
	"github.com/sirupsen/logrus"

	"github.com/userjourney/exit-intervention/pkg/audit"
	"github.com/userjourney/exit-intervention/pkg/pipeline"
	"github.com/userjourney/exit-intervention/pkg/risk"
	"github.com/userjourney/exit-intervention/pkg/store"
	"github.com/userjourney/exit-intervention/pkg/struggle"
)

// InitDetector creates the struggle detector. HIGH severity signals
// invalidate the user's cached risk assessment so the next prediction
// reflects the fresh evidence.
func InitDetector(redisStore *store.RedisStore, sink audit.Sink, pcfg *pipeline.Config, predictor *risk.Predictor) *struggle.Detector {
	detector := struggle.NewDetector(redisStore, sink, struggle.DetectorConfig{
		AttentionWindow: pcfg.Struggle.AttentionWindow.Std(),
		StoreRetry:      pcfg.Retry.Resilience(),
	}, predictor.Invalidate)

	logrus.Infof("initialized struggle detector (attention window %s)", pcfg.Struggle.AttentionWindow.Std())
	return detector
}
