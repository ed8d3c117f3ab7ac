package bootstrap

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/userjourney/exit-intervention/pkg/audit"
	"github.com/userjourney/exit-intervention/pkg/pipeline"
	"github.com/userjourney/exit-intervention/pkg/resilience"
	"github.com/userjourney/exit-intervention/pkg/risk"

	"github.com/userjourney/exit-intervention/internal/config"
)

// InitPredictor creates the exit risk predictor backed by the HTTP
// scoring endpoint. With no endpoint configured every assessment uses
// the rule-based fallback.
func InitPredictor(cfg *config.Config, pcfg *pipeline.Config, breakers *resilience.Registry, sink audit.Sink) *risk.Predictor {
	endpoint := pcfg.Risk.Endpoint
	if endpoint == "" {
		endpoint = cfg.ScoringEndpoint
	}
	timeout := pcfg.Risk.Timeout.Std()
	if timeout <= 0 {
		timeout = time.Duration(cfg.ScoringTimeoutMs) * time.Millisecond
	}

	scorer := risk.NewHTTPScorer(risk.HTTPScorerConfig{
		Endpoint: endpoint,
		Timeout:  timeout,
	})

	predictor := risk.NewPredictor(scorer, breakers.Get("scoring"), sink, pcfg.PredictorConfig())

	if endpoint == "" {
		logrus.Warn("no scoring endpoint configured, risk assessments will use the rule-based fallback")
	} else {
		logrus.Infof("initialized risk predictor against %s", endpoint)
	}
	return predictor
}
