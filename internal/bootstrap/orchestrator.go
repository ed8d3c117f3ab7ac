package bootstrap

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/userjourney/exit-intervention/pkg/audit"
	"github.com/userjourney/exit-intervention/pkg/intervention"
	"github.com/userjourney/exit-intervention/pkg/pipeline"
	"github.com/userjourney/exit-intervention/pkg/resilience"
	"github.com/userjourney/exit-intervention/pkg/store"
)

// InitOrchestrator creates the intervention orchestrator with the
// delivery channel registry. Until real gateways are wired, every
// channel is the logging stand-in.
func InitOrchestrator(redisStore *store.RedisStore, breakers *resilience.Registry, sink audit.Sink, pcfg *pipeline.Config) (*intervention.Orchestrator, error) {
	registry := intervention.NewChannelRegistry()
	for _, name := range []intervention.ChannelName{
		intervention.ChannelInApp,
		intervention.ChannelPush,
		intervention.ChannelEmail,
		intervention.ChannelAgentTicket,
	} {
		if err := registry.Register(intervention.NewLogChannel(name)); err != nil {
			return nil, fmt.Errorf("registering channel %s: %w", name, err)
		}
	}

	orchestrator := intervention.NewOrchestrator(redisStore, registry, breakers, sink, pcfg.OrchestratorConfig())
	logrus.Infof("initialized intervention orchestrator with channels %v", registry.Names())
	return orchestrator, nil
}
