package pipeline

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/userjourney/exit-intervention/pkg/event"
	"github.com/userjourney/exit-intervention/pkg/intervention"
	"github.com/userjourney/exit-intervention/pkg/resilience"
	"github.com/userjourney/exit-intervention/pkg/risk"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "24h" or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete pipeline configuration.
type Config struct {
	Validation   ValidationConfig   `yaml:"validation"`
	Struggle     StruggleConfig     `yaml:"struggle"`
	Risk         RiskConfig         `yaml:"risk"`
	Intervention InterventionConfig `yaml:"intervention"`
	Workers      WorkerConfig       `yaml:"workers"`
	Retry        RetryConfig        `yaml:"retry"`
}

// ValidationConfig selects the validator mode.
type ValidationConfig struct {
	Mode string `yaml:"mode"`
}

// StruggleConfig tunes the struggle detector.
type StruggleConfig struct {
	AttentionWindow Duration `yaml:"attentionWindow"`
}

// RiskConfig tunes the exit risk predictor and its scorer endpoint.
type RiskConfig struct {
	Endpoint      string               `yaml:"endpoint"`
	Timeout       Duration             `yaml:"timeout"`
	CacheTTL      Duration             `yaml:"cacheTTL"`
	HistoryWindow Duration             `yaml:"historyWindow"`
	Fallback      risk.FallbackWeights `yaml:"fallback"`
}

// InterventionConfig tunes the orchestrator.
type InterventionConfig struct {
	Cooldown         Duration          `yaml:"cooldown"`
	Variants         []string          `yaml:"variants"`
	Channels         map[string]string `yaml:"channels"`
	StruggleFollowUp Duration          `yaml:"struggleFollowUp"`
	RiskFollowUp     Duration          `yaml:"riskFollowUp"`
	SweepInterval    Duration          `yaml:"sweepInterval"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queueSize"`
}

// RetryConfig mirrors resilience.RetryConfig with YAML durations.
type RetryConfig struct {
	MaxAttempts     uint     `yaml:"maxAttempts"`
	InitialInterval Duration `yaml:"initialInterval"`
	MaxInterval     Duration `yaml:"maxInterval"`
	Multiplier      float64  `yaml:"multiplier"`
}

// Resilience converts to the runtime retry config.
func (r RetryConfig) Resilience() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval.Std(),
		MaxInterval:     r.MaxInterval.Std(),
		Multiplier:      r.Multiplier,
	}
}

// LoadConfig loads pipeline configuration from a YAML file.
// Supports environment variable expansion in the form ${VAR_NAME} or
// ${VAR_NAME:default}.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

var validChannels = map[string]bool{
	string(intervention.ChannelInApp):       true,
	string(intervention.ChannelPush):        true,
	string(intervention.ChannelEmail):       true,
	string(intervention.ChannelAgentTicket): true,
}

// Validate checks the configuration for common errors. Zero values are
// fine everywhere defaults exist; only contradictory settings fail.
func (c *Config) Validate() error {
	switch event.Mode(c.Validation.Mode) {
	case "", event.ModeDefault, event.ModeDemo, event.ModeProduction:
	default:
		return fmt.Errorf("unknown validation mode: %s", c.Validation.Mode)
	}

	if c.Workers.Count < 0 {
		return fmt.Errorf("worker count must not be negative, got %d", c.Workers.Count)
	}
	if c.Workers.QueueSize < 0 {
		return fmt.Errorf("worker queue size must not be negative, got %d", c.Workers.QueueSize)
	}

	for typ, channel := range c.Intervention.Channels {
		if !validChannels[channel] {
			return fmt.Errorf("intervention type %s maps to unknown channel: %s", typ, channel)
		}
	}

	seen := make(map[string]bool)
	for _, variant := range c.Intervention.Variants {
		if variant == "" {
			return fmt.Errorf("empty variant name")
		}
		if seen[variant] {
			return fmt.Errorf("duplicate variant: %s", variant)
		}
		seen[variant] = true
	}

	return nil
}

// OrchestratorConfig converts the intervention section into the
// orchestrator's runtime config.
func (c *Config) OrchestratorConfig() intervention.Config {
	channels := make(map[intervention.Type]intervention.ChannelName, len(c.Intervention.Channels))
	for typ, channel := range c.Intervention.Channels {
		channels[intervention.Type(typ)] = intervention.ChannelName(channel)
	}
	return intervention.Config{
		Cooldown:         c.Intervention.Cooldown.Std(),
		Variants:         c.Intervention.Variants,
		Channels:         channels,
		StruggleFollowUp: c.Intervention.StruggleFollowUp.Std(),
		RiskFollowUp:     c.Intervention.RiskFollowUp.Std(),
		DispatchRetry:    c.Retry.Resilience(),
	}
}

// PredictorConfig converts the risk section into the predictor's
// runtime config.
func (c *Config) PredictorConfig() risk.PredictorConfig {
	return risk.PredictorConfig{
		CacheTTL: c.Risk.CacheTTL.Std(),
		Retry:    c.Retry.Resilience(),
		Weights:  c.Risk.Fallback,
	}
}

// expandEnvVars expands environment variables in the format ${VAR} or
// ${VAR:default}.
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		parts := strings.SplitN(key, ":", 2)
		varName := parts[0]
		defaultValue := ""
		if len(parts) == 2 {
			defaultValue = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			return defaultValue
		}
		return value
	})
}
