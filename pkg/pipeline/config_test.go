package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const sampleConfig = `
validation:
  mode: production
struggle:
  attentionWindow: 24h
risk:
  endpoint: ${SCORING_ENDPOINT:http://localhost:8080/invocations}
  timeout: 2s
  cacheTTL: 5m
  historyWindow: 720h
intervention:
  cooldown: 1h
  variants: [control, variant_a]
  channels:
    tooltip: in_app
    priority_outreach: agent_ticket
  struggleFollowUp: 1h
  riskFollowUp: 24h
workers:
  count: 8
  queueSize: 256
retry:
  maxAttempts: 3
  initialInterval: 500ms
  maxInterval: 10s
  multiplier: 2.0
`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Validation.Mode != "production" {
		t.Errorf("mode = %s, want production", cfg.Validation.Mode)
	}
	if got := cfg.Struggle.AttentionWindow.Std(); got != 24*time.Hour {
		t.Errorf("attention window = %s, want 24h", got)
	}
	if cfg.Risk.Endpoint != "http://localhost:8080/invocations" {
		t.Errorf("endpoint = %s, want the ${VAR:default} fallback", cfg.Risk.Endpoint)
	}
	if got := cfg.Retry.Resilience().InitialInterval; got != 500*time.Millisecond {
		t.Errorf("retry initial interval = %s, want 500ms", got)
	}
	if got := cfg.Workers.Count; got != 8 {
		t.Errorf("worker count = %d, want 8", got)
	}
}

func TestLoadConfig_EnvExpansion(t *testing.T) {
	t.Setenv("SCORING_ENDPOINT", "https://scoring.internal/invocations")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Risk.Endpoint != "https://scoring.internal/invocations" {
		t.Errorf("endpoint = %s, environment must win over the default", cfg.Risk.Endpoint)
	}
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "struggle:\n  attentionWindow: soon\n"))
	if err == nil {
		t.Fatal("expected an error for an unparseable duration")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "zero config is valid",
			mutate: func(*Config) {},
		},
		{
			name:   "known mode",
			mutate: func(c *Config) { c.Validation.Mode = "demo" },
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Validation.Mode = "strict" },
			wantErr: true,
		},
		{
			name:    "negative worker count",
			mutate:  func(c *Config) { c.Workers.Count = -1 },
			wantErr: true,
		},
		{
			name:    "unknown channel",
			mutate:  func(c *Config) { c.Intervention.Channels = map[string]string{"tooltip": "carrier_pigeon"} },
			wantErr: true,
		},
		{
			name:    "duplicate variant",
			mutate:  func(c *Config) { c.Intervention.Variants = []string{"control", "control"} },
			wantErr: true,
		},
		{
			name:    "empty variant",
			mutate:  func(c *Config) { c.Intervention.Variants = []string{""} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOrchestratorConfigConversion(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	oc := cfg.OrchestratorConfig()
	if oc.Cooldown != time.Hour {
		t.Errorf("cooldown = %s, want 1h", oc.Cooldown)
	}
	if oc.RiskFollowUp != 24*time.Hour {
		t.Errorf("risk follow-up = %s, want 24h", oc.RiskFollowUp)
	}
	if len(oc.Channels) != 2 {
		t.Errorf("channels = %d entries, want 2", len(oc.Channels))
	}
}
