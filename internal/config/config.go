package config

// Config holds all application configuration loaded from environment
// variables, parsed with github.com/caarlos0/env. Pipeline tuning lives
// in the YAML file at ConfigPath; this struct only carries the
// deployment surface.
type Config struct {
	// Server configuration
	MetricsPort int    `env:"METRICS_PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"dev"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"exit-intervention"`

	// Redis configuration
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     string `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// Kafka configuration
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"behavioral-events"`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" envDefault:"exit-intervention"`

	// Pipeline configuration
	ConfigPath string `env:"CONFIG_PATH" envDefault:"config/pipeline.yaml"`

	// Scoring endpoint. Empty means the model is unavailable and every
	// assessment uses the rule-based fallback.
	ScoringEndpoint  string `env:"SCORING_ENDPOINT"`
	ScoringTimeoutMs int    `env:"SCORING_TIMEOUT_MS" envDefault:"2000"`

	// Telemetry configuration
	ZipkinEndpoint string `env:"ZIPKIN_ENDPOINT"`
}

// RedisAddr returns host:port for the Redis client.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}
