package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Config tunes key TTLs and history bounds for the Redis store.
type Config struct {
	// KeyPrefix namespaces every key this service writes.
	KeyPrefix string
	// StateTTL is how long struggle state lives without updates.
	StateTTL time.Duration
	// HistoryTTL is how long per-user event history lives.
	HistoryTTL time.Duration
	// HistoryMaxEvents caps the per-user event history list.
	HistoryMaxEvents int
	// InterventionTTL is how long intervention records live.
	InterventionTTL time.Duration
}

// DefaultConfig returns production defaults: 30 days of state, 30 days
// of history capped at 1000 events per user.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:        "exit_intervention:",
		StateTTL:         30 * 24 * time.Hour,
		HistoryTTL:       30 * 24 * time.Hour,
		HistoryMaxEvents: 1000,
		InterventionTTL:  30 * 24 * time.Hour,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.StateTTL <= 0 {
		c.StateTTL = d.StateTTL
	}
	if c.HistoryTTL <= 0 {
		c.HistoryTTL = d.HistoryTTL
	}
	if c.HistoryMaxEvents <= 0 {
		c.HistoryMaxEvents = d.HistoryMaxEvents
	}
	if c.InterventionTTL <= 0 {
		c.InterventionTTL = d.InterventionTTL
	}
	return c
}

// RedisStore implements all pipeline persistence over one Redis client:
// struggle state, per-user event history, intervention records, and
// dedupe cooldown keys.
type RedisStore struct {
	client redis.UniversalClient
	cfg    Config
}

// NewRedisStore creates a store over an already-connected client.
func NewRedisStore(client redis.UniversalClient, cfg Config) *RedisStore {
	return &RedisStore{client: client, cfg: cfg.normalized()}
}

// InitRedisClient connects to Redis, retrying with exponential backoff
// so a service restart can outwait a Redis restart.
func InitRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // use default DB
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	b := backoff.NewExponentialBackOff()
	err := backoff.Retry(
		func() error {
			_, err := client.Ping(ctx).Result()
			if err != nil {
				logrus.Warnf("Redis connection failed: %v, retrying...", err)
				return err
			}
			return nil
		},
		backoff.WithContext(backoff.WithMaxRetries(b, 5), ctx),
	)
	if err != nil {
		return nil, err
	}

	logrus.Infof("connected to Redis at %s", addr)
	return client, nil
}
