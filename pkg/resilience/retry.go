package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// RetryConfig controls the exponential backoff retry policy applied to
// transient failures on external calls.
type RetryConfig struct {
	MaxAttempts     uint          `yaml:"maxAttempts" json:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval" json:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval" json:"maxInterval"`
	Multiplier      float64       `yaml:"multiplier" json:"multiplier"`
	// RandomizationFactor spreads retry timing so concurrent failures
	// do not retry in lockstep.
	RandomizationFactor float64 `yaml:"randomizationFactor" json:"randomizationFactor"`
}

// DefaultRetryConfig matches the scoring service call policy: 3 attempts,
// 500ms initial delay, doubling, capped at 10s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:         3,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.1,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.Multiplier <= 1 {
		c.Multiplier = d.Multiplier
	}
	if c.RandomizationFactor < 0 {
		c.RandomizationFactor = d.RandomizationFactor
	}
	return c
}

// Retry runs op with exponential backoff until it succeeds, returns a
// permanent error, the attempt budget is exhausted, or ctx is done.
// Wrap an error with backoff.Permanent to stop retrying immediately.
func Retry(ctx context.Context, name string, cfg RetryConfig, op func() error) error {
	cfg = cfg.normalized()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.RandomizationFactor

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err != nil && attempt < int(cfg.MaxAttempts) {
			logrus.Warnf("%s failed (attempt %d/%d): %v, retrying...",
				name, attempt, cfg.MaxAttempts, err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts-1)), ctx))
}
