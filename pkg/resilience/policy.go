package resilience

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
)

// Policy combines a circuit breaker with a retry policy. Every external
// call in the pipeline goes through a Policy: the breaker rejects calls
// fast while a dependency is down, and retries absorb short transient
// failures while it is up.
type Policy struct {
	name    string
	retry   RetryConfig
	breaker *Breaker
}

// NewPolicy builds a policy named after the external service it guards.
func NewPolicy(name string, retry RetryConfig, breaker *Breaker) *Policy {
	return &Policy{name: name, retry: retry, breaker: breaker}
}

// Execute runs op with retries, each attempt gated by the circuit
// breaker. An open breaker aborts the whole call immediately rather than
// burning the retry budget against a known-down dependency.
func (p *Policy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	return Retry(ctx, p.name, p.retry, func() error {
		err := p.breaker.Do(func() error {
			return op(ctx)
		})
		if errors.Is(err, ErrCircuitOpen) {
			return backoff.Permanent(err)
		}
		return err
	})
}

// Permanent marks err so Retry will not attempt it again. Use it for
// failures that cannot succeed on retry, like 4xx responses.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
