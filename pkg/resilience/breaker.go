package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned when a call is rejected because the breaker
// is open. Callers treat it as an ExternalServiceError and fall back.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the current state of a circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig controls circuit breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker open.
	FailureThreshold int `yaml:"failureThreshold" json:"failureThreshold"`
	// OpenTimeout is how long the breaker stays open before allowing a
	// probe call in half-open state.
	OpenTimeout time.Duration `yaml:"openTimeout" json:"openTimeout"`
	// SuccessThreshold is the number of consecutive successes in
	// half-open state required to close the breaker again.
	SuccessThreshold int `yaml:"successThreshold" json:"successThreshold"`
}

// DefaultBreakerConfig returns the thresholds used for external service
// calls when no per-service config is given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		SuccessThreshold: 2,
	}
}

func (c BreakerConfig) normalized() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	return c
}

// Breaker is a three-state circuit breaker. Closed passes calls through
// and counts consecutive failures; open rejects calls until OpenTimeout
// elapses; half-open admits probe calls and closes after
// SuccessThreshold consecutive successes, reopening on any failure.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker creates a closed breaker with the given name and config.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.normalized(),
		now:   time.Now,
		state: StateClosed,
	}
}

// WithClock overrides the time source. Intended for tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// State returns the breaker's current state, accounting for open-timeout
// expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() BreakerState {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = StateHalfOpen
		b.successes = 0
		logrus.Infof("circuit breaker %s: open timeout elapsed, entering half-open", b.name)
	}
	return b.state
}

// Do executes op under the breaker. It returns ErrCircuitOpen without
// calling op when the breaker is open.
func (b *Breaker) Do(op func() error) error {
	b.mu.Lock()
	if b.stateLocked() == StateOpen {
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	b.mu.Unlock()

	err := op()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailureLocked()
		return err
	}
	b.onSuccessLocked()
	return nil
}

func (b *Breaker) onFailureLocked() {
	switch b.stateLocked() {
	case StateHalfOpen:
		b.trip()
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) onSuccessLocked() {
	switch b.stateLocked() {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			logrus.Infof("circuit breaker %s: closed after successful probes", b.name)
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
	logrus.Warnf("circuit breaker %s: tripped open for %v", b.name, b.cfg.OpenTimeout)
}

// Registry holds one breaker per external service name so that all
// callers of the same dependency share failure state.
type Registry struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry that hands out breakers with cfg.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{
		cfg:      cfg.normalized(),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.cfg)
	r.breakers[name] = b
	return b
}
