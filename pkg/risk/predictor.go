package risk

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/userjourney/exit-intervention/pkg/audit"
	"github.com/userjourney/exit-intervention/pkg/feature"
	"github.com/userjourney/exit-intervention/pkg/resilience"
)

// Band buckets a risk score for decision making.
type Band string

const (
	BandLow    Band = "LOW"
	BandMedium Band = "MEDIUM"
	BandHigh   Band = "HIGH"
)

// BandFor maps a score in [0, 100] to its band: LOW [0,30],
// MEDIUM (30,60], HIGH (60,100].
func BandFor(score float64) Band {
	switch {
	case score <= 30:
		return BandLow
	case score <= 60:
		return BandMedium
	default:
		return BandHigh
	}
}

// Source records how an assessment was produced.
type Source string

const (
	SourceModel            Source = "model"
	SourceFallback         Source = "fallback"
	SourceInsufficientData Source = "insufficient_data"
)

// Assessment is one user's exit risk at a point in time.
type Assessment struct {
	UserID             string    `json:"userId"`
	Score              float64   `json:"score"`
	Band               Band      `json:"band"`
	Source             Source    `json:"source"`
	Degraded           bool      `json:"degraded"`
	RecommendedActions []string  `json:"recommendedActions"`
	AssessedAt         time.Time `json:"assessedAt"`
}

var bandActions = map[Band][]string{
	BandLow:    {"continue_standard_journey"},
	BandMedium: {"offer_contextual_help", "monitor_engagement"},
	BandHigh:   {"trigger_proactive_outreach", "offer_enhanced_support"},
}

// FallbackWeights parameterize the rule-based score used when the model
// is unavailable.
type FallbackWeights struct {
	// StrugglePoints per recent struggle signal, capped at StruggleCap.
	StrugglePoints float64 `yaml:"strugglePoints" json:"strugglePoints"`
	StruggleCap    float64 `yaml:"struggleCap" json:"struggleCap"`
	// Recency points awarded at >1, >3 and >7 days since last login.
	RecencyDay1 float64 `yaml:"recencyDay1" json:"recencyDay1"`
	RecencyDay3 float64 `yaml:"recencyDay3" json:"recencyDay3"`
	RecencyDay7 float64 `yaml:"recencyDay7" json:"recencyDay7"`
	// EngagementBase minus engagement x EngagementWeight adds the
	// low-engagement contribution.
	EngagementBase   float64 `yaml:"engagementBase" json:"engagementBase"`
	EngagementWeight float64 `yaml:"engagementWeight" json:"engagementWeight"`
}

// DefaultFallbackWeights are the tuned heuristic weights.
func DefaultFallbackWeights() FallbackWeights {
	return FallbackWeights{
		StrugglePoints:   10,
		StruggleCap:      40,
		RecencyDay1:      10,
		RecencyDay3:      20,
		RecencyDay7:      30,
		EngagementBase:   30,
		EngagementWeight: 0.3,
	}
}

// PredictorConfig tunes caching and scorer resilience.
type PredictorConfig struct {
	CacheTTL time.Duration
	Retry    resilience.RetryConfig
	Weights  FallbackWeights
}

type cacheEntry struct {
	assessment *Assessment
	expiresAt  time.Time
}

// Predictor turns feature vectors into risk assessments. Results are
// cached per user with a TTL; HIGH struggle signals invalidate the
// cache so a fresh score reflects the new evidence. Concurrent lookups
// for the same user collapse into one scorer call.
type Predictor struct {
	scorer  Scorer
	breaker *resilience.Breaker
	sink    audit.Sink
	cfg     PredictorConfig
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
	// epoch counts invalidations per user. A scorer flight records the
	// epoch it started under and its result is discarded if Invalidate
	// ran meanwhile, so a stale score can never repopulate the cache.
	epoch map[string]uint64
	group singleflight.Group
}

// NewPredictor creates a predictor. breaker guards the scorer endpoint;
// pass one from the shared registry.
func NewPredictor(scorer Scorer, breaker *resilience.Breaker, sink audit.Sink, cfg PredictorConfig) *Predictor {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Weights == (FallbackWeights{}) {
		cfg.Weights = DefaultFallbackWeights()
	}
	if sink == nil {
		sink = audit.NewLogSink()
	}
	if breaker == nil {
		breaker = resilience.NewBreaker("scoring", resilience.DefaultBreakerConfig())
	}
	return &Predictor{
		scorer:  scorer,
		breaker: breaker,
		sink:    sink,
		cfg:     cfg,
		now:     time.Now,
		cache:   make(map[string]cacheEntry),
		epoch:   make(map[string]uint64),
	}
}

// WithClock overrides the time source. Intended for tests.
func (p *Predictor) WithClock(now func() time.Time) *Predictor {
	p.now = now
	return p
}

// Predict assesses one user. features may be nil when the user has no
// event history: the assessment is then score 0, LOW, insufficient
// data, and no scorer call is made. Model failure of any kind degrades
// to the rule-based fallback; Predict never fails on a scorer error.
func (p *Predictor) Predict(ctx context.Context, userID string, features *feature.ExitRiskFeatures) (*Assessment, error) {
	if cached := p.lookup(userID); cached != nil {
		return cached, nil
	}

	v, err, _ := p.group.Do(userID, func() (interface{}, error) {
		// Re-check under singleflight: a concurrent caller may have
		// populated the cache while we waited.
		if cached := p.lookup(userID); cached != nil {
			return cached, nil
		}

		started := p.epochOf(userID)
		a, err := p.assess(ctx, userID, features)
		if err != nil {
			return nil, err
		}
		p.put(userID, a, started)
		return a, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Assessment), nil
}

func (p *Predictor) assess(ctx context.Context, userID string, features *feature.ExitRiskFeatures) (*Assessment, error) {
	now := p.now()

	if features == nil {
		return p.finish(ctx, &Assessment{
			UserID:     userID,
			Score:      0,
			Band:       BandLow,
			Source:     SourceInsufficientData,
			AssessedAt: now,
		}), nil
	}

	vector, err := features.Vector()
	if err != nil {
		return nil, err
	}

	var probability float64
	scoreErr := resilience.Retry(ctx, "scoring", p.cfg.Retry, func() error {
		return p.breaker.Do(func() error {
			var err error
			probability, err = p.scorer.Score(ctx, vector)
			return err
		})
	})

	a := &Assessment{
		UserID:     userID,
		Degraded:   features.Degraded,
		AssessedAt: now,
	}

	if scoreErr != nil {
		logrus.Warnf("scoring failed for user %s, using fallback: %v", userID, scoreErr)
		a.Score = fallbackScore(features, p.cfg.Weights)
		a.Source = SourceFallback
	} else {
		a.Score = clampScore(probability * 100)
		a.Source = SourceModel
	}
	a.Band = BandFor(a.Score)

	return p.finish(ctx, a), nil
}

func (p *Predictor) finish(ctx context.Context, a *Assessment) *Assessment {
	a.RecommendedActions = bandActions[a.Band]
	p.sink.Record(ctx, audit.Entry{
		Kind:   audit.KindRiskAssessed,
		UserID: a.UserID,
		Detail: map[string]interface{}{
			"score":  a.Score,
			"band":   string(a.Band),
			"source": string(a.Source),
		},
		Timestamp: a.AssessedAt,
	})
	return a
}

// fallbackScore is the rule-based heuristic: recent struggles, login
// recency, and low video engagement each add risk.
func fallbackScore(f *feature.ExitRiskFeatures, w FallbackWeights) float64 {
	score := f.StruggleSignalCount7d * w.StrugglePoints
	if score > w.StruggleCap {
		score = w.StruggleCap
	}

	switch {
	case f.DaysSinceLastLogin > 7:
		score += w.RecencyDay7
	case f.DaysSinceLastLogin > 3:
		score += w.RecencyDay3
	case f.DaysSinceLastLogin > 1:
		score += w.RecencyDay1
	}

	if disengagement := w.EngagementBase - f.VideoEngagementScore*w.EngagementWeight; disengagement > 0 {
		score += disengagement
	}

	return clampScore(score)
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func (p *Predictor) lookup(userID string) *Assessment {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.cache[userID]
	if !ok || p.now().After(entry.expiresAt) {
		return nil
	}
	return entry.assessment
}

func (p *Predictor) epochOf(userID string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch[userID]
}

func (p *Predictor) put(userID string, a *Assessment, epoch uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// An invalidation ran after this assessment started: its evidence
	// may predate the trigger, so the result must not become the cache.
	if p.epoch[userID] != epoch {
		return
	}
	p.cache[userID] = cacheEntry{assessment: a, expiresAt: p.now().Add(p.cfg.CacheTTL)}
}

// Invalidate drops the cached assessment for a user. Called when a HIGH
// struggle signal makes the cached score stale. An assessment already
// in flight is abandoned: later callers start a fresh one.
func (p *Predictor) Invalidate(userID string) {
	p.mu.Lock()
	delete(p.cache, userID)
	p.epoch[userID]++
	p.mu.Unlock()

	p.group.Forget(userID)
}

// FeatureSource provides features for batch assessment. nil features
// mean the user has no usable history.
type FeatureSource interface {
	Features(ctx context.Context, userID string) (*feature.ExitRiskFeatures, error)
}

// PredictBatch assesses users concurrently and independently: one
// user's failure or timeout does not affect the others. Users whose
// features cannot be loaded are returned as insufficient-data
// assessments.
func (p *Predictor) PredictBatch(ctx context.Context, userIDs []string, source FeatureSource) map[string]*Assessment {
	results := make([]*Assessment, len(userIDs))

	var wg sync.WaitGroup
	for i, userID := range userIDs {
		wg.Add(1)
		go func(i int, userID string) {
			defer wg.Done()

			features, err := source.Features(ctx, userID)
			if err != nil {
				logrus.Warnf("feature load failed for user %s in batch: %v", userID, err)
				features = nil
			}

			a, err := p.Predict(ctx, userID, features)
			if err != nil {
				logrus.Warnf("assessment failed for user %s in batch: %v", userID, err)
				a, _ = p.Predict(ctx, userID, nil)
			}
			results[i] = a
		}(i, userID)
	}
	wg.Wait()

	out := make(map[string]*Assessment, len(userIDs))
	for i, userID := range userIDs {
		if results[i] != nil {
			out[userID] = results[i]
		}
	}
	return out
}
