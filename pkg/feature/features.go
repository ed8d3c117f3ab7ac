package feature

import (
	"math"

	"github.com/userjourney/exit-intervention/pkg/common"
)

// VectorSize is the fixed dimensionality of the scoring input. The
// scoring model is trained against exactly this layout; order and size
// are part of the contract and must never change silently.
const VectorSize = 13

// Platform usage encoding for the platform_usage_pattern dimension.
const (
	PlatformUnknown    = 0
	PlatformWebOnly    = 1
	PlatformMobileOnly = 2
	PlatformMixed      = 3
)

// ExitRiskFeatures is the engineered per-user feature set handed to the
// risk predictor. Field order mirrors the model's input vector.
type ExitRiskFeatures struct {
	UserID string `json:"userId"`

	StruggleSignalCount7d         float64 `json:"struggleSignalCount7d"`
	VideoEngagementScore          float64 `json:"videoEngagementScore"`
	FeatureCompletionRate         float64 `json:"featureCompletionRate"`
	SessionFrequencyTrend         float64 `json:"sessionFrequencyTrend"`
	SupportInteractionCount       float64 `json:"supportInteractionCount"`
	DaysSinceLastLogin            float64 `json:"daysSinceLastLogin"`
	ApplicationProgressPercentage float64 `json:"applicationProgressPercentage"`
	AvgSessionDuration            float64 `json:"avgSessionDuration"`
	TotalSessions                 float64 `json:"totalSessions"`
	ErrorRate                     float64 `json:"errorRate"`
	HelpSeekingBehavior           float64 `json:"helpSeekingBehavior"`
	ContentEngagementScore        float64 `json:"contentEngagementScore"`
	PlatformUsagePattern          float64 `json:"platformUsagePattern"`

	// Degraded is set when any dimension had to be replaced by its
	// default because the computed value was not finite.
	Degraded bool `json:"degraded"`
}

// vectorDefaults are the substitution values for non-finite dimensions,
// in vector order. days_since_last_login falls back to its "never seen"
// sentinel; everything else falls back to zero.
var vectorDefaults = [VectorSize]float64{
	0, 0, 0, 0, 0, 999, 0, 0, 0, 0, 0, 0, PlatformUnknown,
}

// Vector returns the fixed-order scoring input. Non-finite dimensions
// are replaced by their defaults and Degraded is set. A vector that is
// still non-finite after defaulting indicates corrupt inputs and
// returns a DataIntegrityError.
func (f *ExitRiskFeatures) Vector() ([VectorSize]float64, error) {
	v := [VectorSize]float64{
		f.StruggleSignalCount7d,
		f.VideoEngagementScore,
		f.FeatureCompletionRate,
		f.SessionFrequencyTrend,
		f.SupportInteractionCount,
		f.DaysSinceLastLogin,
		f.ApplicationProgressPercentage,
		f.AvgSessionDuration,
		f.TotalSessions,
		f.ErrorRate,
		f.HelpSeekingBehavior,
		f.ContentEngagementScore,
		f.PlatformUsagePattern,
	}

	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			v[i] = vectorDefaults[i]
			f.Degraded = true
		}
	}

	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return v, common.NewDataIntegrityError(f.UserID, errNonFinite{dim: i})
		}
	}

	return v, nil
}

type errNonFinite struct {
	dim int
}

func (e errNonFinite) Error() string {
	return "feature vector dimension not finite after defaulting"
}
