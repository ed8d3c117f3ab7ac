package feature

import (
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/userjourney/exit-intervention/pkg/event"
	"github.com/userjourney/exit-intervention/pkg/struggle"
)

const (
	struggleWindow   = 7 * 24 * time.Hour
	activityWindow   = 30 * 24 * time.Hour
	maxSessionLength = time.Hour
	// neverSeenDays is the days_since_last_login sentinel for users
	// with no recorded activity.
	neverSeenDays = 999
	// videoSaturation is the distinct-video count at which the
	// engagement multiplier reaches 1.
	videoSaturation = 5
	// watchSaturationSeconds is the watch time at which the content
	// engagement duration term saturates.
	watchSaturationSeconds = 300
)

// milestones are the onboarding steps that make up application
// progress, in journey order.
var milestones = []string{
	"registration",
	"profile_setup",
	"document_upload",
	"verification",
	"application_submit",
	"approval",
}

// helpMarkers flag features, pages, and actions that indicate the user
// was looking for assistance.
var helpMarkers = []string{"help", "tutorial", "guide"}

// supportMarkers flag direct support interactions.
var supportMarkers = []string{"support", "contact"}

// Extractor computes the exit-risk feature set from a user's event
// history and current struggle states. It is pure: the same inputs and
// the same now always produce the same features.
type Extractor struct{}

// NewExtractor creates an extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract engineers the 13-dimension feature set. history is newest
// first, as the store returns it; states are the user's live struggle
// states. An empty history yields the documented defaults rather than
// an error; the predictor decides how to treat users with no data.
func (e *Extractor) Extract(userID string, history []event.Event, states []*struggle.State, now time.Time) *ExitRiskFeatures {
	f := &ExitRiskFeatures{
		UserID:             userID,
		DaysSinceLastLogin: neverSeenDays,
	}

	if len(history) == 0 {
		logrus.Debugf("no history for user %s, using default features", userID)
		return f
	}

	recent := filterSince(history, now.Add(-activityWindow))

	f.StruggleSignalCount7d = countStruggles(history, now.Add(-struggleWindow))
	f.VideoEngagementScore = videoEngagement(recent)
	f.FeatureCompletionRate = featureCompletionRate(recent, states)
	f.SessionFrequencyTrend = sessionTrend(recent, now)
	f.SupportInteractionCount = countMarked(recent, supportMarkers)
	f.DaysSinceLastLogin = daysSinceLastSeen(history, now)
	f.ApplicationProgressPercentage = applicationProgress(history)
	f.AvgSessionDuration, f.TotalSessions = sessionStats(recent)
	f.ErrorRate = errorRate(recent)
	f.HelpSeekingBehavior = countMarked(recent, helpMarkers)
	f.ContentEngagementScore = contentEngagement(recent)
	f.PlatformUsagePattern = platformPattern(recent)

	return f
}

func filterSince(history []event.Event, since time.Time) []event.Event {
	out := make([]event.Event, 0, len(history))
	for _, ev := range history {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	return out
}

func countStruggles(history []event.Event, since time.Time) float64 {
	n := 0
	for _, ev := range history {
		if ev.Type == event.TypeStruggleSignal && !ev.Timestamp.Before(since) {
			n++
		}
	}
	return float64(n)
}

// videoEngagement is the average completion rate scaled by how many
// distinct videos the user touched, saturating at videoSaturation.
func videoEngagement(events []event.Event) float64 {
	var sum float64
	var rated int
	videos := map[string]struct{}{}

	for _, ev := range events {
		if ev.Type != event.TypeVideoEngagement {
			continue
		}
		if ev.Payload.VideoID != "" {
			videos[ev.Payload.VideoID] = struct{}{}
		}
		if ev.Payload.CompletionRate != nil {
			sum += *ev.Payload.CompletionRate
			rated++
		}
	}
	if rated == 0 {
		return 0
	}

	breadth := float64(len(videos)) / videoSaturation
	if breadth > 1 {
		breadth = 1
	}
	score := (sum / float64(rated)) * breadth
	if score > 100 {
		score = 100
	}
	return score
}

// featureCompletionRate is the share of touched features the user is
// not currently struggling with, as a percentage.
func featureCompletionRate(events []event.Event, states []*struggle.State) float64 {
	features := map[string]struct{}{}
	for _, ev := range events {
		if ev.Type == event.TypeFeatureInteraction && ev.Payload.Feature != "" {
			features[ev.Payload.Feature] = struct{}{}
		}
	}
	if len(features) == 0 {
		return 0
	}

	struggling := map[string]struct{}{}
	for _, s := range states {
		if s != nil && s.Phase.Active() {
			struggling[s.Feature] = struct{}{}
		}
	}

	clean := 0
	for f := range features {
		if _, ok := struggling[f]; !ok {
			clean++
		}
	}
	return float64(clean) / float64(len(features)) * 100
}

// sessionTrend is the least-squares slope of daily event counts over
// the activity window: positive means activity is increasing.
func sessionTrend(events []event.Event, now time.Time) float64 {
	if len(events) == 0 {
		return 0
	}

	counts := map[int]int{}
	days := int(activityWindow / (24 * time.Hour))
	for _, ev := range events {
		age := int(now.Sub(ev.Timestamp).Hours() / 24)
		if age < 0 || age >= days {
			continue
		}
		counts[days-1-age]++ // index 0 is the oldest day
	}
	if len(counts) < 2 {
		return 0
	}

	xs := make([]int, 0, len(counts))
	for x := range counts {
		xs = append(xs, x)
	}
	sort.Ints(xs)

	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(xs))
	for _, x := range xs {
		fx, fy := float64(x), float64(counts[x])
		sumX += fx
		sumY += fy
		sumXY += fx * fy
		sumXX += fx * fx
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func countMarked(events []event.Event, markers []string) float64 {
	n := 0
	for _, ev := range events {
		haystack := strings.ToLower(ev.Payload.Feature + " " + ev.Payload.Page + " " + ev.Payload.Action)
		for _, m := range markers {
			if strings.Contains(haystack, m) {
				n++
				break
			}
		}
	}
	return float64(n)
}

func daysSinceLastSeen(history []event.Event, now time.Time) float64 {
	var latest time.Time
	for _, ev := range history {
		if ev.Timestamp.After(latest) {
			latest = ev.Timestamp
		}
	}
	if latest.IsZero() {
		return neverSeenDays
	}
	days := now.Sub(latest).Hours() / 24
	if days < 0 {
		return 0
	}
	return days
}

func applicationProgress(history []event.Event) float64 {
	completed := map[string]struct{}{}
	for _, ev := range history {
		if ev.Type == event.TypeFeatureInteraction && ev.Payload.Completed {
			completed[ev.Payload.Feature] = struct{}{}
		}
	}

	n := 0
	for _, m := range milestones {
		if _, ok := completed[m]; ok {
			n++
		}
	}
	return float64(n) / float64(len(milestones)) * 100
}

// sessionStats returns the average session duration in seconds and the
// session count. Sessions longer than an hour are treated as left-open
// tabs and excluded from the duration average.
func sessionStats(events []event.Event) (avgSeconds, total float64) {
	type span struct {
		first, last time.Time
	}
	sessions := map[string]*span{}

	for _, ev := range events {
		s, ok := sessions[ev.SessionID]
		if !ok {
			sessions[ev.SessionID] = &span{first: ev.Timestamp, last: ev.Timestamp}
			continue
		}
		if ev.Timestamp.Before(s.first) {
			s.first = ev.Timestamp
		}
		if ev.Timestamp.After(s.last) {
			s.last = ev.Timestamp
		}
	}

	var sum float64
	var counted int
	for _, s := range sessions {
		d := s.last.Sub(s.first)
		if d > maxSessionLength {
			continue
		}
		sum += d.Seconds()
		counted++
	}

	if counted > 0 {
		avgSeconds = sum / float64(counted)
	}
	return avgSeconds, float64(len(sessions))
}

func errorRate(events []event.Event) float64 {
	if len(events) == 0 {
		return 0
	}
	n := 0
	for _, ev := range events {
		if ev.Payload.ErrorType != "" {
			n++
		}
	}
	return float64(n) / float64(len(events))
}

// contentEngagement blends completion quality with watch time:
// 0.6 x avg completion + 40 x min(1, avg watch seconds / saturation).
func contentEngagement(events []event.Event) float64 {
	var completionSum, watchSum float64
	var rated, watched int

	for _, ev := range events {
		if ev.Type != event.TypeVideoEngagement {
			continue
		}
		if ev.Payload.CompletionRate != nil {
			completionSum += *ev.Payload.CompletionRate
			rated++
		}
		switch {
		case ev.Payload.WatchDuration != nil:
			watchSum += *ev.Payload.WatchDuration
			watched++
		case ev.Payload.Duration != nil:
			watchSum += *ev.Payload.Duration
			watched++
		}
	}

	var score float64
	if rated > 0 {
		score += 0.6 * (completionSum / float64(rated))
	}
	if watched > 0 {
		saturation := (watchSum / float64(watched)) / watchSaturationSeconds
		if saturation > 1 {
			saturation = 1
		}
		score += 40 * saturation
	}
	return score
}

func platformPattern(events []event.Event) float64 {
	var web, mobile bool
	for _, ev := range events {
		if ev.Device == nil {
			continue
		}
		switch ev.Device.Platform {
		case event.PlatformWeb:
			web = true
		case event.PlatformIOS, event.PlatformAndroid:
			mobile = true
		}
	}

	switch {
	case web && mobile:
		return PlatformMixed
	case mobile:
		return PlatformMobileOnly
	case web:
		return PlatformWebOnly
	default:
		return PlatformUnknown
	}
}
