package event

import "time"

// Type discriminates the event payload union. Only the four tracked
// behavioral event types are accepted by the pipeline.
type Type string

const (
	TypePageView           Type = "page_view"
	TypeFeatureInteraction Type = "feature_interaction"
	TypeVideoEngagement    Type = "video_engagement"
	TypeStruggleSignal     Type = "struggle_signal"
)

// Types lists all valid event types.
var Types = []Type{
	TypePageView,
	TypeFeatureInteraction,
	TypeVideoEngagement,
	TypeStruggleSignal,
}

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Platform identifies the client platform an event originated from.
type Platform string

const (
	PlatformIOS     Platform = "iOS"
	PlatformAndroid Platform = "Android"
	PlatformWeb     Platform = "Web"
)

// Segment classifies a user based on behavior history.
type Segment string

const (
	SegmentNewUser     Segment = "new_user"
	SegmentActiveUser  Segment = "active_user"
	SegmentEngagedUser Segment = "engaged_user"
	SegmentAtRisk      Segment = "at_risk"
	SegmentChurned     Segment = "churned"
	SegmentDefault     Segment = "default"
)

var validSegments = []Segment{
	SegmentNewUser, SegmentActiveUser, SegmentEngagedUser,
	SegmentAtRisk, SegmentChurned, SegmentDefault,
}

// Event is a single raw behavioral event as delivered by the collector.
// Optional numeric payload fields are pointers so that "absent" and
// "zero" remain distinguishable for per-type validation.
type Event struct {
	ID        string    `json:"eventId,omitempty"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	Type      Type      `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`

	Payload Payload      `json:"eventData"`
	Device  *DeviceInfo  `json:"deviceInfo,omitempty"`
	Context *UserContext `json:"userContext,omitempty"`
}

// Payload carries the per-type event data. Which fields are required,
// allowed, or forbidden depends on the event type; the Validator
// enforces those rules exhaustively at the boundary.
type Payload struct {
	Feature        string   `json:"feature,omitempty"`
	Page           string   `json:"page,omitempty"`
	Action         string   `json:"action,omitempty"`
	AttemptCount   *int     `json:"attemptCount,omitempty"`
	Duration       *float64 `json:"duration,omitempty"`
	WatchDuration  *float64 `json:"watchDuration,omitempty"`
	CompletionRate *float64 `json:"completionRate,omitempty"`
	PlaybackSpeed  *float64 `json:"playbackSpeed,omitempty"`
	VideoID        string   `json:"videoId,omitempty"`
	ErrorType      string   `json:"errorType,omitempty"`
	Completed      bool     `json:"completed,omitempty"`
}

// DeviceInfo describes the client device an event originated from.
type DeviceInfo struct {
	Platform    Platform `json:"platform,omitempty"`
	AppVersion  string   `json:"appVersion,omitempty"`
	DeviceModel string   `json:"deviceModel,omitempty"`
}

// UserContext carries session-level context attached by the collector.
type UserContext struct {
	UserSegment     Segment  `json:"userSegment,omitempty"`
	SessionStage    string   `json:"sessionStage,omitempty"`
	PreviousActions []string `json:"previousActions,omitempty"`
}

// ValidatedEvent is an Event that passed validation. It is immutable by
// convention: downstream components accept only ValidatedEvent, never a
// raw Event or an untyped map.
type ValidatedEvent struct {
	Event
}

// HasVideoFields reports whether the payload carries any video-only
// fields. Used to reject cross-type contamination.
func (p *Payload) HasVideoFields() bool {
	return p.VideoID != "" || p.CompletionRate != nil || p.PlaybackSpeed != nil
}

// HasEngagementMetric reports whether at least one video engagement
// metric is present.
func (p *Payload) HasEngagementMetric() bool {
	return p.Duration != nil || p.WatchDuration != nil || p.CompletionRate != nil
}
