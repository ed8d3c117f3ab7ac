package event

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Violation codes reported by the Validator. A single rejected event can
// carry several of these; the Validator never stops at the first rule.
const (
	CodeMissingField            = "MISSING_FIELD"
	CodeInvalidEventType        = "INVALID_EVENT_TYPE"
	CodeInvalidUserID           = "INVALID_USER_ID"
	CodeInvalidSessionID        = "INVALID_SESSION_ID"
	CodeStaleTimestamp          = "STALE_TIMESTAMP"
	CodeMissingFeature          = "MISSING_FEATURE"
	CodeInvalidFeatureName      = "INVALID_FEATURE_NAME"
	CodeMissingVideoID          = "MISSING_VIDEO_ID"
	CodeInvalidVideoID          = "INVALID_VIDEO_ID"
	CodeMissingEngagementMetric = "MISSING_ENGAGEMENT_METRIC"
	CodeCompletionRateRange     = "COMPLETION_RATE_RANGE"
	CodePlaybackSpeedRange      = "PLAYBACK_SPEED_RANGE"
	CodeNegativeDuration        = "NEGATIVE_DURATION"
	CodeAttemptCountTooLow      = "ATTEMPT_COUNT_TOO_LOW"
	CodeAttemptCountTooHigh     = "ATTEMPT_COUNT_TOO_HIGH"
	CodeCrossTypeFields         = "CROSS_TYPE_FIELDS"
	CodeInvalidPlatform         = "INVALID_PLATFORM"
	CodeInvalidSegment          = "INVALID_SEGMENT"
	CodeFieldTooLong            = "FIELD_TOO_LONG"
	CodeTestUserID              = "TEST_USER_ID"
	CodeMissingContext          = "MISSING_CONTEXT"
)

// Mode selects context-sensitive validation rules.
type Mode string

const (
	// ModeDefault applies only the structural and business rules.
	ModeDefault Mode = "default"
	// ModeDemo relaxes nothing structurally but caps synthetic test
	// user ids at 20 characters to keep demo data readable.
	ModeDemo Mode = "demo"
	// ModeProduction rejects synthetic test user ids outright and
	// requires device and user context blocks on every event.
	ModeProduction Mode = "production"
)

// Violation is a single validation rule failure.
type Violation struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates every rule an event violated. Events that
// fail validation are rejected and never retried.
type ValidationError struct {
	Violations []Violation
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = fmt.Sprintf("%s: %s", v.Code, v.Message)
	}
	return fmt.Sprintf("event validation failed (%d violations): %s",
		len(e.Violations), strings.Join(msgs, "; "))
}

// Has reports whether the error contains a violation with the given code.
func (e *ValidationError) Has(code string) bool {
	for _, v := range e.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

const (
	maxAttemptCount   = 50
	maxTimestampSkew  = time.Hour
	maxAppVersionLen  = 100
	maxDeviceModelLen = 500
	maxSessionStage   = 200
	maxPrevActions    = 20
	testIDPrefix      = "test_"
	anonymousUserID   = "anonymous"
)

var (
	userIDPattern    = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,200}$`)
	sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,200}$`)
	featurePattern   = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,200}$`)
	videoIDPattern   = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,200}$`)
)

// Validator performs structural and business-rule validation of inbound
// events. It is a pure function of (event, now): no state is kept and
// re-validating an already valid event yields the same result.
type Validator struct {
	mode Mode
	now  func() time.Time
}

// NewValidator creates a validator for the given mode.
func NewValidator(mode Mode) *Validator {
	return &Validator{mode: mode, now: time.Now}
}

// WithClock overrides the time source. Intended for tests.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate checks ev against every applicable rule and returns either an
// immutable ValidatedEvent or a *ValidationError listing all violations.
func (v *Validator) Validate(ev *Event) (*ValidatedEvent, error) {
	if ev == nil {
		return nil, &ValidationError{Violations: []Violation{
			{Code: CodeMissingField, Field: "event", Message: "event is nil"},
		}}
	}

	var violations []Violation
	violations = append(violations, v.checkBasicFields(ev)...)
	violations = append(violations, v.checkPayload(ev)...)
	violations = append(violations, v.checkDevice(ev)...)
	violations = append(violations, v.checkContext(ev)...)
	violations = append(violations, v.checkMode(ev)...)

	if len(violations) > 0 {
		logrus.Debugf("rejected %s event for user %s: %d violations", ev.Type, ev.UserID, len(violations))
		return nil, &ValidationError{Violations: violations}
	}

	return &ValidatedEvent{Event: *ev}, nil
}

func (v *Validator) checkBasicFields(ev *Event) []Violation {
	var out []Violation

	if ev.Type == "" {
		out = append(out, Violation{CodeMissingField, "eventType", "event type is required"})
	} else if !ev.Type.Valid() {
		out = append(out, Violation{CodeInvalidEventType, "eventType",
			fmt.Sprintf("unknown event type %q", ev.Type)})
	}

	switch {
	case ev.UserID == "":
		out = append(out, Violation{CodeMissingField, "userId", "user ID is required"})
	case ev.UserID != anonymousUserID && !userIDPattern.MatchString(ev.UserID):
		out = append(out, Violation{CodeInvalidUserID, "userId",
			"user ID must be 'anonymous' or alphanumeric with underscores/hyphens, 1-200 characters"})
	}

	switch {
	case ev.SessionID == "":
		out = append(out, Violation{CodeMissingField, "sessionId", "session ID is required"})
	case !sessionIDPattern.MatchString(ev.SessionID):
		out = append(out, Violation{CodeInvalidSessionID, "sessionId",
			"session ID must be alphanumeric with underscores/hyphens, 1-200 characters"})
	}

	if ev.Timestamp.IsZero() {
		out = append(out, Violation{CodeMissingField, "timestamp", "timestamp is required"})
	} else {
		now := v.now()
		if ev.Timestamp.Before(now.Add(-maxTimestampSkew)) || ev.Timestamp.After(now.Add(maxTimestampSkew)) {
			out = append(out, Violation{CodeStaleTimestamp, "timestamp",
				"timestamp must be within one hour of current time"})
		}
	}

	return out
}

func (v *Validator) checkPayload(ev *Event) []Violation {
	p := &ev.Payload

	switch ev.Type {
	case TypePageView:
		return v.checkPageView(p)
	case TypeFeatureInteraction:
		return v.checkFeatureInteraction(p)
	case TypeVideoEngagement:
		return v.checkVideoEngagement(p)
	case TypeStruggleSignal:
		return v.checkStruggleSignal(p)
	}
	return nil
}

func (v *Validator) checkPageView(p *Payload) []Violation {
	var out []Violation

	if p.Feature == "" {
		out = append(out, Violation{CodeMissingFeature, "eventData.feature",
			"feature (page name) is required for page_view events"})
	} else if !featurePattern.MatchString(p.Feature) {
		out = append(out, Violation{CodeInvalidFeatureName, "eventData.feature", "invalid feature name format"})
	}

	// Page views carry no interaction fields.
	if p.AttemptCount != nil || p.ErrorType != "" {
		out = append(out, Violation{CodeCrossTypeFields, "eventData",
			"page_view events must not contain interaction-specific fields"})
	}

	return out
}

func (v *Validator) checkFeatureInteraction(p *Payload) []Violation {
	var out []Violation

	if p.Feature == "" {
		out = append(out, Violation{CodeMissingFeature, "eventData.feature",
			"feature name is required for feature_interaction events"})
	} else if !featurePattern.MatchString(p.Feature) {
		out = append(out, Violation{CodeInvalidFeatureName, "eventData.feature", "invalid feature name format"})
	}

	if p.AttemptCount != nil && *p.AttemptCount < 1 {
		out = append(out, Violation{CodeAttemptCountTooLow, "eventData.attemptCount",
			"attempt count must be at least 1"})
	}

	if p.Duration != nil && *p.Duration < 0 {
		out = append(out, Violation{CodeNegativeDuration, "eventData.duration", "duration cannot be negative"})
	}

	// Video-only fields on an interaction event are rejected, not
	// silently stripped.
	if p.HasVideoFields() {
		out = append(out, Violation{CodeCrossTypeFields, "eventData",
			"feature_interaction events must not contain video-specific fields"})
	}

	return out
}

func (v *Validator) checkVideoEngagement(p *Payload) []Violation {
	var out []Violation

	if p.VideoID == "" {
		out = append(out, Violation{CodeMissingVideoID, "eventData.videoId",
			"video ID is required for video_engagement events"})
	} else if !videoIDPattern.MatchString(p.VideoID) {
		out = append(out, Violation{CodeInvalidVideoID, "eventData.videoId", "invalid video ID format"})
	}

	if !p.HasEngagementMetric() {
		out = append(out, Violation{CodeMissingEngagementMetric, "eventData",
			"video_engagement events must have at least one metric (duration, watchDuration, or completionRate)"})
	}

	if p.Duration != nil && *p.Duration < 0 {
		out = append(out, Violation{CodeNegativeDuration, "eventData.duration", "duration cannot be negative"})
	}
	if p.WatchDuration != nil && *p.WatchDuration < 0 {
		out = append(out, Violation{CodeNegativeDuration, "eventData.watchDuration",
			"watch duration cannot be negative"})
	}
	if p.CompletionRate != nil && (*p.CompletionRate < 0 || *p.CompletionRate > 100) {
		out = append(out, Violation{CodeCompletionRateRange, "eventData.completionRate",
			"completion rate must be between 0 and 100"})
	}
	if p.PlaybackSpeed != nil && (*p.PlaybackSpeed < 0.25 || *p.PlaybackSpeed > 4.0) {
		out = append(out, Violation{CodePlaybackSpeedRange, "eventData.playbackSpeed",
			"playback speed must be between 0.25 and 4.0"})
	}

	return out
}

func (v *Validator) checkStruggleSignal(p *Payload) []Violation {
	var out []Violation

	if p.Feature == "" {
		out = append(out, Violation{CodeMissingFeature, "eventData.feature",
			"feature name is required for struggle_signal events"})
	} else if !featurePattern.MatchString(p.Feature) {
		out = append(out, Violation{CodeInvalidFeatureName, "eventData.feature", "invalid feature name format"})
	}

	switch {
	case p.AttemptCount == nil || *p.AttemptCount < 2:
		out = append(out, Violation{CodeAttemptCountTooLow, "eventData.attemptCount",
			"attempt count must be at least 2 for struggle signals"})
	case *p.AttemptCount > maxAttemptCount:
		out = append(out, Violation{CodeAttemptCountTooHigh, "eventData.attemptCount",
			fmt.Sprintf("attempt count exceeds %d, data is suspect", maxAttemptCount)})
	}

	return out
}

func (v *Validator) checkDevice(ev *Event) []Violation {
	d := ev.Device
	if d == nil {
		return nil
	}

	var out []Violation

	if d.Platform != "" &&
		d.Platform != PlatformIOS && d.Platform != PlatformAndroid && d.Platform != PlatformWeb {
		out = append(out, Violation{CodeInvalidPlatform, "deviceInfo.platform",
			fmt.Sprintf("invalid platform %q", d.Platform)})
	}
	if len(d.AppVersion) > maxAppVersionLen {
		out = append(out, Violation{CodeFieldTooLong, "deviceInfo.appVersion",
			fmt.Sprintf("app version cannot exceed %d characters", maxAppVersionLen)})
	}
	if len(d.DeviceModel) > maxDeviceModelLen {
		out = append(out, Violation{CodeFieldTooLong, "deviceInfo.deviceModel",
			fmt.Sprintf("device model cannot exceed %d characters", maxDeviceModelLen)})
	}

	return out
}

func (v *Validator) checkContext(ev *Event) []Violation {
	c := ev.Context
	if c == nil {
		return nil
	}

	var out []Violation

	if c.UserSegment != "" {
		valid := false
		for _, s := range validSegments {
			if c.UserSegment == s {
				valid = true
				break
			}
		}
		if !valid {
			out = append(out, Violation{CodeInvalidSegment, "userContext.userSegment",
				fmt.Sprintf("invalid user segment %q", c.UserSegment)})
		}
	}
	if len(c.SessionStage) > maxSessionStage {
		out = append(out, Violation{CodeFieldTooLong, "userContext.sessionStage",
			fmt.Sprintf("session stage cannot exceed %d characters", maxSessionStage)})
	}
	if len(c.PreviousActions) > maxPrevActions {
		out = append(out, Violation{CodeFieldTooLong, "userContext.previousActions",
			fmt.Sprintf("previous actions list cannot exceed %d items", maxPrevActions)})
	}

	return out
}

func (v *Validator) checkMode(ev *Event) []Violation {
	var out []Violation

	switch v.mode {
	case ModeDemo:
		if strings.HasPrefix(ev.UserID, testIDPrefix) && len(ev.UserID) > 20 {
			out = append(out, Violation{CodeTestUserID, "userId",
				"demo test user IDs must not exceed 20 characters"})
		}
	case ModeProduction:
		if strings.HasPrefix(ev.UserID, testIDPrefix) {
			out = append(out, Violation{CodeTestUserID, "userId",
				"test user IDs are not allowed in production"})
		}
		if ev.Device == nil {
			out = append(out, Violation{CodeMissingContext, "deviceInfo",
				"device info is required in production"})
		}
		if ev.Context == nil {
			out = append(out, Violation{CodeMissingContext, "userContext",
				"user context is required in production"})
		}
	}

	return out
}
