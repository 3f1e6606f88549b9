// Package store defines the persisted records of the alert-to-meeting flow
// and the Store interface that keeps them.
package store

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/linnemanlabs/muster/internal/alert"
)

// Meeting record statuses.
const (
	MeetingScheduled = "scheduled"
	MeetingCompleted = "completed"
	MeetingCancelled = "cancelled"
)

// Field limits for truncated text columns.
const (
	MaxResponseChars = 1000
	DefaultListLimit = 10
	MaxListLimit     = 100
)

// AlertRecord is a processed alert.
type AlertRecord struct {
	AlertID              string            `json:"alert_id"`
	AlertType            string            `json:"alert_type"`
	Severity             string            `json:"severity"`
	Description          string            `json:"description"`
	AffectedSystems      []string          `json:"affected_systems"`
	DetectedAt           time.Time         `json:"detected_at"`
	Context              map[string]any    `json:"context,omitempty"`
	RootCause            string            `json:"root_cause,omitempty"`
	Recommendations      []string          `json:"recommendations,omitempty"`
	ComplianceStatus     string            `json:"compliance_status,omitempty"`
	ComplianceViolations []alert.Violation `json:"compliance_violations,omitempty"`
	MeetingCreated       bool              `json:"meeting_created"`
	MeetingID            string            `json:"meeting_id,omitempty"`
	ProcessedAt          time.Time         `json:"processed_at"`
	CreatedAt            time.Time         `json:"created_at"`
}

// NewAlertRecord builds the record for an enriched alert. MeetingCreated is
// derived from meetingID.
func NewAlertRecord(e *alert.Enriched, meetingID string, processedAt time.Time) *AlertRecord {
	r := &AlertRecord{
		AlertID:         e.ID,
		AlertType:       e.Type,
		Severity:        string(e.Severity),
		Description:     e.Description,
		AffectedSystems: slices.Clone(e.AffectedSystems),
		DetectedAt:      e.DetectedAt,
		Context:         e.Context,
		RootCause:       e.RootCause,
		Recommendations: slices.Clone(e.Recommendations),
		MeetingCreated:  meetingID != "",
		MeetingID:       meetingID,
		ProcessedAt:     processedAt,
		CreatedAt:       processedAt,
	}
	if e.Compliance != nil {
		r.ComplianceStatus = e.Compliance.Status
		r.ComplianceViolations = slices.Clone(e.Compliance.Violations)
	}
	return r
}

// Clone returns a copy with its own slices.
func (r *AlertRecord) Clone() *AlertRecord {
	out := *r
	out.AffectedSystems = slices.Clone(r.AffectedSystems)
	out.Recommendations = slices.Clone(r.Recommendations)
	out.ComplianceViolations = slices.Clone(r.ComplianceViolations)
	return &out
}

// MeetingRecord is a meeting scheduled for an alert.
type MeetingRecord struct {
	MeetingID           string    `json:"meeting_id"`
	ExternalMeetingID   string    `json:"external_meeting_id,omitempty"`
	AlertID             string    `json:"alert_id,omitempty"`
	Title               string    `json:"title"`
	ScheduledTime       time.Time `json:"scheduled_time"`
	MeetingURL          string    `json:"meeting_url,omitempty"`
	Attendees           []string  `json:"attendees"`
	AlertType           string    `json:"alert_type"`
	AlertSeverity       string    `json:"alert_severity"`
	UrgencyLevel        string    `json:"urgency_level"`
	UrgencyScore        float64   `json:"urgency_score"`
	WhyScheduled        string    `json:"why_scheduled"`
	DiscussionPoints    []string  `json:"discussion_points"`
	PreMeetingSummary   string    `json:"pre_meeting_summary"`
	SuggestedAttendees  []string  `json:"suggested_attendees"`
	RecommendedDuration string    `json:"recommended_duration"`
	Status              string    `json:"status"`
	PostMeetingSummary  string    `json:"post_meeting_summary,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Clone returns a copy with its own slices.
func (r *MeetingRecord) Clone() *MeetingRecord {
	out := *r
	out.Attendees = slices.Clone(r.Attendees)
	out.DiscussionPoints = slices.Clone(r.DiscussionPoints)
	out.SuggestedAttendees = slices.Clone(r.SuggestedAttendees)
	return &out
}

// LearningRecord is one interaction fed to the learning agent.
type LearningRecord struct {
	ID                 string         `json:"id"`
	AgentName          string         `json:"agent_name"`
	InteractionType    string         `json:"interaction_type"`
	Query              string         `json:"query"`
	Response           string         `json:"response"`
	FeedbackScore      *float64       `json:"feedback_score,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
	PatternsIdentified []string       `json:"patterns_identified,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// WebhookLog is a write-once audit entry for one inbound webhook.
type WebhookLog struct {
	ID               string            `json:"id"`
	Endpoint         string            `json:"endpoint"`
	Method           string            `json:"method"`
	Payload          json.RawMessage   `json:"payload,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	ResponseStatus   int               `json:"response_status"`
	ResponseBody     string            `json:"response_body,omitempty"`
	ProcessingTimeMS float64           `json:"processing_time_ms"`
	Error            string            `json:"error,omitempty"`
	IPAddress        string            `json:"ip_address,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Failed reports whether the webhook was rejected or errored.
func (l *WebhookLog) Failed() bool {
	return l.Error != "" || l.ResponseStatus >= 400
}

// Store is the persistence interface. Get methods return (nil, false, nil)
// when nothing matches.
type Store interface {
	SaveAlert(ctx context.Context, r *AlertRecord) error
	GetAlert(ctx context.Context, alertID string) (*AlertRecord, bool, error)
	RecentAlerts(ctx context.Context, limit int, severity string) ([]AlertRecord, error)

	SaveMeeting(ctx context.Context, r *MeetingRecord) error
	// GetMeeting matches the meeting id or the external meeting id.
	GetMeeting(ctx context.Context, id string) (*MeetingRecord, bool, error)
	GetMeetingByAlert(ctx context.Context, alertID string) (*MeetingRecord, bool, error)
	RecentMeetings(ctx context.Context, limit int) ([]MeetingRecord, error)
	// CompleteMeeting sets status completed and the summary. It reports
	// false when no meeting matches.
	CompleteMeeting(ctx context.Context, id, summary string, at time.Time) (bool, error)

	// SaveOutcome writes the alert and meeting records atomically.
	SaveOutcome(ctx context.Context, a *AlertRecord, m *MeetingRecord) error

	SaveLearning(ctx context.Context, r *LearningRecord) error
	SaveWebhookLog(ctx context.Context, l *WebhookLog) error
	WebhookLogs(ctx context.Context, failedOnly bool, limit int) ([]WebhookLog, error)
}

// ClampLimit bounds a list limit to (0, MaxListLimit], defaulting when unset.
func ClampLimit(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	return min(n, MaxListLimit)
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
