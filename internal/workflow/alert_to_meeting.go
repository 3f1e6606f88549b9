package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/muster/internal/agents"
	"github.com/linnemanlabs/muster/internal/alert"
	"github.com/linnemanlabs/muster/internal/alerting"
	"github.com/linnemanlabs/muster/internal/meeting"
	"github.com/linnemanlabs/muster/internal/scheduling"
	"github.com/linnemanlabs/muster/internal/store"
)

// Alert-to-meeting steps, in order.
const (
	StepLookup            = "lookup"
	StepRCA               = "rca"
	StepCompliance        = "compliance"
	StepMeetingContext    = "meeting_context"
	StepCreateMeeting     = "create_meeting"
	StepUpdateAlertStatus = "update_alert_status"
	StepAddComment        = "add_comment"
	StepPersist           = "persist"
)

// Skip reasons.
const (
	ReasonDuplicate  = "duplicate"
	ReasonInProgress = "in_progress"
)

const (
	meetingIDPrefix = "mtg-"
	notesPrefix     = "AI-generated meeting context: "
	notesChars      = 200
)

// AlertToMeetingInput is an alert plus optional meeting overrides.
type AlertToMeetingInput struct {
	Alert   alert.Alert     `json:"alert_data"`
	Meeting meeting.Request `json:"meeting_data"`
}

// AlertToMeetingResult is the outcome of alert_to_meeting.
type AlertToMeetingResult struct {
	Workflow           string                   `json:"workflow"`
	AlertID            string                   `json:"alert_id"`
	MeetingID          string                   `json:"meeting_id,omitempty"`
	ExternalMeetingID  string                   `json:"external_meeting_id,omitempty"`
	MeetingURL         string                   `json:"meeting_url,omitempty"`
	MeetingCreated     bool                     `json:"meeting_created"`
	Skipped            bool                     `json:"skipped,omitempty"`
	Reason             string                   `json:"reason,omitempty"`
	RootCauseAnalysis  *agents.RCAResult        `json:"root_cause_analysis,omitempty"`
	ComplianceCheck    *agents.ComplianceResult `json:"compliance_check,omitempty"`
	MeetingContext     *meeting.Context         `json:"meeting_context,omitempty"`
	MeetingExplanation string                   `json:"meeting_explanation,omitempty"`
	Timestamp          time.Time                `json:"timestamp"`
}

// StepError reports which alert-to-meeting step failed and what had been
// done by then.
type StepError struct {
	Step              string
	AlertID           string
	MeetingID         string
	ExternalMeetingID string
	MeetingURL        string
	Partial           *AlertToMeetingResult
	Err               error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("alert_to_meeting %s failed for alert %s: %v", e.Step, e.AlertID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// HTTPStatus implements apierr.StatusCoder.
func (e *StepError) HTTPStatus() int { return http.StatusInternalServerError }

// Details implements apierr.Detailer.
func (e *StepError) Details() map[string]any {
	return map[string]any{
		"alert_id":            e.AlertID,
		"step":                e.Step,
		"meeting_id":          e.MeetingID,
		"external_meeting_id": e.ExternalMeetingID,
		"meeting_url":         e.MeetingURL,
	}
}

// decodeAlertToMeeting accepts {"alert_data": ..., "meeting_data": ...} or a
// bare alert.
func decodeAlertToMeeting(payload json.RawMessage) (AlertToMeetingInput, error) {
	var in AlertToMeetingInput
	if !gjson.GetBytes(payload, "alert_data").Exists() {
		err := decode(payload, &in.Alert)
		return in, err
	}
	err := decode(payload, &in)
	return in, err
}

// AlertToMeeting analyzes an alert, schedules a meeting for it and reports
// back to the alerting service. Alerts that already have a meeting, or are
// being processed, are skipped.
func (o *Orchestrator) AlertToMeeting(ctx context.Context, in AlertToMeetingInput) (*AlertToMeetingResult, error) {
	al := in.Alert
	if err := al.Validate(); err != nil {
		return nil, err
	}
	res, err := o.observe(ctx, KindAlertToMeeting, func(ctx context.Context) (any, error) {
		return o.alertToMeeting(ctx, al, in.Meeting)
	})
	r, _ := res.(*AlertToMeetingResult)
	return r, err
}

func (o *Orchestrator) claim(alertID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[alertID]; busy {
		return false
	}
	o.inflight[alertID] = struct{}{}
	return true
}

func (o *Orchestrator) release(alertID string) {
	o.mu.Lock()
	delete(o.inflight, alertID)
	o.mu.Unlock()
}

func (o *Orchestrator) alertToMeeting(ctx context.Context, al alert.Alert, req meeting.Request) (*AlertToMeetingResult, error) {
	L := o.logger.With("alert_id", al.ID, "alert_type", al.Type)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("alert.id", al.ID),
		attribute.String("alert.severity", string(al.Severity)),
	)

	now := o.now().UTC()
	res := &AlertToMeetingResult{Workflow: KindAlertToMeeting.String(), AlertID: al.ID, Timestamp: now}

	if !o.claim(al.ID) {
		L.Info(ctx, "alert already in progress, skipping")
		res.Skipped, res.Reason = true, ReasonInProgress
		return res, nil
	}
	defer o.release(al.ID)

	var enriched *alert.Enriched
	fail := func(stepName string, err error) error {
		o.metrics.stepFailed(stepName)
		L.Error(ctx, err, "alert to meeting step failed", "step", stepName, "meeting_id", res.MeetingID)
		if enriched != nil {
			o.saveUnscheduled(ctx, enriched, now)
		}
		partial := *res
		return &StepError{
			Step:              stepName,
			AlertID:           al.ID,
			MeetingID:         res.MeetingID,
			ExternalMeetingID: res.ExternalMeetingID,
			MeetingURL:        res.MeetingURL,
			Partial:           &partial,
			Err:               err,
		}
	}

	step(ctx, StepLookup)
	existing, ok, err := o.store.GetAlert(ctx, al.ID)
	if err != nil {
		return nil, fail(StepLookup, err)
	}
	if ok && existing.MeetingCreated {
		L.Info(ctx, "alert already has a meeting, skipping", "meeting_id", existing.MeetingID)
		res.Skipped, res.Reason = true, ReasonDuplicate
		res.MeetingID = existing.MeetingID
		res.MeetingCreated = true
		return res, nil
	}

	if req.MeetingID == "" {
		req.MeetingID = meetingIDPrefix + ulid.Make().String()
	}
	if req.Title == "" {
		req.Title = fmt.Sprintf("[%s] %s Review", strings.ToUpper(string(al.Severity)), alert.TitleCase(al.Type))
	}
	if req.ScheduledTime.IsZero() {
		req.ScheduledTime = now
	}
	req.AlertID = al.ID
	res.MeetingID = req.MeetingID

	step(ctx, StepRCA)
	rca := o.agents.RCA.Analyze(ctx, agents.Failure{
		ErrorMessage: al.Description,
		ErrorType:    al.Type,
		Context:      al.Context,
		Impact:       string(al.Severity),
	})
	if err := ctx.Err(); err != nil {
		return nil, fail(StepRCA, err)
	}
	res.RootCauseAnalysis = rca

	step(ctx, StepCompliance)
	comp := o.agents.Compliance.Check(ctx, map[string]any{
		"operation_type":   al.Type,
		"alert_id":         al.ID,
		"description":      al.Description,
		"affected_systems": al.AffectedSystems,
		"root_cause":       rca.RootCause,
	}, al.ComplianceFrameworks)
	if err := ctx.Err(); err != nil {
		return nil, fail(StepCompliance, err)
	}
	res.ComplianceCheck = comp
	enriched = &alert.Enriched{
		Alert:           al,
		RootCause:       rca.RootCause,
		Recommendations: rca.Recommendations,
		Compliance:      comp.Findings(),
	}

	step(ctx, StepMeetingContext)
	mc, err := o.engine.Process(ctx, req, enriched)
	if err != nil {
		return nil, fail(StepMeetingContext, err)
	}
	res.MeetingContext = mc

	step(ctx, StepCreateMeeting)
	attendees := lo.Uniq(append(slices.Clone(req.Attendees), mc.SuggestedAttendees...))
	ext, err := o.scheduler.CreateMeeting(ctx, scheduling.MeetingRequest{
		Title:           mc.Title,
		Description:     mc.WhyScheduled,
		ScheduledTime:   mc.ScheduledTime,
		DurationMinutes: meeting.DurationMinutes(al.Severity, len(al.AffectedSystems)),
		Attendees:       attendees,
		AlertReference:  al.ID,
		Organizer:       o.organizer,
	})
	if err != nil {
		return nil, fail(StepCreateMeeting, err)
	}
	o.engine.AttachExternal(mc.MeetingID, ext.MeetingID, ext.MeetingURL)
	mc.ExternalMeetingID, mc.MeetingURL = ext.MeetingID, ext.MeetingURL
	res.ExternalMeetingID, res.MeetingURL = ext.MeetingID, ext.MeetingURL

	step(ctx, StepUpdateAlertStatus)
	if _, err := o.alerts.UpdateAlertStatus(ctx, al.ID, alerting.StatusUpdate{
		Status:     alerting.StatusMeetingScheduled,
		MeetingURL: ext.MeetingURL,
		Notes:      notesPrefix + store.Truncate(mc.WhyScheduled, notesChars),
	}); err != nil {
		return nil, fail(StepUpdateAlertStatus, err)
	}

	step(ctx, StepAddComment)
	comment := fmt.Sprintf("Root Cause: %s\nMeeting scheduled: %s", rca.RootCause, ext.MeetingURL)
	if _, err := o.alerts.AddComment(ctx, al.ID, comment, alerting.DefaultAuthor); err != nil {
		return nil, fail(StepAddComment, err)
	}

	step(ctx, StepPersist)
	if err := o.store.SaveOutcome(ctx,
		store.NewAlertRecord(enriched, mc.MeetingID, now),
		meetingRecord(mc, attendees),
	); err != nil {
		return nil, fail(StepPersist, err)
	}
	res.MeetingCreated = true

	o.afterMeeting(ctx, al, rca, mc)

	res.MeetingExplanation = o.engine.Explain(mc.MeetingID)
	L.Info(ctx, "meeting scheduled for alert",
		"meeting_id", mc.MeetingID,
		"external_meeting_id", ext.MeetingID,
		"urgency", string(mc.Urgency.Level),
	)
	return res, nil
}

// saveUnscheduled keeps the analysis of an alert whose meeting could not be
// completed. Errors are logged only.
func (o *Orchestrator) saveUnscheduled(ctx context.Context, e *alert.Enriched, at time.Time) {
	ctx = context.WithoutCancel(ctx)
	if err := o.store.SaveAlert(ctx, store.NewAlertRecord(e, "", at)); err != nil {
		o.logger.Error(ctx, err, "failed to save alert after step failure", "alert_id", e.ID)
	}
}

// afterMeeting queues the learning record and the notification.
func (o *Orchestrator) afterMeeting(ctx context.Context, al alert.Alert, rca *agents.RCAResult, mc *meeting.Context) {
	o.goBackground(ctx, "learning", func(ctx context.Context) error {
		return o.recordLearning(ctx, agents.NameMeeting, KindAlertToMeeting.String(), agents.Interaction{
			Query:    fmt.Sprintf("%s: %s", al.Type, store.Truncate(al.Description, previewChars)),
			Response: store.Truncate(rca.RootCause, previewChars),
			Context: map[string]any{
				"alert_id":   al.ID,
				"alert_type": al.Type,
				"severity":   string(al.Severity),
				"meeting_id": mc.MeetingID,
			},
		}, nil)
	})
	if o.notifier != nil {
		o.goBackground(ctx, "notification", func(ctx context.Context) error {
			return o.notifier.Send(ctx, mc)
		})
	}
}

func meetingRecord(mc *meeting.Context, attendees []string) *store.MeetingRecord {
	return &store.MeetingRecord{
		MeetingID:           mc.MeetingID,
		ExternalMeetingID:   mc.ExternalMeetingID,
		AlertID:             mc.AlertID,
		Title:               mc.Title,
		ScheduledTime:       mc.ScheduledTime,
		MeetingURL:          mc.MeetingURL,
		Attendees:           slices.Clone(attendees),
		AlertType:           mc.AlertType,
		AlertSeverity:       string(mc.Severity),
		UrgencyLevel:        string(mc.Urgency.Level),
		UrgencyScore:        mc.Urgency.Score,
		WhyScheduled:        mc.WhyScheduled,
		DiscussionPoints:    slices.Clone(mc.DiscussionPoints),
		PreMeetingSummary:   mc.PreMeetingSummary,
		SuggestedAttendees:  slices.Clone(mc.SuggestedAttendees),
		RecommendedDuration: mc.RecommendedDuration,
		Status:              store.MeetingScheduled,
		CreatedAt:           mc.CreatedAt,
		UpdatedAt:           mc.UpdatedAt,
	}
}

// ExternalMeetingResult is the outcome of processing a meeting created
// outside the alert-to-meeting workflow.
type ExternalMeetingResult struct {
	MeetingContext *meeting.Context `json:"meeting_context"`
	Explanation    string           `json:"explanation"`
	Existing       bool             `json:"existing,omitempty"`
}

// ProcessExternalMeeting builds context for a meeting the scheduling service
// reported. Alert data comes from the store, then the alerting service,
// then falls back to the bare alert id.
func (o *Orchestrator) ProcessExternalMeeting(ctx context.Context, req meeting.Request) (*ExternalMeetingResult, error) {
	return o.processMeeting(ctx, req, nil)
}

func (o *Orchestrator) processMeeting(ctx context.Context, req meeting.Request, known *alert.Alert) (*ExternalMeetingResult, error) {
	if err := required("meeting_id", req.MeetingID); err != nil {
		return nil, err
	}
	if mc := o.engine.LookupByMeetingID(req.MeetingID); mc != nil {
		return &ExternalMeetingResult{MeetingContext: mc, Explanation: o.engine.Explain(mc.MeetingID), Existing: true}, nil
	}

	mc, err := o.engine.Process(ctx, req, o.resolveAlert(ctx, req.AlertID, known))
	if err != nil {
		return nil, err
	}

	if _, ok, err := o.store.GetMeeting(ctx, mc.MeetingID); err != nil {
		return nil, fmt.Errorf("lookup meeting %s: %w", mc.MeetingID, err)
	} else if !ok {
		if err := o.store.SaveMeeting(ctx, meetingRecord(mc, mc.Attendees)); err != nil {
			return nil, fmt.Errorf("save meeting %s: %w", mc.MeetingID, err)
		}
	}
	return &ExternalMeetingResult{MeetingContext: mc, Explanation: o.engine.Explain(mc.MeetingID)}, nil
}

func (o *Orchestrator) resolveAlert(ctx context.Context, alertID string, known *alert.Alert) *alert.Enriched {
	if known != nil && known.ID != "" {
		return &alert.Enriched{Alert: *known}
	}
	if alertID == "" {
		return nil
	}
	rec, ok, err := o.store.GetAlert(ctx, alertID)
	switch {
	case err != nil:
		o.logger.Warn(ctx, "alert lookup in store failed", "alert_id", alertID, "err", err)
	case ok:
		return enrichedFromRecord(rec)
	}
	r, err := o.alerts.GetAlert(ctx, alertID)
	if err != nil {
		o.logger.Warn(ctx, "alert lookup in alerting service failed", "alert_id", alertID, "err", err)
		return &alert.Enriched{Alert: alert.Alert{ID: alertID}}
	}
	return &alert.Enriched{Alert: *r.Alert()}
}

func enrichedFromRecord(r *store.AlertRecord) *alert.Enriched {
	sev, _ := alert.ParseSeverity(r.Severity)
	e := &alert.Enriched{
		Alert: alert.Alert{
			ID:              r.AlertID,
			Type:            r.AlertType,
			Severity:        sev,
			Description:     r.Description,
			AffectedSystems: slices.Clone(r.AffectedSystems),
			DetectedAt:      r.DetectedAt,
			Context:         r.Context,
		},
		RootCause:       r.RootCause,
		Recommendations: slices.Clone(r.Recommendations),
	}
	if r.ComplianceStatus != "" {
		e.Compliance = &alert.ComplianceFindings{
			Status:     r.ComplianceStatus,
			Violations: slices.Clone(r.ComplianceViolations),
		}
	}
	return e
}

// CompleteMeeting records the outcome of a meeting and persists its summary.
// Unknown meetings return nil.
func (o *Orchestrator) CompleteMeeting(ctx context.Context, id, notes string) (*meeting.PostMeetingSummary, error) {
	pm := o.engine.CompleteMeeting(ctx, id, notes)
	if pm == nil {
		return nil, nil
	}
	ok, err := o.store.CompleteMeeting(ctx, id, pm.Summary, pm.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("complete meeting %s: %w", id, err)
	}
	if !ok {
		o.logger.Warn(ctx, "completed meeting has no stored record", "meeting_id", id)
	}
	return pm, nil
}
