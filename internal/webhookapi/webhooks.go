package webhookapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/muster/internal/alert"
	"github.com/linnemanlabs/muster/internal/apierr"
	"github.com/linnemanlabs/muster/internal/meeting"
	"github.com/linnemanlabs/muster/internal/store"
	"github.com/linnemanlabs/muster/internal/workflow"
)

// explanationChars bounds the meeting explanation echoed to webhook callers.
const explanationChars = 500

type webhookKind int

const (
	webhookAlert webhookKind = iota + 1
	webhookMeeting
	webhookMeetingCompleted
)

type webhookRoute struct {
	source, event string
}

var webhookKinds = map[webhookRoute]webhookKind{
	{"chainsync", "alert"}:           webhookAlert,
	{"slotify", "meeting"}:           webhookMeeting,
	{"slotify", "meeting-completed"}: webhookMeetingCompleted,
}

func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	route := webhookRoute{
		source: strings.ToLower(chi.URLParam(r, "source")),
		event:  strings.ToLower(chi.URLParam(r, "event")),
	}
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("muster.webhook.source", route.source),
		attribute.String("muster.webhook.event", route.event),
	)

	start := a.now()
	switch webhookKinds[route] {
	case webhookAlert:
		a.handleAlertWebhook(w, r, start)
	case webhookMeeting:
		a.handleMeetingWebhook(w, r, start)
	case webhookMeetingCompleted:
		a.handleMeetingCompleted(w, r)
	default:
		apierr.Write(w, fmt.Errorf("webhook %s/%s: %w", route.source, route.event, apierr.ErrNotFound))
	}
}

type alertWorkflowSummary struct {
	RootCause          string `json:"root_cause,omitempty"`
	ComplianceStatus   string `json:"compliance_status,omitempty"`
	MeetingExplanation string `json:"meeting_explanation,omitempty"`
}

type alertWebhookData struct {
	AlertID           string                `json:"alert_id"`
	MeetingID         string                `json:"meeting_id,omitempty"`
	ExternalMeetingID string                `json:"external_meeting_id,omitempty"`
	MeetingURL        string                `json:"meeting_url,omitempty"`
	MeetingCreated    bool                  `json:"meeting_created"`
	Skipped           bool                  `json:"skipped,omitempty"`
	Reason            string                `json:"reason,omitempty"`
	Urgency           *meeting.Urgency      `json:"urgency,omitempty"`
	WorkflowResult    *alertWorkflowSummary `json:"workflow_result,omitempty"`
	ProcessingTimeMS  float64               `json:"processing_time_ms"`
}

func (a *API) handleAlertWebhook(w http.ResponseWriter, r *http.Request, start time.Time) {
	var al alert.Alert
	if err := decodeBody(r, &al); err != nil {
		a.fail(w, r, err, "invalid alert webhook")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("muster.alert.id", al.ID))
	a.logger.Info(r.Context(), "processing alert webhook", "alert_id", al.ID, "alert_type", al.Type, "severity", al.Severity)

	res, err := a.orch.AlertToMeeting(r.Context(), workflow.AlertToMeetingInput{Alert: al})
	if err != nil {
		a.fail(w, r, err, "alert webhook failed", "alert_id", al.ID)
		return
	}

	data := alertWebhookData{
		AlertID:           res.AlertID,
		MeetingID:         res.MeetingID,
		ExternalMeetingID: res.ExternalMeetingID,
		MeetingURL:        res.MeetingURL,
		MeetingCreated:    res.MeetingCreated,
		Skipped:           res.Skipped,
		Reason:            res.Reason,
		ProcessingTimeMS:  a.elapsedMS(start),
	}
	if res.Skipped {
		apierr.WriteJSON(w, http.StatusOK, fmt.Sprintf("Alert %s skipped: %s", res.AlertID, res.Reason), data)
		return
	}

	summary := &alertWorkflowSummary{MeetingExplanation: store.Truncate(res.MeetingExplanation, explanationChars)}
	if res.RootCauseAnalysis != nil {
		summary.RootCause = res.RootCauseAnalysis.RootCause
	}
	if res.ComplianceCheck != nil {
		summary.ComplianceStatus = res.ComplianceCheck.OverallStatus
	}
	data.WorkflowResult = summary
	if res.MeetingContext != nil {
		u := res.MeetingContext.Urgency
		data.Urgency = &u
	}
	apierr.WriteJSON(w, http.StatusOK, fmt.Sprintf("Alert %s processed and meeting %s created", res.AlertID, res.MeetingID), data)
}

// schedulerMeeting is the scheduling service's meeting webhook payload.
type schedulerMeeting struct {
	MeetingID      string    `json:"meeting_id"`
	Title          string    `json:"title"`
	ScheduledTime  time.Time `json:"scheduled_time"`
	Attendees      []string  `json:"attendees"`
	AlertReference string    `json:"alert_reference"`
	MeetingURL     string    `json:"meeting_url"`
}

type meetingWebhookData struct {
	MeetingID        string           `json:"meeting_id"`
	MeetingContext   *meeting.Context `json:"meeting_context"`
	Explanation      string           `json:"explanation"`
	Existing         bool             `json:"existing,omitempty"`
	ProcessingTimeMS float64          `json:"processing_time_ms"`
}

func (a *API) handleMeetingWebhook(w http.ResponseWriter, r *http.Request, start time.Time) {
	var m schedulerMeeting
	if err := decodeBody(r, &m); err != nil {
		a.fail(w, r, err, "invalid meeting webhook")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("muster.meeting.id", m.MeetingID))

	res, err := a.orch.ProcessExternalMeeting(r.Context(), meeting.Request{
		MeetingID:     m.MeetingID,
		MeetingURL:    m.MeetingURL,
		AlertID:       m.AlertReference,
		Title:         m.Title,
		ScheduledTime: m.ScheduledTime,
		Attendees:     m.Attendees,
	})
	if err != nil {
		a.fail(w, r, err, "meeting webhook failed", "meeting_id", m.MeetingID)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, fmt.Sprintf("Meeting %s context generated", m.MeetingID), meetingWebhookData{
		MeetingID:        m.MeetingID,
		MeetingContext:   res.MeetingContext,
		Explanation:      res.Explanation,
		Existing:         res.Existing,
		ProcessingTimeMS: a.elapsedMS(start),
	})
}

type meetingCompletedRequest struct {
	MeetingID string `json:"meeting_id"`
	Notes     string `json:"notes"`
}

func (a *API) handleMeetingCompleted(w http.ResponseWriter, r *http.Request) {
	var req meetingCompletedRequest
	if err := decodeBody(r, &req); err != nil {
		a.fail(w, r, err, "invalid meeting completion webhook")
		return
	}
	if strings.TrimSpace(req.MeetingID) == "" {
		apierr.Write(w, apierr.Invalid("meeting_id", "is required"))
		return
	}

	pm, err := a.orch.CompleteMeeting(r.Context(), req.MeetingID, req.Notes)
	if err != nil {
		a.fail(w, r, err, "meeting completion failed", "meeting_id", req.MeetingID)
		return
	}
	if pm == nil {
		apierr.Write(w, fmt.Errorf("meeting %s: %w", req.MeetingID, apierr.ErrNotFound))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, fmt.Sprintf("Meeting %s completed", req.MeetingID), map[string]any{
		"meeting_id":   req.MeetingID,
		"post_meeting": pm,
	})
}

func (a *API) elapsedMS(start time.Time) float64 {
	return float64(a.now().Sub(start).Microseconds()) / 1000
}
