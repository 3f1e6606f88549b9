package webhookapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/muster/internal/alert"
	"github.com/linnemanlabs/muster/internal/apierr"
	"github.com/linnemanlabs/muster/internal/store"
)

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, "operational", map[string]any{
		"system_status": a.orch.Status(),
		"integrations": map[string]string{
			"slotify":   enabled(a.features.SchedulingIntegration),
			"chainsync": enabled(a.features.AlertingIntegration),
			"database":  enabled(a.features.DatabasePersistence),
			"llm":       enabled(a.features.LLM),
		},
	})
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func (a *API) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	list := a.orch.Agents()
	apierr.WriteJSON(w, http.StatusOK, fmt.Sprintf("%d agents", len(list)), map[string]any{
		"agents":      list,
		"total_count": len(list),
	})
}

// limitParam parses ?limit= and clamps it to the store bounds.
func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return store.ClampLimit(0), nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierr.Invalid("limit", "must be an integer (got %q)", raw)
	}
	return store.ClampLimit(n), nil
}

func (a *API) handleRecentMeetings(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	meetings, err := a.store.RecentMeetings(r.Context(), limit)
	if err != nil {
		a.fail(w, r, err, "failed to list meetings")
		return
	}
	apierr.WriteJSON(w, http.StatusOK, fmt.Sprintf("%d meetings", len(meetings)), map[string]any{
		"meetings": meetings,
		"count":    len(meetings),
	})
}

// handleGetMeeting prefers the live engine context and falls back to the
// stored record.
func (a *API) handleGetMeeting(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if mc := a.meetings.LookupByMeetingID(id); mc != nil {
		apierr.WriteJSON(w, http.StatusOK, "meeting context", map[string]any{"meeting_context": mc})
		return
	}
	rec, ok, err := a.store.GetMeeting(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get meeting", "meeting_id", id)
		return
	}
	if !ok {
		apierr.Write(w, fmt.Errorf("meeting %s: %w", id, apierr.ErrNotFound))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, "meeting record", map[string]any{"meeting": rec})
}

func (a *API) handleExplainMeeting(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if a.meetings.LookupByMeetingID(id) == nil {
		apierr.Write(w, fmt.Errorf("meeting %s: %w", id, apierr.ErrNotFound))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, "meeting explanation", map[string]any{
		"meeting_id":  id,
		"explanation": a.meetings.Explain(id),
	})
}

func (a *API) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	var severity string
	if raw := strings.TrimSpace(r.URL.Query().Get("severity")); raw != "" {
		sev, ok := alert.ParseSeverity(raw)
		if !ok {
			apierr.Write(w, apierr.Invalid("severity", "must be one of low, medium, high, critical (got %q)", raw))
			return
		}
		severity = string(sev)
	}
	alerts, err := a.store.RecentAlerts(r.Context(), limit, severity)
	if err != nil {
		a.fail(w, r, err, "failed to list alerts")
		return
	}
	apierr.WriteJSON(w, http.StatusOK, fmt.Sprintf("%d alerts", len(alerts)), map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (a *API) handleAlertMeeting(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok, err := a.store.GetMeetingByAlert(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get meeting for alert", "alert_id", id)
		return
	}
	if !ok {
		apierr.Write(w, fmt.Errorf("meeting for alert %s: %w", id, apierr.ErrNotFound))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, "meeting record", map[string]any{"meeting": rec})
}

func (a *API) handleWebhookLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	failedOnly := false
	if raw := r.URL.Query().Get("failed"); raw != "" {
		failedOnly, err = strconv.ParseBool(raw)
		if err != nil {
			apierr.Write(w, apierr.Invalid("failed", "must be a boolean (got %q)", raw))
			return
		}
	}
	logs, err := a.store.WebhookLogs(r.Context(), failedOnly, limit)
	if err != nil {
		a.fail(w, r, err, "failed to list webhook logs")
		return
	}
	apierr.WriteJSON(w, http.StatusOK, fmt.Sprintf("%d webhook logs", len(logs)), map[string]any{
		"logs":  logs,
		"count": len(logs),
	})
}
