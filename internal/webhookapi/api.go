// Package webhookapi serves the inbound webhooks, the agent invocation API
// and the read-only query endpoints.
package webhookapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/muster/internal/agents"
	"github.com/linnemanlabs/muster/internal/apierr"
	"github.com/linnemanlabs/muster/internal/meeting"
	"github.com/linnemanlabs/muster/internal/store"
	"github.com/linnemanlabs/muster/internal/workflow"
)

// ServiceName is reported by the root and health endpoints.
const ServiceName = "muster"

// Orchestrator defines the workflow operations the API exposes.
type Orchestrator interface {
	AlertToMeeting(ctx context.Context, in workflow.AlertToMeetingInput) (*workflow.AlertToMeetingResult, error)
	ProcessExternalMeeting(ctx context.Context, req meeting.Request) (*workflow.ExternalMeetingResult, error)
	CompleteMeeting(ctx context.Context, id, notes string) (*meeting.PostMeetingSummary, error)
	Route(ctx context.Context, key string, payload json.RawMessage) (any, error)
	Run(ctx context.Context, name string, payload json.RawMessage) (any, error)
	Parallel(ctx context.Context, tasks []workflow.Task) []workflow.TaskResult
	Status() workflow.SystemStatus
	Agents() []agents.Info
	ComplianceReport(ctx context.Context, period string) *agents.ComplianceReport
	Suggest(ctx context.Context, query string) *agents.Suggestion
	Conversation(id string) (*agents.ConversationSummary, bool)
	ExplainReasoning(problem string) string
}

// Meetings reads generated meeting contexts.
type Meetings interface {
	LookupByMeetingID(id string) *meeting.Context
	Explain(meetingID string) string
}

// Features are the integration flags reported by the root and status
// endpoints.
type Features struct {
	APIKeyAuth            bool `json:"api_key_auth"`
	SignatureVerification bool `json:"signature_verification"`
	DatabasePersistence   bool `json:"database_persistence"`
	SchedulingIntegration bool `json:"slotify_integration"`
	AlertingIntegration   bool `json:"chainsync_integration"`
	LLM                   bool `json:"llm"`
}

// Deps holds API dependencies. Auth gates webhooks and the agent API,
// QueryAuth gates the query endpoints. Either may be nil.
type Deps struct {
	Logger       log.Logger
	Orchestrator Orchestrator
	Meetings     Meetings
	Store        store.Store
	Auth         func(http.Handler) http.Handler
	QueryAuth    func(http.Handler) http.Handler
	Features     Features
	Version      string
	Now          func() time.Time
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	orch      Orchestrator
	meetings  Meetings
	store     store.Store
	auth      func(http.Handler) http.Handler
	queryAuth func(http.Handler) http.Handler
	features  Features
	version   string
	now       func() time.Time
}

// New creates a new API handler.
func New(d Deps) *API {
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	if d.Orchestrator == nil {
		panic(xerrors.New("orchestrator is required"))
	}
	if d.Meetings == nil {
		panic(xerrors.New("meetings is required"))
	}
	if d.Store == nil {
		panic(xerrors.New("store is required"))
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Version == "" {
		d.Version = "dev"
	}
	return &API{
		logger:    d.Logger,
		orch:      d.Orchestrator,
		meetings:  d.Meetings,
		store:     d.Store,
		auth:      d.Auth,
		queryAuth: d.QueryAuth,
		features:  d.Features,
		version:   d.Version,
		now:       d.Now,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/", a.handleRoot)
	r.Get("/health", a.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(a.logWebhooks)
		use(r, a.auth)
		r.Post("/webhooks/{source}/{event}", a.handleWebhook)
	})

	r.Route("/api/v1", func(r chi.Router) {
		use(r, a.auth)
		r.Post("/requests/{kind}", a.handleRequest)
		r.Post("/workflows/{name}", a.handleWorkflow)
		r.Post("/parallel", a.handleParallel)
	})

	r.Group(func(r chi.Router) {
		use(r, a.queryAuth)
		r.Get("/status", a.handleStatus)
		r.Get("/agents/list", a.handleListAgents)
		r.Get("/agents/compliance/report", a.handleComplianceReport)
		r.Get("/agents/learning/suggestions", a.handleSuggest)
		r.Get("/agents/memory/conversations/{id}", a.handleConversation)
		r.Get("/agents/reasoning/explain", a.handleExplainReasoning)
		r.Get("/meetings/recent", a.handleRecentMeetings)
		r.Get("/meetings/{id}", a.handleGetMeeting)
		r.Get("/meetings/{id}/explain", a.handleExplainMeeting)
		r.Get("/alerts/recent", a.handleRecentAlerts)
		r.Get("/alerts/{id}/meeting", a.handleAlertMeeting)
		r.Get("/webhooks/logs", a.handleWebhookLogs)
	})
}

func use(r chi.Router, mw func(http.Handler) http.Handler) {
	if mw != nil {
		r.Use(mw)
	}
}

func (a *API) handleRoot(w http.ResponseWriter, _ *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, ServiceName+" alert-to-meeting orchestration", map[string]any{
		"service":  ServiceName,
		"version":  a.version,
		"features": a.features,
		"endpoints": map[string]string{
			"chainsync_alerts":   "/webhooks/chainsync/alert",
			"slotify_meetings":   "/webhooks/slotify/meeting",
			"meeting_completed":  "/webhooks/slotify/meeting-completed",
			"agent_requests":     "/api/v1/requests/{kind}",
			"workflows":          "/api/v1/workflows/{name}",
			"parallel":           "/api/v1/parallel",
			"health":             "/health",
			"status":             "/status",
			"agents":             "/agents/list",
			"recent_meetings":    "/meetings/recent",
			"recent_alerts":      "/alerts/recent",
			"webhook_audit_logs": "/webhooks/logs",
		},
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, "healthy", map[string]any{
		"status":  "healthy",
		"service": ServiceName,
		"version": a.version,
	})
}

// decodeBody reads a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mb *http.MaxBytesError
		if errors.As(err, &mb) {
			return fmt.Errorf("request body: %w", err)
		}
		return apierr.Invalid("body", "invalid JSON: %v", err)
	}
	return nil
}

// fail logs server-side failures and writes the error envelope.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	if apierr.Status(err) >= http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, msg, kv...)
	} else {
		a.logger.Warn(r.Context(), msg, append(kv, "err", err)...)
	}
	apierr.Write(w, err)
}
