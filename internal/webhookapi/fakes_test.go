package webhookapi

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/muster/internal/agents"
	"github.com/linnemanlabs/muster/internal/meeting"
	"github.com/linnemanlabs/muster/internal/store"
	"github.com/linnemanlabs/muster/internal/store/memstore"
	"github.com/linnemanlabs/muster/internal/workflow"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeOrchestrator records calls and returns canned results.
type fakeOrchestrator struct {
	mu sync.Mutex

	alertRes *workflow.AlertToMeetingResult
	alertErr error
	gotAlert *workflow.AlertToMeetingInput

	meetingRes *workflow.ExternalMeetingResult
	meetingErr error
	gotMeeting *meeting.Request

	completeRes *meeting.PostMeetingSummary
	completeErr error

	routeRes any
	routeErr error
	gotKind  string
	gotBody  json.RawMessage

	runRes any
	runErr error

	parallelRes []workflow.TaskResult
	gotTasks    []workflow.Task
}

func (f *fakeOrchestrator) AlertToMeeting(_ context.Context, in workflow.AlertToMeetingInput) (*workflow.AlertToMeetingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotAlert = &in
	return f.alertRes, f.alertErr
}

func (f *fakeOrchestrator) ProcessExternalMeeting(_ context.Context, req meeting.Request) (*workflow.ExternalMeetingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotMeeting = &req
	return f.meetingRes, f.meetingErr
}

func (f *fakeOrchestrator) CompleteMeeting(context.Context, string, string) (*meeting.PostMeetingSummary, error) {
	return f.completeRes, f.completeErr
}

func (f *fakeOrchestrator) Route(_ context.Context, key string, payload json.RawMessage) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotKind = key
	f.gotBody = payload
	return f.routeRes, f.routeErr
}

func (f *fakeOrchestrator) Run(context.Context, string, json.RawMessage) (any, error) {
	return f.runRes, f.runErr
}

func (f *fakeOrchestrator) Parallel(_ context.Context, tasks []workflow.Task) []workflow.TaskResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotTasks = tasks
	return f.parallelRes
}

func (f *fakeOrchestrator) Status() workflow.SystemStatus {
	return workflow.SystemStatus{Orchestrator: workflow.OrchestratorStatus{Status: "operational"}}
}

func (f *fakeOrchestrator) ComplianceReport(_ context.Context, period string) *agents.ComplianceReport {
	if period == "" {
		period = "last_30_days"
	}
	return &agents.ComplianceReport{Period: period, TotalChecks: 2, Agent: agents.NameCompliance}
}

func (f *fakeOrchestrator) Suggest(_ context.Context, query string) *agents.Suggestion {
	return &agents.Suggestion{Query: query, OptimizationSuggestion: "cache lookups", BasedOnInteractions: 3}
}

func (f *fakeOrchestrator) Conversation(id string) (*agents.ConversationSummary, bool) {
	if id != "c1" {
		return nil, false
	}
	return &agents.ConversationSummary{ConversationID: id, MessageCount: 4}, true
}

func (f *fakeOrchestrator) ExplainReasoning(problem string) string {
	return "Problem: " + problem
}

func (f *fakeOrchestrator) Agents() []agents.Info {
	return []agents.Info{{Name: agents.NameRCA, Type: "RootCauseAnalysis"}, {Name: agents.NameMeeting, Type: "MeetingContext"}}
}

// fakeMeetings serves contexts from a map.
type fakeMeetings map[string]*meeting.Context

func (m fakeMeetings) LookupByMeetingID(id string) *meeting.Context { return m[id] }

func (m fakeMeetings) Explain(id string) string {
	if mc := m[id]; mc != nil {
		return "Meeting: " + mc.Title
	}
	return "No context found for meeting " + id
}

// failingLogStore fails webhook log writes.
type failingLogStore struct {
	*memstore.Store
}

func (failingLogStore) SaveWebhookLog(context.Context, *store.WebhookLog) error {
	return errors.New("disk full")
}

type testAPI struct {
	router   chi.Router
	orch     *fakeOrchestrator
	meetings fakeMeetings
	store    *memstore.Store
}

func newTestAPI(t *testing.T, opts ...func(*Deps)) *testAPI {
	t.Helper()
	ta := &testAPI{
		orch:     &fakeOrchestrator{},
		meetings: fakeMeetings{},
		store:    memstore.New(),
	}
	d := Deps{
		Orchestrator: ta.orch,
		Meetings:     ta.meetings,
		Store:        ta.store,
		Version:      "test",
		Now:          func() time.Time { return fixedNow },
	}
	for _, o := range opts {
		o(&d)
	}
	ta.router = chi.NewRouter()
	New(d).RegisterRoutes(ta.router)
	return ta
}
