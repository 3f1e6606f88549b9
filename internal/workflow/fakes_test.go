package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/muster/internal/agents"
	"github.com/linnemanlabs/muster/internal/alert"
	"github.com/linnemanlabs/muster/internal/alerting"
	"github.com/linnemanlabs/muster/internal/llm"
	"github.com/linnemanlabs/muster/internal/meeting"
	"github.com/linnemanlabs/muster/internal/scheduling"
	"github.com/linnemanlabs/muster/internal/store"
	"github.com/linnemanlabs/muster/internal/store/memstore"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeGen answers from rules matched against the system prompt.
type fakeGen struct {
	mu    sync.Mutex
	rules map[string]string
}

func (g *fakeGen) Generate(_ context.Context, msgs []llm.Message, _ float64) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range msgs {
		if m.Role != llm.RoleSystem {
			continue
		}
		for key, out := range g.rules {
			if strings.Contains(m.Content, key) {
				return out
			}
		}
		break
	}
	return "generated"
}

// rootCauseRule matches the RCA root cause prompt.
const rootCauseRule = "Identify the underlying root cause"

func defaultRules() map[string]string {
	return map[string]string{
		rootCauseRule:               "Leaked service credentials",
		"explain to attendees why":  "Unauthorized access to the ledger needs an immediate response.",
		"prepare meeting agendas":   "1. Contain access\n2. Rotate credentials",
		"short pre-meeting briefs":  "Ledger access was compromised.",
		"summarize completed":       "Credentials rotated; follow-up owned by security.",
		"breaking down complex":     "1. Assess\n2. Fix",
		"Synthesize a final answer": "Rotate and audit.",
		"helpful assistant":         "Happy to help.",
		"identifies patterns":       "pattern",
	}
}

// countingScheduler wraps the mock and can fail on demand.
type countingScheduler struct {
	*scheduling.Mock
	mu      sync.Mutex
	creates []scheduling.MeetingRequest
	err     error
}

func (s *countingScheduler) CreateMeeting(ctx context.Context, req scheduling.MeetingRequest) (*scheduling.Meeting, error) {
	s.mu.Lock()
	s.creates = append(s.creates, req)
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Mock.CreateMeeting(ctx, req)
}

func (s *countingScheduler) created() []scheduling.MeetingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduling.MeetingRequest(nil), s.creates...)
}

type comment struct {
	alertID, text, author string
}

// recordingAlerts wraps the stateless mock and records writes.
type recordingAlerts struct {
	alerting.Mock
	mu         sync.Mutex
	updates    []alerting.StatusUpdate
	comments   []comment
	commentErr error
}

func (a *recordingAlerts) UpdateAlertStatus(ctx context.Context, id string, u alerting.StatusUpdate) (*alerting.Record, error) {
	a.mu.Lock()
	a.updates = append(a.updates, u)
	a.mu.Unlock()
	return a.Mock.UpdateAlertStatus(ctx, id, u)
}

func (a *recordingAlerts) AddComment(ctx context.Context, id, text, author string) (*alerting.Record, error) {
	a.mu.Lock()
	a.comments = append(a.comments, comment{id, text, author})
	err := a.commentErr
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return a.Mock.AddComment(ctx, id, text, author)
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []*meeting.Context
	panic bool
}

func (n *fakeNotifier) Send(_ context.Context, mc *meeting.Context) error {
	if n.panic {
		panic("notifier exploded")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, mc)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// failingOutcomeStore fails SaveOutcome and otherwise behaves like memstore.
type failingOutcomeStore struct {
	*memstore.Store
}

func (failingOutcomeStore) SaveOutcome(context.Context, *store.AlertRecord, *store.MeetingRecord) error {
	return errors.New("connection reset")
}

// failingLearningStore fails SaveLearning and otherwise behaves like memstore.
type failingLearningStore struct {
	*memstore.Store
}

func (failingLearningStore) SaveLearning(context.Context, *store.LearningRecord) error {
	return errors.New("learning table locked")
}

type harness struct {
	o         *Orchestrator
	gen       *fakeGen
	store     *memstore.Store
	scheduler *countingScheduler
	alerts    *recordingAlerts
	notifier  *fakeNotifier
}

func newHarness(t *testing.T, opts ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		gen:       &fakeGen{rules: defaultRules()},
		store:     memstore.New(),
		scheduler: &countingScheduler{Mock: scheduling.NewMock()},
		alerts:    &recordingAlerts{},
		notifier:  &fakeNotifier{},
	}
	d := Deps{
		Agents:    agents.NewSet(h.gen, nil, nil),
		Engine:    meeting.NewEngine(h.gen, nil, nil, meeting.WithClock(func() time.Time { return fixedNow })),
		Scheduler: h.scheduler,
		Alerts:    h.alerts,
		Store:     h.store,
		Notifier:  h.notifier,
		Now:       func() time.Time { return fixedNow },
	}
	for _, o := range opts {
		o(&d)
	}
	h.o = New(d)
	t.Cleanup(func() { _ = h.o.Drain(context.Background()) })
	return h
}

func securityAlert(id string) alert.Alert {
	return alert.Alert{
		ID:                   id,
		Type:                 "security_incident",
		Severity:             "CRITICAL",
		Description:          "Unauthorized access to ledger",
		AffectedSystems:      []string{"ledger", "auth", "api", "billing"},
		DetectedAt:           fixedNow.Add(-time.Hour),
		Context:              map[string]any{"facility_id": "fac-7"},
		ComplianceFrameworks: []string{"SOC2"},
	}
}
