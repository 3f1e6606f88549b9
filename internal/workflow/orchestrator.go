// Package workflow coordinates the agents, the meeting engine and the
// external services. It routes single-agent requests, runs the multi-agent
// workflows including alert-to-meeting, and tracks the fire-and-forget work
// those leave behind so shutdown can drain it.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/muster/internal/agents"
	"github.com/linnemanlabs/muster/internal/alert"
	"github.com/linnemanlabs/muster/internal/alerting"
	"github.com/linnemanlabs/muster/internal/apierr"
	"github.com/linnemanlabs/muster/internal/meeting"
	"github.com/linnemanlabs/muster/internal/scheduling"
	"github.com/linnemanlabs/muster/internal/store"
)

var tracer = otel.Tracer("github.com/linnemanlabs/muster/internal/workflow")

const (
	// DefaultOrganizer owns meetings created for alerts.
	DefaultOrganizer = "ai-agent@chainsync.com"

	parallelLimit   = 8
	historyCap      = 100
	recentWorkflows = 5
	previewChars    = 100
)

// Notifier announces scheduled meetings.
type Notifier interface {
	Send(ctx context.Context, mc *meeting.Context) error
}

// Deps are the collaborators of an Orchestrator. Notifier, Metrics, Logger,
// Organizer and Now are optional.
type Deps struct {
	Agents    *agents.Set
	Engine    *meeting.Engine
	Scheduler scheduling.Client
	Alerts    alerting.Client
	Store     store.Store
	Notifier  Notifier
	Logger    log.Logger
	Metrics   *Metrics
	Organizer string
	Now       func() time.Time
}

// Orchestrator runs requests and workflows across the agents.
type Orchestrator struct {
	agents    *agents.Set
	engine    *meeting.Engine
	scheduler scheduling.Client
	alerts    alerting.Client
	store     store.Store
	notifier  Notifier
	logger    log.Logger
	metrics   *Metrics
	organizer string
	now       func() time.Time
	started   time.Time

	mu       sync.Mutex
	history  []Execution
	total    int
	inflight map[string]struct{}
	closed   bool

	bg sync.WaitGroup
}

// Execution is one finished workflow run.
type Execution struct {
	Workflow  string    `json:"workflow"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// New returns an Orchestrator. It panics when a required dependency is
// missing.
func New(d Deps) *Orchestrator {
	switch {
	case d.Agents == nil:
		panic(xerrors.New("workflow: agents are required"))
	case d.Engine == nil:
		panic(xerrors.New("workflow: meeting engine is required"))
	case d.Scheduler == nil:
		panic(xerrors.New("workflow: scheduling client is required"))
	case d.Alerts == nil:
		panic(xerrors.New("workflow: alerting client is required"))
	case d.Store == nil:
		panic(xerrors.New("workflow: store is required"))
	}
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	if d.Organizer == "" {
		d.Organizer = DefaultOrganizer
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Orchestrator{
		agents:    d.Agents,
		engine:    d.Engine,
		scheduler: d.Scheduler,
		alerts:    d.Alerts,
		store:     d.Store,
		notifier:  d.Notifier,
		logger:    d.Logger,
		metrics:   d.Metrics,
		organizer: d.Organizer,
		now:       d.Now,
		started:   d.Now(),
		inflight:  make(map[string]struct{}),
	}
}

type queryRequest struct {
	Query string `json:"query"`
}

type chatRequest struct {
	Message        string         `json:"message"`
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	Preferences    map[string]any `json:"preferences"`
}

type reasoningRequest struct {
	Problem  string `json:"problem"`
	MaxSteps int    `json:"max_steps"`
}

type learningRequest struct {
	Interaction   agents.Interaction `json:"interaction"`
	FeedbackScore *float64           `json:"feedback_score"`
}

type complianceRequest struct {
	Operation  map[string]any `json:"operation"`
	Frameworks []string       `json:"frameworks"`
}

type meetingRequest struct {
	Meeting meeting.Request `json:"meeting_data"`
	Alert   *alert.Alert    `json:"alert_data"`
}

func decode(payload json.RawMessage, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return apierr.Invalid("request_data", "invalid JSON: %v", err)
	}
	return nil
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return apierr.Invalid(field, "is required")
	}
	return nil
}

// Route sends payload to the agent for key and schedules learning from the
// exchange.
func (o *Orchestrator) Route(ctx context.Context, key string, payload json.RawMessage) (any, error) {
	kind, err := ParseRequestKind(key)
	if err != nil {
		return nil, err
	}
	o.logger.Info(ctx, "routing request", "kind", kind.String(), "agent", kind.Agent())

	res, err := o.dispatch(ctx, kind, payload)
	if err != nil {
		return nil, err
	}
	o.metrics.routed(kind)
	if kind != RequestLearning {
		o.learnFrom(ctx, kind, payload, res)
	}
	return res, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, kind RequestKind, payload json.RawMessage) (any, error) {
	switch kind {
	case RequestNLQuery:
		var req queryRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if err := required("query", req.Query); err != nil {
			return nil, err
		}
		return o.agents.Query.Process(ctx, req.Query, o.store), nil

	case RequestRCA:
		var req agents.Failure
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if err := required("error_message", req.ErrorMessage); err != nil {
			return nil, err
		}
		return o.agents.RCA.Analyze(ctx, req), nil

	case RequestCompliance:
		op, frameworks, err := decodeCompliance(payload)
		if err != nil {
			return nil, err
		}
		return o.agents.Compliance.Check(ctx, op, frameworks), nil

	case RequestChat:
		var req chatRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if err := required("message", req.Message); err != nil {
			return nil, err
		}
		if len(req.Preferences) > 0 {
			if err := required("user_id", req.UserID); err != nil {
				return nil, err
			}
			for k, v := range req.Preferences {
				o.agents.Memory.SetPreference(ctx, req.UserID, k, v)
			}
		}
		return o.agents.Memory.Chat(ctx, req.Message, req.ConversationID, req.UserID), nil

	case RequestReasoning:
		var req reasoningRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if err := required("problem", req.Problem); err != nil {
			return nil, err
		}
		return o.agents.Reasoning.Solve(ctx, req.Problem, req.MaxSteps), nil

	case RequestLearning:
		var req learningRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if err := required("interaction.query", req.Interaction.Query); err != nil {
			return nil, err
		}
		return o.agents.Learning.Learn(ctx, req.Interaction, req.FeedbackScore), nil

	case RequestMeeting:
		var req meetingRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return o.processMeeting(ctx, req.Meeting, req.Alert)

	default:
		return nil, &UnknownKeyError{What: "request type", Key: kind.String(), Available: sortedKeys(requestKeys)}
	}
}

// decodeCompliance accepts either {"operation": {...}, "frameworks": [...]}
// or a bare operation object with an optional frameworks key.
func decodeCompliance(payload json.RawMessage) (map[string]any, []string, error) {
	var req complianceRequest
	if err := decode(payload, &req); err != nil {
		return nil, nil, err
	}
	if req.Operation != nil {
		return req.Operation, req.Frameworks, nil
	}
	op := map[string]any{}
	if err := decode(payload, &op); err != nil {
		return nil, nil, err
	}
	delete(op, "frameworks")
	return op, req.Frameworks, nil
}

func (o *Orchestrator) learnFrom(ctx context.Context, kind RequestKind, payload json.RawMessage, res any) {
	o.goBackground(ctx, "learning", func(ctx context.Context) error {
		resp, err := json.Marshal(res)
		if err != nil {
			resp = []byte(fmt.Sprint(res))
		}
		in := agents.Interaction{
			Query:    kind.String() + ": " + store.Truncate(string(payload), previewChars),
			Response: store.Truncate(string(resp), previewChars),
			Context:  map[string]any{"request_type": kind.String(), "agent": kind.Agent()},
		}
		return o.recordLearning(ctx, kind.Agent(), kind.String(), in, nil)
	})
}

func (o *Orchestrator) recordLearning(ctx context.Context, agent, interaction string, in agents.Interaction, feedback *float64) error {
	_, err := o.learn(ctx, agent, interaction, in, feedback)
	return err
}

// learn feeds the learning agent and persists the interaction.
func (o *Orchestrator) learn(ctx context.Context, agent, interaction string, in agents.Interaction, feedback *float64) (*agents.LearningResult, error) {
	lr := o.agents.Learning.Learn(ctx, in, feedback)
	resp, _ := in.Response.(string)
	if err := o.store.SaveLearning(ctx, &store.LearningRecord{
		ID:                 ulid.Make().String(),
		AgentName:          agent,
		InteractionType:    interaction,
		Query:              in.Query,
		Response:           resp,
		FeedbackScore:      feedback,
		Context:            in.Context,
		PatternsIdentified: lr.Patterns,
		CreatedAt:          o.now().UTC(),
	}); err != nil {
		return lr, fmt.Errorf("save learning record: %w", err)
	}
	return lr, nil
}

// goBackground runs fn detached from the request lifetime. Errors and
// panics are logged and counted, never returned.
func (o *Orchestrator) goBackground(ctx context.Context, task string, fn func(context.Context) error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.logger.Warn(ctx, "dropping background task after drain", "task", task)
		o.metrics.background(task, "dropped")
		return
	}
	o.bg.Add(1)
	o.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer o.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error(ctx, fmt.Errorf("panic: %v", r), "background task panicked", "task", task)
				o.metrics.background(task, "panic")
			}
		}()
		if err := fn(ctx); err != nil {
			o.logger.Error(ctx, err, "background task failed", "task", task)
			o.metrics.background(task, "error")
			return
		}
		o.metrics.background(task, "success")
	}()
}

// Drain stops accepting background work and waits for what is running, or
// for ctx to end.
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain background tasks: %w", ctx.Err())
	}
}

// Task is one unit of parallel work. Agent is an agent name or a request
// key.
type Task struct {
	Agent       string          `json:"agent"`
	RequestData json.RawMessage `json:"request_data"`
}

// TaskResult is the outcome of one Task. Exactly one of Result and Error is
// set.
type TaskResult struct {
	Agent  string `json:"agent"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Parallel runs tasks concurrently. Results keep the input order and
// failures are reported inline.
func (o *Orchestrator) Parallel(ctx context.Context, tasks []Task) []TaskResult {
	o.metrics.parallel(len(tasks))
	out := make([]TaskResult, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelLimit)
	for i, t := range tasks {
		out[i].Agent = t.Agent
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error(gctx, fmt.Errorf("panic: %v", r), "parallel task panicked", "agent", t.Agent)
					out[i].Error = fmt.Sprintf("panic: %v", r)
				}
			}()
			kind, ok := kindForAgent(t.Agent)
			if !ok {
				out[i].Error = fmt.Sprintf("unknown agent: %q", t.Agent)
				return nil
			}
			res, err := o.dispatch(gctx, kind, t.RequestData)
			if err != nil {
				out[i].Error = err.Error()
				return nil
			}
			out[i].Result = res
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// AgentStatus is one agent's entry in SystemStatus.
type AgentStatus struct {
	Status string `json:"status"`
	Type   string `json:"type"`
}

// OrchestratorStatus describes the orchestrator itself.
type OrchestratorStatus struct {
	Status              string      `json:"status"`
	StartedAt           time.Time   `json:"started_at"`
	Uptime              string      `json:"uptime"`
	TotalOrchestrations int         `json:"total_orchestrations"`
	BackgroundDraining  bool        `json:"background_draining"`
	RecentWorkflows     []Execution `json:"recent_workflows"`
}

// SystemStatus is the status endpoint payload.
type SystemStatus struct {
	Orchestrator OrchestratorStatus     `json:"orchestrator"`
	Agents       map[string]AgentStatus `json:"agents"`
	Capabilities map[string]string      `json:"capabilities"`
}

var capabilities = map[string]string{
	"continuous_learning":    "Learns from every interaction",
	"root_cause_analysis":    "Automated 5 Whys analysis",
	"natural_language_query": "Query processed alerts in plain English",
	"compliance_autopilot":   "Real-time regulatory compliance checks",
	"memory_enabled":         "Context-aware conversations",
	"multi_step_reasoning":   "Complex problem decomposition",
	"meeting_context":        "Explains why meetings were scheduled",
	"alert_to_meeting":       "Turns alerts into prepared meetings",
}

// Status reports orchestrator and agent state.
func (o *Orchestrator) Status() SystemStatus {
	o.mu.Lock()
	total, closed := o.total, o.closed
	recent := slices.Clone(o.history[max(len(o.history)-recentWorkflows, 0):])
	o.mu.Unlock()

	st := SystemStatus{
		Orchestrator: OrchestratorStatus{
			Status:              "operational",
			StartedAt:           o.started.UTC(),
			Uptime:              o.now().Sub(o.started).Round(time.Second).String(),
			TotalOrchestrations: total,
			BackgroundDraining:  closed,
			RecentWorkflows:     recent,
		},
		Agents:       make(map[string]AgentStatus),
		Capabilities: capabilities,
	}
	for _, info := range o.Agents() {
		st.Agents[info.Name] = AgentStatus{Status: "active", Type: info.Type}
	}
	return st
}

// Agents lists every registered agent including the meeting context engine.
func (o *Orchestrator) Agents() []agents.Info {
	return append(o.agents.Infos(), agents.Info{
		Name:        agents.NameMeeting,
		Type:        "MeetingContext",
		Description: "Explains why meetings were scheduled and prepares their agenda",
	})
}

func (o *Orchestrator) record(name, status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.total++
	o.history = append(o.history, Execution{Workflow: name, Status: status, Timestamp: o.now().UTC()})
	if len(o.history) > historyCap {
		o.history = append(o.history[:0:0], o.history[len(o.history)-historyCap:]...)
	}
}
