package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/muster/internal/agents"
)

// Workflow statuses recorded in history and metrics.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Run executes the named workflow with payload.
func (o *Orchestrator) Run(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	kind, err := ParseKind(name)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindIncidentResponse:
		var req incidentRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if err := required("incident_description", req.IncidentDescription); err != nil {
			return nil, err
		}
		return o.observe(ctx, kind, func(ctx context.Context) (any, error) {
			return o.incidentResponse(ctx, req), nil
		})

	case KindComplianceWithRCA:
		op, frameworks, err := decodeCompliance(payload)
		if err != nil {
			return nil, err
		}
		return o.observe(ctx, kind, func(ctx context.Context) (any, error) {
			return o.complianceWithRCA(ctx, op, frameworks), nil
		})

	case KindConversationalProblemSolving:
		var req conversationRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if err := required("problem", req.Problem); err != nil {
			return nil, err
		}
		return o.observe(ctx, kind, func(ctx context.Context) (any, error) {
			return o.conversationalProblemSolving(ctx, req), nil
		})

	case KindAlertToMeeting:
		in, err := decodeAlertToMeeting(payload)
		if err != nil {
			return nil, err
		}
		return o.AlertToMeeting(ctx, in)
	}
	return nil, &UnknownKeyError{What: "workflow", Key: name, Available: sortedKeys(kindNames)}
}

// observe wraps one workflow run in a span, metrics and a history entry.
func (o *Orchestrator) observe(ctx context.Context, kind Kind, fn func(context.Context) (any, error)) (any, error) {
	name := kind.String()
	ctx, span := tracer.Start(ctx, "workflow."+name)
	defer span.End()

	start := o.now()
	res, err := fn(ctx)
	dur := o.now().Sub(start)

	status := StatusSuccess
	switch {
	case err != nil:
		status = StatusError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case isSkipped(res):
		status = StatusSkipped
	}
	span.SetAttributes(attribute.String("workflow.status", status))
	o.metrics.workflowDone(name, status, dur.Seconds())
	o.record(name, status)
	o.logger.Info(ctx, "workflow complete", "workflow", name, "status", status, "duration", dur)
	return res, err
}

func isSkipped(res any) bool {
	r, ok := res.(*AlertToMeetingResult)
	return ok && r != nil && r.Skipped
}

// step marks progress through a workflow on the active span.
func step(ctx context.Context, name string) {
	trace.SpanFromContext(ctx).AddEvent("step", trace.WithAttributes(attribute.String("workflow.step", name)))
}

type incidentRequest struct {
	IncidentDescription string `json:"incident_description"`
	ErrorMessage        string `json:"error_message"`
	StackTrace          string `json:"stack_trace"`
}

// IncidentResponseResult is the outcome of intelligent_incident_response.
type IncidentResponseResult struct {
	Workflow          string                   `json:"workflow"`
	QueryAnalysis     *agents.QueryResult      `json:"query_analysis"`
	RootCauseAnalysis *agents.RCAResult        `json:"root_cause_analysis"`
	ComplianceCheck   *agents.ComplianceResult `json:"compliance_check"`
	Learning          *agents.LearningResult   `json:"learning"`
	Timestamp         time.Time                `json:"timestamp"`
}

func (o *Orchestrator) incidentResponse(ctx context.Context, req incidentRequest) *IncidentResponseResult {
	step(ctx, "query")
	qr := o.agents.Query.Process(ctx, req.IncidentDescription, o.store)

	step(ctx, "rca")
	errMsg := req.ErrorMessage
	if errMsg == "" {
		errMsg = req.IncidentDescription
	}
	rca := o.agents.RCA.Analyze(ctx, agents.Failure{
		ErrorMessage: errMsg,
		StackTrace:   req.StackTrace,
		Context:      qr,
	})

	step(ctx, "compliance")
	comp := o.agents.Compliance.Check(ctx, map[string]any{
		"operation_type": "incident_response",
		"incident":       req.IncidentDescription,
		"root_cause":     rca.RootCause,
	}, nil)

	step(ctx, "learning")
	lr, err := o.learn(ctx, agents.NameRCA, KindIncidentResponse.String(), agents.Interaction{
		Query:    req.IncidentDescription,
		Response: rca.RootCause,
		Context:  map[string]any{"workflow": KindIncidentResponse.String()},
	}, nil)
	if err != nil {
		o.logger.Warn(ctx, "failed to persist incident learning", "err", err)
	}

	return &IncidentResponseResult{
		Workflow:          KindIncidentResponse.String(),
		QueryAnalysis:     qr,
		RootCauseAnalysis: rca,
		ComplianceCheck:   comp,
		Learning:          lr,
		Timestamp:         o.now().UTC(),
	}
}

// ComplianceWithRCAResult is the outcome of compliance_with_rca. The RCA
// and remediation plan are present only when violations were found.
type ComplianceWithRCAResult struct {
	Workflow          string                   `json:"workflow"`
	ComplianceCheck   *agents.ComplianceResult `json:"compliance_check"`
	RootCauseAnalysis *agents.RCAResult        `json:"root_cause_analysis,omitempty"`
	RemediationPlan   *agents.Solution         `json:"remediation_plan,omitempty"`
	Timestamp         time.Time                `json:"timestamp"`
}

func (o *Orchestrator) complianceWithRCA(ctx context.Context, op map[string]any, frameworks []string) *ComplianceWithRCAResult {
	step(ctx, "compliance")
	comp := o.agents.Compliance.Check(ctx, op, frameworks)
	res := &ComplianceWithRCAResult{
		Workflow:        KindComplianceWithRCA.String(),
		ComplianceCheck: comp,
		Timestamp:       o.now().UTC(),
	}
	if len(comp.Violations) == 0 {
		return res
	}

	step(ctx, "rca")
	res.RootCauseAnalysis = o.agents.RCA.Analyze(ctx, agents.Failure{
		ErrorMessage: fmt.Sprintf("%d compliance violations detected", len(comp.Violations)),
		ErrorType:    "compliance_violation",
		Context:      comp.Violations,
		Impact:       strings.ToLower(comp.RiskLevel),
	})

	step(ctx, "remediation")
	frameworks = make([]string, 0, len(comp.Violations))
	for _, v := range comp.Violations {
		frameworks = append(frameworks, v.Framework)
	}
	res.RemediationPlan = o.agents.Reasoning.Solve(ctx, fmt.Sprintf(
		"Create a remediation plan for %s compliance violations. Root cause: %s",
		strings.Join(frameworks, ", "), res.RootCauseAnalysis.RootCause,
	), 0)
	return res
}

type conversationRequest struct {
	Problem        string `json:"problem"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// ConversationalResult is the outcome of conversational_problem_solving.
type ConversationalResult struct {
	Workflow         string             `json:"workflow"`
	ConversationID   string             `json:"conversation_id"`
	InitialChat      *agents.ChatResult `json:"initial_chat"`
	ProblemSolution  *agents.Solution   `json:"problem_solution"`
	SolutionDelivery *agents.ChatResult `json:"solution_delivery"`
	Timestamp        time.Time          `json:"timestamp"`
}

func (o *Orchestrator) conversationalProblemSolving(ctx context.Context, req conversationRequest) *ConversationalResult {
	step(ctx, "chat")
	first := o.agents.Memory.Chat(ctx, req.Problem, req.ConversationID, req.UserID)

	step(ctx, "reasoning")
	sol := o.agents.Reasoning.Solve(ctx, req.Problem, 0)

	step(ctx, "delivery")
	delivery := o.agents.Memory.Chat(ctx, "Here's the solution: "+sol.FinalAnswer, first.ConversationID, req.UserID)

	return &ConversationalResult{
		Workflow:         KindConversationalProblemSolving.String(),
		ConversationID:   first.ConversationID,
		InitialChat:      first,
		ProblemSolution:  sol,
		SolutionDelivery: delivery,
		Timestamp:        o.now().UTC(),
	}
}
