package workflow

import (
	"context"

	"github.com/linnemanlabs/muster/internal/agents"
)

// ComplianceReport summarizes compliance checks run so far.
func (o *Orchestrator) ComplianceReport(ctx context.Context, period string) *agents.ComplianceReport {
	return o.agents.Compliance.Report(ctx, period)
}

// Suggest asks the learning agent for an optimization based on past
// interactions.
func (o *Orchestrator) Suggest(ctx context.Context, query string) *agents.Suggestion {
	return o.agents.Learning.Suggest(ctx, query)
}

// Conversation reports a memory agent conversation, or false if unknown.
func (o *Orchestrator) Conversation(id string) (*agents.ConversationSummary, bool) {
	return o.agents.Memory.Summary(id)
}

// ExplainReasoning renders the most recent reasoning chain for problem.
func (o *Orchestrator) ExplainReasoning(problem string) string {
	return o.agents.Reasoning.Explain(problem)
}
