package agents

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/muster/internal/llm"
)

const (
	tempDecompose  = 0.3
	tempStep       = 0.5
	tempSynthesize = 0.4

	// DefaultMaxSteps bounds a solution when the caller passes zero.
	DefaultMaxSteps = 10

	noReasoningHistory = "No reasoning history found for this problem."
)

// Step is one executed reasoning step.
type Step struct {
	StepNumber int       `json:"step_number"`
	Step       string    `json:"step"`
	Reasoning  string    `json:"reasoning"`
	Timestamp  time.Time `json:"timestamp"`
}

// Solution is a reasoned answer to a problem.
type Solution struct {
	Timestamp      time.Time `json:"timestamp"`
	Problem        string    `json:"problem"`
	TotalSteps     int       `json:"total_steps"`
	ReasoningChain []Step    `json:"reasoning_chain"`
	FinalAnswer    string    `json:"final_answer"`
	Agent          string    `json:"agent"`
}

// Reasoning breaks problems into steps and reasons through them in order.
type Reasoning struct {
	gen     llm.Generator
	logger  log.Logger
	history *ring[Solution]
}

// NewReasoning returns a Reasoning agent.
func NewReasoning(gen llm.Generator, logger log.Logger) *Reasoning {
	if logger == nil {
		logger = log.Nop()
	}
	return &Reasoning{gen: gen, logger: logger, history: newRing[Solution](historyCap)}
}

// Info implements the registry listing.
func (a *Reasoning) Info() Info {
	return Info{Name: NameReasoning, Type: "Reasoning", Description: "Breaks down complex problems into steps"}
}

// Solve decomposes problem, executes at most maxSteps steps with the chain
// so far as context, and synthesizes a final answer.
func (a *Reasoning) Solve(ctx context.Context, problem string, maxSteps int) *Solution {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	a.logger.Info(ctx, "solving problem", "problem", preview(problem))

	steps := decompose(a.gen.Generate(ctx, prompt(
		"You are an expert at breaking down complex problems into clear, sequential steps.",
		fmt.Sprintf("Break down this problem into 3-7 logical steps:\n%s\n\nReturn only the steps, numbered.", problem),
	), tempDecompose))
	if len(steps) > maxSteps {
		steps = steps[:maxSteps]
	}

	chain := make([]Step, 0, len(steps))
	for i, step := range steps {
		var prev strings.Builder
		for j, s := range chain {
			if j > 0 {
				prev.WriteByte('\n')
			}
			fmt.Fprintf(&prev, "Step %d: %s -> %s", j+1, s.Step, s.Reasoning)
		}
		reasoning := a.gen.Generate(ctx, prompt(
			"You are reasoning through a problem step by step. Provide clear reasoning for this step.",
			fmt.Sprintf("Previous steps:\n%s\n\nCurrent step: %s\n\nProvide your reasoning and conclusions for this step.", prev.String(), step),
		), tempStep)
		chain = append(chain, Step{StepNumber: i + 1, Step: step, Reasoning: reasoning, Timestamp: time.Now().UTC()})
	}

	var summary strings.Builder
	for _, s := range chain {
		fmt.Fprintf(&summary, "Step %d: %s\nReasoning: %s\n\n", s.StepNumber, s.Step, s.Reasoning)
	}
	answer := a.gen.Generate(ctx, prompt(
		"Synthesize a final answer based on the step-by-step reasoning.",
		fmt.Sprintf("Problem: %s\n\nReasoning Chain:\n%s\nProvide a clear, comprehensive final answer.", problem, summary.String()),
	), tempSynthesize)

	sol := Solution{
		Timestamp:      time.Now().UTC(),
		Problem:        problem,
		TotalSteps:     len(chain),
		ReasoningChain: chain,
		FinalAnswer:    answer,
		Agent:          NameReasoning,
	}
	a.history.add(sol)
	return &sol
}

// Explain walks through the most recent solution for problem.
func (a *Reasoning) Explain(problem string) string {
	hist := a.history.last(historyCap)
	for i := len(hist) - 1; i >= 0; i-- {
		sol := hist[i]
		if sol.Problem != problem {
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Problem: %s\n\nI solved this in %d steps:\n\n", problem, sol.TotalSteps)
		for _, s := range sol.ReasoningChain {
			fmt.Fprintf(&b, "%s\nReasoning: %s\n\n", s.Step, s.Reasoning)
		}
		b.WriteString("Final Answer: " + sol.FinalAnswer)
		return b.String()
	}
	return noReasoningHistory
}

// decompose keeps lines that carry a digit within their first three
// characters, which is how numbered steps come back.
func decompose(text string) []string {
	var out []string
	for _, l := range lines(text) {
		head := []rune(l)
		if len(head) > 3 {
			head = head[:3]
		}
		if strings.ContainsFunc(string(head), unicode.IsDigit) {
			out = append(out, l)
		}
	}
	return out
}
