package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/muster/internal/llm"
)

// RCA severities.
const (
	RCASeverityHigh   = "HIGH"
	RCASeverityMedium = "MEDIUM"
	RCASeverityLow    = "LOW"
)

const (
	tempFiveWhys        = 0.3
	tempRootCause       = 0.2
	tempRecommendations = 0.4
)

// Failure describes what went wrong.
type Failure struct {
	ErrorMessage string `json:"error_message"`
	ErrorType    string `json:"error_type,omitempty"`
	StackTrace   string `json:"stack_trace,omitempty"`
	Context      any    `json:"context,omitempty"`
	Impact       string `json:"impact,omitempty"`
}

// RCAResult is the outcome of one analysis.
type RCAResult struct {
	Timestamp       time.Time `json:"timestamp"`
	ErrorMessage    string    `json:"error_message"`
	FiveWhys        []string  `json:"five_whys_analysis"`
	RootCause       string    `json:"root_cause"`
	Recommendations []string  `json:"recommendations"`
	Severity        string    `json:"severity"`
	Agent           string    `json:"agent"`
}

// RCA finds root causes of failures.
type RCA struct {
	gen     llm.Generator
	logger  log.Logger
	history *ring[RCAResult]
}

// NewRCA returns an RCA agent.
func NewRCA(gen llm.Generator, logger log.Logger) *RCA {
	if logger == nil {
		logger = log.Nop()
	}
	return &RCA{gen: gen, logger: logger, history: newRing[RCAResult](historyCap)}
}

// Info implements the registry listing.
func (a *RCA) Info() Info {
	return Info{Name: NameRCA, Type: "RCA", Description: "Analyzes failures and identifies root causes"}
}

// Analyze runs a five whys pass, names the root cause and recommends
// remediation.
func (a *RCA) Analyze(ctx context.Context, f Failure) *RCAResult {
	errType := f.ErrorType
	if errType == "" {
		errType = "unknown"
	}
	a.logger.Info(ctx, "analyzing failure", "error_type", errType)

	ctxJSON, err := json.Marshal(f.Context)
	if err != nil || f.Context == nil {
		ctxJSON = []byte("{}")
	}
	whys := a.gen.Generate(ctx, prompt(
		"You are a root cause analysis expert. Use the 5 Whys technique to identify underlying causes.",
		fmt.Sprintf("Error: %s\nContext: %s\n\nPerform 5 Whys analysis. Ask 'Why?' five times to get to the root cause.", f.ErrorMessage, ctxJSON),
	), tempFiveWhys)

	rootCause := a.gen.Generate(ctx, prompt(
		"You are a root cause analysis expert. Identify the underlying root cause, not just symptoms.",
		"Analyze this failure data and identify the root cause:\n"+pretty(f),
	), tempRootCause)

	recs := a.gen.Generate(ctx, prompt(
		"You are a solutions architect. Provide actionable remediation steps.",
		fmt.Sprintf("Root Cause: %s\n\nProvide 3-5 specific remediation steps to prevent this issue.", rootCause),
	), tempRecommendations)

	res := RCAResult{
		Timestamp:       time.Now().UTC(),
		ErrorMessage:    f.ErrorMessage,
		FiveWhys:        lines(whys),
		RootCause:       rootCause,
		Recommendations: lines(recs),
		Severity:        rcaSeverity(f.Impact),
		Agent:           NameRCA,
	}
	a.history.add(res)
	return &res
}

// Analyses reports how many analyses have run.
func (a *RCA) Analyses() int { return a.history.count() }

func rcaSeverity(impact string) string {
	switch impact {
	case "critical", "high":
		return RCASeverityHigh
	case "medium":
		return RCASeverityMedium
	default:
		return RCASeverityLow
	}
}
