package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/muster/internal/llm"
)

const (
	tempPatterns = 0.3
	tempSuggest  = 0.5

	patternThreshold = 5
	patternWindow    = 10
	suggestWindow    = 5

	collectingMessage = "Collecting more data for pattern analysis"
	noLearningHistory = "No learning history available yet"
)

// Interaction is one exchange worth learning from.
type Interaction struct {
	Query    string         `json:"query"`
	Response any            `json:"response,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

type learningEntry struct {
	Timestamp     time.Time   `json:"timestamp"`
	Interaction   Interaction `json:"interaction"`
	FeedbackScore *float64    `json:"feedback_score"`
}

// LearningResult reports what was learned.
type LearningResult struct {
	Learned           bool     `json:"learned"`
	TotalInteractions int      `json:"total_interactions"`
	AverageFeedback   *float64 `json:"average_feedback,omitempty"`
	Patterns          []string `json:"patterns,omitempty"`
	Message           string   `json:"message,omitempty"`
	Agent             string   `json:"agent"`
}

// Suggestion is an optimization hint drawn from history.
type Suggestion struct {
	Query                  string `json:"query,omitempty"`
	OptimizationSuggestion string `json:"optimization_suggestion"`
	BasedOnInteractions    int    `json:"based_on_interactions"`
	Agent                  string `json:"agent"`
}

// Learning records interactions and looks for patterns across them.
type Learning struct {
	gen     llm.Generator
	logger  log.Logger
	history *ring[learningEntry]

	mu          sync.Mutex
	feedbackSum float64
	feedbackN   int
}

// NewLearning returns a Learning agent.
func NewLearning(gen llm.Generator, logger log.Logger) *Learning {
	if logger == nil {
		logger = log.Nop()
	}
	return &Learning{gen: gen, logger: logger, history: newRing[learningEntry](historyCap)}
}

// Info implements the registry listing.
func (a *Learning) Info() Info {
	return Info{Name: NameLearning, Type: "Learning", Description: "Learns from interactions and improves over time"}
}

// Learn records in. Once enough interactions have been seen, patterns are
// identified over the most recent ones.
func (a *Learning) Learn(ctx context.Context, in Interaction, feedback *float64) *LearningResult {
	a.logger.Info(ctx, "learning from interaction", "query", preview(in.Query))

	total := a.history.add(learningEntry{Timestamp: time.Now().UTC(), Interaction: in, FeedbackScore: feedback})

	a.mu.Lock()
	if feedback != nil {
		a.feedbackSum += *feedback
		a.feedbackN++
	}
	var avg *float64
	if a.feedbackN > 0 {
		v := a.feedbackSum / float64(a.feedbackN)
		avg = &v
	}
	a.mu.Unlock()

	if total < patternThreshold {
		return &LearningResult{Learned: true, TotalInteractions: total, Message: collectingMessage, Agent: NameLearning}
	}

	analysis := a.gen.Generate(ctx, prompt(
		"You are an AI that identifies patterns in user interactions to improve future responses.",
		"Analyze these interactions and identify key patterns:\n"+pretty(a.history.last(patternWindow)),
	), tempPatterns)

	return &LearningResult{
		Learned:           true,
		TotalInteractions: total,
		AverageFeedback:   avg,
		Patterns:          []string{analysis},
		Agent:             NameLearning,
	}
}

// Interactions reports how many interactions have been recorded.
func (a *Learning) Interactions() int { return a.history.count() }

// Suggest proposes an optimization for query based on recent history.
func (a *Learning) Suggest(ctx context.Context, query string) *Suggestion {
	total := a.history.count()
	if total == 0 {
		return &Suggestion{OptimizationSuggestion: noLearningHistory, Agent: NameLearning}
	}
	suggestion := a.gen.Generate(ctx, prompt(
		"You are an AI optimization assistant that suggests improvements based on historical data.",
		fmt.Sprintf("Based on this learning history:\n%s\n\nSuggest optimizations for this query: %s", pretty(a.history.last(suggestWindow)), query),
	), tempSuggest)
	return &Suggestion{
		Query:                  query,
		OptimizationSuggestion: suggestion,
		BasedOnInteractions:    total,
		Agent:                  NameLearning,
	}
}
