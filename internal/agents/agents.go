// Package agents holds the language-model backed analysts the workflow
// orchestrator coordinates: root cause analysis, compliance checks, natural
// language queries over stored alerts, conversational memory, multi-step
// reasoning and continuous learning.
//
// Agents never fail. Generation errors come back inline as text starting
// with llm.ErrorPrefix, and every agent is safe for concurrent use.
package agents

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/muster/internal/llm"
)

// Registered agent names.
const (
	NameLearning   = "continuous_learning"
	NameRCA        = "root_cause_analysis"
	NameQuery      = "natural_language_query"
	NameCompliance = "compliance_autopilot"
	NameMemory     = "memory_enabled"
	NameReasoning  = "multi_step_reasoning"
	NameMeeting    = "meeting_context"
)

// historyCap bounds every in-memory agent history.
const historyCap = 100

// Info describes an agent for status listings.
type Info struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Set is one of each agent sharing a generator.
type Set struct {
	RCA        *RCA
	Compliance *Compliance
	Query      *Query
	Memory     *Memory
	Reasoning  *Reasoning
	Learning   *Learning
}

// NewSet builds every agent on gen. An empty frameworks list means
// DefaultFrameworks.
func NewSet(gen llm.Generator, frameworks []string, logger log.Logger) *Set {
	if logger == nil {
		logger = log.Nop()
	}
	return &Set{
		RCA:        NewRCA(gen, logger.With("agent", NameRCA)),
		Compliance: NewCompliance(gen, frameworks, logger.With("agent", NameCompliance)),
		Query:      NewQuery(gen, logger.With("agent", NameQuery)),
		Memory:     NewMemory(gen, logger.With("agent", NameMemory)),
		Reasoning:  NewReasoning(gen, logger.With("agent", NameReasoning)),
		Learning:   NewLearning(gen, logger.With("agent", NameLearning)),
	}
}

// Infos lists the agents in the set.
func (s *Set) Infos() []Info {
	return []Info{
		s.Learning.Info(),
		s.RCA.Info(),
		s.Query.Info(),
		s.Compliance.Info(),
		s.Memory.Info(),
		s.Reasoning.Info(),
	}
}

// ring is a bounded, mutex-guarded history that remembers how many items
// were ever added.
type ring[T any] struct {
	mu    sync.Mutex
	items []T
	limit int
	total int
}

func newRing[T any](limit int) *ring[T] {
	return &ring[T]{limit: limit}
}

func (r *ring[T]) add(v T) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
	if len(r.items) > r.limit {
		r.items = append(r.items[:0:0], r.items[len(r.items)-r.limit:]...)
	}
	r.total++
	return r.total
}

// last returns a copy of the newest n items, oldest first.
func (r *ring[T]) last(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := max(len(r.items)-n, 0)
	out := make([]T, len(r.items)-start)
	copy(out, r.items[start:])
	return out
}

func (r *ring[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// lines splits generated text per line, dropping blanks.
func lines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// pretty renders v for inclusion in a prompt.
func pretty(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

func prompt(system, user string) []llm.Message {
	return []llm.Message{llm.System(system), llm.User(user)}
}

// preview shortens s for log lines.
func preview(s string) string {
	r := []rune(s)
	if len(r) <= 50 {
		return s
	}
	return string(r[:50]) + "..."
}
