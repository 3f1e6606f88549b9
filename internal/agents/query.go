package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/muster/internal/alert"
	"github.com/linnemanlabs/muster/internal/llm"
	"github.com/linnemanlabs/muster/internal/store"
)

const (
	tempIntent     = 0.2
	tempStructured = 0.1
	tempAnswer     = 0.5

	dataSourceName = "chainsync"
)

var fallbackIntent = json.RawMessage(`{"intent":"unknown","entities":[],"query_type":"general"}`)

// DataSource is where queries read alerts from. store.Store satisfies it.
type DataSource interface {
	RecentAlerts(ctx context.Context, limit int, severity string) ([]store.AlertRecord, error)
}

// QueryRow is one alert in a query result.
type QueryRow struct {
	AlertID     string    `json:"alert_id"`
	AlertType   string    `json:"alert_type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	MeetingID   string    `json:"meeting_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// QueryData is what executing a structured query produced.
type QueryData struct {
	Status string     `json:"status"`
	Data   []QueryRow `json:"data"`
	Count  int        `json:"count"`
	Error  string     `json:"error,omitempty"`
}

// QueryResult is the outcome of one natural language query.
type QueryResult struct {
	Timestamp               time.Time       `json:"timestamp"`
	OriginalQuery           string          `json:"original_query"`
	Intent                  json.RawMessage `json:"intent"`
	StructuredQuery         json.RawMessage `json:"structured_query"`
	Results                 QueryData       `json:"results"`
	NaturalLanguageResponse string          `json:"natural_language_response"`
	Agent                   string          `json:"agent"`
}

// Query answers natural language questions about stored alerts.
type Query struct {
	gen     llm.Generator
	logger  log.Logger
	history *ring[string]
}

// NewQuery returns a Query agent.
func NewQuery(gen llm.Generator, logger log.Logger) *Query {
	if logger == nil {
		logger = log.Nop()
	}
	return &Query{gen: gen, logger: logger, history: newRing[string](historyCap)}
}

// Info implements the registry listing.
func (a *Query) Info() Info {
	return Info{Name: NameQuery, Type: "Query", Description: "Processes natural language queries against data"}
}

// Process parses intent, converts q into a structured query, runs it
// against source and answers in natural language. A nil source yields an
// "unavailable" result set.
func (a *Query) Process(ctx context.Context, q string, source DataSource) *QueryResult {
	a.logger.Info(ctx, "processing query", "query", preview(q))

	intent := jsonObject(a.gen.Generate(ctx, prompt(
		"You are an intent parser. Extract the intent and key entities from user queries. Return JSON format.",
		fmt.Sprintf("Parse this query: '%s'\n\nReturn JSON with: intent, entities, query_type", q),
	), tempIntent))
	if intent == nil {
		intent = fallbackIntent
	}

	structured := jsonObject(a.gen.Generate(ctx, prompt(
		fmt.Sprintf("Convert natural language queries to structured %s API calls. Return JSON. Use \"limit\" for the number of alerts and \"severity\" to filter by severity.", dataSourceName),
		fmt.Sprintf("Convert to structured query: '%s'", q),
	), tempStructured))
	if structured == nil {
		structured, _ = json.Marshal(map[string]string{"type": "search", "query": q})
	}

	data := a.execute(ctx, structured, source)

	answer := a.gen.Generate(ctx, prompt(
		"Convert data results into clear, natural language responses.",
		fmt.Sprintf("Query: %s\n\nResults: %s\n\nProvide a clear natural language answer.", q, pretty(data)),
	), tempAnswer)

	a.history.add(q)
	return &QueryResult{
		Timestamp:               time.Now().UTC(),
		OriginalQuery:           q,
		Intent:                  intent,
		StructuredQuery:         structured,
		Results:                 data,
		NaturalLanguageResponse: answer,
		Agent:                   NameQuery,
	}
}

// Queries reports how many queries have been processed.
func (a *Query) Queries() int { return a.history.count() }

func (a *Query) execute(ctx context.Context, structured json.RawMessage, source DataSource) QueryData {
	if source == nil {
		return QueryData{Status: "unavailable", Data: []QueryRow{}}
	}

	limit := int(gjson.GetBytes(structured, "limit").Int())
	sevRaw := gjson.GetBytes(structured, "severity").String()
	if sevRaw == "" {
		sevRaw = gjson.GetBytes(structured, "filters.severity").String()
	}
	var severity string
	if sev, ok := alert.ParseSeverity(sevRaw); ok {
		severity = string(sev)
	}

	recs, err := source.RecentAlerts(ctx, store.ClampLimit(limit), severity)
	if err != nil {
		a.logger.Error(ctx, err, "query execution failed")
		return QueryData{Status: "error", Data: []QueryRow{}, Error: err.Error()}
	}
	rows := make([]QueryRow, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, QueryRow{
			AlertID:     r.AlertID,
			AlertType:   r.AlertType,
			Severity:    r.Severity,
			Description: r.Description,
			MeetingID:   r.MeetingID,
			CreatedAt:   r.CreatedAt,
		})
	}
	return QueryData{Status: "success", Data: rows, Count: len(rows)}
}

// jsonObject extracts a JSON object from generated text, tolerating a
// surrounding markdown code fence. It returns nil when none is found.
func jsonObject(text string) json.RawMessage {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if !gjson.Valid(s) || !gjson.Parse(s).IsObject() {
		return nil
	}
	return json.RawMessage(s)
}
