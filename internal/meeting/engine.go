// Package meeting builds the context that explains why a meeting was
// scheduled for an alert: urgency, duration, attendees and generated
// narrative. Contexts are held in memory and looked up by meeting id,
// external meeting id or alert id.
package meeting

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/muster/internal/alert"
	"github.com/linnemanlabs/muster/internal/apierr"
	"github.com/linnemanlabs/muster/internal/llm"
)

// Status is the lifecycle state of a meeting context.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusScheduled Status = "SCHEDULED"
	StatusCompleted Status = "COMPLETED"
)

// Generation temperatures per narrative field.
const (
	tempWhy        = 0.5
	tempPoints     = 0.4
	tempSummary    = 0.3
	tempPostReview = 0.2
)

// Request describes a meeting to build context for.
type Request struct {
	MeetingID         string    `json:"meeting_id"`
	ExternalMeetingID string    `json:"external_meeting_id,omitempty"`
	MeetingURL        string    `json:"meeting_url,omitempty"`
	AlertID           string    `json:"alert_id,omitempty"`
	Title             string    `json:"title"`
	ScheduledTime     time.Time `json:"scheduled_time"`
	Attendees         []string  `json:"attendees,omitempty"`
}

// PostMeetingSummary is generated when a meeting completes.
type PostMeetingSummary struct {
	Notes       string    `json:"notes"`
	Summary     string    `json:"summary"`
	CompletedAt time.Time `json:"completed_at"`
}

// Context is everything known about one scheduled meeting.
type Context struct {
	MeetingID           string              `json:"meeting_id"`
	ExternalMeetingID   string              `json:"external_meeting_id,omitempty"`
	MeetingURL          string              `json:"meeting_url,omitempty"`
	AlertID             string              `json:"alert_id,omitempty"`
	Title               string              `json:"title"`
	ScheduledTime       time.Time           `json:"scheduled_time"`
	AlertType           string              `json:"alert_type"`
	Severity            alert.Severity      `json:"severity"`
	Urgency             Urgency             `json:"urgency"`
	RecommendedDuration string              `json:"recommended_duration"`
	SuggestedAttendees  []string            `json:"suggested_attendees"`
	Attendees           []string            `json:"attendees"`
	WhyScheduled        string              `json:"why_scheduled"`
	DiscussionPoints    []string            `json:"discussion_points"`
	PreMeetingSummary   string              `json:"pre_meeting_summary"`
	Status              Status              `json:"status"`
	PostMeeting         *PostMeetingSummary `json:"post_meeting,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

func (c *Context) clone() *Context {
	out := *c
	out.SuggestedAttendees = slices.Clone(c.SuggestedAttendees)
	out.Attendees = slices.Clone(c.Attendees)
	out.DiscussionPoints = slices.Clone(c.DiscussionPoints)
	if c.PostMeeting != nil {
		pm := *c.PostMeeting
		out.PostMeeting = &pm
	}
	return &out
}

// DefaultCapacity is how many meeting contexts an Engine retains before
// evicting the oldest.
const DefaultCapacity = 1000

// Engine builds and holds meeting contexts.
type Engine struct {
	gen      llm.Generator
	catalog  *Catalog
	logger   log.Logger
	now      func() time.Time
	capacity int

	mu         sync.RWMutex
	byMeeting  map[string]*Context
	byExternal map[string]string
	byAlert    map[string]string
	// meeting ids, oldest first
	order []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCapacity bounds how many contexts are retained. Values below one keep
// DefaultCapacity.
func WithCapacity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.capacity = n
		}
	}
}

// NewEngine returns an Engine. A nil catalog uses DefaultCatalog.
func NewEngine(gen llm.Generator, catalog *Catalog, logger log.Logger, opts ...Option) *Engine {
	if gen == nil {
		gen = llm.NewClient(nil, logger, llm.Hooks{})
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if logger == nil {
		logger = log.Nop()
	}
	e := &Engine{
		gen:        gen,
		catalog:    catalog,
		logger:     logger,
		now:        time.Now,
		capacity:   DefaultCapacity,
		byMeeting:  make(map[string]*Context),
		byExternal: make(map[string]string),
		byAlert:    make(map[string]string),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Catalog returns the alert type catalog in use.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Process builds the context for req from al and stores it.
func (e *Engine) Process(ctx context.Context, req Request, al *alert.Enriched) (*Context, error) {
	if strings.TrimSpace(req.MeetingID) == "" {
		return nil, apierr.Invalid("meeting_id", "is required")
	}
	var a alert.Enriched
	if al != nil {
		a = *al
	}
	if a.ID == "" {
		a.ID = req.AlertID
	}
	al = &a
	if al.Type != "" && !e.catalog.Known(al.Type) {
		e.logger.Warn(ctx, "unknown alert type, using general defaults", "alert_type", al.Type, "meeting_id", req.MeetingID)
	}

	now := e.now().UTC()
	mc := &Context{
		MeetingID:           req.MeetingID,
		ExternalMeetingID:   req.ExternalMeetingID,
		MeetingURL:          req.MeetingURL,
		AlertID:             al.ID,
		Title:               req.Title,
		ScheduledTime:       req.ScheduledTime,
		AlertType:           al.Type,
		Severity:            al.Severity,
		Urgency:             CalculateUrgency(al.Severity, al.Type, e.catalog),
		RecommendedDuration: RecommendDuration(al.Severity, len(al.AffectedSystems)),
		SuggestedAttendees:  SuggestAttendees(al.Severity, al.Type, e.catalog),
		Attendees:           slices.Clone(req.Attendees),
		Status:              StatusCreated,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	brief := alertBrief(mc, al)
	mc.WhyScheduled = strings.TrimSpace(e.gen.Generate(ctx, []llm.Message{
		llm.System("You explain to attendees why an operational meeting was scheduled. Be concise and factual."),
		llm.User(brief + "\nIn two or three sentences, explain why this meeting was scheduled and what is at stake."),
	}, tempWhy))
	mc.DiscussionPoints = ParseList(e.gen.Generate(ctx, []llm.Message{
		llm.System("You prepare meeting agendas for incident and compliance reviews."),
		llm.User(brief + "\nList 3 to 6 discussion points for this meeting, one per line."),
	}, tempPoints))
	mc.PreMeetingSummary = strings.TrimSpace(e.gen.Generate(ctx, []llm.Message{
		llm.System("You write short pre-meeting briefs for busy attendees."),
		llm.User(brief + "\nWrite a pre-meeting summary attendees can read in one minute."),
	}, tempSummary))

	mc.Status = StatusScheduled
	e.mu.Lock()
	if prev, ok := e.byMeeting[mc.MeetingID]; ok {
		e.unindex(prev)
	} else {
		e.order = append(e.order, mc.MeetingID)
	}
	e.byMeeting[mc.MeetingID] = mc
	if mc.ExternalMeetingID != "" {
		e.byExternal[mc.ExternalMeetingID] = mc.MeetingID
	}
	if mc.AlertID != "" {
		e.byAlert[mc.AlertID] = mc.MeetingID
	}
	evicted := e.evict()
	out := mc.clone()
	e.mu.Unlock()

	if len(evicted) > 0 {
		e.logger.Debug(ctx, "evicted meeting contexts", "meeting_ids", strings.Join(evicted, ","))
	}

	e.logger.Info(ctx, "meeting context created",
		"meeting_id", mc.MeetingID,
		"alert_id", mc.AlertID,
		"urgency", string(mc.Urgency.Level),
	)
	return out, nil
}

// evict drops the oldest contexts until the engine is within capacity and
// returns their ids. Callers must hold e.mu.
func (e *Engine) evict() []string {
	var evicted []string
	for len(e.order) > e.capacity {
		id := e.order[0]
		e.order = e.order[1:]
		if mc, ok := e.byMeeting[id]; ok {
			e.unindex(mc)
			delete(e.byMeeting, id)
		}
		evicted = append(evicted, id)
	}
	return evicted
}

// unindex removes the secondary index entries that still point at mc.
// Callers must hold e.mu.
func (e *Engine) unindex(mc *Context) {
	if mc.ExternalMeetingID != "" && e.byExternal[mc.ExternalMeetingID] == mc.MeetingID {
		delete(e.byExternal, mc.ExternalMeetingID)
	}
	if mc.AlertID != "" && e.byAlert[mc.AlertID] == mc.MeetingID {
		delete(e.byAlert, mc.AlertID)
	}
}

// Len reports how many contexts are retained.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.byMeeting)
}

// AttachExternal records the scheduling service's id and URL for a meeting.
// It reports false when meetingID is unknown.
func (e *Engine) AttachExternal(meetingID, externalID, url string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	mc, ok := e.byMeeting[meetingID]
	if !ok {
		return false
	}
	if mc.ExternalMeetingID != "" && mc.ExternalMeetingID != externalID {
		delete(e.byExternal, mc.ExternalMeetingID)
	}
	mc.ExternalMeetingID = externalID
	if url != "" {
		mc.MeetingURL = url
	}
	if externalID != "" {
		e.byExternal[externalID] = meetingID
	}
	mc.UpdatedAt = e.now().UTC()
	return true
}

// lookup resolves id as a meeting id, then as an external meeting id.
// Callers must hold e.mu.
func (e *Engine) lookup(id string) *Context {
	if mc, ok := e.byMeeting[id]; ok {
		return mc
	}
	if mid, ok := e.byExternal[id]; ok {
		return e.byMeeting[mid]
	}
	return nil
}

// LookupByMeetingID returns a copy of the context for a meeting or external
// meeting id, or nil.
func (e *Engine) LookupByMeetingID(id string) *Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if mc := e.lookup(id); mc != nil {
		return mc.clone()
	}
	return nil
}

// LookupByAlert returns a copy of the latest context for an alert, or nil.
func (e *Engine) LookupByAlert(alertID string) *Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	mid, ok := e.byAlert[alertID]
	if !ok {
		return nil
	}
	if mc, ok := e.byMeeting[mid]; ok {
		return mc.clone()
	}
	return nil
}

// Explain renders a human-readable explanation of a meeting.
func (e *Engine) Explain(meetingID string) string {
	mc := e.LookupByMeetingID(meetingID)
	if mc == nil {
		return "No context found for meeting " + meetingID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Meeting: %s\n", mc.Title)
	if mc.AlertID != "" {
		fmt.Fprintf(&b, "Alert: %s (%s, severity %s)\n", mc.AlertID, alert.TitleCase(mc.AlertType), mc.Severity)
	}
	fmt.Fprintf(&b, "Urgency: %s (score %.2f, respond %s)\n", mc.Urgency.Level, mc.Urgency.Score, mc.Urgency.RecommendedResponseTime)
	fmt.Fprintf(&b, "Recommended duration: %s\n", mc.RecommendedDuration)
	fmt.Fprintf(&b, "Suggested attendees: %s\n", strings.Join(mc.SuggestedAttendees, ", "))
	if mc.MeetingURL != "" {
		fmt.Fprintf(&b, "Join: %s\n", mc.MeetingURL)
	}
	fmt.Fprintf(&b, "\nWhy this meeting was scheduled:\n%s\n", mc.WhyScheduled)
	if len(mc.DiscussionPoints) > 0 {
		b.WriteString("\nDiscussion points:\n")
		for i, p := range mc.DiscussionPoints {
			fmt.Fprintf(&b, "%d. %s\n", i+1, p)
		}
	}
	fmt.Fprintf(&b, "\nPre-meeting summary:\n%s\n", mc.PreMeetingSummary)
	if mc.PostMeeting != nil {
		fmt.Fprintf(&b, "\nOutcome:\n%s\n", mc.PostMeeting.Summary)
	}
	return strings.TrimRight(b.String(), "\n")
}

// CompleteMeeting marks a meeting completed and generates its summary.
// Unknown ids return nil. Completing twice returns the first summary.
func (e *Engine) CompleteMeeting(ctx context.Context, meetingID, notes string) *PostMeetingSummary {
	e.mu.RLock()
	mc := e.lookup(meetingID)
	var snapshot *Context
	if mc != nil {
		snapshot = mc.clone()
	}
	e.mu.RUnlock()

	if snapshot == nil {
		e.logger.Warn(ctx, "complete for unknown meeting", "meeting_id", meetingID)
		return nil
	}
	if snapshot.PostMeeting != nil {
		return snapshot.PostMeeting
	}

	summary := strings.TrimSpace(e.gen.Generate(ctx, []llm.Message{
		llm.System("You summarize completed incident and compliance meetings."),
		llm.User(fmt.Sprintf(
			"Meeting: %s\nWhy it was scheduled: %s\nDiscussion points:\n- %s\nNotes from the meeting:\n%s\n\nSummarize decisions, owners and follow-up actions.",
			snapshot.Title, snapshot.WhyScheduled, strings.Join(snapshot.DiscussionPoints, "\n- "), notes)),
	}, tempPostReview))

	e.mu.Lock()
	defer e.mu.Unlock()
	mc = e.lookup(meetingID)
	if mc == nil {
		return nil
	}
	// a concurrent completion won
	if mc.PostMeeting != nil {
		pm := *mc.PostMeeting
		return &pm
	}
	now := e.now().UTC()
	mc.PostMeeting = &PostMeetingSummary{Notes: notes, Summary: summary, CompletedAt: now}
	mc.Status = StatusCompleted
	mc.UpdatedAt = now
	pm := *mc.PostMeeting
	return &pm
}

func alertBrief(mc *Context, al *alert.Enriched) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Meeting title: %s\n", mc.Title)
	fmt.Fprintf(&b, "Alert %s: %s (severity %s)\n", al.ID, alert.TitleCase(al.Type), al.Severity)
	if al.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", al.Description)
	}
	if len(al.AffectedSystems) > 0 {
		fmt.Fprintf(&b, "Affected systems: %s\n", strings.Join(al.AffectedSystems, ", "))
	}
	fmt.Fprintf(&b, "Urgency: %s (%.2f)\n", mc.Urgency.Level, mc.Urgency.Score)
	if al.RootCause != "" {
		fmt.Fprintf(&b, "Root cause analysis: %s\n", al.RootCause)
	}
	if len(al.Recommendations) > 0 {
		fmt.Fprintf(&b, "Recommendations:\n- %s\n", strings.Join(al.Recommendations, "\n- "))
	}
	if cf := al.Compliance; cf != nil {
		fmt.Fprintf(&b, "Compliance: %s, risk %s\n", cf.Status, cf.RiskLevel)
		for _, v := range cf.Violations {
			fmt.Fprintf(&b, "- %s: %s\n", v.Framework, v.Details)
		}
	}
	return b.String()
}

// ParseList splits generated text into items, one per non-blank line, with
// bullets and numbering removed.
func ParseList(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*•· \t")
		line = stripNumbering(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func stripNumbering(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(s) {
		return s
	}
	if s[i] == '.' || s[i] == ')' || s[i] == ':' {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
