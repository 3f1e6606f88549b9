package meeting

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/muster/internal/alert"
	"github.com/linnemanlabs/muster/internal/apierr"
	"github.com/linnemanlabs/muster/internal/llm"
)

// scriptedGen answers by temperature so each narrative field is recognizable.
type scriptedGen struct {
	mu      sync.Mutex
	prompts []string
	byTemp  map[float64]string
}

func (g *scriptedGen) Generate(_ context.Context, msgs []llm.Message, temperature float64) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, msgs[len(msgs)-1].Content)
	if out, ok := g.byTemp[temperature]; ok {
		return out
	}
	return "generated"
}

func newScripted() *scriptedGen {
	return &scriptedGen{byTemp: map[float64]string{
		tempWhy:     "  Payments are down.  ",
		tempPoints:  "1. Restore service\n- Confirm root cause\n\n* Assign owners\n2) Notify customers",
		tempSummary: "Short brief.",
	}}
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(gen llm.Generator) *Engine {
	return NewEngine(gen, DefaultCatalog(), nil, WithClock(func() time.Time { return fixedNow }))
}

func securityAlert() *alert.Enriched {
	return &alert.Enriched{
		Alert: alert.Alert{
			ID:              "alert-1",
			Type:            "security_incident",
			Severity:        alert.SeverityCritical,
			Description:     "Unauthorized access to ledger",
			AffectedSystems: []string{"ledger", "auth", "api", "billing"},
			DetectedAt:      fixedNow.Add(-time.Hour),
		},
		RootCause:       "Leaked credentials",
		Recommendations: []string{"Rotate keys"},
		Compliance: &alert.ComplianceFindings{
			Status:     alert.NonCompliant,
			RiskLevel:  "MEDIUM",
			Violations: []alert.Violation{{Framework: "SOC2", Details: "access control", Severity: "high"}},
		},
	}
}

func TestProcess_BuildsContext(t *testing.T) {
	t.Parallel()

	gen := newScripted()
	e := newTestEngine(gen)

	mc, err := e.Process(context.Background(), Request{
		MeetingID:     "mtg-1",
		Title:         "[CRITICAL] Security Incident Review",
		ScheduledTime: fixedNow,
		Attendees:     []string{"oncall@example.com"},
	}, securityAlert())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if mc.Status != StatusScheduled {
		t.Errorf("status = %s, want SCHEDULED", mc.Status)
	}
	if mc.Urgency.Level != UrgencyCritical || mc.Urgency.Score < 0.8 {
		t.Errorf("urgency = %+v", mc.Urgency)
	}
	if mc.RecommendedDuration != "60 minutes" {
		t.Errorf("duration = %q", mc.RecommendedDuration)
	}
	for _, want := range []string{"Security Team", "Executive Sponsor"} {
		if !slices.Contains(mc.SuggestedAttendees, want) {
			t.Errorf("missing attendee %q in %v", want, mc.SuggestedAttendees)
		}
	}
	if mc.WhyScheduled != "Payments are down." {
		t.Errorf("why = %q", mc.WhyScheduled)
	}
	wantPoints := []string{"Restore service", "Confirm root cause", "Assign owners", "Notify customers"}
	if !slices.Equal(mc.DiscussionPoints, wantPoints) {
		t.Errorf("points = %v, want %v", mc.DiscussionPoints, wantPoints)
	}
	if mc.PreMeetingSummary != "Short brief." {
		t.Errorf("summary = %q", mc.PreMeetingSummary)
	}
	if mc.AlertID != "alert-1" || !mc.CreatedAt.Equal(fixedNow) {
		t.Errorf("alert id %q created %v", mc.AlertID, mc.CreatedAt)
	}

	if len(gen.prompts) != 3 {
		t.Fatalf("prompts = %d, want 3", len(gen.prompts))
	}
	for _, p := range gen.prompts {
		for _, want := range []string{"Leaked credentials", "Rotate keys", "SOC2"} {
			if !strings.Contains(p, want) {
				t.Errorf("prompt missing %q", want)
			}
		}
	}
}

func TestProcess_RequiresMeetingID(t *testing.T) {
	t.Parallel()

	e := newTestEngine(newScripted())
	_, err := e.Process(context.Background(), Request{}, securityAlert())
	var ve *apierr.ValidationError
	if !errors.As(err, &ve) || ve.Field != "meeting_id" {
		t.Fatalf("err = %v, want meeting_id ValidationError", err)
	}
}

func TestProcess_NilAlertUsesRequestAlertID(t *testing.T) {
	t.Parallel()

	e := newTestEngine(newScripted())
	mc, err := e.Process(context.Background(), Request{MeetingID: "m", AlertID: "a-9"}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if mc.AlertID != "a-9" {
		t.Errorf("alert id = %q", mc.AlertID)
	}
	if e.LookupByAlert("a-9") == nil {
		t.Error("LookupByAlert: want context")
	}
}

func TestProcess_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	e := newTestEngine(newScripted())
	al := &alert.Enriched{}
	if _, err := e.Process(context.Background(), Request{MeetingID: "m", AlertID: "a"}, al); err != nil {
		t.Fatal(err)
	}
	if al.ID != "" {
		t.Errorf("input alert id changed to %q", al.ID)
	}
}

func TestLookups(t *testing.T) {
	t.Parallel()

	e := newTestEngine(newScripted())
	if e.LookupByAlert("nope") != nil || e.LookupByMeetingID("nope") != nil {
		t.Fatal("empty engine should miss")
	}

	if _, err := e.Process(context.Background(), Request{MeetingID: "mtg-1"}, securityAlert()); err != nil {
		t.Fatal(err)
	}
	if !e.AttachExternal("mtg-1", "slotify-1", "https://slotify.com/meetings/slotify-1") {
		t.Fatal("AttachExternal: want true")
	}
	if e.AttachExternal("missing", "x", "") {
		t.Error("AttachExternal on unknown meeting: want false")
	}

	for _, id := range []string{"mtg-1", "slotify-1"} {
		mc := e.LookupByMeetingID(id)
		if mc == nil || mc.MeetingID != "mtg-1" {
			t.Errorf("LookupByMeetingID(%q) = %+v", id, mc)
		}
	}
	mc := e.LookupByAlert("alert-1")
	if mc == nil || mc.ExternalMeetingID != "slotify-1" || mc.MeetingURL == "" {
		t.Fatalf("LookupByAlert = %+v", mc)
	}

	// callers get copies
	mc.SuggestedAttendees[0] = "changed"
	if e.LookupByAlert("alert-1").SuggestedAttendees[0] == "changed" {
		t.Error("lookup returned shared state")
	}
}

func TestEngine_EvictsOldestBeyondCapacity(t *testing.T) {
	t.Parallel()

	e := NewEngine(newScripted(), DefaultCatalog(), nil, WithCapacity(2))
	ctx := context.Background()
	process := func(meetingID, alertID string) {
		t.Helper()
		al := securityAlert()
		al.ID = alertID
		if _, err := e.Process(ctx, Request{MeetingID: meetingID}, al); err != nil {
			t.Fatalf("Process(%s): %v", meetingID, err)
		}
	}

	process("mtg-1", "alert-1")
	e.AttachExternal("mtg-1", "ext-1", "")
	process("mtg-2", "alert-1")
	process("mtg-3", "alert-3")

	if got := e.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
	if e.LookupByMeetingID("mtg-1") != nil || e.LookupByMeetingID("ext-1") != nil {
		t.Error("oldest meeting should be evicted with its external id")
	}
	// alert-1 was re-pointed at mtg-2 before mtg-1 left
	if mc := e.LookupByAlert("alert-1"); mc == nil || mc.MeetingID != "mtg-2" {
		t.Errorf("LookupByAlert(alert-1) = %+v, want mtg-2", mc)
	}

	// rebuilding a retained meeting does not count twice
	process("mtg-3", "alert-3b")
	if got := e.Len(); got != 2 {
		t.Fatalf("Len after rebuild = %d, want 2", got)
	}
	if e.LookupByMeetingID("mtg-2") == nil {
		t.Error("mtg-2 evicted by a rebuild")
	}
	if e.LookupByAlert("alert-3") != nil {
		t.Error("stale alert index survived rebuild")
	}
	if mc := e.LookupByAlert("alert-3b"); mc == nil || mc.MeetingID != "mtg-3" {
		t.Errorf("LookupByAlert(alert-3b) = %+v", mc)
	}
}

func TestExplain(t *testing.T) {
	t.Parallel()

	e := newTestEngine(newScripted())
	if got := e.Explain("ghost"); got != "No context found for meeting ghost" {
		t.Errorf("miss = %q", got)
	}

	if _, err := e.Process(context.Background(), Request{MeetingID: "mtg-1", Title: "Review"}, securityAlert()); err != nil {
		t.Fatal(err)
	}
	got := e.Explain("mtg-1")
	for _, want := range []string{"Review", "alert-1", "CRITICAL", "60 minutes", "Executive Sponsor", "Payments are down.", "1. Restore service", "Short brief."} {
		if !strings.Contains(got, want) {
			t.Errorf("explanation missing %q:\n%s", want, got)
		}
	}
}

func TestCompleteMeeting(t *testing.T) {
	t.Parallel()

	gen := newScripted()
	gen.byTemp[tempPostReview] = "Keys rotated. Owner: security."
	e := newTestEngine(gen)

	if got := e.CompleteMeeting(context.Background(), "unknown", "notes"); got != nil {
		t.Errorf("unknown meeting = %+v, want nil", got)
	}

	if _, err := e.Process(context.Background(), Request{MeetingID: "mtg-1"}, securityAlert()); err != nil {
		t.Fatal(err)
	}
	pm := e.CompleteMeeting(context.Background(), "mtg-1", "we rotated keys")
	if pm == nil {
		t.Fatal("CompleteMeeting = nil")
	}
	if pm.Summary != "Keys rotated. Owner: security." || pm.Notes != "we rotated keys" {
		t.Errorf("summary = %+v", pm)
	}
	if mc := e.LookupByMeetingID("mtg-1"); mc.Status != StatusCompleted || mc.PostMeeting == nil {
		t.Errorf("status = %s post = %v", mc.Status, mc.PostMeeting)
	}

	calls := len(gen.prompts)
	again := e.CompleteMeeting(context.Background(), "mtg-1", "other notes")
	if again == nil || again.Notes != "we rotated keys" {
		t.Errorf("second completion = %+v, want stored summary", again)
	}
	if len(gen.prompts) != calls {
		t.Error("second completion should not call the generator")
	}
}

func TestEngine_ConcurrentProcess(t *testing.T) {
	t.Parallel()

	e := newTestEngine(newScripted())
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := "mtg-" + string(rune('a'+i))
			if _, err := e.Process(context.Background(), Request{MeetingID: id, AlertID: id}, nil); err != nil {
				t.Error(err)
			}
			_ = e.Explain(id)
			_ = e.LookupByAlert(id)
		}()
	}
	wg.Wait()
	for i := range 20 {
		if e.LookupByMeetingID("mtg-"+string(rune('a'+i))) == nil {
			t.Errorf("meeting %d missing", i)
		}
	}
}

func TestParseList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"one", []string{"one"}},
		{"1. a\n2. b", []string{"a", "b"}},
		{"- a\n* b\n• c", []string{"a", "b", "c"}},
		{"10) ten\n\n  \n3: three", []string{"ten", "three"}},
		{"2026 budget review", []string{"2026 budget review"}},
	}
	for _, tt := range tests {
		if got := ParseList(tt.in); !slices.Equal(got, tt.want) {
			t.Errorf("ParseList(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
