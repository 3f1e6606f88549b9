package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/muster/internal/alert"
	"github.com/linnemanlabs/muster/internal/meeting"
)

func sampleContext() *meeting.Context {
	return &meeting.Context{
		MeetingID:           "mtg-01JN123",
		MeetingURL:          "https://slotify.com/meetings/abc",
		AlertID:             "alert-1",
		Title:               "[CRITICAL] Security Incident Review",
		ScheduledTime:       time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
		AlertType:           "security_incident",
		Severity:            alert.SeverityCritical,
		Urgency:             meeting.Urgency{Level: meeting.UrgencyCritical, Score: 0.98, RecommendedResponseTime: "< 1 hour"},
		RecommendedDuration: "60 minutes",
		SuggestedAttendees:  []string{"Security Team", "Executive Sponsor"},
		WhyScheduled:        "Credentials leaked.",
	}
}

func TestSend_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	if err := n.Send(context.Background(), sampleContext()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, fields, divider, why, divider, context = 7 blocks
	if len(blocks) != 7 {
		t.Errorf("blocks count = %d, want 7", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "Security Incident Review") {
		t.Errorf("header text = %q, want to contain the title", headerText)
	}
	if !strings.Contains(headerText, "\U0001f534") {
		t.Errorf("header should contain red circle for critical severity")
	}

	why := blocks[4].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(why, "Executive Sponsor") {
		t.Errorf("why block = %q, want attendees", why)
	}
}

func TestSend_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", log.Nop())
	if n.Enabled() {
		t.Error("Enabled() = true without URL")
	}
	if err := n.Send(context.Background(), &meeting.Context{}); err != nil {
		t.Fatalf("Send with empty URL should be no-op, got: %v", err)
	}
}

func TestSend_TruncatesLongWhy(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	err := n.Send(context.Background(), &meeting.Context{
		MeetingID:    "mtg-2",
		WhyScheduled: strings.Repeat("x", 4000),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks := got["blocks"].([]any)
	text := blocks[4].(map[string]any)["text"].(map[string]any)["text"].(string)

	prefix := "*Why this meeting*\n\n"
	if len(text) > maxWhyLen+len(prefix) {
		t.Errorf("why text length = %d, expected <= %d", len(text), maxWhyLen+len(prefix))
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("expected truncated text to end with ...")
	}
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("é", 20) // 40 bytes
	got := truncate(s, 10)
	if !utf8.ValidString(got) {
		t.Errorf("truncate produced invalid UTF-8: %q", got)
	}
	if len(got) > 10 {
		t.Errorf("len = %d, want <= 10", len(got))
	}
}

func TestSeverityEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		severity alert.Severity
		want     string
	}{
		{alert.SeverityCritical, "\U0001f534"},
		{alert.SeverityHigh, "\U0001f534"},
		{alert.SeverityMedium, "\U0001f7e1"},
		{alert.SeverityLow, "\U0001f7e2"},
		{"", "\U0001f7e2"},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			t.Parallel()
			if got := severityEmoji(tt.severity); got != tt.want {
				t.Errorf("severityEmoji(%q) = %q, want %q", tt.severity, got, tt.want)
			}
		})
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("[CRITICAL] Security Incident Review", "critical", "Credentials leaked.", "https://slotify.com/m/1")
	f.Add("", "", "", "")
	f.Add("<@U123> mention", "medium", "*bold* _italic_ ~strike~", "")
	f.Add("title\x00\x01\x02", "sev\nline", "why\ttab", "u\x00rl")
	f.Add(strings.Repeat("A", 5000), "critical", strings.Repeat("x", 10000), "https://x")

	f.Fuzz(func(t *testing.T, title, severity, why, url string) {
		mc := &meeting.Context{
			MeetingID:     "fuzz-id",
			Title:         title,
			Severity:      alert.Severity(severity),
			WhyScheduled:  why,
			MeetingURL:    url,
			ScheduledTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}

		msg := buildMessage(mc)

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}

		blocks, ok := decoded["blocks"].([]any)
		if !ok {
			t.Fatal("expected blocks array")
		}
		if len(blocks) != 7 {
			t.Fatalf("blocks count = %d, want 7", len(blocks))
		}
	})
}

func TestSend_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	err := n.Send(context.Background(), &meeting.Context{MeetingID: "mtg-3"})
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}
