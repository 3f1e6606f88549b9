package agents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestMemory_ChatKeepsHistory(t *testing.T) {
	t.Parallel()

	gen := newFakeGen(map[string]string{"memory of past conversations": "reply"})
	m := NewMemory(gen, nil)
	ctx := context.Background()

	first := m.Chat(ctx, "hello", "c1", "u1")
	if first.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", first.MessageCount)
	}
	if first.ContextUsed.HistoryLength != 1 {
		t.Errorf("HistoryLength = %d, want 1", first.ContextUsed.HistoryLength)
	}

	second := m.Chat(ctx, "again", "c1", "")
	if second.MessageCount != 4 {
		t.Errorf("MessageCount = %d, want 4", second.MessageCount)
	}
	if len(second.ContextUsed.RelatedMemories) != 1 {
		t.Errorf("RelatedMemories = %d, want 1", len(second.ContextUsed.RelatedMemories))
	}

	calls := gen.callsMatching("memory of past conversations")
	// system + three history messages + memory context
	if calls[1].messages != 5 {
		t.Errorf("second prompt has %d messages, want 5", calls[1].messages)
	}

	sum, ok := m.Summary("c1")
	if !ok || sum.UserID != "u1" || sum.MessageCount != 4 {
		t.Errorf("Summary = %+v ok=%v", sum, ok)
	}
	if _, ok := m.Summary("nope"); ok {
		t.Error("Summary found unknown conversation")
	}
}

func TestMemory_PromptHistoryWindow(t *testing.T) {
	t.Parallel()

	gen := newFakeGen(nil)
	m := NewMemory(gen, nil)
	ctx := context.Background()
	for i := range 8 {
		m.Chat(ctx, fmt.Sprintf("msg %d", i), "", "")
	}

	calls := gen.callsMatching("memory of past conversations")
	last := calls[len(calls)-1]
	if last.messages != promptHistory+2 {
		t.Errorf("prompt has %d messages, want %d", last.messages, promptHistory+2)
	}
	if _, ok := m.Summary(DefaultConversationID); !ok {
		t.Error("empty conversation id should use the default conversation")
	}
}

func TestMemory_Preferences(t *testing.T) {
	t.Parallel()

	m := NewMemory(newFakeGen(nil), nil)
	ctx := context.Background()
	m.SetPreference(ctx, "u1", "tone", "brief")

	res := m.Chat(ctx, "hi", "c", "u1")
	if res.ContextUsed.UserPreferences["tone"] != "brief" {
		t.Errorf("UserPreferences = %v", res.ContextUsed.UserPreferences)
	}

	other := m.Chat(ctx, "hi", "c2", "")
	if other.ContextUsed.UserPreferences == nil || len(other.ContextUsed.UserPreferences) != 0 {
		t.Errorf("anonymous preferences = %v", other.ContextUsed.UserPreferences)
	}
}

func TestMemory_LongTermBounded(t *testing.T) {
	t.Parallel()

	m := NewMemory(newFakeGen(nil), nil)
	for i := range historyCap + 10 {
		m.Chat(context.Background(), "m", fmt.Sprintf("c%d", i%3), "")
	}
	if got := len(m.longTerm.last(historyCap * 2)); got != historyCap {
		t.Errorf("long-term len = %d, want %d", got, historyCap)
	}
}

func TestMemory_ConcurrentChats(t *testing.T) {
	t.Parallel()

	m := NewMemory(newFakeGen(nil), nil)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Chat(context.Background(), strings.Repeat("x", i), "shared", "")
		}()
	}
	wg.Wait()

	sum, _ := m.Summary("shared")
	if sum.MessageCount != 40 {
		t.Errorf("MessageCount = %d, want 40", sum.MessageCount)
	}
}
