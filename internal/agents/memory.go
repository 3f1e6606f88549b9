package agents

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/muster/internal/llm"
)

const (
	tempChat = 0.7

	// DefaultConversationID is used when the caller names none.
	DefaultConversationID = "default"

	promptHistory      = 10
	relatedMemories    = 5
	conversationBuffer = 2 * historyCap
)

// MemoryEntry is one remembered exchange.
type MemoryEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id"`
	UserMessage    string    `json:"user_message"`
	Response       string    `json:"response"`
}

// MemoryContext is what was recalled for a reply.
type MemoryContext struct {
	HistoryLength   int            `json:"conversation_history_length"`
	UserPreferences map[string]any `json:"user_preferences"`
	RelatedMemories []MemoryEntry  `json:"related_memories"`
}

// ChatResult is the outcome of one chat turn.
type ChatResult struct {
	ConversationID string        `json:"conversation_id"`
	Response       string        `json:"response"`
	MessageCount   int           `json:"message_count"`
	ContextUsed    MemoryContext `json:"context_used"`
	Agent          string        `json:"agent"`
}

// ConversationSummary describes a conversation thread.
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	StartedAt      time.Time `json:"started_at"`
	MessageCount   int       `json:"message_count"`
	UserID         string    `json:"user_id,omitempty"`
	Agent          string    `json:"agent"`
}

type conversation struct {
	userID    string
	startedAt time.Time
	messages  []llm.Message
	count     int
}

// Memory chats with recall of earlier turns and user preferences.
type Memory struct {
	gen      llm.Generator
	logger   log.Logger
	longTerm *ring[MemoryEntry]

	mu            sync.Mutex
	conversations map[string]*conversation
	prefs         map[string]map[string]any
}

// NewMemory returns a Memory agent.
func NewMemory(gen llm.Generator, logger log.Logger) *Memory {
	if logger == nil {
		logger = log.Nop()
	}
	return &Memory{
		gen:           gen,
		logger:        logger,
		longTerm:      newRing[MemoryEntry](historyCap),
		conversations: make(map[string]*conversation),
		prefs:         make(map[string]map[string]any),
	}
}

// Info implements the registry listing.
func (a *Memory) Info() Info {
	return Info{Name: NameMemory, Type: "Memory", Description: "Maintains conversation history and context"}
}

// Chat answers message within conversationID, using the last ten messages
// and recent long-term memories as context. userID only binds on the first
// turn of a conversation.
func (a *Memory) Chat(ctx context.Context, message, conversationID, userID string) *ChatResult {
	if conversationID == "" {
		conversationID = DefaultConversationID
	}
	a.logger.Info(ctx, "chat", "conversation_id", conversationID, "message", preview(message))

	a.mu.Lock()
	conv, ok := a.conversations[conversationID]
	if !ok {
		conv = &conversation{userID: userID, startedAt: time.Now().UTC()}
		a.conversations[conversationID] = conv
	}
	conv.append(llm.User(message))
	history := append([]llm.Message(nil), conv.messages[max(len(conv.messages)-promptHistory, 0):]...)
	recalled := MemoryContext{
		HistoryLength:   conv.count,
		UserPreferences: maps.Clone(a.prefs[conv.userID]),
		RelatedMemories: a.longTerm.last(relatedMemories),
	}
	a.mu.Unlock()

	if recalled.UserPreferences == nil {
		recalled.UserPreferences = map[string]any{}
	}
	ctxJSON, err := json.Marshal(recalled)
	if err != nil {
		ctxJSON = []byte("{}")
	}
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.System("You are a helpful assistant with memory of past conversations. Use context to provide personalized, relevant responses."))
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.System("Context from memory: "+string(ctxJSON)))

	reply := a.gen.Generate(ctx, msgs, tempChat)

	a.mu.Lock()
	conv.append(llm.Assistant(reply))
	count := conv.count
	a.mu.Unlock()

	a.longTerm.add(MemoryEntry{
		Timestamp:      time.Now().UTC(),
		ConversationID: conversationID,
		UserMessage:    message,
		Response:       reply,
	})

	return &ChatResult{
		ConversationID: conversationID,
		Response:       reply,
		MessageCount:   count,
		ContextUsed:    recalled,
		Agent:          NameMemory,
	}
}

func (c *conversation) append(m llm.Message) {
	c.messages = append(c.messages, m)
	if len(c.messages) > conversationBuffer {
		c.messages = append(c.messages[:0:0], c.messages[len(c.messages)-conversationBuffer:]...)
	}
	c.count++
}

// SetPreference records a preference for userID.
func (a *Memory) SetPreference(ctx context.Context, userID, key string, value any) {
	a.mu.Lock()
	p, ok := a.prefs[userID]
	if !ok {
		p = make(map[string]any)
		a.prefs[userID] = p
	}
	p[key] = value
	a.mu.Unlock()
	a.logger.Info(ctx, "set preference", "user_id", userID, "key", key)
}

// Summary describes a conversation, or reports false if it does not exist.
func (a *Memory) Summary(conversationID string) (*ConversationSummary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	conv, ok := a.conversations[conversationID]
	if !ok {
		return nil, false
	}
	return &ConversationSummary{
		ConversationID: conversationID,
		StartedAt:      conv.startedAt,
		MessageCount:   conv.count,
		UserID:         conv.userID,
		Agent:          NameMemory,
	}, true
}
