package relay

import (
	"sync"
	"time"
)

// Conversation item kinds.
const (
	ItemUserMessage      = "user_message"
	ItemAssistantMessage = "assistant_message"
	ItemToolCall         = "tool_call"
	ItemToolResult       = "tool_result"
)

// Item is one entry in the conversation log.
type Item struct {
	Kind       string    `json:"kind"`
	Content    string    `json:"content,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Function   string    `json:"function,omitempty"`
	Arguments  string    `json:"arguments,omitempty"`
	Result     string    `json:"result,omitempty"`
	At         time.Time `json:"at"`
}

// Context is the append-only conversation history of one session.
// All methods are safe for concurrent use; appends are serialised so items
// stay monotonic by timestamp.
type Context struct {
	mu           sync.Mutex
	items        []Item
	startedAt    time.Time
	lastActivity time.Time

	userMessages      int
	assistantMessages int
	toolCalls         int
	toolResults       int
}

// NewContext creates an empty conversation log.
func NewContext() *Context {
	now := time.Now()
	return &Context{startedAt: now, lastActivity: now}
}

// AddUserMessage appends a transcribed user utterance.
func (c *Context) AddUserMessage(text string) {
	c.append(Item{Kind: ItemUserMessage, Content: text})
	c.mu.Lock()
	c.userMessages++
	c.mu.Unlock()
}

// AddAssistantMessage appends a completed assistant transcript.
func (c *Context) AddAssistantMessage(text string) {
	c.append(Item{Kind: ItemAssistantMessage, Content: text})
	c.mu.Lock()
	c.assistantMessages++
	c.mu.Unlock()
}

// AddToolCall appends a model-initiated function invocation.
func (c *Context) AddToolCall(toolCallID, function, arguments string) {
	c.append(Item{
		Kind:       ItemToolCall,
		ToolCallID: toolCallID,
		Function:   function,
		Arguments:  arguments,
	})
	c.mu.Lock()
	c.toolCalls++
	c.mu.Unlock()
}

// AddToolResult appends the outcome of a function invocation.
func (c *Context) AddToolResult(toolCallID, function, result string) {
	c.append(Item{
		Kind:       ItemToolResult,
		ToolCallID: toolCallID,
		Function:   function,
		Result:     result,
	})
	c.mu.Lock()
	c.toolResults++
	c.mu.Unlock()
}

func (c *Context) append(it Item) {
	it.At = time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, it)
	c.lastActivity = it.At
}

// Recent returns up to n most recent items, oldest first.
func (c *Context) Recent(n int) []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.items) {
		n = len(c.items)
	}
	out := make([]Item, n)
	copy(out, c.items[len(c.items)-n:])
	return out
}

// Transcript returns a copy of the full item log.
func (c *Context) Transcript() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Item, len(c.items))
	copy(out, c.items)
	return out
}

// Len returns the number of items appended so far.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Counters is the aggregate view of the conversation, reported in webhook
// context snapshots and the final session analytics record.
type Counters struct {
	UserMessages      int           `json:"user_messages"`
	AssistantMessages int           `json:"assistant_messages"`
	ToolCalls         int           `json:"tool_calls"`
	ToolResults       int           `json:"tool_results"`
	Duration          time.Duration `json:"-"`
}

// Counters returns the current aggregate counters.
func (c *Context) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Counters{
		UserMessages:      c.userMessages,
		AssistantMessages: c.assistantMessages,
		ToolCalls:         c.toolCalls,
		ToolResults:       c.toolResults,
		Duration:          time.Since(c.startedAt),
	}
}
