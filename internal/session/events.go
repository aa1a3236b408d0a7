package session

// Status is the current state of an agent session.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusStreaming    Status = "streaming"
	StatusThinking     Status = "thinking"
	StatusToolUse      Status = "tool_use"
	StatusInterrupted  Status = "interrupted"
	StatusDisconnected Status = "disconnected"
)

// EventType tags an Event variant.
type EventType string

const (
	EventTextDelta        EventType = "text_delta"
	EventTextComplete     EventType = "text_complete"
	EventThinkingDelta    EventType = "thinking_delta"
	EventThinkingComplete EventType = "thinking_complete"
	EventToolUse          EventType = "tool_use"
	EventToolResult       EventType = "tool_result"
	EventToolExecuting    EventType = "tool_executing"
	EventToolProgress     EventType = "tool_progress"
	EventTurnComplete     EventType = "turn_complete"
	EventCompactComplete  EventType = "compact_complete"
	EventVoiceInterrupted EventType = "voice_interrupted"
	EventError            EventType = "error"
)

// Usage tracks token consumption for one turn.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Add accumulates another turn's usage.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// Event is a single tagged event produced by an agent session or the
// orchestrator loop. The zero fields of unrelated variants are omitted
// from the wire encoding, so an Event marshals directly to the frame the
// WebSocket clients consume.
type Event struct {
	Type EventType `json:"type"`

	// text_delta / text_complete / thinking_delta / thinking_complete
	Text string `json:"text,omitempty"`

	// tool_use / tool_result / tool_executing / tool_progress
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	Output    string         `json:"output,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Elapsed   float64        `json:"elapsed,omitempty"`
	Message   string         `json:"message,omitempty"`

	// turn_complete
	Cost      float64 `json:"cost,omitempty"`
	Usage     *Usage  `json:"usage,omitempty"`
	NumTurns  int     `json:"num_turns,omitempty"`
	SessionID string  `json:"session_id,omitempty"` // backend id, when known
	Result    string  `json:"result,omitempty"`

	// compact_complete
	Trigger string `json:"trigger,omitempty"`

	// voice_interrupted
	PartialText string `json:"partial_text,omitempty"`

	// error
	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func TextDelta(text string) Event    { return Event{Type: EventTextDelta, Text: text} }
func TextComplete(text string) Event { return Event{Type: EventTextComplete, Text: text} }

func ThinkingDelta(text string) Event    { return Event{Type: EventThinkingDelta, Text: text} }
func ThinkingComplete(text string) Event { return Event{Type: EventThinkingComplete, Text: text} }

func ToolUse(id, name string, input map[string]any) Event {
	return Event{Type: EventToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

func ToolResult(id, output string, isError bool) Event {
	return Event{Type: EventToolResult, ToolUseID: id, Output: output, IsError: isError}
}

func ToolExecuting(id, name string) Event {
	return Event{Type: EventToolExecuting, ToolUseID: id, ToolName: name}
}

func ToolProgress(id, name string, elapsed float64, message string) Event {
	return Event{Type: EventToolProgress, ToolUseID: id, ToolName: name, Elapsed: elapsed, Message: message}
}

func ErrorEvent(kind, detail string) Event {
	return Event{Type: EventError, Error: kind, Detail: detail}
}

func VoiceInterrupted(partial string) Event {
	return Event{Type: EventVoiceInterrupted, PartialText: partial}
}

// Snapshot is a point-in-time view of a pooled session, used by the
// orchestrator's system prompt and the list_agent_sessions tool.
type Snapshot struct {
	SessionID    string  `json:"session_id"`
	SDKSessionID string  `json:"sdk_session_id,omitempty"`
	Status       Status  `json:"status"`
	Cost         float64 `json:"cost"`
	Turns        int     `json:"turns"`
	Title        string  `json:"title,omitempty"`
	MessageCount int     `json:"message_count,omitempty"`
}
