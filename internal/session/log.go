package session

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"time"
)

// Log record types. The first line of every orchestrator log is a
// RecordOrchestratorMeta entry.
const (
	RecordUser             = "user"
	RecordAssistant        = "assistant"
	RecordToolUse          = "tool_use"
	RecordToolResult       = "tool_result"
	RecordOrchestratorMeta = "orchestrator_meta"
	RecordVoiceInterrupted = "voice_interrupted"
)

// LogMessage is the message payload of user/assistant records.
type LogMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// LogRecord is one JSONL line of a session log.
type LogRecord struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
	Message   *LogMessage `json:"message,omitempty"`

	// tool_use / tool_result
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	Output     string         `json:"output,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`

	// orchestrator_meta
	Orchestrator bool   `json:"orchestrator,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	Voice        bool   `json:"voice,omitempty"`
	VoiceModel   string `json:"voice_model,omitempty"`
	VoiceName    string `json:"voice_name,omitempty"`

	// voice_interrupted
	PartialText string `json:"partial_text,omitempty"`
}

// Log is an append-only JSONL writer/reader for one session. Writers
// open and close the file per append; there is never a long-lived handle.
type Log struct {
	path string
}

func NewLog(path string) *Log {
	return &Log{path: path}
}

func (l *Log) Path() string { return l.path }

// Append writes one record as a JSON line. I/O errors are logged and
// swallowed — log failures must never propagate into the agent loop.
func (l *Log) Append(rec LogRecord) {
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("session log: marshal record failed", "path", l.path, "error", err)
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("session log: open failed", "path", l.path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		slog.Warn("session log: write failed", "path", l.path, "error", err)
	}
}

// AppendUser records a user prompt.
func (l *Log) AppendUser(content string) {
	l.Append(LogRecord{Type: RecordUser, Message: &LogMessage{Role: "user", Content: content}})
}

// AppendAssistant records a complete assistant text response.
func (l *Log) AppendAssistant(content string) {
	l.Append(LogRecord{Type: RecordAssistant, Message: &LogMessage{Role: "assistant", Content: content}})
}

// Load reads the log and reconstructs conversation history in API shape.
//
// The file is written incrementally as events stream, so grouping happens
// here: consecutive assistant/tool_use records accumulate into one
// assistant message, and consecutive tool_result records accumulate into
// one synthetic user message (the API requires tool results grouped into a
// single user turn). Assistant text that follows a tool_result group
// becomes a separate assistant message — writing the reconstructed history
// back out replays the same grouping, so the round trip is stable.
func (l *Log) Load() []HistoryMessage {
	f, err := os.Open(l.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var history []HistoryMessage
	var pendingAssistant []ContentBlock
	var pendingResults []ContentBlock

	flushAssistant := func() {
		if len(pendingAssistant) > 0 {
			history = append(history, HistoryMessage{Role: "assistant", Content: pendingAssistant})
			pendingAssistant = nil
		}
	}
	flushResults := func() {
		if len(pendingResults) > 0 {
			history = append(history, HistoryMessage{Role: "user", Content: pendingResults})
			pendingResults = nil
		}
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec LogRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.Warn("session log: invalid JSON line", "path", l.path, "line", lineNum, "error", err)
			continue
		}

		switch rec.Type {
		case RecordOrchestratorMeta, RecordVoiceInterrupted:
			// metadata, not conversation

		case RecordUser:
			flushAssistant()
			flushResults()
			if rec.Message != nil {
				if text, _ := rec.Message.Content.(string); text != "" {
					history = append(history, HistoryMessage{Role: "user", Content: text})
				}
			}

		case RecordAssistant:
			flushResults()
			if rec.Message != nil {
				switch c := rec.Message.Content.(type) {
				case string:
					if c != "" {
						pendingAssistant = append(pendingAssistant, ContentBlock{Type: "text", Text: c})
					}
				case []any:
					pendingAssistant = append(pendingAssistant, decodeBlocks(c)...)
				}
			}

		case RecordToolUse:
			flushResults()
			pendingAssistant = append(pendingAssistant, ContentBlock{
				Type:  "tool_use",
				ID:    rec.ToolCallID,
				Name:  rec.ToolName,
				Input: rec.ToolInput,
			})

		case RecordToolResult:
			flushAssistant()
			pendingResults = append(pendingResults, ContentBlock{
				Type:      "tool_result",
				ToolUseID: rec.ToolCallID,
				Content:   rec.Output,
				IsError:   rec.IsError,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("session log: read failed", "path", l.path, "error", err)
	}

	flushAssistant()
	flushResults()
	return history
}

// decodeBlocks converts generic JSON block maps into ContentBlocks.
func decodeBlocks(raw []any) []ContentBlock {
	var blocks []ContentBlock
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		b := ContentBlock{}
		b.Type, _ = m["type"].(string)
		switch b.Type {
		case "text":
			b.Text, _ = m["text"].(string)
			if b.Text == "" {
				continue
			}
		case "tool_use":
			b.ID, _ = m["id"].(string)
			b.Name, _ = m["name"].(string)
			b.Input, _ = m["input"].(map[string]any)
		case "tool_result":
			b.ToolUseID, _ = m["tool_use_id"].(string)
			b.Content, _ = m["content"].(string)
			b.IsError, _ = m["is_error"].(bool)
		default:
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks
}

// ReadMeta returns the orchestrator_meta record from the first line of the
// log, or nil when the log belongs to a plain agent session.
func (l *Log) ReadMeta() *LogRecord {
	f, err := os.Open(l.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return nil
	}
	var rec LogRecord
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
		return nil
	}
	if rec.Type != RecordOrchestratorMeta {
		return nil
	}
	return &rec
}
