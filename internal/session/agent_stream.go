package session

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os/exec"
)

// cliEvent is one parsed NDJSON line from the coding-agent CLI.
type cliEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"` // stream_event inner event
	Data      json.RawMessage `json:"data,omitempty"`

	// result fields
	Result   string   `json:"result,omitempty"`
	IsError  bool     `json:"is_error,omitempty"`
	Cost     float64  `json:"total_cost_usd,omitempty"`
	NumTurns int      `json:"num_turns,omitempty"`
	Usage    cliUsage `json:"usage,omitempty"`
}

type cliUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// cliContentBlock is a content block inside an assistant/user CLI message.
type cliContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// readLoop reads NDJSON events from the subprocess stdout for the life of
// the process, translating them into typed Events on the current turn.
func (a *Agent) readLoop(stdout io.Reader, cmd *exec.Cmd) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev cliEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("agent: unparseable CLI event", "session", a.localID, "error", err)
			continue
		}
		a.handleCLIEvent(&ev)
	}

	cmd.Wait()

	a.mu.Lock()
	turn := a.turn
	a.turn = nil
	a.started = false
	a.status = StatusDisconnected
	a.mu.Unlock()

	// A turn that was mid-stream when the process died surfaces as an
	// error event, never as a raised failure.
	if turn != nil {
		turn <- ErrorEvent("send_failed", "agent subprocess exited")
		close(turn)
	}
}

func (a *Agent) handleCLIEvent(ev *cliEvent) {
	// Capture the backend id wherever the CLI reports it. The pool key is
	// the local id and never changes; this is a stored attribute only.
	if ev.SessionID != "" && !ev.IsError {
		a.mu.Lock()
		a.backendID = ev.SessionID
		a.mu.Unlock()
	}

	switch ev.Type {
	case "system":
		switch ev.Subtype {
		case "init":
			a.signalReady()
		case "compact", "compact_boundary":
			trigger := "manual"
			if len(ev.Data) > 0 {
				var data struct {
					Trigger string `json:"trigger"`
				}
				if json.Unmarshal(ev.Data, &data) == nil && data.Trigger != "" {
					trigger = data.Trigger
				}
			}
			a.emit(Event{Type: EventCompactComplete, Trigger: trigger})
		}

	case "stream_event":
		a.handleStreamEvent(ev.Event)

	case "assistant":
		if len(ev.Message) == 0 {
			return
		}
		var msg struct {
			Content []cliContentBlock `json:"content"`
		}
		if err := json.Unmarshal(ev.Message, &msg); err != nil {
			return
		}
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				a.emit(TextComplete(block.Text))
			case "thinking":
				a.emit(ThinkingComplete(block.Thinking))
			case "tool_use":
				a.setStatus(StatusToolUse)
				a.emit(ToolUse(block.ID, block.Name, block.Input))
			}
		}

	case "user":
		if len(ev.Message) == 0 {
			return
		}
		var msg struct {
			Content []cliContentBlock `json:"content"`
		}
		if err := json.Unmarshal(ev.Message, &msg); err != nil {
			return
		}
		for _, block := range msg.Content {
			if block.Type != "tool_result" {
				continue
			}
			a.emit(ToolResult(block.ToolUseID, decodeToolOutput(block.Content), block.IsError))
		}

	case "result":
		a.mu.Lock()
		a.turns += ev.NumTurns
		a.cost += ev.Cost
		backendID := a.backendID
		turn := a.turn
		a.turn = nil
		if a.status != StatusDisconnected {
			a.status = StatusIdle
		}
		a.mu.Unlock()

		if turn != nil {
			turn <- Event{
				Type:     EventTurnComplete,
				Cost:     ev.Cost,
				NumTurns: ev.NumTurns,
				Usage: &Usage{
					InputTokens:              ev.Usage.InputTokens,
					OutputTokens:             ev.Usage.OutputTokens,
					CacheCreationInputTokens: ev.Usage.CacheCreationInputTokens,
					CacheReadInputTokens:     ev.Usage.CacheReadInputTokens,
				},
				SessionID: backendID,
				IsError:   ev.IsError,
				Result:    ev.Result,
			}
			close(turn)
		}
	}
}

// handleStreamEvent translates a partial-message inner event into delta
// Events. Tool input deltas are skipped — the complete tool_use block from
// the assistant message carries the parsed input.
func (a *Agent) handleStreamEvent(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var inner struct {
		Type  string `json:"type"`
		Delta struct {
			Type     string `json:"type"`
			Text     string `json:"text,omitempty"`
			Thinking string `json:"thinking,omitempty"`
		} `json:"delta"`
	}
	if json.Unmarshal(raw, &inner) != nil {
		return
	}
	if inner.Type != "content_block_delta" {
		return
	}
	switch inner.Delta.Type {
	case "text_delta":
		a.setStatus(StatusStreaming)
		a.emit(TextDelta(inner.Delta.Text))
	case "thinking_delta":
		a.setStatus(StatusThinking)
		a.emit(ThinkingDelta(inner.Delta.Thinking))
	}
}

// emit pushes an event onto the current turn channel, if any. Events that
// arrive between turns (e.g. trailing output after an interrupt) are
// dropped — subscribers only observe events within a send.
func (a *Agent) emit(ev Event) {
	a.mu.Lock()
	turn := a.turn
	a.mu.Unlock()
	if turn == nil {
		return
	}
	turn <- ev
}

func (a *Agent) signalReady() {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.ready:
	default:
		close(a.ready)
	}
}

// decodeToolOutput flattens a tool_result content payload (string or block
// list) into plain text.
func decodeToolOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []cliContentBlock
	if json.Unmarshal(raw, &blocks) == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				if out != "" {
					out += "\n"
				}
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}
