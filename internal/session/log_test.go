package session

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func tempLog(t *testing.T, lines []string) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "s.jsonl")
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return NewLog(path)
}

func TestLoadReconstruction(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  []HistoryMessage
	}{
		{
			name: "meta and voice records skipped",
			lines: []string{
				`{"type":"orchestrator_meta","orchestrator":true,"session_id":"s1"}`,
				`{"type":"voice_interrupted","partial_text":"uh"}`,
				`{"type":"user","message":{"role":"user","content":"hello"}}`,
			},
			want: []HistoryMessage{
				{Role: "user", Content: "hello"},
			},
		},
		{
			name: "empty user content dropped",
			lines: []string{
				`{"type":"user","message":{"role":"user","content":""}}`,
			},
			want: nil,
		},
		{
			name: "tool round trip groups into three messages after user",
			lines: []string{
				`{"type":"orchestrator_meta","orchestrator":true}`,
				`{"type":"user","message":{"role":"user","content":"Q"}}`,
				`{"type":"tool_use","tool_call_id":"T","tool_name":"search","tool_input":{"q":"x"}}`,
				`{"type":"tool_result","tool_call_id":"T","output":"R"}`,
				`{"type":"assistant","message":{"role":"assistant","content":"A"}}`,
			},
			want: []HistoryMessage{
				{Role: "user", Content: "Q"},
				{Role: "assistant", Content: []ContentBlock{
					{Type: "tool_use", ID: "T", Name: "search", Input: map[string]any{"q": "x"}},
				}},
				{Role: "user", Content: []ContentBlock{
					{Type: "tool_result", ToolUseID: "T", Content: "R"},
				}},
				{Role: "assistant", Content: []ContentBlock{
					{Type: "text", Text: "A"},
				}},
			},
		},
		{
			name: "consecutive tool results group into one user message",
			lines: []string{
				`{"type":"tool_use","tool_call_id":"T1","tool_name":"a","tool_input":{}}`,
				`{"type":"tool_use","tool_call_id":"T2","tool_name":"b","tool_input":{}}`,
				`{"type":"tool_result","tool_call_id":"T1","output":"r1"}`,
				`{"type":"tool_result","tool_call_id":"T2","output":"r2","is_error":true}`,
			},
			want: []HistoryMessage{
				{Role: "assistant", Content: []ContentBlock{
					{Type: "tool_use", ID: "T1", Name: "a", Input: map[string]any{}},
					{Type: "tool_use", ID: "T2", Name: "b", Input: map[string]any{}},
				}},
				{Role: "user", Content: []ContentBlock{
					{Type: "tool_result", ToolUseID: "T1", Content: "r1"},
					{Type: "tool_result", ToolUseID: "T2", Content: "r2", IsError: true},
				}},
			},
		},
		{
			name: "invalid JSON lines skipped",
			lines: []string{
				`{"type":"user","message":{"role":"user","content":"ok"}}`,
				`{not json`,
				`{"type":"assistant","message":{"role":"assistant","content":"fine"}}`,
			},
			want: []HistoryMessage{
				{Role: "user", Content: "ok"},
				{Role: "assistant", Content: []ContentBlock{{Type: "text", Text: "fine"}}},
			},
		},
		{
			name: "assistant block list content",
			lines: []string{
				`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"part"}]}}`,
			},
			want: []HistoryMessage{
				{Role: "assistant", Content: []ContentBlock{{Type: "text", Text: "part"}}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tempLog(t, tt.lines).Load()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Load() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	l := NewLog(filepath.Join(t.TempDir(), "absent.jsonl"))
	if got := l.Load(); got != nil {
		t.Errorf("Load() on missing file = %#v, want nil", got)
	}
}

func TestAppendSwallowsErrors(t *testing.T) {
	// Path inside a nonexistent directory: append must not panic or fail
	// the caller.
	l := NewLog(filepath.Join(t.TempDir(), "no", "such", "dir", "s.jsonl"))
	l.AppendUser("hello")
}

// TestLogRoundTrip writes history through the record shapes the session
// layer uses and checks the reconstruction is stable across a second
// write/load cycle.
func TestLogRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewLog(filepath.Join(dir, "a.jsonl"))
	l.Append(LogRecord{Type: RecordOrchestratorMeta, Orchestrator: true, SessionID: "a"})
	l.AppendUser("do the thing")
	l.Append(LogRecord{Type: RecordToolUse, ToolCallID: "c1", ToolName: "read_file", ToolInput: map[string]any{"path": "x"}})
	l.Append(LogRecord{Type: RecordToolResult, ToolCallID: "c1", Output: "contents"})
	l.AppendAssistant("done")

	first := l.Load()

	// Replay the reconstructed history into a fresh log.
	l2 := NewLog(filepath.Join(dir, "b.jsonl"))
	for _, msg := range first {
		switch c := msg.Content.(type) {
		case string:
			if msg.Role == "user" {
				l2.AppendUser(c)
			} else {
				l2.AppendAssistant(c)
			}
		case []ContentBlock:
			for _, b := range c {
				switch b.Type {
				case "text":
					l2.Append(LogRecord{Type: RecordAssistant, Message: &LogMessage{Role: "assistant", Content: b.Text}})
				case "tool_use":
					l2.Append(LogRecord{Type: RecordToolUse, ToolCallID: b.ID, ToolName: b.Name, ToolInput: b.Input})
				case "tool_result":
					l2.Append(LogRecord{Type: RecordToolResult, ToolCallID: b.ToolUseID, Output: b.Content, IsError: b.IsError})
				}
			}
		}
	}
	second := l2.Load()

	if !reflect.DeepEqual(first, second) {
		t.Errorf("round trip drifted:\nfirst  = %#v\nsecond = %#v", first, second)
	}
}

func TestReadMeta(t *testing.T) {
	l := tempLog(t, []string{
		`{"type":"orchestrator_meta","orchestrator":true,"session_id":"s9","voice":true,"voice_model":"gpt-realtime"}`,
		`{"type":"user","message":{"role":"user","content":"hi"}}`,
	})
	meta := l.ReadMeta()
	if meta == nil {
		t.Fatal("ReadMeta() = nil")
	}
	if !meta.Voice || meta.SessionID != "s9" || meta.VoiceModel != "gpt-realtime" {
		t.Errorf("unexpected meta: %#v", meta)
	}

	plain := tempLog(t, []string{`{"type":"user","message":{"role":"user","content":"hi"}}`})
	if plain.ReadMeta() != nil {
		t.Error("ReadMeta() on agent log should be nil")
	}
}
