package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/maestro/internal/config"
	"github.com/nextlevelbuilder/maestro/internal/session"
	"github.com/nextlevelbuilder/maestro/internal/tools"
)

// textTurnServer answers every messages request with one short text turn
// and records request bodies.
func textTurnServer(t *testing.T) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var mu sync.Mutex
	var requests []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()

		if stream, _ := req["stream"].(bool); !stream {
			// Non-streaming Complete call (summaries).
			fmt.Fprint(w, `{"content":[{"type":"text","text":"the digest"}]}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sse("message_start", `{"message":{"usage":{"input_tokens":2}}}`))
		fmt.Fprint(w, sse("content_block_start", `{"index":0,"content_block":{"type":"text"}}`))
		fmt.Fprint(w, sse("content_block_delta", `{"delta":{"type":"text_delta","text":"ok"}}`))
		fmt.Fprint(w, sse("content_block_stop", `{}`))
		fmt.Fprint(w, sse("message_delta", `{"delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":1}}`))
		fmt.Fprint(w, sse("message_stop", `{}`))
	}))
	return srv, &requests
}

func sessionTestConfig(t *testing.T, baseURL string) (*config.Config, *tools.Context, *tools.Registry) {
	t.Helper()
	cfg := config.Default()
	cfg.Agent.ProjectDir = t.TempDir()
	cfg.Orchestrator.BaseURL = baseURL
	cfg.Orchestrator.APIKey = "test-key"
	return cfg, &tools.Context{Config: cfg, ProjectDir: cfg.Agent.ProjectDir}, tools.NewRegistry()
}

func readLogLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]any
		if json.Unmarshal(scanner.Bytes(), &m) == nil {
			lines = append(lines, m)
		}
	}
	return lines
}

func TestOrchestratorSessionTextTurn(t *testing.T) {
	srv, _ := textTurnServer(t)
	defer srv.Close()
	cfg, tc, reg := sessionTestConfig(t, srv.URL)

	sess := NewSession(cfg, tc, reg, "", "local-o", false)
	id, err := sess.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if id != "local-o" {
		t.Errorf("Start() = %q", id)
	}

	events, err := sess.Send(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	var got []session.Event
	for ev := range events {
		got = append(got, ev)
	}
	if got[len(got)-1].Type != session.EventTurnComplete {
		t.Errorf("last event = %#v", got[len(got)-1])
	}

	logPath := filepath.Join(cfg.SessionsDir(), "local-o.jsonl")
	lines := readLogLines(t, logPath)
	if len(lines) != 3 {
		t.Fatalf("log lines = %d: %#v", len(lines), lines)
	}
	if lines[0]["type"] != "orchestrator_meta" {
		t.Errorf("first line = %#v, want orchestrator_meta", lines[0])
	}
	if lines[1]["type"] != "user" || lines[2]["type"] != "assistant" {
		t.Errorf("records = %v, %v", lines[1]["type"], lines[2]["type"])
	}
}

func TestOrchestratorSessionResumeLoadsHistory(t *testing.T) {
	srv, requests := textTurnServer(t)
	defer srv.Close()
	cfg, tc, reg := sessionTestConfig(t, srv.URL)

	// A prior session's log on disk.
	os.MkdirAll(cfg.SessionsDir(), 0o755)
	prior := session.NewLog(filepath.Join(cfg.SessionsDir(), "prior-id.jsonl"))
	prior.Append(session.LogRecord{Type: session.RecordOrchestratorMeta, Orchestrator: true, SessionID: "prior-id"})
	prior.AppendUser("earlier question")
	prior.AppendAssistant("earlier answer")

	sess := NewSession(cfg, tc, reg, "prior-id", "tab-1", false)
	if _, err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sess.BackendID() != "prior-id" {
		t.Errorf("backend id = %q", sess.BackendID())
	}

	// Resume must not write a second meta line.
	lines := readLogLines(t, prior.Path())
	metas := 0
	for _, line := range lines {
		if line["type"] == "orchestrator_meta" {
			metas++
		}
	}
	if metas != 1 {
		t.Errorf("meta lines = %d, want 1", metas)
	}

	events, err := sess.Send(context.Background(), "and now?")
	if err != nil {
		t.Fatal(err)
	}
	for range events {
	}

	// The model request contains the reloaded history plus the new prompt.
	req := (*requests)[len(*requests)-1]
	messages, _ := req["messages"].([]any)
	if len(messages) != 3 {
		t.Fatalf("request messages = %d: %#v", len(messages), messages)
	}
	first, _ := messages[0].(map[string]any)
	if first["content"] != "earlier question" {
		t.Errorf("first message = %#v", first)
	}
}

func TestOrchestratorSessionVoiceStart(t *testing.T) {
	srv, _ := textTurnServer(t)
	defer srv.Close()
	cfg, tc, reg := sessionTestConfig(t, srv.URL)

	sess := NewSession(cfg, tc, reg, "", "", true)
	if _, err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sess.Stop()
	if !sess.IsVoice() {
		t.Error("IsVoice() = false")
	}
	update := sess.SessionUpdate()
	if update == nil || update["type"] != "session.update" {
		t.Fatalf("SessionUpdate() = %#v", update)
	}

	lines := readLogLines(t, filepath.Join(cfg.SessionsDir(), sess.BackendID()+".jsonl"))
	if len(lines) != 1 || lines[0]["voice"] != true {
		t.Errorf("meta line = %#v, want voice flag", lines)
	}

	// Text-mode send is rejected in voice mode.
	if _, err := sess.Send(context.Background(), "hi"); err == nil {
		t.Error("Send in voice mode should fail")
	}
}

func TestOrchestratorVoiceToolExecution(t *testing.T) {
	srv, _ := textTurnServer(t)
	defer srv.Close()
	cfg, tc, reg := sessionTestConfig(t, srv.URL)
	reg.Register(&tools.Tool{
		Name:        "lookup",
		Description: "looks up",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"key": map[string]any{"type": "string"}},
		},
		Handler: func(_ context.Context, _ *tools.Context, input map[string]any) (string, error) {
			return `{"value": "found"}`, nil
		},
	})

	sess := NewSession(cfg, tc, reg, "", "", true)
	if _, err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sess.Stop()

	commands, err := sess.ProcessVoiceEvent(context.Background(), map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   "vc1",
		"name":      "lookup",
		"arguments": `{"key": "k"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(commands) != 2 {
		t.Fatalf("commands = %#v, want item.create + response.create", commands)
	}
	if commands[0]["type"] != "conversation.item.create" {
		t.Errorf("first command = %#v", commands[0])
	}
	item, _ := commands[0]["item"].(map[string]any)
	if item["call_id"] != "vc1" || !strings.Contains(item["output"].(string), "found") {
		t.Errorf("item = %#v", item)
	}
	if commands[1]["type"] != "response.create" {
		t.Errorf("second command = %#v", commands[1])
	}

	lines := readLogLines(t, filepath.Join(cfg.SessionsDir(), sess.BackendID()+".jsonl"))
	var types []string
	for _, line := range lines {
		types = append(types, line["type"].(string))
	}
	want := []string{"orchestrator_meta", "tool_use", "tool_result"}
	if len(types) != len(want) {
		t.Fatalf("log records = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("log records = %v, want %v", types, want)
		}
	}
}

func TestOrchestratorVoiceTranscriptPersistence(t *testing.T) {
	srv, _ := textTurnServer(t)
	defer srv.Close()
	cfg, tc, reg := sessionTestConfig(t, srv.URL)

	sess := NewSession(cfg, tc, reg, "", "", true)
	if _, err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sess.Stop()

	sess.ProcessVoiceEvent(context.Background(), map[string]any{
		"type":       "conversation.item.input_audio_transcription.completed",
		"transcript": "open a session please",
	})
	sess.ProcessVoiceEvent(context.Background(), map[string]any{
		"type":       "response.audio_transcript.done",
		"transcript": "opening one now",
	})
	sess.ProcessVoiceEvent(context.Background(), map[string]any{
		"type": "input_audio_buffer.speech_started",
	})

	lines := readLogLines(t, filepath.Join(cfg.SessionsDir(), sess.BackendID()+".jsonl"))
	if len(lines) != 4 {
		t.Fatalf("log lines = %#v", lines)
	}
	userMsg, _ := lines[1]["message"].(map[string]any)
	if content, _ := userMsg["content"].(string); !strings.HasPrefix(content, "[voice] ") {
		t.Errorf("voice user record content = %q, want [voice] tag", content)
	}
	if lines[2]["type"] != "assistant" || lines[3]["type"] != "voice_interrupted" {
		t.Errorf("records = %v, %v", lines[2]["type"], lines[3]["type"])
	}
}

func TestOrchestratorVoiceResumeSummarizesLongHistory(t *testing.T) {
	srv, requests := textTurnServer(t)
	defer srv.Close()
	cfg, tc, reg := sessionTestConfig(t, srv.URL)

	os.MkdirAll(cfg.SessionsDir(), 0o755)
	prior := session.NewLog(filepath.Join(cfg.SessionsDir(), "long.jsonl"))
	prior.Append(session.LogRecord{Type: session.RecordOrchestratorMeta, Orchestrator: true, Voice: true})
	for i := 0; i < 15; i++ {
		prior.AppendUser(fmt.Sprintf("question %d", i))
		prior.AppendAssistant(fmt.Sprintf("answer %d", i))
	}

	sess := NewSession(cfg, tc, reg, "long", "", true)
	if _, err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sess.Stop()

	// One non-streaming summary request was made.
	summaryCalls := 0
	for _, req := range *requests {
		if stream, _ := req["stream"].(bool); !stream {
			summaryCalls++
		}
	}
	if summaryCalls != 1 {
		t.Errorf("summary calls = %d, want 1", summaryCalls)
	}

	// The digest lands in the voice instructions, not the message list.
	update := sess.SessionUpdate()
	sessCfg, _ := update["session"].(map[string]any)
	instructions, _ := sessCfg["instructions"].(string)
	if !strings.Contains(instructions, "the digest") {
		t.Error("digest missing from voice instructions")
	}
}

func TestOrchestratorVoicePumpDrainsQueue(t *testing.T) {
	srv, _ := textTurnServer(t)
	defer srv.Close()
	cfg, tc, reg := sessionTestConfig(t, srv.URL)

	var mu sync.Mutex
	var broadcast []session.Event
	tc.Broadcast = func(payload any) {
		if ev, ok := payload.(session.Event); ok {
			mu.Lock()
			broadcast = append(broadcast, ev)
			mu.Unlock()
		}
	}

	sess := NewSession(cfg, tc, reg, "", "", true)
	if _, err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sess.Stop()

	// Far more deltas than the provider's queue buffers: without the pump
	// draining, injection would wedge partway through.
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 400; i++ {
			if _, err := sess.ProcessVoiceEvent(context.Background(), map[string]any{
				"type":  "response.audio_transcript.delta",
				"delta": "x",
			}); err != nil {
				done <- err
				return
			}
		}
		_, err := sess.ProcessVoiceEvent(context.Background(), map[string]any{
			"type":       "response.audio_transcript.done",
			"transcript": "all of it",
		})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("voice event injection wedged — queue not drained")
	}

	// The pump mirrored the translated stream to subscribers.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(broadcast)
		last := session.Event{}
		if n > 0 {
			last = broadcast[n-1]
		}
		mu.Unlock()
		if n >= 401 && last.Type == session.EventTextComplete {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("broadcast stream incomplete: %d events", len(broadcast))
}
