package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/maestro/internal/config"
	"github.com/nextlevelbuilder/maestro/internal/pool"
	"github.com/nextlevelbuilder/maestro/internal/session"
	"github.com/nextlevelbuilder/maestro/pkg/protocol"
)

func poolContext(t *testing.T, script string) (*Registry, *Context) {
	t.Helper()
	dir := t.TempDir()
	cmd := filepath.Join(dir, "fake-agent")
	if err := os.WriteFile(cmd, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Agent.Command = cmd
	cfg.Agent.ProjectDir = dir
	os.MkdirAll(cfg.SessionsDir(), 0o755)

	p := pool.New()
	t.Cleanup(p.StopAll)

	r := NewRegistry()
	RegisterSessionTools(r)

	tc := &Context{
		Pool:       p,
		Store:      session.NewStore(cfg.SessionsDir(), cfg.TitlesPath()),
		Config:     cfg,
		ProjectDir: cfg.Agent.ProjectDir,
	}
	return r, tc
}

const sessionTurnScript = `
echo '{"type":"system","subtype":"init","session_id":"b-7"}'
while read -r line; do
  echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"working"}}}'
  echo '{"type":"assistant","message":{"content":[{"type":"text","text":"all files listed"}]}}'
  echo '{"type":"result","total_cost_usd":0.02,"num_turns":2,"session_id":"b-7","usage":{"input_tokens":1,"output_tokens":1}}'
done
`

func TestOpenListCloseAgentSession(t *testing.T) {
	r, tc := poolContext(t, sessionTurnScript)

	out := r.Execute(context.Background(), "open_agent_session", map[string]any{}, tc)
	if IsErrorResult(out) {
		t.Fatalf("open failed: %s", out)
	}
	var opened map[string]string
	json.Unmarshal([]byte(out), &opened)
	sessionID := opened["session_id"]
	if sessionID == "" {
		t.Fatalf("open result = %s", out)
	}

	out = r.Execute(context.Background(), "list_agent_sessions", nil, tc)
	var listed struct {
		Sessions []session.Snapshot `json:"sessions"`
		Count    int                `json:"count"`
	}
	json.Unmarshal([]byte(out), &listed)
	if listed.Count != 1 || listed.Sessions[0].SessionID != sessionID {
		t.Errorf("list = %s", out)
	}

	out = r.Execute(context.Background(), "close_agent_session", map[string]any{"session_id": sessionID}, tc)
	if IsErrorResult(out) {
		t.Fatalf("close failed: %s", out)
	}
	if tc.Pool.Has(sessionID) {
		t.Error("session still pooled after close")
	}

	out = r.Execute(context.Background(), "close_agent_session", map[string]any{"session_id": sessionID}, tc)
	if !IsErrorResult(out) {
		t.Error("closing a closed session should be an error result")
	}
}

func TestSendToAgentSessionCollectsAndBroadcastsNested(t *testing.T) {
	r, tc := poolContext(t, sessionTurnScript)

	var mu sync.Mutex
	var nested []protocol.NestedSessionEvent
	tc.Broadcast = func(payload any) {
		if ev, ok := payload.(protocol.NestedSessionEvent); ok {
			mu.Lock()
			nested = append(nested, ev)
			mu.Unlock()
		}
	}

	out := r.Execute(context.Background(), "open_agent_session", map[string]any{}, tc)
	var opened map[string]string
	json.Unmarshal([]byte(out), &opened)
	sessionID := opened["session_id"]

	out = r.Execute(context.Background(), "send_to_agent_session", map[string]any{
		"session_id": sessionID,
		"message":    "list files",
	}, tc)
	if IsErrorResult(out) {
		t.Fatalf("send failed: %s", out)
	}

	var result struct {
		SessionID string  `json:"session_id"`
		Response  string  `json:"response"`
		Cost      float64 `json:"cost"`
		Turns     int     `json:"turns"`
	}
	json.Unmarshal([]byte(out), &result)
	if result.Response != "all files listed" || result.Cost != 0.02 || result.Turns != 2 {
		t.Errorf("result = %s", out)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(nested) == 0 {
		t.Fatal("no nested_session_event broadcasts")
	}
	sawDelta := false
	for _, ev := range nested {
		if ev.SessionID != sessionID || ev.Type != protocol.FrameNestedSessionEvent {
			t.Errorf("nested event = %#v", ev)
		}
		if ev.EventType == "text_delta" {
			sawDelta = true
		}
	}
	if !sawDelta {
		t.Error("nested events missing text_delta")
	}
}

func TestSendToAgentSessionTimeout(t *testing.T) {
	old := sendWaitTimeout
	sendWaitTimeout = 200 * time.Millisecond
	defer func() { sendWaitTimeout = old }()

	// An agent that never answers.
	r, tc := poolContext(t, `
echo '{"type":"system","subtype":"init","session_id":"b-8"}'
while read -r line; do
  sleep 60
done
`)

	out := r.Execute(context.Background(), "open_agent_session", map[string]any{}, tc)
	var opened map[string]string
	json.Unmarshal([]byte(out), &opened)

	start := time.Now()
	out = r.Execute(context.Background(), "send_to_agent_session", map[string]any{
		"session_id": opened["session_id"],
		"message":    "hello?",
	}, tc)
	if !IsErrorResult(out) {
		t.Fatalf("result = %s, want timeout error", out)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not fire promptly")
	}
	// The session stays pooled and healthy.
	if !tc.Pool.Has(opened["session_id"]) {
		t.Error("session dropped from pool after tool timeout")
	}
}

func TestSendToUnknownSession(t *testing.T) {
	r, tc := poolContext(t, sessionTurnScript)
	out := r.Execute(context.Background(), "send_to_agent_session", map[string]any{
		"session_id": "ghost",
		"message":    "hi",
	}, tc)
	if !IsErrorResult(out) {
		t.Errorf("result = %s, want error", out)
	}
}

func TestListHistoryMarksOrchestratorLogs(t *testing.T) {
	r, tc := poolContext(t, sessionTurnScript)

	agentLog := session.NewLog(filepath.Join(tc.Store.Dir(), "agent-1.jsonl"))
	agentLog.AppendUser("fix the bug")
	orchLog := session.NewLog(filepath.Join(tc.Store.Dir(), "orch-1.jsonl"))
	orchLog.Append(session.LogRecord{Type: session.RecordOrchestratorMeta, Orchestrator: true})
	orchLog.AppendUser("coordinate things")

	out := r.Execute(context.Background(), "list_history", map[string]any{"limit": float64(10)}, tc)
	var listed struct {
		Sessions []struct {
			SessionID string `json:"session_id"`
			Kind      string `json:"kind"`
		} `json:"sessions"`
	}
	json.Unmarshal([]byte(out), &listed)
	if len(listed.Sessions) != 2 {
		t.Fatalf("list_history = %s", out)
	}
	kinds := map[string]string{}
	for _, s := range listed.Sessions {
		kinds[s.SessionID] = s.Kind
	}
	if kinds["agent-1"] != "agent" || kinds["orch-1"] != "orchestrator" {
		t.Errorf("kinds = %#v", kinds)
	}
}

func TestReadAgentSessionUsesBackendLog(t *testing.T) {
	r, tc := poolContext(t, sessionTurnScript)

	out := r.Execute(context.Background(), "open_agent_session", map[string]any{}, tc)
	var opened map[string]string
	json.Unmarshal([]byte(out), &opened)

	// The CLI writes its own log under the backend id; simulate it.
	backendLog := session.NewLog(filepath.Join(tc.Store.Dir(), "b-7.jsonl"))
	backendLog.AppendUser("earlier prompt")
	backendLog.AppendAssistant("earlier reply")

	out = r.Execute(context.Background(), "read_agent_session", map[string]any{
		"session_id": opened["session_id"],
	}, tc)
	if IsErrorResult(out) {
		t.Fatalf("read failed: %s", out)
	}
	var read struct {
		Messages []struct {
			Role string `json:"role"`
			Text string `json:"text"`
		} `json:"messages"`
	}
	json.Unmarshal([]byte(out), &read)
	if len(read.Messages) != 2 || read.Messages[0].Text != "earlier prompt" {
		t.Errorf("read = %s", out)
	}
}
