package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nextlevelbuilder/maestro/internal/session"
	"github.com/nextlevelbuilder/maestro/internal/tools"
)

// voicePump is the voice provider's consumer. It drains the injected
// event queue turn after turn for the life of the session, mirroring the
// translated stream to orchestrator subscribers. Idle timeouts during
// silence between turns are swallowed; one that cuts a live turn short is
// surfaced like any other error event.
func (s *Session) voicePump(ctx context.Context) {
	for {
		sawActivity := false
		for ev := range s.voiceProvider.CreateMessage(ctx, nil, nil, "") {
			if ev.Type == session.EventError && ev.Error == "voice_timeout" && !sawActivity {
				continue
			}
			sawActivity = true
			s.broadcastEvent(ev)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Session) broadcastEvent(payload any) {
	if s.tc != nil && s.tc.Broadcast != nil {
		s.tc.Broadcast(payload)
	}
}

// ProcessVoiceEvent persists the meaningful mirrored voice-vendor events
// to the session log, executes tool calls synchronously, and then injects
// the event into the voice provider for the pump to translate and
// broadcast. Persistence runs before injection so the pump's state
// changes (transcript clears on barge-in and turn end) cannot race it.
// The returned commands must be forwarded back to the voice transport by
// the caller (tool outputs ride back as conversation items followed by a
// response request).
//
// Tool execution happens only here — never additionally in the pump —
// so slow tools cannot double-broadcast their results.
func (s *Session) ProcessVoiceEvent(ctx context.Context, event map[string]any) ([]map[string]any, error) {
	s.mu.Lock()
	provider, agent, log, started := s.voiceProvider, s.agent, s.log, s.started
	s.mu.Unlock()
	if !started || provider == nil {
		return nil, errors.New("no active voice session")
	}

	var commands []map[string]any
	eventType, _ := event["type"].(string)
	switch eventType {
	case "conversation.item.input_audio_transcription.completed":
		transcript, _ := event["transcript"].(string)
		if transcript != "" {
			tagged := "[voice] " + transcript
			log.AppendUser(tagged)
			agent.AppendHistory(session.HistoryMessage{Role: "user", Content: tagged})
		}

	case "response.audio_transcript.done":
		transcript, _ := event["transcript"].(string)
		if transcript != "" {
			log.AppendAssistant(transcript)
			agent.AppendHistory(session.HistoryMessage{Role: "assistant", Content: transcript})
		}

	case "response.function_call_arguments.done":
		commands = s.executeVoiceTool(ctx, provider, event)

	case "input_audio_buffer.speech_started":
		log.Append(session.LogRecord{
			Type:        session.RecordVoiceInterrupted,
			PartialText: provider.Transcript(),
		})
	}

	if err := provider.InjectEvent(ctx, event); err != nil {
		return commands, err
	}
	return commands, nil
}

// executeVoiceTool runs a completed voice tool call and builds the
// transport commands carrying its output back to the vendor.
func (s *Session) executeVoiceTool(ctx context.Context, provider *VoiceProvider, event map[string]any) []map[string]any {
	callID, _ := event["call_id"].(string)
	name, _ := event["name"].(string)
	if name == "" {
		name = provider.PendingCallName(callID)
	}
	if callID == "" || name == "" {
		return nil
	}

	input := make(map[string]any)
	if argsJSON, _ := event["arguments"].(string); argsJSON != "" {
		_ = json.Unmarshal([]byte(argsJSON), &input)
	}

	s.log.Append(session.LogRecord{
		Type:       session.RecordToolUse,
		ToolCallID: callID,
		ToolName:   name,
		ToolInput:  input,
	})
	s.agent.AppendHistory(session.HistoryMessage{
		Role: "assistant",
		Content: []session.ContentBlock{
			{Type: "tool_use", ID: callID, Name: name, Input: input},
		},
	})

	output := s.registry.Execute(ctx, name, input, s.tc)
	isError := tools.IsErrorResult(output)

	s.log.Append(session.LogRecord{
		Type:       session.RecordToolResult,
		ToolCallID: callID,
		Output:     output,
		IsError:    isError,
	})
	s.agent.AppendHistory(session.HistoryMessage{
		Role: "user",
		Content: []session.ContentBlock{
			{Type: "tool_result", ToolUseID: callID, Content: output, IsError: isError},
		},
	})

	return []map[string]any{
		{
			"type": "conversation.item.create",
			"item": map[string]any{
				"type":    "function_call_output",
				"call_id": callID,
				"output":  output,
			},
		},
		{"type": "response.create"},
	}
}
