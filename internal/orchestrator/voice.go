package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nextlevelbuilder/maestro/internal/session"
	"github.com/nextlevelbuilder/maestro/internal/tools"
)

// voiceIdleTimeout bounds how long the voice provider waits for the next
// mirrored event before closing the turn. Var so tests can tighten it.
var voiceIdleTimeout = 30 * time.Second

// VoiceProvider is the queue-driven ModelProvider for voice mode. It never
// calls a model itself: the browser holds the direct voice-vendor
// connection and mirrors every data-channel event to the server, where it
// is injected here and translated into the standard event stream.
type VoiceProvider struct {
	model string
	voice string

	queue chan map[string]any

	mu           sync.Mutex
	transcript   string            // partial assistant transcript, for barge-in context
	pendingCalls map[string]string // call_id → tool name
	pendingArgs  map[string]string // call_id → accumulated argument JSON
}

func NewVoiceProvider(model, voice string) *VoiceProvider {
	return &VoiceProvider{
		model:        model,
		voice:        voice,
		queue:        make(chan map[string]any, 256),
		pendingCalls: make(map[string]string),
		pendingArgs:  make(map[string]string),
	}
}

// InjectEvent feeds a mirrored vendor event into the queue. A
// CreateMessage consumer must be draining the queue (the owning session
// runs one for its whole lifetime) or injection blocks once the buffer
// fills. Transcript accumulation happens here, at the one point every
// event passes through, so persistence can read it before the consumer's
// translation clears it.
func (p *VoiceProvider) InjectEvent(ctx context.Context, event map[string]any) error {
	if eventType, _ := event["type"].(string); eventType == "response.audio_transcript.delta" {
		delta, _ := event["delta"].(string)
		p.mu.Lock()
		p.transcript += delta
		p.mu.Unlock()
	}
	select {
	case p.queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transcript returns the current partial assistant transcript.
func (p *VoiceProvider) Transcript() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transcript
}

// ClearTranscript resets the partial transcript (end of assistant speech
// or barge-in handled externally).
func (p *VoiceProvider) ClearTranscript() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transcript = ""
}

// PendingCallName returns the cached tool name for a call id.
func (p *VoiceProvider) PendingCallName(callID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingCalls[callID]
}

// CreateMessage consumes queued vendor events until the turn ends
// (response done or error), translating each into typed events. An idle
// queue produces a voice_timeout error.
func (p *VoiceProvider) CreateMessage(ctx context.Context, _ []session.HistoryMessage, _ []tools.Definition, _ string) <-chan session.Event {
	out := make(chan session.Event, 64)
	go func() {
		defer close(out)

		idle := time.NewTimer(voiceIdleTimeout)
		defer idle.Stop()

		for {
			select {
			case event := <-p.queue:
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(voiceIdleTimeout)

				eventType, _ := event["type"].(string)
				if translated, ok := p.Translate(event); ok {
					out <- translated
				}

				if eventType == "response.done" || eventType == "error" {
					return
				}

			case <-idle.C:
				out <- session.ErrorEvent("voice_timeout", "no event received within 30s")
				return

			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Translate maps one mirrored vendor event to a typed Event. Events that
// only update internal state (function item added, argument deltas)
// return ok=false.
func (p *VoiceProvider) Translate(event map[string]any) (session.Event, bool) {
	eventType, _ := event["type"].(string)

	switch eventType {
	case "response.audio_transcript.delta":
		if text, _ := event["delta"].(string); text != "" {
			return session.TextDelta(text), true
		}

	case "response.audio_transcript.done":
		text, _ := event["transcript"].(string)
		p.ClearTranscript()
		return session.TextComplete(text), true

	case "response.output_item.added":
		// Tool call names arrive here; arguments stream separately.
		item, _ := event["item"].(map[string]any)
		if itemType, _ := item["type"].(string); itemType == "function_call" {
			callID, _ := item["call_id"].(string)
			name, _ := item["name"].(string)
			if callID != "" && name != "" {
				p.mu.Lock()
				p.pendingCalls[callID] = name
				p.pendingArgs[callID] = ""
				p.mu.Unlock()
			}
		}

	case "response.function_call_arguments.delta":
		callID, _ := event["call_id"].(string)
		delta, _ := event["delta"].(string)
		p.mu.Lock()
		if _, ok := p.pendingArgs[callID]; ok {
			p.pendingArgs[callID] += delta
		}
		p.mu.Unlock()

	case "response.function_call_arguments.done":
		callID, _ := event["call_id"].(string)
		p.mu.Lock()
		argsJSON, _ := event["arguments"].(string)
		if argsJSON == "" {
			argsJSON = p.pendingArgs[callID]
		}
		name := p.pendingCalls[callID]
		p.mu.Unlock()
		if name == "" {
			name, _ = event["name"].(string)
		}

		input := make(map[string]any)
		if argsJSON != "" {
			_ = json.Unmarshal([]byte(argsJSON), &input)
		}
		if callID != "" && name != "" {
			return session.ToolUse(callID, name, input), true
		}

	case "response.done":
		p.ClearTranscript()
		usage := session.Usage{}
		if resp, _ := event["response"].(map[string]any); resp != nil {
			if u, _ := resp["usage"].(map[string]any); u != nil {
				usage.InputTokens = intFrom(u["input_tokens"])
				usage.OutputTokens = intFrom(u["output_tokens"])
			}
		}
		return session.Event{Type: session.EventTurnComplete, Usage: &usage}, true

	case "input_audio_buffer.speech_started":
		// Server VAD detected user speech during assistant output.
		p.mu.Lock()
		partial := p.transcript
		p.transcript = ""
		p.mu.Unlock()
		return session.VoiceInterrupted(partial), true

	case "error":
		errObj, _ := event["error"].(map[string]any)
		code, _ := errObj["code"].(string)
		if code == "" {
			code = "voice_error"
		}
		message, _ := errObj["message"].(string)
		return session.ErrorEvent(code, message), true
	}

	return session.Event{}, false
}

// BuildSessionConfig returns the opaque configuration payload the browser
// forwards to the voice vendor: server-VAD turn detection, transcription,
// voice identity, system prompt, and the tool schemas in vendor dialect.
func (p *VoiceProvider) BuildSessionConfig(system string, defs []map[string]any) map[string]any {
	return map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"model":        p.model,
			"voice":        p.voice,
			"instructions": system,
			"tools":        defs,
			"tool_choice":  "auto",
			"modalities":   []string{"text", "audio"},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           0.5,
				"prefix_padding_ms":   300,
				"silence_duration_ms": 800,
			},
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
		},
	}
}

func intFrom(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}
