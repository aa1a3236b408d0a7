// Package protocol defines the JSON frame types exchanged over the
// gateway WebSocket endpoints. Clients send request frames; the server
// replies with serialized session events plus the control frames below.
package protocol

import "encoding/json"

// Client → server frame types.
const (
	MsgStart      = "start"
	MsgSend       = "send"
	MsgCommand    = "command"
	MsgInterrupt  = "interrupt"
	MsgStop       = "stop"
	MsgVoiceStart = "voice_start"
	MsgVoiceEvent = "voice_event"
)

// Server → client frame types (besides serialized events).
const (
	FrameStatus             = "status"
	FrameSessionStarted     = "session_started"
	FrameSessionStopped     = "session_stopped"
	FrameUserMessage        = "user_message"
	FrameError              = "error"
	FrameAgentSessionOpened = "agent_session_opened"
	FrameAgentSessionClosed = "agent_session_closed"
	FrameVoiceCommand       = "voice_command"
	FrameNestedSessionEvent = "nested_session_event"
)

// Error kinds carried in error frames.
const (
	ErrInvalidJSON        = "invalid_json"
	ErrNotStarted         = "not_started"
	ErrUnknownType        = "unknown_type"
	ErrStartTimeout       = "start_timeout"
	ErrStartFailed        = "start_failed"
	ErrSendFailed         = "send_failed"
	ErrCommandFailed      = "command_failed"
	ErrOrchestratorActive = "orchestrator_active"
	ErrNotVoiceSession    = "not_voice_session"
	ErrVoiceEventFailed   = "voice_event_failed"
	ErrRateLimited        = "rate_limited"
)

// Request is a client → server frame.
type Request struct {
	Type        string          `json:"type"`
	Text        string          `json:"text,omitempty"`
	LocalID     string          `json:"local_id,omitempty"`
	ResumeSDKID string          `json:"resume_sdk_id,omitempty"`
	Fork        bool            `json:"fork,omitempty"`
	Event       json.RawMessage `json:"event,omitempty"`
}

// ErrorFrame is sent back to a single client when a request fails.
type ErrorFrame struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func NewError(kind, detail string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Error: kind, Detail: detail}
}

// StatusFrame announces a session status change.
type StatusFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

func NewStatus(status string) StatusFrame {
	return StatusFrame{Type: FrameStatus, Status: status}
}

// SessionStarted confirms a start request. For orchestrator sessions the
// Voice flag and the opaque voice session config are included so the
// client can configure its voice transport.
type SessionStarted struct {
	Type               string         `json:"type"`
	SessionID          string         `json:"session_id"`
	Voice              bool           `json:"voice,omitempty"`
	VoiceSessionUpdate map[string]any `json:"voice_session_update,omitempty"`
}

// UserMessage mirrors a prompt to subscribers that did not originate it.
type UserMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SessionNotice is broadcast to watchers when a pooled session opens or
// closes. SDKSessionID is the backend id, when already known.
type SessionNotice struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	SDKSessionID string `json:"sdk_session_id,omitempty"`
}

// VoiceCommand carries a payload the client must forward verbatim to its
// voice transport (e.g. conversation.item.create, response.create).
type VoiceCommand struct {
	Type    string         `json:"type"`
	Command map[string]any `json:"command"`
}

// NestedSessionEvent wraps an event from a pooled agent session that was
// produced while the orchestrator was driving it, so clients watching the
// orchestrator see nested progress.
type NestedSessionEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	EventType string `json:"event_type"`
	EventData any    `json:"event_data"`
}
