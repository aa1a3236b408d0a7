package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/maestro/internal/config"
	"github.com/nextlevelbuilder/maestro/internal/session"
	"github.com/nextlevelbuilder/maestro/internal/tools"
)

// maxVoiceHistoryMessages is the resumed-history size above which voice
// mode summarizes the older portion instead of replaying it. The voice
// vendor holds its own conversation state, so a long message list only
// bloats the instructions.
const maxVoiceHistoryMessages = 20

// Session couples an orchestrator Agent with a session log. In voice mode
// it additionally translates mirrored voice events into tool calls and
// transport commands.
//
// At most one orchestrator session exists in the pool at any time; the
// pool's orchestrator slot enforces that.
type Session struct {
	cfg      *config.Config
	tc       *tools.Context
	registry *tools.Registry

	localID   string
	backendID string
	voice     bool
	resume    bool

	mu     sync.Mutex
	sendMu sync.Mutex // serializes turns; two tabs may send concurrently

	agent         *Agent
	log           *session.Log
	aux           *AnthropicProvider // summaries; also the text provider in text mode
	voiceProvider *VoiceProvider
	sessionConfig map[string]any
	pumpCancel    context.CancelFunc // stops the voice pump
	started       bool
}

// NewSession creates an orchestrator session. resumeID, when set, names a
// prior session whose log is reloaded; localID is the stable id chosen by
// the client.
func NewSession(cfg *config.Config, tc *tools.Context, registry *tools.Registry, resumeID, localID string, voice bool) *Session {
	if localID == "" {
		localID = uuid.NewString()
	}
	backendID := localID
	if resumeID != "" {
		backendID = resumeID
	}
	return &Session{
		cfg:       cfg,
		tc:        tc,
		registry:  registry,
		localID:   localID,
		backendID: backendID,
		voice:     voice,
		resume:    resumeID != "",
	}
}

func (s *Session) LocalID() string   { return s.localID }
func (s *Session) BackendID() string { return s.backendID }
func (s *Session) IsVoice() bool     { return s.voice }

// SessionUpdate returns the voice transport configuration payload, or nil
// in text mode.
func (s *Session) SessionUpdate() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionConfig
}

// Start selects the provider variant, resolves the log path, and loads or
// initializes the session log. Returns the local id.
func (s *Session) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return s.localID, nil
	}

	orch := s.cfg.Orchestrator
	s.aux = NewAnthropicProvider(orch.APIKey, orch.Model, orch.MaxTokens,
		WithAnthropicBaseURL(orch.BaseURL))

	var provider ModelProvider = s.aux
	if s.voice {
		s.voiceProvider = NewVoiceProvider(orch.VoiceModel, orch.VoiceName)
		provider = s.voiceProvider
	}
	s.agent = NewAgent(s.cfg, s.registry, provider, s.tc)

	dir := s.cfg.SessionsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("sessions dir: %w", err)
	}
	s.log = session.NewLog(filepath.Join(dir, s.backendID+".jsonl"))

	var digest string
	if s.resume {
		history := s.log.Load()
		if s.voice && len(history) > maxVoiceHistoryMessages {
			keep := history[len(history)-maxVoiceHistoryMessages:]
			older := history[:len(history)-maxVoiceHistoryMessages]
			if summary, err := s.summarizeHistory(ctx, older); err == nil && summary != "" {
				digest = summary
				s.agent.SetSummary(summary)
			} else if err != nil {
				slog.Warn("orchestrator: history summarization failed", "error", err)
			}
			history = keep
		}
		s.agent.SetHistory(history)
	} else {
		s.log.Append(session.LogRecord{
			Type:         session.RecordOrchestratorMeta,
			Orchestrator: true,
			SessionID:    s.localID,
			Voice:        s.voice,
			VoiceModel:   voiceMeta(s.voice, orch.VoiceModel),
			VoiceName:    voiceMeta(s.voice, orch.VoiceName),
		})
	}

	if s.voice {
		system := BuildSystemPrompt(s.cfg, s.tc, digest)
		s.sessionConfig = s.voiceProvider.BuildSessionConfig(system, s.registry.RealtimeDefinitions())

		// The pump is the queue's consumer: it drains injected events for
		// the life of the session and mirrors the translated stream to
		// orchestrator subscribers. Without it InjectEvent would fill the
		// queue and block mid-turn.
		pumpCtx, cancel := context.WithCancel(context.Background())
		s.pumpCancel = cancel
		go s.voicePump(pumpCtx)
	}

	s.started = true
	return s.localID, nil
}

// Send drives one text-mode turn, persisting the conversation to the log
// as events stream. Tool calls and results get one JSONL line each; the
// assistant's text is finalized as a single record after the turn. On
// reload that text therefore follows the turn's tool records, including
// any text the model produced before calling a tool.
func (s *Session) Send(ctx context.Context, prompt string) (<-chan session.Event, error) {
	s.mu.Lock()
	agent, log, started, voice := s.agent, s.log, s.started, s.voice
	s.mu.Unlock()
	if !started {
		return nil, errors.New("session not started")
	}
	if voice {
		return nil, errors.New("send is unavailable in voice mode")
	}

	out := make(chan session.Event, 64)
	go func() {
		defer close(out)
		s.sendMu.Lock()
		defer s.sendMu.Unlock()

		log.AppendUser(prompt)
		var textParts []string
		for ev := range agent.Run(ctx, prompt) {
			switch ev.Type {
			case session.EventTextComplete:
				textParts = append(textParts, ev.Text)
			case session.EventToolUse:
				log.Append(session.LogRecord{
					Type:       session.RecordToolUse,
					ToolCallID: ev.ToolUseID,
					ToolName:   ev.ToolName,
					ToolInput:  ev.ToolInput,
				})
			case session.EventToolResult:
				log.Append(session.LogRecord{
					Type:       session.RecordToolResult,
					ToolCallID: ev.ToolUseID,
					Output:     ev.Output,
					IsError:    ev.IsError,
				})
			}
			out <- ev
		}
		if len(textParts) > 0 {
			log.AppendAssistant(strings.Join(textParts, "\n"))
		}
	}()
	return out, nil
}

// Interrupt forwards to the agent.
func (s *Session) Interrupt() {
	s.mu.Lock()
	agent := s.agent
	s.mu.Unlock()
	if agent != nil {
		agent.Interrupt()
	}
}

// Stop tears the session down. The log stays on disk.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent != nil {
		s.agent.Interrupt()
	}
	if s.pumpCancel != nil {
		s.pumpCancel()
		s.pumpCancel = nil
	}
	s.started = false
}

func (s *Session) summarizeHistory(ctx context.Context, older []session.HistoryMessage) (string, error) {
	var b strings.Builder
	for _, msg := range older {
		text := msg.PlainText()
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, text)
	}
	if b.Len() == 0 {
		return "", nil
	}
	prompt := "Summarize the following conversation in a few sentences, keeping task state, decisions, and open threads:\n\n" + b.String()
	return s.aux.Complete(ctx, s.cfg.Orchestrator.SummaryModel, "", prompt, 1024)
}

func voiceMeta(voice bool, value string) string {
	if !voice {
		return ""
	}
	return value
}
