package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/maestro/internal/orchestrator"
	"github.com/nextlevelbuilder/maestro/internal/pool"
	"github.com/nextlevelbuilder/maestro/internal/session"
	"github.com/nextlevelbuilder/maestro/pkg/protocol"
)

// handleOrchestratorWS is the orchestrator endpoint. The connection is
// also registered as a watcher so it receives agent_session_opened/closed
// notifications. The orchestrator session itself keeps running headlessly
// when the connection drops — only an explicit stop tears it down.
func (s *Server) handleOrchestratorWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(conn)
	s.registerClient(client)
	s.pool.Watch(client)

	var sess *orchestrator.Session
	defer func() {
		s.pool.Unwatch(client)
		s.pool.UnsubscribeOrchestrator(client)
		s.unregisterClient(client)
		s.rateLimiter.Forget(client.id)
		client.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !s.rateLimiter.Allow(client.id) {
			client.SendJSON(protocol.NewError(protocol.ErrRateLimited, "slow down"))
			continue
		}

		var req protocol.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			client.SendJSON(protocol.NewError(protocol.ErrInvalidJSON, ""))
			continue
		}

		switch req.Type {
		case protocol.MsgStart:
			sess = s.handleOrchestratorStart(r.Context(), client, &req, false)

		case protocol.MsgVoiceStart:
			sess = s.handleOrchestratorStart(r.Context(), client, &req, true)

		case protocol.MsgSend:
			if sess == nil {
				client.SendJSON(protocol.NewError(protocol.ErrNotStarted, "Send a 'start' message first"))
				continue
			}
			// The session runs headlessly across disconnects, so the turn
			// must not inherit this connection's cancellation.
			s.handleOrchestratorSend(context.WithoutCancel(r.Context()), sess, req.Text)

		case protocol.MsgVoiceEvent:
			if sess == nil || !sess.IsVoice() {
				client.SendJSON(protocol.NewError(protocol.ErrNotVoiceSession, "No active voice session"))
				continue
			}
			s.handleVoiceEvent(context.WithoutCancel(r.Context()), sess, req.Event)

		case protocol.MsgInterrupt:
			if sess != nil {
				sess.Interrupt()
				s.pool.BroadcastOrchestrator(protocol.NewStatus(string(session.StatusInterrupted)))
			}

		case protocol.MsgStop:
			s.pool.StopOrchestrator()
			sess = nil
			client.SendJSON(map[string]string{"type": protocol.FrameSessionStopped})

		default:
			client.SendJSON(protocol.NewError(protocol.ErrUnknownType, "Unknown message type: "+req.Type))
		}
	}
}

// handleOrchestratorStart starts, resumes, or reconnects to the
// orchestrator session. At most one orchestrator may be registered; a
// reconnect with the matching local id just re-subscribes.
func (s *Server) handleOrchestratorStart(ctx context.Context, client *Client, req *protocol.Request, voice bool) *orchestrator.Session {
	if s.pool.HasOrchestrator() {
		if req.LocalID != "" && s.pool.OrchestratorID() == req.LocalID {
			sess, _ := s.pool.GetOrchestrator().(*orchestrator.Session)
			s.pool.SubscribeOrchestrator(client)
			client.SendJSON(protocol.SessionStarted{
				Type:      protocol.FrameSessionStarted,
				SessionID: req.LocalID,
				Voice:     sess != nil && sess.IsVoice(),
			})
			return sess
		}
		client.SendJSON(protocol.NewError(protocol.ErrOrchestratorActive,
			"An orchestrator session is already active. Stop it first."))
		return nil
	}

	resumeID := req.ResumeSDKID
	sess := orchestrator.NewSession(s.cfg, s.toolCtx, s.registry, resumeID, req.LocalID, voice)

	client.SendJSON(protocol.NewStatus(string(session.StatusConnecting)))
	sessionID, err := sess.Start(ctx)
	if err != nil {
		slog.Error("orchestrator session start failed", "error", err)
		client.SendJSON(protocol.NewError(protocol.ErrStartFailed, err.Error()))
		return nil
	}

	if err := s.pool.SetOrchestrator(sessionID, sess); err != nil {
		if errors.Is(err, pool.ErrOrchestratorActive) {
			client.SendJSON(protocol.NewError(protocol.ErrOrchestratorActive,
				"An orchestrator session is already active. Stop it first."))
		} else {
			client.SendJSON(protocol.NewError(protocol.ErrStartFailed, err.Error()))
		}
		return nil
	}
	s.pool.SubscribeOrchestrator(client)

	started := protocol.SessionStarted{
		Type:      protocol.FrameSessionStarted,
		SessionID: sessionID,
		Voice:     voice,
	}
	if voice {
		started.VoiceSessionUpdate = sess.SessionUpdate()
	}
	client.SendJSON(started)
	return sess
}

// handleOrchestratorSend streams one orchestrator turn to every
// subscriber.
func (s *Server) handleOrchestratorSend(ctx context.Context, sess *orchestrator.Session, text string) {
	events, err := sess.Send(ctx, text)
	if err != nil {
		s.pool.BroadcastOrchestrator(protocol.NewError(protocol.ErrSendFailed, err.Error()))
		return
	}
	s.pool.BroadcastOrchestrator(protocol.NewStatus(string(session.StatusStreaming)))
	for ev := range events {
		s.pool.BroadcastOrchestrator(ev)
	}
	s.pool.BroadcastOrchestrator(protocol.NewStatus(string(session.StatusIdle)))
}

// handleVoiceEvent mirrors one voice-vendor event into the session and
// relays any transport commands back to the subscribers.
func (s *Server) handleVoiceEvent(ctx context.Context, sess *orchestrator.Session, raw json.RawMessage) {
	event := make(map[string]any)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &event); err != nil {
			s.pool.BroadcastOrchestrator(protocol.NewError(protocol.ErrVoiceEventFailed, err.Error()))
			return
		}
	}
	commands, err := sess.ProcessVoiceEvent(ctx, event)
	if err != nil {
		s.pool.BroadcastOrchestrator(protocol.NewError(protocol.ErrVoiceEventFailed, err.Error()))
		return
	}
	for _, cmd := range commands {
		s.pool.BroadcastOrchestrator(protocol.VoiceCommand{Type: protocol.FrameVoiceCommand, Command: cmd})
	}
}
