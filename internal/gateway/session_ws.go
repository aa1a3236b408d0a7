package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/maestro/internal/session"
	"github.com/nextlevelbuilder/maestro/pkg/protocol"
)

// handleSessionWS is the agent-session endpoint. A connection may start
// or attach to one pooled session at a time; stop unsubscribes but leaves
// the session live for other tabs.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(conn)
	s.registerClient(client)

	var sessionID string
	defer func() {
		if sessionID != "" {
			s.pool.Unsubscribe(sessionID, client)
		}
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
			if id, ok := s.handleSessionStart(r.Context(), client, &req); ok {
				if sessionID != "" && sessionID != id {
					s.pool.Unsubscribe(sessionID, client)
				}
				sessionID = id
			}

		case protocol.MsgSend, protocol.MsgCommand:
			if sessionID == "" {
				client.SendJSON(protocol.NewError(protocol.ErrNotStarted, "Send a 'start' message first"))
				continue
			}
			s.handleSessionSend(r.Context(), client, sessionID, req.Text, req.Type == protocol.MsgCommand)

		case protocol.MsgInterrupt:
			if sessionID != "" {
				s.pool.Interrupt(sessionID)
				client.SendJSON(protocol.NewStatus(string(session.StatusInterrupted)))
			}

		case protocol.MsgStop:
			if sessionID != "" {
				s.pool.Unsubscribe(sessionID, client)
				sessionID = ""
			}
			client.SendJSON(map[string]string{"type": protocol.FrameSessionStopped})

		default:
			client.SendJSON(protocol.NewError(protocol.ErrUnknownType, "Unknown message type: "+req.Type))
		}
	}
}

// handleSessionStart attaches to a live session or creates one via the
// pool. Returns the session id and whether the client is now subscribed.
func (s *Server) handleSessionStart(ctx context.Context, client *Client, req *protocol.Request) (string, bool) {
	// Attach: the stable local id already lives in the pool.
	if req.LocalID != "" && s.pool.Has(req.LocalID) {
		s.pool.Subscribe(req.LocalID, client)
		client.SendJSON(protocol.SessionStarted{Type: protocol.FrameSessionStarted, SessionID: req.LocalID})
		return req.LocalID, true
	}

	client.SendJSON(protocol.NewStatus(string(session.StatusConnecting)))

	localID, err := s.pool.Create(ctx, s.cfg, req.LocalID, req.ResumeSDKID, req.Fork)
	if err != nil {
		kind := protocol.ErrStartFailed
		if errors.Is(err, session.ErrStartTimeout) {
			kind = protocol.ErrStartTimeout
		}
		slog.Warn("session start failed", "error", err)
		client.SendJSON(protocol.NewError(kind, err.Error()))
		return "", false
	}

	s.pool.Subscribe(localID, client)
	client.SendJSON(protocol.SessionStarted{Type: protocol.FrameSessionStarted, SessionID: localID})
	return localID, true
}

// handleSessionSend drives one prompt through the pool. Broadcast to
// subscribers happens inside the pool; this just blocks until the turn
// finishes so frames from consecutive sends on this connection stay
// ordered.
func (s *Server) handleSessionSend(ctx context.Context, client *Client, sessionID, text string, command bool) {
	var events <-chan session.Event
	var err error
	if command {
		events, err = s.pool.Command(ctx, sessionID, text, client)
	} else {
		events, err = s.pool.Send(ctx, sessionID, text, client)
	}
	if err != nil {
		kind := protocol.ErrSendFailed
		if command {
			kind = protocol.ErrCommandFailed
		}
		client.SendJSON(protocol.NewError(kind, err.Error()))
		return
	}
	for range events {
		// The pool already broadcast each event to every subscriber,
		// this client included.
	}
}
