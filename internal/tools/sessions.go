package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/maestro/internal/session"
	"github.com/nextlevelbuilder/maestro/pkg/protocol"
)

// sendWaitTimeout bounds how long send_to_agent_session waits for a turn.
// On timeout the tool returns an error result; the agent subprocess keeps
// running and the turn finishes in the background. Var so tests can
// tighten it.
var sendWaitTimeout = 300 * time.Second

// RegisterSessionTools adds the pool-control tools. These re-enter the
// pool from inside the orchestrator's own tool tasks, which is safe
// because the orchestrator does not share a per-session send lock with
// the agent sessions it drives.
func RegisterSessionTools(r *Registry) {
	r.Register(&Tool{
		Name: "list_agent_sessions",
		Description: "List all currently active coding-agent sessions with their status. " +
			"Each session has a session_id (use with send_to_agent_session/close_agent_session) " +
			"and a sdk_session_id (use with open_agent_session to resume after closing).",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: listAgentSessions,
	})

	r.Register(&Tool{
		Name: "open_agent_session",
		Description: "Start a new coding-agent session or resume a past one from history. " +
			"To resume, pass its sdk_session_id (from list_agent_sessions or list_history). " +
			"Omit all parameters to start fresh. Returns the session_id to use with " +
			"send_to_agent_session and close_agent_session.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"resume_sdk_id": map[string]any{
					"type": "string",
					"description": "The sdk_session_id of a past session to resume. This is the " +
						"backend session id, NOT the session_id returned by open_agent_session.",
				},
			},
		},
		Handler: openAgentSession,
	})

	r.Register(&Tool{
		Name:        "close_agent_session",
		Description: "Close an active coding-agent session.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "The session ID to close.",
				},
			},
			"required": []string{"session_id"},
		},
		Handler: closeAgentSession,
	})

	r.Register(&Tool{
		Name:        "read_agent_session",
		Description: "Read recent messages from a coding-agent session's history.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "The session ID to read.",
				},
				"max_messages": map[string]any{
					"type":        "integer",
					"description": "Maximum number of messages to return (default: 20).",
				},
			},
			"required": []string{"session_id"},
		},
		Handler: readAgentSession,
	})

	r.Register(&Tool{
		Name: "send_to_agent_session",
		Description: "Send a message to an active coding-agent session and wait for the " +
			"response. Returns the agent's text response with cost and turn count.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "The session ID to send to.",
				},
				"message": map[string]any{
					"type":        "string",
					"description": "The message to send to the agent.",
				},
			},
			"required": []string{"session_id", "message"},
		},
		Handler: sendToAgentSession,
	})

	r.Register(&Tool{
		Name:        "interrupt_agent_session",
		Description: "Interrupt the current response of an active coding-agent session.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "The session ID to interrupt.",
				},
			},
			"required": []string{"session_id"},
		},
		Handler: interruptAgentSession,
	})

	r.Register(&Tool{
		Name:        "list_history",
		Description: "List all past conversation sessions (both regular and orchestrator).",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of sessions to return (default: 20).",
				},
			},
		},
		Handler: listHistory,
	})
}

func listAgentSessions(_ context.Context, tc *Context, _ map[string]any) (string, error) {
	sessions := tc.Pool.ListSessions()
	// Enrich with log-derived title/message count. The store is keyed by
	// the backend id — that is the JSONL filename.
	for i := range sessions {
		sdkID := sessions[i].SDKSessionID
		if sdkID == "" {
			continue
		}
		if info := tc.Store.Info(sdkID); info != nil {
			sessions[i].Title = info.Title
			sessions[i].MessageCount = info.MessageCount
		}
	}
	return jsonResult(map[string]any{"sessions": sessions, "count": len(sessions)}), nil
}

func openAgentSession(ctx context.Context, tc *Context, input map[string]any) (string, error) {
	resumeID := argString(input, "resume_sdk_id")
	localID, err := tc.Pool.Create(ctx, tc.Config, "", resumeID, false)
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return jsonResult(map[string]string{"session_id": localID, "status": "started"}), nil
}

func closeAgentSession(_ context.Context, tc *Context, input map[string]any) (string, error) {
	sessionID := argString(input, "session_id")
	if !tc.Pool.Has(sessionID) {
		return "", fmt.Errorf("no active session with ID %s", sessionID)
	}
	tc.Pool.Close(sessionID)
	return jsonResult(map[string]string{"session_id": sessionID, "status": "closed"}), nil
}

func readAgentSession(_ context.Context, tc *Context, input map[string]any) (string, error) {
	sessionID := argString(input, "session_id")
	max := argInt(input, "max_messages", 20)

	// session_id is the local id; the store is keyed by the backend id.
	logID := sessionID
	if sm := tc.Pool.Get(sessionID); sm != nil && sm.BackendID() != "" {
		logID = sm.BackendID()
	}
	previews := tc.Store.Preview(logID, max)
	if len(previews) == 0 {
		return "", fmt.Errorf("no messages found for session %s", sessionID)
	}

	type msg struct {
		Role      string `json:"role"`
		Text      string `json:"text"`
		Timestamp string `json:"timestamp,omitempty"`
	}
	messages := make([]msg, 0, len(previews))
	for _, p := range previews {
		m := msg{Role: p.Role, Text: p.Text}
		if !p.Timestamp.IsZero() {
			m.Timestamp = p.Timestamp.Format(time.RFC3339)
		}
		messages = append(messages, m)
	}
	return jsonResult(map[string]any{"session_id": sessionID, "messages": messages}), nil
}

func sendToAgentSession(ctx context.Context, tc *Context, input map[string]any) (string, error) {
	sessionID := argString(input, "session_id")
	message := argString(input, "message")
	if !tc.Pool.Has(sessionID) {
		return "", fmt.Errorf("no active session with ID %s", sessionID)
	}

	// pool.Send acquires the target's per-session lock and broadcasts
	// events to that session's own subscribers; the copies relayed here
	// let clients watching the orchestrator see the nested progress.
	events, err := tc.Pool.Send(ctx, sessionID, message, nil)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	var texts []string
	var cost float64
	var turns int
	deadline := time.NewTimer(sendWaitTimeout)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return jsonResult(map[string]any{
					"session_id": sessionID,
					"response":   joinLines(texts),
					"cost":       cost,
					"turns":      turns,
				}), nil
			}
			tc.broadcast(protocol.NestedSessionEvent{
				Type:      protocol.FrameNestedSessionEvent,
				SessionID: sessionID,
				EventType: string(ev.Type),
				EventData: ev,
			})
			switch ev.Type {
			case session.EventTextComplete:
				texts = append(texts, ev.Text)
			case session.EventTurnComplete:
				cost = ev.Cost
				turns = ev.NumTurns
			}

		case <-deadline.C:
			// Keep draining in the background so the pool goroutine can
			// finish the turn and release the session lock.
			go func() {
				for range events {
				}
			}()
			return "", fmt.Errorf("timed out after %s waiting for session %s", sendWaitTimeout, sessionID)

		case <-ctx.Done():
			go func() {
				for range events {
				}
			}()
			return "", ctx.Err()
		}
	}
}

func interruptAgentSession(_ context.Context, tc *Context, input map[string]any) (string, error) {
	sessionID := argString(input, "session_id")
	if !tc.Pool.Has(sessionID) {
		return "", fmt.Errorf("no active session with ID %s", sessionID)
	}
	tc.Pool.Interrupt(sessionID)
	return jsonResult(map[string]string{"session_id": sessionID, "status": "interrupted"}), nil
}

func listHistory(_ context.Context, tc *Context, input map[string]any) (string, error) {
	limit := argInt(input, "limit", 20)
	sessions := tc.Store.List()
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}

	type entry struct {
		SessionID    string `json:"session_id"`
		Title        string `json:"title"`
		MessageCount int    `json:"message_count"`
		LastActivity string `json:"last_activity"`
		Kind         string `json:"kind"`
	}
	out := make([]entry, 0, len(sessions))
	for _, s := range sessions {
		kind := "agent"
		if s.Orchestrator {
			kind = "orchestrator"
		}
		out = append(out, entry{
			SessionID:    s.SessionID,
			Title:        s.Title,
			MessageCount: s.MessageCount,
			LastActivity: s.LastActivity.Format(time.RFC3339),
			Kind:         kind,
		})
	}
	return jsonResult(map[string]any{"sessions": out, "total": len(out)}), nil
}

func joinLines(parts []string) string {
	return strings.Join(parts, "\n")
}
