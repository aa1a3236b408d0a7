// Package pool owns all live sessions: the pooled coding-agent sessions,
// the single orchestrator session, per-session send locks, subscriber
// sets, and the watcher set. Everything here is safe for concurrent use.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/maestro/internal/config"
	"github.com/nextlevelbuilder/maestro/internal/session"
	"github.com/nextlevelbuilder/maestro/pkg/protocol"
)

// Subscriber receives serialized event payloads for one session. A send
// that returns an error marks the subscriber dead; it is dropped from the
// set after the current broadcast and never blocks other subscribers.
type Subscriber interface {
	Send(payload []byte) error
}

// Orchestrator is the pool's view of the registered orchestrator session.
type Orchestrator interface {
	Interrupt()
	Stop()
	IsVoice() bool
}

var ErrOrchestratorActive = errors.New("orchestrator_active")

// Pool is the shared registry of sessions with per-session locking and
// event broadcast. Sessions are keyed by a stable local id that never
// changes; the backend id is a stored attribute used only for resume and
// log lookups.
type Pool struct {
	mu          sync.Mutex
	sessions    map[string]*session.Agent
	subscribers map[string]map[Subscriber]struct{}
	locks       map[string]*sync.Mutex
	watchers    map[Subscriber]struct{}

	orch     Orchestrator
	orchID   string
	orchSubs map[Subscriber]struct{}
}

func New() *Pool {
	return &Pool{
		sessions:    make(map[string]*session.Agent),
		subscribers: make(map[string]map[Subscriber]struct{}),
		locks:       make(map[string]*sync.Mutex),
		watchers:    make(map[Subscriber]struct{}),
		orchSubs:    make(map[Subscriber]struct{}),
	}
}

// ----------------------------------------------------------------------
// Session lifecycle
// ----------------------------------------------------------------------

// Create constructs, starts, and registers an agent session, returning its
// stable local id. When resumeBackendID matches a live healthy session the
// existing local id is returned and nothing new is created or announced.
func (p *Pool) Create(ctx context.Context, cfg *config.Config, localID, resumeBackendID string, fork bool) (string, error) {
	if resumeBackendID != "" {
		p.mu.Lock()
		for lid, sm := range p.sessions {
			if sm.BackendID() == resumeBackendID && sm.Healthy() {
				p.mu.Unlock()
				return lid, nil
			}
		}
		p.mu.Unlock()
	}

	if localID == "" {
		localID = uuid.NewString()
	}
	sm := session.NewAgent(cfg, localID, resumeBackendID, fork)
	if _, err := sm.Start(ctx); err != nil {
		return "", err
	}

	p.mu.Lock()
	p.sessions[localID] = sm
	p.subscribers[localID] = make(map[Subscriber]struct{})
	p.locks[localID] = &sync.Mutex{}
	p.mu.Unlock()

	// Announce immediately — the local id is stable from creation. The
	// backend id rides along when already known so clients can load
	// history for resumed sessions.
	p.notifyWatchers(protocol.SessionNotice{
		Type:         protocol.FrameAgentSessionOpened,
		SessionID:    localID,
		SDKSessionID: sm.BackendID(),
	})
	return localID, nil
}

// Close removes a session from the pool and notifies subscribers and
// watchers. It does not drive subprocess shutdown: the session's handle
// belongs to its creator, and the subprocess exits when the handle is
// released. The session stops receiving work the moment it leaves the map.
func (p *Pool) Close(sessionID string) {
	p.mu.Lock()
	_, ok := p.sessions[sessionID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, sessionID)
	p.mu.Unlock()

	// Notify while subscribers/watchers are still registered.
	p.broadcast(sessionID, map[string]string{"type": protocol.FrameSessionStopped}, nil)
	p.notifyWatchers(protocol.SessionNotice{
		Type:      protocol.FrameAgentSessionClosed,
		SessionID: sessionID,
	})

	p.mu.Lock()
	delete(p.subscribers, sessionID)
	delete(p.locks, sessionID)
	p.mu.Unlock()
}

// Interrupt forwards to the session; unknown ids are ignored.
func (p *Pool) Interrupt(sessionID string) {
	if sm := p.Get(sessionID); sm != nil {
		sm.Interrupt()
	}
}

// Get returns a session by local id, or nil.
func (p *Pool) Get(sessionID string) *session.Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[sessionID]
}

// Has reports whether a session exists in the pool.
func (p *Pool) Has(sessionID string) bool {
	return p.Get(sessionID) != nil
}

// ListSessions returns a snapshot of all live sessions.
func (p *Pool) ListSessions() []session.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]session.Snapshot, 0, len(p.sessions))
	for _, sm := range p.sessions {
		out = append(out, sm.Snapshot())
	}
	return out
}

// StopAll drives graceful shutdown of every pooled session at process
// exit. This is the one place outside the creator that stops subprocesses.
func (p *Pool) StopAll() {
	p.mu.Lock()
	sessions := make([]*session.Agent, 0, len(p.sessions))
	for _, sm := range p.sessions {
		sessions = append(sessions, sm)
	}
	p.sessions = make(map[string]*session.Agent)
	p.mu.Unlock()

	for _, sm := range sessions {
		sm.Stop()
	}
}

// ----------------------------------------------------------------------
// Subscribers and watchers
// ----------------------------------------------------------------------

// Subscribe registers a subscriber for session events. Safe when the
// session is unknown.
func (p *Pool) Subscribe(sessionID string, sub Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if subs, ok := p.subscribers[sessionID]; ok {
		subs[sub] = struct{}{}
	}
}

// Unsubscribe removes a subscriber. Safe when unknown.
func (p *Pool) Unsubscribe(sessionID string, sub Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if subs, ok := p.subscribers[sessionID]; ok {
		delete(subs, sub)
	}
}

// SubscriberCount returns the number of live subscribers for a session.
func (p *Pool) SubscriberCount(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers[sessionID])
}

// Watch registers a subscriber for session open/close notifications.
func (p *Pool) Watch(sub Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watchers[sub] = struct{}{}
}

// Unwatch removes a watcher.
func (p *Pool) Unwatch(sub Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.watchers, sub)
}

// ----------------------------------------------------------------------
// Sending (per-session lock + broadcast)
// ----------------------------------------------------------------------

// Send drives one prompt through a session under its per-session mutex,
// broadcasting every produced event to all subscribers and yielding the
// raw events on the returned channel. Concurrent sends to the same session
// queue in arrival order; sends to different sessions do not contend.
//
// When source is non-nil, a user_message frame is broadcast to the OTHER
// subscribers first — the source already knows what it sent.
func (p *Pool) Send(ctx context.Context, sessionID, text string, source Subscriber) (<-chan session.Event, error) {
	return p.drive(ctx, sessionID, text, source, false)
}

// Command is Send for slash commands.
func (p *Pool) Command(ctx context.Context, sessionID, text string, source Subscriber) (<-chan session.Event, error) {
	return p.drive(ctx, sessionID, text, source, true)
}

func (p *Pool) drive(ctx context.Context, sessionID, text string, source Subscriber, command bool) (<-chan session.Event, error) {
	p.mu.Lock()
	sm := p.sessions[sessionID]
	lock := p.locks[sessionID]
	p.mu.Unlock()
	if sm == nil || lock == nil {
		return nil, fmt.Errorf("no session with ID %s", sessionID)
	}

	out := make(chan session.Event, 64)
	go func() {
		defer close(out)

		lock.Lock()
		defer lock.Unlock()

		p.broadcast(sessionID, protocol.UserMessage{Type: protocol.FrameUserMessage, Text: text}, source)

		var events <-chan session.Event
		var err error
		if command {
			events, err = sm.Command(ctx, text)
		} else {
			events, err = sm.Send(ctx, text)
		}
		if err != nil {
			kind := protocol.ErrSendFailed
			if command {
				kind = protocol.ErrCommandFailed
			}
			if errors.Is(err, session.ErrNotStarted) {
				kind = protocol.ErrNotStarted
			}
			ev := session.ErrorEvent(kind, err.Error())
			p.broadcast(sessionID, ev, nil)
			out <- ev
			return
		}

		for ev := range events {
			p.broadcast(sessionID, ev, nil)
			select {
			case out <- ev:
			case <-ctx.Done():
				// Caller went away; keep draining so the turn finishes and
				// subscribers still receive everything.
			}
		}
	}()
	return out, nil
}

// ----------------------------------------------------------------------
// Orchestrator slot
// ----------------------------------------------------------------------

// SetOrchestrator registers the single orchestrator session. A second
// registration is refused.
func (p *Pool) SetOrchestrator(id string, orch Orchestrator) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.orch != nil {
		return ErrOrchestratorActive
	}
	p.orch = orch
	p.orchID = id
	return nil
}

// GetOrchestrator returns the registered orchestrator, or nil.
func (p *Pool) GetOrchestrator() Orchestrator {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.orch
}

// HasOrchestrator reports whether an orchestrator is registered.
func (p *Pool) HasOrchestrator() bool {
	return p.GetOrchestrator() != nil
}

// OrchestratorID returns the registered orchestrator's local id.
func (p *Pool) OrchestratorID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.orchID
}

// SubscribeOrchestrator adds a subscriber for orchestrator events.
func (p *Pool) SubscribeOrchestrator(sub Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orchSubs[sub] = struct{}{}
}

// UnsubscribeOrchestrator removes an orchestrator subscriber.
func (p *Pool) UnsubscribeOrchestrator(sub Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.orchSubs, sub)
}

// BroadcastOrchestrator sends a payload to every orchestrator subscriber.
func (p *Pool) BroadcastOrchestrator(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("pool: marshal orchestrator broadcast failed", "error", err)
		return
	}
	p.mu.Lock()
	subs := make([]Subscriber, 0, len(p.orchSubs))
	for sub := range p.orchSubs {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	var dead []Subscriber
	for _, sub := range subs {
		if err := sub.Send(data); err != nil {
			dead = append(dead, sub)
		}
	}
	if len(dead) > 0 {
		p.mu.Lock()
		for _, sub := range dead {
			delete(p.orchSubs, sub)
		}
		p.mu.Unlock()
	}
}

// StopOrchestrator interrupts and unregisters the orchestrator session.
func (p *Pool) StopOrchestrator() {
	p.mu.Lock()
	orch := p.orch
	p.orch = nil
	p.orchID = ""
	p.mu.Unlock()
	if orch != nil {
		orch.Stop()
	}
}

// ----------------------------------------------------------------------
// Broadcast internals
// ----------------------------------------------------------------------

// broadcast serializes a payload once and sends it to every subscriber of
// the session except exclude. Subscribers whose send fails are dropped
// after the iteration; a failing endpoint never blocks the others.
func (p *Pool) broadcast(sessionID string, payload any, exclude Subscriber) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("pool: marshal broadcast failed", "session", sessionID, "error", err)
		return
	}

	p.mu.Lock()
	set := p.subscribers[sessionID]
	subs := make([]Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	var dead []Subscriber
	for _, sub := range subs {
		if sub == exclude {
			continue
		}
		if err := sub.Send(data); err != nil {
			dead = append(dead, sub)
		}
	}
	if len(dead) > 0 {
		p.mu.Lock()
		if set, ok := p.subscribers[sessionID]; ok {
			for _, sub := range dead {
				delete(set, sub)
			}
		}
		p.mu.Unlock()
	}
}

func (p *Pool) notifyWatchers(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	p.mu.Lock()
	watchers := make([]Subscriber, 0, len(p.watchers))
	for w := range p.watchers {
		watchers = append(watchers, w)
	}
	p.mu.Unlock()

	var dead []Subscriber
	for _, w := range watchers {
		if err := w.Send(data); err != nil {
			dead = append(dead, w)
		}
	}
	if len(dead) > 0 {
		p.mu.Lock()
		for _, w := range dead {
			delete(p.watchers, w)
		}
		p.mu.Unlock()
	}
}
