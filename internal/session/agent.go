package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/maestro/internal/config"
)

// startTimeout bounds how long Start waits for the CLI's init event.
// Var so tests can tighten it.
var startTimeout = 30 * time.Second

var (
	ErrStartTimeout = errors.New("start_timeout")
	ErrStartFailed  = errors.New("start_failed")
	ErrNotStarted   = errors.New("not_started")
)

// Agent wraps one coding-agent CLI subprocess speaking the stream-json
// stdio protocol. It is keyed by a stable local id; the CLI's own session
// id (the backend id) is stored as an attribute once the subprocess
// reports it and is used only for resume and JSONL lookups.
//
// At most one Send may be in flight at a time — the pool's per-session
// mutex enforces this; Agent itself only rejects violations.
type Agent struct {
	cfg      *config.Config
	localID  string
	resumeID string
	fork     bool

	mu      sync.Mutex
	stdinMu sync.Mutex // serializes stdin writes

	backendID string
	status    Status
	cost      float64
	turns     int

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	cancel  context.CancelFunc
	started bool
	ready   chan struct{} // closed by readLoop on the init event

	turn chan Event // current turn's event stream, nil when idle
}

// NewAgent creates an agent session. resumeID, when non-empty, instructs
// the subprocess to resume that backend log.
func NewAgent(cfg *config.Config, localID, resumeID string, fork bool) *Agent {
	if localID == "" {
		localID = uuid.NewString()
	}
	return &Agent{
		cfg:       cfg,
		localID:   localID,
		resumeID:  resumeID,
		backendID: resumeID,
		fork:      fork,
		status:    StatusDisconnected,
		ready:     make(chan struct{}),
	}
}

func (a *Agent) LocalID() string { return a.localID }

func (a *Agent) BackendID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backendID
}

func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Agent) Cost() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cost
}

func (a *Agent) Turns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turns
}

// Healthy reports whether the session can accept work.
func (a *Agent) Healthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started && a.status != StatusDisconnected
}

// Snapshot returns the session's live state for listings and prompts.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		SessionID:    a.localID,
		SDKSessionID: a.backendID,
		Status:       a.status,
		Cost:         a.cost,
		Turns:        a.turns,
	}
}

// Start spawns the subprocess and waits for its init status event.
// Returns the stable local id.
func (a *Agent) Start(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return a.localID, nil
	}
	a.status = StatusConnecting
	a.mu.Unlock()

	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
	}
	if a.cfg.Agent.PermissionMode != "" {
		args = append(args, "--permission-mode", a.cfg.Agent.PermissionMode)
	}
	if a.cfg.Agent.Model != "" {
		args = append(args, "--model", a.cfg.Agent.Model)
	}
	if a.cfg.Agent.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", a.cfg.Agent.MaxTurns))
	}
	if a.resumeID != "" {
		args = append(args, "--resume", a.resumeID)
		if a.fork {
			args = append(args, "--fork-session")
		}
	}

	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, a.cfg.Agent.Command, args...)
	cmd.Dir = a.cfg.Agent.ProjectDir
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "CLAUDE_CONFIG_DIR="+config.ClaudeConfigDir())

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		a.setStatus(StatusDisconnected)
		return "", fmt.Errorf("%w: stdin pipe: %v", ErrStartFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		a.setStatus(StatusDisconnected)
		return "", fmt.Errorf("%w: stdout pipe: %v", ErrStartFailed, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		a.setStatus(StatusDisconnected)
		return "", fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	a.mu.Lock()
	a.cmd = cmd
	a.stdin = stdin
	a.cancel = cancel
	a.started = true
	a.mu.Unlock()

	go a.readLoop(stdout, cmd)

	select {
	case <-a.ready:
		a.setStatus(StatusIdle)
		return a.localID, nil
	case <-time.After(startTimeout):
		a.shutdown()
		return "", ErrStartTimeout
	case <-ctx.Done():
		a.shutdown()
		return "", fmt.Errorf("%w: %v", ErrStartFailed, ctx.Err())
	}
}

// Send enqueues a prompt and returns the turn's event stream. The channel
// is closed after the TurnComplete (or a terminal Error) event.
func (a *Agent) Send(ctx context.Context, text string) (<-chan Event, error) {
	return a.enqueue(ctx, text)
}

// Command sends a slash command; the subprocess interprets it as a control
// command but the event stream is identical to Send.
func (a *Agent) Command(ctx context.Context, slash string) (<-chan Event, error) {
	return a.enqueue(ctx, slash)
}

func (a *Agent) enqueue(_ context.Context, text string) (<-chan Event, error) {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil, ErrNotStarted
	}
	if a.turn != nil {
		a.mu.Unlock()
		return nil, errors.New("send already in flight")
	}
	turn := make(chan Event, 256)
	a.turn = turn
	a.status = StatusStreaming
	backendID := a.backendID
	a.mu.Unlock()

	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
		},
	}
	if backendID != "" {
		msg["session_id"] = backendID
	}

	if err := a.writeStdin(msg); err != nil {
		a.mu.Lock()
		a.turn = nil
		a.status = StatusIdle
		a.mu.Unlock()
		return nil, fmt.Errorf("send: %w", err)
	}
	return turn, nil
}

// Interrupt signals the subprocess to stop the current response. Safe to
// call at any time; a no-op when nothing is streaming.
func (a *Agent) Interrupt() {
	a.mu.Lock()
	active := a.turn != nil
	if active {
		a.status = StatusInterrupted
	}
	a.mu.Unlock()
	if !active {
		return
	}
	req := map[string]any{
		"type":       "control_request",
		"request_id": uuid.NewString(),
		"request":    map[string]any{"subtype": "interrupt"},
	}
	if err := a.writeStdin(req); err != nil {
		slog.Warn("agent interrupt failed", "session", a.localID, "error", err)
	}
}

// Stop releases the subprocess handle. It must be driven by the owner of
// the session, never from the pool's close path — the pool only removes
// the session from routing and the subprocess exits when stdin closes.
func (a *Agent) Stop() {
	a.shutdown()
}

func (a *Agent) shutdown() {
	a.mu.Lock()
	stdin := a.stdin
	cancel := a.cancel
	a.stdin = nil
	a.cancel = nil
	a.started = false
	a.status = StatusDisconnected
	a.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if cancel != nil {
		cancel()
	}
}

func (a *Agent) setStatus(s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

func (a *Agent) writeStdin(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	a.stdinMu.Lock()
	defer a.stdinMu.Unlock()

	a.mu.Lock()
	stdin := a.stdin
	a.mu.Unlock()
	if stdin == nil {
		return errors.New("process not running")
	}
	_, err = stdin.Write(append(data, '\n'))
	return err
}
