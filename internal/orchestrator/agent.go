package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/maestro/internal/config"
	"github.com/nextlevelbuilder/maestro/internal/session"
	"github.com/nextlevelbuilder/maestro/internal/tools"
)

// maxToolLoops caps model→tools round trips per user turn.
const maxToolLoops = 20

// Vars so tests can tighten the schedule.
var (
	// heartbeatInterval paces ToolProgress events while tools run.
	heartbeatInterval = 5 * time.Second

	// executorPollInterval is the slice between interrupt-flag checks
	// while waiting on tool results.
	executorPollInterval = 500 * time.Millisecond
)

// Agent is the tool-calling loop over a ModelProvider. One Run is in
// flight at a time (the owning session serializes sends); Interrupt may be
// called from any goroutine.
type Agent struct {
	cfg      *config.Config
	registry *tools.Registry
	provider ModelProvider
	tc       *tools.Context

	mu      sync.Mutex
	history []session.HistoryMessage
	summary string // earlier-conversation digest, voice resume only

	interrupted atomic.Bool
	tracer      trace.Tracer
}

func NewAgent(cfg *config.Config, registry *tools.Registry, provider ModelProvider, tc *tools.Context) *Agent {
	return &Agent{
		cfg:      cfg,
		registry: registry,
		provider: provider,
		tc:       tc,
		tracer:   otel.Tracer("maestro/orchestrator"),
	}
}

// History returns a copy of the conversation history.
func (a *Agent) History() []session.HistoryMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]session.HistoryMessage, len(a.history))
	copy(out, a.history)
	return out
}

// SetHistory replaces the conversation history (resume).
func (a *Agent) SetHistory(history []session.HistoryMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = history
}

// SetSummary injects the earlier-conversation digest into the system
// prompt (voice resume).
func (a *Agent) SetSummary(summary string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summary = summary
}

// AppendHistory adds a message to the conversation history. Voice mode
// uses this to keep history in step with externally executed turns.
func (a *Agent) AppendHistory(msg session.HistoryMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, msg)
}

// Interrupt requests the current run to stop. The flag is checked between
// provider events and between executor polls; pending tool tasks are
// cancelled.
func (a *Agent) Interrupt() {
	a.interrupted.Store(true)
}

// Run drives one user turn through the agent loop, yielding events as the
// model streams and tools execute. The channel closes after TurnComplete
// or a terminal Error event.
func (a *Agent) Run(ctx context.Context, prompt string) <-chan session.Event {
	out := make(chan session.Event, 64)
	go func() {
		defer close(out)
		a.run(ctx, prompt, out)
	}()
	return out
}

func (a *Agent) run(ctx context.Context, prompt string, out chan<- session.Event) {
	a.interrupted.Store(false)

	a.mu.Lock()
	a.history = append(a.history, session.HistoryMessage{Role: "user", Content: prompt})
	summary := a.summary
	a.mu.Unlock()

	defs := a.registry.Definitions()
	var totalUsage session.Usage

	for loop := 0; loop < maxToolLoops; loop++ {
		if a.interrupted.Load() {
			out <- session.ErrorEvent("interrupted", "agent was interrupted")
			return
		}

		system := BuildSystemPrompt(a.cfg, a.tc, summary)

		// Per-iteration cancel so an interrupt mid-stream tears the
		// provider request down instead of abandoning it.
		callCtx, cancelCall := context.WithCancel(ctx)

		var assistantBlocks []session.ContentBlock
		var toolCalls []session.Event

		llmStart := time.Now()
		_, llmSpan := a.tracer.Start(ctx, "llm.create_message",
			trace.WithAttributes(
				attribute.Int("iteration", loop+1),
				attribute.Int("messages", len(a.History())),
			))

		interrupted := false
		for ev := range a.provider.CreateMessage(callCtx, a.History(), defs, system) {
			if a.interrupted.Load() {
				interrupted = true
				break
			}
			switch ev.Type {
			case session.EventTextDelta:
				out <- ev

			case session.EventTextComplete:
				assistantBlocks = append(assistantBlocks, session.ContentBlock{Type: "text", Text: ev.Text})
				out <- ev

			case session.EventToolUse:
				toolCalls = append(toolCalls, ev)
				assistantBlocks = append(assistantBlocks, session.ContentBlock{
					Type:  "tool_use",
					ID:    ev.ToolUseID,
					Name:  ev.ToolName,
					Input: ev.ToolInput,
				})
				out <- ev

			case session.EventTurnComplete:
				if ev.Usage != nil {
					totalUsage.Add(*ev.Usage)
				}

			case session.EventError:
				llmSpan.SetStatus(codes.Error, ev.Detail)
				llmSpan.End()
				cancelCall()
				out <- ev
				return
			}
		}
		cancelCall()
		llmSpan.SetAttributes(
			attribute.Int("tool_calls", len(toolCalls)),
			attribute.Float64("duration_seconds", time.Since(llmStart).Seconds()),
		)
		llmSpan.End()

		if interrupted {
			out <- session.ErrorEvent("interrupted", "agent was interrupted")
			return
		}

		if len(assistantBlocks) > 0 {
			a.AppendHistory(session.HistoryMessage{Role: "assistant", Content: assistantBlocks})
		}

		if len(toolCalls) == 0 {
			break
		}

		results, ok := a.executeTools(ctx, toolCalls, out)
		if !ok {
			out <- session.ErrorEvent("interrupted", "agent was interrupted during tool execution")
			return
		}

		// Tool results are appended in the original call order even though
		// the tasks ran concurrently.
		resultBlocks := make([]session.ContentBlock, 0, len(toolCalls))
		for _, call := range toolCalls {
			res := results[call.ToolUseID]
			resultBlocks = append(resultBlocks, session.ContentBlock{
				Type:      "tool_result",
				ToolUseID: call.ToolUseID,
				Content:   res.Output,
				IsError:   res.IsError,
			})
		}
		a.AppendHistory(session.HistoryMessage{Role: "user", Content: resultBlocks})
	}

	out <- session.Event{Type: session.EventTurnComplete, Usage: &totalUsage}
}

// executeTools runs a tool wave with the non-blocking streaming executor:
// every call gets its own task, a shared heartbeat emits ToolProgress for
// pending calls every heartbeatInterval, and the wait loop re-checks the
// interrupt flag every executorPollInterval. Returns results keyed by call
// id, or ok=false when interrupted (pending tasks cancelled).
func (a *Agent) executeTools(ctx context.Context, calls []session.Event, out chan<- session.Event) (map[string]session.Event, bool) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so tool tasks can always finish their writes, even when
	// the executor returns early on interrupt.
	events := make(chan session.Event, 2*len(calls)+4)
	started := time.Now()

	for _, call := range calls {
		go func(call session.Event) {
			events <- session.ToolExecuting(call.ToolUseID, call.ToolName)

			_, span := a.tracer.Start(execCtx, "tool.execute",
				trace.WithAttributes(attribute.String("tool", call.ToolName)))
			result := a.registry.Execute(execCtx, call.ToolName, call.ToolInput, a.tc)
			span.End()

			if execCtx.Err() != nil {
				events <- session.ToolResult(call.ToolUseID, `{"error": "cancelled"}`, true)
				return
			}
			events <- session.ToolResult(call.ToolUseID, result, tools.IsErrorResult(result))
		}(call)
	}

	results := make(map[string]session.Event, len(calls))
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(executorPollInterval)
	defer poll.Stop()

	for len(results) < len(calls) {
		select {
		case ev := <-events:
			out <- ev
			if ev.Type == session.EventToolResult {
				results[ev.ToolUseID] = ev
			}

		case <-heartbeat.C:
			elapsed := time.Since(started).Seconds()
			for _, call := range calls {
				if _, done := results[call.ToolUseID]; done {
					continue
				}
				out <- session.ToolProgress(call.ToolUseID, call.ToolName, elapsed,
					fmt.Sprintf("%s running for %.0fs", call.ToolName, elapsed))
			}

		case <-poll.C:
			if a.interrupted.Load() {
				cancel()
				slog.Info("tool wave cancelled on interrupt", "pending", len(calls)-len(results))
				return nil, false
			}
		}
	}
	return results, true
}
