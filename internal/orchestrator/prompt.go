package orchestrator

import (
	"fmt"
	"os"
	"strings"

	"github.com/nextlevelbuilder/maestro/internal/config"
	"github.com/nextlevelbuilder/maestro/internal/tools"
)

// Size caps for content injected into the system prompt.
const (
	maxMemoryChars      = 12000
	maxMemoryIndexChars = 20000
)

const roleSection = `You are an orchestrator agent that coordinates multiple coding-agent instances.

You can open, monitor, and communicate with coding-agent sessions to accomplish complex tasks.
You have access to the project's conversation history and memory via search tools, and can read/write files in the project directory.

## UI Context

The user interacts with you through a multi-tab web interface. Each agent session you open appears as a tab in their browser — the user may say "tab" to refer to an open agent session. Opening a session creates a new tab; closing one removes that tab.

## Your Responsibilities

- Understand user requests and break them into tasks for agent sessions
- Open coding-agent sessions and delegate work to them
- Monitor their progress and collect results
- Coordinate multi-step workflows across sessions
- Maintain persistent memory for cross-session context`

const guidelinesSection = `## Operational Guidelines

- Prefer resuming an existing session over opening a new one when the work continues a prior task.
- send_to_agent_session blocks until the agent finishes its turn; keep delegated prompts focused.
- Search memory before asking the user for context you may already have.
- Record durable decisions and cross-session context in memory files via write_file.`

// BuildSystemPrompt assembles the orchestrator system prompt. The template
// is sectioned and every dynamic part is size-capped so a runaway memory
// file cannot crowd out the conversation.
func BuildSystemPrompt(cfg *config.Config, tc *tools.Context, summary string) string {
	var sections []string
	sections = append(sections, roleSection)
	sections = append(sections, activeSessionsSection(tc))

	if index := readCapped(cfg.MemoryIndexPath(), maxMemoryIndexChars); index != "" {
		sections = append(sections, "## Memory Index (MEMORY.md)\n\n"+index)
	}
	if memory := readCapped(cfg.OrchestratorMemoryPath(), maxMemoryChars); memory != "" {
		sections = append(sections, "## Your Private Memory\n\n"+memory)
	}

	sections = append(sections, guidelinesSection)

	if summary != "" {
		sections = append(sections, "## Earlier Conversation\n\nThis conversation was resumed; the earlier portion is summarized below.\n\n"+summary)
	}

	return strings.Join(sections, "\n\n")
}

func activeSessionsSection(tc *tools.Context) string {
	if tc == nil || tc.Pool == nil {
		return "## Active Agent Sessions\nNo agent sessions are currently active."
	}
	sessions := tc.Pool.ListSessions()
	if len(sessions) == 0 {
		return "## Active Agent Sessions\nNo agent sessions are currently active."
	}
	lines := []string{"## Active Agent Sessions"}
	for _, s := range sessions {
		lines = append(lines, fmt.Sprintf("- `%s`: status=%s, turns=%d, cost=$%.4f",
			s.SessionID, s.Status, s.Turns, s.Cost))
	}
	return strings.Join(lines, "\n")
}

func readCapped(path string, max int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	content := string(data)
	if len(content) > max {
		content = content[:max] + "\n... (truncated)"
	}
	return content
}
