package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Config is the root configuration for the maestro gateway.
type Config struct {
	Gateway      GatewayConfig      `json:"gateway"`
	Agent        AgentConfig        `json:"agent"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Search       SearchConfig       `json:"search"`
	Indexer      IndexerConfig      `json:"indexer"`
	Telemetry    TelemetryConfig    `json:"telemetry,omitempty"`
}

// GatewayConfig configures the HTTP/WebSocket server.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"` // 0 = disabled
}

// AgentConfig configures pooled coding-agent sessions. The command is the
// coding-agent CLI spoken to over the stream-json stdio protocol.
type AgentConfig struct {
	Command        string  `json:"command"`
	ProjectDir     string  `json:"project_dir"`
	Model          string  `json:"model,omitempty"`
	PermissionMode string  `json:"permission_mode,omitempty"`
	MaxBudgetUSD   float64 `json:"max_budget_usd,omitempty"`
	MaxTurns       int     `json:"max_turns,omitempty"`
}

// OrchestratorConfig configures the privileged orchestrator session.
// The API key comes from env only (ANTHROPIC_API_KEY), never from file.
type OrchestratorConfig struct {
	Model        string `json:"model"`
	SummaryModel string `json:"summary_model"` // fast model for voice-resume digests
	MaxTokens    int    `json:"max_tokens"`
	VoiceModel   string `json:"voice_model"`
	VoiceName    string `json:"voice_name"`
	MemoryPath   string `json:"memory_path,omitempty"` // default: <memory dir>/ORCHESTRATOR_MEMORY.md
	APIKey       string `json:"-"`
	BaseURL      string `json:"base_url,omitempty"`
}

// SearchConfig configures the external semantic search subprocess.
type SearchConfig struct {
	Command        string `json:"command"` // e.g. "search"
	ReindexCommand string `json:"reindex_command,omitempty"`
	IndexDir       string `json:"index_dir,omitempty"`
}

// IndexerConfig configures the background reindexers.
type IndexerConfig struct {
	HistorySchedule string `json:"history_schedule,omitempty"` // cron expression
	DebounceMS      int    `json:"debounce_ms,omitempty"`
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"` // host:port, empty = disabled
	ServiceName  string `json:"service_name,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18890,
			RateLimitRPM: 0,
		},
		Agent: AgentConfig{
			Command:        "claude",
			ProjectDir:     ".",
			PermissionMode: "default",
		},
		Orchestrator: OrchestratorConfig{
			Model:        "claude-sonnet-4-5-20250929",
			SummaryModel: "claude-haiku-4-5-20251001",
			MaxTokens:    8192,
			VoiceModel:   "gpt-realtime",
			VoiceName:    "cedar",
		},
		Search: SearchConfig{
			Command: "search",
		},
		Indexer: IndexerConfig{
			HistorySchedule: "*/2 * * * *",
			DebounceMS:      1000,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "maestro",
		},
	}
}

// SessionsDir returns the directory holding session JSONL logs.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Agent.ProjectDir, "context")
}

// MemoryDir returns the shared memory directory.
func (c *Config) MemoryDir() string {
	return filepath.Join(c.SessionsDir(), "memory")
}

// MemoryIndexPath returns the path of the shared MEMORY.md index file.
func (c *Config) MemoryIndexPath() string {
	return filepath.Join(c.MemoryDir(), "MEMORY.md")
}

// OrchestratorMemoryPath returns the orchestrator's private memory file.
func (c *Config) OrchestratorMemoryPath() string {
	if c.Orchestrator.MemoryPath != "" {
		return c.Orchestrator.MemoryPath
	}
	return filepath.Join(c.MemoryDir(), "ORCHESTRATOR_MEMORY.md")
}

// TitlesPath returns the sidecar file mapping session ids to custom titles.
func (c *Config) TitlesPath() string {
	return filepath.Join(c.SessionsDir(), ".titles.json")
}

// ClaudeConfigDir resolves the coding-agent configuration directory:
// CLAUDE_CONFIG_DIR when set, else ~/.claude.
func ClaudeConfigDir() string {
	if dir := os.Getenv("CLAUDE_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude"
	}
	return filepath.Join(home, ".claude")
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
