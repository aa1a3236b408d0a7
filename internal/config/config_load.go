package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads a JSON5 config file, overlays environment variables, and
// applies defaults. A missing file is not an error — defaults plus env
// apply. Secrets are read from env only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("MAESTRO_CONFIG")
	}
	if path == "" {
		path = "config.json"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults + env only
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnv(cfg)

	cfg.Agent.ProjectDir = expandHome(cfg.Agent.ProjectDir)
	if abs, err := filepath.Abs(cfg.Agent.ProjectDir); err == nil {
		cfg.Agent.ProjectDir = abs
	}
	if cfg.Search.IndexDir == "" {
		cfg.Search.IndexDir = filepath.Join(cfg.Agent.ProjectDir, "index", "chroma")
	}

	return cfg, nil
}

// applyEnv overlays environment variables onto the config. Env takes
// precedence over file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MAESTRO_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("MAESTRO_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("MAESTRO_PROJECT_DIR"); v != "" {
		cfg.Agent.ProjectDir = v
	}
	if v := os.Getenv("MAESTRO_AGENT_COMMAND"); v != "" {
		cfg.Agent.Command = v
	}
	if v := os.Getenv("MAESTRO_AGENT_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("MAESTRO_ORCHESTRATOR_MODEL"); v != "" {
		cfg.Orchestrator.Model = v
	}
	if v := os.Getenv("MAESTRO_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxTokens = n
		}
	}
	// Secret: never persisted, env only.
	cfg.Orchestrator.APIKey = os.Getenv("ANTHROPIC_API_KEY")
}
