package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DataDir string `toml:"data_dir"`
	AuthDir string `toml:"auth_dir"`

	LLM      LLMConfig      `toml:"llm"`
	Agent    AgentConfig    `toml:"agent"`
	Tools    ToolsConfig    `toml:"tools"`
	Session  SessionConfig  `toml:"session"`
	Database DatabaseConfig `toml:"database"`
	Observer ObserverConfig `toml:"observer"`
}

type LLMConfig struct {
	Provider           string `toml:"provider"`
	Model              string `toml:"model"`
	APIKey             string `toml:"api_key"`
	MaxConcurrentCalls int    `toml:"max_concurrent_calls"`
	ContextWindow      int    `toml:"context_window"`
}

type AgentConfig struct {
	MaxActiveTasks         int      `toml:"max_active_tasks"`
	MaxConcurrentTools     int      `toml:"max_concurrent_tools"`
	MaxCognitiveIterations int      `toml:"max_cognitive_iterations"`
	TaskTimeout            duration `toml:"task_timeout"`
}

type ToolsConfig struct {
	Timeout duration `toml:"timeout"`
}

type SessionConfig struct {
	CompactThreshold float64 `toml:"compact_threshold"`
}

type DatabaseConfig struct {
	Driver      string `toml:"driver"` // "sqlite" or "postgres"
	Path        string `toml:"path"`   // sqlite file
	PostgresURL string `toml:"postgres_url"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// duration is a TOML-friendly time.Duration ("30s", "5m").
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// Duration converts to time.Duration.
func (d duration) Duration() time.Duration { return time.Duration(d) }

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		DataDir: filepath.Join(home, ".cogito"),
		AuthDir: filepath.Join(home, ".cogito", "auth"),
		LLM: LLMConfig{
			Provider:           "anthropic",
			MaxConcurrentCalls: 4,
			ContextWindow:      200_000,
		},
		Agent: AgentConfig{
			MaxActiveTasks:         50,
			MaxConcurrentTools:     8,
			MaxCognitiveIterations: 10,
			TaskTimeout:            duration(10 * time.Minute),
		},
		Tools:    ToolsConfig{Timeout: duration(30 * time.Second)},
		Session:  SessionConfig{CompactThreshold: 0.8},
		Database: DatabaseConfig{Driver: "sqlite", Path: "cogito.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "cogito.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("COGITO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("COGITO_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("COGITO_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
		cfg.Database.Driver = "postgres"
	}
	if os.Getenv("COGITO_OBSERVER_ENABLED") == "true" || os.Getenv("COGITO_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.AuthDir == "" {
		cfg.AuthDir = filepath.Join(cfg.DataDir, "auth")
	}

	return cfg
}
