package config

import (
	"slices"
	"time"
)

// Config holds all application configuration values.
// Defaults are set in DefaultConfig() and can be overridden by a config file
// or RLM_* environment variables (e.g. RLM_PROVIDER_MODEL).
type Config struct {
	Provider     ProviderConfig     `mapstructure:"provider"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Sandbox      SandboxConfig      `mapstructure:"sandbox"`
	Transport    TransportConfig    `mapstructure:"transport"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Trajectory   TrajectoryConfig   `mapstructure:"trajectory"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Workspace    WorkspaceConfig    `mapstructure:"workspace"`
}

type ProviderConfig struct {
	Backend   string `mapstructure:"backend"`    // gemini, openai or anthropic
	Model     string `mapstructure:"model"`      // Default: gemini-2.5-flash
	APIKey    string `mapstructure:"api_key"`    // Falls back to the backend's own env var
	BaseURL   string `mapstructure:"base_url"`   // openai only
	API       string `mapstructure:"api"`        // openai only: chat or responses; Default: chat
	MaxTokens int    `mapstructure:"max_tokens"` // anthropic only; Default: 4096

	// Rate limiting, in estimated tokens per minute. Zero disables it.
	RateLimitTPM    float64 `mapstructure:"rate_limit_tpm"`
	MaxRateLimitTPM float64 `mapstructure:"max_rate_limit_tpm"`
}

type OrchestratorConfig struct {
	MaxIterations int      `mapstructure:"max_iterations"` // Default: 30
	CodeLanguages []string `mapstructure:"code_languages"` // Default: [repl, python, code]
	Verbose       bool     `mapstructure:"verbose"`
}

type SandboxConfig struct {
	Interpreter       string        `mapstructure:"interpreter"`         // Default: python3
	WorkDir           string        `mapstructure:"work_dir"`            // Default: process working directory
	Timeout           time.Duration `mapstructure:"timeout"`             // Default: 2m
	GracePeriod       time.Duration `mapstructure:"grace_period"`        // Default: 2s
	MaxOutputBytes    int           `mapstructure:"max_output_bytes"`    // Default: 1MB
	MaxToolIterations int           `mapstructure:"max_tool_iterations"` // Default: 10

	// EnvAllowlist names the variables the interpreter inherits from this
	// process. Everything else, API keys included, stays out of reach of
	// generated code.
	EnvAllowlist []string `mapstructure:"env_allowlist"` // Default: PATH, HOME, LANG, TMPDIR, SYSTEMROOT
}

// DefaultEnvAllowlist is the environment an interpreter inherits when no
// allowlist is configured.
var DefaultEnvAllowlist = []string{"PATH", "HOME", "LANG", "TMPDIR", "SYSTEMROOT"}

type TransportConfig struct {
	MaxFrameBytes int           `mapstructure:"max_frame_bytes"` // Default: 64MB
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`    // Default: 10s
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error; Default: info
	Format string `mapstructure:"format"` // json, console; Default: console
}

type TrajectoryConfig struct {
	Path        string `mapstructure:"path"`         // JSONL file; empty disables
	RedisAddr   string `mapstructure:"redis_addr"`   // empty disables
	RedisStream string `mapstructure:"redis_stream"` // Default: rlm:trajectory
	RedisMaxLen int64  `mapstructure:"redis_max_len"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the /metrics listener
}

// WorkspaceConfig exposes a directory to sub-queries through read-only
// file tools.
type WorkspaceConfig struct {
	Root           string `mapstructure:"root"`             // empty offers no tools
	MaxFileBytes   int64  `mapstructure:"max_file_bytes"`   // Default: 1MB
	MaxListEntries int    `mapstructure:"max_list_entries"` // Default: 500
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Backend:   "gemini",
			Model:     "gemini-2.5-flash",
			API:       "chat",
			MaxTokens: 4096,
		},
		Orchestrator: OrchestratorConfig{
			MaxIterations: 30,
			CodeLanguages: []string{"repl", "python", "code"},
		},
		Sandbox: SandboxConfig{
			Interpreter:       "python3",
			Timeout:           2 * time.Minute,
			GracePeriod:       2 * time.Second,
			MaxOutputBytes:    1024 * 1024,
			MaxToolIterations: 10,
			EnvAllowlist:      slices.Clone(DefaultEnvAllowlist),
		},
		Transport: TransportConfig{
			MaxFrameBytes: 64 * 1024 * 1024,
			DialTimeout:   10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Trajectory: TrajectoryConfig{
			RedisStream: "rlm:trajectory",
			RedisMaxLen: 10000,
		},
		Workspace: WorkspaceConfig{
			MaxFileBytes:   1024 * 1024,
			MaxListEntries: 500,
		},
	}
}
