package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// ConfigDir is the directory name under ~/.config
	ConfigDir = "rlm"
	// ConfigFile is the config file name
	ConfigFile = "config.yaml"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "RLM"
)

// FileSystem abstracts file operations for testability
type FileSystem interface {
	UserHomeDir() (string, error)
	ReadFile(path string) ([]byte, error)
}

// ConfigFileReader implements FileSystem using the real OS for config loading
type ConfigFileReader struct{}

func (ConfigFileReader) UserHomeDir() (string, error) {
	return os.UserHomeDir()
}

func (ConfigFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Loader handles configuration loading with injected dependencies
type Loader struct {
	fs FileSystem
}

// NewLoader creates a production Loader using the real filesystem
func NewLoader() *Loader {
	return &Loader{fs: ConfigFileReader{}}
}

// NewLoaderWithFS creates a Loader with a custom filesystem (for testing)
func NewLoaderWithFS(fs FileSystem) *Loader {
	return &Loader{fs: fs}
}

// Load merges defaults, the config file and RLM_* environment variables,
// in increasing precedence, then validates the result.
//
// An explicit path must exist. With an empty path ~/.config/rlm/config.yaml
// is used when present and defaults otherwise. The returned viper instance
// is used to build the logger.
func (l *Loader) Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		if homeDir, err := l.fs.UserHomeDir(); err == nil {
			path = filepath.Join(homeDir, ".config", ConfigDir, ConfigFile)
		}
	}

	if path != "" {
		data, err := l.fs.ReadFile(path)
		switch {
		case err == nil:
			v.SetConfigType(configType(path))
			if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
				return nil, nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
			// Use defaults if file doesn't exist
		default:
			return nil, nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return cfg, v, nil
}

// Load is a convenience function using the default loader
func Load(path string) (*Config, *viper.Viper, error) {
	return NewLoader().Load(path)
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("provider.backend", d.Provider.Backend)
	v.SetDefault("provider.model", d.Provider.Model)
	v.SetDefault("provider.api_key", d.Provider.APIKey)
	v.SetDefault("provider.base_url", d.Provider.BaseURL)
	v.SetDefault("provider.api", d.Provider.API)
	v.SetDefault("provider.max_tokens", d.Provider.MaxTokens)
	v.SetDefault("provider.rate_limit_tpm", d.Provider.RateLimitTPM)
	v.SetDefault("provider.max_rate_limit_tpm", d.Provider.MaxRateLimitTPM)

	v.SetDefault("orchestrator.max_iterations", d.Orchestrator.MaxIterations)
	v.SetDefault("orchestrator.code_languages", d.Orchestrator.CodeLanguages)
	v.SetDefault("orchestrator.verbose", d.Orchestrator.Verbose)

	v.SetDefault("sandbox.interpreter", d.Sandbox.Interpreter)
	v.SetDefault("sandbox.work_dir", d.Sandbox.WorkDir)
	v.SetDefault("sandbox.timeout", d.Sandbox.Timeout)
	v.SetDefault("sandbox.grace_period", d.Sandbox.GracePeriod)
	v.SetDefault("sandbox.max_output_bytes", d.Sandbox.MaxOutputBytes)
	v.SetDefault("sandbox.max_tool_iterations", d.Sandbox.MaxToolIterations)
	v.SetDefault("sandbox.env_allowlist", d.Sandbox.EnvAllowlist)

	v.SetDefault("transport.max_frame_bytes", d.Transport.MaxFrameBytes)
	v.SetDefault("transport.dial_timeout", d.Transport.DialTimeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("trajectory.path", d.Trajectory.Path)
	v.SetDefault("trajectory.redis_addr", d.Trajectory.RedisAddr)
	v.SetDefault("trajectory.redis_stream", d.Trajectory.RedisStream)
	v.SetDefault("trajectory.redis_max_len", d.Trajectory.RedisMaxLen)

	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("workspace.root", d.Workspace.Root)
	v.SetDefault("workspace.max_file_bytes", d.Workspace.MaxFileBytes)
	v.SetDefault("workspace.max_list_entries", d.Workspace.MaxListEntries)
}
