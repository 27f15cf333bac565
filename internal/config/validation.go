package config

import (
	"fmt"
	"slices"
	"strings"
)

var (
	backends   = []string{"gemini", "openai", "anthropic"}
	openaiAPIs = []string{"chat", "responses"}
)

// Validate checks config values for correctness.
// Returns an error listing every invalid value.
func (c *Config) Validate() error {
	var errs []string

	// Provider validation
	if !slices.Contains(backends, c.Provider.Backend) {
		errs = append(errs, fmt.Sprintf("provider.backend must be one of %v", backends))
	}
	if c.Provider.Backend == "openai" && !slices.Contains(openaiAPIs, c.Provider.API) {
		errs = append(errs, fmt.Sprintf("provider.api must be one of %v", openaiAPIs))
	}
	if c.Provider.Model == "" {
		errs = append(errs, "provider.model must not be empty")
	}
	if c.Provider.MaxTokens < 1 {
		errs = append(errs, "provider.max_tokens must be >= 1")
	}
	if c.Provider.RateLimitTPM < 0 {
		errs = append(errs, "provider.rate_limit_tpm must be >= 0")
	}
	if c.Provider.MaxRateLimitTPM < 0 {
		errs = append(errs, "provider.max_rate_limit_tpm must be >= 0")
	}

	// Orchestrator validation
	if c.Orchestrator.MaxIterations < 1 {
		errs = append(errs, "orchestrator.max_iterations must be >= 1")
	}
	if len(c.Orchestrator.CodeLanguages) == 0 {
		errs = append(errs, "orchestrator.code_languages must not be empty")
	}

	// Sandbox validation
	if c.Sandbox.Interpreter == "" {
		errs = append(errs, "sandbox.interpreter must not be empty")
	}
	if c.Sandbox.Timeout <= 0 {
		errs = append(errs, "sandbox.timeout must be > 0")
	}
	if c.Sandbox.GracePeriod < 0 {
		errs = append(errs, "sandbox.grace_period must be >= 0")
	}
	if c.Sandbox.MaxOutputBytes < 1 {
		errs = append(errs, "sandbox.max_output_bytes must be >= 1")
	}
	if c.Sandbox.MaxToolIterations < 1 {
		errs = append(errs, "sandbox.max_tool_iterations must be >= 1")
	}
	for _, name := range c.Sandbox.EnvAllowlist {
		if name == "" || strings.Contains(name, "=") {
			errs = append(errs, fmt.Sprintf("sandbox.env_allowlist has an invalid name %q", name))
		}
	}

	// Transport validation
	if c.Transport.MaxFrameBytes < 1 {
		errs = append(errs, "transport.max_frame_bytes must be >= 1")
	}
	if c.Transport.DialTimeout <= 0 {
		errs = append(errs, "transport.dial_timeout must be > 0")
	}

	// Trajectory validation
	if c.Trajectory.RedisAddr != "" && c.Trajectory.RedisStream == "" {
		errs = append(errs, "trajectory.redis_stream must be set when trajectory.redis_addr is")
	}

	// Workspace validation
	if c.Workspace.MaxFileBytes < 1 {
		errs = append(errs, "workspace.max_file_bytes must be >= 1")
	}
	if c.Workspace.MaxListEntries < 1 {
		errs = append(errs, "workspace.max_list_entries must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %v", errs)
	}

	return nil
}
