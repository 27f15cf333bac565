// Package provider builds a models.Client from configuration.
package provider

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/Delta-Labs-AG/rlm/internal/config"
	"github.com/Delta-Labs-AG/rlm/internal/provider/anthropic"
	"github.com/Delta-Labs-AG/rlm/internal/provider/gemini"
	"github.com/Delta-Labs-AG/rlm/internal/provider/middleware"
	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"github.com/Delta-Labs-AG/rlm/internal/provider/openai"
)

// apiKeyEnv names the backend's conventional credential variable, consulted
// when provider.api_key is unset.
var apiKeyEnv = map[string]string{
	"gemini":    "GEMINI_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// Factory constructs backends. The getenv hook exists for tests.
type Factory struct {
	getenv func(string) string
}

// NewFactory returns a Factory reading credentials from the process env.
func NewFactory() *Factory {
	return &Factory{getenv: os.Getenv}
}

// New builds the configured backend, wrapped in the adaptive rate limiter
// when provider.rate_limit_tpm is set.
func (f *Factory) New(ctx context.Context, cfg config.ProviderConfig, logger *zap.Logger) (models.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	apiKey := f.APIKey(cfg)
	if apiKey == "" {
		return nil, fmt.Errorf("no API key for backend %q: set provider.api_key or %s", cfg.Backend, apiKeyEnv[cfg.Backend])
	}

	var (
		client models.Client
		err    error
	)
	switch cfg.Backend {
	case "gemini":
		client, err = gemini.NewFromAPIKey(ctx, apiKey, cfg.Model, logger)
	case "openai":
		opts := openai.Options{Model: cfg.Model, Logger: logger}
		if cfg.API == "responses" {
			client, err = openai.NewResponsesFromAPIKey(apiKey, cfg.BaseURL, opts)
		} else {
			client, err = openai.NewFromAPIKey(apiKey, cfg.BaseURL, opts)
		}
	case "anthropic":
		client, err = anthropic.NewFromAPIKey(apiKey, anthropic.Options{Model: cfg.Model, MaxTokens: cfg.MaxTokens, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", cfg.Backend, err)
	}

	if cfg.RateLimitTPM > 0 {
		client = middleware.NewAdaptiveRateLimiter(cfg.RateLimitTPM, cfg.MaxRateLimitTPM).Wrap(client)
	}
	ch, ok := client.(models.Chainer)
	chaining := ok && ch.SupportsChaining()
	logger.Info("model client ready",
		zap.String("backend", cfg.Backend),
		zap.String("model", cfg.Model),
		zap.Bool("chaining", chaining))
	return client, nil
}

// APIKey resolves the credential for cfg.
func (f *Factory) APIKey(cfg config.ProviderConfig) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	if name, ok := apiKeyEnv[cfg.Backend]; ok {
		return f.getenv(name)
	}
	return ""
}
