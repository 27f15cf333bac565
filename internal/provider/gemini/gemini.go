// Package gemini implements models.Client on top of the Google Gemini API.
package gemini

import (
	"context"
	"fmt"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// Client implements models.Client for Google Gemini.
type Client struct {
	models.Accounting

	api       GeminiClient
	modelName string
	logger    *zap.Logger
}

// New creates a Client with the specified API client and model.
func New(api GeminiClient, modelName string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{api: api, modelName: modelName, logger: logger}
}

// NewFromAPIKey constructs a Client backed by the official SDK.
func NewFromAPIKey(ctx context.Context, apiKey, modelName string, logger *zap.Logger) (*Client, error) {
	sdk, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return New(NewRealGeminiClient(sdk), modelName, logger), nil
}

// ModelName returns the configured model.
func (c *Client) ModelName() string {
	return c.modelName
}

// Completion sends a request to the Gemini API and returns the next turn.
func (c *Client) Completion(ctx context.Context, req models.Request) (models.TurnRecord, error) {
	contents, system := toGeminiContents(req.Messages)
	config := &genai.GenerateContentConfig{
		SafetySettings:    defaultSafetySettings(),
		SystemInstruction: system,
		Tools:             toGeminiTools(req.Tools),
	}

	resp, err := c.api.GenerateContent(ctx, c.modelName, contents, config)
	if err != nil {
		return models.TurnRecord{}, mapGeminiError(err)
	}

	out, err := fromGeminiResponse(resp)
	if err != nil {
		return models.TurnRecord{}, err
	}

	out.turn.Model = c.modelName
	out.turn.Usage = c.RecordUsage(c.modelName, out.inputTokens, out.outputTokens)
	c.logger.Debug("gemini completion",
		zap.String("model", c.modelName),
		zap.Int("input_tokens", out.inputTokens),
		zap.Int("output_tokens", out.outputTokens),
		zap.Bool("tool_calls", out.turn.HasToolCalls()))
	return out.turn, nil
}

// CompletionAsync runs Completion on its own goroutine.
func (c *Client) CompletionAsync(ctx context.Context, req models.Request) <-chan models.TurnResult {
	return models.RunAsync(ctx, func(ctx context.Context) (models.TurnRecord, error) {
		return c.Completion(ctx, req)
	})
}
