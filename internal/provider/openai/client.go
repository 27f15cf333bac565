// Package openai implements models.Client on top of the OpenAI Chat
// Completions API using github.com/openai/openai-go.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
)

// ChatClient captures the subset of the SDK used by the backend. It is
// satisfied by *sdk.ChatCompletionService.
type ChatClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// Options configures the OpenAI backend.
type Options struct {
	Model  string
	Logger *zap.Logger
}

// Client implements models.Client via the OpenAI Chat Completions API.
type Client struct {
	models.Accounting

	chat   ChatClient
	model  string
	logger *zap.Logger
}

// New builds a client from an SDK chat service.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{chat: chat, model: opts.Model, logger: logger}, nil
}

// NewFromAPIKey constructs a client using the default SDK HTTP client.
// baseURL may be empty; set it to target an OpenAI-compatible endpoint.
func NewFromAPIKey(apiKey, baseURL string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	oc := sdk.NewClient(reqOpts...)
	return New(&oc.Chat.Completions, opts)
}

// ModelName returns the configured model.
func (c *Client) ModelName() string {
	return c.model
}

// Completion renders a chat completion and normalizes it into a turn.
func (c *Client) Completion(ctx context.Context, req models.Request) (models.TurnRecord, error) {
	if len(req.Messages) == 0 {
		return models.TurnRecord{}, &models.ProviderError{Code: models.ErrorCodeInvalidRequest, Message: "messages are required"}
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.model),
		Messages: encodeMessages(req.Messages),
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return models.TurnRecord{}, mapError(err)
	}

	turn, err := translateResponse(resp)
	if err != nil {
		return models.TurnRecord{}, err
	}
	in, out := int(resp.Usage.PromptTokens), int(resp.Usage.CompletionTokens)
	turn.Model = c.model
	turn.Usage = c.RecordUsage(c.model, in, out)
	c.logger.Debug("openai completion",
		zap.String("model", c.model),
		zap.Int("input_tokens", in),
		zap.Int("output_tokens", out),
		zap.Bool("tool_calls", turn.HasToolCalls()))
	return turn, nil
}

// CompletionAsync runs Completion on its own goroutine.
func (c *Client) CompletionAsync(ctx context.Context, req models.Request) <-chan models.TurnResult {
	return models.RunAsync(ctx, func(ctx context.Context) (models.TurnRecord, error) {
		return c.Completion(ctx, req)
	})
}

func encodeMessages(msgs []models.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case models.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(m.Content))
				continue
			}
			asst := sdk.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = sdk.String(m.Content)
			}
			for _, call := range m.ToolCalls {
				args, err := json.Marshal(call.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case models.RoleTool:
			out = append(out, sdk.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

func encodeTools(defs []models.ToolDefinition) []sdk.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		fn := sdk.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		if def.Parameters != nil {
			fn.Parameters = sdk.FunctionParameters(def.Parameters)
		}
		tools = append(tools, sdk.ChatCompletionToolParam{Function: fn})
	}
	return tools
}

func translateResponse(resp *sdk.ChatCompletion) (models.TurnRecord, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return models.TurnRecord{}, &models.ProviderError{Code: models.ErrorCodeInvalidResponse, Message: "no choices in response"}
	}
	msg := resp.Choices[0].Message

	if msg.Refusal != "" && msg.Content == "" && len(msg.ToolCalls) == 0 {
		return models.TurnRecord{}, &models.ProviderError{Code: models.ErrorCodeContentBlocked, Message: msg.Refusal}
	}

	if len(msg.ToolCalls) == 0 {
		turn := models.NewTextTurn(msg.Content)
		turn.ResponseID = resp.ID
		return turn, nil
	}

	calls := make([]models.ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return models.TurnRecord{}, &models.ProviderError{
					Code:       models.ErrorCodeInvalidResponse,
					Message:    fmt.Sprintf("malformed arguments for tool %q", tc.Function.Name),
					Underlying: err,
				}
			}
		}
		calls = append(calls, models.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	turn, err := models.NewToolCallTurn(calls)
	if err != nil {
		return models.TurnRecord{}, &models.ProviderError{Code: models.ErrorCodeInvalidResponse, Message: "malformed tool calls", Underlying: err}
	}
	turn.ResponseID = resp.ID
	return turn, nil
}

func mapError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return models.HTTPError(apiErr.StatusCode, apiErr.Message, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &models.ProviderError{Code: models.ErrorCodeNetwork, Message: "network error", Underlying: err, Retryable: true}
}
