// Package anthropic implements models.Client on top of the Anthropic
// Messages API using github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
)

// DefaultMaxTokens is used when Options.MaxTokens is zero.
const DefaultMaxTokens = 4096

// MessagesClient captures the subset of the SDK used by the backend. It is
// satisfied by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the Anthropic backend.
type Options struct {
	Model     string
	MaxTokens int
	Logger    *zap.Logger
}

// Client implements models.Client via the Anthropic Messages API.
type Client struct {
	models.Accounting

	msg       MessagesClient
	model     string
	maxTokens int
	logger    *zap.Logger
}

// New builds a client from an SDK messages service.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{msg: msg, model: opts.Model, maxTokens: maxTokens, logger: logger}, nil
}

// NewFromAPIKey constructs a client using the default SDK HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// ModelName returns the configured model.
func (c *Client) ModelName() string {
	return c.model
}

// Completion issues a Messages.New request and normalizes the reply.
func (c *Client) Completion(ctx context.Context, req models.Request) (models.TurnRecord, error) {
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return models.TurnRecord{}, &models.ProviderError{Code: models.ErrorCodeInvalidRequest, Message: err.Error()}
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(c.maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(c.model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := c.msg.New(ctx, params)
	if err != nil {
		return models.TurnRecord{}, mapError(err)
	}

	turn, err := translateResponse(resp)
	if err != nil {
		return models.TurnRecord{}, err
	}
	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	turn.Model = c.model
	turn.Usage = c.RecordUsage(c.model, in, out)
	c.logger.Debug("anthropic completion",
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

// encodeMessages splits out system text and groups consecutive tool results
// into a single user message, as the Messages API requires.
func encodeMessages(msgs []models.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam
	var pendingResults []sdk.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			conversation = append(conversation, sdk.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case models.RoleTool:
			pendingResults = append(pendingResults, sdk.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case models.RoleAssistant:
			flushResults()
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, call.Arguments, call.Name))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}
		default:
			flushResults()
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	flushResults()

	if len(conversation) == 0 {
		return nil, nil, errors.New("at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []models.ToolDefinition) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := sdk.ToolInputSchemaParam{}
		if def.Parameters != nil {
			// type is always object; the remaining keywords travel as-is
			extra := make(map[string]any, len(def.Parameters))
			for k, v := range def.Parameters {
				if k != "type" {
					extra[k] = v
				}
			}
			schema.ExtraFields = extra
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools
}

func translateResponse(msg *sdk.Message) (models.TurnRecord, error) {
	if msg == nil {
		return models.TurnRecord{}, &models.ProviderError{Code: models.ErrorCodeInvalidResponse, Message: "response message is nil"}
	}

	var text, thought string
	var calls []models.ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "thinking":
			thought += block.Thinking
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return models.TurnRecord{}, &models.ProviderError{
						Code:       models.ErrorCodeInvalidResponse,
						Message:    fmt.Sprintf("malformed input for tool %q", block.Name),
						Underlying: err,
					}
				}
			}
			calls = append(calls, models.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}

	var turn models.TurnRecord
	if len(calls) > 0 {
		var err error
		turn, err = models.NewToolCallTurn(calls)
		if err != nil {
			return models.TurnRecord{}, &models.ProviderError{Code: models.ErrorCodeInvalidResponse, Message: "malformed tool calls", Underlying: err}
		}
		// preamble text next to tool_use blocks is kept as reasoning
		thought += text
	} else {
		turn = models.NewTextTurn(text)
	}
	turn.Thought = thought
	turn.ResponseID = msg.ID
	return turn, nil
}

func mapError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return models.HTTPError(apiErr.StatusCode, apiErr.Error(), err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &models.ProviderError{Code: models.ErrorCodeNetwork, Message: "network error", Underlying: err, Retryable: true}
}
