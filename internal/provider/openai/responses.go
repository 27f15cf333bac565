package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"go.uber.org/zap"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
)

// ResponsesClient captures the subset of the SDK used by the Responses
// backend. It is satisfied by *responses.ResponseService.
type ResponsesClient interface {
	New(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) (*responses.Response, error)
}

// ResponsesBackend implements models.Client via the OpenAI Responses API.
// Responses are stored server side, so a request carrying
// PreviousResponseID only sends the messages added since that response.
type ResponsesBackend struct {
	models.Accounting

	api    ResponsesClient
	model  string
	logger *zap.Logger
}

// NewResponses builds a Responses backend from an SDK response service.
func NewResponses(api ResponsesClient, opts Options) (*ResponsesBackend, error) {
	if api == nil {
		return nil, errors.New("openai responses client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponsesBackend{api: api, model: opts.Model, logger: logger}, nil
}

// NewResponsesFromAPIKey constructs a Responses backend using the default
// SDK HTTP client.
func NewResponsesFromAPIKey(apiKey, baseURL string, opts Options) (*ResponsesBackend, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	oc := sdk.NewClient(reqOpts...)
	return NewResponses(&oc.Responses, opts)
}

// ModelName returns the configured model.
func (c *ResponsesBackend) ModelName() string {
	return c.model
}

// SupportsChaining implements models.Chainer.
func (c *ResponsesBackend) SupportsChaining() bool {
	return true
}

// Completion creates a response and normalizes it into a turn. The turn's
// ResponseID is what the next request chains onto.
func (c *ResponsesBackend) Completion(ctx context.Context, req models.Request) (models.TurnRecord, error) {
	if len(req.Messages) == 0 {
		return models.TurnRecord{}, &models.ProviderError{Code: models.ErrorCodeInvalidRequest, Message: "messages are required"}
	}
	params := responses.ResponseNewParams{
		Model: c.model,
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: encodeInput(req.Messages)},
		Store: sdk.Bool(true),
	}
	if req.PreviousResponseID != "" {
		params.PreviousResponseID = sdk.String(req.PreviousResponseID)
	}
	if tools := encodeResponseTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := c.api.New(ctx, params)
	if err != nil {
		return models.TurnRecord{}, mapError(err)
	}

	turn, err := translateOutput(resp)
	if err != nil {
		return models.TurnRecord{}, err
	}
	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	turn.Model = c.model
	turn.Usage = c.RecordUsage(c.model, in, out)
	c.logger.Debug("openai response",
		zap.String("model", c.model),
		zap.String("response_id", resp.ID),
		zap.Bool("chained", req.PreviousResponseID != ""),
		zap.Int("input_tokens", in),
		zap.Int("output_tokens", out),
		zap.Bool("tool_calls", turn.HasToolCalls()))
	return turn, nil
}

// CompletionAsync runs Completion on its own goroutine.
func (c *ResponsesBackend) CompletionAsync(ctx context.Context, req models.Request) <-chan models.TurnResult {
	return models.RunAsync(ctx, func(ctx context.Context) (models.TurnRecord, error) {
		return c.Completion(ctx, req)
	})
}

func encodeInput(msgs []models.Message) responses.ResponseInputParam {
	out := make(responses.ResponseInputParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			out = append(out, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleSystem))
		case models.RoleAssistant:
			if m.Content != "" || len(m.ToolCalls) == 0 {
				out = append(out, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleAssistant))
			}
			for _, call := range m.ToolCalls {
				args, err := json.Marshal(call.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				out = append(out, responses.ResponseInputItemParamOfFunctionCall(string(args), call.ID, call.Name))
			}
		case models.RoleTool:
			out = append(out, responses.ResponseInputItemParamOfFunctionCallOutput(m.ToolCallID, m.Content))
		default:
			out = append(out, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleUser))
		}
	}
	return out
}

func encodeResponseTools(defs []models.ToolDefinition) []responses.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]responses.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		params := def.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tool := responses.ToolParamOfFunction(def.Name, params, false)
		if def.Description != "" {
			tool.OfFunction.Description = sdk.String(def.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}

func translateOutput(resp *responses.Response) (models.TurnRecord, error) {
	if resp == nil {
		return models.TurnRecord{}, &models.ProviderError{Code: models.ErrorCodeInvalidResponse, Message: "empty response"}
	}
	if resp.Error.Message != "" {
		return models.TurnRecord{}, &models.ProviderError{
			Code:    models.ErrorCodeInvalidResponse,
			Message: fmt.Sprintf("response failed: %s: %s", resp.Error.Code, resp.Error.Message),
		}
	}

	var calls []models.ToolCall
	for _, item := range resp.Output {
		if item.Type != "function_call" {
			continue
		}
		args := map[string]any{}
		if item.Arguments != "" {
			if err := json.Unmarshal([]byte(item.Arguments), &args); err != nil {
				return models.TurnRecord{}, &models.ProviderError{
					Code:       models.ErrorCodeInvalidResponse,
					Message:    fmt.Sprintf("malformed arguments for tool %q", item.Name),
					Underlying: err,
				}
			}
		}
		calls = append(calls, models.ToolCall{ID: item.CallID, Name: item.Name, Arguments: args})
	}

	if len(calls) == 0 {
		turn := models.NewTextTurn(resp.OutputText())
		turn.ResponseID = resp.ID
		return turn, nil
	}
	turn, err := models.NewToolCallTurn(calls)
	if err != nil {
		return models.TurnRecord{}, &models.ProviderError{Code: models.ErrorCodeInvalidResponse, Message: "malformed tool calls", Underlying: err}
	}
	turn.ResponseID = resp.ID
	return turn, nil
}
