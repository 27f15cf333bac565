package gemini

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"google.golang.org/genai"
)

// toGeminiContents converts messages to Gemini contents. System messages are
// collected into a separate system instruction. Consecutive tool results are
// grouped into one user content, as Gemini expects.
func toGeminiContents(messages []models.Message) ([]*genai.Content, *genai.Content) {
	contents := make([]*genai.Content, 0, len(messages))
	var system *genai.Content

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if system == nil {
				system = &genai.Content{Role: "user"}
			}
			system.Parts = append(system.Parts, genai.NewPartFromText(msg.Content))
			continue
		case models.RoleTool:
			part := &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     msg.Name,
					Response: map[string]any{"content": msg.Content},
				},
			}
			if n := len(contents); n > 0 && isToolResultContent(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{part}})
			continue
		}

		if content := messageToGeminiContent(msg); content != nil {
			contents = append(contents, content)
		}
	}

	return contents, system
}

func isToolResultContent(c *genai.Content) bool {
	return len(c.Parts) > 0 && c.Parts[0].FunctionResponse != nil
}

// messageToGeminiContent converts a user or assistant message.
func messageToGeminiContent(msg models.Message) *genai.Content {
	role := "user"
	if msg.Role == models.RoleAssistant {
		role = "model"
	}

	parts := make([]*genai.Part, 0, 1+len(msg.ToolCalls))
	if msg.Content != "" {
		parts = append(parts, genai.NewPartFromText(msg.Content))
	}
	for _, call := range msg.ToolCalls {
		parts = append(parts, &genai.Part{
			FunctionCall: &genai.FunctionCall{
				ID:   call.ID,
				Name: call.Name,
				Args: call.Arguments,
			},
		})
	}

	// Skip empty messages
	if len(parts) == 0 {
		return nil
	}
	return &genai.Content{Role: role, Parts: parts}
}

// defaultSafetySettings returns safety settings with BLOCK_NONE for all categories.
func defaultSafetySettings() []*genai.SafetySetting {
	return []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdOff},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdOff},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdOff},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdOff},
	}
}

// toGeminiTools converts tool definitions to Gemini tools.
func toGeminiTools(tools []models.ToolDefinition) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}

	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		fd := &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
		}
		if tool.Parameters != nil {
			fd.Parameters = toGeminiSchema(tool.Parameters)
		}
		decls = append(decls, fd)
	}

	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toGeminiSchema converts a JSON Schema object to a Gemini schema,
// recursing through properties and array items.
func toGeminiSchema(schema map[string]any) *genai.Schema {
	out := &genai.Schema{}

	typeStr, _ := schema["type"].(string)
	out.Type = toGeminiType(typeStr)
	out.Description, _ = schema["description"].(string)

	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if sub, ok := raw.(map[string]any); ok {
				out.Properties[name] = toGeminiSchema(sub)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = toGeminiSchema(items)
	}
	out.Required = stringList(schema["required"])
	out.Enum = stringList(schema["enum"])

	return out
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}

// toGeminiType converts string type to Gemini Type.
func toGeminiType(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object", "":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

// geminiTurn is a decoded response plus its token counts.
type geminiTurn struct {
	turn         models.TurnRecord
	inputTokens  int
	outputTokens int
}

// fromGeminiResponse converts a Gemini response to a turn record.
func fromGeminiResponse(resp *genai.GenerateContentResponse) (geminiTurn, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return geminiTurn{}, &models.ProviderError{
			Code:    models.ErrorCodeInvalidResponse,
			Message: "no candidates in response",
		}
	}

	candidate := resp.Candidates[0]

	if candidate.FinishReason == genai.FinishReasonSafety {
		return geminiTurn{}, &models.ProviderError{
			Code:    models.ErrorCodeContentBlocked,
			Message: "content blocked by safety filters",
		}
	}

	var text, thought strings.Builder
	var calls []models.ToolCall
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				id := part.FunctionCall.ID
				if id == "" {
					// Gemini doesn't always provide IDs
					id = fmt.Sprintf("call_%d", len(calls)+1)
				}
				calls = append(calls, models.ToolCall{
					ID:        id,
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				})
			case part.Thought:
				thought.WriteString(part.Text)
			case part.Text != "":
				text.WriteString(part.Text)
			}
		}
	}

	var out geminiTurn
	if len(calls) > 0 {
		turn, err := models.NewToolCallTurn(calls)
		if err != nil {
			return geminiTurn{}, &models.ProviderError{
				Code:       models.ErrorCodeInvalidResponse,
				Message:    "malformed tool calls",
				Underlying: err,
			}
		}
		out.turn = turn
	} else {
		out.turn = models.NewTextTurn(text.String())
	}
	out.turn.Thought = thought.String()
	out.turn.ResponseID = resp.ResponseID

	if usage := resp.UsageMetadata; usage != nil {
		out.inputTokens = int(usage.PromptTokenCount)
		out.outputTokens = int(usage.CandidatesTokenCount)
	}
	return out, nil
}

// mapGeminiError maps Gemini API errors to provider errors.
func mapGeminiError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		perr := models.HTTPError(apiErr.Code, apiErr.Message, err)
		if perr.Code == models.ErrorCodeRateLimit {
			perr.RetryAfter = parseRetryAfter(apiErr)
		}
		return perr
	}

	// Generic network error
	return &models.ProviderError{
		Code:       models.ErrorCodeNetwork,
		Message:    "network error",
		Underlying: err,
		Retryable:  true,
	}
}

var retryKeys = []string{"retryDelay", "retry_after", "retryAfter", "Retry-After"}

// parseRetryAfter looks for a retry hint in the error details, including
// one level of nested metadata.
func parseRetryAfter(apiErr *genai.APIError) *time.Duration {
	if apiErr == nil {
		return nil
	}
	for _, detail := range apiErr.Details {
		if d := retryFromMap(detail); d != nil {
			return d
		}
		if meta, ok := detail["metadata"].(map[string]any); ok {
			if d := retryFromMap(meta); d != nil {
				return d
			}
		}
	}
	return nil
}

func retryFromMap(m map[string]any) *time.Duration {
	for _, key := range retryKeys {
		if v, ok := m[key]; ok {
			if d := parseRetryValue(v); d != nil {
				return d
			}
		}
	}
	return nil
}

// parseRetryValue accepts seconds as a number or numeric string, or a
// google.protobuf.Duration style map of seconds and nanos.
func parseRetryValue(v any) *time.Duration {
	switch val := v.(type) {
	case map[string]any:
		secs, hasSecs := seconds(val["seconds"])
		nanos, hasNanos := seconds(val["nanos"])
		if !hasSecs && !hasNanos {
			return nil
		}
		d := time.Duration(secs*float64(time.Second)) + time.Duration(nanos)
		return &d
	default:
		secs, ok := seconds(val)
		if !ok {
			return nil
		}
		d := time.Duration(secs * float64(time.Second))
		return &d
	}
}

func seconds(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(n, "s"), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
