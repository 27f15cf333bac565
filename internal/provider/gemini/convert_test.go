package gemini

import (
	"errors"
	"testing"
	"time"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name     string
		apiErr   *genai.APIError
		expected *time.Duration
	}{
		{name: "nil error", apiErr: nil, expected: nil},
		{name: "empty details", apiErr: &genai.APIError{Code: 429, Details: []map[string]any{}}, expected: nil},
		{name: "retryDelay as int", apiErr: &genai.APIError{Code: 429, Details: []map[string]any{{"retryDelay": 120}}}, expected: durationPtr(120 * time.Second)},
		{name: "retryDelay as float64", apiErr: &genai.APIError{Code: 429, Details: []map[string]any{{"retryDelay": 30.0}}}, expected: durationPtr(30 * time.Second)},
		{name: "retry_after snake_case", apiErr: &genai.APIError{Code: 429, Details: []map[string]any{{"retry_after": 90}}}, expected: durationPtr(90 * time.Second)},
		{name: "Retry-After header style", apiErr: &genai.APIError{Code: 429, Details: []map[string]any{{"Retry-After": 180}}}, expected: durationPtr(180 * time.Second)},
		{name: "protobuf duration string", apiErr: &genai.APIError{Code: 429, Details: []map[string]any{{"retryDelay": "12s"}}}, expected: durationPtr(12 * time.Second)},
		{
			name:     "Google duration format",
			apiErr:   &genai.APIError{Code: 429, Details: []map[string]any{{"retryDelay": map[string]any{"seconds": 150}}}},
			expected: durationPtr(150 * time.Second),
		},
		{
			name:     "nested in metadata",
			apiErr:   &genai.APIError{Code: 429, Details: []map[string]any{{"metadata": map[string]any{"retryDelay": 100}}}},
			expected: durationPtr(100 * time.Second),
		},
		{
			name:     "retry in second detail",
			apiErr:   &genai.APIError{Code: 429, Details: []map[string]any{{"someOtherField": "value"}, {"retryDelay": 50}}},
			expected: durationPtr(50 * time.Second),
		},
		{
			name:     "no retry field present",
			apiErr:   &genai.APIError{Code: 429, Details: []map[string]any{{"someField": "value"}}},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseRetryAfter(tt.apiErr))
		})
	}
}

func TestParseRetryValue(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		expected *time.Duration
	}{
		{"int value", 60, durationPtr(60 * time.Second)},
		{"int64 value", int64(120), durationPtr(120 * time.Second)},
		{"string float", "2.5", durationPtr(2500 * time.Millisecond)},
		{"seconds and nanos", map[string]any{"seconds": 5, "nanos": 500000000}, durationPtr(5*time.Second + 500*time.Millisecond)},
		{"nanos only", map[string]any{"nanos": 250000000}, durationPtr(250 * time.Millisecond)},
		{"empty string", "", nil},
		{"invalid string", "not-a-number", nil},
		{"unsupported type", true, nil},
		{"nil value", nil, nil},
		{"empty duration map", map[string]any{"other": "field"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseRetryValue(tt.value))
		})
	}
}

// Helper function to create duration pointer
func durationPtr(d time.Duration) *time.Duration {
	return &d
}

func TestToGeminiSchema_DeeplyNested(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"outer": map[string]any{
				"type":        "object",
				"description": "Outer object",
				"properties": map[string]any{
					"list": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string", "enum": []any{"a", "b"}},
					},
				},
				"required": []any{"list"},
			},
		},
		"required": []string{"outer"},
	}

	result := toGeminiSchema(schema)

	require.NotNil(t, result)
	assert.Equal(t, genai.TypeObject, result.Type)
	assert.Equal(t, []string{"outer"}, result.Required)

	outer := result.Properties["outer"]
	require.NotNil(t, outer)
	assert.Equal(t, "Outer object", outer.Description)
	assert.Equal(t, []string{"list"}, outer.Required)

	list := outer.Properties["list"]
	require.NotNil(t, list)
	assert.Equal(t, genai.TypeArray, list.Type)
	require.NotNil(t, list.Items)
	assert.Equal(t, genai.TypeString, list.Items.Type)
	assert.Equal(t, []string{"a", "b"}, list.Items.Enum)
}

func TestToGeminiContents_RolesAndToolResults(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "weather?"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "get_weather", Arguments: map[string]any{"city": "SF"}},
			{ID: "c2", Name: "get_weather", Arguments: map[string]any{"city": "LA"}},
		}},
		{Role: models.RoleTool, ToolCallID: "c1", Name: "get_weather", Content: "sunny"},
		{Role: models.RoleTool, ToolCallID: "c2", Name: "get_weather", Content: "hazy"},
	}

	contents, system := toGeminiContents(messages)

	require.NotNil(t, system)
	assert.Equal(t, "be brief", system.Parts[0].Text)
	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, "SF", contents[1].Parts[0].FunctionCall.Args["city"])

	results := contents[2]
	assert.Equal(t, "user", results.Role)
	require.Len(t, results.Parts, 2)
	assert.Equal(t, "c1", results.Parts[0].FunctionResponse.ID)
	assert.Equal(t, "hazy", results.Parts[1].FunctionResponse.Response["content"])
}

func TestFromGeminiResponse(t *testing.T) {
	t.Run("no candidates", func(t *testing.T) {
		_, err := fromGeminiResponse(&genai.GenerateContentResponse{})
		assert.ErrorIs(t, err, models.ErrInvalidResponse)
	})

	t.Run("safety block", func(t *testing.T) {
		_, err := fromGeminiResponse(&genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}},
		})
		assert.ErrorIs(t, err, models.ErrContentBlocked)
	})

	t.Run("thought and text", func(t *testing.T) {
		out, err := fromGeminiResponse(&genai.GenerateContentResponse{
			ResponseID: "r1",
			Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []*genai.Part{
				{Text: "thinking...", Thought: true},
				{Text: "Hello "},
				{Text: "there"},
			}}}},
			UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 7, CandidatesTokenCount: 3},
		})
		require.NoError(t, err)
		assert.Equal(t, "Hello there", out.turn.Text())
		assert.Equal(t, "thinking...", out.turn.Thought)
		assert.Equal(t, "r1", out.turn.ResponseID)
		assert.Equal(t, 7, out.inputTokens)
		assert.Equal(t, 3, out.outputTokens)
	})

	t.Run("function calls without ids get unique ids", func(t *testing.T) {
		out, err := fromGeminiResponse(&genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []*genai.Part{
				{FunctionCall: &genai.FunctionCall{Name: "a", Args: map[string]any{"x": 1.0}}},
				{FunctionCall: &genai.FunctionCall{Name: "b"}},
			}}}},
		})
		require.NoError(t, err)
		calls := out.turn.ToolCalls()
		require.Len(t, calls, 2)
		assert.NotEqual(t, calls[0].ID, calls[1].ID)
		_, hasContent := out.turn.Content()
		assert.False(t, hasContent)
	})
}

func TestMapGeminiError(t *testing.T) {
	assert.NoError(t, mapGeminiError(nil))

	err := mapGeminiError(&genai.APIError{Code: 429, Message: "slow", Details: []map[string]any{{"retryDelay": 3}}})
	assert.ErrorIs(t, err, models.ErrRateLimit)
	assert.True(t, models.IsRetryable(err))
	assert.Equal(t, durationPtr(3*time.Second), models.GetRetryAfter(err))

	assert.ErrorIs(t, mapGeminiError(&genai.APIError{Code: 401}), models.ErrAuthentication)
	assert.ErrorIs(t, mapGeminiError(errors.New("dial tcp: refused")), models.ErrNetwork)
}
