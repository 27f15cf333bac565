package sandbox

import (
	"context"
	"sync"
	"testing"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"github.com/Delta-Labs-AG/rlm/internal/transport"
	"github.com/Delta-Labs-AG/rlm/internal/usage"
	"github.com/stretchr/testify/require"
)

// MockSender records every request and answers through SendFunc.
type MockSender struct {
	mu       sync.Mutex
	requests []transport.Request

	SendFunc func(ctx context.Context, req transport.Request) (transport.Response, error)
}

func (m *MockSender) Send(ctx context.Context, req transport.Request) (transport.Response, error) {
	recorded := req
	recorded.Prompt = req.Prompt.Clone()
	m.mu.Lock()
	m.requests = append(m.requests, recorded)
	m.mu.Unlock()

	if m.SendFunc == nil {
		return textResponse("ok"), nil
	}
	return m.SendFunc(ctx, req)
}

func (m *MockSender) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *MockSender) Requests() []transport.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transport.Request(nil), m.requests...)
}

func textRecord(text string) transport.CompletionRecord {
	return transport.NewCompletionRecord("gpt-4", nil, text, usage.Single("gpt-4", 10, 20), 0)
}

func textResponse(text string) transport.Response {
	return transport.SingleResponse(textRecord(text))
}

func toolCallResponse(t *testing.T, calls ...models.ToolCall) transport.Response {
	t.Helper()
	turn, err := models.NewToolCallTurn(calls)
	require.NoError(t, err)
	encoded, err := transport.EncodeTurn(turn)
	require.NoError(t, err)
	return textResponse(encoded)
}

// scripted answers the i-th request with responses[i].
func scripted(responses ...transport.Response) func(context.Context, transport.Request) (transport.Response, error) {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, req transport.Request) (transport.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(responses) {
			return transport.Response{}, context.DeadlineExceeded
		}
		resp := responses[i]
		i++
		return resp, nil
	}
}

var weatherTool = models.ToolDefinition{
	Name:        "get_weather",
	Description: "Get weather for a city",
	Parameters: map[string]any{
		"type":       "object",
		"properties": map[string]any{"city": map[string]any{"type": "string"}},
		"required":   []string{"city"},
	},
}

func weatherHandler(ctx context.Context, name string, args map[string]any) (string, error) {
	if name == "get_weather" {
		return "Weather in " + args["city"].(string) + ": Sunny, 72°F", nil
	}
	return "Unknown tool", nil
}
