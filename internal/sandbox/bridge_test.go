package sandbox

import (
	"context"
	"fmt"
	"testing"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"github.com/Delta-Labs-AG/rlm/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBridgedEnv(t *testing.T, sender *MockSender, opts Options) string {
	t.Helper()
	env := New(sender, opts)
	t.Cleanup(func() { _ = env.Close() })
	addr, err := env.ensureBridge()
	require.NoError(t, err)
	return addr
}

func userPrompt(s string) transport.Prompt {
	return transport.Prompt{{Role: models.RoleUser, Content: s}}
}

func TestBridge_SingleQuery(t *testing.T) {
	sender := &MockSender{SendFunc: scripted(textResponse("pong"))}
	addr := newBridgedEnv(t, sender, Options{})

	resp, err := transport.Send(context.Background(), addr, transport.Request{Prompt: userPrompt("ping")})
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.ChatCompletion.Response)
	assert.Equal(t, 1, sender.Calls())
}

func TestBridge_BatchedQuery(t *testing.T) {
	sender := &MockSender{SendFunc: func(ctx context.Context, req transport.Request) (transport.Response, error) {
		recs := make([]transport.CompletionRecord, len(req.Prompts))
		for i, p := range req.Prompts {
			recs[i] = textRecord("re: " + p[0].Content)
		}
		return transport.BatchedResponse(recs), nil
	}}
	addr := newBridgedEnv(t, sender, Options{})

	req := transport.Request{Prompts: []transport.Prompt{userPrompt("a"), userPrompt("b")}, Batched: true}
	resp, err := transport.Send(context.Background(), addr, req)
	require.NoError(t, err)
	require.Len(t, resp.ChatCompletions, 2)
	assert.Equal(t, "re: a", resp.ChatCompletions[0].Response)
	assert.Equal(t, "re: b", resp.ChatCompletions[1].Response)
	assert.Equal(t, 1, sender.Calls())
}

func TestBridge_ToolsResolvedByName(t *testing.T) {
	set, err := NewToolSet(newCurrentTool())
	require.NoError(t, err)

	sender := &MockSender{SendFunc: scripted(
		toolCallResponse(t, models.ToolCall{ID: "call_1", Name: "get_weather", Arguments: map[string]any{"city": "Lisbon"}}),
		textResponse("Lisbon is sunny"),
	)}
	addr := newBridgedEnv(t, sender, Options{Tools: set.Definitions(), Handler: set})

	req := transport.Request{Prompt: userPrompt("weather?"), Tools: []models.ToolDefinition{{Name: "get_weather"}}}
	resp, err := transport.Send(context.Background(), addr, req)
	require.NoError(t, err)
	assert.Equal(t, "Lisbon is sunny", resp.ChatCompletion.Response)

	reqs := sender.Requests()
	require.Len(t, reqs, 2)
	// the model sees the full registered definition, not the bare name
	assert.Equal(t, "Current weather", reqs[0].Tools[0].Description)
	assert.Equal(t, "Weather in Lisbon: Sunny, 72°F", reqs[1].Prompt[2].Content)
}

func TestBridge_UnknownTool(t *testing.T) {
	sender := &MockSender{}
	addr := newBridgedEnv(t, sender, Options{})

	req := transport.Request{Prompt: userPrompt("x"), Tools: []models.ToolDefinition{{Name: "nope"}}}
	_, err := transport.Send(context.Background(), addr, req)
	assert.ErrorIs(t, err, transport.ErrRemote)
	assert.ErrorContains(t, err, "unknown tool")
	assert.Zero(t, sender.Calls())
}

func TestBridge_ToolsWithoutHandler(t *testing.T) {
	sender := &MockSender{}
	addr := newBridgedEnv(t, sender, Options{Tools: []models.ToolDefinition{weatherTool}})

	req := transport.Request{Prompt: userPrompt("x"), Tools: []models.ToolDefinition{{Name: "get_weather"}}}
	_, err := transport.Send(context.Background(), addr, req)
	assert.ErrorContains(t, err, "tool_handler is required")
	assert.Zero(t, sender.Calls())
}

func TestBridge_CallerToolsForwardedAsOneRoundTrip(t *testing.T) {
	call := models.ToolCall{ID: "call_1", Name: "get_weather", Arguments: map[string]any{"city": "Accra"}}
	sender := &MockSender{SendFunc: scripted(toolCallResponse(t, call))}
	addr := newBridgedEnv(t, sender, Options{})

	req := transport.Request{Prompt: userPrompt("weather?"), Tools: []models.ToolDefinition{weatherTool}, CallerTools: true}
	resp, err := transport.Send(context.Background(), addr, req)
	require.NoError(t, err)

	turn := transport.DecodeTurn(resp.ChatCompletion.Response)
	require.True(t, turn.HasToolCalls())
	assert.Equal(t, "call_1", turn.ToolCalls()[0].ID)

	require.Equal(t, 1, sender.Calls())
	forwarded := sender.Requests()[0]
	require.Len(t, forwarded.Tools, 1)
	assert.Equal(t, weatherTool.Name, forwarded.Tools[0].Name)
	assert.Equal(t, weatherTool.Description, forwarded.Tools[0].Description)
	assert.Contains(t, forwarded.Tools[0].Parameters, "properties")
	assert.False(t, forwarded.CallerTools)
}

func TestBridge_BackendFailureBecomesFailureMarker(t *testing.T) {
	sender := &MockSender{SendFunc: func(ctx context.Context, req transport.Request) (transport.Response, error) {
		return transport.Response{}, fmt.Errorf("rate limit exceeded")
	}}
	addr := newBridgedEnv(t, sender, Options{})

	_, err := transport.Send(context.Background(), addr, transport.Request{Prompt: userPrompt("x")})
	assert.ErrorIs(t, err, transport.ErrRemote)
	assert.ErrorContains(t, err, "rate limit exceeded")
}

func TestBridge_StartedOnce(t *testing.T) {
	env := New(&MockSender{}, Options{})
	defer env.Close()

	a, err := env.ensureBridge()
	require.NoError(t, err)
	b, err := env.ensureBridge()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
