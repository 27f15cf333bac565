package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"github.com/Delta-Labs-AG/rlm/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuery_WithoutTools_SingleRoundTrip(t *testing.T) {
	sender := &MockSender{SendFunc: scripted(textResponse("Simple response"))}
	env := New(sender, Options{})

	out, err := env.Query(context.Background(), "Hello", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Simple response", out)
	require.Equal(t, 1, sender.Calls())

	req := sender.Requests()[0]
	assert.False(t, req.Batched)
	assert.Equal(t, transport.Prompt{{Role: models.RoleUser, Content: "Hello"}}, req.Prompt)
	assert.Empty(t, req.Tools)
}

func TestQuery_ToolCallThenContent(t *testing.T) {
	// model asks for get_weather once and then answers in plain text
	first := textResponse(`{"tool_calls":[{"id":"call_123","name":"get_weather","arguments":{"city":"San Francisco"}}],"content":null}`)
	sender := &MockSender{SendFunc: scripted(first, textResponse("The weather in San Francisco is Sunny, 72°F"))}
	env := New(sender, Options{})

	out, err := env.Query(context.Background(), "What's the weather in SF?", []models.ToolDefinition{weatherTool}, ToolHandlerFunc(weatherHandler))
	require.NoError(t, err)
	assert.Equal(t, "The weather in San Francisco is Sunny, 72°F", out)
	require.Equal(t, 2, sender.Calls())

	second := sender.Requests()[1].Prompt
	require.Len(t, second, 3)
	assert.Equal(t, models.RoleAssistant, second[1].Role)
	require.Len(t, second[1].ToolCalls, 1)
	assert.Equal(t, "call_123", second[1].ToolCalls[0].ID)
	assert.Equal(t, models.RoleTool, second[2].Role)
	assert.Equal(t, "call_123", second[2].ToolCallID)
	assert.Equal(t, "Weather in San Francisco: Sunny, 72°F", second[2].Content)
	assert.Equal(t, []models.ToolDefinition{weatherTool}, sender.Requests()[1].Tools)
}

func TestQuery_MultipleRounds(t *testing.T) {
	var handled int
	handler := ToolHandlerFunc(func(ctx context.Context, name string, args map[string]any) (string, error) {
		handled++
		return fmt.Sprintf("Result %d for %s", handled, name), nil
	})
	sender := &MockSender{SendFunc: scripted(
		toolCallResponse(t, models.ToolCall{ID: "call_1", Name: "get_weather", Arguments: map[string]any{"city": "SF"}}),
		toolCallResponse(t, models.ToolCall{ID: "call_2", Name: "get_weather", Arguments: map[string]any{"city": "LA"}}),
		textResponse("Weather comparison complete"),
	)}
	env := New(sender, Options{})

	out, err := env.Query(context.Background(), "Compare", []models.ToolDefinition{weatherTool}, handler)
	require.NoError(t, err)
	assert.Equal(t, "Weather comparison complete", out)
	assert.Equal(t, 2, handled)
	assert.Equal(t, 3, sender.Calls())
	assert.Len(t, sender.Requests()[2].Prompt, 5)
}

func TestQuery_ToolLoopBound(t *testing.T) {
	for _, bound := range []int{0, 3} {
		t.Run(strconv.Itoa(bound), func(t *testing.T) {
			var n atomic.Int32
			sender := &MockSender{SendFunc: func(ctx context.Context, req transport.Request) (transport.Response, error) {
				id := fmt.Sprintf("call_%d", n.Add(1))
				return toolCallResponse(t, models.ToolCall{ID: id, Name: "get_weather", Arguments: map[string]any{"city": "SF"}}), nil
			}}
			env := New(sender, Options{MaxToolIterations: bound})

			want := bound
			if bound == 0 {
				want = DefaultMaxToolIterations
			}

			out, err := env.Query(context.Background(), "loop", []models.ToolDefinition{weatherTool}, ToolHandlerFunc(weatherHandler))
			require.NoError(t, err)
			assert.Contains(t, out, "__LLM_ERROR__|tool_loop_error")
			assert.Contains(t, out, strconv.Itoa(want))
			assert.Equal(t, ToolLoopSentinel(want), out)
			assert.Equal(t, want, sender.Calls())
		})
	}
}

func TestQuery_ToolsWithoutHandler_NoRoundTrip(t *testing.T) {
	sender := &MockSender{}
	env := New(sender, Options{})

	_, err := env.Query(context.Background(), "x", []models.ToolDefinition{weatherTool}, nil)
	assert.ErrorIs(t, err, ErrToolHandlerRequired)

	_, err = env.QueryBatched(context.Background(), []any{"a", "b"}, []models.ToolDefinition{weatherTool}, nil)
	assert.ErrorIs(t, err, ErrToolHandlerRequired)

	assert.Zero(t, sender.Calls())
}

func TestQuery_InvalidPrompt_NoRoundTrip(t *testing.T) {
	sender := &MockSender{}
	env := New(sender, Options{})

	_, err := env.Query(context.Background(), 12345, nil, nil)
	assert.ErrorIs(t, err, transport.ErrInvalidPrompt)

	_, err = env.QueryBatched(context.Background(), []any{"ok", map[string]any{"role": "user"}}, nil, nil)
	assert.ErrorIs(t, err, transport.ErrInvalidPrompt)

	assert.Zero(t, sender.Calls())
}

func TestQuery_MessageListPassesThrough(t *testing.T) {
	sender := &MockSender{}
	env := New(sender, Options{})
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "terse"},
		{Role: models.RoleUser, Content: "hi"},
	}

	_, err := env.Query(context.Background(), msgs, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, transport.Prompt(msgs), sender.Requests()[0].Prompt)
}

func TestQuery_AllCallsOfATurnBeforeNextRoundTrip(t *testing.T) {
	var handled atomic.Int32
	var handledAtSecondSend int32 = -1

	handler := ToolHandlerFunc(func(ctx context.Context, name string, args map[string]any) (string, error) {
		handled.Add(1)
		return "Weather in " + args["city"].(string) + ": Sunny", nil
	})

	calls := 0
	sender := &MockSender{SendFunc: func(ctx context.Context, req transport.Request) (transport.Response, error) {
		calls++
		if calls == 1 {
			return toolCallResponse(t,
				models.ToolCall{ID: "call_1", Name: "get_weather", Arguments: map[string]any{"city": "SF"}},
				models.ToolCall{ID: "call_2", Name: "get_weather", Arguments: map[string]any{"city": "NYC"}},
				models.ToolCall{ID: "call_3", Name: "get_weather", Arguments: map[string]any{"city": "LA"}},
			), nil
		}
		handledAtSecondSend = handled.Load()
		return textResponse("Compared three cities"), nil
	}}
	env := New(sender, Options{})

	out, err := env.Query(context.Background(), "three cities", []models.ToolDefinition{weatherTool}, handler)
	require.NoError(t, err)
	assert.Equal(t, "Compared three cities", out)
	assert.Equal(t, 2, sender.Calls())
	assert.Equal(t, int32(3), handledAtSecondSend)

	second := sender.Requests()[1].Prompt
	var ids []string
	for _, m := range second {
		if m.Role == models.RoleTool {
			ids = append(ids, m.ToolCallID)
		}
	}
	assert.Equal(t, []string{"call_1", "call_2", "call_3"}, ids)
}

func TestQuery_HandlerErrorFedBack(t *testing.T) {
	handler := ToolHandlerFunc(func(ctx context.Context, name string, args map[string]any) (string, error) {
		return "", errors.New("Handler failed!")
	})
	sender := &MockSender{SendFunc: scripted(
		toolCallResponse(t, models.ToolCall{ID: "call_1", Name: "get_weather", Arguments: map[string]any{"city": "SF"}}),
		textResponse("I encountered an error getting the weather"),
	)}
	env := New(sender, Options{})

	out, err := env.Query(context.Background(), "weather", []models.ToolDefinition{weatherTool}, handler)
	require.NoError(t, err)
	assert.Equal(t, "I encountered an error getting the weather", out)

	toolMsg := sender.Requests()[1].Prompt[2]
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.Content, "Error")
	assert.Contains(t, toolMsg.Content, "Handler failed!")
}

func TestQuery_HandlerPanicFedBack(t *testing.T) {
	handler := ToolHandlerFunc(func(ctx context.Context, name string, args map[string]any) (string, error) {
		panic("nil map")
	})
	sender := &MockSender{SendFunc: scripted(
		toolCallResponse(t, models.ToolCall{ID: "call_1", Name: "get_weather", Arguments: map[string]any{"city": "SF"}}),
		textResponse("recovered"),
	)}
	env := New(sender, Options{})

	out, err := env.Query(context.Background(), "weather", []models.ToolDefinition{weatherTool}, handler)
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Contains(t, sender.Requests()[1].Prompt[2].Content, "panicked: nil map")
}

func TestQuery_SchemaViolationSkipsHandler(t *testing.T) {
	var handled atomic.Int32
	handler := ToolHandlerFunc(func(ctx context.Context, name string, args map[string]any) (string, error) {
		handled.Add(1)
		return "unreachable", nil
	})
	sender := &MockSender{SendFunc: scripted(
		toolCallResponse(t, models.ToolCall{ID: "call_1", Name: "get_weather", Arguments: map[string]any{"town": "SF"}}),
		textResponse("done"),
	)}
	env := New(sender, Options{})

	_, err := env.Query(context.Background(), "weather", []models.ToolDefinition{weatherTool}, handler)
	require.NoError(t, err)
	assert.Zero(t, handled.Load())
	assert.Contains(t, sender.Requests()[1].Prompt[2].Content, "Error: invalid arguments for get_weather")
}

func TestQuery_TransportErrorPropagates(t *testing.T) {
	sender := &MockSender{SendFunc: func(ctx context.Context, req transport.Request) (transport.Response, error) {
		return transport.Response{}, errors.New("connection refused")
	}}
	env := New(sender, Options{})

	_, err := env.Query(context.Background(), "x", nil, nil)
	assert.ErrorContains(t, err, "connection refused")

	_, err = env.Query(context.Background(), "x", []models.ToolDefinition{weatherTool}, ToolHandlerFunc(weatherHandler))
	assert.ErrorContains(t, err, "connection refused")
}

func TestQuery_FailureMarkerPropagates(t *testing.T) {
	sender := &MockSender{SendFunc: scripted(transport.ErrorResponse("quota exceeded"))}
	env := New(sender, Options{})

	_, err := env.Query(context.Background(), "x", nil, nil)
	assert.ErrorIs(t, err, transport.ErrRemote)
	assert.ErrorContains(t, err, "quota exceeded")
}

func TestQueryBatched_WithoutTools_OneRoundTrip(t *testing.T) {
	sender := &MockSender{SendFunc: func(ctx context.Context, req transport.Request) (transport.Response, error) {
		recs := make([]transport.CompletionRecord, len(req.Prompts))
		for i := range req.Prompts {
			recs[i] = textRecord(fmt.Sprintf("Response %d", i))
		}
		return transport.BatchedResponse(recs), nil
	}}
	env := New(sender, Options{})

	out, err := env.QueryBatched(context.Background(), []any{"Q1", "Q2", "Q3"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Response 0", "Response 1", "Response 2"}, out)
	require.Equal(t, 1, sender.Calls())

	req := sender.Requests()[0]
	assert.True(t, req.Batched)
	require.Len(t, req.Prompts, 3)
	assert.Equal(t, "Q2", req.Prompts[1][0].Content)
}

func TestQueryBatched_ShortBatchIsAnError(t *testing.T) {
	sender := &MockSender{SendFunc: func(ctx context.Context, req transport.Request) (transport.Response, error) {
		return transport.BatchedResponse([]transport.CompletionRecord{textRecord("only one")}), nil
	}}
	env := New(sender, Options{})

	_, err := env.QueryBatched(context.Background(), []any{"a", "b"}, nil, nil)
	assert.ErrorIs(t, err, transport.ErrMalformedResponse)
}

func TestQueryBatched_Empty(t *testing.T) {
	sender := &MockSender{}
	env := New(sender, Options{})

	out, err := env.QueryBatched(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, sender.Calls())
}

func TestQueryBatched_WithTools_IndependentLoops(t *testing.T) {
	cities := []string{"San Francisco", "New York", "London"}

	sender := &MockSender{}
	sender.SendFunc = func(ctx context.Context, req transport.Request) (transport.Response, error) {
		question := req.Prompt[0].Content
		var city string
		for _, c := range cities {
			if strings.Contains(question, c) {
				city = c
			}
		}
		last := req.Prompt[len(req.Prompt)-1]
		if last.Role == models.RoleTool {
			return textResponse("Final: " + last.Content), nil
		}
		return toolCallResponse(t, models.ToolCall{ID: "call_" + city, Name: "get_weather", Arguments: map[string]any{"city": city}}), nil
	}
	env := New(sender, Options{})

	prompts := make([]any, len(cities))
	for i, c := range cities {
		prompts[i] = "Weather in " + c + "?"
	}

	out, err := env.QueryBatched(context.Background(), prompts, []models.ToolDefinition{weatherTool}, ToolHandlerFunc(weatherHandler))
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, c := range cities {
		assert.Contains(t, out[i], c)
	}
	assert.Equal(t, 6, sender.Calls())
	for _, req := range sender.Requests() {
		assert.False(t, req.Batched)
	}
}

func TestQueryBatched_WithTools_OneFailureFailsTheBatch(t *testing.T) {
	sender := &MockSender{SendFunc: func(ctx context.Context, req transport.Request) (transport.Response, error) {
		if req.Prompt[0].Content == "bad" {
			return transport.Response{}, errors.New("backend down")
		}
		return textResponse("fine"), nil
	}}
	env := New(sender, Options{})

	_, err := env.QueryBatched(context.Background(), []any{"good", "bad"}, []models.ToolDefinition{weatherTool}, ToolHandlerFunc(weatherHandler))
	assert.ErrorContains(t, err, "backend down")
}

func TestExecute_WithoutRunner(t *testing.T) {
	env := New(&MockSender{}, Options{})
	_, err := env.Execute(context.Background(), "print(1)")
	assert.Error(t, err)
}

type stubRunner struct {
	RunFunc func(ctx context.Context, code string, env []string) (ExecResult, error)
}

func (s *stubRunner) Run(ctx context.Context, code string, env []string) (ExecResult, error) {
	return s.RunFunc(ctx, code, env)
}

func TestExecute_PassesBridgeAddress(t *testing.T) {
	var gotEnv []string
	runner := &stubRunner{RunFunc: func(ctx context.Context, code string, env []string) (ExecResult, error) {
		gotEnv = env
		return ExecResult{Stdout: "42\n"}, nil
	}}
	env := New(&MockSender{}, Options{Runner: runner, Tools: []models.ToolDefinition{weatherTool}})
	defer env.Close()

	res, err := env.Execute(context.Background(), "print(42)")
	require.NoError(t, err)
	assert.Equal(t, "42", res.Output())
	require.Len(t, gotEnv, 3)
	assert.True(t, strings.HasPrefix(gotEnv[0], "RLM_LM_ADDR=127.0.0.1:"))
	assert.Equal(t, "RLM_TOOL_NAMES=get_weather", gotEnv[1])
	assert.Equal(t, "RLM_MAX_TOOL_ITERATIONS=10", gotEnv[2])
}

func TestExecute_TimeoutIsReportedOnResult(t *testing.T) {
	runner := &stubRunner{RunFunc: func(ctx context.Context, code string, env []string) (ExecResult, error) {
		return ExecResult{Stdout: "partial", ExitCode: -1}, ErrTimeout
	}}
	env := New(&MockSender{}, Options{Runner: runner})
	defer env.Close()

	res, err := env.Execute(context.Background(), "while True: pass")
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Contains(t, res.Output(), "timed out")
}

func TestExecute_AfterClose(t *testing.T) {
	runner := &stubRunner{RunFunc: func(ctx context.Context, code string, env []string) (ExecResult, error) {
		return ExecResult{}, nil
	}}
	env := New(&MockSender{}, Options{Runner: runner})
	require.NoError(t, env.Close())
	require.NoError(t, env.Close())

	_, err := env.Execute(context.Background(), "print(1)")
	assert.ErrorIs(t, err, ErrClosed)
}
