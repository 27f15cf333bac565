package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"github.com/Delta-Labs-AG/rlm/internal/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, req Request) (Response, error) {
	if req.Batched {
		recs := make([]CompletionRecord, len(req.Prompts))
		for i, p := range req.Prompts {
			recs[i] = NewCompletionRecord("echo", p, "echo: "+p[len(p)-1].Content, usage.Single("echo", 1, 1), 0)
		}
		return BatchedResponse(recs), nil
	}
	last := req.Prompt[len(req.Prompt)-1].Content
	return SingleResponse(NewCompletionRecord("echo", req.Prompt, "echo: "+last, usage.Single("echo", 1, 1), 0)), nil
}

func startServer(t *testing.T, h Handler) *Server {
	t.Helper()
	srv := NewServer(h)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func userPrompt(s string) Prompt {
	return Prompt{{Role: models.RoleUser, Content: s}}
}

func TestSend_Single(t *testing.T) {
	srv := startServer(t, HandlerFunc(echoHandler))

	resp, err := Send(context.Background(), srv.Addr(), Request{Prompt: userPrompt("hi")})
	require.NoError(t, err)
	require.NotNil(t, resp.ChatCompletion)
	assert.Equal(t, "echo: hi", resp.ChatCompletion.Response)
	assert.Equal(t, "echo", resp.ChatCompletion.RootModel)
	assert.Equal(t, 1, resp.ChatCompletion.UsageSummary.Models["echo"].TotalCalls)
}

func TestSend_BatchedPreservesOrder(t *testing.T) {
	srv := startServer(t, HandlerFunc(echoHandler))

	req := Request{Prompts: []Prompt{userPrompt("a"), userPrompt("b"), userPrompt("c")}, Batched: true}
	resp, err := Send(context.Background(), srv.Addr(), req)
	require.NoError(t, err)
	require.Len(t, resp.ChatCompletions, 3)
	for i, want := range []string{"echo: a", "echo: b", "echo: c"} {
		assert.Equal(t, want, resp.ChatCompletions[i].Response)
	}
}

func TestSend_HandlerErrorBecomesRemoteError(t *testing.T) {
	srv := startServer(t, HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{}, errors.New("backend unavailable")
	}))

	_, err := Send(context.Background(), srv.Addr(), Request{Prompt: userPrompt("x")})
	assert.ErrorIs(t, err, ErrRemote)
	assert.ErrorContains(t, err, "backend unavailable")
}

func TestSend_HandlerPanicIsContained(t *testing.T) {
	srv := startServer(t, HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		panic("kaboom")
	}))

	_, err := Send(context.Background(), srv.Addr(), Request{Prompt: userPrompt("x")})
	assert.ErrorIs(t, err, ErrRemote)
	assert.ErrorContains(t, err, "kaboom")

	// server keeps serving
	_, err = Send(context.Background(), srv.Addr(), Request{Prompt: userPrompt("y")})
	assert.ErrorIs(t, err, ErrRemote)
}

func TestSend_InvalidRequestMakesNoConnection(t *testing.T) {
	var calls atomic.Int32
	srv := startServer(t, HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		calls.Add(1)
		return echoHandler(ctx, req)
	}))

	_, err := Send(context.Background(), srv.Addr(), Request{Batched: true})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, calls.Load())
}

func TestSend_AssignsRequestID(t *testing.T) {
	var got string
	srv := startServer(t, HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		got = req.ID
		return echoHandler(ctx, req)
	}))

	_, err := Send(context.Background(), srv.Addr(), Request{Prompt: userPrompt("x")})
	require.NoError(t, err)
	assert.Len(t, got, 36)
}

func TestSend_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = NewClient(addr, WithDialTimeout(time.Second)).Send(context.Background(), Request{Prompt: userPrompt("x")})
	require.Error(t, err)
	assert.ErrorContains(t, err, "connecting to")
}

func TestSend_ContextCancelAbortsRoundTrip(t *testing.T) {
	release := make(chan struct{})
	srv := startServer(t, HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return echoHandler(ctx, req)
	}))
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := Send(ctx, srv.Addr(), Request{Prompt: userPrompt("slow")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServer_ConcurrentConnections(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := startServer(t, HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return echoHandler(ctx, req)
	}))

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := Send(context.Background(), srv.Addr(), Request{Prompt: userPrompt(fmt.Sprint(i))})
			if err == nil && resp.ChatCompletion.Response != fmt.Sprintf("echo: %d", i) {
				err = fmt.Errorf("unexpected response %q", resp.ChatCompletion.Response)
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Greater(t, peak.Load(), int32(1))
}

func TestServer_MultipleFramesPerConnection(t *testing.T) {
	srv := startServer(t, HandlerFunc(echoHandler))

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	for _, s := range []string{"one", "two"} {
		require.NoError(t, WriteFrame(conn, Request{Prompt: userPrompt(s)}, 0))
		var resp Response
		require.NoError(t, ReadFrame(conn, &resp, 0))
		assert.Equal(t, "echo: "+s, resp.ChatCompletion.Response)
	}
}

func TestServer_RejectsOversizedFrame(t *testing.T) {
	srv := NewServer(HandlerFunc(echoHandler), WithServerMaxFrameBytes(64))
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	defer srv.Close()

	_, err := NewClient(srv.Addr()).Send(context.Background(), Request{Prompt: userPrompt(string(make([]byte, 256)))})
	assert.ErrorIs(t, err, ErrRemote)
	assert.ErrorContains(t, err, "frame too large")
}

func TestServer_CloseIsIdempotentBeforeListen(t *testing.T) {
	srv := NewServer(HandlerFunc(echoHandler))
	assert.NoError(t, srv.Close())
	assert.Equal(t, "", srv.Addr())
}
