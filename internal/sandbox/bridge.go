package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"github.com/Delta-Labs-AG/rlm/internal/transport"
	"github.com/Delta-Labs-AG/rlm/internal/usage"
	"go.uber.org/zap"
)

// ensureBridge starts, once, the loopback server that code running in the
// interpreter talks to.
func (e *Environment) ensureBridge() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrClosed
	}
	if e.bridge != nil {
		return e.bridge.Addr(), nil
	}

	srv := transport.NewServer(transport.HandlerFunc(e.serveBridge),
		transport.WithServerLogger(e.logger.Named("bridge")),
		transport.WithServerMaxFrameBytes(e.maxFrameBytes))
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		return "", fmt.Errorf("starting sandbox bridge: %w", err)
	}
	e.bridge = srv
	e.logger.Debug("sandbox bridge listening", zap.String("addr", srv.Addr()))
	return srv.Addr(), nil
}

// serveBridge answers a query from sandboxed code through the environment's
// own primitives, so the environment's tool handler applies. Requests whose
// code runs its own tools go to the model as a single round trip.
func (e *Environment) serveBridge(ctx context.Context, req transport.Request) (transport.Response, error) {
	if req.CallerTools {
		return e.send(ctx, transport.Request{
			Prompt:  req.Prompt,
			Prompts: req.Prompts,
			Tools:   req.Tools,
			Batched: req.Batched,
		})
	}
	tools, err := e.resolveTools(req.Tools)
	if err != nil {
		return transport.Response{}, err
	}
	var handler ToolHandler
	if len(tools) > 0 {
		if e.handler == nil {
			return transport.Response{}, ErrToolHandlerRequired
		}
		handler = e.handler
	}

	start := time.Now()
	if req.Batched {
		outs, err := e.queryBatched(ctx, req.Prompts, tools, handler)
		if err != nil {
			return transport.Response{}, err
		}
		recs := make([]transport.CompletionRecord, len(outs))
		for i, out := range outs {
			recs[i] = transport.NewCompletionRecord("", req.Prompts[i], out, usage.Summary{}, time.Since(start))
		}
		return transport.BatchedResponse(recs), nil
	}

	out, err := e.query(ctx, req.Prompt, tools, handler)
	if err != nil {
		return transport.Response{}, err
	}
	return transport.SingleResponse(transport.NewCompletionRecord("", req.Prompt, out, usage.Summary{}, time.Since(start))), nil
}

// resolveTools maps the tool names sandboxed code asked for onto the
// environment's definitions.
func (e *Environment) resolveTools(requested []models.ToolDefinition) ([]models.ToolDefinition, error) {
	if len(requested) == 0 {
		return nil, nil
	}
	byName := make(map[string]models.ToolDefinition, len(e.tools))
	for _, def := range e.tools {
		byName[def.Name] = def
	}
	out := make([]models.ToolDefinition, 0, len(requested))
	for _, r := range requested {
		def, ok := byName[r.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, r.Name)
		}
		out = append(out, def)
	}
	return out, nil
}
