// Package sandbox runs model-generated code away from the orchestrator and
// gives that code two query primitives backed by the transport protocol.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"github.com/Delta-Labs-AG/rlm/internal/telemetry"
	"github.com/Delta-Labs-AG/rlm/internal/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sender performs one blocking round trip. *transport.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, req transport.Request) (transport.Response, error)
}

// Options configures an Environment. Zero values select defaults.
type Options struct {
	// Tools and Handler are offered to code running in the sandbox. Queries
	// issued from Go pass their own.
	Tools   []models.ToolDefinition
	Handler ToolHandler

	MaxToolIterations int
	Runner            Runner
	MaxFrameBytes     int
	Logger            *zap.Logger
	Metrics           *telemetry.Metrics
}

// Environment executes code through its Runner and resolves the queries
// that code issues. Each top-level call owns one Environment.
type Environment struct {
	sender            Sender
	runner            Runner
	tools             []models.ToolDefinition
	handler           ToolHandler
	maxToolIterations int
	maxFrameBytes     int
	logger            *zap.Logger
	metrics           *telemetry.Metrics

	mu     sync.Mutex
	bridge *transport.Server
	closed bool
}

// New creates an Environment sending its round trips through sender.
func New(sender Sender, opts Options) *Environment {
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = DefaultMaxToolIterations
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = transport.DefaultMaxFrameBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Environment{
		sender:            sender,
		runner:            opts.Runner,
		tools:             opts.Tools,
		handler:           opts.Handler,
		maxToolIterations: opts.MaxToolIterations,
		maxFrameBytes:     opts.MaxFrameBytes,
		logger:            opts.Logger,
		metrics:           opts.Metrics,
	}
}

// Dial creates an Environment whose queries go to the model dispatcher
// listening on addr (host:port).
func Dial(addr string, opts Options, clientOpts ...transport.ClientOption) *Environment {
	if opts.Logger != nil {
		clientOpts = append([]transport.ClientOption{transport.WithClientLogger(opts.Logger)}, clientOpts...)
	}
	return New(transport.NewClient(addr, clientOpts...), opts)
}

// Query resolves one prompt. With tools it runs the tool-calling loop and
// needs a handler; otherwise it is a single round trip. Loop exhaustion is
// reported as sentinel text; transport and backend failures as errors.
func (e *Environment) Query(ctx context.Context, prompt any, tools []models.ToolDefinition, handler ToolHandler) (string, error) {
	if len(tools) > 0 && handler == nil {
		return "", ErrToolHandlerRequired
	}
	p, err := transport.NormalizePrompt(prompt)
	if err != nil {
		return "", err
	}
	return e.query(ctx, p, tools, handler)
}

// QueryBatched resolves prompts and returns results in input order. Without
// tools all prompts share one round trip; with tools every prompt runs its
// own tool-calling loop.
func (e *Environment) QueryBatched(ctx context.Context, prompts []any, tools []models.ToolDefinition, handler ToolHandler) ([]string, error) {
	if len(tools) > 0 && handler == nil {
		return nil, ErrToolHandlerRequired
	}
	normalized := make([]transport.Prompt, len(prompts))
	for i, prompt := range prompts {
		p, err := transport.NormalizePrompt(prompt)
		if err != nil {
			return nil, fmt.Errorf("prompt %d: %w", i, err)
		}
		normalized[i] = p
	}
	return e.queryBatched(ctx, normalized, tools, handler)
}

func (e *Environment) query(ctx context.Context, prompt transport.Prompt, tools []models.ToolDefinition, handler ToolHandler) (string, error) {
	if len(tools) > 0 {
		return e.runToolLoop(ctx, prompt, tools, handler)
	}
	rec, err := e.sendSingle(ctx, prompt, nil)
	if err != nil {
		return "", err
	}
	return rec.Response, nil
}

func (e *Environment) queryBatched(ctx context.Context, prompts []transport.Prompt, tools []models.ToolDefinition, handler ToolHandler) ([]string, error) {
	results := make([]string, len(prompts))
	if len(prompts) == 0 {
		return results, nil
	}

	if len(tools) == 0 {
		req := transport.Request{Prompts: prompts, Batched: true}
		resp, err := e.send(ctx, req)
		if err != nil {
			return nil, err
		}
		for i, rec := range resp.ChatCompletions {
			results[i] = rec.Response
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, prompt := range prompts {
		g.Go(func() error {
			out, err := e.runToolLoop(gctx, prompt, tools, handler)
			if err != nil {
				return fmt.Errorf("prompt %d: %w", i, err)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Environment) sendSingle(ctx context.Context, prompt transport.Prompt, tools []models.ToolDefinition) (transport.CompletionRecord, error) {
	resp, err := e.send(ctx, transport.Request{Prompt: prompt, Tools: tools})
	if err != nil {
		return transport.CompletionRecord{}, err
	}
	return *resp.ChatCompletion, nil
}

func (e *Environment) send(ctx context.Context, req transport.Request) (resp transport.Response, err error) {
	ctx, span := telemetry.StartSpan(ctx, "sandbox.round_trip",
		attribute.Bool("batched", req.Batched),
		attribute.Int("tools", len(req.Tools)))
	defer func() { telemetry.EndSpan(span, err) }()

	resp, err = e.sender.Send(ctx, req)
	if err != nil {
		return transport.Response{}, err
	}
	if err := resp.Check(req); err != nil {
		return transport.Response{}, err
	}
	return resp, nil
}

// Execute runs code through the Runner. A timeout is reported on the
// result, not as an error.
func (e *Environment) Execute(ctx context.Context, code string) (ExecResult, error) {
	if e.runner == nil {
		return ExecResult{}, errors.New("sandbox has no runner")
	}
	addr, err := e.ensureBridge()
	if err != nil {
		return ExecResult{}, err
	}

	ctx, span := telemetry.StartSpan(ctx, "sandbox.execute")
	res, err := e.runner.Run(ctx, code, e.childEnv(addr))
	if errors.Is(err, ErrTimeout) {
		res.TimedOut = true
		err = nil
	}
	telemetry.EndSpan(span, err)
	return res, err
}

func (e *Environment) childEnv(addr string) []string {
	names := make([]string, 0, len(e.tools))
	for _, def := range e.tools {
		names = append(names, def.Name)
	}
	return []string{
		"RLM_LM_ADDR=" + addr,
		"RLM_TOOL_NAMES=" + strings.Join(names, ","),
		"RLM_MAX_TOOL_ITERATIONS=" + strconv.Itoa(e.maxToolIterations),
	}
}

// Close stops the bridge. Queries already in flight see their connection
// drop.
func (e *Environment) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.bridge == nil {
		return nil
	}
	return e.bridge.Close()
}
