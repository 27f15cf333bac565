// Package orchestrator drives the model-code-feedback loop of a recursive
// language model call.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/Delta-Labs-AG/rlm/internal/config"
	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"github.com/Delta-Labs-AG/rlm/internal/sandbox"
	"github.com/Delta-Labs-AG/rlm/internal/telemetry"
	"github.com/Delta-Labs-AG/rlm/internal/trajectory"
	"github.com/Delta-Labs-AG/rlm/internal/transport"
	"github.com/Delta-Labs-AG/rlm/internal/usage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DefaultMaxIterations bounds a call when Options.MaxIterations is zero.
const DefaultMaxIterations = 30

// CodeResult is one executed block and its outcome.
type CodeResult struct {
	Code   string
	Result sandbox.ExecResult
}

// Iteration is the record of one completed iteration. Index starts at 1
// and has no gaps within a call.
type Iteration struct {
	Index       int
	Response    string
	CodeResults []CodeResult
	FinalAnswer string
	Final       bool
	Usage       usage.Summary
	Duration    time.Duration
}

// Hooks observe a call. OnIteration runs once per iteration, in index
// order, before the next turn is requested. OnRequest runs once per
// sub-query issued by executed code, in completion order; calls are
// serialized.
type Hooks struct {
	OnIteration func(Iteration)
	OnRequest   func(transport.Request, transport.Response)
}

// Result is the outcome of a call.
type Result struct {
	RunID      string
	Response   string
	Usage      usage.Summary
	Iterations int
}

// AsyncResult is delivered by CompletionAsync.
type AsyncResult struct {
	Result Result
	Err    error
}

// RunnerFactory creates the code runner for one call and a function
// releasing it.
type RunnerFactory func() (sandbox.Runner, func() error, error)

// Options configures an RLM. Zero values select defaults.
type Options struct {
	MaxIterations int
	CodeLanguages []string
	FinalParser   FinalAnswerParser
	SystemPrompt  string

	// Tools and ToolHandler are offered to executed code.
	Tools       []models.ToolDefinition
	ToolHandler sandbox.ToolHandler

	Sandbox   config.SandboxConfig
	Transport config.TransportConfig
	NewRunner RunnerFactory

	Sink    trajectory.Sink
	Metrics *telemetry.Metrics
	Logger  *zap.Logger
}

// RLM runs recursive completions against one client. It holds no per-call
// state, so independent calls may run concurrently.
type RLM struct {
	client models.Client
	opts   Options
}

// New creates an RLM.
func New(client models.Client, opts Options) *RLM {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if len(opts.CodeLanguages) == 0 {
		opts.CodeLanguages = DefaultCodeLanguages
	}
	if opts.FinalParser == nil {
		opts.FinalParser = DefaultFinalParser
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = SystemPrompt(opts.CodeLanguages, opts.Tools)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewRunner == nil {
		cfg, logger := opts.Sandbox, opts.Logger
		opts.NewRunner = func() (sandbox.Runner, func() error, error) {
			r, err := sandbox.NewProcessRunner(cfg, logger)
			if err != nil {
				return nil, nil, err
			}
			return r, r.Close, nil
		}
	}
	return &RLM{client: client, opts: opts}
}

// CompletionAsync runs Completion on its own goroutine. The channel yields
// exactly one result and is then closed.
func (r *RLM) CompletionAsync(ctx context.Context, task any, hooks Hooks) <-chan AsyncResult {
	ch := make(chan AsyncResult, 1)
	go func() {
		defer close(ch)
		res, err := r.Completion(ctx, task, hooks)
		ch <- AsyncResult{Result: res, Err: err}
	}()
	return ch
}

// Completion runs task (text or a message list) until the model gives a
// final answer after running code, or the iteration bound is exceeded.
func (r *RLM) Completion(ctx context.Context, task any, hooks Hooks) (res Result, err error) {
	prompt, err := transport.NormalizePrompt(task)
	if err != nil {
		return Result{}, err
	}

	runID := uuid.NewString()
	logger := r.opts.Logger.With(zap.String("run_id", runID))
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "rlm.completion", attribute.String("run_id", runID))
	defer func() {
		telemetry.EndSpan(span, err)
		r.opts.Metrics.ObserveRun(time.Since(start), err)
	}()

	handler := newLMHandler(ctx, r.client, hooks.OnRequest, r.opts.Metrics, logger)
	srv := transport.NewServer(handler,
		transport.WithServerLogger(logger.Named("lm_handler")),
		transport.WithServerMaxFrameBytes(r.opts.Transport.MaxFrameBytes))
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		return Result{}, fmt.Errorf("starting model dispatcher: %w", err)
	}
	defer srv.Close()

	runner, release, err := r.opts.NewRunner()
	if err != nil {
		return Result{}, fmt.Errorf("creating runner: %w", err)
	}
	if release != nil {
		defer func() { _ = release() }()
	}

	clientOpts := []transport.ClientOption{transport.WithMaxFrameBytes(r.opts.Transport.MaxFrameBytes)}
	if r.opts.Transport.DialTimeout > 0 {
		clientOpts = append(clientOpts, transport.WithDialTimeout(r.opts.Transport.DialTimeout))
	}
	env := sandbox.Dial(srv.Addr(), sandbox.Options{
		Tools:             r.opts.Tools,
		Handler:           r.opts.ToolHandler,
		MaxToolIterations: r.opts.Sandbox.MaxToolIterations,
		Runner:            runner,
		MaxFrameBytes:     r.opts.Transport.MaxFrameBytes,
		Logger:            logger.Named("sandbox"),
		Metrics:           r.opts.Metrics,
	}, clientOpts...)
	defer env.Close()

	call := &run{
		rlm:     r,
		id:      runID,
		env:     env,
		hooks:   hooks,
		logger:  logger,
		history: append([]models.Message{{Role: models.RoleSystem, Content: r.opts.SystemPrompt}}, prompt...),
	}
	if c, ok := r.client.(models.Chainer); ok && c.SupportsChaining() {
		call.chaining = true
	}

	answer, iterations, err := call.loop(ctx)
	total := call.usage.Merge(handler.Usage())
	if err != nil {
		return Result{RunID: runID, Usage: total, Iterations: iterations}, err
	}
	logger.Info("completion finished",
		zap.Int("iterations", iterations),
		zap.Duration("elapsed", time.Since(start)))
	return Result{RunID: runID, Response: answer, Usage: total, Iterations: iterations}, nil
}
