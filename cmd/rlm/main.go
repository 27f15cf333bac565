// Package main provides the rlm command. It answers one task with a
// recursive language model: the model writes Python that may itself query
// models, and the final answer is printed to stdout.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Delta-Labs-AG/rlm/internal/config"
	"github.com/Delta-Labs-AG/rlm/internal/display"
	"github.com/Delta-Labs-AG/rlm/internal/orchestrator"
	"github.com/Delta-Labs-AG/rlm/internal/provider"
	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"github.com/Delta-Labs-AG/rlm/internal/sandbox"
	"github.com/Delta-Labs-AG/rlm/internal/telemetry"
	"github.com/Delta-Labs-AG/rlm/internal/trajectory"
	"github.com/Delta-Labs-AG/rlm/internal/usage"
	"github.com/Delta-Labs-AG/rlm/internal/workspace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// Dependencies holds the components run needs from the outside world.
type Dependencies struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	LoadConfig    func(path string) (*config.Config, *viper.Viper, error)
	ClientFactory func(ctx context.Context, cfg config.ProviderConfig, logger *zap.Logger) (models.Client, error)
	// NewRunner overrides the interpreter; nil uses python processes.
	NewRunner orchestrator.RunnerFactory
}

type flags struct {
	configPath    string
	verbose       bool
	jsonOutput    bool
	backend       string
	model         string
	api           string
	maxIterations int
	metricsAddr   string
	trajectory    string
	workspace     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := Dependencies{
		Stdin:         os.Stdin,
		Stdout:        os.Stdout,
		Stderr:        os.Stderr,
		LoadConfig:    config.Load,
		ClientFactory: provider.NewFactory().New,
	}
	os.Exit(run(ctx, os.Args[1:], deps))
}

func parseFlags(args []string, stderr io.Writer) (flags, []string, error) {
	var f flags
	fs := pflag.NewFlagSet("rlm", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&f.configPath, "config", "c", "", "config file (default ~/.config/rlm/config.yaml)")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "print iterations and sub-queries to stderr")
	fs.BoolVar(&f.jsonOutput, "json", false, "print the result as JSON")
	fs.StringVar(&f.backend, "backend", "", "model backend: gemini, openai or anthropic")
	fs.StringVarP(&f.model, "model", "m", "", "model name")
	fs.StringVar(&f.api, "api", "", "openai API: chat or responses (responses chains turns server side)")
	fs.IntVar(&f.maxIterations, "max-iterations", 0, "iteration bound")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.StringVar(&f.trajectory, "trajectory", "", "append iteration events to this JSONL file")
	fs.StringVarP(&f.workspace, "workspace", "w", "", "offer read-only file tools over this directory to sub-queries")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: rlm [flags] <task...>   (reads the task from stdin when no task is given)")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return flags{}, nil, err
	}
	return f, fs.Args(), nil
}

func (f flags) apply(cfg *config.Config) error {
	if f.backend != "" {
		cfg.Provider.Backend = f.backend
	}
	if f.model != "" {
		cfg.Provider.Model = f.model
	}
	if f.api != "" {
		cfg.Provider.API = f.api
	}
	if f.maxIterations > 0 {
		cfg.Orchestrator.MaxIterations = f.maxIterations
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Addr = f.metricsAddr
	}
	if f.trajectory != "" {
		cfg.Trajectory.Path = f.trajectory
	}
	if f.workspace != "" {
		cfg.Workspace.Root = f.workspace
	}
	if f.verbose {
		cfg.Orchestrator.Verbose = true
	}
	return cfg.Validate()
}

func readTask(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	if stdin == nil {
		return "", errors.New("no task given")
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("reading task from stdin: %w", err)
	}
	task := strings.TrimSpace(string(data))
	if task == "" {
		return "", errors.New("no task given")
	}
	return task, nil
}

func run(ctx context.Context, args []string, deps Dependencies) int {
	f, rest, err := parseFlags(args, deps.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	cfg, v, err := deps.LoadConfig(f.configPath)
	if err != nil {
		fmt.Fprintf(deps.Stderr, "Error: failed to load config: %v\n", err)
		return exitError
	}
	if err := f.apply(cfg); err != nil {
		fmt.Fprintf(deps.Stderr, "Error: %v\n", err)
		return exitUsage
	}

	task, err := readTask(rest, deps.Stdin)
	if err != nil {
		fmt.Fprintf(deps.Stderr, "Error: %v\n", err)
		return exitUsage
	}

	logger, err := config.NewLogger(v)
	if err != nil {
		fmt.Fprintf(deps.Stderr, "Error: failed to create logger: %v\n", err)
		return exitError
	}
	defer func() { _ = logger.Sync() }()

	res, err := complete(ctx, cfg, task, deps, logger)
	if err != nil {
		logger.Error("completion failed", zap.Error(err))
		fmt.Fprintf(deps.Stderr, "Error: %v\n", err)
		return exitError
	}

	if f.jsonOutput {
		if err := writeJSON(deps.Stdout, res); err != nil {
			fmt.Fprintf(deps.Stderr, "Error: %v\n", err)
			return exitError
		}
		return exitOK
	}
	fmt.Fprintln(deps.Stdout, res.Response)
	return exitOK
}

func complete(ctx context.Context, cfg *config.Config, task string, deps Dependencies, logger *zap.Logger) (orchestrator.Result, error) {
	client, err := deps.ClientFactory(ctx, cfg.Provider, logger.Named("provider"))
	if err != nil {
		return orchestrator.Result{}, err
	}

	reg := prometheus.NewRegistry()
	metrics, err := telemetry.NewMetrics(reg)
	if err != nil {
		return orchestrator.Result{}, err
	}
	if cfg.Metrics.Addr != "" {
		stopMetrics := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer stopMetrics()
	}

	sink, err := trajectory.Open(ctx, cfg.Trajectory)
	if err != nil {
		return orchestrator.Result{}, err
	}
	if sink != nil {
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Warn("closing trajectory sink", zap.Error(err))
			}
		}()
	}

	opts := orchestrator.Options{
		MaxIterations: cfg.Orchestrator.MaxIterations,
		CodeLanguages: cfg.Orchestrator.CodeLanguages,
		Sandbox:       cfg.Sandbox,
		Transport:     cfg.Transport,
		NewRunner:     deps.NewRunner,
		Sink:          sink,
		Metrics:       metrics,
		Logger:        logger,
	}
	if cfg.Workspace.Root != "" {
		ws, err := workspace.New(cfg.Workspace)
		if err != nil {
			return orchestrator.Result{}, err
		}
		tools, err := sandbox.NewToolSet(ws.Tools()...)
		if err != nil {
			return orchestrator.Result{}, err
		}
		opts.Tools = tools.Definitions()
		opts.ToolHandler = tools
	}

	var hooks orchestrator.Hooks
	var printer *display.Printer
	if cfg.Orchestrator.Verbose {
		printer, err = display.NewPrinter(deps.Stderr)
		if err != nil {
			return orchestrator.Result{}, err
		}
		hooks = printer.Hooks()
	}

	res, err := orchestrator.New(client, opts).Completion(ctx, task, hooks)
	if err != nil {
		return res, err
	}
	if printer != nil {
		printer.Result(res)
	}
	return res, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics listener stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

type jsonResult struct {
	RunID      string        `json:"run_id"`
	Response   string        `json:"response"`
	Iterations int           `json:"iterations"`
	Usage      usage.Summary `json:"usage"`
}

func writeJSON(w io.Writer, res orchestrator.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonResult{
		RunID:      res.RunID,
		Response:   res.Response,
		Iterations: res.Iterations,
		Usage:      res.Usage,
	})
}
