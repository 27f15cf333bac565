package sandbox

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/Delta-Labs-AG/rlm/internal/config"
	"github.com/Delta-Labs-AG/rlm/internal/transport"
	"go.uber.org/zap"
)

//go:embed prelude.py
var prelude string

const (
	// cellFrameBytes bounds one cell or reply frame on the interpreter pipes.
	cellFrameBytes = transport.DefaultMaxFrameBytes
	// stdioTailBytes is how much of the interpreter's own stdio is kept.
	stdioTailBytes = 4096
)

// Runner is the process boundary: run code, capture its output, enforce a
// wall-clock limit. env holds extra KEY=VALUE pairs for the child.
type Runner interface {
	Run(ctx context.Context, code string, env []string) (ExecResult, error)
}

// ExecResult is the outcome of one code execution.
type ExecResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
	TimedOut  bool
	Duration  time.Duration

	// Binary is set when a stream was dropped for holding a NUL byte.
	Binary *BinaryOutput
	// StateReset reports that the interpreter was replaced, so variables
	// from earlier executions are gone.
	StateReset bool
}

// Output renders the result as the feedback shown to the model.
func (r ExecResult) Output() string {
	var b strings.Builder
	b.WriteString(r.Stdout)
	if r.Stderr != "" {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
		b.WriteString(r.Stderr)
	}
	if r.Binary != nil {
		b.WriteString("\n" + r.Binary.String())
	}
	if r.TimedOut {
		b.WriteString("\n[execution timed out]")
	} else if r.ExitCode != 0 {
		fmt.Fprintf(&b, "\n[exit code %d]", r.ExitCode)
	}
	if r.Truncated && r.Binary == nil {
		b.WriteString("\n[output truncated]")
	}
	if r.StateReset {
		b.WriteString("\n[interpreter restarted, earlier variables are gone]")
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "No output"
	}
	return out
}

// cellRequest is one block of code sent to the interpreter.
type cellRequest struct {
	Code           string            `json:"code"`
	Env            map[string]string `json:"env,omitempty"`
	MaxOutputBytes int               `json:"max_output_bytes"`
}

// cellReply is the interpreter's report on one cell.
type cellReply struct {
	Stdout      capturedStream `json:"stdout"`
	Stderr      capturedStream `json:"stderr"`
	ExitCode    int            `json:"exit_code"`
	Interrupted bool           `json:"interrupted"`
}

// ProcessRunner keeps one interpreter process alive across executions, so a
// variable defined by one block is visible to the next. The prelude defines
// llm_query and llm_query_batched, then reads cells on fd 3 and answers on
// fd 4. The interpreter inherits only the allowlisted environment.
type ProcessRunner struct {
	interpreter    string
	workDir        string
	ownsWorkDir    bool
	timeout        time.Duration
	grace          time.Duration
	maxOutputBytes int
	envAllowlist   []string
	logger         *zap.Logger

	mu     sync.Mutex
	proc   *interpreter
	closed bool
}

// NewProcessRunner creates a runner from cfg. An empty work directory is
// replaced by a temporary one removed on Close. The interpreter starts on
// the first Run.
func NewProcessRunner(cfg config.SandboxConfig, logger *zap.Logger) (*ProcessRunner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ProcessRunner{
		interpreter:    cfg.Interpreter,
		workDir:        cfg.WorkDir,
		timeout:        cfg.Timeout,
		grace:          cfg.GracePeriod,
		maxOutputBytes: cfg.MaxOutputBytes,
		envAllowlist:   cfg.EnvAllowlist,
		logger:         logger,
	}
	if r.interpreter == "" {
		r.interpreter = "python3"
	}
	if r.maxOutputBytes <= 0 {
		r.maxOutputBytes = 1024 * 1024
	}
	if len(r.envAllowlist) == 0 {
		r.envAllowlist = config.DefaultEnvAllowlist
	}
	if r.workDir == "" {
		dir, err := os.MkdirTemp("", "rlm-sandbox-*")
		if err != nil {
			return nil, fmt.Errorf("creating sandbox work dir: %w", err)
		}
		r.workDir = dir
		r.ownsWorkDir = true
	}
	return r, nil
}

// WorkDir returns the directory code runs in.
func (r *ProcessRunner) WorkDir() string {
	return r.workDir
}

// Close stops the interpreter and removes the work directory if the runner
// created it.
func (r *ProcessRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.proc != nil {
		r.proc.stop(r.grace)
		r.proc = nil
	}
	if !r.ownsWorkDir {
		return nil
	}
	return os.RemoveAll(r.workDir)
}

// Run implements Runner. Executions are serialized. A non-zero exit is
// reported on the result, not as an error. Exceeding the timeout interrupts
// the cell and returns ErrTimeout; if the cell ignores the interrupt for the
// grace period the interpreter is killed and the next Run starts a new one.
func (r *ProcessRunner) Run(ctx context.Context, code string, env []string) (ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ExecResult{}, ErrClosed
	}

	start := time.Now()
	cell := cellRequest{Code: code, Env: envMap(env), MaxOutputBytes: r.maxOutputBytes}
	proc, reset, err := r.sendCell(cell, env)
	if err != nil {
		return ExecResult{}, err
	}

	replies := make(chan cellOutcome, 1)
	go func() {
		var rep cellReply
		err := transport.ReadFrame(proc.results, &rep, cellFrameBytes)
		replies <- cellOutcome{reply: rep, err: err}
	}()

	var timeout <-chan time.Time
	if r.timeout > 0 {
		timer := time.NewTimer(r.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var (
		res     ExecResult
		execErr error
	)
	select {
	case out := <-replies:
		res = r.finish(proc, out)
	case <-ctx.Done():
		r.discard()
		res = ExecResult{ExitCode: -1, StateReset: true}
		execErr = ctx.Err()
	case <-timeout:
		_ = proc.cmd.Process.Signal(os.Interrupt)
		select {
		case out := <-replies:
			res = r.finish(proc, out)
		case <-time.After(r.grace):
			r.discard()
			res = ExecResult{StateReset: true}
		}
		res.ExitCode = -1
		execErr = ErrTimeout
	}
	res.StateReset = res.StateReset || reset
	res.Duration = time.Since(start)

	r.logger.Debug("code executed",
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("elapsed", res.Duration),
		zap.Bool("truncated", res.Truncated),
		zap.Bool("state_reset", res.StateReset))
	return res, execErr
}

type cellOutcome struct {
	reply cellReply
	err   error
}

// sendCell hands cell to the live interpreter, starting one if needed. An
// interpreter that died between executions is replaced once, and reset
// reports the replacement.
func (r *ProcessRunner) sendCell(cell cellRequest, env []string) (*interpreter, bool, error) {
	reset := false
	for attempt := 0; ; attempt++ {
		if r.proc == nil {
			proc, err := r.start(env)
			if err != nil {
				return nil, false, err
			}
			r.proc = proc
		}
		err := transport.WriteFrame(r.proc.cells, cell, cellFrameBytes)
		if err == nil {
			return r.proc, reset, nil
		}
		r.discard()
		if attempt > 0 {
			return nil, false, &CommandError{Cmd: r.interpreter, Stage: "send", Cause: err}
		}
		reset = true
	}
}

// finish turns the interpreter's reply into a result. A read error means
// the interpreter exited mid-cell, which the code itself can cause.
func (r *ProcessRunner) finish(proc *interpreter, out cellOutcome) ExecResult {
	if out.err != nil {
		proc.kill()
		r.proc = nil
		res := ExecResult{ExitCode: proc.cmd.ProcessState.ExitCode(), StateReset: true}
		res.Stderr = strings.TrimSpace(proc.stdio.String())
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
		r.logger.Warn("interpreter exited during execution",
			zap.Int("exit_code", res.ExitCode), zap.Error(out.err))
		return res
	}

	var res ExecResult
	var stdoutCut, stderrCut bool
	var binary *BinaryOutput
	res.Stdout, stdoutCut, binary = clipStream("stdout", out.reply.Stdout, r.maxOutputBytes)
	res.Binary = binary
	res.Stderr, stderrCut, binary = clipStream("stderr", out.reply.Stderr, r.maxOutputBytes)
	if res.Binary == nil {
		res.Binary = binary
	}
	res.Truncated = stdoutCut || stderrCut
	res.ExitCode = out.reply.ExitCode
	if out.reply.Interrupted {
		res.ExitCode = -1
	}
	return res
}

// discard kills the live interpreter, if any.
func (r *ProcessRunner) discard() {
	if r.proc == nil {
		return
	}
	r.proc.kill()
	r.proc = nil
}

// childEnv is the allowlisted slice of this process's environment plus the
// pairs the caller passes.
func (r *ProcessRunner) childEnv(extra []string) []string {
	env := make([]string, 0, len(r.envAllowlist)+len(extra))
	for _, name := range r.envAllowlist {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return append(env, extra...)
}

func (r *ProcessRunner) start(env []string) (*interpreter, error) {
	cellsR, cellsW, err := os.Pipe()
	if err != nil {
		return nil, &CommandError{Cmd: r.interpreter, Stage: "start", Cause: err}
	}
	resultsR, resultsW, err := os.Pipe()
	if err != nil {
		cellsR.Close()
		cellsW.Close()
		return nil, &CommandError{Cmd: r.interpreter, Stage: "start", Cause: err}
	}

	// CommandContext is not used so a timeout can interrupt before killing.
	cmd := exec.Command(r.interpreter, "-u", "-c", prelude)
	cmd.Dir = r.workDir
	cmd.Env = r.childEnv(env)
	cmd.ExtraFiles = []*os.File{cellsR, resultsW}
	stdio := newStdioTail(stdioTailBytes)
	cmd.Stdout = stdio
	cmd.Stderr = stdio
	cmd.WaitDelay = r.grace + time.Second

	err = cmd.Start()
	cellsR.Close()
	resultsW.Close()
	if err != nil {
		cellsW.Close()
		resultsR.Close()
		return nil, &CommandError{Cmd: r.interpreter, Stage: "start", Cause: err}
	}

	p := &interpreter{cmd: cmd, cells: cellsW, results: resultsR, stdio: stdio, exited: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()
	r.logger.Debug("interpreter started", zap.Int("pid", cmd.Process.Pid))
	return p, nil
}

// interpreter is one live interpreter process and its cell pipes.
type interpreter struct {
	cmd     *exec.Cmd
	cells   *os.File
	results *os.File
	stdio   *stdioTail
	exited  chan struct{}
}

func (p *interpreter) kill() {
	_ = p.cmd.Process.Kill()
	<-p.exited
	p.cells.Close()
	p.results.Close()
}

// stop closes the cell pipe, which ends the prelude's read loop, and kills
// the process if it has not exited after grace.
func (p *interpreter) stop(grace time.Duration) {
	p.cells.Close()
	select {
	case <-p.exited:
	case <-time.After(grace):
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	p.results.Close()
}

func envMap(env []string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		m[k] = v
	}
	return m
}
