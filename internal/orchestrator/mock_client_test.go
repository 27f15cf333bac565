package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"github.com/Delta-Labs-AG/rlm/internal/sandbox"
	"github.com/Delta-Labs-AG/rlm/internal/usage"
	"go.uber.org/zap"
)

// MockClient implements models.Client for testing
type MockClient struct {
	mu       sync.Mutex
	requests []models.Request

	CompletionFunc func(ctx context.Context, req models.Request) (models.TurnRecord, error)
	Model          string
}

func (m *MockClient) Completion(ctx context.Context, req models.Request) (models.TurnRecord, error) {
	recorded := req
	recorded.Messages = append([]models.Message(nil), req.Messages...)
	m.mu.Lock()
	m.requests = append(m.requests, recorded)
	m.mu.Unlock()

	if m.CompletionFunc != nil {
		return m.CompletionFunc(ctx, req)
	}
	return models.TurnRecord{}, errors.New("not implemented")
}

func (m *MockClient) CompletionAsync(ctx context.Context, req models.Request) <-chan models.TurnResult {
	return models.RunAsync(ctx, func(ctx context.Context) (models.TurnRecord, error) {
		return m.Completion(ctx, req)
	})
}

func (m *MockClient) GetUsageSummary() usage.Summary { return usage.Summary{} }

func (m *MockClient) GetLastUsage() usage.Summary { return usage.Summary{} }

func (m *MockClient) ModelName() string {
	if m.Model != "" {
		return m.Model
	}
	return "test-model"
}

func (m *MockClient) Requests() []models.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Request(nil), m.requests...)
}

// ChainingClient is a MockClient that continues from response ids.
type ChainingClient struct {
	MockClient
}

func (c *ChainingClient) SupportsChaining() bool { return true }

// scriptedTurns answers top-level requests (those carrying the system
// message or a previous response id) from turns in order and every other
// request with subAnswer.
func scriptedTurns(t *testing.T, subAnswer string, turns ...string) func(context.Context, models.Request) (models.TurnRecord, error) {
	t.Helper()
	var mu sync.Mutex
	next := 0
	return func(_ context.Context, req models.Request) (models.TurnRecord, error) {
		if !isTopLevel(req) {
			turn := models.NewTextTurn(subAnswer)
			turn.Usage = usage.Single("sub-model", 1, 2)
			return turn, nil
		}
		mu.Lock()
		defer mu.Unlock()
		if next >= len(turns) {
			return models.TurnRecord{}, errors.New("script exhausted")
		}
		turn := models.NewTextTurn(turns[next])
		next++
		turn.ResponseID = fmt.Sprintf("resp-%d", next)
		turn.Usage = usage.Single("root-model", 10, 5)
		return turn, nil
	}
}

func isTopLevel(req models.Request) bool {
	if req.PreviousResponseID != "" {
		return true
	}
	return len(req.Messages) > 0 && req.Messages[0].Role == models.RoleSystem
}

// stubRunner stands in for the interpreter. Run answers through RunFunc
// with the bridge address taken from the child environment.
type stubRunner struct {
	mu    sync.Mutex
	codes []string

	RunFunc func(ctx context.Context, code, addr string) (sandbox.ExecResult, error)
}

func (s *stubRunner) Run(ctx context.Context, code string, env []string) (sandbox.ExecResult, error) {
	s.mu.Lock()
	s.codes = append(s.codes, code)
	s.mu.Unlock()

	var addr string
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "RLM_LM_ADDR="); ok {
			addr = v
		}
	}
	if s.RunFunc == nil {
		return sandbox.ExecResult{Stdout: "ran\n"}, nil
	}
	return s.RunFunc(ctx, code, addr)
}

func (s *stubRunner) Codes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.codes...)
}

// newTestRLM creates an RLM whose every call uses runner.
func newTestRLM(client models.Client, runner sandbox.Runner, opts Options) *RLM {
	opts.NewRunner = func() (sandbox.Runner, func() error, error) {
		return runner, nil, nil
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return New(client, opts)
}

