package orchestrator

import (
	"context"
	"time"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"github.com/Delta-Labs-AG/rlm/internal/sandbox"
	"github.com/Delta-Labs-AG/rlm/internal/telemetry"
	"github.com/Delta-Labs-AG/rlm/internal/trajectory"
	"github.com/Delta-Labs-AG/rlm/internal/transport"
	"github.com/Delta-Labs-AG/rlm/internal/usage"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// run is the state of one Completion call. It is never shared.
type run struct {
	rlm    *RLM
	id     string
	env    *sandbox.Environment
	hooks  Hooks
	logger *zap.Logger

	history  []models.Message
	chaining bool

	// pending holds messages added since the last chained response.
	pending      []models.Message
	lastResponse string

	codeExecuted bool
	usage        usage.Summary
}

func (c *run) loop(ctx context.Context) (string, int, error) {
	limit := c.rlm.opts.MaxIterations
	for index := 1; index <= limit; index++ {
		if err := ctx.Err(); err != nil {
			return "", index - 1, err
		}

		it, err := c.iterate(ctx, index)
		if err != nil {
			return "", index - 1, err
		}

		c.rlm.opts.Metrics.IncIteration()
		c.record(ctx, it)
		if c.hooks.OnIteration != nil {
			c.hooks.OnIteration(it)
		}
		if it.Final {
			return it.FinalAnswer, index, nil
		}
	}
	return "", limit, &MaxIterationsError{Limit: limit}
}

func (c *run) iterate(ctx context.Context, index int) (it Iteration, err error) {
	ctx, span := telemetry.StartSpan(ctx, "rlm.iteration", attribute.Int("index", index))
	defer func() { telemetry.EndSpan(span, err) }()
	start := time.Now()

	turn, err := c.nextTurn(ctx)
	if err != nil {
		return Iteration{}, err
	}
	c.usage = c.usage.Merge(turn.Usage)
	c.rlm.opts.Metrics.AddUsage(turn.Usage)
	c.lastResponse = turn.ResponseID

	it = Iteration{Index: index, Usage: turn.Usage}

	if turn.HasToolCalls() {
		// the top-level loop offers no tools; answer every call so the
		// history stays well formed
		calls := turn.ToolCalls()
		encoded, _ := transport.EncodeTurn(turn)
		it.Response = encoded
		c.appendTurn(models.Message{Role: models.RoleAssistant, ToolCalls: calls})
		for _, call := range calls {
			c.append(models.Message{Role: models.RoleTool, ToolCallID: call.ID, Name: call.Name, Content: toolCallsMessage})
		}
		it.Duration = time.Since(start)
		return it, nil
	}

	text := turn.Text()
	c.appendTurn(models.Message{Role: models.RoleAssistant, Content: text})

	for _, code := range ExtractCodeBlocks(text, c.rlm.opts.CodeLanguages) {
		res, err := c.env.Execute(ctx, code)
		if err != nil {
			return Iteration{}, err
		}
		c.codeExecuted = true
		it.CodeResults = append(it.CodeResults, CodeResult{Code: code, Result: res})
	}

	answer, final := c.rlm.opts.FinalParser.ParseFinal(text)
	switch {
	case final && c.codeExecuted:
		it.Final = true
		it.FinalAnswer = answer
		it.Response = text
	case len(it.CodeResults) > 0:
		feedback := feedbackMessage(it.CodeResults)
		it.Response = text + "\n\n" + feedback
		c.append(models.Message{Role: models.RoleUser, Content: feedback})
	case final:
		c.logger.Debug("final answer before any code ran", zap.Int("index", index))
		it.Response = text
		c.append(models.Message{Role: models.RoleUser, Content: noCodeYetMessage})
	default:
		it.Response = text
		c.append(models.Message{Role: models.RoleUser, Content: continueMessage})
	}

	it.Duration = time.Since(start)
	return it, nil
}

// nextTurn requests the next turn, sending only the new messages when the
// client can chain onto the previous response.
func (c *run) nextTurn(ctx context.Context) (models.TurnRecord, error) {
	req := models.Request{Messages: c.history}
	if c.chaining && c.lastResponse != "" {
		req = models.Request{Messages: c.pending, PreviousResponseID: c.lastResponse}
	}
	turn, err := c.rlm.client.Completion(ctx, req)
	if err != nil {
		return models.TurnRecord{}, err
	}
	c.pending = nil
	return turn, nil
}

// appendTurn records the model's own turn, which a chained backend
// already holds.
func (c *run) appendTurn(m models.Message) {
	c.history = append(c.history, m)
}

func (c *run) append(m models.Message) {
	c.history = append(c.history, m)
	c.pending = append(c.pending, m)
}

func (c *run) record(ctx context.Context, it Iteration) {
	sink := c.rlm.opts.Sink
	if sink == nil {
		return
	}
	code := make([]string, len(it.CodeResults))
	for i, r := range it.CodeResults {
		code[i] = r.Code
	}
	ev := trajectory.Event{
		RunID:       c.id,
		Index:       it.Index,
		Response:    it.Response,
		Code:        code,
		FinalAnswer: it.FinalAnswer,
		Usage:       it.Usage,
		Duration:    it.Duration,
		Time:        time.Now().UTC(),
	}
	if err := sink.Record(ctx, ev); err != nil {
		c.logger.Warn("trajectory record failed", zap.Int("index", it.Index), zap.Error(err))
	}
}
