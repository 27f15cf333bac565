package sandbox

import (
	"context"
	"fmt"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"github.com/Delta-Labs-AG/rlm/internal/transport"
	"go.uber.org/zap"
)

// DefaultMaxToolIterations bounds the round trips of one tool-calling query.
const DefaultMaxToolIterations = 10

// runToolLoop sends prompt with tools until the model answers with plain
// content. Every tool call of a turn is resolved before the next round trip.
// Running out of rounds yields ToolLoopSentinel rather than an error.
func (e *Environment) runToolLoop(ctx context.Context, prompt transport.Prompt, tools []models.ToolDefinition, handler ToolHandler) (string, error) {
	validator := newArgValidator(tools, e.logger)
	messages := prompt.Clone()

	for round := 1; round <= e.maxToolIterations; round++ {
		rec, err := e.sendSingle(ctx, messages, tools)
		if err != nil {
			return "", err
		}

		turn := transport.DecodeTurn(rec.Response)
		if !turn.HasToolCalls() {
			return turn.Text(), nil
		}

		calls := turn.ToolCalls()
		e.logger.Debug("tool round",
			zap.Int("round", round),
			zap.Int("calls", len(calls)))

		messages = append(messages, models.Message{Role: models.RoleAssistant, ToolCalls: calls})
		for _, call := range calls {
			messages = append(messages, models.Message{
				Role:       models.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    e.invokeTool(ctx, handler, validator, call),
			})
		}
	}

	e.logger.Warn("tool loop exhausted", zap.Int("bound", e.maxToolIterations))
	e.metrics.IncToolLoopExhausted()
	return ToolLoopSentinel(e.maxToolIterations), nil
}

// invokeTool never fails: validation errors, handler errors and panics all
// become the call's result text.
func (e *Environment) invokeTool(ctx context.Context, handler ToolHandler, validator *argValidator, call models.ToolCall) (result string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("tool handler panic", zap.String("tool", call.Name), zap.Any("panic", r))
			result = fmt.Sprintf("Error: tool %s panicked: %v", call.Name, r)
		}
	}()

	if err := validator.validate(call.Name, call.Arguments); err != nil {
		return fmt.Sprintf("Error: invalid arguments for %s: %v", call.Name, err)
	}

	out, err := handler.HandleTool(ctx, call.Name, call.Arguments)
	if err != nil {
		e.logger.Debug("tool handler failed", zap.String("tool", call.Name), zap.Error(err))
		return "Error: " + err.Error()
	}
	return out
}
