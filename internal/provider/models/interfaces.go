package models

import (
	"context"

	"github.com/Delta-Labs-AG/rlm/internal/usage"
)

// Client is the uniform capability every model backend provides. The
// orchestrator and sandbox depend only on this contract.
type Client interface {
	// Completion requests the next turn. Tool calls requested by the model
	// come back fully parsed; plain text comes back as content.
	Completion(ctx context.Context, req Request) (TurnRecord, error)

	// CompletionAsync runs Completion without blocking the caller. The
	// channel yields exactly one result and is then closed.
	CompletionAsync(ctx context.Context, req Request) <-chan TurnResult

	// GetUsageSummary returns cumulative usage since construction.
	GetUsageSummary() usage.Summary

	// GetLastUsage returns only the most recent call's contribution.
	GetLastUsage() usage.Summary

	// ModelName returns the model identifier used as the usage key.
	ModelName() string
}

// Chainer is implemented by clients that can continue a conversation from
// an earlier response id instead of receiving the full history again.
type Chainer interface {
	SupportsChaining() bool
}

// TurnResult is the outcome of an asynchronous completion.
type TurnResult struct {
	Turn TurnRecord
	Err  error
}

// RunAsync runs fn on its own goroutine and delivers its result on a
// buffered channel, so an abandoned receiver never leaks the goroutine.
func RunAsync(ctx context.Context, fn func(context.Context) (TurnRecord, error)) <-chan TurnResult {
	ch := make(chan TurnResult, 1)
	go func() {
		defer close(ch)
		turn, err := fn(ctx)
		ch <- TurnResult{Turn: turn, Err: err}
	}()
	return ch
}

// Accounting implements the usage half of Client. Backends embed it and
// call RecordUsage once per successful call.
type Accounting struct {
	tracker usage.Tracker
}

// RecordUsage adds one call for model and returns its contribution.
func (a *Accounting) RecordUsage(model string, inputTokens, outputTokens int) usage.Summary {
	return a.tracker.Record(model, inputTokens, outputTokens)
}

// GetUsageSummary returns cumulative usage.
func (a *Accounting) GetUsageSummary() usage.Summary {
	return a.tracker.Summary()
}

// GetLastUsage returns the most recent call's contribution.
func (a *Accounting) GetLastUsage() usage.Summary {
	return a.tracker.Last()
}
