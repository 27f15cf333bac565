// Package middleware provides models.Client wrappers.
package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"github.com/Delta-Labs-AG/rlm/internal/usage"
)

// AdaptiveRateLimiter is an AIMD token bucket measured in estimated tokens
// per minute. It halves its budget when the backend reports a rate limit and
// recovers additively on every success. Safe for concurrent use; one
// instance is shared by every call through the wrapped client.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// NewAdaptiveRateLimiter builds a limiter starting at initialTPM. maxTPM
// below initialTPM is clamped to it.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := max(initialTPM*0.1, 1)
	recoveryRate := max(initialTPM*0.05, 1)

	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wrap returns a client that waits on the limiter before each completion.
func (l *AdaptiveRateLimiter) Wrap(next models.Client) models.Client {
	return &limitedClient{next: next, limiter: l}
}

// CurrentTPM returns the effective budget.
func (l *AdaptiveRateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req models.Request) error {
	tokens := estimateTokens(req)
	if burst := l.limiter.Burst(); tokens > burst {
		tokens = burst
	}
	return l.limiter.WaitN(ctx, tokens)
}

func (l *AdaptiveRateLimiter) observe(err error) {
	switch {
	case err == nil:
		l.adjust(l.recoveryRate)
	case errors.Is(err, models.ErrRateLimit):
		l.adjust(-l.CurrentTPM() * 0.5)
	}
}

func (l *AdaptiveRateLimiter) adjust(delta float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	newTPM := min(max(l.currentTPM+delta, l.minTPM), l.maxTPM)
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

// estimateTokens approximates one token per three characters plus a fixed
// buffer for framing.
func estimateTokens(req models.Request) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	if chars == 0 {
		return 500
	}
	return max(chars/3, 1) + 500
}

type limitedClient struct {
	next    models.Client
	limiter *AdaptiveRateLimiter
}

func (c *limitedClient) Completion(ctx context.Context, req models.Request) (models.TurnRecord, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return models.TurnRecord{}, err
	}
	turn, err := c.next.Completion(ctx, req)
	c.limiter.observe(err)
	return turn, err
}

func (c *limitedClient) CompletionAsync(ctx context.Context, req models.Request) <-chan models.TurnResult {
	return models.RunAsync(ctx, func(ctx context.Context) (models.TurnRecord, error) {
		return c.Completion(ctx, req)
	})
}

func (c *limitedClient) GetUsageSummary() usage.Summary { return c.next.GetUsageSummary() }
func (c *limitedClient) GetLastUsage() usage.Summary    { return c.next.GetLastUsage() }
func (c *limitedClient) ModelName() string              { return c.next.ModelName() }

// SupportsChaining forwards to the wrapped client.
func (c *limitedClient) SupportsChaining() bool {
	ch, ok := c.next.(models.Chainer)
	return ok && ch.SupportsChaining()
}
