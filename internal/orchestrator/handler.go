package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"github.com/Delta-Labs-AG/rlm/internal/telemetry"
	"github.com/Delta-Labs-AG/rlm/internal/transport"
	"github.com/Delta-Labs-AG/rlm/internal/usage"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// lmHandler resolves the sub-queries one call's sandbox sends and keeps
// their usage. Batched prompts fan out concurrently.
type lmHandler struct {
	runCtx    context.Context
	client    models.Client
	onRequest func(transport.Request, transport.Response)
	metrics   *telemetry.Metrics
	logger    *zap.Logger

	hookMu sync.Mutex

	usageMu sync.Mutex
	usage   usage.Summary
}

func newLMHandler(runCtx context.Context, client models.Client, onRequest func(transport.Request, transport.Response), metrics *telemetry.Metrics, logger *zap.Logger) *lmHandler {
	return &lmHandler{
		runCtx:    runCtx,
		client:    client,
		onRequest: onRequest,
		metrics:   metrics,
		logger:    logger,
	}
}

// Handle implements transport.Handler. Every request, successful or not,
// is reported to onRequest exactly once.
func (h *lmHandler) Handle(ctx context.Context, req transport.Request) (transport.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.runCtx, cancel)
	defer stop()

	ctx, span := telemetry.StartSpan(ctx, "rlm.subquery",
		attribute.Bool("batched", req.Batched),
		attribute.String("request_id", req.ID))

	resp, err := h.resolve(ctx, req)
	if err != nil {
		h.logger.Debug("sub-query failed", zap.String("request_id", req.ID), zap.Error(err))
		resp = transport.ErrorResponse(err.Error())
	}
	telemetry.EndSpan(span, err)

	h.notify(req, resp)
	return resp, nil
}

func (h *lmHandler) resolve(ctx context.Context, req transport.Request) (transport.Response, error) {
	if !req.Batched {
		rec, err := h.complete(ctx, req.Prompt, req.Tools)
		if err != nil {
			return transport.Response{}, err
		}
		h.metrics.AddSubqueries(false, 1)
		return transport.SingleResponse(rec), nil
	}

	recs := make([]transport.CompletionRecord, len(req.Prompts))
	g, gctx := errgroup.WithContext(ctx)
	for i, prompt := range req.Prompts {
		g.Go(func() error {
			rec, err := h.complete(gctx, prompt, req.Tools)
			if err != nil {
				return err
			}
			recs[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return transport.Response{}, err
	}
	h.metrics.AddSubqueries(true, len(recs))
	return transport.BatchedResponse(recs), nil
}

func (h *lmHandler) complete(ctx context.Context, prompt transport.Prompt, tools []models.ToolDefinition) (transport.CompletionRecord, error) {
	start := time.Now()
	turn, err := h.client.Completion(ctx, models.Request{Messages: prompt, Tools: tools})
	if err != nil {
		return transport.CompletionRecord{}, err
	}
	h.addUsage(turn.Usage)

	text, err := transport.EncodeTurn(turn)
	if err != nil {
		return transport.CompletionRecord{}, err
	}
	model := turn.Model
	if model == "" {
		model = h.client.ModelName()
	}
	return transport.NewCompletionRecord(model, prompt, text, turn.Usage, time.Since(start)), nil
}

func (h *lmHandler) addUsage(s usage.Summary) {
	h.usageMu.Lock()
	defer h.usageMu.Unlock()
	h.usage = h.usage.Merge(s)
}

// Usage returns the usage of every sub-query resolved so far.
func (h *lmHandler) Usage() usage.Summary {
	h.usageMu.Lock()
	defer h.usageMu.Unlock()
	return h.usage.Clone()
}

func (h *lmHandler) notify(req transport.Request, resp transport.Response) {
	if h.onRequest == nil {
		return
	}
	h.hookMu.Lock()
	defer h.hookMu.Unlock()
	h.onRequest(req, resp)
}
