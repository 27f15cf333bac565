// Package telemetry holds the prometheus metrics and otel tracing helpers
// shared by the orchestrator and the sandbox.
package telemetry

import (
	"time"

	"github.com/Delta-Labs-AG/rlm/internal/usage"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the counters an RLM run updates. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	iterations        prometheus.Counter
	subqueries        *prometheus.CounterVec
	tokens            *prometheus.CounterVec
	toolLoopExhausted prometheus.Counter
	runs              *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rlm_iterations_total",
			Help: "Completed orchestration iterations",
		}),
		subqueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rlm_subqueries_total",
			Help: "Prompts resolved for code running in the sandbox",
		}, []string{"mode"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rlm_model_tokens_total",
			Help: "Tokens reported by model backends",
		}, []string{"model", "direction"}),
		toolLoopExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rlm_tool_loop_exhausted_total",
			Help: "Queries that hit the tool-calling round trip bound",
		}),
		runs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rlm_run_duration_seconds",
			Help:    "Duration of top-level completions",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{m.iterations, m.subqueries, m.tokens, m.toolLoopExhausted, m.runs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// IncIteration counts one completed iteration.
func (m *Metrics) IncIteration() {
	if m == nil {
		return
	}
	m.iterations.Inc()
}

// AddSubqueries counts n prompts resolved in one sandbox request.
func (m *Metrics) AddSubqueries(batched bool, n int) {
	if m == nil {
		return
	}
	mode := "single"
	if batched {
		mode = "batched"
	}
	m.subqueries.WithLabelValues(mode).Add(float64(n))
}

// AddUsage adds every model's token counts in s.
func (m *Metrics) AddUsage(s usage.Summary) {
	if m == nil {
		return
	}
	for _, name := range s.ModelNames() {
		mu := s.Models[name]
		m.tokens.WithLabelValues(name, "input").Add(float64(mu.TotalInputTokens))
		m.tokens.WithLabelValues(name, "output").Add(float64(mu.TotalOutputTokens))
	}
}

// IncToolLoopExhausted counts one query that ran out of tool rounds.
func (m *Metrics) IncToolLoopExhausted() {
	if m == nil {
		return
	}
	m.toolLoopExhausted.Inc()
}

// ObserveRun records a finished top-level completion.
func (m *Metrics) ObserveRun(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.runs.WithLabelValues(outcome).Observe(d.Seconds())
}
