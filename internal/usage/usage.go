// Package usage accumulates per-model call and token counters across direct
// and recursive model calls.
package usage

import (
	"maps"
	"slices"
	"sync"
)

// ModelUsage holds the counters for a single model identifier.
type ModelUsage struct {
	TotalCalls        int `json:"total_calls"`
	TotalInputTokens  int `json:"total_input_tokens"`
	TotalOutputTokens int `json:"total_output_tokens"`
}

// Add returns the counter-wise sum of u and other.
func (u ModelUsage) Add(other ModelUsage) ModelUsage {
	return ModelUsage{
		TotalCalls:        u.TotalCalls + other.TotalCalls,
		TotalInputTokens:  u.TotalInputTokens + other.TotalInputTokens,
		TotalOutputTokens: u.TotalOutputTokens + other.TotalOutputTokens,
	}
}

// Summary maps a model identifier to its accumulated usage.
// The zero value is an empty summary ready to use.
type Summary struct {
	Models map[string]ModelUsage `json:"model_usage_summaries"`
}

// Single returns a summary holding one call's contribution for model.
func Single(model string, inputTokens, outputTokens int) Summary {
	return Summary{Models: map[string]ModelUsage{
		model: {TotalCalls: 1, TotalInputTokens: inputTokens, TotalOutputTokens: outputTokens},
	}}
}

// Merge returns a new summary where counters for every model key present in
// either operand are added. Neither operand is modified.
func (s Summary) Merge(other Summary) Summary {
	out := Summary{Models: make(map[string]ModelUsage, len(s.Models)+len(other.Models))}
	for model, u := range s.Models {
		out.Models[model] = u
	}
	for model, u := range other.Models {
		out.Models[model] = out.Models[model].Add(u)
	}
	return out
}

// Clone returns a deep copy of s.
func (s Summary) Clone() Summary {
	if s.Models == nil {
		return Summary{}
	}
	return Summary{Models: maps.Clone(s.Models)}
}

// Total returns the counters summed across all models.
func (s Summary) Total() ModelUsage {
	var total ModelUsage
	for _, u := range s.Models {
		total = total.Add(u)
	}
	return total
}

// ModelNames returns the model keys in sorted order.
func (s Summary) ModelNames() []string {
	return slices.Sorted(maps.Keys(s.Models))
}

// IsEmpty reports whether s has no recorded calls.
func (s Summary) IsEmpty() bool {
	return len(s.Models) == 0
}

// Equal reports whether both summaries hold the same counters. Models with
// all-zero counters are treated as absent.
func (s Summary) Equal(other Summary) bool {
	return maps.Equal(nonZero(s.Models), nonZero(other.Models))
}

func nonZero(m map[string]ModelUsage) map[string]ModelUsage {
	out := make(map[string]ModelUsage, len(m))
	for k, v := range m {
		if v != (ModelUsage{}) {
			out[k] = v
		}
	}
	return out
}

// Tracker accumulates usage for a model client. It is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	total Summary
	last  Summary
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Record adds one call for model and returns that call's contribution.
func (t *Tracker) Record(model string, inputTokens, outputTokens int) Summary {
	call := Single(model, inputTokens, outputTokens)
	t.Add(call)
	return call
}

// Add merges an externally computed summary and marks it as the last usage.
func (t *Tracker) Add(s Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = t.total.Merge(s)
	t.last = s.Clone()
}

// Summary returns the cumulative usage since the tracker was created.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total.Clone()
}

// Last returns the contribution of the most recently recorded call.
func (t *Tracker) Last() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last.Clone()
}
