// Package transport carries model requests between a sandbox and the
// orchestrator's model dispatcher as length-prefixed JSON frames over TCP.
package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"github.com/Delta-Labs-AG/rlm/internal/usage"
)

var (
	// ErrInvalidPrompt is a configuration error raised before any network
	// activity when a prompt is neither text nor a role/content list.
	ErrInvalidPrompt = errors.New("invalid prompt type")

	// ErrInvalidRequest reports a request whose fields contradict its mode.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRemote wraps the failure marker returned by the other side.
	ErrRemote = errors.New("remote error")

	// ErrMalformedResponse reports a response that is neither a success nor
	// a failure, or whose batch length does not match the request.
	ErrMalformedResponse = errors.New("malformed response")
)

// Prompt is a normalized prompt: an ordered list of role/content turns.
// On the wire a bare JSON string is also accepted and wrapped as one user turn.
type Prompt []models.Message

// Clone returns a deep copy of p.
func (p Prompt) Clone() Prompt {
	if p == nil {
		return nil
	}
	out := make(Prompt, len(p))
	for i, m := range p {
		if m.ToolCalls != nil {
			calls := make([]models.ToolCall, len(m.ToolCalls))
			for j, c := range m.ToolCalls {
				c.Arguments = cloneMap(c.Arguments)
				calls[j] = c
			}
			m.ToolCalls = calls
		}
		out[i] = m
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// UnmarshalJSON accepts either a message list or a bare string.
func (p *Prompt) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*p = Prompt{{Role: models.RoleUser, Content: text}}
		return nil
	}
	var msgs []models.Message
	if err := json.Unmarshal(trimmed, &msgs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPrompt, err)
	}
	*p = msgs
	return nil
}

// NormalizePrompt wraps text as a single user turn and passes role/content
// lists through unchanged. Decoded JSON lists of objects are accepted when
// every element carries string role and content fields. Anything else fails
// with ErrInvalidPrompt.
func NormalizePrompt(prompt any) (Prompt, error) {
	switch p := prompt.(type) {
	case string:
		return Prompt{{Role: models.RoleUser, Content: p}}, nil
	case Prompt:
		return p.Clone(), nil
	case []models.Message:
		return Prompt(p).Clone(), nil
	case []map[string]any:
		out := make(Prompt, 0, len(p))
		for i, m := range p {
			msg, err := messageFromMap(m)
			if err != nil {
				return nil, fmt.Errorf("%w: element %d: %v", ErrInvalidPrompt, i, err)
			}
			out = append(out, msg)
		}
		return out, nil
	case []any:
		out := make(Prompt, 0, len(p))
		for i, item := range p {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: element %d is %T", ErrInvalidPrompt, i, item)
			}
			msg, err := messageFromMap(m)
			if err != nil {
				return nil, fmt.Errorf("%w: element %d: %v", ErrInvalidPrompt, i, err)
			}
			out = append(out, msg)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidPrompt, prompt)
	}
}

func messageFromMap(m map[string]any) (models.Message, error) {
	role, ok := m["role"].(string)
	if !ok || role == "" {
		return models.Message{}, errors.New("missing role")
	}
	content, ok := m["content"].(string)
	if !ok {
		return models.Message{}, errors.New("missing content")
	}
	msg := models.Message{Role: models.Role(role), Content: content}
	msg.ToolCallID, _ = m["tool_call_id"].(string)
	msg.Name, _ = m["name"].(string)
	return msg, nil
}

// Request carries a single prompt or, when Batched, a list of prompts.
// CallerTools marks Tools as full definitions the caller runs itself: the
// request is one model round trip and a tool-call turn comes back encoded.
type Request struct {
	ID          string                  `json:"id,omitempty"`
	Prompt      Prompt                  `json:"prompt,omitempty"`
	Prompts     []Prompt                `json:"prompts,omitempty"`
	Tools       []models.ToolDefinition `json:"tools,omitempty"`
	Batched     bool                    `json:"batched"`
	CallerTools bool                    `json:"caller_tools,omitempty"`
}

// Validate checks that the request populates exactly the fields its mode uses.
func (r Request) Validate() error {
	if r.CallerTools && len(r.Tools) == 0 {
		return fmt.Errorf("%w: caller tools without definitions", ErrInvalidRequest)
	}
	if r.Batched {
		if len(r.Prompts) == 0 {
			return fmt.Errorf("%w: batched request without prompts", ErrInvalidRequest)
		}
		if len(r.Prompt) > 0 {
			return fmt.Errorf("%w: batched request with a single prompt", ErrInvalidRequest)
		}
		return nil
	}
	if len(r.Prompt) == 0 {
		return fmt.Errorf("%w: request without prompt", ErrInvalidRequest)
	}
	if len(r.Prompts) > 0 {
		return fmt.Errorf("%w: single request with batched prompts", ErrInvalidRequest)
	}
	return nil
}

// CompletionRecord describes one completed round trip. Build it with
// NewCompletionRecord, which copies the prompt so later edits to the caller's
// slice never show through.
type CompletionRecord struct {
	RootModel     string        `json:"root_model"`
	Prompt        Prompt        `json:"prompt"`
	Response      string        `json:"response"`
	UsageSummary  usage.Summary `json:"usage_summary"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// NewCompletionRecord returns a record holding private copies of prompt and
// summary.
func NewCompletionRecord(model string, prompt Prompt, response string, summary usage.Summary, elapsed time.Duration) CompletionRecord {
	return CompletionRecord{
		RootModel:     model,
		Prompt:        prompt.Clone(),
		Response:      response,
		UsageSummary:  summary.Clone(),
		ExecutionTime: elapsed,
	}
}

// Response is a single record, a batch of records, or a failure marker.
type Response struct {
	ChatCompletion  *CompletionRecord  `json:"chat_completion,omitempty"`
	ChatCompletions []CompletionRecord `json:"chat_completions,omitempty"`
	Error           string             `json:"error,omitempty"`
}

// SingleResponse wraps one record.
func SingleResponse(rec CompletionRecord) Response {
	return Response{ChatCompletion: &rec}
}

// BatchedResponse wraps records in request order.
func BatchedResponse(recs []CompletionRecord) Response {
	return Response{ChatCompletions: recs}
}

// ErrorResponse returns a failure marker.
func ErrorResponse(msg string) Response {
	if msg == "" {
		msg = "unknown error"
	}
	return Response{Error: msg}
}

// Err returns the failure marker as an error wrapping ErrRemote, or nil.
func (r Response) Err() error {
	if r.Error == "" {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRemote, r.Error)
}

// Check verifies that r is a success or a failure but not both, and that a
// success matches the shape of req.
func (r Response) Check(req Request) error {
	hasData := r.ChatCompletion != nil || len(r.ChatCompletions) > 0
	if r.Error != "" {
		if hasData {
			return fmt.Errorf("%w: both error and data set", ErrMalformedResponse)
		}
		return r.Err()
	}
	if req.Batched {
		if r.ChatCompletion != nil || len(r.ChatCompletions) != len(req.Prompts) {
			return fmt.Errorf("%w: expected %d batched records, got %d", ErrMalformedResponse, len(req.Prompts), len(r.ChatCompletions))
		}
		return nil
	}
	if r.ChatCompletion == nil || len(r.ChatCompletions) > 0 {
		return fmt.Errorf("%w: expected a single record", ErrMalformedResponse)
	}
	return nil
}
