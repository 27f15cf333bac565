package models

import (
	"encoding/json"
	"fmt"

	"github.com/Delta-Labs-AG/rlm/internal/usage"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message represents a single message in the conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// For assistant messages that requested tools
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// For tool messages carrying a result
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ToolCall represents a structured tool invocation from the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition defines a tool that the model can invoke. Parameters is a
// JSON Schema object passed to the backend unchanged.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is one completion request to a Client.
type Request struct {
	Messages []Message
	Tools    []ToolDefinition

	// PreviousResponseID chains onto an earlier response instead of resending
	// history. Only honoured by clients implementing Chainer.
	PreviousResponseID string
}

// TurnRecord is one model response. Exactly one of content and tool calls is
// populated; use NewTextTurn or NewToolCallTurn to build one.
type TurnRecord struct {
	content   *string
	toolCalls []ToolCall

	Thought    string
	ResponseID string

	// Model and Usage describe the call that produced this turn.
	Model string
	Usage usage.Summary
}

// NewTextTurn returns a turn carrying plain content.
func NewTextTurn(content string) TurnRecord {
	return TurnRecord{content: &content}
}

// NewToolCallTurn returns a turn requesting the given tool calls. It fails if
// calls is empty or two calls share an id.
func NewToolCallTurn(calls []ToolCall) (TurnRecord, error) {
	if len(calls) == 0 {
		return TurnRecord{}, fmt.Errorf("%w: no tool calls", ErrInvalidTurn)
	}
	seen := make(map[string]struct{}, len(calls))
	out := make([]ToolCall, len(calls))
	for i, c := range calls {
		if _, dup := seen[c.ID]; dup {
			return TurnRecord{}, fmt.Errorf("%w: duplicate tool call id %q", ErrInvalidTurn, c.ID)
		}
		seen[c.ID] = struct{}{}
		if c.Arguments == nil {
			c.Arguments = map[string]any{}
		}
		out[i] = c
	}
	return TurnRecord{toolCalls: out}, nil
}

// Content returns the plain content and whether the turn carries any.
func (t TurnRecord) Content() (string, bool) {
	if t.content == nil {
		return "", false
	}
	return *t.content, true
}

// Text returns the plain content, or "" for a tool-call turn.
func (t TurnRecord) Text() string {
	s, _ := t.Content()
	return s
}

// ToolCalls returns a copy of the requested tool calls.
func (t TurnRecord) ToolCalls() []ToolCall {
	if len(t.toolCalls) == 0 {
		return nil
	}
	out := make([]ToolCall, len(t.toolCalls))
	copy(out, t.toolCalls)
	return out
}

// HasToolCalls reports whether the turn requests tools.
func (t TurnRecord) HasToolCalls() bool {
	return len(t.toolCalls) > 0
}

// Validate checks that exactly one of content and tool calls is populated.
func (t TurnRecord) Validate() error {
	switch {
	case t.content != nil && len(t.toolCalls) > 0:
		return fmt.Errorf("%w: both content and tool calls set", ErrInvalidTurn)
	case t.content == nil && len(t.toolCalls) == 0:
		return fmt.Errorf("%w: neither content nor tool calls set", ErrInvalidTurn)
	}
	return nil
}

type turnJSON struct {
	Content    *string    `json:"content"`
	Thought    string     `json:"thought,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ResponseID string     `json:"response_id,omitempty"`
}

// MarshalJSON encodes the turn with a null content for tool-call turns.
func (t TurnRecord) MarshalJSON() ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(turnJSON{
		Content:    t.content,
		Thought:    t.Thought,
		ToolCalls:  t.toolCalls,
		ResponseID: t.ResponseID,
	})
}

// UnmarshalJSON decodes and validates a turn.
func (t *TurnRecord) UnmarshalJSON(data []byte) error {
	var raw turnJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var turn TurnRecord
	if len(raw.ToolCalls) > 0 {
		if raw.Content != nil {
			return fmt.Errorf("%w: both content and tool calls set", ErrInvalidTurn)
		}
		var err error
		if turn, err = NewToolCallTurn(raw.ToolCalls); err != nil {
			return err
		}
	} else {
		if raw.Content == nil {
			return fmt.Errorf("%w: neither content nor tool calls set", ErrInvalidTurn)
		}
		turn = NewTextTurn(*raw.Content)
	}
	turn.Thought = raw.Thought
	turn.ResponseID = raw.ResponseID
	*t = turn
	return nil
}
