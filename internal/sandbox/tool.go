package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"github.com/mitchellh/mapstructure"
)

// ToolHandler resolves one model-requested tool call to a text result.
type ToolHandler interface {
	HandleTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// ToolHandlerFunc adapts a function to ToolHandler.
type ToolHandlerFunc func(ctx context.Context, name string, args map[string]any) (string, error)

// HandleTool calls f.
func (f ToolHandlerFunc) HandleTool(ctx context.Context, name string, args map[string]any) (string, error) {
	return f(ctx, name, args)
}

// Tool is a named capability with a declarative definition.
// Implementations must be safe for concurrent use.
type Tool interface {
	Definition() models.ToolDefinition
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Validator is implemented by argument types that check themselves after
// decoding.
type Validator interface {
	Validate() error
}

// TypedTool decodes arguments into Req, runs fn and renders Resp. A string
// Resp is returned as is; anything else is JSON encoded.
type TypedTool[Req, Resp any] struct {
	definition models.ToolDefinition
	fn         func(context.Context, Req) (Resp, error)
}

// NewTool creates a TypedTool. Req fields are matched by their json tags.
func NewTool[Req, Resp any](name, description string, parameters map[string]any, fn func(context.Context, Req) (Resp, error)) *TypedTool[Req, Resp] {
	return &TypedTool[Req, Resp]{
		definition: models.ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
		fn: fn,
	}
}

// Definition implements Tool.
func (t *TypedTool[Req, Resp]) Definition() models.ToolDefinition {
	return t.definition
}

// Execute implements Tool.
func (t *TypedTool[Req, Resp]) Execute(ctx context.Context, args map[string]any) (string, error) {
	var req Req
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &req,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return "", err
	}
	if err := dec.Decode(args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	if v, ok := any(req).(Validator); ok {
		if err := v.Validate(); err != nil {
			return "", fmt.Errorf("%s validation failed: %w", t.definition.Name, err)
		}
	}

	resp, err := t.fn(ctx, req)
	if err != nil {
		return "", err
	}
	if s, ok := any(resp).(string); ok {
		return s, nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal response: %w", err)
	}
	return string(data), nil
}

// ToolSet is a ToolHandler dispatching by tool name.
type ToolSet struct {
	tools map[string]Tool
	order []string
}

// NewToolSet builds a ToolSet. Names must be unique.
func NewToolSet(tools ...Tool) (*ToolSet, error) {
	s := &ToolSet{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		name := t.Definition().Name
		if name == "" {
			return nil, fmt.Errorf("tool without a name")
		}
		if _, dup := s.tools[name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", name)
		}
		s.tools[name] = t
		s.order = append(s.order, name)
	}
	return s, nil
}

// Definitions returns the definitions in registration order.
func (s *ToolSet) Definitions() []models.ToolDefinition {
	defs := make([]models.ToolDefinition, 0, len(s.order))
	for _, name := range s.order {
		defs = append(defs, s.tools[name].Definition())
	}
	return defs
}

// HandleTool implements ToolHandler.
func (s *ToolSet) HandleTool(ctx context.Context, name string, args map[string]any) (string, error) {
	t, ok := s.tools[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t.Execute(ctx, args)
}
