package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

// argValidator checks tool-call arguments against the parameter schema of
// each tool. Tools without a schema, or whose schema fails to compile, are
// not checked.
type argValidator struct {
	schemas map[string]*jsonschema.Schema
}

func newArgValidator(tools []models.ToolDefinition, logger *zap.Logger) *argValidator {
	v := &argValidator{schemas: make(map[string]*jsonschema.Schema, len(tools))}
	for _, def := range tools {
		if len(def.Parameters) == 0 {
			continue
		}
		sch, err := compileSchema(def.Name, def.Parameters)
		if err != nil {
			logger.Warn("tool schema not enforced", zap.String("tool", def.Name), zap.Error(err))
			continue
		}
		v.schemas[def.Name] = sch
	}
	return v
}

func (v *argValidator) validate(name string, args map[string]any) error {
	sch, ok := v.schemas[name]
	if !ok {
		return nil
	}
	inst, err := jsonValue(args)
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	doc, err := jsonValue(params)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("mem://tools/%s.json", name)
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// jsonValue re-decodes v so Go-built values ([]string, int) take the shapes
// the validator expects.
func jsonValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}
