package cchat

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// normalizedTool is the wire shape tools are advertised in upstream:
// {type:"function", function:{name, description, parameters}}.
type normalizedTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

// ParseToolDef decodes a write_fn tool registration. Both the bare
// {name, description, parameters} form and the normalized
// {type:"function", function:{...}} form are accepted; the parameters
// block must compile as a JSON Schema either way.
func ParseToolDef(raw []byte) (ToolDef, error) {
	var norm normalizedTool
	if err := json.Unmarshal(raw, &norm); err == nil && norm.Type == "function" && norm.Function.Name != "" {
		def := ToolDef{
			Name:        norm.Function.Name,
			Description: norm.Function.Description,
			Parameters:  norm.Function.Parameters,
		}
		return def, ValidateToolSchema(def.Parameters)
	}

	var def ToolDef
	if err := json.Unmarshal(raw, &def); err != nil {
		return ToolDef{}, fmt.Errorf("%w: decode tool definition: %v", ErrInvalidToolSchema, err)
	}
	if def.Name == "" {
		return ToolDef{}, fmt.Errorf("%w: tool name is required", ErrInvalidToolSchema)
	}
	return def, ValidateToolSchema(def.Parameters)
}

// ValidateToolSchema compiles params as a JSON Schema, rejecting
// registrations whose schema an upstream provider (or the loop's argument
// validation) could never apply. An empty block is allowed: a tool may
// take no arguments.
func ValidateToolSchema(params json.RawMessage) error {
	if len(params) == 0 {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToolSchema, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool.json", doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToolSchema, err)
	}
	if _, err := c.Compile("tool.json"); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToolSchema, err)
	}
	return nil
}
