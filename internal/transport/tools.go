package transport

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentfusion/internal/types"
)

// ToolHandler executes a validated tool call for a caller
type ToolHandler func(callerID string, params json.RawMessage) (interface{}, error)

// ToolDefinition describes one tool: its JSON schema is compiled at
// registration and every call is validated against it before dispatch.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      string // JSON Schema for the params object
	Handler     ToolHandler

	compiled *jsonschema.Schema
}

// ToolRegistry manages the available tools
type ToolRegistry struct {
	tools map[string]*ToolDefinition
}

// NewToolRegistry creates an empty registry
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*ToolDefinition)}
}

// Register compiles the tool's schema and adds it
func (r *ToolRegistry) Register(tool ToolDefinition) error {
	if tool.Schema != "" {
		var doc interface{}
		if err := json.Unmarshal([]byte(tool.Schema), &doc); err != nil {
			return fmt.Errorf("tool %s: invalid schema JSON: %w", tool.Name, err)
		}
		compiler := jsonschema.NewCompiler()
		uri := tool.Name + ".json"
		if err := compiler.AddResource(uri, doc); err != nil {
			return fmt.Errorf("tool %s: %w", tool.Name, err)
		}
		compiled, err := compiler.Compile(uri)
		if err != nil {
			return fmt.Errorf("tool %s: schema compile failed: %w", tool.Name, err)
		}
		tool.compiled = compiled
	}
	r.tools[tool.Name] = &tool
	return nil
}

// Get returns a tool by name
func (r *ToolRegistry) Get(name string) (*ToolDefinition, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns tool descriptors for tools/list, sorted by name
func (r *ToolRegistry) List() []map[string]interface{} {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []map[string]interface{}
	for _, name := range names {
		tool := r.tools[name]
		var schema interface{}
		if tool.Schema != "" {
			json.Unmarshal([]byte(tool.Schema), &schema)
		}
		out = append(out, map[string]interface{}{
			"name":        tool.Name,
			"description": tool.Description,
			"inputSchema": schema,
		})
	}
	return out
}

// Execute validates params against the tool's schema and runs the
// handler. Validation failure produces InvalidArgument with the precise
// instance path; no handler side effects happen on invalid input.
func (r *ToolRegistry) Execute(name, callerID string, params json.RawMessage) (interface{}, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}

	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if tool.compiled != nil {
		var value interface{}
		if err := json.Unmarshal(params, &value); err != nil {
			return nil, types.InvalidArgf("params", "not valid JSON: %v", err)
		}
		if err := tool.compiled.Validate(value); err != nil {
			return nil, schemaError(err)
		}
	}

	return tool.Handler(callerID, params)
}

// schemaError converts a jsonschema validation failure into an
// InvalidArgument carrying the failing instance path.
func schemaError(err error) error {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		// Walk to the most specific cause.
		for len(ve.Causes) > 0 {
			ve = ve.Causes[0]
		}
		path := "/" + strings.Join(ve.InstanceLocation, "/")
		return types.InvalidArgf(path, "%v", ve)
	}
	return types.InvalidArgf("params", "%v", err)
}
