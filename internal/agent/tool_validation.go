package agent

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compiledToolSchemas caches compiled JSON schemas by tool name so a
// schema already seen by a running registry is compiled exactly once,
// following the same compile-cache-validate shape this codebase already
// uses for plugin config validation.
var compiledToolSchemas sync.Map

func compileToolSchema(toolName string, schema json.RawMessage) (*jsonschema.Schema, error) {
	if cached, ok := compiledToolSchemas.Load(toolName); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(toolName+".schema.json", string(schema))
	if err != nil {
		return nil, err
	}
	compiledToolSchemas.Store(toolName, compiled)
	return compiled, nil
}

// validateToolArguments checks raw tool-call arguments against the tool's
// declared JSON schema before the call ever reaches Tool.Execute. A
// malformed call is surfaced as a ToolArgumentErrorDetail rather than a
// panic or an unchecked type assertion on the raw json.RawMessage.
func validateToolArguments(tool Tool, params json.RawMessage) error {
	schema := tool.Schema()
	if len(schema) == 0 {
		return nil
	}

	compiled, err := compileToolSchema(tool.Name(), schema)
	if err != nil {
		return fmt.Errorf("compile schema for tool %s: %w", tool.Name(), err)
	}

	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return &ToolArgumentErrorDetail{ToolName: tool.Name(), Message: "arguments are not valid JSON: " + err.Error()}
	}

	if err := compiled.Validate(decoded); err != nil {
		return &ToolArgumentErrorDetail{ToolName: tool.Name(), Message: err.Error()}
	}
	return nil
}
