package mcp

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache avoids recompiling a tool's input schema on every call; tool
// schemas don't change for the lifetime of a connected server.
var schemaCache sync.Map

// validateArguments checks arguments against a tool's declared input schema
// before the call reaches the server, so a malformed request fails fast with
// a readable error instead of however the remote server happens to react.
// A tool with no schema, or one that fails to compile, is not validated -
// MCP servers are not required to publish a strict schema.
func validateArguments(tool *MCPTool, arguments map[string]any) error {
	if tool == nil || len(tool.InputSchema) == 0 {
		return nil
	}
	schema, err := compileToolSchema(tool.Name, tool.InputSchema)
	if err != nil {
		return nil
	}

	payload, err := json.Marshal(arguments)
	if err != nil {
		return fmt.Errorf("mcp: encode arguments for %q: %w", tool.Name, err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("mcp: decode arguments for %q: %w", tool.Name, err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("mcp: arguments for %q do not match its input schema: %w", tool.Name, err)
	}
	return nil
}

func compileToolSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	key := name + ":" + string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
