// Package schema holds the JSON Schemas describing the arguments of every
// tool roguepatch serves.
package schema

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
)

//go:embed tools.json
var toolsJSON []byte

// ErrUnknownTool is returned for names that have no definition.
var ErrUnknownTool = errors.New("unknown tool")

// Tool describes one callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Tools decodes the tool definitions. Every call returns fresh values, so
// callers may modify them.
func Tools() ([]Tool, error) {
	var tools []Tool
	if err := json.Unmarshal(toolsJSON, &tools); err != nil {
		return nil, fmt.Errorf("schema: decode tool definitions: %w", err)
	}
	return tools, nil
}

// ToolSchema returns the input schema of the named tool.
func ToolSchema(name string) (map[string]any, error) {
	tools, err := Tools()
	if err != nil {
		return nil, err
	}
	for _, tool := range tools {
		if tool.Name == name {
			return tool.InputSchema, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
}
