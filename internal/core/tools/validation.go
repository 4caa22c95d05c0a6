package tools

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/asynkron/roguepatch/internal/core/schema"
)

var (
	toolLoaders     map[string]gojsonschema.JSONLoader
	toolLoadersErr  error
	toolLoadersOnce sync.Once
)

type schemaValidationError struct {
	tool   string
	issues []string
}

func (e schemaValidationError) Error() string {
	if len(e.issues) == 0 {
		return fmt.Sprintf("%s: arguments failed schema validation", e.tool)
	}
	return fmt.Sprintf("%s: %s", e.tool, strings.Join(e.issues, "; "))
}

func loadToolSchemas() (map[string]gojsonschema.JSONLoader, error) {
	toolLoadersOnce.Do(func() {
		tools, err := schema.Tools()
		if err != nil {
			toolLoadersErr = err
			return
		}
		toolLoaders = make(map[string]gojsonschema.JSONLoader, len(tools))
		for _, tool := range tools {
			toolLoaders[tool.Name] = gojsonschema.NewGoLoader(tool.InputSchema)
		}
	})
	if toolLoadersErr != nil {
		return nil, toolLoadersErr
	}
	return toolLoaders, nil
}

// validateArguments checks raw JSON arguments against the tool's schema.
func validateArguments(name string, raw []byte) error {
	loaders, err := loadToolSchemas()
	if err != nil {
		return fmt.Errorf("tools: load schemas: %w", err)
	}
	loader, ok := loaders[name]
	if !ok {
		return fmt.Errorf("%w: %s", schema.ErrUnknownTool, name)
	}

	result, err := gojsonschema.Validate(loader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("tools: %s: arguments are not valid JSON: %w", name, err)
	}
	if result.Valid() {
		return nil
	}

	issues := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		issues = append(issues, desc.String())
	}
	return schemaValidationError{tool: name, issues: issues}
}
