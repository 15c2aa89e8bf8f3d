// ABOUTME: Core plugin data model: tools, tool sets, executors, and load results.
// ABOUTME: ToolSet accepts both an explicit "tools" key and single-key wire shapes.

package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedToolSet indicates a describe result that is not a recognizable tool set.
var ErrMalformedToolSet = errors.New("malformed tool set")

// Tool is a single invokable capability with a declared JSON schema.
type Tool struct {
	Name         string          `json:"name"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// ToolSet is the set of tools a plugin declares via its describe call.
type ToolSet struct {
	Name  string `json:"name,omitempty"`
	Tools []Tool `json:"tools"`
}

// UnmarshalJSON accepts either an explicit "tools" key or exactly one
// arbitrary top-level key whose value is the tool array. Plugins authored
// against different SDKs wrap their tool list differently; any other shape
// is rejected.
func (ts *ToolSet) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedToolSet, err)
	}

	if tools, ok := raw["tools"]; ok {
		var list []Tool
		if err := json.Unmarshal(tools, &list); err != nil {
			return fmt.Errorf("%w: decoding \"tools\": %v", ErrMalformedToolSet, err)
		}
		ts.Tools = list
		if name, ok := raw["name"]; ok {
			_ = json.Unmarshal(name, &ts.Name)
		}
		return nil
	}

	if len(raw) != 1 {
		return fmt.Errorf("%w: expected a \"tools\" key or exactly one top-level key, got %d", ErrMalformedToolSet, len(raw))
	}

	for key, value := range raw {
		var list []Tool
		if err := json.Unmarshal(value, &list); err != nil {
			return fmt.Errorf("%w: top-level key %q is not a tool array: %v", ErrMalformedToolSet, key, err)
		}
		ts.Name = key
		ts.Tools = list
	}
	return nil
}

// Executor invokes one tool with JSON arguments and returns a JSON result.
// Executor values are plain function handles: copying one and calling it
// outside any lock is safe and does not serialize with other executors.
type Executor func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// NamedExecutor pairs a tool name with its executor.
type NamedExecutor struct {
	Tool string
	Run  Executor
}

// LoadResult is what a source handler produces for one plugin: the declared
// tool set, one executor per tool, and, when the handler can retain them,
// the raw module bytes and original source URL for downstream persistence.
type LoadResult struct {
	ToolSet   ToolSet
	Executors []NamedExecutor
	RawBytes  []byte
	SourceURL string
}
