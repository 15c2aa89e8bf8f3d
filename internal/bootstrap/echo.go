// ABOUTME: Builtin echo pack: the trivial tool registered when nothing else loads.

package bootstrap

import (
	"context"
	"encoding/json"

	"github.com/2389/wasmgate/internal/config"
	"github.com/2389/wasmgate/internal/plugins"
)

// echoPluginName is the registry key for the builtin pack.
const echoPluginName = "builtin:echo"

const echoInputSchema = `{"type":"object","properties":{"message":{"type":"string","description":"Text to echo back"}},"required":["message"]}`

// registerEchoPack installs the builtin echo tool. The declaration carries no
// source and no owner, so the tool is visible to every caller.
func registerEchoPack(registry *plugins.Registry) {
	decl := config.Plugin{Name: echoPluginName}
	toolset := plugins.ToolSet{
		Tools: []plugins.Tool{
			{
				Name:        "echo",
				Title:       "Echo",
				Description: "Return the input message unchanged",
				InputSchema: json.RawMessage(echoInputSchema),
			},
		},
	}
	executors := []plugins.NamedExecutor{
		{Tool: "echo", Run: echoExecutor},
	}
	registry.Register(decl, toolset, executors)
}

func echoExecutor(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"message": in.Message})
}
