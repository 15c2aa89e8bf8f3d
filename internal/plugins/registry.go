// ABOUTME: Thread-safe registry mapping plugins to their declarations, tools, and executors.
// ABOUTME: Manages registration, unregistration, listing, and out-of-lock invocation.

package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/wasmgate/internal/config"
)

// ErrToolNotFound indicates the requested tool has no registered handler.
var ErrToolNotFound = errors.New("tool not found")

// Registry is the single source of truth for which tools exist, which plugin
// provides them, and how to run them. Four maps are guarded by one RWMutex so
// readers never observe a tool whose plugin entry was already removed.
type Registry struct {
	mu        sync.RWMutex
	plugins   map[string]config.Plugin // plugin name -> declaration
	toolOwner map[string]string        // tool name -> owning plugin name
	tools     map[string]Tool          // tool name -> definition
	handlers  map[string]Executor      // tool name -> executor
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		plugins:   make(map[string]config.Plugin),
		toolOwner: make(map[string]string),
		tools:     make(map[string]Tool),
		handlers:  make(map[string]Executor),
		logger:    logger,
	}
}

// Register inserts or overwrites a plugin and its tools. A declaration
// without an owner is stored under the wildcard owner sentinel. Tool names
// are globally unique; a colliding name silently takes over the existing
// entry (last write wins) so a plugin can be replaced in place.
func (r *Registry) Register(decl config.Plugin, toolset ToolSet, executors []NamedExecutor) {
	if decl.Owner == "" {
		decl.Owner = config.WildcardOwner
	}

	execByName := make(map[string]Executor, len(executors))
	for _, ne := range executors {
		execByName[ne.Tool] = ne.Run
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-registration under the same name: drop the previous tool entries
	// first so no stale tool from the old set survives.
	if _, exists := r.plugins[decl.Name]; exists {
		r.removeToolsLocked(decl.Name)
	}

	r.plugins[decl.Name] = decl

	var registered int
	for _, tool := range toolset.Tools {
		exec, ok := execByName[tool.Name]
		if !ok {
			// Never advertise a tool that cannot be invoked.
			r.logger.Warn("tool declared without an executor, skipping",
				"plugin", decl.Name,
				"tool", tool.Name,
			)
			continue
		}
		if prev, taken := r.toolOwner[tool.Name]; taken && prev != decl.Name {
			r.logger.Warn("tool name collision, last write wins",
				"tool", tool.Name,
				"previous_plugin", prev,
				"plugin", decl.Name,
			)
		}
		r.toolOwner[tool.Name] = decl.Name
		r.tools[tool.Name] = tool
		r.handlers[tool.Name] = exec
		registered++
	}

	r.logger.Info("plugin registered",
		"plugin", decl.Name,
		"owner", decl.Owner,
		"tool_count", registered,
		"total_plugins", len(r.plugins),
		"total_tools", len(r.tools),
	)
}

// Unregister removes a plugin's declaration and every tool entry it owns,
// atomically with respect to concurrent readers. Returns false if the plugin
// is unknown.
func (r *Registry) Unregister(pluginName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[pluginName]; !exists {
		return false
	}

	r.removeToolsLocked(pluginName)
	delete(r.plugins, pluginName)

	r.logger.Info("plugin unregistered",
		"plugin", pluginName,
		"total_plugins", len(r.plugins),
		"total_tools", len(r.tools),
	)
	return true
}

// removeToolsLocked deletes every tool entry owned by pluginName.
// Caller must hold the write lock.
func (r *Registry) removeToolsLocked(pluginName string) {
	for toolName, owner := range r.toolOwner {
		if owner == pluginName {
			delete(r.toolOwner, toolName)
			delete(r.tools, toolName)
			delete(r.handlers, toolName)
		}
	}
}

// ListTools returns every registered tool definition. With a non-empty
// pluginFilter only tools owned by that plugin are returned.
func (r *Registry) ListTools(pluginFilter string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for name, tool := range r.tools {
		if pluginFilter != "" && r.toolOwner[name] != pluginFilter {
			continue
		}
		tools = append(tools, tool)
	}
	return tools
}

// HasHandler reports whether a handler is registered for the tool.
// Non-blocking beyond a brief read-lock; usable from synchronous contexts.
func (r *Registry) HasHandler(toolName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[toolName]
	return ok
}

// Plugin returns the stored declaration for a plugin name.
func (r *Registry) Plugin(name string) (config.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	decl, ok := r.plugins[name]
	return decl, ok
}

// ToolOwner returns the owner identity string of the plugin providing the
// named tool. Callers compare it against a resolved identity or the wildcard
// sentinel; the registry itself never interprets it.
func (r *Registry) ToolOwner(toolName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pluginName, ok := r.toolOwner[toolName]
	if !ok {
		return "", false
	}
	return r.plugins[pluginName].Owner, true
}

// Invoke runs the named tool with the given arguments. The executor handle is
// copied out under the read lock and invoked after releasing it, so a
// long-running call never serializes registry access or other invocations.
func (r *Registry) Invoke(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	exec, ok := r.handlers[toolName]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, toolName)
	}

	return exec(ctx, args)
}
