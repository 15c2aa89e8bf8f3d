// ABOUTME: Startup orchestration: acquires every declared plugin and registers it.
// ABOUTME: Falls back to the builtin echo pack when nothing else registers.

package bootstrap

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/2389/wasmgate/internal/config"
	"github.com/2389/wasmgate/internal/plugins"
	"github.com/2389/wasmgate/internal/source"
)

// defaultConcurrency bounds how many plugins are acquired at once.
const defaultConcurrency = 4

// Loader drives plugin acquisition and registration. It is safe to call
// LoadAndRegister after Run returns, for declarations submitted at runtime.
type Loader struct {
	registry *plugins.Registry
	logger   *slog.Logger

	// Concurrency caps parallel acquisitions during Run. Zero means the
	// default.
	Concurrency int
}

// NewLoader creates a loader that registers into the given registry.
func NewLoader(registry *plugins.Registry, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{registry: registry, logger: logger}
}

// Run acquires every declared plugin. A failing plugin is logged and skipped;
// it never aborts the others. When no plugin ends up registered, the builtin
// echo pack is registered so the server always exposes at least one tool.
func (l *Loader) Run(ctx context.Context, cfg *config.Config) error {
	limit := l.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	registered := make([]bool, len(cfg.Plugins))
	for i, decl := range cfg.Plugins {
		i, decl := i, decl // per-iteration copies; go directive predates Go 1.22 loop semantics
		g.Go(func() error {
			if err := l.LoadAndRegister(gctx, decl); err != nil {
				l.logger.Error("plugin failed to load",
					"plugin", decl.Name,
					"error", err,
				)
				return nil
			}
			registered[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var count int
	for _, ok := range registered {
		if ok {
			count++
		}
	}
	if count == 0 {
		l.logger.Warn("no plugins registered, installing builtin echo pack",
			"declared", len(cfg.Plugins),
		)
		registerEchoPack(l.registry)
	}

	l.logger.Info("bootstrap complete",
		"declared", len(cfg.Plugins),
		"registered", count,
		"tools", len(l.registry.ListTools("")),
	)
	return nil
}

// LoadAndRegister runs one declaration through the acquisition pipeline and
// registers the result. Management surfaces use it for runtime registration.
func (l *Loader) LoadAndRegister(ctx context.Context, decl config.Plugin) error {
	result, err := source.Get(ctx, decl, l.logger)
	if err != nil {
		return err
	}

	l.registry.Register(decl, result.ToolSet, result.Executors)
	l.logger.Info("plugin registered",
		"plugin", decl.Name,
		"tools", len(result.ToolSet.Tools),
	)
	return nil
}
