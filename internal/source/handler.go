// ABOUTME: Source handler abstraction and scheme dispatch for plugin acquisition.
// ABOUTME: Fetched bytes flow through the sandbox loader into a LoadResult.

package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/2389/wasmgate/internal/config"
	"github.com/2389/wasmgate/internal/plugins"
	"github.com/2389/wasmgate/internal/wasm"
)

// ErrUnsupportedScheme indicates a source URI whose scheme no handler serves.
// This is a configuration error: it is never retried and no I/O is attempted.
var ErrUnsupportedScheme = errors.New("unsupported source scheme")

// Handler fetches and initializes one plugin from its declared source,
// returning its tool set plus one callable executor per tool.
type Handler interface {
	Get(ctx context.Context, decl config.Plugin) (*plugins.LoadResult, error)
}

// Get dispatches the declaration to the handler for its scheme. The scheme
// set is fixed; unknown schemes fail before any I/O happens.
func Get(ctx context.Context, decl config.Plugin, logger *slog.Logger) (*plugins.LoadResult, error) {
	u, err := decl.SourceURL()
	if err != nil {
		return nil, err
	}

	var handler Handler
	switch u.Scheme {
	case "file", "http", "https":
		handler = NewHTTPFileHandler(logger)
	case "oci":
		handler = NewOCIHandler(logger)
	default:
		return nil, fmt.Errorf("plugin %q: %w: %q", decl.Name, ErrUnsupportedScheme, u.Scheme)
	}

	return handler.Get(ctx, decl)
}

// finishLoad hands validated module bytes to the sandbox loader, runs the
// describe step, and builds one executor per declared tool.
func finishLoad(ctx context.Context, decl config.Plugin, moduleBytes []byte, logger *slog.Logger) (*plugins.LoadResult, error) {
	sandbox, err := wasm.Load(ctx, wasm.Config{
		Name:     decl.Name,
		Module:   moduleBytes,
		Manifest: decl.Manifest,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	toolset, err := sandbox.Describe(ctx)
	if err != nil {
		_ = sandbox.Close(ctx)
		return nil, err
	}

	executors := make([]plugins.NamedExecutor, 0, len(toolset.Tools))
	for _, tool := range toolset.Tools {
		executors = append(executors, plugins.NamedExecutor{
			Tool: tool.Name,
			Run:  sandbox.Executor(tool.Name),
		})
	}

	return &plugins.LoadResult{
		ToolSet:   toolset,
		Executors: executors,
	}, nil
}

// sanitizeURL strips credentials, query strings, and fragments from a URL so
// it can appear in logs and error messages without leaking secrets. Inputs
// that do not parse are returned as an opaque placeholder rather than echoed.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable url>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
