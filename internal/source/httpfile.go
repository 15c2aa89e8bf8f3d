// ABOUTME: URL/File source handler: fetches plugin bytes from local paths or HTTP(S).
// ABOUTME: Plaintext HTTP is opt-in per plugin via the insecure flag.

package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/2389/wasmgate/internal/config"
	"github.com/2389/wasmgate/internal/plugins"
	"github.com/2389/wasmgate/internal/transfer"
)

// ErrInsecureTransport indicates an http source without the insecure opt-in.
var ErrInsecureTransport = errors.New("plaintext http source requires insecure flag")

// requestTimeout bounds every remote fetch.
const requestTimeout = 30 * time.Second

// userAgent identifies wasmgate to remote servers.
const userAgent = "wasmgate/1.0"

// sharedClient is reused across all URL fetches.
var sharedClient = &http.Client{Timeout: requestTimeout}

// HTTPFileHandler serves the file, http, and https source schemes.
type HTTPFileHandler struct {
	logger *slog.Logger
	client *http.Client
}

// NewHTTPFileHandler creates a handler using the shared HTTP client.
func NewHTTPFileHandler(logger *slog.Logger) *HTTPFileHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFileHandler{logger: logger, client: sharedClient}
}

// Get fetches the plugin bytes and hands them to the sandbox loader.
func (h *HTTPFileHandler) Get(ctx context.Context, decl config.Plugin) (*plugins.LoadResult, error) {
	u, err := decl.SourceURL()
	if err != nil {
		return nil, err
	}

	moduleBytes, err := h.fetch(ctx, decl, u)
	if err != nil {
		return nil, err
	}

	return finishLoad(ctx, decl, moduleBytes, h.logger)
}

// fetch retrieves the raw bytes for the declaration's source URL.
func (h *HTTPFileHandler) fetch(ctx context.Context, decl config.Plugin, u *url.URL) ([]byte, error) {
	switch u.Scheme {
	case "file":
		return h.readFile(ctx, decl, u.Path)
	case "http":
		if !decl.Insecure {
			return nil, fmt.Errorf("plugin %q: %w: %s", decl.Name, ErrInsecureTransport, sanitizeURL(decl.Source))
		}
		h.logger.Warn("fetching plugin over plaintext http",
			"plugin", decl.Name,
			"url", sanitizeURL(decl.Source),
		)
		return h.fetchHTTP(ctx, decl, u)
	case "https":
		return h.fetchHTTP(ctx, decl, u)
	default:
		return nil, fmt.Errorf("plugin %q: %w: %q", decl.Name, ErrUnsupportedScheme, u.Scheme)
	}
}

// readFile reads the plugin bytes off the calling goroutine so a slow disk
// cannot stall the caller past its context.
func (h *HTTPFileHandler) readFile(ctx context.Context, decl config.Plugin, path string) ([]byte, error) {
	type outcome struct {
		data []byte
		err  error
	}
	results := make(chan outcome, 1)
	go func() {
		data, err := os.ReadFile(path)
		results <- outcome{data, err}
	}()

	select {
	case out := <-results:
		if out.err != nil {
			return nil, fmt.Errorf("plugin %q: reading %s: %w", decl.Name, path, out.err)
		}
		return out.data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("plugin %q: reading %s: %w", decl.Name, path, ctx.Err())
	}
}

func (h *HTTPFileHandler) fetchHTTP(ctx context.Context, decl config.Plugin, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("plugin %q: building request for %s: %w", decl.Name, sanitizeURL(decl.Source), err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("plugin %q: fetching %s: %w", decl.Name, sanitizeURL(decl.Source), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("plugin %q: fetching %s: unexpected status %s", decl.Name, sanitizeURL(decl.Source), resp.Status)
	}

	sink := transfer.NewSink(transfer.DefaultCap)
	if _, err := io.Copy(sink, resp.Body); err != nil {
		return nil, fmt.Errorf("plugin %q: downloading %s: %w", decl.Name, sanitizeURL(decl.Source), err)
	}
	return sink.Bytes(), nil
}
