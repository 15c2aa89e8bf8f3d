// ABOUTME: Tests for the file and HTTP(S) fetch paths.
// ABOUTME: Covers the plaintext opt-in gate and local file reads.

package source

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestFetchFile(t *testing.T) {
	h := NewHTTPFileHandler(slog.Default())

	t.Run("reads local file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tool.wasm")
		want := fakeModule("local")
		if err := os.WriteFile(path, want, 0o644); err != nil {
			t.Fatal(err)
		}

		decl := testDecl(path)
		u, err := decl.SourceURL()
		if err != nil {
			t.Fatalf("SourceURL: %v", err)
		}
		if u.Scheme != "file" {
			t.Fatalf("expected bare path to canonicalize to file scheme, got %q", u.Scheme)
		}

		got, err := h.fetch(context.Background(), decl, u)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if string(got) != string(want) {
			t.Errorf("fetched bytes differ from file contents")
		}
	})

	t.Run("missing file errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "absent.wasm")
		decl := testDecl("file://" + path)
		u, _ := decl.SourceURL()

		if _, err := h.fetch(context.Background(), decl, u); err == nil {
			t.Fatal("expected error for missing file")
		}
	})

	t.Run("canceled context aborts read", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tool.wasm")
		if err := os.WriteFile(path, fakeModule("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		decl := testDecl("file://" + path)
		u, _ := decl.SourceURL()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		// The read races the cancellation; either the bytes arrive or
		// the context error surfaces, never some other failure.
		if _, err := h.fetch(ctx, decl, u); err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected error kind: %v", err)
		}
	})
}

func TestFetchHTTP(t *testing.T) {
	t.Run("plaintext http requires opt-in", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
		}))
		defer srv.Close()

		h := NewHTTPFileHandler(slog.Default())
		decl := testDecl(srv.URL + "/tool.wasm")
		u, _ := url.Parse(decl.Source)

		_, err := h.fetch(context.Background(), decl, u)
		if !errors.Is(err, ErrInsecureTransport) {
			t.Fatalf("expected ErrInsecureTransport, got %v", err)
		}
		if hits.Load() != 0 {
			t.Errorf("handler contacted server despite missing opt-in")
		}
	})

	t.Run("insecure flag permits plaintext http", func(t *testing.T) {
		want := fakeModule("served")
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("User-Agent"); got != userAgent {
				t.Errorf("user agent = %q, want %q", got, userAgent)
			}
			w.Write(want)
		}))
		defer srv.Close()

		h := NewHTTPFileHandler(slog.Default())
		decl := testDecl(srv.URL + "/tool.wasm")
		decl.Insecure = true
		u, _ := url.Parse(decl.Source)

		got, err := h.fetch(context.Background(), decl, u)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if string(got) != string(want) {
			t.Errorf("fetched bytes differ from served bytes")
		}
	})

	t.Run("non-2xx status fails", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}))
		defer srv.Close()

		h := NewHTTPFileHandler(slog.Default())
		decl := testDecl(srv.URL + "/absent.wasm")
		decl.Insecure = true
		u, _ := url.Parse(decl.Source)

		if _, err := h.fetch(context.Background(), decl, u); err == nil {
			t.Fatal("expected error for 404 response")
		}
	})

	t.Run("unsupported scheme rejected", func(t *testing.T) {
		h := NewHTTPFileHandler(slog.Default())
		decl := testDecl("ftp://example.com/tool.wasm")
		u, _ := url.Parse(decl.Source)

		if _, err := h.fetch(context.Background(), decl, u); !errors.Is(err, ErrUnsupportedScheme) {
			t.Fatalf("expected ErrUnsupportedScheme, got %v", err)
		}
	})
}
