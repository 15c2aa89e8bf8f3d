// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and plugin source canonicalization

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_ValidConfig(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: "0.0.0.0:8080"

logging:
  level: "debug"
  format: "json"

plugins:
  - name: time
    source: "oci://ghcr.io/example/time-plugin:latest"
    auth:
      username: "bot"
      password: "hunter2"
    manifest:
      memory_limit_pages: 128
      config:
        TZ: "UTC"
      allowed_hosts:
        - "worldtimeapi.org"
  - name: local
    source: "file:///plugins/local.wasm"
    owner: "alice"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}

	if len(cfg.Plugins) != 2 {
		t.Fatalf("len(Plugins) = %d, want 2", len(cfg.Plugins))
	}

	p := cfg.Plugins[0]
	if p.Name != "time" {
		t.Errorf("Plugins[0].Name = %q, want %q", p.Name, "time")
	}
	if p.Auth == nil || p.Auth.Username != "bot" || p.Auth.Password != "hunter2" {
		t.Errorf("Plugins[0].Auth = %+v, want basic bot/hunter2", p.Auth)
	}
	if p.Manifest == nil {
		t.Fatal("Plugins[0].Manifest is nil")
	}
	if p.Manifest.MemoryLimitPages == nil || *p.Manifest.MemoryLimitPages != 128 {
		t.Errorf("MemoryLimitPages = %v, want 128", p.Manifest.MemoryLimitPages)
	}
	if p.Manifest.Config["TZ"] != "UTC" {
		t.Errorf("Manifest.Config[TZ] = %q, want UTC", p.Manifest.Config["TZ"])
	}
	if len(p.Manifest.AllowedHosts) != 1 || p.Manifest.AllowedHosts[0] != "worldtimeapi.org" {
		t.Errorf("AllowedHosts = %v", p.Manifest.AllowedHosts)
	}

	if cfg.Plugins[1].Owner != "alice" {
		t.Errorf("Plugins[1].Owner = %q, want alice", cfg.Plugins[1].Owner)
	}
	if cfg.Plugins[1].Manifest != nil {
		t.Error("Plugins[1].Manifest should be nil when absent")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("WASMGATE_TEST_TOKEN", "secret-token")

	configContent := `
server:
  http_addr: "localhost:8080"
plugins:
  - name: remote
    source: "oci://ghcr.io/example/plugin:v1"
    auth:
      token: "${WASMGATE_TEST_TOKEN}"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Plugins[0].Auth.Token != "secret-token" {
		t.Errorf("Auth.Token = %q, want expanded env value", cfg.Plugins[0].Auth.Token)
	}
}

func TestLoad_MissingEnvVarBecomesEmpty(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: "localhost:${WASMGATE_DEFINITELY_UNSET_PORT}8080"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "localhost:8080" {
		t.Errorf("HTTPAddr = %q, want unset var replaced by empty string", cfg.Server.HTTPAddr)
	}
}

func TestValidate(t *testing.T) {
	t.Run("missing http_addr", func(t *testing.T) {
		cfg := &Config{}
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "http_addr") {
			t.Errorf("Validate() = %v, want http_addr error", err)
		}
	})

	t.Run("plugin without source", func(t *testing.T) {
		cfg := &Config{
			Server:  ServerConfig{HTTPAddr: ":8080"},
			Plugins: []Plugin{{Name: "p"}},
		}
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "source is required") {
			t.Errorf("Validate() = %v, want source error", err)
		}
	})

	t.Run("duplicate plugin names", func(t *testing.T) {
		cfg := &Config{
			Server: ServerConfig{HTTPAddr: ":8080"},
			Plugins: []Plugin{
				{Name: "p", Source: "file:///a.wasm"},
				{Name: "p", Source: "file:///b.wasm"},
			},
		}
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "duplicate") {
			t.Errorf("Validate() = %v, want duplicate error", err)
		}
	})
}

func TestSourceURL(t *testing.T) {
	t.Run("explicit URI passes through", func(t *testing.T) {
		p := Plugin{Name: "p", Source: "oci://ghcr.io/example/plugin:v1"}
		u, err := p.SourceURL()
		if err != nil {
			t.Fatalf("SourceURL() error = %v", err)
		}
		if u.Scheme != "oci" || u.Host != "ghcr.io" {
			t.Errorf("SourceURL() = %v", u)
		}
	})

	t.Run("bare relative path canonicalized to file", func(t *testing.T) {
		p := Plugin{Name: "p", Source: "plugins/local.wasm"}
		u, err := p.SourceURL()
		if err != nil {
			t.Fatalf("SourceURL() error = %v", err)
		}
		if u.Scheme != "file" {
			t.Errorf("scheme = %q, want file", u.Scheme)
		}
		if !filepath.IsAbs(u.Path) {
			t.Errorf("path = %q, want absolute", u.Path)
		}
		if !strings.HasSuffix(u.Path, filepath.Join("plugins", "local.wasm")) {
			t.Errorf("path = %q, want suffix plugins/local.wasm", u.Path)
		}
	})

	t.Run("bare absolute path canonicalized to file", func(t *testing.T) {
		p := Plugin{Name: "p", Source: "/opt/plugins/a.wasm"}
		u, err := p.SourceURL()
		if err != nil {
			t.Fatalf("SourceURL() error = %v", err)
		}
		if u.Scheme != "file" || u.Path != "/opt/plugins/a.wasm" {
			t.Errorf("SourceURL() = %v", u)
		}
	})
}

func TestAuthAnonymous(t *testing.T) {
	var a *Auth
	if !a.Anonymous() {
		t.Error("nil auth should be anonymous")
	}
	if !(&Auth{}).Anonymous() {
		t.Error("empty auth should be anonymous")
	}
	if (&Auth{Token: "t"}).Anonymous() {
		t.Error("bearer auth should not be anonymous")
	}
	if (&Auth{Username: "u", Password: "p"}).Anonymous() {
		t.Error("basic auth should not be anonymous")
	}
}
