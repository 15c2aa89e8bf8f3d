// ABOUTME: Configuration loading and parsing for wasmgate
// ABOUTME: Supports YAML files with environment variable expansion and plugin declarations

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// WildcardOwner is the sentinel owner meaning "visible to everyone".
// It is never a literal identity; the registry assigns it to plugins
// declared without an owner.
const WildcardOwner = "*/*/*"

// Config represents the complete wasmgate configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Plugins []Plugin      `yaml:"plugins"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Plugin declares one plugin to acquire: where its bytes come from,
// how to authenticate, and the sandbox policy to apply.
type Plugin struct {
	Name     string    `yaml:"name"`
	Source   string    `yaml:"source"`
	Auth     *Auth     `yaml:"auth,omitempty"`
	Insecure bool      `yaml:"insecure,omitempty"`
	Manifest *Manifest `yaml:"manifest,omitempty"`
	Owner    string    `yaml:"owner,omitempty"`
}

// Auth is a credential variant for plugin sources. Exactly one of Token
// (bearer) or Username/Password (basic) is expected; both empty means
// anonymous access.
type Auth struct {
	Token    string `yaml:"token,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Anonymous reports whether the auth variant carries no usable credential.
func (a *Auth) Anonymous() bool {
	return a == nil || (a.Token == "" && a.Username == "" && a.Password == "")
}

// Manifest is the declarative sandbox policy for a plugin. Each present
// field wholesale-replaces the corresponding engine default; absent fields
// (nil maps/slices/pointers) leave the default untouched.
type Manifest struct {
	WasmRefs         []string          `yaml:"wasm_refs,omitempty"` // informational
	MemoryLimitPages *uint32           `yaml:"memory_limit_pages,omitempty"`
	Config           map[string]string `yaml:"config,omitempty"`
	AllowedHosts     []string          `yaml:"allowed_hosts,omitempty"`
	AllowedPaths     map[string]string `yaml:"allowed_paths,omitempty"` // host path -> guest path
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	seen := make(map[string]struct{}, len(c.Plugins))
	for i, p := range c.Plugins {
		if p.Name == "" {
			return fmt.Errorf("plugins[%d].name is required", i)
		}
		if p.Source == "" {
			return fmt.Errorf("plugin %q: source is required", p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("plugin %q: duplicate plugin name", p.Name)
		}
		seen[p.Name] = struct{}{}
	}

	return nil
}

// SourceURL canonicalizes the plugin's source into a URL. A source without a
// scheme is treated as a filesystem path and rewritten to a file:// URL;
// relative paths resolve against the current working directory.
func (p *Plugin) SourceURL() (*url.URL, error) {
	u, err := url.Parse(p.Source)
	if err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		return u, nil
	}

	// Bare path (or single-letter "scheme" from a Windows-style path):
	// canonicalize to file://.
	abs, err := filepath.Abs(p.Source)
	if err != nil {
		return nil, fmt.Errorf("plugin %q: resolving source path %q: %w", p.Name, p.Source, err)
	}
	return &url.URL{Scheme: "file", Path: abs}, nil
}
