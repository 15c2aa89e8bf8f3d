// ABOUTME: Sandbox resource policy and manifest merging.
// ABOUTME: Present manifest fields wholesale-replace engine defaults.

package wasm

import "github.com/2389/wasmgate/internal/config"

// defaultMemoryLimitPages bounds guest memory to 64 pages (4 MiB) unless the
// plugin manifest raises it.
const defaultMemoryLimitPages uint32 = 64

// Policy is the effective sandbox policy after merging a plugin manifest
// onto the engine defaults.
type Policy struct {
	MemoryLimitPages uint32
	Config           map[string]string
	AllowedHosts     []string
	AllowedPaths     map[string]string // host path -> guest path
}

// defaultPolicy returns the engine defaults applied when a manifest field is absent.
func defaultPolicy() Policy {
	return Policy{
		MemoryLimitPages: defaultMemoryLimitPages,
	}
}

// mergePolicy overlays a plugin manifest onto the defaults. Each present
// field replaces the default for that field entirely; maps and lists are
// never merged key-by-key.
func mergePolicy(m *config.Manifest) Policy {
	p := defaultPolicy()
	if m == nil {
		return p
	}
	if m.MemoryLimitPages != nil {
		p.MemoryLimitPages = *m.MemoryLimitPages
	}
	if m.Config != nil {
		p.Config = m.Config
	}
	if m.AllowedHosts != nil {
		p.AllowedHosts = m.AllowedHosts
	}
	if m.AllowedPaths != nil {
		p.AllowedPaths = m.AllowedPaths
	}
	return p
}
