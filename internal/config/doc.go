// Package config handles configuration loading for wasmgate.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// Besides server settings, the config carries the list of plugin declarations
// that the bootstrap feeds into the acquisition pipeline.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from WASMGATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/wasmgate/wasmgate.yaml
//  3. ~/.config/wasmgate/wasmgate.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token: "${GHCR_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Plugin Declarations
//
// Each plugin names a source URI (file, http, https, or oci scheme) or a bare
// filesystem path, which is canonicalized to file://:
//
//	plugins:
//	  - name: time
//	    source: oci://ghcr.io/example/time-plugin:latest
//	    auth:
//	      username: "${REGISTRY_USER}"
//	      password: "${REGISTRY_PASSWORD}"
//	    manifest:
//	      memory_limit_pages: 128
//	      config:
//	        TZ: UTC
//	      allowed_hosts:
//	        - worldtimeapi.org
//	  - name: local
//	    source: ./plugins/local.wasm
//	    owner: "alice"
//
// A plugin declared without an owner is registered under the wildcard owner
// sentinel and is visible to every caller.
//
// # Sandbox Manifest
//
// The manifest is a wholesale-replacement policy: every field that is present
// replaces the engine default for that field entirely; map and list fields are
// not merged key-by-key.
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
