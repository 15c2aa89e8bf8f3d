// Package source acquires plugins from their declared locations.
//
// # Overview
//
// A source handler implements one contract: given a plugin declaration,
// fetch and initialize it, returning its tool set plus one callable executor
// per tool. Handlers are selected purely by URI scheme:
//
//	file, http, https -> HTTPFileHandler
//	oci               -> OCIHandler
//
// An unrecognized scheme is a non-retryable configuration error surfaced
// before any network activity. The closed dispatch keeps the registry and
// bootstrap logic unaware of where plugin bytes come from.
//
// # OCI acquisition
//
// The OCI handler pulls the artifact manifest, ranks layers into candidate
// order (raw wasm, then compressed tar, then plain tar, stable within a
// tier), and tries each candidate in turn: download through a size-bounded
// sink, verify exact length and sha256 digest against the descriptor, then
// decode a module from the blob. Only after every candidate fails does the
// last error surface. Successful OCI loads retain the raw module bytes and
// source URL so a storage layer can persist the artifact; other handlers
// leave those fields empty.
//
// # Failure policy
//
// Integrity failures (size mismatch, digest mismatch, oversized blob,
// unsupported digest algorithm) are fatal for the offending candidate layer
// and never silently ignored. Transport failures carry the plugin name and
// a sanitized URL; credentials, query strings, and fragments never appear
// in diagnostics.
package source
