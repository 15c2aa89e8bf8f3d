// Package plugins provides the plugin registry and core tool data model.
//
// # Overview
//
// A plugin is a named, independently loadable source of one or more tools.
// Source handlers (see internal/source) acquire plugin bytes, load them into
// a sandbox, and produce a LoadResult: the plugin's declared ToolSet plus one
// Executor per tool. The Registry is the concurrent catalog tracking all of
// it.
//
// # Registry
//
// Four associative structures share one reader/writer lock:
//
//   - plugin name -> declaration
//   - tool name   -> owning plugin name
//   - tool name   -> tool definition
//   - tool name   -> executor
//
// A single lock keeps the maps mutually consistent: no reader ever sees a
// tool whose plugin mapping was already removed. Tool names are globally
// unique; registering a plugin whose tools collide with existing names takes
// over those entries (last write wins), which is what allows replacing a
// plugin in place.
//
// Invocation copies the executor handle out under the read lock and runs it
// outside any lock, so long-running tool calls never block registration or
// listing.
//
// # Ownership
//
// Every stored declaration carries an opaque owner string. A declaration
// without one is registered under the wildcard sentinel ("*/*/*"), meaning
// visible to everyone. The registry only stores and compares these strings;
// resolving a caller to an identity is the front end's business.
package plugins
