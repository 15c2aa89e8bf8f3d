// Package wasm loads untrusted WebAssembly plugins into isolated wazero
// runtimes and mediates every interaction with them.
//
// # Execution model
//
// Each loaded plugin owns exactly one module instance. wazero modules are not
// safe for concurrent calls, so all describe/call invocations of one plugin
// serialize behind a mutex; different plugins run independently. Calls are
// synchronous and CPU-bound, so they are dispatched on their own goroutine
// and bounded by timeouts (30s describe, 120s call by default). A timed-out
// call is abandoned: the caller gets a timeout error immediately while the
// worker finishes or is torn down by the runtime's context-done close, then
// releases the lock. A timeout therefore never wedges subsequent calls.
//
// Go mutexes do not poison: a panic inside a call is recovered at the
// dispatch boundary and surfaces as an execution error, and the lock is
// released on the way out.
//
// # Entry-point contract
//
// A plugin module must export:
//
//	describe() -> i64            returns a JSON tool set
//	call(ptr, len u32) -> i64    takes {"params":{"name","arguments"}}, returns JSON
//	allocate(size u32) -> u32    guest allocator for host-written input
//
// Returned i64 values pack a guest pointer in the upper 32 bits and a length
// in the lower 32. Absence of describe or call fails the load.
//
// # Policy
//
// The plugin manifest merges onto engine defaults by wholesale field
// replacement: memory limit pages bound guest memory, config entries become
// guest environment variables, and allowed paths become preopened directory
// mounts. Allowed hosts are retained on the policy; the module itself has no
// ambient network access.
package wasm
