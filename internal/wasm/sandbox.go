// ABOUTME: Sandboxed execution of untrusted WebAssembly plugins via wazero.
// ABOUTME: One isolated module instance per plugin, serialized behind a mutex, bounded by timeouts.

package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/2389/wasmgate/internal/config"
	"github.com/2389/wasmgate/internal/plugins"
)

// Entry points every plugin module must export.
const (
	entryDescribe = "describe"
	entryCall     = "call"
	guestAllocate = "allocate"
)

// Default timeout bounds. Tool logic may do real work, so call gets a much
// longer leash than describe.
const (
	DefaultDescribeTimeout = 30 * time.Second
	DefaultCallTimeout     = 120 * time.Second
)

// MaxModuleBytes is the largest module the loader will accept (128 MiB).
const MaxModuleBytes = 128 << 20

// ErrLoad indicates the module could not be loaded (malformed bytes, missing exports).
var ErrLoad = errors.New("sandbox load failed")

// ErrTimeout indicates a describe or call exceeded its bound.
var ErrTimeout = errors.New("sandbox call timed out")

// ErrExecution indicates the sandboxed code failed or trapped mid-call.
var ErrExecution = errors.New("sandbox execution failed")

// ErrBadResult indicates the module returned something that is not usable JSON.
var ErrBadResult = errors.New("malformed sandbox result")

// Config configures a sandbox load.
type Config struct {
	// Name identifies the plugin in logs and error messages.
	Name string
	// Module is the raw WebAssembly binary.
	Module []byte
	// Manifest is the plugin's declared policy; nil keeps engine defaults.
	Manifest *config.Manifest
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// DescribeTimeout and CallTimeout default to the package constants.
	DescribeTimeout time.Duration
	CallTimeout     time.Duration
}

// Sandbox owns one loaded, isolated execution context for a single plugin.
// The underlying wazero module is not safe for concurrent calls, so every
// describe/call serializes on mu. Calls to different plugins (different
// Sandbox values) proceed independently.
//
// The compiled module and its instantiation config are retained: a timed-out
// call closes the running instance, and the next call re-instantiates from
// the compilation so the timeout costs one call, not the plugin.
type Sandbox struct {
	name         string
	runtime      wazero.Runtime
	compiled     wazero.CompiledModule
	moduleConfig wazero.ModuleConfig
	module       api.Module
	policy       Policy
	logger       *slog.Logger

	describeTimeout time.Duration
	callTimeout     time.Duration

	mu sync.Mutex
}

// Load merges the manifest onto engine defaults and instantiates the module.
// Missing describe/call exports are a load-time failure.
func Load(ctx context.Context, cfg Config) (*Sandbox, error) {
	if len(cfg.Module) == 0 {
		return nil, fmt.Errorf("plugin %q: %w: empty module", cfg.Name, ErrLoad)
	}
	if len(cfg.Module) > MaxModuleBytes {
		return nil, fmt.Errorf("plugin %q: %w: module is %d bytes, cap is %d", cfg.Name, ErrLoad, len(cfg.Module), MaxModuleBytes)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	describeTimeout := cfg.DescribeTimeout
	if describeTimeout <= 0 {
		describeTimeout = DefaultDescribeTimeout
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}

	policy := mergePolicy(cfg.Manifest)

	// CloseOnContextDone lets an abandoned (timed-out) call terminate instead
	// of holding the execution lock forever.
	runtimeConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if policy.MemoryLimitPages > 0 {
		runtimeConfig = runtimeConfig.WithMemoryLimitPages(policy.MemoryLimitPages)
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("plugin %q: %w: instantiating WASI: %v", cfg.Name, ErrLoad, err)
	}

	moduleConfig := wazero.NewModuleConfig().
		WithName(cfg.Name).
		WithStartFunctions() // no auto-start; entry points are called explicitly
	for key, value := range policy.Config {
		moduleConfig = moduleConfig.WithEnv(key, value)
	}
	if len(policy.AllowedPaths) > 0 {
		fsConfig := wazero.NewFSConfig()
		for hostPath, guestPath := range policy.AllowedPaths {
			fsConfig = fsConfig.WithDirMount(hostPath, guestPath)
		}
		moduleConfig = moduleConfig.WithFSConfig(fsConfig)
	}

	compiled, err := runtime.CompileModule(ctx, cfg.Module)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("plugin %q: %w: %v", cfg.Name, ErrLoad, err)
	}

	module, err := runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("plugin %q: %w: %v", cfg.Name, ErrLoad, err)
	}

	for _, export := range []string{entryDescribe, entryCall} {
		if module.ExportedFunction(export) == nil {
			_ = runtime.Close(ctx)
			return nil, fmt.Errorf("plugin %q: %w: module does not export %q", cfg.Name, ErrLoad, export)
		}
	}

	logger.Debug("sandbox loaded",
		"plugin", cfg.Name,
		"module_bytes", len(cfg.Module),
		"memory_limit_pages", policy.MemoryLimitPages,
		"allowed_hosts", policy.AllowedHosts,
	)

	return &Sandbox{
		name:            cfg.Name,
		runtime:         runtime,
		compiled:        compiled,
		moduleConfig:    moduleConfig,
		module:          module,
		policy:          policy,
		logger:          logger,
		describeTimeout: describeTimeout,
		callTimeout:     callTimeout,
	}, nil
}

// Describe invokes the module's describe entry point and decodes the tool set.
func (s *Sandbox) Describe(ctx context.Context) (plugins.ToolSet, error) {
	data, err := s.invoke(ctx, entryDescribe, nil, s.describeTimeout)
	if err != nil {
		return plugins.ToolSet{}, fmt.Errorf("plugin %q: describe: %w", s.name, err)
	}

	data, err = unwrapJSONString(data)
	if err != nil {
		return plugins.ToolSet{}, fmt.Errorf("plugin %q: describe: %w: %v", s.name, ErrBadResult, err)
	}

	var toolset plugins.ToolSet
	if err := json.Unmarshal(data, &toolset); err != nil {
		return plugins.ToolSet{}, fmt.Errorf("plugin %q: describe: %w: %v", s.name, ErrBadResult, err)
	}
	return toolset, nil
}

// callEnvelope is the wire shape the call entry point expects.
type callEnvelope struct {
	Params callParams `json:"params"`
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Executor builds a reusable executor for the named tool. Each invocation
// wraps the caller's arguments in the call envelope, runs the module's call
// entry point under the execution lock, and decodes the JSON result.
func (s *Sandbox) Executor(toolName string) plugins.Executor {
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		input, err := json.Marshal(callEnvelope{Params: callParams{Name: toolName, Arguments: args}})
		if err != nil {
			return nil, fmt.Errorf("plugin %q: tool %q: encoding call envelope: %w", s.name, toolName, err)
		}

		data, err := s.invoke(ctx, entryCall, input, s.callTimeout)
		if err != nil {
			return nil, fmt.Errorf("plugin %q: tool %q: %w", s.name, toolName, err)
		}

		data, err = unwrapJSONString(data)
		if err != nil {
			return nil, fmt.Errorf("plugin %q: tool %q: %w: %v", s.name, toolName, ErrBadResult, err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("plugin %q: tool %q: %w: result is not JSON", s.name, toolName, ErrBadResult)
		}
		return data, nil
	}
}

// Close tears down the runtime and every module it hosts.
func (s *Sandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

// invoke runs one entry point bounded by the given timeout. The work runs on
// its own goroutine: sandbox calls are synchronous and CPU-bound, and a
// timed-out call is abandoned to finish (and unlock) on its own while the
// caller returns.
func (s *Sandbox) invoke(ctx context.Context, entry string, input []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := dispatch(ctx, func(ctx context.Context) ([]byte, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.callEntry(ctx, entry, input)
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s exceeded %s", ErrTimeout, entry, timeout)
	}
	return data, err
}

// dispatch runs work off the caller's goroutine and waits for it or for ctx.
// The result channel is buffered so an abandoned worker never blocks, and a
// panic inside the work is converted into an execution error rather than
// crossing the boundary.
func dispatch(ctx context.Context, work func(context.Context) ([]byte, error)) ([]byte, error) {
	type outcome struct {
		data []byte
		err  error
	}
	results := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- outcome{err: fmt.Errorf("%w: panic: %v", ErrExecution, r)}
			}
		}()
		data, err := work(ctx)
		results <- outcome{data: data, err: err}
	}()

	select {
	case out := <-results:
		return out.data, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ensureModuleLocked re-instantiates the module if a previous timed-out call
// closed the running instance. Caller must hold s.mu.
func (s *Sandbox) ensureModuleLocked(ctx context.Context) error {
	if !s.module.IsClosed() {
		return nil
	}

	s.logger.Warn("module instance was closed by a timed-out call, re-instantiating",
		"plugin", s.name,
	)
	module, err := s.runtime.InstantiateModule(ctx, s.compiled, s.moduleConfig)
	if err != nil {
		return fmt.Errorf("%w: re-instantiating module: %v", ErrExecution, err)
	}
	s.module = module
	return nil
}

// callEntry performs the raw guest call. Caller must hold s.mu.
//
// ABI: entry points return a packed i64 (pointer in the upper 32 bits, length
// in the lower 32). Input, when present, is written into guest memory through
// the module's allocate export and passed as (ptr, len).
func (s *Sandbox) callEntry(ctx context.Context, entry string, input []byte) ([]byte, error) {
	if err := s.ensureModuleLocked(ctx); err != nil {
		return nil, err
	}

	fn := s.module.ExportedFunction(entry)
	if fn == nil {
		return nil, fmt.Errorf("%w: missing export %q", ErrExecution, entry)
	}

	var (
		results []uint64
		err     error
	)
	if len(input) > 0 {
		allocate := s.module.ExportedFunction(guestAllocate)
		if allocate == nil {
			return nil, fmt.Errorf("%w: module does not export %q", ErrExecution, guestAllocate)
		}
		allocated, allocErr := allocate.Call(ctx, uint64(len(input)))
		if allocErr != nil {
			return nil, fmt.Errorf("%w: guest allocate: %v", ErrExecution, allocErr)
		}
		ptr := uint32(allocated[0])
		if !s.module.Memory().Write(ptr, input) {
			return nil, fmt.Errorf("%w: writing %d bytes to guest memory", ErrExecution, len(input))
		}
		results, err = fn.Call(ctx, uint64(ptr), uint64(len(input)))
	} else {
		results, err = fn.Call(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrExecution, entry, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %s returned no value", ErrExecution, entry)
	}

	ptr, length := unpackPtrLen(results[0])
	if length == 0 {
		return nil, fmt.Errorf("%w: %s returned an empty result", ErrBadResult, entry)
	}
	data, ok := s.module.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("%w: reading %d bytes at %d from guest memory", ErrExecution, length, ptr)
	}

	// The slice views guest memory, which the next call may clobber.
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// unpackPtrLen splits a packed i64 into pointer and length.
// Upper 32 bits: pointer, lower 32 bits: length.
func unpackPtrLen(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed & 0xFFFFFFFF)
}

// unwrapJSONString tolerates results that arrive double-encoded: a JSON
// string whose contents are the actual JSON document.
func unwrapJSONString(data []byte) ([]byte, error) {
	trimmed := data
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\n' || trimmed[0] == '\t' || trimmed[0] == '\r') {
		trimmed = trimmed[1:]
	}
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return data, nil
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return nil, err
	}
	return []byte(inner), nil
}
