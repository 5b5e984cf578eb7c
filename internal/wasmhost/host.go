// Package wasmhost sandboxes a process's WASM module behind a fixed,
// minimal host-import surface and a ptr/len memory ABI, turning guest traps
// and aborts into ordinary Go errors instead of letting them propagate as
// runtime panics or unbounded execution.
package wasmhost

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Host owns the wazero runtime shared by every module instantiated from it,
// and a content-addressed compilation cache keyed by the module's own bytes
// so that re-evaluating the same process never recompiles its WASM.
type Host struct {
	rt     wazero.Runtime
	log    *zap.Logger
	config Config

	mu       sync.Mutex
	compiled map[[32]byte]wazero.CompiledModule
}

// Config bounds the resources a single handler invocation may consume. It
// stands in for the specification's per-call gas budget: wazero does not
// expose public instruction metering, so wall-clock deadline and linear
// memory ceiling are the two levers actually available (see DESIGN.md).
type Config struct {
	// CallDeadline bounds a single Handle invocation. Zero means 5s.
	CallDeadline int64 // nanoseconds; kept as int64 to avoid importing time here
	// MemoryLimitPages bounds a module instance's linear memory, in 64KiB
	// pages. Zero means wazero's default (unbounded up to the module's own
	// declared maximum).
	MemoryLimitPages uint32
}

// NewHost constructs a Host with a fresh wazero runtime and registers the
// fixed capability set: a single "env" module exposing only an abort
// function. Any other guest import fails at instantiation time, which is
// exactly how the sandboxing contract is enforced — by omission, not by a
// denylist. cfg bounds every handler invocation run through this Host.
func NewHost(ctx context.Context, log *zap.Logger, cfg Config) (*Host, error) {
	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)

	if err := registerEnvModule(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasmhost: registering host imports: %w", err)
	}

	return &Host{
		rt:       rt,
		log:      log.Named("wasmhost"),
		config:   cfg,
		compiled: make(map[[32]byte]wazero.CompiledModule),
	}, nil
}

// Close releases every compiled module and the underlying runtime.
func (h *Host) Close(ctx context.Context) error {
	return h.rt.Close(ctx)
}

// Module is a compiled guest module, ready to be instantiated once per
// evaluation via NewHandler.
type Module struct {
	host *Host
	cm   wazero.CompiledModule
}

// Compile compiles src once per distinct content hash and reuses the
// result for every subsequent call with the same bytes, so replaying a
// process's interaction log never pays recompilation cost per step.
func (h *Host) Compile(ctx context.Context, src []byte) (*Module, error) {
	key := sha256.Sum256(src)

	h.mu.Lock()
	if cm, ok := h.compiled[key]; ok {
		h.mu.Unlock()
		return &Module{host: h, cm: cm}, nil
	}
	h.mu.Unlock()

	cm, err := h.rt.CompileModule(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("wasmhost: compiling module: %w", err)
	}

	h.mu.Lock()
	if existing, ok := h.compiled[key]; ok {
		h.mu.Unlock()
		cm.Close(ctx)
		return &Module{host: h, cm: existing}, nil
	}
	h.compiled[key] = cm
	h.mu.Unlock()

	return &Module{host: h, cm: cm}, nil
}

// registerEnvModule registers the only import a guest module may take: an
// abort entry point used when the guest's own runtime detects an
// unrecoverable condition (an assertion, an unwrap-of-none, an allocation
// failure it cannot itself signal through the handle return value). The
// host converts the abort into a Go panic and recovers at the call boundary
// (see invoke.go), mirroring the teacher's wbindgen throw-and-recover idiom.
func registerEnvModule(ctx context.Context, rt wazero.Runtime) error {
	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, msgPtr, msgLen, fileP, fileLen, line, col uint32) {
			msg := "abort"
			if data, ok := mod.Memory().Read(msgPtr, msgLen); ok {
				msg = string(data)
			}
			file := ""
			if data, ok := mod.Memory().Read(fileP, fileLen); ok {
				file = string(data)
			}
			panic(fmt.Sprintf("guest abort: %s (%s:%d:%d)", msg, file, line, col))
		}).
		Export("abort").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("instantiating env module: %w", err)
	}
	return nil
}
