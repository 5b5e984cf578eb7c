package ao

import (
	"context"
	"encoding/json"

	"github.com/jsoneaday/ao/internal/wasmhost"
	"go.uber.org/zap"
)

// HostConfig bounds the resources a single handler invocation may consume;
// it is wasmhost.Config re-exported so callers never import internal/wasmhost
// directly.
type HostConfig = wasmhost.Config

// Host compiles a process's WASM module. Production code gets one from
// NewWasmHost; tests can supply a fake satisfying this interface instead of
// standing up a real wazero runtime.
type Host interface {
	Compile(ctx context.Context, src []byte) (Module, error)
}

// Module is a compiled guest module, instantiated once per evaluation.
type Module interface {
	NewHandler(ctx context.Context, instanceName string) (HandlerIface, error)
}

// HandlerIface is one instantiated module, ready to fold interactions
// through. Handle must never let a guest trap escape as a Go panic; it
// returns a plain error instead (see wasmhost.TrapError).
type HandlerIface interface {
	Handle(ctx context.Context, state, action, env json.RawMessage) (json.RawMessage, error)
	Close(ctx context.Context) error
}

// wasmHost adapts *wasmhost.Host to Host: wasmhost's own methods return its
// own concrete types, which Go's interface rules don't let satisfy Host and
// Module directly (return types must match exactly, not merely be
// assignable) — hence the thin wrapping here.
type wasmHost struct{ h *wasmhost.Host }

// NewWasmHost constructs the production Host: a sandboxed wazero runtime
// bounded by cfg, logging through log.
func NewWasmHost(ctx context.Context, log *zap.Logger, cfg HostConfig) (Host, error) {
	h, err := wasmhost.NewHost(ctx, log, cfg)
	if err != nil {
		return nil, err
	}
	return wasmHost{h: h}, nil
}

// CloseWasmHost releases a Host built by NewWasmHost.
func CloseWasmHost(ctx context.Context, host Host) error {
	wh, ok := host.(wasmHost)
	if !ok {
		return nil
	}
	return wh.h.Close(ctx)
}

func (w wasmHost) Compile(ctx context.Context, src []byte) (Module, error) {
	m, err := w.h.Compile(ctx, src)
	if err != nil {
		return nil, err
	}
	return wasmModule{m: m}, nil
}

type wasmModule struct{ m *wasmhost.Module }

func (w wasmModule) NewHandler(ctx context.Context, instanceName string) (HandlerIface, error) {
	return w.m.NewHandler(ctx, instanceName)
}
