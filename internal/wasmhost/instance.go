package wasmhost

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Handler wraps one instantiated WASM module for a single process. It is
// not safe for concurrent use: the Evaluator instantiates one Handler per
// evaluation (see DESIGN.md — this departs from the teacher's long-lived
// instance pool, which assumed a single fixed binary reused across many
// independent flag evaluations; here each process's module is instantiated
// fresh so state never leaks between processes through instance memory).
type Handler struct {
	module    api.Module
	allocFn   api.Function
	deallocFn api.Function
	handleFn  api.Function
	config    Config
}

// requiredExports names every export a guest module must provide. Anything
// else the guest exports is ignored; anything missing here is a
// configuration error surfaced at instantiation time.
var requiredExports = []string{"alloc", "dealloc", "handle"}

// NewHandler instantiates m under a unique module name and resolves its
// required exports.
func (m *Module) NewHandler(ctx context.Context, instanceName string) (*Handler, error) {
	modCfg := wazero.NewModuleConfig().WithName(instanceName)

	mod, err := m.host.rt.InstantiateModule(ctx, m.cm, modCfg)
	if err != nil {
		return nil, fmt.Errorf("wasmhost: instantiating %q: %w", instanceName, err)
	}

	hd := &Handler{
		module:    mod,
		allocFn:   mod.ExportedFunction("alloc"),
		deallocFn: mod.ExportedFunction("dealloc"),
		handleFn:  mod.ExportedFunction("handle"),
		config:    m.host.config,
	}
	if hd.allocFn == nil || hd.deallocFn == nil || hd.handleFn == nil {
		mod.Close(ctx)
		return nil, fmt.Errorf("wasmhost: module %q missing required exports %v", instanceName, requiredExports)
	}
	return hd, nil
}

// Close releases the handler's module instance.
func (h *Handler) Close(ctx context.Context) error {
	return h.module.Close(ctx)
}
