package wasmhost

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const defaultCallDeadline = 5 * time.Second

// TrapError reports that a handler invocation did not return normally: it
// aborted, exceeded its deadline, or the host could not marshal its
// arguments or result across the memory boundary. It is always a contained,
// per-step condition — the caller turns it into a step-level failure, never
// an engine abort.
type TrapError struct {
	Reason string
}

func (e *TrapError) Error() string { return "wasmhost: trap: " + e.Reason }

// Handle invokes the guest's handle export with state, action and env
// encoded as independent ptr/len memory regions, and returns the raw JSON
// bytes of its result. A panic raised by the env.abort import, a call
// error, or a deadline exceeded while WithCloseOnContextDone forces the
// instance closed are all recovered here and turned into a *TrapError —
// the WASM sandbox boundary never lets a guest fault escape as a Go panic.
func (h *Handler) Handle(ctx context.Context, state, action, env json.RawMessage) (out json.RawMessage, err error) {
	deadline := time.Duration(h.config.CallDeadline)
	if deadline <= 0 {
		deadline = defaultCallDeadline
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &TrapError{Reason: fmt.Sprintf("%v", r)}
		}
	}()

	statePtr, stateLen, werr := writeToWasm(callCtx, h.module, h.allocFn, state)
	if werr != nil {
		return nil, &TrapError{Reason: werr.Error()}
	}
	defer h.deallocFn.Call(ctx, uint64(statePtr), uint64(stateLen))

	actionPtr, actionLen, werr := writeToWasm(callCtx, h.module, h.allocFn, action)
	if werr != nil {
		return nil, &TrapError{Reason: werr.Error()}
	}
	defer h.deallocFn.Call(ctx, uint64(actionPtr), uint64(actionLen))

	envPtr, envLen, werr := writeToWasm(callCtx, h.module, h.allocFn, env)
	if werr != nil {
		return nil, &TrapError{Reason: werr.Error()}
	}
	defer h.deallocFn.Call(ctx, uint64(envPtr), uint64(envLen))

	results, callErr := h.handleFn.Call(callCtx,
		uint64(statePtr), uint64(stateLen),
		uint64(actionPtr), uint64(actionLen),
		uint64(envPtr), uint64(envLen))
	if callErr != nil {
		if callCtx.Err() != nil {
			return nil, &TrapError{Reason: "deadline exceeded"}
		}
		return nil, &TrapError{Reason: callErr.Error()}
	}

	resultPtr, resultLen := unpackPtrLen(results[0])
	resultBytes, rerr := readFromWasm(h.module, resultPtr, resultLen)
	if rerr != nil {
		return nil, &TrapError{Reason: rerr.Error()}
	}
	if resultLen > 0 {
		defer h.deallocFn.Call(ctx, uint64(resultPtr), uint64(resultLen))
	}

	return json.RawMessage(resultBytes), nil
}
