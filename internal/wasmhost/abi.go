package wasmhost

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// unpackPtrLen splits a packed u64 return value into a pointer (upper 32
// bits) and a length (lower 32 bits) — the convention the guest's handle
// export uses to return a single value for a variable-length result.
func unpackPtrLen(packed uint64) (ptr, length uint32) {
	ptr = uint32(packed >> 32)
	length = uint32(packed & 0xFFFFFFFF)
	return
}

// writeToWasm allocates guest memory via allocFn and copies data into it.
// The caller owns the returned pointer and must dealloc it.
func writeToWasm(ctx context.Context, mod api.Module, allocFn api.Function, data []byte) (uint32, uint32, error) {
	dataLen := uint32(len(data))
	results, err := allocFn.Call(ctx, uint64(dataLen))
	if err != nil {
		return 0, 0, fmt.Errorf("alloc failed: %w", err)
	}
	ptr := uint32(results[0])

	if dataLen > 0 && !mod.Memory().Write(ptr, data) {
		return 0, 0, fmt.Errorf("memory write failed at ptr=%d len=%d", ptr, dataLen)
	}
	return ptr, dataLen, nil
}

// readFromWasm copies length bytes out of guest linear memory starting at
// ptr. A copy is required: wazero's Memory.Read returns a view that aliases
// the instance's memory and may be invalidated by a subsequent call (e.g. a
// dealloc or a grow).
func readFromWasm(mod api.Module, ptr, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	view, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("memory read failed at ptr=%d len=%d", ptr, length)
	}
	data := make([]byte, length)
	copy(data, view)
	return data, nil
}
