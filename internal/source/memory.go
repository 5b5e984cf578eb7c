package source

import (
	"context"
	"sort"
	"sync"

	"github.com/jsoneaday/ao/internal/model"
)

// Memory is a fixed, in-process interaction log used by tests and by
// single-node deployments that receive interactions out of band and simply
// need them replayed in sort-key order.
type Memory struct {
	mu      sync.RWMutex
	byProc  map[string][]model.Interaction // kept sorted by SortKey
}

// NewMemory constructs an empty in-memory source.
func NewMemory() *Memory {
	return &Memory{byProc: make(map[string][]model.Interaction)}
}

// Append adds an interaction to processID's log. The caller is responsible
// for appending in sort-key order — Append does not re-sort, matching the
// real scheduler's append-only guarantee.
func (m *Memory) Append(processID string, in model.Interaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byProc[processID] = append(m.byProc[processID], in)
}

func (m *Memory) ListInteractions(ctx context.Context, processID, fromExclusive, toInclusive string) (<-chan InteractionOrErr, error) {
	m.mu.RLock()
	all := append([]model.Interaction(nil), m.byProc[processID]...)
	m.mu.RUnlock()

	lo := sort.Search(len(all), func(i int) bool { return all[i].SortKey > fromExclusive })
	hi := len(all)
	if toInclusive != model.SentinelLatest {
		hi = sort.Search(len(all), func(i int) bool { return all[i].SortKey > toInclusive })
	}

	out := make(chan InteractionOrErr, hi-lo)
	for _, in := range all[lo:hi] {
		select {
		case out <- InteractionOrErr{Interaction: in}:
		case <-ctx.Done():
			out <- InteractionOrErr{Err: ctx.Err()}
		}
	}
	close(out)
	return out, nil
}
