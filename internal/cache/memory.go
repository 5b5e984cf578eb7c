package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/jsoneaday/ao/internal/model"
)

// Memory is an in-process evaluation cache, the reference implementation of
// the contract that the shared conformance suite checks every backend
// against (each backend runs the suite on its own). Records for a
// process are kept sorted by SortKey so LatestAtOrBefore is a binary
// search rather than a scan.
type Memory struct {
	mu     sync.RWMutex
	byProc map[string][]model.EvaluationRecord // kept sorted by SortKey
}

// NewMemory constructs an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{byProc: make(map[string][]model.EvaluationRecord)}
}

func (m *Memory) LatestAtOrBefore(ctx context.Context, processID, sortKey string) (*model.EvaluationRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.byProc[processID]
	// recs[i].SortKey <= sortKey for i < idx; find the rightmost such i.
	idx := sort.Search(len(recs), func(i int) bool { return recs[i].SortKey > sortKey })
	if idx == 0 {
		return nil, false, nil
	}
	rec := recs[idx-1]
	return &rec, true, nil
}

func (m *Memory) Save(ctx context.Context, record model.EvaluationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.byProc[record.ProcessID]
	idx := sort.Search(len(recs), func(i int) bool { return recs[i].SortKey >= record.SortKey })
	if idx < len(recs) && recs[idx].SortKey == record.SortKey {
		if err := checkWriteOnce(&recs[idx], record); err != nil {
			return err
		}
		return nil // identical record already saved; no-op
	}

	recs = append(recs, model.EvaluationRecord{})
	copy(recs[idx+1:], recs[idx:])
	recs[idx] = record
	m.byProc[record.ProcessID] = recs
	return nil
}

func (m *Memory) Range(ctx context.Context, processID, from, to string) ([]model.EvaluationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.byProc[processID]
	lo := sort.Search(len(recs), func(i int) bool { return recs[i].SortKey > from })
	hi := sort.Search(len(recs), func(i int) bool { return recs[i].SortKey > to })
	out := make([]model.EvaluationRecord, hi-lo)
	copy(out, recs[lo:hi])
	return out, nil
}

func (m *Memory) RangeStream(ctx context.Context, processID, from, to string) (<-chan model.EvaluationRecord, error) {
	recs, err := m.Range(ctx, processID, from, to)
	if err != nil {
		return nil, err
	}
	out := make(chan model.EvaluationRecord, len(recs))
	for _, r := range recs {
		out <- r
	}
	close(out)
	return out, nil
}

func (m *Memory) EvictBefore(ctx context.Context, processID, keepAfterSortKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.byProc[processID]
	idx := sort.Search(len(recs), func(i int) bool { return recs[i].SortKey >= keepAfterSortKey })
	m.byProc[processID] = append([]model.EvaluationRecord(nil), recs[idx:]...)
	return nil
}

func (m *Memory) Close() error { return nil }
