package ao

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jsoneaday/ao/internal/cache"
	"github.com/jsoneaday/ao/internal/model"
	"github.com/jsoneaday/ao/internal/source"
)

// fakeHandler runs a tiny deterministic counter program entirely in Go, so
// the fold algorithm can be exercised without a compiled WASM binary. Its
// action vocabulary exists only to drive the scenarios below.
type fakeHandler struct {
	mu    sync.Mutex
	calls int
}

type counterState struct {
	Count int `json:"count"`
}

type fakeAction struct {
	Delta        int    `json:"delta"`
	Trap         bool   `json:"trap"`
	Fail         string `json:"fail"`
	CarryForward bool   `json:"carryForward"`
}

func (h *fakeHandler) Handle(ctx context.Context, state, action, env json.RawMessage) (json.RawMessage, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()

	var act fakeAction
	if len(action) > 0 {
		if err := json.Unmarshal(action, &act); err != nil {
			return nil, fmt.Errorf("fakeHandler: bad action: %w", err)
		}
	}
	if act.Trap {
		return nil, errors.New("simulated guest trap")
	}
	if act.Fail != "" {
		return json.Marshal(model.HandlerOutput{Result: &model.HandlerResult{Error: act.Fail}})
	}
	if act.CarryForward {
		return json.Marshal(model.HandlerOutput{})
	}

	var cur counterState
	if len(state) > 0 {
		if err := json.Unmarshal(state, &cur); err != nil {
			return nil, fmt.Errorf("fakeHandler: bad state: %w", err)
		}
	}
	cur.Count += act.Delta
	newState, err := json.Marshal(cur)
	if err != nil {
		return nil, err
	}
	return json.Marshal(model.HandlerOutput{State: newState})
}

func (h *fakeHandler) Close(ctx context.Context) error { return nil }

// fakeModule hands out a fresh fakeHandler per NewHandler call, matching the
// real wasmhost.Module's one-instance-per-evaluation contract.
type fakeModule struct {
	handlers []*fakeHandler

	mu sync.Mutex
}

func (m *fakeModule) NewHandler(ctx context.Context, instanceName string) (HandlerIface, error) {
	h := &fakeHandler{}
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
	return h, nil
}

// fakeHost counts every Compile call so tests can assert that a read served
// entirely from the cache never compiles a module. Every call returns the
// same fakeModule, the way wasmhost.Host returns its cached compilation for
// identical bytes.
type fakeHost struct {
	mu       sync.Mutex
	compiles int
	module   *fakeModule
}

func newFakeHost() *fakeHost {
	return &fakeHost{module: &fakeModule{}}
}

func (h *fakeHost) Compile(ctx context.Context, src []byte) (Module, error) {
	h.mu.Lock()
	h.compiles++
	h.mu.Unlock()
	return h.module, nil
}

// fakeLoader always returns the same placeholder module bytes; fakeHost
// never actually interprets them as WASM.
type fakeLoader struct{ src []byte }

func (l fakeLoader) LoadModule(ctx context.Context, processID string) ([]byte, error) {
	return l.src, nil
}

// fakeScheduler assigns monotonically increasing, lexicographically ordered
// sort keys and appends the interaction straight into the backing source —
// standing in for a real scheduler publishing to a durable log.
type fakeScheduler struct {
	mu   sync.Mutex
	src  *source.Memory
	next int
}

func (s *fakeScheduler) Submit(ctx context.Context, processID string, action json.RawMessage) (string, error) {
	s.mu.Lock()
	s.next++
	sortKey := fmt.Sprintf("%010d", s.next)
	s.mu.Unlock()

	s.src.Append(processID, model.Interaction{SortKey: sortKey, Action: action, Env: json.RawMessage(`{}`)})
	return sortKey, nil
}

func newTestEvaluator(t *testing.T) (*Evaluator, *fakeHost, *fakeScheduler) {
	t.Helper()
	c := cache.NewMemory()
	src := source.NewMemory()
	host := newFakeHost()
	sched := &fakeScheduler{src: src}
	loader := fakeLoader{src: []byte("placeholder-module")}

	e, err := NewEvaluator(c, src, host, loader, sched, nil)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	return e, host, sched
}

func mustWrite(t *testing.T, e *Evaluator, processID string, action string) string {
	t.Helper()
	sortKey, err := e.WriteInteraction(context.Background(), processID, json.RawMessage(action))
	if err != nil {
		t.Fatalf("WriteInteraction: %v", err)
	}
	return sortKey
}

func TestNewEvaluator_RequiresCollaborators(t *testing.T) {
	_, err := NewEvaluator(nil, source.NewMemory(), newFakeHost(), fakeLoader{}, nil, nil)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestReadState_BasicFold(t *testing.T) {
	e, _, _ := newTestEvaluator(t)
	ctx := context.Background()
	const pid = "proc-1"

	mustWrite(t, e, pid, `{"delta":1}`)
	mustWrite(t, e, pid, `{"delta":2}`)
	sortKey3 := mustWrite(t, e, pid, `{"delta":3}`)

	res, err := e.ReadState(ctx, pid, model.SentinelLatest)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if res.Halted {
		t.Fatalf("expected no halt")
	}
	if res.SortKey != sortKey3 {
		t.Fatalf("expected last sort key %s, got %s", sortKey3, res.SortKey)
	}
	var cur counterState
	if err := json.Unmarshal(res.State, &cur); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if cur.Count != 6 {
		t.Fatalf("expected count 6, got %d", cur.Count)
	}
}

func TestReadState_CarryForwardState(t *testing.T) {
	e, _, _ := newTestEvaluator(t)
	ctx := context.Background()
	const pid = "proc-carry"

	mustWrite(t, e, pid, `{"delta":5}`)
	mustWrite(t, e, pid, `{"carryForward":true}`)

	res, err := e.ReadState(ctx, pid, model.SentinelLatest)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	var cur counterState
	if err := json.Unmarshal(res.State, &cur); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if cur.Count != 5 {
		t.Fatalf("carry-forward step must not change state, got count=%d", cur.Count)
	}
}

func TestReadState_ContainedFailureHaltsFold(t *testing.T) {
	e, _, _ := newTestEvaluator(t)
	ctx := context.Background()
	const pid = "proc-fail"

	mustWrite(t, e, pid, `{"delta":1}`)
	mustWrite(t, e, pid, `{"fail":"rejected by handler"}`)
	mustWrite(t, e, pid, `{"delta":100}`)

	res, err := e.ReadState(ctx, pid, model.SentinelLatest)
	if err != nil {
		t.Fatalf("ReadState must not return a Go error for a contained failure: %v", err)
	}
	if !res.Halted {
		t.Fatalf("expected halted=true after a failed step")
	}
	if !res.Output.Failed() {
		t.Fatalf("expected last output to report failure")
	}
	var cur counterState
	if err := json.Unmarshal(res.State, &cur); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if cur.Count != 1 {
		t.Fatalf("state must freeze at the failing step, got count=%d", cur.Count)
	}
}

func TestReadState_TrapBecomesContainedFailure(t *testing.T) {
	e, _, _ := newTestEvaluator(t)
	ctx := context.Background()
	const pid = "proc-trap"

	mustWrite(t, e, pid, `{"trap":true}`)

	res, err := e.ReadState(ctx, pid, model.SentinelLatest)
	if err != nil {
		t.Fatalf("a guest trap must surface as a contained failure, not a Go error: %v", err)
	}
	if !res.Halted || !res.Output.Failed() {
		t.Fatalf("expected a halted, failed result for a trapped step")
	}
}

func TestReadState_ResumesFromCacheWithoutReplaying(t *testing.T) {
	e, host, _ := newTestEvaluator(t)
	ctx := context.Background()
	const pid = "proc-resume"

	mustWrite(t, e, pid, `{"delta":1}`)
	mustWrite(t, e, pid, `{"delta":1}`)

	if _, err := e.ReadState(ctx, pid, model.SentinelLatest); err != nil {
		t.Fatalf("first ReadState: %v", err)
	}
	firstHandlerCount := len(host.module.handlers)

	mustWrite(t, e, pid, `{"delta":1}`)
	res, err := e.ReadState(ctx, pid, model.SentinelLatest)
	if err != nil {
		t.Fatalf("second ReadState: %v", err)
	}

	var cur counterState
	if err := json.Unmarshal(res.State, &cur); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if cur.Count != 3 {
		t.Fatalf("expected count 3 after resuming from cache, got %d", cur.Count)
	}
	lastHandler := host.module.handlers[len(host.module.handlers)-1]
	if lastHandler.calls != 1 {
		t.Fatalf("expected exactly one new step folded on resume, handler saw %d calls", lastHandler.calls)
	}
	if len(host.module.handlers) != firstHandlerCount+1 {
		t.Fatalf("expected exactly one new handler instantiation, got %d new", len(host.module.handlers)-firstHandlerCount)
	}
}

func TestReadState_ExactSortKeyHitsCacheWithoutInstantiating(t *testing.T) {
	e, host, _ := newTestEvaluator(t)
	ctx := context.Background()
	const pid = "proc-exact"

	sortKey := mustWrite(t, e, pid, `{"delta":1}`)
	if _, err := e.ReadState(ctx, pid, sortKey); err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	compilesAfterFirst := host.compiles

	res, err := e.ReadState(ctx, pid, sortKey)
	if err != nil {
		t.Fatalf("ReadState exact hit: %v", err)
	}
	if res.SortKey != sortKey {
		t.Fatalf("expected sort key %s, got %s", sortKey, res.SortKey)
	}
	if host.compiles != compilesAfterFirst {
		t.Fatalf("exact-sortKey cache hit must not compile a module, compiles went from %d to %d", compilesAfterFirst, host.compiles)
	}
}

func TestReadState_SingleFlightDedupesConcurrentCalls(t *testing.T) {
	e, host, _ := newTestEvaluator(t)
	ctx := context.Background()
	const pid = "proc-dedupe"

	mustWrite(t, e, pid, `{"delta":1}`)

	const n = 20
	var wg sync.WaitGroup
	results := make([]ReadStateResult, n)
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.ReadState(ctx, pid, model.SentinelLatest)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	for i := 1; i < n; i++ {
		if string(results[i].State) != string(results[0].State) {
			t.Fatalf("concurrent ReadState calls diverged: %s vs %s", results[0].State, results[i].State)
		}
	}
	if len(host.module.handlers) != 1 {
		t.Fatalf("expected a single fold to actually run, got %d handler instantiations", len(host.module.handlers))
	}
}

// TestSaveWithRetry_SurfacesIntegrityErrorWithoutRetrying exercises the path
// a genuinely divergent replay would hit: the cache already holds a
// different record for a sort key the fold just recomputed (e.g. the
// module's source bytes changed between two evaluations). saveWithRetry
// must recognise ErrIntegrity is not transient and surface it immediately
// rather than burning through its retry budget.
func TestSaveWithRetry_SurfacesIntegrityErrorWithoutRetrying(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory()
	const pid = "proc-integrity"

	if err := c.Save(ctx, model.EvaluationRecord{
		ProcessID: pid,
		SortKey:   "0000000001",
		Action:    json.RawMessage(`{"delta":1}`),
		Output:    model.HandlerOutput{State: json.RawMessage(`{"count":999}`)},
	}); err != nil {
		t.Fatalf("seeding cache: %v", err)
	}

	src := source.NewMemory()
	host := newFakeHost()
	loader := fakeLoader{src: []byte("placeholder-module")}
	e, err := NewEvaluator(c, src, host, loader, nil, nil)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	err = e.saveWithRetry(ctx, model.EvaluationRecord{
		ProcessID: pid,
		SortKey:   "0000000001",
		Action:    json.RawMessage(`{"delta":1}`),
		Output:    model.HandlerOutput{State: json.RawMessage(`{"count":1}`)},
	})
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity for a conflicting record, got %v", err)
	}
}

func TestWriteInteraction_RequiresScheduler(t *testing.T) {
	c := cache.NewMemory()
	src := source.NewMemory()
	e, err := NewEvaluator(c, src, newFakeHost(), fakeLoader{src: []byte("m")}, nil, nil)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	_, err = e.WriteInteraction(context.Background(), "proc", json.RawMessage(`{}`))
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration without a scheduler, got %v", err)
	}
}

// TestReadState_ResumeAfterFailurePreservesState covers spec scenario 5: an
// increment followed by a contained failure (an error-only record, carrying
// no State of its own), then a fresh ReadState pinned exactly at the failing
// step's sort key. The exact-sortKey cache hit must still report the state
// the process actually carried into that step, not the nil Output.State a
// failed step's record holds.
func TestReadState_ResumeAfterFailurePreservesState(t *testing.T) {
	e, _, _ := newTestEvaluator(t)
	ctx := context.Background()
	const pid = "proc-resume-after-failure"

	mustWrite(t, e, pid, `{"delta":1}`)
	failKey := mustWrite(t, e, pid, `{"fail":"boom"}`)

	if _, err := e.ReadState(ctx, pid, model.SentinelLatest); err != nil {
		t.Fatalf("first ReadState: %v", err)
	}

	res, err := e.ReadState(ctx, pid, failKey)
	if err != nil {
		t.Fatalf("ReadState at failing sortKey: %v", err)
	}
	if !res.Halted || !res.Output.Failed() {
		t.Fatalf("expected a halted, failed result at the failing sortKey")
	}
	var cur counterState
	if err := json.Unmarshal(res.State, &cur); err != nil {
		t.Fatalf("unmarshal state: %v (raw=%s)", err, res.State)
	}
	if cur.Count != 1 {
		t.Fatalf("expected state carried forward from before the failure (count=1), got count=%d", cur.Count)
	}
}

// TestReadState_ResumeAfterCarryForwardPreservesState covers the successful
// carry-forward twin of the scenario above: a step that returns {} must not
// lose the state it carried forward when a later ReadState resumes from it.
func TestReadState_ResumeAfterCarryForwardPreservesState(t *testing.T) {
	e, _, _ := newTestEvaluator(t)
	ctx := context.Background()
	const pid = "proc-resume-after-carry"

	mustWrite(t, e, pid, `{"delta":5}`)
	mustWrite(t, e, pid, `{"carryForward":true}`)

	if _, err := e.ReadState(ctx, pid, model.SentinelLatest); err != nil {
		t.Fatalf("first ReadState: %v", err)
	}

	mustWrite(t, e, pid, `{"delta":2}`)
	res, err := e.ReadState(ctx, pid, model.SentinelLatest)
	if err != nil {
		t.Fatalf("second ReadState: %v", err)
	}
	var cur counterState
	if err := json.Unmarshal(res.State, &cur); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if cur.Count != 7 {
		t.Fatalf("expected count 7 after resuming through a cached carry-forward step, got %d", cur.Count)
	}
}

func TestReadState_DeterministicAcrossIndependentEvaluators(t *testing.T) {
	ctx := context.Background()
	const pid = "proc-determinism"
	actions := []string{`{"delta":1}`, `{"delta":2}`, `{"carryForward":true}`, `{"delta":3}`}

	run := func() []model.EvaluationRecord {
		c := cache.NewMemory()
		src := source.NewMemory()
		for i, a := range actions {
			src.Append(pid, model.Interaction{
				SortKey: fmt.Sprintf("%010d", i+1),
				Action:  json.RawMessage(a),
				Env:     json.RawMessage(`{}`),
			})
		}
		host := newFakeHost()
		loader := fakeLoader{src: []byte("placeholder-module")}
		e, err := NewEvaluator(c, src, host, loader, nil, nil)
		if err != nil {
			t.Fatalf("NewEvaluator: %v", err)
		}
		if _, err := e.ReadState(ctx, pid, model.SentinelLatest); err != nil {
			t.Fatalf("ReadState: %v", err)
		}
		recs, err := c.Range(ctx, pid, model.SentinelGenesis, maxSortKeyProbe)
		if err != nil {
			t.Fatalf("Range: %v", err)
		}
		return recs
	}

	a := run()
	b := run()
	if len(a) != len(b) {
		t.Fatalf("expected equal-length replays, got %d vs %d", len(a), len(b))
	}
	for i := range a {
		if string(a[i].CanonicalBytes()) != string(b[i].CanonicalBytes()) {
			t.Fatalf("record %d diverged between independent replays", i)
		}
	}
}
