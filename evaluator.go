package ao

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jsoneaday/ao/internal/cache"
	"github.com/jsoneaday/ao/internal/model"
	"github.com/jsoneaday/ao/internal/pipeline"
	"github.com/jsoneaday/ao/internal/source"
	"github.com/jsoneaday/ao/internal/wasmhost"
	"go.uber.org/zap"
)

// ModuleLoader resolves a process's current WASM module bytes. The real
// implementation reads from wherever processes are published; this core
// only depends on the interface.
type ModuleLoader interface {
	LoadModule(ctx context.Context, processID string) ([]byte, error)
}

// Scheduler accepts a new interaction for a process and assigns it a sort
// key. It is opaque to the core: WriteInteraction only forwards to it.
type Scheduler interface {
	Submit(ctx context.Context, processID string, action json.RawMessage) (sortKey string, err error)
}

// Evaluator is the engine's single entry point: ReadState reconstructs a
// process's state as of a sort key, WriteInteraction forwards a new action
// to the scheduler. It is safe for concurrent use.
type Evaluator struct {
	cache     cache.Cache
	src       source.Source
	host      Host
	loader    ModuleLoader
	scheduler Scheduler
	log       *zap.Logger
	cfg       evaluatorConfig

	mu       sync.Mutex
	inflight map[string]*inflightCall

	instanceSeq atomic.Uint64
}

// NewEvaluator wires an Evaluator from its required collaborators. host
// must outlive the Evaluator; callers own its Close.
func NewEvaluator(c cache.Cache, src source.Source, host Host, loader ModuleLoader, scheduler Scheduler, log *zap.Logger, opts ...Option) (*Evaluator, error) {
	if c == nil || src == nil || host == nil || loader == nil {
		return nil, fmt.Errorf("%w: cache, source, host and loader are required", ErrConfiguration)
	}
	if log == nil {
		log = zap.NewNop()
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Evaluator{
		cache:     c,
		src:       src,
		host:      host,
		loader:    loader,
		scheduler: scheduler,
		log:       log.Named("evaluate"),
		cfg:       cfg,
		inflight:  make(map[string]*inflightCall),
	}, nil
}

// ReadState reconstructs processID's state as of upToSortKey (or the
// process's latest interaction, if upToSortKey is SentinelLatest). Concurrent
// calls for the same (processID, upToSortKey) are single-flighted: only one
// actually folds, the rest observe its result.
func (e *Evaluator) ReadState(ctx context.Context, processID, upToSortKey string) (ReadStateResult, error) {
	key := processID + "\x00" + upToSortKey
	return e.singleflight(key, func() (ReadStateResult, error) {
		return e.foldFrom(ctx, processID, upToSortKey)
	})
}

func (e *Evaluator) foldFrom(ctx context.Context, processID, upToSortKey string) (ReadStateResult, error) {
	if e.cfg.metrics != nil {
		e.cfg.metrics.EvaluationStarted()
		defer e.cfg.metrics.EvaluationFinished()
	}

	base, hasBase, err := e.cache.LatestAtOrBefore(ctx, processID, latestCacheProbeKey(upToSortKey))
	if err != nil {
		return ReadStateResult{}, fmt.Errorf("ao: reading cache: %w", err)
	}

	fromExclusive := model.SentinelGenesis
	acc := foldAcc{}

	if hasBase {
		if upToSortKey != model.SentinelLatest && base.SortKey == upToSortKey {
			if e.cfg.metrics != nil {
				e.cfg.metrics.CacheHit()
			}
			return ReadStateResult{
				ProcessID: processID,
				SortKey:   base.SortKey,
				State:     base.State,
				Output:    base.Output,
				Halted:    base.Output.Failed(),
			}, nil
		}
		fromExclusive = base.SortKey
		acc = foldAcc{state: base.State, lastOutput: base.Output, lastSortKey: base.SortKey}
	}
	if e.cfg.metrics != nil {
		e.cfg.metrics.CacheMiss()
	}

	ch, err := e.src.ListInteractions(ctx, processID, fromExclusive, upToSortKey)
	if err != nil {
		return ReadStateResult{}, fmt.Errorf("ao: listing interactions: %w", err)
	}

	src, err := e.loader.LoadModule(ctx, processID)
	if err != nil {
		return ReadStateResult{}, fmt.Errorf("%w: loading module for %s: %v", ErrConfiguration, processID, err)
	}
	module, err := e.host.Compile(ctx, src)
	if err != nil {
		return ReadStateResult{}, fmt.Errorf("%w: compiling module for %s: %v", ErrConfiguration, processID, err)
	}
	instanceName := fmt.Sprintf("%s#%d", processID, e.instanceSeq.Add(1))
	handler, err := module.NewHandler(ctx, instanceName)
	if err != nil {
		return ReadStateResult{}, fmt.Errorf("%w: instantiating module for %s: %v", ErrConfiguration, processID, err)
	}
	defer handler.Close(ctx)

	halted := acc.lastOutput.Failed()

	for item := range ch {
		if item.Err != nil {
			return ReadStateResult{}, fmt.Errorf("ao: fetching interactions: %w", item.Err)
		}
		if halted {
			// Drain the rest of the channel without folding further.
			continue
		}
		in := item.Interaction

		started := time.Now()
		outBytes, callErr := handler.Handle(ctx, acc.state, in.Action, in.Env)
		var output model.HandlerOutput
		if callErr != nil {
			output = model.HandlerOutput{Result: &model.HandlerResult{Error: stepFailureReason(in.SortKey, callErr)}}
		} else {
			parsed, perr := model.ParseHandlerOutput(outBytes)
			if perr != nil {
				output = model.HandlerOutput{Result: &model.HandlerResult{Error: perr.Error()}}
			} else {
				output = *parsed
			}
		}
		ok := !output.Failed()
		if e.cfg.metrics != nil {
			e.cfg.metrics.ObserveStep(time.Since(started).Seconds(), ok)
		}
		if !ok {
			e.log.Warn("step failed", zap.String("processId", processID), zap.String("sortKey", in.SortKey), zap.String("reason", output.Result.Error))
		}

		nextState := acc.state
		if output.State != nil {
			nextState = output.State
		} // else: state omitted means carry the previous state forward.
		next := foldAcc{state: nextState, lastOutput: output, lastSortKey: in.SortKey}

		var step pipeline.Step[foldAcc]
		if ok {
			step = pipeline.Continue(next)
		} else {
			step = pipeline.Halt(next)
		}

		record := model.EvaluationRecord{
			ProcessID: processID,
			SortKey:   in.SortKey,
			Action:    in.Action,
			Output:    output,
			State:     nextState,
		}
		if err := e.saveWithRetry(ctx, record); err != nil {
			return ReadStateResult{}, err
		}

		acc = step.Value()
		if step.Halted() {
			halted = true
		}
	}

	return ReadStateResult{
		ProcessID: processID,
		SortKey:   acc.lastSortKey,
		State:     acc.state,
		Output:    acc.lastOutput,
		Halted:    halted,
	}, nil
}

// stepFailureReason turns a Go error from a handler invocation into the
// string an EvaluationRecord carries as its contained failure — a
// *wasmhost.TrapError whose reason names a deadline or memory ceiling
// becomes a ResourceExhaustionError, any other trap or call error becomes a
// plain StepError. Neither is ever returned from ReadState as a Go error;
// only their Error() text is recorded.
func stepFailureReason(sortKey string, callErr error) string {
	var trap *wasmhost.TrapError
	if errors.As(callErr, &trap) {
		if kind, ok := resourceExhaustionKind(trap.Reason); ok {
			return (&ResourceExhaustionError{SortKey: sortKey, Kind: kind}).Error()
		}
		return (&StepError{SortKey: sortKey, Reason: trap.Reason}).Error()
	}
	return (&StepError{SortKey: sortKey, Reason: callErr.Error()}).Error()
}

// resourceExhaustionKind reports whether a trap reason names a resource
// ceiling rather than guest logic, and which one — "deadline exceeded" is
// invoke.go's own wording for a context timeout; "memory" covers abi.go's
// alloc/read/write failures, which is what a MemoryLimitPages ceiling
// surfaces as once the guest can no longer grow into its sandbox.
func resourceExhaustionKind(reason string) (string, bool) {
	switch {
	case strings.Contains(reason, "deadline exceeded"):
		return "deadline", true
	case strings.Contains(reason, "memory"), strings.HasPrefix(reason, "alloc failed"):
		return "memory", true
	default:
		return "", false
	}
}

// foldAcc is the accumulator pipeline.Step carries through foldFrom's loop:
// the process's running state, the most recent output produced, and the
// sort key it was produced for.
type foldAcc struct {
	state       json.RawMessage
	lastOutput  model.HandlerOutput
	lastSortKey string
}

// saveWithRetry persists record, retrying a TransientIO-shaped failure per
// the evaluator's configured backoff before giving up and promoting it to a
// ConfigurationError — a cache write failing is an engine-level fault, not
// a contained step outcome, so it always aborts the fold rather than being
// recorded in the output.
func (e *Evaluator) saveWithRetry(ctx context.Context, record model.EvaluationRecord) error {
	policy := e.cfg.retryPolicy
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attemptSave := func() pipeline.Result[struct{}] {
		if err := e.cache.Save(ctx, record); err != nil {
			return pipeline.Err[struct{}](err)
		}
		return pipeline.Ok(struct{}{})
	}

	result := attemptSave()
	for attempt := 1; attempt < maxAttempts && !result.IsOk(); attempt++ {
		if errors.Is(result.Error(), ErrIntegrity) {
			// Not transient: a different record already claims this sort
			// key. Retrying cannot change that, so stop and surface it.
			break
		}
		delay := policy.BaseDelay * time.Duration(1<<uint(attempt-1))
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		result = pipeline.ChainErr(result, func(error) pipeline.Result[struct{}] { return attemptSave() })
	}

	if _, err := result.Unwrap(); err != nil {
		if errors.Is(err, ErrIntegrity) {
			return err
		}
		return fmt.Errorf("%w: saving sortKey=%s after retries: %v", ErrConfiguration, record.SortKey, err)
	}
	return nil
}

// WriteInteraction forwards action to the scheduler and returns the sort
// key it assigned. The core never itself orders interactions.
func (e *Evaluator) WriteInteraction(ctx context.Context, processID string, action json.RawMessage) (string, error) {
	if e.scheduler == nil {
		return "", fmt.Errorf("%w: no scheduler configured", ErrConfiguration)
	}
	return e.scheduler.Submit(ctx, processID, action)
}

// maxSortKeyProbe sorts after any sort key the scheduler actually assigns
// (zero-padded decimal strings), so passing it to LatestAtOrBefore returns
// whatever the cache holds furthest along for a process.
const maxSortKeyProbe = "￿￿￿￿"

// latestCacheProbeKey maps the SentinelLatest read request onto a sort key
// the cache's ordered index can actually search for.
func latestCacheProbeKey(upToSortKey string) string {
	if upToSortKey == model.SentinelLatest {
		return maxSortKeyProbe
	}
	return upToSortKey
}
