// Package model holds the data types shared across the evaluation engine's
// packages: the interaction and evaluation-record shapes that the cache,
// the source, and the evaluator all need to agree on without importing one
// another.
package model

import (
	"encoding/json"
	"time"
)

// Interaction is one entry of a process's ordered log: an action to apply
// to the process's state, annotated with the environment the scheduler
// observed at assignment time.
type Interaction struct {
	SortKey string          `json:"sortKey"`
	Action  json.RawMessage `json:"action"`
	Env     json.RawMessage `json:"env"`
}

// HandlerResult carries a step-level failure as a value, never as a Go
// error: a handler that rejected its input still produced an output, and
// that output is exactly this shape with Error set.
type HandlerResult struct {
	Error string `json:"error,omitempty"`
}

// HandlerOutput is everything a single handler invocation produces. State
// is omitted (not null, omitted) to mean "carry the previous state forward
// unchanged" — the resolution to the spec's state-omission open question.
type HandlerOutput struct {
	State    json.RawMessage   `json:"state,omitempty"`
	Messages []json.RawMessage `json:"messages,omitempty"`
	Spawns   []json.RawMessage `json:"spawns,omitempty"`
	Output   json.RawMessage   `json:"output,omitempty"`
	Result   *HandlerResult    `json:"result,omitempty"`
}

// Failed reports whether this output represents a contained step failure.
func (h HandlerOutput) Failed() bool {
	return h.Result != nil && h.Result.Error != ""
}

// EvaluationRecord is one persisted step of a process's fold: the
// interaction that produced it, the output it yielded, and the process's
// resolved state as of this sort key, stamped with the wall-clock time the
// cache accepted it.
//
// State is distinct from Output.State: Output is the handler's output
// exactly as produced, which omits State whenever the step carried the
// previous state forward (a failed step, or a successful step that returned
// no state of its own). State always holds the effective state a reader
// must resume from at this sort key, so a cache lookup never needs to walk
// further back than the record it found.
type EvaluationRecord struct {
	ProcessID string          `json:"processId"`
	SortKey   string          `json:"sortKey"`
	Action    json.RawMessage `json:"action"`
	Output    HandlerOutput   `json:"output"`
	State     json.RawMessage `json:"state,omitempty"`
	CachedAt  time.Time       `json:"cachedAt"`
}

// CanonicalBytes serialises r in a fixed field order, excluding CachedAt, so
// that two records differing only in when the cache happened to accept them
// compare equal — the resolution to the spec's cachedAt-equality open
// question. State and Action are already canonical JSON because they
// are carried as json.RawMessage end to end and never re-encoded through a
// map, which would not preserve field order.
func (r EvaluationRecord) CanonicalBytes() []byte {
	type canonical struct {
		ProcessID string          `json:"processId"`
		SortKey   string          `json:"sortKey"`
		Action    json.RawMessage `json:"action"`
		Output    HandlerOutput   `json:"output"`
		State     json.RawMessage `json:"state,omitempty"`
	}
	b, err := json.Marshal(canonical{
		ProcessID: r.ProcessID,
		SortKey:   r.SortKey,
		Action:    r.Action,
		Output:    r.Output,
		State:     r.State,
	})
	if err != nil {
		// Action/Output are already-validated JSON by the time a record
		// reaches the cache; a marshal failure here means the caller
		// passed a RawMessage that was never valid JSON.
		panic("model: EvaluationRecord did not canonicalise: " + err.Error())
	}
	return b
}

const (
	// SentinelGenesis names the position before any interaction has been
	// applied: the process's initial state.
	SentinelGenesis = ""
	// SentinelLatest names the most recent interaction a source can see at
	// the time of the call.
	SentinelLatest = "latest"
)
