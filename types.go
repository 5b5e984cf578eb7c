package ao

import (
	"encoding/json"

	"github.com/jsoneaday/ao/internal/model"
)

// Interaction, HandlerOutput, HandlerResult and EvaluationRecord are
// re-exported from internal/model so callers outside this module never need
// to import it directly.
type (
	Interaction      = model.Interaction
	HandlerOutput    = model.HandlerOutput
	HandlerResult    = model.HandlerResult
	EvaluationRecord = model.EvaluationRecord
)

// SentinelGenesis and SentinelLatest are re-exported so callers constructing
// ReadState calls never need to import internal/model for them.
const (
	SentinelGenesis = model.SentinelGenesis
	SentinelLatest  = model.SentinelLatest
)

// ReadStateResult is what ReadState returns: the process's reconstructed
// state as of SortKey, the output of the step that produced it, and whether
// the fold halted at a failed step (SortKey is that step's; no interaction
// after it was applied, even if the caller asked for a later sort key).
type ReadStateResult struct {
	ProcessID string
	SortKey   string
	State     json.RawMessage
	Output    HandlerOutput
	Halted    bool
}
