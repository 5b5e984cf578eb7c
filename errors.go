package ao

import (
	"errors"
	"fmt"

	"github.com/jsoneaday/ao/internal/cache"
)

// ErrIntegrity means the cache already holds a different record for a
// sort key the current fold just produced a new one for — two divergent
// replays of the same process, which can only mean something upstream
// (the module's source bytes, or the interaction log itself) changed
// between evaluations. It always aborts ReadState; it is never contained
// in a HandlerOutput.
var ErrIntegrity = cache.ErrIntegrity

// ErrConfiguration means the Evaluator was asked to evaluate a process it
// cannot: no module loader result, a module missing a required export, or
// an evaluator constructed without its required collaborators.
var ErrConfiguration = errors.New("ao: configuration error")

// StepError is a contained, per-interaction failure: the handler itself
// reported it through HandlerOutput.Result.Error, or the sandbox trapped
// while evaluating it. It is carried as data inside an EvaluationRecord,
// never returned as a Go error from ReadState.
type StepError struct {
	SortKey string
	Reason  string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("ao: step %s failed: %s", e.SortKey, e.Reason)
}

// ResourceExhaustionError is a StepError whose cause was a deadline or
// memory ceiling, not guest logic. It is reported through the same
// HandlerOutput.Result.Error channel as any other StepError; the Kind
// field exists only to let operators distinguish trap causes in logs.
type ResourceExhaustionError struct {
	SortKey string
	Kind    string // "deadline" | "memory"
}

func (e *ResourceExhaustionError) Error() string {
	return fmt.Sprintf("ao: step %s exhausted resources: %s", e.SortKey, e.Kind)
}
