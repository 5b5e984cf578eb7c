// Package source defines the seam the evaluator reads a process's ordered
// interaction log through. The scheduler that actually assigns sort keys
// is out of scope; this package only fixes the contract a scheduler client
// would implement.
package source

import (
	"context"
	"fmt"

	"github.com/jsoneaday/ao/internal/model"
)

// TransientIOError marks a fetch failure the caller should retry: the
// upstream scheduler was unreachable or timed out, not that the requested
// range is invalid.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("source: %s: transient: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// InteractionOrErr carries either one interaction or a terminal error for
// the stream; an error ends the stream.
type InteractionOrErr struct {
	Interaction model.Interaction
	Err         error
}

// Source streams interactions for processID in (fromExclusive, toInclusive]
// sort-key order. fromExclusive == model.SentinelGenesis starts at the
// process's first interaction; toInclusive == model.SentinelLatest means
// "as far as the source can currently see".
type Source interface {
	ListInteractions(ctx context.Context, processID, fromExclusive, toInclusive string) (<-chan InteractionOrErr, error)
}
