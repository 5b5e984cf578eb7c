// Package cache implements the evaluation cache: a (processID, sortKey)
// keyed store of evaluation records with write-once semantics and an
// at-or-before lookup, backed by three interchangeable implementations
// (in-memory, SQLite, MySQL) that all satisfy the same conformance suite.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/jsoneaday/ao/internal/model"
)

// ErrIntegrity is returned by Save when a record already exists for
// (ProcessID, SortKey) and its canonical bytes differ from the one being
// saved — two different outputs claiming the same position in a process's
// log, which can only mean the upstream fold diverged.
var ErrIntegrity = errors.New("cache: conflicting record for existing sortKey")

// Cache is the evaluation cache contract every backend implements.
type Cache interface {
	// LatestAtOrBefore returns the highest-sortKey record at or before
	// sortKey for processID, or ok=false if none exists.
	LatestAtOrBefore(ctx context.Context, processID, sortKey string) (*model.EvaluationRecord, bool, error)
	// Save persists record. Saving an identical record for an existing key
	// is a no-op; saving a different one for an existing key is
	// ErrIntegrity. Saving is otherwise idempotent under retry.
	Save(ctx context.Context, record model.EvaluationRecord) error
	// Range returns every record for processID with sortKey in
	// (from, to], ordered ascending by sortKey.
	Range(ctx context.Context, processID, from, to string) ([]model.EvaluationRecord, error)
	// RangeStream is Range without materialising the full slice first, for
	// auditing processes whose log is too long to hold in memory at once.
	// The channel is closed once every matching record has been sent, or
	// immediately on error.
	RangeStream(ctx context.Context, processID, from, to string) (<-chan model.EvaluationRecord, error)
	// EvictBefore deletes every record for processID with sortKey strictly
	// below keepAfterSortKey. Callers are responsible for ensuring the
	// retained tail still starts at a record some reader can resume from —
	// the cache itself enforces no watermark policy.
	EvictBefore(ctx context.Context, processID, keepAfterSortKey string) error
	// Close releases any resources the backend holds open.
	Close() error
}

// sameRecord reports whether two records are equal under CanonicalBytes,
// i.e. ignoring CachedAt.
func sameRecord(a, b model.EvaluationRecord) bool {
	return bytes.Equal(a.CanonicalBytes(), b.CanonicalBytes())
}

// checkWriteOnce is the shared write-once decision every backend's Save
// applies once it has the existing record, if any, in hand: nil means
// "no conflict" (insert when existing is nil; otherwise the identical record
// is already stored and the save is a no-op), a non-nil error means the
// save must return without touching storage.
func checkWriteOnce(existing *model.EvaluationRecord, incoming model.EvaluationRecord) error {
	if existing == nil {
		return nil
	}
	if sameRecord(*existing, incoming) {
		return nil
	}
	return fmt.Errorf("%w: processId=%s sortKey=%s", ErrIntegrity, incoming.ProcessID, incoming.SortKey)
}
